// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package shared

import (
	"errors"
	"io/fs"
	"os"

	"github.com/tombee/vantage/internal/config"
)

// ResolveConfigPath picks the config file: the --config flag, then
// VANTAGE_CONFIG, then the default path when that file exists. An empty
// result means defaults and environment only.
func ResolveConfigPath() (string, error) {
	if p := GetConfigPath(); p != "" {
		return p, nil
	}
	if p := os.Getenv("VANTAGE_CONFIG"); p != "" {
		return p, nil
	}
	p, err := config.ConfigPath()
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(p); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", nil
		}
		return "", err
	}
	return p, nil
}

// LoadConfig resolves and loads the configuration. The returned path is
// empty when no file was used.
func LoadConfig() (*config.Config, string, error) {
	path, err := ResolveConfigPath()
	if err != nil {
		return nil, "", NewConfigError("failed to locate config file", err)
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, path, NewConfigError("failed to load config", err)
	}
	return cfg, path, nil
}
