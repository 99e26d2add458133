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
	"fmt"
	"slices"
	"strings"
)

// LogLevels are the values accepted by --log-level.
var LogLevels = []string{"debug", "info", "warn", "error"}

// Persistent flag values, bound by the root command.
var (
	verboseFlag  bool
	jsonFlag     bool
	configFlag   string
	logLevelFlag string

	build = BuildInfo{Version: "dev", Commit: "unknown", BuildDate: "unknown"}
)

// BuildInfo is stamped into the binary through ldflags.
type BuildInfo struct {
	Version   string
	Commit    string
	BuildDate string
}

// RegisterFlagPointers returns the targets of the root command's
// persistent flags.
func RegisterFlagPointers() (verbose, json *bool, config, logLevel *string) {
	return &verboseFlag, &jsonFlag, &configFlag, &logLevelFlag
}

// SetBuild records the build information.
func SetBuild(b BuildInfo) {
	build = b
}

// Build returns the build information.
func Build() BuildInfo {
	return build
}

// GetVerbose returns the --verbose value.
func GetVerbose() bool {
	return verboseFlag
}

// GetJSON returns the --json value.
func GetJSON() bool {
	return jsonFlag
}

// GetConfigPath returns the --config value.
func GetConfigPath() string {
	return configFlag
}

// ValidateLogLevel rejects a --log-level outside LogLevels. Empty is valid.
func ValidateLogLevel() error {
	if logLevelFlag == "" || slices.Contains(LogLevels, strings.ToLower(logLevelFlag)) {
		return nil
	}
	return NewInputError(fmt.Sprintf("invalid --log-level %q (expected one of %s)",
		logLevelFlag, strings.Join(LogLevels, ", ")), nil)
}

// LogLevel resolves the effective level: --verbose, then --log-level,
// then the configured level.
func LogLevel(configured string) string {
	switch {
	case verboseFlag:
		return "debug"
	case logLevelFlag != "":
		return strings.ToLower(logLevelFlag)
	}
	return configured
}

// SetConfigPathForTest sets --config for tests.
func SetConfigPathForTest(path string) {
	configFlag = path
}

// SetLogFlagsForTest sets --verbose and --log-level for tests.
func SetLogFlagsForTest(verbose bool, level string) {
	verboseFlag = verbose
	logLevelFlag = level
}
