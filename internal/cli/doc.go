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

/*
Package cli provides the root command for the vantage CLI.

The command tree is:

	vantage
	├── serve      Run the engine with its HTTP API and metrics
	├── bucket     Compute a subject's bucket and variant offline
	├── analyze    Significance test from a YAML counts file
	├── config     Inspect and check configuration
	└── version    Show version information

Global flags (--config, --json, --verbose) are registered here and read
by the command packages through internal/commands/shared.
*/
package cli
