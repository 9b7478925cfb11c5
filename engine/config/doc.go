// Copyright 2025 AxonFlow
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

// Package config loads the action runner's YAML configuration.
//
// Environment references (${VAR}, $VAR, ${VAR:-default}) are expanded
// before parsing. Scalar values of the form
// aws-secretsmanager://<secret-id>[#json-key] are then replaced by the
// secret's value.
package config
