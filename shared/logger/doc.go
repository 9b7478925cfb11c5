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

/*
Package logger provides structured JSON logging for actionkit components.

Each entry carries a timestamp, level, component name, instance and
container identifiers, the connected-account identity (client_id) and the
invocation id (request_id):

	log := logger.New("runner")
	log.Info(identity, invocationID, "invocation started", map[string]interface{}{
	    "method": "triggers.recipes.operation.perform",
	})

Secrets never go into fields directly; pass them through Censor first.

The minimum level comes from LOG_LEVEL (DEBUG, INFO, WARN, ERROR; default INFO).
Logger instances are safe for concurrent use.
*/
package logger
