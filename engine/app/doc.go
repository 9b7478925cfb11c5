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

// Package app defines integration apps and runs their methods.
//
// An App bundles an authentication definition, app-wide request stages,
// keyed triggers, searches and creates, and hydrators. The Runner executes
// one invocation end to end: it builds the request pipeline for the app,
// wraps it in the refresh controller, gates buffered and throttled actions,
// reconciles bulk writes and resolves dehydration and file placeholders in
// the output.
package app
