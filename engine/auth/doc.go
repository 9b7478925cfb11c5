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

// Package auth implements the six authentication strategies (basic, digest,
// custom, session, oauth1, oauth2) and the Controller that bounds credential
// refresh to one cycle per invocation.
//
// Strategies contribute pipeline stages through Config.Stages. A session or
// oauth2 stage that sees a 401 raises *base.RefreshAuthError; the Controller
// catches it, runs Config.Refresh once, merges the returned fields into
// authData and resends the request. A second signal is terminal.
package auth
