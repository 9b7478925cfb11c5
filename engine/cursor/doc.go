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

// Package cursor stores pagination cursors between the page fetches of one
// polling session.
//
// A slot is addressed by ScopeKey(actionKey, authData) so two connected
// accounts polling the same trigger never see each other's cursor. Every
// write is a single atomic operation on the backend; an interrupted
// invocation leaves either the old or the new cursor, never a mix.
package cursor
