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

// Package stash turns expensive output values into deferred references and
// moves binary payloads into durable storage, handing back a URL instead of
// the bytes.
//
// Dehydration is a two-phase protocol. At output time a Handle becomes an
// inert signed reference string; a later hydrators.<key> invocation decodes
// the reference and runs the hydrator. Nothing is executed while the first
// invocation's output is being resolved.
package stash
