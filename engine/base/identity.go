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

package base

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

// volatileAuthKeys change on refresh without changing who is connected.
var volatileAuthKeys = map[string]bool{
	"access_token":  true,
	"refresh_token": true,
	"sessionKey":    true,
	"expires_in":    true,
	"expires_at":    true,
	"token_type":    true,
	"id_token":      true,
}

// AuthIdentity returns a stable hash of the connected account. Tokens and
// session keys are excluded so refreshes keep the same identity.
func AuthIdentity(authData map[string]interface{}) string {
	stable := make(map[string]interface{}, len(authData))
	for k, v := range authData {
		if volatileAuthKeys[k] {
			continue
		}
		stable[k] = v
	}
	// encoding/json sorts map keys, which makes the encoding canonical.
	data, err := json.Marshal(stable)
	if err != nil {
		data = []byte(Stringify(stable))
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
