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

package app

import (
	"strings"

	"actionkit/platform/engine/base"
)

// MethodKind says what an invocation runs.
type MethodKind string

const (
	MethodTest               MethodKind = "test"
	MethodConnectionLabel    MethodKind = "connectionLabel"
	MethodSessionPerform     MethodKind = "sessionPerform"
	MethodOAuth2AuthorizeURL MethodKind = "oauth2AuthorizeUrl"
	MethodOAuth2AccessToken  MethodKind = "oauth2GetAccessToken"
	MethodOAuth2Refresh      MethodKind = "oauth2RefreshAccessToken"
	MethodOAuth1RequestToken MethodKind = "oauth1GetRequestToken"
	MethodOAuth1AccessToken  MethodKind = "oauth1GetAccessToken"
	MethodOAuth1AuthorizeURL MethodKind = "oauth1AuthorizeUrl"
	MethodPerform            MethodKind = "perform"
	MethodPerformBulk        MethodKind = "performBulk"
	MethodHydrator           MethodKind = "hydrator"
)

var authMethods = map[string]MethodKind{
	"authentication.test":                            MethodTest,
	"authentication.connectionLabel":                 MethodConnectionLabel,
	"authentication.sessionConfig.perform":           MethodSessionPerform,
	"authentication.oauth2Config.authorizeUrl":       MethodOAuth2AuthorizeURL,
	"authentication.oauth2Config.getAccessToken":     MethodOAuth2AccessToken,
	"authentication.oauth2Config.refreshAccessToken": MethodOAuth2Refresh,
	"authentication.oauth1Config.getRequestToken":    MethodOAuth1RequestToken,
	"authentication.oauth1Config.getAccessToken":     MethodOAuth1AccessToken,
	"authentication.oauth1Config.authorizeUrl":       MethodOAuth1AuthorizeURL,
}

// Method is a parsed dotted method path.
type Method struct {
	Path  string
	Kind  MethodKind
	Group string
	Key   string
}

// ActionKey identifies the action for throttling and cursors,
// e.g. "triggers.new_recipe".
func (m Method) ActionKey() string {
	if m.Group == "" {
		return m.Path
	}
	return m.Group + "." + m.Key
}

// ParseMethod parses paths such as "triggers.new_recipe.operation.perform",
// "creates.recipe.operation.performBulk", "hydrators.recipe" and the
// authentication.* procedures.
func ParseMethod(path string) (Method, error) {
	if kind, ok := authMethods[path]; ok {
		return Method{Path: path, Kind: kind}, nil
	}

	parts := strings.Split(path, ".")
	switch {
	case len(parts) == 2 && parts[0] == "hydrators" && parts[1] != "":
		return Method{Path: path, Kind: MethodHydrator, Group: "hydrators", Key: parts[1]}, nil
	case len(parts) == 4 && parts[1] != "" && parts[2] == "operation":
		switch parts[0] {
		case GroupTriggers, GroupSearches, GroupCreates:
		default:
			return Method{}, unknownMethod(path)
		}
		switch parts[3] {
		case "perform":
			return Method{Path: path, Kind: MethodPerform, Group: parts[0], Key: parts[1]}, nil
		case "performBulk":
			if parts[0] != GroupCreates {
				return Method{}, unknownMethod(path)
			}
			return Method{Path: path, Kind: MethodPerformBulk, Group: parts[0], Key: parts[1]}, nil
		}
	}
	return Method{}, unknownMethod(path)
}

func unknownMethod(path string) error {
	return base.NewValidationError("method", base.Violation{Path: path, Message: "unknown method"})
}
