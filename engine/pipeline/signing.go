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

package pipeline

import (
	"crypto/hmac"
	"crypto/md5"
	"crypto/rand"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"hash"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"actionkit/platform/engine/base"
)

func randomNonce() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return strconv.FormatInt(time.Now().UnixNano(), 16)
	}
	return hex.EncodeToString(b)
}

// parseChallenge splits a WWW-Authenticate header into its scheme parameters.
func parseChallenge(header string) map[string]string {
	params := map[string]string{}
	if idx := strings.IndexByte(header, ' '); idx >= 0 {
		header = header[idx+1:]
	}
	for header != "" {
		header = strings.TrimLeft(header, " ,")
		eq := strings.IndexByte(header, '=')
		if eq < 0 {
			break
		}
		key := strings.ToLower(strings.TrimSpace(header[:eq]))
		header = header[eq+1:]
		var val string
		if strings.HasPrefix(header, `"`) {
			end := strings.IndexByte(header[1:], '"')
			if end < 0 {
				val, header = header[1:], ""
			} else {
				val, header = header[1:end+1], header[end+2:]
			}
		} else {
			end := strings.IndexByte(header, ',')
			if end < 0 {
				val, header = header, ""
			} else {
				val, header = header[:end], header[end:]
			}
		}
		params[key] = strings.TrimSpace(val)
	}
	return params
}

// digestAuthorization answers an RFC 7616 challenge. Supports MD5, SHA-256
// and their -sess variants with qop=auth or no qop.
func digestAuthorization(challenge, method, uri, username, password, cnonce string) (string, error) {
	p := parseChallenge(challenge)
	if p["nonce"] == "" {
		return "", fmt.Errorf("digest challenge without nonce")
	}

	algorithm := p["algorithm"]
	if algorithm == "" {
		algorithm = "MD5"
	}
	var newHash func() hash.Hash
	switch strings.ToUpper(strings.TrimSuffix(strings.ToUpper(algorithm), "-SESS")) {
	case "MD5":
		newHash = md5.New
	case "SHA-256":
		newHash = sha256.New
	default:
		return "", fmt.Errorf("unsupported digest algorithm %q", algorithm)
	}
	h := func(s string) string {
		d := newHash()
		d.Write([]byte(s))
		return hex.EncodeToString(d.Sum(nil))
	}

	qop := ""
	if p["qop"] != "" {
		for _, q := range strings.Split(p["qop"], ",") {
			if strings.TrimSpace(q) == "auth" {
				qop = "auth"
			}
		}
		if qop == "" {
			return "", fmt.Errorf("unsupported digest qop %q", p["qop"])
		}
	}

	const nc = "00000001"
	ha1 := h(username + ":" + p["realm"] + ":" + password)
	if strings.HasSuffix(strings.ToUpper(algorithm), "-SESS") {
		ha1 = h(ha1 + ":" + p["nonce"] + ":" + cnonce)
	}
	ha2 := h(method + ":" + uri)

	var response string
	if qop == "" {
		response = h(ha1 + ":" + p["nonce"] + ":" + ha2)
	} else {
		response = h(ha1 + ":" + p["nonce"] + ":" + nc + ":" + cnonce + ":" + qop + ":" + ha2)
	}

	parts := []string{
		fmt.Sprintf(`username="%s"`, username),
		fmt.Sprintf(`realm="%s"`, p["realm"]),
		fmt.Sprintf(`nonce="%s"`, p["nonce"]),
		fmt.Sprintf(`uri="%s"`, uri),
		fmt.Sprintf(`algorithm=%s`, algorithm),
		fmt.Sprintf(`response="%s"`, response),
	}
	if qop != "" {
		parts = append(parts, "qop="+qop, "nc="+nc, fmt.Sprintf(`cnonce="%s"`, cnonce))
	}
	if p["opaque"] != "" {
		parts = append(parts, fmt.Sprintf(`opaque="%s"`, p["opaque"]))
	}
	return "Digest " + strings.Join(parts, ", "), nil
}

// percentEncode follows RFC 3986 unreserved characters as OAuth1 requires.
func percentEncode(s string) string {
	var b strings.Builder
	for _, c := range []byte(s) {
		if (c >= 'A' && c <= 'Z') || (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9') ||
			c == '-' || c == '.' || c == '_' || c == '~' {
			b.WriteByte(c)
			continue
		}
		fmt.Fprintf(&b, "%%%02X", c)
	}
	return b.String()
}

// signOAuth1 builds an HMAC-SHA1 OAuth 1.0a Authorization header.
func signOAuth1(req *base.Request, u *url.URL, body []byte, now time.Time, nonce string) string {
	oauth := map[string]string{
		"oauth_consumer_key":     req.Auth[AuthOAuthConsumerKey],
		"oauth_nonce":            nonce,
		"oauth_signature_method": "HMAC-SHA1",
		"oauth_timestamp":        strconv.FormatInt(now.Unix(), 10),
		"oauth_version":          "1.0",
	}
	for _, k := range []string{AuthOAuthToken, AuthOAuthVerifier, AuthOAuthCallback} {
		if v := req.Auth[k]; v != "" {
			oauth[k] = v
		}
	}

	type pair struct{ k, v string }
	var pairs []pair
	for k, v := range oauth {
		pairs = append(pairs, pair{percentEncode(k), percentEncode(v)})
	}
	for k, vs := range u.Query() {
		for _, v := range vs {
			pairs = append(pairs, pair{percentEncode(k), percentEncode(v)})
		}
	}
	if body != nil && isForm(req.Headers.Get("Content-Type")) {
		if form, err := url.ParseQuery(string(body)); err == nil {
			for k, vs := range form {
				for _, v := range vs {
					pairs = append(pairs, pair{percentEncode(k), percentEncode(v)})
				}
			}
		}
	}
	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].k != pairs[j].k {
			return pairs[i].k < pairs[j].k
		}
		return pairs[i].v < pairs[j].v
	})
	encoded := make([]string, len(pairs))
	for i, p := range pairs {
		encoded[i] = p.k + "=" + p.v
	}

	baseURL := strings.ToLower(u.Scheme) + "://" + strings.ToLower(u.Host) + u.EscapedPath()
	baseString := strings.ToUpper(req.Method) + "&" + percentEncode(baseURL) + "&" + percentEncode(strings.Join(encoded, "&"))
	key := percentEncode(req.Auth[AuthOAuthConsumerSecret]) + "&" + percentEncode(req.Auth[AuthOAuthTokenSecret])

	mac := hmac.New(sha1.New, []byte(key))
	mac.Write([]byte(baseString))
	oauth["oauth_signature"] = base64.StdEncoding.EncodeToString(mac.Sum(nil))

	keys := make([]string, 0, len(oauth))
	for k := range oauth {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf(`%s="%s"`, percentEncode(k), percentEncode(oauth[k]))
	}
	return "OAuth " + strings.Join(parts, ", ")
}
