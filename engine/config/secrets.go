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

package config

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"gopkg.in/yaml.v3"
)

// SecretScheme prefixes values resolved through AWS Secrets Manager.
const SecretScheme = "aws-secretsmanager://"

// SecretFetcher is the subset of the Secrets Manager client Load needs.
type SecretFetcher interface {
	GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

// NewSecretFetcher builds a Secrets Manager client from the default AWS
// configuration.
func NewSecretFetcher(ctx context.Context) (SecretFetcher, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return secretsmanager.NewFromConfig(cfg), nil
}

// resolveSecrets replaces every secret reference among the scalar nodes.
func (l *loader) resolveSecrets(ctx context.Context, root *yaml.Node) error {
	var refs []*yaml.Node
	collectSecretRefs(root, &refs)
	if len(refs) == 0 {
		return nil
	}

	if l.secrets == nil {
		f, err := NewSecretFetcher(ctx)
		if err != nil {
			return err
		}
		l.secrets = f
	}

	cache := map[string]string{}
	for _, n := range refs {
		value, err := l.resolve(ctx, n.Value, cache)
		if err != nil {
			return fmt.Errorf("line %d: %w", n.Line, err)
		}
		n.Value = value
		n.Tag = "!!str"
	}
	return nil
}

func collectSecretRefs(n *yaml.Node, refs *[]*yaml.Node) {
	if n == nil {
		return
	}
	if n.Kind == yaml.ScalarNode && strings.HasPrefix(n.Value, SecretScheme) {
		*refs = append(*refs, n)
		return
	}
	for _, c := range n.Content {
		collectSecretRefs(c, refs)
	}
}

func (l *loader) resolve(ctx context.Context, ref string, cache map[string]string) (string, error) {
	id, key, _ := strings.Cut(strings.TrimPrefix(ref, SecretScheme), "#")
	if id == "" {
		return "", fmt.Errorf("secret reference %q has no secret id", ref)
	}

	secret, ok := cache[id]
	if !ok {
		out, err := l.secrets.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
			SecretId: aws.String(id),
		})
		if err != nil {
			return "", fmt.Errorf("failed to get secret %s: %w", maskID(id), err)
		}
		if out.SecretString == nil {
			return "", fmt.Errorf("secret %s has no string value", maskID(id))
		}
		secret = *out.SecretString
		cache[id] = secret
	}

	if key == "" {
		return secret, nil
	}
	var fields map[string]interface{}
	if err := json.Unmarshal([]byte(secret), &fields); err != nil {
		return "", fmt.Errorf("secret %s is not a JSON object, cannot select %q", maskID(id), key)
	}
	v, ok := fields[key]
	if !ok {
		return "", fmt.Errorf("secret %s has no key %q", maskID(id), key)
	}
	if s, isString := v.(string); isString {
		return s, nil
	}
	return fmt.Sprint(v), nil
}

// maskID shows only the last 8 characters of a secret id
func maskID(id string) string {
	if len(id) <= 12 {
		return "***"
	}
	return "..." + id[len(id)-8:]
}
