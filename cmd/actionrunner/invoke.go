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

package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"actionkit/platform/engine/app"
	"actionkit/platform/engine/base"
	"actionkit/platform/engine/config"
	"actionkit/platform/internal/sampleapp"
)

func invokeCmd(opts *globalOptions) *cobra.Command {
	var (
		appKey     string
		method     string
		bundlePath string
		reference  string
	)
	cmd := &cobra.Command{
		Use:   "invoke",
		Short: "Run one invocation and print the result",
		Long: `Run one method of an app with a bundle read from a JSON file ("-" for stdin).

Examples:
  actionrunner invoke --config runner.yaml --method authentication.test --bundle bundle.json
  actionrunner invoke --config runner.yaml --method triggers.new_recipe.operation.perform --bundle -`,
		RunE: func(cmd *cobra.Command, args []string) error {
			bundle, err := readBundle(cmd.InOrStdin(), bundlePath)
			if err != nil {
				return err
			}

			cfg, err := config.Load(cmd.Context(), opts.configPath)
			if err != nil {
				return err
			}
			e, err := buildEngine(cmd.Context(), cfg, opts.sampleAPIURL)
			if err != nil {
				return err
			}
			defer e.Close()

			res, err := e.runner.Invoke(cmd.Context(), app.Invocation{
				App:       appKey,
				Method:    method,
				Bundle:    bundle,
				Reference: reference,
			})
			out := json.NewEncoder(cmd.OutOrStdout())
			out.SetIndent("", "  ")
			if err != nil {
				_, body := errorBody(err)
				if res != nil {
					body.AuthData = res.AuthData
				}
				_ = out.Encode(body)
				return err
			}
			return out.Encode(res)
		},
	}
	cmd.Flags().StringVar(&appKey, "app", sampleapp.Key, "app key")
	cmd.Flags().StringVar(&method, "method", "", "method path, e.g. authentication.test")
	cmd.Flags().StringVar(&bundlePath, "bundle", "", "bundle JSON file, or - for stdin")
	cmd.Flags().StringVar(&reference, "reference", "", "dehydrated reference for hydrators.<key>")
	_ = cmd.MarkFlagRequired("method")
	return cmd
}

func readBundle(stdin io.Reader, path string) (*base.Bundle, error) {
	if path == "" {
		return base.NewBundle(), nil
	}
	var (
		data []byte
		err  error
	)
	if path == "-" {
		data, err = io.ReadAll(stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read bundle: %w", err)
	}
	var b base.Bundle
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("failed to parse bundle: %w", err)
	}
	return &b, nil
}
