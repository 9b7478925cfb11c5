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

// Command actionrunner serves the action engine over HTTP and runs single
// invocations from the command line.
package main

import (
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var version = "0.1.0"

func main() {
	if err := rootCmd().Execute(); err != nil {
		color.New(color.FgRed).Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var opts globalOptions
	cmd := &cobra.Command{
		Use:           "actionrunner",
		Short:         "Run integration actions",
		Long:          `actionrunner executes triggers, searches, creates and authentication procedures of registered apps.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&opts.configPath, "config", "", "path to runner.yaml")
	cmd.PersistentFlags().StringVar(&opts.sampleAPIURL, "sample-api-url", envOr("SAMPLE_API_URL", "https://recipes.example.com/api"), "base URL of the built-in recipe app's API")
	_ = cmd.MarkPersistentFlagRequired("config")

	cmd.AddCommand(serveCmd(&opts))
	cmd.AddCommand(invokeCmd(&opts))
	return cmd
}

type globalOptions struct {
	configPath   string
	sampleAPIURL string
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
