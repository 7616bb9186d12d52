// Copyright 2018 Comcast Cable Communications Management, LLC
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package cmd wires core/topic against the in-memory Managed Log into a
// demo/operator CLI. It never opens a network listener: the admin/REST
// surface and wire transport are out of scope, so
// every command here drives the dispatch core directly in-process.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfgFile string
	cfg     = defaultBrokerConfig()
)

// NewRootCmd returns the broker-core root command.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "broker-core",
		Short: "Exercises the pulsar-broker-core dispatch core against an in-memory Managed Log",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return loadConfig()
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "path to a YAML/JSON config file (optional)")
	flags.String("log-level", cfg.LogLevel, "debug, info, warn or error")
	flags.Bool("log-console", cfg.LogConsole, "pretty-print log output instead of JSON")
	flags.String("log-file", cfg.LogFile, "rotate logs to this file instead of stderr")
	flags.String("tenant", cfg.Tenant, "topic tenant")
	flags.String("namespace", cfg.Namespace, "topic namespace")
	flags.String("topic", cfg.Topic, "topic local name")
	flags.Int32Var(&cfg.MaxUnackedPerConsumer, "max-unacked-per-consumer", 0, "0 disables per-consumer unacked blocking")
	flags.Int32Var(&cfg.MaxUnackedPerSubscription, "max-unacked-per-subscription", 0, "0 disables dispatcher-level unacked blocking")
	flags.BoolVar(&cfg.DedupEnabled, "dedup-enabled", false, "enable producer-side deduplication")
	flags.Float64Var(&cfg.ReplicatorQueueThresholdPct, "replicator-queue-threshold-pct", 0, "0 defaults to 0.9")

	for _, name := range []string{"log-level", "log-console", "log-file", "tenant", "namespace", "topic"} {
		if err := viper.BindPFlag(name, flags.Lookup(name)); err != nil {
			panic(err)
		}
	}

	root.AddCommand(newDemoCmd())
	return root
}

// loadConfig merges an optional config file (via viper) over the
// process defaults for the log-level, log-console, log-file, tenant,
// namespace and topic keys, which are bound to their cobra flags so an
// explicit flag always wins over the file, matching viper's documented
// precedence (flag > config file > default). The other flags write
// straight into cfg and are not read from the file.
func loadConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
		if err := viper.ReadInConfig(); err != nil {
			return fmt.Errorf("broker-core: reading config file: %w", err)
		}
	}
	if v := viper.GetString("log-level"); v != "" {
		cfg.LogLevel = v
	}
	cfg.LogConsole = cfg.LogConsole || viper.GetBool("log-console")
	if v := viper.GetString("log-file"); v != "" {
		cfg.LogFile = v
	}
	if v := viper.GetString("tenant"); v != "" {
		cfg.Tenant = v
	}
	if v := viper.GetString("namespace"); v != "" {
		cfg.Namespace = v
	}
	if v := viper.GetString("topic"); v != "" {
		cfg.Topic = v
	}
	return nil
}

// Execute runs the broker-core CLI, exiting the process with status 1
// on error.
func Execute() {
	if err := NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
