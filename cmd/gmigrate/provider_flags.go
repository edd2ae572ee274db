package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/franksops/gomigrate/provider"
)

type providerFlags struct {
	kind       string
	configFile string
	sets       []string
}

func (f *providerFlags) register(cmd *cobra.Command, kindFlag string) {
	cmd.Flags().StringVar(&f.kind, kindFlag, "", "Provider kind, e.g. local, s3, gcs, azure, sftp")
	cmd.Flags().StringVar(&f.configFile, "target-config", "", "File (yaml, json or toml) holding the provider configuration")
	cmd.Flags().StringArrayVar(&f.sets, "set", nil, "Provider configuration field as key=value (repeatable)")
}

// providerConfig merges the config file with --set overrides. Keys use the
// persisted field names, e.g. --set local_path=/srv/assets.
func (f *providerFlags) providerConfig() (provider.Config, error) {
	var cfg provider.Config

	v := viper.New()
	if f.configFile != "" {
		v.SetConfigFile(f.configFile)
		if err := v.ReadInConfig(); err != nil {
			return cfg, fmt.Errorf("read provider configuration: %w", err)
		}
	}
	for _, kv := range f.sets {
		key, value, ok := strings.Cut(kv, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return cfg, fmt.Errorf("invalid --set %q, expected key=value", kv)
		}
		v.Set(key, value)
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, fmt.Errorf("decode provider configuration: %w", err)
	}
	return cfg, nil
}
