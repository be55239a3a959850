// Copyright The Telemetry Relay Authors
// SPDX-License-Identifier: Apache-2.0

package config // import "github.com/lee-liao/telemetry-relay/config"

import (
	"fmt"
	"strings"

	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/mitchellh/mapstructure"
)

const envPrefix = "RELAY_"

// Load reads the YAML document at path, applies RELAY_* environment variable
// overrides, decodes it on top of the defaults and validates the result.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("failed to load configuration file: %w", err)
	}

	// RELAY_SERVICE_TELEMETRY_LOGS_LEVEL=debug overrides service.telemetry.logs.level.
	if err := k.Load(env.Provider(envPrefix, ".", func(s string) string {
		return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, envPrefix)), "_", ".")
	}), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	cfg := DefaultConfig()
	if err := unmarshal(k, "", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}

	// Exporter entries are decoded one by one on top of the per-exporter
	// defaults, the same way each component section gets its own default
	// config before the user settings are applied.
	cfg.Exporters = make(map[string]*Exporter)
	for _, name := range k.MapKeys("exporters") {
		exp := DefaultExporter()
		if err := unmarshal(k, "exporters."+name, exp); err != nil {
			return nil, fmt.Errorf("failed to unmarshal exporter %q: %w", name, err)
		}
		cfg.Exporters[name] = exp
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func unmarshal(k *koanf.Koanf, path string, out interface{}) error {
	return k.UnmarshalWithConf(path, out, koanf.UnmarshalConf{
		Tag: "mapstructure",
		DecoderConfig: &mapstructure.DecoderConfig{
			DecodeHook: mapstructure.ComposeDecodeHookFunc(
				mapstructure.StringToTimeDurationHookFunc(),
				mapstructure.StringToSliceHookFunc(","),
			),
			WeaklyTypedInput: true,
			Result:           out,
		},
	})
}
