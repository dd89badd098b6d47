// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package app

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"

	"github.com/stacklok/thv-authserver/pkg/authserver"
	"github.com/stacklok/thv-authserver/pkg/logger"
)

// envPrefix is prepended to every configuration key, e.g. THV_AUTHSERVER_STORAGE_REDIS_ADDR.
const envPrefix = "THV_AUTHSERVER"

// envKeys are the configuration keys that may be set from the environment.
// Unmarshal only sees environment variables for keys viper already knows about.
var envKeys = []string{
	"issuer",
	"registry",
	"access_token_lifespan",
	"key_source",
	"storage.type",
	"storage.dir",
	"storage.redis.addr",
	"storage.redis.username",
	"storage.redis.password",
	"storage.redis.db",
	"storage.redis.key_prefix",
	"rotation.interval",
	"rotation.retention",
	"rotation.key_bits",
	"secrets.provider",
	"secrets.dir",
	"secret_key.private_key_name",
	"rate_limit.requests_per_second",
	"rate_limit.burst",
	"upstream.ca_bundle",
	"upstream.allow_private_ip",
	"telemetry.endpoint",
	"telemetry.insecure",
	"telemetry.sampling_rate",
}

func bindEnv(v *viper.Viper) {
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for _, key := range envKeys {
		if err := v.BindEnv(key); err != nil {
			logger.Errorf("Error binding environment variable for %s: %v", key, err)
		}
	}
}

// loadConfig reads the file named by the config key, if any, and unmarshals
// the merged file, environment and flag values.
func loadConfig(v *viper.Viper) (authserver.Config, error) {
	var cfg authserver.Config

	if path := v.GetString("config"); path != "" {
		logger.Infof("Loading configuration from: %s", path)
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return cfg, fmt.Errorf("failed to read configuration file: %w", err)
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, fmt.Errorf("failed to decode configuration: %w", err)
	}
	return cfg, nil
}
