// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package app

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"

	"github.com/stacklok/authbridge/pkg/authserver"
)

// EnvPrefix prefixes every environment override, e.g. AUTHBRIDGE_SESSION_HASH_KEY.
const EnvPrefix = "AUTHBRIDGE"

// envKeys are the settings that may be overridden from the environment.
// Secrets belong here so they can stay out of the configuration file.
var envKeys = []string{
	"address",
	"metrics_address",
	"storage.type",
	"storage.redis.addr",
	"storage.redis.key_prefix",
	"storage.redis.acl_user.username",
	"storage.redis.acl_user.password",
	"storage.sqlite.path",
	"session.store",
	"session.hash_key",
	"session.block_key",
	"session.secure",
	"session.redis.addr",
	"session.redis.key_prefix",
	"session.redis.acl_user.username",
	"session.redis.acl_user.password",
	"identity.trusted_proxies",
	"grant.resume_url",
	"telemetry.endpoint",
	"telemetry.tracing_enabled",
	"telemetry.metrics_enabled",
}

// LoadConfig reads the YAML configuration at path on top of the defaults and
// applies environment overrides. It does not validate the result.
func LoadConfig(path string) (authserver.Config, error) {
	cfg := authserver.DefaultConfig()

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	for _, key := range envKeys {
		if err := v.BindEnv(key); err != nil {
			return cfg, fmt.Errorf("failed to bind environment for %s: %w", key, err)
		}
	}

	if err := v.ReadInConfig(); err != nil {
		return cfg, fmt.Errorf("failed to read configuration %s: %w", path, err)
	}
	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, fmt.Errorf("failed to decode configuration %s: %w", path, err)
	}
	return cfg, nil
}
