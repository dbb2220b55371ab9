// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

const (
	configFileName = "odksync"
	configFileType = "yaml"
	envPrefix      = "ODKSYNC"

	keyAppName           = "app_name"
	keyAppDir            = "app_dir"
	keyDBPath            = "db_path"
	keyServerURL         = "server.url"
	keyServerListen      = "server.listen"
	keyServerDatabaseURL = "server.database_url"
	keyServerJWTSecret   = "server.jwt_secret"
	keyAuthUser          = "auth.user"
	keyAuthDevice        = "auth.device"
	keyAuthToken         = "auth.token"
	keySyncPushBatch     = "sync.push_batch_size"
	keySyncPullLimit     = "sync.pull_fetch_limit"
	keyLogLevel          = "log.level"
	keyLogFile           = "log.file"
)

// loadConfig reads odksync.yaml from the working directory or
// $HOME/.odksync, or from configFile when one is given. Every key may be
// overridden by an ODKSYNC_ environment variable (dots become underscores).
// A missing config file is not an error.
func loadConfig(configFile string) (*viper.Viper, error) {
	v := viper.New()
	v.SetDefault(keyAppName, "default")
	v.SetDefault(keyAppDir, ".")
	v.SetDefault(keyServerListen, ":8080")
	v.SetDefault(keySyncPushBatch, 100)
	v.SetDefault(keySyncPullLimit, 1000)
	v.SetDefault(keyLogLevel, "info")

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName(configFileName)
		v.SetConfigType(configFileType)
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".odksync"))
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return v, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}
	return v, nil
}

// dbPath returns the configured database path, defaulting to a file inside
// the app directory.
func dbPath(v *viper.Viper) string {
	if p := v.GetString(keyDBPath); p != "" {
		return p
	}
	return filepath.Join(v.GetString(keyAppDir), "data", v.GetString(keyAppName)+".db")
}
