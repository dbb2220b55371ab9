// Package cli implements the odksync command-line interface.
//
// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0
package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/osfs"
	"github.com/moychal/odkVaccine/odkdb"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"gopkg.in/natefinch/lumberjack.v2"
)

const exitUserError = 1

// env is what every subcommand works with once configuration is resolved.
type env struct {
	config *viper.Viper
	logger *slog.Logger
	out    io.Writer
	closer io.Closer
}

// openStore opens the app's local database, creating its directory.
func (e *env) openStore() (*odkdb.SQLiteStore, error) {
	path := dbPath(e.config)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}
	return odkdb.Open(path, e.config.GetString(keyAppName), e.logger)
}

// appFS returns the app directory as a filesystem.
func (e *env) appFS() billy.Filesystem {
	return osfs.New(e.config.GetString(keyAppDir))
}

func (e *env) close() {
	if e.closer != nil {
		_ = e.closer.Close()
	}
}

// NewRootCmd creates the top-level command with global flags and all
// subcommands registered.
func NewRootCmd() *cobra.Command {
	var configFile string
	e := &env{}

	root := &cobra.Command{
		Use:           "odksync",
		Short:         "Synchronize ODK Tables application data with a sync server",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			v, err := loadConfig(configFile)
			if err != nil {
				return err
			}
			if err := bindFlags(v, cmd.Flags()); err != nil {
				return err
			}
			logger, closer, err := newLogger(v.GetString(keyLogLevel), v.GetString(keyLogFile), cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			e.config, e.logger, e.closer = v, logger, closer
			e.out = cmd.OutOrStdout()
			return nil
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			e.close()
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&configFile, "config", "", "config file (default: ./odksync.yaml or $HOME/.odksync/odksync.yaml)")
	pf.String("app-name", "", "application name")
	pf.String("app-dir", "", "application directory holding config/, tables/ and output/")
	pf.String("db-path", "", "local database file (default: <app-dir>/data/<app-name>.db)")
	pf.String("log-level", "", "log level: debug, info, warn or error")
	pf.String("log-file", "", "write logs to a rotating file instead of stderr")

	root.AddCommand(
		newSyncCmd(e),
		newExportCmd(e),
		newImportCmd(e),
		newPropertiesCmd(e),
		newResolveCmd(e),
		newQueryCmd(e),
		newServeCmd(e),
		newTokenCmd(e),
	)
	return root
}

// Execute runs the root command and exits with a non-zero code on failure.
func Execute() {
	if err := NewRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(exitUserError)
	}
}

// flagKeys maps persistent flags to config keys. Flags win over the file and
// the environment only when set explicitly.
var flagKeys = map[string]string{
	"app-name":  keyAppName,
	"app-dir":   keyAppDir,
	"db-path":   keyDBPath,
	"log-level": keyLogLevel,
	"log-file":  keyLogFile,
	"server":    keyServerURL,
	"listen":    keyServerListen,
	"user":      keyAuthUser,
	"device":    keyAuthDevice,
}

func bindFlags(v *viper.Viper, flags *pflag.FlagSet) error {
	var bindErr error
	flags.VisitAll(func(f *pflag.Flag) {
		key, ok := flagKeys[f.Name]
		if !ok || !f.Changed || bindErr != nil {
			return
		}
		bindErr = v.BindPFlag(key, f)
	})
	return bindErr
}

// newLogger builds the process logger. With a log file, output goes to a
// size-rotated file.
func newLogger(level, file string, stderr io.Writer) (*slog.Logger, io.Closer, error) {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "", "info":
		lvl = slog.LevelInfo
	case "debug":
		lvl = slog.LevelDebug
	case "warn", "warning":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		return nil, nil, fmt.Errorf("unknown log level %q", level)
	}

	opts := &slog.HandlerOptions{Level: lvl}
	if file == "" {
		return slog.New(slog.NewTextHandler(stderr, opts)), nil, nil
	}
	rotator := &lumberjack.Logger{
		Filename:   file,
		MaxSize:    10, // megabytes
		MaxBackups: 5,
		MaxAge:     30, // days
		Compress:   true,
	}
	return slog.New(slog.NewJSONHandler(rotator, opts)), rotator, nil
}
