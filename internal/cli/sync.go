// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/moychal/odkVaccine/aggregate"
	"github.com/moychal/odkVaccine/odksync"
	"github.com/spf13/cobra"
)

func newSyncCmd(e *env) *cobra.Command {
	var push, deferAttachments, check bool
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Synchronize app files, table schemas, rows and attachments with the server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if check {
				return e.checkServer(cmd.Context())
			}
			return e.runSync(cmd.Context(), push, deferAttachments)
		},
	}
	cmd.Flags().BoolVar(&push, "push", false, "make the server match this device for app-level files")
	cmd.Flags().BoolVar(&deferAttachments, "defer-attachments", false, "sync rows now and leave attachments for a later run")
	cmd.Flags().BoolVar(&check, "check", false, "only verify that the server accepts the credentials and list its tables")
	cmd.Flags().String("server", "", "sync server base URL")
	cmd.Flags().String("user", "", "user id tokens are minted for")
	cmd.Flags().String("device", "", "device id tokens are minted for")
	return cmd
}

// tokenSource picks the credential for remote calls: a static token when one
// is configured, otherwise tokens minted from the shared JWT secret.
func (e *env) tokenSource() (func(context.Context) (string, error), odksync.Credentials, error) {
	if token := e.config.GetString(keyAuthToken); token != "" {
		return aggregate.StaticToken(token), nil, nil
	}
	secret := e.config.GetString(keyServerJWTSecret)
	if secret == "" {
		return nil, nil, fmt.Errorf("either %s or %s must be configured", keyAuthToken, keyServerJWTSecret)
	}
	device := e.config.GetString(keyAuthDevice)
	if device == "" {
		device = uuid.NewString()
		e.logger.Warn("No device id configured, using a generated one", "device", device)
	}
	src, err := aggregate.NewJWTTokenSource(secret, e.config.GetString(keyAuthUser), device,
		e.config.GetString(keyAppName), time.Hour)
	if err != nil {
		return nil, nil, err
	}
	return src.Token, src, nil
}

func (e *env) newClient() (*aggregate.Client, odksync.Credentials, error) {
	serverURL := e.config.GetString(keyServerURL)
	if serverURL == "" {
		return nil, nil, fmt.Errorf("%s must be configured", keyServerURL)
	}
	token, creds, err := e.tokenSource()
	if err != nil {
		return nil, nil, err
	}
	client, err := aggregate.NewClient(&aggregate.Config{
		BaseURL: serverURL,
		AppName: e.config.GetString(keyAppName),
	}, token, e.logger)
	if err != nil {
		return nil, nil, err
	}
	return client, creds, nil
}

func (e *env) checkServer(ctx context.Context) error {
	client, _, err := e.newClient()
	if err != nil {
		return err
	}
	tables, err := client.ListTables(ctx)
	if aggregate.IsAuthError(err) {
		return fmt.Errorf("server rejected the credentials: %w", err)
	}
	if err != nil {
		return err
	}
	for _, t := range tables.Tables {
		fmt.Fprintf(e.out, "%s\t%s\n", t.TableID, t.SchemaETag)
	}
	return nil
}

func (e *env) runSync(ctx context.Context, push, deferAttachments bool) error {
	client, creds, err := e.newClient()
	if err != nil {
		return err
	}

	store, err := e.openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	syncer, err := odksync.NewAppSynchronizer(odksync.Options{
		Opener:      store,
		Remote:      client,
		Credentials: creds,
		Notifier: odksync.NotifierFunc(func(state odksync.ProgressState, message string, percent float64) {
			e.logger.Debug("Sync progress", "state", state, "percent", percent, "message", message)
		}),
		FS: e.appFS(),
		Config: &odksync.Config{
			PushBatchSize:  e.config.GetInt(keySyncPushBatch),
			PullFetchLimit: e.config.GetInt(keySyncPullLimit),
		},
		Logger: e.logger,
	})
	if err != nil {
		return err
	}

	result, err := syncer.Run(ctx, push, deferAttachments)
	if err != nil {
		return err
	}
	status, message := syncer.Status()

	fmt.Fprintf(e.out, "app-level: %s %s\n", result.AppLevelStatus, result.AppLevelMessage)
	for _, tr := range result.Tables() {
		fmt.Fprintf(e.out, "%-24s %-30s pulled=%d pushed=%d conflicts=%d attachments=%d %s\n",
			tr.TableID, tr.Status, tr.Pulled, tr.Pushed, tr.Conflicts, tr.Attachments, tr.Message)
	}
	fmt.Fprintf(e.out, "overall: %s\n", status)

	switch status {
	case odksync.SyncComplete, odksync.SyncCompletePendingAttachments:
		return nil
	case odksync.SyncAuthResolution:
		return fmt.Errorf("server rejected the credentials: %s", message)
	case odksync.SyncConflictResolution:
		return fmt.Errorf("tables need conflict or checkpoint resolution, see 'odksync resolve'")
	}
	return fmt.Errorf("sync ended with %s: %s", status, message)
}
