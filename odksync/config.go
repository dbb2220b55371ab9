// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package odksync

import (
	"time"
)

// Config holds tuning knobs of a sync run
type Config struct {
	PushBatchSize     int           // rows per push request
	PullFetchLimit    int           // rows per pull page
	BackoffMin        time.Duration // first retry delay of a failed remote call
	BackoffMax        time.Duration // cap of the doubling retry delay
	MaxRemoteAttempts int           // attempts per remote call on network failures
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		PushBatchSize:     100,
		PullFetchLimit:    1000,
		BackoffMin:        1 * time.Second,
		BackoffMax:        30 * time.Second,
		MaxRemoteAttempts: 3,
	}
}

// withDefaults fills zero fields from DefaultConfig.
func (c *Config) withDefaults() *Config {
	d := DefaultConfig()
	if c == nil {
		return d
	}
	out := *c
	if out.PushBatchSize <= 0 {
		out.PushBatchSize = d.PushBatchSize
	}
	if out.PullFetchLimit <= 0 {
		out.PullFetchLimit = d.PullFetchLimit
	}
	if out.BackoffMin <= 0 {
		out.BackoffMin = d.BackoffMin
	}
	if out.BackoffMax < out.BackoffMin {
		out.BackoffMax = out.BackoffMin
	}
	if out.MaxRemoteAttempts <= 0 {
		out.MaxRemoteAttempts = d.MaxRemoteAttempts
	}
	return &out
}
