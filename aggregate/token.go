// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package aggregate

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/moychal/odkVaccine/odktables"
)

// JWTTokenSource mints HS256 tokens for one user and device and caches each
// until shortly before it expires. It also serves as odksync.Credentials:
// an invalidated token is minted afresh on the next request.
type JWTTokenSource struct {
	auth     *odktables.JWTAuth
	userID   string
	deviceID string
	appName  string
	ttl      time.Duration

	mu     sync.Mutex
	token  string
	expiry time.Time
	now    func() time.Time
}

// NewJWTTokenSource creates a token source. An empty appName mints tokens
// valid for every application.
func NewJWTTokenSource(secret, userID, deviceID, appName string, ttl time.Duration) (*JWTTokenSource, error) {
	if secret == "" {
		return nil, fmt.Errorf("jwt secret cannot be empty")
	}
	if userID == "" || deviceID == "" {
		return nil, fmt.Errorf("user id and device id must be provided")
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &JWTTokenSource{
		auth:     odktables.NewJWTAuth(secret),
		userID:   userID,
		deviceID: deviceID,
		appName:  appName,
		ttl:      ttl,
		now:      time.Now,
	}, nil
}

// Token returns the cached token or mints a new one.
func (s *JWTTokenSource) Token(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.token != "" && s.now().Add(s.ttl/10).Before(s.expiry) {
		return s.token, nil
	}
	token, err := s.auth.GenerateToken(s.userID, s.deviceID, s.appName, s.ttl)
	if err != nil {
		return "", err
	}
	expiry, err := tokenExpiry(token)
	if err != nil {
		return "", err
	}
	s.token, s.expiry = token, expiry
	return token, nil
}

// InvalidateAuthToken drops the cached token.
func (s *JWTTokenSource) InvalidateAuthToken(appName string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.appName != "" && appName != s.appName {
		return
	}
	s.token, s.expiry = "", time.Time{}
}

// tokenExpiry reads the exp claim without verifying the signature; the
// token was minted locally.
func tokenExpiry(token string) (time.Time, error) {
	claims := &jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}, fmt.Errorf("failed to parse minted token: %w", err)
	}
	if claims.ExpiresAt == nil {
		return time.Time{}, fmt.Errorf("minted token has no expiry")
	}
	return claims.ExpiresAt.Time, nil
}

// StaticToken returns a token function that always yields token, for
// servers issuing long-lived tokens out of band.
func StaticToken(token string) func(context.Context) (string, error) {
	return func(context.Context) (string, error) { return token, nil }
}
