// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package odktables

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/moychal/odkVaccine/internal/auth"
)

// TokenIssuer is the iss claim of every token this server mints.
const TokenIssuer = "odk-sync"

var (
	// ErrMissingCredentials is returned when a request carries no bearer token.
	ErrMissingCredentials = errors.New("missing bearer token")
	// ErrInvalidToken wraps every reason a bearer token is refused.
	ErrInvalidToken = errors.New("invalid token")
)

// JWTClaims identifies a user on one device, optionally bound to one app.
type JWTClaims struct {
	DeviceID string `json:"did"`
	AppName  string `json:"app,omitempty"`
	jwt.RegisteredClaims
}

// JWTAuth mints and checks HS256 bearer tokens for sync clients.
type JWTAuth struct {
	secret []byte
	parser *jwt.Parser
	logger *slog.Logger
}

func NewJWTAuth(secret string) *JWTAuth {
	return &JWTAuth{
		secret: []byte(secret),
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
			jwt.WithIssuer(TokenIssuer),
			jwt.WithExpirationRequired(),
		),
		logger: slog.Default(),
	}
}

// WithLogger sets the logger used for refused tokens.
func (j *JWTAuth) WithLogger(logger *slog.Logger) *JWTAuth {
	if logger != nil {
		j.logger = logger
	}
	return j
}

// GenerateToken signs a token for userID on deviceID. An empty appName
// produces a token valid for every app.
func (j *JWTAuth) GenerateToken(userID, deviceID, appName string, ttl time.Duration) (string, error) {
	if userID == "" || deviceID == "" {
		return "", errors.New("user id and device id are required")
	}
	now := time.Now()
	claims := &JWTClaims{
		DeviceID: deviceID,
		AppName:  appName,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    TokenIssuer,
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(j.secret)
}

// ValidateToken checks signature, issuer and expiry and returns the claims.
// Errors wrap ErrInvalidToken.
func (j *JWTAuth) ValidateToken(raw string) (*JWTClaims, error) {
	claims := &JWTClaims{}
	if _, err := j.parser.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return j.secret, nil
	}); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	switch {
	case claims.Subject == "":
		return nil, fmt.Errorf("%w: missing sub (user id)", ErrInvalidToken)
	case claims.DeviceID == "":
		return nil, fmt.Errorf("%w: missing did (device id)", ErrInvalidToken)
	}
	return claims, nil
}

func bearerToken(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", ErrMissingCredentials
	}
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || strings.TrimSpace(token) == "" {
		return "", fmt.Errorf("%w: malformed authorization header", ErrInvalidToken)
	}
	return strings.TrimSpace(token), nil
}

// Middleware authenticates the request and stores user, device and app in
// its context. Refused requests get 401 with the standard error body.
func (j *JWTAuth) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, err := bearerToken(r)
		var claims *JWTClaims
		if err == nil {
			claims, err = j.ValidateToken(token)
		}
		if err != nil {
			j.logger.Warn("Rejected sync request", "path", r.URL.Path, "error", err)
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("WWW-Authenticate", `Bearer realm="odktables"`)
			w.WriteHeader(http.StatusUnauthorized)
			_ = json.NewEncoder(w).Encode(ErrorResponse{Error: CodeAuthenticationFailed, Message: err.Error()})
			return
		}
		ctx := auth.SetAuthContext(r.Context(), claims.Subject, claims.DeviceID, claims.AppName)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
