// Copyright 2025 Festival Color
// SPDX-License-Identifier: Apache-2.0

// Package auth carries request identity through context: the authenticated
// user and the source (device) the request originated from.
package auth

import (
	"context"
)

type contextKey int

const (
	userIDKey contextKey = iota
	sourceIDKey
)

// SetUserID stores the authenticated user id.
func SetUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDKey, userID)
}

// GetUserID reads the authenticated user id; ok is false when the request
// never passed authentication.
func GetUserID(ctx context.Context) (string, bool) {
	userID, ok := ctx.Value(userIDKey).(string)
	return userID, ok
}

// SetSourceID stores the source id of the device the request came from.
func SetSourceID(ctx context.Context, sourceID string) context.Context {
	return context.WithValue(ctx, sourceIDKey, sourceID)
}

// GetSourceID reads the source id set during authentication.
func GetSourceID(ctx context.Context) (string, bool) {
	sourceID, ok := ctx.Value(sourceIDKey).(string)
	return sourceID, ok
}

// SetAuthContext stores both halves of the request identity. The auth
// middleware calls this once per request after validating the token.
func SetAuthContext(ctx context.Context, userID, sourceID string) context.Context {
	return SetSourceID(SetUserID(ctx, userID), sourceID)
}
