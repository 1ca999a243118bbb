// Package push delivers command payloads to device agents through a
// push provider. The production provider is FCM's HTTP v1 API.
package push

import (
	"context"

	"mdmd.sh/internal/merrors"
)

// Receipt records the provider's answer for the command ledger.
type Receipt struct {
	MessageID string
	HTTPCode  int
}

// Provider sends one data message to one device token. Implementations
// return a Receipt even on delivery failure when the provider answered
// with an HTTP status, so callers can ledger the outcome.
type Provider interface {
	Send(ctx context.Context, token string, data map[string]string) (*Receipt, error)
}

// Disabled is the provider used when no credentials are configured.
// Every send fails fast as UNAVAILABLE.
type Disabled struct{}

func (Disabled) Send(ctx context.Context, token string, data map[string]string) (*Receipt, error) {
	return nil, merrors.New(merrors.ErrCodeUnavailable, "push provider not configured")
}
