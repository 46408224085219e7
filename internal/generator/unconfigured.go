package generator

import (
	"context"
	"errors"
)

// ErrNotConfigured is returned by Unconfigured for every call.
var ErrNotConfigured = errors.New("content generator is not configured")

// Unconfigured always fails, which drives every caller down the
// deterministic fallback path. Used when no generator API key is set.
type Unconfigured struct{}

func NewUnconfigured() *Unconfigured {
	return &Unconfigured{}
}

func (u *Unconfigured) GeneratePlan(_ context.Context, _, _ string) (*Plan, error) {
	return nil, ErrNotConfigured
}

func (u *Unconfigured) GenerateArtifact(_ context.Context, _ ArtifactRequest) (string, error) {
	return "", ErrNotConfigured
}

func (u *Unconfigured) GenerateDocument(_ context.Context, _ DocumentKind, _, _ string) (string, error) {
	return "", ErrNotConfigured
}
