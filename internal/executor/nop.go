package executor

import "context"

// NopBackend is the backend used when no agent launcher is wired in.
// Reads still work through the Manager; control operations report that
// no backend is available.
type NopBackend struct{}

func (NopBackend) SendPrompt(ctx context.Context, externalID, prompt string) error {
	return ErrNoBackend
}

func (NopBackend) Cancel(ctx context.Context, externalID string) error {
	return ErrNoBackend
}

func (NopBackend) End(ctx context.Context, externalID string) error {
	return ErrNoBackend
}

func (NopBackend) Restart(ctx context.Context, externalID string) error {
	return ErrNoBackend
}
