package services

import (
	"context"
	"fmt"

	firebase "firebase.google.com/go/v4"

	"dispatch-backend/internal/channel"
)

type refSetter func(ctx context.Context, path string, v any) error

// RealtimeMirror copies channel updates into Firebase Realtime Database at
// the topic path, for clients that read presence straight from Firebase.
type RealtimeMirror struct {
	set refSetter
}

func NewRealtimeMirror(ctx context.Context, app *firebase.App) (*RealtimeMirror, error) {
	client, err := app.Database(ctx)
	if err != nil {
		return nil, fmt.Errorf("error getting realtime database client: %w", err)
	}
	return &RealtimeMirror{
		set: func(ctx context.Context, path string, v any) error {
			return client.NewRef(path).Set(ctx, v)
		},
	}, nil
}

// Mirror implements channel.Sink
func (m *RealtimeMirror) Mirror(ctx context.Context, key channel.Key, u channel.Update) error {
	if err := m.set(ctx, key.String(), u); err != nil {
		return fmt.Errorf("mirror %s: %w", key, err)
	}
	return nil
}
