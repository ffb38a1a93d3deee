// Package notify delivers rule side effects: chat messages and sounds.
package notify

import (
	"context"

	"homepi/internal/storage"
)

// Notifier sends a text to the household. Text may contain mention tokens
// produced by rules.MentionToken.
type Notifier interface {
	SendText(ctx context.Context, text string) error
}

// SoundPlayer plays a local file path or a remote URL until it ends or ctx
// is done.
type SoundPlayer interface {
	Play(ctx context.Context, source string) error
}

// PresenceSnapshot returns the committed state of every tracked person.
type PresenceSnapshot func() map[int64]storage.PresenceState

// Disabled is a SoundPlayer that does nothing.
type Disabled struct{}

func (Disabled) Play(context.Context, string) error { return nil }
