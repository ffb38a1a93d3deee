package app

import (
	"context"
	"sync/atomic"

	"homepi/internal/notify"
)

// soundSwitch lets sound.enabled change without rebuilding the components
// that hold the player.
type soundSwitch struct {
	player notify.SoundPlayer
	on     atomic.Bool
}

func newSoundSwitch(p notify.SoundPlayer, enabled bool) *soundSwitch {
	s := &soundSwitch{player: p}
	s.on.Store(enabled)
	return s
}

func (s *soundSwitch) set(enabled bool) { s.on.Store(enabled) }

func (s *soundSwitch) Play(ctx context.Context, source string) error {
	if !s.on.Load() {
		return notify.Disabled{}.Play(ctx, source)
	}
	return s.player.Play(ctx, source)
}
