// Package presence decides who is home. Providers report sightings of
// registered devices; the StateMachine turns sightings into debounced
// home/away transitions, persists them and reports arrivals.
package presence

import (
	"context"
	"fmt"
	"time"

	"homepi/internal/storage"
)

type State = storage.PresenceState

const (
	Home = storage.StateHome
	Away = storage.StateAway
)

// Sighting reports that one of a person's devices answered at SeenAt.
type Sighting struct {
	PersonID int64
	SeenAt   time.Time
}

// Provider is a presence signal source. Poll returns at most one sighting
// per person and must honour ctx.
type Provider interface {
	Name() string
	Poll(ctx context.Context) ([]Sighting, error)
}

// ProviderError wraps a failed poll. It never aborts a tick.
type ProviderError struct {
	Provider string
	Err      error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("presence provider %s: %v", e.Provider, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// DeviceLister is the store access providers need.
type DeviceLister interface {
	ListDevices(ctx context.Context, kind storage.DeviceKind) ([]storage.Device, error)
}

// sightingsFor builds one sighting per person in the set.
func sightingsFor(people map[int64]struct{}, at time.Time) []Sighting {
	out := make([]Sighting, 0, len(people))
	for id := range people {
		out = append(out, Sighting{PersonID: id, SeenAt: at})
	}
	return out
}
