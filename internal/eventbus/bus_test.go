package eventbus

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPublishFansOutAndDropsWhenFull(t *testing.T) {
	t.Parallel()

	b := New()
	a, unsubA := b.Subscribe(1)
	c, unsubC := b.Subscribe(4)
	defer unsubC()

	b.Publish(Event{Type: JobFired})
	b.Publish(Event{Type: JobFailed}) // a is full; dropped for a only

	ev := <-a
	require.Equal(t, JobFired, ev.Type)
	require.False(t, ev.Time.IsZero())
	require.Len(t, c, 2)

	unsubA()
	unsubA()
	_, ok := <-a
	require.False(t, ok)

	// publishing after unsubscribe must not panic
	b.Publish(Event{Type: JobGated})
	require.Len(t, c, 3)
}

func TestNopBus(t *testing.T) {
	t.Parallel()

	var b Bus = Nop{}
	b.Publish(Event{Type: ArrivalFired})
	ch, unsub := b.Subscribe(1)
	defer unsub()
	_, ok := <-ch
	require.False(t, ok)
}
