package eventbus

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishFansOut(t *testing.T) {
	b := New()
	a, unsubA := b.Subscribe(4)
	c, unsubC := b.Subscribe(4)
	defer unsubA()
	defer unsubC()

	b.Publish(Event{Type: "x"})
	ea := <-a
	ec := <-c
	assert.Equal(t, "x", ea.Type)
	assert.Equal(t, "x", ec.Type)
	assert.False(t, ea.Time.IsZero(), "publish stamps the time")
}

func TestPublishNeverBlocks(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe(1)
	defer unsub()
	for i := 0; i < 10; i++ {
		b.Publish(Event{Type: "spam"})
	}
	assert.Len(t, ch, 1)
}

func TestUnsubscribeClosesAndIsIdempotent(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe(1)
	unsub()
	unsub()
	_, open := <-ch
	assert.False(t, open)
	b.Publish(Event{Type: "after"})
}

func TestNopBus(t *testing.T) {
	b := Nop()
	b.Publish(Event{Type: "x"})
	ch, unsub := b.Subscribe(1)
	defer unsub()
	_, open := <-ch
	assert.False(t, open)
}

func TestRecorderRing(t *testing.T) {
	r := NewRecorder(3)
	assert.Empty(t, r.Recent(10))
	for _, typ := range []string{"a", "b", "c", "d"} {
		r.Add(Event{Type: typ})
	}
	got := r.Recent(0)
	require.Len(t, got, 3)
	assert.Equal(t, []string{"d", "c", "b"}, []string{got[0].Type, got[1].Type, got[2].Type})
	assert.Len(t, r.Recent(2), 2)
}

func TestRecorderRun(t *testing.T) {
	b := New()
	r := NewRecorder(8)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx, b)
		close(done)
	}()

	require.Eventually(t, func() bool {
		b.Publish(Event{Type: "ping"})
		return len(r.Recent(1)) == 1
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("recorder did not stop")
	}
}
