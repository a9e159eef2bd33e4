package events

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jdziat/command-queue/pkg/core"
)

func statusEvent(id string, status core.Status) *core.CommandStatusChanged {
	return &core.CommandStatusChanged{CommandID: id, Status: status, Timestamp: time.Now()}
}

func TestBus_FanOutToAllSubscribers(t *testing.T) {
	b := New()
	ch1, unsub1 := b.Subscribe(4)
	ch2, unsub2 := b.Subscribe(4)
	defer unsub1()
	defer unsub2()

	b.Publish(statusEvent("HashFile:/a", core.StatusRunning))

	for _, ch := range []<-chan core.Event{ch1, ch2} {
		select {
		case e := <-ch:
			ev, ok := e.(*core.CommandStatusChanged)
			require.True(t, ok)
			assert.Equal(t, "HashFile:/a", ev.CommandID)
		case <-time.After(time.Second):
			t.Fatal("event not delivered")
		}
	}
}

func TestBus_PublishNeverBlocksOnFullSubscriber(t *testing.T) {
	b := New()
	_, unsub := b.Subscribe(1)
	defer unsub()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			b.Publish(statusEvent("x", core.StatusQueued))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}

	published, dropped := b.Stats()
	assert.Equal(t, uint64(10), published)
	assert.Equal(t, uint64(9), dropped)
}

func TestBus_UnsubscribeClosesChannel(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe(1)
	assert.Equal(t, 1, b.Subscribers())

	unsub()
	unsub()

	_, open := <-ch
	assert.False(t, open)
	assert.Equal(t, 0, b.Subscribers())

	// Publishing after unsubscribe must not panic.
	b.Publish(statusEvent("x", core.StatusFinished))
}

func TestBus_NilEventIgnored(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe(1)
	defer unsub()

	b.Publish(nil)

	select {
	case <-ch:
		t.Fatal("nil event delivered")
	default:
	}
}

func TestBus_DefaultBuffer(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe(0)
	defer unsub()
	assert.Equal(t, DefaultBuffer, cap(ch))
}

func TestBus_Close(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe(1)

	b.Close()
	_, open := <-ch
	assert.False(t, open)
	unsub()

	late, _ := b.Subscribe(1)
	_, open = <-late
	assert.False(t, open)
}

func TestBus_ConcurrentPublishAndUnsubscribe(t *testing.T) {
	b := New()
	var wg sync.WaitGroup

	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				_, unsub := b.Subscribe(1)
				b.Publish(statusEvent("x", core.StatusRunning))
				unsub()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 0, b.Subscribers())
}
