package catalog

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFeedDeliversToAllSubscribers(t *testing.T) {
	feed := NewFeed()

	ch1, cancel1 := feed.Subscribe()
	defer cancel1()

	ch2, cancel2 := feed.Subscribe()
	defer cancel2()

	change := Change{Kind: ChangeModel, ID: "m-1", State: string(ModelProduction), At: time.Now()}
	feed.Publish(change)

	for _, ch := range []<-chan Change{ch1, ch2} {
		select {
		case got := <-ch:
			assert.Equal(t, change.ID, got.ID)
			assert.Equal(t, change.Kind, got.Kind)
		case <-time.After(time.Second):
			t.Fatal("subscriber did not receive change")
		}
	}
}

func TestFeedPreservesOrderPerSubscriber(t *testing.T) {
	feed := NewFeed()

	ch, cancel := feed.Subscribe()
	defer cancel()

	for i := 0; i < 10; i++ {
		feed.Publish(Change{Kind: ChangeModel, ID: "m", State: string(rune('a' + i))})
	}

	for i := 0; i < 10; i++ {
		got := <-ch
		require.Equal(t, string(rune('a'+i)), got.State, "events must arrive in publish order")
	}
}

func TestFeedCancelClosesChannel(t *testing.T) {
	feed := NewFeed()

	ch, cancel := feed.Subscribe()
	cancel()

	_, open := <-ch
	assert.False(t, open, "channel must be closed after cancel")

	// Cancel is idempotent.
	cancel()

	// Publishing after cancel must not panic.
	feed.Publish(Change{Kind: ChangeJob, ID: "j-1"})
}

func TestFeedDropsInsteadOfBlocking(t *testing.T) {
	feed := NewFeed()
	feed.bufSize = 2

	ch, cancel := feed.Subscribe()
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)

		for i := 0; i < 100; i++ {
			feed.Publish(Change{Kind: ChangeAlert, ID: "a"})
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked on a slow subscriber")
	}

	assert.Len(t, ch, 2, "only the buffered events are retained")
}
