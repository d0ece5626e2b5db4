package generic_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fieldtrack/leave-ledger/generic"
)

func TestHub_SubscribeDeliversSnapshotThenPublishes(t *testing.T) {
	var (
		mu    sync.Mutex
		state = 1
	)
	hub := generic.NewHub(func(context.Context) (int, error) {
		mu.Lock()
		defer mu.Unlock()
		return state, nil
	})

	var got []int
	cancel, err := hub.Subscribe(context.Background(), func(v int) { got = append(got, v) })
	require.NoError(t, err)
	assert.Equal(t, 1, hub.Len())

	mu.Lock()
	state = 2
	mu.Unlock()
	hub.Publish(context.Background())

	cancel()
	cancel()
	hub.Publish(context.Background())

	assert.Equal(t, []int{1, 2}, got)
	assert.Equal(t, 0, hub.Len())
}

func TestHub_ChangeDuringInitialLoadIsDelivered(t *testing.T) {
	// GIVEN: A writer that commits and publishes while the subscriber's
	// initial snapshot is being read
	var (
		mu     sync.Mutex
		state  int
		racing = true
		hub    *generic.Hub[int]
	)
	hub = generic.NewHub(func(ctx context.Context) (int, error) {
		mu.Lock()
		v := state
		first := racing
		if first {
			racing = false
			state = 1
		}
		mu.Unlock()
		if first {
			hub.Publish(ctx)
		}
		return v, nil
	})

	// WHEN: Subscribing
	var got []int
	_, err := hub.Subscribe(context.Background(), func(v int) { got = append(got, v) })
	require.NoError(t, err)

	// THEN: The subscriber ends on the committed state, never the stale read
	require.NotEmpty(t, got)
	assert.Equal(t, 1, got[len(got)-1])
	assert.NotContains(t, got, 0)
}

func TestHub_OlderSnapshotNeverFollowsNewer(t *testing.T) {
	// GIVEN: A subscriber and a publish whose load stalls
	var calls atomic.Int32
	release := make(chan struct{})
	hub := generic.NewHub(func(context.Context) (int, error) {
		switch calls.Add(1) {
		case 1:
			return 0, nil
		case 2:
			<-release
			return 1, nil
		default:
			return 2, nil
		}
	})

	var (
		mu  sync.Mutex
		got []int
	)
	_, err := hub.Subscribe(context.Background(), func(v int) {
		mu.Lock()
		got = append(got, v)
		mu.Unlock()
	})
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		hub.Publish(context.Background())
		close(done)
	}()
	require.Eventually(t, func() bool { return calls.Load() == 2 }, time.Second, time.Millisecond)

	// WHEN: A later publish finishes first and the stalled one completes after
	hub.Publish(context.Background())
	close(release)
	<-done

	// THEN: The stalled snapshot is dropped
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{0, 2}, got)
}

func TestHub_ContextEndsSubscription(t *testing.T) {
	hub := generic.NewHub(func(context.Context) (int, error) { return 0, nil })
	ctx, cancel := context.WithCancel(context.Background())

	_, err := hub.Subscribe(ctx, func(int) {})
	require.NoError(t, err)
	cancel()

	assert.Eventually(t, func() bool { return hub.Len() == 0 }, time.Second, 5*time.Millisecond)
}

func TestHub_FailingLoad(t *testing.T) {
	hub := generic.NewHub(func(context.Context) (int, error) { return 0, errors.New("down") })

	_, err := hub.Subscribe(context.Background(), func(int) { t.Fatal("must not deliver") })

	assert.ErrorIs(t, err, generic.ErrStoreUnavailable)
	assert.Equal(t, 0, hub.Len())
}
