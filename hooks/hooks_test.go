package hooks

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/INLOpen/rawbatch/core"
)

// mockListener is a mock implementation of HookListener for testing.
type mockListener struct {
	priority int
	// A channel to signal when OnEvent is called, for async tests.
	callSignal chan string
	// Records the order of calls, for sync tests.
	mu        sync.Mutex
	callOrder *[]string
	name      string
	returnErr error
	isAsync   bool
	// Executed inside OnEvent, for payload inspection tests.
	onEventFunc func(event HookEvent)
	workDelay   time.Duration
}

func (m *mockListener) OnEvent(ctx context.Context, event HookEvent) error {
	if m.workDelay > 0 {
		time.Sleep(m.workDelay)
	}
	if m.onEventFunc != nil {
		m.onEventFunc(event)
	}
	if m.callOrder != nil {
		m.mu.Lock()
		*m.callOrder = append(*m.callOrder, m.name)
		m.mu.Unlock()
	}
	if m.callSignal != nil {
		m.callSignal <- m.name
	}
	return m.returnErr
}

func (m *mockListener) Priority() int { return m.priority }
func (m *mockListener) IsAsync() bool { return m.isAsync }

func TestNewHookManager(t *testing.T) {
	manager := NewHookManager(nil)
	require.NotNil(t, manager)
	defaultManager, ok := manager.(*DefaultHookManager)
	require.True(t, ok, "NewHookManager did not return a *DefaultHookManager")
	assert.NotNil(t, defaultManager.listeners)
	assert.NotNil(t, defaultManager.logger)
}

func TestDefaultHookManager_Register(t *testing.T) {
	t.Run("should register listeners in priority order", func(t *testing.T) {
		manager := NewHookManager(nil).(*DefaultHookManager)

		manager.Register(EventPreCompaction, &mockListener{name: "listener1", priority: 10})
		manager.Register(EventPreCompaction, &mockListener{name: "listener2", priority: 1})
		manager.Register(EventPreCompaction, &mockListener{name: "listener3", priority: 5})

		listeners := manager.listeners[EventPreCompaction]
		require.Len(t, listeners, 3)
		assert.Equal(t, "listener2", listeners[0].listener.(*mockListener).name)
		assert.Equal(t, "listener3", listeners[1].listener.(*mockListener).name)
		assert.Equal(t, "listener1", listeners[2].listener.(*mockListener).name)
	})

	t.Run("equal priorities keep registration order", func(t *testing.T) {
		manager := NewHookManager(nil).(*DefaultHookManager)
		manager.Register(EventPostRebatch, &mockListener{name: "first", priority: 3})
		manager.Register(EventPostRebatch, &mockListener{name: "second", priority: 3})
		manager.Register(EventPostRebatch, &mockListener{name: "early", priority: 0})

		listeners := manager.listeners[EventPostRebatch]
		require.Len(t, listeners, 3)
		assert.Equal(t, "early", listeners[0].listener.(*mockListener).name)
		assert.Equal(t, "first", listeners[1].listener.(*mockListener).name)
		assert.Equal(t, "second", listeners[2].listener.(*mockListener).name)
	})
}

func TestDefaultHookManager_Trigger(t *testing.T) {
	t.Run("PreHook", func(t *testing.T) {
		t.Run("should execute in priority order synchronously", func(t *testing.T) {
			manager := NewHookManager(nil)
			callOrder := make([]string, 0)

			manager.Register(EventPreCompaction, &mockListener{name: "listener1", priority: 10, callOrder: &callOrder})
			manager.Register(EventPreCompaction, &mockListener{name: "listener2", priority: 1, callOrder: &callOrder})
			manager.Register(EventPreCompaction, &mockListener{name: "listener3", priority: 5, callOrder: &callOrder})

			err := manager.Trigger(context.Background(), NewPreCompactionEvent(PreCompactionPayload{Source: "topic-a"}))
			require.NoError(t, err)
			assert.Equal(t, []string{"listener2", "listener3", "listener1"}, callOrder)
		})

		t.Run("should stop execution and return error on failure", func(t *testing.T) {
			manager := NewHookManager(nil)
			callOrder := make([]string, 0)
			simulatedErr := errors.New("compaction window closed")

			manager.Register(EventPreCompaction, &mockListener{name: "listener1_p10", priority: 10, callOrder: &callOrder})
			manager.Register(EventPreCompaction, &mockListener{name: "listener2_p1", priority: 1, callOrder: &callOrder})
			manager.Register(EventPreCompaction, &mockListener{name: "listener3_p5_err", priority: 5, callOrder: &callOrder, returnErr: simulatedErr})

			err := manager.Trigger(context.Background(), NewPreCompactionEvent(PreCompactionPayload{}))
			require.Error(t, err)
			assert.ErrorIs(t, err, simulatedErr)
			assert.Equal(t, []string{"listener2_p1", "listener3_p5_err"}, callOrder)
		})

		t.Run("should deliver the rebatch entry id", func(t *testing.T) {
			manager := NewHookManager(nil)
			var seen core.MessageID
			manager.Register(EventPreRebatch, &mockListener{
				name:     "inspector",
				priority: 1,
				onEventFunc: func(event HookEvent) {
					if p, ok := event.Payload().(PreRebatchPayload); ok {
						seen = p.EntryID
					}
				},
			})

			id := core.NewMessageID(7, 42, -1)
			require.NoError(t, manager.Trigger(context.Background(), NewPreRebatchEvent(PreRebatchPayload{EntryID: id})))
			assert.Equal(t, id, seen)
		})

		t.Run("should ignore async flag and run synchronously", func(t *testing.T) {
			manager := NewHookManager(nil)
			callOrder := make([]string, 0)
			manager.Register(EventPreRebatch, &mockListener{name: "pre_hook_async_request", priority: 1, isAsync: true, callOrder: &callOrder})

			require.NoError(t, manager.Trigger(context.Background(), NewPreRebatchEvent(PreRebatchPayload{})))
			assert.Equal(t, []string{"pre_hook_async_request"}, callOrder)
		})
	})

	t.Run("PostHook", func(t *testing.T) {
		t.Run("should execute async and sync listeners correctly", func(t *testing.T) {
			manager := NewHookManager(nil)
			signalChan := make(chan string, 1)
			callOrder := make([]string, 0)

			manager.Register(EventPostRebatch, &mockListener{name: "post_listener_async", priority: 10, isAsync: true, callSignal: signalChan})
			manager.Register(EventPostRebatch, &mockListener{name: "post_listener_sync", priority: 1, callOrder: &callOrder})

			event := NewPostRebatchEvent(PostRebatchPayload{BatchSize: 4, Retained: 2})
			require.NoError(t, manager.Trigger(context.Background(), event))
			assert.Equal(t, []string{"post_listener_sync"}, callOrder)

			select {
			case name := <-signalChan:
				assert.Equal(t, "post_listener_async", name)
			case <-time.After(time.Second):
				t.Fatal("Timed out waiting for async listener to be called")
			}
			manager.Stop()
		})

		t.Run("should not return error from sync listener and continue execution", func(t *testing.T) {
			manager := NewHookManager(nil)
			callOrder := make([]string, 0)
			simulatedErr := errors.New("post hook error")

			manager.Register(EventPostCompaction, &mockListener{name: "listener1_p1_err", priority: 1, callOrder: &callOrder, returnErr: simulatedErr})
			manager.Register(EventPostCompaction, &mockListener{name: "listener2_p5", priority: 5, callOrder: &callOrder})

			err := manager.Trigger(context.Background(), NewPostCompactionEvent(PostCompactionPayload{EntriesRead: 3}))
			require.NoError(t, err)
			assert.Equal(t, []string{"listener1_p1_err", "listener2_p5"}, callOrder)
		})

		t.Run("should fan out to many async listeners", func(t *testing.T) {
			manager := NewHookManager(nil)
			var wg sync.WaitGroup
			var calls atomic.Int32
			for i := 0; i < 5; i++ {
				wg.Add(1)
				manager.Register(EventPostPhaseOne, &mockListener{
					name:     "fanout",
					priority: i,
					isAsync:  true,
					onEventFunc: func(HookEvent) {
						calls.Add(1)
						wg.Done()
					},
				})
			}
			require.NoError(t, manager.Trigger(context.Background(), NewPostPhaseOneEvent(PostPhaseOnePayload{UniqueKeys: 9})))
			waitTimeout(&wg, time.Second, t)
			assert.Equal(t, int32(5), calls.Load())
			manager.Stop()
		})
	})

	t.Run("General", func(t *testing.T) {
		t.Run("should do nothing for event with no listeners", func(t *testing.T) {
			manager := NewHookManager(slog.New(slog.NewJSONHandler(io.Discard, nil)))
			assert.NoError(t, manager.Trigger(context.Background(), NewPreCompactionEvent(PreCompactionPayload{})))
		})

		t.Run("noop manager accepts everything", func(t *testing.T) {
			var manager HookManager = NoopHookManager{}
			manager.Register(EventPreCompaction, &mockListener{returnErr: errors.New("never called")})
			assert.NoError(t, manager.Trigger(context.Background(), NewPreCompactionEvent(PreCompactionPayload{})))
			manager.Stop()
		})
	})
}

func TestDefaultHookManager_Stop(t *testing.T) {
	t.Run("should wait for async listeners to complete", func(t *testing.T) {
		manager := NewHookManager(nil)
		var listenerCompleted atomic.Bool
		delay := 50 * time.Millisecond

		manager.Register(EventPostCompaction, &mockListener{
			name:      "slow_async_listener",
			priority:  1,
			isAsync:   true,
			workDelay: delay,
			onEventFunc: func(event HookEvent) {
				listenerCompleted.Store(true)
			},
		})

		_ = manager.Trigger(context.Background(), NewPostCompactionEvent(PostCompactionPayload{}))

		stopDone := make(chan struct{})
		startTime := time.Now()
		go func() {
			manager.Stop()
			close(stopDone)
		}()

		select {
		case <-stopDone:
			assert.GreaterOrEqual(t, time.Since(startTime), delay-5*time.Millisecond)
		case <-time.After(delay * 20):
			t.Fatal("Timed out waiting for Stop() to return")
		}
		assert.True(t, listenerCompleted.Load(), "Listener did not complete its work before Stop() returned")
	})
}

// waitTimeout is a helper function to wait for a WaitGroup with a timeout.
func waitTimeout(wg *sync.WaitGroup, timeout time.Duration, t *testing.T) {
	c := make(chan struct{})
	go func() {
		defer close(c)
		wg.Wait()
	}()
	select {
	case <-c:
	case <-time.After(timeout):
		t.Fatal("Timed out waiting for listeners to be called")
	}
}

// --- Benchmarks ---

func BenchmarkTrigger_PreHook_10_Listeners(b *testing.B) {
	manager := NewHookManager(nil)
	for i := 0; i < 10; i++ {
		manager.Register(EventPreRebatch, &mockListener{name: "l", priority: i})
	}
	event := NewPreRebatchEvent(PreRebatchPayload{})
	ctx := context.Background()

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = manager.Trigger(ctx, event)
	}
}

func BenchmarkTrigger_PostHook_10_Listeners(b *testing.B) {
	manager := NewHookManager(nil)
	for i := 0; i < 10; i++ {
		manager.Register(EventPostRebatch, &mockListener{name: "l", priority: i, isAsync: true})
	}
	event := NewPostRebatchEvent(PostRebatchPayload{})
	ctx := context.Background()

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = manager.Trigger(ctx, event)
	}
	manager.Stop()
}
