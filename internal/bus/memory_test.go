package bus

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sentinel-sec/orchestrator/pkg/models"
)

func newTestBus(t *testing.T) *MemoryBus {
	t.Helper()
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)
	b := NewMemoryBus(log)
	t.Cleanup(func() { b.Close() })
	return b
}

func TestMemoryBus_DispatchDelivery(t *testing.T) {
	b := newTestBus(t)

	received := make(chan Dispatch, 1)
	b.SubscribeDispatches(func(_ context.Context, d Dispatch) error {
		received <- d
		return nil
	})

	d := Dispatch{
		Agent:      "siem",
		WorkflowID: "wf-1",
		StepID:     "step-1",
		Action:     "enumerate_sources",
	}
	require.NoError(t, b.PublishDispatch(context.Background(), d))

	select {
	case got := <-received:
		assert.Equal(t, d, got)
	case <-time.After(time.Second):
		t.Fatal("dispatch not delivered")
	}
}

func TestMemoryBus_ResultRedeliveredOnHandlerError(t *testing.T) {
	b := newTestBus(t)

	var mu sync.Mutex
	attempts := 0
	done := make(chan struct{})
	b.SubscribeResults(func(_ context.Context, _ StepResult) error {
		mu.Lock()
		defer mu.Unlock()
		attempts++
		if attempts < 2 {
			return fmt.Errorf("transient")
		}
		close(done)
		return nil
	})

	require.NoError(t, b.PublishResult(context.Background(), StepResult{
		WorkflowID: "wf-1",
		StepID:     "step-1",
		Status:     models.StepStatusCompleted,
	}))

	select {
	case <-done:
		mu.Lock()
		assert.Equal(t, 2, attempts)
		mu.Unlock()
	case <-time.After(2 * time.Second):
		t.Fatal("result was not redelivered")
	}
}

func TestMemoryBus_CancelStopsDelivery(t *testing.T) {
	b := newTestBus(t)

	received := make(chan StepResult, 8)
	cancel := b.SubscribeResults(func(_ context.Context, r StepResult) error {
		received <- r
		return nil
	})
	cancel()
	time.Sleep(50 * time.Millisecond) // let the subscriber goroutine exit

	// Delivery to a cancelled subscriber is silently skipped
	require.NoError(t, b.PublishResult(context.Background(), StepResult{WorkflowID: "wf-1"}))

	select {
	case <-received:
		t.Fatal("cancelled subscriber received a message")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestMemoryBus_PublishAfterCloseFails(t *testing.T) {
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)
	b := NewMemoryBus(log)
	require.NoError(t, b.Close())

	assert.Error(t, b.PublishDispatch(context.Background(), Dispatch{}))
	assert.Error(t, b.PublishResult(context.Background(), StepResult{}))
}

func TestMemoryBus_FanOutToAllSubscribers(t *testing.T) {
	b := newTestBus(t)

	var wg sync.WaitGroup
	wg.Add(2)
	for i := 0; i < 2; i++ {
		b.SubscribeDispatches(func(_ context.Context, _ Dispatch) error {
			wg.Done()
			return nil
		})
	}

	require.NoError(t, b.PublishDispatch(context.Background(), Dispatch{Agent: "siem"}))

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("dispatch did not fan out to every subscriber")
	}
}
