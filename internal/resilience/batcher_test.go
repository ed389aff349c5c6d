package resilience

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// echoFlush answers every item with its own correlation id.
func echoFlush(recorded *[][]BatchItem, mu *sync.Mutex) FlushFunc {
	return func(ctx context.Context, target, action string, items []BatchItem) []BatchResult {
		if recorded != nil {
			mu.Lock()
			*recorded = append(*recorded, items)
			mu.Unlock()
		}
		results := make([]BatchResult, len(items))
		for i, item := range items {
			results[i] = BatchResult{CorrelationID: item.CorrelationID, Value: item.Request.Params["n"]}
		}
		return results
	}
}

func TestBatcherFlushesOnSize(t *testing.T) {
	var mu sync.Mutex
	var batches [][]BatchItem
	b := NewBatcher(echoFlush(&batches, &mu), 3, time.Hour)
	defer b.Close()

	var channels []<-chan BatchResult
	for i := 0; i < 3; i++ {
		req := Request{Target: "value", Action: "report", Params: map[string]interface{}{"n": i}}
		id, ch, err := b.Submit(req)
		require.NoError(t, err)
		require.NotEmpty(t, id)
		channels = append(channels, ch)
	}

	for i, ch := range channels {
		select {
		case r := <-ch:
			require.NoError(t, r.Err)
			assert.Equal(t, i, r.Value)
		case <-time.After(time.Second):
			t.Fatal("batch result not delivered")
		}
	}

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, batches, 1)
	assert.Len(t, batches[0], 3)
}

func TestBatcherFlushesOnWindow(t *testing.T) {
	b := NewBatcher(echoFlush(nil, nil), 50, 30*time.Millisecond)
	defer b.Close()

	req := Request{Target: "value", Action: "report", Params: map[string]interface{}{"n": 7}}
	_, ch, err := b.Submit(req)
	require.NoError(t, err)

	select {
	case r := <-ch:
		require.NoError(t, r.Err)
		assert.Equal(t, 7, r.Value)
	case <-time.After(time.Second):
		t.Fatal("window flush never fired")
	}
}

func TestBatcherGroupsByTargetAction(t *testing.T) {
	var mu sync.Mutex
	var batches [][]BatchItem
	b := NewBatcher(echoFlush(&batches, &mu), 2, time.Hour)
	defer b.Close()

	_, ch1, err := b.Submit(Request{Target: "value", Action: "report", Params: map[string]interface{}{"n": 1}})
	require.NoError(t, err)
	_, _, err = b.Submit(Request{Target: "risk", Action: "quantify", Params: map[string]interface{}{"n": 2}})
	require.NoError(t, err)

	// Neither group reached its size threshold; nothing flushed yet.
	select {
	case <-ch1:
		t.Fatal("flushed before size or window trigger")
	case <-time.After(30 * time.Millisecond):
	}

	_, _, err = b.Submit(Request{Target: "value", Action: "report", Params: map[string]interface{}{"n": 3}})
	require.NoError(t, err)

	select {
	case r := <-ch1:
		require.NoError(t, r.Err)
		assert.Equal(t, 1, r.Value)
	case <-time.After(time.Second):
		t.Fatal("value:report batch never flushed")
	}

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, batches, 1)
	assert.Equal(t, "value", batches[0][0].Request.Target)
}

func TestBatcherMissingResultIsError(t *testing.T) {
	drop := func(ctx context.Context, target, action string, items []BatchItem) []BatchResult {
		return nil // executor lost every item
	}
	b := NewBatcher(drop, 1, time.Hour)
	defer b.Close()

	_, ch, err := b.Submit(Request{Target: "value", Action: "report"})
	require.NoError(t, err)

	select {
	case r := <-ch:
		assert.Error(t, r.Err)
	case <-time.After(time.Second):
		t.Fatal("no result delivered")
	}
}

func TestBatcherCloseFlushesPending(t *testing.T) {
	b := NewBatcher(echoFlush(nil, nil), 50, time.Hour)

	_, ch, err := b.Submit(Request{Target: "value", Action: "report", Params: map[string]interface{}{"n": 9}})
	require.NoError(t, err)

	b.Close()

	select {
	case r := <-ch:
		require.NoError(t, r.Err)
		assert.Equal(t, 9, r.Value)
	case <-time.After(time.Second):
		t.Fatal("close did not flush pending batch")
	}

	_, _, err = b.Submit(Request{Target: "value", Action: "report"})
	assert.Error(t, err)
}
