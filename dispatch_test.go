package companion

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/appu-labs/companion/shared"
	"github.com/bytedance/sonic"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sentResult struct {
	callId string
	output string
}

type fakeSender struct {
	mu        sync.Mutex
	results   []sentResult
	continued int
}

func (f *fakeSender) SendToolResult(callId, output string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.results = append(f.results, sentResult{callId: callId, output: output})
	return nil
}

func (f *fakeSender) ContinueResponse() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.continued++
	return nil
}

func (f *fakeSender) snapshot() ([]sentResult, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentResult(nil), f.results...), f.continued
}

func newTestDispatcher(t *testing.T) (*Dispatcher, *fakeSender) {
	t.Helper()
	sender := new(fakeSender)
	d, err := NewDispatcher(shared.NewNopLogger(), sender)
	require.NoError(t, err)
	return d, sender
}

func TestDispatchResolvesAndContinues(t *testing.T) {
	d, sender := newTestDispatcher(t)
	require.NoError(t, d.Register("echo", func(ctx context.Context, callId string, args map[string]any) (string, error) {
		return args["text"].(string), nil
	}))

	d.Dispatch(context.Background(), "call_1", "echo", `{"text":"hello"}`)

	results, continued := sender.snapshot()
	require.Len(t, results, 1)
	assert.Equal(t, "call_1", results[0].callId)
	assert.Equal(t, "hello", results[0].output)
	assert.Equal(t, 1, continued, "every resolution requests a turn continuation")
	assert.Empty(t, d.Pending())
}

func TestDispatchUnknownTool(t *testing.T) {
	d, sender := newTestDispatcher(t)

	d.Dispatch(context.Background(), "call_1", "time_travel", "{}")

	results, continued := sender.snapshot()
	require.Len(t, results, 1)
	var payload map[string]string
	require.NoError(t, sonic.Unmarshal([]byte(results[0].output), &payload))
	assert.Contains(t, payload["error"], "time_travel")
	assert.Equal(t, 1, continued, "unknown tools still resolve the call")
}

func TestDispatchHandlerFailureBecomesApology(t *testing.T) {
	d, sender := newTestDispatcher(t)
	require.NoError(t, d.Register("flaky", func(ctx context.Context, callId string, args map[string]any) (string, error) {
		return "", errors.New("backend exploded")
	}))

	d.Dispatch(context.Background(), "call_1", "flaky", "{}")

	results, _ := sender.snapshot()
	require.Len(t, results, 1)
	var payload map[string]string
	require.NoError(t, sonic.Unmarshal([]byte(results[0].output), &payload))
	assert.Equal(t, toolApology, payload["error"])
	assert.NotContains(t, results[0].output, "exploded", "internal details never reach the agent")
}

func TestDispatchStateConflictPassesReason(t *testing.T) {
	d, sender := newTestDispatcher(t)
	reason := "No book is selected. Search for a book first."
	require.NoError(t, d.Register("display_page", func(ctx context.Context, callId string, args map[string]any) (string, error) {
		return "", &shared.StateConflictError{Reason: reason}
	}))

	d.Dispatch(context.Background(), "call_1", "display_page", "{}")

	results, _ := sender.snapshot()
	require.Len(t, results, 1)
	var payload map[string]string
	require.NoError(t, sonic.Unmarshal([]byte(results[0].output), &payload))
	assert.Equal(t, reason, payload["error"])
}

func TestDispatchMalformedArguments(t *testing.T) {
	d, sender := newTestDispatcher(t)
	called := false
	require.NoError(t, d.Register("echo", func(ctx context.Context, callId string, args map[string]any) (string, error) {
		called = true
		return "ok", nil
	}))

	d.Dispatch(context.Background(), "call_1", "echo", `{"text":`)

	assert.False(t, called, "handler never runs on malformed arguments")
	results, continued := sender.snapshot()
	require.Len(t, results, 1)
	assert.Contains(t, results[0].output, "not valid JSON")
	assert.Equal(t, 1, continued)
}

func TestDispatchDuplicateCallIdIgnored(t *testing.T) {
	d, sender := newTestDispatcher(t)
	release := make(chan struct{})
	started := make(chan struct{})
	require.NoError(t, d.Register("slow", func(ctx context.Context, callId string, args map[string]any) (string, error) {
		close(started)
		<-release
		return "done", nil
	}))

	go d.Dispatch(context.Background(), "call_1", "slow", "{}")
	<-started
	require.Len(t, d.Pending(), 1)

	// Same call id while the first is in flight: dropped without a second
	// result.
	d.Dispatch(context.Background(), "call_1", "slow", "{}")
	close(release)

	assert.Eventually(t, func() bool {
		results, continued := sender.snapshot()
		return len(results) == 1 && continued == 1
	}, time.Second, 5*time.Millisecond)
	assert.Empty(t, d.Pending())
}

func TestRegisterRejectsDuplicates(t *testing.T) {
	d, _ := newTestDispatcher(t)
	handler := func(ctx context.Context, callId string, args map[string]any) (string, error) { return "", nil }
	require.NoError(t, d.Register("echo", handler))
	assert.Error(t, d.Register("echo", handler))
	assert.Error(t, d.Register("", handler))
	assert.Error(t, d.Register("other", nil))
}
