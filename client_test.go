package companion

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/appu-labs/companion/shared"
	"github.com/appu-labs/companion/turn"
	"github.com/openai/openai-go/v3/realtime"
	"github.com/pion/mediadevices"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeCreds struct {
	mu    sync.Mutex
	token string
	err   error
	calls int
}

func (f *fakeCreds) CreateSession(ctx context.Context, childId string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	return f.token, nil
}

func (f *fakeCreds) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeMedia struct {
	mu       sync.Mutex
	err      error
	acquires int
}

func (f *fakeMedia) AcquireAudio(ctx context.Context) (mediadevices.Track, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acquires++
	return nil, f.err
}

func (f *fakeMedia) Release() {}

func (f *fakeMedia) acquireCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.acquires
}

func newTestClient(t *testing.T, creds CredentialProvider) (*Client, *turn.Machine) {
	t.Helper()
	c, err := NewClient(context.Background(), shared.NewNopLogger(), creds, "child-1", "http://127.0.0.1:1")
	require.NoError(t, err)
	require.NoError(t, c.SetConfig(&realtime.RealtimeSessionCreateRequestParam{Model: "gpt-realtime"}))
	machine := turn.NewMachine(shared.NewNopLogger(), time.Hour)
	dispatcher, err := NewDispatcher(shared.NewNopLogger(), c)
	require.NoError(t, err)
	require.NoError(t, c.Bind(machine, dispatcher))
	c.retryDelay = time.Millisecond
	return c, machine
}

func TestConnectRequiresSetup(t *testing.T) {
	creds := &fakeCreds{token: "tok"}
	c, err := NewClient(context.Background(), shared.NewNopLogger(), creds, "child-1", "")
	require.NoError(t, err)

	assert.ErrorIs(t, c.Connect(context.Background()), shared.ErrNoConfig)

	require.NoError(t, c.SetConfig(&realtime.RealtimeSessionCreateRequestParam{Model: "gpt-realtime"}))
	assert.ErrorIs(t, c.Connect(context.Background()), shared.ErrClientNotInitialized)
}

func TestConnectRetriesTransientFailures(t *testing.T) {
	creds := &fakeCreds{err: errors.New("token service down")}
	c, machine := newTestClient(t, creds)

	err := c.Connect(context.Background())
	require.Error(t, err)
	var fatal *shared.FatalError
	assert.ErrorAs(t, err, &fatal)
	// First attempt plus exactly connectMaxRetries retries.
	assert.Equal(t, 1+connectMaxRetries, creds.callCount())
	assert.Equal(t, turn.StateError, machine.State())
}

func TestConnectMediaFailureRetries(t *testing.T) {
	creds := &fakeCreds{token: "tok"}
	c, _ := newTestClient(t, creds)
	media := &fakeMedia{err: errors.New("microphone busy")}
	require.NoError(t, c.SetMediaSource(media))

	err := c.Connect(context.Background())
	require.Error(t, err)
	var fatal *shared.FatalError
	assert.ErrorAs(t, err, &fatal)
	assert.Equal(t, 1+connectMaxRetries, media.acquireCount())
}

func TestConnectAuthFailureIsFatal(t *testing.T) {
	creds := &fakeCreds{err: shared.ErrUnauthorized}
	c, machine := newTestClient(t, creds)

	surfaced := make(chan string, 1)
	c.RegisterErrorHandler(func(callId, message string) {
		surfaced <- message
	})

	err := c.Connect(context.Background())
	require.Error(t, err)
	var fatal *shared.FatalError
	assert.ErrorAs(t, err, &fatal)
	assert.ErrorIs(t, err, shared.ErrUnauthorized)
	assert.Equal(t, 1, creds.callCount(), "auth failures are never retried")
	assert.Equal(t, turn.StateError, machine.State())
	select {
	case <-surfaced:
	default:
		t.Fatal("fatal connect error was not surfaced to the error handler")
	}
}

func TestConnectCancellationHaltsRetries(t *testing.T) {
	creds := &fakeCreds{err: errors.New("token service down")}
	c, _ := newTestClient(t, creds)
	c.retryDelay = time.Second

	ctx, cancel := context.WithCancel(context.Background())
	errC := make(chan error, 1)
	go func() {
		errC <- c.Connect(ctx)
	}()

	require.Eventually(t, func() bool {
		return creds.callCount() >= 1
	}, time.Second, time.Millisecond)
	cancel()

	select {
	case err := <-errC:
		require.Error(t, err)
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("connect did not return after cancellation")
	}
	assert.Equal(t, 1, creds.callCount(), "no further attempts after cancellation")
}

func TestDisconnectHaltsRetries(t *testing.T) {
	creds := &fakeCreds{err: errors.New("token service down")}
	c, machine := newTestClient(t, creds)
	c.retryDelay = time.Second

	errC := make(chan error, 1)
	go func() {
		errC <- c.Connect(context.Background())
	}()

	require.Eventually(t, func() bool {
		return creds.callCount() >= 1
	}, time.Second, time.Millisecond)
	c.Disconnect()

	select {
	case err := <-errC:
		require.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("connect did not return after disconnect")
	}
	assert.Equal(t, 1, creds.callCount())
	assert.Equal(t, turn.StateIdle, machine.State(), "disconnect forces the machine idle")

	select {
	case <-c.Done():
	default:
		t.Fatal("Done channel not closed after disconnect")
	}
}

func TestSendBeforeConnect(t *testing.T) {
	creds := &fakeCreds{token: "tok"}
	c, _ := newTestClient(t, creds)

	assert.ErrorIs(t, c.SetReadingMode(true), shared.ErrNotConnected)
	assert.ErrorIs(t, c.SendToolResult("call_1", "{}"), shared.ErrNotConnected)
	assert.ErrorIs(t, c.ContinueResponse(), shared.ErrNotConnected)
}

func TestSetupRejectedWhileRunning(t *testing.T) {
	creds := &fakeCreds{token: "tok"}
	c, _ := newTestClient(t, creds)

	c.mu.Lock()
	c.running = true
	c.mu.Unlock()

	assert.ErrorIs(t, c.SetConfig(nil), shared.ErrAlreadyConnected)
	assert.ErrorIs(t, c.SetToolDefs(nil), shared.ErrAlreadyConnected)
	assert.ErrorIs(t, c.SetMediaSource(nil), shared.ErrAlreadyConnected)
	assert.ErrorIs(t, c.Bind(nil, nil), shared.ErrAlreadyConnected)
}
