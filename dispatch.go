package companion

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/appu-labs/companion/shared"
	"github.com/bytedance/sonic"
	"go.uber.org/zap"
)

// ToolHandler executes one named capability. The returned string is the tool
// result payload sent back over the channel. A *shared.StateConflictError is
// forwarded verbatim so the remote agent can correct itself; any other error
// is converted into an apologetic result.
type ToolHandler func(ctx context.Context, callId string, args map[string]any) (string, error)

// ToolResultSender is how resolved calls travel back to the provider. The
// Client implements it.
type ToolResultSender interface {
	SendToolResult(callId, output string) error
	ContinueResponse() error
}

// PendingToolCall tracks one in-flight invocation by provider call id.
type PendingToolCall struct {
	CallId       string
	Name         string
	Arguments    string
	DispatchedAt time.Time
}

const toolApology = "I'm sorry, I couldn't do that just now. Let's try again in a moment."

// Dispatcher routes function calls arriving over the channel to registered
// handlers and guarantees every call resolves with some reply, because an
// unresolved call stalls the remote agent's turn.
type Dispatcher struct {
	logger shared.LoggerAdapter
	sender ToolResultSender

	mu       sync.Mutex
	handlers map[string]ToolHandler
	pending  map[string]*PendingToolCall
}

func NewDispatcher(logger shared.LoggerAdapter, sender ToolResultSender) (*Dispatcher, error) {
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	if sender == nil {
		return nil, errors.New("no tool result sender provided")
	}
	return &Dispatcher{
		logger:   logger,
		sender:   sender,
		handlers: make(map[string]ToolHandler),
		pending:  make(map[string]*PendingToolCall),
	}, nil
}

func (d *Dispatcher) Register(name string, handler ToolHandler) error {
	if name == "" {
		return errors.New("tool name is required")
	}
	if handler == nil {
		return errors.New("handler is required")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.handlers[name]; ok {
		return fmt.Errorf("tool %q already registered", name)
	}
	d.handlers[name] = handler
	return nil
}

// Pending returns a snapshot of in-flight calls.
func (d *Dispatcher) Pending() []PendingToolCall {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]PendingToolCall, 0, len(d.pending))
	for _, p := range d.pending {
		out = append(out, *p)
	}
	return out
}

// Dispatch runs one completed function call. It is called on the channel's
// delivery goroutine, so calls execute in arrival order. Dispatch never
// returns an error to the channel handler; every outcome ends with a result
// (or apology) sent back followed by a turn-continuation request.
func (d *Dispatcher) Dispatch(ctx context.Context, callId, name, rawArgs string) {
	d.mu.Lock()
	if _, dup := d.pending[callId]; dup {
		d.mu.Unlock()
		d.logger.Warn(
			"duplicate tool call id, ignoring",
			zap.String("call_id", callId),
			zap.String("tool", name),
		)
		return
	}
	handler, ok := d.handlers[name]
	d.pending[callId] = &PendingToolCall{
		CallId:       callId,
		Name:         name,
		Arguments:    rawArgs,
		DispatchedAt: time.Now(),
	}
	d.mu.Unlock()
	defer func() {
		d.mu.Lock()
		delete(d.pending, callId)
		d.mu.Unlock()
	}()

	var output string
	if !ok {
		d.logger.Warn("unknown tool requested", zap.String("tool", name))
		output = errorResult(fmt.Sprintf("There is no tool named %q available.", name))
	} else {
		output = d.run(ctx, handler, callId, name, rawArgs)
	}
	if err := d.sender.SendToolResult(callId, output); err != nil {
		d.logger.Error("sending tool result", err, zap.String("call_id", callId))
		return
	}
	if err := d.sender.ContinueResponse(); err != nil {
		d.logger.Error("requesting turn continuation", err, zap.String("call_id", callId))
	}
}

func (d *Dispatcher) run(ctx context.Context, handler ToolHandler, callId, name, rawArgs string) string {
	args := map[string]any{}
	if rawArgs != "" {
		if err := sonic.Unmarshal([]byte(rawArgs), &args); err != nil {
			d.logger.Warn(
				"malformed tool arguments",
				zap.String("call_id", callId),
				zap.String("tool", name),
				zap.String("arguments", truncate(rawArgs, 200)),
			)
			return errorResult("The tool arguments were not valid JSON.")
		}
	}
	result, err := handler(ctx, callId, args)
	if err == nil {
		d.logger.Debug(
			"tool call resolved",
			zap.String("call_id", callId),
			zap.String("tool", name),
		)
		return result
	}
	var conflict *shared.StateConflictError
	if errors.As(err, &conflict) {
		d.logger.Warn(
			"tool call rejected",
			zap.String("call_id", callId),
			zap.String("tool", name),
			zap.String("reason", conflict.Reason),
		)
		return errorResult(conflict.Reason)
	}
	d.logger.Error("tool execution failed", &shared.ToolExecutionError{Tool: name, Err: err},
		zap.String("call_id", callId),
	)
	return errorResult(toolApology)
}

func errorResult(msg string) string {
	out, err := sonic.Marshal(map[string]any{"error": msg})
	if err != nil {
		return `{"error":"internal error"}`
	}
	return string(out)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
