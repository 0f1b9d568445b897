package companion

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"mime/multipart"
	"net/textproto"
	"net/url"
	"sync"
	"time"

	"github.com/appu-labs/companion/shared"
	"github.com/appu-labs/companion/turn"
	"github.com/bytedance/sonic"
	"github.com/openai/openai-go/v3/realtime"
	"github.com/pion/mediadevices"
	"github.com/pion/webrtc/v4"
	"github.com/valyala/fasthttp"
	"go.uber.org/zap"
)

type TrackRemoteHandler func(track *webrtc.TrackRemote)

// TrackLocalHandler pumps the acquired microphone track into the local
// outbound track once the peer connection is up.
type TrackLocalHandler func(local *webrtc.TrackLocalStaticSample, mic mediadevices.Track)

type ErrorHandler func(callId, message string)

type FunctionResultHandler func(callId, result string)

// MediaSource hands the orchestrator exclusive ownership of the microphone
// for the lifetime of a connection.
type MediaSource interface {
	AcquireAudio(ctx context.Context) (mediadevices.Track, error)
	Release()
}

const (
	connectMaxRetries = 3
	connectRetryDelay = 2 * time.Second

	// Tighter response budget while a book is open, so narration and agent
	// speech stay short and interleaved.
	readingMaxOutputTokens int64 = 250
)

// Client is the connection orchestrator: it owns the realtime transport
// lifecycle, demultiplexes inbound channel messages into turn triggers and
// tool dispatches, and sends the proactive control messages.
type Client struct {
	logger  shared.LoggerAdapter
	baseUrl *url.URL
	creds   CredentialProvider
	childId string

	mu       sync.Mutex
	cfg      *realtime.RealtimeSessionCreateRequestParam
	toolDefs []map[string]any
	greeting string
	session  *ConversationSession
	pc       *webrtc.PeerConnection
	dc       *webrtc.DataChannel
	media    MediaSource
	micTrack mediadevices.Track
	audioL   *webrtc.TrackLocalStaticSample

	machine    *turn.Machine
	dispatcher *Dispatcher
	trh        TrackRemoteHandler
	tlh        TrackLocalHandler
	eh         ErrorHandler
	frh        FunctionResultHandler

	running    bool
	state      webrtc.PeerConnectionState
	connected  chan struct{}
	retryDelay time.Duration

	ctx    context.Context
	cancel context.CancelCauseFunc
}

func NewClient(ctx context.Context, logger shared.LoggerAdapter, creds CredentialProvider, childId, baseUrl string) (*Client, error) {
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	if creds == nil {
		return nil, shared.ErrNoCredentials
	}
	var baseUrl_ *url.URL
	if baseUrl != "" {
		var err error
		baseUrl_, err = url.Parse(baseUrl)
		if err != nil {
			return nil, fmt.Errorf("parsing base URL: %w", err)
		}
	} else {
		baseUrl_ = &url.URL{
			Scheme: "https",
			Host:   "api.openai.com",
			Path:   "/v1",
		}
	}
	ctx, cancel := context.WithCancelCause(ctx)
	return &Client{
		logger:     logger,
		baseUrl:    baseUrl_,
		creds:      creds,
		childId:    childId,
		retryDelay: connectRetryDelay,
		ctx:        ctx,
		cancel:     cancel,
	}, nil
}

func (c *Client) respectCtx(ctx context.Context) error {
	select {
	case <-c.ctx.Done():
		return context.Cause(c.ctx)
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	return nil
}

func (c *Client) SetConfig(cfg *realtime.RealtimeSessionCreateRequestParam) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return shared.ErrAlreadyConnected
	}
	c.cfg = cfg
	return nil
}

// SetGreeting sets the instructions for the first response requested on
// channel open.
func (c *Client) SetGreeting(greeting string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.greeting = greeting
}

// SetToolDefs advertises the callable tools in the initial session config.
// Raw JSON maps, matching the provider's function-tool schema.
func (c *Client) SetToolDefs(defs []map[string]any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return shared.ErrAlreadyConnected
	}
	c.toolDefs = defs
	return nil
}

func (c *Client) SetMediaSource(media MediaSource) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return shared.ErrAlreadyConnected
	}
	c.media = media
	return nil
}

// Bind wires the turn machine and registers the tool dispatcher built on
// this client.
func (c *Client) Bind(machine *turn.Machine, dispatcher *Dispatcher) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return shared.ErrAlreadyConnected
	}
	c.machine = machine
	c.dispatcher = dispatcher
	return nil
}

func (c *Client) RegisterTrackRemoteHandler(handler TrackRemoteHandler) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.trh != nil {
		return shared.ErrTRHandlerAlreadySet
	}
	if handler == nil {
		return errors.New("handler is required")
	}
	c.trh = handler
	return nil
}

func (c *Client) RegisterTrackLocalHandler(handler TrackLocalHandler) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.tlh != nil {
		return shared.ErrTLHandlerAlreadySet
	}
	if handler == nil {
		return errors.New("handler is required")
	}
	c.tlh = handler
	return nil
}

func (c *Client) RegisterErrorHandler(handler ErrorHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.eh = handler
}

func (c *Client) RegisterFunctionResultHandler(handler FunctionResultHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frh = handler
}

func (c *Client) Connected() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *Client) Done() <-chan struct{} {
	return c.ctx.Done()
}

func (c *Client) Session() *ConversationSession {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

// Connect establishes the session: credential, transport and channel, local
// media, offer/answer exchange, then the initial session configuration on
// channel open. Transient failures retry up to connectMaxRetries with a
// fixed delay; authentication failures are fatal immediately. Cancellation
// (context or Disconnect) is checked before every attempt.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return shared.ErrAlreadyConnected
	}
	if c.cfg == nil {
		c.mu.Unlock()
		return shared.ErrNoConfig
	}
	if c.machine == nil || c.dispatcher == nil {
		c.mu.Unlock()
		return shared.ErrClientNotInitialized
	}
	c.running = true
	c.session = NewConversationSession(c.childId)
	c.mu.Unlock()

	for attempt := 0; ; attempt++ {
		if err := c.respectCtx(ctx); err != nil {
			c.teardown()
			return fmt.Errorf("connect cancelled: %w", err)
		}
		err := c.connectOnce(ctx)
		if err == nil {
			c.logger.Info(
				"session connected",
				zap.String("session_id", c.session.Id),
				zap.Int("retries", attempt),
			)
			return nil
		}
		c.releaseAttempt()
		if !shared.Retryable(err) {
			c.teardown()
			fatal := &shared.FatalError{Err: err}
			c.logger.Error("connect failed fatally", fatal)
			c.machine.Fault(err.Error())
			c.notifyError("", fatal.Error())
			return fatal
		}
		if attempt >= connectMaxRetries {
			c.teardown()
			fatal := &shared.FatalError{Err: fmt.Errorf("retries exhausted: %w", err)}
			c.logger.Error("connect failed after retries", fatal, zap.Int("retries", attempt))
			c.machine.Fault(err.Error())
			c.notifyError("", fatal.Error())
			return fatal
		}
		c.session.recordAttempt(err)
		c.logger.Warn(
			"connect attempt failed, retrying",
			zap.Error(err),
			zap.Int("attempt", attempt+1),
			zap.Duration("delay", c.retryDelay),
		)
		select {
		case <-ctx.Done():
			c.teardown()
			return fmt.Errorf("connect cancelled: %w", ctx.Err())
		case <-c.ctx.Done():
			c.teardown()
			return fmt.Errorf("connect cancelled: %w", context.Cause(c.ctx))
		case <-time.After(c.retryDelay):
		}
	}
}

func (c *Client) connectOnce(ctx context.Context) error {
	// (1) short-lived credential
	token, err := c.creds.CreateSession(ctx, c.childId)
	if err != nil {
		return &shared.ConnectionError{Op: "credential acquisition", Err: err, Retryable: true}
	}

	// (2) transport and control channel
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		return &shared.ConnectionError{Op: "peer connection", Err: err, Retryable: true}
	}
	dc, err := pc.CreateDataChannel("oai", nil)
	if err != nil {
		_ = pc.Close()
		return &shared.ConnectionError{Op: "data channel", Err: err, Retryable: true}
	}

	connected := make(chan struct{})
	connectedGotClosed := false
	wasConnected := false
	c.mu.Lock()
	c.pc = pc
	c.dc = dc
	c.connected = connected
	c.state = webrtc.PeerConnectionStateNew
	c.mu.Unlock()

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		c.mu.Lock()
		c.logger.Trace(
			"peer connection state changed",
			zap.String("prev", c.state.String()),
			zap.String("new", state.String()),
		)
		c.state = state
		switch state {
		case webrtc.PeerConnectionStateConnected:
			wasConnected = true
			if !connectedGotClosed {
				connectedGotClosed = true
				close(connected)
				if c.tlh != nil && c.audioL != nil && c.micTrack != nil {
					go c.tlh(c.audioL, c.micTrack)
				}
			}
		case webrtc.PeerConnectionStateDisconnected,
			webrtc.PeerConnectionStateFailed:
			if !connectedGotClosed {
				connectedGotClosed = true
				close(connected)
			}
			c.cancel(fmt.Errorf("peer connection state is %s", state))
		case webrtc.PeerConnectionStateClosed:
			if !connectedGotClosed {
				connectedGotClosed = true
				close(connected)
			}
			// Closing a never-established transport is attempt cleanup, not a
			// session drop; the retry policy must keep running.
			if wasConnected {
				c.cancel(fmt.Errorf("peer connection state is %s", state))
			}
		}
		c.mu.Unlock()
	})
	pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		c.mu.Lock()
		trh := c.trh
		c.mu.Unlock()
		if trh != nil && track.Kind() == webrtc.RTPCodecTypeAudio {
			go trh(track)
		}
	})

	// (3) local audio capture; video is only borrowed later, when the vision
	// tool actually runs.
	if c.media != nil {
		mic, err := c.media.AcquireAudio(ctx)
		if err != nil {
			_ = pc.Close()
			return &shared.ConnectionError{Op: "media acquisition", Err: err, Retryable: true}
		}
		audioL, err := webrtc.NewTrackLocalStaticSample(
			webrtc.RTPCodecCapability{
				MimeType:    webrtc.MimeTypeOpus,
				ClockRate:   48000,
				Channels:    2,
				SDPFmtpLine: "minptime=10;useinbandfec=1",
			},
			"audio",
			"mic",
		)
		if err != nil {
			_ = pc.Close()
			return &shared.ConnectionError{Op: "local track", Err: err, Retryable: true}
		}
		if _, err := pc.AddTrack(audioL); err != nil {
			_ = pc.Close()
			return &shared.ConnectionError{Op: "adding local track", Err: err, Retryable: true}
		}
		c.mu.Lock()
		c.micTrack = mic
		c.audioL = audioL
		c.mu.Unlock()
	}

	dc.OnOpen(func() {
		c.logger.Info("control channel opened", zap.String("session_id", c.session.Id))
		if err := c.pushInitialConfig(); err != nil {
			c.logger.Error("pushing initial session config", err)
		}
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		c.handleMessage(msg)
	})

	// (4) signaling offer/answer exchange
	offer, err := pc.CreateOffer(nil)
	if err != nil {
		_ = pc.Close()
		return &shared.ConnectionError{Op: "creating offer", Err: err, Retryable: true}
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		_ = pc.Close()
		return &shared.ConnectionError{Op: "setting local description", Err: err, Retryable: true}
	}
	if err := c.respectCtx(ctx); err != nil {
		_ = pc.Close()
		return err
	}
	answer, err := c.exchangeSDP(ctx, token, offer.SDP)
	if err != nil {
		_ = pc.Close()
		return &shared.ConnectionError{Op: "offer/answer exchange", Err: err, Retryable: true}
	}
	if err := pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  answer,
	}); err != nil {
		_ = pc.Close()
		return &shared.ConnectionError{Op: "setting remote description", Err: err, Retryable: true}
	}
	return nil
}

// exchangeSDP posts the local offer plus session config and returns the
// remote answer.
func (c *Client) exchangeSDP(ctx context.Context, token, offer string) (string, error) {
	sessBytes, err := c.cfg.MarshalJSON()
	if err != nil {
		return "", fmt.Errorf("marshaling config: %w", err)
	}
	body := new(bytes.Buffer)
	writer := multipart.NewWriter(body)

	sdpHeaders := textproto.MIMEHeader{}
	sdpHeaders.Set("Content-Disposition", `form-data; name="sdp"`)
	sdpHeaders.Set("Content-Type", "application/sdp")
	sdpPart, err := writer.CreatePart(sdpHeaders)
	if err != nil {
		return "", fmt.Errorf("creating SDP part: %w", err)
	}
	if _, err = sdpPart.Write([]byte(offer)); err != nil {
		return "", fmt.Errorf("writing SDP part: %w", err)
	}

	sessionHeaders := textproto.MIMEHeader{}
	sessionHeaders.Set("Content-Disposition", `form-data; name="session"`)
	sessionHeaders.Set("Content-Type", "application/json")
	sessionPart, err := writer.CreatePart(sessionHeaders)
	if err != nil {
		return "", fmt.Errorf("creating session part: %w", err)
	}
	if _, err = sessionPart.Write(sessBytes); err != nil {
		return "", fmt.Errorf("writing session part: %w", err)
	}
	if err = writer.Close(); err != nil {
		return "", fmt.Errorf("closing multipart writer: %w", err)
	}

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(c.baseUrl.JoinPath("/realtime/calls").String())
	req.Header.SetMethod(fasthttp.MethodPost)
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", writer.FormDataContentType())
	req.SetBody(body.Bytes())

	errC := make(chan error, 1)
	go func() {
		errC <- fasthttp.Do(req, resp)
	}()
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case <-c.ctx.Done():
		return "", context.Cause(c.ctx)
	case err := <-errC:
		if err != nil {
			return "", fmt.Errorf("performing HTTP request: %w", err)
		}
	}
	switch resp.StatusCode() {
	case fasthttp.StatusCreated, fasthttp.StatusOK:
	case fasthttp.StatusUnauthorized:
		return "", shared.ErrUnauthorized
	case fasthttp.StatusForbidden:
		return "", shared.ErrForbidden
	default:
		return "", fmt.Errorf("unexpected status code: %d, body: %s", resp.StatusCode(), string(resp.Body()))
	}
	return string(resp.Body()[:]), nil
}

// handleMessage demultiplexes one inbound channel message: turn-taking
// events go to the translator, completed function calls to the dispatcher,
// informational types are logged. Malformed payloads are dropped; this
// handler must never take the channel down.
func (c *Client) handleMessage(msg webrtc.DataChannelMessage) {
	if !msg.IsString {
		c.logger.Warn("received non-string message on data channel")
		return
	}
	event := new(ServerEvent)
	if err := event.UnmarshalJSON(msg.Data); err != nil {
		cerr := &shared.ChannelError{Reason: err.Error(), Preview: truncate(string(msg.Data), 120)}
		c.logger.Warn("dropping malformed channel message", zap.String("detail", cerr.Error()))
		return
	}
	c.logger.Trace(
		"received event",
		zap.String("type", string(event.Type)),
		zap.String("event_id", event.EventId),
	)

	switch event.Type {
	case ServerEventTypeResponseFunctionCallArgumentsDone:
		p := event.Param.(*ServerEventParamFunctionCallArgumentsDone)
		if p.CallId == "" || p.Name == "" {
			c.logger.Warn(
				"function call event missing call id or name, dropped",
				zap.String("call_id", p.CallId),
				zap.String("name", p.Name),
			)
			return
		}
		// Same goroutine as delivery keeps dispatch in arrival order.
		c.dispatcher.Dispatch(c.ctx, p.CallId, p.Name, p.Arguments)
		return
	case ServerEventTypeError:
		p := event.Param.(*ServerEventParamError)
		c.logger.Warn(
			"provider error event",
			zap.String("code", p.Code),
			zap.String("message", p.Message),
		)
		c.notifyError(p.EventId, p.Message)
	case ServerEventTypeResponseOutputAudioTranscriptDone:
		p := event.Param.(*ServerEventParamTranscriptDone)
		c.logger.Debug("agent transcript", zap.String("transcript", p.Transcript))
		return
	case ServerEventTypeRateLimitsUpdated:
		c.logger.Trace("rate limits updated")
		return
	default:
		if event.Ignored() {
			c.logger.Trace("ignoring event", zap.String("type", string(event.Type)))
			return
		}
	}

	if trigger, ok := TranslateEvent(event); ok {
		c.machine.Apply(trigger)
	}
}

func (c *Client) pushInitialConfig() error {
	sessBytes, err := c.cfg.MarshalJSON()
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	var session map[string]any
	if err := sonic.Unmarshal(sessBytes, &session); err != nil {
		return fmt.Errorf("decoding config: %w", err)
	}
	c.mu.Lock()
	if len(c.toolDefs) > 0 {
		session["tools"] = c.toolDefs
		session["tool_choice"] = "auto"
	}
	c.mu.Unlock()
	if err := c.sendEvent(&ClientEvent{
		Type:  ClientEventTypeSessionUpdate,
		Param: &ClientEventParamSessionUpdate{Session: session},
	}); err != nil {
		return err
	}
	c.mu.Lock()
	greeting := c.greeting
	c.mu.Unlock()
	if greeting == "" {
		return nil
	}
	return c.sendEvent(&ClientEvent{
		Type: ClientEventTypeResponseCreate,
		Param: &ClientEventParamResponseCreate{
			Response: map[string]any{
				"instructions":      greeting,
				"max_output_tokens": 150,
			},
		},
	})
}

// SetReadingMode tightens the response budget while a book is open and
// relaxes it back when reading ends.
func (c *Client) SetReadingMode(active bool) error {
	session := map[string]any{}
	if active {
		session["max_output_tokens"] = readingMaxOutputTokens
	} else {
		session["max_output_tokens"] = "inf"
	}
	c.logger.Info("updating session for reading mode", zap.Bool("active", active))
	return c.sendEvent(&ClientEvent{
		Type:  ClientEventTypeSessionUpdate,
		Param: &ClientEventParamSessionUpdate{Session: session},
	})
}

// SendToolResult returns a resolved tool call to the provider.
func (c *Client) SendToolResult(callId, output string) error {
	err := c.sendEvent(&ClientEvent{
		Type: ClientEventTypeConversationItemCreate,
		Param: &ClientEventParamConversationItemCreate{
			Item: map[string]any{
				"type":    "function_call_output",
				"call_id": callId,
				"output":  output,
			},
		},
	})
	if err != nil {
		return err
	}
	c.mu.Lock()
	frh := c.frh
	c.mu.Unlock()
	if frh != nil {
		frh(callId, output)
	}
	return nil
}

// ContinueResponse asks the remote agent to resume generating its turn,
// sent once per resolved tool call.
func (c *Client) ContinueResponse() error {
	return c.sendEvent(&ClientEvent{
		Type:  ClientEventTypeResponseCreate,
		Param: &ClientEventParamResponseCreate{},
	})
}

func (c *Client) sendEvent(event *ClientEvent) error {
	c.mu.Lock()
	dc := c.dc
	c.mu.Unlock()
	if dc == nil {
		return shared.ErrNotConnected
	}
	data, err := event.MarshalJSON()
	if err != nil {
		return fmt.Errorf("marshaling client event: %w", err)
	}
	if err := dc.Send(data); err != nil {
		return fmt.Errorf("sending client event: %w", err)
	}
	c.logger.Trace("sent event", zap.String("type", string(event.Type)))
	return nil
}

func (c *Client) notifyError(callId, message string) {
	c.mu.Lock()
	eh := c.eh
	c.mu.Unlock()
	if eh != nil {
		eh(callId, message)
	}
}

// releaseAttempt frees resources acquired by a failed connect attempt so
// the next attempt starts clean.
func (c *Client) releaseAttempt() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pc != nil {
		if err := c.pc.Close(); err != nil {
			c.logger.Error("closing peer connection", err)
		}
		c.pc = nil
		c.dc = nil
	}
	if c.micTrack != nil && c.media != nil {
		c.media.Release()
	}
	c.micTrack = nil
	c.audioL = nil
}

func (c *Client) teardown() {
	c.releaseAttempt()
	c.mu.Lock()
	c.running = false
	c.session = nil
	c.mu.Unlock()
}

// Disconnect tears down transport, channel and locally acquired media and
// resets flags synchronously. Safe to call multiple times and from any
// state; it is the single cancellation point for in-flight retries.
func (c *Client) Disconnect() {
	c.logger.Info("disconnecting session")
	c.cancel(errors.New("client disconnected"))
	c.teardown()
	if c.machine != nil {
		c.machine.SetEnabled(false)
	}
}
