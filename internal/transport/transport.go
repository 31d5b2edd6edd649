// Package transport implements the reconnecting authenticated WebSocket
// transport for the exchange's private stream (spec.md §4.1): connection
// lifecycle, send buffering before open, keepalive, exponential-backoff
// reconnect, and the authKeyExpires auth sub-protocol. It is grounded on
// the teacher's internal/exchange/ws.go reconnect loop, generalized from
// two fixed public channels to one multiplexed private socket with an
// explicit state machine and a send buffer the teacher didn't need.
package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"bitmex-hub/internal/config"
	"bitmex-hub/internal/errs"
	"bitmex-hub/internal/metrics"
)

// State is one of the connection lifecycle states (spec.md §4.1).
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateOpen
	StateClosing
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "idle"
	}
}

// EventKind identifies the kind of a transport Event.
type EventKind string

const (
	EventOpen      EventKind = "open"
	EventClose     EventKind = "close"
	EventError     EventKind = "error"
	EventMessage   EventKind = "message"
	EventAuthed    EventKind = "authed"
	EventAuthError EventKind = "auth_error"
)

// Event is emitted on the Events() channel as the transport's lifecycle
// progresses.
type Event struct {
	Kind        EventKind
	CloseCode   int
	CloseReason string
	Err         error
	Message     []byte
	At          time.Time
}

const (
	defaultPingInterval        = 15 * time.Second
	defaultPongTimeout         = 10 * time.Second
	defaultReconnectMinBackoff = 1 * time.Second
	defaultReconnectMaxBackoff = 30 * time.Second
	defaultSendBufferSize      = 1024
	defaultAuthTimeout         = 1 * time.Second
	writeWait                  = 10 * time.Second
)

// connectAttempt is the single-flight handle for one in-flight Connect
// call; a second concurrent Connect call while connecting observes the
// same result instead of dialing twice (spec.md §4.1 "only one connect in
// flight").
type connectAttempt struct {
	done chan struct{}
	err  error
	once sync.Once
}

func (c *connectAttempt) resolve(err error) {
	c.once.Do(func() {
		c.err = err
		close(c.done)
	})
}

// pendingAuth tracks the single outstanding authKeyExpires request.
type pendingAuth struct {
	resultCh chan error
	timer    *time.Timer
}

// Transport is the authenticated WebSocket connection to the private
// stream.
type Transport struct {
	cfg     config.TransportConfig
	logger  zerolog.Logger
	metrics *metrics.Metrics

	mu          sync.Mutex
	state       State
	conn        *websocket.Conn
	attempt     int
	manualClose bool
	creds       *Credentials
	skewSec     int
	autoRelogin bool
	pending     *connectAttempt
	auth        *pendingAuth
	lastPong    time.Time

	sendMu  sync.Mutex
	sendBuf [][]byte

	events chan Event
	cancel context.CancelFunc
}

// New builds a Transport. cfg zero-values are replaced by the documented
// defaults (spec.md §4.1).
func New(cfg config.TransportConfig, logger zerolog.Logger, m *metrics.Metrics) *Transport {
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = defaultPingInterval
	}
	if cfg.PongTimeout <= 0 {
		cfg.PongTimeout = defaultPongTimeout
	}
	if cfg.ReconnectMinBackoff <= 0 {
		cfg.ReconnectMinBackoff = defaultReconnectMinBackoff
	}
	if cfg.ReconnectMaxBackoff <= 0 {
		cfg.ReconnectMaxBackoff = defaultReconnectMaxBackoff
	}
	if cfg.SendBufferSize <= 0 {
		cfg.SendBufferSize = defaultSendBufferSize
	}
	if cfg.AuthTimeout <= 0 {
		cfg.AuthTimeout = defaultAuthTimeout
	}

	return &Transport{
		cfg:         cfg,
		logger:      logger.With().Str("component", "transport").Logger(),
		metrics:     m,
		state:       StateIdle,
		autoRelogin: true,
		events:      make(chan Event, 256),
	}
}

// Events returns the channel of lifecycle events.
func (t *Transport) Events() <-chan Event { return t.events }

// State returns the current connection state.
func (t *Transport) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Connect dials the transport and maintains it with automatic reconnect
// until ctx is cancelled or Disconnect is called. It blocks until the
// first dial either opens the socket or fails, and returns that result;
// either way reconnects continue in the background and are observable via
// Events(). A second concurrent call observes the same first-dial result
// instead of dialing twice.
func (t *Transport) Connect(ctx context.Context) error {
	t.mu.Lock()
	if t.state == StateConnecting || t.state == StateOpen || t.state == StateReconnecting {
		pending := t.pending
		t.mu.Unlock()
		if pending == nil {
			return nil
		}
		<-pending.done
		return pending.err
	}

	pending := &connectAttempt{done: make(chan struct{})}
	t.pending = pending
	t.state = StateConnecting
	t.manualClose = false
	t.mu.Unlock()

	runCtx, cancel := context.WithCancel(ctx)
	t.cancel = cancel
	go t.runLoop(runCtx, pending)

	<-pending.done
	return pending.err
}

// Disconnect closes the connection. If graceful, a close code 1000 is
// sent and no reconnect follows; otherwise the socket is dropped
// immediately (also without reconnect — Disconnect is always manual per
// spec.md §4.1).
func (t *Transport) Disconnect(graceful bool) error {
	t.mu.Lock()
	t.manualClose = true
	t.state = StateClosing
	conn := t.conn
	cancel := t.cancel
	t.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn == nil {
		t.mu.Lock()
		t.state = StateIdle
		t.mu.Unlock()
		return nil
	}
	if graceful {
		deadline := time.Now().Add(writeWait)
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
	}
	err := conn.Close()
	t.mu.Lock()
	t.state = StateIdle
	t.mu.Unlock()
	return err
}

// Send transmits raw bytes. Before open, the payload is enqueued into a
// bounded FIFO buffer (spec.md §4.1 "send buffering"); overflow returns a
// Validation error. After open, it's written directly.
func (t *Transport) Send(raw []byte) error {
	t.mu.Lock()
	state := t.state
	conn := t.conn
	t.mu.Unlock()

	if state != StateOpen || conn == nil {
		return t.bufferSend(raw)
	}
	return t.writeDirect(conn, raw)
}

func (t *Transport) bufferSend(raw []byte) error {
	t.sendMu.Lock()
	defer t.sendMu.Unlock()
	if len(t.sendBuf) >= t.cfg.SendBufferSize {
		return errs.Newf(errs.KindValidation, "transport: send buffer full (limit %d)", t.cfg.SendBufferSize)
	}
	cp := append([]byte(nil), raw...)
	t.sendBuf = append(t.sendBuf, cp)
	return nil
}

func (t *Transport) writeDirect(conn *websocket.Conn, raw []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == nil {
		return t.bufferSend(raw)
	}
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteMessage(websocket.TextMessage, raw); err != nil {
		return errs.New(errs.KindNetwork, fmt.Errorf("transport: write: %w", err))
	}
	return nil
}

// flushSendBuffer drains the buffer in FIFO order after open; a failure
// mid-flush retains the unsent tail (spec.md §8 property 9).
func (t *Transport) flushSendBuffer(conn *websocket.Conn) error {
	for {
		t.sendMu.Lock()
		if len(t.sendBuf) == 0 {
			t.sendMu.Unlock()
			return nil
		}
		next := t.sendBuf[0]
		t.sendMu.Unlock()

		conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteMessage(websocket.TextMessage, next); err != nil {
			return fmt.Errorf("transport: flush send buffer: %w", err)
		}

		t.sendMu.Lock()
		t.sendBuf = t.sendBuf[1:]
		t.sendMu.Unlock()
	}
}

// Subscribe sends a {op:"subscribe", args:[...]} frame (spec.md §6.1).
func (t *Transport) Subscribe(args []string) error {
	return t.sendOp("subscribe", args)
}

// Unsubscribe sends the symmetric unsubscribe frame.
func (t *Transport) Unsubscribe(args []string) error {
	return t.sendOp("unsubscribe", args)
}

func (t *Transport) sendOp(op string, args []string) error {
	msg := struct {
		Op   string   `json:"op"`
		Args []string `json:"args"`
	}{Op: op, Args: args}
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("transport: marshal %s frame: %w", op, err)
	}
	return t.Send(body)
}

// Login sends the authKeyExpires frame and waits for the matching
// response (spec.md §4.1). Only one auth request may be outstanding.
func (t *Transport) Login(ctx context.Context, creds Credentials, skewSec int) error {
	t.mu.Lock()
	if t.auth != nil {
		t.mu.Unlock()
		return errs.Newf(errs.KindAuth, "transport: auth already in progress")
	}
	resultCh := make(chan error, 1)
	pending := &pendingAuth{resultCh: resultCh}
	t.auth = pending
	t.creds = &creds
	t.skewSec = skewSec
	t.mu.Unlock()

	expires, sig := authPayload(creds, skewSec, time.Now())
	msg := map[string]interface{}{
		"op":   "authKeyExpires",
		"args": []interface{}{creds.APIKey, expires, sig},
	}
	body, err := json.Marshal(msg)
	if err != nil {
		t.clearPendingAuth()
		return fmt.Errorf("transport: marshal auth frame: %w", err)
	}
	if err := t.Send(body); err != nil {
		t.clearPendingAuth()
		return err
	}

	timer := time.NewTimer(t.cfg.AuthTimeout)
	defer timer.Stop()
	t.mu.Lock()
	pending.timer = timer
	t.mu.Unlock()

	select {
	case err := <-resultCh:
		if err != nil {
			kind := errs.KindAuth
			var classified *errs.Error
			if asErr, ok := err.(*errs.Error); ok {
				classified = asErr
				kind = classified.Kind
			}
			if kind == errs.KindBadCredentials || kind == errs.KindClockSkew {
				t.mu.Lock()
				t.autoRelogin = false
				t.mu.Unlock()
			}
			t.emit(Event{Kind: EventAuthError, Err: err, At: time.Now()})
			return err
		}
		t.emit(Event{Kind: EventAuthed, At: time.Now()})
		return nil
	case <-timer.C:
		t.clearPendingAuth()
		err := errs.New(errs.KindAuthTimeout, fmt.Errorf("transport: auth response deadline exceeded"))
		t.emit(Event{Kind: EventAuthError, Err: err, At: time.Now()})
		return err
	case <-ctx.Done():
		t.clearPendingAuth()
		return ctx.Err()
	}
}

func (t *Transport) clearPendingAuth() {
	t.mu.Lock()
	t.auth = nil
	t.mu.Unlock()
}

// handleAuthResponse resolves a pending Login call from a server frame
// matched by request.op == "authKeyExpires" (spec.md §4.1).
func (t *Transport) handleAuthResponse(success bool, errText string) {
	t.mu.Lock()
	pending := t.auth
	t.auth = nil
	t.mu.Unlock()
	if pending == nil {
		return
	}

	if success {
		pending.resultCh <- nil
		return
	}
	kind := errs.ClassifyAuthText(errText)
	pending.resultCh <- errs.Newf(kind, "transport: auth failed: %s", errText)
}

func (t *Transport) runLoop(ctx context.Context, pending *connectAttempt) {
	attempt := 0
	for {
		attempt++
		t.mu.Lock()
		t.attempt = attempt
		t.mu.Unlock()

		err := t.connectAndServe(ctx, pending)
		pending = nil // only the first attempt resolves the Connect() caller

		t.mu.Lock()
		if t.attempt == 0 {
			attempt = 0 // the socket opened, so the reconnect count starts over
		}
		t.mu.Unlock()

		if ctx.Err() != nil {
			return
		}

		t.mu.Lock()
		manual := t.manualClose
		t.mu.Unlock()
		if manual {
			return
		}

		if errs.Is(err, errs.KindClosedNormal) {
			t.logger.Info().Msg("server closed connection with code 1000, not reconnecting")
			t.mu.Lock()
			t.state = StateIdle
			t.mu.Unlock()
			return
		}

		if t.cfg.MaxReconnectAttempts > 0 && attempt >= t.cfg.MaxReconnectAttempts {
			t.logger.Error().Err(err).Int("attempt", attempt).Msg("max reconnect attempts exhausted")
			return
		}

		t.mu.Lock()
		t.state = StateReconnecting
		t.mu.Unlock()
		if t.metrics != nil {
			t.metrics.WSReconnects.Inc()
		}

		delay := NextBackoff(attempt, t.cfg.ReconnectMinBackoff, t.cfg.ReconnectMaxBackoff)
		t.logger.Warn().Err(err).Dur("backoff", delay).Msg("transport disconnected, reconnecting")

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

// connectAndServe dials once, flushes the send buffer, starts the
// keepalive loop, and reads until the connection drops. It resolves
// pending (if non-nil) the moment the socket opens.
func (t *Transport) connectAndServe(ctx context.Context, pending *connectAttempt) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, t.cfg.URL, nil)
	if err != nil {
		wrapped := errs.New(errs.KindNetwork, fmt.Errorf("transport: dial: %w", err))
		if pending != nil {
			pending.resolve(wrapped)
		}
		t.emit(Event{Kind: EventError, Err: wrapped, At: time.Now()})
		return wrapped
	}

	t.mu.Lock()
	t.conn = conn
	t.state = StateOpen
	t.attempt = 0
	t.lastPong = time.Now()
	t.mu.Unlock()

	conn.SetPongHandler(func(string) error {
		t.mu.Lock()
		t.lastPong = time.Now()
		t.mu.Unlock()
		return nil
	})

	if err := t.flushSendBuffer(conn); err != nil {
		t.logger.Warn().Err(err).Msg("send buffer flush interrupted")
	}

	t.emit(Event{Kind: EventOpen, At: time.Now()})
	if pending != nil {
		pending.resolve(nil)
	}

	t.mu.Lock()
	creds, skewSec, autoRelogin := t.creds, t.skewSec, t.autoRelogin
	t.mu.Unlock()
	if creds != nil && autoRelogin {
		go func() {
			_ = t.Login(ctx, *creds, skewSec)
		}()
	}

	pingCtx, pingCancel := context.WithCancel(ctx)
	defer pingCancel()
	go t.pingLoop(pingCtx, conn)

	readErr := t.readLoop(ctx, conn)

	t.mu.Lock()
	t.conn = nil
	if t.state != StateClosing {
		t.state = StateReconnecting
	}
	t.mu.Unlock()

	conn.Close()
	return readErr
}

func (t *Transport) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		conn.SetReadDeadline(time.Now().Add(t.cfg.PingInterval + t.cfg.PongTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			code := websocket.CloseAbnormalClosure
			if ce, ok := err.(*websocket.CloseError); ok {
				code = ce.Code
			}
			wrapped := errs.New(errs.ClassifyCloseCode(code), fmt.Errorf("transport: read: %w", err))
			t.emit(Event{Kind: EventClose, CloseCode: code, CloseReason: err.Error(), Err: wrapped, At: time.Now()})
			t.failPendingAuth(wrapped)
			return wrapped
		}
		t.handleMessage(msg)
	}
}

func (t *Transport) failPendingAuth(err error) {
	t.mu.Lock()
	pending := t.auth
	t.auth = nil
	t.mu.Unlock()
	if pending != nil {
		pending.resultCh <- errs.New(errs.KindNetwork, err)
	}
}

func (t *Transport) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(t.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.mu.Lock()
			last := t.lastPong
			t.mu.Unlock()
			if time.Since(last) > t.cfg.PingInterval+t.cfg.PongTimeout {
				t.logger.Warn().Msg("pong deadline exceeded, closing socket")
				conn.Close()
				return
			}
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				t.logger.Warn().Err(err).Msg("ping failed")
				return
			}
		}
	}
}

// handleMessage routes a raw frame: welcome, subscribe-ack,
// authKeyExpires response, or channel-data (spec.md §4.9). Channel-data
// frames are published on Events() as EventMessage for the hub's
// multiplexer to decode.
func (t *Transport) handleMessage(data []byte) {
	var probe struct {
		Info    string `json:"info"`
		Request *struct {
			Op   string        `json:"op"`
			Args []interface{} `json:"args"`
		} `json:"request"`
		Success *bool  `json:"success"`
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(data, &probe); err == nil && probe.Request != nil && probe.Request.Op == "authKeyExpires" {
		success := probe.Success != nil && *probe.Success
		errText := probe.Error
		if errText == "" {
			errText = probe.Message
		}
		t.handleAuthResponse(success, errText)
		return
	}

	t.emit(Event{Kind: EventMessage, Message: data, At: time.Now()})
}

func (t *Transport) emit(evt Event) {
	select {
	case t.events <- evt:
	default:
		t.logger.Warn().Str("kind", string(evt.Kind)).Msg("event channel full, dropping event")
	}
}
