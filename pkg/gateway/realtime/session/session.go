// Package session implements the per-connection realtime relay: the state
// machine that owns one upstream engine connection on behalf of one
// authenticated user, serializes turns, and translates engine events into
// client frames.
package session

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/kai-todo/kai-relay/pkg/core/engine"
	"github.com/kai-todo/kai-relay/pkg/core/tasks"
	"github.com/kai-todo/kai-relay/pkg/gateway/metrics"
	"github.com/kai-todo/kai-relay/pkg/gateway/realtime/protocol"
	"github.com/kai-todo/kai-relay/pkg/gateway/realtime/sessions"
)

// State is the session lifecycle position. Transitions only happen on the
// session's own run goroutine.
type State int

const (
	StateUnauthenticated State = iota
	StateAuthenticating
	StateConnected
	StateErrored
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUnauthenticated:
		return "unauthenticated"
	case StateAuthenticating:
		return "authenticating"
	case StateConnected:
		return "connected"
	case StateErrored:
		return "errored"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// TokenVerifier is the identity collaborator: it turns a session token into
// a user ID or fails.
type TokenVerifier interface {
	VerifyToken(token string) (userID string, err error)
}

const (
	msgInvalidToken   = "Invalid token"
	msgNotConnected   = "Not connected to AI service"
	msgConnectFailed  = "Failed to connect to AI service"
	msgTurnInFlight   = "A response is already in progress"
	msgSendFailed     = "Failed to send message"
	msgAudioFailed    = "Failed to process audio"
	msgInvalidAudio   = "Invalid audio data"
	msgContextFailed  = "Failed to load task context"
	msgAlreadyAuthed  = "Already authenticated"
	msgSessionFailed  = "Session failed, please reconnect"
	msgUpstreamClosed = "AI connection closed"
	defaultGreeting   = "Connected to Kai"
	errorQueueSize    = 8
)

type Config struct {
	PingInterval      time.Duration
	WriteTimeout      time.Duration
	ReadTimeout       time.Duration
	MaxMessageBytes   int64
	ConnectTimeout    time.Duration
	SnapshotTimeout   time.Duration
	CommitGrace       time.Duration
	DisconnectTimeout time.Duration
	OutboundQueueSize int
	Greeting          string
}

type Dependencies struct {
	Conn      *websocket.Conn
	Logger    *slog.Logger
	Verifier  TokenVerifier
	Snapshots tasks.SnapshotProvider
	Engine    engine.Dialer
	Registry  *sessions.Registry
	Metrics   *metrics.Metrics
	SessionID string
	Model     string
	Voice     string
	Config    Config
}

// Session relays one WebSocket connection. All fields below the sync
// primitives are owned exclusively by the Run goroutine.
type Session struct {
	conn      *websocket.Conn
	logger    *slog.Logger
	verifier  TokenVerifier
	snapshots tasks.SnapshotProvider
	dialer    engine.Dialer
	registry  *sessions.Registry
	metrics   *metrics.Metrics
	sessionID string
	model     string
	voice     string
	cfg       Config

	ctx    context.Context
	cancel context.CancelFunc

	outboundPriority chan []byte
	outboundNormal   chan []byte

	closeOnce sync.Once

	// Owned by the Run goroutine.
	state           State
	userID          string
	engineConn      engine.Conn
	engineEvents    <-chan engine.Event
	pendingResponse bool
	assistantText   string
	audioQueue      [][]byte
	muted           bool
	unregister      func()
}

func New(deps Dependencies) (*Session, error) {
	if deps.Conn == nil {
		return nil, fmt.Errorf("connection is required")
	}
	if deps.Verifier == nil {
		return nil, fmt.Errorf("token verifier is required")
	}
	if deps.Snapshots == nil {
		return nil, fmt.Errorf("snapshot provider is required")
	}
	if deps.Engine == nil {
		return nil, fmt.Errorf("engine dialer is required")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Config.OutboundQueueSize <= 0 {
		deps.Config.OutboundQueueSize = 128
	}
	// A read deadline is required so half-open clients that stop answering
	// pings eventually fail the read loop.
	if deps.Config.ReadTimeout <= 0 {
		deps.Config.ReadTimeout = 60 * time.Second
	}
	if deps.Config.ConnectTimeout <= 0 {
		deps.Config.ConnectTimeout = 15 * time.Second
	}
	if deps.Config.SnapshotTimeout <= 0 {
		deps.Config.SnapshotTimeout = 5 * time.Second
	}
	if deps.Config.CommitGrace <= 0 {
		deps.Config.CommitGrace = 200 * time.Millisecond
	}
	if deps.Config.DisconnectTimeout <= 0 {
		deps.Config.DisconnectTimeout = 2 * time.Second
	}
	if deps.Config.Greeting == "" {
		deps.Config.Greeting = defaultGreeting
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		conn:             deps.Conn,
		logger:           deps.Logger,
		verifier:         deps.Verifier,
		snapshots:        deps.Snapshots,
		dialer:           deps.Engine,
		registry:         deps.Registry,
		metrics:          deps.Metrics,
		sessionID:        deps.SessionID,
		model:            deps.Model,
		voice:            deps.Voice,
		cfg:              deps.Config,
		ctx:              ctx,
		cancel:           cancel,
		outboundPriority: make(chan []byte, errorQueueSize),
		outboundNormal:   make(chan []byte, deps.Config.OutboundQueueSize),
		state:            StateUnauthenticated,
	}, nil
}

// State reports the current lifecycle position. Only meaningful from the
// Run goroutine or after Run has returned.
func (s *Session) State() State { return s.state }

// Cancel requests teardown from outside the run goroutine (registry
// eviction, gateway shutdown). The run loop observes it and closes down.
func (s *Session) Cancel() { s.cancel() }

// SendWarning pushes a priority error frame, used when the gateway drains.
func (s *Session) SendWarning(message string) error {
	return s.sendPriority(protocol.Error(message))
}

type inboundFrame struct {
	data []byte
	err  error
}

// Run processes the connection until the socket closes, the session is
// canceled, or the writer fails. The close path (registry removal, engine
// disconnect) runs exactly once no matter how Run exits.
func (s *Session) Run() error {
	if s.cfg.MaxMessageBytes > 0 {
		s.conn.SetReadLimit(s.cfg.MaxMessageBytes)
	}
	if s.cfg.ReadTimeout > 0 {
		_ = s.conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		s.conn.SetPongHandler(func(string) error {
			return s.conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		})
	}

	readCh := make(chan inboundFrame, 64)
	writerErrCh := make(chan error, 1)

	go s.readLoop(readCh)
	go s.runWriter(s.conn, writerErrCh)

	defer func() {
		s.close()
		wait := 100 * time.Millisecond
		if s.cfg.WriteTimeout > 0 && s.cfg.WriteTimeout < wait {
			wait = s.cfg.WriteTimeout
		}
		timer := time.NewTimer(wait)
		defer timer.Stop()
		select {
		case <-writerErrCh:
		case <-timer.C:
		}
	}()

	for {
		select {
		case <-s.ctx.Done():
			return nil
		case err := <-writerErrCh:
			if err != nil {
				return fmt.Errorf("outbound writer: %w", err)
			}
			return nil
		case frame, ok := <-readCh:
			if !ok || frame.err != nil {
				return nil
			}
			s.handleClientFrame(frame.data)
		case ev, ok := <-s.engineEvents:
			if !ok {
				s.handleEngineClosed()
				continue
			}
			s.handleEngineEvent(ev)
		}
	}
}

// runWriter drives the outbound writer and cancels the session when it
// exits. The cancel keeps send from blocking on a full queue after the
// socket write path is gone.
func (s *Session) runWriter(ws wsWriter, errCh chan<- error) {
	w := outboundWriter{
		ws:       ws,
		ctx:      s.ctx,
		cfg:      s.cfg,
		priority: s.outboundPriority,
		normal:   s.outboundNormal,
	}
	err := w.Run()
	s.cancel()
	errCh <- err
	close(errCh)
}

func (s *Session) readLoop(out chan<- inboundFrame) {
	defer close(out)
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			select {
			case out <- inboundFrame{err: err}:
			case <-s.ctx.Done():
			}
			return
		}
		select {
		case out <- inboundFrame{data: data}:
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *Session) handleClientFrame(data []byte) {
	decoded, err := protocol.DecodeClientMessage(data)
	if err != nil {
		s.recordError("protocol")
		_ = s.send(protocol.Error(err.Error()))
		return
	}

	switch msg := decoded.(type) {
	case protocol.ClientAuth:
		s.handleAuth(msg)
	case protocol.ClientTextMessage:
		s.handleTextMessage(msg)
	case protocol.ClientAudioChunk:
		s.handleAudioChunk(msg)
	case protocol.ClientCreateResponse:
		s.handleCreateResponse()
	case protocol.ClientMute:
		s.handleMute(msg)
	}
}

// handleAuth drives Unauthenticated -> Authenticating -> Connected. A
// failed token check returns the session to Unauthenticated so the client
// may retry; a failed engine connect is terminal for the session (the
// socket stays open but nothing further can progress).
func (s *Session) handleAuth(msg protocol.ClientAuth) {
	if s.state != StateUnauthenticated {
		s.recordError("protocol")
		if s.state == StateErrored {
			_ = s.send(protocol.Error(msgSessionFailed))
			return
		}
		_ = s.send(protocol.Error(msgAlreadyAuthed))
		return
	}
	s.state = StateAuthenticating

	userID, err := s.verifier.VerifyToken(msg.Token)
	if err != nil {
		s.recordError("auth")
		s.state = StateUnauthenticated
		_ = s.sendPriority(protocol.Error(msgInvalidToken))
		return
	}

	snap, err := s.fetchSnapshot()
	if err != nil {
		s.logger.Warn("task snapshot failed during auth", "session_id", s.sessionID, "error", err)
		s.recordError("context")
		s.state = StateUnauthenticated
		_ = s.sendPriority(protocol.Error(msgContextFailed))
		return
	}

	dialCtx, dialCancel := context.WithTimeout(s.ctx, s.cfg.ConnectTimeout)
	defer dialCancel()
	conn, err := s.dialer.Dial(dialCtx, engine.SessionConfig{
		Model:        s.model,
		Instructions: tasks.Instructions(snap),
		Voice:        s.voice,
	})
	if err != nil {
		s.logger.Warn("engine connect failed", "session_id", s.sessionID, "error", err)
		s.recordError("upstream_connect")
		s.state = StateErrored
		_ = s.sendPriority(protocol.Error(msgConnectFailed))
		return
	}

	s.engineConn = conn
	s.engineEvents = conn.Events()
	s.userID = userID
	if s.registry != nil {
		s.unregister = s.registry.Register(userID, sessions.Handle{
			Cancel: s.Cancel,
			Warn:   s.SendWarning,
		})
	}
	s.state = StateConnected
	s.logger.Info("realtime session connected", "session_id", s.sessionID, "user_id", userID)
	_ = s.send(protocol.AuthSuccess(s.cfg.Greeting))
}

func (s *Session) handleTextMessage(msg protocol.ClientTextMessage) {
	if !s.requireConnected() {
		return
	}
	if s.pendingResponse {
		s.recordError("protocol")
		_ = s.send(protocol.Error(msgTurnInFlight))
		return
	}

	s.beginTurn()
	snap, err := s.fetchSnapshot()
	if err != nil {
		s.abortTurn("context", msgSendFailed, err)
		return
	}
	if err := s.engineConn.SendText(tasks.TurnContext(snap, msg.Text)); err != nil {
		s.abortTurn("upstream", msgSendFailed, err)
		return
	}
	if err := s.engineConn.RequestResponse(); err != nil {
		s.abortTurn("upstream", msgSendFailed, err)
		return
	}
	if s.metrics != nil {
		s.metrics.RecordTurn("text")
	}
}

func (s *Session) handleAudioChunk(msg protocol.ClientAudioChunk) {
	if !s.requireConnected() {
		return
	}

	raw, err := base64.StdEncoding.DecodeString(msg.Audio)
	if err != nil {
		s.recordError("audio_decode")
		_ = s.send(protocol.Error(msgInvalidAudio))
		return
	}
	if err := s.engineConn.AppendAudio(raw); err != nil {
		s.recordError("upstream")
		_ = s.send(protocol.Error(msgAudioFailed))
		return
	}
	if s.metrics != nil {
		s.metrics.RecordAudio("in", len(raw))
	}
}

func (s *Session) handleCreateResponse() {
	if !s.requireConnected() {
		return
	}
	if s.pendingResponse {
		s.recordError("protocol")
		_ = s.send(protocol.Error(msgTurnInFlight))
		return
	}

	if err := s.engineConn.CommitAudio(); err != nil {
		s.recordError("upstream")
		_ = s.send(protocol.Error(msgAudioFailed))
		return
	}

	// The upstream buffer commit is acknowledged asynchronously; a short
	// bounded wait is the accepted middle ground before asking for a
	// response.
	graceTimer := time.NewTimer(s.cfg.CommitGrace)
	defer graceTimer.Stop()
	select {
	case <-graceTimer.C:
	case <-s.ctx.Done():
		return
	}

	s.beginTurn()
	snap, err := s.fetchSnapshot()
	if err != nil {
		s.abortTurn("context", msgAudioFailed, err)
		return
	}
	if err := s.engineConn.SendText(tasks.AudioTurnContext(snap)); err != nil {
		s.abortTurn("upstream", msgAudioFailed, err)
		return
	}
	if err := s.engineConn.RequestResponse(); err != nil {
		s.abortTurn("upstream", msgAudioFailed, err)
		return
	}
	if s.metrics != nil {
		s.metrics.RecordTurn("audio")
	}
}

func (s *Session) handleMute(msg protocol.ClientMute) {
	if !s.requireConnected() {
		return
	}
	s.muted = msg.Muted
}

func (s *Session) requireConnected() bool {
	if s.state == StateConnected {
		return true
	}
	s.recordError("protocol")
	_ = s.send(protocol.Error(msgNotConnected))
	return false
}

// beginTurn resets the turn-scoped buffers and marks a turn in flight.
func (s *Session) beginTurn() {
	s.assistantText = ""
	s.audioQueue = nil
	s.pendingResponse = true
}

func (s *Session) abortTurn(kind, clientMsg string, err error) {
	s.logger.Warn("turn aborted", "session_id", s.sessionID, "user_id", s.userID, "error", err)
	s.recordError(kind)
	s.pendingResponse = false
	_ = s.send(protocol.Error(clientMsg))
}

func (s *Session) fetchSnapshot() (tasks.Snapshot, error) {
	ctx, cancel := context.WithTimeout(s.ctx, s.cfg.SnapshotTimeout)
	defer cancel()
	return s.snapshots.Snapshot(ctx, s.userID)
}

// handleEngineEvent translates one upstream event into client frames,
// preserving arrival order.
func (s *Session) handleEngineEvent(ev engine.Event) {
	switch ev.Type {
	case engine.EventUserTranscript:
		_ = s.send(protocol.UserTranscript(ev.Text))
	case engine.EventAssistantTextDelta:
		s.assistantText += ev.Text
		_ = s.send(protocol.AudioTranscriptDelta(ev.Text))
	case engine.EventAssistantAudioDelta:
		s.audioQueue = append(s.audioQueue, ev.Audio)
		if s.metrics != nil {
			s.metrics.RecordAudio("out", len(ev.Audio))
		}
		if !s.muted {
			_ = s.send(protocol.AudioDelta(base64.StdEncoding.EncodeToString(ev.Audio)))
		}
	case engine.EventAudioDone:
		_ = s.send(protocol.AudioDone())
	case engine.EventResponseDone:
		if s.assistantText != "" {
			_ = s.send(protocol.ResponseComplete(s.assistantText))
		}
		_ = s.send(protocol.ResponseDone())
		s.pendingResponse = false
		s.assistantText = ""
		s.audioQueue = nil
	case engine.EventSpeechStarted:
		_ = s.send(protocol.SpeechStarted())
	case engine.EventSpeechStopped:
		_ = s.send(protocol.SpeechStopped())
	case engine.EventError:
		message := "AI service error"
		if ev.Err != nil {
			message = ev.Err.Error()
		}
		s.recordError("upstream")
		s.pendingResponse = false
		_ = s.sendPriority(protocol.Error(message))
		if ev.Fatal {
			s.teardownEngine()
			s.state = StateErrored
		}
	}
}

// handleEngineClosed reacts to the upstream event channel closing without a
// fatal error event: the engine connection is gone.
func (s *Session) handleEngineClosed() {
	s.engineEvents = nil
	if s.state != StateConnected {
		return
	}
	s.recordError("upstream")
	s.pendingResponse = false
	_ = s.sendPriority(protocol.Error(msgUpstreamClosed))
	s.teardownEngine()
	s.state = StateErrored
}

// close runs the teardown path exactly once: cancel the context, remove
// the registry entry, disconnect the engine with a bounded wait.
func (s *Session) close() {
	s.closeOnce.Do(func() {
		s.cancel()
		if s.unregister != nil {
			s.unregister()
		}
		s.teardownEngine()
		if s.state != StateErrored {
			s.state = StateClosed
		}
		s.logger.Info("realtime session closed", "session_id", s.sessionID, "user_id", s.userID)
	})
}

// teardownEngine disconnects the upstream connection without letting a hung
// upstream wedge the close path.
func (s *Session) teardownEngine() {
	conn := s.engineConn
	if conn == nil {
		return
	}
	s.engineConn = nil

	done := make(chan error, 1)
	go func() { done <- conn.Close() }()

	timer := time.NewTimer(s.cfg.DisconnectTimeout)
	defer timer.Stop()
	select {
	case err := <-done:
		if err != nil {
			s.logger.Warn("engine disconnect failed", "session_id", s.sessionID, "error", err)
		}
	case <-timer.C:
		s.logger.Warn("engine disconnect timed out", "session_id", s.sessionID)
	}
}

var errSessionClosed = errors.New("session closed")

func (s *Session) send(frame protocol.ServerFrame) error {
	payload, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}
	select {
	case s.outboundNormal <- payload:
		return nil
	case <-s.ctx.Done():
		return errSessionClosed
	}
}

func (s *Session) sendPriority(frame protocol.ServerFrame) error {
	payload, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}
	select {
	case s.outboundPriority <- payload:
		return nil
	default:
	}
	select {
	case s.outboundNormal <- payload:
		return nil
	case <-s.ctx.Done():
		return errSessionClosed
	}
}

func (s *Session) recordError(kind string) {
	if s.metrics != nil {
		s.metrics.RecordError(kind)
	}
}
