// Package openairt implements the engine capability against the OpenAI
// Realtime API over WebSocket.
package openairt

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/kai-todo/kai-relay/pkg/core/engine"
)

const (
	defaultBaseWSURL = "wss://api.openai.com/v1/realtime"
	defaultModel     = "gpt-4o-realtime-preview"

	eventQueueSize = 100
)

// Dialer opens Realtime API sessions. It implements engine.Dialer.
type Dialer struct {
	APIKey string
	// BaseWSURL overrides the Realtime endpoint, used by tests.
	BaseWSURL string
	// HandshakeTimeout bounds the WebSocket dial. Zero means 10s.
	HandshakeTimeout time.Duration
	// SettleDelay is how long to wait after connecting before configuring
	// the session. The upstream endpoint has been seen to drop a
	// session.update that arrives in the first moments after the
	// handshake. Zero means 500ms; negative disables the wait.
	SettleDelay time.Duration
}

func (d Dialer) Dial(ctx context.Context, cfg engine.SessionConfig) (engine.Conn, error) {
	model := cfg.Model
	if model == "" {
		model = defaultModel
	}

	base := d.BaseWSURL
	if base == "" {
		base = defaultBaseWSURL
	}
	u, err := url.Parse(base)
	if err != nil {
		return nil, fmt.Errorf("parse realtime URL: %w", err)
	}
	q := u.Query()
	q.Set("model", model)
	u.RawQuery = q.Encode()

	headers := http.Header{}
	headers.Set("Authorization", "Bearer "+d.APIKey)
	headers.Set("OpenAI-Beta", "realtime=v1")

	handshake := d.HandshakeTimeout
	if handshake <= 0 {
		handshake = 10 * time.Second
	}
	dialer := websocket.Dialer{HandshakeTimeout: handshake}

	ws, resp, err := dialer.DialContext(ctx, u.String(), headers)
	if err != nil {
		if resp != nil {
			defer resp.Body.Close()
			body, _ := io.ReadAll(resp.Body)
			if len(body) > 0 {
				return nil, fmt.Errorf("realtime connect (status %d): %s", resp.StatusCode, string(body))
			}
			return nil, fmt.Errorf("realtime connect: status %d: %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("realtime connect: %w", err)
	}

	settle := d.SettleDelay
	if settle == 0 {
		settle = 500 * time.Millisecond
	}
	if settle > 0 {
		timer := time.NewTimer(settle)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			ws.Close()
			return nil, ctx.Err()
		}
	}

	connCtx, cancel := context.WithCancel(context.Background())
	c := &Conn{
		ws:     ws,
		events: make(chan engine.Event, eventQueueSize),
		ctx:    connCtx,
		cancel: cancel,
	}

	if err := c.updateSession(cfg); err != nil {
		cancel()
		ws.Close()
		return nil, fmt.Errorf("configure realtime session: %w", err)
	}

	go c.readLoop()

	return c, nil
}

// Conn is one WebSocket session against the Realtime API.
type Conn struct {
	ws      *websocket.Conn
	events  chan engine.Event
	closed  atomic.Bool
	writeMu sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
}

type sessionUpdateEvent struct {
	Type    string         `json:"type"`
	Session sessionPayload `json:"session"`
}

type sessionPayload struct {
	Modalities              []string             `json:"modalities"`
	Instructions            string               `json:"instructions"`
	Voice                   string               `json:"voice,omitempty"`
	InputAudioFormat        string               `json:"input_audio_format"`
	OutputAudioFormat       string               `json:"output_audio_format"`
	InputAudioTranscription *transcriptionConfig `json:"input_audio_transcription,omitempty"`
	TurnDetection           *turnDetection       `json:"turn_detection"`
	Temperature             float64              `json:"temperature,omitempty"`
}

type transcriptionConfig struct {
	Model string `json:"model"`
}

// turnDetection marshals to null so the upstream engine never opens a turn
// on its own; the gateway decides when a response is requested.
type turnDetection struct{}

func (turnDetection) MarshalJSON() ([]byte, error) { return []byte("null"), nil }

type conversationItemCreate struct {
	Type string           `json:"type"`
	Item conversationItem `json:"item"`
}

type conversationItem struct {
	Type    string        `json:"type"`
	Role    string        `json:"role"`
	Content []itemContent `json:"content"`
}

type itemContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type audioAppendEvent struct {
	Type  string `json:"type"`
	Audio string `json:"audio"`
}

type typeOnlyEvent struct {
	Type string `json:"type"`
}

func (c *Conn) updateSession(cfg engine.SessionConfig) error {
	voice := cfg.Voice
	if voice == "" {
		voice = "alloy"
	}
	temperature := cfg.Temperature
	if temperature == 0 {
		temperature = 0.7
	}
	return c.writeJSON(sessionUpdateEvent{
		Type: "session.update",
		Session: sessionPayload{
			Modalities:              []string{"text", "audio"},
			Instructions:            cfg.Instructions,
			Voice:                   voice,
			InputAudioFormat:        "pcm16",
			OutputAudioFormat:       "pcm16",
			InputAudioTranscription: &transcriptionConfig{Model: "whisper-1"},
			TurnDetection:           &turnDetection{},
			Temperature:             temperature,
		},
	})
}

func (c *Conn) SendText(text string) error {
	return c.writeJSON(conversationItemCreate{
		Type: "conversation.item.create",
		Item: conversationItem{
			Type:    "message",
			Role:    "user",
			Content: []itemContent{{Type: "input_text", Text: text}},
		},
	})
}

func (c *Conn) AppendAudio(data []byte) error {
	return c.writeJSON(audioAppendEvent{
		Type:  "input_audio_buffer.append",
		Audio: base64.StdEncoding.EncodeToString(data),
	})
}

func (c *Conn) CommitAudio() error {
	return c.writeJSON(typeOnlyEvent{Type: "input_audio_buffer.commit"})
}

func (c *Conn) RequestResponse() error {
	return c.writeJSON(typeOnlyEvent{Type: "response.create"})
}

func (c *Conn) Events() <-chan engine.Event { return c.events }

func (c *Conn) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	c.cancel()

	c.writeMu.Lock()
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	c.writeMu.Unlock()

	return c.ws.Close()
}

func (c *Conn) writeJSON(v any) error {
	if c.closed.Load() {
		return fmt.Errorf("realtime session closed")
	}
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode realtime event: %w", err)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteMessage(websocket.TextMessage, payload)
}

type serverEvent struct {
	Type       string `json:"type"`
	Delta      string `json:"delta"`
	Transcript string `json:"transcript"`
	Text       string `json:"text"`
	Error      *struct {
		Type    string `json:"type"`
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
	Response *struct {
		Status string `json:"status"`
	} `json:"response"`
}

func (c *Conn) readLoop() {
	defer close(c.events)

	for {
		select {
		case <-c.ctx.Done():
			return
		default:
		}

		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if c.closed.Load() {
				return
			}
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.emit(engine.Event{Type: engine.EventError, Err: fmt.Errorf("realtime read: %w", err), Fatal: true})
			}
			return
		}

		var msg serverEvent
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}

		switch msg.Type {
		case "conversation.item.input_audio_transcription.delta":
			if msg.Delta != "" {
				c.emit(engine.Event{Type: engine.EventUserTranscript, Text: msg.Delta})
			}
		case "conversation.item.input_audio_transcription.completed":
			if msg.Transcript != "" {
				c.emit(engine.Event{Type: engine.EventUserTranscript, Text: msg.Transcript})
			}
		case "response.text.delta", "response.audio_transcript.delta":
			if msg.Delta != "" {
				c.emit(engine.Event{Type: engine.EventAssistantTextDelta, Text: msg.Delta})
			}
		case "response.audio.delta":
			if msg.Delta == "" {
				continue
			}
			pcm, err := base64.StdEncoding.DecodeString(msg.Delta)
			if err != nil {
				c.emit(engine.Event{Type: engine.EventError, Err: fmt.Errorf("decode audio delta: %w", err)})
				continue
			}
			c.emit(engine.Event{Type: engine.EventAssistantAudioDelta, Audio: pcm})
		case "response.audio.done":
			c.emit(engine.Event{Type: engine.EventAudioDone})
		case "response.done":
			c.emit(engine.Event{Type: engine.EventResponseDone})
		case "input_audio_buffer.speech_started":
			c.emit(engine.Event{Type: engine.EventSpeechStarted})
		case "input_audio_buffer.speech_stopped":
			c.emit(engine.Event{Type: engine.EventSpeechStopped})
		case "error":
			message := "AI service error"
			if msg.Error != nil && msg.Error.Message != "" {
				message = msg.Error.Message
			}
			c.emit(engine.Event{Type: engine.EventError, Err: fmt.Errorf("%s", message)})
		}
	}
}

// emit delivers an event preserving arrival order; it drops nothing short of
// connection teardown, so a slow consumer applies backpressure here.
func (c *Conn) emit(ev engine.Event) {
	select {
	case c.events <- ev:
	case <-c.ctx.Done():
	}
}
