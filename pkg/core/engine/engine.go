// Package engine defines the capability boundary to the upstream realtime
// conversational engine. The gateway only ever talks to the engine through
// Dialer and Conn; the concrete wire protocol lives in subpackages.
package engine

import "context"

// SessionConfig is pushed to the engine right after connecting. Instructions
// carry the assistant persona and the user's current task context.
type SessionConfig struct {
	Model        string
	Instructions string
	Voice        string
	Temperature  float64
}

// EventType tags events emitted by an engine connection.
type EventType string

const (
	// EventUserTranscript carries a transcript of the user's audio input,
	// either an incremental delta or the completed utterance.
	EventUserTranscript EventType = "user_transcript"
	// EventAssistantTextDelta carries an incremental piece of the
	// assistant's text (or audio-transcript) output.
	EventAssistantTextDelta EventType = "assistant_text_delta"
	// EventAssistantAudioDelta carries a slice of raw PCM16 assistant audio.
	EventAssistantAudioDelta EventType = "assistant_audio_delta"
	// EventAudioDone marks the end of the assistant audio stream for a turn.
	EventAudioDone EventType = "audio_done"
	// EventResponseDone marks the end of a turn.
	EventResponseDone EventType = "response_done"
	// EventSpeechStarted and EventSpeechStopped report upstream voice
	// activity detection on the input audio buffer.
	EventSpeechStarted EventType = "speech_started"
	EventSpeechStopped EventType = "speech_stopped"
	// EventError reports an upstream failure. Fatal errors mean the
	// connection is no longer usable.
	EventError EventType = "error"
)

// Event is the tagged union delivered on Conn.Events. Exactly the fields
// relevant to the Type are populated.
type Event struct {
	Type EventType

	// Text holds transcript or text-delta payloads.
	Text string
	// Audio holds raw 16-bit signed little-endian PCM samples at 24 kHz.
	Audio []byte

	Err   error
	Fatal bool
}

// Conn is one live session against the upstream engine. All methods are safe
// for use from a single owner goroutine; implementations serialize their own
// socket writes. Events are delivered strictly in upstream emission order.
type Conn interface {
	// SendText appends a user text item to the conversation.
	SendText(text string) error
	// AppendAudio appends raw PCM16 bytes to the engine's input audio buffer.
	AppendAudio(data []byte) error
	// CommitAudio closes the input audio buffer so the engine treats it as a
	// complete utterance. The commit acknowledgment is asynchronous upstream.
	CommitAudio() error
	// RequestResponse asks the engine to generate a response for the
	// conversation as it stands.
	RequestResponse() error
	// Events returns the event stream. The channel is closed when the
	// connection ends.
	Events() <-chan Event
	// Close tears the connection down. Safe to call more than once.
	Close() error
}

// Dialer opens engine connections.
type Dialer interface {
	Dial(ctx context.Context, cfg SessionConfig) (Conn, error)
}
