// Package protocol defines the JSON frames exchanged with the web client
// over the realtime WebSocket.
package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Client frame types.
const (
	TypeAuth           = "auth"
	TypeTextMessage    = "text_message"
	TypeAudioChunk     = "audio_chunk"
	TypeCreateResponse = "create_response"
	TypeMute           = "mute"
)

// Server frame types.
const (
	TypeAuthSuccess             = "auth_success"
	TypeError                   = "error"
	TypeUserTranscript          = "user_transcript"
	TypeSpeechStarted           = "speech_started"
	TypeSpeechStopped           = "speech_stopped"
	TypeAudioTranscriptDelta    = "response.audio_transcript.delta"
	TypeAudioDelta              = "response.audio.delta"
	TypeAudioDone               = "response.audio.done"
	TypeResponseComplete        = "response.complete"
	TypeResponseDone            = "response.done"
)

type DecodeError struct {
	Code    string
	Message string
	Param   string
}

func (e *DecodeError) Error() string {
	if e == nil {
		return ""
	}
	if strings.TrimSpace(e.Param) == "" {
		return e.Message
	}
	return fmt.Sprintf("%s (%s)", e.Message, e.Param)
}

func badRequest(message, param string) *DecodeError {
	return &DecodeError{Code: "bad_request", Message: message, Param: param}
}

type ClientAuth struct {
	Type  string `json:"type"`
	Token string `json:"token"`
}

type ClientTextMessage struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type ClientAudioChunk struct {
	Type string `json:"type"`
	// Audio is base64-encoded 16-bit signed little-endian PCM, mono, 24 kHz.
	Audio string `json:"audio"`
}

type ClientCreateResponse struct {
	Type string `json:"type"`
}

type ClientMute struct {
	Type  string `json:"type"`
	Muted bool   `json:"muted"`
}

// DecodeClientMessage parses one inbound frame into its typed form.
func DecodeClientMessage(data []byte) (any, error) {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, badRequest("invalid json frame", "")
	}
	typ := strings.TrimSpace(envelope.Type)
	if typ == "" {
		return nil, badRequest("missing type", "type")
	}

	switch typ {
	case TypeAuth:
		var msg ClientAuth
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid auth frame", "")
		}
		if strings.TrimSpace(msg.Token) == "" {
			return nil, badRequest("auth.token is required", "token")
		}
		return msg, nil
	case TypeTextMessage:
		var msg ClientTextMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid text_message frame", "")
		}
		if strings.TrimSpace(msg.Text) == "" {
			return nil, badRequest("text_message.text is required", "text")
		}
		return msg, nil
	case TypeAudioChunk:
		var msg ClientAudioChunk
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid audio_chunk frame", "")
		}
		if strings.TrimSpace(msg.Audio) == "" {
			return nil, badRequest("audio_chunk.audio is required", "audio")
		}
		return msg, nil
	case TypeCreateResponse:
		var msg ClientCreateResponse
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid create_response frame", "")
		}
		return msg, nil
	case TypeMute:
		var msg ClientMute
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid mute frame", "")
		}
		return msg, nil
	default:
		return nil, badRequest("unsupported message type", "type")
	}
}

// Every server frame is {type, data} with a fixed data shape per tag.

type ServerFrame struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

type AuthSuccessData struct {
	Message string `json:"message"`
}

type ErrorData struct {
	Message string `json:"message"`
}

type TranscriptData struct {
	Transcript string `json:"transcript"`
}

type DeltaData struct {
	Delta string `json:"delta"`
}

type CompleteData struct {
	Text string `json:"text"`
}

type EmptyData struct{}

func AuthSuccess(message string) ServerFrame {
	return ServerFrame{Type: TypeAuthSuccess, Data: AuthSuccessData{Message: message}}
}

func Error(message string) ServerFrame {
	return ServerFrame{Type: TypeError, Data: ErrorData{Message: message}}
}

func UserTranscript(transcript string) ServerFrame {
	return ServerFrame{Type: TypeUserTranscript, Data: TranscriptData{Transcript: transcript}}
}

func SpeechStarted() ServerFrame {
	return ServerFrame{Type: TypeSpeechStarted, Data: EmptyData{}}
}

func SpeechStopped() ServerFrame {
	return ServerFrame{Type: TypeSpeechStopped, Data: EmptyData{}}
}

func AudioTranscriptDelta(delta string) ServerFrame {
	return ServerFrame{Type: TypeAudioTranscriptDelta, Data: DeltaData{Delta: delta}}
}

// AudioDelta carries base64-encoded PCM16 samples.
func AudioDelta(deltaB64 string) ServerFrame {
	return ServerFrame{Type: TypeAudioDelta, Data: DeltaData{Delta: deltaB64}}
}

func AudioDone() ServerFrame {
	return ServerFrame{Type: TypeAudioDone, Data: EmptyData{}}
}

func ResponseComplete(text string) ServerFrame {
	return ServerFrame{Type: TypeResponseComplete, Data: CompleteData{Text: text}}
}

func ResponseDone() ServerFrame {
	return ServerFrame{Type: TypeResponseDone, Data: EmptyData{}}
}
