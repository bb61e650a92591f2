package call

import (
	"encoding/json"
	"fmt"
)

// MessageType identifies a client-to-server message on the phone stream.
type MessageType string

const (
	MsgSessionStart     MessageType = "session_start"
	MsgAudioData        MessageType = "audio_data"
	MsgUserStopSpeaking MessageType = "user_stop_speaking"
	MsgInterrupt        MessageType = "interrupt"
	MsgPing             MessageType = "ping"
	MsgSessionEnd       MessageType = "session_end"
)

// ClientMessage is the decoded form of one inbound JSON frame. Type is
// always set; the payload pointer matching Type is non-nil and the others
// are nil. Message types without a payload (user_stop_speaking, interrupt,
// session_end) carry only the Type.
type ClientMessage struct {
	Type MessageType

	SessionStart *SessionStartMessage
	AudioData    *AudioDataMessage
	Ping         *PingMessage
}

// SessionStartMessage opens a session.
type SessionStartMessage struct {
	Language    string `json:"language"`
	KidFriendly bool   `json:"kid_friendly"`
	ModelHint   string `json:"model_hint,omitempty"`

	// SampleRate is the rate of the client's mono PCM capture in Hz. Zero
	// means the client already sends at the pipeline's configured rate;
	// anything else is resampled server-side.
	SampleRate int `json:"sample_rate,omitempty"`
}

// AudioDataMessage carries one audio chunk. Chunk is base64 on the wire;
// encoding/json decodes it to raw bytes. IsSilence is the client's own VAD
// hint and is authoritative when present; a nil value means the client sent
// no hint and server-side VAD decides.
type AudioDataMessage struct {
	Chunk     []byte `json:"chunk"`
	IsSilence *bool  `json:"is_silence,omitempty"`
	Seq       int64  `json:"seq"`
}

// PingMessage is a client liveness probe. Ts is echoed back verbatim.
type PingMessage struct {
	Ts int64 `json:"ts"`
}

// ParseClientMessage decodes one inbound frame. Unknown or malformed
// messages return a [KindProtocol] error.
func ParseClientMessage(data []byte) (ClientMessage, error) {
	var envelope struct {
		Type MessageType `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return ClientMessage{}, Errorf(KindProtocol, "call: invalid message frame: %w", err)
	}

	msg := ClientMessage{Type: envelope.Type}
	var err error

	switch envelope.Type {
	case MsgSessionStart:
		msg.SessionStart = &SessionStartMessage{}
		err = json.Unmarshal(data, msg.SessionStart)
	case MsgAudioData:
		msg.AudioData = &AudioDataMessage{}
		err = json.Unmarshal(data, msg.AudioData)
	case MsgPing:
		msg.Ping = &PingMessage{}
		err = json.Unmarshal(data, msg.Ping)
	case MsgUserStopSpeaking, MsgInterrupt, MsgSessionEnd:
		// No payload.
	default:
		return ClientMessage{}, Errorf(KindProtocol, "call: unknown message type %q", envelope.Type)
	}

	if err != nil {
		return ClientMessage{}, Errorf(KindProtocol, "call: invalid %s payload: %w", envelope.Type, err)
	}
	return msg, nil
}

// EventType identifies a server-to-client event.
type EventType string

const (
	EvSessionStarted      EventType = "session_started"
	EvTranscription       EventType = "transcription"
	EvLLMResponseChunk    EventType = "llm_response_chunk"
	EvStreamingAudioChunk EventType = "streaming_audio_chunk"
	EvAIResponseComplete  EventType = "ai_response_complete"
	EvInterruptConfirmed  EventType = "interrupt_confirmed"
	EvError               EventType = "error"
	EvPong                EventType = "pong"
	EvSessionEnded        EventType = "session_ended"
)

// Event is one outbound frame. The hub's writer assigns Seq just before
// serialisation so that event_seq is strictly increasing per session with no
// gaps, regardless of which component produced the event.
type Event struct {
	Type      EventType
	SessionID string
	Seq       uint64

	// Payload is the type-specific body, one of the *Event structs below.
	// Nil for events that carry no extra fields.
	Payload any
}

// MarshalJSON flattens the payload fields into the envelope, producing
// {"type": ..., "session_id": ..., "event_seq": ..., <payload fields>}.
func (e Event) MarshalJSON() ([]byte, error) {
	flat := map[string]any{
		"type":       e.Type,
		"session_id": e.SessionID,
		"event_seq":  e.Seq,
	}

	if e.Payload != nil {
		body, err := json.Marshal(e.Payload)
		if err != nil {
			return nil, fmt.Errorf("call: marshal %s payload: %w", e.Type, err)
		}
		var fields map[string]any
		if err := json.Unmarshal(body, &fields); err != nil {
			return nil, fmt.Errorf("call: %s payload is not an object: %w", e.Type, err)
		}
		for k, v := range fields {
			flat[k] = v
		}
	}

	return json.Marshal(flat)
}

// TranscriptionEvent reports STT output. Partial transcripts have IsFinal
// false; the final transcript is the text a turn is built from.
type TranscriptionEvent struct {
	Text    string `json:"text"`
	IsFinal bool   `json:"is_final"`
}

// LLMResponseChunkEvent streams one LLM text chunk.
type LLMResponseChunkEvent struct {
	Content string `json:"content"`
	IsFinal bool   `json:"is_final"`
}

// StreamingAudioChunkEvent streams one synthesized audio chunk. Audio is
// base64 on the wire.
type StreamingAudioChunkEvent struct {
	ChunkIndex int    `json:"chunk_index"`
	Audio      []byte `json:"audio"`
	IsFinal    bool   `json:"is_final"`
}

// AIResponseCompleteEvent closes a turn from the client's perspective.
type AIResponseCompleteEvent struct {
	TurnID        string        `json:"turn_id"`
	Text          string        `json:"text"`
	Interrupted   bool          `json:"interrupted"`
	InterruptKind InterruptKind `json:"interrupt_kind,omitempty"`
	Timings       Timings       `json:"timings"`

	// AudioUnavailable is set when TTS failed and the reply degraded to
	// text only.
	AudioUnavailable bool `json:"audio_unavailable,omitempty"`
}

// InterruptConfirmedEvent acknowledges an interrupt.
type InterruptConfirmedEvent struct {
	Kind InterruptKind `json:"kind"`
}

// ErrorEvent surfaces a classified error to the client.
type ErrorEvent struct {
	Kind        ErrorKind `json:"kind"`
	Message     string    `json:"message"`
	Recoverable bool      `json:"recoverable"`
}

// PongEvent answers a ping.
type PongEvent struct {
	Ts int64 `json:"ts"`
}

// SessionEndedEvent is the last event on a session.
type SessionEndedEvent struct {
	Reason string `json:"reason"`
}
