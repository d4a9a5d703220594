// Package protocol classifies the few realtime control events the relay
// inspects. Everything else passes through the relay opaquely; classification
// never transforms payload bytes.
package protocol

import (
	"encoding/json"
	"strings"

	"github.com/gorilla/websocket"
)

// Event type discriminators recognized by the relay. All other types are
// forwarded without inspection.
const (
	TypeSessionUpdate  = "session.update"
	TypeResponseCancel = "response.cancel"
	TypeResponseStart  = "response.created"
	TypeResponseDone   = "response.done"
	TypeAudioDelta     = "response.audio.delta"
	TypeError          = "error"
)

type MarkerKind int

const (
	// Opaque covers binary audio frames, unrecognized control types, and
	// text frames that fail to decode as JSON.
	Opaque MarkerKind = iota
	ResponseStarted
	ResponseDone
	AudioDelta
	ResponseCancel
	UpstreamError
)

func (k MarkerKind) String() string {
	switch k {
	case ResponseStarted:
		return "response_started"
	case ResponseDone:
		return "response_done"
	case AudioDelta:
		return "audio_delta"
	case ResponseCancel:
		return "response_cancel"
	case UpstreamError:
		return "error"
	default:
		return "opaque"
	}
}

// Marker is the result of classifying one frame. ResponseID is empty when the
// event carries none (a bare cancel targets the currently active response).
type Marker struct {
	Kind       MarkerKind
	ResponseID string
	ErrMessage string
}

type controlEvent struct {
	Type       string `json:"type"`
	ResponseID string `json:"response_id"`
	Response   struct {
		ID string `json:"id"`
	} `json:"response"`
	Error struct {
		Message string `json:"message"`
	} `json:"error"`
}

// Classify inspects one websocket frame and reports the lifecycle marker it
// carries, if any. Malformed JSON degrades to Opaque rather than erroring:
// the relay forwards bytes it cannot parse.
func Classify(messageType int, data []byte) Marker {
	if messageType != websocket.TextMessage {
		return Marker{Kind: Opaque}
	}
	var ev controlEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return Marker{Kind: Opaque}
	}

	responseID := strings.TrimSpace(ev.ResponseID)
	if responseID == "" {
		responseID = strings.TrimSpace(ev.Response.ID)
	}

	switch strings.TrimSpace(ev.Type) {
	case TypeResponseStart:
		return Marker{Kind: ResponseStarted, ResponseID: responseID}
	case TypeResponseDone:
		return Marker{Kind: ResponseDone, ResponseID: responseID}
	case TypeAudioDelta:
		return Marker{Kind: AudioDelta, ResponseID: responseID}
	case TypeResponseCancel:
		return Marker{Kind: ResponseCancel, ResponseID: responseID}
	case TypeError:
		return Marker{Kind: UpstreamError, ErrMessage: strings.TrimSpace(ev.Error.Message)}
	default:
		return Marker{Kind: Opaque}
	}
}

// SessionConfig is the fixed configuration sent upstream once per session,
// before any audio is relayed.
type SessionConfig struct {
	Modalities        []string
	Voice             string
	InputAudioFormat  string
	OutputAudioFormat string
	SilenceDurationMS int
	PrefixPaddingMS   int
	VADThreshold      float64
}

func DefaultSessionConfig(voice string) SessionConfig {
	if strings.TrimSpace(voice) == "" {
		voice = "alloy"
	}
	return SessionConfig{
		Modalities:        []string{"text", "audio"},
		Voice:             voice,
		InputAudioFormat:  "pcm16",
		OutputAudioFormat: "pcm16",
		SilenceDurationMS: 500,
		PrefixPaddingMS:   300,
		VADThreshold:      0.5,
	}
}

type sessionUpdate struct {
	Type    string        `json:"type"`
	Session sessionParams `json:"session"`
}

type sessionParams struct {
	Modalities        []string      `json:"modalities"`
	Voice             string        `json:"voice"`
	InputAudioFormat  string        `json:"input_audio_format"`
	OutputAudioFormat string        `json:"output_audio_format"`
	TurnDetection     turnDetection `json:"turn_detection"`
}

type turnDetection struct {
	Type              string  `json:"type"`
	Threshold         float64 `json:"threshold"`
	PrefixPaddingMS   int     `json:"prefix_padding_ms"`
	SilenceDurationMS int     `json:"silence_duration_ms"`
}

// SessionUpdatePayload renders the session.update control message for one
// SessionConfig.
func SessionUpdatePayload(cfg SessionConfig) ([]byte, error) {
	return json.Marshal(sessionUpdate{
		Type: TypeSessionUpdate,
		Session: sessionParams{
			Modalities:        cfg.Modalities,
			Voice:             cfg.Voice,
			InputAudioFormat:  cfg.InputAudioFormat,
			OutputAudioFormat: cfg.OutputAudioFormat,
			TurnDetection: turnDetection{
				Type:              "server_vad",
				Threshold:         cfg.VADThreshold,
				PrefixPaddingMS:   cfg.PrefixPaddingMS,
				SilenceDurationMS: cfg.SilenceDurationMS,
			},
		},
	})
}

// ErrorPayload renders the error event the relay sends to a client when the
// session cannot continue (for example an upstream connect failure).
func ErrorPayload(code, message string) []byte {
	data, err := json.Marshal(map[string]any{
		"type": TypeError,
		"error": map[string]string{
			"code":    code,
			"message": message,
		},
	})
	if err != nil {
		return []byte(`{"type":"error"}`)
	}
	return data
}
