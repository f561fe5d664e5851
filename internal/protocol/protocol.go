// Package protocol defines the JSON envelopes exchanged over the
// /ws/live-listener connection and decodes inbound frames into typed
// messages.
//
// Client frames are JSON objects discriminated by "type" (start, stop, audio,
// caption_config) or raw binary PCM, which is treated as system audio. Server
// frames are JSON objects built with the constructors in this package.
package protocol

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/MrWong99/echopanel/pkg/audio"
)

// ErrValidation marks a malformed or out-of-contract client message. The
// connection stays open after a validation error.
var ErrValidation = errors.New("protocol: validation error")

// CloseUnauthorized is the close code sent after a failed token check.
const CloseUnauthorized = 4001

// Inbound message types.
const (
	TypeStart         = "start"
	TypeStop          = "stop"
	TypeAudio         = "audio"
	TypeCaptionConfig = "caption_config"
)

// Outbound message types.
const (
	TypeStatus         = "status"
	TypeASRPartial     = "asr_partial"
	TypeASRFinal       = "asr_final"
	TypeEntitiesUpdate = "entities_update"
	TypeCardsUpdate    = "cards_update"
	TypeMetrics        = "metrics"
	TypeFinalSummary   = "final_summary"
	TypeCaption        = "caption"
	TypeCaptionStatus  = "caption_status"
)

// Status states.
const (
	StateConnected    = "connected"
	StateStreaming    = "streaming"
	StateBackpressure = "backpressure"
	StateError        = "error"
)

// Inbound is implemented by every decoded client message.
type Inbound interface {
	inbound()
}

// Start opens a session.
type Start struct {
	SessionID  string `json:"session_id"`
	AttemptID  string `json:"attempt_id,omitempty"`
	SampleRate int    `json:"sample_rate,omitempty"`
	Format     string `json:"format,omitempty"`
	Channels   int    `json:"channels,omitempty"`
}

// Stop ends the session and triggers finalisation.
type Stop struct {
	SessionID string `json:"session_id,omitempty"`
}

// Audio is one PCM chunk. Data holds the decoded bytes.
type Audio struct {
	Source audio.Source
	Data   []byte
}

// CaptionConfig configures the caption collaborator.
type CaptionConfig struct {
	Enable     bool   `json:"enable"`
	Format     string `json:"format,omitempty"`
	FileOutput string `json:"file_output,omitempty"`
	UDPHost    string `json:"udp_host,omitempty"`
	UDPPort    int    `json:"udp_port,omitempty"`
}

func (*Start) inbound()         {}
func (*Stop) inbound()          {}
func (*Audio) inbound()         {}
func (*CaptionConfig) inbound() {}

// Validate rejects any audio format other than 16 kHz mono pcm_s16le. Zero
// values mean the default.
func (s *Start) Validate() error {
	var errs []error
	if s.SampleRate != 0 && s.SampleRate != audio.SampleRate {
		errs = append(errs, fmt.Errorf("unsupported sample_rate %d, want %d", s.SampleRate, audio.SampleRate))
	}
	if s.Format != "" && s.Format != audio.Format {
		errs = append(errs, fmt.Errorf("unsupported format %q, want %q", s.Format, audio.Format))
	}
	if s.Channels != 0 && s.Channels != audio.Channels {
		errs = append(errs, fmt.Errorf("unsupported channels %d, want %d", s.Channels, audio.Channels))
	}
	if len(errs) > 0 {
		return validation(errors.Join(errs...))
	}
	return nil
}

// Caption formats.
const (
	CaptionSRT = "srt"
	CaptionVTT = "vtt"
)

// Validate checks the caption format and UDP target.
func (c *CaptionConfig) Validate() error {
	if !c.Enable {
		return nil
	}
	switch c.Format {
	case "":
		c.Format = CaptionSRT
	case CaptionSRT, CaptionVTT:
	default:
		return validation(fmt.Errorf("unsupported caption format %q", c.Format))
	}
	if c.UDPHost != "" && (c.UDPPort <= 0 || c.UDPPort > 65535) {
		return validation(fmt.Errorf("invalid udp_port %d", c.UDPPort))
	}
	return nil
}

// envelope is the wire shape of every JSON client frame.
type envelope struct {
	Type   string `json:"type"`
	Source string `json:"source"`
	Data   string `json:"data"`
}

// Decode parses one JSON text frame.
func Decode(data []byte) (Inbound, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, validation(fmt.Errorf("invalid json: %w", err))
	}
	switch env.Type {
	case TypeStart:
		var m Start
		if err := unmarshal(data, &m); err != nil {
			return nil, err
		}
		return &m, nil
	case TypeStop:
		var m Stop
		if err := unmarshal(data, &m); err != nil {
			return nil, err
		}
		return &m, nil
	case TypeCaptionConfig:
		var m CaptionConfig
		if err := unmarshal(data, &m); err != nil {
			return nil, err
		}
		return &m, nil
	case TypeAudio:
		src, err := audio.ParseSource(env.Source)
		if err != nil {
			return nil, validation(err)
		}
		pcm, err := base64.StdEncoding.DecodeString(env.Data)
		if err != nil {
			return nil, validation(fmt.Errorf("audio data is not base64: %w", err))
		}
		a, err := checkAudio(&Audio{Source: src, Data: pcm})
		if err != nil {
			return nil, err
		}
		return a, nil
	case "":
		return nil, validation(errors.New("missing message type"))
	default:
		return nil, validation(fmt.Errorf("unknown message type %q", env.Type))
	}
}

// DecodeBinary wraps a raw binary frame as system audio.
func DecodeBinary(data []byte) (*Audio, error) {
	return checkAudio(&Audio{Source: audio.SourceSystem, Data: data})
}

func checkAudio(a *Audio) (*Audio, error) {
	if len(a.Data) == 0 {
		return nil, validation(errors.New("empty audio frame"))
	}
	if len(a.Data)%audio.BytesPerSample != 0 {
		return nil, validation(fmt.Errorf("audio frame of %d bytes is not whole pcm_s16le samples", len(a.Data)))
	}
	return a, nil
}

// unmarshal decodes a typed message. Field type mismatches are validation
// errors; unknown fields are ignored so clients can add metadata.
func unmarshal(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return validation(err)
	}
	return nil
}

func validation(err error) error {
	return fmt.Errorf("%w: %w", ErrValidation, err)
}
