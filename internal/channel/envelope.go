package channel

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Reserved control event names.
const (
	EventSYN = "_socket:SYN"
	EventACK = "_socket:ACK"
	EventRST = "_socket:RST"
	EventFIN = "_socket:FIN"
)

var ErrInvalidEnvelope = errors.New("channel: invalid envelope")

// Envelope is the only unit exchanged between peers.
type Envelope struct {
	EventName string `json:"eventName"`
	EventData string `json:"eventData"`
	SentAt    int64  `json:"sentAt"`
}

func (e Envelope) Validate() error {
	if strings.TrimSpace(e.EventName) == "" {
		return fmt.Errorf("%w: missing eventName", ErrInvalidEnvelope)
	}
	return nil
}

// DecodeEnvelope parses one raw frame. Frames that are not JSON objects
// with an eventName fail with ErrInvalidEnvelope.
func DecodeEnvelope(raw string) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}
	if err := env.Validate(); err != nil {
		return Envelope{}, err
	}
	return env, nil
}

func encodeEnvelope(env Envelope) (string, error) {
	if err := env.Validate(); err != nil {
		return "", err
	}
	b, err := json.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("channel: marshal envelope: %w", err)
	}
	return string(b), nil
}

type synPayload struct {
	Version string `json:"version"`
}

type finPayload struct {
	API    bool `json:"api"`
	Unload bool `json:"unload"`
}
