package protocol

import (
	"encoding/json"
	"fmt"
)

// FrameType identifies an inbound control frame.
type FrameType string

const (
	FrameSubscribe   FrameType = "subscribe"
	FrameUnsubscribe FrameType = "unsubscribe"
	FrameHeartbeat   FrameType = "heartbeat"
)

// ControlFrame is sent by clients to manage their subscriptions and liveness.
type ControlFrame struct {
	Type    FrameType `json:"type"`
	Channel Channel   `json:"channel,omitempty"`
}

// ParseControlFrame decodes and validates one inbound frame.
// Every failure wraps ErrMalformedFrame.
func ParseControlFrame(raw []byte) (ControlFrame, error) {
	var f ControlFrame
	if err := json.Unmarshal(raw, &f); err != nil {
		return ControlFrame{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}

	switch f.Type {
	case FrameHeartbeat:
		return ControlFrame{Type: FrameHeartbeat}, nil
	case FrameSubscribe, FrameUnsubscribe:
		if f.Channel == "" {
			return ControlFrame{}, fmt.Errorf("%w: %s requires a channel", ErrMalformedFrame, f.Type)
		}
		if !f.Channel.Subscribable() {
			return ControlFrame{}, fmt.Errorf("%w: cannot %s channel %q", ErrMalformedFrame, f.Type, f.Channel)
		}
		return f, nil
	case "":
		return ControlFrame{}, fmt.Errorf("%w: missing type", ErrMalformedFrame)
	default:
		return ControlFrame{}, fmt.Errorf("%w: unknown type %q", ErrMalformedFrame, f.Type)
	}
}
