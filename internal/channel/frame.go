package channel

import (
	"encoding/json"
	"fmt"
)

type FrameType string

const (
	FrameWrite  FrameType = "write"
	FrameChange FrameType = "change"
	FrameError  FrameType = "error"
)

// Frame is the wire unit exchanged with broker and relay backed transports.
type Frame struct {
	Type     FrameType `json:"type"`
	Key      string    `json:"key,omitempty"`
	Value    string    `json:"value,omitempty"`
	OldValue string    `json:"old,omitempty"`
	Origin   string    `json:"origin,omitempty"`
	Error    string    `json:"error,omitempty"`
}

func (f Frame) Change() Change {
	return Change{
		Key:      f.Key,
		OldValue: f.OldValue,
		NewValue: f.Value,
		Origin:   f.Origin,
	}
}

func ChangeFrame(c Change) Frame {
	return Frame{
		Type:     FrameChange,
		Key:      c.Key,
		Value:    c.NewValue,
		OldValue: c.OldValue,
		Origin:   c.Origin,
	}
}

func ParseFrame(data []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Frame{}, fmt.Errorf("parse frame: %w", err)
	}

	switch f.Type {
	case FrameWrite, FrameChange:
		if f.Key == "" {
			return Frame{}, fmt.Errorf("parse frame: %s frame without key", f.Type)
		}
	case FrameError:
	default:
		return Frame{}, fmt.Errorf("parse frame: unknown type %q", f.Type)
	}

	return f, nil
}
