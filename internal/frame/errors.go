package frame

import (
	"errors"
	"fmt"
)

// ErrorKind tells why a candidate frame was dropped.
type ErrorKind int

const (
	// BadMarker means a start or end marker did not match where it was expected.
	BadMarker ErrorKind = iota
	// ShortFrame means the payload was shorter than the protocol requires.
	ShortFrame
	// DecodeFault means interpreting a well-framed payload failed.
	DecodeFault
)

func (k ErrorKind) String() string {
	switch k {
	case BadMarker:
		return "bad_marker"
	case ShortFrame:
		return "short_frame"
	case DecodeFault:
		return "decode_fault"
	default:
		return fmt.Sprintf("error_kind(%d)", int(k))
	}
}

// ErrFraming matches every *FramingError via errors.Is.
var ErrFraming = errors.New("framing error")

// FramingError describes one dropped candidate frame. It never ends a stream.
type FramingError struct {
	Channel ChannelID
	Kind    ErrorKind
	Offset  int
	Msg     string
}

func (e *FramingError) Error() string {
	if e == nil {
		return "<nil>"
	}
	return fmt.Sprintf("%s %s at offset %d: %s", e.Channel, e.Kind, e.Offset, e.Msg)
}

// Is lets errors.Is(err, ErrFraming) match any framing error.
func (e *FramingError) Is(target error) bool {
	return target == ErrFraming
}
