package handshake

import (
	"errors"
	"fmt"
)

// Kind classifies a ProtocolError.
type Kind int

const (
	KindMalformed Kind = iota + 1
	KindBadTag
	KindReplay
	KindUnsupportedVersion
)

func (k Kind) String() string {
	switch k {
	case KindMalformed:
		return "malformed"
	case KindBadTag:
		return "bad tag"
	case KindReplay:
		return "replay"
	case KindUnsupportedVersion:
		return "unsupported version"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// ProtocolError is returned for every rejected handshake packet. It is always
// recoverable: the peer may simply start a new handshake.
type ProtocolError struct {
	Kind   Kind
	Reason string
}

func (e *ProtocolError) Error() string {
	if e.Reason == "" {
		return "handshake: " + e.Kind.String()
	}
	return "handshake: " + e.Kind.String() + ": " + e.Reason
}

// Is matches any ProtocolError of the same kind, so errors.Is(err, ErrReplay)
// works regardless of the reason text.
func (e *ProtocolError) Is(target error) bool {
	var t *ProtocolError
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

// Sentinels for errors.Is.
var (
	ErrMalformed          = &ProtocolError{Kind: KindMalformed}
	ErrBadTag             = &ProtocolError{Kind: KindBadTag}
	ErrReplay             = &ProtocolError{Kind: KindReplay}
	ErrUnsupportedVersion = &ProtocolError{Kind: KindUnsupportedVersion}
)

// ErrInvalidPeer is returned by Initiate for unusable peer keys.
var ErrInvalidPeer = errors.New("handshake: invalid peer key")

func protoErr(kind Kind, format string, args ...any) *ProtocolError {
	return &ProtocolError{Kind: kind, Reason: fmt.Sprintf(format, args...)}
}

// KindOf extracts the kind of a ProtocolError, or 0.
func KindOf(err error) Kind {
	var pe *ProtocolError
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return 0
}
