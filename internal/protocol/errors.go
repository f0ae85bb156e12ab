package protocol

import (
	"errors"
	"fmt"
)

var (
	ErrConnectTimeout    = errors.New("protocol: connect timeout")
	ErrConnectionRefused = errors.New("protocol: connection refused")
	ErrConnectionClosed  = errors.New("protocol: connection closed")
	ErrFraming           = errors.New("protocol: framing error")
	ErrFrameTooLarge     = fmt.Errorf("%w: frame too large", ErrFraming)
	ErrDeserialize       = errors.New("protocol: deserialize failed")
	ErrSerialize         = errors.New("protocol: serialize failed")
	ErrNoSenderAttached  = errors.New("protocol: no sender attached")
	ErrNotConnected      = errors.New("protocol: not connected")
	ErrAlreadyConnected  = errors.New("protocol: already connected")
	ErrUnknownName       = errors.New("protocol: name not registered")
	ErrAlreadyRegistered = errors.New("protocol: name already registered")
	ErrNilEnvelope       = errors.New("protocol: nil envelope")
	ErrNilMessage        = errors.New("protocol: nil message")
)

// IsSoft reports whether err is a registry miss or collision. These indicate a
// race between registration and traffic and are logged rather than escalated.
func IsSoft(err error) bool {
	return errors.Is(err, ErrUnknownName) || errors.Is(err, ErrAlreadyRegistered)
}
