package envelope

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/danmuck/framehub/internal/protocol"
)

var _ Binding = (*Raw)(nil)

// Raw is a Binding with a fixed name whose payload is any JSON document. It
// suits tools that route frames without knowing their payload types.
type Raw struct {
	name      string
	mu        sync.RWMutex
	message   json.RawMessage
	sender    any
	onReceive func(json.RawMessage)
}

func NewRaw(name string, onReceive func(json.RawMessage)) (*Raw, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: raw envelope needs a name", protocol.ErrNilMessage)
	}
	return &Raw{name: name, message: json.RawMessage("{}"), onReceive: onReceive}, nil
}

func (r *Raw) Name() string {
	return r.name
}

func (r *Raw) Message() any {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.message
}

func (r *Raw) Sender() any {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sender
}

func (r *Raw) SetSender(v any) {
	if isNil(v) {
		v = nil
	}
	r.mu.Lock()
	r.sender = v
	r.mu.Unlock()
}

func (r *Raw) SerializeForSend() (string, error) {
	sender := r.Sender()
	if sender == nil {
		return "", fmt.Errorf("%w: %s", protocol.ErrNoSenderAttached, r.name)
	}
	return marshal(sender)
}

func (r *Raw) SerializeMessage() (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return string(r.message), nil
}

func (r *Raw) ApplyIncoming(raw []byte) error {
	if isNullJSON(raw) {
		return fmt.Errorf("%w: %s: null payload", protocol.ErrDeserialize, r.name)
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return fmt.Errorf("%w: %s: %v", protocol.ErrDeserialize, r.name, err)
	}
	next := json.RawMessage(buf.Bytes())

	r.mu.Lock()
	r.message = next
	cb := r.onReceive
	r.mu.Unlock()

	if cb != nil {
		cb(next)
	}
	return nil
}
