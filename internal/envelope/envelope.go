package envelope

import (
	"bytes"
	"encoding/json"
	"fmt"
	"reflect"
	"sync"

	"github.com/danmuck/framehub/internal/protocol"
)

// Named is implemented by payload types that declare their own dispatch name,
// typically from a title/command field. An empty name falls back to the type
// name.
type Named interface {
	MessageName() string
}

// Binding is the type-erased view of an Envelope that a dispatcher stores.
type Binding interface {
	Name() string
	Message() any
	Sender() any
	SetSender(v any)
	SerializeForSend() (string, error)
	SerializeMessage() (string, error)
	ApplyIncoming(raw []byte) error
}

// Envelope binds one payload type to its current value, an optional staged
// sender value and an optional receive callback.
type Envelope[T any] struct {
	mu        sync.RWMutex
	message   T
	sender    any
	onReceive func(T)
}

func New[T any](message T, onReceive func(T)) (*Envelope[T], error) {
	if isNil(message) {
		return nil, fmt.Errorf("%w: %T", protocol.ErrNilMessage, message)
	}
	return &Envelope[T]{message: message, onReceive: onReceive}, nil
}

// Name is derived from the current payload on every call.
func (e *Envelope[T]) Name() string {
	e.mu.RLock()
	msg := e.message
	e.mu.RUnlock()
	return NameOf(msg)
}

func (e *Envelope[T]) Current() T {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.message
}

func (e *Envelope[T]) Message() any {
	return e.Current()
}

func (e *Envelope[T]) Sender() any {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.sender
}

// SetSender stages v for the next send. A nil v clears the staged value.
func (e *Envelope[T]) SetSender(v any) {
	if isNil(v) {
		v = nil
	}
	e.mu.Lock()
	e.sender = v
	e.mu.Unlock()
}

func (e *Envelope[T]) Stage(v T) {
	e.SetSender(v)
}

func (e *Envelope[T]) SerializeForSend() (string, error) {
	sender := e.Sender()
	if sender == nil {
		return "", fmt.Errorf("%w: %s", protocol.ErrNoSenderAttached, e.Name())
	}
	return marshal(sender)
}

func (e *Envelope[T]) SerializeMessage() (string, error) {
	return marshal(e.Current())
}

// ApplyIncoming decodes raw into a fresh T and swaps it in. The previous
// payload is untouched on failure and the callback only runs on success.
func (e *Envelope[T]) ApplyIncoming(raw []byte) error {
	if isNullJSON(raw) {
		return fmt.Errorf("%w: %s: null payload", protocol.ErrDeserialize, e.Name())
	}
	var next T
	if err := json.Unmarshal(raw, &next); err != nil {
		return fmt.Errorf("%w: %s: %v", protocol.ErrDeserialize, e.Name(), err)
	}
	if isNil(next) {
		return fmt.Errorf("%w: %s: null payload", protocol.ErrDeserialize, e.Name())
	}

	e.mu.Lock()
	e.message = next
	cb := e.onReceive
	e.mu.Unlock()

	if cb != nil {
		cb(next)
	}
	return nil
}

// NameOf returns v's declared dispatch name or its static type name.
func NameOf(v any) string {
	if named, ok := v.(Named); ok && !isNil(v) {
		if name := named.MessageName(); name != "" {
			return name
		}
	}
	t := reflect.TypeOf(v)
	if t == nil {
		return ""
	}
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	return t.Name()
}

func marshal(v any) (string, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return "", fmt.Errorf("%w: %T: %v", protocol.ErrSerialize, v, err)
	}
	return string(bytes.TrimSuffix(buf.Bytes(), []byte{'\n'})), nil
}

// isNullJSON reports a literal null body. json.Unmarshal treats it as a
// no-op, which would swap in a zero value.
func isNullJSON(raw []byte) bool {
	return bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}

func isNil(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Slice, reflect.Interface, reflect.Func, reflect.Chan:
		return rv.IsNil()
	}
	return false
}
