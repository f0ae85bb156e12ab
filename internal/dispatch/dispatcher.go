package dispatch

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/danmuck/framehub/internal/envelope"
	"github.com/danmuck/framehub/internal/logging"
	"github.com/danmuck/framehub/internal/observability"
	"github.com/danmuck/framehub/internal/protocol"
	"github.com/rs/zerolog"
)

// Dispatcher stores envelope bindings by name and routes inbound payloads to
// them. It is safe for concurrent use.
type Dispatcher struct {
	mu    sync.RWMutex
	items map[string]envelope.Binding
	log   zerolog.Logger
}

type Option func(*Dispatcher)

func WithLogger(l zerolog.Logger) Option {
	return func(d *Dispatcher) {
		d.log = l
	}
}

func New(opts ...Option) *Dispatcher {
	d := &Dispatcher{
		items: make(map[string]envelope.Binding),
		log:   logging.Component("dispatch"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(d)
		}
	}
	return d
}

// Register adds b under its current name. That name stays the key even if a
// later payload changes b.Name(); unregister by the key Names reports. A
// collision keeps the existing binding and reports ErrAlreadyRegistered.
func (d *Dispatcher) Register(b envelope.Binding) error {
	if b == nil {
		return protocol.ErrNilEnvelope
	}
	name := b.Name()

	d.mu.Lock()
	_, exists := d.items[name]
	if !exists {
		d.items[name] = b
	}
	d.mu.Unlock()

	if exists {
		observability.RecordRegistryEvent(observability.RegistryDuplicate)
		d.log.Warn().Str("name", name).Msg("envelope already registered")
		return fmt.Errorf("%w: %s", protocol.ErrAlreadyRegistered, name)
	}
	d.log.Debug().Str("name", name).Msg("envelope registered")
	return nil
}

func (d *Dispatcher) Unregister(name string) error {
	d.mu.Lock()
	_, ok := d.items[name]
	delete(d.items, name)
	d.mu.Unlock()

	if !ok {
		return d.unknown("unregister", name)
	}
	d.log.Debug().Str("name", name).Msg("envelope unregistered")
	return nil
}

func (d *Dispatcher) Clear() {
	d.mu.Lock()
	n := len(d.items)
	d.items = make(map[string]envelope.Binding)
	d.mu.Unlock()
	d.log.Debug().Int("removed", n).Msg("dispatcher cleared")
}

func (d *Dispatcher) SetSender(name string, v any) error {
	b, ok := d.Lookup(name)
	if !ok {
		return d.unknown("set_sender", name)
	}
	b.SetSender(v)
	return nil
}

// Send returns the serialized staged sender for name.
func (d *Dispatcher) Send(name string) (string, error) {
	b, ok := d.Lookup(name)
	if !ok {
		return "", d.unknown("send", name)
	}
	payload, err := b.SerializeForSend()
	if err != nil {
		observability.RecordRegistryEvent(observability.RegistrySendFailed)
		d.log.Warn().Str("name", name).Err(err).Msg("send skipped")
		return "", err
	}
	return payload, nil
}

// Dispatch routes raw to the binding registered under name. The binding's
// callback runs without the dispatcher lock held.
func (d *Dispatcher) Dispatch(name string, raw []byte) error {
	b, ok := d.Lookup(name)
	if !ok {
		observability.RecordDispatch(observability.DispatchUnknownName)
		d.log.Warn().Str("name", name).Msg("no envelope for inbound frame")
		return fmt.Errorf("%w: %s", protocol.ErrUnknownName, name)
	}
	if err := b.ApplyIncoming(raw); err != nil {
		if errors.Is(err, protocol.ErrDeserialize) {
			observability.RecordDispatch(observability.DispatchDeserialize)
		}
		d.log.Warn().Str("name", name).Err(err).Msg("inbound payload rejected")
		return err
	}
	observability.RecordDispatch(observability.DispatchDelivered)
	d.log.Trace().Str("name", name).Int("bytes", len(raw)).Msg("dispatched")
	return nil
}

func (d *Dispatcher) Lookup(name string) (envelope.Binding, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	b, ok := d.items[name]
	return b, ok
}

// Names returns registered names in sorted order.
func (d *Dispatcher) Names() []string {
	d.mu.RLock()
	names := make([]string, 0, len(d.items))
	for name := range d.items {
		names = append(names, name)
	}
	d.mu.RUnlock()
	sort.Strings(names)
	return names
}

func (d *Dispatcher) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.items)
}

// Messages returns every current payload, ordered by name.
func (d *Dispatcher) Messages() []any {
	bindings := d.sorted()
	out := make([]any, 0, len(bindings))
	for _, b := range bindings {
		out = append(out, b.Message())
	}
	return out
}

// Senders returns every staged sender value, ordered by name. Bindings with
// nothing staged are skipped.
func (d *Dispatcher) Senders() []any {
	bindings := d.sorted()
	out := make([]any, 0, len(bindings))
	for _, b := range bindings {
		if s := b.Sender(); s != nil {
			out = append(out, s)
		}
	}
	return out
}

func (d *Dispatcher) Message(name string) (any, bool) {
	b, ok := d.Lookup(name)
	if !ok {
		return nil, false
	}
	return b.Message(), true
}

func (d *Dispatcher) Sender(name string) (any, bool) {
	b, ok := d.Lookup(name)
	if !ok {
		return nil, false
	}
	s := b.Sender()
	return s, s != nil
}

func (d *Dispatcher) sorted() []envelope.Binding {
	d.mu.RLock()
	names := make([]string, 0, len(d.items))
	for name := range d.items {
		names = append(names, name)
	}
	sort.Strings(names)
	out := make([]envelope.Binding, 0, len(names))
	for _, name := range names {
		out = append(out, d.items[name])
	}
	d.mu.RUnlock()
	return out
}

func (d *Dispatcher) unknown(op, name string) error {
	observability.RecordRegistryEvent(observability.RegistryUnknownName)
	d.log.Warn().Str("op", op).Str("name", name).Msg("unknown envelope name")
	return fmt.Errorf("%w: %s", protocol.ErrUnknownName, name)
}
