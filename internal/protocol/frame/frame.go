package frame

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"unicode/utf8"

	"github.com/danmuck/framehub/internal/protocol"
)

const PrefixLen = 4

var (
	commandKeys = []string{"Command", "command", "Title", "title", "MessageType"}
	payloadKeys = []string{"Payload", "payload"}
)

// Frame is one complete wire message. Payload is itself a JSON document
// carried as a string.
type Frame struct {
	Command string `json:"Command"`
	Payload string `json:"Payload"`
}

// Limits constrains frame decode/encode memory use.
type Limits struct {
	MaxFrameBytes uint32
}

func DefaultLimits() Limits {
	return Limits{
		MaxFrameBytes: 8 * 1024 * 1024,
	}
}

func (l Limits) withDefaults() Limits {
	if l.MaxFrameBytes == 0 {
		return DefaultLimits()
	}
	return l
}

// Encode builds the length-prefixed wire bytes for command and payload. An
// empty command is rejected since it could not be decoded.
func Encode(command, payload string) ([]byte, error) {
	return encode(Frame{Command: command, Payload: payload}, DefaultLimits())
}

// Decode parses one already-assembled frame. Bytes past the declared length
// are ignored.
func Decode(b []byte) (Frame, error) {
	if len(b) < PrefixLen {
		return Frame{}, fmt.Errorf("%w: short length prefix (%d bytes)", protocol.ErrFraming, len(b))
	}
	n := binary.LittleEndian.Uint32(b[:PrefixLen])
	if uint64(n) > uint64(len(b)-PrefixLen) {
		return Frame{}, fmt.Errorf("%w: truncated body: declared=%d available=%d", protocol.ErrFraming, n, len(b)-PrefixLen)
	}
	return ParseBody(b[PrefixLen : PrefixLen+int(n)])
}

// ParseBody decodes a frame body. The command may arrive under any of the
// accepted key spellings; a body with no payload key is treated as a bare
// payload that names itself.
func ParseBody(body []byte) (Frame, error) {
	if !utf8.Valid(body) {
		return Frame{}, fmt.Errorf("%w: body is not valid utf-8", protocol.ErrFraming)
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return Frame{}, fmt.Errorf("%w: %v", protocol.ErrFraming, err)
	}

	var f Frame
	for _, key := range commandKeys {
		raw, ok := fields[key]
		if !ok {
			continue
		}
		var s string
		if err := json.Unmarshal(raw, &s); err == nil && s != "" {
			f.Command = s
			break
		}
	}
	if f.Command == "" {
		return Frame{}, fmt.Errorf("%w: missing command", protocol.ErrFraming)
	}

	payload, found := lookupPayload(fields)
	if !found {
		f.Payload = string(body)
		return f, nil
	}
	f.Payload = payload
	return f, nil
}

func lookupPayload(fields map[string]json.RawMessage) (string, bool) {
	for _, key := range payloadKeys {
		raw, ok := fields[key]
		if !ok {
			continue
		}
		trimmed := bytes.TrimSpace(raw)
		if len(trimmed) > 0 && trimmed[0] == '"' {
			var s string
			if err := json.Unmarshal(trimmed, &s); err == nil {
				return s, true
			}
		}
		return string(trimmed), true
	}
	return "", false
}

// ReadFrame reads exactly one frame from the stream. An oversized frame is
// drained so the stream stays aligned for the next read.
func ReadFrame(r io.Reader, limits Limits) (Frame, error) {
	limits = limits.withDefaults()

	var prefix [PrefixLen]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return Frame{}, closedError(err)
	}
	n := binary.LittleEndian.Uint32(prefix[:])
	if n > limits.MaxFrameBytes {
		if _, err := io.CopyN(io.Discard, r, int64(n)); err != nil {
			return Frame{}, closedError(err)
		}
		return Frame{}, fmt.Errorf("%w: %d bytes (max %d)", protocol.ErrFrameTooLarge, n, limits.MaxFrameBytes)
	}

	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return Frame{}, closedError(err)
	}
	return ParseBody(body)
}

// WriteFrame writes prefix and body with a single Write call.
func WriteFrame(w io.Writer, f Frame, limits Limits) error {
	buf, err := encode(f, limits.withDefaults())
	if err != nil {
		return err
	}
	_, err = w.Write(buf)
	return err
}

func encode(f Frame, limits Limits) ([]byte, error) {
	if f.Command == "" {
		return nil, fmt.Errorf("%w: missing command", protocol.ErrFraming)
	}
	var body bytes.Buffer
	body.Grow(PrefixLen + len(f.Command) + len(f.Payload) + 32)
	body.Write(make([]byte, PrefixLen))

	enc := json.NewEncoder(&body)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(f); err != nil {
		return nil, fmt.Errorf("%w: %v", protocol.ErrFraming, err)
	}
	out := bytes.TrimSuffix(body.Bytes(), []byte{'\n'})

	n := len(out) - PrefixLen
	if uint64(n) > uint64(limits.MaxFrameBytes) {
		return nil, fmt.Errorf("%w: %d bytes (max %d)", protocol.ErrFrameTooLarge, n, limits.MaxFrameBytes)
	}
	binary.LittleEndian.PutUint32(out[:PrefixLen], uint32(n))
	return out, nil
}

func closedError(err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return fmt.Errorf("%w: %v", protocol.ErrConnectionClosed, err)
	}
	return err
}
