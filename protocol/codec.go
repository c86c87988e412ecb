package protocol

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/vmihailenco/msgpack/v5"
)

// MaxFrame limits the size of a single message body.
const MaxFrame = 64 << 20

// ErrMalformed is returned when a frame cannot be decoded.
var ErrMalformed = errors.New("malformed message")

// Encode returns a frame: kind byte, uvarint body length and msgpack body.
func Encode(m Message) ([]byte, error) {
	body, err := msgpack.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode %v: %w", m.Kind(), err)
	}
	frame := make([]byte, 0, 1+binary.MaxVarintLen64+len(body))
	frame = append(frame, byte(m.Kind()))
	frame = binary.AppendUvarint(frame, uint64(len(body)))
	return append(frame, body...), nil
}

// Write encodes message into w and returns number of bytes written.
func Write(w io.Writer, m Message) (int, error) {
	frame, err := Encode(m)
	if err != nil {
		return 0, err
	}
	return w.Write(frame)
}

// Read decodes a single frame from r and returns the message and the
// frame size. io.EOF is returned only if r ends before the frame starts.
func Read(r *bufio.Reader) (Message, int, error) {
	k, err := r.ReadByte()
	if err != nil {
		return nil, 0, err
	}
	size, err := binary.ReadUvarint(r)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: length of %v: %v", ErrMalformed, Kind(k), noEOF(err))
	}
	if size > MaxFrame {
		return nil, 0, fmt.Errorf("%w: %v of %d bytes", ErrMalformed, Kind(k), size)
	}
	body := make([]byte, size)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, 0, fmt.Errorf("%w: body of %v: %v", ErrMalformed, Kind(k), noEOF(err))
	}
	m, err := Decode(Kind(k), body)
	if err != nil {
		return nil, 0, err
	}
	return m, 1 + uvarintLen(size) + int(size), nil
}

// Decode unmarshals message body of provided kind.
func Decode(k Kind, body []byte) (Message, error) {
	var (
		m   Message
		err error
	)
	switch k {
	case KindParam:
		var v Param
		err = msgpack.Unmarshal(body, &v)
		m = v
	case KindStateDecl:
		var v StateDecl
		err = msgpack.Unmarshal(body, &v)
		m = v
	case KindStateVector:
		var v StateVector
		err = msgpack.Unmarshal(body, &v)
		m = v
	case KindStateChange:
		var v StateChange
		err = msgpack.Unmarshal(body, &v)
		m = v
	case KindSignalProperties:
		var v SignalProperties
		err = msgpack.Unmarshal(body, &v)
		m = v
	case KindSignal:
		var v Signal
		err = msgpack.Unmarshal(body, &v)
		m = v
	case KindSysCommand:
		var v SysCommand
		err = msgpack.Unmarshal(body, &v)
		m = v
	case KindProtocolVersion:
		var v ProtocolVersion
		err = msgpack.Unmarshal(body, &v)
		m = v
	case KindStatus:
		var v Status
		err = msgpack.Unmarshal(body, &v)
		m = v
	default:
		return nil, fmt.Errorf("%w: unknown kind %d", ErrMalformed, byte(k))
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v: %v", ErrMalformed, k, err)
	}
	return m, nil
}

func noEOF(err error) error {
	if err == io.EOF {
		return io.ErrUnexpectedEOF
	}
	return err
}

func uvarintLen(v uint64) int {
	n := 1
	for v >= 0x80 {
		v >>= 7
		n++
	}
	return n
}
