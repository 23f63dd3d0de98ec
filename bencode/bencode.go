// Copyright (C) 2024 Aaron Craelius. All Rights Reserved.

// Package bencode implements the Bencode wire format used to frame REPL
// protocol messages, plus the netstring framing used by the ack handshake.
//
// The value domain is deliberately small. Decoding produces values of the
// following concrete types:
//
//	int64             for integers
//	[]byte            for byte-strings
//	[]any             for lists
//	map[string]any    for dictionaries
//
// Dictionary keys are the raw bytes of the key string; they are never
// interpreted as UTF-8. Encoding accepts the same types, and additionally
// string, int, and []string for convenience.
//
// The decoder applies the grammar strictly: integers may not have leading
// zeroes or a negative zero, byte-string lengths must be plain non-negative
// decimals, and every collection must be terminated. Malformed input is
// reported as a *ProtocolError.
package bencode

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"sort"
)

// A ProtocolError reports malformed Bencode or netstring input. A transport
// that receives one should treat the underlying connection as unusable, since
// the stream can no longer be framed.
type ProtocolError struct {
	Msg string
}

func (e *ProtocolError) Error() string { return "bencode: " + e.Msg }

func protoErrf(msg string, args ...any) error {
	return &ProtocolError{Msg: fmt.Sprintf(msg, args...)}
}

// Marshal encodes v in Bencode format. It panics if v contains a value
// outside the encodable domain; use Encode to report such values as errors.
func Marshal(v any) []byte {
	var buf bytes.Buffer
	if err := Encode(&buf, v); err != nil {
		panic(fmt.Errorf("encoding bencode: %w", err))
	}
	return buf.Bytes()
}

// Encode writes the Bencode encoding of v to w.
//
// Dictionary keys are written in ascending order by raw byte sequence,
// regardless of the map's iteration order.
func Encode(w io.Writer, v any) error {
	buf, err := appendValue(nil, v)
	if err != nil {
		return err
	}
	_, err = w.Write(buf)
	return err
}

func appendValue(buf []byte, v any) ([]byte, error) {
	switch t := v.(type) {
	case int64:
		return fmt.Appendf(buf, "i%de", t), nil
	case int:
		return fmt.Appendf(buf, "i%de", t), nil
	case []byte:
		buf = fmt.Appendf(buf, "%d:", len(t))
		return append(buf, t...), nil
	case string:
		buf = fmt.Appendf(buf, "%d:", len(t))
		return append(buf, t...), nil
	case []any:
		buf = append(buf, 'l')
		for _, elt := range t {
			var err error
			buf, err = appendValue(buf, elt)
			if err != nil {
				return nil, err
			}
		}
		return append(buf, 'e'), nil
	case []string:
		buf = append(buf, 'l')
		for _, elt := range t {
			var err error
			buf, err = appendValue(buf, elt)
			if err != nil {
				return nil, err
			}
		}
		return append(buf, 'e'), nil
	case map[string]any:
		// Keys must be emitted in ascending raw-byte order. Sorting the keys
		// as Go strings compares bytewise unsigned, which is exactly that.
		keys := make([]string, 0, len(t))
		for key := range t {
			keys = append(keys, key)
		}
		sort.Strings(keys)

		buf = append(buf, 'd')
		for _, key := range keys {
			var err error
			buf, err = appendValue(buf, key)
			if err != nil {
				return nil, err
			}
			buf, err = appendValue(buf, t[key])
			if err != nil {
				return nil, err
			}
		}
		return append(buf, 'e'), nil
	default:
		return nil, fmt.Errorf("bencode: cannot encode %T", v)
	}
}

// A Decoder reads successive Bencode values from an input stream.
type Decoder struct {
	r *bufio.Reader
}

// NewDecoder constructs a Decoder that reads from r.
func NewDecoder(r io.Reader) *Decoder {
	if br, ok := r.(*bufio.Reader); ok {
		return &Decoder{r: br}
	}
	return &Decoder{r: bufio.NewReader(r)}
}

// Decode reads and returns the next value from the stream. At a clean break
// between values, the end of input is reported as io.EOF; input that ends
// inside a value is a *ProtocolError.
func (d *Decoder) Decode() (any, error) {
	b, err := d.r.ReadByte()
	if err != nil {
		return nil, err // io.EOF at a value boundary is a clean end of stream
	}
	return d.decodeValue(b)
}

// Unmarshal decodes a single value from data, and reports an error if any
// input remains after the value.
func Unmarshal(data []byte) (any, error) {
	d := NewDecoder(bytes.NewReader(data))
	v, err := d.Decode()
	if err != nil {
		return nil, err
	}
	if _, err := d.r.ReadByte(); err != io.EOF {
		return nil, protoErrf("trailing data after value")
	}
	return v, nil
}

func (d *Decoder) decodeValue(first byte) (any, error) {
	switch {
	case first == 'i':
		return d.decodeInt()
	case first == 'l':
		var list []any
		for {
			b, err := d.readByte()
			if err != nil {
				return nil, err
			}
			if b == 'e' {
				return list, nil
			}
			elt, err := d.decodeValue(b)
			if err != nil {
				return nil, err
			}
			list = append(list, elt)
		}
	case first == 'd':
		dict := make(map[string]any)
		for {
			b, err := d.readByte()
			if err != nil {
				return nil, err
			}
			if b == 'e' {
				return dict, nil
			}
			if b < '0' || b > '9' {
				return nil, protoErrf("dictionary key must be a byte-string (got %q)", b)
			}
			key, err := d.decodeString(b)
			if err != nil {
				return nil, err
			}
			b, err = d.readByte()
			if err != nil {
				return nil, err
			}
			val, err := d.decodeValue(b)
			if err != nil {
				return nil, err
			}
			dict[string(key)] = val
		}
	case first >= '0' && first <= '9':
		s, err := d.decodeString(first)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, protoErrf("invalid value prefix %q", first)
	}
}

// readByte reads one byte, converting end-of-input inside a value into a
// protocol error.
func (d *Decoder) readByte() (byte, error) {
	b, err := d.r.ReadByte()
	if err == io.EOF {
		return 0, protoErrf("truncated value")
	}
	return b, err
}

// decodeInt decodes the body of an integer after its "i" prefix.
func (d *Decoder) decodeInt() (int64, error) {
	var digits []byte
	neg := false

	b, err := d.readByte()
	if err != nil {
		return 0, err
	}
	if b == '-' {
		neg = true
		b, err = d.readByte()
		if err != nil {
			return 0, err
		}
	}
	for b != 'e' {
		if b < '0' || b > '9' {
			return 0, protoErrf("invalid integer digit %q", b)
		}
		digits = append(digits, b)
		b, err = d.readByte()
		if err != nil {
			return 0, err
		}
	}
	if len(digits) == 0 {
		return 0, protoErrf("empty integer")
	}
	if digits[0] == '0' && (neg || len(digits) > 1) {
		return 0, protoErrf("invalid leading zero in integer")
	}

	var v int64
	for _, digit := range digits {
		v = v*10 + int64(digit-'0')
		if v < 0 {
			return 0, protoErrf("integer overflow")
		}
	}
	if neg {
		v = -v
	}
	return v, nil
}

// decodeString decodes a byte-string whose first length digit has already
// been read. The length prefix counts bytes, and the content is returned
// verbatim with no text interpretation.
func (d *Decoder) decodeString(first byte) ([]byte, error) {
	n := int64(first - '0')
	sawDigits := 1
	for {
		b, err := d.readByte()
		if err != nil {
			return nil, err
		}
		if b == ':' {
			break
		}
		if b < '0' || b > '9' {
			return nil, protoErrf("invalid length digit %q", b)
		}
		if first == '0' {
			return nil, protoErrf("invalid leading zero in length")
		}
		n = n*10 + int64(b-'0')
		sawDigits++
		if n < 0 || sawDigits > 18 {
			return nil, protoErrf("length overflow")
		}
	}

	data := make([]byte, n)
	if _, err := io.ReadFull(d.r, data); err != nil {
		return nil, protoErrf("truncated byte-string (want %d bytes)", n)
	}
	return data, nil
}
