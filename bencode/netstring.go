// Copyright (C) 2024 Aaron Craelius. All Rights Reserved.

package bencode

import (
	"bufio"
	"fmt"
	"io"
)

// AppendNetstring appends the netstring framing of payload to buf and returns
// the result. A netstring is a byte-string with a trailing comma terminator:
//
//	<decimal-length>:<bytes>,
func AppendNetstring(buf, payload []byte) []byte {
	buf = fmt.Appendf(buf, "%d:", len(payload))
	buf = append(buf, payload...)
	return append(buf, ',')
}

// ReadNetstring reads one netstring-framed payload from r.
func ReadNetstring(r *bufio.Reader) ([]byte, error) {
	first, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	if first < '0' || first > '9' {
		return nil, protoErrf("invalid netstring length prefix %q", first)
	}
	d := Decoder{r: r}
	payload, err := d.decodeString(first)
	if err != nil {
		return nil, err
	}
	term, err := r.ReadByte()
	if err == io.EOF {
		return nil, protoErrf("truncated netstring")
	} else if err != nil {
		return nil, err
	}
	if term != ',' {
		return nil, protoErrf("netstring missing comma terminator (got %q)", term)
	}
	return payload, nil
}
