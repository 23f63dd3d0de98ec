// Copyright (C) 2024 Aaron Craelius. All Rights Reserved.

package bencode_test

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"math/rand"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/aaronc/tools.nrepl/bencode"
)

func TestRoundTrip(t *testing.T) {
	tests := []any{
		int64(0),
		int64(42),
		int64(-17),
		int64(1<<62 + 9),
		[]byte(""),
		[]byte("spam"),
		[]byte{0x89, 0x50, 0x4e, 0x47, 0x0d, 0x0a, 0x1a, 0x0a}, // PNG magic, not UTF-8
		[]any{int64(1), []byte("two"), []any{int64(3)}},
		map[string]any{},
		map[string]any{
			"op":      []byte("eval"),
			"code":    []byte("(+ 1 2)"),
			"count":   int64(3),
			"nested":  map[string]any{"a": []any{[]byte("b")}},
			"\x00raw": []byte{0xff, 0x00, 0x7f},
		},
	}
	for _, want := range tests {
		enc := bencode.Marshal(want)
		got, err := bencode.Unmarshal(enc)
		if err != nil {
			t.Errorf("Unmarshal %q: unexpected error: %v", enc, err)
			continue
		}
		if diff := cmp.Diff(want, got); diff != "" {
			t.Errorf("Round trip of %q (-want, +got):\n%s", enc, diff)
		}
	}
}

func TestEncodeConvenienceTypes(t *testing.T) {
	tests := []struct {
		input any
		want  string
	}{
		{"hello", "5:hello"},
		{17, "i17e"},
		{[]string{"done", "error"}, "l4:done5:errore"},
		{map[string]any{"status": []string{"done"}}, "d6:statusl4:doneee"},
	}
	for _, test := range tests {
		if got := string(bencode.Marshal(test.input)); got != test.want {
			t.Errorf("Marshal %+v: got %q, want %q", test.input, got, test.want)
		}
	}
}

func TestDictKeyOrder(t *testing.T) {
	// Keys must be sorted lexicographically by raw byte sequence.
	got := string(bencode.Marshal(map[string]any{"ham": "eggs", "cheese": 42}))
	want := "d6:cheesei42e3:ham4:eggse"
	if got != want {
		t.Errorf("Marshal: got %q, want %q", got, want)
	}

	// Unsigned byte compare puts 0x7f before 0x80.
	got = string(bencode.Marshal(map[string]any{"\x80": int64(1), "\x7f": int64(2)}))
	want = "d1:\x7fi2e1:\x80i1ee"
	if got != want {
		t.Errorf("Marshal: got %q, want %q", got, want)
	}
}

func TestBinarySafety(t *testing.T) {
	rng := rand.New(rand.NewSource(20240917))
	for range 100 {
		blob := make([]byte, rng.Intn(512))
		rng.Read(blob)
		got, err := bencode.Unmarshal(bencode.Marshal(map[string]any{"data": blob}))
		if err != nil {
			t.Fatalf("Unmarshal: unexpected error: %v", err)
		}
		if !bytes.Equal(got.(map[string]any)["data"].([]byte), blob) {
			t.Fatalf("Round trip altered %d-byte blob", len(blob))
		}
	}
}

func TestStrictGrammar(t *testing.T) {
	bad := []string{
		"",                      // empty input is io.EOF, checked separately below
		"i e",                   // no digits
		"ie",                    // empty integer
		"i-0e",                  // negative zero
		"i03e",                  // leading zero
		"i--3e",                 // double sign
		"i3",                    // unterminated
		"4:abc",                 // short byte-string
		"04:spam",               // leading zero in length
		"-1:x",                  // negative length
		"5;hello",               // invalid length terminator
		"l1:ae1:b",              // trailing data
		"li1e",                  // unterminated list
		"d3:one",                // unterminated dict
		"di1e3:onee",            // non-string dict key
		"x",                     // unknown prefix
		"9999999999999999999:x", // length overflow
	}
	for _, input := range bad {
		_, err := bencode.Unmarshal([]byte(input))
		if err == nil {
			t.Errorf("Unmarshal %q: got nil, want error", input)
			continue
		}
		var perr *bencode.ProtocolError
		if input != "" && !errors.As(err, &perr) {
			t.Errorf("Unmarshal %q: got %v, want *ProtocolError", input, err)
		}
	}

	if _, err := bencode.NewDecoder(strings.NewReader("")).Decode(); err != io.EOF {
		t.Errorf("Decode empty input: got %v, want io.EOF", err)
	}
}

func TestDecodeStream(t *testing.T) {
	dec := bencode.NewDecoder(strings.NewReader("i1ei2e4:spam"))
	var got []any
	for {
		v, err := dec.Decode()
		if err == io.EOF {
			break
		} else if err != nil {
			t.Fatalf("Decode: unexpected error: %v", err)
		}
		got = append(got, v)
	}
	want := []any{int64(1), int64(2), []byte("spam")}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Stream values (-want, +got):\n%s", diff)
	}
}

func TestNetstring(t *testing.T) {
	payload := []byte("d2:op3:acke")
	enc := bencode.AppendNetstring(nil, payload)
	if got, want := string(enc), "11:d2:op3:acke,"; got != want {
		t.Errorf("AppendNetstring: got %q, want %q", got, want)
	}

	got, err := bencode.ReadNetstring(bufio.NewReader(bytes.NewReader(enc)))
	if err != nil {
		t.Fatalf("ReadNetstring: unexpected error: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Errorf("ReadNetstring: got %q, want %q", got, payload)
	}

	for _, bad := range []string{"", "3:ab,", "4:abcd;", "x:ab,"} {
		if _, err := bencode.ReadNetstring(bufio.NewReader(strings.NewReader(bad))); err == nil {
			t.Errorf("ReadNetstring %q: got nil, want error", bad)
		}
	}
}
