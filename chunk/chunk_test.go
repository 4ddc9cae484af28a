// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package chunk_test

import (
	"errors"
	"strings"
	"testing"

	"github.com/glowkit/wisp/chunk"
	"github.com/google/go-cmp/cmp"
)

func TestEncode(t *testing.T) {
	tests := []struct {
		msg  string
		want string
	}{
		{"", "1\r\n\n\r\n"},
		{"x", "2\r\nx\n\r\n"},
		{`{"ping":true}`, "e\r\n{\"ping\":true}\n\r\n"},
		{strings.Repeat("a", 15), "10\r\n" + strings.Repeat("a", 15) + "\n\r\n"},
	}
	for _, test := range tests {
		got := chunk.Encode([]byte(test.msg))
		if string(got) != test.want {
			t.Errorf("Encode(%q): got %q, want %q", test.msg, got, test.want)
		}
	}
}

func TestDecodeRoundTrip(t *testing.T) {
	msgs := []string{
		`{"jsonrpc":"2.0","method":"add","params":[2,3],"id":1}`,
		`{"result":{"ack":true},"id":1}`,
		"",
		"plain text",
	}

	// Concatenate the encodings and decode them back in order.
	var buf []byte
	for _, m := range msgs {
		buf = chunk.Append(buf, []byte(m))
	}
	for i, want := range msgs {
		msg, n, err := chunk.Decode(buf, 0)
		if err != nil {
			t.Fatalf("Decode[%d]: unexpected error: %v", i, err)
		}
		if n == 0 {
			t.Fatalf("Decode[%d]: incomplete, want %q", i, want)
		}
		if diff := cmp.Diff(want, string(msg)); diff != "" {
			t.Errorf("Decode[%d] (-want, +got):\n%s", i, diff)
		}
		buf = buf[n:]
	}
	if len(buf) != 0 {
		t.Errorf("Leftover input: %q", buf)
	}
}

func TestDecodeFragmented(t *testing.T) {
	// Feeding the input one byte at a time must yield the message exactly
	// once, with no errors along the way.
	const want = `{"jsonrpc":"2.0","method":"poke"}`
	enc := chunk.Encode([]byte(want))

	var buf []byte
	var got []string
	for _, b := range enc {
		buf = append(buf, b)
		msg, n, err := chunk.Decode(buf, 0)
		if err != nil {
			t.Fatalf("Decode(%q): unexpected error: %v", buf, err)
		}
		if n > 0 {
			got = append(got, string(msg))
			buf = buf[n:]
		}
	}
	if len(buf) != 0 {
		t.Errorf("Leftover input: %q", buf)
	}
	if diff := cmp.Diff([]string{want}, got); diff != "" {
		t.Errorf("Decoded messages (-want, +got):\n%s", diff)
	}
}

func TestDecodeEnd(t *testing.T) {
	input := []byte("0\r\n\r\nextra")
	msg, n, err := chunk.Decode(input, 0)
	if !errors.Is(err, chunk.ErrStreamEnd) {
		t.Errorf("Decode: got error %v, want %v", err, chunk.ErrStreamEnd)
	}
	if msg != nil {
		t.Errorf("Decode: got message %q, want nil", msg)
	}
	if n != 5 {
		t.Errorf("Decode: consumed %d bytes, want 5", n)
	}
}

func TestDecodeMalformed(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"BadSize", "zz\r\nhi\n\r\n"},
		{"NegativeSize", "-2\r\nhi\n\r\n"},
		{"EmptySize", "\r\nhi\n\r\n"},
		{"SizeLineTooLong", "01234567890123456"},
		{"MissingTerminator", "3\r\nhi\nxx"},
		{"Oversize", "400\r\n"}, // limit 16 below
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			msg, n, err := chunk.Decode([]byte(test.input), 16)
			var me *chunk.MalformedError
			if !errors.As(err, &me) {
				t.Fatalf("Decode: got (%q, %d, %v), want *MalformedError", msg, n, err)
			}
			t.Logf("Decode: %v (OK)", err)
		})
	}
}

func TestDecodeIncomplete(t *testing.T) {
	for _, input := range []string{
		"", "2", "2\r", "2\r\n", "2\r\nx", "2\r\nx\n", "2\r\nx\n\r",
	} {
		msg, n, err := chunk.Decode([]byte(input), 0)
		if msg != nil || n != 0 || err != nil {
			t.Errorf("Decode(%q): got (%q, %d, %v), want (nil, 0, nil)", input, msg, n, err)
		}
	}
}

func TestDecodeNoAlias(t *testing.T) {
	buf := chunk.Encode([]byte("abc"))
	msg, _, err := chunk.Decode(buf, 0)
	if err != nil {
		t.Fatalf("Decode: unexpected error: %v", err)
	}
	for i := range buf {
		buf[i] = '!'
	}
	if string(msg) != "abc" {
		t.Errorf("Message aliases input: got %q, want %q", msg, "abc")
	}
}
