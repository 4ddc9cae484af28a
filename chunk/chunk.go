// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

// Package chunk implements the HTTP chunked-transfer framing used to carry
// messages on a long-lived stream. Each message occupies exactly one chunk:
// the hexadecimal byte length of the payload, CRLF, the payload (the message
// text followed by a line terminator), CRLF. The codec knows nothing about
// the content of a message; it only separates a byte stream into frames.
package chunk

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
)

// DefaultMaxSize is the default bound on a single chunk, and on how much
// unparsed input Decode will tolerate before declaring the stream malformed.
const DefaultMaxSize = 256 * 1024

// maxSizeLine bounds the chunk size line; a well-formed line is at most eight
// hex digits plus CRLF.
const maxSizeLine = 16

// ErrStreamEnd is reported by Decode when it consumes a zero-length chunk,
// the peer's end-of-stream marker.
var ErrStreamEnd = errors.New("end of chunk stream")

// A MalformedError reports input that cannot be a prefix of any valid chunk
// stream. After a MalformedError the stream is unrecoverable and the
// connection carrying it must be torn down.
type MalformedError struct {
	Reason string
}

// Error satisfies the error interface.
func (e *MalformedError) Error() string { return "malformed chunk stream: " + e.Reason }

var crlf = []byte("\r\n")

// Encode encodes msg as one chunk. The chunk payload is msg followed by a
// newline, and the declared length counts that terminator.
func Encode(msg []byte) []byte { return Append(nil, msg) }

// Append appends the chunk encoding of msg to dst and returns the result.
func Append(dst, msg []byte) []byte {
	dst = strconv.AppendUint(dst, uint64(len(msg)+1), 16)
	dst = append(dst, crlf...)
	dst = append(dst, msg...)
	dst = append(dst, '\n')
	return append(dst, crlf...)
}

// Decode parses one complete chunk from the front of buf, returning the
// message payload (without its line terminator) and the number of bytes
// consumed. The returned slice is a copy and does not alias buf.
//
// If buf holds only a fragment of a chunk, Decode returns (nil, 0, nil);
// fragmentation across reads is the normal case, not an error. If buf cannot
// be a prefix of a valid chunk, or an incomplete chunk has grown past
// maxSize bytes, Decode reports a *MalformedError. A maxSize of zero or less
// means DefaultMaxSize.
//
// A zero-length chunk is the peer's end-of-stream marker: Decode consumes it
// and reports [ErrStreamEnd].
func Decode(buf []byte, maxSize int) (msg []byte, n int, err error) {
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	eol := bytes.Index(buf, crlf)
	if eol < 0 {
		if len(buf) > maxSizeLine {
			return nil, 0, &MalformedError{Reason: "chunk size line too long"}
		}
		return nil, 0, nil // incomplete size line
	}
	size64, perr := strconv.ParseUint(string(buf[:eol]), 16, 31)
	if perr != nil {
		return nil, 0, &MalformedError{Reason: fmt.Sprintf("invalid chunk size %q", buf[:eol])}
	}
	size := int(size64)
	if size > maxSize {
		return nil, 0, &MalformedError{Reason: fmt.Sprintf("chunk size %d exceeds limit %d", size, maxSize)}
	}

	total := eol + 2 + size + 2
	if len(buf) < total {
		return nil, 0, nil // incomplete payload
	}
	if !bytes.Equal(buf[total-2:total], crlf) {
		return nil, 0, &MalformedError{Reason: "missing chunk terminator"}
	}
	if size == 0 {
		return nil, total, ErrStreamEnd
	}

	payload := buf[eol+2 : total-2]
	if i := len(payload) - 1; payload[i] == '\n' {
		payload = payload[:i]
	}
	return bytes.Clone(payload), total, nil
}
