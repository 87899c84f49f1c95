// Copyright 2021-2022 The httpmq Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package sse decodes and encodes Server-Sent-Events style byte streams.
package sse

import (
	"bytes"
	"strings"
	"unicode/utf8"
)

// Frame one parsed event, bounded by a blank line
type Frame struct {
	// ID the "id:" field
	ID string `json:"id,omitempty"`
	// Event the "event:" field
	Event string `json:"event,omitempty"`
	// Data the "data:" field. Multiple data lines are joined with "\n".
	Data string `json:"data,omitempty"`
}

var (
	lfBoundary   = []byte("\n\n")
	crlfBoundary = []byte("\r\n\r\n")
)

// Parser incremental frame decoder. Bytes are buffered until a frame boundary is seen,
// so frames (and multi-byte characters) split across reads are reassembled.
//
// A Parser is not safe for concurrent use.
type Parser struct {
	buffer []byte
	// Dropped number of frames discarded as malformed
	Dropped int
}

// nextBoundary locate the earliest frame boundary in the buffer.
//
// Returns the index of the boundary and its length, or -1.
func (p *Parser) nextBoundary() (int, int) {
	lf := bytes.Index(p.buffer, lfBoundary)
	crlf := bytes.Index(p.buffer, crlfBoundary)
	switch {
	case lf < 0 && crlf < 0:
		return -1, 0
	case crlf < 0 || (lf >= 0 && lf < crlf):
		return lf, len(lfBoundary)
	default:
		return crlf, len(crlfBoundary)
	}
}

// Feed add a chunk of bytes and return the frames completed by it, in stream order
func (p *Parser) Feed(chunk []byte) []Frame {
	p.buffer = append(p.buffer, chunk...)
	frames := []Frame{}
	for {
		idx, width := p.nextBoundary()
		if idx < 0 {
			break
		}
		raw := p.buffer[:idx]
		p.buffer = p.buffer[idx+width:]
		frame, ok := parseFrame(raw)
		if !ok {
			p.Dropped++
			continue
		}
		frames = append(frames, frame)
	}
	// Drop the consumed prefix so the backing array does not grow without bound
	if len(p.buffer) == 0 {
		p.buffer = nil
	}
	return frames
}

// Pending the number of buffered bytes not yet forming a complete frame
func (p *Parser) Pending() int {
	return len(p.buffer)
}

// Reset discard any buffered partial frame
func (p *Parser) Reset() {
	p.buffer = nil
}

// cutField split "name: value" returning the value with leading whitespace removed
func cutField(line, name string) (string, bool) {
	if !strings.HasPrefix(line, name) {
		return "", false
	}
	return strings.TrimLeft(line[len(name):], " \t"), true
}

// parseFrame decode the text of one frame. Frames that are not valid UTF-8 are rejected.
func parseFrame(raw []byte) (Frame, bool) {
	if !utf8.Valid(raw) {
		return Frame{}, false
	}
	var frame Frame
	dataLines := []string{}
	for _, line := range strings.Split(string(raw), "\n") {
		line = strings.TrimSuffix(line, "\r")
		if line == "" || strings.HasPrefix(line, ":") {
			continue
		}
		if value, ok := cutField(line, "data:"); ok {
			dataLines = append(dataLines, value)
		} else if value, ok := cutField(line, "id:"); ok {
			frame.ID = value
		} else if value, ok := cutField(line, "event:"); ok {
			frame.Event = value
		}
	}
	frame.Data = strings.Join(dataLines, "\n")
	return frame, true
}
