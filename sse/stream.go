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

package sse

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/alwitt/feedrelay/bus"
	"github.com/apex/log"
)

const readChunkSize = 4096

// FrameHandler callback invoked for every parsed frame. Returning an error stops the read.
type FrameHandler func(frame Frame) error

// IsCancellation whether an error is the expected outcome of an intentional abort
func IsCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// ReadFrames read a byte stream until it ends, parsing it into frames.
//
// When the context is cancelled the reader is closed to unblock the pending read, no
// further frames are delivered, and the context error is returned. Returns nil when the
// stream ends normally. The reader is always closed on return.
func ReadFrames(ctxt context.Context, reader io.ReadCloser, handler FrameHandler) error {
	readerClosed := make(chan bool)
	stopWatch := make(chan bool)
	go func() {
		defer close(readerClosed)
		select {
		case <-ctxt.Done():
		case <-stopWatch:
		}
		_ = reader.Close()
	}()
	defer func() {
		close(stopWatch)
		<-readerClosed
	}()

	parser := Parser{}
	chunk := make([]byte, readChunkSize)
	for {
		n, readErr := reader.Read(chunk)
		if ctxt.Err() != nil {
			return ctxt.Err()
		}
		if n > 0 {
			for _, frame := range parser.Feed(chunk[:n]) {
				if ctxt.Err() != nil {
					return ctxt.Err()
				}
				if err := handler(frame); err != nil {
					return err
				}
			}
		}
		if readErr != nil {
			if readErr == io.EOF {
				return nil
			}
			return fmt.Errorf("stream read failed: %w", readErr)
		}
	}
}

// PublishFrames read a byte stream and publish the data of every frame with non-empty
// data on a topic. Read failures other than cancellation are logged.
func PublishFrames(
	ctxt context.Context, reader io.ReadCloser, publisher bus.Publisher, topic bus.Topic,
) error {
	logTags := log.Fields{"module": "sse", "component": "frame-publisher", "topic": topic}
	err := ReadFrames(ctxt, reader, func(frame Frame) error {
		if frame.Data != "" {
			publisher.Publish(topic, frame.Data)
		}
		return nil
	})
	if err != nil && !IsCancellation(err) {
		log.WithError(err).WithFields(logTags).Error("Frame stream failed")
	} else if err != nil {
		log.WithFields(logTags).Debug("Frame stream aborted")
	}
	return err
}

// Encode render a frame in wire format, including the terminating blank line
func Encode(frame Frame) string {
	builder := strings.Builder{}
	if frame.ID != "" {
		builder.WriteString("id: ")
		builder.WriteString(frame.ID)
		builder.WriteString("\n")
	}
	if frame.Event != "" {
		builder.WriteString("event: ")
		builder.WriteString(frame.Event)
		builder.WriteString("\n")
	}
	for _, line := range strings.Split(frame.Data, "\n") {
		builder.WriteString("data: ")
		builder.WriteString(line)
		builder.WriteString("\n")
	}
	builder.WriteString("\n")
	return builder.String()
}
