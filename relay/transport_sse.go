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

package relay

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/alwitt/feedrelay/sse"
)

type sseTransport struct {
	url              string
	headers          http.Header
	handshakeTimeout time.Duration
	client           *http.Client
}

// GetSSETransport define a new SSE feed transport. If client is nil, a default client is
// used.
func GetSSETransport(
	url string, headers http.Header, handshakeTimeout time.Duration, client *http.Client,
) FeedTransport {
	if client == nil {
		client = &http.Client{}
	}
	return &sseTransport{
		url: url, headers: headers, handshakeTimeout: handshakeTimeout, client: client,
	}
}

// Connect issue the stream request and start parsing the response body
func (t *sseTransport) Connect(ctxt context.Context) (FeedConn, error) {
	// The stream outlives Connect, so it gets its own context
	streamCtxt, streamCancel := context.WithCancel(ctxt)
	req, err := http.NewRequestWithContext(streamCtxt, http.MethodGet, t.url, nil)
	if err != nil {
		streamCancel()
		return nil, fmt.Errorf("unable to define stream request: %w", err)
	}
	for k, vs := range t.headers {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	handshake := time.AfterFunc(t.handshakeTimeout, streamCancel)
	resp, err := t.client.Do(req)
	stopped := handshake.Stop()
	if err != nil {
		streamCancel()
		return nil, fmt.Errorf("stream request failed: %w", err)
	}
	if !stopped {
		_ = resp.Body.Close()
		streamCancel()
		return nil, fmt.Errorf("stream handshake timed out")
	}
	if resp.StatusCode != http.StatusOK {
		_ = resp.Body.Close()
		streamCancel()
		return nil, fmt.Errorf("stream request returned HTTP %d", resp.StatusCode)
	}

	conn := &sseConn{frames: make(chan frameRead), cancel: streamCancel}
	conn.wg.Add(1)
	go func() {
		defer conn.wg.Done()
		defer close(conn.frames)
		err := sse.ReadFrames(streamCtxt, resp.Body, func(frame sse.Frame) error {
			if frame.Data == "" {
				return nil
			}
			select {
			case conn.frames <- frameRead{data: []byte(frame.Data)}:
				return nil
			case <-streamCtxt.Done():
				return streamCtxt.Err()
			}
		})
		if err == nil {
			err = ErrStreamEnded
		} else if !sse.IsCancellation(err) {
			err = fmt.Errorf("event stream failed: %w", err)
		}
		select {
		case conn.frames <- frameRead{err: err}:
		case <-streamCtxt.Done():
		}
	}()
	return conn, nil
}

type sseConn struct {
	frames    chan frameRead
	cancel    context.CancelFunc
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// Next wait for the next frame with data
func (c *sseConn) Next(ctxt context.Context) ([]byte, error) {
	return nextFrame(ctxt, c.frames)
}

// Close abort the stream
func (c *sseConn) Close() error {
	c.closeOnce.Do(func() {
		c.cancel()
		c.wg.Wait()
	})
	return nil
}
