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
	"time"
)

// ErrStreamEnded the upstream closed the feed normally
var ErrStreamEnded = fmt.Errorf("feed stream ended")

// FeedConn an open upstream feed connection
type FeedConn interface {
	// Next block until the next raw frame arrives.
	//
	// Returns ErrStreamEnded when the upstream closes normally, or the context error when
	// the context is cancelled.
	Next(ctxt context.Context) ([]byte, error)
	// Close close the connection. Safe to call more than once.
	Close() error
}

// FeedTransport opens upstream feed connections
type FeedTransport interface {
	// Connect open a connection
	Connect(ctxt context.Context) (FeedConn, error)
}

// TransportFactory build the transport for a worker
type TransportFactory func(params WorkerParams) (FeedTransport, error)

// DefaultTransportFactory build a WebSocket or SSE transport per the worker params
func DefaultTransportFactory(params WorkerParams) (FeedTransport, error) {
	headers := http.Header{}
	for k, v := range params.Headers {
		headers.Set(k, v)
	}
	timeout := params.HandshakeTimeout
	if timeout <= 0 {
		timeout = time.Second * 15
	}
	switch params.Transport {
	case TransportWebSocket:
		return GetWebSocketTransport(params.URL, headers, timeout), nil
	case TransportSSE:
		return GetSSETransport(params.URL, headers, timeout, nil), nil
	default:
		return nil, fmt.Errorf("unknown transport '%s'", params.Transport)
	}
}

// frameRead one read result passed from a connection's reader goroutine
type frameRead struct {
	data []byte
	err  error
}

// nextFrame wait for the reader goroutine's next result
func nextFrame(ctxt context.Context, frames <-chan frameRead) ([]byte, error) {
	select {
	case <-ctxt.Done():
		return nil, ctxt.Err()
	case read, ok := <-frames:
		if !ok {
			return nil, ErrStreamEnded
		}
		return read.data, read.err
	}
}
