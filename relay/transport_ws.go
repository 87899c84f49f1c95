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

	"github.com/gorilla/websocket"
)

type webSocketTransport struct {
	url              string
	headers          http.Header
	handshakeTimeout time.Duration
}

// GetWebSocketTransport define a new WebSocket feed transport
func GetWebSocketTransport(
	url string, headers http.Header, handshakeTimeout time.Duration,
) FeedTransport {
	return &webSocketTransport{url: url, headers: headers, handshakeTimeout: handshakeTimeout}
}

// Connect dial the upstream and start reading frames
func (t *webSocketTransport) Connect(ctxt context.Context) (FeedConn, error) {
	dialCtxt, cancel := context.WithTimeout(ctxt, t.handshakeTimeout)
	defer cancel()
	dialer := websocket.Dialer{
		Proxy:            websocket.DefaultDialer.Proxy,
		HandshakeTimeout: t.handshakeTimeout,
	}
	conn, resp, err := dialer.DialContext(dialCtxt, t.url, t.headers)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("websocket dial failed with HTTP %d: %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("websocket dial failed: %w", err)
	}
	wsConn := &webSocketConn{
		conn:   conn,
		frames: make(chan frameRead),
		done:   make(chan bool),
	}
	wsConn.wg.Add(1)
	go wsConn.readLoop()
	return wsConn, nil
}

type webSocketConn struct {
	conn      *websocket.Conn
	frames    chan frameRead
	done      chan bool
	closeOnce sync.Once
	wg        sync.WaitGroup
}

func (c *webSocketConn) readLoop() {
	defer c.wg.Done()
	defer close(c.frames)
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				err = ErrStreamEnded
			} else {
				err = fmt.Errorf("websocket read failed: %w", err)
			}
		}
		select {
		case c.frames <- frameRead{data: data, err: err}:
		case <-c.done:
			return
		}
		if err != nil {
			return
		}
	}
}

// Next wait for the next message
func (c *webSocketConn) Next(ctxt context.Context) ([]byte, error) {
	return nextFrame(ctxt, c.frames)
}

// Close send a close frame and release the socket
func (c *webSocketConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		// Peer may already be gone, so the close frame is best effort
		_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		err = c.conn.Close()
		c.wg.Wait()
	})
	return err
}
