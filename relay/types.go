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

// Package relay feed workers and the host relay which spawns them
package relay

import (
	"fmt"
	"time"

	"github.com/alwitt/feedrelay/bus"
	"github.com/alwitt/feedrelay/feed"
)

// ErrUnknownHandle the relay handle is not known to the host
var ErrUnknownHandle = fmt.Errorf("unknown relay handle")

// ErrFeedActive another relay owns the feed's ledger entry
var ErrFeedActive = fmt.Errorf("feed is relayed by another handle")

// TransportKind upstream connection type
type TransportKind string

const (
	// TransportWebSocket upstream is a WebSocket
	TransportWebSocket TransportKind = "websocket"
	// TransportSSE upstream is a chunked HTTP event stream
	TransportSSE TransportKind = "sse"
)

// DecoderKind how raw upstream frames are turned into publish payloads
type DecoderKind string

const (
	// DecoderJSON frame must be a JSON document, published as is
	DecoderJSON DecoderKind = "json"
	// DecoderGraphQL frame is a GraphQL execution result, the data field is published
	DecoderGraphQL DecoderKind = "graphql"
	// DecoderPassthrough frame is published as is
	DecoderPassthrough DecoderKind = "passthrough"
)

// Message texts of forwarded relay messages
const (
	MessageForward    = "message"
	MessageCapReached = "cap reached"
)

// RelayMessage envelope a worker forwards to the host
type RelayMessage struct {
	// IsError whether this reports a connection failure
	IsError bool `json:"isError"`
	// Message short description
	Message string `json:"message"`
	// Data the payload. Nil for errors.
	Data *string `json:"data"`
}

// WorkerState worker lifecycle state
type WorkerState int

const (
	// StateConnecting opening the upstream connection
	StateConnecting WorkerState = iota
	// StateActive forwarding messages
	StateActive
	// StateTerminating releasing the connection and ledger entry
	StateTerminating
	// StateTerminated worker exited
	StateTerminated
)

// String toString function
func (s WorkerState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateTerminating:
		return "terminating"
	case StateTerminated:
		return "terminated"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// TerminationReason why a worker exited
type TerminationReason string

const (
	// ReasonCapped the delivery cap was reached
	ReasonCapped TerminationReason = "capped"
	// ReasonCancelled the worker was stopped by its owner
	ReasonCancelled TerminationReason = "cancelled"
	// ReasonConnectionError the upstream connection failed
	ReasonConnectionError TerminationReason = "connection-error"
	// ReasonStreamEnded the upstream closed the stream normally
	ReasonStreamEnded TerminationReason = "stream-ended"
)

// WorkerParams worker initialization parameters. Passed by value; a worker never shares
// them with another.
type WorkerParams struct {
	// URL the feed source URL, including the rendered request
	URL string `json:"url" validate:"required,url"`
	// Topic the topic bus topic the host publishes on
	Topic bus.Topic `json:"topic" validate:"required"`
	// Key the logical feed identity
	Key feed.SubscriptionKey `json:"key"`
	// Transport upstream connection type
	Transport TransportKind `json:"transport" validate:"required,oneof=websocket sse"`
	// Decoder frame decoder
	Decoder DecoderKind `json:"decoder" validate:"required,oneof=json graphql passthrough"`
	// Cap max number of messages forwarded. 0 or less is unbounded.
	Cap int `json:"cap"`
	// KeyWithBucket whether the ledger key carries the timestamp bucket
	KeyWithBucket bool `json:"key_with_bucket"`
	// BucketGranularity width of the ledger timestamp bucket
	BucketGranularity time.Duration `json:"bucket_granularity"`
	// Namespace the ledger namespace
	Namespace string `json:"namespace" validate:"required"`
	// Headers extra headers sent when connecting upstream
	Headers map[string]string `json:"headers,omitempty"`
	// HandshakeTimeout max duration of the upstream connect
	HandshakeTimeout time.Duration `json:"handshake_timeout"`
	// LedgerCallTimeout max duration of one ledger operation
	LedgerCallTimeout time.Duration `json:"ledger_call_timeout"`
}

// LedgerKey the ledger key of this worker's entry
func (p WorkerParams) LedgerKey(now time.Time) string {
	ts := now
	if p.Key.From > 0 {
		ts = time.Unix(p.Key.From, 0)
	}
	return p.Key.LedgerKey(p.KeyWithBucket, feed.TimestampBucket(ts, p.BucketGranularity))
}

// copyHeaders deep copy of the header map so params stay immutable once handed out
func copyHeaders(headers map[string]string) map[string]string {
	if headers == nil {
		return nil
	}
	result := make(map[string]string, len(headers))
	for k, v := range headers {
		result[k] = v
	}
	return result
}
