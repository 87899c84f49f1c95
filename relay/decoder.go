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
	"bytes"
	"encoding/json"
	"fmt"
	"unicode/utf8"
)

// ErrSkipFrame the frame is protocol chatter which carries no payload
var ErrSkipFrame = fmt.Errorf("frame carries no payload")

// FrameDecoder convert one raw upstream frame into a publish payload
type FrameDecoder func(raw []byte) (string, error)

// GetFrameDecoder fetch the decoder of a kind
func GetFrameDecoder(kind DecoderKind) (FrameDecoder, error) {
	switch kind {
	case DecoderJSON:
		return decodeJSON, nil
	case DecoderGraphQL:
		return decodeGraphQL, nil
	case DecoderPassthrough:
		return decodePassthrough, nil
	default:
		return nil, fmt.Errorf("unknown frame decoder '%s'", kind)
	}
}

func decodePassthrough(raw []byte) (string, error) {
	if !utf8.Valid(raw) {
		return "", fmt.Errorf("frame is not valid UTF-8")
	}
	return string(raw), nil
}

func decodeJSON(raw []byte) (string, error) {
	if !json.Valid(raw) {
		return "", fmt.Errorf("frame is not valid JSON")
	}
	return string(bytes.TrimSpace(raw)), nil
}

// graphQLResult a GraphQL execution result
type graphQLResult struct {
	Data   json.RawMessage   `json:"data"`
	Errors []json.RawMessage `json:"errors"`
}

// graphQLEnvelope a GraphQL over WebSocket protocol message, or a bare execution result
type graphQLEnvelope struct {
	graphQLResult
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

func isNullJSON(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}

// decodeGraphQL extract the data of a subscription result. A data object with a single
// field is unwrapped to that field's value.
func decodeGraphQL(raw []byte) (string, error) {
	var envelope graphQLEnvelope
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return "", fmt.Errorf("frame is not a GraphQL message: %w", err)
	}
	result := envelope.graphQLResult
	switch envelope.Type {
	case "", "next", "data":
		if !isNullJSON(envelope.Payload) {
			if err := json.Unmarshal(envelope.Payload, &result); err != nil {
				return "", fmt.Errorf("GraphQL payload is not an execution result: %w", err)
			}
		}
	case "connection_ack", "ka", "ping", "pong", "complete":
		return "", ErrSkipFrame
	default:
		return "", fmt.Errorf("unsupported GraphQL message type '%s'", envelope.Type)
	}
	if len(result.Errors) > 0 {
		return "", fmt.Errorf("GraphQL result carries %d errors", len(result.Errors))
	}
	if isNullJSON(result.Data) {
		return "", fmt.Errorf("GraphQL result has no data")
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(result.Data, &fields); err == nil && len(fields) == 1 {
		for _, value := range fields {
			if isNullJSON(value) {
				return "", fmt.Errorf("GraphQL result field is null")
			}
			return compactJSON(value)
		}
	}
	return compactJSON(result.Data)
}

func compactJSON(raw json.RawMessage) (string, error) {
	buf := bytes.Buffer{}
	if err := json.Compact(&buf, raw); err != nil {
		return "", err
	}
	return buf.String(), nil
}
