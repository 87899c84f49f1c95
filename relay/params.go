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
	"fmt"
	"time"

	"github.com/alwitt/feedrelay/bus"
	"github.com/alwitt/feedrelay/common"
	"github.com/alwitt/feedrelay/feed"
)

// FeedRequest request to relay one feed
type FeedRequest struct {
	// Key the logical feed identity
	Key feed.SubscriptionKey `json:"key"`
	// Request the GraphQL subscription request sent upstream
	Request feed.Request `json:"request"`
	// Topic optional topic override
	Topic string `json:"topic,omitempty"`
	// Transport optional transport override
	Transport TransportKind `json:"transport,omitempty" validate:"omitempty,oneof=websocket sse"`
}

// BuildWorkerParams resolve a feed request against the system config.
//
// The feed kind's policy decides cap, ledger key shape, default transport, decoder and
// topic. Metric feeds publish on their type name unless the policy or request name a topic.
func BuildWorkerParams(config common.SystemConfig, req FeedRequest) (WorkerParams, error) {
	policy, ok := config.Feeds[string(req.Key.Kind)]
	if !ok {
		return WorkerParams{}, fmt.Errorf("no delivery policy for feed kind '%s'", req.Key.Kind)
	}

	transport := TransportKind(policy.Transport)
	if req.Transport != "" {
		transport = req.Transport
	}
	var endpoint string
	switch transport {
	case TransportWebSocket:
		endpoint = config.Upstream.WebSocketURL
	case TransportSSE:
		endpoint = config.Upstream.HTTPURL
	default:
		return WorkerParams{}, fmt.Errorf("unknown transport '%s'", transport)
	}
	sourceURL, err := req.Request.KeyVariables(req.Key).URL(endpoint)
	if err != nil {
		return WorkerParams{}, err
	}

	topic := bus.Topic(req.Key.Type)
	if req.Topic != "" {
		topic = bus.Topic(req.Topic)
	} else if policy.Topic != "" {
		topic = bus.Topic(policy.Topic)
	}

	return WorkerParams{
		URL:               sourceURL,
		Topic:             topic,
		Key:               req.Key,
		Transport:         transport,
		Decoder:           DecoderKind(policy.Decoder),
		Cap:               policy.Cap,
		KeyWithBucket:     policy.KeyWithBucket,
		BucketGranularity: time.Second * time.Duration(policy.BucketGranularity),
		Namespace:         config.Ledger.Namespace,
		Headers:           copyHeaders(config.Upstream.Headers),
		HandshakeTimeout:  time.Second * time.Duration(config.Upstream.HandshakeTimeout),
		LedgerCallTimeout: time.Second * time.Duration(config.Ledger.CallTimeout),
	}, nil
}

// RestartPolicyFromConfig convert the relay config into a restart policy
func RestartPolicyFromConfig(config common.RelayConfig) RestartPolicy {
	return RestartPolicy{
		Enabled:     config.RestartOnError,
		Delay:       time.Second * time.Duration(config.RestartDelay),
		MaxRestarts: config.MaxRestarts,
	}
}
