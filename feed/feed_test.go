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

package feed

import (
	"encoding/json"
	"net/url"
	"testing"
	"time"

	"github.com/apex/log"
	"github.com/stretchr/testify/assert"
)

func TestSubscriptionLedgerKey(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	// Case 0: minimal key
	{
		key := SubscriptionKey{OrgID: "org-1", UserID: "user-1", Kind: KindMetrics, Type: "cpu_usage"}
		assert.Equal("org-1.user-1.metrics.cpu__usage", key.LedgerKey(false, 0))
		assert.Equal("org-1.user-1.metrics.cpu__usage.bucket=120", key.LedgerKey(true, 120))
		assert.Equal(key.LedgerKey(false, 0), key.String())
	}

	// Case 1: optional scopes and unsupported characters
	{
		key := SubscriptionKey{
			OrgID:     "org 1",
			UserID:    "user@example.com",
			Kind:      KindNotifications,
			Type:      "alert",
			NodeID:    "uk-sa2341-hnode-v0-a1a0",
			NetworkID: "net.1",
			From:      1700000000,
		}
		assert.Equal(
			"org_201.user_40example_2Ecom.notifications.alert.node=uk-sa2341-hnode-v0-a1a0.network=net_2E1.from=1700000000",
			key.LedgerKey(false, 0),
		)
	}

	// Case 2: near identical parts render distinct keys
	{
		base := SubscriptionKey{OrgID: "org", UserID: "user", Kind: KindMetrics}
		rendered := map[string]string{}
		for _, variant := range []struct {
			org   string
			mType string
		}{
			{"org", "cpu.usage"},
			{"org", "cpu_usage"},
			{"org", "cpu_2Eusage"},
			{"org", "cpu usage"},
			{"a b", "cpu"},
			{"a_b", "cpu"},
			{"a_20b", "cpu"},
		} {
			key := base
			key.OrgID = variant.org
			key.Type = variant.mType
			ledgerKey := key.LedgerKey(false, 0)
			assert.Regexp(`^[-/_=.a-zA-Z0-9]+$`, ledgerKey)
			previous, exists := rendered[ledgerKey]
			assert.Falsef(exists, "%s/%s renders like %s", variant.org, variant.mType, previous)
			rendered[ledgerKey] = variant.org + "/" + variant.mType
		}
		assert.Len(rendered, 7)
	}

	// Case 3: time bucket
	{
		ts := time.Unix(1700000059, 0)
		assert.Equal(int64(1700000040), TimestampBucket(ts, time.Minute))
		assert.Equal(int64(1700000059), TimestampBucket(ts, 0))
	}
}

func TestRequestURL(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	// Case 0: no document
	{
		_, err := Request{}.URL("ws://localhost/graphql")
		assert.NotNil(err)
	}

	// Case 1: relative endpoint
	{
		_, err := Request{Query: "subscription { a }"}.URL("/graphql")
		assert.NotNil(err)
	}

	// Case 2: full request
	{
		req := Request{
			OperationName: "MetricSub",
			Query:         "subscription MetricSub($orgId: String!) { metric(orgId: $orgId) { value } }",
		}
		key := SubscriptionKey{
			OrgID: "org-1", UserID: "user-1", Kind: KindMetrics, Type: "cpu", NodeID: "node-1",
		}
		rendered, err := req.KeyVariables(key).URL("ws://localhost:8080/graphql?token=abc")
		assert.Nil(err)
		parsed, err := url.Parse(rendered)
		assert.Nil(err)
		assert.Equal("ws", parsed.Scheme)
		assert.Equal("/graphql", parsed.Path)
		params := parsed.Query()
		assert.Equal("abc", params.Get("token"))
		assert.Equal(req.Query, params.Get("query"))
		assert.Equal("MetricSub", params.Get("operationName"))
		var vars map[string]interface{}
		assert.Nil(json.Unmarshal([]byte(params.Get("variables")), &vars))
		assert.Equal("org-1", vars["orgId"])
		assert.Equal("user-1", vars["userId"])
		assert.Equal("cpu", vars["type"])
		assert.Equal("node-1", vars["nodeId"])
		_, ok := vars["siteId"]
		assert.False(ok)
	}

	// Case 3: caller variables take precedence
	{
		req := Request{Query: "subscription { a }", Variables: map[string]interface{}{"type": "override"}}
		key := SubscriptionKey{OrgID: "o", UserID: "u", Kind: KindMetrics, Type: "cpu"}
		assert.Equal("override", req.KeyVariables(key).Variables["type"])
	}
}

func TestPayloadDecode(t *testing.T) {
	assert := assert.New(t)

	// Case 0: metric sample
	{
		sample, err := DecodeMetricSample("[1700000000000, 12.5]")
		assert.Nil(err)
		assert.Equal(int64(1700000000000), sample.TimestampMillis)
		assert.Equal(12.5, sample.Value)
		serialized, err := json.Marshal(sample)
		assert.Nil(err)
		assert.Equal("[1700000000000,12.5]", string(serialized))
	}

	// Case 1: bad metric samples
	{
		_, err := DecodeMetricSample("[1]")
		assert.NotNil(err)
		_, err = DecodeMetricSample("{}")
		assert.NotNil(err)
	}

	// Case 2: notification
	{
		n, err := DecodeNotification(
			`{"createdAt":"2024-01-01T00:00:00Z","description":"d","id":"n-1","isRead":false,"scope":"org","title":"t","type":"alert"}`,
		)
		assert.Nil(err)
		assert.Equal("n-1", n.ID)
		assert.Equal("alert", n.Type)
		assert.False(n.IsRead)
	}
}
