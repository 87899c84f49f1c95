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

// Package feed defines the identity of a live feed and the typed request used to
// open it upstream.
package feed

import (
	"fmt"
	"strings"
	"time"
)

// Kind the class of a live feed. Each kind carries its own delivery policy.
type Kind string

const (
	// KindMetrics a metric series feed
	KindMetrics Kind = "metrics"
	// KindMetricStats a metric statistics feed
	KindMetricStats Kind = "metric_stats"
	// KindNotifications a notification stream feed
	KindNotifications Kind = "notifications"
)

// SubscriptionKey uniquely identifies one logical live feed
type SubscriptionKey struct {
	// OrgID the org owning the feed
	OrgID string `json:"org_id" validate:"required"`
	// UserID the user the feed is for
	UserID string `json:"user_id" validate:"required"`
	// Kind the class of the feed
	Kind Kind `json:"kind" validate:"required"`
	// Type the metric name or notification type
	Type string `json:"type" validate:"required"`
	// NodeID optional node scope
	NodeID string `json:"node_id,omitempty"`
	// SiteID optional site scope
	SiteID string `json:"site_id,omitempty"`
	// NetworkID optional network scope
	NetworkID string `json:"network_id,omitempty"`
	// SubscriberID optional subscriber scope
	SubscriberID string `json:"subscriber_id,omitempty"`
	// From optional start of the time window, unix seconds
	From int64 `json:"from,omitempty" validate:"gte=0"`
}

// sanitizeKeyPart escape anything a KV key can not carry. "." is the part separator.
//
// "_" is the escape byte: a literal "_" becomes "__" and any other unsupported byte
// becomes "_XX" (upper case hex), so distinct parts always render distinct keys.
func sanitizeKeyPart(part string) string {
	var builder strings.Builder
	builder.Grow(len(part))
	for i := 0; i < len(part); i++ {
		c := part[i]
		switch {
		case c == '_':
			builder.WriteString("__")
		case c == '-' || c == '/' || c == '=',
			c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
			builder.WriteByte(c)
		default:
			fmt.Fprintf(&builder, "_%02X", c)
		}
	}
	return builder.String()
}

// String toString function
func (k SubscriptionKey) String() string {
	return k.LedgerKey(false, 0)
}

// LedgerKey render the key used to track this feed in the delivery ledger
func (k SubscriptionKey) LedgerKey(withBucket bool, bucket int64) string {
	parts := []string{
		sanitizeKeyPart(k.OrgID),
		sanitizeKeyPart(k.UserID),
		sanitizeKeyPart(string(k.Kind)),
		sanitizeKeyPart(k.Type),
	}
	for _, optional := range []struct {
		tag   string
		value string
	}{
		{"node", k.NodeID},
		{"site", k.SiteID},
		{"network", k.NetworkID},
		{"subscriber", k.SubscriberID},
	} {
		if optional.value != "" {
			parts = append(parts, fmt.Sprintf("%s=%s", optional.tag, sanitizeKeyPart(optional.value)))
		}
	}
	if k.From > 0 {
		parts = append(parts, fmt.Sprintf("from=%d", k.From))
	}
	if withBucket {
		parts = append(parts, fmt.Sprintf("bucket=%d", bucket))
	}
	return strings.Join(parts, ".")
}

// TimestampBucket compute the coarse timestamp bucket a ledger entry is filed under
func TimestampBucket(ts time.Time, granularity time.Duration) int64 {
	if granularity <= 0 {
		return ts.Unix()
	}
	return ts.Truncate(granularity).Unix()
}
