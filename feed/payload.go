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
	"fmt"
)

// MetricSample one metric data point, carried on the wire as [timestampMillis, value]
type MetricSample struct {
	TimestampMillis int64
	Value           float64
}

// MarshalJSON implements json.Marshaler
func (s MetricSample) MarshalJSON() ([]byte, error) {
	return json.Marshal([]interface{}{s.TimestampMillis, s.Value})
}

// UnmarshalJSON implements json.Unmarshaler
func (s *MetricSample) UnmarshalJSON(b []byte) error {
	var tuple []json.Number
	if err := json.Unmarshal(b, &tuple); err != nil {
		return err
	}
	if len(tuple) != 2 {
		return fmt.Errorf("metric sample must have 2 elements, got %d", len(tuple))
	}
	ts, err := tuple[0].Float64()
	if err != nil {
		return fmt.Errorf("invalid metric timestamp: %w", err)
	}
	value, err := tuple[1].Float64()
	if err != nil {
		return fmt.Errorf("invalid metric value: %w", err)
	}
	s.TimestampMillis = int64(ts)
	s.Value = value
	return nil
}

// Notification one notification as delivered by the notification feed
type Notification struct {
	CreatedAt   string `json:"createdAt"`
	Description string `json:"description"`
	ID          string `json:"id"`
	IsRead      bool   `json:"isRead"`
	Scope       string `json:"scope"`
	Title       string `json:"title"`
	Type        string `json:"type"`
}

// DecodeMetricSample parse a metrics topic payload
func DecodeMetricSample(payload string) (MetricSample, error) {
	var sample MetricSample
	err := json.Unmarshal([]byte(payload), &sample)
	return sample, err
}

// DecodeNotification parse a notifications topic payload
func DecodeNotification(payload string) (Notification, error) {
	var n Notification
	err := json.Unmarshal([]byte(payload), &n)
	return n, err
}
