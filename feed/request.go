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
	"net/url"

	"github.com/google/go-querystring/query"
)

// Request a typed GraphQL subscription request. The document is feed type specific and
// provided by the caller; this only handles serialization.
type Request struct {
	// OperationName the GraphQL operation name
	OperationName string `json:"operation_name,omitempty"`
	// Query the GraphQL subscription document
	Query string `json:"query" validate:"required"`
	// Variables the operation variables
	Variables map[string]interface{} `json:"variables,omitempty"`
}

// requestQueryParams URL query form of a Request
type requestQueryParams struct {
	Query         string `url:"query"`
	Variables     string `url:"variables,omitempty"`
	OperationName string `url:"operationName,omitempty"`
}

// Encode render the request as URL query parameters
func (r Request) Encode() (url.Values, error) {
	params := requestQueryParams{Query: r.Query, OperationName: r.OperationName}
	if len(r.Variables) > 0 {
		serialized, err := json.Marshal(r.Variables)
		if err != nil {
			return nil, fmt.Errorf("unable to serialize variables: %w", err)
		}
		params.Variables = string(serialized)
	}
	return query.Values(params)
}

// URL render the feed source URL against an endpoint. Existing query parameters of the
// endpoint are kept.
func (r Request) URL(endpoint string) (string, error) {
	if r.Query == "" {
		return "", fmt.Errorf("request has no query document")
	}
	base, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("invalid endpoint '%s': %w", endpoint, err)
	}
	if base.Scheme == "" || base.Host == "" {
		return "", fmt.Errorf("endpoint '%s' is not absolute", endpoint)
	}
	params, err := r.Encode()
	if err != nil {
		return "", err
	}
	merged := base.Query()
	for k, vs := range params {
		for _, v := range vs {
			merged.Add(k, v)
		}
	}
	base.RawQuery = merged.Encode()
	return base.String(), nil
}

// KeyVariables helper function to derive the standard variables from a subscription key.
// Variables already set on the request take precedence.
func (r Request) KeyVariables(key SubscriptionKey) Request {
	vars := map[string]interface{}{
		"orgId":  key.OrgID,
		"userId": key.UserID,
		"type":   key.Type,
	}
	if key.NodeID != "" {
		vars["nodeId"] = key.NodeID
	}
	if key.SiteID != "" {
		vars["siteId"] = key.SiteID
	}
	if key.NetworkID != "" {
		vars["networkId"] = key.NetworkID
	}
	if key.SubscriberID != "" {
		vars["subscriberId"] = key.SubscriberID
	}
	if key.From > 0 {
		vars["from"] = key.From
	}
	for k, v := range r.Variables {
		vars[k] = v
	}
	return Request{OperationName: r.OperationName, Query: r.Query, Variables: vars}
}
