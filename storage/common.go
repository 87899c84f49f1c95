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

// Package storage provides the delivery ledger: a per subscription key counter store
// backed by memory, an embedded sqlite database, or a NATS JetStream KV bucket.
package storage

import (
	"context"
	"fmt"
	"regexp"
)

// ErrNoNamespace ledger was opened without a namespace
var ErrNoNamespace = fmt.Errorf("ledger namespace not set")

// LedgerEntry the delivery record of one subscription key
type LedgerEntry struct {
	// Count number of messages delivered
	Count uint64 `json:"count"`
	// Bucket coarse timestamp bucket the entry was last updated in
	Bucket int64 `json:"bucket"`
}

// Ledger a handle to the delivery ledger. A handle is owned by a single worker; there
// are no transactions across keys.
type Ledger interface {
	// Put record the entry for a key
	Put(ctxt context.Context, key string, entry LedgerEntry) error
	// Get read the entry for a key. Returns false if the key has no entry.
	Get(ctxt context.Context, key string) (LedgerEntry, bool, error)
	// Delete remove the entry for a key. Deleting an unknown key is not an error.
	Delete(ctxt context.Context, key string) error
	// Close release the handle
	Close() error
}

// LedgerStore opens dedicated ledger handles
type LedgerStore interface {
	// OpenLedger open a new handle scoped to a namespace
	OpenLedger(ctxt context.Context, namespace string) (Ledger, error)
	// Close release the store
	Close() error
}

var validNamespace = regexp.MustCompile(`^[-_a-zA-Z0-9]+$`)

// ValidateNamespace verify a namespace can be used by every backend
func ValidateNamespace(namespace string) error {
	if namespace == "" {
		return ErrNoNamespace
	}
	if !validNamespace.MatchString(namespace) {
		return fmt.Errorf("ledger namespace '%s' has unsupported characters", namespace)
	}
	return nil
}
