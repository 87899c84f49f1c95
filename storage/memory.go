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

package storage

import (
	"context"
	"fmt"
	"sync"

	"github.com/alwitt/feedrelay/common"
	"github.com/apex/log"
)

// memoryLedgerStore in process LedgerStore. Handles of the same namespace see the same
// entries.
type memoryLedgerStore struct {
	common.Component
	lock       sync.Mutex
	namespaces map[string]map[string]LedgerEntry
	closed     bool
}

// GetInMemoryLedgerStore define an in-memory LedgerStore
func GetInMemoryLedgerStore() LedgerStore {
	logTags := log.Fields{"module": "storage", "component": "memory-ledger"}
	return &memoryLedgerStore{
		Component:  common.Component{LogTags: logTags},
		namespaces: make(map[string]map[string]LedgerEntry),
	}
}

// OpenLedger open a new handle scoped to a namespace
func (s *memoryLedgerStore) OpenLedger(_ context.Context, namespace string) (Ledger, error) {
	if err := ValidateNamespace(namespace); err != nil {
		log.WithError(err).WithFields(s.LogTags).Error("Unable to open ledger")
		return nil, err
	}
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.closed {
		return nil, fmt.Errorf("memory ledger store closed")
	}
	if _, ok := s.namespaces[namespace]; !ok {
		s.namespaces[namespace] = make(map[string]LedgerEntry)
	}
	return &memoryLedger{store: s, namespace: namespace}, nil
}

// Close release the store
func (s *memoryLedgerStore) Close() error {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.closed = true
	s.namespaces = make(map[string]map[string]LedgerEntry)
	return nil
}

// memoryLedger a Ledger handle on a memoryLedgerStore
type memoryLedger struct {
	store     *memoryLedgerStore
	namespace string
	closed    bool
}

func (l *memoryLedger) entries() (map[string]LedgerEntry, error) {
	if l.closed || l.store.closed {
		return nil, fmt.Errorf("ledger handle closed")
	}
	return l.store.namespaces[l.namespace], nil
}

// Put record the entry for a key
func (l *memoryLedger) Put(_ context.Context, key string, entry LedgerEntry) error {
	l.store.lock.Lock()
	defer l.store.lock.Unlock()
	entries, err := l.entries()
	if err != nil {
		return err
	}
	entries[key] = entry
	return nil
}

// Get read the entry for a key
func (l *memoryLedger) Get(_ context.Context, key string) (LedgerEntry, bool, error) {
	l.store.lock.Lock()
	defer l.store.lock.Unlock()
	entries, err := l.entries()
	if err != nil {
		return LedgerEntry{}, false, err
	}
	entry, ok := entries[key]
	return entry, ok, nil
}

// Delete remove the entry for a key
func (l *memoryLedger) Delete(_ context.Context, key string) error {
	l.store.lock.Lock()
	defer l.store.lock.Unlock()
	entries, err := l.entries()
	if err != nil {
		return err
	}
	delete(entries, key)
	return nil
}

// Close release the handle
func (l *memoryLedger) Close() error {
	l.store.lock.Lock()
	defer l.store.lock.Unlock()
	l.closed = true
	return nil
}
