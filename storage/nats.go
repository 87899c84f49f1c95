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
	"encoding/json"
	"errors"
	"fmt"

	"github.com/alwitt/feedrelay/common"
	"github.com/alwitt/feedrelay/core"
	"github.com/apex/log"
	"github.com/nats-io/nats.go"
)

// natsLedgerStore LedgerStore backed by NATS JetStream KV buckets. The namespace is
// the bucket name.
type natsLedgerStore struct {
	common.Component
	client *core.NatsClient
}

// GetNATSLedgerStore define a NATS JetStream KV backed LedgerStore
func GetNATSLedgerStore(client *core.NatsClient) LedgerStore {
	logTags := log.Fields{"module": "storage", "component": "nats-kv-ledger"}
	return &natsLedgerStore{Component: common.Component{LogTags: logTags}, client: client}
}

// OpenLedger open a new handle on the KV bucket named by the namespace. The bucket is
// created if missing.
func (s *natsLedgerStore) OpenLedger(ctxt context.Context, namespace string) (Ledger, error) {
	if err := ValidateNamespace(namespace); err != nil {
		log.WithError(err).WithFields(s.LogTags).Error("Unable to open ledger")
		return nil, err
	}
	if err := ctxt.Err(); err != nil {
		return nil, err
	}
	logTags := s.CopyLogTags(log.Fields{"bucket": namespace})
	kv, err := s.client.JetStream().KeyValue(namespace)
	if errors.Is(err, nats.ErrBucketNotFound) {
		log.WithFields(logTags).Info("Creating ledger KV bucket")
		kv, err = s.client.JetStream().CreateKeyValue(&nats.KeyValueConfig{
			Bucket:      namespace,
			Description: "feed delivery ledger",
			History:     1,
		})
	}
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to bind ledger KV bucket")
		return nil, err
	}
	return &natsLedger{Component: common.Component{LogTags: logTags}, kv: kv}, nil
}

// Close release the store. The NATS client is owned by the caller.
func (s *natsLedgerStore) Close() error {
	return nil
}

// natsLedger a Ledger handle on a NATS KV bucket
type natsLedger struct {
	common.Component
	kv nats.KeyValue
}

// Put record the entry for a key
func (l *natsLedger) Put(ctxt context.Context, key string, entry LedgerEntry) error {
	if err := ctxt.Err(); err != nil {
		return err
	}
	serialized, err := json.Marshal(&entry)
	if err != nil {
		return err
	}
	rev, err := l.kv.Put(key, serialized)
	if err != nil {
		log.WithError(err).WithFields(l.LogTags).Errorf("Failed to PUT %s", key)
		return fmt.Errorf("writing ledger entry '%s': %w", key, err)
	}
	log.WithFields(l.LogTags).Debugf("PUT %s@%d", key, rev)
	return nil
}

// Get read the entry for a key
func (l *natsLedger) Get(ctxt context.Context, key string) (LedgerEntry, bool, error) {
	if err := ctxt.Err(); err != nil {
		return LedgerEntry{}, false, err
	}
	kve, err := l.kv.Get(key)
	if errors.Is(err, nats.ErrKeyNotFound) {
		return LedgerEntry{}, false, nil
	}
	if err != nil {
		log.WithError(err).WithFields(l.LogTags).Errorf("Failed to GET %s", key)
		return LedgerEntry{}, false, fmt.Errorf("reading ledger entry '%s': %w", key, err)
	}
	var entry LedgerEntry
	if err := json.Unmarshal(kve.Value(), &entry); err != nil {
		log.WithError(err).WithFields(l.LogTags).Errorf("Corrupt ledger entry %s", key)
		return LedgerEntry{}, false, fmt.Errorf("parsing ledger entry '%s': %w", key, err)
	}
	return entry, true, nil
}

// Delete remove the entry for a key
func (l *natsLedger) Delete(ctxt context.Context, key string) error {
	if err := ctxt.Err(); err != nil {
		return err
	}
	if err := l.kv.Delete(key); err != nil && !errors.Is(err, nats.ErrKeyNotFound) {
		log.WithError(err).WithFields(l.LogTags).Errorf("Failed to DELETE %s", key)
		return fmt.Errorf("deleting ledger entry '%s': %w", key, err)
	}
	return nil
}

// Close release the handle
func (l *natsLedger) Close() error {
	return nil
}
