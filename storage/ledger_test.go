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
	"path/filepath"
	"testing"
	"time"

	"github.com/alwitt/feedrelay/common"
	"github.com/alwitt/feedrelay/core"
	"github.com/apex/log"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
)

// exerciseLedgerStore common behavior every LedgerStore must show
func exerciseLedgerStore(t *testing.T, store LedgerStore, namespace string) {
	assert := assert.New(t)

	utCtxt, cancel := context.WithTimeout(context.Background(), time.Second*10)
	defer cancel()

	// Case 0: invalid namespaces
	{
		_, err := store.OpenLedger(utCtxt, "")
		assert.ErrorIs(err, ErrNoNamespace)
		_, err = store.OpenLedger(utCtxt, "bad namespace")
		assert.NotNil(err)
	}

	uut, err := store.OpenLedger(utCtxt, namespace)
	assert.Nil(err)
	defer func() {
		assert.Nil(uut.Close())
	}()

	key1 := fmt.Sprintf("org.user.metrics.%s", uuid.New().String())
	key2 := fmt.Sprintf("org.user.notifications.%s", uuid.New().String())

	// Case 1: unknown key
	{
		_, found, err := uut.Get(utCtxt, key1)
		assert.Nil(err)
		assert.False(found)
	}

	// Case 2: put and read back
	{
		assert.Nil(uut.Put(utCtxt, key1, LedgerEntry{Count: 0, Bucket: 60}))
		entry, found, err := uut.Get(utCtxt, key1)
		assert.Nil(err)
		assert.True(found)
		assert.Equal(uint64(0), entry.Count)
		assert.Equal(int64(60), entry.Bucket)
	}

	// Case 3: read-modify-write
	for itr := 1; itr <= 5; itr++ {
		entry, _, err := uut.Get(utCtxt, key1)
		assert.Nil(err)
		entry.Count++
		assert.Nil(uut.Put(utCtxt, key1, entry))
	}
	{
		entry, found, err := uut.Get(utCtxt, key1)
		assert.Nil(err)
		assert.True(found)
		assert.Equal(uint64(5), entry.Count)
	}

	// Case 4: keys are independent
	{
		assert.Nil(uut.Put(utCtxt, key2, LedgerEntry{Count: 42}))
		entry, _, err := uut.Get(utCtxt, key1)
		assert.Nil(err)
		assert.Equal(uint64(5), entry.Count)
	}

	// Case 5: a second handle sees the same namespace
	{
		other, err := store.OpenLedger(utCtxt, namespace)
		assert.Nil(err)
		entry, found, err := other.Get(utCtxt, key2)
		assert.Nil(err)
		assert.True(found)
		assert.Equal(uint64(42), entry.Count)
		assert.Nil(other.Close())
	}

	// Case 6: delete
	{
		assert.Nil(uut.Delete(utCtxt, key1))
		_, found, err := uut.Get(utCtxt, key1)
		assert.Nil(err)
		assert.False(found)
		// Deleting again is fine
		assert.Nil(uut.Delete(utCtxt, key1))
		assert.Nil(uut.Delete(utCtxt, key2))
	}
}

func TestInMemoryLedger(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	store := GetInMemoryLedgerStore()
	exerciseLedgerStore(t, store, "ut-memory")

	// Namespaces are isolated
	utCtxt := context.Background()
	ns1, err := store.OpenLedger(utCtxt, "ns1")
	assert.Nil(err)
	ns2, err := store.OpenLedger(utCtxt, "ns2")
	assert.Nil(err)
	assert.Nil(ns1.Put(utCtxt, "key", LedgerEntry{Count: 3}))
	_, found, err := ns2.Get(utCtxt, "key")
	assert.Nil(err)
	assert.False(found)

	// Closed handle is unusable
	assert.Nil(ns1.Close())
	assert.NotNil(ns1.Put(utCtxt, "key", LedgerEntry{Count: 4}))

	// Closed store is unusable
	assert.Nil(store.Close())
	_, err = store.OpenLedger(utCtxt, "ns1")
	assert.NotNil(err)
	_, _, err = ns2.Get(utCtxt, "key")
	assert.NotNil(err)
}

func TestSQLiteLedger(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	dbPath := filepath.Join(t.TempDir(), "ledger.db")
	store, err := GetSQLiteLedgerStore(context.Background(), dbPath)
	assert.Nil(err)
	exerciseLedgerStore(t, store, "ut-sqlite")

	// Entries survive a store reopen
	{
		utCtxt := context.Background()
		handle, err := store.OpenLedger(utCtxt, "ut-sqlite-durable")
		assert.Nil(err)
		assert.Nil(handle.Put(utCtxt, "key", LedgerEntry{Count: 7, Bucket: 120}))
		assert.Nil(handle.Close())
		assert.Nil(store.Close())

		reopened, err := GetSQLiteLedgerStore(utCtxt, dbPath)
		assert.Nil(err)
		handle, err = reopened.OpenLedger(utCtxt, "ut-sqlite-durable")
		assert.Nil(err)
		entry, found, err := handle.Get(utCtxt, "key")
		assert.Nil(err)
		assert.True(found)
		assert.Equal(LedgerEntry{Count: 7, Bucket: 120}, entry)
		assert.Nil(handle.Close())
	}
}

func TestNATSLedger(t *testing.T) {
	serverURI := common.GetUnitTestNatsURI()
	if serverURI == "" {
		t.Skip("UNITTEST_NATS_URI not set")
	}
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	js, err := core.GetJetStream(core.NATSConnectParams{
		ServerURI:           serverURI,
		ConnectTimeout:      time.Second,
		MaxReconnectAttempt: 0,
		ReconnectWait:       time.Second,
		OnDisconnectCallback: func(_ *nats.Conn, e error) {
			if e != nil {
				log.WithError(e).Error("Disconnect callback triggered with failure")
			}
		},
		OnReconnectCallback: func(_ *nats.Conn) {},
		OnCloseCallback:     func(_ *nats.Conn) {},
	})
	assert.Nil(err)
	defer js.Close(context.Background())

	bucket := fmt.Sprintf("ut-ledger-%s", uuid.New().String())
	defer func() {
		assert.Nil(js.JetStream().DeleteKeyValue(bucket))
	}()
	exerciseLedgerStore(t, GetNATSLedgerStore(js), bucket)
}
