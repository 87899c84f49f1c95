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

package cmd

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/alwitt/feedrelay/apis"
	"github.com/alwitt/feedrelay/bus"
	"github.com/alwitt/feedrelay/common"
	"github.com/alwitt/feedrelay/relay"
	"github.com/alwitt/feedrelay/storage"
	"github.com/apex/log"
	"github.com/stretchr/testify/assert"
)

// syncBuffer bytes.Buffer safe for one writer and one reader
type syncBuffer struct {
	lock sync.Mutex
	buf  bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.lock.Lock()
	defer b.lock.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.lock.Lock()
	defer b.lock.Unlock()
	return b.buf.String()
}

func TestDefineLedgerStore(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)
	ctxt := context.Background()

	// Case 0: memory
	{
		store, err := DefineLedgerStore(ctxt, common.LedgerConfig{Backend: "memory"}, nil)
		assert.Nil(err)
		ledger, err := store.OpenLedger(ctxt, "ut")
		assert.Nil(err)
		assert.Nil(ledger.Put(ctxt, "k", storage.LedgerEntry{Count: 1}))
		assert.Nil(ledger.Close())
		assert.Nil(store.Close())
	}

	// Case 1: sqlite
	{
		store, err := DefineLedgerStore(ctxt, common.LedgerConfig{
			Backend: "sqlite", SQLitePath: filepath.Join(t.TempDir(), "ledger.db"),
		}, nil)
		assert.Nil(err)
		assert.Nil(store.Close())
	}

	// Case 2: NATS without a client, unknown backend
	{
		_, err := DefineLedgerStore(ctxt, common.LedgerConfig{Backend: "nats"}, nil)
		assert.NotNil(err)
		_, err = DefineLedgerStore(ctxt, common.LedgerConfig{Backend: "etcd"}, nil)
		assert.NotNil(err)
	}
}

func TestTailTopic(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	wg := sync.WaitGroup{}
	utCtxt, utCtxtCancel := context.WithCancel(context.Background())
	defer wg.Wait()
	defer utCtxtCancel()

	topicBus := bus.GetTopicBus("ut-tail")
	host, err := relay.GetHostRelay(utCtxt, &wg, relay.HostRelayParams{
		Bus: topicBus, EventBuffer: 4, WorkerBuffer: 4,
	})
	assert.Nil(err)
	config := common.SystemConfig{
		API: common.RelayServerConfig{
			HTTPSetting: common.HTTPConfig{
				Logging: common.HTTPRequestLogging{RequestIDHeader: "Feedrelay-Request-ID"},
			},
		},
	}
	handler, err := apis.GetAPIRestRelayHandler(utCtxt, host, topicBus, config, nil)
	assert.Nil(err)
	server := httptest.NewServer(BuildRelayRouter("/", handler))
	defer server.Close()

	// Case 0: routes are mounted
	{
		resp, err := http.Get(server.URL + "/v1/alive")
		assert.Nil(err)
		assert.Equal(http.StatusOK, resp.StatusCode)
		assert.Nil(resp.Body.Close())
		resp, err = http.Get(server.URL + "/v1/relay/unknown")
		assert.Nil(err)
		assert.Equal(http.StatusNotFound, resp.StatusCode)
		assert.Nil(resp.Body.Close())
	}

	// Case 1: invalid params
	{
		err := RunTail(utCtxt, TailParams{Topic: "cpu"}, nil, &syncBuffer{}, &wg)
		assert.NotNil(err)
		err = RunTail(utCtxt, TailParams{Topic: "cpu", FromNATS: true}, nil, &syncBuffer{}, &wg)
		assert.NotNil(err)
	}

	// Case 2: follow a topic through the relay server
	tailCtxt, tailCancel := context.WithCancel(utCtxt)
	defer tailCancel()
	output := &syncBuffer{}
	tailResult := make(chan error, 1)
	go func() {
		tailResult <- RunTail(
			tailCtxt, TailParams{Topic: "cpu", ServerURL: server.URL}, nil, output, &wg,
		)
	}()
	assert.Eventually(func() bool {
		return topicBus.Subscribers("cpu") == 1
	}, time.Second*2, time.Millisecond*10)
	assert.Equal(1, topicBus.Publish("cpu", "[1,1]"))
	assert.Equal(1, topicBus.Publish("cpu", "[2,2]"))
	assert.Eventually(func() bool {
		return output.String() == "[1,1]\n[2,2]\n"
	}, time.Second*2, time.Millisecond*10)

	tailCancel()
	select {
	case err := <-tailResult:
		assert.Nil(err)
	case <-time.After(time.Second * 2):
		assert.Fail("tail did not stop")
	}
}
