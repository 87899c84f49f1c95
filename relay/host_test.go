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
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alwitt/feedrelay/bus"
	"github.com/alwitt/feedrelay/common"
	"github.com/alwitt/feedrelay/feed"
	"github.com/alwitt/feedrelay/storage"
	"github.com/apex/log"
	"github.com/stretchr/testify/assert"
)

// transportsByTopic factory handing out preset fake transports
func transportsByTopic(transports map[bus.Topic]*fakeTransport) TransportFactory {
	return func(params WorkerParams) (FeedTransport, error) {
		transport, ok := transports[params.Topic]
		if !ok {
			return nil, fmt.Errorf("no transport for %s", params.Topic)
		}
		return transport, nil
	}
}

type messageRecorder struct {
	lock sync.Mutex
	msgs []RelayMessage
}

func (r *messageRecorder) record(_ string, msg RelayMessage) {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.msgs = append(r.msgs, msg)
}

func (r *messageRecorder) snapshot() []RelayMessage {
	r.lock.Lock()
	defer r.lock.Unlock()
	return append([]RelayMessage{}, r.msgs...)
}

func TestHostRelayPublish(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	wg := sync.WaitGroup{}
	ctxt, cancel := context.WithCancel(context.Background())
	defer wg.Wait()
	defer cancel()

	topicBus := bus.GetTopicBus("ut-host")
	transports := map[bus.Topic]*fakeTransport{
		"cpu":    {frames: frameRange(5), block: true},
		"memory": {frames: frameRange(2)},
	}
	uut, err := GetHostRelay(ctxt, &wg, HostRelayParams{
		Bus:          topicBus,
		Ledgers:      storage.GetInMemoryLedgerStore(),
		Transports:   transportsByTopic(transports),
		EventBuffer:  4,
		WorkerBuffer: 2,
	})
	assert.Nil(err)

	busLock := sync.Mutex{}
	received := map[bus.Topic][]string{}
	for _, topic := range []bus.Topic{"cpu", "memory"} {
		_, err := topicBus.Subscribe(topic, func(topic bus.Topic, payload string) {
			busLock.Lock()
			defer busLock.Unlock()
			received[topic] = append(received[topic], payload)
		})
		assert.Nil(err)
	}

	// Case 0: capped relay
	cpuMsgs := messageRecorder{}
	cpuHandle, err := uut.StartRelay(ctxt, testWorkerParams("cpu", 3), cpuMsgs.record)
	assert.Nil(err)
	assert.Eventually(func() bool {
		status, err := uut.Status(cpuHandle)
		return err == nil && !status.Running
	}, time.Second*2, time.Millisecond*10)
	{
		status, err := uut.Status(cpuHandle)
		assert.Nil(err)
		assert.Equal(ReasonCapped, status.Reason)
		assert.Equal(uint64(3), status.Delivered)
		assert.Equal(StateTerminated.String(), status.State)
		assert.Equal(bus.Topic("cpu"), status.Topic)
	}
	msgs := cpuMsgs.snapshot()
	assert.Len(msgs, 3)
	assert.Equal(MessageCapReached, msgs[2].Message)
	busLock.Lock()
	assert.Equal(frameRange(3), received["cpu"])
	busLock.Unlock()

	// Case 1: callbacks registered with OnMessage, stream ends on its own
	memHandle, err := uut.StartRelay(ctxt, testWorkerParams("memory", 0))
	assert.Nil(err)
	assert.Nil(uut.OnMessage(memHandle, func(string, RelayMessage) {}))
	assert.Eventually(func() bool {
		status, err := uut.Status(memHandle)
		return err == nil && status.Reason == ReasonStreamEnded
	}, time.Second*2, time.Millisecond*10)
	busLock.Lock()
	assert.Equal(frameRange(2), received["memory"])
	busLock.Unlock()

	// Case 2: list in start order
	list := uut.List()
	assert.Len(list, 2)
	assert.Equal(cpuHandle, list[0].Handle)
	assert.Equal(memHandle, list[1].Handle)

	// Case 3: stopping terminated relays forgets them
	assert.Nil(uut.Stop(cpuHandle))
	_, err = uut.Status(cpuHandle)
	assert.ErrorIs(err, ErrUnknownHandle)
	assert.ErrorIs(uut.Stop(cpuHandle), ErrUnknownHandle)
	assert.ErrorIs(uut.OnMessage(cpuHandle, cpuMsgs.record), ErrUnknownHandle)
	assert.Nil(uut.StopAll())
	assert.Len(uut.List(), 0)
}

func TestHostRelayStop(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	wg := sync.WaitGroup{}
	ctxt, cancel := context.WithCancel(context.Background())
	defer wg.Wait()
	defer cancel()

	transport := &fakeTransport{frames: frameRange(1), block: true}
	uut, err := GetHostRelay(ctxt, &wg, HostRelayParams{
		Bus:          bus.GetTopicBus("ut-host-stop"),
		Transports:   transportsByTopic(map[bus.Topic]*fakeTransport{"cpu": transport}),
		EventBuffer:  4,
		WorkerBuffer: 2,
	})
	assert.Nil(err)

	recorder := messageRecorder{}
	handle, err := uut.StartRelay(ctxt, testWorkerParams("cpu", 0), recorder.record)
	assert.Nil(err)
	assert.Eventually(func() bool {
		status, err := uut.Status(handle)
		return err == nil && status.Delivered == 1 && status.State == StateActive.String()
	}, time.Second*2, time.Millisecond*10)

	assert.Nil(uut.Stop(handle))
	assert.Eventually(func() bool {
		_, err := uut.Status(handle)
		return err != nil
	}, time.Second*2, time.Millisecond*10)
	// Cancellation is benign, only the one payload was observed
	msgs := recorder.snapshot()
	assert.Len(msgs, 1)
	assert.False(msgs[0].IsError)

	// Invalid params are rejected
	params := testWorkerParams("cpu", 0)
	params.Namespace = ""
	_, err = uut.StartRelay(ctxt, params)
	assert.NotNil(err)
}

func TestHostRelayRestart(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	wg := sync.WaitGroup{}
	ctxt, cancel := context.WithCancel(context.Background())
	defer wg.Wait()
	defer cancel()

	failing := &fakeTransport{connectErr: fmt.Errorf("upstream down")}
	capped := &fakeTransport{frames: frameRange(2), block: true}
	uut, err := GetHostRelay(ctxt, &wg, HostRelayParams{
		Bus: bus.GetTopicBus("ut-host-restart"),
		Transports: transportsByTopic(map[bus.Topic]*fakeTransport{
			"cpu": failing, "memory": capped,
		}),
		Restart:      RestartPolicy{Enabled: true, Delay: time.Millisecond * 20, MaxRestarts: 2},
		EventBuffer:  4,
		WorkerBuffer: 2,
	})
	assert.Nil(err)

	// Case 0: connection errors are retried up to the limit
	recorder := messageRecorder{}
	handle, err := uut.StartRelay(ctxt, testWorkerParams("cpu", 5), recorder.record)
	assert.Nil(err)
	assert.Eventually(func() bool {
		status, err := uut.Status(handle)
		return err == nil && status.Restarts == 2 && !status.Running
	}, time.Second*2, time.Millisecond*10)
	time.Sleep(time.Millisecond * 100)
	assert.Equal(3, failing.connectCount())
	status, err := uut.Status(handle)
	assert.Nil(err)
	assert.Equal(ReasonConnectionError, status.Reason)
	assert.Contains(status.LastError, "upstream down")
	msgs := recorder.snapshot()
	assert.Len(msgs, 3)
	for _, msg := range msgs {
		assert.True(msg.IsError)
		assert.Nil(msg.Data)
	}

	// Case 1: capped relays are never restarted
	cappedHandle, err := uut.StartRelay(ctxt, testWorkerParams("memory", 2))
	assert.Nil(err)
	assert.Eventually(func() bool {
		status, err := uut.Status(cappedHandle)
		return err == nil && status.Reason == ReasonCapped
	}, time.Second*2, time.Millisecond*10)
	time.Sleep(time.Millisecond * 100)
	assert.Equal(1, capped.connectCount())

	assert.Nil(uut.StopAll())
}

func TestHostRelaySingleOwner(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	wg := sync.WaitGroup{}
	ctxt, cancel := context.WithCancel(context.Background())
	defer wg.Wait()
	defer cancel()

	live := &fakeTransport{frames: frameRange(1), block: true}
	capped := &fakeTransport{frames: frameRange(1), block: true}
	uut, err := GetHostRelay(ctxt, &wg, HostRelayParams{
		Bus:     bus.GetTopicBus("ut-host-owner"),
		Ledgers: storage.GetInMemoryLedgerStore(),
		Transports: transportsByTopic(map[bus.Topic]*fakeTransport{
			"cpu": live, "memory": capped,
		}),
		EventBuffer:  4,
		WorkerBuffer: 2,
	})
	assert.Nil(err)

	// Case 0: starting a live feed again reuses its relay
	first := messageRecorder{}
	handle, err := uut.StartRelay(ctxt, testWorkerParams("cpu", 5), first.record)
	assert.Nil(err)
	assert.Eventually(func() bool {
		status, err := uut.Status(handle)
		return err == nil && status.Delivered == 1
	}, time.Second*2, time.Millisecond*10)
	second := messageRecorder{}
	again, err := uut.StartRelay(ctxt, testWorkerParams("cpu", 5), second.record)
	assert.Nil(err)
	assert.Equal(handle, again)
	assert.Equal(1, live.connectCount())
	assert.Len(uut.List(), 1)

	// Case 1: same feed on another topic is refused
	{
		params := testWorkerParams("cpu", 5)
		params.Topic = "cpu-copy"
		_, err := uut.StartRelay(ctxt, params)
		assert.ErrorIs(err, ErrFeedActive)
		assert.Equal(1, live.connectCount())
	}

	// Case 2: once stopped the feed can be started again
	assert.Nil(uut.Stop(handle))
	assert.Eventually(func() bool {
		_, err := uut.Status(handle)
		return err != nil
	}, time.Second*2, time.Millisecond*10)
	restarted, err := uut.StartRelay(ctxt, testWorkerParams("cpu", 5))
	assert.Nil(err)
	assert.NotEqual(handle, restarted)
	assert.Eventually(func() bool {
		return live.connectCount() == 2
	}, time.Second*2, time.Millisecond*10)

	// Case 3: a capped relay gives up the feed while its status is kept
	cappedHandle, err := uut.StartRelay(ctxt, testWorkerParams("memory", 1))
	assert.Nil(err)
	assert.Eventually(func() bool {
		status, err := uut.Status(cappedHandle)
		return err == nil && status.Reason == ReasonCapped
	}, time.Second*2, time.Millisecond*10)
	nextHandle, err := uut.StartRelay(ctxt, testWorkerParams("memory", 1))
	assert.Nil(err)
	assert.NotEqual(cappedHandle, nextHandle)
	_, err = uut.Status(cappedHandle)
	assert.Nil(err)

	// Case 4: drain waits for the workers, after which nothing starts
	assert.Nil(uut.StopAll())
	drainCtxt, drainCancel := context.WithTimeout(ctxt, time.Second*2)
	defer drainCancel()
	assert.Nil(uut.Drain(drainCtxt))
	live.lock.Lock()
	lastConn := live.lastConn
	live.lock.Unlock()
	assert.Equal(int32(1), atomic.LoadInt32(&lastConn.closed))
	_, err = uut.StartRelay(ctxt, testWorkerParams("disk", 0))
	assert.NotNil(err)
}

func TestBuildWorkerParams(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	config := common.SystemConfig{
		Ledger: common.LedgerConfig{Backend: "memory", Namespace: "relay-ut", CallTimeout: 3},
		Feeds: map[string]common.FeedPolicyConfig{
			"metrics": {
				Cap: 90, KeyWithBucket: true, BucketGranularity: 60,
				Transport: "websocket", Decoder: "graphql",
			},
			"notifications": {
				Cap: 5, BucketGranularity: 60, Topic: "notifications",
				Transport: "sse", Decoder: "graphql",
			},
		},
		Upstream: common.UpstreamConfig{
			WebSocketURL:     "ws://feeds.local/graphql",
			HTTPURL:          "http://feeds.local/graphql",
			HandshakeTimeout: 10,
			Headers:          map[string]string{"X-Org": "org-1"},
		},
	}
	query := feed.Request{Query: "subscription { getMetrics }"}

	// Case 0: metrics feed publishes on its type
	{
		params, err := BuildWorkerParams(config, FeedRequest{Key: testKey("cpu"), Request: query})
		assert.Nil(err)
		assert.Equal(bus.Topic("cpu"), params.Topic)
		assert.Equal(90, params.Cap)
		assert.True(params.KeyWithBucket)
		assert.Equal(time.Minute, params.BucketGranularity)
		assert.Equal(TransportWebSocket, params.Transport)
		assert.Equal(DecoderGraphQL, params.Decoder)
		assert.Equal("relay-ut", params.Namespace)
		assert.Equal(time.Second*10, params.HandshakeTimeout)
		assert.Equal(time.Second*3, params.LedgerCallTimeout)
		parsed, err := url.Parse(params.URL)
		assert.Nil(err)
		assert.Equal("feeds.local", parsed.Host)
		assert.Equal("subscription { getMetrics }", parsed.Query().Get("query"))
		assert.Contains(parsed.Query().Get("variables"), "\"orgId\":\"org-1\"")
		assert.Equal("org-1", params.Headers["X-Org"])
	}

	// Case 1: topic and transport overrides
	{
		params, err := BuildWorkerParams(config, FeedRequest{
			Key: testKey("cpu"), Request: query, Topic: "cpu-live", Transport: TransportSSE,
		})
		assert.Nil(err)
		assert.Equal(bus.Topic("cpu-live"), params.Topic)
		assert.Equal(TransportSSE, params.Transport)
		assert.True(strings.HasPrefix(params.URL, "http://feeds.local/graphql?"))
	}

	// Case 2: notifications use the fixed topic
	{
		key := testKey("alert")
		key.Kind = feed.KindNotifications
		params, err := BuildWorkerParams(config, FeedRequest{Key: key, Request: query})
		assert.Nil(err)
		assert.Equal(bus.TopicNotifications, params.Topic)
		assert.Equal(5, params.Cap)
		assert.False(params.KeyWithBucket)
	}

	// Case 3: unknown kind or missing query
	{
		key := testKey("cpu")
		key.Kind = feed.KindMetricStats
		_, err := BuildWorkerParams(config, FeedRequest{Key: key, Request: query})
		assert.NotNil(err)
		_, err = BuildWorkerParams(config, FeedRequest{Key: testKey("cpu")})
		assert.NotNil(err)
	}

	// Case 4: restart policy
	{
		policy := RestartPolicyFromConfig(common.RelayConfig{
			RestartOnError: true, RestartDelay: 2, MaxRestarts: 4,
		})
		assert.Equal(RestartPolicy{Enabled: true, Delay: time.Second * 2, MaxRestarts: 4}, policy)
	}
}

func TestFrameDecoders(t *testing.T) {
	assert := assert.New(t)

	// Case 0: json
	{
		decoder, err := GetFrameDecoder(DecoderJSON)
		assert.Nil(err)
		payload, err := decoder([]byte(" [1,2] \n"))
		assert.Nil(err)
		assert.Equal("[1,2]", payload)
		_, err = decoder([]byte("[1,"))
		assert.NotNil(err)
	}

	// Case 1: graphql
	{
		decoder, err := GetFrameDecoder(DecoderGraphQL)
		assert.Nil(err)
		payload, err := decoder([]byte(graphQLNext("getMetrics", "[1, 2]")))
		assert.Nil(err)
		assert.Equal("[1,2]", payload)
		payload, err = decoder([]byte("{\"data\":{\"a\":1,\"b\":2}}"))
		assert.Nil(err)
		assert.Equal("{\"a\":1,\"b\":2}", payload)
		_, err = decoder([]byte("{\"type\":\"ka\"}"))
		assert.ErrorIs(err, ErrSkipFrame)
		_, err = decoder([]byte("{\"errors\":[{\"message\":\"denied\"}]}"))
		assert.NotNil(err)
		_, err = decoder([]byte("{\"data\":null}"))
		assert.NotNil(err)
		_, err = decoder([]byte("{\"type\":\"error\",\"payload\":[]}"))
		assert.NotNil(err)
		_, err = decoder([]byte("plain"))
		assert.NotNil(err)
	}

	// Case 2: passthrough
	{
		decoder, err := GetFrameDecoder(DecoderPassthrough)
		assert.Nil(err)
		payload, err := decoder([]byte("anything"))
		assert.Nil(err)
		assert.Equal("anything", payload)
		_, err = decoder([]byte{0xff, 0xfe})
		assert.NotNil(err)
	}

	_, err := GetFrameDecoder("xml")
	assert.NotNil(err)
}
