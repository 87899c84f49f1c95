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
	"reflect"
	"sort"
	"sync"
	"time"

	"github.com/alwitt/feedrelay/bus"
	"github.com/alwitt/feedrelay/common"
	"github.com/alwitt/feedrelay/feed"
	"github.com/alwitt/feedrelay/storage"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

// MessageCB callback invoked on the host event loop for every message a relay forwards
type MessageCB func(handle string, msg RelayMessage)

// RestartPolicy when a relay whose worker failed is respawned
type RestartPolicy struct {
	// Enabled whether connection errors trigger a respawn
	Enabled bool
	// Delay wait before respawning
	Delay time.Duration
	// MaxRestarts max respawns per handle. 0 is unlimited.
	MaxRestarts int
}

// RelayStatus snapshot of one relay handle
type RelayStatus struct {
	// Handle the relay handle
	Handle string `json:"handle"`
	// Key the logical feed identity
	Key feed.SubscriptionKey `json:"key"`
	// Topic the topic the relay publishes on
	Topic bus.Topic `json:"topic"`
	// State the worker lifecycle state
	State string `json:"state"`
	// Running whether a worker is currently live
	Running bool `json:"running"`
	// Delivered number of messages published across all runs
	Delivered uint64 `json:"delivered"`
	// Restarts number of respawns
	Restarts int `json:"restarts"`
	// Reason why the last worker exited
	Reason TerminationReason `json:"reason,omitempty"`
	// LastError the last connection error
	LastError string `json:"last_error,omitempty"`
	// StartedAt when the relay was started
	StartedAt time.Time `json:"started_at"`
}

// HostRelay spawns feed workers and republishes their messages on the topic bus
type HostRelay interface {
	// StartRelay spawn a worker for a feed. Callbacks given here observe every message.
	//
	// The worker lives until capped, stopped, or its connection ends. It is not bound to
	// ctxt, which only bounds the start itself.
	//
	// If a live relay already owns the feed's ledger entry and publishes on the same
	// topic, its handle is returned and the callbacks are added to it. Otherwise the call
	// fails with ErrFeedActive.
	StartRelay(ctxt context.Context, params WorkerParams, callbacks ...MessageCB) (string, error)

	// OnMessage register a callback for the messages of a relay
	OnMessage(handle string, callback MessageCB) error

	// Stop cancel a relay. Terminated relays are forgotten.
	Stop(handle string) error

	// Status fetch the status of a relay
	Status(handle string) (RelayStatus, error)

	// List fetch the status of all relays, ordered by start time
	List() []RelayStatus

	// StopAll cancel every relay
	StopAll() error

	// Drain wait for every worker to exit and release its ledger entry. No relay can be
	// started afterwards.
	Drain(ctxt context.Context) error
}

// HostRelayParams host relay construction parameters
type HostRelayParams struct {
	// Bus where payloads are published
	Bus bus.Publisher `validate:"required"`
	// Ledgers where workers open their ledger handles. Nil keeps counts in process only.
	Ledgers storage.LedgerStore
	// Transports builds worker transports. Nil uses DefaultTransportFactory.
	Transports TransportFactory
	// Restart the restart policy
	Restart RestartPolicy
	// EventBuffer host event loop buffer size
	EventBuffer int `validate:"gte=1"`
	// WorkerBuffer per worker message buffer size
	WorkerBuffer int `validate:"gte=1"`
}

// ======================================================================================
// Host event loop tasks

type relayDelivery struct {
	handle string
	msg    RelayMessage
}

type workerExit struct {
	handle string
	result WorkerResult
}

type relayRestart struct {
	handle string
}

// ======================================================================================

type relayEntry struct {
	handle        string
	params        WorkerParams
	ledgerKey     string
	worker        Worker
	cancel        context.CancelFunc
	callbacks     []MessageCB
	restartTimer  common.IntervalTimer
	stopRequested bool
	status        RelayStatus
}

// hostRelayImpl implements HostRelay
type hostRelayImpl struct {
	common.Component
	rootCtxt   context.Context
	wg         *sync.WaitGroup
	bus        bus.Publisher
	ledgers    storage.LedgerStore
	transports TransportFactory
	restart    RestartPolicy
	workerBuf  int
	processor  common.TaskProcessor
	validate   *validator.Validate

	// workers tracks the worker and pump goroutines only
	workers sync.WaitGroup

	lock     sync.RWMutex
	relays   map[string]*relayEntry
	owners   map[string]string
	draining bool
}

// GetHostRelay define a new host relay and start its event loop
//
//	@param rootCtxt context.Context - relays and the event loop stop when this is cancelled
//	@param wg *sync.WaitGroup - wait group tracking the relay goroutines
//	@param params HostRelayParams - construction parameters
//	@return the host relay
func GetHostRelay(
	rootCtxt context.Context, wg *sync.WaitGroup, params HostRelayParams,
) (HostRelay, error) {
	validate := validator.New()
	if err := validate.Struct(&params); err != nil {
		return nil, err
	}
	if params.Transports == nil {
		params.Transports = DefaultTransportFactory
	}
	logTags := log.Fields{"module": "relay", "component": "host-relay"}
	processor, err := common.GetNewTaskProcessorInstance(rootCtxt, "host-relay", params.EventBuffer)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define host event loop")
		return nil, err
	}
	instance := &hostRelayImpl{
		Component:  common.Component{LogTags: logTags},
		rootCtxt:   rootCtxt,
		wg:         wg,
		bus:        params.Bus,
		ledgers:    params.Ledgers,
		transports: params.Transports,
		restart:    params.Restart,
		workerBuf:  params.WorkerBuffer,
		processor:  processor,
		validate:   validate,
		relays:     make(map[string]*relayEntry),
		owners:     make(map[string]string),
	}
	if err := processor.AddToTaskExecutionMap(
		reflect.TypeOf(relayDelivery{}), instance.processDelivery,
	); err != nil {
		return nil, err
	}
	if err := processor.AddToTaskExecutionMap(
		reflect.TypeOf(workerExit{}), instance.processWorkerExit,
	); err != nil {
		return nil, err
	}
	if err := processor.AddToTaskExecutionMap(
		reflect.TypeOf(relayRestart{}), instance.processRestart,
	); err != nil {
		return nil, err
	}
	return instance, processor.StartEventLoop(wg)
}

// ======================================================================================
// Public API

// StartRelay spawn a worker for a feed
func (h *hostRelayImpl) StartRelay(
	ctxt context.Context, params WorkerParams, callbacks ...MessageCB,
) (string, error) {
	if err := ctxt.Err(); err != nil {
		return "", err
	}
	if err := h.validate.Struct(&params); err != nil {
		log.WithError(err).WithFields(h.LogTags).Error("Invalid worker params")
		return "", err
	}
	accepted := []MessageCB{}
	for _, cb := range callbacks {
		if cb != nil {
			accepted = append(accepted, cb)
		}
	}

	h.lock.Lock()
	defer h.lock.Unlock()
	if h.draining {
		return "", fmt.Errorf("host relay is shutting down")
	}

	if owner, ok := h.owners[params.LedgerKey(time.Now())]; ok {
		existing, ok := h.relays[owner]
		if ok && !existing.stopRequested && existing.params.Topic == params.Topic {
			existing.callbacks = append(existing.callbacks, accepted...)
			log.WithFields(h.LogTags).Infof("Reusing relay %s for %s", owner, params.Key)
			return owner, nil
		}
		log.WithFields(h.LogTags).Errorf("Relay %s already owns %s", owner, params.Key)
		return "", fmt.Errorf("%s: %w", params.Key, ErrFeedActive)
	}

	handle := uuid.New().String()
	entry := &relayEntry{
		handle: handle,
		params: params,
		status: RelayStatus{
			Handle:    handle,
			Key:       params.Key,
			Topic:     params.Topic,
			State:     StateConnecting.String(),
			StartedAt: time.Now(),
		},
		callbacks: accepted,
	}
	if err := h.spawn(entry); err != nil {
		return "", err
	}
	h.relays[handle] = entry
	log.WithFields(h.LogTags).Infof("Started relay %s for %s on '%s'", handle, params.Key, params.Topic)
	return handle, nil
}

// OnMessage register a callback for the messages of a relay
func (h *hostRelayImpl) OnMessage(handle string, callback MessageCB) error {
	if callback == nil {
		return fmt.Errorf("message callback is nil")
	}
	h.lock.Lock()
	defer h.lock.Unlock()
	entry, ok := h.relays[handle]
	if !ok {
		return ErrUnknownHandle
	}
	entry.callbacks = append(entry.callbacks, callback)
	return nil
}

// Stop cancel a relay
func (h *hostRelayImpl) Stop(handle string) error {
	h.lock.Lock()
	defer h.lock.Unlock()
	return h.stopLocked(handle)
}

func (h *hostRelayImpl) stopLocked(handle string) error {
	entry, ok := h.relays[handle]
	if !ok {
		return ErrUnknownHandle
	}
	entry.stopRequested = true
	if entry.restartTimer != nil {
		_ = entry.restartTimer.Stop()
		entry.restartTimer = nil
	}
	if entry.status.Running {
		log.WithFields(h.LogTags).Infof("Stopping relay %s", handle)
		entry.cancel()
	} else {
		// Nothing left to clean up on exit
		h.releaseLocked(entry)
		delete(h.relays, handle)
	}
	return nil
}

// StopAll cancel every relay
func (h *hostRelayImpl) StopAll() error {
	h.lock.Lock()
	defer h.lock.Unlock()
	for handle := range h.relays {
		if err := h.stopLocked(handle); err != nil {
			return err
		}
	}
	return nil
}

// Drain wait for every worker to exit and release its ledger entry
func (h *hostRelayImpl) Drain(ctxt context.Context) error {
	h.lock.Lock()
	h.draining = true
	h.lock.Unlock()

	done := make(chan struct{})
	go func() {
		h.workers.Wait()
		close(done)
	}()
	select {
	case <-done:
		log.WithFields(h.LogTags).Info("All relay workers exited")
		return nil
	case <-ctxt.Done():
		log.WithError(ctxt.Err()).WithFields(h.LogTags).Error("Relay workers did not exit in time")
		return ctxt.Err()
	}
}

func (h *hostRelayImpl) statusLocked(entry *relayEntry) RelayStatus {
	status := entry.status
	if entry.worker != nil && status.Running {
		status.State = entry.worker.State().String()
	}
	return status
}

// Status fetch the status of a relay
func (h *hostRelayImpl) Status(handle string) (RelayStatus, error) {
	h.lock.RLock()
	defer h.lock.RUnlock()
	entry, ok := h.relays[handle]
	if !ok {
		return RelayStatus{}, ErrUnknownHandle
	}
	return h.statusLocked(entry), nil
}

// List fetch the status of all relays
func (h *hostRelayImpl) List() []RelayStatus {
	h.lock.RLock()
	result := make([]RelayStatus, 0, len(h.relays))
	for _, entry := range h.relays {
		result = append(result, h.statusLocked(entry))
	}
	h.lock.RUnlock()
	sort.SliceStable(result, func(i, j int) bool {
		if result[i].StartedAt.Equal(result[j].StartedAt) {
			return result[i].Handle < result[j].Handle
		}
		return result[i].StartedAt.Before(result[j].StartedAt)
	})
	return result
}

// ======================================================================================
// Worker management

// spawn start a worker for a relay entry. Caller holds the lock.
func (h *hostRelayImpl) spawn(entry *relayEntry) error {
	if h.draining {
		return fmt.Errorf("host relay is shutting down")
	}
	transport, err := h.transports(entry.params)
	if err != nil {
		log.WithError(err).WithFields(h.LogTags).Errorf("Unable to define transport for %s", entry.handle)
		return err
	}
	out := make(chan RelayMessage, h.workerBuf)
	worker, err := GetWorker(entry.params, transport, h.ledgers, out)
	if err != nil {
		log.WithError(err).WithFields(h.LogTags).Errorf("Unable to define worker for %s", entry.handle)
		return err
	}
	ledgerKey := worker.LedgerKey()
	if owner, ok := h.owners[ledgerKey]; ok && owner != entry.handle {
		log.WithFields(h.LogTags).Errorf("Relay %s already owns ledger entry %s", owner, ledgerKey)
		return fmt.Errorf("%s: %w", ledgerKey, ErrFeedActive)
	}
	h.releaseLocked(entry)
	h.owners[ledgerKey] = entry.handle
	entry.ledgerKey = ledgerKey
	workerCtxt, cancel := context.WithCancel(h.rootCtxt)
	entry.worker = worker
	entry.cancel = cancel
	entry.status.Running = true
	entry.status.State = StateConnecting.String()

	results := make(chan WorkerResult, 1)
	h.wg.Add(2)
	h.workers.Add(2)
	go func() {
		defer h.wg.Done()
		defer h.workers.Done()
		results <- worker.Run(workerCtxt)
	}()
	go func() {
		defer h.wg.Done()
		defer h.workers.Done()
		h.pump(entry.handle, out, results)
	}()
	return nil
}

// releaseLocked give up the entry's ledger key. Caller holds the lock.
func (h *hostRelayImpl) releaseLocked(entry *relayEntry) {
	if entry.ledgerKey == "" {
		return
	}
	if h.owners[entry.ledgerKey] == entry.handle {
		delete(h.owners, entry.ledgerKey)
	}
	entry.ledgerKey = ""
}

// pump move a worker's messages, then its exit, onto the host event loop
func (h *hostRelayImpl) pump(handle string, out <-chan RelayMessage, results <-chan WorkerResult) {
	loopRunning := true
	for msg := range out {
		if !loopRunning {
			continue
		}
		if err := h.processor.Submit(h.rootCtxt, relayDelivery{handle: handle, msg: msg}); err != nil {
			log.WithError(err).WithFields(h.LogTags).Errorf("Unable to pass message of relay %s", handle)
			loopRunning = false
		}
	}
	result := <-results
	if !loopRunning {
		return
	}
	if err := h.processor.Submit(h.rootCtxt, workerExit{handle: handle, result: result}); err != nil {
		log.WithError(err).WithFields(h.LogTags).Errorf("Unable to report exit of relay %s", handle)
	}
}

// ======================================================================================
// Event loop handlers

func (h *hostRelayImpl) processDelivery(param interface{}) error {
	delivery, ok := param.(relayDelivery)
	if !ok {
		return fmt.Errorf("can not process unknown type %s for relay delivery", reflect.TypeOf(param))
	}
	h.lock.Lock()
	entry, ok := h.relays[delivery.handle]
	if !ok {
		h.lock.Unlock()
		return fmt.Errorf("delivery for %s: %w", delivery.handle, ErrUnknownHandle)
	}
	if delivery.msg.IsError {
		entry.status.LastError = delivery.msg.Message
	} else if delivery.msg.Data != nil {
		entry.status.Delivered++
	}
	topic := entry.params.Topic
	callbacks := make([]MessageCB, len(entry.callbacks))
	copy(callbacks, entry.callbacks)
	h.lock.Unlock()

	if !delivery.msg.IsError && delivery.msg.Data != nil {
		delivered := h.bus.Publish(topic, *delivery.msg.Data)
		log.WithFields(h.LogTags).Debugf(
			"Relay %s published on '%s' to %d subscribers", delivery.handle, topic, delivered,
		)
	}
	for _, cb := range callbacks {
		cb(delivery.handle, delivery.msg)
	}
	return nil
}

func (h *hostRelayImpl) processWorkerExit(param interface{}) error {
	exit, ok := param.(workerExit)
	if !ok {
		return fmt.Errorf("can not process unknown type %s for worker exit", reflect.TypeOf(param))
	}
	h.lock.Lock()
	defer h.lock.Unlock()
	entry, ok := h.relays[exit.handle]
	if !ok {
		return fmt.Errorf("exit of %s: %w", exit.handle, ErrUnknownHandle)
	}
	entry.cancel()
	entry.status.Running = false
	entry.status.State = StateTerminated.String()
	entry.status.Reason = exit.result.Reason
	if exit.result.Err != nil {
		entry.status.LastError = exit.result.Err.Error()
	}
	log.WithFields(h.LogTags).Infof(
		"Relay %s worker exited (%s) after %d messages",
		exit.handle, exit.result.Reason, exit.result.Delivered,
	)

	if entry.stopRequested {
		h.releaseLocked(entry)
		delete(h.relays, exit.handle)
		return nil
	}
	// A relay waiting to restart keeps its ledger key
	if exit.result.Reason != ReasonConnectionError || !h.restart.Enabled {
		h.releaseLocked(entry)
		return nil
	}
	if h.restart.MaxRestarts > 0 && entry.status.Restarts >= h.restart.MaxRestarts {
		log.WithFields(h.LogTags).Warnf(
			"Relay %s reached max restarts %d", exit.handle, h.restart.MaxRestarts,
		)
		h.releaseLocked(entry)
		return nil
	}
	timer, err := common.GetIntervalTimerInstance(h.rootCtxt, h.wg, "restart-"+exit.handle)
	if err != nil {
		h.releaseLocked(entry)
		return err
	}
	handle := exit.handle
	delay := h.restart.Delay
	if delay <= 0 {
		delay = time.Second
	}
	entry.restartTimer = timer
	log.WithFields(h.LogTags).Infof("Restarting relay %s in %s", handle, delay)
	return timer.Start(delay, func() error {
		return h.processor.Submit(h.rootCtxt, relayRestart{handle: handle})
	}, true)
}

func (h *hostRelayImpl) processRestart(param interface{}) error {
	restart, ok := param.(relayRestart)
	if !ok {
		return fmt.Errorf("can not process unknown type %s for relay restart", reflect.TypeOf(param))
	}
	h.lock.Lock()
	defer h.lock.Unlock()
	entry, ok := h.relays[restart.handle]
	if !ok || entry.stopRequested || entry.status.Running {
		return nil
	}
	entry.restartTimer = nil
	entry.status.Restarts++
	log.WithFields(h.LogTags).Infof("Respawning relay %s (restart %d)", restart.handle, entry.status.Restarts)
	if err := h.spawn(entry); err != nil {
		h.releaseLocked(entry)
		entry.status.LastError = err.Error()
		return err
	}
	return nil
}
