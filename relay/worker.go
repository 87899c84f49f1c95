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
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/alwitt/feedrelay/common"
	"github.com/alwitt/feedrelay/feed"
	"github.com/alwitt/feedrelay/sse"
	"github.com/alwitt/feedrelay/storage"
	"github.com/apex/log"
)

// WorkerResult outcome of one worker run
type WorkerResult struct {
	// Reason why the worker exited
	Reason TerminationReason
	// Err the connection failure, if any
	Err error
	// Delivered number of messages forwarded
	Delivered uint64
}

// Worker owns one upstream feed connection and forwards its messages
type Worker interface {
	// Run connect and forward messages until capped, cancelled or the connection ends.
	// The output channel is closed when Run returns.
	Run(ctxt context.Context) WorkerResult
	// State the current lifecycle state
	State() WorkerState
	// LedgerKey the ledger entry the worker owns while running
	LedgerKey() string
}

// workerImpl implements Worker
type workerImpl struct {
	common.Component
	params    WorkerParams
	transport FeedTransport
	decoder   FrameDecoder
	ledgers   storage.LedgerStore
	out       chan<- RelayMessage

	lock  sync.RWMutex
	state WorkerState

	ledger    storage.Ledger
	ledgerKey string
	// shadow in process copy of the count, used whenever the ledger is unavailable
	shadow    uint64
	delivered uint64
}

// GetWorker define a new feed worker
//
//	@param params WorkerParams - the worker parameters
//	@param transport FeedTransport - upstream connection builder
//	@param ledgers storage.LedgerStore - store the worker opens its ledger handle from
//	@param out chan<- RelayMessage - channel forwarded messages are written to
//	@return the worker
func GetWorker(
	params WorkerParams,
	transport FeedTransport,
	ledgers storage.LedgerStore,
	out chan<- RelayMessage,
) (Worker, error) {
	if transport == nil {
		return nil, fmt.Errorf("worker transport not set")
	}
	if out == nil {
		return nil, fmt.Errorf("worker output channel not set")
	}
	decoder, err := GetFrameDecoder(params.Decoder)
	if err != nil {
		return nil, err
	}
	params.Headers = copyHeaders(params.Headers)
	if params.LedgerCallTimeout <= 0 {
		params.LedgerCallTimeout = time.Second * 5
	}
	logTags := log.Fields{
		"module":    "relay",
		"component": "worker",
		"feed":      params.Key.String(),
		"topic":     params.Topic,
	}
	return &workerImpl{
		Component: common.Component{LogTags: logTags},
		params:    params,
		transport: transport,
		decoder:   decoder,
		ledgers:   ledgers,
		out:       out,
		state:     StateConnecting,
		ledgerKey: params.LedgerKey(time.Now()),
	}, nil
}

// State the current lifecycle state
func (w *workerImpl) State() WorkerState {
	w.lock.RLock()
	defer w.lock.RUnlock()
	return w.state
}

// LedgerKey the ledger entry the worker owns while running
func (w *workerImpl) LedgerKey() string {
	return w.ledgerKey
}

func (w *workerImpl) setState(state WorkerState) {
	w.lock.Lock()
	defer w.lock.Unlock()
	log.WithFields(w.LogTags).Debugf("%s -> %s", w.state, state)
	w.state = state
}

// ======================================================================================
// Ledger

// openLedger open the worker's ledger handle. Failure leaves the worker counting in
// process only.
func (w *workerImpl) openLedger(ctxt context.Context) {
	if w.ledgers == nil {
		log.WithFields(w.LogTags).Warn("No ledger store. Delivery count kept in process")
		return
	}
	callCtxt, cancel := context.WithTimeout(ctxt, w.params.LedgerCallTimeout)
	defer cancel()
	ledger, err := w.ledgers.OpenLedger(callCtxt, w.params.Namespace)
	if err != nil {
		log.WithError(err).WithFields(w.LogTags).Warn(
			"Unable to open ledger. Delivery count kept in process",
		)
		return
	}
	w.ledger = ledger
}

func (w *workerImpl) bucket() int64 {
	return feed.TimestampBucket(time.Now(), w.params.BucketGranularity)
}

// resetEntry set the worker's ledger entry to zero
func (w *workerImpl) resetEntry(ctxt context.Context) {
	w.shadow = 0
	if w.ledger == nil {
		return
	}
	callCtxt, cancel := context.WithTimeout(ctxt, w.params.LedgerCallTimeout)
	defer cancel()
	entry := storage.LedgerEntry{Count: 0, Bucket: w.bucket()}
	if err := w.ledger.Put(callCtxt, w.ledgerKey, entry); err != nil {
		log.WithError(err).WithFields(w.LogTags).Warnf(
			"Unable to persist count for %s", w.ledgerKey,
		)
	}
}

// increment bump the delivery count, returning the new value
func (w *workerImpl) increment(ctxt context.Context) uint64 {
	current := w.shadow
	if w.ledger != nil {
		callCtxt, cancel := context.WithTimeout(ctxt, w.params.LedgerCallTimeout)
		defer cancel()
		entry, found, err := w.ledger.Get(callCtxt, w.ledgerKey)
		if err != nil {
			log.WithError(err).WithFields(w.LogTags).Warnf(
				"Unable to read count for %s", w.ledgerKey,
			)
		} else if found && entry.Count > current {
			current = entry.Count
		}
	} else if w.ledgers != nil {
		log.WithFields(w.LogTags).Warnf(
			"Ledger unavailable. Delivery count for %s kept in process", w.ledgerKey,
		)
	}
	current++
	w.shadow = current
	if w.ledger != nil {
		callCtxt, cancel := context.WithTimeout(ctxt, w.params.LedgerCallTimeout)
		defer cancel()
		entry := storage.LedgerEntry{Count: current, Bucket: w.bucket()}
		if err := w.ledger.Put(callCtxt, w.ledgerKey, entry); err != nil {
			log.WithError(err).WithFields(w.LogTags).Warnf(
				"Unable to persist count for %s", w.ledgerKey,
			)
		}
	}
	return current
}

// releaseLedger clear the worker's entry and close the handle
func (w *workerImpl) releaseLedger() {
	if w.ledger == nil {
		return
	}
	// The run context is likely cancelled by now
	callCtxt, cancel := context.WithTimeout(context.Background(), w.params.LedgerCallTimeout)
	defer cancel()
	if err := w.ledger.Delete(callCtxt, w.ledgerKey); err != nil {
		log.WithError(err).WithFields(w.LogTags).Warnf(
			"Unable to clear ledger entry %s", w.ledgerKey,
		)
	}
	if err := w.ledger.Close(); err != nil {
		log.WithError(err).WithFields(w.LogTags).Warn("Ledger handle close failed")
	}
	w.ledger = nil
}

// ======================================================================================
// Run loop

// forward pass a message to the host. Returns false if cancelled first.
func (w *workerImpl) forward(ctxt context.Context, msg RelayMessage) bool {
	select {
	case w.out <- msg:
		return true
	case <-ctxt.Done():
		return false
	}
}

// connectionFailed report a connection error to the host
func (w *workerImpl) connectionFailed(ctxt context.Context, err error) WorkerResult {
	log.WithError(err).WithFields(w.LogTags).Error("Feed connection failed")
	w.forward(ctxt, RelayMessage{IsError: true, Message: err.Error()})
	return WorkerResult{Reason: ReasonConnectionError, Err: err, Delivered: w.delivered}
}

func (w *workerImpl) cancelled() WorkerResult {
	log.WithFields(w.LogTags).Info("Worker cancelled")
	return WorkerResult{Reason: ReasonCancelled, Delivered: w.delivered}
}

// Run connect and forward messages until capped, cancelled or the connection ends
func (w *workerImpl) Run(ctxt context.Context) WorkerResult {
	var conn FeedConn
	defer func() {
		w.setState(StateTerminating)
		if conn != nil {
			if err := conn.Close(); err != nil {
				log.WithError(err).WithFields(w.LogTags).Debug("Feed connection close failed")
			}
		}
		w.releaseLedger()
		close(w.out)
		w.setState(StateTerminated)
	}()

	w.openLedger(ctxt)

	var err error
	if conn, err = w.transport.Connect(ctxt); err != nil {
		if ctxt.Err() != nil {
			return w.cancelled()
		}
		return w.connectionFailed(ctxt, err)
	}
	w.resetEntry(ctxt)
	w.setState(StateActive)
	log.WithFields(w.LogTags).Infof("Feed connected with cap %d", w.params.Cap)

	for {
		raw, err := conn.Next(ctxt)
		if err != nil {
			switch {
			case ctxt.Err() != nil || sse.IsCancellation(err):
				return w.cancelled()
			case errors.Is(err, ErrStreamEnded):
				log.WithFields(w.LogTags).Info("Feed stream ended")
				return WorkerResult{Reason: ReasonStreamEnded, Delivered: w.delivered}
			default:
				return w.connectionFailed(ctxt, err)
			}
		}

		payload, err := w.decoder(raw)
		if err != nil {
			if !errors.Is(err, ErrSkipFrame) {
				log.WithError(err).WithFields(w.LogTags).Warn("Dropping malformed frame")
			}
			continue
		}

		count := w.increment(ctxt)
		capped := w.params.Cap > 0 && count >= uint64(w.params.Cap)
		msg := RelayMessage{Message: MessageForward, Data: &payload}
		if capped {
			msg.Message = MessageCapReached
		}
		if !w.forward(ctxt, msg) {
			return w.cancelled()
		}
		w.delivered++
		if capped {
			log.WithFields(w.LogTags).Infof("Delivery cap %d reached", w.params.Cap)
			return WorkerResult{Reason: ReasonCapped, Delivered: w.delivered}
		}
	}
}
