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

package apis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/alwitt/feedrelay/bus"
	"github.com/alwitt/feedrelay/common"
	"github.com/alwitt/feedrelay/core"
	"github.com/alwitt/feedrelay/relay"
	"github.com/alwitt/feedrelay/sse"
	"github.com/alwitt/goutils"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"github.com/nats-io/nats.go"
)

// topicStreamBuffer payloads buffered per topic stream client before dropping
const topicStreamBuffer = 64

// APIRestRelayHandler REST handler for the relay
type APIRestRelayHandler struct {
	APIRestHandler
	host        relay.HostRelay
	topicBus    bus.Bus
	config      common.SystemConfig
	natsClient  *core.NatsClient
	validate    *validator.Validate
	baseContext context.Context
}

// GetAPIRestRelayHandler define APIRestRelayHandler
//
//	@param baseContext context.Context - topic streams end when this is cancelled
//	@param host relay.HostRelay - the host relay
//	@param topicBus bus.Bus - the topic bus
//	@param config common.SystemConfig - system config. Feed requests are resolved against it.
//	@param natsClient *core.NatsClient - optional NATS client, checked for readiness
//	@return the handler
func GetAPIRestRelayHandler(
	baseContext context.Context,
	host relay.HostRelay,
	topicBus bus.Bus,
	config common.SystemConfig,
	natsClient *core.NatsClient,
) (APIRestRelayHandler, error) {
	if host == nil || topicBus == nil {
		return APIRestRelayHandler{}, fmt.Errorf("relay API needs both host relay and topic bus")
	}
	logTags := log.Fields{
		"module":    "apis",
		"component": "relay",
	}
	httpConfig := config.API.HTTPSetting
	requestIDHeader := httpConfig.Logging.RequestIDHeader
	if requestIDHeader == "" {
		requestIDHeader = "Feedrelay-Request-ID"
	}
	return APIRestRelayHandler{
		APIRestHandler: APIRestHandler{
			RestAPIHandler: goutils.RestAPIHandler{
				Component: goutils.Component{
					LogTags: logTags,
					LogTagModifiers: []goutils.LogMetadataModifier{
						goutils.ModifyLogMetadataByRestRequestParam,
					},
				},
				CallRequestIDHeaderField: &requestIDHeader,
				DoNotLogHeaders: func() map[string]bool {
					result := map[string]bool{}
					for _, v := range httpConfig.Logging.DoNotLogHeaders {
						result[v] = true
					}
					return result
				}(),
			},
			requestIDHeader: requestIDHeader,
		},
		host:        host,
		topicBus:    topicBus,
		config:      config,
		natsClient:  natsClient,
		validate:    validator.New(),
		baseContext: baseContext,
	}, nil
}

// =======================================================================
// Relay management

// -----------------------------------------------------------------------

// APIRestRespRelayStarted response to starting a relay
type APIRestRespRelayStarted struct {
	goutils.RestAPIBaseResponse
	// Handle the relay handle
	Handle string `json:"handle"`
	// Topic the topic the relay publishes on
	Topic bus.Topic `json:"topic"`
}

// StartRelay godoc
// @Summary Start a relay
// @Description Spawn a feed worker for a subscription key, publishing on a topic
// @tags Relay
// @Accept json
// @Produce json
// @Param Feedrelay-Request-ID header string false "User provided request ID to match against logs"
// @Param request body relay.FeedRequest true "Feed to relay"
// @Success 200 {object} APIRestRespRelayStarted "success"
// @Failure 400 {object} goutils.RestAPIBaseResponse "error"
// @Failure 409 {object} goutils.RestAPIBaseResponse "error"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/relay [post]
func (h APIRestRelayHandler) StartRelay(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.logTags(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		h.reply(r.Context(), w, respCode, respBody)
	}()

	var req relay.FeedRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		msg := "Unable to parse feed request"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusBadRequest
		respBody = h.errorMsg(r.Context(), respCode, msg, err.Error())
		return
	}
	if err := h.validate.Struct(&req); err != nil {
		msg := "Invalid feed request"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusBadRequest
		respBody = h.errorMsg(r.Context(), respCode, msg, err.Error())
		return
	}
	params, err := relay.BuildWorkerParams(h.config, req)
	if err != nil {
		msg := "Unable to resolve feed request"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusBadRequest
		respBody = h.errorMsg(r.Context(), respCode, msg, err.Error())
		return
	}
	handle, err := h.host.StartRelay(r.Context(), params)
	if err != nil {
		respCode, respBody = h.handleOperationError(r.Context(), err, "Unable to start relay")
		return
	}

	respCode = http.StatusOK
	respBody = APIRestRespRelayStarted{
		RestAPIBaseResponse: h.successMsg(r.Context()),
		Handle:              handle,
		Topic:               params.Topic,
	}
}

// StartRelayHandler Wrapper around StartRelay
func (h APIRestRelayHandler) StartRelayHandler() http.HandlerFunc {
	return h.attachRequestID(h.StartRelay)
}

// -----------------------------------------------------------------------

// APIRestRespRelayList response listing relays
type APIRestRespRelayList struct {
	goutils.RestAPIBaseResponse
	// Relays status of each relay
	Relays []relay.RelayStatus `json:"relays"`
}

// ListRelays godoc
// @Summary List relays
// @Description List the status of every known relay
// @tags Relay
// @Produce json
// @Param Feedrelay-Request-ID header string false "User provided request ID to match against logs"
// @Success 200 {object} APIRestRespRelayList "success"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/relay [get]
func (h APIRestRelayHandler) ListRelays(w http.ResponseWriter, r *http.Request) {
	h.reply(r.Context(), w, http.StatusOK, APIRestRespRelayList{
		RestAPIBaseResponse: h.successMsg(r.Context()),
		Relays:              h.host.List(),
	})
}

// ListRelaysHandler Wrapper around ListRelays
func (h APIRestRelayHandler) ListRelaysHandler() http.HandlerFunc {
	return h.attachRequestID(h.ListRelays)
}

// -----------------------------------------------------------------------

// APIRestRespRelayStatus response with one relay's status
type APIRestRespRelayStatus struct {
	goutils.RestAPIBaseResponse
	// Relay the relay status
	Relay relay.RelayStatus `json:"relay"`
}

// handleOperationError map a host relay error to a response code
func (h APIRestRelayHandler) handleOperationError(
	ctxt context.Context, err error, msg string,
) (int, interface{}) {
	log.WithError(err).WithFields(h.logTags(ctxt)).Error(msg)
	if errors.Is(err, relay.ErrUnknownHandle) {
		return http.StatusNotFound, h.errorMsg(ctxt, http.StatusNotFound, msg, err.Error())
	}
	if errors.Is(err, relay.ErrFeedActive) {
		return http.StatusConflict, h.errorMsg(ctxt, http.StatusConflict, msg, err.Error())
	}
	return http.StatusInternalServerError, h.errorMsg(
		ctxt, http.StatusInternalServerError, msg, err.Error(),
	)
}

// GetRelay godoc
// @Summary Get relay status
// @Description Fetch the status of one relay
// @tags Relay
// @Produce json
// @Param Feedrelay-Request-ID header string false "User provided request ID to match against logs"
// @Param handle path string true "Relay handle"
// @Success 200 {object} APIRestRespRelayStatus "success"
// @Failure 404 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/relay/{handle} [get]
func (h APIRestRelayHandler) GetRelay(w http.ResponseWriter, r *http.Request) {
	var respCode int
	var respBody interface{}
	defer func() {
		h.reply(r.Context(), w, respCode, respBody)
	}()

	handle := mux.Vars(r)["handle"]
	status, err := h.host.Status(handle)
	if err != nil {
		respCode, respBody = h.handleOperationError(
			r.Context(), err, fmt.Sprintf("Unable to read relay %s", handle),
		)
		return
	}
	respCode = http.StatusOK
	respBody = APIRestRespRelayStatus{
		RestAPIBaseResponse: h.successMsg(r.Context()), Relay: status,
	}
}

// GetRelayHandler Wrapper around GetRelay
func (h APIRestRelayHandler) GetRelayHandler() http.HandlerFunc {
	return h.attachRequestID(h.GetRelay)
}

// StopRelay godoc
// @Summary Stop a relay
// @Description Cancel a relay's worker. Terminated relays are forgotten.
// @tags Relay
// @Produce json
// @Param Feedrelay-Request-ID header string false "User provided request ID to match against logs"
// @Param handle path string true "Relay handle"
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Failure 404 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/relay/{handle} [delete]
func (h APIRestRelayHandler) StopRelay(w http.ResponseWriter, r *http.Request) {
	var respCode int
	var respBody interface{}
	defer func() {
		h.reply(r.Context(), w, respCode, respBody)
	}()

	handle := mux.Vars(r)["handle"]
	if err := h.host.Stop(handle); err != nil {
		respCode, respBody = h.handleOperationError(
			r.Context(), err, fmt.Sprintf("Unable to stop relay %s", handle),
		)
		return
	}
	respCode = http.StatusOK
	respBody = h.successMsg(r.Context())
}

// StopRelayHandler Wrapper around StopRelay
func (h APIRestRelayHandler) StopRelayHandler() http.HandlerFunc {
	return h.attachRequestID(h.StopRelay)
}

// =======================================================================
// Topic stream

// StreamTopic godoc
// @Summary Stream a topic
// @Description Long lived server sent event stream of a topic's payloads. The stream closes
// on client disconnect or server shutdown.
// @tags Relay
// @Produce text/event-stream
// @Param Feedrelay-Request-ID header string false "User provided request ID to match against logs"
// @Param topic path string true "Topic name"
// @Success 200 {string} string "event stream"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/topic/{topic}/stream [get]
func (h APIRestRelayHandler) StreamTopic(w http.ResponseWriter, r *http.Request) {
	topic := bus.Topic(mux.Vars(r)["topic"])
	logTags := h.logTags(r.Context())
	logTags["topic"] = topic

	writeFlusher, ok := w.(http.Flusher)
	if !ok {
		msg := "Streaming not supported"
		log.WithFields(logTags).Error(msg)
		h.reply(r.Context(), w, http.StatusInternalServerError, h.errorMsg(
			r.Context(), http.StatusInternalServerError, msg, msg,
		))
		return
	}

	// The bus delivers on the host event loop, so never block it
	payloads := make(chan string, topicStreamBuffer)
	sub, err := h.topicBus.Subscribe(topic, func(_ bus.Topic, payload string) {
		select {
		case payloads <- payload:
		default:
			log.WithFields(logTags).Warn("Topic stream client too slow. Dropping payload")
		}
	})
	if err != nil {
		msg := "Unable to subscribe to topic"
		log.WithError(err).WithFields(logTags).Error(msg)
		h.reply(r.Context(), w, http.StatusInternalServerError, h.errorMsg(
			r.Context(), http.StatusInternalServerError, msg, err.Error(),
		))
		return
	}
	defer func() {
		if err := sub.Close(); err != nil {
			log.WithError(err).WithFields(logTags).Error("Unable to unsubscribe")
		}
	}()

	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Content-Type", "text/event-stream")
	w.WriteHeader(http.StatusOK)
	writeFlusher.Flush()
	log.WithFields(logTags).Info("Topic stream started")

	sequence := 0
	for {
		select {
		case <-h.baseContext.Done():
			log.WithFields(logTags).Info("Terminating topic stream on server stop")
			return
		case <-r.Context().Done():
			log.WithFields(logTags).Info("Terminating topic stream on request end")
			return
		case payload := <-payloads:
			sequence++
			frame := sse.Frame{ID: strconv.Itoa(sequence), Event: string(topic), Data: payload}
			if _, err := fmt.Fprint(w, sse.Encode(frame)); err != nil {
				log.WithError(err).WithFields(logTags).Error("Failed to transmit payload")
				return
			}
			writeFlusher.Flush()
		}
	}
}

// StreamTopicHandler Wrapper around StreamTopic
func (h APIRestRelayHandler) StreamTopicHandler() http.HandlerFunc {
	return h.attachRequestID(h.StreamTopic)
}

// =======================================================================
// Health Checks

// Alive godoc
// @Summary For relay REST API liveness check
// @Description Will return success to indicate relay REST API module is live
// @tags Relay
// @Produce json
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Router /v1/alive [get]
func (h APIRestRelayHandler) Alive(w http.ResponseWriter, r *http.Request) {
	h.reply(r.Context(), w, http.StatusOK, h.successMsg(r.Context()))
}

// AliveHandler Wrapper around Alive
func (h APIRestRelayHandler) AliveHandler() http.HandlerFunc {
	return h.attachRequestID(h.Alive)
}

// Ready godoc
// @Summary For relay REST API readiness check
// @Description Will return success if the relay is ready for use
// @tags Relay
// @Produce json
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/ready [get]
func (h APIRestRelayHandler) Ready(w http.ResponseWriter, r *http.Request) {
	if h.baseContext.Err() != nil {
		msg := "stopping"
		h.reply(r.Context(), w, http.StatusInternalServerError, h.errorMsg(
			r.Context(), http.StatusInternalServerError, msg, msg,
		))
		return
	}
	if h.natsClient != nil && h.natsClient.NATs().Status() != nats.CONNECTED {
		msg := "not ready"
		h.reply(r.Context(), w, http.StatusInternalServerError, h.errorMsg(
			r.Context(), http.StatusInternalServerError, msg, "NATS not connected",
		))
		return
	}
	h.reply(r.Context(), w, http.StatusOK, h.successMsg(r.Context()))
}

// ReadyHandler Wrapper around Ready
func (h APIRestRelayHandler) ReadyHandler() http.HandlerFunc {
	return h.attachRequestID(h.Ready)
}
