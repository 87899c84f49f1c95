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

// Package apis relay REST API handlers
package apis

import (
	"context"
	"net/http"

	"github.com/alwitt/goutils"
	"github.com/apex/log"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
)

// ========================================================================================
// MethodHandlers DICT of method-endpoint handler
type MethodHandlers map[string]http.HandlerFunc

// RegisterPathPrefix Register new method handler for an end-point
func RegisterPathPrefix(
	parentRouter *mux.Router, pathPrefix string, methodHandlers MethodHandlers,
) *mux.Router {
	router := parentRouter.PathPrefix(pathPrefix).Subrouter()
	for method, handler := range methodHandlers {
		router.Methods(method).Path("").HandlerFunc(handler)
	}
	return router
}

// ========================================================================================

type requestIDKey struct{}

// requestIDFromContext read the request ID attached by attachRequestID
func requestIDFromContext(ctxt context.Context) string {
	if reqID, ok := ctxt.Value(requestIDKey{}).(string); ok {
		return reqID
	}
	return ""
}

// APIRestHandler base REST handler
type APIRestHandler struct {
	goutils.RestAPIHandler
	requestIDHeader string
}

// Write logging support
func (h APIRestHandler) Write(p []byte) (n int, err error) {
	log.WithFields(h.LogTags).Infof("%s", p)
	return len(p), nil
}

// attachRequestID middleware function to attach a request ID to a API request
func (h APIRestHandler) attachRequestID(next http.HandlerFunc) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		// use provided request id from incoming request if any
		reqID := r.Header.Get(h.requestIDHeader)
		if reqID == "" {
			// or use some generated string
			reqID = uuid.New().String()
		}
		rw.Header().Set(h.requestIDHeader, reqID)
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		next(rw, r.WithContext(ctx))
	}
}

// logTags log tags of a request
func (h APIRestHandler) logTags(ctxt context.Context) log.Fields {
	logTags := h.GetLogTagsForContext(ctxt)
	logTags["request_id"] = requestIDFromContext(ctxt)
	return logTags
}

// successMsg standard success response carrying the request ID
func (h APIRestHandler) successMsg(ctxt context.Context) goutils.RestAPIBaseResponse {
	resp := h.GetStdRESTSuccessMsg(ctxt)
	resp.RequestID = requestIDFromContext(ctxt)
	return resp
}

// errorMsg standard error response carrying the request ID
func (h APIRestHandler) errorMsg(
	ctxt context.Context, code int, message, detail string,
) goutils.RestAPIBaseResponse {
	resp := h.GetStdRESTErrorMsg(ctxt, code, message, detail)
	resp.RequestID = requestIDFromContext(ctxt)
	return resp
}

// reply helper function for writing responses
func (h APIRestHandler) reply(
	ctxt context.Context, w http.ResponseWriter, respCode int, resp interface{},
) {
	if err := h.WriteRESTResponse(w, respCode, resp, nil); err != nil {
		log.WithError(err).WithFields(h.logTags(ctxt)).Error("Failed to form response")
	}
}
