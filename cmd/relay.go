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

// Package cmd server and client runners behind the CLI subcommands
package cmd

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/alwitt/feedrelay/apis"
	"github.com/alwitt/feedrelay/bus"
	"github.com/alwitt/feedrelay/common"
	"github.com/alwitt/feedrelay/core"
	"github.com/alwitt/feedrelay/mirror"
	"github.com/alwitt/feedrelay/relay"
	"github.com/alwitt/feedrelay/storage"
	"github.com/apex/log"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

// DefineLedgerStore define the ledger store of the configured backend
func DefineLedgerStore(
	ctxt context.Context, config common.LedgerConfig, natsClient *core.NatsClient,
) (storage.LedgerStore, error) {
	switch config.Backend {
	case "memory":
		return storage.GetInMemoryLedgerStore(), nil
	case "sqlite":
		return storage.GetSQLiteLedgerStore(ctxt, config.SQLitePath)
	case "nats":
		if natsClient == nil {
			return nil, fmt.Errorf("NATS ledger requires a NATS client")
		}
		return storage.GetNATSLedgerStore(natsClient), nil
	default:
		return nil, fmt.Errorf("unknown ledger backend '%s'", config.Backend)
	}
}

// BuildRelayRouter define the relay API routes
func BuildRelayRouter(pathPrefix string, httpHandler apis.APIRestRelayHandler) *mux.Router {
	router := mux.NewRouter()
	mainRouter := apis.RegisterPathPrefix(router, pathPrefix, nil)
	v1Router := apis.RegisterPathPrefix(mainRouter, "/v1", nil)

	// Relay management
	relayRouter := apis.RegisterPathPrefix(v1Router, "/relay", map[string]http.HandlerFunc{
		"post": httpHandler.StartRelayHandler(),
		"get":  httpHandler.ListRelaysHandler(),
	})
	_ = apis.RegisterPathPrefix(relayRouter, "/{handle}", map[string]http.HandlerFunc{
		"get":    httpHandler.GetRelayHandler(),
		"delete": httpHandler.StopRelayHandler(),
	})

	// Topic streams
	_ = apis.RegisterPathPrefix(v1Router, "/topic/{topic}/stream", map[string]http.HandlerFunc{
		"get": httpHandler.StreamTopicHandler(),
	})

	// Health check
	_ = apis.RegisterPathPrefix(v1Router, "/alive", map[string]http.HandlerFunc{
		"get": httpHandler.AliveHandler(),
	})
	_ = apis.RegisterPathPrefix(v1Router, "/ready", map[string]http.HandlerFunc{
		"get": httpHandler.ReadyHandler(),
	})

	// Add logging
	router.Use(func(next http.Handler) http.Handler {
		return handlers.CombinedLoggingHandler(httpHandler, next)
	})
	return router
}

// RunRelayServer run the relay server
//
//	@param runTimeContext context.Context - the server stops when this is cancelled
//	@param config common.SystemConfig - system config
//	@param instance string - instance name
//	@param natsClient *core.NatsClient - optional NATS client. Needed by the NATS ledger and
//	    the topic mirror.
//	@param wg *sync.WaitGroup - wait group tracking the relay goroutines
func RunRelayServer(
	runTimeContext context.Context,
	config common.SystemConfig,
	instance string,
	natsClient *core.NatsClient,
	wg *sync.WaitGroup,
) error {
	logTags := log.Fields{
		"module":    "cmd",
		"component": "relay",
		"instance":  instance,
	}

	localCtxt, lclCancel := context.WithCancel(runTimeContext)
	defer lclCancel()

	ledgers, err := DefineLedgerStore(localCtxt, config.Ledger, natsClient)
	if err != nil {
		log.WithError(err).WithFields(logTags).Errorf("Unable to define ledger store")
		return err
	}
	defer func() {
		if err := ledgers.Close(); err != nil {
			log.WithError(err).WithFields(logTags).Error("Ledger store close failed")
		}
	}()

	topicBus := bus.GetTopicBus(instance)

	if natsClient != nil && config.NATS != nil && config.NATS.Mirror.Enabled {
		topicMirror, err := mirror.GetTopicMirror(
			natsClient, topicBus, config.NATS.Mirror.SubjectPrefix,
		)
		if err != nil {
			log.WithError(err).WithFields(logTags).Errorf("Unable to define topic mirror")
			return err
		}
		for _, topic := range config.NATS.Mirror.Topics {
			if err := topicMirror.Mirror(bus.Topic(topic)); err != nil {
				return err
			}
		}
		defer func() {
			_ = topicMirror.Stop()
		}()
	}

	host, err := relay.GetHostRelay(localCtxt, wg, relay.HostRelayParams{
		Bus:          topicBus,
		Ledgers:      ledgers,
		Restart:      relay.RestartPolicyFromConfig(config.Relay),
		EventBuffer:  config.Relay.EventBuffer,
		WorkerBuffer: config.Relay.WorkerBuffer,
	})
	if err != nil {
		log.WithError(err).WithFields(logTags).Errorf("Unable to define host relay")
		return err
	}

	httpHandler, err := apis.GetAPIRestRelayHandler(
		localCtxt, host, topicBus, config, natsClient,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Errorf("Unable to define HTTP handler")
		return err
	}

	// -------------------------------------------------------------------
	// Start the HTTP server

	router := BuildRelayRouter(config.API.Endpoints.PathPrefix, httpHandler)

	serverCfg := config.API.HTTPSetting.Server
	serverListen := fmt.Sprintf("%s:%d", serverCfg.ListenOn, serverCfg.Port)
	httpSrv := &http.Server{
		Addr:         serverListen,
		ReadTimeout:  time.Second * time.Duration(serverCfg.ReadTimeout),
		WriteTimeout: time.Second * time.Duration(serverCfg.WriteTimeout),
		IdleTimeout:  time.Second * time.Duration(serverCfg.IdleTimeout),
		Handler:      h2c.NewHandler(router, &http2.Server{}),
	}

	// Cancel runtime context on shutdown
	httpSrv.RegisterOnShutdown(lclCancel)

	// Start the server
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("HTTP Server Failure")
		}
	}()

	log.WithFields(logTags).Infof("Started HTTP server on http://%s", serverListen)

	// ============================================================================

	<-runTimeContext.Done()

	// Workers must release their ledger entries before the ledger store closes
	if err := host.StopAll(); err != nil {
		log.WithError(err).WithFields(logTags).Error("Failure stopping relays")
	}
	{
		ctx, cancel := context.WithTimeout(context.Background(), time.Second*10)
		defer cancel()
		if err := host.Drain(ctx); err != nil {
			log.WithError(err).WithFields(logTags).Error("Failure waiting for relays to exit")
		}
	}

	// Stop the HTTP server
	{
		ctx, cancel := context.WithTimeout(context.Background(), time.Second*10)
		defer cancel()
		if err := httpSrv.Shutdown(ctx); err != nil {
			log.WithError(err).Error("Failure during HTTP shutdown")
		}
	}

	return nil
}
