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

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"time"

	"github.com/alwitt/feedrelay/cmd"
	"github.com/alwitt/feedrelay/common"
	"github.com/alwitt/feedrelay/core"
	"github.com/apex/log"
	apexJSON "github.com/apex/log/handlers/json"
	"github.com/go-playground/validator/v10"
	"github.com/nats-io/nats.go"
	"github.com/spf13/viper"
	"github.com/urfave/cli/v2"
)

type cliArgs struct {
	JSONLog    bool
	LogLevel   string `validate:"required,oneof=debug info warn error"`
	ConfigFile string `validate:"omitempty,file"`
	Hostname   string
}

type tailArgs struct {
	Topic         string
	ServerURL     string
	FromNATS      bool
	SubjectPrefix string
}

var cmdArgs cliArgs

var tailCmdArgs tailArgs

var logTags log.Fields

// @title feedrelay
// @version v0.1.0
// @description Relays live subscription feeds onto a local topic bus

// @host localhost:3002
// @BasePath /
// @query.collection.format multi
func main() {
	hostname, err := os.Hostname()
	if err != nil {
		log.WithError(err).Fatal("Unable to read hostname")
	}
	cmdArgs.Hostname = hostname
	logTags = log.Fields{
		"module":    "main",
		"component": "main",
		"instance":  hostname,
	}

	common.InstallDefaultConfigValues()

	app := &cli.App{
		Version:     "v0.1.0",
		Usage:       "application entrypoint",
		Description: "Relays live subscription feeds onto a local topic bus",
		Flags: []cli.Flag{
			// LOGGING
			&cli.BoolFlag{
				Name:        "json-log",
				Usage:       "Whether to log in JSON format",
				Aliases:     []string{"j"},
				EnvVars:     []string{"LOG_AS_JSON"},
				Value:       false,
				DefaultText: "false",
				Destination: &cmdArgs.JSONLog,
				Required:    false,
			},
			&cli.StringFlag{
				Name:        "log-level",
				Usage:       "Logging level: [debug info warn error]",
				Aliases:     []string{"l"},
				EnvVars:     []string{"LOG_LEVEL"},
				Value:       "warn",
				DefaultText: "warn",
				Destination: &cmdArgs.LogLevel,
				Required:    false,
			},
			// Config file
			&cli.StringFlag{
				Name:        "config-file",
				Usage:       "Application config file. Use DEFAULT if not specified.",
				Aliases:     []string{"c"},
				EnvVars:     []string{"CONFIG_FILE"},
				Value:       "",
				DefaultText: "",
				Destination: &cmdArgs.ConfigFile,
				Required:    false,
			},
		},
		// Components
		Commands: []*cli.Command{
			{
				Name:        "serve",
				Usage:       "Run the feed relay server",
				Description: "Serves the REST API for starting feed relays and streaming topics",
				Action:      startRelayServer,
			},
			{
				Name:        "tail",
				Usage:       "Follow a topic",
				Description: "Print the payloads of a topic, read from a relay server or its NATS mirror",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:        "topic",
						Usage:       "Topic to follow",
						Aliases:     []string{"t"},
						Destination: &tailCmdArgs.Topic,
						Required:    true,
					},
					&cli.StringFlag{
						Name:        "server",
						Usage:       "Relay server base URL",
						Aliases:     []string{"s"},
						EnvVars:     []string{"FEEDRELAY_SERVER"},
						Value:       "http://127.0.0.1:3002",
						DefaultText: "http://127.0.0.1:3002",
						Destination: &tailCmdArgs.ServerURL,
					},
					&cli.BoolFlag{
						Name:        "nats",
						Usage:       "Read the topic's NATS mirror instead of the relay server",
						Value:       false,
						DefaultText: "false",
						Destination: &tailCmdArgs.FromNATS,
					},
					&cli.StringFlag{
						Name:        "subject-prefix",
						Usage:       "NATS mirror subject prefix. Defaults to the configured prefix.",
						Destination: &tailCmdArgs.SubjectPrefix,
					},
				},
				Action: startTail,
			},
		},
	}

	err = app.Run(os.Args)
	if err != nil {
		log.WithError(err).WithFields(logTags).Fatal("Program shutdown")
	}
}

// setupLogging helper function to prepare the app logging
func setupLogging() {
	if cmdArgs.JSONLog {
		log.SetHandler(apexJSON.New(os.Stderr))
	}
	switch cmdArgs.LogLevel {
	case "debug":
		log.SetLevel(log.DebugLevel)
	case "info":
		log.SetLevel(log.InfoLevel)
	case "warn":
		log.SetLevel(log.WarnLevel)
	case "error":
		log.SetLevel(log.ErrorLevel)
	default:
		log.SetLevel(log.ErrorLevel)
	}
}

// initialCmdArgsProcessing perform initial CMD arg processing
func initialCmdArgsProcessing(needNATS bool) (*common.SystemConfig, error) {
	validate := validator.New()
	// Validate command line argument
	if err := validate.Struct(&cmdArgs); err != nil {
		log.WithError(err).WithFields(logTags).Error("Invalid CMD args")
		return nil, err
	}
	setupLogging()
	tmp, err := json.MarshalIndent(&cmdArgs, "", "  ")
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Failed to marshal args")
		return nil, err
	}
	log.Debugf("Starting params\n%s", tmp)
	// Parse the config file
	if len(cmdArgs.ConfigFile) > 0 {
		viper.SetConfigFile(cmdArgs.ConfigFile)
		if err := viper.ReadInConfig(); err != nil {
			log.WithError(err).WithFields(logTags).Errorf(
				"Failed to read config file %s", cmdArgs.ConfigFile,
			)
			return nil, err
		}
	}
	// The NATS section only gets defaults when something needs it
	if needNATS || viper.IsSet("nats") || viper.GetString("ledger.backend") == "nats" {
		common.InstallDefaultNATSConfigValues()
	}
	var config common.SystemConfig
	if err := viper.Unmarshal(&config); err != nil {
		log.WithError(err).WithFields(logTags).Errorf(
			"Failed to parse config file %s", cmdArgs.ConfigFile,
		)
		return nil, err
	}
	tmp, err = json.MarshalIndent(&config, "", "  ")
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Failed to marshal config files")
		return nil, err
	}
	log.Debugf("Config file\n%s", tmp)
	if err := validate.Struct(&config); err != nil {
		log.WithError(err).WithFields(logTags).Error("Invalid config file content")
		return nil, err
	}
	return &config, nil
}

// prepareJetStreamClient define the NATS client
func prepareJetStreamClient(
	config common.NATSConfig, ctxtCancel context.CancelFunc,
) (*core.NatsClient, error) {
	natsParam := core.NATSConnectParams{
		ServerURI:           config.ServerURI,
		ConnectTimeout:      time.Second * time.Duration(config.ConnectTimeout),
		MaxReconnectAttempt: config.Reconnect.MaxAttempts,
		ReconnectWait:       time.Second * time.Duration(config.Reconnect.WaitInterval),
		OnDisconnectCallback: func(_ *nats.Conn, e error) {
			log.WithError(e).WithFields(logTags).Errorf(
				"NATS client disconnected from server %s", config.ServerURI,
			)
		},
		OnReconnectCallback: func(_ *nats.Conn) {
			log.WithFields(logTags).Warnf(
				"NATS client reconnected with server %s", config.ServerURI,
			)
		},
		OnCloseCallback: func(_ *nats.Conn) {
			log.WithFields(logTags).Error("NATS client closed connection")
			ctxtCancel()
		},
	}
	return core.GetJetStream(natsParam)
}

func defineControlVars() (*sync.WaitGroup, context.Context, context.CancelFunc) {
	runTimeContext, rtCancel := context.WithCancel(context.Background())
	return &sync.WaitGroup{}, runTimeContext, rtCancel
}

// signalRecvSetup helper function for setting up the SIG receive handler
func signalRecvSetup(wg *sync.WaitGroup, ctxt context.Context, ctxtCancel context.CancelFunc) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		cc := make(chan os.Signal, 1)
		// We'll accept graceful shutdowns when quit via SIGINT (Ctrl+C)
		// SIGKILL, SIGQUIT or SIGTERM (Ctrl+/) will not be caught.
		signal.Notify(cc, os.Interrupt)
		defer signal.Stop(cc)
		select {
		case <-cc:
			ctxtCancel()
		case <-ctxt.Done():
		}
	}()
}

// ============================================================================
// Relay server subcommand

// startRelayServer run the relay server
func startRelayServer(c *cli.Context) error {
	config, err := initialCmdArgsProcessing(false)
	if err != nil {
		return err
	}

	wg, runTimeContext, rtCancel := defineControlVars()
	defer wg.Wait()
	defer rtCancel()

	var js *core.NatsClient
	if config.NATS != nil {
		js, err = prepareJetStreamClient(*config.NATS, rtCancel)
		if err != nil {
			log.WithError(err).WithFields(logTags).Errorf(
				"Failed to define NATS client with %s", config.NATS.ServerURI,
			)
			return err
		}
		defer js.Close(context.Background())
	}

	signalRecvSetup(wg, runTimeContext, rtCancel)

	return cmd.RunRelayServer(runTimeContext, *config, cmdArgs.Hostname, js, wg)
}

// ============================================================================
// Tail subcommand

// startTail follow a topic
func startTail(c *cli.Context) error {
	config, err := initialCmdArgsProcessing(tailCmdArgs.FromNATS)
	if err != nil {
		return err
	}

	wg, runTimeContext, rtCancel := defineControlVars()
	defer wg.Wait()
	defer rtCancel()

	params := cmd.TailParams{
		Topic:         tailCmdArgs.Topic,
		ServerURL:     tailCmdArgs.ServerURL,
		FromNATS:      tailCmdArgs.FromNATS,
		SubjectPrefix: tailCmdArgs.SubjectPrefix,
	}

	var js *core.NatsClient
	if tailCmdArgs.FromNATS {
		if config.NATS == nil {
			return fmt.Errorf("reading from NATS needs the NATS configuration")
		}
		if params.SubjectPrefix == "" {
			params.SubjectPrefix = config.NATS.Mirror.SubjectPrefix
		}
		js, err = prepareJetStreamClient(*config.NATS, rtCancel)
		if err != nil {
			log.WithError(err).WithFields(logTags).Errorf(
				"Failed to define NATS client with %s", config.NATS.ServerURI,
			)
			return err
		}
		defer js.Close(context.Background())
	}

	signalRecvSetup(wg, runTimeContext, rtCancel)

	return cmd.RunTail(runTimeContext, params, js, os.Stdout, wg)
}
