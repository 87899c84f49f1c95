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
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"

	"github.com/alwitt/feedrelay/bus"
	"github.com/alwitt/feedrelay/core"
	"github.com/alwitt/feedrelay/mirror"
	"github.com/alwitt/feedrelay/sse"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
)

// TailParams parameters for following a topic
type TailParams struct {
	// Topic the topic to follow
	Topic string `validate:"required"`
	// ServerURL base URL of a relay server, used when reading over HTTP
	ServerURL string `validate:"omitempty,url"`
	// FromNATS read mirrored payloads from NATS instead of the relay server
	FromNATS bool
	// SubjectPrefix NATS subject prefix of the mirror
	SubjectPrefix string `validate:"required_if=FromNATS true"`
}

// RunTail print the payloads of a topic to out until the context is cancelled
func RunTail(
	runTimeContext context.Context,
	params TailParams,
	natsClient *core.NatsClient,
	out io.Writer,
	wg *sync.WaitGroup,
) error {
	logTags := log.Fields{"module": "cmd", "component": "tail", "topic": params.Topic}

	validate := validator.New()
	if err := validate.Struct(&params); err != nil {
		log.WithError(err).WithFields(logTags).Error("Invalid tail params")
		return err
	}
	if !params.FromNATS && params.ServerURL == "" {
		return fmt.Errorf("relay server URL required when not reading from NATS")
	}

	if params.FromNATS {
		if natsClient == nil {
			return fmt.Errorf("reading from NATS requires a NATS client")
		}
		localBus := bus.GetTopicBus("tail")
		_, err := localBus.Subscribe(bus.Topic(params.Topic), func(_ bus.Topic, payload string) {
			_, _ = fmt.Fprintln(out, payload)
		})
		if err != nil {
			return err
		}
		reader, err := mirror.GetSubjectReader(
			runTimeContext, natsClient, params.SubjectPrefix,
			[]bus.Topic{bus.Topic(params.Topic)}, localBus,
		)
		if err != nil {
			log.WithError(err).WithFields(logTags).Error("Unable to define subject reader")
			return err
		}
		if err := reader.StartReading(wg); err != nil {
			return err
		}
		<-runTimeContext.Done()
		return nil
	}

	streamURL, err := url.JoinPath(params.ServerURL, "v1", "topic", params.Topic, "stream")
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(runTimeContext, http.MethodGet, streamURL, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		log.WithError(err).WithFields(logTags).Errorf("Unable to reach %s", streamURL)
		return err
	}
	if resp.StatusCode != http.StatusOK {
		_ = resp.Body.Close()
		return fmt.Errorf("topic stream request returned HTTP %d", resp.StatusCode)
	}
	log.WithFields(logTags).Infof("Following %s", streamURL)
	err = sse.ReadFrames(runTimeContext, resp.Body, func(frame sse.Frame) error {
		_, err := fmt.Fprintln(out, frame.Data)
		return err
	})
	if err != nil && !sse.IsCancellation(err) {
		log.WithError(err).WithFields(logTags).Error("Topic stream failed")
		return err
	}
	return nil
}
