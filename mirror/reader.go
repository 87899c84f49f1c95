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

package mirror

import (
	"context"
	"fmt"
	"sync"

	"github.com/alwitt/feedrelay/bus"
	"github.com/alwitt/feedrelay/common"
	"github.com/alwitt/feedrelay/core"
	"github.com/apex/log"
	"github.com/nats-io/nats.go"
)

// SubjectReader reads mirrored payloads from NATS and publishes them on a local bus
type SubjectReader interface {
	// StartReading begin reading. Reading stops when the reader's context is cancelled.
	StartReading(wg *sync.WaitGroup) error
}

type subjectReaderImpl struct {
	common.Component
	ctxt      context.Context
	publisher bus.Publisher
	subs      map[bus.Topic]*nats.Subscription
	lock      sync.Mutex
	reading   bool
}

// GetSubjectReader define a new reader of mirrored topics
func GetSubjectReader(
	ctxt context.Context,
	client *core.NatsClient,
	subjectPrefix string,
	topics []bus.Topic,
	publisher bus.Publisher,
) (SubjectReader, error) {
	logTags := log.Fields{
		"module": "mirror", "component": "subject-reader", "subject_prefix": subjectPrefix,
	}
	if len(topics) == 0 {
		return nil, fmt.Errorf("no topics to read")
	}
	subs := map[bus.Topic]*nats.Subscription{}
	for _, topic := range topics {
		subject := SubjectForTopic(subjectPrefix, topic)
		sub, err := client.NATs().SubscribeSync(subject)
		if err != nil {
			log.WithError(err).WithFields(logTags).Errorf("Unable to subscribe to %s", subject)
			for _, defined := range subs {
				_ = defined.Unsubscribe()
			}
			return nil, err
		}
		subs[topic] = sub
	}
	return &subjectReaderImpl{
		Component: common.Component{LogTags: logTags},
		ctxt:      ctxt,
		publisher: publisher,
		subs:      subs,
	}, nil
}

// StartReading begin reading
func (r *subjectReaderImpl) StartReading(wg *sync.WaitGroup) error {
	r.lock.Lock()
	defer r.lock.Unlock()
	if r.reading {
		err := fmt.Errorf("already reading")
		log.WithError(err).WithFields(r.LogTags).Error("Unable to start reading")
		return err
	}
	r.reading = true
	for topic, sub := range r.subs {
		wg.Add(1)
		go func(topic bus.Topic, sub *nats.Subscription) {
			defer wg.Done()
			logTags := r.CopyLogTags(log.Fields{"topic": topic})
			log.WithFields(logTags).Info("Starting read loop")
			defer log.WithFields(logTags).Info("Stopping read loop")
			defer func() {
				if err := sub.Unsubscribe(); err != nil {
					log.WithError(err).WithFields(logTags).Error("Unsubscribe failed")
				}
			}()
			for {
				msg, err := sub.NextMsgWithContext(r.ctxt)
				if err != nil {
					if r.ctxt.Err() == nil {
						log.WithError(err).WithFields(logTags).Error("Read failure")
					}
					return
				}
				r.publisher.Publish(topic, string(msg.Data))
			}
		}(topic, sub)
	}
	return nil
}
