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

// Package mirror carries topic bus payloads across processes over NATS subjects
package mirror

import (
	"fmt"
	"regexp"
	"sync"

	"github.com/alwitt/feedrelay/bus"
	"github.com/alwitt/feedrelay/common"
	"github.com/alwitt/feedrelay/core"
	"github.com/apex/log"
)

var invalidSubjectChars = regexp.MustCompile(`[^-_a-zA-Z0-9]`)

// SubjectForTopic the NATS subject a topic is mirrored on
func SubjectForTopic(prefix string, topic bus.Topic) string {
	return fmt.Sprintf("%s.%s", prefix, invalidSubjectChars.ReplaceAllString(string(topic), "_"))
}

// TopicMirror republishes topic bus payloads on NATS subjects
type TopicMirror interface {
	// Mirror start mirroring a topic. Mirroring a topic twice is a no-op.
	Mirror(topic bus.Topic) error
	// Stop stop mirroring all topics
	Stop() error
}

// topicMirrorImpl implements TopicMirror
type topicMirrorImpl struct {
	common.Component
	client        *core.NatsClient
	topicBus      bus.Bus
	subjectPrefix string
	lock          sync.Mutex
	subs          map[bus.Topic]bus.Subscription
}

// GetTopicMirror define a new topic mirror
//
//	@param client *core.NatsClient - NATS client
//	@param topicBus bus.Bus - the local topic bus
//	@param subjectPrefix string - subjects are "<subjectPrefix>.<topic>"
//	@return the mirror
func GetTopicMirror(
	client *core.NatsClient, topicBus bus.Bus, subjectPrefix string,
) (TopicMirror, error) {
	if client == nil || topicBus == nil {
		return nil, fmt.Errorf("topic mirror needs both a NATS client and a topic bus")
	}
	if subjectPrefix == "" {
		return nil, fmt.Errorf("topic mirror subject prefix is empty")
	}
	logTags := log.Fields{
		"module": "mirror", "component": "topic-mirror", "subject_prefix": subjectPrefix,
	}
	return &topicMirrorImpl{
		Component:     common.Component{LogTags: logTags},
		client:        client,
		topicBus:      topicBus,
		subjectPrefix: subjectPrefix,
		subs:          make(map[bus.Topic]bus.Subscription),
	}, nil
}

// Mirror start mirroring a topic
func (m *topicMirrorImpl) Mirror(topic bus.Topic) error {
	m.lock.Lock()
	defer m.lock.Unlock()
	if _, ok := m.subs[topic]; ok {
		return nil
	}
	subject := SubjectForTopic(m.subjectPrefix, topic)
	sub, err := m.topicBus.Subscribe(topic, func(topic bus.Topic, payload string) {
		if err := m.client.NATs().Publish(subject, []byte(payload)); err != nil {
			log.WithError(err).WithFields(m.LogTags).Errorf("Unable to mirror '%s' payload", topic)
		}
	})
	if err != nil {
		log.WithError(err).WithFields(m.LogTags).Errorf("Unable to subscribe to '%s'", topic)
		return err
	}
	m.subs[topic] = sub
	log.WithFields(m.LogTags).Infof("Mirroring '%s' onto %s", topic, subject)
	return nil
}

// Stop stop mirroring all topics
func (m *topicMirrorImpl) Stop() error {
	m.lock.Lock()
	defer m.lock.Unlock()
	for topic, sub := range m.subs {
		if err := sub.Close(); err != nil {
			log.WithError(err).WithFields(m.LogTags).Errorf("Unable to stop mirroring '%s'", topic)
			return err
		}
		delete(m.subs, topic)
	}
	return nil
}
