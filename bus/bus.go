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

// Package bus provides the in process topic bus live feed payloads are republished on.
package bus

import (
	"fmt"
	"sync"

	"github.com/alwitt/feedrelay/common"
	"github.com/apex/log"
	"github.com/google/uuid"
)

// Topic name under which payloads are published and subscribed to
type Topic string

// TopicNotifications the fixed topic notification feeds publish on
const TopicNotifications Topic = "notifications"

// ErrUnknownSubscription unsubscribe called with a subscription not registered
var ErrUnknownSubscription = fmt.Errorf("unknown subscription")

// SubscriberCB callback invoked for each payload published on a subscribed topic
type SubscriberCB func(topic Topic, payload string)

// Subscription handle of one registered subscriber
type Subscription interface {
	// ID the subscription ID
	ID() string
	// Topic the subscribed topic
	Topic() Topic
	// Close unsubscribe. Safe to call more than once.
	Close() error
}

// Publisher publishes payloads onto topics
type Publisher interface {
	// Publish deliver a payload to every current subscriber of a topic, synchronously and
	// in subscription order. Returns the number of subscribers the payload was delivered to.
	Publish(topic Topic, payload string) int
}

// Bus in process publish / subscribe registry
type Bus interface {
	Publisher
	// Subscribe register a callback for a topic
	Subscribe(topic Topic, callback SubscriberCB) (Subscription, error)
	// Unsubscribe remove a subscription
	Unsubscribe(sub Subscription) error
	// Subscribers the number of current subscribers of a topic
	Subscribers(topic Topic) int
}

// subscriptionImpl implements Subscription
type subscriptionImpl struct {
	id       string
	topic    Topic
	callback SubscriberCB
	parent   *busImpl
}

// ID the subscription ID
func (s *subscriptionImpl) ID() string {
	return s.id
}

// Topic the subscribed topic
func (s *subscriptionImpl) Topic() Topic {
	return s.topic
}

// Close unsubscribe
func (s *subscriptionImpl) Close() error {
	if err := s.parent.Unsubscribe(s); err != nil && err != ErrUnknownSubscription {
		return err
	}
	return nil
}

// busImpl implements Bus
type busImpl struct {
	common.Component
	lock        sync.RWMutex
	subscribers map[Topic][]*subscriptionImpl
}

// GetTopicBus define a new topic bus
func GetTopicBus(instance string) Bus {
	logTags := log.Fields{"module": "bus", "component": "topic-bus", "instance": instance}
	return &busImpl{
		Component:   common.Component{LogTags: logTags},
		subscribers: make(map[Topic][]*subscriptionImpl),
	}
}

// Subscribe register a callback for a topic
func (b *busImpl) Subscribe(topic Topic, callback SubscriberCB) (Subscription, error) {
	if topic == "" {
		return nil, fmt.Errorf("topic name is empty")
	}
	if callback == nil {
		return nil, fmt.Errorf("subscriber callback is nil")
	}
	sub := &subscriptionImpl{
		id: uuid.New().String(), topic: topic, callback: callback, parent: b,
	}
	b.lock.Lock()
	defer b.lock.Unlock()
	b.subscribers[topic] = append(b.subscribers[topic], sub)
	log.WithFields(b.LogTags).Debugf("Subscribed %s to '%s'", sub.id, topic)
	return sub, nil
}

// Unsubscribe remove a subscription
func (b *busImpl) Unsubscribe(sub Subscription) error {
	b.lock.Lock()
	defer b.lock.Unlock()
	current := b.subscribers[sub.Topic()]
	for idx, registered := range current {
		if registered.id == sub.ID() {
			// Copy so an in-flight publish keeps iterating its own snapshot
			remaining := make([]*subscriptionImpl, 0, len(current)-1)
			remaining = append(remaining, current[:idx]...)
			remaining = append(remaining, current[idx+1:]...)
			if len(remaining) == 0 {
				delete(b.subscribers, sub.Topic())
			} else {
				b.subscribers[sub.Topic()] = remaining
			}
			log.WithFields(b.LogTags).Debugf("Unsubscribed %s from '%s'", sub.ID(), sub.Topic())
			return nil
		}
	}
	return ErrUnknownSubscription
}

// Subscribers the number of current subscribers of a topic
func (b *busImpl) Subscribers(topic Topic) int {
	b.lock.RLock()
	defer b.lock.RUnlock()
	return len(b.subscribers[topic])
}

// isSubscribed whether the subscription is still registered
func (b *busImpl) isSubscribed(sub *subscriptionImpl) bool {
	b.lock.RLock()
	defer b.lock.RUnlock()
	for _, registered := range b.subscribers[sub.topic] {
		if registered == sub {
			return true
		}
	}
	return false
}

// Publish deliver a payload to every current subscriber of a topic
func (b *busImpl) Publish(topic Topic, payload string) int {
	b.lock.RLock()
	snapshot := b.subscribers[topic]
	b.lock.RUnlock()
	delivered := 0
	for _, sub := range snapshot {
		// Skip subscribers removed by an earlier callback of this publish
		if !b.isSubscribed(sub) {
			continue
		}
		sub.callback(topic, payload)
		delivered++
	}
	return delivered
}
