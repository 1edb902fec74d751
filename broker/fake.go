package broker

import (
	"strings"
	"sync"

	"github.com/hadijannat/aas-uns-bridge/errors"
)

// Recorded is one message captured by the fake broker.
type Recorded struct {
	Topic   string
	Payload []byte
	QoS     byte
	Retain  bool
}

// Fake is an in-memory Publisher for tests: it records publishes and
// routes them back to matching subscriptions.
type Fake struct {
	mu            sync.Mutex
	messages      []Recorded
	subs          map[string]Handler
	failPublishes bool
}

// NewFake creates an in-memory broker fake.
func NewFake() *Fake {
	return &Fake{subs: make(map[string]Handler)}
}

// FailPublishes makes subsequent publishes return a transient error.
func (f *Fake) FailPublishes(fail bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failPublishes = fail
}

// Publish implements Publisher.
func (f *Fake) Publish(topic string, payload []byte, qos byte, retain bool) error {
	f.mu.Lock()
	if f.failPublishes {
		f.mu.Unlock()
		return errors.WrapTransient(errors.ErrNoConnection, "Fake", "Publish", topic)
	}
	f.messages = append(f.messages, Recorded{
		Topic:   topic,
		Payload: append([]byte(nil), payload...),
		QoS:     qos,
		Retain:  retain,
	})
	handlers := make([]Handler, 0, 1)
	for filter, h := range f.subs {
		if TopicMatches(filter, topic) {
			handlers = append(handlers, h)
		}
	}
	f.mu.Unlock()

	for _, h := range handlers {
		h(topic, payload)
	}
	return nil
}

// Subscribe implements Publisher.
func (f *Fake) Subscribe(topic string, _ byte, handler Handler) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subs[topic] = handler
	return nil
}

// Inject delivers a message to matching subscribers without recording it
// as a publish, simulating an external sender.
func (f *Fake) Inject(topic string, payload []byte) {
	f.mu.Lock()
	handlers := make([]Handler, 0, 1)
	for filter, h := range f.subs {
		if TopicMatches(filter, topic) {
			handlers = append(handlers, h)
		}
	}
	f.mu.Unlock()

	for _, h := range handlers {
		h(topic, payload)
	}
}

// Messages returns a copy of all recorded publishes.
func (f *Fake) Messages() []Recorded {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Recorded(nil), f.messages...)
}

// MessagesOn returns recorded publishes for one exact topic.
func (f *Fake) MessagesOn(topic string) []Recorded {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Recorded
	for _, m := range f.messages {
		if m.Topic == topic {
			out = append(out, m)
		}
	}
	return out
}

// Reset drops recorded messages, keeping subscriptions.
func (f *Fake) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = nil
}

// TopicMatches implements MQTT filter matching with '+' and '#'.
func TopicMatches(filter, topic string) bool {
	fparts := strings.Split(filter, "/")
	tparts := strings.Split(topic, "/")

	for i, fp := range fparts {
		if fp == "#" {
			return true
		}
		if i >= len(tparts) {
			return false
		}
		if fp != "+" && fp != tparts[i] {
			return false
		}
	}
	return len(fparts) == len(tparts)
}
