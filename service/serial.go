package service

import (
	"sync"

	"github.com/hadijannat/aas-uns-bridge/broker"
)

// serialPublisher funnels every publish through one mutex, giving the
// broker a single I/O owner: strict publish ordering and sole custody of
// the lifecycle plane's sequence counter.
type serialPublisher struct {
	mu    sync.Mutex
	inner broker.Publisher
}

func newSerialPublisher(inner broker.Publisher) *serialPublisher {
	return &serialPublisher{inner: inner}
}

func (s *serialPublisher) Publish(topic string, payload []byte, qos byte, retain bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inner.Publish(topic, payload, qos, retain)
}

func (s *serialPublisher) Subscribe(topic string, qos byte, handler broker.Handler) error {
	return s.inner.Subscribe(topic, qos, handler)
}
