package mocks

import (
	"sync"

	"github.com/seu-repo/sigec-sim/internal/broadcast"
)

// MockChannel is a mock implementation of the broadcast.Channel interface.
// Published envelopes are recorded and delivered synchronously to every
// subscriber, which keeps tests deterministic.
type MockChannel struct {
	mu                 sync.Mutex
	PublishedRequests  []broadcast.Request
	PublishedResponses []broadcast.Response
	requestSubs        []func(broadcast.Request)
	responseSubs       []func(broadcast.Response)

	PublishRequestFunc  func(req broadcast.Request) error
	PublishResponseFunc func(resp broadcast.Response) error
}

func NewMockChannel() *MockChannel {
	return &MockChannel{}
}

func (m *MockChannel) PublishRequest(req broadcast.Request) error {
	if m.PublishRequestFunc != nil {
		return m.PublishRequestFunc(req)
	}
	m.mu.Lock()
	m.PublishedRequests = append(m.PublishedRequests, req)
	subs := append([]func(broadcast.Request){}, m.requestSubs...)
	m.mu.Unlock()
	for _, sub := range subs {
		sub(req)
	}
	return nil
}

func (m *MockChannel) PublishResponse(resp broadcast.Response) error {
	if m.PublishResponseFunc != nil {
		return m.PublishResponseFunc(resp)
	}
	m.mu.Lock()
	m.PublishedResponses = append(m.PublishedResponses, resp)
	subs := append([]func(broadcast.Response){}, m.responseSubs...)
	m.mu.Unlock()
	for _, sub := range subs {
		sub(resp)
	}
	return nil
}

func (m *MockChannel) SubscribeRequests(handler func(broadcast.Request)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requestSubs = append(m.requestSubs, handler)
	return nil
}

func (m *MockChannel) SubscribeResponses(handler func(broadcast.Response)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responseSubs = append(m.responseSubs, handler)
	return nil
}

func (m *MockChannel) Close() error {
	return nil
}
