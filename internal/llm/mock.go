package llm

import (
	"context"
	"errors"
	"sync"
)

// Mock is a scripted Client for tests. Responses are consumed in order;
// every request is recorded for assertions.
type Mock struct {
	mu        sync.Mutex
	model     string
	responses []*Response
	Requests  []Request
	Err       error
}

// NewMock builds a mock that replies with the given responses in order.
// When the script runs out it keeps repeating the last response.
func NewMock(model string, responses ...*Response) *Mock {
	return &Mock{model: model, responses: responses}
}

func (m *Mock) Model() string { return m.model }

func (m *Mock) Chat(_ context.Context, req Request) (*Response, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Requests = append(m.Requests, req)
	if m.Err != nil {
		return nil, m.Err
	}
	if len(m.responses) == 0 {
		return nil, errors.New("mock: no scripted responses")
	}
	resp := m.responses[0]
	if len(m.responses) > 1 {
		m.responses = m.responses[1:]
	}
	return resp, nil
}
