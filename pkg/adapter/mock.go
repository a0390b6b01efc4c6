package adapter

import (
	"context"
	"sync"
)

// MockAdapter replays scripted responses in order, then repeats the last
// one. It is safe for concurrent use.
type MockAdapter struct {
	name string

	mu      sync.Mutex
	replies []string
	errs    []error
	calls   int
	prompts []string
}

// NewMockAdapter creates a mock that answers with replies in order.
func NewMockAdapter(name string, replies ...string) *MockAdapter {
	if name == "" {
		name = "mock"
	}
	return &MockAdapter{name: name, replies: replies}
}

// WithErrors makes call i fail with errs[i] when non-nil.
func (a *MockAdapter) WithErrors(errs ...error) *MockAdapter {
	a.errs = errs
	return a
}

// Name returns the adapter identifier.
func (a *MockAdapter) Name() string {
	return a.name
}

// Models returns the list of supported mock models.
func (a *MockAdapter) Models() []string {
	return []string{"mock-1"}
}

// Generate returns the next scripted reply.
func (a *MockAdapter) Generate(ctx context.Context, model string, prompt string) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	i := a.calls
	a.calls++
	a.prompts = append(a.prompts, prompt)

	if i < len(a.errs) && a.errs[i] != nil {
		return nil, a.errs[i]
	}
	if model == "" {
		model = "mock-1"
	}
	content := ""
	switch {
	case i < len(a.replies):
		content = a.replies[i]
	case len(a.replies) > 0:
		content = a.replies[len(a.replies)-1]
	}
	return &Response{Content: content, Adapter: a.name, Model: model}, nil
}

// Calls returns how many times Generate ran.
func (a *MockAdapter) Calls() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls
}

// Prompts returns every prompt received.
func (a *MockAdapter) Prompts() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.prompts...)
}
