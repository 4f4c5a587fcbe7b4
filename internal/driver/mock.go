package driver

import (
	"context"
	"strings"
	"sync"
)

// MockCall records one invocation of MockExecutor.Run.
type MockCall struct {
	Stdin string
	Name  string
	Args  []string
}

// Line returns the call as a single space-joined command line.
func (c MockCall) Line() string {
	return strings.TrimSpace(c.Name + " " + strings.Join(c.Args, " "))
}

// MockResponse is the scripted result for a command line prefix.
type MockResponse struct {
	Stdout string
	Err    error
}

// MockExecutor implements CommandExecutor for testing.
type MockExecutor struct {
	mu        sync.Mutex
	calls     []MockCall
	responses map[string]MockResponse
}

// NewMockExecutor creates an executor that succeeds with empty output
// unless a response is scripted.
func NewMockExecutor() *MockExecutor {
	return &MockExecutor{responses: make(map[string]MockResponse)}
}

// On scripts the result for any command line starting with prefix.
// The longest matching prefix wins.
func (m *MockExecutor) On(prefix string, resp MockResponse) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses[prefix] = resp
}

// Calls returns a copy of the recorded calls.
func (m *MockExecutor) Calls() []MockCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]MockCall, len(m.calls))
	copy(out, m.calls)
	return out
}

func (m *MockExecutor) Run(ctx context.Context, stdin string, name string, args ...string) (string, error) {
	call := MockCall{Stdin: stdin, Name: name, Args: append([]string(nil), args...)}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, call)

	if err := ctx.Err(); err != nil {
		return "", err
	}

	line := call.Line()
	var best string
	var resp MockResponse
	found := false
	for prefix, r := range m.responses {
		if strings.HasPrefix(line, prefix) && len(prefix) >= len(best) {
			best, resp, found = prefix, r, true
		}
	}
	if !found {
		return "", nil
	}
	return resp.Stdout, resp.Err
}
