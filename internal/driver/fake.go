package driver

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// FakeDriver is an in-memory Driver for tests. It is safe for concurrent use.
type FakeDriver struct {
	mu       sync.Mutex
	clusters map[string]CreateOptions

	creates int
	deletes int
	lists   int
	execs   int

	deleteErrs map[string]error

	// Error injection
	CreateErr error
	ReadyErr  error
	DeleteErr error
	ListErr   error
	ExecErr   error

	// CreateDelay makes Create block, honouring ctx cancellation.
	CreateDelay time.Duration

	// ExecFunc, when set, produces the Exec output.
	ExecFunc func(name string, argv []string) (string, error)
}

// NewFakeDriver creates an empty FakeDriver.
func NewFakeDriver() *FakeDriver {
	return &FakeDriver{
		clusters:   make(map[string]CreateOptions),
		deleteErrs: make(map[string]error),
	}
}

func (f *FakeDriver) Create(ctx context.Context, name string, opts CreateOptions) error {
	f.mu.Lock()
	f.creates++
	delay := f.CreateDelay
	f.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			// a half-created cluster is left behind, like the real tool
			f.mu.Lock()
			f.clusters[name] = opts
			f.mu.Unlock()
			return ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.CreateErr != nil {
		return f.CreateErr
	}
	if _, ok := f.clusters[name]; ok {
		return fmt.Errorf("cluster %s already exists", name)
	}
	f.clusters[name] = opts
	return nil
}

func (f *FakeDriver) WaitReady(ctx context.Context, name string, timeout time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ReadyErr != nil {
		return f.ReadyErr
	}
	if _, ok := f.clusters[name]; !ok {
		return fmt.Errorf("cluster %s not found", name)
	}
	return nil
}

func (f *FakeDriver) Delete(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletes++
	if f.DeleteErr != nil {
		return f.DeleteErr
	}
	if err := f.deleteErrs[name]; err != nil {
		return err
	}
	delete(f.clusters, name)
	return nil
}

func (f *FakeDriver) List(ctx context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lists++
	if f.ListErr != nil {
		return nil, f.ListErr
	}
	names := make([]string, 0, len(f.clusters))
	for name := range f.clusters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (f *FakeDriver) Exec(ctx context.Context, name string, argv []string) (string, error) {
	f.mu.Lock()
	f.execs++
	execErr, execFunc := f.ExecErr, f.ExecFunc
	_, exists := f.clusters[name]
	f.mu.Unlock()

	if execErr != nil {
		return "", execErr
	}
	if !exists {
		return "", fmt.Errorf("context kind-%s does not exist", name)
	}
	if execFunc != nil {
		return execFunc(name, argv)
	}
	return strings.Join(argv, " ") + "\n", nil
}

// Add registers a cluster as if it had been created out-of-band.
func (f *FakeDriver) Add(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.clusters[name] = CreateOptions{}
}

// Remove deletes a cluster out-of-band without counting a Delete call.
func (f *FakeDriver) Remove(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.clusters, name)
}

// Has reports whether the cluster exists.
func (f *FakeDriver) Has(name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.clusters[name]
	return ok
}

// Options returns the options a cluster was created with.
func (f *FakeDriver) Options(name string) (CreateOptions, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	opts, ok := f.clusters[name]
	return opts, ok
}

// Configure changes error injection under the lock, for drivers that are
// already in use by other goroutines.
func (f *FakeDriver) Configure(fn func(f *FakeDriver)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}

// FailDelete makes Delete of name return err until cleared with a nil err.
func (f *FakeDriver) FailDelete(name string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.deleteErrs, name)
		return
	}
	f.deleteErrs[name] = err
}

// CreateCalls returns how many times Create was invoked.
func (f *FakeDriver) CreateCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.creates
}

// DeleteCalls returns how many times Delete was invoked.
func (f *FakeDriver) DeleteCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.deletes
}

// ListCalls returns how many times List was invoked.
func (f *FakeDriver) ListCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lists
}

// ExecCalls returns how many times Exec was invoked.
func (f *FakeDriver) ExecCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.execs
}
