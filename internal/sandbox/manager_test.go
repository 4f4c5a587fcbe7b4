package sandbox

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/michaelbrown/kubebox/internal/driver"
	"github.com/michaelbrown/kubebox/internal/storage"
	"github.com/michaelbrown/kubebox/internal/storage/sqlite"
)

// fakeClock is a manually advanced clock.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Lifetime = time.Hour
	return cfg
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestManager(t *testing.T, d driver.Driver, opts ...Option) (*Manager, *fakeClock) {
	t.Helper()
	clock := newFakeClock()
	opts = append([]Option{WithClock(clock.Now), WithLogger(testLogger())}, opts...)
	return NewManager(d, testConfig(), opts...), clock
}

// gatedDriver blocks Create until the gate is closed.
type gatedDriver struct {
	*driver.FakeDriver
	entered chan string
	gate    chan struct{}
}

func newGatedDriver() *gatedDriver {
	return &gatedDriver{
		FakeDriver: driver.NewFakeDriver(),
		entered:    make(chan string, 16),
		gate:       make(chan struct{}),
	}
}

func (g *gatedDriver) Create(ctx context.Context, name string, opts driver.CreateOptions) error {
	g.entered <- name
	<-g.gate
	return g.FakeDriver.Create(ctx, name, opts)
}

func TestCreateRegistersAfterDriverSuccess(t *testing.T) {
	d := driver.NewFakeDriver()
	m, clock := newTestManager(t, d)

	sb, reused, err := m.CreateOrReuse(context.Background(), CreateRequest{ClientKey: "10.0.0.1"})
	if err != nil {
		t.Fatalf("CreateOrReuse: %v", err)
	}
	if reused {
		t.Error("first create should not be a reuse")
	}
	if !ValidID(sb.ID) {
		t.Errorf("id %q has wrong shape", sb.ID)
	}
	if !d.Has(sb.ID) {
		t.Error("driver should have the cluster")
	}
	if got, ok := m.Get(sb.ID); !ok || !got.CreatedAt.Equal(clock.Now()) {
		t.Errorf("registry entry = %+v, %v", got, ok)
	}
	if sb.ExpiresIn(clock.Now()) != time.Hour {
		t.Errorf("ExpiresIn = %v, want 1h", sb.ExpiresIn(clock.Now()))
	}
}

func TestCreateReuseIsIdempotent(t *testing.T) {
	d := driver.NewFakeDriver()
	m, clock := newTestManager(t, d)
	ctx := context.Background()

	first, _, err := m.CreateOrReuse(ctx, CreateRequest{ClientKey: "10.0.0.1"})
	if err != nil {
		t.Fatal(err)
	}
	clock.Advance(10 * time.Minute)

	second, reused, err := m.CreateOrReuse(ctx, CreateRequest{ClientKey: "10.0.0.1", ExistingID: first.ID})
	if err != nil {
		t.Fatal(err)
	}
	if !reused {
		t.Error("expected reuse")
	}
	if second.ID != first.ID {
		t.Errorf("id = %q, want %q", second.ID, first.ID)
	}
	if !second.CreatedAt.Equal(first.CreatedAt) {
		t.Error("reuse must not reset the lifetime")
	}
	if n := d.CreateCalls(); n != 1 {
		t.Errorf("driver Create calls = %d, want 1", n)
	}
}

func TestCreateReplacesStaleBinding(t *testing.T) {
	d := driver.NewFakeDriver()
	m, _ := newTestManager(t, d)
	ctx := context.Background()

	first, _, err := m.CreateOrReuse(ctx, CreateRequest{ClientKey: "10.0.0.1"})
	if err != nil {
		t.Fatal(err)
	}
	d.Remove(first.ID) // deleted out-of-band

	second, reused, err := m.CreateOrReuse(ctx, CreateRequest{ClientKey: "10.0.0.1", ExistingID: first.ID})
	if err != nil {
		t.Fatal(err)
	}
	if reused || second.ID == first.ID {
		t.Errorf("expected a fresh sandbox, got %q reused=%v", second.ID, reused)
	}
	if _, ok := m.Get(first.ID); ok {
		t.Error("stale entry should have been removed")
	}
}

func TestCreateSameClientAdmitsOne(t *testing.T) {
	d := newGatedDriver()
	m, _ := newTestManager(t, d)
	ctx := context.Background()

	firstDone := make(chan error, 1)
	go func() {
		_, _, err := m.CreateOrReuse(ctx, CreateRequest{ClientKey: "10.0.0.1"})
		firstDone <- err
	}()
	<-d.entered

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, err := m.CreateOrReuse(ctx, CreateRequest{ClientKey: "10.0.0.1"})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		if !errors.Is(err, ErrAdmissionDenied) {
			t.Errorf("err = %v, want ErrAdmissionDenied", err)
		}
	}

	close(d.gate)
	if err := <-firstDone; err != nil {
		t.Fatalf("admitted create failed: %v", err)
	}
	if n := d.CreateCalls(); n != 1 {
		t.Errorf("driver Create calls = %d, want 1", n)
	}
	if m.guard.Held("10.0.0.1") {
		t.Error("admission lock must be released")
	}

	if _, _, err := m.CreateOrReuse(ctx, CreateRequest{ClientKey: "10.0.0.1"}); err != nil {
		t.Errorf("create after release should be admitted: %v", err)
	}
}

func TestCreateDistinctClientsRunInParallel(t *testing.T) {
	d := newGatedDriver()
	m, _ := newTestManager(t, d)
	ctx := context.Background()

	type res struct {
		sb  Sandbox
		err error
	}
	results := make(chan res, 2)
	for _, client := range []string{"10.0.0.1", "10.0.0.2"} {
		go func() {
			sb, _, err := m.CreateOrReuse(ctx, CreateRequest{ClientKey: client})
			results <- res{sb, err}
		}()
	}

	// both must be inside the driver at the same time
	<-d.entered
	<-d.entered
	close(d.gate)

	a, b := <-results, <-results
	if a.err != nil || b.err != nil {
		t.Fatalf("errors: %v, %v", a.err, b.err)
	}
	if a.sb.ID == b.sb.ID {
		t.Error("distinct clients must get distinct sandboxes")
	}
}

func TestCreateFailureLeavesNoEntry(t *testing.T) {
	d := driver.NewFakeDriver()
	d.CreateErr = errors.New("docker daemon not running")
	m, _ := newTestManager(t, d)

	_, _, err := m.CreateOrReuse(context.Background(), CreateRequest{ClientKey: "10.0.0.1"})
	var de *DriverError
	if !errors.As(err, &de) || de.Op != "create" {
		t.Fatalf("err = %v, want create DriverError", err)
	}
	if m.registry.Len() != 0 {
		t.Error("no registry entry may be left behind")
	}
	if m.guard.Held("10.0.0.1") {
		t.Error("admission lock must be released on failure")
	}
}

func TestCreateTimeoutCleansUp(t *testing.T) {
	d := driver.NewFakeDriver()
	d.CreateDelay = time.Second
	clock := newFakeClock()
	cfg := testConfig()
	cfg.CreateTimeout = 20 * time.Millisecond
	m := NewManager(d, cfg, WithClock(clock.Now), WithLogger(testLogger()),
		WithIDGenerator(func() (string, error) { return "sb-timeout001", nil }))

	_, _, err := m.CreateOrReuse(context.Background(), CreateRequest{ClientKey: "10.0.0.1"})
	var de *DriverError
	if !errors.As(err, &de) || !de.Timeout() {
		t.Fatalf("err = %v, want timed out DriverError", err)
	}
	if m.registry.Len() != 0 {
		t.Error("timed out create must not register")
	}
	if d.Has("sb-timeout001") {
		t.Error("partial cluster should have been deleted")
	}
}

func TestCreateReadyFailureCleansUp(t *testing.T) {
	d := driver.NewFakeDriver()
	d.ReadyErr = errors.New("nodes not ready")
	m, _ := newTestManager(t, d, WithIDGenerator(func() (string, error) { return "sb-notready01", nil }))

	_, _, err := m.CreateOrReuse(context.Background(), CreateRequest{ClientKey: "10.0.0.1"})
	var de *DriverError
	if !errors.As(err, &de) || de.Op != "ready" {
		t.Fatalf("err = %v, want ready DriverError", err)
	}
	if d.Has("sb-notready01") {
		t.Error("cluster that never became ready should be deleted")
	}
}

func TestCreateRejectsImageNotAllowed(t *testing.T) {
	d := driver.NewFakeDriver()
	m, _ := newTestManager(t, d)

	_, _, err := m.CreateOrReuse(context.Background(), CreateRequest{ClientKey: "10.0.0.1", Image: "evil/node:latest"})
	if !errors.Is(err, ErrMalformedInput) {
		t.Fatalf("err = %v, want ErrMalformedInput", err)
	}
	if d.CreateCalls() != 0 {
		t.Error("driver must not be called")
	}
}

func TestExecute(t *testing.T) {
	d := driver.NewFakeDriver()
	var gotArgv []string
	d.ExecFunc = func(name string, argv []string) (string, error) {
		gotArgv = argv
		return "pod/web created\n", nil
	}
	m, _ := newTestManager(t, d)
	ctx := context.Background()

	sb, _, err := m.CreateOrReuse(ctx, CreateRequest{ClientKey: "10.0.0.1"})
	if err != nil {
		t.Fatal(err)
	}

	out, err := m.Execute(ctx, sb.ID, `kubectl run web --image nginx --labels "app=web,tier=front"`)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if out != "pod/web created\n" {
		t.Errorf("output = %q", out)
	}
	want := []string{"run", "web", "--image", "nginx", "--labels", "app=web,tier=front"}
	if !reflect.DeepEqual(gotArgv, want) {
		t.Errorf("argv = %q, want %q", gotArgv, want)
	}
}

func TestExecuteMalformedSkipsDriver(t *testing.T) {
	for _, cmd := range []string{"", "   ", "kubectl", `get pods -l "app=web`} {
		d := driver.NewFakeDriver()
		m, _ := newTestManager(t, d)

		_, err := m.Execute(context.Background(), "sb-abc1234567", cmd)
		if !errors.Is(err, ErrMalformedInput) {
			t.Errorf("Execute(%q) err = %v, want ErrMalformedInput", cmd, err)
		}
		if d.ListCalls() != 0 || d.ExecCalls() != 0 {
			t.Errorf("Execute(%q) must not reach the driver", cmd)
		}
	}
}

func TestParseCommand(t *testing.T) {
	tests := []struct {
		command string
		want    []string
		wantErr bool
	}{
		{"get pods", []string{"get", "pods"}, false},
		{"kubectl get pods -n kube-system", []string{"get", "pods", "-n", "kube-system"}, false},
		{"get pods --sort-by=.metadata.name", []string{"get", "pods", "--sort-by=.metadata.name"}, false},
		{"exec web -- kubectl --context other get pods", []string{"exec", "web", "--", "kubectl", "--context", "other", "get", "pods"}, false},
		{"kubectl --context kind-sb-victim00001 get secrets -A", nil, true},
		{"get secrets --context=kind-sb-victim00001", nil, true},
		{"--kubeconfig /tmp/other get pods", nil, true},
		{"get pods --cluster kind-other", nil, true},
		{"get pods --user kind-other", nil, true},
		{"get pods --server https://10.0.0.9:6443", nil, true},
		{"get pods -s https://10.0.0.9:6443", nil, true},
		{"get pods -shttps://10.0.0.9:6443", nil, true},
		{"get pods --token abc", nil, true},
		{"get pods --client-key=/tmp/key.pem", nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.command, func(t *testing.T) {
			got, err := ParseCommand(tt.command)
			if tt.wantErr {
				if !errors.Is(err, ErrMalformedInput) {
					t.Fatalf("err = %v, want ErrMalformedInput", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseCommand: %v", err)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("argv = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestExecuteCannotTargetAnotherSandbox(t *testing.T) {
	d := driver.NewFakeDriver()
	m, _ := newTestManager(t, d)
	ctx := context.Background()

	own, _, _ := m.CreateOrReuse(ctx, CreateRequest{ClientKey: "10.0.0.1"})
	victim, _, _ := m.CreateOrReuse(ctx, CreateRequest{ClientKey: "10.0.0.2"})

	_, err := m.Execute(ctx, own.ID, "kubectl --context kind-"+victim.ID+" get secrets -A")
	if !errors.Is(err, ErrMalformedInput) {
		t.Fatalf("err = %v, want ErrMalformedInput", err)
	}
	if d.ExecCalls() != 0 {
		t.Error("a context override must not reach the driver")
	}
}

func TestExecuteDeadSandbox(t *testing.T) {
	d := driver.NewFakeDriver()
	m, _ := newTestManager(t, d)
	ctx := context.Background()

	sb, _, _ := m.CreateOrReuse(ctx, CreateRequest{ClientKey: "10.0.0.1"})
	d.Remove(sb.ID)

	if _, err := m.Execute(ctx, sb.ID, "get pods"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
	if _, ok := m.Get(sb.ID); ok {
		t.Error("stale entry should be reconciled away")
	}
	if d.ExecCalls() != 0 {
		t.Error("dead sandbox must not be executed against")
	}
}

func TestExecuteDriverFailure(t *testing.T) {
	d := driver.NewFakeDriver()
	d.ExecFunc = func(string, []string) (string, error) {
		return "", errors.New(`error: the server doesn't have a resource type "podz"`)
	}
	m, _ := newTestManager(t, d)
	ctx := context.Background()

	sb, _, _ := m.CreateOrReuse(ctx, CreateRequest{ClientKey: "10.0.0.1"})
	_, err := m.Execute(ctx, sb.ID, "get podz")

	var de *DriverError
	if !errors.As(err, &de) || de.Op != "exec" {
		t.Fatalf("err = %v, want exec DriverError", err)
	}
	if _, ok := m.Get(sb.ID); !ok {
		t.Error("a failed command must not affect the sandbox")
	}
}

func TestDeleteAndIdempotentDestroy(t *testing.T) {
	d := driver.NewFakeDriver()
	m, _ := newTestManager(t, d)
	ctx := context.Background()

	sb, _, _ := m.CreateOrReuse(ctx, CreateRequest{ClientKey: "10.0.0.1"})
	if err := m.Delete(ctx, sb.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if d.Has(sb.ID) {
		t.Error("cluster should be gone")
	}
	if _, ok := m.Get(sb.ID); ok {
		t.Error("registry entry should be gone")
	}

	if err := m.Delete(ctx, sb.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("second client delete err = %v, want ErrNotFound", err)
	}

	other, _, _ := m.CreateOrReuse(ctx, CreateRequest{ClientKey: "10.0.0.2"})
	before := m.registry.Snapshot()
	if err := m.Destroy(ctx, sb.ID, ReasonExpired); err != nil {
		t.Errorf("Destroy of absent id: %v", err)
	}
	if !reflect.DeepEqual(before, m.registry.Snapshot()) {
		t.Error("destroying an absent id must not change state")
	}
	if _, ok := m.Get(other.ID); !ok {
		t.Error("unrelated sandbox must survive")
	}
}

func TestDestroyFailureKeepsEntry(t *testing.T) {
	d := driver.NewFakeDriver()
	m, _ := newTestManager(t, d)
	ctx := context.Background()

	sb, _, _ := m.CreateOrReuse(ctx, CreateRequest{ClientKey: "10.0.0.1"})
	d.FailDelete(sb.ID, errors.New("docker: container busy"))

	err := m.Delete(ctx, sb.ID)
	var de *DriverError
	if !errors.As(err, &de) || de.Op != "delete" {
		t.Fatalf("err = %v, want delete DriverError", err)
	}
	if _, ok := m.Get(sb.ID); !ok {
		t.Error("entry must stay until deletion succeeds")
	}
}

func TestDestroyConcurrentSharesDriverCall(t *testing.T) {
	d := driver.NewFakeDriver()
	m, _ := newTestManager(t, d)
	ctx := context.Background()

	sb, _, _ := m.CreateOrReuse(ctx, CreateRequest{ClientKey: "10.0.0.1"})

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := m.Destroy(ctx, sb.ID, ReasonClient); err != nil {
				t.Errorf("Destroy: %v", err)
			}
		}()
	}
	wg.Wait()

	if _, ok := m.Get(sb.ID); ok {
		t.Error("entry should be gone")
	}
	if d.Has(sb.ID) {
		t.Error("cluster should be gone")
	}
}

func TestValidateDriverFailure(t *testing.T) {
	d := driver.NewFakeDriver()
	m, _ := newTestManager(t, d)
	ctx := context.Background()

	sb, _, _ := m.CreateOrReuse(ctx, CreateRequest{ClientKey: "10.0.0.1"})
	d.ListErr = errors.New("kind: command not found")

	if _, err := m.Validate(ctx, sb.ID); err == nil {
		t.Fatal("expected list error")
	}
	if _, ok := m.Get(sb.ID); !ok {
		t.Error("a failed list must not be treated as a dead sandbox")
	}
}

func TestValidateRejectsForeignNames(t *testing.T) {
	d := driver.NewFakeDriver()
	d.Add("kind")
	m, _ := newTestManager(t, d)

	live, err := m.Validate(context.Background(), "kind")
	if err != nil || live {
		t.Errorf("Validate(kind) = %v, %v; want false, nil", live, err)
	}
	if d.ListCalls() != 0 {
		t.Error("malformed ids should not reach the driver")
	}
}

func TestAdopt(t *testing.T) {
	tests := []struct {
		name  string
		adopt bool
	}{
		{"delete orphans", false},
		{"adopt orphans", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := driver.NewFakeDriver()
			d.Add("sb-orphan0001")
			d.Add("kind") // not ours
			cfg := testConfig()
			cfg.AdoptOrphans = tt.adopt
			clock := newFakeClock()
			m := NewManager(d, cfg, WithClock(clock.Now), WithLogger(testLogger()))

			n, err := m.Adopt(context.Background())
			if err != nil {
				t.Fatalf("Adopt: %v", err)
			}
			if n != 1 {
				t.Errorf("handled = %d, want 1", n)
			}
			if !d.Has("kind") {
				t.Error("foreign clusters must be left alone")
			}

			_, registered := m.Get("sb-orphan0001")
			if registered != tt.adopt {
				t.Errorf("registered = %v, want %v", registered, tt.adopt)
			}
			if d.Has("sb-orphan0001") != tt.adopt {
				t.Errorf("cluster exists = %v, want %v", d.Has("sb-orphan0001"), tt.adopt)
			}
		})
	}
}

func TestEventsRecorded(t *testing.T) {
	store, err := sqlite.Open(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	d := driver.NewFakeDriver()
	m, _ := newTestManager(t, d, WithEvents(store))
	ctx := context.Background()

	sb, _, _ := m.CreateOrReuse(ctx, CreateRequest{ClientKey: "10.0.0.1"})
	m.CreateOrReuse(ctx, CreateRequest{ClientKey: "10.0.0.1", ExistingID: sb.ID})
	m.Delete(ctx, sb.ID)

	events, err := store.ListEvents(ctx, storage.EventListOptions{SandboxID: sb.ID})
	if err != nil {
		t.Fatal(err)
	}
	kinds := make(map[storage.EventKind]int)
	for _, e := range events {
		kinds[e.Kind]++
	}
	for _, k := range []storage.EventKind{storage.EventCreated, storage.EventReused, storage.EventDeleted} {
		if kinds[k] != 1 {
			t.Errorf("%s events = %d, want 1", k, kinds[k])
		}
	}
}

func TestDestroyRecordsUntrackedClusters(t *testing.T) {
	store, err := sqlite.Open(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	d := driver.NewFakeDriver()
	d.Add("sb-orphan0001")
	clock := newFakeClock()
	m := NewManager(d, testConfig(), WithClock(clock.Now), WithLogger(testLogger()), WithEvents(store))
	ctx := context.Background()

	if _, err := m.Adopt(ctx); err != nil {
		t.Fatalf("Adopt: %v", err)
	}

	events, err := store.ListEvents(ctx, storage.EventListOptions{SandboxID: "sb-orphan0001", Kind: storage.EventDeleted})
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 || events[0].Detail != "reason="+ReasonOrphan {
		t.Errorf("deleted events = %+v, want one orphan deletion", events)
	}
}

func TestOnDestroyHooks(t *testing.T) {
	d := driver.NewFakeDriver()
	m, _ := newTestManager(t, d)
	ctx := context.Background()

	var mu sync.Mutex
	var destroyed []string
	m.OnDestroy(func(id string) {
		mu.Lock()
		defer mu.Unlock()
		destroyed = append(destroyed, id)
	})

	sb, _, _ := m.CreateOrReuse(ctx, CreateRequest{ClientKey: "10.0.0.1"})
	d.FailDelete(sb.ID, errors.New("docker: container busy"))
	m.Destroy(ctx, sb.ID, ReasonClient)
	if len(destroyed) != 0 {
		t.Fatalf("hook ran for a failed delete: %v", destroyed)
	}

	d.FailDelete(sb.ID, nil)
	if err := m.Destroy(ctx, sb.ID, ReasonClient); err != nil {
		t.Fatal(err)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(destroyed) != 1 || destroyed[0] != sb.ID {
		t.Errorf("destroyed = %v, want [%s]", destroyed, sb.ID)
	}
}
