package sandbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	shellquote "github.com/kballard/go-shellquote"
	"golang.org/x/sync/singleflight"

	"github.com/michaelbrown/kubebox/internal/driver"
	"github.com/michaelbrown/kubebox/internal/metrics"
	"github.com/michaelbrown/kubebox/internal/storage"
)

// Deletion reasons, recorded in events and metrics.
const (
	ReasonClient    = "client"
	ReasonExpired   = "expired"
	ReasonStale     = "stale"
	ReasonOrphan    = "orphan"
	ReasonAbandoned = "abandoned"
)

// Config holds the lifecycle settings.
type Config struct {
	Lifetime      time.Duration
	CreateTimeout time.Duration
	ReadyTimeout  time.Duration
	DeleteTimeout time.Duration
	ExecTimeout   time.Duration
	ListTimeout   time.Duration
	AdoptOrphans  bool
	Policy        driver.Policy
}

// DefaultConfig returns a one hour lifetime with generous driver timeouts.
func DefaultConfig() Config {
	return Config{
		Lifetime:      time.Hour,
		CreateTimeout: 5 * time.Minute,
		ReadyTimeout:  3 * time.Minute,
		DeleteTimeout: 2 * time.Minute,
		ExecTimeout:   time.Minute,
		ListTimeout:   30 * time.Second,
		Policy:        driver.DefaultPolicy(),
	}
}

// Sandbox is one live cluster as seen by the registry.
type Sandbox struct {
	ID        string        `json:"sandboxId"`
	CreatedAt time.Time     `json:"createdAt"`
	Lifetime  time.Duration `json:"-"`
}

// ExpiresAt returns CreatedAt plus the lifetime.
func (s Sandbox) ExpiresAt() time.Time {
	return s.CreatedAt.Add(s.Lifetime)
}

// ExpiresIn returns the remaining lifetime at now, never negative.
func (s Sandbox) ExpiresIn(now time.Time) time.Duration {
	d := s.ExpiresAt().Sub(now)
	if d < 0 {
		return 0
	}
	return d
}

// CreateRequest is the input to CreateOrReuse.
type CreateRequest struct {
	ClientKey  string // admission identity, usually the client address
	ExistingID string // sandbox bound to the caller's session, if any
	Image      string // requested node image, empty for the default
}

// Manager orchestrates the registry, the admission guard and the driver.
type Manager struct {
	driver   driver.Driver
	registry *Registry
	guard    *Guard
	cfg      Config

	events  storage.Store
	metrics *metrics.Metrics
	logger  *slog.Logger
	now     func() time.Time
	newID   func() (string, error)

	destroys singleflight.Group

	hooksMu   sync.RWMutex
	onDestroy []func(id string)
}

// Option customises a Manager.
type Option func(*Manager)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithEvents records lifecycle events in store.
func WithEvents(store storage.Store) Option {
	return func(m *Manager) { m.events = store }
}

// WithMetrics reports lifecycle metrics.
func WithMetrics(mx *metrics.Metrics) Option {
	return func(m *Manager) { m.metrics = mx }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithIDGenerator replaces NewID, for tests.
func WithIDGenerator(f func() (string, error)) Option {
	return func(m *Manager) { m.newID = f }
}

// NewManager creates a Manager backed by d.
func NewManager(d driver.Driver, cfg Config, opts ...Option) *Manager {
	m := &Manager{
		driver:   d,
		registry: NewRegistry(),
		guard:    NewGuard(),
		cfg:      cfg,
		logger:   slog.Default(),
		now:      time.Now,
		newID:    NewID,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// OnDestroy registers fn to be called after a cluster is deleted, whatever
// the reason.
func (m *Manager) OnDestroy(fn func(id string)) {
	m.hooksMu.Lock()
	defer m.hooksMu.Unlock()
	m.onDestroy = append(m.onDestroy, fn)
}

// Lifetime returns the fixed sandbox lifetime.
func (m *Manager) Lifetime() time.Duration {
	return m.cfg.Lifetime
}

// Now returns the manager's current time.
func (m *Manager) Now() time.Time {
	return m.now()
}

// Get returns the registered sandbox for id.
func (m *Manager) Get(id string) (Sandbox, bool) {
	createdAt, ok := m.registry.Get(id)
	if !ok {
		return Sandbox{}, false
	}
	return Sandbox{ID: id, CreatedAt: createdAt, Lifetime: m.cfg.Lifetime}, true
}

// List returns all registered sandboxes, oldest first.
func (m *Manager) List() []Sandbox {
	snap := m.registry.Snapshot()
	out := make([]Sandbox, 0, len(snap))
	for id, createdAt := range snap {
		out = append(out, Sandbox{ID: id, CreatedAt: createdAt, Lifetime: m.cfg.Lifetime})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// CreateOrReuse returns the live sandbox bound to req.ExistingID, or creates
// a new one. Only one call per ClientKey may be in flight; concurrent calls
// get ErrAdmissionDenied. reused is true when no cluster was created.
func (m *Manager) CreateOrReuse(ctx context.Context, req CreateRequest) (sb Sandbox, reused bool, err error) {
	if !m.cfg.Policy.IsImageAllowed(req.Image) {
		return Sandbox{}, false, malformed("node image %q is not allowed", req.Image)
	}

	release, ok := m.guard.TryAcquire(req.ClientKey)
	if !ok {
		m.metrics.Denied()
		return Sandbox{}, false, ErrAdmissionDenied
	}
	defer release()

	if req.ExistingID != "" {
		live, err := m.Validate(ctx, req.ExistingID)
		if err != nil {
			return Sandbox{}, false, err
		}
		if live {
			sb, ok := m.Get(req.ExistingID)
			if !ok {
				// the cluster outlived our registry (restart); track it from now
				if err := m.registry.Put(req.ExistingID, m.now()); err != nil && !errors.Is(err, ErrDuplicateSandbox) {
					return Sandbox{}, false, err
				}
				m.record(ctx, req.ExistingID, storage.EventAdopted, req.ClientKey, "reused after restart")
				m.metrics.SetActive(m.registry.Len())
				sb, _ = m.Get(req.ExistingID)
			}
			m.metrics.Reused()
			m.record(ctx, sb.ID, storage.EventReused, req.ClientKey, "")
			return sb, true, nil
		}
	}

	sb, err = m.create(ctx, req)
	if err != nil {
		m.metrics.CreateFailed()
		return Sandbox{}, false, err
	}
	return sb, false, nil
}

func (m *Manager) create(ctx context.Context, req CreateRequest) (Sandbox, error) {
	id, err := m.newID()
	if err != nil {
		return Sandbox{}, err
	}
	if _, exists := m.registry.Get(id); exists {
		return Sandbox{}, fmt.Errorf("%w: %s", ErrDuplicateSandbox, id)
	}

	logger := m.logger.With(slog.String("sandbox", id), slog.String("client", req.ClientKey))
	logger.InfoContext(ctx, "creating sandbox")

	createCtx, cancel := context.WithTimeout(ctx, m.cfg.CreateTimeout)
	defer cancel()

	start := time.Now()
	err = m.driver.Create(createCtx, id, m.cfg.Policy.Options(req.Image))
	m.metrics.ObserveDriver("create", start, err)
	if err != nil {
		m.abandon(ctx, id, req.ClientKey, err)
		return Sandbox{}, &DriverError{Op: "create", ID: id, Err: err}
	}

	readyCtx, cancelReady := context.WithTimeout(ctx, m.cfg.ReadyTimeout)
	defer cancelReady()

	start = time.Now()
	err = m.driver.WaitReady(readyCtx, id, m.cfg.ReadyTimeout)
	m.metrics.ObserveDriver("ready", start, err)
	if err != nil {
		m.abandon(ctx, id, req.ClientKey, err)
		return Sandbox{}, &DriverError{Op: "ready", ID: id, Err: err}
	}

	createdAt := m.now()
	if err := m.registry.Put(id, createdAt); err != nil {
		// the id belongs to another registered sandbox; leave its cluster alone
		logger.ErrorContext(ctx, "registering sandbox failed", slog.String("error", err.Error()))
		return Sandbox{}, err
	}
	m.metrics.Created()
	m.metrics.SetActive(m.registry.Len())
	m.record(ctx, id, storage.EventCreated, req.ClientKey, "")

	logger.InfoContext(ctx, "sandbox ready", slog.Duration("lifetime", m.cfg.Lifetime))
	return Sandbox{ID: id, CreatedAt: createdAt, Lifetime: m.cfg.Lifetime}, nil
}

// abandon makes a best-effort attempt to delete a partially created
// cluster. It runs on a fresh deadline because ctx may already be done.
func (m *Manager) abandon(ctx context.Context, id, clientKey string, cause error) {
	m.logger.WarnContext(ctx, "sandbox creation failed, cleaning up",
		slog.String("sandbox", id),
		slog.String("error", cause.Error()),
	)
	m.record(ctx, id, storage.EventCreateFailed, clientKey, cause.Error())

	delCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.cfg.DeleteTimeout)
	defer cancel()

	start := time.Now()
	err := m.driver.Delete(delCtx, id)
	m.metrics.ObserveDriver("delete", start, err)
	if err != nil {
		m.logger.ErrorContext(ctx, "cleanup of partial sandbox failed",
			slog.String("sandbox", id),
			slog.String("error", err.Error()),
		)
		return
	}
	m.metrics.Deleted(ReasonAbandoned)
}

// Validate reports whether the cluster for id still exists, asking the
// driver every time. A dead id is dropped from the registry.
func (m *Manager) Validate(ctx context.Context, id string) (bool, error) {
	if !ValidID(id) {
		return false, nil
	}

	listCtx, cancel := context.WithTimeout(ctx, m.cfg.ListTimeout)
	defer cancel()

	start := time.Now()
	names, err := m.driver.List(listCtx)
	m.metrics.ObserveDriver("list", start, err)
	if err != nil {
		return false, &DriverError{Op: "list", Err: err}
	}

	for _, name := range names {
		if name == id {
			return true, nil
		}
	}

	if m.registry.Remove(id) {
		m.logger.InfoContext(ctx, "dropping stale sandbox", slog.String("sandbox", id))
		m.metrics.Deleted(ReasonStale)
		m.metrics.SetActive(m.registry.Len())
		m.record(ctx, id, storage.EventStale, "", "cluster missing from driver list")
	}
	return false, nil
}

// Status returns the sandbox for id if its cluster is still live.
func (m *Manager) Status(ctx context.Context, id string) (Sandbox, error) {
	live, err := m.Validate(ctx, id)
	if err != nil {
		return Sandbox{}, err
	}
	if !live {
		return Sandbox{}, ErrNotFound
	}
	sb, ok := m.Get(id)
	if !ok {
		return Sandbox{}, ErrNotFound
	}
	return sb, nil
}

// Execute runs command against the sandbox's cluster and returns its
// standard output. The command is split like a shell would; a leading
// "kubectl" is optional. Commands are not filtered.
func (m *Manager) Execute(ctx context.Context, id, command string) (string, error) {
	argv, err := ParseCommand(command)
	if err != nil {
		return "", err
	}

	live, err := m.Validate(ctx, id)
	if err != nil {
		return "", err
	}
	if !live {
		return "", ErrNotFound
	}

	execCtx, cancel := context.WithTimeout(ctx, m.cfg.ExecTimeout)
	defer cancel()

	start := time.Now()
	out, err := m.driver.Exec(execCtx, id, argv)
	m.metrics.ObserveDriver("exec", start, err)
	if err != nil {
		return "", &DriverError{Op: "exec", ID: id, Err: err}
	}
	return m.cfg.Policy.Truncate(out), nil
}

// connectionFlags choose which cluster or credentials kubectl uses. The
// driver pins those, so a command may not override them.
var connectionFlags = map[string]bool{
	"--kubeconfig":            true,
	"--context":               true,
	"--cluster":               true,
	"--user":                  true,
	"--server":                true,
	"--token":                 true,
	"--username":              true,
	"--password":              true,
	"--client-certificate":    true,
	"--client-key":            true,
	"--certificate-authority": true,
}

// ParseCommand splits a command line into kubectl arguments. Flags that
// select a cluster, context or credentials are rejected.
func ParseCommand(command string) ([]string, error) {
	command = strings.TrimSpace(command)
	if command == "" {
		return nil, malformed("command is required")
	}
	argv, err := shellquote.Split(command)
	if err != nil {
		return nil, malformed("parsing command: %v", err)
	}
	if len(argv) > 0 && argv[0] == "kubectl" {
		argv = argv[1:]
	}
	if len(argv) == 0 {
		return nil, malformed("command has no arguments")
	}
	for _, arg := range argv {
		if arg == "--" {
			// the rest belongs to the command run inside a container
			break
		}
		if flag := connectionFlag(arg); flag != "" {
			return nil, malformed("flag %s is not allowed", flag)
		}
	}
	return argv, nil
}

func connectionFlag(arg string) string {
	if strings.HasPrefix(arg, "--") {
		name, _, _ := strings.Cut(arg, "=")
		if connectionFlags[name] {
			return name
		}
		return ""
	}
	// -s is the shorthand for --server
	if strings.HasPrefix(arg, "-s") {
		return "-s"
	}
	return ""
}

// Delete destroys a client's sandbox after confirming it is still live.
func (m *Manager) Delete(ctx context.Context, id string) error {
	live, err := m.Validate(ctx, id)
	if err != nil {
		return err
	}
	if !live {
		return ErrNotFound
	}
	return m.Destroy(ctx, id, ReasonClient)
}

// Destroy deletes the cluster and then the registry entry. It is idempotent:
// destroying an unknown or already deleted id succeeds without changing the
// registry. Every successful driver delete is recorded as a deleted event and
// runs the OnDestroy hooks, tracked or not. Concurrent calls for the same id
// share one driver call. On driver failure the registry entry is kept so the
// sweeper retries it.
func (m *Manager) Destroy(ctx context.Context, id, reason string) error {
	_, err, _ := m.destroys.Do(id, func() (any, error) {
		delCtx, cancel := context.WithTimeout(ctx, m.cfg.DeleteTimeout)
		defer cancel()

		start := time.Now()
		err := m.driver.Delete(delCtx, id)
		m.metrics.ObserveDriver("delete", start, err)
		if err != nil {
			m.record(ctx, id, storage.EventDeleteFailed, "", err.Error())
			return nil, &DriverError{Op: "delete", ID: id, Err: err}
		}

		if m.registry.Remove(id) {
			m.metrics.Deleted(reason)
			m.metrics.SetActive(m.registry.Len())
		}
		m.record(ctx, id, storage.EventDeleted, "", "reason="+reason)
		m.logger.InfoContext(ctx, "sandbox deleted",
			slog.String("sandbox", id),
			slog.String("reason", reason),
		)

		m.hooksMu.RLock()
		hooks := m.onDestroy
		m.hooksMu.RUnlock()
		for _, fn := range hooks {
			fn(id)
		}
		return nil, nil
	})
	return err
}

// Adopt reconciles the registry with the driver after a restart. Clusters
// carrying the sandbox prefix but unknown to the registry are either
// registered with the current time, so they expire one lifetime from now,
// or destroyed, depending on AdoptOrphans. It returns how many were handled.
func (m *Manager) Adopt(ctx context.Context) (int, error) {
	listCtx, cancel := context.WithTimeout(ctx, m.cfg.ListTimeout)
	defer cancel()

	names, err := m.driver.List(listCtx)
	if err != nil {
		return 0, &DriverError{Op: "list", Err: err}
	}

	handled := 0
	var errs []error
	for _, name := range names {
		if !ValidID(name) {
			continue
		}
		if _, known := m.registry.Get(name); known {
			continue
		}
		if m.cfg.AdoptOrphans {
			if err := m.registry.Put(name, m.now()); err != nil {
				continue
			}
			m.record(ctx, name, storage.EventAdopted, "", "found at startup")
			m.logger.InfoContext(ctx, "adopted orphan sandbox", slog.String("sandbox", name))
			handled++
			continue
		}
		if err := m.Destroy(ctx, name, ReasonOrphan); err != nil {
			errs = append(errs, err)
			continue
		}
		m.metrics.Deleted(ReasonOrphan)
		m.logger.InfoContext(ctx, "deleted orphan sandbox", slog.String("sandbox", name))
		handled++
	}
	m.metrics.SetActive(m.registry.Len())
	return handled, errors.Join(errs...)
}

func (m *Manager) record(ctx context.Context, id string, kind storage.EventKind, clientKey, detail string) {
	if m.events == nil {
		return
	}
	e := &storage.Event{
		SandboxID: id,
		Kind:      kind,
		ClientKey: clientKey,
		Detail:    detail,
		CreatedAt: m.now().UTC(),
	}
	if err := m.events.RecordEvent(context.WithoutCancel(ctx), e); err != nil {
		m.logger.WarnContext(ctx, "recording sandbox event failed",
			slog.String("sandbox", id),
			slog.String("kind", string(kind)),
			slog.String("error", err.Error()),
		)
	}
}
