package client

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/michaelbrown/kubebox/internal/driver"
	"github.com/michaelbrown/kubebox/internal/sandbox"
	"github.com/michaelbrown/kubebox/internal/server"
	"github.com/michaelbrown/kubebox/internal/session"
)

func newTestServer(t *testing.T, adminToken string) (*httptest.Server, *driver.FakeDriver) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	d := driver.NewFakeDriver()
	m := sandbox.NewManager(d, sandbox.DefaultConfig(), sandbox.WithLogger(logger))
	binder, err := session.New(session.Options{HashKey: session.GenerateKey(32)})
	if err != nil {
		t.Fatal(err)
	}
	s := server.New(server.Config{AdminToken: adminToken}, m, binder, nil, nil, logger)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return ts, d
}

func TestClientLifecycle(t *testing.T) {
	ts, d := newTestServer(t, "")
	c, err := New(ts.URL)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	sb, err := c.Create(ctx, "")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if sb.Reused {
		t.Error("first create should not be reused")
	}

	again, err := c.Create(ctx, "")
	if err != nil {
		t.Fatal(err)
	}
	if again.SandboxID != sb.SandboxID || !again.Reused {
		t.Errorf("second create = %+v, want reuse of %s", again, sb.SandboxID)
	}

	out, err := c.Exec(ctx, "get ns")
	if err != nil {
		t.Fatalf("Exec: %v", err)
	}
	if out != "get ns\n" {
		t.Errorf("output = %q", out)
	}

	list, err := c.List(ctx)
	if err != nil || len(list) != 1 {
		t.Fatalf("List = %v, %v", list, err)
	}

	if err := c.Delete(ctx); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if d.Has(sb.SandboxID) {
		t.Error("cluster should be gone")
	}

	if _, err := c.Status(ctx); !IsNotFound(err) {
		t.Errorf("Status after delete err = %v, want 404", err)
	}
}

func TestClientSeparateSessions(t *testing.T) {
	ts, _ := newTestServer(t, "")
	ctx := context.Background()

	a, _ := New(ts.URL)
	sa, err := a.Create(ctx, "")
	if err != nil {
		t.Fatal(err)
	}

	// same address, different jar: admission is per client address, but the
	// first create has finished so a second is admitted
	b, _ := New(ts.URL)
	sbx, err := b.Create(ctx, "")
	if err != nil {
		t.Fatal(err)
	}
	if sa.SandboxID == sbx.SandboxID {
		t.Error("separate sessions must get separate sandboxes")
	}
}

func TestClientAPIError(t *testing.T) {
	ts, _ := newTestServer(t, "s3cret")
	ctx := context.Background()

	c, _ := New(ts.URL)
	_, err := c.List(ctx)
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusUnauthorized {
		t.Fatalf("err = %v, want 401", err)
	}
	if apiErr.Message != "admin token required" {
		t.Errorf("message = %q", apiErr.Message)
	}

	admin, _ := New(ts.URL, WithAdminToken("s3cret"))
	if _, err := admin.List(ctx); err != nil {
		t.Errorf("List with token: %v", err)
	}
}

func TestNewRejectsBadURL(t *testing.T) {
	for _, u := range []string{"localhost:8080", "ftp://x", "://"} {
		if _, err := New(u); err == nil {
			t.Errorf("New(%q) should fail", u)
		}
	}
}
