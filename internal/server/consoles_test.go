package server

import (
	"context"
	"testing"
)

func TestConsoleSet(t *testing.T) {
	cs := newConsoleSet()
	ctx := context.Background()

	a, actx := cs.Open(ctx, "sb-aaaaaaaaaa")
	_, bctx := cs.Open(ctx, "sb-aaaaaaaaaa")
	_, cctx := cs.Open(ctx, "sb-cccccccccc")

	if n := cs.Count("sb-aaaaaaaaaa"); n != 2 {
		t.Fatalf("count = %d, want 2", n)
	}

	cs.Close(a)
	if actx.Err() == nil {
		t.Error("closed console context should be cancelled")
	}
	if n := cs.Count("sb-aaaaaaaaaa"); n != 1 {
		t.Errorf("count after close = %d, want 1", n)
	}

	cs.CloseSandbox("sb-aaaaaaaaaa")
	if bctx.Err() == nil {
		t.Error("consoles of a deleted sandbox should be cancelled")
	}
	if cctx.Err() != nil {
		t.Error("other sandboxes' consoles must stay open")
	}

	cs.CloseAll()
	if cctx.Err() == nil {
		t.Error("CloseAll should cancel everything")
	}
	if n := cs.Count("sb-cccccccccc"); n != 0 {
		t.Errorf("count after CloseAll = %d", n)
	}
}
