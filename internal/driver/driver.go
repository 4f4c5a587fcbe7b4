// Package driver provisions and operates the clusters backing sandboxes.
package driver

import (
	"context"
	"time"
)

// CreateOptions describes how a cluster should be provisioned.
type CreateOptions struct {
	NodeImage string // kind node image (e.g. "kindest/node:v1.31.0"), empty for the kind default
	Workers   int    // worker nodes in addition to the control plane
}

// Driver creates, deletes, lists and runs administrative commands against
// named clusters. Implementations must be safe for concurrent use across
// different names.
type Driver interface {
	// Create provisions a cluster addressable by name.
	Create(ctx context.Context, name string, opts CreateOptions) error

	// WaitReady blocks until every node of the cluster reports Ready or the
	// timeout elapses.
	WaitReady(ctx context.Context, name string, timeout time.Duration) error

	// Delete removes the cluster. Deleting a nonexistent name is not an error.
	Delete(ctx context.Context, name string) error

	// List returns the exact names of all existing clusters.
	List(ctx context.Context) ([]string, error)

	// Exec runs argv in the cluster's administrative context and returns stdout.
	Exec(ctx context.Context, name string, argv []string) (string, error)
}
