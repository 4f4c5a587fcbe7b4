// Package sandbox manages the lifecycle of ephemeral clusters.
//
// The Manager decides which sandbox exists for which session. It admits at
// most one in-flight creation per client through the Guard, tracks creation
// times in the Registry, and funnels every deletion (client-initiated, expiry
// or reconciliation) through a single idempotent destroy path. The Sweeper
// runs that path on a schedule for sandboxes past their lifetime.
//
// The Registry is bookkeeping only: correctness-critical reads (validation
// before execute or delete) always consult the cluster driver's list.
package sandbox
