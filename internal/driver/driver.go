// Package driver defines the abstraction for backends that allocate a
// remote cluster, run commands on its master node and tear it down.  Each
// backend (StarCluster, Docker, GCP Compute Engine) implements Driver so
// the orchestration core stays backend-agnostic.
package driver

import "context"

// StartRequest describes the cluster to allocate.
type StartRequest struct {
	// Tag names the cluster in the backend.  Callers are responsible for
	// keeping tags unique across concurrent runs.
	Tag string

	// Template selects a backend-specific cluster template (StarCluster
	// template name, container image, VM image).  Empty means the
	// backend's default.
	Template string

	// User is the remote user suites will run as.
	User string

	// SpotBid is the maximum hourly price for spot capacity.  nil means
	// on-demand.
	SpotBid *float64
}

// ExecResult is the outcome of a command that ran to completion on the
// master node, whatever its exit status.
type ExecResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// Driver is the contract every cluster backend must satisfy.
//
// The full lifecycle is:
//
//	Start → ExecOnMaster (zero or more times, sequentially) → Terminate
//
// Any call may block indefinitely.  Implementations should honour ctx
// where they can, but callers never rely on it: deadlines are enforced
// by the supervisor package.
type Driver interface {
	// Start allocates a cluster and returns its backend id.
	//
	// If allocation fails after resources were created, implementations
	// return the id together with the error so that the caller can still
	// clean up.  An empty id with an error means nothing was allocated.
	Start(ctx context.Context, req StartRequest) (clusterID string, err error)

	// ExecOnMaster runs command as user on the master node.  A non-zero
	// exit status is not an error; err is reserved for failures to run the
	// command at all.
	ExecOnMaster(ctx context.Context, clusterID, user, command string) (ExecResult, error)

	// Terminate permanently destroys the cluster.  It must be safe to
	// call on a partially created cluster and should treat an
	// already-destroyed cluster as success.
	Terminate(ctx context.Context, clusterID string) error
}
