// Package backend abstracts the execution layer that actually runs
// fine-tuning workloads. The primary adapter talks to a remote compute
// cluster; a local runner simulates execution when no cluster is up.
package backend

import "context"

// ExecState is the backend-side state of a submitted workload.
type ExecState string

const (
	ExecQueued    ExecState = "QUEUED"
	ExecRunning   ExecState = "RUNNING"
	ExecSucceeded ExecState = "SUCCEEDED"
	ExecFailed    ExecState = "FAILED"
)

// Terminal reports whether the execution has finished.
func (s ExecState) Terminal() bool {
	return s == ExecSucceeded || s == ExecFailed
}

// ExecStatus is a point-in-time view of a running workload.
type ExecStatus struct {
	State  ExecState
	Detail string
}

// SubmitSpec describes one workload handed to the backend.
type SubmitSpec struct {
	Entrypoint string
	GPUCount   int
	Metadata   map[string]string
}

// ResourceSnapshot summarises cluster capacity. Local is true for the
// sentinel snapshot reported when no cluster is reachable.
type ResourceSnapshot struct {
	TotalGPUs     int
	AvailableGPUs int
	NodeCount     int
	Local         bool
}

// Adapter is the contract both the cluster client and the local runner
// satisfy. Submit returns an opaque execution ID used for later polls.
type Adapter interface {
	Probe(ctx context.Context) error
	Submit(ctx context.Context, spec SubmitSpec) (string, error)
	PollStatus(ctx context.Context, executionID string) (ExecStatus, error)
	ClusterResources(ctx context.Context) (ResourceSnapshot, error)
}
