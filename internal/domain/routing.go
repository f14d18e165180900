package domain

import "time"

// DeployKind distinguishes shared base deployments from per-client
// fine-tuned ones.
type DeployKind string

const (
	DeployKindBase      DeployKind = "base"
	DeployKindFineTuned DeployKind = "fine_tuned"
)

// RoutingEntry maps a deployed model instance to a reachable endpoint.
// An empty ClientCode marks a global/default entry.
type RoutingEntry struct {
	ClientCode string     `json:"client_code" db:"client_code"`
	ModelName  string     `json:"model_name" db:"model_name"`
	Endpoint   string     `json:"endpoint" db:"endpoint"`
	Kind       DeployKind `json:"kind" db:"kind"`
	CreatedAt  time.Time  `json:"created_at" db:"created_at"`
}

// Global reports whether the entry is the default mapping for its model.
func (e *RoutingEntry) Global() bool {
	return e.ClientCode == ""
}

// ClientConfig is a small per-client settings record. The durable store is
// authoritative; cached copies may lag by at most the cache TTL.
type ClientConfig struct {
	ClientCode        string            `json:"client_code" db:"client_code"`
	MaxConcurrentJobs int               `json:"max_concurrent_jobs" db:"max_concurrent_jobs"`
	DefaultModel      string            `json:"default_model" db:"default_model"`
	Attrs             map[string]string `json:"attrs,omitempty"`
}
