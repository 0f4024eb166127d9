package constants

import "time"

// Service constants
const (
	// ServiceName labels traces
	ServiceName = "kgraph"
	// MetricsNamespace prefixes every Prometheus metric
	MetricsNamespace = "kgraph"
)

// Owner constants
const (
	// DefaultOwnerID is the owner the CLI writes to when none is given
	DefaultOwnerID = "default"
)

// Provenance values recorded on nodes created outside the pipeline
const (
	ProvenanceAPI = "api"
	ProvenanceCLI = "cli"
)

// Timeouts
const (
	// Neo4jConnectTimeout bounds connecting and verifying the driver
	Neo4jConnectTimeout = 10 * time.Second
)
