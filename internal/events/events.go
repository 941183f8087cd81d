package events

import "time"

// Kind names an event class. The string form is the push message type.
type Kind string

const (
	NodeDiscovered        Kind = "node_discovered"
	NodeStatusChanged     Kind = "node_status_changed"
	NodeRemoved           Kind = "node_removed"
	LatencyUpdate         Kind = "latency_update"
	RoutingTableChanged   Kind = "routing_table_changed"
	BandwidthTestProgress Kind = "bandwidth_test_progress"
	BandwidthTestComplete Kind = "bandwidth_test_complete"
	BandwidthTestFailed   Kind = "bandwidth_test_failed"
)

// AllKinds lists every kind in a stable order.
var AllKinds = []Kind{
	NodeDiscovered,
	NodeStatusChanged,
	NodeRemoved,
	LatencyUpdate,
	RoutingTableChanged,
	BandwidthTestProgress,
	BandwidthTestComplete,
	BandwidthTestFailed,
}

// Event is a single published occurrence. Payload is one of the payload
// types below and is never mutated after publishing.
type Event struct {
	Kind    Kind
	At      time.Time
	Payload any
}

// NodeDiscoveredPayload carries a snapshot of the new node. Node is the
// registry's node view; it is typed any so this package stays a leaf.
type NodeDiscoveredPayload struct {
	Node any `json:"node"`
}

type NodeStatusChangedPayload struct {
	NodeID    string `json:"node_id"`
	OldStatus string `json:"old_status"`
	NewStatus string `json:"new_status"`
}

type NodeRemovedPayload struct {
	NodeID string `json:"node_id"`
}

type LatencyUpdatePayload struct {
	SourceNodeID string  `json:"source_node_id"`
	TargetNodeID string  `json:"target_node_id"`
	LatencyMs    float64 `json:"latency_ms"`
}

type RoutingTableChangedPayload struct {
	IPv4Routes  int    `json:"ipv4_routes"`
	IPv6Routes  int    `json:"ipv6_routes"`
	Fingerprint string `json:"fingerprint"`
}

type BandwidthProgressPayload struct {
	TestID           string  `json:"test_id"`
	TargetNodeID     string  `json:"target_node_id"`
	ProgressPercent  float64 `json:"progress_percent"`
	Phase            string  `json:"phase"`
	BytesTransferred uint64  `json:"bytes_transferred"`
	CurrentMbps      float64 `json:"current_mbps"`
}

type BandwidthCompletePayload struct {
	TestID       string  `json:"test_id"`
	TargetNodeID string  `json:"target_node_id"`
	UploadMbps   float64 `json:"upload_mbps"`
	DownloadMbps float64 `json:"download_mbps"`
	DurationSecs float64 `json:"duration_secs"`
}

type BandwidthFailedPayload struct {
	TestID       string  `json:"test_id"`
	TargetNodeID string  `json:"target_node_id"`
	Error        string  `json:"error"`
	UploadMbps   float64 `json:"upload_mbps"`
	DownloadMbps float64 `json:"download_mbps"`
}
