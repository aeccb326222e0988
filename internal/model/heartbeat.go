package model

import (
	"encoding/json"
	"time"
)

// HeartbeatPing is the inbound liveness probe. The nonce is assigned by the
// network; this node never constructs pings.
type HeartbeatPing struct {
	Nonce     string    `json:"nonce"`
	Timestamp time.Time `json:"timestamp"`
}

// NodeSpecs describes the host this node runs on, collected live at
// response time.
type NodeSpecs struct {
	TotalMem uint64  `json:"total_mem"`
	FreeMem  uint64  `json:"free_mem"`
	NumCPUs  int     `json:"num_cpus"`
	CPUUsage float64 `json:"cpu_usage"`
	OS       string  `json:"os"`
	Arch     string  `json:"arch"`
}

// NodeMetadata is the liveness metadata carried by a heartbeat response.
type NodeMetadata struct {
	Version        string    `json:"version"`
	Models         []string  `json:"models"`
	QueueDepth     int       `json:"queue_depth"`
	TasksCompleted uint64    `json:"tasks_completed"`
	Specs          NodeSpecs `json:"specs"`
}

// HeartbeatPong answers a ping. It echoes the ping's nonce and is signed so
// that liveness is only ever asserted verifiably.
type HeartbeatPong struct {
	Nonce     string       `json:"nonce"`
	Timestamp time.Time    `json:"timestamp"`
	Metadata  NodeMetadata `json:"metadata"`
	Signature Signature    `json:"signature,omitempty"`
}

// SigningBytes returns the canonical encoding of the pong for signing and
// verification: the JSON document with the signature field zeroed.
func (p *HeartbeatPong) SigningBytes() ([]byte, error) {
	unsigned := *p
	unsigned.Signature = Signature{}
	return json.Marshal(&unsigned)
}
