package scanner

import (
	"time"

	"github.com/aiforce-discovery-agent/collectors/device-discovery/internal/device"
)

// Status is the lifecycle state of a scan.
type Status string

const (
	StatusRunning   Status = "RUNNING"
	StatusCompleted Status = "COMPLETED"
	StatusCancelled Status = "CANCELLED"
)

// Request describes one scan. A nil Protocols slice selects the configured
// defaults; an empty non-nil slice runs no probes at all.
type Request struct {
	Subnet      string
	Timeout     time.Duration
	Protocols   []string
	ProgressURL string
	CompleteURL string
}

// Task is the handle returned by StartScan.
type Task struct {
	ID        string        `json:"scan_id"`
	Status    Status        `json:"status"`
	Progress  int           `json:"progress"`
	Subnet    string        `json:"subnet"`
	Protocols []string      `json:"protocols"`
	Timeout   time.Duration `json:"-"`
	CreatedAt time.Time     `json:"created_at"`
}

// Snapshot is what gets cached for a scan: the live progress while it runs
// and the final result once it is done.
type Snapshot struct {
	ScanID             string          `json:"scan_id"`
	Status             Status          `json:"status"`
	Progress           int             `json:"progress"`
	Subnet             string          `json:"subnet"`
	Protocols          []string        `json:"protocols"`
	CompletedProtocols []string        `json:"completed_protocols"`
	FailedProtocols    []string        `json:"failed_protocols,omitempty"`
	TotalDevices       int             `json:"total_devices"`
	ProtocolCounts     map[string]int  `json:"protocol_counts,omitempty"`
	Devices            []device.Device `json:"devices"`
	CreatedAt          time.Time       `json:"created_at"`
	UpdatedAt          time.Time       `json:"updated_at"`
	CompletedAt        *time.Time      `json:"completed_at,omitempty"`
}

// Finished reports whether the scan reached a terminal state.
func (s Snapshot) Finished() bool {
	return s.Status == StatusCompleted || s.Status == StatusCancelled
}

// Export is a rendered result file.
type Export struct {
	FileName    string `json:"fileName"`
	SizeBytes   int    `json:"fileSize"`
	DeviceCount int    `json:"deviceCount"`
	Data        string `json:"fileData"` // base64
}
