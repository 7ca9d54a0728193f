// Package api provides the HTTP API for the device discovery service.
package api

import (
	"github.com/aiforce-discovery-agent/collectors/device-discovery/internal/device"
)

// StartScanRequest represents the request body for starting a discovery scan.
// Omitting protocols selects the default set; an empty list runs none.
type StartScanRequest struct {
	Subnet      string   `json:"subnet" binding:"required"`
	Timeout     *int     `json:"timeout"` // seconds
	Protocols   []string `json:"protocols"`
	ProgressURL string   `json:"progress_url" binding:"omitempty,url"`
	CompleteURL string   `json:"complete_url" binding:"omitempty,url"`
}

// BatchRegisterRequest represents the request body for registering devices.
type BatchRegisterRequest struct {
	Operator string          `json:"operator"`
	Devices  []device.Device `json:"devices" binding:"required,min=1,dive"`
}

// StopScanResponse is returned by the stop endpoint.
type StopScanResponse struct {
	ScanID  string `json:"scan_id"`
	Status  string `json:"status"`
	Message string `json:"message"`
}
