package scanner

import (
	"bytes"
	"encoding/base64"
	"encoding/csv"
	"fmt"
	"strconv"
	"time"

	"github.com/aiforce-discovery-agent/collectors/device-discovery/internal/device"
)

var exportHeader = []string{
	"IP Address", "MAC Address", "Device Name", "Model", "Brand",
	"Port", "Protocol", "Device Type", "Verified",
}

// RenderCSV writes the header row followed by one row per device.
func RenderCSV(devices []device.Device) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)

	if err := w.Write(exportHeader); err != nil {
		return nil, fmt.Errorf("failed to write export header: %w", err)
	}
	for _, d := range devices {
		port := ""
		if d.Port > 0 {
			port = strconv.Itoa(d.Port)
		}
		row := []string{
			d.IP,
			d.MAC,
			d.Name,
			d.Model,
			d.Brand,
			port,
			d.Protocol,
			d.Classification.DisplayName(),
			strconv.FormatBool(d.Verified),
		}
		if err := w.Write(row); err != nil {
			return nil, fmt.Errorf("failed to write export row for %s: %w", d.IP, err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, fmt.Errorf("failed to flush export: %w", err)
	}
	return buf.Bytes(), nil
}

func exportFileName(scanID string, at time.Time) string {
	return fmt.Sprintf("device_discovery_%s_%s.csv", scanID, at.Format("20060102_150405"))
}

func buildExport(scanID string, devices []device.Device, at time.Time) (Export, error) {
	data, err := RenderCSV(devices)
	if err != nil {
		return Export{}, err
	}
	return Export{
		FileName:    exportFileName(scanID, at),
		SizeBytes:   len(data),
		DeviceCount: len(devices),
		Data:        base64.StdEncoding.EncodeToString(data),
	}, nil
}
