// Package publisher handles publishing discovery events to RabbitMQ.
package publisher

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aiforce-discovery-agent/collectors/device-discovery/internal/device"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// Event types and routing keys.
const (
	EventDeviceDiscovered = "discovery.device.discovered"
	EventScanCompleted    = "discovery.scan.completed"

	RoutingDeviceDiscovered = "discovered.device"
	RoutingScanCompleted    = "scan.completed"
)

// channel is the part of *amqp.Channel the publisher uses.
type channel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// Publisher sends CloudEvents to RabbitMQ.
type Publisher struct {
	conn     *amqp.Connection
	channel  channel
	exchange string
	source   string
	logger   *zap.SugaredLogger
}

// CloudEvent represents the CloudEvents 1.0 specification structure.
type CloudEvent struct {
	SpecVersion     string      `json:"specversion"`
	Type            string      `json:"type"`
	Source          string      `json:"source"`
	ID              string      `json:"id"`
	Time            string      `json:"time"`
	DataContentType string      `json:"datacontenttype"`
	Data            interface{} `json:"data"`
}

// DeviceDiscoveredData is the payload of a device discovered event.
type DeviceDiscoveredData struct {
	DeviceID       string `json:"device_id"`
	ScanID         string `json:"scan_id"`
	IP             string `json:"ip"`
	MAC            string `json:"mac,omitempty"`
	Protocol       string `json:"protocol"`
	Port           int    `json:"port,omitempty"`
	Name           string `json:"name,omitempty"`
	Brand          string `json:"brand,omitempty"`
	Model          string `json:"model,omitempty"`
	Classification string `json:"classification,omitempty"`
	Location       string `json:"location,omitempty"`
	Verified       bool   `json:"verified"`
}

// ScanCompletedData is the payload of a scan completed event.
type ScanCompletedData struct {
	ScanID          string         `json:"scan_id"`
	Subnet          string         `json:"subnet"`
	Status          string         `json:"status"`
	TotalDevices    int            `json:"total_devices"`
	ProtocolCounts  map[string]int `json:"protocol_counts,omitempty"`
	FailedProtocols []string       `json:"failed_protocols,omitempty"`
	StartedAt       time.Time      `json:"started_at"`
	CompletedAt     time.Time      `json:"completed_at"`
}

// New creates a new Publisher connected to RabbitMQ.
func New(url, exchange string, logger *zap.SugaredLogger) (*Publisher, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	if exchange == "" {
		exchange = "discovery.events"
	}
	return &Publisher{
		conn:     conn,
		channel:  ch,
		exchange: exchange,
		source:   "/collectors/device-discovery",
		logger:   logger,
	}, nil
}

// Close closes the RabbitMQ connection.
func (p *Publisher) Close() error {
	if p.channel != nil {
		_ = p.channel.Close()
	}
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}

// PublishDeviceDiscovered publishes one device found by a scan.
func (p *Publisher) PublishDeviceDiscovered(scanID string, d device.Device) error {
	data := DeviceDiscoveredData{
		DeviceID:       uuid.New().String(),
		ScanID:         scanID,
		IP:             d.IP,
		MAC:            device.NormalizeMAC(d.MAC),
		Protocol:       d.Protocol,
		Port:           d.Port,
		Name:           d.Name,
		Brand:          d.Brand,
		Model:          d.Model,
		Classification: string(d.Classification),
		Location:       d.Location,
		Verified:       d.Verified,
	}
	return p.publish(p.createEvent(EventDeviceDiscovered, data), RoutingDeviceDiscovered)
}

// PublishScanCompleted publishes the end of a scan.
func (p *Publisher) PublishScanCompleted(data ScanCompletedData) error {
	return p.publish(p.createEvent(EventScanCompleted, data), RoutingScanCompleted)
}

func (p *Publisher) createEvent(eventType string, data interface{}) CloudEvent {
	return CloudEvent{
		SpecVersion:     "1.0",
		Type:            eventType,
		Source:          p.source,
		ID:              uuid.New().String(),
		Time:            time.Now().UTC().Format(time.RFC3339),
		DataContentType: "application/json",
		Data:            data,
	}
}

func (p *Publisher) publish(event CloudEvent, routingKey string) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err = p.channel.PublishWithContext(
		ctx,
		p.exchange,
		routingKey,
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			ContentType: "application/cloudevents+json",
			Body:        body,
			MessageId:   event.ID,
			Timestamp:   time.Now(),
		},
	)

	if err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}

	p.logger.Debugw("Event published",
		"type", event.Type,
		"id", event.ID,
		"routing_key", routingKey,
	)

	return nil
}
