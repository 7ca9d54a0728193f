// Package registry persists operator-confirmed discovered devices.
package registry

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/aiforce-discovery-agent/collectors/device-discovery/internal/device"
	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// Registry stores a batch of devices and reports what happened to each.
type Registry interface {
	RegisterBatch(ctx context.Context, operator string, devices []device.Device) (Summary, error)
	Close() error
}

// Outcome of one device in a batch.
type Outcome string

const (
	OutcomeRegistered Outcome = "registered"
	OutcomeSkipped    Outcome = "skipped"
	OutcomeFailed     Outcome = "failed"
)

// Result is the per-device line of a Summary.
type Result struct {
	IP      string  `json:"ip"`
	MAC     string  `json:"mac,omitempty"`
	Outcome Outcome `json:"outcome"`
	Reason  string  `json:"reason,omitempty"`
}

// Summary reports a batch registration.
type Summary struct {
	Requested  int      `json:"requested"`
	Registered int      `json:"registered"`
	Skipped    int      `json:"skipped"`
	Failed     int      `json:"failed"`
	Results    []Result `json:"results"`
}

func (s *Summary) add(r Result) {
	s.Results = append(s.Results, r)
	switch r.Outcome {
	case OutcomeRegistered:
		s.Registered++
	case OutcomeSkipped:
		s.Skipped++
	case OutcomeFailed:
		s.Failed++
	}
}

// DeviceRecord is the persisted form of a registered device.
type DeviceRecord struct {
	ID             uint      `gorm:"primaryKey"`
	IP             string    `gorm:"size:45;not null;uniqueIndex"`
	MAC            string    `gorm:"size:17;index"`
	Name           string    `gorm:"size:128"`
	Brand          string    `gorm:"size:64"`
	Model          string    `gorm:"size:64"`
	Classification string    `gorm:"size:32"`
	Protocol       string    `gorm:"size:16"`
	Port           int       `gorm:"not null;default:0"`
	Location       string    `gorm:"size:255"`
	Verified       bool      `gorm:"not null;default:false"`
	DiscoveredAt   time.Time `gorm:"index"`
	RegisteredBy   string    `gorm:"size:64"`
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// TableName implements gorm's tabler.
func (DeviceRecord) TableName() string { return "discovered_devices" }

// Config selects the database behind the registry.
type Config struct {
	Driver          string
	DSN             string
	LogLevel        string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// GormRegistry is a Registry over a gorm database.
type GormRegistry struct {
	db     *gorm.DB
	logger *zap.SugaredLogger
}

// Open connects to the configured database and migrates the device table.
// Supported drivers are "mysql" and "sqlite".
func Open(cfg Config, log *zap.SugaredLogger) (*GormRegistry, error) {
	var dialector gorm.Dialector
	switch strings.ToLower(cfg.Driver) {
	case "mysql":
		dialector = mysql.Open(cfg.DSN)
	case "sqlite", "":
		dsn := cfg.DSN
		if dsn == "" {
			dsn = "file::memory:?cache=shared"
		}
		dialector = sqlite.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported registry driver %q", cfg.Driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(gormLogLevel(cfg.LogLevel)),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open registry database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	return New(db, log)
}

// New wraps an open gorm handle and migrates the device table.
func New(db *gorm.DB, log *zap.SugaredLogger) (*GormRegistry, error) {
	if err := db.AutoMigrate(&DeviceRecord{}); err != nil {
		return nil, fmt.Errorf("failed to migrate device table: %w", err)
	}
	return &GormRegistry{db: db, logger: log}, nil
}

func gormLogLevel(level string) logger.LogLevel {
	switch level {
	case "error":
		return logger.Error
	case "warn":
		return logger.Warn
	case "info":
		return logger.Info
	default:
		return logger.Silent
	}
}

// RegisterBatch inserts each device unless its address is already known.
// Devices are handled independently; one failure does not abort the batch.
func (r *GormRegistry) RegisterBatch(ctx context.Context, operator string, devices []device.Device) (Summary, error) {
	summary := Summary{Requested: len(devices), Results: make([]Result, 0, len(devices))}
	seen := make(map[string]bool, len(devices))

	for _, d := range devices {
		if err := ctx.Err(); err != nil {
			return summary, err
		}

		res := Result{IP: d.IP, MAC: device.NormalizeMAC(d.MAC)}
		switch {
		case net.ParseIP(d.IP) == nil:
			res.Outcome, res.Reason = OutcomeFailed, "invalid ip address"
		case seen[d.IP]:
			res.Outcome, res.Reason = OutcomeSkipped, "duplicate in batch"
		default:
			seen[d.IP] = true
			res.Outcome, res.Reason = r.registerOne(ctx, operator, d)
		}
		summary.add(res)
	}

	if r.logger != nil {
		r.logger.Infow("Batch registration finished",
			"operator", operator,
			"requested", summary.Requested,
			"registered", summary.Registered,
			"skipped", summary.Skipped,
			"failed", summary.Failed,
		)
	}
	return summary, nil
}

func (r *GormRegistry) registerOne(ctx context.Context, operator string, d device.Device) (Outcome, string) {
	_, err := r.Lookup(ctx, d.IP)
	switch {
	case err == nil:
		return OutcomeSkipped, "already registered"
	case !errors.Is(err, gorm.ErrRecordNotFound):
		return OutcomeFailed, err.Error()
	}

	rec := recordFor(operator, d)
	tx := r.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&rec)
	if tx.Error != nil {
		if r.logger != nil {
			r.logger.Warnw("Failed to register device", "ip", d.IP, "error", tx.Error)
		}
		return OutcomeFailed, tx.Error.Error()
	}
	if tx.RowsAffected == 0 {
		return OutcomeSkipped, "already registered"
	}
	return OutcomeRegistered, ""
}

func recordFor(operator string, d device.Device) DeviceRecord {
	name := d.Name
	if name == "" {
		name = d.IP
	}
	discovered := d.DiscoveredAt
	if discovered.IsZero() {
		discovered = time.Now()
	}
	return DeviceRecord{
		IP:             d.IP,
		MAC:            device.NormalizeMAC(d.MAC),
		Name:           name,
		Brand:          d.Brand,
		Model:          d.Model,
		Classification: string(d.Classification),
		Protocol:       d.Protocol,
		Port:           d.Port,
		Location:       d.Location,
		Verified:       d.Verified,
		DiscoveredAt:   discovered,
		RegisteredBy:   operator,
	}
}

// Lookup returns the record registered for ip.
func (r *GormRegistry) Lookup(ctx context.Context, ip string) (DeviceRecord, error) {
	var rec DeviceRecord
	if err := r.db.WithContext(ctx).Where("ip = ?", ip).Take(&rec).Error; err != nil {
		return DeviceRecord{}, fmt.Errorf("lookup %s: %w", ip, err)
	}
	return rec, nil
}

// Close releases the database handle.
func (r *GormRegistry) Close() error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
