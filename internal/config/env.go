package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"go.uber.org/zap/zapcore"
)

// Compression selects how per-scheduler JSON files are encoded on disk.
type Compression string

const (
	CompressionNone   Compression = "none"
	CompressionZstd   Compression = "zstd"
	CompressionSnappy Compression = "snappy"
)

// UnmarshalText implements encoding.TextUnmarshaler.
func (c *Compression) UnmarshalText(text []byte) error {
	switch v := Compression(text); v {
	case CompressionNone, CompressionZstd, CompressionSnappy:
		*c = v
		return nil
	case "":
		*c = CompressionNone
		return nil
	default:
		return fmt.Errorf("unknown compression %q (want none, zstd or snappy)", text)
	}
}

// CaptureDateLayout is the expected format of SCHED_TIMELINE_CAPTURE_DATE.
const CaptureDateLayout = "2006-01-02"

// Settings holds tunables read from environment variables
type Settings struct {
	MaxCPUs     int           `env:"SCHED_TIMELINE_MAX_CPUS" envDefault:"128"`
	LogLevel    zapcore.Level `env:"SCHED_TIMELINE_LOG_LEVEL" envDefault:"info"`
	CaptureDate string        `env:"SCHED_TIMELINE_CAPTURE_DATE" envDefault:""`
	Compression Compression   `env:"SCHED_TIMELINE_COMPRESSION" envDefault:"none"`
	Attributes  string        `env:"SCHED_TIMELINE_ATTRIBUTES" envDefault:""`
}

// ParseSettings parses settings from environment variables
func ParseSettings() (*Settings, error) {
	var s Settings
	if err := env.Parse(&s); err != nil {
		return nil, fmt.Errorf("failed to parse environment settings: %w", err)
	}
	return &s, nil
}

// Validate checks value ranges that the env parser cannot express.
func (s *Settings) Validate() error {
	if s.MaxCPUs <= 0 {
		return fmt.Errorf("SCHED_TIMELINE_MAX_CPUS must be positive, got %d", s.MaxCPUs)
	}
	if _, err := s.CaptureDay(time.Now()); err != nil {
		return err
	}
	return nil
}

// CaptureDay returns midnight of the day the trace was captured, in the local
// time zone. Without SCHED_TIMELINE_CAPTURE_DATE the day of now is used.
func (s *Settings) CaptureDay(now time.Time) (time.Time, error) {
	if s.CaptureDate == "" {
		y, m, d := now.Date()
		return time.Date(y, m, d, 0, 0, 0, 0, now.Location()), nil
	}
	day, err := time.ParseInLocation(CaptureDateLayout, s.CaptureDate, time.Local)
	if err != nil {
		return time.Time{}, fmt.Errorf("SCHED_TIMELINE_CAPTURE_DATE: %w", err)
	}
	return day, nil
}
