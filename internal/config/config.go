package config

import (
	"fmt"
	"strings"
)

const (
	// StdinInput selects standard input as the trace source.
	StdinInput = "-"
	// DefaultOutputDir is where per-scheduler files go when no directory is given.
	DefaultOutputDir = "default"
)

// CustomAttribute represents a user-defined attribute with an expression
type CustomAttribute struct {
	Name       string
	Expression string
}

// Config holds the resolved configuration of one run
type Config struct {
	// SchedulerMapPath is the file mapping scheduler numbers to thread ids
	SchedulerMapPath string
	// Input is the babeltrace text file, or StdinInput
	Input string
	// OutputDir receives sched<N>.json files; empty disables the JSON sink
	OutputDir string
	// Debug adds the opening and closing event text to every record
	Debug bool
	// ExportOTLP sends every record as a span to the configured collector
	ExportOTLP bool
	// SQLitePath is the database the spans are written to, if set
	SQLitePath string
	// MetricsFile receives the run counters in textfile format, if set
	MetricsFile string
	// CustomAttributes are evaluated for every exported span
	CustomAttributes []CustomAttribute

	Settings *Settings
}

// Validate checks that the configuration can drive a run.
func (c *Config) Validate() error {
	if c.SchedulerMapPath == "" {
		return fmt.Errorf("scheduler map file is required")
	}
	if c.Input == "" {
		return fmt.Errorf("input is required (use %q for stdin)", StdinInput)
	}
	if c.OutputDir == "" && !c.ExportOTLP && c.SQLitePath == "" {
		return fmt.Errorf("no output configured: set an output directory, --otlp or --sqlite")
	}
	if c.Settings == nil {
		return fmt.Errorf("settings not loaded")
	}
	return c.Settings.Validate()
}

// UsesStdin reports whether the trace is read from standard input.
func (c *Config) UsesStdin() bool {
	return c.Input == StdinInput
}

// ParseCustomAttribute parses a single NAME=EXPR pair.
// Only the first '=' separates the name, so expressions may contain '=='.
func ParseCustomAttribute(raw string) (CustomAttribute, error) {
	parts := strings.SplitN(raw, "=", 2)
	if len(parts) != 2 {
		return CustomAttribute{}, fmt.Errorf("invalid attribute format %q: expected NAME=EXPR", raw)
	}

	name := strings.TrimSpace(parts[0])
	expression := strings.TrimSpace(parts[1])

	if name == "" {
		return CustomAttribute{}, fmt.Errorf("invalid attribute %q: name cannot be empty", raw)
	}
	if expression == "" {
		return CustomAttribute{}, fmt.Errorf("invalid attribute %q: expression cannot be empty", raw)
	}

	return CustomAttribute{Name: name, Expression: expression}, nil
}

// ParseAttributeString parses semicolon-separated NAME=EXPR pairs, as found
// in SCHED_TIMELINE_ATTRIBUTES. Empty sections are skipped.
func ParseAttributeString(s string) ([]CustomAttribute, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}

	var attrs []CustomAttribute
	for _, section := range strings.Split(s, ";") {
		if strings.TrimSpace(section) == "" {
			continue
		}
		attr, err := ParseCustomAttribute(section)
		if err != nil {
			return nil, err
		}
		attrs = append(attrs, attr)
	}
	return attrs, nil
}

// MergeAttributes combines attributes from the environment with the ones given
// as flags. Environment attributes come first.
func MergeAttributes(envAttrs string, flagValues []string) ([]CustomAttribute, error) {
	attrs, err := ParseAttributeString(envAttrs)
	if err != nil {
		return nil, fmt.Errorf("SCHED_TIMELINE_ATTRIBUTES: %w", err)
	}
	for _, raw := range flagValues {
		attr, err := ParseCustomAttribute(raw)
		if err != nil {
			return nil, err
		}
		attrs = append(attrs, attr)
	}
	return attrs, nil
}
