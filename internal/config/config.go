// Package config loads and watches the control plane configuration.
// Precedence, lowest to highest: built-in defaults, the first config file
// found, then DRAGNET_* environment variables. A .env file next to the
// config is folded into the environment before overrides are read.
package config

import (
	"fmt"
	"strings"
)

// Settings is the full control plane configuration.
type Settings struct {
	Server   ServerSettings   `yaml:"server" json:"server"`
	Store    StoreSettings    `yaml:"store" json:"store"`
	Foreman  ForemanSettings  `yaml:"foreman" json:"foreman"`
	Approval ApprovalSettings `yaml:"approval" json:"approval"`
	Events   EventsSettings   `yaml:"events" json:"events"`
	Logging  LoggingSettings  `yaml:"logging" json:"logging"`
}

// ServerSettings configure the HTTP listener serving health, metrics, and
// the event stream.
type ServerSettings struct {
	Host           string   `yaml:"host" json:"host"`
	Port           int      `yaml:"port" json:"port"`
	AllowedOrigins []string `yaml:"allowed_origins" json:"allowedOrigins"`
}

// StoreSettings configure the attribute store. An empty path selects the
// in-memory store; state is then lost on restart.
type StoreSettings struct {
	Path string `yaml:"path" json:"path"`
}

// ForemanSettings tune check-in processing.
type ForemanSettings struct {
	// CheckInWorkers bounds batch check-in concurrency.
	CheckInWorkers int `yaml:"checkin_workers" json:"checkinWorkers"`
	// PruneInterval is the expired-rule sweep period in seconds.
	PruneInterval int `yaml:"prune_interval" json:"pruneInterval"`
}

// ApprovalSettings configure the approval gate.
type ApprovalSettings struct {
	// SupervisorTokenHash is the bcrypt hash of the override token.
	// Empty disables the override.
	SupervisorTokenHash string `yaml:"supervisor_token_hash" json:"supervisorTokenHash"`
}

// EventsSettings configure the notification bus and its stream endpoint.
type EventsSettings struct {
	QueueSize int `yaml:"queue_size" json:"queueSize"`
	// StreamPattern selects which events the websocket stream forwards.
	StreamPattern string `yaml:"stream_pattern" json:"streamPattern"`
}

// LoggingSettings configure structured logging.
type LoggingSettings struct {
	Level      string `yaml:"level" json:"level"`
	Format     string `yaml:"format" json:"format"`
	File       string `yaml:"file" json:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb" json:"maxSizeMB"`
	MaxAgeDays int    `yaml:"max_age_days" json:"maxAgeDays"`
	Compress   bool   `yaml:"compress" json:"compress"`
}

// DefaultSettings returns the built-in configuration.
func DefaultSettings() *Settings {
	return &Settings{
		Server: ServerSettings{
			Host: "0.0.0.0",
			Port: 8448,
		},
		Store: StoreSettings{
			Path: "/var/lib/dragnet/dragnet.db",
		},
		Foreman: ForemanSettings{
			CheckInWorkers: 8,
			PruneInterval:  300,
		},
		Events: EventsSettings{
			QueueSize:     256,
			StreamPattern: "hunt.*",
		},
		Logging: LoggingSettings{
			Level:      "info",
			Format:     "auto",
			MaxSizeMB:  50,
			MaxAgeDays: 14,
		},
	}
}

var validLogLevels = map[string]bool{
	"trace": true,
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

var validLogFormats = map[string]bool{
	"":        true,
	"auto":    true,
	"console": true,
	"json":    true,
}

// Validate checks the final configuration after all sources were applied.
func (s *Settings) Validate() error {
	if s.Server.Port < 1 || s.Server.Port > 65535 {
		return fmt.Errorf("server port %d out of range", s.Server.Port)
	}
	if s.Foreman.CheckInWorkers < 1 {
		return fmt.Errorf("checkin_workers must be positive, got %d", s.Foreman.CheckInWorkers)
	}
	if s.Foreman.PruneInterval < 1 {
		return fmt.Errorf("prune_interval must be positive, got %d", s.Foreman.PruneInterval)
	}
	if s.Events.QueueSize < 1 {
		return fmt.Errorf("events queue_size must be positive, got %d", s.Events.QueueSize)
	}
	if !validLogLevels[strings.ToLower(s.Logging.Level)] {
		return fmt.Errorf("unknown log level %q", s.Logging.Level)
	}
	if !validLogFormats[strings.ToLower(s.Logging.Format)] {
		return fmt.Errorf("unknown log format %q", s.Logging.Format)
	}
	return nil
}

// Redacted returns a copy safe to print: secrets are masked.
func (s *Settings) Redacted() *Settings {
	out := *s
	if out.Approval.SupervisorTokenHash != "" {
		out.Approval.SupervisorTokenHash = "[redacted]"
	}
	return &out
}
