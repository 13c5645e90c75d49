// Package config holds the flat runtime settings for the scanner: serial
// link, stage kinematics, sequencing policy and plate layout. Fields are
// pointers so a partial JSON file only overrides what it names; the Get*
// accessors supply defaults for everything else.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Defaults match the settings the original instrument ran with.
const (
	DefaultBaudRate            = 250000
	DefaultFeedRate            = 2000.0 // mm/min
	DefaultAcceleration        = 5.0    // mm/s^2
	DefaultJerk                = 1.0    // mm/s
	DefaultMaxRetries          = 3
	DefaultMinCornerSeparation = 1.0 // mm
	DefaultWellSpacing         = 9.0 // mm, standard plate pitch
	DefaultAxisLimit           = 200.0
	DefaultPlateRows           = 6
	DefaultPlateCols           = 8

	defaultAckTimeout    = 10 * time.Second
	defaultHomingTimeout = 30 * time.Second
	defaultDwell         = 500 * time.Millisecond
)

// Settings is the root configuration object. Durations are JSON strings like
// "10s" so the same file round-trips through the HTTP settings endpoint.
type Settings struct {
	BaudRate            *int     `json:"baud_rate,omitempty"`
	FeedRate            *float64 `json:"feed_rate,omitempty"`    // mm/min
	Acceleration        *float64 `json:"acceleration,omitempty"` // mm/s^2
	Jerk                *float64 `json:"jerk,omitempty"`         // mm/s
	AckTimeout          *string  `json:"ack_timeout,omitempty"`
	HomingTimeout       *string  `json:"homing_timeout,omitempty"`
	MaxRetries          *int     `json:"max_retries,omitempty"`
	DwellPerWell        *string  `json:"dwell_per_well,omitempty"`
	MinCornerSeparation *float64 `json:"min_corner_separation,omitempty"` // mm
	WellSpacing         *float64 `json:"well_spacing,omitempty"`          // mm
	AxisLimit           *float64 `json:"axis_limit,omitempty"`            // mm
	PlateRows           *int     `json:"plate_rows,omitempty"`
	PlateCols           *int     `json:"plate_cols,omitempty"`
}

// Load reads a Settings from a JSON file. Fields omitted from the file keep
// their defaults, so partial configs are safe.
func Load(path string) (*Settings, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &Settings{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that every set field holds a usable value.
func (s *Settings) Validate() error {
	if s.BaudRate != nil && *s.BaudRate <= 0 {
		return fmt.Errorf("baud_rate must be positive, got %d", *s.BaudRate)
	}
	if s.FeedRate != nil && *s.FeedRate <= 0 {
		return fmt.Errorf("feed_rate must be positive, got %f", *s.FeedRate)
	}
	if s.Acceleration != nil && *s.Acceleration <= 0 {
		return fmt.Errorf("acceleration must be positive, got %f", *s.Acceleration)
	}
	if s.Jerk != nil && *s.Jerk < 0 {
		return fmt.Errorf("jerk must not be negative, got %f", *s.Jerk)
	}
	if s.MaxRetries != nil && *s.MaxRetries < 0 {
		return fmt.Errorf("max_retries must not be negative, got %d", *s.MaxRetries)
	}
	if s.MinCornerSeparation != nil && *s.MinCornerSeparation < 0 {
		return fmt.Errorf("min_corner_separation must not be negative, got %f", *s.MinCornerSeparation)
	}
	if s.WellSpacing != nil && *s.WellSpacing <= 0 {
		return fmt.Errorf("well_spacing must be positive, got %f", *s.WellSpacing)
	}
	if s.AxisLimit != nil && *s.AxisLimit <= 0 {
		return fmt.Errorf("axis_limit must be positive, got %f", *s.AxisLimit)
	}
	if s.PlateRows != nil && *s.PlateRows < 1 {
		return fmt.Errorf("plate_rows must be at least 1, got %d", *s.PlateRows)
	}
	if s.PlateCols != nil && *s.PlateCols < 1 {
		return fmt.Errorf("plate_cols must be at least 1, got %d", *s.PlateCols)
	}

	for name, field := range map[string]*string{
		"ack_timeout":    s.AckTimeout,
		"homing_timeout": s.HomingTimeout,
		"dwell_per_well": s.DwellPerWell,
	} {
		if field != nil && *field != "" {
			d, err := time.ParseDuration(*field)
			if err != nil {
				return fmt.Errorf("invalid %s %q: %w", name, *field, err)
			}
			if d < 0 {
				return fmt.Errorf("%s must not be negative, got %s", name, *field)
			}
		}
	}

	return nil
}

// GetBaudRate returns the baud_rate value or the default.
func (s *Settings) GetBaudRate() int {
	if s.BaudRate == nil {
		return DefaultBaudRate
	}
	return *s.BaudRate
}

// GetFeedRate returns the feed_rate value or the default.
func (s *Settings) GetFeedRate() float64 {
	if s.FeedRate == nil {
		return DefaultFeedRate
	}
	return *s.FeedRate
}

// GetAcceleration returns the acceleration value or the default.
func (s *Settings) GetAcceleration() float64 {
	if s.Acceleration == nil {
		return DefaultAcceleration
	}
	return *s.Acceleration
}

// GetJerk returns the jerk value or the default.
func (s *Settings) GetJerk() float64 {
	if s.Jerk == nil {
		return DefaultJerk
	}
	return *s.Jerk
}

// GetAckTimeout parses and returns the ack_timeout as a time.Duration.
func (s *Settings) GetAckTimeout() time.Duration {
	return parseDuration(s.AckTimeout, defaultAckTimeout)
}

// GetHomingTimeout parses and returns the homing_timeout as a time.Duration.
func (s *Settings) GetHomingTimeout() time.Duration {
	return parseDuration(s.HomingTimeout, defaultHomingTimeout)
}

// GetDwellPerWell parses and returns the dwell_per_well as a time.Duration.
func (s *Settings) GetDwellPerWell() time.Duration {
	return parseDuration(s.DwellPerWell, defaultDwell)
}

// GetMaxRetries returns the max_retries value or the default.
func (s *Settings) GetMaxRetries() int {
	if s.MaxRetries == nil {
		return DefaultMaxRetries
	}
	return *s.MaxRetries
}

// GetMinCornerSeparation returns the min_corner_separation value or the default.
func (s *Settings) GetMinCornerSeparation() float64 {
	if s.MinCornerSeparation == nil {
		return DefaultMinCornerSeparation
	}
	return *s.MinCornerSeparation
}

// GetWellSpacing returns the well_spacing value or the default.
func (s *Settings) GetWellSpacing() float64 {
	if s.WellSpacing == nil {
		return DefaultWellSpacing
	}
	return *s.WellSpacing
}

// GetAxisLimit returns the axis_limit value or the default.
func (s *Settings) GetAxisLimit() float64 {
	if s.AxisLimit == nil {
		return DefaultAxisLimit
	}
	return *s.AxisLimit
}

// GetPlateRows returns the plate_rows value or the default.
func (s *Settings) GetPlateRows() int {
	if s.PlateRows == nil {
		return DefaultPlateRows
	}
	return *s.PlateRows
}

// GetPlateCols returns the plate_cols value or the default.
func (s *Settings) GetPlateCols() int {
	if s.PlateCols == nil {
		return DefaultPlateCols
	}
	return *s.PlateCols
}

func parseDuration(field *string, fallback time.Duration) time.Duration {
	if field == nil || *field == "" {
		return fallback
	}
	d, err := time.ParseDuration(*field)
	if err != nil {
		return fallback
	}
	return d
}
