// Trailcast - Live Location Sharing and Presence Tracking
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/trailcast

package config

import (
	"fmt"

	"github.com/tomtom215/trailcast/internal/validation"
)

// validateStructTags runs go-playground/validator over the Config struct
// tags. Nested structs are validated recursively; the first failure is
// returned with its field path.
func validateStructTags(c *Config) error {
	if verr := validation.ValidateStruct(c); verr != nil {
		return fmt.Errorf("configuration validation failed: %w", verr)
	}
	return nil
}
