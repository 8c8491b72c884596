// Package types defines the domain model shared across the control plane:
// streams, readings, alert rules and instances, device commands, and
// interlock trips.
package types

import (
	"time"

	"github.com/c360/growplane/errors"
)

// Unit identifies the physical unit a stream reports in.
type Unit string

// Physical units used by cultivation sensor channels
const (
	UnitCelsius  Unit = "celsius"
	UnitPercent  Unit = "percent" // RH, VWC
	UnitPPM      Unit = "ppm"     // CO2
	UnitEC       Unit = "ms_cm"   // electrical conductivity
	UnitPH       Unit = "ph"
	UnitLiters   Unit = "liters"
	UnitLPM      Unit = "liters_per_minute" // flow
	UnitKPa      Unit = "kpa"
	UnitUmol     Unit = "umol_m2_s" // PPFD
	UnitUnitless Unit = "unitless"
)

// NominalBounds returns the plausible value range for a unit. Readings
// outside these bounds are accepted but tagged Uncertain, since a sensor
// reporting -40% VWC is reporting something, just not a trustworthy value.
func (u Unit) NominalBounds() (min, max float64) {
	switch u {
	case UnitCelsius:
		return -20, 60
	case UnitPercent:
		return 0, 100
	case UnitPPM:
		return 0, 5000
	case UnitEC:
		return 0, 10
	case UnitPH:
		return 0, 14
	case UnitLiters:
		return 0, 100000
	case UnitLPM:
		return 0, 1000
	case UnitKPa:
		return -100, 1000
	case UnitUmol:
		return 0, 3000
	default:
		return -1e9, 1e9
	}
}

// Stream is a logical sensor channel (e.g. "Zone 3 VWC"). Identity is
// immutable; configuration fields are mutable through the configuration
// API. Streams are deactivated, never hard-deleted.
type Stream struct {
	ID          string    `json:"id"`
	SiteID      string    `json:"site_id"`
	EquipmentID string    `json:"equipment_id"`
	Name        string    `json:"name"`
	Unit        Unit      `json:"unit"`
	Room        string    `json:"room"`
	Zone        string    `json:"zone"`
	Active      bool      `json:"active"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Validate checks structural validity of a stream record.
func (s *Stream) Validate() error {
	if s.ID == "" {
		return errors.WrapInvalid(errors.ErrInvalidData, "Stream", "Validate", "id is required")
	}
	if s.SiteID == "" {
		return errors.WrapInvalid(errors.ErrInvalidData, "Stream", "Validate", "site_id is required")
	}
	if s.Unit == "" {
		return errors.WrapInvalid(errors.ErrInvalidData, "Stream", "Validate", "unit is required")
	}
	return nil
}
