package sync

import (
	"time"
)

// Direction represents the direction of synchronization
type Direction string

const (
	// DirectionOneWay pushes records from source to target only
	DirectionOneWay Direction = "ONE_WAY"
	// DirectionBidirectional syncs both ways
	DirectionBidirectional Direction = "BIDIRECTIONAL"
)

// IsValid returns true if the direction is valid
func (d Direction) IsValid() bool {
	return d == DirectionOneWay || d == DirectionBidirectional
}

// ScheduleType determines how a sync job is triggered
type ScheduleType string

const (
	// ScheduleManual runs only when triggered explicitly
	ScheduleManual ScheduleType = "MANUAL"
	// ScheduleInterval runs on a fixed interval
	ScheduleInterval ScheduleType = "INTERVAL"
	// ScheduleCron runs per a cron expression evaluated by a collaborator
	ScheduleCron ScheduleType = "CRON"
)

// Schedule configures when a sync job runs
type Schedule struct {
	Type ScheduleType `json:"type"`
	// Interval applies to ScheduleInterval
	Interval time.Duration `json:"interval,omitempty"`
	// Expression applies to ScheduleCron
	Expression string `json:"expression,omitempty"`
}

// Configuration describes one sync job between a source and a target system
type Configuration struct {
	// ID uniquely identifies the job
	ID string `json:"id" validate:"required"`
	// SourceSystem is the system records are fetched from
	SourceSystem string `json:"source_system" validate:"required"`
	// TargetSystem is the system records are pushed to
	TargetSystem string `json:"target_system" validate:"required,nefield=SourceSystem"`
	// Direction of the sync
	Direction Direction `json:"direction"`
	// Mappings are applied in order to every record
	Mappings []FieldMapping `json:"mappings" validate:"min=1,dive"`
	// Filters select candidate records
	Filters []Filter `json:"filters,omitempty" validate:"dive"`
	// FilterLogic composes the filters, AND by default
	FilterLogic FilterLogic `json:"filter_logic,omitempty"`
	// Conflict is the resolution strategy for existing counterparts
	Conflict ConflictStrategy `json:"conflict"`
	// BatchSize bounds records per batch
	BatchSize int `json:"batch_size" validate:"gte=0"`
	// Schedule controls automatic triggering
	Schedule Schedule `json:"schedule"`
	// SourceOperation is the operation invoked to fetch candidate records
	SourceOperation string `json:"source_operation"`
	// TargetOperation is the operation invoked to push a record
	TargetOperation string `json:"target_operation"`
	// LookupOperation is the operation invoked to find an existing
	// counterpart in the target, empty to skip conflict detection
	LookupOperation string `json:"lookup_operation,omitempty"`
	// KeyField is the dotted path identifying a record across systems
	KeyField string `json:"key_field"`
}

// Normalize fills zero values with defaults
func (c *Configuration) Normalize() {
	if c.Direction == "" {
		c.Direction = DirectionOneWay
	}
	if c.FilterLogic == "" {
		c.FilterLogic = LogicAnd
	}
	if c.Conflict == "" {
		c.Conflict = ConflictSourceWins
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.Schedule.Type == "" {
		c.Schedule.Type = ScheduleManual
	}
}
