package model

import "gorm.io/datatypes"

// EventLogModel maps to 'event_log'. Lifecycle events from the monitor,
// engine and controller land here for postmortem review.
type EventLogModel struct {
	ID          int64          `gorm:"column:id;primaryKey"`
	EventID     string         `gorm:"column:event_uuid;index"`
	Source      string         `gorm:"column:source;index"`
	Kind        string         `gorm:"column:kind"`
	OperationID string         `gorm:"column:operation_id;index"`
	Payload     datatypes.JSON `gorm:"column:payload"`
	CreatedAtMs int64          `gorm:"column:created_at;index"`
}

func (EventLogModel) TableName() string { return "event_log" }
