package model

import "gorm.io/datatypes"

// ExecutionOutcomeModel maps to 'execution_outcomes'. One row per operation
// per engine run.
type ExecutionOutcomeModel struct {
	ID           int64          `gorm:"column:id;primaryKey"`
	RunID        string         `gorm:"column:run_id;index"`
	Profile      string         `gorm:"column:profile;index"`
	Network      string         `gorm:"column:network"`
	OperationID  string         `gorm:"column:operation_id;index"`
	TargetID     string         `gorm:"column:target_id"`
	Success      int            `gorm:"column:success"`
	TxID         string         `gorm:"column:tx_id"`
	AmountOut    string         `gorm:"column:amount_out"`
	ErrorMessage string         `gorm:"column:error_message"`
	ElapsedMs    int64          `gorm:"column:elapsed_ms"`
	Attempts     int            `gorm:"column:attempts"`
	Result       datatypes.JSON `gorm:"column:result"`
	CreatedAtMs  int64          `gorm:"column:created_at;index"`
}

func (ExecutionOutcomeModel) TableName() string { return "execution_outcomes" }

// HealthTransitionModel maps to 'health_transitions'. One row per
// online/offline edge.
type HealthTransitionModel struct {
	ID             int64  `gorm:"column:id;primaryKey"`
	Network        string `gorm:"column:network;index"`
	Online         int    `gorm:"column:online"`
	PreviousOnline int    `gorm:"column:previous_online"`
	LatencyMs      int64  `gorm:"column:latency_ms"`
	Failures       int    `gorm:"column:failures"`
	AtMs           int64  `gorm:"column:at;index"`
}

func (HealthTransitionModel) TableName() string { return "health_transitions" }
