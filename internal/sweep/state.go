package sweep

import "time"

// Status is the orchestrator state machine position.
type Status string

const (
	StatusIdle               Status = "idle"
	StatusRunningTemperature Status = "running_temperature"
	StatusRunningLoop        Status = "running_loop"
	StatusRunningSParameter  Status = "running_sparameter"
	StatusRunningFieldSweep  Status = "running_field_sweep"
	StatusCompleted          Status = "completed"
	StatusCancelled          Status = "cancelled"
	StatusFailed             Status = "failed"
)

// Running reports whether a run is in progress.
func (s Status) Running() bool {
	switch s {
	case StatusRunningTemperature, StatusRunningLoop, StatusRunningSParameter, StatusRunningFieldSweep:
		return true
	}
	return false
}

// Terminal reports whether the status ends a run.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled || s == StatusFailed
}

// State is a snapshot of the orchestrator position, safe to serialize.
type State struct {
	Status Status `json:"status"`
	RunID  string `json:"run_id,omitempty"`

	TemperatureIndex int     `json:"temperature_index"`
	TemperatureCount int     `json:"temperature_count"`
	TemperatureLabel string  `json:"temperature_label,omitempty"`
	LoopIteration    int     `json:"loop_iteration"`
	SParameter       string  `json:"s_parameter,omitempty"`
	FieldIndex       int     `json:"field_index"`
	FieldCount       int     `json:"field_count"`
	Field            float64 `json:"field"`
	Folder           string  `json:"folder,omitempty"`

	PointsPersisted int    `json:"points_persisted"`
	TotalPoints     int    `json:"total_points"`
	LastPath        string `json:"last_path,omitempty"`

	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Error       string     `json:"error,omitempty"`
}
