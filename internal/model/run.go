package model

import "time"

// RunStatus is the lifecycle state of a pipeline run.
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusError     RunStatus = "error"
)

// Terminal reports whether the status is a terminal state.
func (s RunStatus) Terminal() bool {
	return s == RunStatusCompleted || s == RunStatusError
}

// RunParams are the user-supplied inputs for one pipeline run.
type RunParams struct {
	Condition     string `json:"condition"`
	MaxTrials     int    `json:"max_trials"`
	YearsBack     int    `json:"years_back"`
	IndustryOnly  bool   `json:"industry_only"`
	UseRemote     bool   `json:"use_remote"`
	SkipFinancial bool   `json:"skip_financial"`
}

// Progress is a coarse per-run progress indicator exposed to status queries.
type Progress struct {
	Stage   int    `json:"stage"`
	Message string `json:"message"`
	Percent int    `json:"percent"`
}

// StageTiming records how long one pipeline stage took.
type StageTiming struct {
	Name       string `json:"name"`
	DurationMS int64  `json:"duration_ms"`
	Err        string `json:"error,omitempty"`
}

// RunRecord is the registry entry for one pipeline run. It is created when
// the run starts and mutated only by the coordinator goroutine for that run;
// readers receive copies from the registry.
type RunRecord struct {
	ID           string            `json:"id"`
	Params       RunParams         `json:"params"`
	Status       RunStatus         `json:"status"`
	Error        string            `json:"error,omitempty"`
	StorageError string            `json:"storage_error,omitempty"`
	StartTime    time.Time         `json:"start_time"`
	EndTime      time.Time         `json:"end_time,omitzero"`
	Progress     Progress          `json:"progress"`
	Files        map[string]string `json:"files,omitempty"`
	Timings      []StageTiming     `json:"timings,omitempty"`
}
