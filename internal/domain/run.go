package domain

import (
	"context"
	"time"
)

// TriggerType names what started a pipeline run.
type TriggerType string

const (
	TriggerManual    TriggerType = "manual"
	TriggerSchedule  TriggerType = "schedule"
	TriggerFileWatch TriggerType = "file_watch"
)

// PipelineRun is a historical record of one pipeline execution.
type PipelineRun struct {
	ID         string      `json:"id"`
	Trigger    TriggerType `json:"trigger"`
	StartedAt  time.Time   `json:"startedAt"`
	FinishedAt time.Time   `json:"finishedAt"`
	Status     string      `json:"status"` // "running" | "success" | "error"
	Error      string      `json:"error,omitempty"`
	Steps      []StepRun   `json:"steps,omitempty"`
}

// StepRun is the outcome of a single step within a run.
type StepRun struct {
	RunID    string        `json:"runId"`
	Step     string        `json:"step"`
	Status   string        `json:"status"` // "success" | "error" | "skipped"
	RowsIn   int           `json:"rowsIn"`
	RowsOut  int           `json:"rowsOut"`
	Artifact string        `json:"artifact,omitempty"`
	Duration time.Duration `json:"duration"`
	Error    string        `json:"error,omitempty"`
}

// RunStore persists pipeline run history.
type RunStore interface {
	CreateRun(ctx context.Context, run *PipelineRun) error
	FinishRun(ctx context.Context, run *PipelineRun) error
	GetRun(ctx context.Context, id string) (*PipelineRun, error)
	ListRuns(ctx context.Context, limit int) ([]PipelineRun, error)
}
