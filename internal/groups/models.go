package groups

import (
	"time"
)

// Stage identifies how far a group has progressed through the pipeline.
type Stage string

const (
	StageFormed     Stage = "formed"
	StageCalibrated Stage = "calibrated"
	StageImaged     Stage = "imaged"
	StageMosaicked  Stage = "mosaicked"
	StageDone       Stage = "done"
)

// Status represents a group's run state.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusDone       Status = "done"
	StatusFailed     Status = "failed"
)

// stageOrder is the strict forward ladder. Stages never skip and never move
// backward; a failed run retries the same unfinished stage.
var stageOrder = []Stage{
	StageFormed,
	StageCalibrated,
	StageImaged,
	StageMosaicked,
	StageDone,
}

// DaemonStopReason is the error message recorded when groups are interrupted
// by daemon shutdown.
const DaemonStopReason = "Daemon stopped"

// NextStage returns the stage after current, or false when current is
// terminal or unknown.
func NextStage(current Stage) (Stage, bool) {
	for i, stage := range stageOrder {
		if stage == current {
			if i+1 < len(stageOrder) {
				return stageOrder[i+1], true
			}
			return "", false
		}
	}
	return "", false
}

// ValidStage reports whether s is a known stage value.
func ValidStage(s Stage) bool {
	for _, stage := range stageOrder {
		if stage == s {
			return true
		}
	}
	return false
}

// Stages returns the ordered stage ladder.
func Stages() []Stage {
	out := make([]Stage, len(stageOrder))
	copy(out, stageOrder)
	return out
}

// Group represents one workflow run over a fixed set of input units.
type Group struct {
	ID              string
	Members         []string
	WindowStart     time.Time
	WindowEnd       time.Time
	Stage           Stage
	Status          Status
	Attempts        int
	LastError       string
	OutputPath      string
	StageTimestamps map[Stage]time.Time
	StageStartedAt  time.Time
	LastHeartbeat   time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Terminal reports whether the group needs no further stage work.
func (g *Group) Terminal() bool {
	return g.Stage == StageDone && g.Status == StatusDone
}

// HealthSummary describes aggregated group counts per key lifecycle states.
type HealthSummary struct {
	Total      int
	Pending    int
	InProgress int
	Done       int
	Failed     int
}
