package schema

import "fmt"

type StageStatus string

const (
	NotStarted StageStatus = "NOT_STARTED"
	InProgress StageStatus = "IN_PROGRESS"
	Completed  StageStatus = "COMPLETED"
	Failed     StageStatus = "FAILED"
)

type Stage string

const (
	StageSummary                 Stage = "summary"
	StageCharacterArcExtraction  Stage = "characterArcExtraction"
	StagePlotBeatExtraction      Stage = "plotBeatExtraction"
	StageCharacterArcAbstraction Stage = "characterArcAbstraction"
	StagePlotBeatAbstraction     Stage = "plotBeatAbstraction"
)

// Stages lists the pipeline stages in execution order.
var Stages = []Stage{
	StageSummary,
	StageCharacterArcExtraction,
	StagePlotBeatExtraction,
	StageCharacterArcAbstraction,
	StagePlotBeatAbstraction,
}

// PipelineStatus holds one independent status per stage. The zero value reads
// as NOT_STARTED everywhere.
type PipelineStatus struct {
	Summary                 StageStatus `json:"summary" gorm:"type:varchar(16)"`
	CharacterArcExtraction  StageStatus `json:"characterArcExtraction" gorm:"type:varchar(16)"`
	PlotBeatExtraction      StageStatus `json:"plotBeatExtraction" gorm:"type:varchar(16)"`
	CharacterArcAbstraction StageStatus `json:"characterArcAbstraction" gorm:"type:varchar(16)"`
	PlotBeatAbstraction     StageStatus `json:"plotBeatAbstraction" gorm:"type:varchar(16)"`
}

func NewPipelineStatus() PipelineStatus {
	return PipelineStatus{
		Summary:                 NotStarted,
		CharacterArcExtraction:  NotStarted,
		PlotBeatExtraction:      NotStarted,
		CharacterArcAbstraction: NotStarted,
		PlotBeatAbstraction:     NotStarted,
	}
}

func (p *PipelineStatus) field(s Stage) *StageStatus {
	switch s {
	case StageSummary:
		return &p.Summary
	case StageCharacterArcExtraction:
		return &p.CharacterArcExtraction
	case StagePlotBeatExtraction:
		return &p.PlotBeatExtraction
	case StageCharacterArcAbstraction:
		return &p.CharacterArcAbstraction
	case StagePlotBeatAbstraction:
		return &p.PlotBeatAbstraction
	}
	return nil
}

func (p PipelineStatus) Get(s Stage) StageStatus {
	f := p.field(s)
	if f == nil || *f == "" {
		return NotStarted
	}
	return *f
}

// Set moves a stage to next. Allowed moves are NOT_STARTED -> IN_PROGRESS and
// IN_PROGRESS -> COMPLETED|FAILED. A rerun restarts a FAILED stage by moving it
// to IN_PROGRESS again.
func (p *PipelineStatus) Set(s Stage, next StageStatus) error {
	f := p.field(s)
	if f == nil {
		return fmt.Errorf("unknown stage %q", s)
	}
	cur := p.Get(s)
	switch {
	case next == InProgress && (cur == NotStarted || cur == Failed || cur == InProgress):
	case (next == Completed || next == Failed) && cur == InProgress:
	default:
		return fmt.Errorf("invalid transition for %s: %s -> %s", s, cur, next)
	}
	*f = next
	return nil
}
