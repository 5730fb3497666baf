package deploy

import (
	"errors"
	"time"

	"github.com/cuemby/bgdeploy/pkg/storage"
	"github.com/cuemby/bgdeploy/pkg/types"
)

var (
	// ErrRolledBack means a stage failed and every committed action was
	// undone; the service is back in its pre-run state
	ErrRolledBack = errors.New("deployment rolled back")

	// ErrRollbackIncomplete means at least one undo step failed and the
	// service needs manual attention
	ErrRollbackIncomplete = errors.New("rollback incomplete")
)

// Stage is a state of a deployment run
type Stage string

const (
	StageInit                   Stage = "init"
	StageStartingTarget         Stage = "starting_target"
	StageDirectHealthCheck      Stage = "direct_health_check"
	StageSwitchingRouter        Stage = "switching_router"
	StageValidatingRouterConfig Stage = "validating_router_config"
	StageRoutedHealthCheck      Stage = "routed_health_check"
	StageCleaningUp             Stage = "cleaning_up"
	StageSucceeded              Stage = "succeeded"
	StageRollingBack            Stage = "rolling_back"
	StageFailed                 Stage = "failed"
)

// Result is how a run ended
type Result string

const (
	// ResultSucceeded: traffic is on the target slot
	ResultSucceeded Result = "succeeded"

	// ResultRefused: the run stopped during init and mutated nothing
	ResultRefused Result = "refused"

	// ResultRolledBack: a stage failed and the rollback completed
	ResultRolledBack Result = "rolled_back"

	// ResultRollbackIncomplete: a stage failed and an undo step failed too
	ResultRollbackIncomplete Result = "rollback_incomplete"
)

// Exit codes of the deploy command
const (
	ExitOK                 = 0
	ExitRolledBack         = 1
	ExitRollbackIncomplete = 2
)

// UnwindFailure is an undo step that did not complete
type UnwindFailure struct {
	Action string
	Err    error
}

// Outcome summarises a deployment run
type Outcome struct {
	RunID string
	Tag   string

	Result Result

	// Stage is the terminal stage: StageSucceeded or StageFailed
	Stage Stage

	// FailedStage is the stage whose failure triggered the rollback
	FailedStage Stage

	Target   types.SlotName
	Previous types.SlotName

	// Active is the slot serving traffic when the run ended, empty when unknown
	Active types.SlotName

	// Residual names an instance that should have been stopped but was not
	Residual string

	Cause          error
	UnwindFailures []UnwindFailure

	StartedAt  time.Time
	FinishedAt time.Time
}

// Duration returns how long the run took
func (o *Outcome) Duration() time.Duration {
	return o.FinishedAt.Sub(o.StartedAt)
}

// ExitCode maps the outcome onto the deploy command's exit code
func (o *Outcome) ExitCode() int {
	switch o.Result {
	case ResultSucceeded:
		return ExitOK
	case ResultRollbackIncomplete:
		return ExitRollbackIncomplete
	default:
		return ExitRolledBack
	}
}

// NeedsManualAction reports whether an operator has to clean something up
func (o *Outcome) NeedsManualAction() bool {
	return o.Residual != "" || len(o.UnwindFailures) > 0
}

// Record converts the outcome into its persisted form
func (o *Outcome) Record() *storage.OutcomeRecord {
	rec := &storage.OutcomeRecord{
		RunID:      o.RunID,
		Tag:        o.Tag,
		Result:     string(o.Result),
		Stage:      string(o.FailedStage),
		Target:     string(o.Target),
		Previous:   string(o.Previous),
		Active:     string(o.Active),
		Residual:   o.Residual,
		StartedAt:  o.StartedAt,
		FinishedAt: o.FinishedAt,
		Duration:   o.Duration(),
	}
	if rec.Stage == "" {
		rec.Stage = string(o.Stage)
	}
	if o.Cause != nil {
		rec.Errors = append(rec.Errors, o.Cause.Error())
	}
	for _, f := range o.UnwindFailures {
		rec.Errors = append(rec.Errors, f.Action+": "+f.Err.Error())
	}
	return rec
}
