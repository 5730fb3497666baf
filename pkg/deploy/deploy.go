package deploy

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/cuemby/bgdeploy/pkg/events"
	"github.com/cuemby/bgdeploy/pkg/health"
	"github.com/cuemby/bgdeploy/pkg/log"
	"github.com/cuemby/bgdeploy/pkg/metrics"
	"github.com/cuemby/bgdeploy/pkg/router"
	"github.com/cuemby/bgdeploy/pkg/slot"
	"github.com/cuemby/bgdeploy/pkg/storage"
	"github.com/cuemby/bgdeploy/pkg/types"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Prober finds the slot currently serving traffic
type Prober interface {
	CurrentActive(ctx context.Context) (*types.Slot, error)
}

// Lifecycle starts and stops slot instances
type Lifecycle interface {
	Start(ctx context.Context, s types.Slot, tag string) error
	Stop(ctx context.Context, s types.Slot) error
}

// RouterEditor switches the router between slots
type RouterEditor interface {
	Switch(ctx context.Context, target types.Slot, previous *types.Slot) (*router.Edit, error)
	Reload(ctx context.Context) error
	Revert(ctx context.Context, edit *router.Edit) error
}

// LockFunc acquires the run lock. The returned store is closed when the
// run ends.
type LockFunc func() (storage.Store, error)

// Options wires a Deployer
type Options struct {
	Service string
	Blue    types.Slot
	Green   types.Slot

	Lock      LockFunc
	Prober    Prober
	Lifecycle Lifecycle
	Router    RouterEditor

	// DirectCheck builds the check run against a freshly started slot
	DirectCheck func(s types.Slot) health.Checker

	// RoutedCheck goes through the router's public endpoint
	RoutedCheck health.Checker

	Direct      health.PollConfig
	Routed      health.PollConfig
	SettleDelay time.Duration

	// RollbackTimeout bounds the unwind; zero means no bound
	RollbackTimeout time.Duration

	// Abort, when closed, cancels an unwind in progress
	Abort <-chan struct{}

	// Events receives progress events; may be nil
	Events *events.Broker

	// Metrics selects where run metrics are exported
	Metrics metrics.ExportConfig
}

// Deployer runs blue/green deployments of one service
type Deployer struct {
	opts  Options
	slots map[types.SlotName]types.Slot
}

// New creates a deployer
func New(opts Options) *Deployer {
	return &Deployer{
		opts: opts,
		slots: map[types.SlotName]types.Slot{
			types.SlotBlue:  opts.Blue,
			types.SlotGreen: opts.Green,
		},
	}
}

// run is the state of one Deploy call
type run struct {
	d      *Deployer
	id     string
	tag    string
	logger zerolog.Logger

	// current is the slot that was running when the run started
	current *types.Slot

	stage   Stage
	timer   *metrics.Timer
	ledger  ledger
	store   storage.Store
	outcome *Outcome
}

// Deploy rolls tag out to the idle slot and switches traffic to it. Any
// failure after init unwinds every committed action in reverse order.
//
// The returned Outcome is never nil. The error is nil on success (also when
// the previous slot could not be stopped, see Outcome.Residual) and wraps
// storage.ErrLocked, ErrRolledBack or ErrRollbackIncomplete otherwise.
func (d *Deployer) Deploy(ctx context.Context, tag string) (*Outcome, error) {
	if tag == "" {
		tag = "latest"
	}

	r := &run{
		d:   d,
		id:  uuid.New().String(),
		tag: tag,
	}
	r.logger = log.WithRunID(r.id).With().Str("component", "deploy").Str("tag", tag).Logger()
	r.outcome = &Outcome{RunID: r.id, Tag: tag, StartedAt: time.Now()}

	d.publish(&events.Event{
		Type:    events.EventRunStarted,
		RunID:   r.id,
		Message: fmt.Sprintf("deploying %s of %s", tag, d.opts.Service),
	})

	defer r.release()

	err := r.execute(ctx)
	r.finish(ctx)
	return r.outcome, err
}

func (r *run) execute(ctx context.Context) error {
	d := r.d
	r.enter(StageInit)

	store, err := d.opts.Lock()
	if err != nil {
		return r.refuse(fmt.Errorf("failed to acquire run lock: %w", err))
	}
	r.store = store

	host, _ := os.Hostname()
	if err := store.AcquireLease(storage.Lease{
		RunID:     r.id,
		Service:   d.opts.Service,
		Tag:       r.tag,
		Host:      host,
		PID:       os.Getpid(),
		StartedAt: r.outcome.StartedAt,
	}); err != nil {
		r.logger.Warn().Err(err).Msg("Failed to record lease")
	}

	current, err := d.opts.Prober.CurrentActive(ctx)
	if err != nil {
		return r.refuse(fmt.Errorf("failed to detect active slot: %w", err))
	}

	target := d.slots[slot.Target(current)]
	r.outcome.Target = target.Name
	r.current = current
	if current != nil {
		r.outcome.Previous = current.Name
		r.outcome.Active = current.Name
	}
	r.logger = r.logger.With().Str("target", string(target.Name)).Logger()
	r.logger.Info().Str("current", string(r.outcome.Previous)).Msg("Deploying to idle slot")

	// StartingTarget: a partial start leaves something behind, so the stop
	// is committed before the start is attempted
	r.enter(StageStartingTarget)
	r.ledger.commit("stop "+target.Instance, func(ctx context.Context) error {
		return d.opts.Lifecycle.Stop(ctx, target)
	})
	if err := d.opts.Lifecycle.Start(ctx, target, r.tag); err != nil {
		return r.rollback(ctx, err)
	}

	r.enter(StageDirectHealthCheck)
	if err := r.poll(ctx, "direct", d.opts.DirectCheck(target), d.opts.Direct); err != nil {
		return r.rollback(ctx, err)
	}

	// SwitchingRouter: Switch restores the file itself when validation
	// fails, so the revert is only committed once the edit stands
	r.enter(StageSwitchingRouter)
	edit, err := d.opts.Router.Switch(ctx, target, current)
	if err != nil {
		if errors.Is(err, router.ErrRestoreFailed) {
			// The file is neither old nor validated; no undo can fix that
			restoreErr := err
			r.ledger.commit("restore router config", func(context.Context) error {
				return restoreErr
			})
		}
		return r.rollback(ctx, err)
	}
	if current == nil && !edit.Empty() {
		// Nothing ran, but the router pointed at the other slot
		r.outcome.Previous = edit.Previous
	}
	r.ledger.commit("revert router config", func(ctx context.Context) error {
		return d.opts.Router.Revert(ctx, edit)
	})

	r.enter(StageValidatingRouterConfig)
	if err := d.opts.Router.Reload(ctx); err != nil {
		return r.rollback(ctx, err)
	}
	r.outcome.Active = target.Name
	if err := health.Sleep(ctx, d.opts.SettleDelay); err != nil {
		return r.rollback(ctx, err)
	}

	r.enter(StageRoutedHealthCheck)
	if err := r.poll(ctx, "routed", d.opts.RoutedCheck, d.opts.Routed); err != nil {
		return r.rollback(ctx, err)
	}

	// CleaningUp: traffic is on the target; a failure here is a residual,
	// never a rollback
	r.enter(StageCleaningUp)
	r.ledger = ledger{}
	if current != nil {
		if err := d.opts.Lifecycle.Stop(ctx, *current); err != nil {
			r.outcome.Residual = current.Instance
			r.logger.Warn().Err(err).
				Str("instance", current.Instance).
				Msg("Previous slot could not be stopped, manual cleanup needed")
		}
	}

	r.enter(StageSucceeded)
	r.outcome.Result = ResultSucceeded
	return nil
}

// enter moves the run to stage, closing the timing of the previous stage
func (r *run) enter(stage Stage) {
	if r.timer != nil {
		r.timer.ObserveDurationVec(metrics.StageDuration, string(r.stage))
	}
	r.stage = stage
	r.outcome.Stage = stage
	r.timer = metrics.NewTimer()

	r.logger.Info().Str("stage", string(stage)).Msg("Entering stage")
	r.d.publish(&events.Event{
		Type:    events.EventStageEntered,
		RunID:   r.id,
		Stage:   string(stage),
		Message: string(stage),
	})
}

// poll runs one health-check loop and turns an unhealthy result into an error
func (r *run) poll(ctx context.Context, mode string, checker health.Checker, cfg health.PollConfig) error {
	cfg.OnAttempt = func(attempt int, res health.Result) {
		result := "fail"
		if res.Healthy {
			result = "pass"
		}
		metrics.HealthAttempts.WithLabelValues(mode, result).Inc()

		r.logger.Debug().
			Str("mode", mode).
			Int("attempt", attempt).
			Bool("healthy", res.Healthy).
			Str("message", res.Message).
			Msg("Health check attempt")
		r.d.publish(&events.Event{
			Type:    events.EventHealthAttempt,
			RunID:   r.id,
			Stage:   string(r.stage),
			Message: fmt.Sprintf("%s check %d/%d: %s", mode, attempt, max(cfg.MaxAttempts, 1), result),
			Metadata: map[string]string{
				"mode":    mode,
				"attempt": strconv.Itoa(attempt),
				"detail":  res.Message,
			},
		})
	}

	res := health.Poll(ctx, checker, cfg)
	if res.Healthy() {
		return nil
	}
	if res.Err != nil {
		return fmt.Errorf("%s health check interrupted after %d attempts: %w", mode, res.Attempts, res.Err)
	}
	return fmt.Errorf("%s health check failed after %d attempts: %s", mode, res.Attempts, res.Last.Message)
}

// refuse ends a run that failed during init; nothing was mutated
func (r *run) refuse(err error) error {
	r.outcome.Result = ResultRefused
	r.outcome.FailedStage = StageInit
	r.outcome.Cause = err
	r.enter(StageFailed)
	r.logger.Error().Err(err).Msg("Deployment refused")
	return err
}

// rollback unwinds the ledger after the current stage failed. The unwind
// runs on a context detached from ctx so an interrupt that caused the
// failure does not also abort the rollback.
func (r *run) rollback(ctx context.Context, cause error) error {
	d := r.d
	failed := r.stage
	r.outcome.FailedStage = failed
	r.outcome.Cause = cause

	r.logger.Error().Err(cause).Str("stage", string(failed)).Msg("Stage failed, rolling back")
	d.publish(&events.Event{
		Type:    events.EventStageFailed,
		RunID:   r.id,
		Stage:   string(failed),
		Message: cause.Error(),
	})
	metrics.RollbacksTotal.WithLabelValues(string(failed)).Inc()

	r.enter(StageRollingBack)

	rbCtx, cancel := d.rollbackContext(ctx)
	defer cancel()

	failures := r.ledger.unwind(rbCtx, func(name string, err error) {
		ev := &events.Event{
			Type:    events.EventRollbackStep,
			RunID:   r.id,
			Stage:   string(StageRollingBack),
			Message: name,
		}
		if err != nil {
			ev.Type = events.EventRollbackFailed
			ev.Message = fmt.Sprintf("%s: %v", name, err)
			metrics.UnwindFailuresTotal.WithLabelValues(name).Inc()
			r.logger.Error().Err(err).Str("action", name).Msg("Rollback step failed")
		} else {
			r.logger.Info().Str("action", name).Msg("Rollback step done")
		}
		d.publish(ev)
	})

	r.outcome.UnwindFailures = failures
	r.enter(StageFailed)

	if len(failures) == 0 {
		r.outcome.Result = ResultRolledBack
		// A slot known only from the router file has no running instance
		r.outcome.Active = ""
		if r.current != nil {
			r.outcome.Active = r.current.Name
		}
		return fmt.Errorf("%w: %s failed: %w", ErrRolledBack, failed, cause)
	}

	// The router may or may not have been restored
	r.outcome.Result = ResultRollbackIncomplete
	r.outcome.Active = ""
	errs := make([]error, 0, len(failures))
	for _, f := range failures {
		errs = append(errs, fmt.Errorf("%s: %w", f.Action, f.Err))
	}
	return fmt.Errorf("%w: %s failed: %w; unwind: %w", ErrRollbackIncomplete, failed, cause, errors.Join(errs...))
}

func (d *Deployer) rollbackContext(parent context.Context) (context.Context, context.CancelFunc) {
	base := context.WithoutCancel(parent)

	var ctx context.Context
	var cancel context.CancelFunc
	if d.opts.RollbackTimeout > 0 {
		ctx, cancel = context.WithTimeout(base, d.opts.RollbackTimeout)
	} else {
		ctx, cancel = context.WithCancel(base)
	}

	if d.opts.Abort != nil {
		go func() {
			select {
			case <-d.opts.Abort:
				cancel()
			case <-ctx.Done():
			}
		}()
	}
	return ctx, cancel
}

// finish records metrics and emits the final event
func (r *run) finish(ctx context.Context) {
	d := r.d
	o := r.outcome
	o.FinishedAt = time.Now()
	if r.timer != nil {
		r.timer.ObserveDurationVec(metrics.StageDuration, string(r.stage))
		r.timer = nil
	}

	metrics.RunsTotal.WithLabelValues(string(o.Result)).Inc()
	metrics.RunDuration.Observe(o.Duration().Seconds())
	metrics.LastRunTimestamp.Set(float64(o.FinishedAt.Unix()))
	metrics.SetActiveSlot(string(o.Active), string(types.SlotBlue), string(types.SlotGreen))

	event := r.logger.Info()
	if o.Result != ResultSucceeded {
		event = r.logger.Error()
	}
	event.
		Str("result", string(o.Result)).
		Str("active", string(o.Active)).
		Str("residual", o.Residual).
		Dur("duration", o.Duration()).
		Msg("Deployment finished")

	d.publish(&events.Event{
		Type:    events.EventRunFinished,
		RunID:   r.id,
		Stage:   string(o.Stage),
		Message: string(o.Result),
		Metadata: map[string]string{
			"active":   string(o.Active),
			"residual": o.Residual,
		},
	})

	if d.opts.Metrics.Enabled() {
		exportCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if err := metrics.Export(exportCtx, d.opts.Metrics); err != nil {
			r.logger.Warn().Err(err).Msg("Failed to export metrics")
		}
	}
}

// release persists the outcome and gives up the run lock
func (r *run) release() {
	if r.store == nil {
		return
	}
	if err := r.store.SaveOutcome(r.outcome.Record()); err != nil {
		r.logger.Warn().Err(err).Msg("Failed to record outcome")
	}
	if err := r.store.Close(); err != nil {
		r.logger.Warn().Err(err).Msg("Failed to release run lock")
	}
	r.store = nil
}

func (d *Deployer) publish(ev *events.Event) {
	if d.opts.Events != nil {
		d.opts.Events.Publish(ev)
	}
}
