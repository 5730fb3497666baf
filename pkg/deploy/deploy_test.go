package deploy

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/cuemby/bgdeploy/pkg/events"
	"github.com/cuemby/bgdeploy/pkg/health"
	"github.com/cuemby/bgdeploy/pkg/router"
	"github.com/cuemby/bgdeploy/pkg/storage"
	"github.com/cuemby/bgdeploy/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const upstreamBlue = `upstream app {
    server 127.0.0.1:8001 max_fails=3 fail_timeout=30s;
    # server 127.0.0.1:8002 backup;
}
`

const upstreamGreen = `upstream app {
    server 127.0.0.1:8002 max_fails=3 fail_timeout=30s;
    server 127.0.0.1:8001 backup;
}
`

var (
	blue  = types.Slot{Name: types.SlotBlue, Host: "127.0.0.1", Port: 8001, Instance: "app-blue"}
	green = types.Slot{Name: types.SlotGreen, Host: "127.0.0.1", Port: 8002, Instance: "app-green"}
)

type fakeProber struct {
	current *types.Slot
	err     error
}

func (f *fakeProber) CurrentActive(ctx context.Context) (*types.Slot, error) {
	return f.current, f.err
}

type fakeLifecycle struct {
	calls    []string
	startErr error
	stopErr  map[types.SlotName]error
	// blockStop makes Stop wait for its context to end
	blockStop bool
}

func (f *fakeLifecycle) Start(ctx context.Context, s types.Slot, tag string) error {
	f.calls = append(f.calls, fmt.Sprintf("start %s %s", s.Name, tag))
	return f.startErr
}

func (f *fakeLifecycle) Stop(ctx context.Context, s types.Slot) error {
	f.calls = append(f.calls, "stop "+string(s.Name))
	if f.blockStop {
		<-ctx.Done()
		return ctx.Err()
	}
	return f.stopErr[s.Name]
}

// scriptedRouter returns the queued errors in call order, then nil
type scriptedRouter struct {
	validateErrs []error
	reloadErrs   []error
	validated    int
	reloaded     int
	onValidate   func()
}

func (s *scriptedRouter) Validate(ctx context.Context) error {
	s.validated++
	if s.onValidate != nil {
		s.onValidate()
	}
	return pop(&s.validateErrs)
}

func (s *scriptedRouter) Reload(ctx context.Context) error {
	s.reloaded++
	return pop(&s.reloadErrs)
}

func pop(errs *[]error) error {
	if len(*errs) == 0 {
		return nil
	}
	err := (*errs)[0]
	*errs = (*errs)[1:]
	return err
}

// staticChecker is healthy or not, and counts its calls
type staticChecker struct {
	healthy bool
	calls   int
	onCheck func()
}

func (c *staticChecker) Check(ctx context.Context) health.Result {
	c.calls++
	if c.onCheck != nil {
		c.onCheck()
	}
	return health.Result{Healthy: c.healthy, Message: "static", CheckedAt: time.Now()}
}

func (c *staticChecker) Type() health.CheckType { return "static" }

type harness struct {
	t          *testing.T
	routerPath string
	lockPath   string
	prober     *fakeProber
	lifecycle  *fakeLifecycle
	router     *scriptedRouter
	direct     *staticChecker
	routed     *staticChecker
	opts       Options
}

func newHarness(t *testing.T, current *types.Slot, upstream string) *harness {
	t.Helper()
	dir := t.TempDir()

	h := &harness{
		t:          t,
		routerPath: filepath.Join(dir, "upstream.conf"),
		lockPath:   filepath.Join(dir, "state", "app.lock.db"),
		prober:     &fakeProber{current: current},
		lifecycle:  &fakeLifecycle{stopErr: map[types.SlotName]error{}},
		router:     &scriptedRouter{},
		direct:     &staticChecker{healthy: true},
		routed:     &staticChecker{healthy: true},
	}
	require.NoError(t, os.WriteFile(h.routerPath, []byte(upstream), 0644))

	h.opts = Options{
		Service: "app",
		Blue:    blue,
		Green:   green,
		Lock: func() (storage.Store, error) {
			return storage.Open(h.lockPath, 50*time.Millisecond)
		},
		Prober:          h.prober,
		Lifecycle:       h.lifecycle,
		Router:          router.NewEditor(h.routerPath, "server", h.router, blue, green),
		DirectCheck:     func(types.Slot) health.Checker { return h.direct },
		RoutedCheck:     h.routed,
		Direct:          health.PollConfig{MaxAttempts: 3},
		Routed:          health.PollConfig{MaxAttempts: 2},
		RollbackTimeout: 5 * time.Second,
	}
	return h
}

func (h *harness) deploy(ctx context.Context, tag string) (*Outcome, error) {
	return New(h.opts).Deploy(ctx, tag)
}

func (h *harness) routerText() string {
	h.t.Helper()
	data, err := os.ReadFile(h.routerPath)
	require.NoError(h.t, err)
	return string(data)
}

func (h *harness) lastOutcome() *storage.OutcomeRecord {
	h.t.Helper()
	store, err := storage.OpenReadOnly(h.lockPath, time.Second)
	require.NoError(h.t, err)
	defer store.Close()
	rec, err := store.LastOutcome()
	require.NoError(h.t, err)
	return rec
}

func TestDeploy_BlueToGreen(t *testing.T) {
	h := newHarness(t, &blue, upstreamBlue)

	broker := events.NewBroker()
	broker.Start()
	sub := broker.Subscribe()
	h.opts.Events = broker

	outcome, err := h.deploy(context.Background(), "v2")
	broker.Close()
	require.NoError(t, err)

	assert.Equal(t, ResultSucceeded, outcome.Result)
	assert.Equal(t, StageSucceeded, outcome.Stage)
	assert.Equal(t, types.SlotGreen, outcome.Target)
	assert.Equal(t, types.SlotBlue, outcome.Previous)
	assert.Equal(t, types.SlotGreen, outcome.Active)
	assert.Empty(t, outcome.Residual)
	assert.Equal(t, ExitOK, outcome.ExitCode())
	assert.False(t, outcome.NeedsManualAction())

	assert.Equal(t, []string{"start green v2", "stop blue"}, h.lifecycle.calls)
	assert.Equal(t, upstreamGreen, h.routerText())
	assert.Equal(t, 1, h.router.validated)
	assert.Equal(t, 1, h.router.reloaded)
	assert.Equal(t, 1, h.direct.calls)
	assert.Equal(t, 1, h.routed.calls)

	var stages []string
	for ev := range sub {
		if ev.Type == events.EventStageEntered {
			stages = append(stages, ev.Stage)
		}
	}
	assert.Equal(t, []string{
		"init", "starting_target", "direct_health_check", "switching_router",
		"validating_router_config", "routed_health_check", "cleaning_up", "succeeded",
	}, stages)

	rec := h.lastOutcome()
	assert.Equal(t, "succeeded", rec.Result)
	assert.Equal(t, "green", rec.Active)
	assert.Equal(t, outcome.RunID, rec.RunID)
}

func TestDeploy_BootstrapToBlue(t *testing.T) {
	h := newHarness(t, nil, upstreamBlue)

	outcome, err := h.deploy(context.Background(), "")
	require.NoError(t, err)

	assert.Equal(t, ResultSucceeded, outcome.Result)
	assert.Equal(t, types.SlotBlue, outcome.Target)
	assert.Equal(t, types.SlotBlue, outcome.Active)
	assert.Equal(t, "latest", outcome.Tag)
	assert.Equal(t, []string{"start blue latest"}, h.lifecycle.calls, "nothing to clean up on first deploy")
	assert.Equal(t, upstreamBlue, h.routerText(), "router already addresses blue")
}

func TestDeploy_DirectHealthExhaustion(t *testing.T) {
	h := newHarness(t, &blue, upstreamBlue)
	h.direct.healthy = false

	outcome, err := h.deploy(context.Background(), "v2")

	require.ErrorIs(t, err, ErrRolledBack)
	assert.Equal(t, ResultRolledBack, outcome.Result)
	assert.Equal(t, StageFailed, outcome.Stage)
	assert.Equal(t, StageDirectHealthCheck, outcome.FailedStage)
	assert.Equal(t, types.SlotBlue, outcome.Active)
	assert.Equal(t, ExitRolledBack, outcome.ExitCode())

	assert.Equal(t, 3, h.direct.calls)
	assert.Equal(t, []string{"start green v2", "stop green"}, h.lifecycle.calls)
	assert.Equal(t, upstreamBlue, h.routerText(), "router untouched")
	assert.Equal(t, 0, h.router.validated)
	assert.Equal(t, 0, h.router.reloaded)

	rec := h.lastOutcome()
	assert.Equal(t, "rolled_back", rec.Result)
	assert.Equal(t, "direct_health_check", rec.Stage)
}

func TestDeploy_StartFailureStopsTarget(t *testing.T) {
	h := newHarness(t, &blue, upstreamBlue)
	h.lifecycle.startErr = errors.New("pull access denied")

	outcome, err := h.deploy(context.Background(), "v2")

	require.ErrorIs(t, err, ErrRolledBack)
	assert.Equal(t, StageStartingTarget, outcome.FailedStage)
	assert.Equal(t, []string{"start green v2", "stop green"}, h.lifecycle.calls)
	assert.Equal(t, 0, h.direct.calls)
}

func TestDeploy_ValidationFailureLeavesRouterText(t *testing.T) {
	h := newHarness(t, &blue, upstreamBlue)
	h.router.validateErrs = []error{errors.New("nginx: [emerg] invalid parameter")}

	outcome, err := h.deploy(context.Background(), "v2")

	require.ErrorIs(t, err, ErrRolledBack)
	assert.Equal(t, StageSwitchingRouter, outcome.FailedStage)
	assert.Equal(t, upstreamBlue, h.routerText())
	assert.Equal(t, 0, h.router.reloaded, "rejected config is never reloaded")
	assert.Equal(t, []string{"start green v2", "stop green"}, h.lifecycle.calls)
}

func TestDeploy_RestoreFailureAfterRejectedConfigIsIncomplete(t *testing.T) {
	h := newHarness(t, &blue, upstreamBlue)
	h.router.validateErrs = []error{errors.New("nginx: [emerg] invalid parameter")}
	// Something replaces the config with a directory while nginx validates it
	h.router.onValidate = func() {
		require.NoError(t, os.Remove(h.routerPath))
		require.NoError(t, os.Mkdir(h.routerPath, 0755))
	}

	outcome, err := h.deploy(context.Background(), "v2")

	require.ErrorIs(t, err, ErrRollbackIncomplete)
	assert.ErrorIs(t, err, router.ErrRestoreFailed)
	assert.Equal(t, ResultRollbackIncomplete, outcome.Result)
	assert.Equal(t, ExitRollbackIncomplete, outcome.ExitCode())
	assert.Equal(t, StageSwitchingRouter, outcome.FailedStage)
	assert.Empty(t, outcome.Active)
	require.Len(t, outcome.UnwindFailures, 1)
	assert.Equal(t, "restore router config", outcome.UnwindFailures[0].Action)
	assert.Equal(t, []string{"start green v2", "stop green"}, h.lifecycle.calls, "target is still stopped")

	rec := h.lastOutcome()
	assert.Equal(t, "rollback_incomplete", rec.Result)
}

func TestDeploy_BootstrapRollbackReportsNoActiveSlot(t *testing.T) {
	// Nothing runs, but the router file still points at green
	h := newHarness(t, nil, upstreamGreen)
	h.routed.healthy = false

	outcome, err := h.deploy(context.Background(), "v1")

	require.ErrorIs(t, err, ErrRolledBack)
	assert.Equal(t, ResultRolledBack, outcome.Result)
	assert.Equal(t, types.SlotBlue, outcome.Target)
	assert.Equal(t, types.SlotGreen, outcome.Previous, "router-derived previous slot")
	assert.Empty(t, outcome.Active, "no instance serves traffic")
	assert.Equal(t, upstreamGreen, h.routerText())
	assert.Equal(t, []string{"start blue v1", "stop blue"}, h.lifecycle.calls)

	assert.Empty(t, h.lastOutcome().Active)
}

func TestDeploy_ReloadFailureRevertsRouter(t *testing.T) {
	h := newHarness(t, &blue, upstreamBlue)
	h.router.reloadErrs = []error{errors.New("nginx: signal process failed")}

	outcome, err := h.deploy(context.Background(), "v2")

	require.ErrorIs(t, err, ErrRolledBack)
	assert.Equal(t, StageValidatingRouterConfig, outcome.FailedStage)
	assert.Equal(t, types.SlotBlue, outcome.Active)
	assert.Equal(t, upstreamBlue, h.routerText())
	assert.Equal(t, 2, h.router.reloaded, "failed reload plus the revert reload")
	assert.Equal(t, []string{"start green v2", "stop green"}, h.lifecycle.calls)
}

func TestDeploy_RoutedFailureRestoresRouterBytes(t *testing.T) {
	h := newHarness(t, &blue, upstreamBlue)
	h.routed.healthy = false

	outcome, err := h.deploy(context.Background(), "v2")

	require.ErrorIs(t, err, ErrRolledBack)
	assert.Equal(t, StageRoutedHealthCheck, outcome.FailedStage)
	assert.Equal(t, 2, h.routed.calls)
	assert.Equal(t, upstreamBlue, h.routerText(), "router text restored byte for byte")
	assert.Equal(t, 2, h.router.reloaded)
	assert.Equal(t, types.SlotBlue, outcome.Active)
	assert.Equal(t, []string{"start green v2", "stop green"}, h.lifecycle.calls)
}

func TestDeploy_UnwindFailureIsIncomplete(t *testing.T) {
	h := newHarness(t, &blue, upstreamBlue)
	h.routed.healthy = false
	// The switch reload succeeds, the revert reload fails
	h.router.reloadErrs = []error{nil, errors.New("nginx not running")}

	outcome, err := h.deploy(context.Background(), "v2")

	require.ErrorIs(t, err, ErrRollbackIncomplete)
	assert.NotErrorIs(t, err, ErrRolledBack)
	assert.Equal(t, ResultRollbackIncomplete, outcome.Result)
	assert.Equal(t, ExitRollbackIncomplete, outcome.ExitCode())
	assert.True(t, outcome.NeedsManualAction())
	require.Len(t, outcome.UnwindFailures, 1)
	assert.Equal(t, "revert router config", outcome.UnwindFailures[0].Action)

	assert.Equal(t, []string{"start green v2", "stop green"}, h.lifecycle.calls, "later undo steps still run")
	assert.Equal(t, upstreamBlue, h.routerText())

	rec := h.lastOutcome()
	assert.Equal(t, "rollback_incomplete", rec.Result)
	assert.Len(t, rec.Errors, 2)
}

func TestDeploy_CleanupFailureLeavesResidual(t *testing.T) {
	h := newHarness(t, &blue, upstreamBlue)
	h.lifecycle.stopErr[types.SlotBlue] = errors.New("device busy")

	outcome, err := h.deploy(context.Background(), "v2")

	require.NoError(t, err)
	assert.Equal(t, ResultSucceeded, outcome.Result)
	assert.Equal(t, "app-blue", outcome.Residual)
	assert.Equal(t, types.SlotGreen, outcome.Active)
	assert.Equal(t, ExitOK, outcome.ExitCode())
	assert.True(t, outcome.NeedsManualAction())
	assert.Equal(t, upstreamGreen, h.routerText())
}

func TestDeploy_LockHeldRefusesRun(t *testing.T) {
	h := newHarness(t, &blue, upstreamBlue)

	held, err := storage.Open(h.lockPath, time.Second)
	require.NoError(t, err)
	defer held.Close()

	outcome, err := h.deploy(context.Background(), "v2")

	require.ErrorIs(t, err, storage.ErrLocked)
	assert.Equal(t, ResultRefused, outcome.Result)
	assert.Equal(t, StageInit, outcome.FailedStage)
	assert.Equal(t, ExitRolledBack, outcome.ExitCode())
	assert.Empty(t, h.lifecycle.calls, "nothing mutated")
	assert.Equal(t, upstreamBlue, h.routerText())
}

func TestDeploy_ReleasesLock(t *testing.T) {
	h := newHarness(t, &blue, upstreamBlue)
	h.direct.healthy = false

	_, err := h.deploy(context.Background(), "v2")
	require.ErrorIs(t, err, ErrRolledBack)

	store, err := storage.Open(h.lockPath, 50*time.Millisecond)
	require.NoError(t, err, "lock released after a failed run")
	_, err = store.Lease()
	assert.ErrorIs(t, err, storage.ErrNotFound)
	require.NoError(t, store.Close())
}

func TestDeploy_ProbeErrorRefusesRun(t *testing.T) {
	h := newHarness(t, nil, upstreamBlue)
	h.prober.err = errors.New("cannot connect to the docker daemon")

	outcome, err := h.deploy(context.Background(), "v2")

	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrRolledBack)
	assert.Equal(t, ResultRefused, outcome.Result)
	assert.Empty(t, h.lifecycle.calls)
}

func TestDeploy_InterruptRollsBack(t *testing.T) {
	h := newHarness(t, &blue, upstreamBlue)
	h.opts.Direct = health.PollConfig{MaxAttempts: 5, Interval: time.Hour}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.direct.healthy = false
	h.direct.onCheck = cancel

	outcome, err := h.deploy(ctx, "v2")

	require.ErrorIs(t, err, ErrRolledBack)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StageDirectHealthCheck, outcome.FailedStage)
	assert.Equal(t, []string{"start green v2", "stop green"}, h.lifecycle.calls,
		"rollback runs although the run context is cancelled")
}

func TestDeploy_AbortCancelsRollback(t *testing.T) {
	h := newHarness(t, &blue, upstreamBlue)
	h.direct.healthy = false
	h.lifecycle.blockStop = true

	abort := make(chan struct{})
	close(abort)
	h.opts.Abort = abort

	outcome, err := h.deploy(context.Background(), "v2")

	require.ErrorIs(t, err, ErrRollbackIncomplete)
	require.Len(t, outcome.UnwindFailures, 1)
	assert.ErrorIs(t, outcome.UnwindFailures[0].Err, context.Canceled)

	store, err := storage.Open(h.lockPath, 50*time.Millisecond)
	require.NoError(t, err, "lock released after an aborted rollback")
	require.NoError(t, store.Close())
}

func TestDeploy_RollbackTimeout(t *testing.T) {
	h := newHarness(t, &blue, upstreamBlue)
	h.direct.healthy = false
	h.lifecycle.blockStop = true
	h.opts.RollbackTimeout = 20 * time.Millisecond

	outcome, err := h.deploy(context.Background(), "v2")

	require.ErrorIs(t, err, ErrRollbackIncomplete)
	require.Len(t, outcome.UnwindFailures, 1)
	assert.ErrorIs(t, outcome.UnwindFailures[0].Err, context.DeadlineExceeded)
}
