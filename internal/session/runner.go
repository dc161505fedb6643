// Package session replays session scripts against a history controller and
// a save coordinator sharing one in-memory navigator.
package session

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/gxo-labs/statesync/internal/config"
	"github.com/gxo-labs/statesync/internal/history"
	"github.com/gxo-labs/statesync/internal/logger"
	"github.com/gxo-labs/statesync/internal/save"
	"github.com/gxo-labs/statesync/internal/snapshot"
	"github.com/gxo-labs/statesync/internal/transport"
	v1 "github.com/gxo-labs/statesync/pkg/statesync/v1"
	sserrors "github.com/gxo-labs/statesync/pkg/statesync/v1/errors"
	sslog "github.com/gxo-labs/statesync/pkg/statesync/v1/log"
)

const defaultInitialURL = "/"

// Report is what a run produced. It is filled in even when Run fails part
// way through.
type Report struct {
	Name     string
	StepsRun int
	Diffs    []snapshot.Diff
	Outcomes []save.Outcome
	FinalURL string
	History  []string
	Record   save.Record
}

// Failed counts outcomes that carry an error.
func (r *Report) Failed() int {
	n := 0
	for _, out := range r.Outcomes {
		if out.Err != nil {
			n++
		}
	}
	return n
}

// Runner executes scripts. It is safe to reuse; every Run builds fresh
// components.
type Runner struct {
	log        sslog.Logger
	registry   *snapshot.Registry
	transport  save.Transport
	components []v1.Option
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithRegistry replaces the default snapshot registry.
func WithRegistry(registry *snapshot.Registry) RunnerOption {
	return func(r *Runner) { r.registry = registry }
}

// WithTransport makes every run save to t instead of the script's store.
func WithTransport(t save.Transport) RunnerOption {
	return func(r *Runner) { r.transport = t }
}

// WithComponentOptions passes opts to the controller and the coordinator.
func WithComponentOptions(opts ...v1.Option) RunnerOption {
	return func(r *Runner) { r.components = append(r.components, opts...) }
}

// NewRunner creates a Runner. A nil log discards output.
func NewRunner(log sslog.Logger, opts ...RunnerOption) *Runner {
	if log == nil {
		log = logger.NewDiscardLogger()
	}
	r := &Runner{log: log.With("component", "session")}
	for _, opt := range opts {
		opt(r)
	}
	if r.registry == nil {
		r.registry = snapshot.DefaultRegistry()
	}
	return r
}

// run holds the live components of one Run.
type run struct {
	*Runner
	nav   *history.MemoryNavigator
	ctrl  *history.Controller
	coord *save.Coordinator

	mu     sync.Mutex
	report *Report
}

// Run replays script step by step and stops at the first failing step. It
// always waits for outstanding saves before returning.
func (r *Runner) Run(ctx context.Context, script *config.Script) (report *Report, err error) {
	if script == nil {
		return nil, sserrors.NewConfigError("script cannot be nil", nil)
	}
	tr, closeTransport, err := r.openTransport(ctx, script.Store)
	if err != nil {
		return nil, err
	}
	defer func() {
		if cerr := closeTransport(); cerr != nil && err == nil {
			err = fmt.Errorf("closing store: %w", cerr)
		}
	}()

	initialURL := script.InitialURL
	if initialURL == "" {
		initialURL = defaultInitialURL
	}
	rn := &run{
		Runner: r,
		nav:    history.NewMemoryNavigator(initialURL),
		report: &Report{Name: script.Name},
	}
	if rn.ctrl, err = history.NewController(rn.nav, r.registry, r.log, r.components...); err != nil {
		return nil, err
	}
	if rn.coord, err = save.NewCoordinator(tr, script.Actor, r.log, r.components...); err != nil {
		return nil, err
	}
	rn.ctrl.Subscribe(rn.onDiff)
	rn.coord.Subscribe(rn.onOutcome)

	if err := rn.ctrl.Init(); err != nil {
		return nil, err
	}
	defer rn.ctrl.Close()

	r.log.Infof("Running session '%s' (%d steps) as '%s'", script.Name, len(script.Steps), script.Actor)
	runErr := rn.steps(ctx, script)

	waitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), config.DefaultWaitTimeout)
	defer cancel()
	if werr := rn.coord.Wait(waitCtx); werr != nil && runErr == nil {
		runErr = fmt.Errorf("waiting for outstanding saves: %w", werr)
	}
	return rn.finish(), runErr
}

func (r *Runner) openTransport(ctx context.Context, store config.StoreConfig) (save.Transport, func() error, error) {
	noop := func() error { return nil }
	if r.transport != nil {
		return r.transport, noop, nil
	}
	switch store.DriverName() {
	case config.DriverSQLite:
		st, err := transport.OpenSQLite(ctx, store.Path, r.log,
			transport.WithBusyRetries(store.Retries()),
			transport.WithBusyTimeout(store.Timeout()))
		if err != nil {
			return nil, nil, sserrors.NewConfigError(fmt.Sprintf("opening sqlite store '%s'", store.Path), err)
		}
		return st, st.Close, nil
	case config.DriverMemory:
		return transport.NewMemoryTransport(), noop, nil
	default:
		return nil, nil, sserrors.NewConfigError(fmt.Sprintf("unknown store driver '%s'", store.Driver), nil)
	}
}

func (rn *run) steps(ctx context.Context, script *config.Script) error {
	for i := range script.Steps {
		step := &script.Steps[i]
		label := config.StepLabel(i, step)
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%s: %w", label, err)
		}
		rn.log.Debugf("%s: %s", label, step.Action())
		if err := rn.step(ctx, step); err != nil {
			return fmt.Errorf("%s: %w", label, err)
		}
		rn.mu.Lock()
		rn.report.StepsRun++
		rn.mu.Unlock()
	}
	return nil
}

func (rn *run) step(ctx context.Context, step *config.Step) error {
	switch step.Action() {
	case config.ActionSet:
		return rn.ctrl.Set(step.Set.Key, step.Set.Value, history.SetOptions{
			Replace: step.Set.Replace,
			Silent:  step.Set.Silent,
		})
	case config.ActionBack:
		return rn.move(-config.Count(step.Back))
	case config.ActionForward:
		return rn.move(config.Count(step.Forward))
	case config.ActionSave:
		state := rn.coord.Save(ctx, step.Save.Payload, save.SaveOptions{Force: step.Save.Force})
		rn.log.Debugf("Save accepted, coordinator is %s", state)
		return nil
	case config.ActionWait:
		waitCtx, cancel := context.WithTimeout(ctx, step.Wait.TimeoutDuration())
		defer cancel()
		return rn.coord.Wait(waitCtx)
	case config.ActionLoad:
		_, err := rn.coord.Load(ctx, step.Load.ID)
		return err
	case config.ActionExpect:
		return rn.expect(step.Expect)
	default:
		return sserrors.NewValidationError(fmt.Sprintf("step must have exactly one action, found [%s]",
			strings.Join(step.Actions(), ", ")), nil)
	}
}

func (rn *run) move(delta int) error {
	if !rn.nav.Go(delta) {
		return sserrors.NewValidationError(
			fmt.Sprintf("cannot move %d entries from history position %d of %d", delta, rn.nav.Index(), rn.nav.Len()), nil)
	}
	return nil
}

func (rn *run) expect(e *config.ExpectStep) error {
	if e.URL != "" {
		if got := rn.nav.URL(); got != e.URL {
			return sserrors.NewValidationError(fmt.Sprintf("expected URL %q, got %q", e.URL, got), nil)
		}
	}
	if e.Key == "" {
		return nil
	}
	want, err := rn.registry.Coerce(e.Key, e.Value)
	if err != nil {
		return sserrors.NewValidationError(fmt.Sprintf("expected value for '%s' is invalid", e.Key), err)
	}
	got, ok := rn.ctrl.Get(e.Key)
	if want == nil && !rn.registry.Known(e.Key) {
		if ok {
			return sserrors.NewValidationError(fmt.Sprintf("expected '%s' to be absent, got %v", e.Key, got), nil)
		}
		return nil
	}
	if !ok || !rn.registry.Equal(e.Key, got, want) {
		return sserrors.NewValidationError(fmt.Sprintf("expected '%s' = %v, got %v", e.Key, describe(want), describe(got)), nil)
	}
	return nil
}

func (rn *run) onDiff(diff snapshot.Diff) {
	rn.log.Infof("State changed: %s", strings.Join(diff.Keys(), ", "))
	rn.mu.Lock()
	rn.report.Diffs = append(rn.report.Diffs, diff)
	rn.mu.Unlock()
}

func (rn *run) onOutcome(out save.Outcome) {
	if out.Err != nil {
		rn.log.Warnf("Save %s failed: %v", out.Request.Op(), out.Err)
	} else {
		rn.log.Infof("Save %s stored record '%s' at revision %d", out.Request.Op(), out.Response.ID, out.Response.Revision)
	}
	rn.mu.Lock()
	rn.report.Outcomes = append(rn.report.Outcomes, out)
	rn.mu.Unlock()
}

func (rn *run) finish() *Report {
	rn.mu.Lock()
	defer rn.mu.Unlock()
	rn.report.FinalURL = rn.nav.URL()
	rn.report.History = rn.nav.Entries()
	rn.report.Record = rn.coord.Record()
	out := *rn.report
	return &out
}

// describe renders viewport pointers by value in messages.
func describe(v any) any {
	if vp, ok := v.(*snapshot.Viewport); ok && vp != nil {
		return *vp
	}
	return v
}
