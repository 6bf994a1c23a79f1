// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

// Package worker drives claimed tasks through their stages. The driver owns
// every status write after the claim; stages only produce artifacts. Three
// phases per stage: claim (short tx inside the store), execute (no
// transaction held), finalize (short tx per edge).
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/ManuGH/storymill/internal/events"
	"github.com/ManuGH/storymill/internal/log"
	"github.com/ManuGH/storymill/internal/metrics"
	"github.com/ManuGH/storymill/internal/pipeline/bus"
	"github.com/ManuGH/storymill/internal/pipeline/model"
	"github.com/ManuGH/storymill/internal/pipeline/store"
	"github.com/ManuGH/storymill/internal/plansync"
	"github.com/ManuGH/storymill/internal/ratelimit"
	"github.com/ManuGH/storymill/internal/resilience"
	"github.com/ManuGH/storymill/internal/stage"
	"github.com/ManuGH/storymill/internal/workspace"
)

const (
	// assemblyGateWait bounds the in-claim wait for an assembly slot when a
	// task parks from sfx generation into assembly.
	assemblyGateWait = 30 * time.Second
	assemblyGatePoll = 500 * time.Millisecond

	// maxLastError bounds the persisted error text.
	maxLastError = 2048
)

// Alerter is the outbound alert hook. Implementations must not block the
// finalize path; delivery is best-effort.
type Alerter interface {
	// TaskFailed fires when a task lands in a terminal stage error with no
	// retry scheduled.
	TaskFailed(ctx context.Context, t *model.Task, reason model.Reason, finalErr string)
	// StaleClaim fires when the reaper recovers a task from a dead worker.
	StaleClaim(ctx context.Context, t *model.Task)
}

// DriverDeps wires a Driver. Alerts and Bus may be nil.
type DriverDeps struct {
	Store     store.Store
	Gate      *ratelimit.Gate
	Stages    *stage.Registry
	Workspace *workspace.Manager
	Recorder  *events.Recorder
	Alerts    Alerter
	Backoff   *resilience.Schedule
	Bus       bus.Bus
	WorkerID  string
}

// Driver executes one claim at a time: claim, run the stage chain, finalize
// through validated edges. Safe for use by one goroutine; the pool runs one
// Driver per worker.
type Driver struct {
	store    store.Store
	gate     *ratelimit.Gate
	stages   *stage.Registry
	ws       *workspace.Manager
	recorder *events.Recorder
	alerts   Alerter
	backoff  *resilience.Schedule
	bus      bus.Bus
	workerID string
	logger   zerolog.Logger
	now      func() time.Time
	asmWait  time.Duration
	asmPoll  time.Duration
}

func NewDriver(deps DriverDeps) *Driver {
	b := deps.Backoff
	if b == nil {
		b = resilience.DefaultSchedule()
	}
	return &Driver{
		store:    deps.Store,
		gate:     deps.Gate,
		stages:   deps.Stages,
		ws:       deps.Workspace,
		recorder: deps.Recorder,
		alerts:   deps.Alerts,
		backoff:  b,
		bus:      deps.Bus,
		workerID: deps.WorkerID,
		logger:   log.WithComponent("worker").With().Str(log.FieldWorkerID, deps.WorkerID).Logger(),
		now:      time.Now,
		asmWait:  assemblyGateWait,
		asmPoll:  assemblyGatePoll,
	}
}

// RunOnce claims and drives at most one task. It returns false when no
// eligible work existed. A context cancellation mid-stage leaves the claim
// in place for the reaper; the attempt is not counted.
func (d *Driver) RunOnce(ctx context.Context) (bool, error) {
	var acquire store.GateFunc
	if d.gate != nil {
		acquire = d.gate.Acquire
	}
	task, release, err := d.store.ClaimNext(ctx, d.workerID, acquire)
	if err != nil {
		return false, err
	}
	if task == nil {
		metrics.IncClaimEmpty()
		return false, nil
	}
	defer release()

	ctx = log.ContextWithTask(ctx, task.ID, task.ChannelID)
	metrics.IncTaskClaimed(task.ChannelKey, string(task.Stage))
	d.recorder.Record(ctx, events.Event{
		Type:      events.TaskClaimed,
		TaskID:    task.ID,
		ChannelID: task.ChannelID,
		Stage:     string(task.Stage),
		NewStatus: string(task.Status),
		Attempt:   task.RetryCount + 1,
		Detail:    map[string]string{"worker": d.workerID},
	})

	ch, err := d.store.GetChannel(ctx, task.ChannelID)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			return true, d.finalizeFailure(ctx, task,
				model.Permanent(model.ReasonValidation, fmt.Errorf("channel %s: %w", task.ChannelID, err)))
		}
		return true, d.finalizeFailure(ctx, task, err)
	}
	proj, err := d.ws.Project(task.ChannelID, task.ID)
	if err != nil {
		return true, d.finalizeFailure(ctx, task, model.Permanent(model.ReasonValidation, err))
	}

	sc := &stage.Context{Task: task, Channel: ch, Project: proj}
	current := task
	for {
		execErr := d.stages.Execute(ctx, current.Stage, sc)
		if execErr != nil {
			if errors.Is(execErr, context.Canceled) && ctx.Err() != nil {
				d.logger.Info().
					Str(log.FieldTaskID, current.ID).
					Str(log.FieldStage, string(current.Stage)).
					Msg("shutdown during stage, claim left for the reaper")
				return true, nil
			}
			return true, d.finalizeFailure(ctx, current, execErr)
		}
		if current.Stage != model.StageSFX {
			break
		}
		// SFX feeds assembly without a review gate: keep the claim and move
		// across once an assembly slot frees up.
		next, asmRelease, perr := d.parkToAssembly(ctx, current)
		if perr != nil {
			return true, d.finalizeFailure(ctx, current, perr)
		}
		if next == nil {
			d.logger.Info().
				Str(log.FieldTaskID, current.ID).
				Msg("shutdown while waiting for assembly slot, claim left for the reaper")
			return true, nil
		}
		defer asmRelease()
		current = next
		sc.Task = current
	}
	return true, d.finalizeSuccess(ctx, current, ch, sc)
}

// parkToAssembly takes GENERATING_SFX -> ASSEMBLING under the current claim.
// (nil, nil, nil) means the context was cancelled while waiting for a slot.
func (d *Driver) parkToAssembly(ctx context.Context, t *model.Task) (*model.Task, func(), error) {
	rel, err := d.awaitGate(ctx, t.ChannelID, model.ServiceAssembly)
	if err != nil {
		if ctx.Err() != nil {
			return nil, nil, nil
		}
		if errors.Is(err, model.ErrGateBusy) {
			return nil, nil, model.Transient(model.ReasonUpstreamBusy,
				fmt.Errorf("assembly slot busy for %s", d.asmWait))
		}
		return nil, nil, err
	}

	updated, uerr := d.store.UpdateTask(ctx, t.ID, func(x *model.Task) error {
		if cerr := d.requireClaim(x); cerr != nil {
			return cerr
		}
		if aerr := x.Advance(model.StatusAssembling); aerr != nil {
			return aerr
		}
		x.Stage = model.StageAssemble
		return nil
	})
	if uerr != nil {
		rel()
		return nil, nil, uerr
	}
	d.recordTransition(ctx, updated, model.StatusGeneratingSFX, events.TaskTransition)
	return updated, rel, nil
}

// awaitGate polls the gate for up to asmWait. The last ErrGateBusy is
// returned when the wait expires.
func (d *Driver) awaitGate(ctx context.Context, channelID string, svc model.Service) (func(), error) {
	if d.gate == nil {
		return func() {}, nil
	}
	deadline := d.now().Add(d.asmWait)
	for {
		rel, err := d.gate.Acquire(ctx, channelID, svc)
		if err == nil {
			return rel, nil
		}
		if !errors.Is(err, model.ErrGateBusy) || d.now().After(deadline) {
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(d.asmPoll):
		}
	}
}

// requireClaim verifies inside the finalize transaction that the row is
// still ours. Once the reaper or an operator has taken it, the cycle's
// result is discarded with ErrConflict.
func (d *Driver) requireClaim(x *model.Task) error {
	if x.ClaimedBy != d.workerID || !x.Status.IsWorkerOwned() {
		return model.ErrConflict
	}
	return nil
}

func (d *Driver) finalizeSuccess(ctx context.Context, t *model.Task, ch *model.Channel, sc *stage.Context) error {
	switch t.Stage {
	case model.StageAssets, model.StageVideo, model.StageAudio:
		return d.parkAtGate(ctx, t, ch)
	case model.StageAssemble:
		return d.finalizeAssembled(ctx, t, ch)
	case model.StageUpload:
		return d.finalizePublished(ctx, t, sc.PublishURL)
	}
	return fmt.Errorf("task %s: stage %s has no success edge", t.ID, t.Stage)
}

// parkAtGate lands assets, video or audio at its review status. Channels
// with the gate in auto_approve advance to the approved status in the same
// transaction and a wake goes out so the next stage starts immediately.
func (d *Driver) parkAtGate(ctx context.Context, t *model.Task, ch *model.Channel) error {
	gateStatus := t.Stage.GateStatus()
	gate := model.GateForStatus(gateStatus)
	auto := ch.AutoApproves(gate)

	from := t.Status
	updated, err := d.store.UpdateTask(ctx, t.ID, func(x *model.Task) error {
		if cerr := d.requireClaim(x); cerr != nil {
			return cerr
		}
		if aerr := x.Advance(gateStatus); aerr != nil {
			return aerr
		}
		x.Stage = t.Stage.Next()
		x.LastError = ""
		clearClaim(x)
		if auto {
			return x.Advance(model.ApprovedStatus(gateStatus))
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("park %s at %s: %w", t.ID, gateStatus, err)
	}

	metrics.IncTaskParked(string(t.Stage))
	d.recordTransition(ctx, updated, from, events.TaskTransition)
	if auto {
		metrics.IncReviewDecision(string(gate), "auto")
		d.recorder.Record(ctx, events.Event{
			Type:      events.ReviewAutoApproved,
			TaskID:    updated.ID,
			ChannelID: updated.ChannelID,
			Stage:     string(t.Stage),
			OldStatus: string(gateStatus),
			NewStatus: string(updated.Status),
		})
		d.publishWake(ctx, updated.ChannelID)
	}
	d.enqueueSync(ctx, updated, nil)
	return nil
}

// finalizeAssembled records assembly success: ASSEMBLED, then the final
// review park, each its own short transaction.
func (d *Driver) finalizeAssembled(ctx context.Context, t *model.Task, ch *model.Channel) error {
	assembled, err := d.store.UpdateTask(ctx, t.ID, func(x *model.Task) error {
		if cerr := d.requireClaim(x); cerr != nil {
			return cerr
		}
		return x.Advance(model.StatusAssembled)
	})
	if err != nil {
		return fmt.Errorf("finalize assembly %s: %w", t.ID, err)
	}
	d.recordTransition(ctx, assembled, model.StatusAssembling, events.TaskTransition)

	auto := ch.AutoApproves(model.GateFinal)
	reviewed, err := d.store.UpdateTask(ctx, t.ID, func(x *model.Task) error {
		if cerr := d.requireClaim(x); cerr != nil {
			return cerr
		}
		if aerr := x.Advance(model.StatusFinalReview); aerr != nil {
			return aerr
		}
		x.Stage = model.StageUpload
		x.LastError = ""
		clearClaim(x)
		if auto {
			approvedAt := d.now().UTC()
			x.ReviewApprovedAt = &approvedAt
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("park %s at final review: %w", t.ID, err)
	}

	metrics.IncTaskParked(string(model.StageAssemble))
	d.recordTransition(ctx, reviewed, model.StatusAssembled, events.TaskTransition)
	if auto {
		metrics.IncReviewDecision(string(model.GateFinal), "auto")
		d.recorder.Record(ctx, events.Event{
			Type:      events.ReviewAutoApproved,
			TaskID:    reviewed.ID,
			ChannelID: reviewed.ChannelID,
			Stage:     string(model.StageAssemble),
			NewStatus: string(reviewed.Status),
		})
		d.publishWake(ctx, reviewed.ChannelID)
	}
	d.enqueueSync(ctx, reviewed, nil)
	return nil
}

func (d *Driver) finalizePublished(ctx context.Context, t *model.Task, publishURL string) error {
	if publishURL == "" {
		return d.finalizeFailure(ctx, t, model.Permanent(model.ReasonValidation,
			fmt.Errorf("task %s: upload finished without a publish url", t.ID)))
	}
	from := t.Status
	updated, err := d.store.UpdateTask(ctx, t.ID, func(x *model.Task) error {
		if cerr := d.requireClaim(x); cerr != nil {
			return cerr
		}
		if aerr := x.Advance(model.StatusPublished); aerr != nil {
			return aerr
		}
		x.PublishURL = publishURL
		x.LastError = ""
		clearClaim(x)
		return nil
	})
	if err != nil {
		return fmt.Errorf("finalize publish %s: %w", t.ID, err)
	}

	metrics.IncTaskPublished(updated.ChannelKey)
	d.recorder.Record(ctx, events.Event{
		Type:      events.TaskPublished,
		TaskID:    updated.ID,
		ChannelID: updated.ChannelID,
		Stage:     string(model.StageUpload),
		OldStatus: string(from),
		NewStatus: string(updated.Status),
		Detail:    map[string]string{"publish_url": publishURL},
	})
	d.enqueueSync(ctx, updated, map[string]any{"video_link": publishURL})

	if perr := d.ws.Purge(updated.ChannelID, updated.ID); perr != nil {
		d.logger.Warn().Err(perr).Str(log.FieldTaskID, updated.ID).Msg("workspace purge failed")
	}
	return nil
}

// finalizeFailure lands the task in its stage error status. Transient
// failures schedule a retry until the attempt budget is gone; permanent and
// exhausted failures are terminal and alert.
func (d *Driver) finalizeFailure(ctx context.Context, t *model.Task, cause error) error {
	fail := model.AsStageFailure(cause)
	errStatus := t.Stage.ErrorStatus()
	attempt := t.RetryCount + 1
	terminal := fail.Class == model.FailurePermanent || d.backoff.Exhausted(attempt)

	var nextRetry time.Time
	from := t.Status
	updated, err := d.store.UpdateTask(ctx, t.ID, func(x *model.Task) error {
		if cerr := d.requireClaim(x); cerr != nil {
			return cerr
		}
		if aerr := x.Advance(errStatus); aerr != nil {
			return aerr
		}
		x.LastError = truncateError(fail.Error())
		clearClaim(x)
		if terminal {
			x.NextRetryAt = nil
			// An exhausted budget counts its final attempt, so a terminal
			// row reads retry_count=4. Permanent failures keep their count.
			if d.backoff.Exhausted(attempt) {
				x.RetryCount = attempt
			}
			return nil
		}
		nextRetry = d.now().Add(d.backoff.Delay(attempt, fail.Reason)).UTC()
		x.NextRetryAt = &nextRetry
		x.RetryCount = attempt
		return nil
	})
	if err != nil {
		return fmt.Errorf("finalize failure %s: %w", t.ID, err)
	}

	if terminal {
		d.recorder.Record(ctx, events.Event{
			Type:      events.TaskExhausted,
			TaskID:    updated.ID,
			ChannelID: updated.ChannelID,
			Stage:     string(t.Stage),
			OldStatus: string(from),
			NewStatus: string(updated.Status),
			Attempt:   attempt,
			Reason:    string(fail.Reason),
			Err:       fail,
		})
		if d.alerts != nil {
			d.alerts.TaskFailed(ctx, updated, fail.Reason, updated.LastError)
		}
	} else {
		metrics.IncRetryScheduled(string(t.Stage))
		d.recorder.Record(ctx, events.Event{
			Type:      events.TaskRetry,
			TaskID:    updated.ID,
			ChannelID: updated.ChannelID,
			Stage:     string(t.Stage),
			OldStatus: string(from),
			NewStatus: string(updated.Status),
			Attempt:   attempt,
			Reason:    string(fail.Reason),
			Detail:    map[string]string{"next_retry_at": nextRetry.Format(time.RFC3339)},
		})
	}
	d.enqueueSync(ctx, updated, map[string]any{"error": string(fail.Reason)})
	return nil
}

func (d *Driver) recordTransition(ctx context.Context, t *model.Task, from model.Status, typ events.Type) {
	d.recorder.Record(ctx, events.Event{
		Type:      typ,
		TaskID:    t.ID,
		ChannelID: t.ChannelID,
		Stage:     string(t.Stage),
		OldStatus: string(from),
		NewStatus: string(t.Status),
	})
}

// enqueueSync queues the planning-store mutation for this finalize. The
// local row stays authoritative; a failed enqueue only logs.
func (d *Driver) enqueueSync(ctx context.Context, t *model.Task, fields map[string]any) {
	if t.PlanningPageID == "" {
		return
	}
	if err := plansync.Enqueue(ctx, d.store, t.PlanningPageID, t.Status, fields); err != nil {
		d.logger.Warn().Err(err).
			Str(log.FieldTaskID, t.ID).
			Str(log.FieldPlanningPageID, t.PlanningPageID).
			Msg("sync enqueue failed")
	}
}

func (d *Driver) publishWake(ctx context.Context, channelID string) {
	if d.bus == nil {
		return
	}
	if err := d.bus.Publish(ctx, bus.TopicWake, bus.Wake{ChannelID: channelID}); err != nil {
		d.logger.Warn().Err(err).Msg("wake publish failed")
	}
}

// IsFatal reports whether err carries a refused status transition. With
// ownership checked in every finalize, such a refusal means the driver
// itself computed an illegal edge; the pool stops on it.
func IsFatal(err error) bool {
	var ite *model.InvalidTransitionError
	return errors.As(err, &ite)
}

func clearClaim(t *model.Task) {
	t.ClaimedAt = nil
	t.ClaimedBy = ""
}

func truncateError(s string) string {
	if len(s) > maxLastError {
		return s[:maxLastError]
	}
	return s
}
