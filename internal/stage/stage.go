// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

// Package stage implements the six pipeline steps a claimed task runs
// through: assets, video, audio, sfx, assemble and upload. Stages receive a
// confined workspace project plus the task row and report a typed result:
// nil on success, *model.StageFailure on classified failure. The driver owns
// every status write; stages only produce artifacts.
package stage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ManuGH/storymill/internal/log"
	"github.com/ManuGH/storymill/internal/metrics"
	"github.com/ManuGH/storymill/internal/pipeline/model"
	"github.com/ManuGH/storymill/internal/stepexec"
	"github.com/ManuGH/storymill/internal/telemetry"
	"github.com/ManuGH/storymill/internal/workspace"
)

// DefaultTimeouts caps each stage's execution. Video dominates because the
// upstream animates scene by scene; upload carries the full final video.
var DefaultTimeouts = map[model.Stage]time.Duration{
	model.StageAssets:   60 * time.Second,
	model.StageVideo:    600 * time.Second,
	model.StageAudio:    120 * time.Second,
	model.StageSFX:      120 * time.Second,
	model.StageAssemble: 300 * time.Second,
	model.StageUpload:   900 * time.Second,
}

// Context carries everything one stage run touches. The driver builds one
// per claim and reads the output fields back after a successful run.
type Context struct {
	Task    *model.Task
	Channel *model.Channel
	Project *workspace.Project

	// PublishURL is set by the upload stage.
	PublishURL string
}

// Stage is one pipeline step. Run returns nil on success or an error that
// classifies through model.AsStageFailure; context errors pass through
// untouched so shutdown never counts as an attempt.
type Stage interface {
	Name() model.Stage
	Run(ctx context.Context, sc *Context) error
}

// CommandOverride binds a stage to an external executable instead of its
// built-in client. The command receives the project directory as its final
// argument and the task identity via STORYMILL_* environment variables; an
// upload command prints the publish URL to stdout.
type CommandOverride struct {
	Path string
	Args []string
}

// OverrideFunc resolves a per-channel stage command binding. ok=false falls
// through to the built-in stage.
type OverrideFunc func(channelKey string, st model.Stage) (CommandOverride, bool)

// Deps wires the registry. Nil stages are allowed for steps a deployment
// only ever runs through a command override.
type Deps struct {
	Assets   *AssetsStage
	Video    *VideoStage
	Audio    *AudioStage
	SFX      *SFXStage
	Assemble *AssembleStage
	Upload   *UploadStage
	Timeouts map[model.Stage]time.Duration
	Override OverrideFunc
	Grace    time.Duration // subprocess SIGTERM grace for command-bound stages
}

// Registry dispatches stage execution, applies per-stage timeouts and
// records run metrics. It is safe for concurrent use by the worker pool.
type Registry struct {
	stages   map[model.Stage]Stage
	timeouts map[model.Stage]time.Duration
	override OverrideFunc
	grace    time.Duration
	logger   zerolog.Logger
}

// NewRegistry builds the dispatch table from deps. Timeouts fall back to
// DefaultTimeouts per stage.
func NewRegistry(deps Deps) *Registry {
	r := &Registry{
		stages:   make(map[model.Stage]Stage, len(model.Stages)),
		timeouts: make(map[model.Stage]time.Duration, len(model.Stages)),
		override: deps.Override,
		grace:    deps.Grace,
		logger:   log.WithComponent("stage"),
	}
	if r.grace <= 0 {
		r.grace = stepexec.DefaultGrace
	}
	for st, d := range DefaultTimeouts {
		r.timeouts[st] = d
	}
	for st, d := range deps.Timeouts {
		if d > 0 {
			r.timeouts[st] = d
		}
	}
	if deps.Assets != nil {
		r.stages[model.StageAssets] = deps.Assets
	}
	if deps.Video != nil {
		r.stages[model.StageVideo] = deps.Video
	}
	if deps.Audio != nil {
		r.stages[model.StageAudio] = deps.Audio
	}
	if deps.SFX != nil {
		r.stages[model.StageSFX] = deps.SFX
	}
	if deps.Assemble != nil {
		r.stages[model.StageAssemble] = deps.Assemble
	}
	if deps.Upload != nil {
		r.stages[model.StageUpload] = deps.Upload
	}
	return r
}

// Bind installs or replaces the implementation for one stage.
func (r *Registry) Bind(st model.Stage, s Stage) {
	r.stages[st] = s
}

// Timeout returns the execution cap for st.
func (r *Registry) Timeout(st model.Stage) time.Duration {
	if d, ok := r.timeouts[st]; ok {
		return d
	}
	return DefaultTimeouts[st]
}

// Execute runs one stage under its timeout, preferring a channel command
// override when configured. Metrics and a span record the outcome; context
// errors from the parent pass through unclassified.
func (r *Registry) Execute(ctx context.Context, st model.Stage, sc *Context) error {
	channelKey := ""
	if sc.Channel != nil {
		channelKey = sc.Channel.Key
	}
	tracer := telemetry.Tracer("storymill.stage")
	ctx, span := tracer.Start(ctx, "storymill.stage."+string(st),
		trace.WithSpanKind(trace.SpanKindInternal))
	span.SetAttributes(telemetry.TaskAttributes(sc.Task.ID, channelKey, string(st), sc.Task.RetryCount)...)
	defer span.End()

	start := time.Now()
	err := r.run(ctx, st, sc)
	metrics.ObserveStageDuration(string(st), time.Since(start).Seconds())
	metrics.IncStageRun(string(st), outcomeLabel(err))
	if err != nil {
		span.SetAttributes(telemetry.ErrorAttributes(string(model.AsStageFailure(err).Reason))...)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func (r *Registry) run(ctx context.Context, st model.Stage, sc *Context) error {
	if r.override != nil && sc.Channel != nil {
		if cmd, ok := r.override(sc.Channel.Key, st); ok {
			trace.SpanFromContext(ctx).SetAttributes(attribute.Bool(telemetry.StageOverrideKey, true))
			return r.runCommand(ctx, st, cmd, sc)
		}
	}
	s, ok := r.stages[st]
	if !ok {
		return model.Permanent(model.ReasonValidation, fmt.Errorf("stage %s: no implementation bound", st))
	}
	runCtx, cancel := context.WithTimeout(ctx, r.Timeout(st))
	defer cancel()
	return s.Run(runCtx, sc)
}

// runCommand executes a channel-bound stage binary. The subprocess contract:
// args, then the absolute project directory; task identity in the
// environment; exit 0 means the stage's artifacts are in place. For the
// upload stage the last stdout line is taken as the publish URL.
func (r *Registry) runCommand(ctx context.Context, st model.Stage, cmd CommandOverride, sc *Context) error {
	res, err := stepexec.Run(ctx, stepexec.Spec{
		Path: cmd.Path,
		Args: append(append([]string{}, cmd.Args...), sc.Project.Dir()),
		Dir:  sc.Project.Dir(),
		Env: []string{
			"STORYMILL_TASK_ID=" + sc.Task.ID,
			"STORYMILL_CHANNEL_ID=" + sc.Task.ChannelID,
			"STORYMILL_CHANNEL_KEY=" + sc.Channel.Key,
			"STORYMILL_STAGE=" + string(st),
		},
		Timeout: r.Timeout(st),
		Grace:   r.grace,
	})
	if err != nil {
		return err
	}
	if fail := res.Failure(); fail != nil {
		return fail
	}
	if st == model.StageUpload {
		url := lastLine(res.Stdout)
		if url == "" {
			return model.Permanent(model.ReasonStepFailed,
				fmt.Errorf("upload command %s: no publish url on stdout", cmd.Path))
		}
		sc.PublishURL = url
	}
	r.logger.Debug().
		Str(log.FieldTaskID, sc.Task.ID).
		Str(log.FieldStage, string(st)).
		Str(log.FieldPath, cmd.Path).
		Dur(log.FieldDurationMS, res.Duration).
		Msg("stage command finished")
	return nil
}

func lastLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	if len(lines) == 0 {
		return ""
	}
	return strings.TrimSpace(lines[len(lines)-1])
}

func outcomeLabel(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, context.Canceled):
		return "canceled"
	default:
		if model.AsStageFailure(err).Class == model.FailurePermanent {
			return "permanent"
		}
		return "transient"
	}
}
