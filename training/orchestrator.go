package training

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/tsawler/go-reid/layers"
	"github.com/tsawler/go-reid/tensor"
)

// State is a stage of the training loop.
type State int

const (
	Fetching State = iota
	Forward
	LossCompute
	Backward
	OptimizerStep
	Logging
	Checkpointing
	Terminated
)

func (s State) String() string {
	switch s {
	case Fetching:
		return "Fetching"
	case Forward:
		return "Forward"
	case LossCompute:
		return "LossCompute"
	case Backward:
		return "Backward"
	case OptimizerStep:
		return "OptimizerStep"
	case Logging:
		return "Logging"
	case Checkpointing:
		return "Checkpointing"
	case Terminated:
		return "Terminated"
	default:
		return fmt.Sprintf("Unknown(%d)", int(s))
	}
}

// TrainingConfig holds configuration for training
type TrainingConfig struct {
	Iterations    int          // iteration budget
	LogInterval   int          // log the moving average every N iterations
	AverageWindow int          // iterations in the moving average
	Margin        *float64     // nil selects the soft-margin triplet loss
	Weights       LossWeights  // w1, w2, w3
	IDTargets     IDTargetMode // classification labels
	Replicas      int          // data-parallel shards per batch
}

func (c TrainingConfig) Validate() error {
	if c.Iterations <= 0 {
		return fmt.Errorf("%w: iterations must be positive, got %d", ErrInvalidConfig, c.Iterations)
	}
	if c.LogInterval <= 0 {
		return fmt.Errorf("%w: log_interval must be positive, got %d", ErrInvalidConfig, c.LogInterval)
	}
	if c.AverageWindow <= 0 {
		return fmt.Errorf("%w: average window must be positive, got %d", ErrInvalidConfig, c.AverageWindow)
	}
	if c.Margin != nil && (*c.Margin < 0 || math.IsNaN(*c.Margin)) {
		return fmt.Errorf("%w: margin must be non-negative", ErrInvalidConfig)
	}
	if c.Replicas < 1 {
		return fmt.Errorf("%w: replicas must be at least 1", ErrInvalidConfig)
	}
	if err := c.IDTargets.Validate(); err != nil {
		return err
	}
	return c.Weights.Validate()
}

// MemoryBudget reserves memory for one iteration's tensors. TryAcquireMemory
// must not block. The budget belongs to the trainer alone; a refusal is
// reported as resource exhaustion.
type MemoryBudget interface {
	TryAcquireMemory(bytes int64) bool
	ReleaseMemory(bytes int64)
}

// CheckpointInfo is the run metadata stored alongside a sub-model.
type CheckpointInfo struct {
	Iteration      int
	LossAverage    float64
	LearningRate   float64
	OptimizerSteps int
	Cancelled      bool
}

// Checkpointer persists the parameters of one sub-model.
type Checkpointer interface {
	Save(ctx context.Context, sub SubModel, params []layers.NamedParameter, info CheckpointInfo) error
}

// StepResult is everything one iteration produced.
type StepResult struct {
	Iteration       int
	Losses          LossValues
	GlobalPositives []int
	GlobalNegatives []int
	LocalPositives  []int
	LocalNegatives  []int
	GlobalStats     TripletStats
	LocalStats      TripletStats
}

// RunSummary describes a finished run.
type RunSummary struct {
	Iterations  int
	Cancelled   bool
	LossAverage float64
	Elapsed     time.Duration
}

// TrainerOption customizes a Trainer.
type TrainerOption func(*Trainer)

// WithMemoryBudget makes every iteration reserve its estimated footprint
// from budget; a refusal aborts the run with a ResourceExhaustedError.
func WithMemoryBudget(budget MemoryBudget) TrainerOption {
	return func(t *Trainer) { t.budget = budget }
}

// WithProgress draws every iteration on bar.
func WithProgress(bar *ProgressBar) TrainerOption {
	return func(t *Trainer) { t.progress = bar }
}

// WithVisualization records every iteration into vc.
func WithVisualization(vc *VisualizationCollector) TrainerOption {
	return func(t *Trainer) { t.history = vc }
}

// WithStateObserver calls fn on every state transition.
func WithStateObserver(fn func(state State, iteration int)) TrainerOption {
	return func(t *Trainer) { t.observer = fn }
}

// Trainer drives the dual-branch training loop: fetch, forward both
// branches, fuse, compute the six loss terms, one backward pass, step the
// five optimizers, log and finally checkpoint.
type Trainer struct {
	config   TrainingConfig
	model    *Model
	optims   *OptimizerSet
	source   BatchSource
	ckpt     Checkpointer
	logger   *Logger
	budget   MemoryBudget
	observer func(State, int)
	progress *ProgressBar
	history  *VisualizationCollector

	parallel *DataParallel
	triplet  *TripletLoss
	ce       *CrossEntropyLoss
	meter    *LossMeter

	state     State
	iteration int // completed iterations
	current   int // 1-based iteration the current stage belongs to
	start     time.Time
}

// NewTrainer creates a new Trainer
func NewTrainer(config TrainingConfig, model *Model, optims *OptimizerSet, source BatchSource,
	ckpt Checkpointer, logger *Logger, opts ...TrainerOption) (*Trainer, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if model == nil || optims == nil || source == nil || ckpt == nil {
		return nil, fmt.Errorf("%w: model, optimizers, batch source and checkpointer are required", ErrInvalidConfig)
	}
	parallel, err := NewDataParallel(config.Replicas)
	if err != nil {
		return nil, err
	}

	t := &Trainer{
		config:   config,
		model:    model,
		optims:   optims,
		source:   source,
		ckpt:     ckpt,
		logger:   loggerOrNoop(logger).WithComponent("trainer"),
		parallel: parallel,
		triplet:  NewTripletLoss(config.Margin),
		ce:       NewCrossEntropyLoss(),
		meter:    NewLossMeter(config.AverageWindow),
		state:    Fetching,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t, nil
}

// State returns the current stage.
func (t *Trainer) State() State {
	return t.state
}

// Iteration returns the number of completed iterations.
func (t *Trainer) Iteration() int {
	return t.iteration
}

// Meter exposes the running loss averages.
func (t *Trainer) Meter() *LossMeter {
	return t.meter
}

func (t *Trainer) setState(s State) {
	t.state = s
	t.logger.Debug("state transition", "stage", s.String(), "iteration", t.current)
	if t.observer != nil {
		t.observer(s, t.current)
	}
}

func (t *Trainer) stageError(err error) error {
	return &StageError{Stage: t.state, Iteration: t.current, Err: err}
}

// Run trains until the iteration budget is spent or ctx is cancelled, then
// checkpoints every sub-model. Cancellation is only observed between
// iterations and always leads to a checkpoint.
func (t *Trainer) Run(ctx context.Context) (*RunSummary, error) {
	t.start = time.Now()
	t.logger.Info("training started",
		"iterations", t.config.Iterations,
		"replicas", t.config.Replicas,
		"soft_margin", t.triplet.SoftMargin(),
		"id_targets", string(t.config.IDTargets))

	cancelled := false
	for t.iteration < t.config.Iterations {
		if ctx.Err() != nil {
			cancelled = true
			break
		}

		t.current = t.iteration + 1
		t.setState(Fetching)
		batch, err := t.source.Next(ctx)
		if err != nil {
			// A source that stops because of the same cancellation may
			// report its own error instead of ctx.Err().
			if ctx.Err() != nil {
				cancelled = true
				break
			}
			return t.finish(false), t.terminate(t.stageError(err))
		}
		if batch.Wrapped {
			t.logger.Debug("batch stream restarted", "iteration", t.current)
		}

		result, err := t.Step(ctx, batch)
		if err != nil {
			return t.finish(false), t.terminate(err)
		}

		t.setState(Logging)
		t.meter.Add(result.Losses)
		t.record(result)
		if t.iteration%t.config.LogInterval == 0 {
			t.logProgress(result)
		}
	}

	if cancelled {
		t.logger.Info("cancellation observed, checkpointing", "iteration", t.iteration)
	}

	if t.progress != nil {
		t.progress.Finish()
	}

	t.current = t.iteration
	t.setState(Checkpointing)
	if err := t.checkpoint(context.WithoutCancel(ctx), cancelled); err != nil {
		return t.finish(cancelled), t.terminate(t.stageError(err))
	}
	t.setState(Terminated)

	summary := t.finish(cancelled)
	t.logger.Info("training finished",
		"iterations", summary.Iterations,
		"loss_avg", summary.LossAverage,
		"elapsed_seconds", summary.Elapsed.Seconds(),
		"cancelled", summary.Cancelled)
	return summary, nil
}

func (t *Trainer) terminate(err error) error {
	t.logger.Error("training aborted", "error", err)
	t.state = Terminated
	if t.observer != nil {
		t.observer(Terminated, t.current)
	}
	return err
}

func (t *Trainer) finish(cancelled bool) *RunSummary {
	return &RunSummary{
		Iterations:  t.iteration,
		Cancelled:   cancelled,
		LossAverage: t.meter.Total.Value(),
		Elapsed:     time.Since(t.start),
	}
}

func (t *Trainer) record(result *StepResult) {
	avg := t.meter.Total.Value()
	if t.progress != nil {
		t.progress.Update(t.iteration, map[string]float64{
			"loss":    avg,
			"triplet": result.Losses.TripletGlobal + result.Losses.TripletLocal,
		})
	}
	if t.history != nil {
		t.history.RecordStep(result, avg, t.optims.LearningRates())
	}
}

func (t *Trainer) logProgress(result *StepResult) {
	t.logger.Info("training progress",
		"iteration", t.iteration,
		"loss_avg", t.meter.Total.Value(),
		"elapsed_seconds", time.Since(t.start).Seconds())

	args := []any{
		"iteration", t.iteration,
		"triplet_global", result.Losses.TripletGlobal,
		"triplet_local", result.Losses.TripletLocal,
		"d_ap_global", result.GlobalStats.MeanPositive,
		"d_an_global", result.GlobalStats.MeanNegative,
		"active_global", result.GlobalStats.ActiveFraction,
	}
	for sub, lr := range t.optims.LearningRates() {
		args = append(args, "lr_"+sub.String(), lr)
	}
	t.logger.Debug("training detail", args...)
}

func (t *Trainer) checkpoint(ctx context.Context, cancelled bool) error {
	for _, sub := range AllSubModels {
		opt := t.optims.Get(sub)
		info := CheckpointInfo{
			Iteration:      t.iteration,
			LossAverage:    t.meter.Total.Value(),
			LearningRate:   opt.LR(),
			OptimizerSteps: opt.Steps(),
			Cancelled:      cancelled,
		}
		params := t.model.SubModule(sub).NamedParameters()
		if err := t.ckpt.Save(ctx, sub, params, info); err != nil {
			return NewCheckpointWriteError(sub, err)
		}
		t.logger.Info("checkpoint written", "submodel", sub.String(), "iteration", t.iteration)
	}
	return nil
}

// Step runs one full iteration on batch. Errors are *StageError values
// naming the failing stage.
func (t *Trainer) Step(ctx context.Context, batch *Batch) (*StepResult, error) {
	t.current = t.iteration + 1
	if t.state != Fetching {
		t.setState(Fetching)
	}
	if err := batch.Validate(); err != nil {
		return nil, t.stageError(err)
	}
	if err := t.parallel.CheckBatchSize(batch.Size()); err != nil {
		return nil, t.stageError(err)
	}

	t.setState(Forward)
	t.model.Train()
	if t.budget != nil {
		need := t.footprint(batch)
		if !t.budget.TryAcquireMemory(need) {
			return nil, t.stageError(&ResourceExhaustedError{
				Iteration: t.current,
				Requested: need,
				Shapes:    [][]int{batch.Images.Shape, batch.Dense.Shape},
				cause:     ErrMemoryBudget,
			})
		}
		defer t.budget.ReleaseMemory(need)
	}

	outs, err := t.parallel.Forward(ctx, []*tensor.Tensor{batch.Images, batch.Dense}, t.forwardShard)
	if err != nil {
		return nil, t.stageError(err)
	}
	mainGlobal, mainLocal, auxGlobal, auxLocal := outs[0], outs[1], outs[2], outs[3]

	fusedGlobal, err := tensor.AddAutograd(mainGlobal, auxGlobal)
	if err != nil {
		return nil, t.stageError(fmt.Errorf("fuse global: %w", err))
	}
	fusedLocal, err := tensor.AddAutograd(mainLocal, auxLocal)
	if err != nil {
		return nil, t.stageError(fmt.Errorf("fuse local: %w", err))
	}

	t.setState(LossCompute)
	result := &StepResult{Iteration: t.current}
	var terms LossTerms

	globalTriplets, err := SelectBatchHard(fusedGlobal, batch.Identities)
	if err != nil {
		return nil, t.stageError(fmt.Errorf("global triplets: %w", err))
	}
	if terms.TripletGlobal, err = t.triplet.Forward(globalTriplets); err != nil {
		return nil, t.stageError(err)
	}
	localTriplets, err := SelectBatchHard(fusedLocal, batch.Identities)
	if err != nil {
		return nil, t.stageError(fmt.Errorf("local triplets: %w", err))
	}
	if terms.TripletLocal, err = t.triplet.Forward(localTriplets); err != nil {
		return nil, t.stageError(err)
	}

	targets := Targets(t.config.IDTargets, batch)
	idTerms := []struct {
		dst **tensor.Tensor
		emb *tensor.Tensor
		tag string
	}{
		{&terms.BranchGlobalID, mainGlobal, "branch global"},
		{&terms.BranchLocalID, mainLocal, "branch local"},
		{&terms.FusedGlobalID, fusedGlobal, "fused global"},
		{&terms.FusedLocalID, fusedLocal, "fused local"},
	}
	for _, term := range idTerms {
		logits, err := t.model.Classifier.Forward(term.emb)
		if err != nil {
			return nil, t.stageError(fmt.Errorf("%s classifier: %w", term.tag, err))
		}
		loss, err := t.ce.Forward(logits, targets)
		if err != nil {
			return nil, t.stageError(fmt.Errorf("%s cross entropy: %w", term.tag, err))
		}
		*term.dst = loss
	}

	total, err := t.config.Weights.Combine(terms)
	if err != nil {
		return nil, t.stageError(err)
	}
	if result.Losses, err = terms.Values(total); err != nil {
		return nil, t.stageError(err)
	}
	result.GlobalPositives = globalTriplets.PositiveIndex
	result.GlobalNegatives = globalTriplets.NegativeIndex
	result.LocalPositives = localTriplets.PositiveIndex
	result.LocalNegatives = localTriplets.NegativeIndex
	result.GlobalStats = t.triplet.Stats(globalTriplets)
	result.LocalStats = t.triplet.Stats(localTriplets)

	t.setState(Backward)
	t.optims.ZeroGrad()
	if err := total.Backward(); err != nil {
		return nil, t.stageError(err)
	}

	t.setState(OptimizerStep)
	if err := t.optims.Step(); err != nil {
		return nil, t.stageError(err)
	}

	t.iteration++
	return result, nil
}

// forwardShard runs both branches and both heads on one shard.
func (t *Trainer) forwardShard(_ context.Context, _ int, inputs []*tensor.Tensor) ([]*tensor.Tensor, error) {
	mainFeat, err := t.model.MainEncoder.Forward(inputs[0])
	if err != nil {
		return nil, fmt.Errorf("main encoder: %w", err)
	}
	auxFeat, err := t.model.AuxEncoder.Forward(inputs[1])
	if err != nil {
		return nil, fmt.Errorf("aux encoder: %w", err)
	}
	mainGlobal, mainLocal, err := t.model.MainHead.Forward(mainFeat)
	if err != nil {
		return nil, fmt.Errorf("main head: %w", err)
	}
	auxGlobal, auxLocal, err := t.model.AuxHead.Forward(auxFeat)
	if err != nil {
		return nil, fmt.Errorf("aux head: %w", err)
	}
	return []*tensor.Tensor{mainGlobal, mainLocal, auxGlobal, auxLocal}, nil
}

// footprint estimates the bytes one iteration holds: the inputs and their
// activations, plus parameters, gradients and two optimizer moments.
func (t *Trainer) footprint(batch *Batch) int64 {
	inputs := batch.Images.SizeBytes() + batch.Dense.SizeBytes()
	params := layers.ParameterCount(t.model.Parameters()) * 8
	return 2*inputs + 4*params
}
