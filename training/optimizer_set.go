package training

import (
	"fmt"
)

// Optimizer kinds accepted by OptimizerConfig.
const (
	OptimizerAdam    = "adam"
	OptimizerSGD     = "sgd"
	OptimizerRMSProp = "rmsprop"
)

// OptimizerConfig configures one sub-model's optimizer and schedule.
type OptimizerConfig struct {
	Kind        string         `yaml:"kind"`
	Schedule    ScheduleConfig `yaml:"schedule"`
	WeightDecay float64        `yaml:"weight_decay"`
	Beta1       float64        `yaml:"beta1"`
	Beta2       float64        `yaml:"beta2"`
	Eps         float64        `yaml:"eps"`
	Momentum    float64        `yaml:"momentum"`
	// Alpha is RMSProp's smoothing constant; 0 means 0.99.
	Alpha    float64 `yaml:"alpha"`
	Centered bool    `yaml:"centered"`
	// Beta1AfterT0 replaces Adam's beta1 once the schedule reaches T0.
	// Zero disables the switch.
	Beta1AfterT0 float64 `yaml:"beta1_after_t0"`
}

// DefaultOptimizerConfig is Adam warming up from 3e-4 to 3e-3 by iteration
// 15000 and decaying to 3e-6 by 25000, with beta1 dropping to 0.5 at T0.
func DefaultOptimizerConfig() OptimizerConfig {
	return OptimizerConfig{
		Kind: OptimizerAdam,
		Schedule: ScheduleConfig{
			Kind:    ScheduleWarmupDecay,
			BaseLR:  3e-4,
			PeakLR:  3e-3,
			FloorLR: 3e-6,
			T0:      15000,
			T1:      25000,
		},
		Beta1:        0.9,
		Beta2:        0.999,
		Eps:          1e-8,
		Beta1AfterT0: 0.5,
	}
}

func (c OptimizerConfig) Validate() error {
	switch c.Kind {
	case OptimizerAdam:
		if c.Beta1 < 0 || c.Beta1 >= 1 || c.Beta2 < 0 || c.Beta2 >= 1 {
			return fmt.Errorf("%w: adam betas must be in [0,1)", ErrInvalidConfig)
		}
		if c.Beta1AfterT0 < 0 || c.Beta1AfterT0 >= 1 {
			return fmt.Errorf("%w: beta1_after_t0 must be in [0,1)", ErrInvalidConfig)
		}
	case OptimizerSGD:
		if c.Momentum < 0 {
			return fmt.Errorf("%w: momentum must be non-negative", ErrInvalidConfig)
		}
	case OptimizerRMSProp:
		if c.Momentum < 0 {
			return fmt.Errorf("%w: momentum must be non-negative", ErrInvalidConfig)
		}
		if c.Alpha < 0 || c.Alpha >= 1 {
			return fmt.Errorf("%w: rmsprop alpha must be in [0,1)", ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: unknown optimizer kind %q", ErrInvalidConfig, c.Kind)
	}
	if c.WeightDecay < 0 {
		return fmt.Errorf("%w: weight_decay must be non-negative", ErrInvalidConfig)
	}
	if _, err := NewScheduler(c.Schedule); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return nil
}

// ScheduledOptimizer pairs one optimizer with its own schedule and step
// count.
type ScheduledOptimizer struct {
	sub          SubModel
	opt          Optimizer
	sched        LRScheduler
	step         int
	t0           int
	beta1AfterT0 float64
	logger       *Logger
}

// NewScheduledOptimizer builds the optimizer for sub over module's own
// parameters.
func NewScheduledOptimizer(sub SubModel, module Module, cfg OptimizerConfig, logger *Logger) (*ScheduledOptimizer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", sub, err)
	}
	sched, err := NewScheduler(cfg.Schedule)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", sub, err)
	}

	params := module.Parameters()
	lr := sched.GetLR(0)
	eps := cfg.Eps
	if eps == 0 {
		eps = 1e-8
	}
	var opt Optimizer
	switch cfg.Kind {
	case OptimizerSGD:
		opt = NewSGD(params, lr, cfg.Momentum, cfg.WeightDecay, false)
	case OptimizerRMSProp:
		alpha := cfg.Alpha
		if alpha == 0 {
			alpha = 0.99
		}
		opt = NewRMSProp(params, lr, alpha, eps, cfg.WeightDecay, cfg.Momentum, cfg.Centered)
	default:
		opt = NewAdam(params, lr, cfg.Beta1, cfg.Beta2, eps, cfg.WeightDecay)
	}

	return &ScheduledOptimizer{
		sub:          sub,
		opt:          opt,
		sched:        sched,
		t0:           cfg.Schedule.T0,
		beta1AfterT0: cfg.Beta1AfterT0,
		logger:       loggerOrNoop(logger).WithSubModel(sub),
	}, nil
}

// Step applies the scheduled learning rate for the current step count and
// updates the parameters.
func (s *ScheduledOptimizer) Step() error {
	s.opt.SetLR(s.sched.GetLR(s.step))
	if adam, ok := s.opt.(*Adam); ok && s.beta1AfterT0 > 0 && s.step == s.t0 {
		adam.SetBeta1(s.beta1AfterT0)
		s.logger.Info("adam beta1 switched", "iteration", s.step, "beta1", s.beta1AfterT0)
	}
	if err := s.opt.Step(); err != nil {
		return fmt.Errorf("%s optimizer step %d: %w", s.sub, s.step, err)
	}
	s.step++
	return nil
}

// ZeroGrad clears the gradients of the bound parameters.
func (s *ScheduledOptimizer) ZeroGrad() {
	s.opt.ZeroGrad()
}

// LR returns the learning rate applied by the last step.
func (s *ScheduledOptimizer) LR() float64 {
	return s.opt.GetLR()
}

// Steps returns how many steps have been taken.
func (s *ScheduledOptimizer) Steps() int {
	return s.step
}

func (s *ScheduledOptimizer) Optimizer() Optimizer {
	return s.opt
}

func (s *ScheduledOptimizer) Scheduler() LRScheduler {
	return s.sched
}

// OptimizerSet holds exactly one ScheduledOptimizer per sub-model, each
// bound to that sub-model's own parameters.
type OptimizerSet struct {
	opts map[SubModel]*ScheduledOptimizer
}

// NewOptimizerSet builds one optimizer per sub-model. Sub-models missing
// from cfgs get DefaultOptimizerConfig.
func NewOptimizerSet(model *Model, cfgs map[SubModel]OptimizerConfig, logger *Logger) (*OptimizerSet, error) {
	set := &OptimizerSet{opts: make(map[SubModel]*ScheduledOptimizer, len(AllSubModels))}
	for _, sub := range AllSubModels {
		cfg, ok := cfgs[sub]
		if !ok {
			cfg = DefaultOptimizerConfig()
		}
		module := model.SubModule(sub)
		if module == nil {
			return nil, fmt.Errorf("%w: model has no %s", ErrInvalidConfig, sub)
		}
		opt, err := NewScheduledOptimizer(sub, module, cfg, logger)
		if err != nil {
			return nil, err
		}
		set.opts[sub] = opt
	}
	return set, nil
}

// Get returns the optimizer of sub.
func (s *OptimizerSet) Get(sub SubModel) *ScheduledOptimizer {
	return s.opts[sub]
}

// ZeroGrad clears the gradients of all five sub-models.
func (s *OptimizerSet) ZeroGrad() {
	for _, sub := range AllSubModels {
		s.opts[sub].ZeroGrad()
	}
}

// Step steps every optimizer. They own disjoint parameters, so the order
// does not affect the result.
func (s *OptimizerSet) Step() error {
	for _, sub := range AllSubModels {
		if err := s.opts[sub].Step(); err != nil {
			return err
		}
	}
	return nil
}

// LearningRates returns the learning rate each optimizer last applied.
func (s *OptimizerSet) LearningRates() map[SubModel]float64 {
	out := make(map[SubModel]float64, len(s.opts))
	for sub, opt := range s.opts {
		out[sub] = opt.LR()
	}
	return out
}
