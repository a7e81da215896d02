package training

import (
	"fmt"
	"math"
)

// LRScheduler defines the interface for learning rate scheduling strategies.
// Schedulers are pure functions of the iteration count.
type LRScheduler interface {
	// GetLR returns the learning rate for the given iteration.
	GetLR(iteration int) float64

	// GetName returns the scheduler name for logging
	GetName() string
}

// WarmupDecayScheduler warms up linearly from BaseLR to PeakLR over
// [0, T0), decays exponentially from PeakLR to FloorLR over [T0, T1) and
// holds FloorLR from T1 on.
type WarmupDecayScheduler struct {
	BaseLR  float64
	PeakLR  float64
	FloorLR float64
	T0      int
	T1      int
}

func NewWarmupDecayScheduler(base, peak, floor float64, t0, t1 int) (*WarmupDecayScheduler, error) {
	s := &WarmupDecayScheduler{BaseLR: base, PeakLR: peak, FloorLR: floor, T0: t0, T1: t1}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *WarmupDecayScheduler) Validate() error {
	if s.BaseLR <= 0 || s.FloorLR <= 0 {
		return fmt.Errorf("warmup/decay: base_lr and floor_lr must be positive")
	}
	if s.PeakLR <= s.BaseLR {
		return fmt.Errorf("warmup/decay: peak_lr %g must exceed base_lr %g", s.PeakLR, s.BaseLR)
	}
	if s.FloorLR > s.PeakLR {
		return fmt.Errorf("warmup/decay: floor_lr %g must not exceed peak_lr %g", s.FloorLR, s.PeakLR)
	}
	if s.T0 <= 0 || s.T1 <= s.T0 {
		return fmt.Errorf("warmup/decay: need 0 < t0 < t1, got t0=%d t1=%d", s.T0, s.T1)
	}
	return nil
}

func (s *WarmupDecayScheduler) GetLR(iteration int) float64 {
	switch {
	case iteration <= 0:
		return s.BaseLR
	case iteration < s.T0:
		return s.BaseLR + (s.PeakLR-s.BaseLR)*float64(iteration)/float64(s.T0)
	case iteration < s.T1:
		frac := float64(iteration-s.T0) / float64(s.T1-s.T0)
		return s.PeakLR * math.Pow(s.FloorLR/s.PeakLR, frac)
	default:
		return s.FloorLR
	}
}

func (s *WarmupDecayScheduler) GetName() string {
	return "WarmupDecay"
}

// StepLRScheduler reduces learning rate by a factor every StepSize iterations
type StepLRScheduler struct {
	BaseLR   float64
	StepSize int     // Iterations between LR reductions
	Gamma    float64 // Multiplicative factor of LR decay
}

// NewStepLRScheduler creates a step learning rate scheduler
func NewStepLRScheduler(baseLR float64, stepSize int, gamma float64) *StepLRScheduler {
	if stepSize <= 0 {
		stepSize = 10000
	}
	if gamma <= 0 || gamma >= 1 {
		gamma = 0.1 // Default: reduce by 10x
	}
	return &StepLRScheduler{
		BaseLR:   baseLR,
		StepSize: stepSize,
		Gamma:    gamma,
	}
}

func (s *StepLRScheduler) GetLR(iteration int) float64 {
	times := iteration / s.StepSize
	return s.BaseLR * math.Pow(s.Gamma, float64(times))
}

func (s *StepLRScheduler) GetName() string {
	return "StepLR"
}

// CosineAnnealingLRScheduler implements cosine annealing schedule
type CosineAnnealingLRScheduler struct {
	BaseLR float64
	TMax   int     // Iteration at which EtaMin is reached
	EtaMin float64 // Minimum learning rate
}

// NewCosineAnnealingLRScheduler creates a cosine annealing scheduler
func NewCosineAnnealingLRScheduler(baseLR float64, tMax int, etaMin float64) *CosineAnnealingLRScheduler {
	if tMax <= 0 {
		tMax = 25000
	}
	if etaMin < 0 {
		etaMin = 0
	}
	return &CosineAnnealingLRScheduler{
		BaseLR: baseLR,
		TMax:   tMax,
		EtaMin: etaMin,
	}
}

func (s *CosineAnnealingLRScheduler) GetLR(iteration int) float64 {
	if iteration >= s.TMax {
		return s.EtaMin
	}
	cosineValue := math.Cos(math.Pi * float64(iteration) / float64(s.TMax))
	return s.EtaMin + (s.BaseLR-s.EtaMin)*(1+cosineValue)/2
}

func (s *CosineAnnealingLRScheduler) GetName() string {
	return "CosineAnnealingLR"
}

// ConstantScheduler maintains a constant learning rate
type ConstantScheduler struct {
	BaseLR float64
}

func (s *ConstantScheduler) GetLR(iteration int) float64 {
	return s.BaseLR
}

func (s *ConstantScheduler) GetName() string {
	return "Constant"
}

// Schedule kinds accepted by NewScheduler.
const (
	ScheduleWarmupDecay = "warmup_decay"
	ScheduleStep        = "step"
	ScheduleCosine      = "cosine"
	ScheduleConstant    = "constant"
)

// ScheduleConfig selects and parameterizes a learning rate schedule.
type ScheduleConfig struct {
	Kind    string  `yaml:"kind"`
	BaseLR  float64 `yaml:"base_lr"`
	PeakLR  float64 `yaml:"peak_lr"`
	FloorLR float64 `yaml:"floor_lr"`
	T0      int     `yaml:"t0"`
	T1      int     `yaml:"t1"`
	Gamma   float64 `yaml:"gamma"`
}

// NewScheduler builds the scheduler described by cfg. Step and cosine
// schedules reuse T0 as their step size and T1 as their horizon.
func NewScheduler(cfg ScheduleConfig) (LRScheduler, error) {
	switch cfg.Kind {
	case "", ScheduleWarmupDecay:
		return NewWarmupDecayScheduler(cfg.BaseLR, cfg.PeakLR, cfg.FloorLR, cfg.T0, cfg.T1)
	case ScheduleStep:
		return NewStepLRScheduler(cfg.BaseLR, cfg.T0, cfg.Gamma), nil
	case ScheduleCosine:
		return NewCosineAnnealingLRScheduler(cfg.BaseLR, cfg.T1, cfg.FloorLR), nil
	case ScheduleConstant:
		return &ConstantScheduler{BaseLR: cfg.BaseLR}, nil
	default:
		return nil, fmt.Errorf("unknown schedule kind %q", cfg.Kind)
	}
}
