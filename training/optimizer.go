package training

import (
	"fmt"
	"math"
	"sync"

	"gonum.org/v1/gonum/floats"

	"github.com/tsawler/go-reid/tensor"
)

// Optimizer interface defines the methods that all optimizers must implement
type Optimizer interface {
	Step() error      // Updates model parameters based on gradients
	ZeroGrad()        // Clears gradients for all parameters
	GetLR() float64   // Gets current learning rate
	SetLR(lr float64) // Sets learning rate
	Parameters() []*tensor.Tensor
}

// checkGrad rejects gradients that would poison the parameters.
func checkGrad(i int, param *tensor.Tensor) error {
	grad := param.Grad()
	if !tensor.ShapesEqual(grad.Shape, param.Shape) {
		return fmt.Errorf("parameter %d: gradient shape %v does not match %v", i, grad.Shape, param.Shape)
	}
	if grad.HasNaN() {
		return fmt.Errorf("parameter %d: gradient contains NaN or Inf", i)
	}
	return nil
}

// SGD implements Stochastic Gradient Descent optimizer
type SGD struct {
	parameters   []*tensor.Tensor
	learningRate float64
	momentum     float64
	weightDecay  float64
	nesterov     bool
	velocities   map[*tensor.Tensor][]float64
	mutex        sync.RWMutex
}

// NewSGD creates a new SGD optimizer
func NewSGD(parameters []*tensor.Tensor, lr, momentum, weightDecay float64, nesterov bool) *SGD {
	return &SGD{
		parameters:   parameters,
		learningRate: lr,
		momentum:     momentum,
		weightDecay:  weightDecay,
		nesterov:     nesterov,
		velocities:   make(map[*tensor.Tensor][]float64),
	}
}

// Step performs a single optimization step
func (sgd *SGD) Step() error {
	sgd.mutex.Lock()
	defer sgd.mutex.Unlock()

	for i, param := range sgd.parameters {
		if !param.RequiresGrad() || param.Grad() == nil {
			continue
		}
		if err := checkGrad(i, param); err != nil {
			return err
		}

		grad := make([]float64, param.NumElems)
		copy(grad, param.Grad().Data)

		// grad = grad + weight_decay * param
		if sgd.weightDecay > 0 {
			floats.AddScaled(grad, sgd.weightDecay, param.Data)
		}

		if sgd.momentum > 0 {
			velocity, ok := sgd.velocities[param]
			if !ok {
				velocity = make([]float64, param.NumElems)
				sgd.velocities[param] = velocity
			}
			// velocity = momentum * velocity + grad
			floats.Scale(sgd.momentum, velocity)
			floats.Add(velocity, grad)

			if sgd.nesterov {
				floats.AddScaled(grad, sgd.momentum, velocity)
			} else {
				copy(grad, velocity)
			}
		}

		// param = param - lr * grad
		floats.AddScaled(param.Data, -sgd.learningRate, grad)
	}

	return nil
}

// ZeroGrad clears gradients for all parameters
func (sgd *SGD) ZeroGrad() {
	tensor.ZeroGrad(sgd.parameters)
}

// GetLR returns the current learning rate
func (sgd *SGD) GetLR() float64 {
	sgd.mutex.RLock()
	defer sgd.mutex.RUnlock()
	return sgd.learningRate
}

// SetLR sets the learning rate
func (sgd *SGD) SetLR(lr float64) {
	sgd.mutex.Lock()
	defer sgd.mutex.Unlock()
	sgd.learningRate = lr
}

func (sgd *SGD) Parameters() []*tensor.Tensor {
	return sgd.parameters
}

// Adam implements the Adam optimizer
type Adam struct {
	parameters  []*tensor.Tensor
	lr          float64
	beta1       float64
	beta2       float64
	eps         float64
	weightDecay float64
	step        int64
	m           map[*tensor.Tensor][]float64 // First moment estimates
	v           map[*tensor.Tensor][]float64 // Second moment estimates
	mutex       sync.RWMutex
}

// NewAdam creates a new Adam optimizer
func NewAdam(parameters []*tensor.Tensor, lr, beta1, beta2, eps, weightDecay float64) *Adam {
	adam := &Adam{
		parameters:  parameters,
		lr:          lr,
		beta1:       beta1,
		beta2:       beta2,
		eps:         eps,
		weightDecay: weightDecay,
		m:           make(map[*tensor.Tensor][]float64),
		v:           make(map[*tensor.Tensor][]float64),
	}

	for _, param := range parameters {
		if param.RequiresGrad() {
			adam.m[param] = make([]float64, param.NumElems)
			adam.v[param] = make([]float64, param.NumElems)
		}
	}

	return adam
}

// Step performs a single optimization step
func (adam *Adam) Step() error {
	adam.mutex.Lock()
	defer adam.mutex.Unlock()

	adam.step++

	// Bias correction factors
	bias1 := 1.0 - math.Pow(adam.beta1, float64(adam.step))
	bias2 := 1.0 - math.Pow(adam.beta2, float64(adam.step))

	for i, param := range adam.parameters {
		if !param.RequiresGrad() || param.Grad() == nil {
			continue
		}
		if err := checkGrad(i, param); err != nil {
			return err
		}

		m, ok := adam.m[param]
		if !ok {
			m = make([]float64, param.NumElems)
			adam.m[param] = m
		}
		v, ok := adam.v[param]
		if !ok {
			v = make([]float64, param.NumElems)
			adam.v[param] = v
		}

		grad := param.Grad().Data
		for j, g := range grad {
			if adam.weightDecay > 0 {
				g += adam.weightDecay * param.Data[j]
			}
			// m = beta1 * m + (1 - beta1) * grad
			m[j] = adam.beta1*m[j] + (1-adam.beta1)*g
			// v = beta2 * v + (1 - beta2) * grad^2
			v[j] = adam.beta2*v[j] + (1-adam.beta2)*g*g

			mHat := m[j] / bias1
			vHat := v[j] / bias2
			param.Data[j] -= adam.lr * mHat / (math.Sqrt(vHat) + adam.eps)
		}
	}

	return nil
}

// ZeroGrad clears gradients for all parameters
func (adam *Adam) ZeroGrad() {
	tensor.ZeroGrad(adam.parameters)
}

// GetLR returns the current learning rate
func (adam *Adam) GetLR() float64 {
	adam.mutex.RLock()
	defer adam.mutex.RUnlock()
	return adam.lr
}

// SetLR sets the learning rate
func (adam *Adam) SetLR(lr float64) {
	adam.mutex.Lock()
	defer adam.mutex.Unlock()
	adam.lr = lr
}

// Beta1 returns the first-moment decay rate.
func (adam *Adam) Beta1() float64 {
	adam.mutex.RLock()
	defer adam.mutex.RUnlock()
	return adam.beta1
}

// SetBeta1 changes the first-moment decay rate for subsequent steps.
func (adam *Adam) SetBeta1(beta1 float64) {
	adam.mutex.Lock()
	defer adam.mutex.Unlock()
	adam.beta1 = beta1
}

// StepCount returns the number of steps taken.
func (adam *Adam) StepCount() int64 {
	adam.mutex.RLock()
	defer adam.mutex.RUnlock()
	return adam.step
}

func (adam *Adam) Parameters() []*tensor.Tensor {
	return adam.parameters
}

// RMSProp divides each gradient by a running root mean square of recent
// gradients. The centered variant also subtracts the running mean.
type RMSProp struct {
	parameters  []*tensor.Tensor
	lr          float64
	alpha       float64 // smoothing constant
	eps         float64
	weightDecay float64
	momentum    float64
	centered    bool

	squareAvg map[*tensor.Tensor][]float64
	gradAvg   map[*tensor.Tensor][]float64 // centered only
	buf       map[*tensor.Tensor][]float64 // momentum only
	mutex     sync.RWMutex
}

// NewRMSProp creates a new RMSProp optimizer
func NewRMSProp(parameters []*tensor.Tensor, lr, alpha, eps, weightDecay, momentum float64, centered bool) *RMSProp {
	return &RMSProp{
		parameters:  parameters,
		lr:          lr,
		alpha:       alpha,
		eps:         eps,
		weightDecay: weightDecay,
		momentum:    momentum,
		centered:    centered,
		squareAvg:   make(map[*tensor.Tensor][]float64),
		gradAvg:     make(map[*tensor.Tensor][]float64),
		buf:         make(map[*tensor.Tensor][]float64),
	}
}

func stateFor(m map[*tensor.Tensor][]float64, param *tensor.Tensor) []float64 {
	s, ok := m[param]
	if !ok {
		s = make([]float64, param.NumElems)
		m[param] = s
	}
	return s
}

// Step performs a single optimization step
func (r *RMSProp) Step() error {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	for i, param := range r.parameters {
		if !param.RequiresGrad() || param.Grad() == nil {
			continue
		}
		if err := checkGrad(i, param); err != nil {
			return err
		}

		sq := stateFor(r.squareAvg, param)
		var avg, buf []float64
		if r.centered {
			avg = stateFor(r.gradAvg, param)
		}
		if r.momentum > 0 {
			buf = stateFor(r.buf, param)
		}

		for j, g := range param.Grad().Data {
			if r.weightDecay > 0 {
				g += r.weightDecay * param.Data[j]
			}
			sq[j] = r.alpha*sq[j] + (1-r.alpha)*g*g
			denom := sq[j]
			if r.centered {
				avg[j] = r.alpha*avg[j] + (1-r.alpha)*g
				denom -= avg[j] * avg[j]
			}
			denom = math.Sqrt(math.Max(denom, 0)) + r.eps

			if r.momentum > 0 {
				buf[j] = r.momentum*buf[j] + g/denom
				param.Data[j] -= r.lr * buf[j]
			} else {
				param.Data[j] -= r.lr * g / denom
			}
		}
	}
	return nil
}

// ZeroGrad clears gradients for all parameters
func (r *RMSProp) ZeroGrad() {
	tensor.ZeroGrad(r.parameters)
}

func (r *RMSProp) GetLR() float64 {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	return r.lr
}

func (r *RMSProp) SetLR(lr float64) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.lr = lr
}

func (r *RMSProp) Parameters() []*tensor.Tensor {
	return r.parameters
}
