package tensor

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
)

// record attaches op to result when any input tracks gradients.
func record(result *Tensor, op Operation, inputs ...*Tensor) *Tensor {
	for _, in := range inputs {
		if in.requiresGrad {
			result.requiresGrad = true
			result.creator = op
			break
		}
	}
	return result
}

// AddOp implements the Operation interface for tensor addition. The second
// operand may be a bias row broadcast over every row of the first.
type AddOp struct {
	inputs       []*Tensor
	rowBroadcast bool
}

func (op *AddOp) Inputs() []*Tensor { return op.inputs }

func (op *AddOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	gradA := gradOut.Detach().Clone()
	if !op.rowBroadcast {
		return []*Tensor{gradA, gradOut.Detach().Clone()}, nil
	}

	gradB, err := NewTensor(op.inputs[1].Shape, nil)
	if err != nil {
		return nil, err
	}
	for i := 0; i < gradOut.Rows(); i++ {
		floats.Add(gradB.Data, gradOut.Row(i))
	}
	return []*Tensor{gradA, gradB}, nil
}

func AddAutograd(a, b *Tensor) (*Tensor, error) {
	op := &AddOp{inputs: []*Tensor{a, b}}

	if shapesEqual(a.Shape, b.Shape) {
		result, err := Add(a, b)
		if err != nil {
			return nil, err
		}
		return record(result, op, a, b), nil
	}

	if len(a.Shape) != 2 || b.NumElems != a.Shape[1] {
		return nil, fmt.Errorf("add: cannot broadcast %v onto %v", b.Shape, a.Shape)
	}
	op.rowBroadcast = true
	result := a.Detach().Clone()
	for i := 0; i < result.Rows(); i++ {
		floats.Add(result.Row(i), b.Data)
	}
	return record(result, op, a, b), nil
}

// SubOp implements the Operation interface for tensor subtraction
type SubOp struct {
	inputs []*Tensor
}

func (op *SubOp) Inputs() []*Tensor { return op.inputs }

func (op *SubOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	return []*Tensor{gradOut.Detach().Clone(), Scale(gradOut, -1)}, nil
}

func SubAutograd(a, b *Tensor) (*Tensor, error) {
	result, err := Sub(a, b)
	if err != nil {
		return nil, err
	}
	return record(result, &SubOp{inputs: []*Tensor{a, b}}, a, b), nil
}

// MulOp implements the Operation interface for element-wise multiplication
type MulOp struct {
	inputs []*Tensor
}

func (op *MulOp) Inputs() []*Tensor { return op.inputs }

func (op *MulOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	gradA, err := Mul(gradOut, op.inputs[1])
	if err != nil {
		return nil, err
	}
	gradB, err := Mul(gradOut, op.inputs[0])
	if err != nil {
		return nil, err
	}
	return []*Tensor{gradA, gradB}, nil
}

func MulAutograd(a, b *Tensor) (*Tensor, error) {
	result, err := Mul(a, b)
	if err != nil {
		return nil, err
	}
	return record(result, &MulOp{inputs: []*Tensor{a, b}}, a, b), nil
}

// ScaleOp multiplies by a constant.
type ScaleOp struct {
	inputs []*Tensor
	factor float64
}

func (op *ScaleOp) Inputs() []*Tensor { return op.inputs }

func (op *ScaleOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	return []*Tensor{Scale(gradOut, op.factor)}, nil
}

func ScaleAutograd(a *Tensor, factor float64) *Tensor {
	return record(Scale(a, factor), &ScaleOp{inputs: []*Tensor{a}, factor: factor}, a)
}

// AddScalarOp adds a constant to every element.
type AddScalarOp struct {
	inputs []*Tensor
}

func (op *AddScalarOp) Inputs() []*Tensor { return op.inputs }

func (op *AddScalarOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	return []*Tensor{gradOut.Detach().Clone()}, nil
}

func AddScalarAutograd(a *Tensor, c float64) *Tensor {
	result := a.Detach().Clone()
	floats.AddConst(c, result.Data)
	return record(result, &AddScalarOp{inputs: []*Tensor{a}}, a)
}

// MatMulOp implements the Operation interface for matrix multiplication
type MatMulOp struct {
	inputs []*Tensor
}

func (op *MatMulOp) Inputs() []*Tensor { return op.inputs }

func (op *MatMulOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	a, b := op.inputs[0], op.inputs[1]
	// ∂(A @ B)/∂A = gradOut @ Bᵀ, ∂(A @ B)/∂B = Aᵀ @ gradOut
	return []*Tensor{matMulTransB(gradOut, b), matMulTransA(a, gradOut)}, nil
}

func MatMulAutograd(a, b *Tensor) (*Tensor, error) {
	result, err := MatMul(a, b)
	if err != nil {
		return nil, err
	}
	return record(result, &MatMulOp{inputs: []*Tensor{a, b}}, a, b), nil
}

// ReLUOp implements the Operation interface for ReLU activation
type ReLUOp struct {
	inputs []*Tensor
}

func (op *ReLUOp) Inputs() []*Tensor { return op.inputs }

func (op *ReLUOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	grad := gradOut.Detach().Clone()
	for i, v := range op.inputs[0].Data {
		if v <= 0 {
			grad.Data[i] = 0
		}
	}
	return []*Tensor{grad}, nil
}

func ReLUAutograd(a *Tensor) *Tensor {
	return record(ReLU(a), &ReLUOp{inputs: []*Tensor{a}}, a)
}

// SoftplusOp computes log(1+exp(x)) element-wise.
type SoftplusOp struct {
	inputs []*Tensor
}

func (op *SoftplusOp) Inputs() []*Tensor { return op.inputs }

func (op *SoftplusOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	grad := gradOut.Detach().Clone()
	for i, v := range op.inputs[0].Data {
		grad.Data[i] *= Sigmoid(v)
	}
	return []*Tensor{grad}, nil
}

func SoftplusAutograd(a *Tensor) *Tensor {
	result := a.Detach().Clone()
	for i, v := range result.Data {
		result.Data[i] = Softplus(v)
	}
	return record(result, &SoftplusOp{inputs: []*Tensor{a}}, a)
}

// SumOp reduces every element to a single-element tensor. Mean is SumOp
// with a 1/n scale.
type SumOp struct {
	inputs []*Tensor
	scale  float64
}

func (op *SumOp) Inputs() []*Tensor { return op.inputs }

func (op *SumOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	grad, err := Full(gradOut.Data[0]*op.scale, op.inputs[0].Shape...)
	if err != nil {
		return nil, err
	}
	return []*Tensor{grad}, nil
}

func SumAutograd(a *Tensor) *Tensor {
	return record(FromScalar(Sum(a)), &SumOp{inputs: []*Tensor{a}, scale: 1}, a)
}

func MeanAutograd(a *Tensor) *Tensor {
	return record(FromScalar(Mean(a)), &SumOp{inputs: []*Tensor{a}, scale: 1 / float64(a.NumElems)}, a)
}

// ReshapeOp changes the shape without touching data.
type ReshapeOp struct {
	inputs []*Tensor
}

func (op *ReshapeOp) Inputs() []*Tensor { return op.inputs }

func (op *ReshapeOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	grad := gradOut.Detach().Clone()
	shaped, err := grad.Reshape(op.inputs[0].Shape)
	if err != nil {
		return nil, err
	}
	return []*Tensor{shaped}, nil
}

func ReshapeAutograd(a *Tensor, shape []int) (*Tensor, error) {
	result, err := a.Detach().Reshape(shape)
	if err != nil {
		return nil, err
	}
	return record(result, &ReshapeOp{inputs: []*Tensor{a}}, a), nil
}

// IndexRowsOp gathers rows of a 2-D tensor. Rows may repeat; their
// gradients are summed.
type IndexRowsOp struct {
	inputs  []*Tensor
	indices []int
}

func (op *IndexRowsOp) Inputs() []*Tensor { return op.inputs }

func (op *IndexRowsOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	grad, err := NewTensor(op.inputs[0].Shape, nil)
	if err != nil {
		return nil, err
	}
	for k, idx := range op.indices {
		floats.Add(grad.Row(idx), gradOut.Row(k))
	}
	return []*Tensor{grad}, nil
}

func IndexRowsAutograd(a *Tensor, indices []int) (*Tensor, error) {
	if len(indices) == 0 {
		return nil, fmt.Errorf("index rows: no indices")
	}
	rows, cols := a.Rows(), a.Cols()
	shape := append([]int{len(indices)}, a.Shape[1:]...)
	result, err := NewTensor(shape, nil)
	if err != nil {
		return nil, err
	}
	for k, idx := range indices {
		if idx < 0 || idx >= rows {
			return nil, fmt.Errorf("index rows: index %d out of range [0,%d)", idx, rows)
		}
		copy(result.Data[k*cols:(k+1)*cols], a.Row(idx))
	}
	own := make([]int, len(indices))
	copy(own, indices)
	return record(result, &IndexRowsOp{inputs: []*Tensor{a}, indices: own}, a), nil
}

// ConcatRowsOp stacks tensors along the leading dimension.
type ConcatRowsOp struct {
	inputs []*Tensor
}

func (op *ConcatRowsOp) Inputs() []*Tensor { return op.inputs }

func (op *ConcatRowsOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	grads := make([]*Tensor, len(op.inputs))
	offset := 0
	for i, in := range op.inputs {
		data := make([]float64, in.NumElems)
		copy(data, gradOut.Data[offset:offset+in.NumElems])
		offset += in.NumElems
		g, err := NewTensor(in.Shape, data)
		if err != nil {
			return nil, err
		}
		grads[i] = g
	}
	return grads, nil
}

func ConcatRowsAutograd(parts ...*Tensor) (*Tensor, error) {
	if len(parts) == 0 {
		return nil, fmt.Errorf("concat: no tensors")
	}
	inner := parts[0].Shape[1:]
	rows := 0
	for i, p := range parts {
		if !shapesEqual(p.Shape[1:], inner) {
			return nil, fmt.Errorf("concat: part %d has shape %v, expected trailing %v", i, p.Shape, inner)
		}
		rows += p.Shape[0]
	}
	shape := append([]int{rows}, inner...)
	data := make([]float64, 0, rows*parts[0].Cols())
	for _, p := range parts {
		data = append(data, p.Data...)
	}
	result, err := NewTensor(shape, data)
	if err != nil {
		return nil, err
	}
	return record(result, &ConcatRowsOp{inputs: parts}, parts...), nil
}

// RowDistanceOp computes the Euclidean distance between matching rows of
// two [N,D] tensors. Squared distances below floor are clamped before the
// square root and pass no gradient.
type RowDistanceOp struct {
	inputs  []*Tensor
	dist    []float64
	clamped []bool
}

func (op *RowDistanceOp) Inputs() []*Tensor { return op.inputs }

func (op *RowDistanceOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	a, b := op.inputs[0], op.inputs[1]
	gradA, err := NewTensor(a.Shape, nil)
	if err != nil {
		return nil, err
	}
	gradB, err := NewTensor(b.Shape, nil)
	if err != nil {
		return nil, err
	}
	for i := 0; i < a.Rows(); i++ {
		if op.clamped[i] {
			continue
		}
		s := gradOut.Data[i] / op.dist[i]
		ra, rb := a.Row(i), b.Row(i)
		ga, gb := gradA.Row(i), gradB.Row(i)
		for j := range ra {
			d := (ra[j] - rb[j]) * s
			ga[j] = d
			gb[j] = -d
		}
	}
	return []*Tensor{gradA, gradB}, nil
}

func RowDistanceAutograd(a, b *Tensor, floor float64) (*Tensor, error) {
	if _, err := checkShapesCompatible(a.Shape, b.Shape); err != nil {
		return nil, fmt.Errorf("row distance: %w", err)
	}
	n := a.Rows()
	op := &RowDistanceOp{
		inputs:  []*Tensor{a, b},
		dist:    make([]float64, n),
		clamped: make([]bool, n),
	}
	result, err := NewTensor([]int{n}, nil)
	if err != nil {
		return nil, err
	}
	for i := 0; i < n; i++ {
		sq := floats.Distance(a.Row(i), b.Row(i), 2)
		sq *= sq
		if sq < floor {
			sq = floor
			op.clamped[i] = true
		}
		op.dist[i] = math.Sqrt(sq)
		result.Data[i] = op.dist[i]
	}
	return record(result, op, a, b), nil
}

// GroupMeanOp averages the G consecutive column groups of each row:
// [N, G*C] -> [N, C].
type GroupMeanOp struct {
	inputs []*Tensor
	groups int
}

func (op *GroupMeanOp) Inputs() []*Tensor { return op.inputs }

func (op *GroupMeanOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	a := op.inputs[0]
	grad, err := NewTensor(a.Shape, nil)
	if err != nil {
		return nil, err
	}
	c := gradOut.Cols()
	inv := 1 / float64(op.groups)
	for i := 0; i < a.Rows(); i++ {
		src := gradOut.Row(i)
		dst := grad.Row(i)
		for g := 0; g < op.groups; g++ {
			floats.AddScaled(dst[g*c:(g+1)*c], inv, src)
		}
	}
	return []*Tensor{grad}, nil
}

func GroupMeanAutograd(a *Tensor, groups int) (*Tensor, error) {
	if groups <= 0 || a.Cols()%groups != 0 {
		return nil, fmt.Errorf("group mean: %d columns not divisible into %d groups", a.Cols(), groups)
	}
	c := a.Cols() / groups
	result, err := NewTensor([]int{a.Rows(), c}, nil)
	if err != nil {
		return nil, err
	}
	inv := 1 / float64(groups)
	for i := 0; i < a.Rows(); i++ {
		src := a.Row(i)
		dst := result.Row(i)
		for g := 0; g < groups; g++ {
			floats.AddScaled(dst, inv, src[g*c:(g+1)*c])
		}
	}
	return record(result, &GroupMeanOp{inputs: []*Tensor{a}, groups: groups}, a), nil
}

// StripePoolOp average-pools an [N,C,H,W] image batch into horizontal
// stripes, each divided into cols cells, giving [N*parts, C*cols].
type StripePoolOp struct {
	inputs []*Tensor
	parts  int
	cols   int
}

func (op *StripePoolOp) Inputs() []*Tensor { return op.inputs }

type cell struct{ r0, r1, c0, c1 int }

func stripeCells(h, w, parts, cols int) []cell {
	cells := make([]cell, 0, parts*cols)
	for p := 0; p < parts; p++ {
		for q := 0; q < cols; q++ {
			cells = append(cells, cell{
				r0: p * h / parts, r1: (p + 1) * h / parts,
				c0: q * w / cols, c1: (q + 1) * w / cols,
			})
		}
	}
	return cells
}

func (op *StripePoolOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	x := op.inputs[0]
	grad, err := NewTensor(x.Shape, nil)
	if err != nil {
		return nil, err
	}
	n, ch, h, w := x.Shape[0], x.Shape[1], x.Shape[2], x.Shape[3]
	cells := stripeCells(h, w, op.parts, op.cols)
	for i := 0; i < n; i++ {
		for p := 0; p < op.parts; p++ {
			row := gradOut.Row(i*op.parts + p)
			for c := 0; c < ch; c++ {
				plane := grad.Data[(i*ch+c)*h*w : (i*ch+c+1)*h*w]
				for q := 0; q < op.cols; q++ {
					cl := cells[p*op.cols+q]
					g := row[c*op.cols+q] / float64((cl.r1-cl.r0)*(cl.c1-cl.c0))
					for y := cl.r0; y < cl.r1; y++ {
						floats.AddConst(g, plane[y*w+cl.c0:y*w+cl.c1])
					}
				}
			}
		}
	}
	return []*Tensor{grad}, nil
}

func StripePoolAutograd(x *Tensor, parts, cols int) (*Tensor, error) {
	if len(x.Shape) != 4 {
		return nil, fmt.Errorf("stripe pool requires [N,C,H,W], got %v", x.Shape)
	}
	n, ch, h, w := x.Shape[0], x.Shape[1], x.Shape[2], x.Shape[3]
	if parts <= 0 || cols <= 0 || h < parts || w < cols {
		return nil, fmt.Errorf("stripe pool: cannot split %dx%d into %d stripes of %d cells", h, w, parts, cols)
	}
	result, err := NewTensor([]int{n * parts, ch * cols}, nil)
	if err != nil {
		return nil, err
	}
	cells := stripeCells(h, w, parts, cols)
	for i := 0; i < n; i++ {
		for p := 0; p < parts; p++ {
			row := result.Row(i*parts + p)
			for c := 0; c < ch; c++ {
				plane := x.Data[(i*ch+c)*h*w : (i*ch+c+1)*h*w]
				for q := 0; q < cols; q++ {
					cl := cells[p*cols+q]
					var s float64
					for y := cl.r0; y < cl.r1; y++ {
						s += floats.Sum(plane[y*w+cl.c0 : y*w+cl.c1])
					}
					row[c*cols+q] = s / float64((cl.r1-cl.r0)*(cl.c1-cl.c0))
				}
			}
		}
	}
	return record(result, &StripePoolOp{inputs: []*Tensor{x}, parts: parts, cols: cols}, x), nil
}

// CrossEntropyOp is the mean negative log-likelihood of softmax(logits)
// with the softmax and log fused for stability.
type CrossEntropyOp struct {
	inputs  []*Tensor
	targets []int
	probs   []float64
}

func (op *CrossEntropyOp) Inputs() []*Tensor { return op.inputs }

func (op *CrossEntropyOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	logits := op.inputs[0]
	n := logits.Rows()
	c := logits.Cols()
	scale := gradOut.Data[0] / float64(n)
	data := make([]float64, len(op.probs))
	copy(data, op.probs)
	for i, target := range op.targets {
		data[i*c+target] -= 1
	}
	floats.Scale(scale, data)
	grad, err := NewTensor(logits.Shape, data)
	if err != nil {
		return nil, err
	}
	return []*Tensor{grad}, nil
}

func CrossEntropyAutograd(logits *Tensor, targets []int) (*Tensor, error) {
	if len(logits.Shape) != 2 {
		return nil, fmt.Errorf("cross entropy requires [N,C] logits, got %v", logits.Shape)
	}
	n, c := logits.Shape[0], logits.Shape[1]
	if len(targets) != n {
		return nil, fmt.Errorf("cross entropy: %d targets for %d rows", len(targets), n)
	}

	probs := make([]float64, n*c)
	var loss float64
	for i, target := range targets {
		if target < 0 || target >= c {
			return nil, fmt.Errorf("cross entropy: target %d out of range [0,%d)", target, c)
		}
		row := logits.Row(i)
		lse := floats.LogSumExp(row)
		for j, v := range row {
			probs[i*c+j] = math.Exp(v - lse)
		}
		loss += lse - row[target]
	}

	op := &CrossEntropyOp{inputs: []*Tensor{logits}, targets: append([]int(nil), targets...), probs: probs}
	return record(FromScalar(loss/float64(n)), op, logits), nil
}

// Backward runs reverse-mode differentiation from a single-element tensor.
// Gradients accumulate into every leaf that requires them; call ZeroGrad
// between iterations.
func (t *Tensor) Backward() error {
	if t.NumElems != 1 {
		return fmt.Errorf("backward requires a single-element tensor, got shape %v", t.Shape)
	}
	seed, err := Ones(t.Shape...)
	if err != nil {
		return err
	}
	return t.BackwardWithGrad(seed)
}

// BackwardWithGrad runs reverse-mode differentiation seeded with grad.
func (t *Tensor) BackwardWithGrad(grad *Tensor) error {
	if !t.requiresGrad {
		return fmt.Errorf("backward called on a tensor that does not require gradients")
	}
	if !shapesEqual(t.Shape, grad.Shape) {
		return fmt.Errorf("gradient shape %v does not match tensor shape %v", grad.Shape, t.Shape)
	}

	order := topoSort(t)
	grads := map[*Tensor]*Tensor{t: grad}

	for i := len(order) - 1; i >= 0; i-- {
		node := order[i]
		g := grads[node]
		if g == nil {
			continue
		}
		delete(grads, node)

		if node.creator == nil {
			if node.grad == nil {
				node.grad = g.Detach().Clone()
			} else if err := AddInPlace(node.grad, g); err != nil {
				return fmt.Errorf("accumulate leaf gradient: %w", err)
			}
			continue
		}

		inputGrads, err := node.creator.Backward(g)
		if err != nil {
			return fmt.Errorf("backward through %T: %w", node.creator, err)
		}
		for j, in := range node.creator.Inputs() {
			if !in.requiresGrad || j >= len(inputGrads) || inputGrads[j] == nil {
				continue
			}
			if existing, ok := grads[in]; ok {
				sum, err := Add(existing, inputGrads[j])
				if err != nil {
					return fmt.Errorf("accumulate gradient: %w", err)
				}
				grads[in] = sum
			} else {
				grads[in] = inputGrads[j]
			}
		}
	}
	return nil
}

// topoSort returns the graph rooted at t in post-order: every node appears
// after all of its inputs.
func topoSort(root *Tensor) []*Tensor {
	type frame struct {
		node     *Tensor
		expanded bool
	}
	visited := make(map[*Tensor]bool)
	var order []*Tensor
	stack := []frame{{node: root}}

	for len(stack) > 0 {
		top := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if top.expanded {
			order = append(order, top.node)
			continue
		}
		if visited[top.node] {
			continue
		}
		visited[top.node] = true
		stack = append(stack, frame{node: top.node, expanded: true})
		if top.node.creator == nil {
			continue
		}
		for _, in := range top.node.creator.Inputs() {
			if in.requiresGrad && !visited[in] {
				stack = append(stack, frame{node: in})
			}
		}
	}
	return order
}
