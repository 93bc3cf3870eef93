// Package mlp is a small dense feed-forward classifier: ReLU hidden layers,
// optional dropout, softmax output, trained with Adam on sparse categorical
// cross-entropy. Matrix work is done with gonum.
package mlp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"os"
	"path/filepath"

	"gonum.org/v1/gonum/mat"
)

const (
	ActReLU    = "relu"
	ActSoftmax = "softmax"

	adamBeta1   = 0.9
	adamBeta2   = 0.999
	adamEpsilon = 1e-7
	logEpsilon  = 1e-12
)

// Spec describes a network shape.
type Spec struct {
	Input   int
	Hidden  []int
	Classes int
	// Dropout rate applied after every hidden layer except the last.
	Dropout float64
}

// Layer is a fully connected layer. W is In x Out.
type Layer struct {
	Activation string
	W          *mat.Dense
	B          []float64
}

func (l *Layer) dims() (in, out int) { return l.W.Dims() }

// Network is a stack of dense layers.
type Network struct {
	Spec   Spec
	Layers []*Layer
}

// New initialises a network with Glorot-uniform weights and zero biases.
func New(spec Spec, rng *rand.Rand) (*Network, error) {
	if spec.Input < 1 || spec.Classes < 2 {
		return nil, fmt.Errorf("invalid network shape: input=%d classes=%d", spec.Input, spec.Classes)
	}
	if spec.Dropout < 0 || spec.Dropout >= 1 {
		return nil, fmt.Errorf("dropout must be in [0, 1), got %v", spec.Dropout)
	}
	sizes := append([]int{spec.Input}, spec.Hidden...)
	sizes = append(sizes, spec.Classes)

	n := &Network{Spec: spec}
	for i := 0; i < len(sizes)-1; i++ {
		in, out := sizes[i], sizes[i+1]
		if out < 1 {
			return nil, fmt.Errorf("layer %d has no units", i)
		}
		limit := math.Sqrt(6 / float64(in+out))
		data := make([]float64, in*out)
		for j := range data {
			data[j] = (rng.Float64()*2 - 1) * limit
		}
		act := ActReLU
		if i == len(sizes)-2 {
			act = ActSoftmax
		}
		n.Layers = append(n.Layers, &Layer{Activation: act, W: mat.NewDense(in, out, data), B: make([]float64, out)})
	}
	return n, nil
}

// forwardCache keeps what backprop needs for one batch.
type forwardCache struct {
	inputs []*mat.Dense // input fed to each layer (after dropout)
	pre    []*mat.Dense // pre-activation of each layer
	masks  []*mat.Dense // scaled dropout mask applied to each layer's output, nil if none
	out    *mat.Dense   // softmax probabilities
}

// forward runs a batch through the network. rng enables dropout; pass nil for inference.
func (n *Network) forward(x *mat.Dense, rng *rand.Rand) *forwardCache {
	c := &forwardCache{}
	a := x
	last := len(n.Layers) - 1
	for i, l := range n.Layers {
		c.inputs = append(c.inputs, a)

		var z mat.Dense
		z.Mul(a, l.W)
		z.Apply(func(_, j int, v float64) float64 { return v + l.B[j] }, &z)
		c.pre = append(c.pre, &z)

		var act mat.Dense
		if l.Activation == ActSoftmax {
			act.CloneFrom(&z)
			softmaxRows(&act)
		} else {
			act.Apply(func(_, _ int, v float64) float64 { return math.Max(0, v) }, &z)
		}

		var mask *mat.Dense
		if rng != nil && n.Spec.Dropout > 0 && i < last-1 {
			r, cols := act.Dims()
			keep := 1 - n.Spec.Dropout
			data := make([]float64, r*cols)
			for k := range data {
				if rng.Float64() < keep {
					data[k] = 1 / keep
				}
			}
			mask = mat.NewDense(r, cols, data)
			act.MulElem(&act, mask)
		}
		c.masks = append(c.masks, mask)
		a = &act
	}
	c.out = a
	return c
}

func softmaxRows(m *mat.Dense) {
	r, _ := m.Dims()
	for i := 0; i < r; i++ {
		row := m.RawRowView(i)
		maxV := row[0]
		for _, v := range row[1:] {
			maxV = math.Max(maxV, v)
		}
		sum := 0.0
		for j, v := range row {
			row[j] = math.Exp(v - maxV)
			sum += row[j]
		}
		for j := range row {
			row[j] /= sum
		}
	}
}

// Predict returns class probabilities for each row of x.
func (n *Network) Predict(x [][]float64) ([][]float64, error) {
	if len(x) == 0 {
		return nil, nil
	}
	xm, err := toDense(x, n.Spec.Input)
	if err != nil {
		return nil, err
	}
	out := n.forward(xm, nil).out
	r, _ := out.Dims()
	probs := make([][]float64, r)
	for i := range probs {
		probs[i] = append([]float64(nil), out.RawRowView(i)...)
	}
	return probs, nil
}

// Classify returns the argmax class for each row of x.
func (n *Network) Classify(x [][]float64) ([]int, error) {
	probs, err := n.Predict(x)
	if err != nil {
		return nil, err
	}
	classes := make([]int, len(probs))
	for i, p := range probs {
		classes[i] = argmax(p)
	}
	return classes, nil
}

// Evaluate returns mean cross-entropy loss and accuracy on (x, y).
func (n *Network) Evaluate(x [][]float64, y []int) (loss, accuracy float64, err error) {
	if len(x) != len(y) {
		return 0, 0, fmt.Errorf("have %d samples but %d labels", len(x), len(y))
	}
	if len(x) == 0 {
		return 0, 0, nil
	}
	probs, err := n.Predict(x)
	if err != nil {
		return 0, 0, err
	}
	correct := 0
	for i, p := range probs {
		if y[i] < 0 || y[i] >= len(p) {
			return 0, 0, fmt.Errorf("label %d out of range for %d classes", y[i], len(p))
		}
		loss -= math.Log(p[y[i]] + logEpsilon)
		if argmax(p) == y[i] {
			correct++
		}
	}
	return loss / float64(len(x)), float64(correct) / float64(len(x)), nil
}

// TrainConfig controls Fit.
type TrainConfig struct {
	Epochs       int
	BatchSize    int
	LearningRate float64
}

// EpochStats records one epoch of training.
type EpochStats struct {
	Epoch        int     `csv:"epoch"`
	Loss         float64 `csv:"loss"`
	Accuracy     float64 `csv:"accuracy"`
	EvalLoss     float64 `csv:"eval_loss"`
	EvalAccuracy float64 `csv:"eval_accuracy"`
}

// adam holds the optimiser moments for one parameter tensor.
type adam struct {
	m, v []float64
}

func (a *adam) step(params, grads []float64, lr float64, t int) {
	if a.m == nil {
		a.m = make([]float64, len(params))
		a.v = make([]float64, len(params))
	}
	c1 := 1 - math.Pow(adamBeta1, float64(t))
	c2 := 1 - math.Pow(adamBeta2, float64(t))
	for i, g := range grads {
		a.m[i] = adamBeta1*a.m[i] + (1-adamBeta1)*g
		a.v[i] = adamBeta2*a.v[i] + (1-adamBeta2)*g*g
		mHat := a.m[i] / c1
		vHat := a.v[i] / c2
		params[i] -= lr * mHat / (math.Sqrt(vHat) + adamEpsilon)
	}
}

// Fit trains on (x, y) with mini-batch Adam. When evalX is non-empty each
// epoch is also scored on it. rng drives shuffling and dropout, so equal
// seeds give equal models. onEpoch may be nil.
func (n *Network) Fit(ctx context.Context, x [][]float64, y []int, evalX [][]float64, evalY []int,
	cfg TrainConfig, rng *rand.Rand, onEpoch func(EpochStats)) ([]EpochStats, error) {

	if len(x) == 0 {
		return nil, errors.New("no training samples")
	}
	if len(x) != len(y) {
		return nil, fmt.Errorf("have %d samples but %d labels", len(x), len(y))
	}
	for _, label := range y {
		if label < 0 || label >= n.Spec.Classes {
			return nil, fmt.Errorf("label %d out of range for %d classes", label, n.Spec.Classes)
		}
	}
	if cfg.Epochs < 1 || cfg.BatchSize < 1 || cfg.LearningRate <= 0 {
		return nil, fmt.Errorf("invalid training config %+v", cfg)
	}

	wOpt := make([]adam, len(n.Layers))
	bOpt := make([]adam, len(n.Layers))
	order := make([]int, len(x))
	for i := range order {
		order[i] = i
	}

	var history []EpochStats
	step := 0
	for epoch := 1; epoch <= cfg.Epochs; epoch++ {
		if err := ctx.Err(); err != nil {
			return history, err
		}
		rng.Shuffle(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })

		for start := 0; start < len(order); start += cfg.BatchSize {
			end := min(start+cfg.BatchSize, len(order))
			bx := make([][]float64, 0, end-start)
			by := make([]int, 0, end-start)
			for _, idx := range order[start:end] {
				bx = append(bx, x[idx])
				by = append(by, y[idx])
			}
			xm, err := toDense(bx, n.Spec.Input)
			if err != nil {
				return history, err
			}

			step++
			gradsW, gradsB := n.backward(n.forward(xm, rng), by)
			for i, l := range n.Layers {
				wOpt[i].step(l.W.RawMatrix().Data, gradsW[i].RawMatrix().Data, cfg.LearningRate, step)
				bOpt[i].step(l.B, gradsB[i], cfg.LearningRate, step)
			}
		}

		stats := EpochStats{Epoch: epoch}
		var err error
		if stats.Loss, stats.Accuracy, err = n.Evaluate(x, y); err != nil {
			return history, err
		}
		if len(evalX) > 0 {
			if stats.EvalLoss, stats.EvalAccuracy, err = n.Evaluate(evalX, evalY); err != nil {
				return history, err
			}
		}
		history = append(history, stats)
		if onEpoch != nil {
			onEpoch(stats)
		}
	}
	return history, nil
}

// backward computes mean-loss gradients for every layer.
func (n *Network) backward(c *forwardCache, y []int) ([]*mat.Dense, [][]float64) {
	batch, _ := c.out.Dims()
	gradsW := make([]*mat.Dense, len(n.Layers))
	gradsB := make([][]float64, len(n.Layers))

	// Softmax + cross-entropy: dZ = (P - onehot(y)) / batch
	var dz mat.Dense
	dz.CloneFrom(c.out)
	for i, label := range y {
		dz.Set(i, label, dz.At(i, label)-1)
	}
	dz.Scale(1/float64(batch), &dz)

	for i := len(n.Layers) - 1; i >= 0; i-- {
		l := n.Layers[i]
		_, out := l.dims()

		gw := &mat.Dense{}
		gw.Mul(c.inputs[i].T(), &dz)
		gradsW[i] = gw

		gb := make([]float64, out)
		for r := 0; r < batch; r++ {
			for j, v := range dz.RawRowView(r) {
				gb[j] += v
			}
		}
		gradsB[i] = gb

		if i == 0 {
			break
		}

		// Gradient w.r.t. the previous layer's (post-dropout) activation
		var da mat.Dense
		da.Mul(&dz, l.W.T())
		if prevMask := c.masks[i-1]; prevMask != nil {
			da.MulElem(&da, prevMask)
		}
		prevPre := c.pre[i-1]
		da.Apply(func(r, j int, v float64) float64 {
			if prevPre.At(r, j) > 0 {
				return v
			}
			return 0
		}, &da)
		dz = da
	}
	return gradsW, gradsB
}

func toDense(x [][]float64, width int) (*mat.Dense, error) {
	data := make([]float64, 0, len(x)*width)
	for i, row := range x {
		if len(row) != width {
			return nil, fmt.Errorf("sample %d has %d features, want %d", i, len(row), width)
		}
		data = append(data, row...)
	}
	return mat.NewDense(len(x), width, data), nil
}

func argmax(v []float64) int {
	best := 0
	for i := range v {
		if v[i] > v[best] {
			best = i
		}
	}
	return best
}

// persisted is the on-disk JSON form of a Network.
type persisted struct {
	Format  string           `json:"format"`
	Spec    Spec             `json:"spec"`
	Layers  []persistedLayer `json:"layers"`
	Classes []string         `json:"classes,omitempty"`
}

type persistedLayer struct {
	Activation string    `json:"activation"`
	In         int       `json:"in"`
	Out        int       `json:"out"`
	Weights    []float64 `json:"weights"` // row-major In x Out
	Bias       []float64 `json:"bias"`
}

const formatName = "posepipe-mlp/v1"

// Save writes the network as JSON.
func (n *Network) Save(path string) error {
	p := persisted{Format: formatName, Spec: n.Spec}
	for _, l := range n.Layers {
		in, out := l.dims()
		w := make([]float64, 0, in*out)
		for r := 0; r < in; r++ {
			w = append(w, l.W.RawRowView(r)...)
		}
		p.Layers = append(p.Layers, persistedLayer{
			Activation: l.Activation, In: in, Out: out, Weights: w, Bias: append([]float64(nil), l.B...),
		})
	}
	data, err := json.Marshal(p)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// Load reads a network written by Save.
func Load(path string) (*Network, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var p persisted
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("failed to parse model: %w", err)
	}
	if p.Format != formatName {
		return nil, fmt.Errorf("unsupported model format %q", p.Format)
	}
	if len(p.Layers) == 0 {
		return nil, errors.New("model has no layers")
	}
	n := &Network{Spec: p.Spec}
	prevOut := p.Spec.Input
	for i, pl := range p.Layers {
		if pl.In != prevOut || len(pl.Weights) != pl.In*pl.Out || len(pl.Bias) != pl.Out {
			return nil, fmt.Errorf("layer %d has inconsistent dimensions", i)
		}
		n.Layers = append(n.Layers, &Layer{
			Activation: pl.Activation,
			W:          mat.NewDense(pl.In, pl.Out, pl.Weights),
			B:          pl.Bias,
		})
		prevOut = pl.Out
	}
	if prevOut != p.Spec.Classes {
		return nil, fmt.Errorf("output layer has %d units, want %d classes", prevOut, p.Spec.Classes)
	}
	return n, nil
}
