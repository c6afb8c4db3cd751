package utils

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// Matrix functions used for the calculations in the models.

// r = rows of matrix
// c = columns of matrix
// o = output
// m = matrix input number 1
// n = matrix input number 2

func Dot(m, n mat.Matrix) mat.Matrix {
	r, _ := m.Dims()
	_, c := n.Dims()
	o := mat.NewDense(r, c, nil)
	o.Product(m, n)
	return o
}

func Apply(fn func(i, j int, v float64) float64, m mat.Matrix) mat.Matrix {
	r, c := m.Dims()
	o := mat.NewDense(r, c, nil)
	o.Apply(fn, m)
	return o
}

func Scale(s float64, m mat.Matrix) mat.Matrix {
	r, c := m.Dims()
	o := mat.NewDense(r, c, nil)
	o.Scale(s, m)
	return o
}

func Multiply(m, n mat.Matrix) mat.Matrix {
	r, c := m.Dims()
	o := mat.NewDense(r, c, nil)
	o.MulElem(m, n)
	return o
}

func Add(m, n mat.Matrix) mat.Matrix {
	r, c := m.Dims()
	o := mat.NewDense(r, c, nil)
	o.Add(m, n)
	return o
}

// RowSums returns per-row sums for a mat.Dense.
func RowSums(m *mat.Dense) []float64 {
	r, _ := m.Dims()
	out := make([]float64, r)
	for i := 0; i < r; i++ {
		out[i] = floats.Sum(m.RawRowView(i))
	}
	return out
}

// SumCols collapses (r x T) into (r x 1). Used for bias gradients.
func SumCols(m *mat.Dense) *mat.Dense {
	r, _ := m.Dims()
	return mat.NewDense(r, 1, RowSums(m))
}

// -------- Activations --------

// gelu(x) = 0.5 * x * (1 + tanh( sqrt(2/pi) * (x + 0.044715*x^3) ))
// GeluApply matches the mat.Dense.Apply signature; GeluPrime takes the
// pre-activation matrix.

func GeluApply(i, j int, x float64) float64 {
	const k = 0.7978845608028654 // sqrt(2/pi)
	t := k * (x + 0.044715*x*x*x)
	return 0.5 * x * (1.0 + math.Tanh(t))
}

func GeluPrime(m mat.Matrix) *mat.Dense {
	r, c := m.Dims()
	out := mat.NewDense(r, c, nil)
	const k = 0.7978845608028654 // sqrt(2/pi)
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			x := m.At(i, j)
			t := k * (x + 0.044715*x*x*x)
			th := math.Tanh(t)
			sech2 := 1.0 - th*th
			dt := k * (1.0 + 3.0*0.044715*x*x)
			out.Set(i, j, 0.5*(1.0+th)+0.5*x*sech2*dt)
		}
	}
	return out
}

func Sigmoid(x float64) float64 {
	if x >= 0 {
		return 1.0 / (1.0 + math.Exp(-x))
	}
	e := math.Exp(x)
	return e / (1.0 + e)
}

func TanhApply(i, j int, x float64) float64 { return math.Tanh(x) }

// -------- Bias and columns --------

func AddBias(m, bias *mat.Dense) *mat.Dense {
	r, c := m.Dims()
	rb, cb := bias.Dims()
	if rb != r || cb != 1 {
		panic("addBias: bias must be (r x 1)")
	}
	out := mat.NewDense(r, c, nil)
	for i := 0; i < r; i++ {
		b := bias.At(i, 0)
		for j := 0; j < c; j++ {
			out.Set(i, j, m.At(i, j)+b)
		}
	}
	return out
}

func LastCol(m *mat.Dense) *mat.Dense {
	r, c := m.Dims()
	return mat.NewDense(r, 1, mat.Col(nil, c-1, m))
}

// -------- Masks --------

// NegInf is the additive value of a disallowed attention position.
const NegInf = -1e30

// CausalMask returns (T x T) with 0 on and below diagonal, NegInf above.
func CausalMask(T int) *mat.Dense {
	out := mat.NewDense(T, T, nil)
	for i := 0; i < T; i++ {
		for j := i + 1; j < T; j++ {
			out.Set(i, j, NegInf)
		}
	}
	return out
}

// PaddingMask returns (tq x len(keys)) with NegInf in every column whose key is pad.
func PaddingMask(tq int, keys []int, pad int) *mat.Dense {
	out := mat.NewDense(tq, len(keys), nil)
	for j, id := range keys {
		if id != pad {
			continue
		}
		for i := 0; i < tq; i++ {
			out.Set(i, j, NegInf)
		}
	}
	return out
}

// CombineMasks adds masks of identical shape; nil entries are skipped.
func CombineMasks(masks ...*mat.Dense) *mat.Dense {
	var out *mat.Dense
	for _, m := range masks {
		if m == nil {
			continue
		}
		if out == nil {
			out = mat.DenseCopyOf(m)
			continue
		}
		out.Add(out, m)
	}
	return out
}

// ---------- Softmax variants ----------

// RowSoftmaxMaskedInPlace writes softmax(m+mask) into dst (r x c) in place.
// A nil mask means nothing is masked.
func RowSoftmaxMaskedInPlace(dst, m, mask *mat.Dense) *mat.Dense {
	r, c := m.Dims()
	if dr, dc := dst.Dims(); dr != r || dc != c {
		panic("RowSoftmaxMaskedInPlace: dst shape mismatch")
	}
	if mask != nil {
		if mr, mc := mask.Dims(); mr != r || mc != c {
			panic(fmt.Sprintf("RowSoftmaxMaskedInPlace: mask is %dx%d, scores %dx%d", mr, mc, r, c))
		}
	}
	row := make([]float64, c)
	for i := 0; i < r; i++ {
		mat.Row(row, i, m)
		if mask != nil {
			floats.Add(row, mask.RawRowView(i))
		}
		softmaxInPlace(row)
		dst.SetRow(i, row)
	}
	return dst
}

// RowSoftmax applies softmax independently to each row across columns.
func RowSoftmax(m mat.Matrix) *mat.Dense {
	r, c := m.Dims()
	out := mat.NewDense(r, c, nil)
	row := make([]float64, c)
	for i := 0; i < r; i++ {
		mat.Row(row, i, m)
		softmaxInPlace(row)
		out.SetRow(i, row)
	}
	return out
}

// ColVectorSoftmax applies softmax across the single column of a (r x 1) vector.
func ColVectorSoftmax(v *mat.Dense) *mat.Dense {
	r, c := v.Dims()
	if c != 1 {
		panic("ColVectorSoftmax expects a (r x 1) column vector")
	}
	col := mat.Col(nil, 0, v)
	softmaxInPlace(col)
	return mat.NewDense(r, 1, col)
}

func softmaxInPlace(x []float64) {
	mx := floats.Max(x)
	for i, v := range x {
		x[i] = math.Exp(v - mx)
	}
	floats.Scale(1/floats.Sum(x), x)
}

// Softmax backward for row-wise softmax used in attention.
// For each row i: s = sum_k dA[i,k] * A[i,k]; dS[i,j] = A[i,j] * (dA[i,j] - s)
func SoftmaxBackward(dA mat.Matrix, A *mat.Dense) *mat.Dense {
	r, c := A.Dims()
	dS := mat.NewDense(r, c, nil)
	for i := 0; i < r; i++ {
		s := 0.0
		for k := 0; k < c; k++ {
			s += dA.At(i, k) * A.At(i, k)
		}
		for j := 0; j < c; j++ {
			aj := A.At(i, j)
			dS.Set(i, j, aj*(dA.At(i, j)-s))
		}
	}
	return dS
}

// ---------- Loss ----------

// CrossEntropyWithIndex returns -log softmax(logits)[gold] and its gradient
// with respect to the logits.
func CrossEntropyWithIndex(logits *mat.Dense, gold int) (float64, *mat.Dense) {
	r, c := logits.Dims()
	if c != 1 {
		panic("CrossEntropyWithIndex expects (r x 1) logits vector")
	}
	if gold < 0 || gold >= r {
		panic(fmt.Sprintf("CrossEntropyWithIndex: gold index %d out of range [0,%d)", gold, r))
	}
	prob := ColVectorSoftmax(logits)
	loss := -math.Log(prob.At(gold, 0) + 1e-12)
	grad := prob
	grad.Set(gold, 0, grad.At(gold, 0)-1.0)
	return loss, grad
}

// BinaryCrossEntropy is -(y log p + (1-y) log(1-p)) with each log clamped at -100.
func BinaryCrossEntropy(p, y float64) float64 {
	logP := math.Max(math.Log(p), -100)
	log1mP := math.Max(math.Log(1-p), -100)
	return -(y*logP + (1-y)*log1mP)
}
