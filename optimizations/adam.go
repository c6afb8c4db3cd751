package optimizations

import (
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/manningwu07/textgen/nn"
	"github.com/manningwu07/textgen/params"
	"github.com/manningwu07/textgen/utils"
)

// p -= lr * (mhat/(sqrt(vhat)+eps) + wd * p) with bias correction (AdamW).
func AdamUpdateInPlace(
	p, g, m, v *mat.Dense,
	t int,
	lr, beta1, beta2, eps, weightDecay float64,
) {
	pr, pc := p.Dims()
	if gr, gc := g.Dims(); gr != pr || gc != pc {
		panic("adamUpdateInPlace: grad shape mismatch")
	}
	if mr, mc := m.Dims(); mr != pr || mc != pc {
		panic("adamUpdateInPlace: m shape mismatch")
	}
	if vr, vc := v.Dims(); vr != pr || vc != pc {
		panic("adamUpdateInPlace: v shape mismatch")
	}
	c1 := 1.0 / (1.0 - math.Pow(beta1, float64(t)))
	c2 := 1.0 / (1.0 - math.Pow(beta2, float64(t)))
	for i := 0; i < pr; i++ {
		for j := 0; j < pc; j++ {
			gij := g.At(i, j)
			mij := beta1*m.At(i, j) + (1.0-beta1)*gij
			vij := beta2*v.At(i, j) + (1.0-beta2)*gij*gij
			mhat := mij * c1
			vhat := vij * c2
			update := mhat/(math.Sqrt(vhat)+eps) + weightDecay*p.At(i, j)
			m.Set(i, j, mij)
			v.Set(i, j, vij)
			p.Set(i, j, p.At(i, j)-lr*update)
		}
	}
}

// Adam applies AdamW to a fixed parameter set.
type Adam struct {
	Params      []*nn.Param
	LR          float64 // peak learning rate
	Beta1       float64
	Beta2       float64
	Eps         float64
	WeightDecay float64
	GradClip    float64
	WarmupSteps int
	DecaySteps  int
	T           int // steps taken
}

func NewAdam(ps []*nn.Param, cfg params.TrainingConfig) *Adam {
	return &Adam{
		Params:      ps,
		LR:          cfg.LearningRate,
		Beta1:       cfg.AdamBeta1,
		Beta2:       cfg.AdamBeta2,
		Eps:         cfg.AdamEps,
		WeightDecay: cfg.WeightDecay,
		GradClip:    cfg.GradClip,
		WarmupSteps: cfg.WarmupSteps,
		DecaySteps:  cfg.DecaySteps,
	}
}

// Step clips the accumulated gradients, updates every parameter and clears
// the gradients. It returns the learning rate used.
func (a *Adam) Step() float64 {
	a.T++
	lr := LRSchedule(a.T, a.LR, a.WarmupSteps, a.DecaySteps)

	if a.GradClip > 0 {
		grads := make([]*mat.Dense, len(a.Params))
		for i, p := range a.Params {
			grads[i] = p.Grad
		}
		if s := utils.ClipGrads(a.GradClip, grads...); s < 1.0 {
			utils.Debugf("adam: clipped grads by %.4f at step %d", s, a.T)
		}
	}
	for _, p := range a.Params {
		wd := a.WeightDecay
		if p.NoDecay {
			wd = 0
		}
		AdamUpdateInPlace(p.W, p.Grad, p.M, p.V, a.T, lr, a.Beta1, a.Beta2, a.Eps, wd)
		p.ZeroGrad()
	}
	return lr
}

func (a *Adam) ZeroGrad() { nn.ZeroGrads(a.Params) }

// ------- LR schedule: linear warmup, then cosine decay --------
func LRSchedule(step int, peak float64, warmup, decay int) float64 {
	if step <= 0 {
		return 0
	}
	if warmup > 0 && step < warmup {
		return peak * float64(step) / float64(warmup)
	}
	if decay > 0 {
		x := float64(step-warmup) / float64(decay)
		x = math.Max(0, math.Min(1, x))
		return peak * 0.5 * (1 + math.Cos(math.Pi*x))
	}
	return peak
}
