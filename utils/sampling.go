package utils

import (
	"math"
	"math/rand/v2"
	"sort"
)

// TopKSampling draws an index from softmax(logits/temperature) restricted
// to the k highest logits. k <= 0 or k >= len(logits) samples from the full
// distribution.
func TopKSampling(logits []float64, k int, temperature float64, rng *rand.Rand) int {
	if len(logits) == 0 {
		panic("TopKSampling: empty logits")
	}
	if temperature <= 0 {
		temperature = 1
	}
	type kv struct {
		id  int
		val float64
	}
	arr := make([]kv, len(logits))
	for i, l := range logits {
		arr[i] = kv{id: i, val: l / temperature}
	}

	// Sort descending by logit; ties keep the lower id first.
	sort.SliceStable(arr, func(i, j int) bool { return arr[i].val > arr[j].val })
	if k > 0 && k < len(arr) {
		arr = arr[:k]
	}

	// Renormalize over the kept tokens
	mx := arr[0].val
	sum := 0.0
	for i := range arr {
		arr[i].val = math.Exp(arr[i].val - mx)
		sum += arr[i].val
	}

	rnd := rng.Float64() * sum
	cum := 0.0
	for _, e := range arr {
		cum += e.val
		if rnd < cum {
			return e.id
		}
	}
	return arr[len(arr)-1].id // fallback
}
