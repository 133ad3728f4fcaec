package bytegpt

import "math"

// sampleMult draws an index from a categorical distribution given a uniform
// coin in [0, 1).
func sampleMult(probabilities []float32, coin float32) int {
	var cdf float32
	for i, prob := range probabilities {
		cdf += prob
		if coin < cdf {
			return i
		}
	}
	return len(probabilities) - 1 // rounding slack
}

// softmaxTemp normalizes logits at the given temperature.
func softmaxTemp(logits []float32, temperature float32) []float32 {
	out := make([]float32, len(logits))
	maxval := float32(math.Inf(-1))
	for _, v := range logits {
		if v > maxval {
			maxval = v
		}
	}
	var sum float64
	for i, v := range logits {
		e := math.Exp(float64((v - maxval) / temperature))
		out[i] = float32(e)
		sum += e
	}
	for i := range out {
		out[i] /= float32(sum)
	}
	return out
}

func argmax(v []float32) int {
	best, bestVal := 0, float32(math.Inf(-1))
	for i, x := range v {
		if x > bestVal {
			best, bestVal = i, x
		}
	}
	return best
}
