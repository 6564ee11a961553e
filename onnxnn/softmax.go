package onnxnn

import "math"

// softmax converts logits to probabilities in place-safe fashion.
func softmax(logits []float32) []float32 {
	maxLogit := float32(math.Inf(-1))
	for _, l := range logits {
		if l > maxLogit {
			maxLogit = l
		}
	}
	out := make([]float32, len(logits))
	var sum float64
	for i, l := range logits {
		e := math.Exp(float64(l - maxLogit))
		out[i] = float32(e)
		sum += e
	}
	for i := range out {
		out[i] = float32(float64(out[i]) / sum)
	}
	return out
}

func softmax3(logits []float32) [3]float32 {
	full := softmax(logits[:3])
	return [3]float32{full[0], full[1], full[2]}
}
