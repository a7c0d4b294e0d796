package hasher

import "math"

// Entropy returns the Shannon entropy of data in bits per byte.
// Encrypted or compressed content is close to 8, plain text around 4.5-5.5.
func Entropy(data []byte) float64 {
	if len(data) == 0 {
		return 0.0
	}

	var frequencies [256]int
	for _, b := range data {
		frequencies[b]++
	}

	entropy := 0.0
	dataLen := float64(len(data))
	for _, freq := range frequencies {
		if freq > 0 {
			p := float64(freq) / dataLen
			entropy -= p * math.Log2(p)
		}
	}

	// rounding can push a uniform sample a hair past the bounds
	return math.Min(8, math.Max(0, entropy))
}
