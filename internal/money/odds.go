package money

// Odds returns per-outcome probabilities in parts per million.
//
// With V = Σ v_i the raw weight of outcome i is (V - v_i) / V and the weights
// sum to n - 1, so p_i = (V - v_i) / ((n - 1) V). Every term is truncated,
// which leaves Σ p_i within n ppm below OddsScale. With V == 0 the odds are
// uniform.
func Odds(volumes []int64) []int64 {
	n := int64(len(volumes))
	odds := make([]int64, n)
	if n == 0 {
		return odds
	}
	if n == 1 {
		odds[0] = OddsScale
		return odds
	}

	var total int64
	for _, v := range volumes {
		total += v
	}
	if total == 0 {
		for i := range odds {
			odds[i] = OddsScale / n
		}
		return odds
	}

	num := getInt128()
	den := getInt128()
	defer putInt128(num)
	defer putInt128(den)

	// den = (n-1) * V
	den.SetInt64(n - 1)
	scratch := getInt128()
	defer putInt128(scratch)
	scratch.SetInt64(total)
	den.Mul(den, scratch)

	for i, v := range volumes {
		num.SetInt64(total - v)
		scratch.SetInt64(OddsScale)
		num.Mul(num, scratch)
		num.Quo(num, den)
		odds[i] = num.Int64()
	}
	return odds
}

// OddsTolerance is the largest shortfall of Σ Odds(v) from OddsScale.
func OddsTolerance(n int) int64 {
	return int64(n)
}
