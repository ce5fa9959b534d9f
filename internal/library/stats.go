package library

import (
	"fmt"
	"math"
	"sort"
)

func sum(xs []float64) float64 {
	var s float64
	for _, x := range xs {
		s += x
	}
	return s
}

func mean(xs []float64) float64 {
	if len(xs) == 0 {
		return math.NaN()
	}
	return sum(xs) / float64(len(xs))
}

func median(xs []float64) float64 {
	return percentile(xs, 50)
}

// std is the sample standard deviation (n-1 denominator).
func std(xs []float64) float64 {
	if len(xs) < 2 {
		return math.NaN()
	}
	m := mean(xs)
	var ss float64
	for _, x := range xs {
		ss += (x - m) * (x - m)
	}
	return math.Sqrt(ss / float64(len(xs)-1))
}

func minOf(xs []float64) float64 {
	if len(xs) == 0 {
		return math.NaN()
	}
	m := xs[0]
	for _, x := range xs[1:] {
		if x < m {
			m = x
		}
	}
	return m
}

func maxOf(xs []float64) float64 {
	if len(xs) == 0 {
		return math.NaN()
	}
	m := xs[0]
	for _, x := range xs[1:] {
		if x > m {
			m = x
		}
	}
	return m
}

// percentile uses linear interpolation between closest ranks.
func percentile(xs []float64, q float64) float64 {
	if len(xs) == 0 {
		return math.NaN()
	}
	s := make([]float64, len(xs))
	copy(s, xs)
	sort.Float64s(s)
	if q <= 0 {
		return s[0]
	}
	if q >= 100 {
		return s[len(s)-1]
	}
	pos := q / 100 * float64(len(s)-1)
	lo := int(math.Floor(pos))
	hi := int(math.Ceil(pos))
	frac := pos - float64(lo)
	return s[lo] + (s[hi]-s[lo])*frac
}

func cumsum(xs []float64) []float64 {
	out := make([]float64, len(xs))
	var s float64
	for i, x := range xs {
		s += x
		out[i] = s
	}
	return out
}

func roundTo(x float64, digits int) float64 {
	if math.IsNaN(x) || math.IsInf(x, 0) {
		return x
	}
	p := math.Pow(10, float64(digits))
	return math.Round(x*p) / p
}

// compare orders mixed values: nulls first, then numbers, then everything
// else by its text.
func compare(a, b any) int {
	af, aok, anull := toFloat(a)
	bf, bok, bnull := toFloat(b)
	switch {
	case anull && bnull:
		return 0
	case anull:
		return -1
	case bnull:
		return 1
	}
	_, aIsString := a.(string)
	_, bIsString := b.(string)
	if aok && bok && !aIsString && !bIsString {
		switch {
		case af < bf:
			return -1
		case af > bf:
			return 1
		}
		return 0
	}
	as, bs := fmt.Sprint(a), fmt.Sprint(b)
	switch {
	case as < bs:
		return -1
	case as > bs:
		return 1
	}
	return 0
}

// key is the map key used for grouping and uniqueness.
func key(x any) string {
	if x == nil {
		return "\x00null"
	}
	return fmt.Sprintf("%T:%v", x, x)
}

func unique(vals []any) []any {
	seen := make(map[string]bool, len(vals))
	var out []any
	for _, v := range vals {
		k := key(v)
		if seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, v)
	}
	return out
}

// counts returns the distinct non-null values and their frequencies, most
// frequent first, ties in first-seen order.
func counts(vals []any) ([]any, []float64) {
	idx := make(map[string]int)
	var keys []any
	var n []float64
	for _, v := range vals {
		if v == nil {
			continue
		}
		k := key(v)
		i, ok := idx[k]
		if !ok {
			i = len(keys)
			idx[k] = i
			keys = append(keys, v)
			n = append(n, 0)
		}
		n[i]++
	}
	order := make([]int, len(keys))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool { return n[order[a]] > n[order[b]] })
	outK := make([]any, len(keys))
	outN := make([]float64, len(keys))
	for i, o := range order {
		outK[i], outN[i] = keys[o], n[o]
	}
	return outK, outN
}

// nanToNil keeps NaN out of tables so results stay JSON-encodable.
func nanToNil(f float64) any {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil
	}
	return f
}
