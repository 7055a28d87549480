package stats

import (
	"encoding/json"
	"math/big"
)

// accumulator collects the values seen at one key path during a window.
// The concrete type is fixed by the first value observed at that path;
// values of another type are dropped.
type accumulator interface {
	// add records v and reports whether it was accepted.
	add(v any) bool
	// stat returns the window statistic; ok is false when the accumulator
	// contributes nothing to the output.
	stat() (value float64, ok bool)
}

// newAccumulator picks the accumulator variant for the first value at a path.
func newAccumulator(v any) accumulator {
	if _, ok := toNumber(v); ok {
		return &numberAcc{}
	}
	switch v.(type) {
	case string:
		return &stringAcc{seen: make(map[string]struct{})}
	case bool:
		return &boolAcc{}
	default:
		return unsupportedAcc{}
	}
}

// numberAcc tracks the population variance with Welford's online update.
type numberAcc struct {
	n    int
	mean float64
	m2   float64
}

func (a *numberAcc) add(v any) bool {
	x, ok := toNumber(v)
	if !ok {
		return false
	}
	a.n++
	delta := x - a.mean
	a.mean += delta / float64(a.n)
	a.m2 += delta * (x - a.mean)
	return true
}

func (a *numberAcc) stat() (float64, bool) {
	if a.n == 0 {
		return 0, true
	}
	return a.m2 / float64(a.n), true
}

// stringAcc counts distinct strings.
type stringAcc struct {
	seen map[string]struct{}
}

func (a *stringAcc) add(v any) bool {
	s, ok := v.(string)
	if !ok {
		return false
	}
	a.seen[s] = struct{}{}
	return true
}

func (a *stringAcc) stat() (float64, bool) {
	return float64(len(a.seen)), true
}

// boolAcc counts distinct booleans.
type boolAcc struct {
	sawTrue, sawFalse bool
}

func (a *boolAcc) add(v any) bool {
	b, ok := v.(bool)
	if !ok {
		return false
	}
	if b {
		a.sawTrue = true
	} else {
		a.sawFalse = true
	}
	return true
}

func (a *boolAcc) stat() (float64, bool) {
	n := 0
	if a.sawTrue {
		n++
	}
	if a.sawFalse {
		n++
	}
	return float64(n), true
}

// unsupportedAcc binds a path whose first value was null or otherwise
// unrecognized. It never produces output.
type unsupportedAcc struct{}

func (unsupportedAcc) add(any) bool { return false }

func (unsupportedAcc) stat() (float64, bool) { return 0, false }

// toNumber converts the numeric types produced by the JSON parser.
func toNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case int64:
		return float64(n), true
	case float64:
		return n, true
	case int:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case *big.Int:
		f, _ := new(big.Float).SetInt(n).Float64()
		return f, true
	case *big.Float:
		f, _ := n.Float64()
		return f, true
	default:
		return 0, false
	}
}
