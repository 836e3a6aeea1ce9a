// Package feature provides the process-wide registry of built-in features
// and the per-bar plan walker.
//
// The registry is read-only after init. Each entry carries a pure compute
// function, its declared dependencies on other features, and the lookback
// (bars of history) it needs before producing a real value. Window
// indicators are backed by go-talib; builtins project the current bar;
// microstructure features are bar-internal statistics.
//
// Until enough history has accumulated a compute returns NaN, which is not
// an error: rules comparing against NaN are simply false.
package feature

import (
	"fmt"
	"math"
	"sort"

	"github.com/markcheno/go-talib"

	"tradeorch/internal/ir"
	"tradeorch/pkg/types"
)

// Context is what a compute function sees: the current bar, the bar window
// ending at the current bar (oldest first), the features already computed
// this bar, and the entry's parameters from the strategy document.
type Context struct {
	Bar      types.Bar
	Bars     []types.Bar // includes the current bar as the last element
	Features map[string]float64
	Params   map[string]float64
}

// Param returns a named parameter or the given default.
func (c *Context) Param(name string, def float64) float64 {
	if v, ok := c.Params[name]; ok {
		return v
	}
	return def
}

// Dep returns a previously computed feature this entry declared a
// dependency on. Missing dependencies come back as NaN.
func (c *Context) Dep(name string) float64 {
	if v, ok := c.Features[name]; ok {
		return v
	}
	return math.NaN()
}

// ComputeFunc computes one feature value for the current bar.
type ComputeFunc func(ctx *Context) (float64, error)

// Entry is one registry row.
type Entry struct {
	Name      string
	Kind      ir.FeatureKind
	DependsOn []string
	// Lookback maps the entry's params to the bars of history required.
	Lookback func(params map[string]float64) int
	Compute  ComputeFunc
}

var registry = map[string]Entry{}

func register(e Entry) {
	if _, dup := registry[e.Name]; dup {
		panic(fmt.Sprintf("feature %q registered twice", e.Name))
	}
	registry[e.Name] = e
}

// Get looks up a registry entry by name.
func Get(name string) (Entry, bool) {
	e, ok := registry[name]
	return e, ok
}

// Names returns all registry entry names, sorted.
func Names() []string {
	out := make([]string, 0, len(registry))
	for name := range registry {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// BarBuiltins are the identifiers rules may use without declaring a
// feature. "price" aliases the close.
var BarBuiltins = []string{"open", "high", "low", "close", "volume", "price"}

// IsBarBuiltin reports whether name is a bar builtin.
func IsBarBuiltin(name string) bool {
	for _, b := range BarBuiltins {
		if b == name {
			return true
		}
	}
	return false
}

func closes(bars []types.Bar) []float64 {
	out := make([]float64, len(bars))
	for i, b := range bars {
		out[i] = b.Close
	}
	return out
}

func highs(bars []types.Bar) []float64 {
	out := make([]float64, len(bars))
	for i, b := range bars {
		out[i] = b.High
	}
	return out
}

func lows(bars []types.Bar) []float64 {
	out := make([]float64, len(bars))
	for i, b := range bars {
		out[i] = b.Low
	}
	return out
}

func volumes(bars []types.Bar) []float64 {
	out := make([]float64, len(bars))
	for i, b := range bars {
		out[i] = b.Volume
	}
	return out
}

func last(vals []float64) float64 {
	if len(vals) == 0 {
		return math.NaN()
	}
	return vals[len(vals)-1]
}

func periodLookback(def float64) func(map[string]float64) int {
	return func(p map[string]float64) int {
		period := def
		if v, ok := p["period"]; ok {
			period = v
		}
		return int(period) + 1
	}
}

func intParam(p map[string]float64, name string, def int) int {
	if v, ok := p[name]; ok {
		return int(v)
	}
	return def
}

func init() {
	// ————————————————————————————————————————————————————————————————
	// Builtins: projections of the current bar
	// ————————————————————————————————————————————————————————————————
	builtin := func(name string, get func(b types.Bar) float64) {
		register(Entry{
			Name:     name,
			Kind:     ir.KindBuiltin,
			Lookback: func(map[string]float64) int { return 1 },
			Compute: func(ctx *Context) (float64, error) {
				return get(ctx.Bar), nil
			},
		})
	}
	builtin("open", func(b types.Bar) float64 { return b.Open })
	builtin("high", func(b types.Bar) float64 { return b.High })
	builtin("low", func(b types.Bar) float64 { return b.Low })
	builtin("close", func(b types.Bar) float64 { return b.Close })
	builtin("volume", func(b types.Bar) float64 { return b.Volume })
	builtin("price", func(b types.Bar) float64 { return b.Close })
	builtin("typical_price", func(b types.Bar) float64 { return (b.High + b.Low + b.Close) / 3 })

	// ————————————————————————————————————————————————————————————————
	// Indicators: window functions over the bar history (go-talib)
	// ————————————————————————————————————————————————————————————————
	register(Entry{
		Name:     "sma",
		Kind:     ir.KindIndicator,
		Lookback: periodLookback(20),
		Compute: func(ctx *Context) (float64, error) {
			period := intParam(ctx.Params, "period", 20)
			if len(ctx.Bars) < period {
				return math.NaN(), nil
			}
			return last(talib.Sma(closes(ctx.Bars), period)), nil
		},
	})
	register(Entry{
		Name:     "ema",
		Kind:     ir.KindIndicator,
		Lookback: periodLookback(20),
		Compute: func(ctx *Context) (float64, error) {
			period := intParam(ctx.Params, "period", 20)
			if len(ctx.Bars) < period {
				return math.NaN(), nil
			}
			return last(talib.Ema(closes(ctx.Bars), period)), nil
		},
	})
	register(Entry{
		Name:     "wma",
		Kind:     ir.KindIndicator,
		Lookback: periodLookback(20),
		Compute: func(ctx *Context) (float64, error) {
			period := intParam(ctx.Params, "period", 20)
			if len(ctx.Bars) < period {
				return math.NaN(), nil
			}
			return last(talib.Wma(closes(ctx.Bars), period)), nil
		},
	})
	register(Entry{
		Name:     "rsi",
		Kind:     ir.KindIndicator,
		Lookback: periodLookback(14),
		Compute: func(ctx *Context) (float64, error) {
			period := intParam(ctx.Params, "period", 14)
			if len(ctx.Bars) < period+1 {
				return math.NaN(), nil
			}
			return last(talib.Rsi(closes(ctx.Bars), period)), nil
		},
	})
	register(Entry{
		Name:     "atr",
		Kind:     ir.KindIndicator,
		Lookback: periodLookback(14),
		Compute: func(ctx *Context) (float64, error) {
			period := intParam(ctx.Params, "period", 14)
			if len(ctx.Bars) < period+1 {
				return math.NaN(), nil
			}
			return last(talib.Atr(highs(ctx.Bars), lows(ctx.Bars), closes(ctx.Bars), period)), nil
		},
	})
	register(Entry{
		Name:     "stddev",
		Kind:     ir.KindIndicator,
		Lookback: periodLookback(20),
		Compute: func(ctx *Context) (float64, error) {
			period := intParam(ctx.Params, "period", 20)
			if len(ctx.Bars) < period {
				return math.NaN(), nil
			}
			return last(talib.StdDev(closes(ctx.Bars), period, 1.0)), nil
		},
	})
	register(Entry{
		Name:     "obv",
		Kind:     ir.KindIndicator,
		Lookback: func(map[string]float64) int { return 2 },
		Compute: func(ctx *Context) (float64, error) {
			if len(ctx.Bars) < 2 {
				return math.NaN(), nil
			}
			return last(talib.Obv(closes(ctx.Bars), volumes(ctx.Bars))), nil
		},
	})
	register(Entry{
		Name:     "mfi",
		Kind:     ir.KindIndicator,
		Lookback: periodLookback(14),
		Compute: func(ctx *Context) (float64, error) {
			period := intParam(ctx.Params, "period", 14)
			if len(ctx.Bars) < period+1 {
				return math.NaN(), nil
			}
			return last(talib.Mfi(highs(ctx.Bars), lows(ctx.Bars), closes(ctx.Bars), volumes(ctx.Bars), period)), nil
		},
	})

	macdLookback := func(p map[string]float64) int {
		return intParam(p, "slow", 26) + intParam(p, "signal", 9) + 1
	}
	register(Entry{
		Name:     "macd",
		Kind:     ir.KindIndicator,
		Lookback: macdLookback,
		Compute: func(ctx *Context) (float64, error) {
			fast, slow, signal := intParam(ctx.Params, "fast", 12), intParam(ctx.Params, "slow", 26), intParam(ctx.Params, "signal", 9)
			if len(ctx.Bars) < slow+signal {
				return math.NaN(), nil
			}
			macd, _, _ := talib.Macd(closes(ctx.Bars), fast, slow, signal)
			return last(macd), nil
		},
	})
	register(Entry{
		Name:     "macd_signal",
		Kind:     ir.KindIndicator,
		Lookback: macdLookback,
		Compute: func(ctx *Context) (float64, error) {
			fast, slow, signal := intParam(ctx.Params, "fast", 12), intParam(ctx.Params, "slow", 26), intParam(ctx.Params, "signal", 9)
			if len(ctx.Bars) < slow+signal {
				return math.NaN(), nil
			}
			_, sig, _ := talib.Macd(closes(ctx.Bars), fast, slow, signal)
			return last(sig), nil
		},
	})
	// Histogram reads the two MACD lines computed earlier in the plan
	// rather than recomputing them.
	register(Entry{
		Name:      "macd_histogram",
		Kind:      ir.KindIndicator,
		DependsOn: []string{"macd", "macd_signal"},
		Lookback:  macdLookback,
		Compute: func(ctx *Context) (float64, error) {
			return ctx.Dep("macd") - ctx.Dep("macd_signal"), nil
		},
	})

	bbLookback := periodLookback(20)
	register(Entry{
		Name:     "bb_middle",
		Kind:     ir.KindIndicator,
		Lookback: bbLookback,
		Compute: func(ctx *Context) (float64, error) {
			period := intParam(ctx.Params, "period", 20)
			if len(ctx.Bars) < period {
				return math.NaN(), nil
			}
			_, mid, _ := talib.BBands(closes(ctx.Bars), period, ctx.Param("mult", 2), ctx.Param("mult", 2), talib.SMA)
			return last(mid), nil
		},
	})
	register(Entry{
		Name:     "bb_upper",
		Kind:     ir.KindIndicator,
		Lookback: bbLookback,
		Compute: func(ctx *Context) (float64, error) {
			period := intParam(ctx.Params, "period", 20)
			if len(ctx.Bars) < period {
				return math.NaN(), nil
			}
			up, _, _ := talib.BBands(closes(ctx.Bars), period, ctx.Param("mult", 2), ctx.Param("mult", 2), talib.SMA)
			return last(up), nil
		},
	})
	register(Entry{
		Name:     "bb_lower",
		Kind:     ir.KindIndicator,
		Lookback: bbLookback,
		Compute: func(ctx *Context) (float64, error) {
			period := intParam(ctx.Params, "period", 20)
			if len(ctx.Bars) < period {
				return math.NaN(), nil
			}
			_, _, lo := talib.BBands(closes(ctx.Bars), period, ctx.Param("mult", 2), ctx.Param("mult", 2), talib.SMA)
			return last(lo), nil
		},
	})
	register(Entry{
		Name:     "vwap",
		Kind:     ir.KindIndicator,
		Lookback: periodLookback(20),
		Compute: func(ctx *Context) (float64, error) {
			period := intParam(ctx.Params, "period", 20)
			if len(ctx.Bars) < period {
				return math.NaN(), nil
			}
			window := ctx.Bars[len(ctx.Bars)-period:]
			var pv, vol float64
			for _, b := range window {
				tp := (b.High + b.Low + b.Close) / 3
				pv += tp * b.Volume
				vol += b.Volume
			}
			if vol == 0 {
				return math.NaN(), nil
			}
			return pv / vol, nil
		},
	})

	// ————————————————————————————————————————————————————————————————
	// Microstructure: bar-internal statistics
	// ————————————————————————————————————————————————————————————————
	register(Entry{
		Name:     "bar_range",
		Kind:     ir.KindMicrostructure,
		Lookback: func(map[string]float64) int { return 1 },
		Compute: func(ctx *Context) (float64, error) {
			return ctx.Bar.High - ctx.Bar.Low, nil
		},
	})
	register(Entry{
		Name:     "body",
		Kind:     ir.KindMicrostructure,
		Lookback: func(map[string]float64) int { return 1 },
		Compute: func(ctx *Context) (float64, error) {
			return math.Abs(ctx.Bar.Close - ctx.Bar.Open), nil
		},
	})
	register(Entry{
		Name:     "upper_wick",
		Kind:     ir.KindMicrostructure,
		Lookback: func(map[string]float64) int { return 1 },
		Compute: func(ctx *Context) (float64, error) {
			return ctx.Bar.High - math.Max(ctx.Bar.Open, ctx.Bar.Close), nil
		},
	})
	register(Entry{
		Name:     "lower_wick",
		Kind:     ir.KindMicrostructure,
		Lookback: func(map[string]float64) int { return 1 },
		Compute: func(ctx *Context) (float64, error) {
			return math.Min(ctx.Bar.Open, ctx.Bar.Close) - ctx.Bar.Low, nil
		},
	})
	// Where in the bar's range the close landed: 0 = at the low, 1 = at
	// the high. NaN for zero-range bars.
	register(Entry{
		Name:     "close_location",
		Kind:     ir.KindMicrostructure,
		Lookback: func(map[string]float64) int { return 1 },
		Compute: func(ctx *Context) (float64, error) {
			rng := ctx.Bar.High - ctx.Bar.Low
			if rng == 0 {
				return math.NaN(), nil
			}
			return (ctx.Bar.Close - ctx.Bar.Low) / rng, nil
		},
	})
	register(Entry{
		Name:     "gap_pct",
		Kind:     ir.KindMicrostructure,
		Lookback: func(map[string]float64) int { return 2 },
		Compute: func(ctx *Context) (float64, error) {
			if len(ctx.Bars) < 2 {
				return math.NaN(), nil
			}
			prev := ctx.Bars[len(ctx.Bars)-2].Close
			if prev == 0 {
				return math.NaN(), nil
			}
			return (ctx.Bar.Open - prev) / prev * 100, nil
		},
	})
}
