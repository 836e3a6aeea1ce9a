package feature

import (
	"fmt"
	"log/slog"
	"math"

	"tradeorch/internal/ir"
	"tradeorch/pkg/types"
)

// ComputePlan walks a compiled feature plan in order and returns the value
// of every feature for the bar at the end of bars.
//
// The plan is already topologically sorted, so each compute sees all of its
// dependencies in the snapshot. A failing or panicking compute records NaN
// for that feature and never aborts the bar.
func ComputePlan(plan []ir.PlannedFeature, bars []types.Bar, logger *slog.Logger) map[string]float64 {
	snapshot := make(map[string]float64, len(plan))
	if len(bars) == 0 {
		for _, f := range plan {
			snapshot[f.Name] = math.NaN()
		}
		return snapshot
	}
	current := bars[len(bars)-1]

	for _, f := range plan {
		entry, ok := Get(f.Registry)
		if !ok {
			// Unreachable after compilation; guard anyway.
			snapshot[f.Name] = math.NaN()
			logger.Error("feature not in registry", "feature", f.Name, "registry", f.Registry)
			continue
		}

		ctx := &Context{
			Bar:      current,
			Bars:     bars,
			Features: snapshot,
			Params:   f.Params,
		}

		v, err := safeCompute(entry, ctx)
		if err != nil {
			logger.Warn("feature compute failed", "feature", f.Name, "error", err)
			v = math.NaN()
		}
		snapshot[f.Name] = v
	}
	return snapshot
}

// safeCompute contains panics from indicator code so one bad feature cannot
// take down the bar.
func safeCompute(entry Entry, ctx *Context) (v float64, err error) {
	defer func() {
		if r := recover(); r != nil {
			v = math.NaN()
			err = fmt.Errorf("panic in %s: %v", entry.Name, r)
		}
	}()
	return entry.Compute(ctx)
}
