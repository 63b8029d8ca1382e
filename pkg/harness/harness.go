// Package harness implements the weighted fuzzer-fleet allocator:
// declare harnesses at a default weight, scale weights up or down as
// crash yield data comes in, and sample a harness for each fuzzer-fleet
// slot proportionally to weight.
package harness

import (
	"context"
	"fmt"
	"math/rand"

	"github.com/trailofbits/crs-core/internal/registry"
	"github.com/trailofbits/crs-core/pkg/model"
)

// Allocator wraps the registry's harness_weights catalogue with the
// sampling logic the fuzzer fleet uses to pick which harness to run next.
type Allocator struct {
	reg *registry.Registry
}

// New builds an Allocator over reg.
func New(reg *registry.Registry) *Allocator {
	return &Allocator{reg: reg}
}

// Declare registers a harness at the default weight if not already known.
func (a *Allocator) Declare(ctx context.Context, taskID, pkg, harnessName string) error {
	return a.reg.DeclareHarness(ctx, taskID, pkg, harnessName)
}

// Scale multiplies a harness's weight by factor (>1 rewards recent yield,
// <1 penalizes a quiet harness), clamped to [0, 1000] by the registry.
func (a *Allocator) Scale(ctx context.Context, taskID, pkg, harnessName string, factor float64) error {
	return a.reg.ScaleHarnessWeight(ctx, taskID, pkg, harnessName, factor)
}

// ScaleByName scales every declared harness of taskID whose harness name
// matches, for feedback sources (crash yield, coverage gain) that know
// the harness but not the package it lives in.
func (a *Allocator) ScaleByName(ctx context.Context, taskID, harnessName string, factor float64) error {
	weights, err := a.reg.ScanHarnessWeights(ctx, taskID)
	if err != nil {
		return err
	}
	for _, w := range weights {
		if w.Harness != harnessName {
			continue
		}
		if err := a.reg.ScaleHarnessWeight(ctx, taskID, w.Package, w.Harness, factor); err != nil {
			return err
		}
	}
	return nil
}

// Sample draws one harness for taskID proportionally to its current
// weight, using rng for the draw so callers can make allocation
// deterministic in tests.
func (a *Allocator) Sample(ctx context.Context, taskID string, rng *rand.Rand) (*model.WeightedHarness, error) {
	weights, err := a.reg.ScanHarnessWeights(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if len(weights) == 0 {
		return nil, fmt.Errorf("harness: no harnesses declared for task %s", taskID)
	}

	var total float64
	for _, w := range weights {
		total += w.Weight
	}
	if total <= 0 {
		// Zero weight means "do not schedule"; with every harness at
		// zero there is nothing to run until a weight is raised.
		return nil, fmt.Errorf("harness: all harnesses suspended for task %s", taskID)
	}

	draw := rng.Float64() * total
	var cursor float64
	for _, w := range weights {
		cursor += w.Weight
		if draw < cursor {
			return w, nil
		}
	}
	return weights[len(weights)-1], nil
}
