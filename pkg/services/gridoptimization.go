package services

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/qcforge/qcforge/pkg/storage"
	"github.com/qcforge/qcforge/pkg/types"
)

// preoptimizationKey marks the unconstrained warm-up optimization.
const preoptimizationKey = "preoptimization"

// Gridoptimization walks a scan grid of constrained optimizations. An
// optional preoptimization relaxes the input geometry first; every
// grid point is then optimized from the starting geometry with its
// scan coordinates constrained.
type Gridoptimization struct{}

func (Gridoptimization) RecordType() types.RecordType { return types.RecordTypeGridoptimization }

type goState struct {
	Phase    string           `json:"phase"` // "", "preopt", "scan"
	Children map[string]int64 `json:"children"`
}

func (Gridoptimization) Iterate(ctx context.Context, tx *storage.Tx, svc *storage.ServiceMeta) (bool, error) {
	spec, kw, initialMol, err := tx.GridoptimizationData(ctx, svc.RecordID)
	if err != nil {
		return false, err
	}
	if len(kw.Scans) == 0 {
		return false, fmt.Errorf("gridoptimization has no scan dimensions")
	}

	var state goState
	if err := json.Unmarshal(svc.State, &state); err != nil {
		return false, fmt.Errorf("decode service state: %w", err)
	}

	switch state.Phase {
	case "":
		state.Children = make(map[string]int64)
		if kw.Preoptimization {
			ids, _, err := tx.AddOptimizations(ctx, spec,
				[]storage.MoleculeRef{{ID: initialMol}}, svc.Tag, svc.Priority, "")
			if err != nil {
				return false, err
			}
			state.Phase = "preopt"
			state.Children[preoptimizationKey] = ids[0]
			if err := tx.AddServiceDependency(ctx, svc.ID, types.ServiceDependency{
				ServiceID: svc.ID, RecordID: ids[0], Key: preoptimizationKey,
			}); err != nil {
				return false, err
			}
			return false, tx.SetServiceState(ctx, svc.ID, &state)
		}
		return false, spawnScanWave(ctx, tx, svc, &state, spec, kw, initialMol)

	case "preopt":
		preoptID := state.Children[preoptimizationKey]
		startingMol, _, err := tx.OptimizationOutcome(ctx, preoptID)
		if err != nil {
			return false, err
		}
		if err := tx.SetGridoptimizationStarting(ctx, svc.RecordID, startingMol); err != nil {
			return false, err
		}
		return false, spawnScanWave(ctx, tx, svc, &state, spec, kw, startingMol)

	case "scan":
		finalEnergies := make(map[string]float64)
		for key, childID := range state.Children {
			if key == preoptimizationKey {
				continue
			}
			_, energy, err := tx.OptimizationOutcome(ctx, childID)
			if err != nil {
				return false, err
			}
			finalEnergies[key] = energy
		}
		if err := tx.SetGridoptimizationResults(ctx, svc.RecordID, finalEnergies); err != nil {
			return false, err
		}
		return true, nil
	}
	return false, fmt.Errorf("unknown gridoptimization phase %q", state.Phase)
}

// spawnScanWave submits one constrained optimization per grid point,
// all seeded from the starting geometry.
func spawnScanWave(ctx context.Context, tx *storage.Tx, svc *storage.ServiceMeta, state *goState, spec types.OptimizationSpecification, kw types.GridoptimizationKeywords, startMol int64) error {
	points := scanPoints(kw.Scans)
	for pos, point := range points {
		key := scanKey(point)
		cspec := scanConstrainedSpec(spec, kw.Scans, point)
		ids, _, err := tx.AddOptimizations(ctx, cspec,
			[]storage.MoleculeRef{{ID: startMol}}, svc.Tag, svc.Priority, "")
		if err != nil {
			return err
		}
		state.Children[key] = ids[0]
		if err := tx.AddServiceDependency(ctx, svc.ID, types.ServiceDependency{
			ServiceID: svc.ID, RecordID: ids[0], Key: key, Position: pos,
		}); err != nil {
			return err
		}
	}
	state.Phase = "scan"
	return tx.SetServiceState(ctx, svc.ID, state)
}

// scanPoints enumerates the cartesian product of step indices.
func scanPoints(scans []types.ScanDimension) [][]int {
	points := [][]int{{}}
	for _, scan := range scans {
		var next [][]int
		for _, p := range points {
			for i := range scan.Steps {
				q := append(append([]int(nil), p...), i)
				next = append(next, q)
			}
		}
		points = next
	}
	return points
}

// scanKey is the canonical grid key: a JSON array of step indices.
func scanKey(point []int) string {
	data, _ := json.Marshal(point)
	return string(data)
}

// scanConstrainedSpec adds the scan constraints for one grid point to
// the optimizer keywords. Relative steps are resolved by the optimizer
// against the starting geometry.
func scanConstrainedSpec(spec types.OptimizationSpecification, scans []types.ScanDimension, point []int) types.OptimizationSpecification {
	set := make([]map[string]interface{}, 0, len(scans))
	for d, scan := range scans {
		set = append(set, map[string]interface{}{
			"type":     string(scan.Type),
			"indices":  scan.Indices,
			"value":    scan.Steps[point[d]],
			"relative": scan.StepType == "relative",
		})
	}

	out := spec
	out.Keywords = make(map[string]interface{}, len(spec.Keywords)+1)
	for k, v := range spec.Keywords {
		out.Keywords[k] = v
	}
	out.Keywords["constraints"] = map[string]interface{}{"set": set}
	return out
}
