package services

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/qcforge/qcforge/pkg/storage"
	"github.com/qcforge/qcforge/pkg/types"
)

// NEB evaluates gradients along the interior images of a chain, locates
// the highest-energy image, and optionally refines it into a transition
// state with a follow-up hessian. The chain endpoints are the fixed
// reactant and product geometries and receive no gradients.
type NEB struct{}

func (NEB) RecordType() types.RecordType { return types.RecordTypeNEB }

type nebState struct {
	Phase        string  `json:"phase"` // "", "band", "ts_opt", "ts_hess"
	BandChildren []int64 `json:"band_children"`
	TSOptID      int64   `json:"ts_opt_id,omitempty"`
	TSHessianID  int64   `json:"ts_hessian_id,omitempty"`
}

func (NEB) Iterate(ctx context.Context, tx *storage.Tx, svc *storage.ServiceMeta) (bool, error) {
	spec, optSpec, kw, chain, err := tx.NEBData(ctx, svc.RecordID)
	if err != nil {
		return false, err
	}
	if len(chain) < 3 {
		return false, fmt.Errorf("neb chain has fewer than three images")
	}

	var state nebState
	if err := json.Unmarshal(svc.State, &state); err != nil {
		return false, fmt.Errorf("decode service state: %w", err)
	}

	switch state.Phase {
	case "":
		bandSpec := spec
		bandSpec.Driver = types.DriverGradient
		for pos := 1; pos < len(chain)-1; pos++ {
			ids, _, err := tx.AddSinglepoints(ctx, bandSpec,
				[]storage.MoleculeRef{{ID: chain[pos]}}, svc.Tag, svc.Priority, "")
			if err != nil {
				return false, err
			}
			state.BandChildren = append(state.BandChildren, ids[0])
			if err := tx.AddServiceDependency(ctx, svc.ID, types.ServiceDependency{
				ServiceID: svc.ID, RecordID: ids[0],
				Key: fmt.Sprintf("image_%d", pos), Position: pos,
			}); err != nil {
				return false, err
			}
		}
		state.Phase = "band"
		return false, tx.SetServiceState(ctx, svc.ID, &state)

	case "band":
		tsImage, err := highestEnergyImage(ctx, tx, chain, state.BandChildren)
		if err != nil {
			return false, err
		}
		if !kw.OptimizeTS || optSpec == nil {
			return true, nil
		}
		ids, _, err := tx.AddOptimizations(ctx, tsOptimizationSpec(*optSpec),
			[]storage.MoleculeRef{{ID: tsImage}}, svc.Tag, svc.Priority, "")
		if err != nil {
			return false, err
		}
		state.TSOptID = ids[0]
		state.Phase = "ts_opt"
		if err := tx.SetNEBTransitionState(ctx, svc.RecordID, &ids[0], nil); err != nil {
			return false, err
		}
		if err := tx.AddServiceDependency(ctx, svc.ID, types.ServiceDependency{
			ServiceID: svc.ID, RecordID: ids[0], Key: "ts_optimization",
		}); err != nil {
			return false, err
		}
		return false, tx.SetServiceState(ctx, svc.ID, &state)

	case "ts_opt":
		tsMol, _, err := tx.OptimizationOutcome(ctx, state.TSOptID)
		if err != nil {
			return false, err
		}
		hessSpec := spec
		hessSpec.Driver = types.DriverHessian
		ids, _, err := tx.AddSinglepoints(ctx, hessSpec,
			[]storage.MoleculeRef{{ID: tsMol}}, svc.Tag, svc.Priority, "")
		if err != nil {
			return false, err
		}
		state.TSHessianID = ids[0]
		state.Phase = "ts_hess"
		if err := tx.SetNEBTransitionState(ctx, svc.RecordID, nil, &ids[0]); err != nil {
			return false, err
		}
		if err := tx.AddServiceDependency(ctx, svc.ID, types.ServiceDependency{
			ServiceID: svc.ID, RecordID: ids[0], Key: "ts_hessian",
		}); err != nil {
			return false, err
		}
		return false, tx.SetServiceState(ctx, svc.ID, &state)

	case "ts_hess":
		return true, nil
	}
	return false, fmt.Errorf("unknown neb phase %q", state.Phase)
}

// highestEnergyImage returns the interior chain molecule whose gradient
// singlepoint reported the highest energy. children[i] covers chain[i+1].
func highestEnergyImage(ctx context.Context, tx *storage.Tx, chain, children []int64) (int64, error) {
	if len(children) != len(chain)-2 {
		return 0, fmt.Errorf("band has %d children for %d interior images", len(children), len(chain)-2)
	}
	best := int64(0)
	var bestEnergy float64
	found := false
	for i, spID := range children {
		energy, err := tx.SinglepointReturnEnergy(ctx, spID)
		if err != nil {
			return 0, err
		}
		if !found || energy > bestEnergy {
			best, bestEnergy, found = chain[i+1], energy, true
		}
	}
	return best, nil
}

// tsOptimizationSpec requests a transition-state search from the
// optimizer.
func tsOptimizationSpec(spec types.OptimizationSpecification) types.OptimizationSpecification {
	out := spec
	out.Keywords = make(map[string]interface{}, len(spec.Keywords)+1)
	for k, v := range spec.Keywords {
		out.Keywords[k] = v
	}
	out.Keywords["transition"] = true
	return out
}
