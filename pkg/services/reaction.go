package services

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/qcforge/qcforge/pkg/storage"
	"github.com/qcforge/qcforge/pkg/types"
)

// Reaction computes a stoichiometric energy sum. With an optimization
// spec the components are relaxed first and the energies taken at the
// optimized geometries; with only a QC spec the energies come from
// singlepoints at the input geometries.
type Reaction struct{}

func (Reaction) RecordType() types.RecordType { return types.RecordTypeReaction }

type reactionState struct {
	Phase          string        `json:"phase"` // "", "optimizing", "energies"
	Optimizations  map[int]int64 `json:"optimizations"`
	Singlepoints   map[int]int64 `json:"singlepoints"`
	ComponentCount int           `json:"component_count"`
}

func (Reaction) Iterate(ctx context.Context, tx *storage.Tx, svc *storage.ServiceMeta) (bool, error) {
	qcSpec, optSpec, components, err := tx.ReactionData(ctx, svc.RecordID)
	if err != nil {
		return false, err
	}
	if len(components) == 0 {
		return false, fmt.Errorf("reaction has no components")
	}

	var state reactionState
	if err := json.Unmarshal(svc.State, &state); err != nil {
		return false, fmt.Errorf("decode service state: %w", err)
	}

	switch state.Phase {
	case "":
		state.ComponentCount = len(components)
		state.Optimizations = make(map[int]int64)
		state.Singlepoints = make(map[int]int64)
		if optSpec != nil {
			for pos, c := range components {
				ids, _, err := tx.AddOptimizations(ctx, *optSpec,
					[]storage.MoleculeRef{{ID: c.MoleculeID}}, svc.Tag, svc.Priority, "")
				if err != nil {
					return false, err
				}
				state.Optimizations[pos] = ids[0]
				optID := ids[0]
				if err := tx.SetReactionComponentChildren(ctx, svc.RecordID, pos, nil, &optID); err != nil {
					return false, err
				}
				if err := tx.AddServiceDependency(ctx, svc.ID, types.ServiceDependency{
					ServiceID: svc.ID, RecordID: ids[0],
					Key: fmt.Sprintf("opt_%d", pos), Position: pos,
				}); err != nil {
					return false, err
				}
			}
			state.Phase = "optimizing"
			return false, tx.SetServiceState(ctx, svc.ID, &state)
		}
		if err := spawnReactionEnergies(ctx, tx, svc, &state, qcSpec, components, nil); err != nil {
			return false, err
		}
		return false, tx.SetServiceState(ctx, svc.ID, &state)

	case "optimizing":
		// Energies at the relaxed geometries. Without a QC spec the
		// optimizer's own final energies are the answer.
		finalMols := make(map[int]int64, len(state.Optimizations))
		finalEnergies := make(map[int]float64, len(state.Optimizations))
		for pos, optID := range state.Optimizations {
			mol, energy, err := tx.OptimizationOutcome(ctx, optID)
			if err != nil {
				return false, err
			}
			finalMols[pos] = mol
			finalEnergies[pos] = energy
		}
		if qcSpec == nil {
			total := 0.0
			for pos, c := range components {
				total += c.Coefficient * finalEnergies[pos]
			}
			if err := tx.SetReactionTotalEnergy(ctx, svc.RecordID, total); err != nil {
				return false, err
			}
			return true, nil
		}
		if err := spawnReactionEnergies(ctx, tx, svc, &state, qcSpec, components, finalMols); err != nil {
			return false, err
		}
		return false, tx.SetServiceState(ctx, svc.ID, &state)

	case "energies":
		total := 0.0
		for pos, c := range components {
			spID, ok := state.Singlepoints[pos]
			if !ok {
				return false, fmt.Errorf("component %d has no singlepoint", pos)
			}
			energy, err := tx.SinglepointEnergy(ctx, spID)
			if err != nil {
				return false, err
			}
			total += c.Coefficient * energy
		}
		if err := tx.SetReactionTotalEnergy(ctx, svc.RecordID, total); err != nil {
			return false, err
		}
		return true, nil
	}
	return false, fmt.Errorf("unknown reaction phase %q", state.Phase)
}

// spawnReactionEnergies submits the per-component energy singlepoints.
// moleculeOverride substitutes optimized geometries when present.
func spawnReactionEnergies(ctx context.Context, tx *storage.Tx, svc *storage.ServiceMeta, state *reactionState, qcSpec *types.QCSpecification, components []types.ReactionComponent, moleculeOverride map[int]int64) error {
	spec := *qcSpec
	spec.Driver = types.DriverEnergy
	for pos, c := range components {
		molID := c.MoleculeID
		if m, ok := moleculeOverride[pos]; ok {
			molID = m
		}
		ids, _, err := tx.AddSinglepoints(ctx, spec,
			[]storage.MoleculeRef{{ID: molID}}, svc.Tag, svc.Priority, "")
		if err != nil {
			return err
		}
		state.Singlepoints[pos] = ids[0]
		spID := ids[0]
		if err := tx.SetReactionComponentChildren(ctx, svc.RecordID, pos, &spID, nil); err != nil {
			return err
		}
		if err := tx.AddServiceDependency(ctx, svc.ID, types.ServiceDependency{
			ServiceID: svc.ID, RecordID: ids[0],
			Key: fmt.Sprintf("sp_%d", pos), Position: pos,
		}); err != nil {
			return err
		}
	}
	state.Phase = "energies"
	return nil
}
