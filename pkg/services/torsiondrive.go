package services

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/qcforge/qcforge/pkg/storage"
	"github.com/qcforge/qcforge/pkg/types"
)

// defaultEnergyDecreaseThresh is the minimum improvement, in hartree,
// that counts as finding a new minimum at a grid point.
const defaultEnergyDecreaseThresh = 1e-6

// Torsiondrive scans dihedral grid points by constrained optimization
// with neighbor propagation: whenever a grid point finds a lower
// minimum, its neighbors are re-optimized starting from that geometry.
// The scan converges when a full wave produces no improvement.
type Torsiondrive struct{}

func (Torsiondrive) RecordType() types.RecordType { return types.RecordTypeTorsiondrive }

// tdState is the persisted iteration state. Keys are canonical grid
// keys; child map keys are optimization record ids in decimal.
type tdState struct {
	Initialized bool                          `json:"initialized"`
	Children    map[string][]int64            `json:"children"`
	Energies    map[string]map[string]float64 `json:"energies"`
	FinalMols   map[string]map[string]int64   `json:"final_molecules"`
	Seeded      map[string]map[int64]bool     `json:"seeded"`
}

func (Torsiondrive) Iterate(ctx context.Context, tx *storage.Tx, svc *storage.ServiceMeta) (bool, error) {
	spec, kw, initialMols, err := tx.TorsiondriveData(ctx, svc.RecordID)
	if err != nil {
		return false, err
	}
	axes, err := gridAxes(&kw)
	if err != nil {
		return false, err
	}
	keys := gridKeys(axes)

	var state tdState
	if err := json.Unmarshal(svc.State, &state); err != nil {
		return false, fmt.Errorf("decode service state: %w", err)
	}

	wave := make(map[string][]int64) // grid key -> seed molecule ids
	if !state.Initialized {
		state.Initialized = true
		state.Children = make(map[string][]int64)
		state.Energies = make(map[string]map[string]float64)
		state.FinalMols = make(map[string]map[string]int64)
		state.Seeded = make(map[string]map[int64]bool)
		for _, key := range keys {
			wave[key] = initialMols
		}
	} else {
		thresh := defaultEnergyDecreaseThresh
		if kw.EnergyDecreaseThresh != nil {
			thresh = *kw.EnergyDecreaseThresh
		}
		improved, err := collectTorsiondrive(ctx, tx, svc, &state, thresh)
		if err != nil {
			return false, err
		}
		for _, key := range improved {
			bestMol := bestFinalMolecule(&state, key)
			if bestMol == 0 {
				continue
			}
			for _, nb := range neighborKeys(axes, key, &kw) {
				wave[nb] = append(wave[nb], bestMol)
			}
		}
	}

	// Drop seeds already tried at their grid point.
	spawned := 0
	for key, seeds := range wave {
		angles, err := anglesOf(key)
		if err != nil {
			return false, err
		}
		for _, molID := range seeds {
			if state.Seeded[key] == nil {
				state.Seeded[key] = make(map[int64]bool)
			}
			if state.Seeded[key][molID] {
				continue
			}
			state.Seeded[key][molID] = true

			cspec := constrainedSpec(spec, kw.Dihedrals, angles)
			ids, _, err := tx.AddOptimizations(ctx, cspec,
				[]storage.MoleculeRef{{ID: molID}}, svc.Tag, svc.Priority, "")
			if err != nil {
				return false, err
			}
			childID := ids[0]
			state.Children[key] = append(state.Children[key], childID)
			if err := tx.AddServiceDependency(ctx, svc.ID, types.ServiceDependency{
				ServiceID: svc.ID,
				RecordID:  childID,
				Key:       key,
				Position:  spawned,
			}); err != nil {
				return false, err
			}
			spawned++
		}
	}

	if spawned == 0 {
		// Converged: every grid point kept its minimum through a full
		// wave.
		minimumPositions := make(map[string]int, len(keys))
		finalEnergies := make(map[string]float64, len(keys))
		for _, key := range keys {
			pos, energy, ok := bestChild(&state, key)
			if !ok {
				return false, fmt.Errorf("grid point %s has no completed optimization", key)
			}
			minimumPositions[key] = pos
			finalEnergies[key] = energy
		}
		if err := tx.SetTorsiondriveResults(ctx, svc.RecordID, minimumPositions, finalEnergies); err != nil {
			return false, err
		}
		return true, nil
	}

	return false, tx.SetServiceState(ctx, svc.ID, &state)
}

// collectTorsiondrive folds newly completed children into the state and
// reports which grid points found a better minimum.
func collectTorsiondrive(ctx context.Context, tx *storage.Tx, svc *storage.ServiceMeta, state *tdState, thresh float64) ([]string, error) {
	deps, err := tx.ServiceDependencies(ctx, svc.ID)
	if err != nil {
		return nil, err
	}

	var improved []string
	for _, dep := range deps {
		cid := strconv.FormatInt(dep.RecordID, 10)
		if _, seen := state.Energies[dep.Key][cid]; seen {
			continue
		}
		finalMol, energy, err := tx.OptimizationOutcome(ctx, dep.RecordID)
		if err != nil {
			return nil, err
		}
		_, prevBest, hadBest := bestChild(state, dep.Key)
		if state.Energies[dep.Key] == nil {
			state.Energies[dep.Key] = make(map[string]float64)
			state.FinalMols[dep.Key] = make(map[string]int64)
		}
		state.Energies[dep.Key][cid] = energy
		state.FinalMols[dep.Key][cid] = finalMol
		if !hadBest || energy < prevBest-thresh {
			improved = append(improved, dep.Key)
		}
	}
	return improved, nil
}

// bestChild returns the position and energy of the lowest-energy
// completed child at a grid point. Position refers to spawn order.
func bestChild(state *tdState, key string) (int, float64, bool) {
	best := 0
	var bestEnergy float64
	found := false
	for pos, childID := range state.Children[key] {
		cid := strconv.FormatInt(childID, 10)
		energy, ok := state.Energies[key][cid]
		if !ok {
			continue
		}
		if !found || energy < bestEnergy {
			best, bestEnergy, found = pos, energy, true
		}
	}
	return best, bestEnergy, found
}

func bestFinalMolecule(state *tdState, key string) int64 {
	pos, _, ok := bestChild(state, key)
	if !ok {
		return 0
	}
	childID := state.Children[key][pos]
	return state.FinalMols[key][strconv.FormatInt(childID, 10)]
}

// gridAxes expands the drive keywords into per-dihedral angle lists.
func gridAxes(kw *types.TorsiondriveKeywords) ([][]int, error) {
	if len(kw.Dihedrals) == 0 {
		return nil, fmt.Errorf("torsiondrive has no dihedrals")
	}
	axes := make([][]int, len(kw.Dihedrals))
	for i := range kw.Dihedrals {
		spacing := 0
		switch {
		case i < len(kw.GridSpacing):
			spacing = kw.GridSpacing[i]
		case len(kw.GridSpacing) == 1:
			spacing = kw.GridSpacing[0]
		}
		if spacing <= 0 {
			return nil, fmt.Errorf("invalid grid spacing for dihedral %d", i)
		}
		var axis []int
		if i < len(kw.DihedralRanges) {
			lo, hi := kw.DihedralRanges[i][0], kw.DihedralRanges[i][1]
			for a := lo; a < hi; a += spacing {
				axis = append(axis, a)
			}
		} else {
			// Full circle on the canonical (-180, 180] branch.
			for a := -180 + spacing; a <= 180; a += spacing {
				axis = append(axis, a)
			}
		}
		if len(axis) == 0 {
			return nil, fmt.Errorf("empty scan range for dihedral %d", i)
		}
		axes[i] = axis
	}
	return axes, nil
}

// gridKeys enumerates the cartesian product of the axes in canonical
// key form.
func gridKeys(axes [][]int) []string {
	points := [][]int{{}}
	for _, axis := range axes {
		var next [][]int
		for _, p := range points {
			for _, a := range axis {
				q := append(append([]int(nil), p...), a)
				next = append(next, q)
			}
		}
		points = next
	}
	keys := make([]string, len(points))
	for i, p := range points {
		keys[i] = gridKey(p)
	}
	return keys
}

// gridKey is the canonical form of one grid point: a JSON array of
// angles, for example "[-90,30]".
func gridKey(angles []int) string {
	data, _ := json.Marshal(angles)
	return string(data)
}

func anglesOf(key string) ([]int, error) {
	var angles []int
	if err := json.Unmarshal([]byte(key), &angles); err != nil {
		return nil, fmt.Errorf("bad grid key %q: %w", key, err)
	}
	return angles, nil
}

// neighborKeys returns the grid points one step away in exactly one
// dimension. Full-circle dimensions wrap at the +-180 boundary.
func neighborKeys(axes [][]int, key string, kw *types.TorsiondriveKeywords) []string {
	angles, err := anglesOf(key)
	if err != nil || len(angles) != len(axes) {
		return nil
	}
	var out []string
	for d, axis := range axes {
		idx := -1
		for i, a := range axis {
			if a == angles[d] {
				idx = i
				break
			}
		}
		if idx < 0 {
			continue
		}
		wrap := d >= len(kw.DihedralRanges) // unconstrained range covers the full circle
		for _, delta := range []int{-1, 1} {
			j := idx + delta
			if j < 0 {
				if !wrap {
					continue
				}
				j = len(axis) - 1
			}
			if j >= len(axis) {
				if !wrap {
					continue
				}
				j = 0
			}
			if j == idx {
				continue
			}
			nb := append([]int(nil), angles...)
			nb[d] = axis[j]
			out = append(out, gridKey(nb))
		}
	}
	return out
}

// constrainedSpec copies the optimization spec with the dihedral
// constraints for one grid point added to the optimizer keywords.
func constrainedSpec(spec types.OptimizationSpecification, dihedrals [][4]int, angles []int) types.OptimizationSpecification {
	set := make([]map[string]interface{}, 0, len(dihedrals))
	for i, dih := range dihedrals {
		angle := 0
		if i < len(angles) {
			angle = angles[i]
		}
		set = append(set, map[string]interface{}{
			"type":    "dihedral",
			"indices": []int{dih[0], dih[1], dih[2], dih[3]},
			"value":   angle,
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
