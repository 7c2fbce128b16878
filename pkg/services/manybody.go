package services

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/qcforge/qcforge/pkg/storage"
	"github.com/qcforge/qcforge/pkg/types"
)

// Manybody expands a fragmented molecule into subsystem clusters,
// computes one energy singlepoint per cluster, and assembles per-level
// energy sums.
type Manybody struct{}

func (Manybody) RecordType() types.RecordType { return types.RecordTypeManybody }

type manybodyState struct {
	Phase string `json:"phase"` // "", "computing"
}

func (Manybody) Iterate(ctx context.Context, tx *storage.Tx, svc *storage.ServiceMeta) (bool, error) {
	spec, kw, molID, err := tx.ManybodyData(ctx, svc.RecordID)
	if err != nil {
		return false, err
	}

	var state manybodyState
	if err := json.Unmarshal(svc.State, &state); err != nil {
		return false, fmt.Errorf("decode service state: %w", err)
	}

	switch state.Phase {
	case "":
		mols, err := tx.GetMolecules(ctx, []int64{molID}, false)
		if err != nil {
			return false, err
		}
		parent := mols[0]
		if len(parent.Fragments) < 2 {
			return false, fmt.Errorf("manybody molecule %d has fewer than two fragments", molID)
		}

		maxN := kw.MaxNBody
		if maxN <= 0 || maxN > len(parent.Fragments) {
			maxN = len(parent.Fragments)
		}
		clusters, err := spawnClusters(ctx, tx, svc, spec, parent, maxN, kw.BSSECorrection)
		if err != nil {
			return false, err
		}
		if err := tx.SetManybodyClusters(ctx, svc.RecordID, clusters); err != nil {
			return false, err
		}
		state.Phase = "computing"
		return false, tx.SetServiceState(ctx, svc.ID, &state)

	case "computing":
		clusters, err := tx.ManybodyClusters(ctx, svc.RecordID)
		if err != nil {
			return false, err
		}
		properties, err := assembleManybody(ctx, tx, clusters)
		if err != nil {
			return false, err
		}
		if err := tx.SetManybodyProperties(ctx, svc.RecordID, properties); err != nil {
			return false, err
		}
		return true, nil
	}
	return false, fmt.Errorf("unknown manybody phase %q", state.Phase)
}

// spawnClusters enumerates fragment combinations up to maxN bodies and
// submits one energy singlepoint per cluster. With the BSSE correction
// every cluster is evaluated in the full-system basis: the atoms of the
// other fragments stay as ghost centers.
func spawnClusters(ctx context.Context, tx *storage.Tx, svc *storage.ServiceMeta, spec types.QCSpecification, parent *types.Molecule, maxN int, bsse bool) ([]types.ManybodyCluster, error) {
	spec.Driver = types.DriverEnergy
	allFrags := make([]int, len(parent.Fragments))
	for i := range parent.Fragments {
		allFrags[i] = i
	}

	var clusters []types.ManybodyCluster
	pos := 0
	for n := 1; n <= maxN; n++ {
		for _, combo := range combinations(len(parent.Fragments), n) {
			basis := combo
			if bsse {
				basis = allFrags
			}
			clusterMol := fragmentMolecule(parent, combo, basis)
			molIDs, _, err := tx.AddMolecules(ctx, []*types.Molecule{clusterMol})
			if err != nil {
				return nil, err
			}
			ids, _, err := tx.AddSinglepoints(ctx, spec,
				[]storage.MoleculeRef{{ID: molIDs[0]}}, svc.Tag, svc.Priority, "")
			if err != nil {
				return nil, err
			}
			spID := ids[0]
			clusters = append(clusters, types.ManybodyCluster{
				Fragments:     combo,
				Basis:         basis,
				MoleculeID:    molIDs[0],
				SinglepointID: &spID,
				Degeneracy:    1,
			})
			if err := tx.AddServiceDependency(ctx, svc.ID, types.ServiceDependency{
				ServiceID: svc.ID, RecordID: spID,
				Key: clusterKey(combo), Position: pos,
			}); err != nil {
				return nil, err
			}
			pos++
		}
	}
	return clusters, nil
}

// assembleManybody folds cluster energies into per-level sums and the
// leading interaction energy.
func assembleManybody(ctx context.Context, tx *storage.Tx, clusters []types.ManybodyCluster) (map[string]interface{}, error) {
	clusterEnergies := make(map[string]float64, len(clusters))
	levelSums := make(map[string]float64)
	maxLevel := 0
	for _, c := range clusters {
		if c.SinglepointID == nil {
			return nil, fmt.Errorf("cluster %v has no singlepoint", c.Fragments)
		}
		energy, err := tx.SinglepointEnergy(ctx, *c.SinglepointID)
		if err != nil {
			return nil, err
		}
		key := clusterKey(c.Fragments)
		clusterEnergies[key] = energy

		level := strconv.Itoa(len(c.Fragments))
		levelSums[level] += energy * float64(c.Degeneracy)
		if len(c.Fragments) > maxLevel {
			maxLevel = len(c.Fragments)
		}
	}

	properties := map[string]interface{}{
		"cluster_energies":    clusterEnergies,
		"total_energy_levels": levelSums,
	}
	if maxLevel >= 2 {
		properties["interaction_energy"] = levelSums[strconv.Itoa(maxLevel)] - levelSums["1"]
	}
	return properties, nil
}

// fragmentMolecule extracts the atoms of the basis fragments into a
// standalone molecule. Atoms of fragments outside real become ghost
// centers: they carry basis functions but contribute no electrons or
// charge.
func fragmentMolecule(parent *types.Molecule, real, basis []int) *types.Molecule {
	realSet := make(map[int]bool, len(real))
	for _, f := range real {
		realSet[f] = true
	}

	var symbols []string
	var geometry []float64
	var mask []bool
	charge := 0
	ghosts := false
	for _, f := range basis {
		for _, atom := range parent.Fragments[f] {
			symbols = append(symbols, parent.Symbols[atom])
			geometry = append(geometry, parent.Geometry[3*atom:3*atom+3]...)
			mask = append(mask, realSet[f])
		}
		if !realSet[f] {
			ghosts = true
			continue
		}
		if f < len(parent.FragmentCharges) {
			charge += parent.FragmentCharges[f]
		}
	}

	m := &types.Molecule{
		Symbols:      symbols,
		Geometry:     geometry,
		Charge:       charge,
		Multiplicity: 1,
	}
	if ghosts {
		m.Real = mask
	}
	return m
}

// combinations enumerates k-element subsets of 0..n-1 in lexical order.
func combinations(n, k int) [][]int {
	var out [][]int
	combo := make([]int, k)
	var walk func(start, depth int)
	walk = func(start, depth int) {
		if depth == k {
			out = append(out, append([]int(nil), combo...))
			return
		}
		for i := start; i < n; i++ {
			combo[depth] = i
			walk(i+1, depth+1)
		}
	}
	walk(0, 0)
	return out
}

// clusterKey is the canonical form of one fragment subset.
func clusterKey(frags []int) string {
	data, _ := json.Marshal(frags)
	return string(data)
}
