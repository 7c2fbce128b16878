package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/qcforge/qcforge/pkg/types"
)

// Helpers for the service engines. Each engine iteration runs inside
// one transaction; these give the engines typed access to the
// specialization tables without leaking SQL out of this package.

// TorsiondriveData loads the immutable inputs of a torsiondrive.
func (t *Tx) TorsiondriveData(ctx context.Context, recordID int64) (types.OptimizationSpecification, types.TorsiondriveKeywords, []int64, error) {
	var spec types.OptimizationSpecification
	var kw types.TorsiondriveKeywords
	var specJSON, kwJSON string
	err := t.conn.QueryRowContext(ctx,
		`SELECT specification, keywords FROM torsiondrive_record WHERE id = ?`, recordID).
		Scan(&specJSON, &kwJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return spec, kw, nil, fmt.Errorf("torsiondrive %d: %w", recordID, ErrNotFound)
	}
	if err != nil {
		return spec, kw, nil, fmt.Errorf("query torsiondrive: %w", err)
	}
	if err := json.Unmarshal([]byte(specJSON), &spec); err != nil {
		return spec, kw, nil, err
	}
	if err := json.Unmarshal([]byte(kwJSON), &kw); err != nil {
		return spec, kw, nil, err
	}

	molIDs, err := t.positionedIDs(ctx,
		`SELECT molecule_id FROM torsiondrive_molecules WHERE torsiondrive_id = ? ORDER BY position ASC`, recordID)
	return spec, kw, molIDs, err
}

// SetTorsiondriveResults stores the converged scan summary.
func (t *Tx) SetTorsiondriveResults(ctx context.Context, recordID int64, minimumPositions map[string]int, finalEnergies map[string]float64) error {
	_, err := t.conn.ExecContext(ctx,
		`UPDATE torsiondrive_record SET minimum_positions = ?, final_energies = ? WHERE id = ?`,
		mustJSON(minimumPositions), mustJSON(finalEnergies), recordID)
	if err != nil {
		return fmt.Errorf("store torsiondrive results: %w", err)
	}
	return nil
}

// GridoptimizationData loads the immutable inputs of a
// gridoptimization.
func (t *Tx) GridoptimizationData(ctx context.Context, recordID int64) (types.OptimizationSpecification, types.GridoptimizationKeywords, int64, error) {
	var spec types.OptimizationSpecification
	var kw types.GridoptimizationKeywords
	var specJSON, kwJSON string
	var molID int64
	err := t.conn.QueryRowContext(ctx,
		`SELECT specification, keywords, initial_molecule_id FROM gridoptimization_record WHERE id = ?`, recordID).
		Scan(&specJSON, &kwJSON, &molID)
	if errors.Is(err, sql.ErrNoRows) {
		return spec, kw, 0, fmt.Errorf("gridoptimization %d: %w", recordID, ErrNotFound)
	}
	if err != nil {
		return spec, kw, 0, fmt.Errorf("query gridoptimization: %w", err)
	}
	if err := json.Unmarshal([]byte(specJSON), &spec); err != nil {
		return spec, kw, 0, err
	}
	if err := json.Unmarshal([]byte(kwJSON), &kw); err != nil {
		return spec, kw, 0, err
	}
	return spec, kw, molID, nil
}

// SetGridoptimizationStarting records the preoptimized geometry the
// grid steps start from.
func (t *Tx) SetGridoptimizationStarting(ctx context.Context, recordID, moleculeID int64) error {
	_, err := t.conn.ExecContext(ctx,
		`UPDATE gridoptimization_record SET starting_molecule_id = ? WHERE id = ?`, moleculeID, recordID)
	return err
}

// SetGridoptimizationResults stores the per-grid-point energies.
func (t *Tx) SetGridoptimizationResults(ctx context.Context, recordID int64, finalEnergies map[string]float64) error {
	_, err := t.conn.ExecContext(ctx,
		`UPDATE gridoptimization_record SET final_energies = ? WHERE id = ?`,
		mustJSON(finalEnergies), recordID)
	return err
}

// ReactionData loads the immutable inputs of a reaction.
func (t *Tx) ReactionData(ctx context.Context, recordID int64) (*types.QCSpecification, *types.OptimizationSpecification, []types.ReactionComponent, error) {
	var qcSpecJSON, optSpecJSON sql.NullString
	err := t.conn.QueryRowContext(ctx,
		`SELECT qc_specification, opt_specification FROM reaction_record WHERE id = ?`, recordID).
		Scan(&qcSpecJSON, &optSpecJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil, nil, fmt.Errorf("reaction %d: %w", recordID, ErrNotFound)
	}
	if err != nil {
		return nil, nil, nil, fmt.Errorf("query reaction: %w", err)
	}
	var qcSpec *types.QCSpecification
	var optSpec *types.OptimizationSpecification
	if err := fromJSON(qcSpecJSON, &qcSpec); err != nil {
		return nil, nil, nil, err
	}
	if err := fromJSON(optSpecJSON, &optSpec); err != nil {
		return nil, nil, nil, err
	}

	rows, err := t.conn.QueryContext(ctx,
		`SELECT coefficient, molecule_id, singlepoint_id, optimization_id
		 FROM reaction_components WHERE reaction_id = ? ORDER BY position ASC`, recordID)
	if err != nil {
		return nil, nil, nil, err
	}
	defer rows.Close()
	var components []types.ReactionComponent
	for rows.Next() {
		var c types.ReactionComponent
		var spID, optID sql.NullInt64
		if err := rows.Scan(&c.Coefficient, &c.MoleculeID, &spID, &optID); err != nil {
			return nil, nil, nil, err
		}
		if spID.Valid {
			c.SinglepointID = &spID.Int64
		}
		if optID.Valid {
			c.OptimizationID = &optID.Int64
		}
		components = append(components, c)
	}
	return qcSpec, optSpec, components, rows.Err()
}

// SetReactionComponentChildren links a component to its spawned child
// records.
func (t *Tx) SetReactionComponentChildren(ctx context.Context, recordID int64, position int, singlepointID, optimizationID *int64) error {
	_, err := t.conn.ExecContext(ctx,
		`UPDATE reaction_components SET singlepoint_id = COALESCE(?, singlepoint_id),
		        optimization_id = COALESCE(?, optimization_id)
		 WHERE reaction_id = ? AND position = ?`,
		singlepointID, optimizationID, recordID, position)
	return err
}

// SetReactionTotalEnergy stores the stoichiometric sum.
func (t *Tx) SetReactionTotalEnergy(ctx context.Context, recordID int64, total float64) error {
	_, err := t.conn.ExecContext(ctx,
		`UPDATE reaction_record SET total_energy = ? WHERE id = ?`, total, recordID)
	return err
}

// ManybodyData loads the immutable inputs of a manybody expansion.
func (t *Tx) ManybodyData(ctx context.Context, recordID int64) (types.QCSpecification, types.ManybodyKeywords, int64, error) {
	var spec types.QCSpecification
	var kw types.ManybodyKeywords
	var specJSON, kwJSON string
	var molID int64
	err := t.conn.QueryRowContext(ctx,
		`SELECT specification, keywords, molecule_id FROM manybody_record WHERE id = ?`, recordID).
		Scan(&specJSON, &kwJSON, &molID)
	if errors.Is(err, sql.ErrNoRows) {
		return spec, kw, 0, fmt.Errorf("manybody %d: %w", recordID, ErrNotFound)
	}
	if err != nil {
		return spec, kw, 0, fmt.Errorf("query manybody: %w", err)
	}
	if err := json.Unmarshal([]byte(specJSON), &spec); err != nil {
		return spec, kw, 0, err
	}
	if err := json.Unmarshal([]byte(kwJSON), &kw); err != nil {
		return spec, kw, 0, err
	}
	return spec, kw, molID, nil
}

// SetManybodyClusters replaces the enumerated cluster rows.
func (t *Tx) SetManybodyClusters(ctx context.Context, recordID int64, clusters []types.ManybodyCluster) error {
	if _, err := t.conn.ExecContext(ctx,
		`DELETE FROM manybody_clusters WHERE manybody_id = ?`, recordID); err != nil {
		return err
	}
	for pos, c := range clusters {
		var spID interface{}
		if c.SinglepointID != nil {
			spID = *c.SinglepointID
		}
		if _, err := t.conn.ExecContext(ctx,
			`INSERT INTO manybody_clusters (manybody_id, position, fragments, basis, molecule_id, singlepoint_id, degeneracy)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			recordID, pos, mustJSON(c.Fragments), mustJSON(c.Basis), c.MoleculeID, spID, c.Degeneracy); err != nil {
			return fmt.Errorf("insert manybody cluster: %w", err)
		}
	}
	return nil
}

// ManybodyClusters returns the stored cluster rows in position order.
func (t *Tx) ManybodyClusters(ctx context.Context, recordID int64) ([]types.ManybodyCluster, error) {
	rows, err := t.conn.QueryContext(ctx,
		`SELECT fragments, basis, molecule_id, singlepoint_id, degeneracy
		 FROM manybody_clusters WHERE manybody_id = ? ORDER BY position ASC`, recordID)
	if err != nil {
		return nil, fmt.Errorf("query manybody clusters: %w", err)
	}
	defer rows.Close()
	var out []types.ManybodyCluster
	for rows.Next() {
		var c types.ManybodyCluster
		var fragments, basis string
		var spID sql.NullInt64
		if err := rows.Scan(&fragments, &basis, &c.MoleculeID, &spID, &c.Degeneracy); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(fragments), &c.Fragments); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(basis), &c.Basis); err != nil {
			return nil, err
		}
		if spID.Valid {
			c.SinglepointID = &spID.Int64
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// SetManybodyProperties stores the assembled interaction energies.
func (t *Tx) SetManybodyProperties(ctx context.Context, recordID int64, properties map[string]interface{}) error {
	props, err := jsonString(properties)
	if err != nil {
		return err
	}
	_, err = t.conn.ExecContext(ctx,
		`UPDATE manybody_record SET properties = ? WHERE id = ?`, props, recordID)
	return err
}

// NEBData loads the immutable inputs of a NEB service.
func (t *Tx) NEBData(ctx context.Context, recordID int64) (types.QCSpecification, *types.OptimizationSpecification, types.NEBKeywords, []int64, error) {
	var spec types.QCSpecification
	var optSpec *types.OptimizationSpecification
	var kw types.NEBKeywords
	var specJSON, kwJSON string
	var optSpecJSON sql.NullString
	err := t.conn.QueryRowContext(ctx,
		`SELECT specification, opt_specification, keywords FROM neb_record WHERE id = ?`, recordID).
		Scan(&specJSON, &optSpecJSON, &kwJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return spec, nil, kw, nil, fmt.Errorf("neb %d: %w", recordID, ErrNotFound)
	}
	if err != nil {
		return spec, nil, kw, nil, fmt.Errorf("query neb: %w", err)
	}
	if err := json.Unmarshal([]byte(specJSON), &spec); err != nil {
		return spec, nil, kw, nil, err
	}
	if err := fromJSON(optSpecJSON, &optSpec); err != nil {
		return spec, nil, kw, nil, err
	}
	if err := json.Unmarshal([]byte(kwJSON), &kw); err != nil {
		return spec, nil, kw, nil, err
	}
	chain, err := t.positionedIDs(ctx,
		`SELECT molecule_id FROM neb_chain WHERE neb_id = ? ORDER BY position ASC`, recordID)
	return spec, optSpec, kw, chain, err
}

// SetNEBTransitionState links the transition state children.
func (t *Tx) SetNEBTransitionState(ctx context.Context, recordID int64, tsOptimizationID, tsHessianID *int64) error {
	_, err := t.conn.ExecContext(ctx,
		`UPDATE neb_record SET ts_optimization_id = COALESCE(?, ts_optimization_id),
		        ts_hessian_id = COALESCE(?, ts_hessian_id)
		 WHERE id = ?`,
		tsOptimizationID, tsHessianID, recordID)
	return err
}

// OptimizationOutcome summarizes a completed optimization child for a
// service: its final molecule and last energy.
func (t *Tx) OptimizationOutcome(ctx context.Context, recordID int64) (finalMoleculeID int64, finalEnergy float64, err error) {
	var finalMol sql.NullInt64
	var energiesJSON sql.NullString
	err = t.conn.QueryRowContext(ctx,
		`SELECT final_molecule_id, energies FROM optimization_record WHERE id = ?`, recordID).
		Scan(&finalMol, &energiesJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, 0, fmt.Errorf("optimization %d: %w", recordID, ErrNotFound)
	}
	if err != nil {
		return 0, 0, err
	}
	if !finalMol.Valid {
		return 0, 0, fmt.Errorf("optimization %d has no final molecule", recordID)
	}
	var energies []float64
	if err := fromJSON(energiesJSON, &energies); err != nil {
		return 0, 0, err
	}
	if len(energies) == 0 {
		return finalMol.Int64, 0, fmt.Errorf("optimization %d has no energies", recordID)
	}
	return finalMol.Int64, energies[len(energies)-1], nil
}

// SinglepointEnergy extracts the scalar energy of a completed energy
// singlepoint from its return result.
func (t *Tx) SinglepointEnergy(ctx context.Context, recordID int64) (float64, error) {
	var returnResult sql.NullString
	err := t.conn.QueryRowContext(ctx,
		`SELECT return_result FROM singlepoint_record WHERE id = ?`, recordID).Scan(&returnResult)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("singlepoint %d: %w", recordID, ErrNotFound)
	}
	if err != nil {
		return 0, err
	}
	if !returnResult.Valid {
		return 0, fmt.Errorf("singlepoint %d has no result", recordID)
	}
	var energy float64
	if err := json.Unmarshal([]byte(returnResult.String), &energy); err != nil {
		return 0, fmt.Errorf("singlepoint %d result is not a scalar energy: %w", recordID, err)
	}
	return energy, nil
}

// SinglepointReturnEnergy reads the return_energy property of a
// completed singlepoint. Unlike SinglepointEnergy it works for any
// driver, since the scalar energy is always reported alongside the
// return result.
func (t *Tx) SinglepointReturnEnergy(ctx context.Context, recordID int64) (float64, error) {
	var propsJSON sql.NullString
	err := t.conn.QueryRowContext(ctx,
		`SELECT properties FROM singlepoint_record WHERE id = ?`, recordID).Scan(&propsJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("singlepoint %d: %w", recordID, ErrNotFound)
	}
	if err != nil {
		return 0, err
	}
	var props struct {
		ReturnEnergy *float64 `json:"return_energy"`
	}
	if err := fromJSON(propsJSON, &props); err != nil {
		return 0, err
	}
	if props.ReturnEnergy == nil {
		return 0, fmt.Errorf("singlepoint %d has no return_energy property", recordID)
	}
	return *props.ReturnEnergy, nil
}

// FailServiceRecord ends a service in error with a stored message.
func (t *Tx) FailServiceRecord(ctx context.Context, recordID int64, message string) error {
	errJSON, err := json.Marshal(types.ComputeError{
		ErrorType:    types.ErrorTypeInternal,
		ErrorMessage: message,
	})
	if err != nil {
		return err
	}
	outputIDs, err := t.replaceRecordOutputs(ctx, recordID, "", "", string(errJSON))
	if err != nil {
		return err
	}
	if _, err := t.appendHistory(ctx, &types.ComputeHistory{
		RecordID:  recordID,
		Status:    types.RecordStatusError,
		OutputIDs: outputIDs,
	}); err != nil {
		return err
	}
	return t.FinishService(ctx, recordID, types.RecordStatusError)
}

// positionedIDs on a transaction connection.
func (t *Tx) positionedIDs(ctx context.Context, query string, args ...interface{}) ([]int64, error) {
	rows, err := t.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}
