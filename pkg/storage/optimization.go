package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/qcforge/qcforge/pkg/hash"
	"github.com/qcforge/qcforge/pkg/types"
)

// optimizationInput is the worker-facing payload of an optimization
// task.
type optimizationInput struct {
	Schema          string                 `json:"schema_name"`
	InitialMolecule *types.Molecule        `json:"initial_molecule"`
	InputSpec       optimizationInputSpec  `json:"input_specification"`
	Keywords        map[string]interface{} `json:"keywords"`
	Protocols       map[string]interface{} `json:"protocols,omitempty"`
}

type optimizationInputSpec struct {
	Driver   types.Driver           `json:"driver"`
	Model    types.ResultModel      `json:"model"`
	Keywords map[string]interface{} `json:"keywords"`
}

const optimizationInputSchema = "qcschema_optimization_input"

// AddOptimizations submits geometry optimizations for a list of initial
// molecules under one specification. Deduplication is on the hash index
// of the normalized spec plus the molecule hash.
func (s *Store) AddOptimizations(ctx context.Context, spec types.OptimizationSpecification, refs []MoleculeRef, tag string, priority types.Priority, owner string) ([]int64, InsertMetadata, error) {
	var ids []int64
	var meta InsertMetadata
	err := s.RunInTransaction(ctx, func(tx *Tx) error {
		var err error
		ids, meta, err = tx.AddOptimizations(ctx, spec, refs, tag, priority, owner)
		return err
	})
	return ids, meta, err
}

// AddOptimizations submits optimizations within the transaction.
func (t *Tx) AddOptimizations(ctx context.Context, spec types.OptimizationSpecification, refs []MoleculeRef, tag string, priority types.Priority, owner string) ([]int64, InsertMetadata, error) {
	spec.Normalize()
	if err := t.resolveKeywords(ctx, &spec.QCSpec); err != nil {
		return nil, InsertMetadata{}, err
	}

	molIDs, molMeta, err := t.AddMoleculesMixed(ctx, refs)
	if err != nil {
		return nil, InsertMetadata{}, err
	}
	badSlot := make(map[int]bool)
	var meta InsertMetadata
	for _, e := range molMeta.Errors {
		badSlot[e.Index] = true
		meta.Errors = append(meta.Errors, e)
	}

	ids := make([]int64, len(refs))
	known := make(map[string]int64)
	for i, molID := range molIDs {
		if badSlot[i] {
			continue
		}
		mols, err := t.GetMolecules(ctx, []int64{molID}, false)
		if err != nil {
			return nil, meta, err
		}
		hashIndex := hash.OptimizationSpec(&spec, mols[0].Hash)

		if id, ok := known[hashIndex]; ok {
			ids[i] = id
			meta.ExistingIdx = append(meta.ExistingIdx, i)
			continue
		}
		var existing int64
		err = t.conn.QueryRowContext(ctx,
			`SELECT id FROM optimization_record WHERE hash_index = ?`, hashIndex).Scan(&existing)
		if err == nil {
			ids[i] = existing
			known[hashIndex] = existing
			meta.ExistingIdx = append(meta.ExistingIdx, i)
			continue
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return nil, meta, fmt.Errorf("lookup optimization: %w", err)
		}

		id, err := t.insertOptimization(ctx, spec, hashIndex, molID, tag, priority, owner)
		if err != nil {
			meta.Errors = append(meta.Errors, IndexedError{Index: i, Error: err.Error()})
			continue
		}
		ids[i] = id
		known[hashIndex] = id
		meta.InsertedIdx = append(meta.InsertedIdx, i)
	}
	return ids, meta, nil
}

func (t *Tx) insertOptimization(ctx context.Context, spec types.OptimizationSpecification, hashIndex string, moleculeID int64, tag string, priority types.Priority, owner string) (int64, error) {
	id, err := t.insertBaseRecord(ctx, types.RecordTypeOptimization, false, owner, nil)
	if err != nil {
		return 0, err
	}
	_, err = t.conn.ExecContext(ctx,
		`INSERT INTO optimization_record (id, specification, hash_index, initial_molecule_id)
		 VALUES (?, ?, ?, ?)`,
		id, mustJSON(spec), hashIndex, moleculeID)
	if err != nil {
		return 0, fmt.Errorf("insert optimization: %w", err)
	}

	tspec, programs, err := t.optimizationSpecPayload(ctx, spec, moleculeID)
	if err != nil {
		return 0, err
	}
	if err := t.createTask(ctx, id, tspec, tag, programs, priority); err != nil {
		return 0, err
	}
	return id, nil
}

// optimizationSpecPayload builds the qcengine.compute_procedure task
// payload.
func (t *Tx) optimizationSpecPayload(ctx context.Context, spec types.OptimizationSpecification, moleculeID int64) (taskSpec, map[string]string, error) {
	mols, err := t.GetMolecules(ctx, []int64{moleculeID}, false)
	if err != nil {
		return taskSpec{}, nil, err
	}
	qcKeywords, err := t.loadKeywordValues(ctx, spec.QCSpec.KeywordsID)
	if err != nil {
		return taskSpec{}, nil, err
	}

	input := optimizationInput{
		Schema:          optimizationInputSchema,
		InitialMolecule: mols[0],
		InputSpec: optimizationInputSpec{
			Driver:   spec.QCSpec.Driver,
			Model:    types.ResultModel{Method: spec.QCSpec.Method, Basis: spec.QCSpec.Basis},
			Keywords: qcKeywords,
		},
		Keywords:  spec.Keywords,
		Protocols: spec.Protocols,
	}
	args, err := json.Marshal([]interface{}{input, spec.Program})
	if err != nil {
		return taskSpec{}, nil, fmt.Errorf("encode task args: %w", err)
	}
	// Both the optimizer and the underlying QC program must be present
	// on the claiming manager.
	programs := map[string]string{
		spec.Program:        "",
		spec.QCSpec.Program: "",
	}
	return taskSpec{
		Function: "qcengine.compute_procedure",
		Args:     args,
		Kwargs:   json.RawMessage(`{}`),
	}, programs, nil
}

// optimizationTaskSpec regenerates the task payload from the stored row.
func (t *Tx) optimizationTaskSpec(ctx context.Context, recordID int64) (taskSpec, map[string]string, error) {
	spec, molID, err := t.loadOptimizationSpec(ctx, recordID)
	if err != nil {
		return taskSpec{}, nil, err
	}
	return t.optimizationSpecPayload(ctx, spec, molID)
}

func (t *Tx) loadOptimizationSpec(ctx context.Context, recordID int64) (types.OptimizationSpecification, int64, error) {
	var spec types.OptimizationSpecification
	var specJSON string
	var molID int64
	err := t.conn.QueryRowContext(ctx,
		`SELECT specification, initial_molecule_id FROM optimization_record WHERE id = ?`, recordID).
		Scan(&specJSON, &molID)
	if errors.Is(err, sql.ErrNoRows) {
		return spec, 0, fmt.Errorf("optimization %d: %w", recordID, ErrNotFound)
	}
	if err != nil {
		return spec, 0, fmt.Errorf("query optimization: %w", err)
	}
	if err := json.Unmarshal([]byte(specJSON), &spec); err != nil {
		return spec, 0, fmt.Errorf("decode optimization spec: %w", err)
	}
	return spec, molID, nil
}

// completeOptimization applies a successful optimization result to a
// running optimization record. Trajectory steps are stored as completed
// singlepoint children, deduplicated like any other singlepoint.
func (t *Tx) completeOptimization(ctx context.Context, recordID int64, managerName string, res *types.OptimizationResult) error {
	spec, _, err := t.loadOptimizationSpec(ctx, recordID)
	if err != nil {
		return err
	}

	finalIDs, _, err := t.AddMolecules(ctx, []*types.Molecule{&res.FinalMolecule})
	if err != nil {
		return err
	}

	var trajectory []int64
	for _, step := range res.Trajectory {
		step := step
		spID, err := t.upsertTrajectoryPoint(ctx, spec.QCSpec, managerName, &step)
		if err != nil {
			return err
		}
		trajectory = append(trajectory, spID)
	}

	energies, err := jsonString(res.Energies)
	if err != nil {
		return err
	}
	if _, err := t.conn.ExecContext(ctx,
		`UPDATE optimization_record SET final_molecule_id = ?, energies = ? WHERE id = ?`,
		finalIDs[0], energies, recordID); err != nil {
		return fmt.Errorf("store optimization result: %w", err)
	}

	if _, err := t.conn.ExecContext(ctx,
		`DELETE FROM optimization_trajectory WHERE optimization_id = ?`, recordID); err != nil {
		return err
	}
	for pos, spID := range trajectory {
		if _, err := t.conn.ExecContext(ctx,
			`INSERT INTO optimization_trajectory (optimization_id, position, singlepoint_id) VALUES (?, ?, ?)`,
			recordID, pos, spID); err != nil {
			return fmt.Errorf("store trajectory: %w", err)
		}
	}

	outputIDs, err := t.replaceRecordOutputs(ctx, recordID, res.Stdout, res.Stderr, "")
	if err != nil {
		return err
	}
	if _, err := t.appendHistory(ctx, &types.ComputeHistory{
		RecordID:    recordID,
		Status:      types.RecordStatusComplete,
		ManagerName: managerName,
		Provenance:  &res.Provenance,
		OutputIDs:   outputIDs,
	}); err != nil {
		return err
	}
	return t.finishRecord(ctx, recordID, types.RecordStatusComplete)
}

// upsertTrajectoryPoint stores one optimization step as a completed
// singlepoint record, reusing an existing record when the step molecule
// and specification match one already stored.
func (t *Tx) upsertTrajectoryPoint(ctx context.Context, qcspec types.QCSpecification, managerName string, step *types.AtomicResult) (int64, error) {
	qcspec.Normalize()
	if err := t.resolveKeywords(ctx, &qcspec); err != nil {
		return 0, err
	}
	molIDs, _, err := t.AddMolecules(ctx, []*types.Molecule{&step.Molecule})
	if err != nil {
		return 0, err
	}
	molID := molIDs[0]

	existing, err := t.findSinglepoint(ctx, qcspec, molID)
	if err != nil {
		return 0, err
	}
	if existing != 0 {
		return existing, nil
	}

	id, err := t.insertBaseRecord(ctx, types.RecordTypeSinglepoint, false, "", nil)
	if err != nil {
		return 0, err
	}
	properties, err := jsonString(step.Properties)
	if err != nil {
		return 0, err
	}
	var returnResult interface{}
	if len(step.ReturnResult) > 0 {
		returnResult = string(step.ReturnResult)
	}
	_, err = t.conn.ExecContext(ctx,
		`INSERT INTO singlepoint_record (id, program, driver, method, basis, keywords_id, molecule_id, return_result, properties)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, qcspec.Program, string(qcspec.Driver), qcspec.Method, basisColumn(qcspec.Basis),
		qcspec.KeywordsID, molID, returnResult, properties)
	if err != nil {
		return 0, fmt.Errorf("insert trajectory singlepoint: %w", err)
	}

	// Born complete; trajectory points never pass through the queue.
	if _, err := t.conn.ExecContext(ctx,
		`UPDATE base_record SET status = 'complete', modified_on = ? WHERE id = ?`,
		time.Now().UTC(), id); err != nil {
		return 0, err
	}
	if _, err := t.appendHistory(ctx, &types.ComputeHistory{
		RecordID:    id,
		Status:      types.RecordStatusComplete,
		ManagerName: managerName,
		Provenance:  &step.Provenance,
	}); err != nil {
		return 0, err
	}
	return id, nil
}

// GetOptimizations fetches full optimization records by id, in input
// order.
func (s *Store) GetOptimizations(ctx context.Context, ids []int64, proj RecordProjection, missingOK bool) ([]*types.OptimizationRecord, error) {
	base, err := s.GetRecords(ctx, ids, proj, missingOK)
	if err != nil {
		return nil, err
	}
	out := make([]*types.OptimizationRecord, len(ids))
	for i, b := range base {
		if b == nil {
			continue
		}
		if b.RecordType != types.RecordTypeOptimization {
			return nil, fmt.Errorf("record %d is %s, not optimization", b.ID, b.RecordType)
		}
		r := &types.OptimizationRecord{BaseRecord: *b}
		var specJSON string
		var finalMol sql.NullInt64
		var energies sql.NullString
		err := s.db.QueryRowContext(ctx,
			`SELECT specification, hash_index, initial_molecule_id, final_molecule_id, energies
			 FROM optimization_record WHERE id = ?`, b.ID).
			Scan(&specJSON, &r.HashIndex, &r.InitialMoleculeID, &finalMol, &energies)
		if err != nil {
			return nil, fmt.Errorf("query optimization %d: %w", b.ID, err)
		}
		if err := json.Unmarshal([]byte(specJSON), &r.Specification); err != nil {
			return nil, fmt.Errorf("decode optimization spec: %w", err)
		}
		if finalMol.Valid {
			r.FinalMoleculeID = &finalMol.Int64
		}
		if err := fromJSON(energies, &r.Energies); err != nil {
			return nil, err
		}

		rows, err := s.db.QueryContext(ctx,
			`SELECT singlepoint_id FROM optimization_trajectory WHERE optimization_id = ? ORDER BY position ASC`, b.ID)
		if err != nil {
			return nil, err
		}
		for rows.Next() {
			var spID int64
			if err := rows.Scan(&spID); err != nil {
				rows.Close()
				return nil, err
			}
			r.TrajectoryIDs = append(r.TrajectoryIDs, spID)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return nil, err
		}
		out[i] = r
	}
	return out, nil
}
