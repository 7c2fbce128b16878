package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/qcforge/qcforge/pkg/hash"
	"github.com/qcforge/qcforge/pkg/types"
)

// atomicInput is the worker-facing payload of a singlepoint task.
type atomicInput struct {
	Schema    string                 `json:"schema_name"`
	Molecule  *types.Molecule        `json:"molecule"`
	Driver    types.Driver           `json:"driver"`
	Model     types.ResultModel      `json:"model"`
	Keywords  map[string]interface{} `json:"keywords"`
	Protocols map[string]interface{} `json:"protocols,omitempty"`
}

const atomicInputSchema = "qcschema_input"

// basisColumn maps the nullable basis to its stored form. NULL would
// break the uniqueness tuple, so the empty string stands in.
func basisColumn(b *string) string {
	if b == nil {
		return ""
	}
	return *b
}

// AddSinglepoints submits singlepoint computations for a list of
// molecules under one specification. Each slot of refs is either an
// existing molecule id or a full molecule object. Deduplication is on
// the (program, driver, method, basis, keywords, molecule) tuple;
// matching slots report the existing record id.
func (s *Store) AddSinglepoints(ctx context.Context, spec types.QCSpecification, refs []MoleculeRef, tag string, priority types.Priority, owner string) ([]int64, InsertMetadata, error) {
	var ids []int64
	var meta InsertMetadata
	err := s.RunInTransaction(ctx, func(tx *Tx) error {
		var err error
		ids, meta, err = tx.AddSinglepoints(ctx, spec, refs, tag, priority, owner)
		return err
	})
	return ids, meta, err
}

// AddSinglepoints submits singlepoints within the transaction.
func (t *Tx) AddSinglepoints(ctx context.Context, spec types.QCSpecification, refs []MoleculeRef, tag string, priority types.Priority, owner string) ([]int64, InsertMetadata, error) {
	spec.Normalize()
	if err := t.resolveKeywords(ctx, &spec); err != nil {
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
	known := make(map[int64]int64) // molecule id -> record id within this batch
	for i, molID := range molIDs {
		if badSlot[i] {
			continue
		}
		if id, ok := known[molID]; ok {
			ids[i] = id
			meta.ExistingIdx = append(meta.ExistingIdx, i)
			continue
		}
		existing, err := t.findSinglepoint(ctx, spec, molID)
		if err != nil {
			return nil, meta, err
		}
		if existing != 0 {
			ids[i] = existing
			known[molID] = existing
			meta.ExistingIdx = append(meta.ExistingIdx, i)
			continue
		}

		id, err := t.insertSinglepoint(ctx, spec, molID, tag, priority, owner)
		if err != nil {
			meta.Errors = append(meta.Errors, IndexedError{Index: i, Error: err.Error()})
			continue
		}
		ids[i] = id
		known[molID] = id
		meta.InsertedIdx = append(meta.InsertedIdx, i)
	}
	return ids, meta, nil
}

func (t *Tx) findSinglepoint(ctx context.Context, spec types.QCSpecification, moleculeID int64) (int64, error) {
	var id int64
	err := t.conn.QueryRowContext(ctx,
		`SELECT id FROM singlepoint_record
		 WHERE program = ? AND driver = ? AND method = ? AND basis = ? AND keywords_id = ? AND molecule_id = ?`,
		spec.Program, string(spec.Driver), spec.Method, basisColumn(spec.Basis), spec.KeywordsID, moleculeID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("lookup singlepoint: %w", err)
	}
	return id, nil
}

func (t *Tx) insertSinglepoint(ctx context.Context, spec types.QCSpecification, moleculeID int64, tag string, priority types.Priority, owner string) (int64, error) {
	id, err := t.insertBaseRecord(ctx, types.RecordTypeSinglepoint, false, owner, nil)
	if err != nil {
		return 0, err
	}
	protocols, err := jsonString(spec.Protocols)
	if err != nil {
		return 0, err
	}
	_, err = t.conn.ExecContext(ctx,
		`INSERT INTO singlepoint_record (id, program, driver, method, basis, keywords_id, protocols, molecule_id)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		id, spec.Program, string(spec.Driver), spec.Method, basisColumn(spec.Basis), spec.KeywordsID, protocols, moleculeID)
	if err != nil {
		return 0, fmt.Errorf("insert singlepoint: %w", err)
	}

	tspec, programs, err := t.singlepointSpecPayload(ctx, spec, moleculeID)
	if err != nil {
		return 0, err
	}
	if err := t.createTask(ctx, id, tspec, tag, programs, priority); err != nil {
		return 0, err
	}
	return id, nil
}

// singlepointSpecPayload builds the qcengine.compute task payload.
func (t *Tx) singlepointSpecPayload(ctx context.Context, spec types.QCSpecification, moleculeID int64) (taskSpec, map[string]string, error) {
	mols, err := t.GetMolecules(ctx, []int64{moleculeID}, false)
	if err != nil {
		return taskSpec{}, nil, err
	}
	kws, err := t.loadKeywordValues(ctx, spec.KeywordsID)
	if err != nil {
		return taskSpec{}, nil, err
	}

	input := atomicInput{
		Schema:    atomicInputSchema,
		Molecule:  mols[0],
		Driver:    spec.Driver,
		Model:     types.ResultModel{Method: spec.Method, Basis: spec.Basis},
		Keywords:  kws,
		Protocols: spec.Protocols,
	}
	args, err := json.Marshal([]interface{}{input, spec.Program})
	if err != nil {
		return taskSpec{}, nil, fmt.Errorf("encode task args: %w", err)
	}
	return taskSpec{
		Function: "qcengine.compute",
		Args:     args,
		Kwargs:   json.RawMessage(`{}`),
	}, map[string]string{spec.Program: ""}, nil
}

// singlepointTaskSpec regenerates the task payload from the stored row.
func (t *Tx) singlepointTaskSpec(ctx context.Context, recordID int64) (taskSpec, map[string]string, error) {
	spec, molID, err := t.loadSinglepointSpec(ctx, recordID)
	if err != nil {
		return taskSpec{}, nil, err
	}
	return t.singlepointSpecPayload(ctx, spec, molID)
}

func (t *Tx) loadSinglepointSpec(ctx context.Context, recordID int64) (types.QCSpecification, int64, error) {
	var spec types.QCSpecification
	var driver, basis string
	var protocols sql.NullString
	var molID int64
	err := t.conn.QueryRowContext(ctx,
		`SELECT program, driver, method, basis, keywords_id, protocols, molecule_id
		 FROM singlepoint_record WHERE id = ?`, recordID).
		Scan(&spec.Program, &driver, &spec.Method, &basis, &spec.KeywordsID, &protocols, &molID)
	if errors.Is(err, sql.ErrNoRows) {
		return spec, 0, fmt.Errorf("singlepoint %d: %w", recordID, ErrNotFound)
	}
	if err != nil {
		return spec, 0, fmt.Errorf("query singlepoint: %w", err)
	}
	spec.Driver = types.Driver(driver)
	if basis != "" {
		spec.Basis = &basis
	}
	if err := fromJSON(protocols, &spec.Protocols); err != nil {
		return spec, 0, err
	}
	return spec, molID, nil
}

func (t *Tx) loadKeywordValues(ctx context.Context, keywordsID int64) (map[string]interface{}, error) {
	var values sql.NullString
	err := t.conn.QueryRowContext(ctx, `SELECT kw_values FROM keywords WHERE id = ?`, keywordsID).Scan(&values)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("keywords %d: %w", keywordsID, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	out := map[string]interface{}{}
	if err := fromJSON(values, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// completeSinglepoint applies a successful atomic result to a running
// singlepoint record.
func (t *Tx) completeSinglepoint(ctx context.Context, recordID int64, managerName string, res *types.AtomicResult) error {
	spec, molID, err := t.loadSinglepointSpec(ctx, recordID)
	if err != nil {
		return err
	}

	// The result must be for the computation that was asked.
	if res.Driver != spec.Driver && spec.Driver != types.DriverDeferred {
		return fmt.Errorf("result driver %q does not match record driver %q", res.Driver, spec.Driver)
	}
	if !strings.EqualFold(res.Model.Method, spec.Method) {
		return fmt.Errorf("result method %q does not match record method %q", res.Model.Method, spec.Method)
	}
	if basisColumn(res.Model.Basis) != "" || basisColumn(spec.Basis) != "" {
		if !strings.EqualFold(basisColumn(res.Model.Basis), basisColumn(spec.Basis)) {
			return fmt.Errorf("result basis %q does not match record basis %q",
				basisColumn(res.Model.Basis), basisColumn(spec.Basis))
		}
	}
	if len(res.Molecule.Symbols) == 0 {
		return fmt.Errorf("result carries no molecule")
	}
	mols, err := t.GetMolecules(ctx, []int64{molID}, false)
	if err != nil {
		return err
	}
	if hash.Molecule(&res.Molecule) != mols[0].Hash {
		return fmt.Errorf("result molecule does not match record molecule %d", molID)
	}

	properties, err := jsonString(res.Properties)
	if err != nil {
		return err
	}
	var returnResult interface{}
	if len(res.ReturnResult) > 0 {
		returnResult = string(res.ReturnResult)
	}
	if _, err := t.conn.ExecContext(ctx,
		`UPDATE singlepoint_record SET return_result = ?, properties = ? WHERE id = ?`,
		returnResult, properties, recordID); err != nil {
		return fmt.Errorf("store singlepoint result: %w", err)
	}

	if res.Wavefunction != nil {
		if err := t.storeWavefunction(ctx, recordID, res.Wavefunction); err != nil {
			return err
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

// GetSinglepoints fetches full singlepoint records by id, in input
// order. Relations requested by the projection are loaded on the
// embedded header.
func (s *Store) GetSinglepoints(ctx context.Context, ids []int64, proj RecordProjection, missingOK bool) ([]*types.SinglepointRecord, error) {
	base, err := s.GetRecords(ctx, ids, proj, missingOK)
	if err != nil {
		return nil, err
	}
	out := make([]*types.SinglepointRecord, len(ids))
	for i, b := range base {
		if b == nil {
			continue
		}
		if b.RecordType != types.RecordTypeSinglepoint {
			return nil, fmt.Errorf("record %d is %s, not singlepoint", b.ID, b.RecordType)
		}
		r := &types.SinglepointRecord{BaseRecord: *b}
		var driver, basis string
		var protocols, returnResult, properties sql.NullString
		err := s.db.QueryRowContext(ctx,
			`SELECT program, driver, method, basis, keywords_id, protocols, molecule_id, return_result, properties
			 FROM singlepoint_record WHERE id = ?`, b.ID).
			Scan(&r.Specification.Program, &driver, &r.Specification.Method, &basis,
				&r.Specification.KeywordsID, &protocols, &r.MoleculeID, &returnResult, &properties)
		if err != nil {
			return nil, fmt.Errorf("query singlepoint %d: %w", b.ID, err)
		}
		r.Specification.Driver = types.Driver(driver)
		if basis != "" {
			r.Specification.Basis = &basis
		}
		if err := fromJSON(protocols, &r.Specification.Protocols); err != nil {
			return nil, err
		}
		if returnResult.Valid {
			r.ReturnResult = json.RawMessage(returnResult.String)
		}
		if err := fromJSON(properties, &r.Properties); err != nil {
			return nil, err
		}

		var wfnID int64
		err = s.db.QueryRowContext(ctx,
			`SELECT id FROM wavefunction_store WHERE record_id = ?`, b.ID).Scan(&wfnID)
		if err == nil {
			r.WavefunctionID = &wfnID
		} else if !errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}

		if proj.wants("molecule") {
			mols, err := s.GetMolecules(ctx, []int64{r.MoleculeID}, false)
			if err != nil {
				return nil, err
			}
			r.Molecule = mols[0]
		}
		out[i] = r
	}
	return out, nil
}
