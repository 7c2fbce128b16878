package storage

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/qcforge/qcforge/pkg/hash"
	"github.com/qcforge/qcforge/pkg/types"
)

// MoleculeRef is one slot of a mixed-input molecule list: either an id
// of an existing molecule or a full molecule object. On the wire it is
// a bare number or a molecule object.
type MoleculeRef struct {
	ID       int64
	Molecule *types.Molecule
}

// MarshalJSON renders the id form when no object is carried.
func (r MoleculeRef) MarshalJSON() ([]byte, error) {
	if r.Molecule != nil {
		return json.Marshal(r.Molecule)
	}
	return json.Marshal(r.ID)
}

// UnmarshalJSON accepts either a number or a molecule object.
func (r *MoleculeRef) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		r.ID = 0
		r.Molecule = &types.Molecule{}
		return json.Unmarshal(data, r.Molecule)
	}
	r.Molecule = nil
	return json.Unmarshal(data, &r.ID)
}

// AddMolecules inserts molecules, deduplicating on the canonical hash.
// Returned ids are in input order.
func (s *Store) AddMolecules(ctx context.Context, mols []*types.Molecule) ([]int64, InsertMetadata, error) {
	var ids []int64
	var meta InsertMetadata
	err := s.RunInTransaction(ctx, func(tx *Tx) error {
		var err error
		ids, meta, err = tx.AddMolecules(ctx, mols)
		return err
	})
	return ids, meta, err
}

// AddMolecules inserts molecules within the transaction.
func (t *Tx) AddMolecules(ctx context.Context, mols []*types.Molecule) ([]int64, InsertMetadata, error) {
	keys := make([]string, len(mols))
	for i, m := range mols {
		if m.Hash == "" {
			m.Hash = hash.Molecule(m)
		}
		keys[i] = m.Hash
	}

	lookup := func(ctx context.Context, ks []string) (map[string]int64, error) {
		return lookupByColumn(ctx, t.conn, "molecules", "molecule_hash", ks)
	}
	insert := func(ctx context.Context, i int) (int64, error) {
		return insertMolecule(ctx, t.conn, mols[i])
	}
	return dedupInsert(ctx, keys, lookup, insert)
}

// AddMoleculesMixed accepts per-slot either an existing molecule id or
// a full object. Unknown ids become per-index errors without aborting
// the batch; their slots report a zero id.
func (t *Tx) AddMoleculesMixed(ctx context.Context, refs []MoleculeRef) ([]int64, InsertMetadata, error) {
	ids := make([]int64, len(refs))
	var meta InsertMetadata

	// Insert the full objects through the standard dedup path first.
	var objIdx []int
	var objs []*types.Molecule
	for i, r := range refs {
		if r.Molecule != nil {
			objIdx = append(objIdx, i)
			objs = append(objs, r.Molecule)
		}
	}
	if len(objs) > 0 {
		objIDs, objMeta, err := t.AddMolecules(ctx, objs)
		if err != nil {
			return nil, meta, err
		}
		for j, i := range objIdx {
			ids[i] = objIDs[j]
		}
		for _, j := range objMeta.InsertedIdx {
			meta.InsertedIdx = append(meta.InsertedIdx, objIdx[j])
		}
		for _, j := range objMeta.ExistingIdx {
			meta.ExistingIdx = append(meta.ExistingIdx, objIdx[j])
		}
		for _, e := range objMeta.Errors {
			meta.Errors = append(meta.Errors, IndexedError{Index: objIdx[e.Index], Error: e.Error})
		}
	}

	// Resolve the id slots.
	for i, r := range refs {
		if r.Molecule != nil {
			continue
		}
		var found int64
		err := t.conn.QueryRowContext(ctx, `SELECT id FROM molecules WHERE id = ?`, r.ID).Scan(&found)
		if errors.Is(err, sql.ErrNoRows) {
			meta.Errors = append(meta.Errors, IndexedError{Index: i, Error: fmt.Sprintf("molecule id %d does not exist", r.ID)})
			continue
		}
		if err != nil {
			return nil, meta, fmt.Errorf("lookup molecule id: %w", err)
		}
		ids[i] = found
		meta.ExistingIdx = append(meta.ExistingIdx, i)
	}

	return ids, meta, nil
}

// GetMolecules fetches molecules by id, in input order. With missingOK
// false a missing id yields ErrNotFound; otherwise the slot is nil.
func (s *Store) GetMolecules(ctx context.Context, ids []int64, missingOK bool) ([]*types.Molecule, error) {
	return getMolecules(ctx, s.db, ids, missingOK)
}

// GetMolecules fetches molecules on the transaction's connection.
func (t *Tx) GetMolecules(ctx context.Context, ids []int64, missingOK bool) ([]*types.Molecule, error) {
	return getMolecules(ctx, t.conn, ids, missingOK)
}

func getMolecules(ctx context.Context, q querier, ids []int64, missingOK bool) ([]*types.Molecule, error) {
	out := make([]*types.Molecule, len(ids))
	byID := make(map[int64]*types.Molecule, len(ids))

	args := make([]interface{}, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	rows, err := q.QueryContext(ctx,
		`SELECT id, molecule_hash, molecular_formula, symbols, geometry, real_atoms, charge,
		        multiplicity, fragments, fragment_charges, fragment_multiplicities, identifiers
		 FROM molecules WHERE id IN (`+placeholders(len(ids))+`)`, args...)
	if err != nil {
		return nil, fmt.Errorf("query molecules: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		m, err := scanMolecule(rows)
		if err != nil {
			return nil, err
		}
		byID[m.ID] = m
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i, id := range ids {
		m, ok := byID[id]
		if !ok {
			if !missingOK {
				return nil, fmt.Errorf("molecule %d: %w", id, ErrNotFound)
			}
			continue
		}
		out[i] = m
	}
	return out, nil
}

// DeleteMolecules removes molecules by id. Molecules referenced by
// records are protected by foreign keys and produce per-index errors.
func (s *Store) DeleteMolecules(ctx context.Context, ids []int64) InsertMetadata {
	var meta InsertMetadata
	for i, id := range ids {
		res, err := s.db.ExecContext(ctx, `DELETE FROM molecules WHERE id = ?`, id)
		if err != nil {
			meta.Errors = append(meta.Errors, IndexedError{Index: i, Error: err.Error()})
			continue
		}
		if n, _ := res.RowsAffected(); n == 0 {
			meta.Errors = append(meta.Errors, IndexedError{Index: i, Error: fmt.Sprintf("molecule %d does not exist", id)})
			continue
		}
		meta.InsertedIdx = append(meta.InsertedIdx, i) // deleted
	}
	return meta
}

func insertMolecule(ctx context.Context, q querier, m *types.Molecule) (int64, error) {
	if len(m.Symbols) == 0 {
		return 0, fmt.Errorf("molecule has no atoms")
	}
	if len(m.Geometry) != 3*len(m.Symbols) {
		return 0, fmt.Errorf("geometry length %d does not match %d atoms", len(m.Geometry), len(m.Symbols))
	}
	if len(m.Real) > 0 && len(m.Real) != len(m.Symbols) {
		return 0, fmt.Errorf("real mask length %d does not match %d atoms", len(m.Real), len(m.Symbols))
	}
	realAtoms, err := jsonString(m.Real)
	if err != nil {
		return 0, err
	}
	fragments, err := jsonString(m.Fragments)
	if err != nil {
		return 0, err
	}
	fragCharges, err := jsonString(m.FragmentCharges)
	if err != nil {
		return 0, err
	}
	fragMults, err := jsonString(m.FragmentMults)
	if err != nil {
		return 0, err
	}
	identifiers, err := jsonString(m.Identifiers)
	if err != nil {
		return 0, err
	}

	res, err := q.ExecContext(ctx,
		`INSERT INTO molecules (molecule_hash, molecular_formula, symbols, geometry, real_atoms, charge,
		                        multiplicity, fragments, fragment_charges, fragment_multiplicities, identifiers)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.Hash, m.MolecularFormula, mustJSON(m.Symbols), mustJSON(m.Geometry), realAtoms,
		m.Charge, m.Multiplicity, fragments, fragCharges, fragMults, identifiers)
	if err != nil {
		return 0, fmt.Errorf("insert molecule: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	m.ID = id
	return id, nil
}

func scanMolecule(rows *sql.Rows) (*types.Molecule, error) {
	var m types.Molecule
	var symbols, geometry string
	var realAtoms, fragments, fragCharges, fragMults, identifiers sql.NullString
	if err := rows.Scan(&m.ID, &m.Hash, &m.MolecularFormula, &symbols, &geometry, &realAtoms,
		&m.Charge, &m.Multiplicity, &fragments, &fragCharges, &fragMults, &identifiers); err != nil {
		return nil, fmt.Errorf("scan molecule: %w", err)
	}
	if err := fromJSON(sql.NullString{String: symbols, Valid: true}, &m.Symbols); err != nil {
		return nil, err
	}
	if err := fromJSON(sql.NullString{String: geometry, Valid: true}, &m.Geometry); err != nil {
		return nil, err
	}
	if err := fromJSON(realAtoms, &m.Real); err != nil {
		return nil, err
	}
	if err := fromJSON(fragments, &m.Fragments); err != nil {
		return nil, err
	}
	if err := fromJSON(fragCharges, &m.FragmentCharges); err != nil {
		return nil, err
	}
	if err := fromJSON(fragMults, &m.FragmentMults); err != nil {
		return nil, err
	}
	if err := fromJSON(identifiers, &m.Identifiers); err != nil {
		return nil, err
	}
	return &m, nil
}

// lookupByColumn resolves values of a unique column to row ids.
func lookupByColumn(ctx context.Context, q querier, table, column string, values []string) (map[string]int64, error) {
	out := make(map[string]int64, len(values))
	if len(values) == 0 {
		return out, nil
	}
	rows, err := q.QueryContext(ctx,
		`SELECT id, `+column+` FROM `+table+` WHERE `+column+` IN (`+placeholders(len(values))+`)`,
		stringArgs(values)...)
	if err != nil {
		return nil, fmt.Errorf("lookup %s: %w", table, err)
	}
	defer rows.Close()
	for rows.Next() {
		var id int64
		var v string
		if err := rows.Scan(&id, &v); err != nil {
			return nil, err
		}
		out[v] = id
	}
	return out, rows.Err()
}
