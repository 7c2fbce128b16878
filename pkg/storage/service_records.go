package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/qcforge/qcforge/pkg/hash"
	"github.com/qcforge/qcforge/pkg/types"
)

// TorsiondriveInput is one torsiondrive submission.
type TorsiondriveInput struct {
	Specification    types.OptimizationSpecification `json:"specification"`
	Keywords         types.TorsiondriveKeywords      `json:"keywords"`
	InitialMolecules []MoleculeRef                   `json:"initial_molecules"`
}

// AddTorsiondrives submits torsiondrive services. Deduplication is on
// the hash of the spec, drive keywords, and initial molecule set.
func (s *Store) AddTorsiondrives(ctx context.Context, inputs []TorsiondriveInput, tag string, priority types.Priority, owner string) ([]int64, InsertMetadata, error) {
	ids := make([]int64, len(inputs))
	var meta InsertMetadata
	err := s.RunInTransaction(ctx, func(tx *Tx) error {
		known := make(map[string]int64)
		for i := range inputs {
			in := &inputs[i]
			in.Specification.Normalize()
			if err := tx.resolveKeywords(ctx, &in.Specification.QCSpec); err != nil {
				return err
			}
			molIDs, molMeta, err := tx.AddMoleculesMixed(ctx, in.InitialMolecules)
			if err != nil {
				return err
			}
			if !molMeta.Success() {
				meta.Errors = append(meta.Errors, IndexedError{Index: i, Error: molMeta.Errors[0].Error})
				continue
			}
			mols, err := tx.GetMolecules(ctx, molIDs, false)
			if err != nil {
				return err
			}
			hashes := make([]string, len(mols))
			for j, m := range mols {
				hashes[j] = m.Hash
			}
			hashIndex := hash.TorsiondriveSpec(&in.Specification, &in.Keywords, hashes)

			id, existed, err := dedupServiceSlot(ctx, tx, known, hashIndex, "torsiondrive_record", func() (int64, error) {
				return tx.insertTorsiondrive(ctx, in, hashIndex, molIDs, tag, priority, owner)
			})
			if err != nil {
				meta.Errors = append(meta.Errors, IndexedError{Index: i, Error: err.Error()})
				continue
			}
			ids[i] = id
			if existed {
				meta.ExistingIdx = append(meta.ExistingIdx, i)
			} else {
				meta.InsertedIdx = append(meta.InsertedIdx, i)
			}
		}
		return nil
	})
	return ids, meta, err
}

// dedupServiceSlot resolves one hash-indexed service submission to an
// existing record or inserts it.
func dedupServiceSlot(ctx context.Context, tx *Tx, known map[string]int64, hashIndex, table string, insert func() (int64, error)) (int64, bool, error) {
	if id, ok := known[hashIndex]; ok {
		return id, true, nil
	}
	var existing int64
	err := tx.conn.QueryRowContext(ctx,
		`SELECT id FROM `+table+` WHERE hash_index = ?`, hashIndex).Scan(&existing)
	if err == nil {
		known[hashIndex] = existing
		return existing, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, false, fmt.Errorf("lookup %s: %w", table, err)
	}
	id, err := insert()
	if err != nil {
		return 0, false, err
	}
	known[hashIndex] = id
	return id, false, nil
}

func (t *Tx) insertTorsiondrive(ctx context.Context, in *TorsiondriveInput, hashIndex string, molIDs []int64, tag string, priority types.Priority, owner string) (int64, error) {
	id, err := t.insertBaseRecord(ctx, types.RecordTypeTorsiondrive, true, owner, nil)
	if err != nil {
		return 0, err
	}
	_, err = t.conn.ExecContext(ctx,
		`INSERT INTO torsiondrive_record (id, specification, keywords, hash_index) VALUES (?, ?, ?, ?)`,
		id, mustJSON(in.Specification), mustJSON(in.Keywords), hashIndex)
	if err != nil {
		return 0, fmt.Errorf("insert torsiondrive: %w", err)
	}
	for pos, molID := range molIDs {
		if _, err := t.conn.ExecContext(ctx,
			`INSERT INTO torsiondrive_molecules (torsiondrive_id, position, molecule_id) VALUES (?, ?, ?)`,
			id, pos, molID); err != nil {
			return 0, fmt.Errorf("insert torsiondrive molecule: %w", err)
		}
	}
	if _, err := t.createService(ctx, id, tag, priority); err != nil {
		return 0, err
	}
	return id, nil
}

// GetTorsiondrives fetches full torsiondrive records by id, in input
// order.
func (s *Store) GetTorsiondrives(ctx context.Context, ids []int64, proj RecordProjection, missingOK bool) ([]*types.TorsiondriveRecord, error) {
	base, err := s.GetRecords(ctx, ids, proj, missingOK)
	if err != nil {
		return nil, err
	}
	out := make([]*types.TorsiondriveRecord, len(ids))
	for i, b := range base {
		if b == nil {
			continue
		}
		if b.RecordType != types.RecordTypeTorsiondrive {
			return nil, fmt.Errorf("record %d is %s, not torsiondrive", b.ID, b.RecordType)
		}
		r := &types.TorsiondriveRecord{BaseRecord: *b}
		var specJSON, kwJSON string
		var minPos, finalEnergies sql.NullString
		err := s.db.QueryRowContext(ctx,
			`SELECT specification, keywords, hash_index, minimum_positions, final_energies
			 FROM torsiondrive_record WHERE id = ?`, b.ID).
			Scan(&specJSON, &kwJSON, &r.HashIndex, &minPos, &finalEnergies)
		if err != nil {
			return nil, fmt.Errorf("query torsiondrive %d: %w", b.ID, err)
		}
		if err := json.Unmarshal([]byte(specJSON), &r.Specification); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(kwJSON), &r.Keywords); err != nil {
			return nil, err
		}
		if err := fromJSON(minPos, &r.MinimumPositions); err != nil {
			return nil, err
		}
		if err := fromJSON(finalEnergies, &r.FinalEnergies); err != nil {
			return nil, err
		}

		r.InitialMoleculeIDs, err = s.positionedIDs(ctx,
			`SELECT molecule_id FROM torsiondrive_molecules WHERE torsiondrive_id = ? ORDER BY position ASC`, b.ID)
		if err != nil {
			return nil, err
		}
		r.OptimizationIDs, err = s.torsiondriveChildren(ctx, b.ID)
		if err != nil {
			return nil, err
		}
		out[i] = r
	}
	return out, nil
}

// torsiondriveChildren groups a torsiondrive's optimization children by
// grid key, drawn from the service dependency table.
func (s *Store) torsiondriveChildren(ctx context.Context, recordID int64) (map[string][]int64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT sd.dep_key, sd.record_id FROM service_dependencies sd
		 JOIN service_queue sq ON sq.id = sd.service_id
		 WHERE sq.record_id = ? ORDER BY sd.position ASC, sd.record_id ASC`, recordID)
	if err != nil {
		return nil, fmt.Errorf("query torsiondrive children: %w", err)
	}
	defer rows.Close()
	out := make(map[string][]int64)
	for rows.Next() {
		var key string
		var id int64
		if err := rows.Scan(&key, &id); err != nil {
			return nil, err
		}
		out[key] = append(out[key], id)
	}
	if len(out) == 0 {
		return nil, rows.Err()
	}
	return out, rows.Err()
}

func (s *Store) positionedIDs(ctx context.Context, query string, args ...interface{}) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
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

// GridoptimizationInput is one gridoptimization submission.
type GridoptimizationInput struct {
	Specification   types.OptimizationSpecification `json:"specification"`
	Keywords        types.GridoptimizationKeywords  `json:"keywords"`
	InitialMolecule MoleculeRef                     `json:"initial_molecule"`
}

// AddGridoptimizations submits gridoptimization services.
func (s *Store) AddGridoptimizations(ctx context.Context, inputs []GridoptimizationInput, tag string, priority types.Priority, owner string) ([]int64, InsertMetadata, error) {
	ids := make([]int64, len(inputs))
	var meta InsertMetadata
	err := s.RunInTransaction(ctx, func(tx *Tx) error {
		known := make(map[string]int64)
		for i := range inputs {
			in := &inputs[i]
			in.Specification.Normalize()
			if err := tx.resolveKeywords(ctx, &in.Specification.QCSpec); err != nil {
				return err
			}
			molIDs, molMeta, err := tx.AddMoleculesMixed(ctx, []MoleculeRef{in.InitialMolecule})
			if err != nil {
				return err
			}
			if !molMeta.Success() {
				meta.Errors = append(meta.Errors, IndexedError{Index: i, Error: molMeta.Errors[0].Error})
				continue
			}
			mols, err := tx.GetMolecules(ctx, molIDs, false)
			if err != nil {
				return err
			}
			hashIndex := hash.GridoptimizationSpec(&in.Specification, &in.Keywords, mols[0].Hash)

			id, existed, err := dedupServiceSlot(ctx, tx, known, hashIndex, "gridoptimization_record", func() (int64, error) {
				return tx.insertGridoptimization(ctx, in, hashIndex, molIDs[0], tag, priority, owner)
			})
			if err != nil {
				meta.Errors = append(meta.Errors, IndexedError{Index: i, Error: err.Error()})
				continue
			}
			ids[i] = id
			if existed {
				meta.ExistingIdx = append(meta.ExistingIdx, i)
			} else {
				meta.InsertedIdx = append(meta.InsertedIdx, i)
			}
		}
		return nil
	})
	return ids, meta, err
}

func (t *Tx) insertGridoptimization(ctx context.Context, in *GridoptimizationInput, hashIndex string, molID int64, tag string, priority types.Priority, owner string) (int64, error) {
	id, err := t.insertBaseRecord(ctx, types.RecordTypeGridoptimization, true, owner, nil)
	if err != nil {
		return 0, err
	}
	_, err = t.conn.ExecContext(ctx,
		`INSERT INTO gridoptimization_record (id, specification, keywords, hash_index, initial_molecule_id)
		 VALUES (?, ?, ?, ?, ?)`,
		id, mustJSON(in.Specification), mustJSON(in.Keywords), hashIndex, molID)
	if err != nil {
		return 0, fmt.Errorf("insert gridoptimization: %w", err)
	}
	if _, err := t.createService(ctx, id, tag, priority); err != nil {
		return 0, err
	}
	return id, nil
}

// GetGridoptimizations fetches full gridoptimization records by id.
func (s *Store) GetGridoptimizations(ctx context.Context, ids []int64, proj RecordProjection, missingOK bool) ([]*types.GridoptimizationRecord, error) {
	base, err := s.GetRecords(ctx, ids, proj, missingOK)
	if err != nil {
		return nil, err
	}
	out := make([]*types.GridoptimizationRecord, len(ids))
	for i, b := range base {
		if b == nil {
			continue
		}
		if b.RecordType != types.RecordTypeGridoptimization {
			return nil, fmt.Errorf("record %d is %s, not gridoptimization", b.ID, b.RecordType)
		}
		r := &types.GridoptimizationRecord{BaseRecord: *b}
		var specJSON, kwJSON string
		var startingMol sql.NullInt64
		var finalEnergies sql.NullString
		err := s.db.QueryRowContext(ctx,
			`SELECT specification, keywords, hash_index, initial_molecule_id, starting_molecule_id, final_energies
			 FROM gridoptimization_record WHERE id = ?`, b.ID).
			Scan(&specJSON, &kwJSON, &r.HashIndex, &r.InitialMoleculeID, &startingMol, &finalEnergies)
		if err != nil {
			return nil, fmt.Errorf("query gridoptimization %d: %w", b.ID, err)
		}
		if err := json.Unmarshal([]byte(specJSON), &r.Specification); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(kwJSON), &r.Keywords); err != nil {
			return nil, err
		}
		if startingMol.Valid {
			r.StartingMoleculeID = &startingMol.Int64
		}
		if err := fromJSON(finalEnergies, &r.FinalEnergies); err != nil {
			return nil, err
		}
		out[i] = r
	}
	return out, nil
}

// ReactionComponentInput is one stoichiometric term of a submission.
type ReactionComponentInput struct {
	Coefficient float64     `json:"coefficient"`
	Molecule    MoleculeRef `json:"molecule"`
}

// ReactionInput is one reaction submission. At least one of QCSpec and
// OptSpec must be set; with both, components are optimized first and
// the energy taken at the optimized geometry.
type ReactionInput struct {
	QCSpec     *types.QCSpecification           `json:"qc_specification,omitempty"`
	OptSpec    *types.OptimizationSpecification `json:"opt_specification,omitempty"`
	Components []ReactionComponentInput         `json:"components"`
}

// AddReactions submits reaction services.
func (s *Store) AddReactions(ctx context.Context, inputs []ReactionInput, tag string, priority types.Priority, owner string) ([]int64, InsertMetadata, error) {
	ids := make([]int64, len(inputs))
	var meta InsertMetadata
	err := s.RunInTransaction(ctx, func(tx *Tx) error {
		for i := range inputs {
			in := &inputs[i]
			if in.QCSpec == nil && in.OptSpec == nil {
				meta.Errors = append(meta.Errors, IndexedError{Index: i, Error: "reaction needs a qc or optimization specification"})
				continue
			}
			if in.QCSpec != nil {
				in.QCSpec.Normalize()
				if err := tx.resolveKeywords(ctx, in.QCSpec); err != nil {
					return err
				}
			}
			if in.OptSpec != nil {
				in.OptSpec.Normalize()
				if err := tx.resolveKeywords(ctx, &in.OptSpec.QCSpec); err != nil {
					return err
				}
			}
			refs := make([]MoleculeRef, len(in.Components))
			for j, c := range in.Components {
				refs[j] = c.Molecule
			}
			molIDs, molMeta, err := tx.AddMoleculesMixed(ctx, refs)
			if err != nil {
				return err
			}
			if !molMeta.Success() {
				meta.Errors = append(meta.Errors, IndexedError{Index: i, Error: molMeta.Errors[0].Error})
				continue
			}

			id, err := tx.insertReaction(ctx, in, molIDs, tag, priority, owner)
			if err != nil {
				meta.Errors = append(meta.Errors, IndexedError{Index: i, Error: err.Error()})
				continue
			}
			ids[i] = id
			meta.InsertedIdx = append(meta.InsertedIdx, i)
		}
		return nil
	})
	return ids, meta, err
}

func (t *Tx) insertReaction(ctx context.Context, in *ReactionInput, molIDs []int64, tag string, priority types.Priority, owner string) (int64, error) {
	id, err := t.insertBaseRecord(ctx, types.RecordTypeReaction, true, owner, nil)
	if err != nil {
		return 0, err
	}
	qcSpec, err := jsonString(in.QCSpec)
	if err != nil {
		return 0, err
	}
	optSpec, err := jsonString(in.OptSpec)
	if err != nil {
		return 0, err
	}
	if _, err := t.conn.ExecContext(ctx,
		`INSERT INTO reaction_record (id, qc_specification, opt_specification) VALUES (?, ?, ?)`,
		id, qcSpec, optSpec); err != nil {
		return 0, fmt.Errorf("insert reaction: %w", err)
	}
	for pos, molID := range molIDs {
		if _, err := t.conn.ExecContext(ctx,
			`INSERT INTO reaction_components (reaction_id, position, coefficient, molecule_id) VALUES (?, ?, ?, ?)`,
			id, pos, in.Components[pos].Coefficient, molID); err != nil {
			return 0, fmt.Errorf("insert reaction component: %w", err)
		}
	}
	if _, err := t.createService(ctx, id, tag, priority); err != nil {
		return 0, err
	}
	return id, nil
}

// GetReactions fetches full reaction records by id.
func (s *Store) GetReactions(ctx context.Context, ids []int64, proj RecordProjection, missingOK bool) ([]*types.ReactionRecord, error) {
	base, err := s.GetRecords(ctx, ids, proj, missingOK)
	if err != nil {
		return nil, err
	}
	out := make([]*types.ReactionRecord, len(ids))
	for i, b := range base {
		if b == nil {
			continue
		}
		if b.RecordType != types.RecordTypeReaction {
			return nil, fmt.Errorf("record %d is %s, not reaction", b.ID, b.RecordType)
		}
		r := &types.ReactionRecord{BaseRecord: *b}
		var qcSpec, optSpec sql.NullString
		var total sql.NullFloat64
		err := s.db.QueryRowContext(ctx,
			`SELECT qc_specification, opt_specification, total_energy FROM reaction_record WHERE id = ?`, b.ID).
			Scan(&qcSpec, &optSpec, &total)
		if err != nil {
			return nil, fmt.Errorf("query reaction %d: %w", b.ID, err)
		}
		if err := fromJSON(qcSpec, &r.QCSpec); err != nil {
			return nil, err
		}
		if err := fromJSON(optSpec, &r.OptSpec); err != nil {
			return nil, err
		}
		if total.Valid {
			r.TotalEnergy = &total.Float64
		}

		rows, err := s.db.QueryContext(ctx,
			`SELECT coefficient, molecule_id, singlepoint_id, optimization_id
			 FROM reaction_components WHERE reaction_id = ? ORDER BY position ASC`, b.ID)
		if err != nil {
			return nil, err
		}
		for rows.Next() {
			var c types.ReactionComponent
			var spID, optID sql.NullInt64
			if err := rows.Scan(&c.Coefficient, &c.MoleculeID, &spID, &optID); err != nil {
				rows.Close()
				return nil, err
			}
			if spID.Valid {
				c.SinglepointID = &spID.Int64
			}
			if optID.Valid {
				c.OptimizationID = &optID.Int64
			}
			r.Components = append(r.Components, c)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return nil, err
		}
		out[i] = r
	}
	return out, nil
}

// ManybodyInput is one manybody expansion submission.
type ManybodyInput struct {
	Specification types.QCSpecification  `json:"specification"`
	Keywords      types.ManybodyKeywords `json:"keywords"`
	Molecule      MoleculeRef            `json:"molecule"`
}

// AddManybodys submits manybody services. The molecule must carry
// fragments for the cluster expansion to enumerate.
func (s *Store) AddManybodys(ctx context.Context, inputs []ManybodyInput, tag string, priority types.Priority, owner string) ([]int64, InsertMetadata, error) {
	ids := make([]int64, len(inputs))
	var meta InsertMetadata
	err := s.RunInTransaction(ctx, func(tx *Tx) error {
		for i := range inputs {
			in := &inputs[i]
			in.Specification.Normalize()
			if err := tx.resolveKeywords(ctx, &in.Specification); err != nil {
				return err
			}
			molIDs, molMeta, err := tx.AddMoleculesMixed(ctx, []MoleculeRef{in.Molecule})
			if err != nil {
				return err
			}
			if !molMeta.Success() {
				meta.Errors = append(meta.Errors, IndexedError{Index: i, Error: molMeta.Errors[0].Error})
				continue
			}
			mols, err := tx.GetMolecules(ctx, molIDs, false)
			if err != nil {
				return err
			}
			if len(mols[0].Fragments) < 2 {
				meta.Errors = append(meta.Errors, IndexedError{Index: i, Error: "manybody molecule needs at least two fragments"})
				continue
			}

			id, err := tx.insertManybody(ctx, in, molIDs[0], tag, priority, owner)
			if err != nil {
				meta.Errors = append(meta.Errors, IndexedError{Index: i, Error: err.Error()})
				continue
			}
			ids[i] = id
			meta.InsertedIdx = append(meta.InsertedIdx, i)
		}
		return nil
	})
	return ids, meta, err
}

func (t *Tx) insertManybody(ctx context.Context, in *ManybodyInput, molID int64, tag string, priority types.Priority, owner string) (int64, error) {
	id, err := t.insertBaseRecord(ctx, types.RecordTypeManybody, true, owner, nil)
	if err != nil {
		return 0, err
	}
	if _, err := t.conn.ExecContext(ctx,
		`INSERT INTO manybody_record (id, specification, keywords, molecule_id) VALUES (?, ?, ?, ?)`,
		id, mustJSON(in.Specification), mustJSON(in.Keywords), molID); err != nil {
		return 0, fmt.Errorf("insert manybody: %w", err)
	}
	if _, err := t.createService(ctx, id, tag, priority); err != nil {
		return 0, err
	}
	return id, nil
}

// GetManybodys fetches full manybody records by id.
func (s *Store) GetManybodys(ctx context.Context, ids []int64, proj RecordProjection, missingOK bool) ([]*types.ManybodyRecord, error) {
	base, err := s.GetRecords(ctx, ids, proj, missingOK)
	if err != nil {
		return nil, err
	}
	out := make([]*types.ManybodyRecord, len(ids))
	for i, b := range base {
		if b == nil {
			continue
		}
		if b.RecordType != types.RecordTypeManybody {
			return nil, fmt.Errorf("record %d is %s, not manybody", b.ID, b.RecordType)
		}
		r := &types.ManybodyRecord{BaseRecord: *b}
		var specJSON, kwJSON string
		var properties sql.NullString
		err := s.db.QueryRowContext(ctx,
			`SELECT specification, keywords, molecule_id, properties FROM manybody_record WHERE id = ?`, b.ID).
			Scan(&specJSON, &kwJSON, &r.MoleculeID, &properties)
		if err != nil {
			return nil, fmt.Errorf("query manybody %d: %w", b.ID, err)
		}
		if err := json.Unmarshal([]byte(specJSON), &r.Specification); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(kwJSON), &r.Keywords); err != nil {
			return nil, err
		}
		if err := fromJSON(properties, &r.Properties); err != nil {
			return nil, err
		}

		rows, err := s.db.QueryContext(ctx,
			`SELECT fragments, basis, molecule_id, singlepoint_id, degeneracy
			 FROM manybody_clusters WHERE manybody_id = ? ORDER BY position ASC`, b.ID)
		if err != nil {
			return nil, err
		}
		for rows.Next() {
			var c types.ManybodyCluster
			var fragments, basis string
			var spID sql.NullInt64
			if err := rows.Scan(&fragments, &basis, &c.MoleculeID, &spID, &c.Degeneracy); err != nil {
				rows.Close()
				return nil, err
			}
			if err := json.Unmarshal([]byte(fragments), &c.Fragments); err != nil {
				rows.Close()
				return nil, err
			}
			if err := json.Unmarshal([]byte(basis), &c.Basis); err != nil {
				rows.Close()
				return nil, err
			}
			if spID.Valid {
				c.SinglepointID = &spID.Int64
			}
			r.Clusters = append(r.Clusters, c)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return nil, err
		}
		out[i] = r
	}
	return out, nil
}

// NEBInput is one nudged-elastic-band submission.
type NEBInput struct {
	Specification types.QCSpecification            `json:"specification"`
	OptSpec       *types.OptimizationSpecification `json:"opt_specification,omitempty"`
	Keywords      types.NEBKeywords                `json:"keywords"`
	Chain         []MoleculeRef                    `json:"initial_chain"`
}

// AddNEBs submits NEB services. The initial chain needs at least three
// images: two fixed endpoints plus one interior image to relax.
func (s *Store) AddNEBs(ctx context.Context, inputs []NEBInput, tag string, priority types.Priority, owner string) ([]int64, InsertMetadata, error) {
	ids := make([]int64, len(inputs))
	var meta InsertMetadata
	err := s.RunInTransaction(ctx, func(tx *Tx) error {
		for i := range inputs {
			in := &inputs[i]
			if len(in.Chain) < 3 {
				meta.Errors = append(meta.Errors, IndexedError{Index: i, Error: "neb chain needs at least three images"})
				continue
			}
			in.Specification.Normalize()
			if err := tx.resolveKeywords(ctx, &in.Specification); err != nil {
				return err
			}
			if in.OptSpec != nil {
				in.OptSpec.Normalize()
				if err := tx.resolveKeywords(ctx, &in.OptSpec.QCSpec); err != nil {
					return err
				}
			}
			molIDs, molMeta, err := tx.AddMoleculesMixed(ctx, in.Chain)
			if err != nil {
				return err
			}
			if !molMeta.Success() {
				meta.Errors = append(meta.Errors, IndexedError{Index: i, Error: molMeta.Errors[0].Error})
				continue
			}

			id, err := tx.insertNEB(ctx, in, molIDs, tag, priority, owner)
			if err != nil {
				meta.Errors = append(meta.Errors, IndexedError{Index: i, Error: err.Error()})
				continue
			}
			ids[i] = id
			meta.InsertedIdx = append(meta.InsertedIdx, i)
		}
		return nil
	})
	return ids, meta, err
}

func (t *Tx) insertNEB(ctx context.Context, in *NEBInput, molIDs []int64, tag string, priority types.Priority, owner string) (int64, error) {
	id, err := t.insertBaseRecord(ctx, types.RecordTypeNEB, true, owner, nil)
	if err != nil {
		return 0, err
	}
	optSpec, err := jsonString(in.OptSpec)
	if err != nil {
		return 0, err
	}
	if _, err := t.conn.ExecContext(ctx,
		`INSERT INTO neb_record (id, specification, opt_specification, keywords) VALUES (?, ?, ?, ?)`,
		id, mustJSON(in.Specification), optSpec, mustJSON(in.Keywords)); err != nil {
		return 0, fmt.Errorf("insert neb: %w", err)
	}
	for pos, molID := range molIDs {
		if _, err := t.conn.ExecContext(ctx,
			`INSERT INTO neb_chain (neb_id, position, molecule_id) VALUES (?, ?, ?)`,
			id, pos, molID); err != nil {
			return 0, fmt.Errorf("insert neb chain: %w", err)
		}
	}
	if _, err := t.createService(ctx, id, tag, priority); err != nil {
		return 0, err
	}
	return id, nil
}

// GetNEBs fetches full NEB records by id.
func (s *Store) GetNEBs(ctx context.Context, ids []int64, proj RecordProjection, missingOK bool) ([]*types.NEBRecord, error) {
	base, err := s.GetRecords(ctx, ids, proj, missingOK)
	if err != nil {
		return nil, err
	}
	out := make([]*types.NEBRecord, len(ids))
	for i, b := range base {
		if b == nil {
			continue
		}
		if b.RecordType != types.RecordTypeNEB {
			return nil, fmt.Errorf("record %d is %s, not neb", b.ID, b.RecordType)
		}
		r := &types.NEBRecord{BaseRecord: *b}
		var specJSON, kwJSON string
		var optSpec sql.NullString
		var tsOpt, tsHess sql.NullInt64
		err := s.db.QueryRowContext(ctx,
			`SELECT specification, opt_specification, keywords, ts_optimization_id, ts_hessian_id
			 FROM neb_record WHERE id = ?`, b.ID).
			Scan(&specJSON, &optSpec, &kwJSON, &tsOpt, &tsHess)
		if err != nil {
			return nil, fmt.Errorf("query neb %d: %w", b.ID, err)
		}
		if err := json.Unmarshal([]byte(specJSON), &r.Specification); err != nil {
			return nil, err
		}
		if err := fromJSON(optSpec, &r.OptSpec); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(kwJSON), &r.Keywords); err != nil {
			return nil, err
		}
		if tsOpt.Valid {
			r.TSOptimizationID = &tsOpt.Int64
		}
		if tsHess.Valid {
			r.TSHessianID = &tsHess.Int64
		}
		r.InitialChainIDs, err = s.positionedIDs(ctx,
			`SELECT molecule_id FROM neb_chain WHERE neb_id = ? ORDER BY position ASC`, b.ID)
		if err != nil {
			return nil, err
		}
		band, err := s.positionedIDs(ctx,
			`SELECT sd.record_id FROM service_dependencies sd
			 JOIN service_queue sq ON sq.id = sd.service_id
			 WHERE sq.record_id = ? AND sd.dep_key LIKE 'image_%'
			 ORDER BY sd.position ASC`, b.ID)
		if err != nil {
			return nil, err
		}
		if len(band) > 0 {
			r.SinglepointIDs = map[string][]int64{"0": band}
		}
		out[i] = r
	}
	return out, nil
}
