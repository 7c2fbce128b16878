package storage

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/qcforge/qcforge/pkg/hash"
	"github.com/qcforge/qcforge/pkg/types"
)

// AddKeywords inserts keyword sets, deduplicating on the hash index.
func (s *Store) AddKeywords(ctx context.Context, sets []*types.KeywordSet) ([]int64, InsertMetadata, error) {
	var ids []int64
	var meta InsertMetadata
	err := s.RunInTransaction(ctx, func(tx *Tx) error {
		var err error
		ids, meta, err = tx.AddKeywords(ctx, sets)
		return err
	})
	return ids, meta, err
}

// AddKeywords inserts keyword sets within the transaction.
func (t *Tx) AddKeywords(ctx context.Context, sets []*types.KeywordSet) ([]int64, InsertMetadata, error) {
	keys := make([]string, len(sets))
	for i, k := range sets {
		if k.Values == nil {
			k.Values = map[string]interface{}{}
		}
		if k.HashIndex == "" {
			k.HashIndex = hash.Keywords(k.Values)
		}
		keys[i] = k.HashIndex
	}

	lookup := func(ctx context.Context, ks []string) (map[string]int64, error) {
		return lookupByColumn(ctx, t.conn, "keywords", "hash_index", ks)
	}
	insert := func(ctx context.Context, i int) (int64, error) {
		res, err := t.conn.ExecContext(ctx,
			`INSERT INTO keywords (hash_index, kw_values) VALUES (?, ?)`,
			sets[i].HashIndex, mustJSON(sets[i].Values))
		if err != nil {
			return 0, fmt.Errorf("insert keywords: %w", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return 0, err
		}
		sets[i].ID = id
		return id, nil
	}
	return dedupInsert(ctx, keys, lookup, insert)
}

// GetKeywords fetches keyword sets by id, in input order.
func (s *Store) GetKeywords(ctx context.Context, ids []int64, missingOK bool) ([]*types.KeywordSet, error) {
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, hash_index, kw_values FROM keywords WHERE id IN (`+placeholders(len(ids))+`)`, args...)
	if err != nil {
		return nil, fmt.Errorf("query keywords: %w", err)
	}
	defer rows.Close()

	byID := make(map[int64]*types.KeywordSet, len(ids))
	for rows.Next() {
		var k types.KeywordSet
		var values string
		if err := rows.Scan(&k.ID, &k.HashIndex, &values); err != nil {
			return nil, fmt.Errorf("scan keywords: %w", err)
		}
		if err := fromJSON(sql.NullString{String: values, Valid: true}, &k.Values); err != nil {
			return nil, err
		}
		byID[k.ID] = &k
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]*types.KeywordSet, len(ids))
	for i, id := range ids {
		k, ok := byID[id]
		if !ok {
			if !missingOK {
				return nil, fmt.Errorf("keywords %d: %w", id, ErrNotFound)
			}
			continue
		}
		out[i] = k
	}
	return out, nil
}

// resolveKeywords maps a spec's inline keywords to a stored keyword set
// id, inserting if needed. A spec with neither inline keywords nor a
// keywords id gets the empty set.
func (t *Tx) resolveKeywords(ctx context.Context, spec *types.QCSpecification) error {
	if spec.KeywordsID != 0 {
		var found int64
		err := t.conn.QueryRowContext(ctx, `SELECT id FROM keywords WHERE id = ?`, spec.KeywordsID).Scan(&found)
		if err == sql.ErrNoRows {
			return fmt.Errorf("keywords %d: %w", spec.KeywordsID, ErrNotFound)
		}
		return err
	}
	ks := &types.KeywordSet{Values: spec.Keywords}
	ids, _, err := t.AddKeywords(ctx, []*types.KeywordSet{ks})
	if err != nil {
		return err
	}
	spec.KeywordsID = ids[0]
	return nil
}
