package storage

import (
	"context"
	"fmt"
)

// dedupInsert is the deduplicating batch insert shared by molecules,
// keyword sets, and record kinds.
//
// keys holds one canonical deduplication key per input. lookup resolves
// a set of keys to ids of rows that already exist. insert stores the
// input at one index and returns its new id.
//
// The returned ids are in input order. The first occurrence of an
// unseen key is inserted; later occurrences of the same key, and keys
// that matched existing rows, are reported in ExistingIdx and map to
// the same id. A failed insert is reported as a per-index error with a
// zero id; it does not abort the batch.
func dedupInsert(
	ctx context.Context,
	keys []string,
	lookup func(ctx context.Context, keys []string) (map[string]int64, error),
	insert func(ctx context.Context, idx int) (int64, error),
) ([]int64, InsertMetadata, error) {
	ids := make([]int64, len(keys))
	var meta InsertMetadata

	known := make(map[string]int64)

	for start := 0; start < len(keys); start += insertBatchSize {
		end := start + insertBatchSize
		if end > len(keys) {
			end = len(keys)
		}

		// Existence query for keys in this batch not yet resolved.
		var unseen []string
		dedup := make(map[string]bool)
		for _, k := range keys[start:end] {
			if _, ok := known[k]; !ok && !dedup[k] {
				dedup[k] = true
				unseen = append(unseen, k)
			}
		}
		if len(unseen) > 0 {
			existing, err := lookup(ctx, unseen)
			if err != nil {
				return nil, meta, fmt.Errorf("dedup lookup: %w", err)
			}
			for k, id := range existing {
				known[k] = id
			}
		}

		for i := start; i < end; i++ {
			k := keys[i]
			if id, ok := known[k]; ok {
				ids[i] = id
				meta.ExistingIdx = append(meta.ExistingIdx, i)
				continue
			}
			id, err := insert(ctx, i)
			if err != nil {
				meta.Errors = append(meta.Errors, IndexedError{Index: i, Error: err.Error()})
				continue
			}
			known[k] = id
			ids[i] = id
			meta.InsertedIdx = append(meta.InsertedIdx, i)
		}
	}

	return ids, meta, nil
}

// placeholders renders "?,?,...,?" for n parameters.
func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	b := make([]byte, 0, n*2-1)
	for i := 0; i < n; i++ {
		if i > 0 {
			b = append(b, ',')
		}
		b = append(b, '?')
	}
	return string(b)
}

// stringArgs converts keys for an IN (...) query.
func stringArgs(keys []string) []interface{} {
	args := make([]interface{}, len(keys))
	for i, k := range keys {
		args[i] = k
	}
	return args
}
