package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/qcforge/qcforge/pkg/compress"
	"github.com/qcforge/qcforge/pkg/types"
)

// defaultCompression is applied to outputs stored by the return engine.
const defaultCompression = types.CompressionZstd

// addOutput compresses and stores one output blob, returning its id.
func (t *Tx) addOutput(ctx context.Context, otype types.OutputType, plain []byte) (int64, error) {
	data, err := compress.Compress(plain, defaultCompression, compress.DefaultLevel)
	if err != nil {
		return 0, fmt.Errorf("compress output: %w", err)
	}
	res, err := t.conn.ExecContext(ctx,
		`INSERT INTO output_store (output_type, compression, compression_level, data) VALUES (?, ?, ?, ?)`,
		string(otype), string(defaultCompression), compress.DefaultLevel, data)
	if err != nil {
		return 0, fmt.Errorf("insert output: %w", err)
	}
	return res.LastInsertId()
}

// AppendOutput decompresses an existing blob, concatenates extra, and
// stores the recompressed result in place.
func (t *Tx) AppendOutput(ctx context.Context, id int64, extra []byte) error {
	var ctype string
	var level int
	var data []byte
	err := t.conn.QueryRowContext(ctx,
		`SELECT compression, compression_level, data FROM output_store WHERE id = ?`, id).
		Scan(&ctype, &level, &data)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("output %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("query output: %w", err)
	}

	combined, err := compress.Append(data, extra, types.CompressionType(ctype), level)
	if err != nil {
		return err
	}
	_, err = t.conn.ExecContext(ctx, `UPDATE output_store SET data = ? WHERE id = ?`, combined, id)
	return err
}

// AppendStdout appends text to a record's stdout blob, creating the
// blob on first use.
func (t *Tx) AppendStdout(ctx context.Context, recordID int64, text string) error {
	var existing *int64
	err := t.conn.QueryRowContext(ctx,
		`SELECT stdout FROM base_record WHERE id = ?`, recordID).Scan(&existing)
	if err != nil {
		return fmt.Errorf("query record stdout: %w", err)
	}
	if existing != nil {
		return t.AppendOutput(ctx, *existing, []byte(text))
	}
	id, err := t.addOutput(ctx, types.OutputTypeStdout, []byte(text))
	if err != nil {
		return err
	}
	_, err = t.conn.ExecContext(ctx, `UPDATE base_record SET stdout = ? WHERE id = ?`, id, recordID)
	return err
}

// deleteOutputs removes output rows by id, ignoring nil slots.
func (t *Tx) deleteOutputs(ctx context.Context, ids ...*int64) error {
	for _, id := range ids {
		if id == nil {
			continue
		}
		if _, err := t.conn.ExecContext(ctx, `DELETE FROM output_store WHERE id = ?`, *id); err != nil {
			return fmt.Errorf("delete output %d: %w", *id, err)
		}
	}
	return nil
}

// GetOutput fetches one output blob, decompressed.
func (s *Store) GetOutput(ctx context.Context, id int64) (*types.OutputStore, []byte, error) {
	var o types.OutputStore
	var otype, ctype string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, output_type, compression, compression_level, data FROM output_store WHERE id = ?`, id).
		Scan(&o.ID, &otype, &ctype, &o.CompressionLevel, &o.Data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil, fmt.Errorf("output %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("query output: %w", err)
	}
	o.OutputType = types.OutputType(otype)
	o.Compression = types.CompressionType(ctype)

	plain, err := compress.Decompress(o.Data, o.Compression)
	if err != nil {
		return nil, nil, err
	}
	return &o, plain, nil
}

// replaceRecordOutputs deletes any prior stdout/stderr/error blobs on a
// record and stores the new ones, updating the base_record references.
func (t *Tx) replaceRecordOutputs(ctx context.Context, recordID int64, stdout, stderr, errText string) ([]int64, error) {
	var oldStdout, oldStderr, oldError *int64
	err := t.conn.QueryRowContext(ctx,
		`SELECT stdout, stderr, error FROM base_record WHERE id = ?`, recordID).
		Scan(&oldStdout, &oldStderr, &oldError)
	if err != nil {
		return nil, fmt.Errorf("query record outputs: %w", err)
	}
	if err := t.deleteOutputs(ctx, oldStdout, oldStderr, oldError); err != nil {
		return nil, err
	}

	var outputIDs []int64
	var stdoutID, stderrID, errorID interface{}
	if stdout != "" {
		id, err := t.addOutput(ctx, types.OutputTypeStdout, []byte(stdout))
		if err != nil {
			return nil, err
		}
		stdoutID = id
		outputIDs = append(outputIDs, id)
	}
	if stderr != "" {
		id, err := t.addOutput(ctx, types.OutputTypeStderr, []byte(stderr))
		if err != nil {
			return nil, err
		}
		stderrID = id
		outputIDs = append(outputIDs, id)
	}
	if errText != "" {
		id, err := t.addOutput(ctx, types.OutputTypeError, []byte(errText))
		if err != nil {
			return nil, err
		}
		errorID = id
		outputIDs = append(outputIDs, id)
	}

	_, err = t.conn.ExecContext(ctx,
		`UPDATE base_record SET stdout = ?, stderr = ?, error = ? WHERE id = ?`,
		stdoutID, stderrID, errorID, recordID)
	if err != nil {
		return nil, fmt.Errorf("update record outputs: %w", err)
	}
	return outputIDs, nil
}

// storeWavefunction replaces any previous wavefunction for a
// singlepoint record.
func (t *Tx) storeWavefunction(ctx context.Context, recordID int64, wfn *types.WavefunctionData) error {
	if _, err := t.conn.ExecContext(ctx, `DELETE FROM wavefunction_store WHERE record_id = ?`, recordID); err != nil {
		return fmt.Errorf("delete wavefunction: %w", err)
	}
	basis, err := jsonString(wfn.Basis)
	if err != nil {
		return err
	}
	restricted := 0
	if wfn.Restricted {
		restricted = 1
	}
	_, err = t.conn.ExecContext(ctx,
		`INSERT INTO wavefunction_store (record_id, restricted, basis, data) VALUES (?, ?, ?, ?)`,
		recordID, restricted, basis, []byte(wfn.Data))
	if err != nil {
		return fmt.Errorf("insert wavefunction: %w", err)
	}
	return nil
}
