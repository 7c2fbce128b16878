package types

import "encoding/json"

// Result kinds returned by compute managers. The server inspects only
// the envelope; args/kwargs and program output stay opaque.
const (
	ResultKindAtomic       = "qcschema_output"
	ResultKindOptimization = "qcschema_optimization_output"
	ResultKindFailed       = "qcschema_failed_operation"
)

// ErrorTypeInternal marks failures synthesized by the server itself,
// as opposed to failures reported by the worker.
const ErrorTypeInternal = "internal_fractal_error"

// ResultEnvelope carries any returned result plus its schema name, so
// the return engine can dispatch before full decoding.
type ResultEnvelope struct {
	Schema  string          `json:"schema_name"`
	Payload json.RawMessage `json:"-"`
}

func (e *ResultEnvelope) UnmarshalJSON(data []byte) error {
	var probe struct {
		Schema  string `json:"schema_name"`
		Success *bool  `json:"success"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return err
	}
	e.Schema = probe.Schema
	if probe.Success != nil && !*probe.Success {
		e.Schema = ResultKindFailed
	}
	e.Payload = append(e.Payload[:0], data...)
	return nil
}

func (e ResultEnvelope) MarshalJSON() ([]byte, error) {
	if len(e.Payload) > 0 {
		return e.Payload, nil
	}
	return []byte("null"), nil
}

// ComputeError is the error block of a failed operation
type ComputeError struct {
	ErrorType    string `json:"error_type"`
	ErrorMessage string `json:"error_message"`
}

// FailedOperation reports a worker-side failure for one task
type FailedOperation struct {
	Schema string          `json:"schema_name"`
	Error  ComputeError    `json:"error"`
	Stdout string          `json:"stdout,omitempty"`
	Stderr string          `json:"stderr,omitempty"`
	Input  json.RawMessage `json:"input_data,omitempty"`
}

// ResultModel echoes the requested model so the server can validate the
// worker computed what was asked.
type ResultModel struct {
	Method string  `json:"method"`
	Basis  *string `json:"basis"`
}

// WavefunctionData is an opaque serialized wavefunction
type WavefunctionData struct {
	Basis      json.RawMessage `json:"basis,omitempty"`
	Restricted bool            `json:"restricted"`
	Data       json.RawMessage `json:"data,omitempty"`
}

// AtomicResult is a successful singlepoint outcome
type AtomicResult struct {
	Schema       string                 `json:"schema_name"`
	Success      bool                   `json:"success"`
	Driver       Driver                 `json:"driver"`
	Model        ResultModel            `json:"model"`
	Molecule     Molecule               `json:"molecule"`
	ReturnResult json.RawMessage        `json:"return_result"`
	Properties   map[string]interface{} `json:"properties,omitempty"`
	Wavefunction *WavefunctionData      `json:"wavefunction,omitempty"`
	Provenance   Provenance             `json:"provenance"`
	Stdout       string                 `json:"stdout,omitempty"`
	Stderr       string                 `json:"stderr,omitempty"`
}

// OptimizationResult is a successful optimization outcome. Trajectory
// holds the per-step singlepoint results in order.
type OptimizationResult struct {
	Schema          string         `json:"schema_name"`
	Success         bool           `json:"success"`
	InitialMolecule Molecule       `json:"initial_molecule"`
	FinalMolecule   Molecule       `json:"final_molecule"`
	Trajectory      []AtomicResult `json:"trajectory"`
	Energies        []float64      `json:"energies"`
	Provenance      Provenance     `json:"provenance"`
	Stdout          string         `json:"stdout,omitempty"`
	Stderr          string         `json:"stderr,omitempty"`
}
