package types

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// RecordStatus represents the lifecycle state of a record
type RecordStatus string

const (
	RecordStatusWaiting   RecordStatus = "waiting"
	RecordStatusRunning   RecordStatus = "running"
	RecordStatusComplete  RecordStatus = "complete"
	RecordStatusError     RecordStatus = "error"
	RecordStatusCancelled RecordStatus = "cancelled"
	RecordStatusInvalid   RecordStatus = "invalid"
	RecordStatusDeleted   RecordStatus = "deleted"
)

// IsTerminal reports whether a record in this status will receive no
// further compute attention without an explicit user action.
func (s RecordStatus) IsTerminal() bool {
	switch s {
	case RecordStatusComplete, RecordStatusError, RecordStatusCancelled,
		RecordStatusInvalid, RecordStatusDeleted:
		return true
	}
	return false
}

// NeedsTask reports whether a record in this status must have a task row.
func (s RecordStatus) NeedsTask() bool {
	return s == RecordStatusWaiting || s == RecordStatusRunning
}

// RecordType identifies the specialization of a record
type RecordType string

const (
	RecordTypeSinglepoint      RecordType = "singlepoint"
	RecordTypeOptimization     RecordType = "optimization"
	RecordTypeTorsiondrive     RecordType = "torsiondrive"
	RecordTypeGridoptimization RecordType = "gridoptimization"
	RecordTypeReaction         RecordType = "reaction"
	RecordTypeManybody         RecordType = "manybody"
	RecordTypeNEB              RecordType = "neb"
)

// Priority controls claim ordering. Higher values are claimed first.
type Priority int

const (
	PriorityLow    Priority = 0
	PriorityNormal Priority = 1
	PriorityHigh   Priority = 2
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityHigh:
		return "high"
	default:
		return "normal"
	}
}

// ParsePriority converts the user-visible string form
func ParsePriority(s string) (Priority, error) {
	switch strings.ToLower(s) {
	case "low":
		return PriorityLow, nil
	case "normal", "":
		return PriorityNormal, nil
	case "high":
		return PriorityHigh, nil
	}
	return PriorityNormal, fmt.Errorf("unknown priority: %q", s)
}

func (p Priority) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.String())
}

func (p *Priority) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	v, err := ParsePriority(s)
	if err != nil {
		return err
	}
	*p = v
	return nil
}

// Driver is what a singlepoint computation produces
type Driver string

const (
	DriverEnergy     Driver = "energy"
	DriverGradient   Driver = "gradient"
	DriverHessian    Driver = "hessian"
	DriverProperties Driver = "properties"
	DriverDeferred   Driver = "deferred"
)

// Molecule is an immutable chemical system. The deduplication key is
// Hash, a canonical digest of the normalized fields.
type Molecule struct {
	ID               int64             `json:"id,omitempty"`
	Hash             string            `json:"molecule_hash,omitempty"`
	MolecularFormula string            `json:"molecular_formula,omitempty"`
	Symbols          []string          `json:"symbols"`
	Geometry         []float64         `json:"geometry"` // 3N floats, bohr
	Real             []bool            `json:"real,omitempty"` // ghost-atom mask; nil means all real
	Charge           int               `json:"molecular_charge"`
	Multiplicity     int               `json:"molecular_multiplicity"`
	Fragments        [][]int           `json:"fragments,omitempty"`
	FragmentCharges  []int             `json:"fragment_charges,omitempty"`
	FragmentMults    []int             `json:"fragment_multiplicities,omitempty"`
	Identifiers      map[string]string `json:"identifiers,omitempty"`
}

// KeywordSet holds arbitrary program keywords. HashIndex is derived from
// the normalized content and is the deduplication key.
type KeywordSet struct {
	ID        int64                  `json:"id,omitempty"`
	HashIndex string                 `json:"hash_index,omitempty"`
	Values    map[string]interface{} `json:"values"`
}

// QCSpecification describes a single quantum-chemistry evaluation.
// Name fields are lower-cased on normalization; an empty basis becomes nil.
type QCSpecification struct {
	Program    string                 `json:"program"`
	Driver     Driver                 `json:"driver"`
	Method     string                 `json:"method"`
	Basis      *string                `json:"basis"`
	KeywordsID int64                  `json:"keywords_id,omitempty"`
	Keywords   map[string]interface{} `json:"keywords,omitempty"`
	Protocols  map[string]interface{} `json:"protocols,omitempty"`
}

// Normalize lower-cases the name fields and maps an empty basis to nil.
func (s *QCSpecification) Normalize() {
	s.Program = strings.ToLower(strings.TrimSpace(s.Program))
	s.Method = strings.ToLower(strings.TrimSpace(s.Method))
	if s.Basis != nil {
		b := strings.ToLower(strings.TrimSpace(*s.Basis))
		if b == "" {
			s.Basis = nil
		} else {
			s.Basis = &b
		}
	}
}

// OptimizationSpecification wraps a QCSpecification with the program
// driving the geometry steps.
type OptimizationSpecification struct {
	Program   string                 `json:"program"`
	QCSpec    QCSpecification        `json:"qc_specification"`
	Keywords  map[string]interface{} `json:"keywords,omitempty"`
	Protocols map[string]interface{} `json:"protocols,omitempty"`
}

// Normalize lower-cases the optimizer program and the inner spec.
func (s *OptimizationSpecification) Normalize() {
	s.Program = strings.ToLower(strings.TrimSpace(s.Program))
	s.QCSpec.Normalize()
}

// OutputType classifies an output store entry
type OutputType string

const (
	OutputTypeStdout OutputType = "stdout"
	OutputTypeStderr OutputType = "stderr"
	OutputTypeError  OutputType = "error"
)

// CompressionType identifies the codec of a stored blob
type CompressionType string

const (
	CompressionNone CompressionType = "none"
	CompressionGzip CompressionType = "gzip"
	CompressionZstd CompressionType = "zstd"
)

// OutputStore is one compressed output blob
type OutputStore struct {
	ID               int64           `json:"id,omitempty"`
	OutputType       OutputType      `json:"output_type"`
	Compression      CompressionType `json:"compression"`
	CompressionLevel int             `json:"compression_level"`
	Data             []byte          `json:"data"`
}

// Provenance records which program produced a result
type Provenance struct {
	Creator     string  `json:"creator"`
	Version     string  `json:"version,omitempty"`
	Routine     string  `json:"routine,omitempty"`
	WallTime    float64 `json:"wall_time,omitempty"`
	Hostname    string  `json:"hostname,omitempty"`
	CPU         string  `json:"cpu,omitempty"`
	NumThreads  int     `json:"nthreads,omitempty"`
	TotalMemory float64 `json:"memory,omitempty"`
}

// ComputeHistory is one append-only attempt row for a record
type ComputeHistory struct {
	ID          int64        `json:"id,omitempty"`
	RecordID    int64        `json:"record_id"`
	Status      RecordStatus `json:"status"`
	ManagerName string       `json:"manager_name,omitempty"`
	ModifiedOn  time.Time    `json:"modified_on"`
	Provenance  *Provenance  `json:"provenance,omitempty"`
	OutputIDs   []int64      `json:"output_ids,omitempty"`
}

// Comment is a free-form user annotation on a record
type Comment struct {
	ID        int64     `json:"id,omitempty"`
	RecordID  int64     `json:"record_id"`
	Author    string    `json:"author,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Text      string    `json:"comment"`
}

// Task ties a waiting or running record to its execution spec. A task
// row exists iff the record status is waiting or running.
type Task struct {
	ID               int64             `json:"id"`
	RecordID         int64             `json:"record_id"`
	Spec             json.RawMessage   `json:"spec"`
	Tag              string            `json:"compute_tag"`
	RequiredPrograms map[string]string `json:"required_programs"`
	Priority         Priority          `json:"priority"`
	CreatedOn        time.Time         `json:"created_on"`
	ManagerName      string            `json:"manager_name,omitempty"`
}

// ManagerStatus is the liveness state of a compute manager
type ManagerStatus string

const (
	ManagerStatusActive   ManagerStatus = "active"
	ManagerStatusInactive ManagerStatus = "inactive"
)

// ComputeManager is a registered remote worker pool
type ComputeManager struct {
	ID            int64             `json:"id,omitempty"`
	Name          string            `json:"name"`
	Cluster       string            `json:"cluster"`
	Hostname      string            `json:"hostname"`
	Username      string            `json:"username,omitempty"`
	Tags          []string          `json:"compute_tags"`
	Programs      map[string]string `json:"programs"`
	Status        ManagerStatus     `json:"status"`
	Claimed       int64             `json:"claimed"`
	Successes     int64             `json:"successes"`
	Failures      int64             `json:"failures"`
	Rejected      int64             `json:"rejected"`
	TotalCPUHours float64           `json:"total_cpu_hours"`
	ActiveTasks   int64             `json:"active_tasks"`
	ActiveCores   int64             `json:"active_cores"`
	ActiveMemory  float64           `json:"active_memory"`
	CreatedOn     time.Time         `json:"created_on"`
	ModifiedOn    time.Time         `json:"modified_on"`
}

// ManagerLog is one heartbeat snapshot of a manager's counters
type ManagerLog struct {
	ID            int64     `json:"id,omitempty"`
	ManagerID     int64     `json:"manager_id"`
	Timestamp     time.Time `json:"timestamp"`
	Claimed       int64     `json:"claimed"`
	Successes     int64     `json:"successes"`
	Failures      int64     `json:"failures"`
	Rejected      int64     `json:"rejected"`
	TotalCPUHours float64   `json:"total_cpu_hours"`
	ActiveTasks   int64     `json:"active_tasks"`
	ActiveCores   int64     `json:"active_cores"`
	ActiveMemory  float64   `json:"active_memory"`
}

// ServiceDependency links a service record to one child record
type ServiceDependency struct {
	ServiceID int64           `json:"service_id"`
	RecordID  int64           `json:"record_id"`
	Key       string          `json:"key"`
	Position  int             `json:"position"`
	Extras    json.RawMessage `json:"extras,omitempty"`
}

// ServerStats is a periodic snapshot of queue and database totals
type ServerStats struct {
	ID            int64            `json:"id,omitempty"`
	Timestamp     time.Time        `json:"timestamp"`
	RecordCounts  map[string]int64 `json:"record_counts"`
	TaskCount     int64            `json:"task_count"`
	ServiceCount  int64            `json:"service_count"`
	ManagerCounts map[string]int64 `json:"manager_counts"`
	MoleculeCount int64            `json:"molecule_count"`
	OutputCount   int64            `json:"output_count"`
	DatabaseBytes int64            `json:"database_bytes"`
}

// NormalizePrograms lower-cases program names, preserving version values.
func NormalizePrograms(programs map[string]string) map[string]string {
	out := make(map[string]string, len(programs))
	for name, version := range programs {
		name = strings.ToLower(strings.TrimSpace(name))
		if name == "" {
			continue
		}
		out[name] = version
	}
	return out
}

// NormalizeTags lower-cases and de-duplicates tags while preserving order.
func NormalizeTags(tags []string) []string {
	seen := make(map[string]bool, len(tags))
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		t = strings.ToLower(strings.TrimSpace(t))
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	return out
}
