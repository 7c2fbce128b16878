package types

import (
	"encoding/json"
	"time"
)

// BaseRecord is the polymorphic header shared by every record kind.
// Specialized fields live in per-type structs joined on ID.
type BaseRecord struct {
	ID          int64                  `json:"id"`
	RecordType  RecordType             `json:"record_type"`
	Status      RecordStatus           `json:"status"`
	IsService   bool                   `json:"is_service"`
	ManagerName string                 `json:"manager_name,omitempty"`
	CreatedOn   time.Time              `json:"created_on"`
	ModifiedOn  time.Time              `json:"modified_on"`
	Owner       string                 `json:"owner,omitempty"`
	Extras      map[string]interface{} `json:"extras,omitempty"`
	StdoutID    *int64                 `json:"stdout_id,omitempty"`
	StderrID    *int64                 `json:"stderr_id,omitempty"`
	ErrorID     *int64                 `json:"error_id,omitempty"`

	// Populated on request via projection
	ComputeHistory []*ComputeHistory `json:"compute_history,omitempty"`
	Comments       []*Comment        `json:"comments,omitempty"`
	Task           *Task             `json:"task,omitempty"`
}

// SinglepointRecord computes one property of one molecule
type SinglepointRecord struct {
	BaseRecord
	Specification  QCSpecification        `json:"specification"`
	MoleculeID     int64                  `json:"molecule_id"`
	Molecule       *Molecule              `json:"molecule,omitempty"`
	ReturnResult   json.RawMessage        `json:"return_result,omitempty"`
	Properties     map[string]interface{} `json:"properties,omitempty"`
	WavefunctionID *int64                 `json:"wavefunction_id,omitempty"`
}

// OptimizationRecord relaxes a geometry, keeping the step trajectory as
// deduplicated singlepoint children.
type OptimizationRecord struct {
	BaseRecord
	Specification     OptimizationSpecification `json:"specification"`
	HashIndex         string                    `json:"hash_index"`
	InitialMoleculeID int64                     `json:"initial_molecule_id"`
	FinalMoleculeID   *int64                    `json:"final_molecule_id,omitempty"`
	Energies          []float64                 `json:"energies,omitempty"`
	TrajectoryIDs     []int64                   `json:"trajectory_ids,omitempty"`
}

// TorsiondriveKeywords drive the iterative dihedral scan
type TorsiondriveKeywords struct {
	Dihedrals            [][4]int    `json:"dihedrals"`
	GridSpacing          []int       `json:"grid_spacing"` // degrees
	DihedralRanges       [][2]int    `json:"dihedral_ranges,omitempty"`
	EnergyDecreaseThresh *float64    `json:"energy_decrease_thresh,omitempty"`
	EnergyUpperLimit     *float64    `json:"energy_upper_limit,omitempty"`
	AdditionalKeywords   interface{} `json:"additional_keywords,omitempty"`
}

// TorsiondriveRecord is a service scanning dihedral grid points
type TorsiondriveRecord struct {
	BaseRecord
	Specification      OptimizationSpecification `json:"specification"`
	Keywords           TorsiondriveKeywords      `json:"keywords"`
	HashIndex          string                    `json:"hash_index"`
	InitialMoleculeIDs []int64                   `json:"initial_molecule_ids"`
	OptimizationIDs    map[string][]int64        `json:"optimization_ids,omitempty"` // grid key -> children
	MinimumPositions   map[string]int            `json:"minimum_positions,omitempty"`
	FinalEnergies      map[string]float64        `json:"final_energy_dict,omitempty"`
}

// ScanDimensionType classifies a grid-optimization scan axis
type ScanDimensionType string

const (
	ScanDimensionDistance ScanDimensionType = "distance"
	ScanDimensionAngle    ScanDimensionType = "angle"
	ScanDimensionDihedral ScanDimensionType = "dihedral"
)

// ScanDimension is one axis of a grid optimization. Steps must be
// strictly monotonic.
type ScanDimension struct {
	Type     ScanDimensionType `json:"type"`
	Indices  []int             `json:"indices"`
	Steps    []float64         `json:"steps"`
	StepType string            `json:"step_type"` // "absolute" or "relative"
}

// GridoptimizationKeywords describe the scan space
type GridoptimizationKeywords struct {
	Scans          []ScanDimension `json:"scans"`
	Preoptimization bool           `json:"preoptimization"`
}

// GridoptimizationRecord is a service optimizing over a scan grid
type GridoptimizationRecord struct {
	BaseRecord
	Specification      OptimizationSpecification `json:"specification"`
	Keywords           GridoptimizationKeywords  `json:"keywords"`
	HashIndex          string                    `json:"hash_index"`
	InitialMoleculeID  int64                     `json:"initial_molecule_id"`
	StartingMoleculeID *int64                    `json:"starting_molecule_id,omitempty"`
	OptimizationIDs    map[string]int64          `json:"optimization_ids,omitempty"` // grid key -> child
	FinalEnergies      map[string]float64        `json:"final_energy_dict,omitempty"`
}

// ReactionComponent is one stoichiometric term
type ReactionComponent struct {
	Coefficient    float64 `json:"coefficient"`
	MoleculeID     int64   `json:"molecule_id"`
	SinglepointID  *int64  `json:"singlepoint_id,omitempty"`
	OptimizationID *int64  `json:"optimization_id,omitempty"`
}

// ReactionRecord is a service computing a stoichiometric energy sum
type ReactionRecord struct {
	BaseRecord
	QCSpec      *QCSpecification           `json:"qc_specification,omitempty"`
	OptSpec     *OptimizationSpecification `json:"opt_specification,omitempty"`
	Components  []ReactionComponent        `json:"components"`
	TotalEnergy *float64                   `json:"total_energy,omitempty"`
}

// ManybodyKeywords control cluster expansion
type ManybodyKeywords struct {
	MaxNBody    int  `json:"max_nbody"`
	BSSECorrection bool `json:"bsse_correction"`
}

// ManybodyCluster is one fragment-subset singlepoint child
type ManybodyCluster struct {
	Fragments     []int  `json:"fragments"`
	Basis         []int  `json:"basis"`
	MoleculeID    int64  `json:"molecule_id"`
	SinglepointID *int64 `json:"singlepoint_id,omitempty"`
	Degeneracy    int    `json:"degeneracy"`
}

// ManybodyRecord is a service enumerating n-body clusters
type ManybodyRecord struct {
	BaseRecord
	Specification QCSpecification        `json:"specification"`
	Keywords      ManybodyKeywords       `json:"keywords"`
	MoleculeID    int64                  `json:"molecule_id"`
	Clusters      []ManybodyCluster      `json:"clusters,omitempty"`
	Properties    map[string]interface{} `json:"properties,omitempty"`
}

// NEBKeywords control the nudged-elastic-band iteration
type NEBKeywords struct {
	Images         int  `json:"images"`
	MaximumCycles  int  `json:"maximum_cycles"`
	OptimizeTS     bool `json:"optimize_ts"`
	OptimizeEnding bool `json:"optimize_endpoints"`
}

// NEBRecord is a service refining a chain of images toward a pathway
type NEBRecord struct {
	BaseRecord
	Specification    QCSpecification            `json:"specification"`
	OptSpec          *OptimizationSpecification `json:"opt_specification,omitempty"`
	Keywords         NEBKeywords                `json:"keywords"`
	InitialChainIDs  []int64                    `json:"initial_chain_ids"`
	SinglepointIDs   map[string][]int64         `json:"singlepoint_ids,omitempty"` // iteration -> images
	TSOptimizationID *int64                     `json:"ts_optimization_id,omitempty"`
	TSHessianID      *int64                     `json:"ts_hessian_id,omitempty"`
}
