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
	StatusWaiting   RecordStatus = "waiting"
	StatusRunning   RecordStatus = "running"
	StatusComplete  RecordStatus = "complete"
	StatusError     RecordStatus = "error"
	StatusCancelled RecordStatus = "cancelled"
	StatusInvalid   RecordStatus = "invalid"
	StatusDeleted   RecordStatus = "deleted"
)

// RecordType discriminates the polymorphic record variants
type RecordType string

const (
	RecordSinglepoint      RecordType = "singlepoint"
	RecordOptimization     RecordType = "optimization"
	RecordTorsiondrive     RecordType = "torsiondrive"
	RecordGridoptimization RecordType = "gridoptimization"
	RecordManybody         RecordType = "manybody"
	RecordReaction         RecordType = "reaction"
	RecordNEB              RecordType = "neb"
)

// IsService reports whether records of this type are multi-step services
// rather than leaf calculations
func (rt RecordType) IsService() bool {
	switch rt {
	case RecordSinglepoint, RecordOptimization:
		return false
	default:
		return true
	}
}

// Driver selects what a singlepoint calculation computes
type Driver string

const (
	DriverEnergy     Driver = "energy"
	DriverGradient   Driver = "gradient"
	DriverHessian    Driver = "hessian"
	DriverProperties Driver = "properties"
	DriverDeferred   Driver = "deferred"
)

// ValidDriver reports whether d is a recognized driver
func ValidDriver(d Driver) bool {
	switch d {
	case DriverEnergy, DriverGradient, DriverHessian, DriverProperties, DriverDeferred:
		return true
	}
	return false
}

// ComputePriority orders tasks within a compute tag
type ComputePriority int

const (
	PriorityLow    ComputePriority = 0
	PriorityNormal ComputePriority = 1
	PriorityHigh   ComputePriority = 2
)

// ParsePriority converts a priority name to its numeric value.
// Unknown names map to normal.
func ParsePriority(s string) ComputePriority {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "low":
		return PriorityLow
	case "high":
		return PriorityHigh
	default:
		return PriorityNormal
	}
}

func (p ComputePriority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityHigh:
		return "high"
	default:
		return "normal"
	}
}

// Bond is a single connectivity entry between two atoms
type Bond struct {
	Atom1 int     `json:"atom1"`
	Atom2 int     `json:"atom2"`
	Order float64 `json:"order"`
}

// MoleculeIdentifiers is the small mutable sub-record of a molecule.
// It never participates in the structural hash.
type MoleculeIdentifiers struct {
	Name    string            `json:"name,omitempty"`
	Comment string            `json:"comment,omitempty"`
	Extra   map[string]string `json:"extra,omitempty"`
}

// Molecule is an immutable chemical structure. Geometry is a flat 3N
// slice in bohr. Two molecules with equal structural hash are the same
// molecule.
type Molecule struct {
	ID           int64               `json:"id,omitempty"`
	Symbols      []string            `json:"symbols"`
	Geometry     []float64           `json:"geometry"`
	Connectivity []Bond              `json:"connectivity,omitempty"`
	Charge       int                 `json:"charge"`
	Multiplicity int                 `json:"multiplicity"`
	Fragments    [][]int             `json:"fragments,omitempty"`
	Identifiers  MoleculeIdentifiers `json:"identifiers,omitempty"`
	Hash         string              `json:"hash,omitempty"`
}

// Validate checks the structural consistency of a molecule payload
func (m *Molecule) Validate() error {
	if len(m.Symbols) == 0 {
		return &InvalidPayloadError{Msg: "molecule has no atoms"}
	}
	if len(m.Geometry) != 3*len(m.Symbols) {
		return &InvalidPayloadError{Msg: fmt.Sprintf(
			"molecule geometry has %d values, expected %d", len(m.Geometry), 3*len(m.Symbols))}
	}
	if m.Multiplicity < 1 {
		return &InvalidPayloadError{Msg: "molecule multiplicity must be >= 1"}
	}
	n := len(m.Symbols)
	for _, b := range m.Connectivity {
		if b.Atom1 < 0 || b.Atom1 >= n || b.Atom2 < 0 || b.Atom2 >= n {
			return &InvalidPayloadError{Msg: "molecule connectivity references missing atom"}
		}
	}
	for _, frag := range m.Fragments {
		for _, at := range frag {
			if at < 0 || at >= n {
				return &InvalidPayloadError{Msg: "molecule fragment references missing atom"}
			}
		}
	}
	return nil
}

// FragmentMolecule extracts the listed fragments into a new molecule.
// Atoms keep their relative order; ghost atoms are not represented, the
// caller records basis membership separately.
func (m *Molecule) FragmentMolecule(fragments []int) *Molecule {
	sub := &Molecule{
		Charge:       0,
		Multiplicity: 1,
	}
	for _, fi := range fragments {
		if fi < 0 || fi >= len(m.Fragments) {
			continue
		}
		for _, at := range m.Fragments[fi] {
			sub.Symbols = append(sub.Symbols, m.Symbols[at])
			sub.Geometry = append(sub.Geometry, m.Geometry[3*at], m.Geometry[3*at+1], m.Geometry[3*at+2])
		}
	}
	return sub
}

// KeywordSet is an immutable bag of program options, deduplicated by
// canonical hash
type KeywordSet struct {
	ID     int64                  `json:"id,omitempty"`
	Values map[string]interface{} `json:"values"`
	Hash   string                 `json:"hash,omitempty"`
}

// QCSpecification describes a leaf calculation: what program computes
// which property with which method, basis, and keywords
type QCSpecification struct {
	ID         int64                  `json:"id,omitempty"`
	Program    string                 `json:"program"`
	Driver     Driver                 `json:"driver"`
	Method     string                 `json:"method"`
	Basis      string                 `json:"basis"` // empty string means no basis
	KeywordsID int64                  `json:"keywords_id,omitempty"`
	Keywords   map[string]interface{} `json:"keywords,omitempty"` // inline form, resolved to KeywordsID on insert
	Protocols  map[string]interface{} `json:"protocols,omitempty"`
	Hash       string                 `json:"hash,omitempty"`
}

// Validate checks a specification payload before insert
func (s *QCSpecification) Validate() error {
	if strings.TrimSpace(s.Program) == "" {
		return &InvalidPayloadError{Msg: "specification program is required"}
	}
	if strings.TrimSpace(s.Method) == "" {
		return &InvalidPayloadError{Msg: "specification method is required"}
	}
	if !ValidDriver(s.Driver) {
		return &InvalidPayloadError{Msg: fmt.Sprintf("unknown driver %q", s.Driver)}
	}
	return nil
}

// OptimizationSpecification describes a geometry optimization: the
// optimizer program plus the inner QC specification used for gradients
type OptimizationSpecification struct {
	ID                int64                  `json:"id,omitempty"`
	Program           string                 `json:"program"`
	QCSpecificationID int64                  `json:"qc_specification_id,omitempty"`
	QCSpecification   *QCSpecification       `json:"qc_specification,omitempty"`
	Keywords          map[string]interface{} `json:"keywords,omitempty"`
	Protocols         map[string]interface{} `json:"protocols,omitempty"`
	Hash              string                 `json:"hash,omitempty"`
}

// Validate checks an optimization specification payload
func (s *OptimizationSpecification) Validate() error {
	if strings.TrimSpace(s.Program) == "" {
		return &InvalidPayloadError{Msg: "optimization program is required"}
	}
	if s.QCSpecification == nil && s.QCSpecificationID == 0 {
		return &InvalidPayloadError{Msg: "optimization requires an inner qc specification"}
	}
	if s.QCSpecification != nil {
		return s.QCSpecification.Validate()
	}
	return nil
}

// ScanType enumerates the coordinate kinds a grid optimization can scan
type ScanType string

const (
	ScanDistance ScanType = "distance"
	ScanAngle    ScanType = "angle"
	ScanDihedral ScanType = "dihedral"
)

// StepType selects how scan steps are interpreted
type StepType string

const (
	StepRelative StepType = "relative"
	StepAbsolute StepType = "absolute"
)

// ScanSpecification is one scanned coordinate of a grid optimization
type ScanSpecification struct {
	Type     ScanType  `json:"type"`
	Indices  []int     `json:"indices"`
	Steps    []float64 `json:"steps"`
	StepType StepType  `json:"step_type"`
}

// TorsiondriveKeywords controls a torsion drive sweep
type TorsiondriveKeywords struct {
	Dihedrals       [][4]int `json:"dihedrals"`
	GridSpacing     []int    `json:"grid_spacing"`
	DihedralRanges  [][2]int `json:"dihedral_ranges,omitempty"`
	Preoptimization bool     `json:"preoptimization,omitempty"`
}

// TorsiondriveSpecification bundles the optimization specification with
// the torsion drive keywords
type TorsiondriveSpecification struct {
	ID                          int64                      `json:"id,omitempty"`
	OptimizationSpecificationID int64                      `json:"optimization_specification_id,omitempty"`
	OptimizationSpecification   *OptimizationSpecification `json:"optimization_specification,omitempty"`
	Keywords                    TorsiondriveKeywords       `json:"keywords"`
	Hash                        string                     `json:"hash,omitempty"`
}

// GridoptimizationKeywords controls a grid optimization sweep
type GridoptimizationKeywords struct {
	Scans           []ScanSpecification `json:"scans"`
	Preoptimization bool                `json:"preoptimization,omitempty"`
}

// GridoptimizationSpecification bundles the optimization specification
// with the scan keywords
type GridoptimizationSpecification struct {
	ID                          int64                      `json:"id,omitempty"`
	OptimizationSpecificationID int64                      `json:"optimization_specification_id,omitempty"`
	OptimizationSpecification   *OptimizationSpecification `json:"optimization_specification,omitempty"`
	Keywords                    GridoptimizationKeywords   `json:"keywords"`
	Hash                        string                     `json:"hash,omitempty"`
}

// BSSEMode selects the basis-set superposition error correction of a
// manybody decomposition
type BSSEMode string

const (
	BSSENone BSSEMode = "none"
	BSSECP   BSSEMode = "cp"
	BSSEVMFC BSSEMode = "vmfc"
)

// ManybodyKeywords controls a manybody cluster decomposition
type ManybodyKeywords struct {
	MaxNBody       int      `json:"max_nbody,omitempty"` // 0 means all fragments
	BSSECorrection BSSEMode `json:"bsse_correction"`
}

// ManybodySpecification bundles the singlepoint specification with the
// decomposition keywords
type ManybodySpecification struct {
	ID                         int64            `json:"id,omitempty"`
	SinglepointSpecificationID int64            `json:"singlepoint_specification_id,omitempty"`
	SinglepointSpecification   *QCSpecification `json:"singlepoint_specification,omitempty"`
	Keywords                   ManybodyKeywords `json:"keywords"`
	Hash                       string           `json:"hash,omitempty"`
}

// ReactionSpecification describes a stoichiometric reaction energy. At
// least one of the two inner specifications must be given; when both are,
// components are optimized first and singlepoints run on the optimized
// structures.
type ReactionSpecification struct {
	ID                          int64                      `json:"id,omitempty"`
	SinglepointSpecificationID  int64                      `json:"singlepoint_specification_id,omitempty"`
	SinglepointSpecification    *QCSpecification           `json:"singlepoint_specification,omitempty"`
	OptimizationSpecificationID int64                      `json:"optimization_specification_id,omitempty"`
	OptimizationSpecification   *OptimizationSpecification `json:"optimization_specification,omitempty"`
	Keywords                    map[string]interface{}     `json:"keywords,omitempty"`
	Hash                        string                     `json:"hash,omitempty"`
}

// NEBKeywords controls a nudged elastic band run
type NEBKeywords struct {
	Images            int     `json:"images,omitempty"`
	SpringConstant    float64 `json:"spring_constant,omitempty"`
	OptimizeTS        bool    `json:"optimize_ts,omitempty"`
	OptimizeEndpoints bool    `json:"optimize_endpoints,omitempty"`
}

// NEBSpecification bundles the chain singlepoint specification, the
// optional optimization specification for endpoints and transition
// state, and the band keywords
type NEBSpecification struct {
	ID                          int64                      `json:"id,omitempty"`
	SinglepointSpecificationID  int64                      `json:"singlepoint_specification_id,omitempty"`
	SinglepointSpecification    *QCSpecification           `json:"singlepoint_specification,omitempty"`
	OptimizationSpecificationID int64                      `json:"optimization_specification_id,omitempty"`
	OptimizationSpecification   *OptimizationSpecification `json:"optimization_specification,omitempty"`
	Keywords                    NEBKeywords                `json:"keywords"`
	Hash                        string                     `json:"hash,omitempty"`
}

// OutputType names the output slots of a compute attempt
type OutputType string

const (
	OutputStdout OutputType = "stdout"
	OutputStderr OutputType = "stderr"
	OutputError  OutputType = "error"
)

// OutputStore holds one (possibly compressed) output blob
type OutputStore struct {
	Type        OutputType `json:"type"`
	Compression string     `json:"compression"` // "none" or "gzip"
	Data        []byte     `json:"data"`
}

// Provenance records which software produced a result
type Provenance struct {
	Creator  string  `json:"creator"`
	Version  string  `json:"version,omitempty"`
	Routine  string  `json:"routine,omitempty"`
	Hostname string  `json:"hostname,omitempty"`
	Walltime float64 `json:"walltime,omitempty"`
}

// ComputeHistoryEntry is one manager attempt on a record. The history
// list is append-only and never shrinks.
type ComputeHistoryEntry struct {
	Status      RecordStatus              `json:"status"`
	ManagerName string                    `json:"manager_name,omitempty"`
	ModifiedOn  time.Time                 `json:"modified_on"`
	Provenance  *Provenance               `json:"provenance,omitempty"`
	Outputs     map[OutputType]OutputStore `json:"outputs,omitempty"`
}

// InfoBackup is one frame of the LIFO revert stack pushed by
// cancel/invalidate/soft-delete and popped by their inverses
type InfoBackup struct {
	OldStatus  RecordStatus `json:"old_status"`
	NewStatus  RecordStatus `json:"new_status"`
	ModifiedOn time.Time    `json:"modified_on"`
	Task       *Task        `json:"task,omitempty"` // snapshot for recreation on revert
}

// NativeFile is a program-specific output file kept with a record
type NativeFile struct {
	Name        string `json:"name"`
	Compression string `json:"compression"`
	Data        []byte `json:"data"`
}

// Record is the polymorphic base of every calculation. Exactly one of
// the detail pointers is non-nil, matching RecordType.
type Record struct {
	ID          int64        `json:"id"`
	RecordType  RecordType   `json:"record_type"`
	Status      RecordStatus `json:"status"`
	ManagerName string       `json:"manager_name,omitempty"`
	CreatorUser string       `json:"creator_user,omitempty"`
	CreatedOn   time.Time    `json:"created_on"`
	ModifiedOn  time.Time    `json:"modified_on"`

	// DedupKey is the (record_type, spec, input) identity used by
	// find_existing submissions
	DedupKey string `json:"dedup_key,omitempty"`

	ComputeHistory []ComputeHistoryEntry `json:"compute_history,omitempty"`
	InfoBackup     []InfoBackup          `json:"info_backup,omitempty"`
	Comments       []RecordComment       `json:"comments,omitempty"`
	NativeFiles    []NativeFile          `json:"native_files,omitempty"`
	ChildrenIDs    []int64               `json:"children_ids,omitempty"`

	Singlepoint      *SinglepointDetail      `json:"singlepoint,omitempty"`
	Optimization     *OptimizationDetail     `json:"optimization,omitempty"`
	Torsiondrive     *TorsiondriveDetail     `json:"torsiondrive,omitempty"`
	Gridoptimization *GridoptimizationDetail `json:"gridoptimization,omitempty"`
	Manybody         *ManybodyDetail         `json:"manybody,omitempty"`
	Reaction         *ReactionDetail         `json:"reaction,omitempty"`
	NEB              *NEBDetail              `json:"neb,omitempty"`
}

// RecordComment is a free-form annotation on a record
type RecordComment struct {
	Username  string    `json:"username,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Comment   string    `json:"comment"`
}

// SpecificationID returns the specification id of the active detail
func (r *Record) SpecificationID() int64 {
	switch {
	case r.Singlepoint != nil:
		return r.Singlepoint.SpecificationID
	case r.Optimization != nil:
		return r.Optimization.SpecificationID
	case r.Torsiondrive != nil:
		return r.Torsiondrive.SpecificationID
	case r.Gridoptimization != nil:
		return r.Gridoptimization.SpecificationID
	case r.Manybody != nil:
		return r.Manybody.SpecificationID
	case r.Reaction != nil:
		return r.Reaction.SpecificationID
	case r.NEB != nil:
		return r.NEB.SpecificationID
	}
	return 0
}

// SinglepointDetail is the leaf singlepoint variant
type SinglepointDetail struct {
	SpecificationID int64              `json:"specification_id"`
	MoleculeID      int64              `json:"molecule_id"`
	ReturnResult    json.RawMessage    `json:"return_result,omitempty"`
	Properties      map[string]float64 `json:"properties,omitempty"`
	Wavefunction    []byte             `json:"wavefunction,omitempty"`
}

// OptimizationDetail is the leaf geometry optimization variant
type OptimizationDetail struct {
	SpecificationID   int64     `json:"specification_id"`
	InitialMoleculeID int64     `json:"initial_molecule_id"`
	FinalMoleculeID   int64     `json:"final_molecule_id,omitempty"`
	Energies          []float64 `json:"energies,omitempty"`
	TrajectoryIDs     []int64   `json:"trajectory_ids,omitempty"`
}

// FinalEnergy returns the last trajectory energy, or 0 when none exist
func (d *OptimizationDetail) FinalEnergy() float64 {
	if len(d.Energies) == 0 {
		return 0
	}
	return d.Energies[len(d.Energies)-1]
}

// TorsiondriveDetail is the torsion drive service variant
type TorsiondriveDetail struct {
	SpecificationID      int64            `json:"specification_id"`
	InitialMoleculeIDs   []int64          `json:"initial_molecule_ids"`
	MinimumOptimizations map[string]int64 `json:"minimum_optimizations,omitempty"`
}

// GridoptimizationDetail is the grid optimization service variant
type GridoptimizationDetail struct {
	SpecificationID    int64            `json:"specification_id"`
	InitialMoleculeID  int64            `json:"initial_molecule_id"`
	StartingMoleculeID int64            `json:"starting_molecule_id,omitempty"`
	GridOptimizations  map[string]int64 `json:"grid_optimizations,omitempty"`
}

// ManybodyCluster is one fragment cluster of a manybody decomposition.
// Fragments lists the real fragments; Basis lists the fragments whose
// basis functions are present (a superset under cp/vmfc corrections).
type ManybodyCluster struct {
	Fragments  []int   `json:"fragments"`
	Basis      []int   `json:"basis"`
	MoleculeID int64   `json:"molecule_id,omitempty"`
	RecordID   int64   `json:"record_id,omitempty"`
	Energy     float64 `json:"energy,omitempty"`
}

// ManybodyDetail is the manybody service variant
type ManybodyDetail struct {
	SpecificationID   int64              `json:"specification_id"`
	InitialMoleculeID int64              `json:"initial_molecule_id"`
	Clusters          []ManybodyCluster  `json:"clusters,omitempty"`
	Results           map[string]float64 `json:"results,omitempty"`
}

// ReactionComponent is one molecule of a reaction with its
// stoichiometric coefficient
type ReactionComponent struct {
	MoleculeID     int64   `json:"molecule_id"`
	Coefficient    float64 `json:"coefficient"`
	SinglepointID  int64   `json:"singlepoint_id,omitempty"`
	OptimizationID int64   `json:"optimization_id,omitempty"`
	Energy         float64 `json:"energy,omitempty"`
}

// ReactionDetail is the reaction service variant
type ReactionDetail struct {
	SpecificationID int64               `json:"specification_id"`
	Components      []ReactionComponent `json:"components"`
	TotalEnergy     float64             `json:"total_energy,omitempty"`
}

// NEBDetail is the nudged elastic band service variant
type NEBDetail struct {
	SpecificationID    int64     `json:"specification_id"`
	InitialChainIDs    []int64   `json:"initial_chain_ids"`
	ChainEnergies      []float64 `json:"chain_energies,omitempty"`
	TSGuessMoleculeID  int64     `json:"ts_guess_molecule_id,omitempty"`
	TSOptimizationID   int64     `json:"ts_optimization_id,omitempty"`
	EndpointRecordIDs  []int64   `json:"endpoint_record_ids,omitempty"`
}

// Task is the concrete leaf unit a manager executes. A task row exists
// iff its record is a leaf in waiting, running, or error.
type Task struct {
	ID               int64             `json:"id"`
	RecordID         int64             `json:"record_id"`
	Function         string            `json:"function"`
	FunctionKwargs   json.RawMessage   `json:"function_kwargs,omitempty"`
	RequiredPrograms map[string]string `json:"required_programs"` // program -> version constraint ("" = any)
	ComputeTag       string            `json:"compute_tag"`
	ComputePriority  ComputePriority   `json:"compute_priority"`
	Available        bool              `json:"available"`
	CreatedOn        time.Time         `json:"created_on"`
}

// ServiceDependency points at a child record a service is waiting on
type ServiceDependency struct {
	RecordID int64             `json:"record_id"`
	Extras   map[string]string `json:"extras,omitempty"`
}

// Service is the iteration row attached to a service record. The state
// blob is opaque to everything except the service engine and is re-read
// and re-written atomically each iteration.
type Service struct {
	ID              int64               `json:"id"`
	RecordID        int64               `json:"record_id"`
	ComputeTag      string              `json:"compute_tag"`
	ComputePriority ComputePriority     `json:"compute_priority"`
	FindExisting    bool                `json:"find_existing"`
	ServiceState    json.RawMessage     `json:"service_state,omitempty"`
	Dependencies    []ServiceDependency `json:"dependencies,omitempty"`
	CreatedOn       time.Time           `json:"created_on"`
}

// ManagerStatus is the lifecycle state of a compute manager
type ManagerStatus string

const (
	ManagerActive   ManagerStatus = "active"
	ManagerInactive ManagerStatus = "inactive"
)

// ManagerName identifies a compute manager by its cluster, hostname and
// a per-process UUID
type ManagerName struct {
	Cluster  string `json:"cluster"`
	Hostname string `json:"hostname"`
	UUID     string `json:"uuid"`
}

// FullName renders the unique manager name
func (n ManagerName) FullName() string {
	return fmt.Sprintf("%s-%s-%s", n.Cluster, n.Hostname, n.UUID)
}

// ComputeManager is a registered remote compute process
type ComputeManager struct {
	ID       int64         `json:"id"`
	Name     string        `json:"name"`
	Cluster  string        `json:"cluster"`
	Hostname string        `json:"hostname"`
	UUID     string        `json:"uuid"`
	Username string        `json:"username,omitempty"`
	Version  string        `json:"version,omitempty"`
	Programs map[string]string `json:"programs"`
	Tags     []string      `json:"tags"`
	Status   ManagerStatus `json:"status"`

	ClaimedCount  int `json:"claimed_count"`
	SuccessCount  int `json:"success_count"`
	FailureCount  int `json:"failure_count"`
	RejectedCount int `json:"rejected_count"`

	TotalCPUHours float64 `json:"total_cpu_hours,omitempty"`
	ActiveTasks   int     `json:"active_tasks,omitempty"`
	ActiveCores   int     `json:"active_cores,omitempty"`
	ActiveMemory  float64 `json:"active_memory,omitempty"`

	CreatedOn  time.Time `json:"created_on"`
	ModifiedOn time.Time `json:"modified_on"`
}

// ManagerCounters is the accounting snapshot sent with each heartbeat
type ManagerCounters struct {
	TotalCPUHours float64 `json:"total_cpu_hours"`
	ActiveTasks   int     `json:"active_tasks"`
	ActiveCores   int     `json:"active_cores"`
	ActiveMemory  float64 `json:"active_memory"`
}

// ClaimedTask is the opaque descriptor handed to a manager by claim
type ClaimedTask struct {
	TaskID           int64             `json:"task_id"`
	RecordID         int64             `json:"record_id"`
	Function         string            `json:"function"`
	FunctionKwargs   json.RawMessage   `json:"function_kwargs,omitempty"`
	RequiredPrograms map[string]string `json:"required_programs"`
	Tag              string            `json:"tag"`
	Priority         ComputePriority   `json:"priority"`
}

// ComputeError is the failure half of a result envelope
type ComputeError struct {
	ErrorType    string `json:"error_type"`
	ErrorMessage string `json:"error_message"`
}

// TrajectoryStep is one optimization step reported by a manager. Each
// step becomes a child singlepoint record on ingestion.
type TrajectoryStep struct {
	Molecule   *Molecule          `json:"molecule"`
	Energy     float64            `json:"energy"`
	Properties map[string]float64 `json:"properties,omitempty"`
}

// ResultEnvelope is what a manager returns for one finished task.
// Success and Error are mutually exclusive; the per-type fields are
// consumed by the matching record completion logic.
type ResultEnvelope struct {
	Success    bool        `json:"success"`
	Provenance *Provenance `json:"provenance,omitempty"`
	Stdout     string      `json:"stdout,omitempty"`
	Stderr     string      `json:"stderr,omitempty"`
	Error      *ComputeError `json:"error,omitempty"`

	// singlepoint results
	ReturnResult json.RawMessage    `json:"return_result,omitempty"`
	Properties   map[string]float64 `json:"properties,omitempty"`
	Wavefunction []byte             `json:"wavefunction,omitempty"`
	NativeFiles  map[string][]byte  `json:"native_files,omitempty"`

	// optimization results
	Energies      []float64        `json:"energies,omitempty"`
	FinalMolecule *Molecule        `json:"final_molecule,omitempty"`
	Trajectory    []TrajectoryStep `json:"trajectory,omitempty"`
}
