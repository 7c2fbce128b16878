package types

import "encoding/json"

// ManagerNameData identifies a manager on the wire. The full name is
// cluster-hostname-uuid.
type ManagerNameData struct {
	Cluster  string `json:"cluster"`
	Hostname string `json:"hostname"`
	UUID     string `json:"uuid"`
}

// FullName renders the canonical manager name
func (n ManagerNameData) FullName() string {
	return n.Cluster + "-" + n.Hostname + "-" + n.UUID
}

// ActivateBody is POST /compute/v1/managers
type ActivateBody struct {
	NameData       ManagerNameData   `json:"name_data"`
	ManagerVersion string            `json:"manager_version"`
	Username       string            `json:"username,omitempty"`
	Programs       map[string]string `json:"programs"`
	Tags           []string          `json:"compute_tags"`
}

// HeartbeatBody is PATCH /compute/v1/managers/{name}
type HeartbeatBody struct {
	Status        ManagerStatus `json:"status"`
	ActiveTasks   int64         `json:"active_tasks"`
	ActiveCores   int64         `json:"active_cores"`
	ActiveMemory  float64       `json:"active_memory"`
	TotalCPUHours float64       `json:"total_cpu_hours"`
}

// ClaimBody is POST /compute/v1/tasks/claim
type ClaimBody struct {
	NameData ManagerNameData   `json:"name_data"`
	Programs map[string]string `json:"programs"`
	Tags     []string          `json:"compute_tags"`
	Limit    int               `json:"limit"`
}

// RecordTask is the claim payload handed to a manager. Function is an
// opaque dispatch string; the server does not interpret args/kwargs.
type RecordTask struct {
	ID               int64             `json:"id"`
	RecordID         int64             `json:"record_id"`
	Function         string            `json:"function"`
	Args             json.RawMessage   `json:"args"`
	Kwargs           json.RawMessage   `json:"kwargs"`
	Tag              string            `json:"compute_tag"`
	RequiredPrograms map[string]string `json:"required_programs"`
}

// ReturnBody is POST /compute/v1/tasks/return. Each entry is one
// zstd-compressed result payload keyed by task id; the server
// decompresses before decoding the envelope.
type ReturnBody struct {
	NameData          ManagerNameData  `json:"name_data"`
	ResultsCompressed map[int64][]byte `json:"results_compressed"`
}

// TaskRejectInfo explains one rejected task id
type TaskRejectInfo struct {
	TaskID int64  `json:"task_id"`
	Reason string `json:"reason"`
}

// TaskReturnMetadata is the response to a return call
type TaskReturnMetadata struct {
	AcceptedIDs      []int64          `json:"accepted_ids"`
	RejectedInfo     []TaskRejectInfo `json:"rejected_info"`
	ErrorDescription string           `json:"error_description,omitempty"`
}

// NAccepted is the count of accepted tasks
func (m TaskReturnMetadata) NAccepted() int { return len(m.AcceptedIDs) }

// NRejected is the count of rejected tasks
func (m TaskReturnMetadata) NRejected() int { return len(m.RejectedInfo) }
