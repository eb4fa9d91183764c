package slot

import "time"

// Status is the lifecycle state of a test slot.
//
// NOTE: These values are persisted in the snapshot file and are part of the
// stable on-disk contract.
type Status string

const (
	StatusIdle    Status = "idle"
	StatusRunning Status = "running"
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
)

// Terminal reports whether s is a terminal outcome of a run.
func (s Status) Terminal() bool {
	return s == StatusSuccess || s == StatusFailed
}

// Slot is the state record for one test lane. Exactly one record exists per
// id for the lifetime of the process; reset replaces contents, never
// identity. The live process handle is owned by the supervisor and is never
// part of this record.
//
// The schema is designed for backward-compatible extension (additive fields).
type Slot struct {
	ID       int    `json:"id"`
	Owner    string `json:"owner"`
	TestCase string `json:"test_case"`
	Status   Status `json:"status"`
	Progress int    `json:"progress"`

	// Echo-back fields: opaque to the core, surfaced in reporting and
	// notifications.
	ScriptPath    string `json:"script_path"`
	ScriptCommand string `json:"script_command"`
	ScriptArgs    string `json:"script_args"`
	SSDSerial     string `json:"ssd_serial"`
	SSDEUI        string `json:"ssd_eui"`
	LogIP         string `json:"log_ip"`
	LogPort       string `json:"log_port"`
	LogFile       string `json:"log_file"`

	RunID string `json:"run_id,omitempty"`
	PID   int    `json:"pid,omitempty"`

	StartTime  *time.Time `json:"start_time,omitempty"`
	EndTime    *time.Time `json:"end_time,omitempty"`
	LastUpdate time.Time  `json:"last_update"`

	ErrorMsg string `json:"error_msg,omitempty"`
}

// Clone returns a deep copy safe to hand outside the registry lock.
func (s Slot) Clone() Slot {
	out := s
	if s.StartTime != nil {
		t := *s.StartTime
		out.StartTime = &t
	}
	if s.EndTime != nil {
		t := *s.EndTime
		out.EndTime = &t
	}
	return out
}

// ResetToIdle restores every field to the idle defaults, keeping only the id.
func (s *Slot) ResetToIdle() {
	*s = Slot{ID: s.ID, Status: StatusIdle, LastUpdate: s.LastUpdate}
}

// ClearResults clears the run outcome and ownership but keeps the staged test
// configuration (test case, script, SSD identifiers, log endpoint).
func (s *Slot) ClearResults() {
	s.Owner = ""
	s.Status = StatusIdle
	s.Progress = 0
	s.RunID = ""
	s.PID = 0
	s.StartTime = nil
	s.EndTime = nil
	s.ErrorMsg = ""
	s.LogFile = ""
}

// NewIdle returns the initial record for lane id.
func NewIdle(id int) Slot {
	return Slot{ID: id, Status: StatusIdle}
}
