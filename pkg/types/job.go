package types

import "time"

// InternalJobStatus is the lifecycle state of an internal server job
type InternalJobStatus string

const (
	JobWaiting   InternalJobStatus = "waiting"
	JobRunning   InternalJobStatus = "running"
	JobComplete  InternalJobStatus = "complete"
	JobError     InternalJobStatus = "error"
	JobCancelled InternalJobStatus = "cancelled"
)

// InternalJob is one row of the server-side job table driven by the
// periodic orchestrator. Jobs with a UniqueName exist at most once in a
// non-terminal state; jobs sharing a SerialGroup never run concurrently.
// A RepeatDelay > 0 reschedules the job after each run.
type InternalJob struct {
	ID           int64             `json:"id"`
	Name         string            `json:"name"`
	UniqueName   string            `json:"unique_name,omitempty"`
	SerialGroup  string            `json:"serial_group,omitempty"`
	ScheduledFor time.Time         `json:"scheduled_for"`
	Status       InternalJobStatus `json:"status"`
	Progress     int               `json:"progress"`
	Runner       string            `json:"runner,omitempty"`
	RepeatDelay  time.Duration     `json:"repeat_delay,omitempty"`
	AddedOn      time.Time         `json:"added_on"`
	StartedOn    time.Time         `json:"started_on,omitempty"`
	EndedOn      time.Time         `json:"ended_on,omitempty"`
	Result       string            `json:"result,omitempty"`
	Error        string            `json:"error,omitempty"`
}
