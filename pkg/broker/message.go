package broker

import (
	"encoding/json"
	"errors"
)

// Event types accepted on the agent topic.
const (
	BackupRun    = "backup_run"
	BackupCancel = "backup_cancel"
	ConfigUpdate = "config_update"
)

// JobStatus is the event type of messages published on the jobs topic.
const JobStatus = "job_status"

// ErrUnknownEventType is raised when receiving unhandled event from broker.
var ErrUnknownEventType = errors.New("unknown event type")

// Message is the message event format.
type Message struct {
	EventType string `json:"event_type"`
	MachineID string `json:"machine_id"`
	CreatedAt string `json:"created_at"`

	// For backup_run.
	RuleID string `json:"rule_id,omitempty"`

	// For backup_cancel.
	JobID string `json:"job_id,omitempty"`

	// Job carries the job snapshot of a job_status message.
	Job json.RawMessage `json:"job,omitempty"`
}

// AgentTopic is the topic an agent subscribes to for commands.
func AgentTopic(machineID string) string {
	return "agent/" + machineID
}

// JobsTopic is the topic an agent publishes job status changes to.
func JobsTopic(machineID string) string {
	return AgentTopic(machineID) + "/jobs"
}
