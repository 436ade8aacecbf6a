package broker

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTopics(t *testing.T) {
	assert.Equal(t, "agent/m1", AgentTopic("m1"))
	assert.Equal(t, "agent/m1/jobs", JobsTopic("m1"))
}

func TestEventMessage(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		want    Message
		wantErr bool
	}{
		{
			name:    "run",
			payload: `{"event_type":"backup_run","machine_id":"m1","rule_id":"rule-1"}`,
			want:    Message{EventType: BackupRun, MachineID: "m1", RuleID: "rule-1"},
		},
		{
			name:    "cancel",
			payload: `{"event_type":"backup_cancel","job_id":"j1"}`,
			want:    Message{EventType: BackupCancel, JobID: "j1"},
		},
		{name: "garbage", payload: `{`, wantErr: true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			msg, err := Event{Topic: "agent/m1", Payload: []byte(tc.payload)}.Message()
			if tc.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), "agent/m1")
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, msg)
		})
	}
}
