package models

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewJob(t *testing.T) {
	job := NewJob("zabbix", "bulk_add_hosts", map[string]interface{}{"instance_id": "zbx-1"})

	assert.NotEmpty(t, job.ID)
	assert.Equal(t, "zabbix", job.Toolkit)
	assert.Equal(t, "zabbix", job.Module)
	assert.Equal(t, "bulk_add_hosts", job.Operation)
	assert.Equal(t, "zabbix.bulk_add_hosts", job.Type)
	assert.Equal(t, JobStatusQueued, job.Status)
	assert.Equal(t, 0, job.Progress)
	assert.NotNil(t, job.Logs)
	assert.Equal(t, job.CreatedAt, job.UpdatedAt)
}

func TestNewJobNilPayload(t *testing.T) {
	job := NewJob("latency-sleuth", "run_probe", nil)
	assert.NotNil(t, job.Payload)
}

func TestJobNormalize(t *testing.T) {
	job := &Job{ID: "abc", Toolkit: "zabbix", Operation: "bulk_add_hosts"}
	job.Normalize()

	assert.Equal(t, JobStatusQueued, job.Status)
	assert.NotNil(t, job.Payload)
	assert.NotNil(t, job.Logs)
	assert.NotEmpty(t, job.CreatedAt)
	assert.Equal(t, job.CreatedAt, job.UpdatedAt)
}

func TestJobIsTerminal(t *testing.T) {
	tests := []struct {
		status   string
		terminal bool
	}{
		{JobStatusQueued, false},
		{JobStatusRunning, false},
		{JobStatusCancelling, false},
		{JobStatusSucceeded, true},
		{JobStatusFailed, true},
		{JobStatusCancelled, true},
	}

	for _, tt := range tests {
		t.Run(tt.status, func(t *testing.T) {
			job := &Job{Status: tt.status}
			assert.Equal(t, tt.terminal, job.IsTerminal())
		})
	}
}

func TestJobLogRoundTrip(t *testing.T) {
	job := NewJob("zabbix", "bulk_add_hosts", nil)
	job.AppendLog("Target instance: prod")

	data, err := json.Marshal(job)
	require.NoError(t, err)

	var decoded Job
	require.NoError(t, json.Unmarshal(data, &decoded))
	require.Len(t, decoded.Logs, 1)
	assert.Equal(t, "Target instance: prod", decoded.Logs[0].Message)
	assert.NotEmpty(t, decoded.Logs[0].Timestamp)
}

func TestJobSetError(t *testing.T) {
	job := NewJob("zabbix", "bulk_add_hosts", nil)
	job.SetError("No handler registered for job type zabbix.bulk_add_hosts")

	assert.Equal(t, JobStatusFailed, job.Status)
	require.NotNil(t, job.Error)
	assert.Contains(t, *job.Error, "No handler registered")
}
