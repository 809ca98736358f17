// -----------------------------------------------------------------------
// Zabbix Worker - Simulated bulk host creation with cancellation polls
// -----------------------------------------------------------------------

package zabbix

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ternarybob/toolbox/internal/models"
)

// OperationBulkAddHosts is the single worker operation the bundle exposes.
const OperationBulkAddHosts = "bulk_add_hosts"

// hostCreateDelay simulates the per-host API round trip.
const hostCreateDelay = 100 * time.Millisecond

// HostRow is one host to create on the target instance.
type HostRow struct {
	Host      string            `json:"host" validate:"required,min=1"`
	IP        string            `json:"ip" validate:"required,min=1"`
	Groups    []string          `json:"groups"`
	Templates []string          `json:"templates"`
	Macros    map[string]string `json:"macros"`
}

// BulkAddRequest is the execute/dry-run body for bulk host creation.
type BulkAddRequest struct {
	Rows []HostRow `json:"rows" validate:"required,min=1,dive"`
}

type bulkAddPayload struct {
	InstanceID   string    `json:"instance_id"`
	InstanceName string    `json:"instance_name"`
	Rows         []HostRow `json:"rows"`
}

// decodePayload round-trips the loose job payload map into a typed struct.
func decodePayload(payload map[string]interface{}, dst interface{}) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode job payload: %w", err)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("failed to decode job payload: %w", err)
	}
	return nil
}

// handleBulkAddHosts walks the rows, simulating one create per row, and
// polls the job record between rows so a cancel lands within one row.
func (b *Bundle) handleBulkAddHosts(ctx context.Context, job *models.Job) error {
	var payload bulkAddPayload
	if err := decodePayload(job.Payload, &payload); err != nil {
		return err
	}
	if payload.InstanceID == "" {
		return errors.New("Missing instance_id in payload")
	}

	instanceName := payload.InstanceName
	instance, err := b.instances.Get(ctx, payload.InstanceID)
	if err != nil {
		return err
	}
	if instance != nil {
		instanceName = instance.Name
	} else if instanceName == "" {
		return fmt.Errorf("Zabbix instance %s not found", payload.InstanceID)
	}

	if err := b.jobs.AppendLog(ctx, job, fmt.Sprintf("Target instance: %s", instanceName)); err != nil {
		return err
	}
	if err := b.jobs.AppendLog(ctx, job, fmt.Sprintf("Preparing to create %d host(s)", len(payload.Rows))); err != nil {
		return err
	}

	total := len(payload.Rows)
	for idx, row := range payload.Rows {
		seq := idx + 1
		if b.beforeRow != nil {
			b.beforeRow(seq)
		}

		current, err := b.jobs.Get(ctx, job.ID)
		if err != nil {
			return err
		}
		if current != nil && current.Status == models.JobStatusCancelling {
			job.Result = map[string]interface{}{
				"created":       idx,
				"instance_id":   payload.InstanceID,
				"instance_name": instanceName,
				"cancelled":     true,
			}
			return b.jobs.MarkCancelled(ctx, job, "Cancellation acknowledged during execution")
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(b.rowDelay):
		}

		job.Progress = 10 + (90*seq)/total
		if err := b.jobs.Save(ctx, job); err != nil {
			return err
		}
		if err := b.jobs.AppendLog(ctx, job, fmt.Sprintf("Simulated create for host '%s' (%d/%d)", row.Host, seq, total)); err != nil {
			return err
		}
	}

	job.Result = map[string]interface{}{
		"created":       total,
		"instance_id":   payload.InstanceID,
		"instance_name": instanceName,
	}
	return nil
}
