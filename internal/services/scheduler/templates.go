// -----------------------------------------------------------------------
// Probe Template Store - Redis-backed latency probe definitions + history
// -----------------------------------------------------------------------

package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/toolbox/internal/models"
	"github.com/ternarybob/toolbox/internal/storage"
)

const (
	// MaxHistoryEntries bounds the per-template run history list.
	MaxHistoryEntries = 96
	// MaxHeatmapCells bounds how many recent samples the heatmap renders.
	MaxHeatmapCells = 48
	// DefaultHeatmapColumns is the heatmap row width when none is given.
	DefaultHeatmapColumns = 6

	// reserveAttempts bounds the WATCH retry loop. Contention on the
	// templates hash is limited to concurrent scheduler ticks, so a
	// handful of retries is plenty before giving the tick up.
	reserveAttempts = 5
)

// TemplateStore keeps probe templates as JSON fields of one Redis hash,
// with a capped history list per template. The scheduler and the
// latency-sleuth toolkit both read and write through this type so the
// reservation contract lives in one place.
type TemplateStore struct {
	kv     *storage.KV
	logger arbor.ILogger

	// beforeReserveWrite runs between the reservation re-read and the
	// MULTI/EXEC write. Tests use it to collide the transaction.
	beforeReserveWrite func(attempt int)
}

// NewTemplateStore creates a template store on the shared Redis connection.
func NewTemplateStore(kv *storage.KV, logger arbor.ILogger) *TemplateStore {
	return &TemplateStore{kv: kv, logger: logger}
}

func (s *TemplateStore) templatesKey() string {
	return s.kv.Key("latency_sleuth", "templates")
}

func (s *TemplateStore) historyKey(templateID string) string {
	return s.kv.Key("latency_sleuth", "history", templateID)
}

func (s *TemplateStore) persist(ctx context.Context, tpl *models.ProbeTemplate) error {
	raw, err := json.Marshal(tpl)
	if err != nil {
		return fmt.Errorf("failed to encode probe template %s: %w", tpl.ID, err)
	}
	if err := s.kv.Client().HSet(ctx, s.templatesKey(), tpl.ID, raw).Err(); err != nil {
		return fmt.Errorf("failed to persist probe template %s: %w", tpl.ID, err)
	}
	return nil
}

// Create builds a template from a validated payload and stamps next_run_at
// so the first scheduled run happens on the next tick.
func (s *TemplateStore) Create(ctx context.Context, payload models.ProbeTemplateCreate) (*models.ProbeTemplate, error) {
	tpl := models.NewProbeTemplate(payload)
	firstRun := tpl.CreatedAt
	tpl.NextRunAt = &firstRun

	if err := s.persist(ctx, tpl); err != nil {
		return nil, err
	}

	s.logger.Info().
		Str("template_id", tpl.ID).
		Str("template", tpl.Name).
		Int("interval_seconds", tpl.IntervalSeconds).
		Msg("Probe template created")

	return tpl, nil
}

// Get returns the template or nil when no record exists.
func (s *TemplateStore) Get(ctx context.Context, templateID string) (*models.ProbeTemplate, error) {
	raw, err := s.kv.Client().HGet(ctx, s.templatesKey(), templateID).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load probe template %s: %w", templateID, err)
	}

	var tpl models.ProbeTemplate
	if err := json.Unmarshal([]byte(raw), &tpl); err != nil {
		return nil, fmt.Errorf("failed to decode probe template %s: %w", templateID, err)
	}
	return &tpl, nil
}

// List returns every template sorted by name.
func (s *TemplateStore) List(ctx context.Context) ([]*models.ProbeTemplate, error) {
	values, err := s.kv.Client().HVals(ctx, s.templatesKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list probe templates: %w", err)
	}

	templates := make([]*models.ProbeTemplate, 0, len(values))
	for _, raw := range values {
		var tpl models.ProbeTemplate
		if err := json.Unmarshal([]byte(raw), &tpl); err != nil {
			s.logger.Warn().Err(err).Msg("Skipping undecodable probe template record")
			continue
		}
		templates = append(templates, &tpl)
	}

	sort.SliceStable(templates, func(i, j int) bool {
		left := strings.ToLower(templates[i].Name)
		right := strings.ToLower(templates[j].Name)
		if left != right {
			return left < right
		}
		return templates[i].ID < templates[j].ID
	})

	return templates, nil
}

// Update applies the non-nil fields of the payload. Changing the interval
// reschedules the template immediately; everything else leaves next_run_at
// alone. Returns nil when no record exists.
func (s *TemplateStore) Update(ctx context.Context, templateID string, payload models.ProbeTemplateUpdate) (*models.ProbeTemplate, error) {
	tpl, err := s.Get(ctx, templateID)
	if err != nil || tpl == nil {
		return nil, err
	}

	now := time.Now().UTC()
	if payload.Name != nil {
		tpl.Name = *payload.Name
	}
	if payload.Description != nil {
		tpl.Description = *payload.Description
	}
	if payload.URL != nil {
		tpl.URL = *payload.URL
	}
	if payload.Method != nil {
		tpl.Method = *payload.Method
	}
	if payload.SlaMs != nil {
		tpl.SlaMs = *payload.SlaMs
	}
	if payload.IntervalSeconds != nil {
		if *payload.IntervalSeconds != tpl.IntervalSeconds {
			rescheduled := now
			tpl.NextRunAt = &rescheduled
		}
		tpl.IntervalSeconds = *payload.IntervalSeconds
	}
	if payload.Rules != nil {
		tpl.Rules = *payload.Rules
	}
	if payload.Tags != nil {
		tpl.Tags = models.DedupeTags(*payload.Tags)
	}
	tpl.UpdatedAt = now

	if err := s.persist(ctx, tpl); err != nil {
		return nil, err
	}

	s.logger.Info().
		Str("template_id", tpl.ID).
		Str("template", tpl.Name).
		Msg("Probe template updated")

	return tpl, nil
}

// Delete removes the template and its history. Returns false when no
// record existed.
func (s *TemplateStore) Delete(ctx context.Context, templateID string) (bool, error) {
	removed, err := s.kv.Client().HDel(ctx, s.templatesKey(), templateID).Result()
	if err != nil {
		return false, fmt.Errorf("failed to delete probe template %s: %w", templateID, err)
	}
	if err := s.kv.Client().Del(ctx, s.historyKey(templateID)).Err(); err != nil {
		return removed > 0, fmt.Errorf("failed to delete probe history for %s: %w", templateID, err)
	}

	if removed > 0 {
		s.logger.Info().Str("template_id", templateID).Msg("Probe template deleted")
	}
	return removed > 0, nil
}

// templateDue reports whether the template should run at the given time.
// Templates without a next_run_at fall back to their creation time, so
// records stamped by older builds still schedule.
func templateDue(tpl *models.ProbeTemplate, now time.Time) bool {
	next := tpl.NextRunAt
	if next == nil {
		if tpl.CreatedAt.IsZero() {
			return true
		}
		return !tpl.CreatedAt.After(now)
	}
	return !next.After(now)
}

// nextRunAfter computes the follow-up slot. A non-positive interval
// disables further scheduling.
func nextRunAfter(tpl *models.ProbeTemplate, now time.Time) *time.Time {
	if tpl.IntervalSeconds <= 0 {
		return nil
	}
	next := now.Add(time.Duration(tpl.IntervalSeconds) * time.Second)
	return &next
}

// Due returns the templates whose next run is at or before now, in List
// order.
func (s *TemplateStore) Due(ctx context.Context, now time.Time) ([]*models.ProbeTemplate, error) {
	templates, err := s.List(ctx)
	if err != nil {
		return nil, err
	}

	due := make([]*models.ProbeTemplate, 0, len(templates))
	for _, tpl := range templates {
		if templateDue(tpl, now) {
			due = append(due, tpl)
		}
	}
	return due, nil
}

// Reserve claims one scheduled run of a template: it re-reads the record
// under WATCH, confirms it is still due, and advances next_run_at by the
// interval under MULTI/EXEC. When two schedulers race, the loser's EXEC
// fails and the retry finds the template no longer due. Returns the
// advanced record and true on success; nil and false when the template is
// gone or another instance claimed the slot first.
func (s *TemplateStore) Reserve(ctx context.Context, templateID string, now time.Time) (*models.ProbeTemplate, bool, error) {
	key := s.templatesKey()

	for attempt := 0; attempt < reserveAttempts; attempt++ {
		var reserved *models.ProbeTemplate

		err := s.kv.Client().Watch(ctx, func(tx *redis.Tx) error {
			raw, err := tx.HGet(ctx, key, templateID).Result()
			if errors.Is(err, redis.Nil) {
				return nil
			}
			if err != nil {
				return fmt.Errorf("failed to load probe template %s: %w", templateID, err)
			}

			var tpl models.ProbeTemplate
			if err := json.Unmarshal([]byte(raw), &tpl); err != nil {
				return fmt.Errorf("failed to decode probe template %s: %w", templateID, err)
			}
			if !templateDue(&tpl, now) {
				return nil
			}

			tpl.NextRunAt = nextRunAfter(&tpl, now)
			tpl.UpdatedAt = now
			updated, err := json.Marshal(&tpl)
			if err != nil {
				return fmt.Errorf("failed to encode probe template %s: %w", templateID, err)
			}

			if s.beforeReserveWrite != nil {
				s.beforeReserveWrite(attempt)
			}

			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.HSet(ctx, key, templateID, updated)
				return nil
			})
			if err != nil {
				return err
			}

			reserved = &tpl
			return nil
		}, key)

		if errors.Is(err, redis.TxFailedErr) {
			s.logger.Debug().
				Str("template_id", templateID).
				Int("attempt", attempt+1).
				Msg("Probe reservation conflicted, retrying")
			continue
		}
		if err != nil {
			return nil, false, err
		}
		return reserved, reserved != nil, nil
	}

	return nil, false, fmt.Errorf("reservation for probe template %s kept conflicting: %w", templateID, redis.TxFailedErr)
}

// BootstrapSchedule stamps next_run_at=now on templates that lack one so
// records created before scheduling existed start running. Returns how
// many templates were stamped.
func (s *TemplateStore) BootstrapSchedule(ctx context.Context, now time.Time) (int, error) {
	templates, err := s.List(ctx)
	if err != nil {
		return 0, err
	}

	stamped := 0
	for _, tpl := range templates {
		if tpl.NextRunAt != nil {
			continue
		}
		firstRun := now
		tpl.NextRunAt = &firstRun
		if err := s.persist(ctx, tpl); err != nil {
			return stamped, err
		}
		stamped++
	}
	return stamped, nil
}

// RecordResult archives one run summary at the head of the template's
// history list, trimming the list to MaxHistoryEntries.
func (s *TemplateStore) RecordResult(ctx context.Context, summary models.ProbeRunSummary) (*models.ProbeHistoryEntry, error) {
	entry := models.ProbeHistoryEntry{
		TemplateID: summary.TemplateID,
		RecordedAt: time.Now().UTC(),
		Summary:    summary,
	}
	raw, err := json.Marshal(entry)
	if err != nil {
		return nil, fmt.Errorf("failed to encode probe history entry: %w", err)
	}

	key := s.historyKey(summary.TemplateID)
	pipe := s.kv.Client().TxPipeline()
	pipe.LPush(ctx, key, raw)
	pipe.LTrim(ctx, key, 0, MaxHistoryEntries-1)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("failed to record probe result for %s: %w", summary.TemplateID, err)
	}
	return &entry, nil
}

// History returns the most recent runs, newest first. Limits outside
// 1..MaxHistoryEntries clamp to MaxHistoryEntries.
func (s *TemplateStore) History(ctx context.Context, templateID string, limit int) ([]models.ProbeHistoryEntry, error) {
	if limit <= 0 || limit > MaxHistoryEntries {
		limit = MaxHistoryEntries
	}

	values, err := s.kv.Client().LRange(ctx, s.historyKey(templateID), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read probe history for %s: %w", templateID, err)
	}

	history := make([]models.ProbeHistoryEntry, 0, len(values))
	for _, raw := range values {
		var entry models.ProbeHistoryEntry
		if err := json.Unmarshal([]byte(raw), &entry); err != nil {
			s.logger.Warn().Err(err).Str("template_id", templateID).Msg("Skipping undecodable probe history entry")
			continue
		}
		history = append(history, entry)
	}
	return history, nil
}

// Heatmap renders the last MaxHeatmapCells samples into rows of the given
// width, oldest sample first. Non-positive columns fall back to the
// default width.
func (s *TemplateStore) Heatmap(ctx context.Context, templateID string, columns int) (*models.LatencyHeatmap, error) {
	if columns <= 0 {
		columns = DefaultHeatmapColumns
	}

	history, err := s.History(ctx, templateID, MaxHeatmapCells)
	if err != nil {
		return nil, err
	}

	heatmap := &models.LatencyHeatmap{TemplateID: templateID, Columns: columns, Rows: [][]models.HeatmapCell{}}
	if len(history) == 0 {
		return heatmap, nil
	}

	// History is newest first; the heatmap reads left-to-right in time.
	cells := make([]models.HeatmapCell, 0, MaxHeatmapCells)
	for i := len(history) - 1; i >= 0; i-- {
		for _, sample := range history[i].Summary.Samples {
			cells = append(cells, models.HeatmapCell{
				Timestamp: sample.Timestamp,
				LatencyMs: sample.LatencyMs,
				Breach:    sample.Breach,
			})
		}
	}
	if len(cells) > MaxHeatmapCells {
		cells = cells[len(cells)-MaxHeatmapCells:]
	}

	for start := 0; start < len(cells); start += columns {
		end := start + columns
		if end > len(cells) {
			end = len(cells)
		}
		heatmap.Rows = append(heatmap.Rows, cells[start:end])
	}
	return heatmap, nil
}
