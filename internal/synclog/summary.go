package synclog

import (
	"context"
	"sort"
	"time"

	"github.com/MarcoPoloResearchLab/ledgersync/internal/syncerr"
)

// EntityTypeSummary aggregates attempts for one entity type.
type EntityTypeSummary struct {
	EntityType    string  `json:"entity_type"`
	Total         int64   `json:"total"`
	Succeeded     int64   `json:"succeeded"`
	Failed        int64   `json:"failed"`
	ErrorRate     float64 `json:"error_rate"`
	AvgDurationMs float64 `json:"avg_duration_ms"`
}

// Summary aggregates a tenant's attempts since a point in time.
type Summary struct {
	TenantID    string              `json:"tenant_id"`
	Since       time.Time           `json:"since"`
	Total       int64               `json:"total"`
	Succeeded   int64               `json:"succeeded"`
	Failed      int64               `json:"failed"`
	InFlight    int64               `json:"in_flight"`
	ErrorRate   float64             `json:"error_rate"`
	EntityTypes []EntityTypeSummary `json:"entity_types"`
}

type summaryRow struct {
	EntityType    string
	Status        string
	Attempts      int64
	TotalDuration int64
}

// Summary computes totals and error rates by entity type for attempts created at or after since.
// Attempts still pending are counted as in flight and left out of the rates.
func (l *Logger) Summary(ctx context.Context, tenantID string, since time.Time) (Summary, error) {
	var rows []summaryRow
	err := l.db.WithContext(ctx).Model(&Entry{}).
		Select("entity_type, status, COUNT(*) AS attempts, COALESCE(SUM(duration_ms), 0) AS total_duration").
		Where("tenant_id = ? AND created_at >= ?", tenantID, since.UTC()).
		Group("entity_type, status").
		Scan(&rows).Error
	if err != nil {
		return Summary{}, syncerr.NewSync(syncerr.CodeStorage, "summarize sync log", true, err)
	}

	byType := make(map[string]*EntityTypeSummary)
	durations := make(map[string]int64)
	summary := Summary{TenantID: tenantID, Since: since.UTC()}
	for _, row := range rows {
		if row.Status == StatusPending {
			summary.InFlight += row.Attempts
			continue
		}
		entry, ok := byType[row.EntityType]
		if !ok {
			entry = &EntityTypeSummary{EntityType: row.EntityType}
			byType[row.EntityType] = entry
		}
		entry.Total += row.Attempts
		durations[row.EntityType] += row.TotalDuration
		switch row.Status {
		case StatusSuccess:
			entry.Succeeded += row.Attempts
			summary.Succeeded += row.Attempts
		case StatusError:
			entry.Failed += row.Attempts
			summary.Failed += row.Attempts
		}
		summary.Total += row.Attempts
	}

	summary.EntityTypes = make([]EntityTypeSummary, 0, len(byType))
	for entityType, entry := range byType {
		if entry.Total > 0 {
			entry.ErrorRate = float64(entry.Failed) / float64(entry.Total)
			entry.AvgDurationMs = float64(durations[entityType]) / float64(entry.Total)
		}
		summary.EntityTypes = append(summary.EntityTypes, *entry)
	}
	sort.Slice(summary.EntityTypes, func(i, j int) bool {
		return summary.EntityTypes[i].EntityType < summary.EntityTypes[j].EntityType
	})
	if summary.Total > 0 {
		summary.ErrorRate = float64(summary.Failed) / float64(summary.Total)
	}
	return summary, nil
}
