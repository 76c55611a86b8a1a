package api

import (
	"fmt"
	"math"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/keyword-graph-crawler/internal/config"
	"github.com/JakeFAU/keyword-graph-crawler/internal/crawler"
	"github.com/JakeFAU/keyword-graph-crawler/internal/keypool"
)

// Health levels reported by /admin/health.
const (
	HealthHealthy  = "healthy"
	HealthWarning  = "warning"
	HealthCritical = "critical"
)

// recentSnapshotDays is the window of doc_counts_7d.
const recentSnapshotDays = 7

// KeyCounts aggregates credential states across providers.
type KeyCounts struct {
	Total       int `json:"total"`
	Active      int `json:"active"`
	Cooling     int `json:"cooling"`
	Disabled    int `json:"disabled"`
	RateLimited int `json:"rate_limited"`
}

// HealthReport is the body of /admin/health.
type HealthReport struct {
	Status      string         `json:"status"`
	Issues      []string       `json:"issues"`
	Keys        KeyCounts      `json:"keys"`
	Keywords    map[string]int `json:"keywords"`
	Jobs        map[string]int `json:"jobs"`
	DocCounts7d int            `json:"doc_counts_7d"`
	// Rate429 is the percentage of credentials whose last error was a 429.
	Rate429 float64 `json:"rate_429"`
	// Efficiency is the percentage of all jobs that completed.
	Efficiency float64   `json:"efficiency"`
	CheckedAt  time.Time `json:"checked_at"`
}

func (s *Server) adminKeys(w http.ResponseWriter, r *http.Request) {
	snap, err := s.deps.Keys.Snapshot(r.Context())
	if err != nil {
		s.logger.Error("key snapshot failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to read key pool")
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) adminHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	now := s.deps.Clock.Now()
	snap, err := s.deps.Keys.Snapshot(ctx)
	if err != nil {
		s.logger.Error("key snapshot failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to read key pool")
		return
	}
	keywordCounts, err := s.deps.Keywords.CountKeywordsByStatus(ctx)
	if err != nil {
		s.logger.Error("count keywords failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to count keywords")
		return
	}
	jobCounts, err := s.deps.Jobs.Stats(ctx)
	if err != nil {
		s.logger.Error("count jobs failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to count jobs")
		return
	}
	since := now.AddDate(0, 0, -recentSnapshotDays).Format(crawler.SnapshotDateLayout)
	docs, err := s.deps.Snapshots.CountSnapshotsSince(ctx, since)
	if err != nil {
		s.logger.Error("count snapshots failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to count snapshots")
		return
	}
	writeJSON(w, http.StatusOK, BuildHealthReport(snap, keywordCounts, jobCounts, docs, s.cfg.Health, now))
}

// BuildHealthReport derives the system status. Cooling keys, a pending backlog, failed
// jobs and a high 429 share are warnings; no active key is critical.
func BuildHealthReport(
	snap keypool.Snapshot,
	keywordCounts map[crawler.KeywordStatus]int,
	jobCounts map[crawler.JobStatus]int,
	docs7d int,
	thresholds config.HealthConfig,
	now time.Time,
) HealthReport {
	report := HealthReport{
		Status: HealthHealthy,
		Issues: []string{},
		Keys: KeyCounts{
			Total:       snap.Total,
			Active:      snap.Active,
			Cooling:     snap.Cooling,
			Disabled:    snap.Disabled,
			RateLimited: snap.RateLimited,
		},
		Keywords:    keywordTally(keywordCounts),
		Jobs:        jobTally(jobCounts),
		DocCounts7d: docs7d,
		CheckedAt:   now,
	}
	warn := func(msg string) {
		report.Issues = append(report.Issues, msg)
		if report.Status == HealthHealthy {
			report.Status = HealthWarning
		}
	}

	if snap.Active == 0 {
		report.Status = HealthCritical
		report.Issues = append(report.Issues, "no active credentials")
	}
	if snap.Cooling > 0 {
		warn(fmt.Sprintf("%d credentials cooling down", snap.Cooling))
	}
	if pending := jobCounts[crawler.JobStatusPending]; pending > thresholds.PendingWarn {
		warn(fmt.Sprintf("%d jobs pending", pending))
	}
	if failed := jobCounts[crawler.JobStatusFailed]; failed > thresholds.FailedWarn {
		warn(fmt.Sprintf("%d jobs failed", failed))
	}
	if snap.Total > 0 {
		report.Rate429 = percent(snap.RateLimited, snap.Total)
	}
	if report.Rate429 > thresholds.RateLimitWarnPct {
		warn(fmt.Sprintf("429 rate is %.1f%%", report.Rate429))
	}
	if total := report.Jobs["total"]; total > 0 {
		report.Efficiency = percent(jobCounts[crawler.JobStatusCompleted], total)
	}
	return report
}

func percent(part, total int) float64 {
	return math.Round(float64(part)/float64(total)*1000) / 10
}
