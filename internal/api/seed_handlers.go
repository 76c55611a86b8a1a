package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/JakeFAU/keyword-graph-crawler/internal/crawler"
)

type seedRequest struct {
	Term        string `json:"term" validate:"required,min=1,max=100"`
	AutoCollect *bool  `json:"autoCollect"`
	TargetCount *int   `json:"targetCount" validate:"omitempty,min=100,max=10000"`
	DepthLimit  *int   `json:"depthLimit" validate:"omitempty,min=1,max=5"`
}

type seedResponse struct {
	KeywordID string                `json:"keywordId"`
	Term      string                `json:"term"`
	Status    crawler.KeywordStatus `json:"status"`
	Inserted  bool                  `json:"inserted"`
	JobID     string                `json:"jobId,omitempty"`
}

type progressResponse struct {
	Keywords map[string]int `json:"keywords"`
	Jobs     map[string]int `json:"jobs"`
	Active   bool           `json:"active"`
}

func (s *Server) createSeed(w http.ResponseWriter, r *http.Request) {
	var req seedRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	req.Term = strings.TrimSpace(req.Term)
	if err := s.validate.Struct(req); err != nil {
		writeValidationError(w, err)
		return
	}
	seed := crawler.SeedRequest{
		Term:        req.Term,
		AutoCollect: valueOrDefault(req.AutoCollect, true),
		TargetCount: valueOrDefault(req.TargetCount, crawler.DefaultTargetCount),
		DepthLimit:  valueOrDefault(req.DepthLimit, crawler.DefaultDepthLimit),
	}
	res, err := s.deps.Seeder.Seed(r.Context(), seed)
	if err != nil {
		if errors.Is(err, crawler.ErrEmptyTerm) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.logger.Error("seed failed", zap.String("term", req.Term), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to register seed")
		return
	}
	resp := seedResponse{
		KeywordID: res.Keyword.ID,
		Term:      res.Keyword.Term,
		Status:    res.Keyword.Status,
		Inserted:  res.Inserted,
	}
	status := http.StatusOK
	if res.Job != nil {
		resp.JobID = res.Job.ID
		status = http.StatusAccepted
	}
	writeJSON(w, status, resp)
}

func (s *Server) seedStatus(w http.ResponseWriter, r *http.Request) {
	keywordCounts, err := s.deps.Keywords.CountKeywordsByStatus(r.Context())
	if err != nil {
		s.logger.Error("count keywords failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to count keywords")
		return
	}
	jobCounts, err := s.deps.Jobs.Stats(r.Context())
	if err != nil {
		s.logger.Error("count jobs failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to count jobs")
		return
	}
	writeJSON(w, http.StatusOK, progressResponse{
		Keywords: keywordTally(keywordCounts),
		Jobs:     jobTally(jobCounts),
		Active:   jobCounts[crawler.JobStatusPending]+jobCounts[crawler.JobStatusProcessing] > 0,
	})
}

func keywordTally(counts map[crawler.KeywordStatus]int) map[string]int {
	out := make(map[string]int, len(crawler.KeywordStatuses)+1)
	total := 0
	for _, status := range crawler.KeywordStatuses {
		out[string(status)] = counts[status]
		total += counts[status]
	}
	out["total"] = total
	return out
}

func jobTally(counts map[crawler.JobStatus]int) map[string]int {
	out := make(map[string]int, len(crawler.JobStatuses)+1)
	total := 0
	for _, status := range crawler.JobStatuses {
		out[string(status)] = counts[status]
		total += counts[status]
	}
	out["total"] = total
	return out
}

func writeValidationError(w http.ResponseWriter, err error) {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	fields := make(map[string]string, len(verrs))
	for _, fe := range verrs {
		rule := fe.Tag()
		if fe.Param() != "" {
			rule += "=" + fe.Param()
		}
		fields[jsonFieldName(fe.Field())] = rule
	}
	writeJSON(w, http.StatusBadRequest, map[string]any{"error": "validation failed", "fields": fields})
}

func jsonFieldName(field string) string {
	if field == "" {
		return field
	}
	return strings.ToLower(field[:1]) + field[1:]
}

func valueOrDefault[T any](ptr *T, def T) T {
	if ptr == nil {
		return def
	}
	return *ptr
}
