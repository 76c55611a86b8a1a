package api

import (
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/JakeFAU/keyword-graph-crawler/internal/crawler"
	"github.com/JakeFAU/keyword-graph-crawler/internal/worker"
)

type collectResponse struct {
	Type      crawler.JobType `json:"type"`
	Claimed   int             `json:"claimed"`
	Processed int             `json:"processed"`
	Retried   int             `json:"retried"`
	Failed    int             `json:"failed"`
	Released  int             `json:"released"`
	Errors    []string        `json:"errors"`
}

// collect runs one synchronous batch of jobType. The batch size comes from ?batch=N,
// defaulting to defaultBatch and capped at worker.MaxBatch.
func (s *Server) collect(jobType crawler.JobType, defaultBatch int) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		n := defaultBatch
		if raw := r.URL.Query().Get("batch"); raw != "" {
			parsed, err := strconv.Atoi(raw)
			if err != nil || parsed < 1 {
				writeError(w, http.StatusBadRequest, "batch must be a positive integer")
				return
			}
			n = parsed
		}
		n = min(max(n, 1), worker.MaxBatch)

		res, err := s.deps.Runner.RunBatch(r.Context(), jobType, n)
		if err != nil {
			s.logger.Error("collect batch failed",
				zap.String("type", string(jobType)),
				zap.Int("batch", n),
				zap.Error(err),
			)
			writeError(w, http.StatusInternalServerError, "batch failed")
			return
		}
		errs := res.Errors
		if errs == nil {
			errs = []string{}
		}
		writeJSON(w, http.StatusOK, collectResponse{
			Type:      res.Type,
			Claimed:   res.Claimed,
			Processed: res.Processed,
			Retried:   res.Retried,
			Failed:    res.Failed,
			Released:  res.Released,
			Errors:    errs,
		})
	}
}
