package api

import (
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/JakeFAU/keyword-graph-crawler/internal/crawler"
)

func (s *Server) listKeywords(w http.ResponseWriter, r *http.Request) {
	filter, err := parseKeywordFilter(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	page, err := s.deps.Keywords.ListKeywords(r.Context(), filter)
	if err != nil {
		s.logger.Error("list keywords failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list keywords")
		return
	}
	if page.Items == nil {
		page.Items = []crawler.KeywordView{}
	}
	writeJSON(w, http.StatusOK, page)
}

func parseKeywordFilter(r *http.Request) (crawler.KeywordFilter, error) {
	q := r.URL.Query()
	filter := crawler.KeywordFilter{
		Query:  q.Get("q"),
		Cursor: q.Get("cursor"),
	}
	if _, err := crawler.ParseCursor(filter.Cursor); err != nil {
		return crawler.KeywordFilter{}, err
	}
	if raw := q.Get("pageSize"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			return crawler.KeywordFilter{}, errBadParam("pageSize")
		}
		filter.PageSize = n
	}
	var err error
	if filter.HideLowSV, err = parseFlag(q.Get("hideLowSv")); err != nil {
		return crawler.KeywordFilter{}, errBadParam("hideLowSv")
	}
	if filter.HideZeroDocs, err = parseFlag(q.Get("hideZeroDocs")); err != nil {
		return crawler.KeywordFilter{}, errBadParam("hideZeroDocs")
	}
	if filter.Sort, err = crawler.ParseSort(q.Get("sort")); err != nil {
		return crawler.KeywordFilter{}, err
	}
	return filter, nil
}

func parseFlag(raw string) (bool, error) {
	if raw == "" {
		return false, nil
	}
	return strconv.ParseBool(raw)
}

type errBadParam string

func (e errBadParam) Error() string {
	return "invalid " + string(e)
}
