package memory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/JakeFAU/keyword-graph-crawler/internal/crawler"
)

// KeywordStore keeps the keyword graph in memory. When snapshots is set the keyword
// view joins each keyword with its latest document counts.
type KeywordStore struct {
	mu        sync.RWMutex
	byID      map[string]crawler.Keyword
	byTerm    map[string]string
	snapshots *SnapshotStore
}

// NewKeywordStore constructs a KeywordStore. snapshots may be nil.
func NewKeywordStore(snapshots *SnapshotStore) *KeywordStore {
	return &KeywordStore{
		byID:      make(map[string]crawler.Keyword),
		byTerm:    make(map[string]string),
		snapshots: snapshots,
	}
}

// UpsertKeyword inserts kw or updates the status of the existing term.
func (s *KeywordStore) UpsertKeyword(_ context.Context, kw crawler.Keyword) (crawler.Keyword, bool, error) {
	term := crawler.NormalizeTerm(kw.Term)
	if term == "" {
		return crawler.Keyword{}, false, errors.New("term is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.byTerm[term]; ok {
		existing := s.byID[id]
		existing.Status = kw.Status
		if kw.Metrics.SearchVolume() > 0 {
			existing.Metrics = kw.Metrics
		}
		existing.UpdatedAt = kw.UpdatedAt
		s.byID[id] = existing
		return copyKeyword(existing), false, nil
	}
	if kw.ID == "" {
		return crawler.Keyword{}, false, errors.New("keyword id is required")
	}
	if _, dup := s.byID[kw.ID]; dup {
		return crawler.Keyword{}, false, errors.New("keyword id already exists")
	}
	kw.Term = term
	s.byID[kw.ID] = copyKeyword(kw)
	s.byTerm[term] = kw.ID
	return copyKeyword(kw), true, nil
}

// GetKeyword fetches a keyword by ID.
func (s *KeywordStore) GetKeyword(_ context.Context, id string) (crawler.Keyword, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	kw, ok := s.byID[id]
	if !ok {
		return crawler.Keyword{}, fmt.Errorf("keyword %s: %w", id, crawler.ErrNotFound)
	}
	return copyKeyword(kw), nil
}

// GetKeywordByTerm fetches a keyword by its normalized term.
func (s *KeywordStore) GetKeywordByTerm(_ context.Context, term string) (crawler.Keyword, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byTerm[crawler.NormalizeTerm(term)]
	if !ok {
		return crawler.Keyword{}, fmt.Errorf("keyword %q: %w", term, crawler.ErrNotFound)
	}
	return copyKeyword(s.byID[id]), nil
}

// UpdateKeywordStatus sets the status of a keyword.
func (s *KeywordStore) UpdateKeywordStatus(
	_ context.Context,
	id string,
	status crawler.KeywordStatus,
	at time.Time,
) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	kw, ok := s.byID[id]
	if !ok {
		return fmt.Errorf("keyword %s: %w", id, crawler.ErrNotFound)
	}
	kw.Status = status
	kw.UpdatedAt = at
	s.byID[id] = kw
	return nil
}

// CountKeywordsByStatus tallies keywords per status.
func (s *KeywordStore) CountKeywordsByStatus(_ context.Context) (map[crawler.KeywordStatus]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	counts := make(map[crawler.KeywordStatus]int, len(crawler.KeywordStatuses))
	for _, kw := range s.byID {
		counts[kw.Status]++
	}
	return counts, nil
}

// ListKeywords returns one page of the keyword view.
func (s *KeywordStore) ListKeywords(_ context.Context, filter crawler.KeywordFilter) (crawler.KeywordPage, error) {
	filter = filter.Normalize()
	offset, err := crawler.ParseCursor(filter.Cursor)
	if err != nil {
		return crawler.KeywordPage{}, err
	}

	s.mu.RLock()
	views := make([]crawler.KeywordView, 0, len(s.byID))
	query := strings.ToLower(filter.Query)
	for _, kw := range s.byID {
		if query != "" && !strings.Contains(kw.Term, query) {
			continue
		}
		view := crawler.KeywordView{Keyword: copyKeyword(kw), SearchVolume: kw.Metrics.SearchVolume()}
		if s.snapshots != nil {
			view.Docs = s.snapshots.latest(kw.ID)
		}
		if filter.MinSV > 0 && view.SearchVolume < filter.MinSV {
			continue
		}
		if filter.HideZeroDocs && view.Docs.Total() == 0 {
			continue
		}
		views = append(views, view)
	}
	s.mu.RUnlock()

	sort.SliceStable(views, func(i, j int) bool {
		for _, order := range filter.Sort {
			cmp := compareView(views[i], views[j], order.Field)
			if cmp == 0 {
				continue
			}
			if order.Descending {
				return cmp > 0
			}
			return cmp < 0
		}
		return views[i].ID < views[j].ID
	})

	if offset > len(views) {
		offset = len(views)
	}
	end := min(offset+filter.PageSize, len(views))
	page := views[offset:end]
	return crawler.KeywordPage{
		Items:      page,
		NextCursor: crawler.NextCursor(offset, len(page), filter.PageSize),
	}, nil
}

func compareView(a, b crawler.KeywordView, field crawler.SortField) int {
	switch field {
	case crawler.SortBySearchVolume:
		return compareInt(a.SearchVolume, b.SearchVolume)
	case crawler.SortByCafeTotal:
		return compareInt(a.Docs.Cafe, b.Docs.Cafe)
	case crawler.SortByBlogTotal:
		return compareInt(a.Docs.Blog, b.Docs.Blog)
	case crawler.SortByWebTotal:
		return compareInt(a.Docs.Web, b.Docs.Web)
	case crawler.SortByNewsTotal:
		return compareInt(a.Docs.News, b.Docs.News)
	case crawler.SortByPC:
		return compareInt(a.Metrics.PC, b.Metrics.PC)
	case crawler.SortByMobile:
		return compareInt(a.Metrics.Mobile, b.Metrics.Mobile)
	case crawler.SortByUpdatedAt:
		return a.UpdatedAt.Compare(b.UpdatedAt)
	case crawler.SortByTerm:
		return strings.Compare(a.Term, b.Term)
	default:
		return 0
	}
}

func compareInt(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func copyKeyword(kw crawler.Keyword) crawler.Keyword {
	if kw.ParentID != nil {
		p := *kw.ParentID
		kw.ParentID = &p
	}
	return kw
}
