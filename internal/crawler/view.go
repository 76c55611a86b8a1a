package crawler

import (
	"fmt"
	"strconv"
	"strings"
)

// Keyword view defaults.
const (
	DefaultPageSize = 50
	MaxPageSize     = 500
	// LowSearchVolume is the threshold hidden by the hideLowSv filter.
	LowSearchVolume int64 = 500
)

// DefaultKeywordSort orders by fewest cafe documents, then highest search volume.
var DefaultKeywordSort = []SortOrder{
	{Field: SortByCafeTotal},
	{Field: SortBySearchVolume, Descending: true},
}

var sortFields = map[SortField]struct{}{
	SortBySearchVolume: {},
	SortByCafeTotal:    {},
	SortByBlogTotal:    {},
	SortByWebTotal:     {},
	SortByNewsTotal:    {},
	SortByPC:           {},
	SortByMobile:       {},
	SortByUpdatedAt:    {},
	SortByTerm:         {},
}

// ParseSort parses "col:dir,col:dir". An empty string yields DefaultKeywordSort.
func ParseSort(raw string) ([]SortOrder, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return DefaultKeywordSort, nil
	}
	var orders []SortOrder
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		col, dir, _ := strings.Cut(part, ":")
		field := SortField(strings.TrimSpace(col))
		if _, ok := sortFields[field]; !ok {
			return nil, fmt.Errorf("unknown sort column %q", col)
		}
		var desc bool
		switch strings.ToLower(strings.TrimSpace(dir)) {
		case "", "asc":
		case "desc":
			desc = true
		default:
			return nil, fmt.Errorf("unknown sort direction %q", dir)
		}
		orders = append(orders, SortOrder{Field: field, Descending: desc})
	}
	if len(orders) == 0 {
		return DefaultKeywordSort, nil
	}
	return orders, nil
}

// ParseCursor decodes a page cursor into a row offset.
func ParseCursor(cursor string) (int, error) {
	if cursor == "" {
		return 0, nil
	}
	offset, err := strconv.Atoi(cursor)
	if err != nil || offset < 0 {
		return 0, fmt.Errorf("invalid cursor %q", cursor)
	}
	return offset, nil
}

// NextCursor returns the cursor following a page of n rows read at offset, or "" when
// the page was not full.
func NextCursor(offset, n, pageSize int) string {
	if n < pageSize {
		return ""
	}
	return strconv.Itoa(offset + n)
}

// Normalize fills defaults and bounds the page size.
func (f KeywordFilter) Normalize() KeywordFilter {
	if f.PageSize <= 0 {
		f.PageSize = DefaultPageSize
	}
	if f.PageSize > MaxPageSize {
		f.PageSize = MaxPageSize
	}
	if f.HideLowSV && f.MinSV == 0 {
		f.MinSV = LowSearchVolume
	}
	if len(f.Sort) == 0 {
		f.Sort = DefaultKeywordSort
	}
	f.Query = strings.TrimSpace(f.Query)
	return f
}
