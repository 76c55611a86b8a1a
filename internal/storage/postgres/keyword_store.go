package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgtype"

	"github.com/JakeFAU/keyword-graph-crawler/internal/crawler"
)

const keywordColumns = `id, term, source, parent_id, depth, status, pc, mo, ctr_pc, ctr_mo, ad_count, comp_idx, created_at, updated_at`

// Metrics are only replaced when the incoming row carries search volume.
const upsertKeywordSQL = `
INSERT INTO keywords (` + keywordColumns + `)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
ON CONFLICT (term) DO UPDATE SET
	status = EXCLUDED.status,
	pc = CASE WHEN EXCLUDED.pc + EXCLUDED.mo > 0 THEN EXCLUDED.pc ELSE keywords.pc END,
	mo = CASE WHEN EXCLUDED.pc + EXCLUDED.mo > 0 THEN EXCLUDED.mo ELSE keywords.mo END,
	ctr_pc = CASE WHEN EXCLUDED.pc + EXCLUDED.mo > 0 THEN EXCLUDED.ctr_pc ELSE keywords.ctr_pc END,
	ctr_mo = CASE WHEN EXCLUDED.pc + EXCLUDED.mo > 0 THEN EXCLUDED.ctr_mo ELSE keywords.ctr_mo END,
	ad_count = CASE WHEN EXCLUDED.pc + EXCLUDED.mo > 0 THEN EXCLUDED.ad_count ELSE keywords.ad_count END,
	comp_idx = CASE WHEN EXCLUDED.pc + EXCLUDED.mo > 0 THEN EXCLUDED.comp_idx ELSE keywords.comp_idx END,
	updated_at = EXCLUDED.updated_at
RETURNING ` + keywordColumns + `, (xmax = 0) AS inserted`

// view columns are whitelisted so ORDER BY never interpolates caller input.
var viewSortColumns = map[crawler.SortField]string{
	crawler.SortBySearchVolume: "(k.pc + k.mo)",
	crawler.SortByCafeTotal:    "COALESCE(s.cafe, 0)",
	crawler.SortByBlogTotal:    "COALESCE(s.blog, 0)",
	crawler.SortByWebTotal:     "COALESCE(s.web, 0)",
	crawler.SortByNewsTotal:    "COALESCE(s.news, 0)",
	crawler.SortByPC:           "k.pc",
	crawler.SortByMobile:       "k.mo",
	crawler.SortByUpdatedAt:    "k.updated_at",
	crawler.SortByTerm:         "k.term",
}

// KeywordStore persists the keyword graph in the keywords table.
type KeywordStore struct {
	pool Pool
}

// NewKeywordStore constructs a KeywordStore over db.
func NewKeywordStore(db *DB) *KeywordStore {
	return &KeywordStore{pool: db.Pool}
}

// UpsertKeyword inserts kw keyed on its term, or refreshes the existing row.
func (s *KeywordStore) UpsertKeyword(ctx context.Context, kw crawler.Keyword) (crawler.Keyword, bool, error) {
	term := crawler.NormalizeTerm(kw.Term)
	if term == "" {
		return crawler.Keyword{}, false, fmt.Errorf("term is required")
	}
	if kw.ID == "" {
		return crawler.Keyword{}, false, fmt.Errorf("keyword id is required")
	}
	row := s.pool.QueryRow(ctx, upsertKeywordSQL,
		kw.ID,
		term,
		string(kw.Source),
		textOrNull(kw.ParentID),
		kw.Depth,
		string(kw.Status),
		kw.Metrics.PC,
		kw.Metrics.Mobile,
		kw.Metrics.CTRPC,
		kw.Metrics.CTRMobile,
		kw.Metrics.AdCount,
		kw.Metrics.CompIdx,
		kw.CreatedAt,
		kw.UpdatedAt,
	)
	var inserted bool
	stored, err := scanKeyword(row, &inserted)
	if err != nil {
		return crawler.Keyword{}, false, fmt.Errorf("upsert keyword %q: %w", term, err)
	}
	return stored, inserted, nil
}

// GetKeyword fetches a keyword by ID.
func (s *KeywordStore) GetKeyword(ctx context.Context, id string) (crawler.Keyword, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+keywordColumns+` FROM keywords WHERE id = $1`, id)
	kw, err := scanKeyword(row)
	if err != nil {
		return crawler.Keyword{}, notFound(err, "keyword "+id)
	}
	return kw, nil
}

// GetKeywordByTerm fetches a keyword by its normalized term.
func (s *KeywordStore) GetKeywordByTerm(ctx context.Context, term string) (crawler.Keyword, error) {
	term = crawler.NormalizeTerm(term)
	row := s.pool.QueryRow(ctx, `SELECT `+keywordColumns+` FROM keywords WHERE term = $1`, term)
	kw, err := scanKeyword(row)
	if err != nil {
		return crawler.Keyword{}, notFound(err, fmt.Sprintf("keyword %q", term))
	}
	return kw, nil
}

// UpdateKeywordStatus sets the status of a keyword.
func (s *KeywordStore) UpdateKeywordStatus(
	ctx context.Context,
	id string,
	status crawler.KeywordStatus,
	at time.Time,
) error {
	res, err := s.pool.Exec(ctx,
		`UPDATE keywords SET status = $2, updated_at = $3 WHERE id = $1`,
		id, string(status), at,
	)
	if err != nil {
		return fmt.Errorf("update keyword %s status: %w", id, err)
	}
	if res.RowsAffected() == 0 {
		return fmt.Errorf("keyword %s: %w", id, crawler.ErrNotFound)
	}
	return nil
}

// CountKeywordsByStatus tallies keywords per status.
func (s *KeywordStore) CountKeywordsByStatus(ctx context.Context) (map[crawler.KeywordStatus]int, error) {
	rows, err := s.pool.Query(ctx, `SELECT status, count(*) FROM keywords GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count keywords: %w", err)
	}
	defer rows.Close()
	counts := make(map[crawler.KeywordStatus]int, len(crawler.KeywordStatuses))
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan keyword count: %w", err)
		}
		counts[crawler.KeywordStatus(status)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("count keywords: %w", err)
	}
	return counts, nil
}

// ListKeywords returns one page of the keyword view joined with the latest snapshot.
func (s *KeywordStore) ListKeywords(ctx context.Context, filter crawler.KeywordFilter) (crawler.KeywordPage, error) {
	filter = filter.Normalize()
	offset, err := crawler.ParseCursor(filter.Cursor)
	if err != nil {
		return crawler.KeywordPage{}, err
	}
	orderBy, err := buildOrderBy(filter.Sort)
	if err != nil {
		return crawler.KeywordPage{}, err
	}
	query := `
SELECT ` + prefixed("k.", keywordColumns) + `,
	COALESCE(s.blog, 0), COALESCE(s.cafe, 0), COALESCE(s.web, 0), COALESCE(s.news, 0)
FROM keywords k
LEFT JOIN LATERAL (
	SELECT d.blog, d.cafe, d.web, d.news
	FROM doc_count_snapshots d
	WHERE d.keyword_id = k.id
	ORDER BY d.snapshot_date DESC
	LIMIT 1
) s ON true
WHERE ($1::text = '' OR strpos(k.term, $1::text) > 0)
	AND k.pc + k.mo >= $2::bigint
	AND (NOT $3::boolean OR COALESCE(s.blog, 0) + COALESCE(s.cafe, 0) + COALESCE(s.web, 0) + COALESCE(s.news, 0) > 0)
ORDER BY ` + orderBy + `
LIMIT $4 OFFSET $5`

	rows, err := s.pool.Query(ctx, query,
		strings.ToLower(filter.Query),
		filter.MinSV,
		filter.HideZeroDocs,
		filter.PageSize,
		offset,
	)
	if err != nil {
		return crawler.KeywordPage{}, fmt.Errorf("list keywords: %w", err)
	}
	defer rows.Close()

	items := make([]crawler.KeywordView, 0, filter.PageSize)
	for rows.Next() {
		var docs crawler.DocCounts
		kw, err := scanKeyword(rows, &docs.Blog, &docs.Cafe, &docs.Web, &docs.News)
		if err != nil {
			return crawler.KeywordPage{}, fmt.Errorf("scan keyword view: %w", err)
		}
		items = append(items, crawler.KeywordView{
			Keyword:      kw,
			Docs:         docs,
			SearchVolume: kw.Metrics.SearchVolume(),
		})
	}
	if err := rows.Err(); err != nil {
		return crawler.KeywordPage{}, fmt.Errorf("list keywords: %w", err)
	}
	return crawler.KeywordPage{
		Items:      items,
		NextCursor: crawler.NextCursor(offset, len(items), filter.PageSize),
	}, nil
}

func buildOrderBy(orders []crawler.SortOrder) (string, error) {
	parts := make([]string, 0, len(orders)+1)
	for _, order := range orders {
		col, ok := viewSortColumns[order.Field]
		if !ok {
			return "", fmt.Errorf("unknown sort column %q", order.Field)
		}
		dir := "ASC"
		if order.Descending {
			dir = "DESC"
		}
		parts = append(parts, col+" "+dir)
	}
	parts = append(parts, "k.id ASC")
	return strings.Join(parts, ", "), nil
}

func prefixed(prefix, columns string) string {
	cols := strings.Split(columns, ", ")
	for i, col := range cols {
		cols[i] = prefix + col
	}
	return strings.Join(cols, ", ")
}

// scanKeyword reads keywordColumns followed by any extra destinations.
func scanKeyword(row rowScanner, extra ...any) (crawler.Keyword, error) {
	var (
		kw             crawler.Keyword
		source, status string
		parent         pgtype.Text
	)
	dest := []any{
		&kw.ID,
		&kw.Term,
		&source,
		&parent,
		&kw.Depth,
		&status,
		&kw.Metrics.PC,
		&kw.Metrics.Mobile,
		&kw.Metrics.CTRPC,
		&kw.Metrics.CTRMobile,
		&kw.Metrics.AdCount,
		&kw.Metrics.CompIdx,
		&kw.CreatedAt,
		&kw.UpdatedAt,
	}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return crawler.Keyword{}, err
	}
	kw.Source = crawler.KeywordSource(source)
	kw.Status = crawler.KeywordStatus(status)
	if parent.Valid {
		p := parent.String
		kw.ParentID = &p
	}
	return kw, nil
}

func textOrNull(s *string) pgtype.Text {
	if s == nil {
		return pgtype.Text{}
	}
	return pgtype.Text{String: *s, Valid: true}
}
