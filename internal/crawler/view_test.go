package crawler

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseSort(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		raw     string
		want    []SortOrder
		wantErr bool
	}{
		{name: "empty uses default", raw: "", want: DefaultKeywordSort},
		{name: "single asc", raw: "term", want: []SortOrder{{Field: SortByTerm}}},
		{
			name: "multi",
			raw:  "sv_total:desc, cafe_total:asc",
			want: []SortOrder{{Field: SortBySearchVolume, Descending: true}, {Field: SortByCafeTotal}},
		},
		{name: "only commas", raw: " , ", want: DefaultKeywordSort},
		{name: "unknown column", raw: "id:asc", wantErr: true},
		{name: "unknown direction", raw: "term:up", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := ParseSort(tt.raw)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
		})
	}
}

func TestCursor(t *testing.T) {
	t.Parallel()

	offset, err := ParseCursor("")
	require.NoError(t, err)
	require.Zero(t, offset)

	offset, err = ParseCursor("150")
	require.NoError(t, err)
	require.Equal(t, 150, offset)

	_, err = ParseCursor("-1")
	require.Error(t, err)

	require.Equal(t, "100", NextCursor(50, 50, 50))
	require.Empty(t, NextCursor(50, 12, 50))
}

func TestKeywordFilterNormalize(t *testing.T) {
	t.Parallel()

	f := KeywordFilter{Query: "  tent ", PageSize: 10000, HideLowSV: true}.Normalize()
	require.Equal(t, "tent", f.Query)
	require.Equal(t, MaxPageSize, f.PageSize)
	require.Equal(t, LowSearchVolume, f.MinSV)
	require.Equal(t, DefaultKeywordSort, f.Sort)

	require.Equal(t, DefaultPageSize, KeywordFilter{}.Normalize().PageSize)
	require.Equal(t, int64(50), KeywordFilter{HideLowSV: true, MinSV: 50}.Normalize().MinSV)
}
