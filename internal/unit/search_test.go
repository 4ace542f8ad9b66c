package unit

import (
	"context"
	"testing"
	"time"

	coreerrors "github.com/Iron-Ham/switchyard/internal/errors"
)

type searchFixture struct {
	*fixture
	docs, rust, news Unit
}

func newSearchFixture(t *testing.T) *searchFixture {
	t.Helper()
	f := newFixture(t, Config{})
	return &searchFixture{
		fixture: f,
		docs:    f.mustCreate(t, "https://golang.org/doc", CreateOptions{Title: "Go Documentation", Metadata: map[string]string{"project": "alpha"}}),
		rust:    f.mustCreate(t, "https://rust-lang.org", CreateOptions{Title: "Rust Book", Metadata: map[string]string{"project": "beta"}}),
		news:    f.mustCreate(t, "https://example.com/golang-news", CreateOptions{Title: "Weekly News"}),
	}
}

func resultIDs(rs []Result) []string {
	out := make([]string, 0, len(rs))
	for _, r := range rs {
		out = append(out, r.Unit.ID)
	}
	return out
}

func TestSearch_Filters(t *testing.T) {
	f := newSearchFixture(t)
	if err := f.m.SuspendUnit(context.Background(), f.rust.ID); err != nil {
		t.Fatal(err)
	}
	if err := f.m.Pin(context.Background(), f.news.ID, true); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name string
		q    Query
		want []string
	}{
		{"no filter keeps creation order", Query{}, []string{f.docs.ID, f.rust.ID, f.news.ID}},
		{"url substring", Query{URL: "GOLANG"}, []string{f.docs.ID, f.news.ID}},
		{"title substring", Query{Title: "book"}, []string{f.rust.ID}},
		{"suspended", Query{Status: StatusSuspended}, []string{f.rust.ID}},
		{"active", Query{Status: StatusActive}, []string{f.docs.ID, f.news.ID}},
		{"pinned", Query{Status: StatusPinned}, []string{f.news.ID}},
		{"metadata", Query{Metadata: map[string]string{"project": "alpha"}}, []string{f.docs.ID}},
		{"metadata mismatch", Query{Metadata: map[string]string{"project": "gamma"}}, []string{}},
		{"limit", Query{Limit: 2}, []string{f.docs.ID, f.rust.ID}},
		{"space", Query{SpaceID: "nope"}, []string{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := f.m.Search(tt.q)
			if err != nil {
				t.Fatalf("Search() error = %v", err)
			}
			if ids := resultIDs(got); !equalIDs(ids, tt.want) {
				t.Errorf("Search() = %v, want %v", ids, tt.want)
			}
		})
	}
}

func TestSearch_Relevance(t *testing.T) {
	f := newSearchFixture(t)

	got, err := f.m.Search(Query{Text: "golang news"})
	if err != nil {
		t.Fatal(err)
	}
	if ids := resultIDs(got); !equalIDs(ids, []string{f.news.ID, f.docs.ID}) {
		t.Fatalf("Search(golang news) = %v, want news before docs", ids)
	}
	if got[0].Score <= got[1].Score {
		t.Errorf("scores = %v, %v, want descending", got[0].Score, got[1].Score)
	}
}

func TestSearch_FuzzyMatch(t *testing.T) {
	f := newSearchFixture(t)

	exact, _ := f.m.Search(Query{Text: "documentation"})
	typo, err := f.m.Search(Query{Text: "documentaton"})
	if err != nil {
		t.Fatal(err)
	}
	if len(typo) != 1 || typo[0].Unit.ID != f.docs.ID {
		t.Fatalf("Search(typo) = %v, want the docs unit", resultIDs(typo))
	}
	if len(exact) != 1 || typo[0].Score >= exact[0].Score {
		t.Errorf("typo score %v should rank below exact score %v", typo[0].Score, exact[0].Score)
	}

	if got, _ := f.m.Search(Query{Text: "kubernetes"}); len(got) != 0 {
		t.Errorf("Search(kubernetes) = %v, want no match", resultIDs(got))
	}
}

func TestMatch_NonASCIISimilarity(t *testing.T) {
	tests := []struct {
		name       string
		text, term string
		want       float64
	}{
		{"accented near match", "Café", "cafe", 0.375},
		{"multibyte words too far apart", "日本語x", "日本ab", 0},
		{"substring", "Zürich guide", "zürich", 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := match(tt.text, tt.term); got != tt.want {
				t.Errorf("match(%q, %q) = %v, want %v", tt.text, tt.term, got, tt.want)
			}
		})
	}
}

func TestSearch_Sorting(t *testing.T) {
	f := newSearchFixture(t)
	time.Sleep(time.Millisecond)
	if err := f.m.Touch(f.rust.ID); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name string
		q    Query
		want []string
	}{
		{"title", Query{SortBy: SortTitle}, []string{f.docs.ID, f.rust.ID, f.news.ID}},
		{"title descending", Query{SortBy: SortTitle, Descending: true}, []string{f.news.ID, f.rust.ID, f.docs.ID}},
		{"url", Query{SortBy: SortURL}, []string{f.news.ID, f.docs.ID, f.rust.ID}},
		{"recency", Query{SortBy: SortRecency, Limit: 1}, []string{f.rust.ID}},
		{"created descending", Query{SortBy: SortCreated, Descending: true}, []string{f.news.ID, f.rust.ID, f.docs.ID}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := f.m.Search(tt.q)
			if err != nil {
				t.Fatal(err)
			}
			if ids := resultIDs(got); !equalIDs(ids, tt.want) {
				t.Errorf("Search() = %v, want %v", ids, tt.want)
			}
		})
	}
}

func TestSearch_InvalidQuery(t *testing.T) {
	f := newFixture(t, Config{})
	for _, q := range []Query{{SortBy: "size"}, {Status: "hidden"}} {
		if _, err := f.m.Search(q); !coreerrors.Is(err, coreerrors.ErrInvalidInput) {
			t.Errorf("Search(%+v) error = %v, want validation error", q, err)
		}
	}
}
