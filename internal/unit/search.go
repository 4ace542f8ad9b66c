package unit

import (
	"cmp"
	"slices"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/agnivade/levenshtein"

	"github.com/Iron-Ham/switchyard/internal/errors"
)

// SortField orders search results.
type SortField string

// Sort fields. Recency puts the most recently active unit first and
// relevance the best match first; the others sort ascending.
const (
	SortCreated   SortField = "created"
	SortTitle     SortField = "title"
	SortURL       SortField = "url"
	SortRecency   SortField = "recency"
	SortRelevance SortField = "relevance"
)

// Relevance weights per field.
const (
	titleWeight    = 3.0
	urlWeight      = 2.0
	metadataWeight = 1.0

	// fuzzyFloor is the minimum similarity for a near match to count.
	fuzzyFloor = 0.75
	// fuzzyDiscount scales near matches below exact substring matches.
	fuzzyDiscount = 0.5
)

// Query filters and orders a unit search. Empty fields do not filter.
type Query struct {
	// Text is matched against title, url, metadata values and topics.
	// Units with no match are excluded.
	Text    string
	URL     string
	Title   string
	GroupID string
	SpaceID string
	Status  Status
	// Metadata entries must all be present with equal values.
	Metadata   map[string]string
	SortBy     SortField
	Descending bool
	Limit      int
}

// Result is one search hit.
type Result struct {
	Unit  Unit
	Score float64
}

// Search filters and sorts units. Ties are broken by creation order so
// results are deterministic. SortBy defaults to relevance when Text is
// set and to creation order otherwise.
func (m *Manager) Search(q Query) ([]Result, error) {
	sortBy := q.SortBy
	if sortBy == "" {
		sortBy = SortCreated
		if q.Text != "" {
			sortBy = SortRelevance
		}
	}
	if !slices.Contains([]SortField{SortCreated, SortTitle, SortURL, SortRecency, SortRelevance}, sortBy) {
		return nil, errors.NewValidationError("unknown sort field").WithField("sort_by").WithValue(string(sortBy))
	}
	if !slices.Contains([]Status{StatusAny, StatusActive, StatusSuspended, StatusPinned}, q.Status) {
		return nil, errors.NewValidationError("unknown status").WithField("status").WithValue(string(q.Status))
	}

	terms := tokenize(q.Text)
	var out []Result
	for _, u := range m.List() {
		if !q.matches(u) {
			continue
		}
		var score float64
		if len(terms) > 0 {
			score = relevance(u, terms)
			if score == 0 {
				continue
			}
		}
		out = append(out, Result{Unit: u, Score: score})
	}

	slices.SortStableFunc(out, func(a, b Result) int {
		c := compare(sortBy, a, b)
		if q.Descending {
			return -c
		}
		return c
	})
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (q Query) matches(u Unit) bool {
	if q.SpaceID != "" && u.SpaceID != q.SpaceID {
		return false
	}
	if q.GroupID != "" && u.GroupID != q.GroupID {
		return false
	}
	if q.URL != "" && !containsFold(u.URL, q.URL) {
		return false
	}
	if q.Title != "" && !containsFold(u.Title, q.Title) {
		return false
	}
	switch q.Status {
	case StatusActive:
		if u.Suspended {
			return false
		}
	case StatusSuspended:
		if !u.Suspended {
			return false
		}
	case StatusPinned:
		if !u.Pinned {
			return false
		}
	}
	for k, v := range q.Metadata {
		if got, ok := u.Metadata[k]; !ok || got != v {
			return false
		}
	}
	return true
}

// compare orders a before b on the primary key only.
func compare(by SortField, a, b Result) int {
	switch by {
	case SortTitle:
		return cmp.Compare(strings.ToLower(a.Unit.Title), strings.ToLower(b.Unit.Title))
	case SortURL:
		return cmp.Compare(a.Unit.URL, b.Unit.URL)
	case SortRecency:
		return b.Unit.LastActive.Compare(a.Unit.LastActive)
	case SortRelevance:
		return cmp.Compare(b.Score, a.Score)
	default:
		return a.Unit.CreatedAt.Compare(b.Unit.CreatedAt)
	}
}

// relevance scores u against the query terms. A term found verbatim in a
// field earns the field weight; a word within edit distance earns a
// discounted share proportional to its similarity.
func relevance(u Unit, terms []string) float64 {
	type field struct {
		text   string
		weight float64
	}
	fields := []field{
		{u.Title, titleWeight},
		{u.URL, urlWeight},
	}
	for _, k := range sortedKeys(u.Metadata) {
		fields = append(fields, field{u.Metadata[k], metadataWeight})
	}
	for _, t := range u.Annotations.Topics {
		fields = append(fields, field{t, metadataWeight})
	}

	var score float64
	for _, term := range terms {
		for _, f := range fields {
			score += f.weight * match(f.text, term)
		}
	}
	return score
}

func match(text, term string) float64 {
	lower := strings.ToLower(text)
	if strings.Contains(lower, term) {
		return 1
	}
	var best float64
	for _, w := range tokenize(lower) {
		longest := max(utf8.RuneCountInString(w), utf8.RuneCountInString(term))
		if longest == 0 {
			continue
		}
		sim := 1 - float64(levenshtein.ComputeDistance(w, term))/float64(longest)
		best = max(best, sim)
	}
	if best < fuzzyFloor {
		return 0
	}
	return best * fuzzyDiscount
}

func tokenize(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

func containsFold(s, sub string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(sub))
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
