package search

import (
	"strings"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/search/query"
)

// Params is the query shape from spec.md §4.6, already defaulted and
// bounds-checked by the caller (internal/query owns validation; this
// package only turns a well-formed Params into a bleve request).
type Params struct {
	Did             string
	RecordType      string
	Storage         string // "ledger" | "peer" | "all"
	Search          string
	SearchMatchMode string // "AND" | "OR"
	Tags            []string
	TagsMatchMode   string // "AND" | "OR"
	Creator         string
	SortBy          string // "<field>:asc|desc"
	Limit           int
	Offset          int
}

// BuildQuery translates Params into a bleve search request ready for
// Store.Search.
func BuildQuery(p Params) *bleve.SearchRequest {
	must := []query.Query{}

	if p.Did != "" {
		must = append(must, exactTerm("did", p.Did))
	}
	if p.RecordType != "" {
		must = append(must, exactTerm("recordType", p.RecordType))
	}
	if p.Storage != "" && p.Storage != "all" {
		must = append(must, exactTerm("storage", p.Storage))
	}
	if p.Creator != "" {
		must = append(must, exactTerm("creator", p.Creator))
	}
	if len(p.Tags) > 0 {
		must = append(must, tagsQuery(p.Tags, p.TagsMatchMode))
	}
	if p.Search != "" {
		must = append(must, searchTextQuery(p.Search, p.SearchMatchMode))
	}

	var q query.Query
	if len(must) == 0 {
		q = bleve.NewMatchAllQuery()
	} else {
		q = bleve.NewConjunctionQuery(must...)
	}

	req := bleve.NewSearchRequestOptions(q, p.Limit, p.Offset, false)
	req.Fields = []string{"*"}
	if sortField, desc := parseSortBy(p.SortBy); sortField != "" {
		if desc {
			req.SortBy([]string{"-" + sortField})
		} else {
			req.SortBy([]string{sortField})
		}
	}
	return req
}

func exactTerm(field, value string) query.Query {
	q := bleve.NewTermQuery(value)
	q.SetField(field)
	return q
}

// tagsQuery implements the AND/OR tag filter from spec.md §4.6: "filter
// where every (AND) or any (OR) tag is present."
func tagsQuery(tags []string, mode string) query.Query {
	terms := make([]query.Query, 0, len(tags))
	for _, t := range tags {
		terms = append(terms, exactTerm("tags", t))
	}
	if strings.EqualFold(mode, "OR") {
		return bleve.NewDisjunctionQuery(terms...)
	}
	return bleve.NewConjunctionQuery(terms...)
}

// searchFields are the full-text fields the §4.6 "search" parameter
// matches over: the hoisted name and description fields only; other
// text fields of a record are not searched.
var searchFields = []string{"fields.name", "fields.description"}

func searchTextQuery(text, mode string) query.Query {
	matches := make([]query.Query, 0, len(searchFields))
	for _, f := range searchFields {
		mq := bleve.NewMatchQuery(text)
		mq.SetField(f)
		if strings.EqualFold(mode, "OR") {
			mq.SetOperator(query.MatchQueryOperatorOr)
		} else {
			mq.SetOperator(query.MatchQueryOperatorAnd)
		}
		matches = append(matches, mq)
	}
	return bleve.NewDisjunctionQuery(matches...)
}

// parseSortBy splits "<field>:asc|desc" into its bleve sort field name
// and direction, defaulting to "date" descending per spec.md §4.6.
func parseSortBy(sortBy string) (field string, desc bool) {
	if sortBy == "" {
		return "date", true
	}
	parts := strings.SplitN(sortBy, ":", 2)
	field = parts[0]
	desc = true
	if len(parts) == 2 && strings.EqualFold(parts[1], "asc") {
		desc = false
	}
	return field, desc
}
