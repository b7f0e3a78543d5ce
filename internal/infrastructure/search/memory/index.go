// Package memory is a process-local search index with BM25 scoring. Query
// terms match any indexed token that contains them, mirroring the
// case-insensitive substring search of the Elasticsearch driver.
package memory

import (
	"context"
	"math"
	"sort"
	"strings"
	"sync"
	"unicode"
	"unicode/utf8"

	"github.com/kirillkom/paperless-pipeline/internal/core/domain"
)

const (
	k1                = 1.2
	b                 = 0.75
	highlightFragment = 150
)

var allFields = []domain.SearchField{
	domain.SearchFieldFilename,
	domain.SearchFieldAuthor,
	domain.SearchFieldExtractedText,
	domain.SearchFieldSummary,
}

type entry struct {
	doc    domain.IndexDocument
	tokens map[domain.SearchField][]string
}

type Index struct {
	mu      sync.RWMutex
	entries map[int64]entry
}

func New() *Index {
	return &Index{entries: make(map[int64]entry)}
}

func (i *Index) Upsert(_ context.Context, doc domain.IndexDocument) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.entries[doc.ID] = newEntry(doc)
	return nil
}

func (i *Index) PartialUpdate(_ context.Context, id int64, patch domain.IndexPatch) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	current, ok := i.entries[id]
	if !ok {
		return nil
	}
	doc := current.doc
	if patch.Filename != nil {
		doc.Filename = *patch.Filename
	}
	if patch.Author != nil {
		doc.Author = *patch.Author
	}
	if patch.Summary != nil {
		doc.Summary = *patch.Summary
	}
	if patch.Status != "" {
		doc.Status = patch.Status
	}
	i.entries[id] = newEntry(doc)
	return nil
}

func (i *Index) Delete(_ context.Context, id int64) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	delete(i.entries, id)
	return nil
}

func (i *Index) Len() int {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return len(i.entries)
}

func (i *Index) Search(_ context.Context, query domain.SearchQuery) (*domain.SearchResult, error) {
	i.mu.RLock()
	defer i.mu.RUnlock()

	candidates := make([]entry, 0, len(i.entries))
	for _, e := range i.entries {
		if query.Author != "" && e.doc.Author != query.Author {
			continue
		}
		if query.FileType != "" && e.doc.FileType != query.FileType {
			continue
		}
		candidates = append(candidates, e)
	}

	text := strings.TrimSpace(query.Text)
	terms := tokenize(text)
	matchAll := text == "" || text == "*"
	fields := allFields
	if query.Field != domain.SearchFieldAll {
		fields = []domain.SearchField{query.Field}
	}

	hits := make([]domain.SearchHit, 0, len(candidates))
	if matchAll {
		for _, e := range candidates {
			hits = append(hits, domain.SearchHit{Document: e.doc, Score: score(1)})
		}
	} else {
		scores, matched := scoreBM25(candidates, fields, terms)
		for idx, e := range candidates {
			if !matched[idx] {
				continue
			}
			hits = append(hits, domain.SearchHit{
				Document:   e.doc,
				Score:      score(scores[idx]),
				Highlights: highlights(e.doc, terms),
			})
		}
	}

	sort.Slice(hits, func(a, c int) bool {
		if !hits[a].Document.UploadTime.Equal(hits[c].Document.UploadTime) {
			return hits[a].Document.UploadTime.After(hits[c].Document.UploadTime)
		}
		return hits[a].Document.ID > hits[c].Document.ID
	})

	total := int64(len(hits))
	from := 0
	if query.Size > 0 && query.Page > 0 {
		if query.Page > len(hits)/query.Size {
			from = len(hits)
		} else {
			from = query.Page * query.Size
		}
	}
	to := len(hits)
	if query.Size > 0 && from+query.Size < to {
		to = from + query.Size
	}
	return &domain.SearchResult{Results: hits[from:to], TotalHits: total}, nil
}

func newEntry(doc domain.IndexDocument) entry {
	return entry{
		doc: doc,
		tokens: map[domain.SearchField][]string{
			domain.SearchFieldFilename:      tokenize(doc.Filename),
			domain.SearchFieldAuthor:        tokenize(doc.Author),
			domain.SearchFieldExtractedText: tokenize(doc.ExtractedText),
			domain.SearchFieldSummary:       tokenize(doc.Summary),
		},
	}
}

// scoreBM25 sums per-field BM25 scores weighted by the field boosts. A
// candidate matches when any term occurs in any searched field; the score
// only ranks.
func scoreBM25(candidates []entry, fields []domain.SearchField, terms []string) ([]float64, []bool) {
	scores := make([]float64, len(candidates))
	matched := make([]bool, len(candidates))
	n := float64(len(candidates))
	if n == 0 || len(terms) == 0 {
		return scores, matched
	}
	for _, field := range fields {
		var totalLen float64
		for _, e := range candidates {
			totalLen += float64(len(e.tokens[field]))
		}
		avgLen := totalLen / n
		for _, term := range terms {
			freqs := make([]int, len(candidates))
			docFreq := 0
			for idx, e := range candidates {
				freqs[idx] = termFrequency(e.tokens[field], term)
				if freqs[idx] > 0 {
					docFreq++
				}
			}
			if docFreq == 0 {
				continue
			}
			df := float64(docFreq)
			idf := math.Log(1 + (n-df+0.5)/(df+0.5))
			for idx, e := range candidates {
				if freqs[idx] == 0 {
					continue
				}
				matched[idx] = true
				scores[idx] += domain.SearchBoosts[field] * idf * tfNorm(float64(freqs[idx]), float64(len(e.tokens[field])), avgLen)
			}
		}
	}
	return scores, matched
}

func termFrequency(tokens []string, term string) int {
	n := 0
	for _, t := range tokens {
		if strings.Contains(t, term) {
			n++
		}
	}
	return n
}

func tfNorm(tf, docLen, avgLen float64) float64 {
	if avgLen == 0 {
		return 0
	}
	return tf * (k1 + 1) / (tf + k1*(1-b+b*docLen/avgLen))
}

func score(v float64) *float64 {
	rounded := math.Round(v*10000) / 10000
	return &rounded
}

func highlights(doc domain.IndexDocument, terms []string) map[string][]string {
	out := make(map[string][]string)
	for field, text := range map[string]string{"extractedText": doc.ExtractedText, "summary": doc.Summary} {
		if fragment, ok := highlight(text, terms); ok {
			out[field] = []string{fragment}
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// highlight returns a window of text around the first term occurrence with
// the match wrapped in <em> tags.
func highlight(text string, terms []string) (string, bool) {
	for _, term := range terms {
		at, end, ok := indexFold(text, term)
		if !ok {
			continue
		}
		start := max(0, at-(highlightFragment-(end-at))/2)
		stop := max(end, min(len(text), start+highlightFragment))
		start, stop = runeBoundary(text, start), runeBoundary(text, stop)
		return text[start:at] + "<em>" + text[at:end] + "</em>" + text[end:stop], true
	}
	return "", false
}

// indexFold finds the lower-case term in text without lower-casing text
// itself, so the returned byte offsets are valid for text.
func indexFold(text, term string) (int, int, bool) {
	if term == "" {
		return 0, 0, false
	}
	for at := range text {
		end := at
		matched := true
		for _, want := range term {
			if end >= len(text) {
				matched = false
				break
			}
			r, size := utf8.DecodeRuneInString(text[end:])
			if unicode.ToLower(r) != want {
				matched = false
				break
			}
			end += size
		}
		if matched {
			return at, end, true
		}
	}
	return 0, 0, false
}

func runeBoundary(s string, i int) int {
	for i > 0 && i < len(s) && !utf8.RuneStart(s[i]) {
		i--
	}
	return i
}
