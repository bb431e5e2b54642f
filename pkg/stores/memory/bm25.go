package memory

import "math"

// Okapi BM25 parameters, standard values.
const (
	bm25K1 = 1.2
	bm25B  = 0.75
)

// bm25Index is a per-field inverted index with term-frequency postings.
type bm25Index struct {
	fields map[string]*fieldIndex
}

type fieldIndex struct {
	postings map[string]map[string]int // term -> doc id -> term frequency
	docLen   map[string]int
	totalLen int
}

func newBM25Index() *bm25Index {
	return &bm25Index{fields: make(map[string]*fieldIndex)}
}

// add indexes one document's tokens under a field. Calling add again for the
// same (field, id) appends tokens, which is how multi-analyzer fields stack.
func (idx *bm25Index) add(field, id string, tokens []string) {
	if len(tokens) == 0 {
		return
	}
	fi, ok := idx.fields[field]
	if !ok {
		fi = &fieldIndex{
			postings: make(map[string]map[string]int),
			docLen:   make(map[string]int),
		}
		idx.fields[field] = fi
	}

	for _, token := range tokens {
		docs, ok := fi.postings[token]
		if !ok {
			docs = make(map[string]int)
			fi.postings[token] = docs
		}
		docs[id]++
	}
	fi.docLen[id] += len(tokens)
	fi.totalLen += len(tokens)
}

// score returns the BM25 score of every document matching at least one query
// token on the given field.
func (idx *bm25Index) score(field string, queryTokens []string) map[string]float64 {
	fi, ok := idx.fields[field]
	if !ok || len(fi.docLen) == 0 || len(queryTokens) == 0 {
		return nil
	}

	n := float64(len(fi.docLen))
	avgLen := float64(fi.totalLen) / n

	scores := make(map[string]float64)
	for _, token := range queryTokens {
		docs, ok := fi.postings[token]
		if !ok {
			continue
		}
		df := float64(len(docs))
		idf := math.Log(1 + (n-df+0.5)/(df+0.5))
		for id, tf := range docs {
			freq := float64(tf)
			denom := freq + bm25K1*(1-bm25B+bm25B*float64(fi.docLen[id])/avgLen)
			scores[id] += idf * freq * (bm25K1 + 1) / denom
		}
	}
	return scores
}
