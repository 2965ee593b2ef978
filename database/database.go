// Package database implements the inverted-index image retrieval database.
//
// Each document is the visual-word histogram of one image. Documents are
// scored against a query histogram by the cosine similarity of their TF-IDF
// weighted vectors, where a word seen in df of N documents weighs
// ln(N/df) unless an external weight table is installed.
package database

import (
	"errors"
	"fmt"
	"math"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/hupe1980/vislocate/voctree"
)

// ErrDuplicateDocument is returned when a document id is added twice.
var ErrDuplicateDocument = errors.New("database: duplicate document id")

// DocID identifies a document.
type DocID uint32

// Document is a visual-word histogram: word -> occurrence count.
type Document map[voctree.Word]uint32

// Match is a scored document.
type Match struct {
	ID    DocID
	Score float32
}

// Database is an inverted index over visual-word documents.
//
// Queries are safe for concurrent use with each other. AddDocument and
// SetWeights are meant for the loading phase; they are serialized with
// queries but invalidate the cached norms.
type Database struct {
	mu       sync.RWMutex
	docs     map[DocID]Document
	postings map[voctree.Word]*roaring.Bitmap
	weights  []float32 // nil: idf from document frequencies

	snap atomic.Pointer[snapshot]
}

// snapshot caches derived per-document data for a fixed set of documents and weights.
type snapshot struct {
	norms map[DocID]float64
}

// New creates an empty database.
func New() *Database {
	return &Database{
		docs:     make(map[DocID]Document),
		postings: make(map[voctree.Word]*roaring.Bitmap),
	}
}

// AddDocument records the histogram of document id.
// Words with a zero count are ignored.
func (db *Database) AddDocument(id DocID, counts Document) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	if _, ok := db.docs[id]; ok {
		return fmt.Errorf("%w: %d", ErrDuplicateDocument, id)
	}

	doc := make(Document, len(counts))
	for w, c := range counts {
		if c == 0 {
			continue
		}
		doc[w] = c
		p, ok := db.postings[w]
		if !ok {
			p = roaring.New()
			db.postings[w] = p
		}
		p.Add(uint32(id))
	}
	db.docs[id] = doc
	db.snap.Store(nil)
	return nil
}

// SetWeights installs an external per-word weight table replacing the
// document-frequency idf. Words beyond the table weigh zero. A nil table
// restores the document-frequency idf.
func (db *Database) SetWeights(weights []float32) {
	db.mu.Lock()
	defer db.mu.Unlock()

	db.weights = slices.Clone(weights)
	db.snap.Store(nil)
}

// Size returns the number of documents.
func (db *Database) Size() int {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return len(db.docs)
}

// Document returns a copy of the histogram of id.
func (db *Database) Document(id DocID) (Document, bool) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	doc, ok := db.docs[id]
	if !ok {
		return nil, false
	}
	out := make(Document, len(doc))
	for w, c := range doc {
		out[w] = c
	}
	return out, true
}

// DocumentFrequency returns the number of documents containing w.
func (db *Database) DocumentFrequency(w voctree.Word) uint64 {
	db.mu.RLock()
	defer db.mu.RUnlock()

	if p, ok := db.postings[w]; ok {
		return p.GetCardinality()
	}
	return 0
}

// IDFWeights returns the document-frequency idf of words [0, words) as a
// table suitable for SetWeights or voctree.WriteWeights.
func (db *Database) IDFWeights(words int) []float32 {
	db.mu.RLock()
	defer db.mu.RUnlock()

	out := make([]float32, words)
	n := float64(len(db.docs))
	for w, p := range db.postings {
		if int(w) < words {
			out[w] = float32(math.Log(n / float64(p.GetCardinality())))
		}
	}
	return out
}

// weight returns the weight of w. Callers hold db.mu.
func (db *Database) weight(w voctree.Word) float64 {
	if db.weights != nil {
		if int(w) < len(db.weights) {
			return float64(db.weights[w])
		}
		return 0
	}
	p, ok := db.postings[w]
	if !ok {
		return 0
	}
	return math.Log(float64(len(db.docs)) / float64(p.GetCardinality()))
}

// snapshotLocked returns the current snapshot, computing it if needed.
// Callers hold db.mu for reading.
func (db *Database) snapshotLocked() *snapshot {
	if s := db.snap.Load(); s != nil {
		return s
	}
	s := &snapshot{norms: make(map[DocID]float64, len(db.docs))}
	for id, doc := range db.docs {
		var sq float64
		for _, w := range sortedWords(doc) {
			v := float64(doc[w]) * db.weight(w)
			sq += v * v
		}
		s.norms[id] = math.Sqrt(sq)
	}
	db.snap.CompareAndSwap(nil, s)
	return db.snap.Load()
}

func sortedWords(doc Document) []voctree.Word {
	words := make([]voctree.Word, 0, len(doc))
	for w := range doc {
		words = append(words, w)
	}
	slices.Sort(words)
	return words
}

type weightedWord struct {
	word   voctree.Word
	value  float64
	weight float64
}

// Query returns the documents most similar to counts, by descending score
// and ascending id on ties. At most k documents are returned; k <= 0 returns
// every document with a positive score.
func (db *Database) Query(counts Document, k int) []Match {
	db.mu.RLock()
	defer db.mu.RUnlock()

	if len(counts) == 0 || len(db.docs) == 0 {
		return nil
	}

	var (
		qNorm float64
		lists = make([]*roaring.Bitmap, 0, len(counts))
		qv    = make([]weightedWord, 0, len(counts))
	)
	// Fixed summation order keeps scores reproducible.
	for _, w := range sortedWords(counts) {
		c := counts[w]
		if c == 0 {
			continue
		}
		wt := db.weight(w)
		v := float64(c) * wt
		qNorm += v * v
		if v == 0 {
			continue
		}
		qv = append(qv, weightedWord{word: w, value: v, weight: wt})
		if p, ok := db.postings[w]; ok {
			lists = append(lists, p)
		}
	}
	if qNorm == 0 || len(lists) == 0 {
		return nil
	}
	qNorm = math.Sqrt(qNorm)

	snap := db.snapshotLocked()
	candidates := roaring.FastOr(lists...)

	type scored struct {
		id    DocID
		score float64
	}
	results := make([]scored, 0, candidates.GetCardinality())
	it := candidates.Iterator()
	for it.HasNext() {
		id := DocID(it.Next())
		norm := snap.norms[id]
		if norm == 0 {
			continue
		}
		doc := db.docs[id]
		var dot float64
		for _, q := range qv {
			if c, ok := doc[q.word]; ok {
				dot += q.value * float64(c) * q.weight
			}
		}
		if s := dot / (qNorm * norm); s > 0 {
			results = append(results, scored{id: id, score: s})
		}
	}

	slices.SortFunc(results, func(a, b scored) int {
		switch {
		case a.score > b.score:
			return -1
		case a.score < b.score:
			return 1
		case a.id < b.id:
			return -1
		case a.id > b.id:
			return 1
		default:
			return 0
		}
	})
	if k > 0 && len(results) > k {
		results = results[:k]
	}

	out := make([]Match, len(results))
	for i, r := range results {
		out[i] = Match{ID: r.id, Score: float32(r.score)}
	}
	return out
}
