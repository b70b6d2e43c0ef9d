// Package vectorstore indexes research table descriptions for similarity
// search.
package vectorstore

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"sync"

	chromem "github.com/philippgille/chromem-go"
	"go.uber.org/zap"
)

const defaultCollection = "table_descriptions"

// Opts configures a Store.
type Opts struct {
	Path       string // persistence directory; empty keeps the index in memory
	Collection string
	Compress   bool
	Embed      chromem.EmbeddingFunc // document embeddings
	EmbedQuery chromem.EmbeddingFunc // query embeddings; Embed when nil
	Logger     *zap.Logger
}

// Store is a chromem-backed collection of table descriptions.
type Store struct {
	mu         sync.RWMutex
	db         *chromem.DB
	name       string
	embed      chromem.EmbeddingFunc
	embedQuery chromem.EmbeddingFunc
	log        *zap.Logger
}

// Open opens (or creates) the store.
func Open(opts Opts) (*Store, error) {
	if opts.Embed == nil {
		return nil, fmt.Errorf("vectorstore: embedding function is required")
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	name := opts.Collection
	if name == "" {
		name = defaultCollection
	}

	var db *chromem.DB
	if opts.Path == "" {
		db = chromem.NewDB()
	} else {
		if err := os.MkdirAll(opts.Path, 0o750); err != nil {
			return nil, fmt.Errorf("vectorstore: create %s: %w", opts.Path, err)
		}
		var err error
		db, err = chromem.NewPersistentDB(opts.Path, opts.Compress)
		if err != nil {
			return nil, fmt.Errorf("vectorstore: open %s: %w", opts.Path, err)
		}
	}
	s := &Store{db: db, name: name, embed: opts.Embed, embedQuery: opts.EmbedQuery, log: log.Named("vectorstore")}
	if s.embedQuery == nil {
		s.embedQuery = opts.Embed
	}
	return s, nil
}

func (s *Store) collection() (*chromem.Collection, error) {
	col, err := s.db.GetOrCreateCollection(s.name, nil, s.embed)
	if err != nil {
		return nil, fmt.Errorf("vectorstore: collection %s: %w", s.name, err)
	}
	return col, nil
}

// Index replaces the collection's contents with descs.
func (s *Store) Index(ctx context.Context, descs []Description) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.db.DeleteCollection(s.name)
	col, err := s.collection()
	if err != nil {
		return err
	}
	if len(descs) == 0 {
		return nil
	}
	docs := make([]chromem.Document, len(descs))
	for i, d := range descs {
		docs[i] = chromem.Document{
			ID:       d.Table,
			Content:  d.Document(),
			Metadata: map[string]string{"table": d.Table},
		}
	}
	if err := col.AddDocuments(ctx, docs, runtime.NumCPU()); err != nil {
		return fmt.Errorf("vectorstore: index: %w", err)
	}
	s.log.Info("indexed table descriptions", zap.Int("count", len(docs)))
	return nil
}

// Count returns the number of indexed descriptions.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	col := s.db.GetCollection(s.name, s.embed)
	if col == nil {
		return 0
	}
	return col.Count()
}

// Search returns up to k descriptions ordered by similarity to query.
func (s *Store) Search(ctx context.Context, query string, k int) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	col := s.db.GetCollection(s.name, s.embed)
	if col == nil || k < 1 {
		return nil, nil
	}
	count := col.Count()
	if count == 0 {
		return nil, nil
	}
	k = min(k, count)

	emb, err := s.embedQuery(ctx, query)
	if err != nil {
		return nil, err
	}

	// chromem can reject n at the document boundary; step down.
	var results []chromem.Result
	for n := k; n > 0; n-- {
		results, err = col.QueryEmbedding(ctx, emb, n, nil, nil)
		if err == nil {
			break
		}
	}
	if err != nil {
		return nil, fmt.Errorf("vectorstore: query: %w", err)
	}

	out := make([]string, len(results))
	for i, r := range results {
		out[i] = r.Content
	}
	s.log.Debug("search", zap.String("query", query), zap.Int("k", k), zap.Int("hits", len(out)))
	return out, nil
}
