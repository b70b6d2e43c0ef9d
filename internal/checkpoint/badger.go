package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"

	"github.com/zulandar/myelo/internal/conversation"
)

const (
	keyPrefix   = "ckpt/"
	maxConflict = 5
)

// BadgerStoreOpts holds parameters for OpenBadger.
type BadgerStoreOpts struct {
	Dir      string // ignored when InMemory is set
	InMemory bool
	Logger   *zap.Logger
}

// BadgerStore keeps checkpoints in an embedded badger database, one key per
// (session, step).
type BadgerStore struct {
	db  *badger.DB
	log *zap.Logger
}

type badgerRecord struct {
	Source    string          `json:"source"`
	Messages  json.RawMessage `json:"messages"`
	CreatedAt time.Time       `json:"created_at"`
}

// badgerLogger routes badger's own logging through zap.
type badgerLogger struct{ *zap.SugaredLogger }

func (l badgerLogger) Warningf(format string, args ...interface{}) { l.Warnf(format, args...) }

// OpenBadger opens (or creates) a badger checkpoint store.
func OpenBadger(opts BadgerStoreOpts) (*BadgerStore, error) {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("checkpoint")

	var bopts badger.Options
	if opts.InMemory {
		bopts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if opts.Dir == "" {
			return nil, fmt.Errorf("checkpoint: badger dir is required")
		}
		bopts = badger.DefaultOptions(opts.Dir)
	}
	bopts = bopts.
		WithLogger(badgerLogger{log.Sugar()}).
		WithLoggingLevel(badger.ERROR)

	db, err := badger.Open(bopts)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: open badger: %w", err)
	}
	return &BadgerStore{db: db, log: log}, nil
}

func sessionPrefix(session string) []byte {
	return []byte(keyPrefix + url.PathEscape(session) + "/")
}

func stepKey(session string, step int64) []byte {
	return append(sessionPrefix(session), []byte(fmt.Sprintf("%020d", step))...)
}

// parseKey splits a checkpoint key into its session and step.
func parseKey(key []byte) (string, int64, bool) {
	rest, ok := strings.CutPrefix(string(key), keyPrefix)
	if !ok {
		return "", 0, false
	}
	i := strings.LastIndexByte(rest, '/')
	if i < 0 {
		return "", 0, false
	}
	session, err := url.PathUnescape(rest[:i])
	if err != nil {
		return "", 0, false
	}
	step, err := strconv.ParseInt(rest[i+1:], 10, 64)
	if err != nil {
		return "", 0, false
	}
	return session, step, true
}

// latestIn returns the highest-step key and record for session, or nil.
func latestIn(txn *badger.Txn, session string) ([]byte, *badgerRecord, error) {
	prefix := sessionPrefix(session)
	iopts := badger.DefaultIteratorOptions
	iopts.Reverse = true
	iopts.Prefix = prefix
	it := txn.NewIterator(iopts)
	defer it.Close()

	it.Seek(append(append([]byte{}, prefix...), 0xFF))
	if !it.ValidForPrefix(prefix) {
		return nil, nil, nil
	}
	item := it.Item()
	var rec badgerRecord
	err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, &rec)
	})
	if err != nil {
		return nil, nil, fmt.Errorf("checkpoint: read %s: %w", item.Key(), err)
	}
	return item.KeyCopy(nil), &rec, nil
}

// Latest implements Store.
func (s *BadgerStore) Latest(ctx context.Context, session string) (*Snapshot, error) {
	var snap *Snapshot
	err := s.db.View(func(txn *badger.Txn) error {
		key, rec, err := latestIn(txn, session)
		if err != nil || rec == nil {
			return err
		}
		_, step, _ := parseKey(key)
		msgs, err := decode(rec.Messages)
		if err != nil {
			return err
		}
		snap = &Snapshot{
			SessionID: session,
			Step:      step,
			Source:    rec.Source,
			Messages:  msgs,
			CreatedAt: rec.CreatedAt,
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("checkpoint: latest %s: %w", session, err)
	}
	if snap == nil {
		return nil, ErrNoCheckpoint
	}
	return snap, nil
}

// Append implements Store.
func (s *BadgerStore) Append(ctx context.Context, session, source string, delta []conversation.Message) (int64, error) {
	return s.write(ctx, session, source, func(prev []conversation.Message, prevStep int64, ok bool) (int64, []conversation.Message) {
		return nextState(prev, prevStep, ok, delta)
	})
}

// Rewrite implements Store.
func (s *BadgerStore) Rewrite(ctx context.Context, session, source string, msgs []conversation.Message) (int64, error) {
	return s.write(ctx, session, source, func(_ []conversation.Message, prevStep int64, ok bool) (int64, []conversation.Message) {
		if !ok {
			return 0, msgs
		}
		return prevStep + 1, msgs
	})
}

func (s *BadgerStore) write(ctx context.Context, session, source string, build func(prev []conversation.Message, prevStep int64, ok bool) (int64, []conversation.Message)) (int64, error) {
	var step int64
	update := func(txn *badger.Txn) error {
		key, rec, err := latestIn(txn, session)
		if err != nil {
			return err
		}
		var prev []conversation.Message
		var prevStep int64
		if rec != nil {
			if prev, err = decode(rec.Messages); err != nil {
				return err
			}
			_, prevStep, _ = parseKey(key)
		}
		next, msgs := build(prev, prevStep, rec != nil)
		body, err := encode(msgs)
		if err != nil {
			return err
		}
		val, err := json.Marshal(badgerRecord{
			Source:    source,
			Messages:  json.RawMessage(body),
			CreatedAt: time.Now().UTC(),
		})
		if err != nil {
			return err
		}
		step = next
		return txn.Set(stepKey(session, next), val)
	}

	var err error
	for range maxConflict {
		if err = ctx.Err(); err != nil {
			break
		}
		err = s.db.Update(update)
		if !errors.Is(err, badger.ErrConflict) {
			break
		}
	}
	if err != nil {
		return 0, fmt.Errorf("checkpoint: write %s: %w", session, err)
	}
	s.log.Debug("checkpoint written",
		zap.String("session", session),
		zap.Int64("step", step),
		zap.String("source", source))
	return step, nil
}

// deleteWhere removes the session keys whose step matches.
func (s *BadgerStore) deleteWhere(session string, match func(step int64) bool) (int64, error) {
	var n int64
	err := s.db.Update(func(txn *badger.Txn) error {
		prefix := sessionPrefix(session)
		iopts := badger.DefaultIteratorOptions
		iopts.PrefetchValues = false
		iopts.Prefix = prefix
		it := txn.NewIterator(iopts)
		var keys [][]byte
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			key := it.Item().KeyCopy(nil)
			if _, step, ok := parseKey(key); ok && match(step) {
				keys = append(keys, key)
			}
		}
		it.Close()
		for _, k := range keys {
			if err := txn.Delete(k); err != nil {
				return err
			}
		}
		n = int64(len(keys))
		return nil
	})
	return n, err
}

// DeleteFrom implements Store.
func (s *BadgerStore) DeleteFrom(ctx context.Context, session string, step int64) (int64, error) {
	n, err := s.deleteWhere(session, func(st int64) bool { return st >= step })
	if err != nil {
		return 0, fmt.Errorf("checkpoint: delete %s from step %d: %w", session, step, err)
	}
	return n, nil
}

// DeleteAll implements Store.
func (s *BadgerStore) DeleteAll(ctx context.Context, session string) (int64, error) {
	n, err := s.deleteWhere(session, func(int64) bool { return true })
	if err != nil {
		return 0, fmt.Errorf("checkpoint: delete all %s: %w", session, err)
	}
	return n, nil
}

// Steps implements Store.
func (s *BadgerStore) Steps(ctx context.Context, session string) ([]int64, error) {
	var steps []int64
	err := s.db.View(func(txn *badger.Txn) error {
		prefix := sessionPrefix(session)
		iopts := badger.DefaultIteratorOptions
		iopts.PrefetchValues = false
		iopts.Prefix = prefix
		it := txn.NewIterator(iopts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			if _, step, ok := parseKey(it.Item().Key()); ok {
				steps = append(steps, step)
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("checkpoint: steps %s: %w", session, err)
	}
	return steps, nil
}

// Sessions implements Store.
func (s *BadgerStore) Sessions(ctx context.Context) ([]SessionInfo, error) {
	var out []SessionInfo
	err := s.db.View(func(txn *badger.Txn) error {
		prefix := []byte(keyPrefix)
		iopts := badger.DefaultIteratorOptions
		iopts.Prefix = prefix
		it := txn.NewIterator(iopts)
		defer it.Close()

		var cur *SessionInfo
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			session, step, ok := parseKey(item.Key())
			if !ok {
				continue
			}
			if cur == nil || cur.SessionID != session {
				if cur != nil {
					out = append(out, *cur)
				}
				cur = &SessionInfo{SessionID: session}
			}
			var rec badgerRecord
			if err := item.Value(func(val []byte) error { return json.Unmarshal(val, &rec) }); err != nil {
				return err
			}
			cur.LatestStep = step
			cur.Steps++
			cur.UpdatedAt = rec.CreatedAt
		}
		if cur != nil {
			out = append(out, *cur)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("checkpoint: list sessions: %w", err)
	}
	return out, nil
}

// Close flushes and closes the badger database.
func (s *BadgerStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("checkpoint: close badger: %w", err)
	}
	return nil
}

var _ Store = (*BadgerStore)(nil)
