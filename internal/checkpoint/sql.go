package checkpoint

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/zulandar/myelo/internal/conversation"
	"github.com/zulandar/myelo/internal/models"
)

// SQLStoreOpts holds parameters for NewSQLStore.
type SQLStoreOpts struct {
	DB     *gorm.DB
	Logger *zap.Logger
}

// SQLStore keeps checkpoints in the checkpoints table of a gorm database
// (SQLite or MySQL).
type SQLStore struct {
	db  *gorm.DB
	log *zap.Logger
}

// NewSQLStore validates opts and returns a store. The schema must already be
// migrated (db.AutoMigrate).
func NewSQLStore(opts SQLStoreOpts) (*SQLStore, error) {
	if opts.DB == nil {
		return nil, fmt.Errorf("checkpoint: db is required")
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &SQLStore{db: opts.DB, log: log.Named("checkpoint")}, nil
}

func (s *SQLStore) latestRow(tx *gorm.DB, session string, lock bool) (*models.Checkpoint, error) {
	q := tx.Where("session_id = ?", session).Order("step DESC")
	if lock {
		q = q.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	var row models.Checkpoint
	err := q.Limit(1).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}

// Latest implements Store.
func (s *SQLStore) Latest(ctx context.Context, session string) (*Snapshot, error) {
	row, err := s.latestRow(s.db.WithContext(ctx), session, false)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: latest %s: %w", session, err)
	}
	if row == nil {
		return nil, ErrNoCheckpoint
	}
	msgs, err := decode([]byte(row.Messages))
	if err != nil {
		return nil, err
	}
	return &Snapshot{
		SessionID: row.SessionID,
		Step:      row.Step,
		Source:    row.Source,
		Messages:  msgs,
		CreatedAt: row.CreatedAt,
	}, nil
}

// Append implements Store.
func (s *SQLStore) Append(ctx context.Context, session, source string, delta []conversation.Message) (int64, error) {
	return s.write(ctx, session, source, func(prev *models.Checkpoint) (int64, []conversation.Message, error) {
		if prev == nil {
			step, msgs := nextState(nil, 0, false, delta)
			return step, msgs, nil
		}
		prevMsgs, err := decode([]byte(prev.Messages))
		if err != nil {
			return 0, nil, err
		}
		step, msgs := nextState(prevMsgs, prev.Step, true, delta)
		return step, msgs, nil
	})
}

// Rewrite implements Store.
func (s *SQLStore) Rewrite(ctx context.Context, session, source string, msgs []conversation.Message) (int64, error) {
	return s.write(ctx, session, source, func(prev *models.Checkpoint) (int64, []conversation.Message, error) {
		if prev == nil {
			return 0, msgs, nil
		}
		return prev.Step + 1, msgs, nil
	})
}

func (s *SQLStore) write(ctx context.Context, session, source string, build func(prev *models.Checkpoint) (int64, []conversation.Message, error)) (int64, error) {
	var step int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		prev, err := s.latestRow(tx, session, true)
		if err != nil {
			return err
		}
		next, msgs, err := build(prev)
		if err != nil {
			return err
		}
		body, err := encode(msgs)
		if err != nil {
			return err
		}
		row := models.Checkpoint{
			SessionID:    session,
			Step:         next,
			Source:       source,
			Messages:     body,
			MessageCount: len(msgs),
		}
		if err := tx.Create(&row).Error; err != nil {
			return err
		}
		step = next
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("checkpoint: write %s: %w", session, err)
	}
	s.log.Debug("checkpoint written",
		zap.String("session", session),
		zap.Int64("step", step),
		zap.String("source", source))
	return step, nil
}

// DeleteFrom implements Store.
func (s *SQLStore) DeleteFrom(ctx context.Context, session string, step int64) (int64, error) {
	res := s.db.WithContext(ctx).
		Where("session_id = ? AND step >= ?", session, step).
		Delete(&models.Checkpoint{})
	if res.Error != nil {
		return 0, fmt.Errorf("checkpoint: delete %s from step %d: %w", session, step, res.Error)
	}
	return res.RowsAffected, nil
}

// DeleteAll implements Store.
func (s *SQLStore) DeleteAll(ctx context.Context, session string) (int64, error) {
	res := s.db.WithContext(ctx).
		Where("session_id = ?", session).
		Delete(&models.Checkpoint{})
	if res.Error != nil {
		return 0, fmt.Errorf("checkpoint: delete all %s: %w", session, res.Error)
	}
	return res.RowsAffected, nil
}

// Steps implements Store.
func (s *SQLStore) Steps(ctx context.Context, session string) ([]int64, error) {
	var steps []int64
	err := s.db.WithContext(ctx).Model(&models.Checkpoint{}).
		Where("session_id = ?", session).
		Order("step ASC").
		Pluck("step", &steps).Error
	if err != nil {
		return nil, fmt.Errorf("checkpoint: steps %s: %w", session, err)
	}
	return steps, nil
}

// Sessions implements Store.
func (s *SQLStore) Sessions(ctx context.Context) ([]SessionInfo, error) {
	db := s.db.WithContext(ctx)

	var counts []struct {
		SessionID string
		N         int
	}
	err := db.Model(&models.Checkpoint{}).
		Select("session_id, COUNT(*) AS n").
		Group("session_id").
		Scan(&counts).Error
	if err != nil {
		return nil, fmt.Errorf("checkpoint: count sessions: %w", err)
	}

	latest := db.Model(&models.Checkpoint{}).
		Select("session_id, MAX(step) AS step").
		Group("session_id")
	var rows []models.Checkpoint
	err = db.Table("checkpoints AS c").
		Select("c.session_id, c.step, c.created_at").
		Joins("JOIN (?) AS m ON c.session_id = m.session_id AND c.step = m.step", latest).
		Order("c.session_id").
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("checkpoint: list sessions: %w", err)
	}

	n := make(map[string]int, len(counts))
	for _, c := range counts {
		n[c.SessionID] = c.N
	}
	out := make([]SessionInfo, 0, len(rows))
	for _, r := range rows {
		out = append(out, SessionInfo{
			SessionID:  r.SessionID,
			LatestStep: r.Step,
			Steps:      n[r.SessionID],
			UpdatedAt:  r.CreatedAt,
		})
	}
	return out, nil
}

// Close releases the underlying connection pool.
func (s *SQLStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("checkpoint: close: %w", err)
	}
	return sqlDB.Close()
}

var _ Store = (*SQLStore)(nil)
