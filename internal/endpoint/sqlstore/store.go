// Package sqlstore persists events through database/sql. It offers a store
// processor and a transactional scope binding a database transaction to the
// event context, so the steps inside the scope write through it.
package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"esb-runtime/internal/event"
	"esb-runtime/internal/processor"
	"esb-runtime/pkg/logger"
)

const schema = `
CREATE TABLE IF NOT EXISTS processed_events (
	id          VARCHAR(64)  NOT NULL PRIMARY KEY,
	context_id  VARCHAR(64)  NOT NULL,
	flow        VARCHAR(255) NOT NULL,
	payload     TEXT,
	variables   TEXT,
	stored_at   TIMESTAMP    NOT NULL
)`

type Config struct {
	Driver           string
	DSN              string
	MaxOpenConns     int
	MaxIdleConns     int
	MaxRetries       int
	RetryBaseBackoff time.Duration
}

// Store writes processed events to the processed_events table.
type Store struct {
	db  *sql.DB
	cfg Config
	log *zap.SugaredLogger
}

// Open connects to cfg.DSN with cfg.Driver. The driver must be registered by
// the caller, e.g. by importing github.com/go-sql-driver/mysql.
func Open(cfg Config) (*Store, error) {
	db, err := sql.Open(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s connection: %w", cfg.Driver, err)
	}
	// tune pool
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 1
	}

	logger.Get().Infow("sql store initialized", "driver", cfg.Driver)
	return &Store{db: db, cfg: cfg, log: logger.Get().With("component", "sqlstore")}, nil
}

func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Migrate creates the events table when missing.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Save stores ev. Inside a transactional scope it writes through the scope's
// transaction and leaves committing to the scope; otherwise it retries with
// linear backoff.
func (s *Store) Save(ctx context.Context, ev *event.Event) error {
	if tx := Tx(ev); tx != nil {
		return s.insert(ctx, tx, ev)
	}

	var err error
	for attempt := 1; attempt <= s.cfg.MaxRetries; attempt++ {
		err = s.insert(ctx, s.db, ev)
		if err == nil {
			return nil
		}
		if attempt == s.cfg.MaxRetries {
			break
		}
		s.log.Warnw("storage attempt failed, will retry",
			"event_id", ev.ID(),
			"attempt", attempt,
			"max_attempts", s.cfg.MaxRetries,
			"error", err,
		)
		select {
		case <-time.After(time.Duration(attempt) * s.cfg.RetryBaseBackoff):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	s.log.Errorw("storage permanently failed", "event_id", ev.ID(), "attempts", s.cfg.MaxRetries, "error", err)
	return err
}

func (s *Store) insert(ctx context.Context, x execer, ev *event.Event) error {
	payload, err := encodePayload(ev.Payload())
	if err != nil {
		return err
	}
	vars, err := json.Marshal(ev.Variables())
	if err != nil {
		return fmt.Errorf("failed to marshal variables: %w", err)
	}
	var contextID, flow string
	if ec := ev.Context(); ec != nil {
		contextID = ec.Root().ID()
		flow = ec.FlowName()
	}
	_, err = x.ExecContext(ctx, `
		INSERT INTO processed_events
		(id, context_id, flow, payload, variables, stored_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, ev.ID(), contextID, flow, payload, string(vars), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("insert failed: %w", err)
	}
	s.log.Debugw("event stored", "event_id", ev.ID(), "context_id", contextID, "flow", flow)
	return nil
}

// Count returns the number of stored events.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM processed_events`).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

// Processor returns a step storing every event it sees and passing it on
// unchanged.
func (s *Store) Processor(name string) processor.Processor {
	return processor.New(name, processor.IORW, func(ctx context.Context, ev *event.Event) (*event.Event, error) {
		if err := s.Save(ctx, ev); err != nil {
			return nil, err
		}
		return ev, nil
	})
}

func encodePayload(p any) (string, error) {
	switch v := p.(type) {
	case nil:
		return "", nil
	case string:
		return v, nil
	case []byte:
		return string(v), nil
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return "", fmt.Errorf("failed to marshal payload: %w", err)
		}
		return string(b), nil
	}
}
