package sqlstore

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"esb-runtime/internal/event"
	"esb-runtime/internal/processor"
	"esb-runtime/internal/stream"
)

// Transaction is a database transaction bound to an event context.
type Transaction struct {
	id string
	tx *sql.Tx
}

func (t *Transaction) ID() string  { return t.id }
func (t *Transaction) Tx() *sql.Tx { return t.tx }

// Tx returns the database transaction ev takes part in, nil outside a
// transactional scope.
func Tx(ev *event.Event) *sql.Tx {
	ec := ev.Context()
	if ec == nil {
		return nil
	}
	t, ok := ec.Transaction().(*Transaction)
	if !ok {
		return nil
	}
	return t.tx
}

// TxScope runs its inner processor inside a database transaction. Each event
// gets a child context with the transaction bound to it; the transaction is
// committed when the inner processor succeeds and rolled back when it fails.
type TxScope struct {
	name       string
	db         *sql.DB
	inner      processor.Processor
	components []processor.Component
}

func NewTxScope(name string, db *sql.DB, inner processor.Processor) *TxScope {
	return &TxScope{
		name:       name,
		db:         db,
		inner:      inner,
		components: []processor.Component{processor.Resolve(inner)},
	}
}

func (s *TxScope) Name() string                             { return s.name }
func (s *TxScope) ProcessingType() processor.ProcessingType { return processor.IORW }

func (s *TxScope) Apply(in *stream.Stream) *stream.Stream {
	hooks := in.Hooks()
	return stream.FlatMap(in, processor.DefaultBoundaryConcurrency, func(ctx context.Context, it stream.Item) *stream.Stream {
		return stream.Create(ctx, hooks, func(ctx context.Context, em *stream.Emitter) {
			if it.Err != nil {
				em.Next(it)
				return
			}
			res, err := s.run(ctx, it.Event, hooks)
			switch {
			case err != nil:
				em.Next(stream.Item{Event: it.Event, Err: err})
			case res == nil:
				if ec := it.Event.Context(); ec != nil {
					_ = ec.Success(nil)
				}
			default:
				em.Next(stream.Item{Event: res})
			}
		})
	})
}

func (s *TxScope) run(ctx context.Context, ev *event.Event, hooks *stream.Hooks) (*event.Event, error) {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction failed: %w", err)
	}
	parent := ev.Context()
	if parent == nil {
		parent = event.NewContext("")
	}
	scope := event.NewChildContext(parent)
	scope.BindTransaction(&Transaction{id: uuid.New().String(), tx: sqlTx})

	res, err := processor.ProcessWithHooks(ctx, s.inner, ev.WithContext(scope), hooks)
	if err != nil {
		_ = sqlTx.Rollback()
		_ = scope.Error(err)
		return nil, err
	}
	if err := sqlTx.Commit(); err != nil {
		_ = scope.Error(err)
		return nil, fmt.Errorf("transaction commit failed: %w", err)
	}
	_ = scope.Success(res)
	if res == nil {
		return nil, nil
	}
	return res.WithContext(parent), nil
}

func (s *TxScope) SetRuntime(rt processor.Runtime) { processor.SetRuntimeIfNeeded(s.components, rt) }
func (s *TxScope) Initialise() error               { return processor.InitialiseIfNeeded(s.components) }
func (s *TxScope) Start() error                    { return processor.StartIfNeeded(s.components) }
func (s *TxScope) Stop() error                     { return processor.StopIfNeeded(s.components) }
func (s *TxScope) Dispose()                        { processor.DisposeIfNeeded(s.components) }
