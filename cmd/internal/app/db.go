package app

import (
	"context"
	"fmt"
	"time"

	"pulse/cmd/internal/realtime"

	"github.com/jackc/pgx/v5/pgxpool"
)

// NewDBPool builds a pgxpool with sane defaults and validates connectivity.
func NewDBPool(ctx context.Context, cfg Config) (*pgxpool.Pool, error) {
	pcfg, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}

	if cfg.DBMaxConns > 0 {
		pcfg.MaxConns = cfg.DBMaxConns
	}
	if cfg.DBMinConns >= 0 {
		pcfg.MinConns = cfg.DBMinConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, err
	}

	if err := PingDB(ctx, pool, 3*time.Second); err != nil {
		pool.Close()
		return nil, err
	}

	return pool, nil
}

// PingDB checks if we can acquire a connection within timeout.
func PingDB(parent context.Context, pool *pgxpool.Pool, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return err
	}
	conn.Release()
	return nil
}

// migrator is implemented by stores that own their schema.
type migrator interface {
	Migrate(ctx context.Context) error
}

// storeBackend is the realtime.Store chosen for this process plus the resources
// the app owns on its behalf.
type storeBackend struct {
	kind  string
	store realtime.Store
	pool  *pgxpool.Pool

	// ping reports durable-store readiness; nil for the in-memory store.
	ping func(ctx context.Context) error
}

func (b *storeBackend) durable() bool { return b.ping != nil }

// Migrate applies the backend schema. The in-memory store has none.
func (b *storeBackend) Migrate(ctx context.Context) error {
	m, ok := b.store.(migrator)
	if !ok {
		return nil
	}
	if err := m.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate %s store: %w", b.kind, err)
	}
	return nil
}

// Close releases the store and then the pool it was built on.
// PostgresStore.Close is a no-op; the pool is owned here.
func (b *storeBackend) Close() error {
	var err error
	if b.store != nil {
		err = b.store.Close()
	}
	if b.pool != nil {
		b.pool.Close()
	}
	return err
}

// openStore decides between Postgres, SQLite (gorm) and the in-memory dev store.
func openStore(ctx context.Context, cfg Config, log Logger) (*storeBackend, error) {
	switch {
	case cfg.DatabaseURL != "":
		pool, err := NewDBPool(ctx, cfg)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		st, err := realtime.NewPostgresStore(pool, realtime.WithSchema(cfg.DBSchema))
		if err != nil {
			pool.Close()
			return nil, err
		}
		log.Info("db.enabled.postgres_store", "schema", cfg.DBSchema)
		return &storeBackend{
			kind:  "postgres",
			store: st,
			pool:  pool,
			ping: func(ctx context.Context) error {
				return PingDB(ctx, pool, 2*time.Second)
			},
		}, nil

	case cfg.SQLitePath != "":
		db, err := realtime.OpenSQLite(cfg.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("open sqlite: %w", err)
		}
		st, err := realtime.NewGormStore(db)
		if err != nil {
			return nil, err
		}
		log.Info("db.enabled.sqlite_store", "path", cfg.SQLitePath)
		return &storeBackend{
			kind:  "sqlite",
			store: st,
			ping: func(ctx context.Context) error {
				sqlDB, err := db.DB()
				if err != nil {
					return err
				}
				pctx, cancel := context.WithTimeout(ctx, 2*time.Second)
				defer cancel()
				return sqlDB.PingContext(pctx)
			},
		}, nil

	default:
		log.Info("db.disabled.inmemory_store")
		return &storeBackend{kind: "memory", store: realtime.NewInMemoryStore()}, nil
	}
}
