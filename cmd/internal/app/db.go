package app

import (
	"context"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/tracelog"
)

// NewDBPool builds a pgxpool from cfg and validates connectivity.
// Migrations are applied separately (messenger migrate up, or MSGR_AUTO_MIGRATE).
func NewDBPool(ctx context.Context, cfg Config, log *slog.Logger) (*pgxpool.Pool, error) {
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
	if cfg.DBTrace {
		pcfg.ConnConfig.Tracer = queryTracer(log)
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

// queryTracer logs every statement at debug level under the "postgres" module.
func queryTracer(log *slog.Logger) *tracelog.TraceLog {
	dblog := log.With("module", "postgres")
	return &tracelog.TraceLog{
		LogLevel: tracelog.LogLevelTrace,
		Logger: tracelog.LoggerFunc(func(ctx context.Context, lvl tracelog.LogLevel, msg string, data map[string]any) {
			level := slogLevel(lvl)
			if !dblog.Enabled(ctx, level) {
				return
			}
			attrs := make([]slog.Attr, 0, len(data))
			for k, v := range data {
				attrs = append(attrs, slog.Any(k, v))
			}
			dblog.LogAttrs(ctx, level, msg, attrs...)
		}),
	}
}

// slogLevel maps pgx levels onto slog. Routine query traces land on Debug.
func slogLevel(lvl tracelog.LogLevel) slog.Level {
	switch {
	case lvl == tracelog.LogLevelError:
		return slog.LevelError
	case lvl == tracelog.LogLevelWarn:
		return slog.LevelWarn
	default:
		return slog.LevelDebug
	}
}
