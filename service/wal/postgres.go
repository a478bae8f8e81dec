package wal

import (
	"context"
	"errors"
	"time"

	"FlareIM/global/config"
	"FlareIM/logger"
	"FlareIM/module/im/model"
	"FlareIM/tools/errs"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// state 列存位标记：1 storage_acked / 2 fanout_acked / 4 storage_dead；3 即 done。
// 未 settled：fanout 未确认，或存储既未确认也未进 DLQ
const schemaSQL = `
CREATE TABLE IF NOT EXISTS wal_entries (
  wal_offset      BIGSERIAL PRIMARY KEY,
  submission_id   TEXT        NOT NULL,
  tenant_id       TEXT        NOT NULL,
  conversation_id TEXT        NOT NULL,
  message_id      TEXT        NOT NULL,
  seq             BIGINT      NOT NULL,
  raw_payload     BYTEA       NOT NULL,
  ingestion_ts    TIMESTAMPTZ NOT NULL,
  state           SMALLINT    NOT NULL DEFAULT 0,
  updated_at      TIMESTAMPTZ NOT NULL,
  CONSTRAINT wal_entries_msg_uniq UNIQUE (tenant_id, conversation_id, message_id)
);
DROP INDEX IF EXISTS wal_entries_open;
CREATE INDEX IF NOT EXISTS wal_entries_unsettled ON wal_entries (ingestion_ts) WHERE `+unsettledSQL+`;
CREATE INDEX IF NOT EXISTS wal_entries_conv_seq ON wal_entries (tenant_id, conversation_id, seq);
`

const unsettledSQL = `(state & 2 = 0 OR state & 5 = 0)`

const entryColumns = `wal_offset, submission_id, tenant_id, conversation_id, message_id, seq, raw_payload, ingestion_ts, state, updated_at`

// PGLog PostgreSQL 实现，offset 即 bigserial
type PGLog struct {
	pool *pgxpool.Pool
	log  *zap.Logger
}

// Open 建连接池并建表
func Open(ctx context.Context, c config.PostgresConfig, log *zap.Logger) (*PGLog, error) {
	pc, err := pgxpool.ParseConfig(c.DSN)
	if err != nil {
		return nil, errs.ErrInvalidArgument.WrapMsg("parse postgres dsn", "err", err)
	}
	if c.MaxConns > 0 {
		pc.MaxConns = c.MaxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, pc)
	if err != nil {
		return nil, errs.ErrUnavailable.WrapMsg("connect postgres", "err", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, errs.ErrUnavailable.WrapMsg("ping postgres", "err", err)
	}
	l := &PGLog{pool: pool, log: logger.OrDefault(log, "wal")}
	if err := l.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	l.log.Info("wal ready", zap.Int32("max_conns", pc.MaxConns))
	return l, nil
}

func (l *PGLog) Migrate(ctx context.Context) error {
	if _, err := l.pool.Exec(ctx, schemaSQL); err != nil {
		return pgErr("migrate wal", err)
	}
	return nil
}

func (l *PGLog) Close() { l.pool.Close() }

func (l *PGLog) Append(ctx context.Context, e model.WalEntry) (int64, error) {
	if err := validate(&e); err != nil {
		return 0, err
	}
	if e.IngestionTS.IsZero() {
		e.IngestionTS = time.Now()
	}
	var off int64
	err := l.pool.QueryRow(ctx, `
INSERT INTO wal_entries (submission_id, tenant_id, conversation_id, message_id, seq, raw_payload, ingestion_ts, state, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $7)
RETURNING wal_offset`,
		e.SubmissionID, e.TenantID, e.ConversationID, e.MessageID, e.Seq, e.RawPayload, e.IngestionTS, int16(e.State),
	).Scan(&off)
	if err != nil {
		var pe *pgconn.PgError
		if errors.As(err, &pe) && pe.Code == "23505" {
			return 0, errs.ErrConflict.WrapMsg("wal entry exists", "message_id", e.MessageID)
		}
		return 0, pgErr("wal append", err)
	}
	return off, nil
}

func (l *PGLog) Get(ctx context.Context, key Key) (model.WalEntry, error) {
	row := l.pool.QueryRow(ctx, `SELECT `+entryColumns+` FROM wal_entries
WHERE tenant_id = $1 AND conversation_id = $2 AND message_id = $3`,
		key.TenantID, key.ConversationID, key.MessageID)
	e, err := scanEntry(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.WalEntry{}, errs.ErrNotFound.WrapMsg("wal entry", "message_id", key.MessageID)
	}
	if err != nil {
		return model.WalEntry{}, pgErr("wal get", err)
	}
	return e, nil
}

func (l *PGLog) Advance(ctx context.Context, key Key, state model.WalState) (model.WalState, error) {
	if !validState(state) {
		return 0, errs.ErrInvalidArgument.WrapMsg("bad wal state", "state", int(state))
	}
	var merged int16
	// 位或合并；状态没变时不动 updated_at，保证 prune 的保留期从 done 那一刻算起
	err := l.pool.QueryRow(ctx, `
UPDATE wal_entries
SET state = state | $4::smallint,
    updated_at = CASE WHEN state | $4::smallint <> state THEN now() ELSE updated_at END
WHERE tenant_id = $1 AND conversation_id = $2 AND message_id = $3
RETURNING state`,
		key.TenantID, key.ConversationID, key.MessageID, int16(state),
	).Scan(&merged)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, errs.ErrNotFound.WrapMsg("wal entry", "message_id", key.MessageID)
	}
	if err != nil {
		return 0, pgErr("wal advance", err)
	}
	return model.WalState(merged), nil
}

func (l *PGLog) Replay(ctx context.Context, from int64, fn func(model.WalEntry) error) error {
	next := from
	for {
		batch, err := l.query(ctx, `SELECT `+entryColumns+` FROM wal_entries
WHERE wal_offset >= $1 ORDER BY wal_offset LIMIT $2`, next, replayBatch)
		if err != nil {
			return err
		}
		for _, e := range batch {
			if err := fn(e); err != nil {
				return err
			}
			next = e.Offset + 1
		}
		if len(batch) < replayBatch {
			return nil
		}
	}
}

func (l *PGLog) Pending(ctx context.Context, before time.Time, limit int) ([]model.WalEntry, error) {
	if limit <= 0 {
		limit = replayBatch
	}
	return l.query(ctx, `SELECT `+entryColumns+` FROM wal_entries
WHERE `+unsettledSQL+` AND ingestion_ts <= $1 ORDER BY wal_offset LIMIT $2`, before, limit)
}

func (l *PGLog) PendingCount(ctx context.Context) (int64, error) {
	var n int64
	if err := l.pool.QueryRow(ctx, `SELECT count(*) FROM wal_entries WHERE `+unsettledSQL).Scan(&n); err != nil {
		return 0, pgErr("wal pending count", err)
	}
	return n, nil
}

func (l *PGLog) MaxSeq(ctx context.Context, tenantID, conversationID string) (int64, error) {
	var max int64
	err := l.pool.QueryRow(ctx, `SELECT COALESCE(MAX(seq), 0) FROM wal_entries
WHERE tenant_id = $1 AND conversation_id = $2`, tenantID, conversationID).Scan(&max)
	if err != nil {
		return 0, pgErr("wal max seq", err)
	}
	return max, nil
}

func (l *PGLog) Prune(ctx context.Context, before time.Time) (int64, error) {
	tag, err := l.pool.Exec(ctx, `DELETE FROM wal_entries WHERE state & 3 = 3 AND updated_at < $1`, before)
	if err != nil {
		return 0, pgErr("wal prune", err)
	}
	return tag.RowsAffected(), nil
}

func (l *PGLog) query(ctx context.Context, sql string, args ...any) ([]model.WalEntry, error) {
	rows, err := l.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, pgErr("wal query", err)
	}
	defer rows.Close()
	out := make([]model.WalEntry, 0)
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, pgErr("wal scan", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, pgErr("wal rows", err)
	}
	return out, nil
}

func scanEntry(row pgx.Row) (model.WalEntry, error) {
	var (
		e     model.WalEntry
		state int16
	)
	err := row.Scan(&e.Offset, &e.SubmissionID, &e.TenantID, &e.ConversationID, &e.MessageID,
		&e.Seq, &e.RawPayload, &e.IngestionTS, &state, &e.UpdatedAt)
	e.State = model.WalState(state)
	return e, err
}

func pgErr(op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return errs.ErrDeadlineExceeded.WrapMsg(op, "err", err)
	}
	return errs.ErrUnavailable.WrapMsg(op, "err", err)
}
