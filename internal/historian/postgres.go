// internal/historian/postgres.go
package historian

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/MyCoolDev/CompetitiveSudoku/internal/cache"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	log "github.com/sirupsen/logrus"
)

const schema = `
CREATE TABLE IF NOT EXISTS rounds (
	id          UUID PRIMARY KEY,
	lobby_code  TEXT NOT NULL,
	status      TEXT NOT NULL DEFAULT 'in_progress',
	winner      TEXT,
	end_reason  TEXT,
	start_time  TIMESTAMPTZ NOT NULL,
	end_time    TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS round_actions (
	round_id       UUID NOT NULL REFERENCES rounds (id),
	action_index   INT NOT NULL,
	actor          TEXT NOT NULL,
	action_type    TEXT NOT NULL,
	action_payload JSONB,
	created_at     TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (round_id, action_index)
);
`

// ConnectPostgres opens a pgx pool on url and checks it with a ping.
func ConnectPostgres(ctx context.Context, url string) (*pgxpool.Pool, error) {
	config, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("unable to parse pgx config: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("unable to create pgx pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("db ping error: %w", err)
	}

	log.Infof("Connected to database at %s:%d", config.ConnConfig.Host, config.ConnConfig.Port)
	return pool, nil
}

// PostgresSink writes round actions into the rounds and round_actions tables.
type PostgresSink struct {
	pool *pgxpool.Pool
}

func NewPostgresSink(pool *pgxpool.Pool) *PostgresSink {
	return &PostgresSink{pool: pool}
}

// EnsureSchema creates the history tables if they do not exist.
func (ps *PostgresSink) EnsureSchema(ctx context.Context) error {
	_, err := ps.pool.Exec(ctx, schema)
	return err
}

// WriteBatch inserts every record in one transaction. Replayed records are ignored.
func (ps *PostgresSink) WriteBatch(ctx context.Context, records []cache.RoundActionRecord) error {
	return beginTxFunc(ctx, ps.pool, pgx.TxOptions{}, func(tx pgx.Tx) error {
		for _, rec := range records {
			if err := insertRoundActionTx(ctx, tx, rec); err != nil {
				return fmt.Errorf("insertRoundActionTx: %w", err)
			}
		}
		return nil
	})
}

// insertRoundActionTx upserts the round row, inserts the action and closes the
// round when the action ends it.
func insertRoundActionTx(ctx context.Context, tx pgx.Tx, rec cache.RoundActionRecord) error {
	at := time.UnixMilli(rec.Timestamp).UTC()

	upsertRoundQ := `
		INSERT INTO rounds (id, lobby_code, status, start_time)
		VALUES ($1, $2, 'in_progress', $3)
		ON CONFLICT (id) DO NOTHING
	`
	if _, err := tx.Exec(ctx, upsertRoundQ, rec.RoundID, rec.LobbyCode, at); err != nil {
		return err
	}

	payload, err := json.Marshal(rec.ActionPayload)
	if err != nil {
		return err
	}
	actionInsertQ := `
		INSERT INTO round_actions (
			round_id, action_index, actor, action_type, action_payload, created_at
		) VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (round_id, action_index) DO NOTHING
	`
	if _, err := tx.Exec(ctx, actionInsertQ,
		rec.RoundID, rec.ActionIndex, rec.Actor, rec.ActionType, payload, at,
	); err != nil {
		return err
	}

	if rec.ActionType == cache.ActionRoundEnd {
		winner, reason := roundOutcome(rec)
		finalizeQ := `
			UPDATE rounds
			SET status = 'completed', winner = $2, end_reason = $3, end_time = $4
			WHERE id = $1 AND status = 'in_progress'
		`
		if _, err := tx.Exec(ctx, finalizeQ, rec.RoundID, winner, reason, at); err != nil {
			return err
		}
	}
	return nil
}

// roundOutcome extracts the winner and end reason of a round_end record.
func roundOutcome(rec cache.RoundActionRecord) (winner, reason string) {
	winner, _ = rec.ActionPayload["winner"].(string)
	reason, _ = rec.ActionPayload["reason"].(string)
	if winner == "" {
		winner = rec.Actor
	}
	return winner, reason
}

// beginTxFunc starts a transaction on pool, calls f with it, and commits or
// rolls back as needed.
func beginTxFunc(ctx context.Context, pool *pgxpool.Pool, txOptions pgx.TxOptions, f func(tx pgx.Tx) error) error {
	tx, err := pool.BeginTx(ctx, txOptions)
	if err != nil {
		return err
	}
	if err := f(tx); err != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil {
			return fmt.Errorf("tx rollback error: %v; original error: %w", rbErr, err)
		}
		return err
	}
	return tx.Commit(ctx)
}
