package history

import (
    "context"
    "database/sql"
    "encoding/json"
    "fmt"
    "strings"
    "time"

    _ "github.com/lib/pq"
)

// Schema creates the versus_results table. One row per (match, player).
const Schema = `CREATE TABLE IF NOT EXISTS versus_results (
    match_id       TEXT        NOT NULL,
    player_id      TEXT        NOT NULL,
    opponent_id    TEXT        NOT NULL DEFAULT '',
    modes          JSONB       NOT NULL DEFAULT '[]',
    cash           BOOLEAN     NOT NULL DEFAULT FALSE,
    verdict        TEXT        NOT NULL,
    reason         TEXT        NOT NULL,
    local_time     DOUBLE PRECISION NOT NULL,
    local_errors   INTEGER     NOT NULL,
    local_score    DOUBLE PRECISION NOT NULL,
    remote_time    DOUBLE PRECISION,
    remote_errors  INTEGER,
    remote_score   DOUBLE PRECISION,
    resolved_at    TIMESTAMPTZ NOT NULL,
    PRIMARY KEY (match_id, player_id)
);
CREATE INDEX IF NOT EXISTS versus_results_player_idx ON versus_results (player_id, resolved_at DESC);`

type pgRepository struct {
    db *sql.DB
}

// NewPostgres opens the database, pings it and applies Schema.
func NewPostgres(databaseURL string) (Repository, error) {
    if strings.TrimSpace(databaseURL) == "" {
        return nil, fmt.Errorf("DATABASE_URL is required")
    }
    db, err := sql.Open("postgres", databaseURL)
    if err != nil {
        return nil, err
    }
    db.SetMaxOpenConns(8)
    db.SetMaxIdleConns(4)
    db.SetConnMaxLifetime(30 * time.Minute)
    ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
    defer cancel()
    if err := db.PingContext(ctx); err != nil {
        _ = db.Close()
        return nil, err
    }
    if err := EnsureSchema(ctx, db); err != nil {
        _ = db.Close()
        return nil, fmt.Errorf("ensure schema: %w", err)
    }
    return NewPostgresDB(db), nil
}

// NewPostgresDB wraps an already opened database.
func NewPostgresDB(db *sql.DB) Repository { return &pgRepository{db: db} }

// EnsureSchema applies Schema.
func EnsureSchema(ctx context.Context, db *sql.DB) error {
    _, err := db.ExecContext(ctx, Schema)
    return err
}

func (r *pgRepository) Close() error {
    if r == nil || r.db == nil { return nil }
    return r.db.Close()
}

func (r *pgRepository) SaveOutcome(ctx context.Context, e Entry) error {
    if strings.TrimSpace(e.MatchID) == "" || strings.TrimSpace(e.PlayerID) == "" {
        return ErrInvalidEntry
    }
    modes, err := json.Marshal(nonNil(e.Modes))
    if err != nil {
        return fmt.Errorf("marshal modes: %w", err)
    }
    var rt, rs sql.NullFloat64
    var re sql.NullInt64
    if !e.RemoteMissing {
        rt = sql.NullFloat64{Float64: e.RemoteTime, Valid: true}
        rs = sql.NullFloat64{Float64: e.RemoteScore, Valid: true}
        re = sql.NullInt64{Int64: int64(e.RemoteErrors), Valid: true}
    }

    const q = `INSERT INTO versus_results (
        match_id, player_id, opponent_id, modes, cash,
        verdict, reason,
        local_time, local_errors, local_score,
        remote_time, remote_errors, remote_score,
        resolved_at
      ) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
      ON CONFLICT (match_id, player_id) DO UPDATE SET
        opponent_id=EXCLUDED.opponent_id,
        modes=EXCLUDED.modes,
        cash=EXCLUDED.cash,
        verdict=EXCLUDED.verdict,
        reason=EXCLUDED.reason,
        local_time=EXCLUDED.local_time,
        local_errors=EXCLUDED.local_errors,
        local_score=EXCLUDED.local_score,
        remote_time=EXCLUDED.remote_time,
        remote_errors=EXCLUDED.remote_errors,
        remote_score=EXCLUDED.remote_score,
        resolved_at=EXCLUDED.resolved_at`

    _, err = r.db.ExecContext(ctx, q,
        e.MatchID, e.PlayerID, e.OpponentID, string(modes), e.Cash,
        string(e.Verdict), e.Reason,
        e.LocalTime, e.LocalErrors, e.LocalScore,
        rt, re, rs,
        e.ResolvedAt,
    )
    if err != nil {
        return fmt.Errorf("save outcome: %w", err)
    }
    return nil
}

func (r *pgRepository) RecentByPlayer(ctx context.Context, playerID string, limit int) ([]Entry, error) {
    if limit <= 0 { limit = 10 }
    const q = `SELECT match_id, player_id, opponent_id, modes, cash, verdict, reason,
        local_time, local_errors, local_score, remote_time, remote_errors, remote_score, resolved_at
      FROM versus_results WHERE player_id = $1
      ORDER BY resolved_at DESC, match_id DESC LIMIT $2`
    rows, err := r.db.QueryContext(ctx, q, playerID, limit)
    if err != nil {
        return nil, fmt.Errorf("query history: %w", err)
    }
    defer rows.Close()

    out := make([]Entry, 0, limit)
    for rows.Next() {
        var (
            e      Entry
            modes  []byte
            verd   string
            rt, rs sql.NullFloat64
            re     sql.NullInt64
        )
        if err := rows.Scan(&e.MatchID, &e.PlayerID, &e.OpponentID, &modes, &e.Cash, &verd, &e.Reason,
            &e.LocalTime, &e.LocalErrors, &e.LocalScore, &rt, &re, &rs, &e.ResolvedAt); err != nil {
            return nil, fmt.Errorf("scan history: %w", err)
        }
        if len(modes) > 0 {
            if err := json.Unmarshal(modes, &e.Modes); err != nil {
                return nil, fmt.Errorf("decode modes: %w", err)
            }
        }
        e.Verdict = Verdict(verd)
        e.RemoteMissing = !rt.Valid
        e.RemoteTime, e.RemoteScore, e.RemoteErrors = rt.Float64, rs.Float64, int(re.Int64)
        out = append(out, e)
    }
    return out, rows.Err()
}

func (r *pgRepository) Summary(ctx context.Context, playerID string) (Summary, error) {
    const q = `SELECT
        COALESCE(SUM(CASE WHEN verdict = 'win' THEN 1 ELSE 0 END), 0),
        COALESCE(SUM(CASE WHEN verdict = 'loss' THEN 1 ELSE 0 END), 0),
        COALESCE(SUM(CASE WHEN verdict = 'draw' THEN 1 ELSE 0 END), 0)
      FROM versus_results WHERE player_id = $1`
    var s Summary
    if err := r.db.QueryRowContext(ctx, q, playerID).Scan(&s.Wins, &s.Losses, &s.Draws); err != nil {
        return Summary{}, fmt.Errorf("summary: %w", err)
    }
    return s, nil
}

func nonNil(s []string) []string {
    if s == nil { return []string{} }
    return s
}
