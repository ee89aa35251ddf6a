package firewall

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"

	"ovpn-node/pkg/model"
)

// JournalEntry is a rule recorded as applied by owner.
type JournalEntry struct {
	Owner string
	Rule  model.Rule
}

// Journal persists applied rules so a crashed agent can still remove them.
type Journal struct {
	db  *sql.DB
	log zerolog.Logger
}

// OpenJournal opens (or creates) the sqlite journal at path.
func OpenJournal(path string, log zerolog.Logger) (*Journal, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("journal mkdir: %w", err)
	}
	db, err := sql.Open("sqlite", "file:"+path+"?_pragma=busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("journal open: %w", err)
	}
	db.SetMaxOpenConns(1)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS applied_rules(
		owner TEXT NOT NULL,
		rule_hash TEXT NOT NULL,
		rule TEXT NOT NULL,
		ts INTEGER NOT NULL,
		PRIMARY KEY(owner, rule_hash))`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("journal schema: %w", err)
	}
	return &Journal{db: db, log: log}, nil
}

func (j *Journal) Close() error { return j.db.Close() }

// hashRule produces a stable hash for a rule to track apply/remove.
func hashRule(r model.Rule) string {
	h := sha256.Sum256([]byte(r.Key()))
	return hex.EncodeToString(h[:])
}

func (j *Journal) Record(ctx context.Context, owner string, r model.Rule) error {
	b, err := json.Marshal(r)
	if err != nil {
		return err
	}
	_, err = j.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO applied_rules(owner, rule_hash, rule, ts) VALUES(?,?,?,?)`,
		owner, hashRule(r), string(b), time.Now().UnixNano())
	return err
}

func (j *Journal) Forget(ctx context.Context, owner string, r model.Rule) error {
	_, err := j.db.ExecContext(ctx, `DELETE FROM applied_rules WHERE owner=? AND rule_hash=?`, owner, hashRule(r))
	return err
}

// Pending lists every recorded rule in record order.
func (j *Journal) Pending(ctx context.Context) ([]JournalEntry, error) {
	rows, err := j.db.QueryContext(ctx, `SELECT owner, rule FROM applied_rules ORDER BY ts, rowid`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []JournalEntry
	for rows.Next() {
		var owner, raw string
		if err := rows.Scan(&owner, &raw); err != nil {
			return nil, err
		}
		var r model.Rule
		if err := json.Unmarshal([]byte(raw), &r); err != nil {
			j.log.Warn().Err(err).Str("owner", owner).Str("rule", raw).Msg("skipping undecodable journal row")
			continue
		}
		out = append(out, JournalEntry{Owner: owner, Rule: r})
	}
	return out, rows.Err()
}
