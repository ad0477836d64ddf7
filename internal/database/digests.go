package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/TobiSchelling/newsdigest/internal/cadence"
)

const digestColumns = `d.id, d.prompt_id, d.cadence, d.title, d.body, d.window_start, d.created_at,
	p.name, p.visibility, u.username`

const digestFrom = ` FROM digests d
	JOIN prompts p ON p.id = d.prompt_id
	JOIN users u ON u.id = p.user_id`

func scanDigest(s scanner) (*Digest, error) {
	var d Digest
	var c, windowStart, created string
	if err := s.Scan(&d.ID, &d.PromptID, &c, &d.Title, &d.Body, &windowStart, &created,
		&d.PromptName, &d.Visibility, &d.Username); err != nil {
		return nil, err
	}
	d.Cadence = cadence.Cadence(c)
	d.WindowStart = parseTime(windowStart)
	d.CreatedAt = parseTime(created)
	return &d, nil
}

// DigestExists reports whether a digest was already stored for the prompt,
// cadence and window start.
func (db *DB) DigestExists(ctx context.Context, promptID int64, c cadence.Cadence, windowStart time.Time) (bool, error) {
	var n int
	err := db.conn.QueryRowContext(ctx, db.rebind(
		`SELECT COUNT(*) FROM digests WHERE prompt_id = ? AND cadence = ? AND window_start = ?`),
		promptID, string(c), formatTime(windowStart),
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("checking digest: %w", err)
	}
	return n > 0, nil
}

// SaveDigest stores a digest and its sources in one transaction and returns
// the new ID. A digest for an existing (prompt, cadence, window start) yields
// ErrDuplicateDigest and stores nothing.
func (db *DB) SaveDigest(ctx context.Context, d *Digest) (int64, error) {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	created := time.Now().UTC().Truncate(time.Second)
	var id int64
	err = tx.QueryRowContext(ctx, db.rebind(
		`INSERT INTO digests (prompt_id, cadence, title, body, window_start, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (prompt_id, cadence, window_start) DO NOTHING
		RETURNING id`),
		d.PromptID, string(d.Cadence), d.Title, d.Body, formatTime(d.WindowStart), formatTime(created),
	).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrDuplicateDigest
	}
	if err != nil {
		return 0, fmt.Errorf("inserting digest: %w", err)
	}

	for i, s := range d.Sources {
		published := ""
		if !s.Published.IsZero() {
			published = formatTime(s.Published)
		}
		if _, err := tx.ExecContext(ctx, db.rebind(
			`INSERT INTO digest_sources (digest_id, position, title, link, feed_url, published_at)
			VALUES (?, ?, ?, ?, ?, ?)`),
			id, i, s.Title, s.Link, s.FeedURL, published,
		); err != nil {
			return 0, fmt.Errorf("inserting digest source %d: %w", i, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	d.ID = id
	d.CreatedAt = created
	return id, nil
}

// GetDigest returns a digest with its sources, or nil if not found.
func (db *DB) GetDigest(ctx context.Context, id int64) (*Digest, error) {
	row := db.conn.QueryRowContext(ctx, db.rebind(`SELECT `+digestColumns+digestFrom+` WHERE d.id = ?`), id)
	d, err := scanDigest(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	d.Sources, err = db.digestSources(ctx, id)
	if err != nil {
		return nil, err
	}
	return d, nil
}

func (db *DB) digestSources(ctx context.Context, digestID int64) ([]DigestSource, error) {
	rows, err := db.conn.QueryContext(ctx, db.rebind(
		`SELECT title, link, feed_url, published_at FROM digest_sources WHERE digest_id = ? ORDER BY position`),
		digestID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sources []DigestSource
	for rows.Next() {
		var s DigestSource
		var published string
		if err := rows.Scan(&s.Title, &s.Link, &s.FeedURL, &published); err != nil {
			return nil, err
		}
		s.Published = parseTime(published)
		sources = append(sources, s)
	}
	return sources, rows.Err()
}

// DigestFilter narrows ListDigests. Zero values match everything.
type DigestFilter struct {
	PromptID   int64
	UserID     int64
	PublicOnly bool
	Limit      int
}

// ListDigests returns digests newest first, without sources.
func (db *DB) ListDigests(ctx context.Context, f DigestFilter) ([]Digest, error) {
	var where []string
	var args []any
	if f.PromptID != 0 {
		where = append(where, "d.prompt_id = ?")
		args = append(args, f.PromptID)
	}
	if f.UserID != 0 {
		where = append(where, "p.user_id = ?")
		args = append(args, f.UserID)
	}
	if f.PublicOnly {
		where = append(where, "p.visibility = ?")
		args = append(args, VisibilityPublic)
	}

	q := `SELECT ` + digestColumns + digestFrom
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY d.created_at DESC, d.id DESC"
	if f.Limit > 0 {
		q += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := db.conn.QueryContext(ctx, db.rebind(q), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var digests []Digest
	for rows.Next() {
		d, err := scanDigest(rows)
		if err != nil {
			return nil, err
		}
		digests = append(digests, *d)
	}
	return digests, rows.Err()
}

// GetStats returns row counts and the time of the newest digest.
func (db *DB) GetStats(ctx context.Context) (*Stats, error) {
	var s Stats
	counts := []struct {
		dest *int
		q    string
		args []any
	}{
		{&s.Users, `SELECT COUNT(*) FROM users`, nil},
		{&s.ActiveUsers, `SELECT COUNT(*) FROM users WHERE is_active = ?`, []any{true}},
		{&s.Prompts, `SELECT COUNT(*) FROM prompts`, nil},
		{&s.Digests, `SELECT COUNT(*) FROM digests`, nil},
	}
	for _, c := range counts {
		if err := db.conn.QueryRowContext(ctx, db.rebind(c.q), c.args...).Scan(c.dest); err != nil {
			return nil, fmt.Errorf("counting: %w", err)
		}
	}

	var last sql.NullString
	if err := db.conn.QueryRowContext(ctx, `SELECT MAX(created_at) FROM digests`).Scan(&last); err != nil {
		return nil, fmt.Errorf("last digest: %w", err)
	}
	if last.Valid && last.String != "" {
		t := parseTime(last.String)
		s.LastDigestAt = &t
	}
	return &s, nil
}
