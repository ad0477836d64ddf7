package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

const promptColumns = `id, user_id, name, content, template_type, custom_template, visibility, created_at, updated_at`

func scanPrompt(s scanner) (*Prompt, error) {
	var p Prompt
	var created, updated string
	if err := s.Scan(&p.ID, &p.UserID, &p.Name, &p.Content, &p.TemplateType, &p.CustomTemplate,
		&p.Visibility, &created, &updated); err != nil {
		return nil, err
	}
	p.CreatedAt = parseTime(created)
	p.UpdatedAt = parseTime(updated)
	return &p, nil
}

// CreatePrompt inserts a prompt and returns its ID.
func (db *DB) CreatePrompt(ctx context.Context, p *Prompt) (int64, error) {
	if p.TemplateType == "" {
		p.TemplateType = "summary"
	}
	if p.Visibility == "" {
		p.Visibility = VisibilityPrivate
	}
	ts := now()
	var id int64
	err := db.conn.QueryRowContext(ctx, db.rebind(
		`INSERT INTO prompts (user_id, name, content, template_type, custom_template, visibility, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?) RETURNING id`),
		p.UserID, p.Name, p.Content, p.TemplateType, p.CustomTemplate, p.Visibility, ts, ts,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("creating prompt %q: %w", p.Name, err)
	}
	return id, nil
}

// GetPrompt returns a prompt by ID, or nil if not found.
func (db *DB) GetPrompt(ctx context.Context, id int64) (*Prompt, error) {
	row := db.conn.QueryRowContext(ctx, db.rebind(
		`SELECT `+promptColumns+` FROM prompts WHERE id = ?`), id)
	p, err := scanPrompt(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return p, err
}

// ListPromptsForUser returns a user's prompts ordered by ID.
func (db *DB) ListPromptsForUser(ctx context.Context, userID int64) ([]Prompt, error) {
	rows, err := db.conn.QueryContext(ctx, db.rebind(
		`SELECT `+promptColumns+` FROM prompts WHERE user_id = ? ORDER BY id`), userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var prompts []Prompt
	for rows.Next() {
		p, err := scanPrompt(rows)
		if err != nil {
			return nil, err
		}
		prompts = append(prompts, *p)
	}
	return prompts, rows.Err()
}

// DeletePrompt removes a prompt and its digests.
func (db *DB) DeletePrompt(ctx context.Context, id int64) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, db.rebind(
		`DELETE FROM digest_sources WHERE digest_id IN (SELECT id FROM digests WHERE prompt_id = ?)`), id); err != nil {
		return fmt.Errorf("deleting digest sources: %w", err)
	}
	if _, err := tx.ExecContext(ctx, db.rebind(`DELETE FROM digests WHERE prompt_id = ?`), id); err != nil {
		return fmt.Errorf("deleting digests: %w", err)
	}
	res, err := tx.ExecContext(ctx, db.rebind(`DELETE FROM prompts WHERE id = ?`), id)
	if err != nil {
		return fmt.Errorf("deleting prompt: %w", err)
	}
	if err := expectOne(res, "prompt", id); err != nil {
		return err
	}
	return tx.Commit()
}
