package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

const userColumns = `id, username, email, timezone, daily_hour_1, daily_hour_2, is_active, created_at, updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanUser(s scanner) (*User, error) {
	var u User
	var created, updated string
	if err := s.Scan(&u.ID, &u.Username, &u.Email, &u.Timezone, &u.DailyHour1, &u.DailyHour2,
		&u.IsActive, &created, &updated); err != nil {
		return nil, err
	}
	u.CreatedAt = parseTime(created)
	u.UpdatedAt = parseTime(updated)
	return &u, nil
}

// CreateUser inserts a user and returns its ID.
func (db *DB) CreateUser(ctx context.Context, u *User) (int64, error) {
	ts := now()
	var id int64
	err := db.conn.QueryRowContext(ctx, db.rebind(
		`INSERT INTO users (username, email, timezone, daily_hour_1, daily_hour_2, is_active, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?) RETURNING id`),
		u.Username, u.Email, u.Timezone, u.DailyHour1, u.DailyHour2, u.IsActive, ts, ts,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("creating user %s: %w", u.Username, err)
	}
	return id, nil
}

// GetUser returns a user by ID, or nil if not found.
func (db *DB) GetUser(ctx context.Context, id int64) (*User, error) {
	row := db.conn.QueryRowContext(ctx, db.rebind(
		`SELECT `+userColumns+` FROM users WHERE id = ?`), id)
	u, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return u, err
}

// GetUserByUsername returns a user by name, or nil if not found.
func (db *DB) GetUserByUsername(ctx context.Context, username string) (*User, error) {
	row := db.conn.QueryRowContext(ctx, db.rebind(
		`SELECT `+userColumns+` FROM users WHERE username = ?`), username)
	u, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return u, err
}

// ListUsers returns all users ordered by ID.
func (db *DB) ListUsers(ctx context.Context) ([]User, error) {
	return db.queryUsers(ctx, `SELECT `+userColumns+` FROM users ORDER BY id`)
}

// ListActiveUsers returns users whose schedules should run.
func (db *DB) ListActiveUsers(ctx context.Context) ([]User, error) {
	return db.queryUsers(ctx, `SELECT `+userColumns+` FROM users WHERE is_active = ? ORDER BY id`, true)
}

func (db *DB) queryUsers(ctx context.Context, q string, args ...any) ([]User, error) {
	rows, err := db.conn.QueryContext(ctx, db.rebind(q), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, *u)
	}
	return users, rows.Err()
}

// UpdateUserSchedule changes a user's timezone and daily delivery hours.
func (db *DB) UpdateUserSchedule(ctx context.Context, id int64, timezone string, hour1, hour2 int) error {
	res, err := db.conn.ExecContext(ctx, db.rebind(
		`UPDATE users SET timezone = ?, daily_hour_1 = ?, daily_hour_2 = ?, updated_at = ? WHERE id = ?`),
		timezone, hour1, hour2, now(), id)
	if err != nil {
		return fmt.Errorf("updating user %d: %w", id, err)
	}
	return expectOne(res, "user", id)
}

// SetUserActive activates or deactivates a user.
func (db *DB) SetUserActive(ctx context.Context, id int64, active bool) error {
	res, err := db.conn.ExecContext(ctx, db.rebind(
		`UPDATE users SET is_active = ?, updated_at = ? WHERE id = ?`), active, now(), id)
	if err != nil {
		return fmt.Errorf("updating user %d: %w", id, err)
	}
	return expectOne(res, "user", id)
}

func expectOne(res sql.Result, what string, id int64) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s %d not found", what, id)
	}
	return nil
}
