package database

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/rs/zerolog"

	"github.com/TobiSchelling/newsdigest/internal/cadence"
)

func newPostgresWithMock(t *testing.T) (*DB, sqlmock.Sqlmock) {
	t.Helper()
	conn, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock.New error: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return newPostgres(conn, "postgres://mock", zerolog.Nop()), mock
}

func TestPostgresSaveDigest(t *testing.T) {
	db, mock := newPostgresWithMock(t)
	slot := time.Date(2024, 3, 14, 12, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectQuery(`(?s)^INSERT INTO digests .*VALUES \(\$1, \$2, \$3, \$4, \$5, \$6\)\s+ON CONFLICT \(prompt_id, cadence, window_start\) DO NOTHING\s+RETURNING id$`).
		WithArgs(int64(7), "hourly", "title", "body", "2024-03-14T12:00:00Z", sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(42)))
	mock.ExpectExec(`(?s)^INSERT INTO digest_sources .*VALUES \(\$1, \$2, \$3, \$4, \$5, \$6\)$`).
		WithArgs(int64(42), 0, "One", "https://a.example/1", "https://a.example/rss", "").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	d := &Digest{PromptID: 7, Cadence: cadence.Hourly, Title: "title", Body: "body", WindowStart: slot,
		Sources: []DigestSource{{Title: "One", Link: "https://a.example/1", FeedURL: "https://a.example/rss"}}}
	id, err := db.SaveDigest(context.Background(), d)
	if err != nil {
		t.Fatalf("SaveDigest: %v", err)
	}
	if id != 42 {
		t.Errorf("expected id 42, got %d", id)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestPostgresSaveDigestConflict(t *testing.T) {
	db, mock := newPostgresWithMock(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`(?s)^INSERT INTO digests`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectRollback()

	_, err := db.SaveDigest(context.Background(), &Digest{PromptID: 7, Cadence: cadence.Daily, WindowStart: time.Now()})
	if !errors.Is(err, ErrDuplicateDigest) {
		t.Fatalf("expected ErrDuplicateDigest, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestPostgresSaveDigestSourceErrorRollsBack(t *testing.T) {
	db, mock := newPostgresWithMock(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`(?s)^INSERT INTO digests`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(1)))
	mock.ExpectExec(`(?s)^INSERT INTO digest_sources`).
		WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()

	_, err := db.SaveDigest(context.Background(), &Digest{PromptID: 7, Cadence: cadence.Daily, WindowStart: time.Now(),
		Sources: []DigestSource{{Title: "x"}}})
	if err == nil {
		t.Fatal("expected error")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestPostgresListActiveUsers(t *testing.T) {
	db, mock := newPostgresWithMock(t)

	rows := sqlmock.NewRows([]string{"id", "username", "email", "timezone", "daily_hour_1", "daily_hour_2",
		"is_active", "created_at", "updated_at"}).
		AddRow(int64(1), "alice", "a@example.com", "America/New_York", 6, 18, true, "2024-03-14T12:00:00Z", "2024-03-14T12:00:00Z")
	mock.ExpectQuery(`(?s)^SELECT .* FROM users WHERE is_active = \$1 ORDER BY id$`).
		WithArgs(true).
		WillReturnRows(rows)

	users, err := db.ListActiveUsers(context.Background())
	if err != nil {
		t.Fatalf("ListActiveUsers: %v", err)
	}
	if len(users) != 1 || users[0].Timezone != "America/New_York" || users[0].DailyHour2 != 18 {
		t.Errorf("unexpected users: %+v", users)
	}
	if users[0].CreatedAt.IsZero() {
		t.Error("expected created_at to be parsed")
	}
}

func TestPostgresDigestExists(t *testing.T) {
	db, mock := newPostgresWithMock(t)
	slot := time.Date(2024, 3, 14, 6, 0, 0, 0, time.UTC)

	mock.ExpectQuery(`^SELECT COUNT\(\*\) FROM digests WHERE prompt_id = \$1 AND cadence = \$2 AND window_start = \$3$`).
		WithArgs(int64(3), "daily", "2024-03-14T06:00:00Z").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))

	exists, err := db.DigestExists(context.Background(), 3, cadence.Daily, slot)
	if err != nil || !exists {
		t.Fatalf("DigestExists = %v, %v", exists, err)
	}
}
