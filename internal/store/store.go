package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/Adda-Baaj/khobor-ingest/internal/domain"

	sq "github.com/Masterminds/squirrel"
	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrNotFound is returned when no article matches.
var ErrNotFound = errors.New("article not found")

const defaultLimit = 50

// createdAtLayout is fixed width so that text order matches time order.
const createdAtLayout = "2006-01-02T15:04:05.000000000Z07:00"

var articleColumns = []string{
	"id", "source_id", "url", "title", "body", "author", "summary", "topic", "feed_date", "article_date", "created_at",
}

// Store persists articles in SQLite. URLs are unique; duplicate inserts are ignored.
type Store struct {
	db  *sqlx.DB
	now func() time.Time
}

// Open opens the database file, creating its directory. Call Init before use.
func Open(path string) (*Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("database path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create database dir: %w", err)
	}

	db, err := sqlx.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return &Store{db: db, now: time.Now}, nil
}

// Init applies the embedded migrations. Safe to call on every cycle.
func (s *Store) Init(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("create migrations source: %w", err)
	}
	driver, err := sqlite.WithInstance(s.db.DB, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("create migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

// Insert stores a new article. It returns false without error when the URL already exists.
// Empty fields are stored as NULL.
func (s *Store) Insert(ctx context.Context, a domain.Article) (bool, error) {
	if strings.TrimSpace(a.URL) == "" || strings.TrimSpace(a.SourceID) == "" {
		return false, errors.New("article needs source id and url")
	}

	query, args, err := sq.Insert("articles").
		Columns("source_id", "url", "title", "body", "author", "summary", "topic", "feed_date", "article_date", "created_at").
		Values(
			a.SourceID,
			a.URL,
			nullString(a.Title),
			nullString(a.Body),
			nullString(a.Author),
			nullString(a.Summary),
			nullString(a.Topic),
			nullString(a.FeedDate),
			nullString(a.ArticleDate),
			s.now().UTC().Format(createdAtLayout),
		).
		Suffix("ON CONFLICT(url) DO NOTHING").
		ToSql()
	if err != nil {
		return false, fmt.Errorf("build insert: %w", err)
	}

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("insert article: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert article: %w", err)
	}
	return n == 1, nil
}

// SetTopic assigns a topic to a stored article. Topic assignment is an offline step.
func (s *Store) SetTopic(ctx context.Context, url, topic string) error {
	query, args, err := sq.Update("articles").
		Set("topic", nullString(topic)).
		Where(sq.Eq{"url": url}).
		ToSql()
	if err != nil {
		return fmt.Errorf("build update: %w", err)
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("set topic: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Latest returns the newest articles, optionally restricted to one source.
func (s *Store) Latest(ctx context.Context, limit, offset int, sourceID string) ([]domain.Article, error) {
	q := sq.Select(articleColumns...).From("articles")
	if sourceID != "" {
		q = q.Where(sq.Eq{"source_id": sourceID})
	}
	return s.list(ctx, q, limit, offset)
}

// ByTopic returns the newest articles with the given topic, optionally restricted to one source.
func (s *Store) ByTopic(ctx context.Context, topic, sourceID string, limit, offset int) ([]domain.Article, error) {
	q := sq.Select(articleColumns...).From("articles").Where(sq.Eq{"topic": topic})
	if sourceID != "" {
		q = q.Where(sq.Eq{"source_id": sourceID})
	}
	return s.list(ctx, q, limit, offset)
}

// ByURL returns the article stored for url, or ErrNotFound.
func (s *Store) ByURL(ctx context.Context, url string) (domain.Article, error) {
	query, args, err := sq.Select(articleColumns...).From("articles").Where(sq.Eq{"url": url}).ToSql()
	if err != nil {
		return domain.Article{}, fmt.Errorf("build select: %w", err)
	}

	var row articleRow
	err = s.db.GetContext(ctx, &row, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Article{}, ErrNotFound
	}
	if err != nil {
		return domain.Article{}, fmt.Errorf("select article: %w", err)
	}
	return row.article(), nil
}

// Close closes the database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) list(ctx context.Context, q sq.SelectBuilder, limit, offset int) ([]domain.Article, error) {
	if limit <= 0 {
		limit = defaultLimit
	}
	if offset < 0 {
		offset = 0
	}

	query, args, err := q.OrderBy("created_at DESC", "id DESC").
		Limit(uint64(limit)).
		Offset(uint64(offset)).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build select: %w", err)
	}

	var rows []articleRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("select articles: %w", err)
	}

	out := make([]domain.Article, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.article())
	}
	return out, nil
}

type articleRow struct {
	ID          int64          `db:"id"`
	SourceID    string         `db:"source_id"`
	URL         string         `db:"url"`
	Title       sql.NullString `db:"title"`
	Body        sql.NullString `db:"body"`
	Author      sql.NullString `db:"author"`
	Summary     sql.NullString `db:"summary"`
	Topic       sql.NullString `db:"topic"`
	FeedDate    sql.NullString `db:"feed_date"`
	ArticleDate sql.NullString `db:"article_date"`
	CreatedAt   string         `db:"created_at"`
}

func (r articleRow) article() domain.Article {
	created, _ := time.Parse(createdAtLayout, r.CreatedAt)
	return domain.Article{
		ID:          r.ID,
		SourceID:    r.SourceID,
		URL:         r.URL,
		Title:       r.Title.String,
		Body:        r.Body.String,
		Author:      r.Author.String,
		Summary:     r.Summary.String,
		Topic:       r.Topic.String,
		FeedDate:    r.FeedDate.String,
		ArticleDate: r.ArticleDate.String,
		CreatedAt:   created,
	}
}

func nullString(s string) sql.NullString {
	s = strings.TrimSpace(s)
	return sql.NullString{String: s, Valid: s != ""}
}
