package storage

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/fzxiao233/Vod_Record/live/interfaces"
	"github.com/pkg/errors"
	_ "modernc.org/sqlite"
)

// Index is the ledger of stored captures.
type Index struct {
	db *sql.DB
}

type Entry struct {
	VodID      string
	ChannelID  string
	Channel    string
	Title      string
	Path       string
	Duration   time.Duration
	Size       int64
	Gaps       []int
	CapturedAt time.Time
}

func OpenIndex(file string) (*Index, error) {
	if err := os.MkdirAll(filepath.Dir(file), 0755); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", file)
	if err != nil {
		return nil, errors.Wrapf(err, "open index %s", file)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, errors.Wrapf(err, "open index %s", file)
	}
	// WAL is an optimisation, an index without it still works
	_, _ = db.Exec(`
		PRAGMA busy_timeout = 5000;
		PRAGMA journal_mode = WAL;
	`)
	_, err = db.Exec(`
	CREATE TABLE IF NOT EXISTS captures (
		vod_id TEXT PRIMARY KEY,
		channel_id TEXT,
		channel TEXT,
		title TEXT,
		path TEXT NOT NULL,
		duration_ms INTEGER,
		size INTEGER,
		gaps TEXT,
		captured_at DATETIME
	);
	`)
	if err != nil {
		db.Close()
		return nil, errors.Wrap(err, "create captures table")
	}
	return &Index{db: db}, nil
}

func (i *Index) Close() error {
	return i.db.Close()
}

func joinGaps(gaps []int) string {
	parts := make([]string, len(gaps))
	for i, g := range gaps {
		parts[i] = strconv.Itoa(g)
	}
	return strings.Join(parts, ",")
}

func splitGaps(s string) []int {
	if s == "" {
		return nil
	}
	var ret []int
	for _, part := range strings.Split(s, ",") {
		if g, err := strconv.Atoi(part); err == nil {
			ret = append(ret, g)
		}
	}
	return ret
}

// Record stores a finished capture. Recording the same vod twice keeps the
// latest file.
func (i *Index) Record(ctx context.Context, file *interfaces.CapturedFile, vod *interfaces.VodHandle) error {
	_, err := i.db.ExecContext(ctx, `
	INSERT INTO captures (vod_id, channel_id, channel, title, path, duration_ms, size, gaps, captured_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(vod_id) DO UPDATE SET path = excluded.path, duration_ms = excluded.duration_ms,
		size = excluded.size, gaps = excluded.gaps, captured_at = excluded.captured_at`,
		file.VodID, file.ChannelID, vod.ChannelName, vod.Title, file.Path,
		file.TotalDuration.Milliseconds(), file.ByteSize, joinGaps(file.Gaps), time.Now().UTC())
	return err
}

// Lookup returns the stored capture of vodID, or nil when there is none.
func (i *Index) Lookup(ctx context.Context, vodID string) (*Entry, error) {
	row := i.db.QueryRowContext(ctx, `
	SELECT vod_id, channel_id, channel, title, path, duration_ms, size, gaps, captured_at
	FROM captures WHERE vod_id = ?`, vodID)
	var e Entry
	var durationMs int64
	var gaps sql.NullString
	err := row.Scan(&e.VodID, &e.ChannelID, &e.Channel, &e.Title, &e.Path, &durationMs, &e.Size, &gaps, &e.CapturedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	e.Duration = time.Duration(durationMs) * time.Millisecond
	e.Gaps = splitGaps(gaps.String)
	return &e, nil
}
