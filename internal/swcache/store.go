package swcache

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// Storage 是持久化的具名缓存集合（相当于浏览器的 CacheStorage），存放在单个 sqlite 文件中。
type Storage struct {
	db  *sql.DB
	now func() time.Time
}

// Entry 是一条缓存的响应。
type Entry struct {
	URL      string
	Status   int
	Header   http.Header
	Body     []byte
	StoredAt time.Time
}

// Response 把 Entry 还原为可直接返回的 *http.Response。
func (e *Entry) Response(req *http.Request) *http.Response {
	h := e.Header.Clone()
	if h == nil {
		h = http.Header{}
	}
	h.Set("Content-Length", strconv.Itoa(len(e.Body)))
	return &http.Response{
		Status:        fmt.Sprintf("%d %s", e.Status, http.StatusText(e.Status)),
		StatusCode:    e.Status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        h,
		Body:          io.NopCloser(bytes.NewReader(e.Body)),
		ContentLength: int64(len(e.Body)),
		Request:       req,
	}
}

func Open(path string) (*Storage, error) {
	p := filepath.Clean(strings.TrimSpace(path))
	if p == "" || p == "." {
		return nil, errors.New("swcache: 缺少数据库路径")
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", p)
	if err != nil {
		return nil, err
	}
	// 单进程本地库：一个连接即可，也保证 PRAGMA 作用于同一连接。
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Storage{db: db, now: time.Now}, nil
}

func initSchema(db *sql.DB) error {
	if _, err := db.Exec(`PRAGMA journal_mode=WAL;`); err != nil {
		return fmt.Errorf("pragma journal_mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout=3000;`); err != nil {
		return fmt.Errorf("pragma busy_timeout: %w", err)
	}

	const targetVersion = 1
	var v int
	if err := db.QueryRow(`PRAGMA user_version;`).Scan(&v); err != nil {
		return fmt.Errorf("pragma user_version: %w", err)
	}
	if v >= targetVersion {
		return nil
	}

	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback()
	}()

	stmts := []string{`
CREATE TABLE IF NOT EXISTS cache_stores (
  name TEXT PRIMARY KEY,
  created_at_unix_ms INTEGER NOT NULL
)`, `
CREATE TABLE IF NOT EXISTS cache_entries (
  store TEXT NOT NULL,
  url TEXT NOT NULL,
  status INTEGER NOT NULL,
  header_json TEXT NOT NULL,
  body BLOB NOT NULL,
  stored_at_unix_ms INTEGER NOT NULL,
  PRIMARY KEY (store, url)
)`}
	for _, q := range stmts {
		if _, err := tx.Exec(q); err != nil {
			return fmt.Errorf("create schema: %w", err)
		}
	}
	if _, err := tx.Exec(fmt.Sprintf(`PRAGMA user_version=%d;`, targetVersion)); err != nil {
		return fmt.Errorf("pragma user_version: %w", err)
	}
	return tx.Commit()
}

func (s *Storage) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Open 打开（必要时创建）名为 name 的缓存。
func (s *Storage) Open(ctx context.Context, name string) (*Store, error) {
	if strings.TrimSpace(name) == "" {
		return nil, errors.New("swcache: 缺少缓存名")
	}
	if _, err := s.db.ExecContext(ctx, `
INSERT INTO cache_stores(name, created_at_unix_ms) VALUES(?, ?)
ON CONFLICT(name) DO NOTHING
`, name, s.now().UnixMilli()); err != nil {
		return nil, err
	}
	return &Store{s: s, name: name}, nil
}

// Names 按名字排序返回全部缓存名。
func (s *Storage) Names(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name FROM cache_stores ORDER BY name ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// Delete 删除整个缓存及其条目；不存在时返回 false。
func (s *Storage) Delete(ctx context.Context, name string) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if _, err := tx.ExecContext(ctx, `DELETE FROM cache_entries WHERE store = ?`, name); err != nil {
		return false, err
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM cache_stores WHERE name = ?`, name)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	if err := tx.Commit(); err != nil {
		return false, err
	}
	return n > 0, nil
}

// Store 是一个具名缓存（相当于浏览器的 Cache 对象）。
type Store struct {
	s    *Storage
	name string
}

func (st *Store) Name() string { return st.name }

// Match 查找 url 的缓存响应；未命中返回 (nil, false, nil)。
func (st *Store) Match(ctx context.Context, url string) (*Entry, bool, error) {
	var (
		e      = Entry{URL: url}
		header string
		ms     int64
	)
	err := st.s.db.QueryRowContext(ctx, `
SELECT status, header_json, body, stored_at_unix_ms
FROM cache_entries
WHERE store = ? AND url = ?
`, st.name, url).Scan(&e.Status, &header, &e.Body, &ms)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, err
	}
	if err := json.Unmarshal([]byte(header), &e.Header); err != nil {
		return nil, false, fmt.Errorf("swcache: 条目 header 损坏：%s：%w", url, err)
	}
	e.StoredAt = time.UnixMilli(ms)
	return &e, true, nil
}

// Put 写入或覆盖 url 的缓存响应。
func (st *Store) Put(ctx context.Context, e Entry) error {
	return st.PutAll(ctx, []Entry{e})
}

func (st *Store) Delete(ctx context.Context, url string) (bool, error) {
	res, err := st.s.db.ExecContext(ctx, `DELETE FROM cache_entries WHERE store = ? AND url = ?`, st.name, url)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// Keys 按 url 排序返回全部条目 url。
func (st *Store) Keys(ctx context.Context) ([]string, error) {
	rows, err := st.s.db.QueryContext(ctx, `SELECT url FROM cache_entries WHERE store = ? ORDER BY url ASC`, st.name)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

// PutAll 在一个事务中写入全部条目：要么全部写入，要么一条都不写。
func (st *Store) PutAll(ctx context.Context, entries []Entry) error {
	tx, err := st.s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback()
	}()

	now := st.s.now().UnixMilli()
	// 缓存可能已被 Storage.Delete 删除：写入时重新登记。
	if _, err := tx.ExecContext(ctx, `
INSERT INTO cache_stores(name, created_at_unix_ms) VALUES(?, ?)
ON CONFLICT(name) DO NOTHING
`, st.name, now); err != nil {
		return err
	}
	for _, e := range entries {
		if e.URL == "" {
			return errors.New("swcache: 条目缺少 url")
		}
		h, err := json.Marshal(e.Header)
		if err != nil {
			return err
		}
		if e.Body == nil {
			e.Body = []byte{}
		}
		if _, err := tx.ExecContext(ctx, `
INSERT INTO cache_entries(store, url, status, header_json, body, stored_at_unix_ms)
VALUES(?, ?, ?, ?, ?, ?)
ON CONFLICT(store, url) DO UPDATE SET
  status = excluded.status,
  header_json = excluded.header_json,
  body = excluded.body,
  stored_at_unix_ms = excluded.stored_at_unix_ms
`, st.name, e.URL, e.Status, string(h), e.Body, now); err != nil {
			return err
		}
	}
	return tx.Commit()
}
