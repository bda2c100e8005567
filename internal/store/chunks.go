package store

import (
	"context"
	"database/sql"
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"

	_ "modernc.org/sqlite" // Pure Go SQLite driver (no CGO)

	qerrors "github.com/quarrylabs/quarry/internal/errors"
)

// ChunkStore persists chunk content and metadata in SQLite. Result
// enrichment reads from here after ranking, so index entries only
// carry chunk IDs. WAL mode allows concurrent readers during writes.
type ChunkStore struct {
	mu     sync.RWMutex
	db     *sql.DB
	path   string
	closed bool
}

const chunkSchema = `
CREATE TABLE IF NOT EXISTS chunks (
	id       TEXT PRIMARY KEY,
	kb_id    TEXT NOT NULL,
	doc_id   TEXT NOT NULL,
	doc_name TEXT NOT NULL,
	position INTEGER NOT NULL,
	content  TEXT NOT NULL,
	embedding BLOB
);
CREATE INDEX IF NOT EXISTS idx_chunks_kb ON chunks(kb_id);
CREATE INDEX IF NOT EXISTS idx_chunks_doc ON chunks(kb_id, doc_id);
`

// NewChunkStore opens or creates the chunk database at path. An empty
// path creates an in-memory store.
func NewChunkStore(path string) (*ChunkStore, error) {
	dsn := ":memory:"
	if path != "" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create store directory: %w", err)
		}
		dsn = path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, qerrors.Wrap(qerrors.ErrCodeStoreIO, err)
	}

	if _, err := db.Exec(chunkSchema); err != nil {
		db.Close()
		return nil, qerrors.Wrap(qerrors.ErrCodeStoreIO, err)
	}

	return &ChunkStore{db: db, path: path}, nil
}

// Put inserts or replaces chunks in one transaction.
func (s *ChunkStore) Put(ctx context.Context, chunks []*Chunk) error {
	if len(chunks) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return qerrors.Wrap(qerrors.ErrCodeStoreIO, err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO chunks (id, kb_id, doc_id, doc_name, position, content, embedding)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			kb_id = excluded.kb_id,
			doc_id = excluded.doc_id,
			doc_name = excluded.doc_name,
			position = excluded.position,
			content = excluded.content,
			embedding = excluded.embedding`)
	if err != nil {
		return qerrors.Wrap(qerrors.ErrCodeStoreIO, err)
	}
	defer stmt.Close()

	for _, c := range chunks {
		if _, err := stmt.ExecContext(ctx, c.ID, c.KBID, c.DocID, c.DocName, c.Position, c.Content, encodeVector(c.Embedding)); err != nil {
			return qerrors.Wrap(qerrors.ErrCodeStoreIO, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return qerrors.Wrap(qerrors.ErrCodeStoreIO, err)
	}
	return nil
}

// Get returns one chunk by ID.
func (s *ChunkStore) Get(ctx context.Context, id string) (*Chunk, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrClosed
	}

	row := s.db.QueryRowContext(ctx, `
		SELECT id, kb_id, doc_id, doc_name, position, content, embedding
		FROM chunks WHERE id = ?`, id)

	var c Chunk
	var emb []byte
	err := row.Scan(&c.ID, &c.KBID, &c.DocID, &c.DocName, &c.Position, &c.Content, &emb)
	if err == sql.ErrNoRows {
		return nil, qerrors.New(qerrors.ErrCodeChunkNotFound,
			fmt.Sprintf("chunk %q not found", id), nil).WithDetail("chunk_id", id)
	}
	if err != nil {
		return nil, qerrors.Wrap(qerrors.ErrCodeStoreIO, err)
	}
	c.Embedding = decodeVector(emb)
	return &c, nil
}

// GetMany returns chunks for the given IDs, keyed by ID. Missing IDs
// are simply absent from the result.
func (s *ChunkStore) GetMany(ctx context.Context, ids []string) (map[string]*Chunk, error) {
	out := make(map[string]*Chunk, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrClosed
	}

	placeholders := strings.Repeat("?,", len(ids))
	placeholders = placeholders[:len(placeholders)-1]
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, kb_id, doc_id, doc_name, position, content, embedding
		FROM chunks WHERE id IN (`+placeholders+`)`, args...)
	if err != nil {
		return nil, qerrors.Wrap(qerrors.ErrCodeStoreIO, err)
	}
	defer rows.Close()

	for rows.Next() {
		var c Chunk
		var emb []byte
		if err := rows.Scan(&c.ID, &c.KBID, &c.DocID, &c.DocName, &c.Position, &c.Content, &emb); err != nil {
			return nil, qerrors.Wrap(qerrors.ErrCodeStoreIO, err)
		}
		c.Embedding = decodeVector(emb)
		out[c.ID] = &c
	}
	return out, rows.Err()
}

// ByKB returns every chunk in a knowledge base in document order,
// embeddings included. Engines rebuild their in-memory indexes from
// this at startup.
func (s *ChunkStore) ByKB(ctx context.Context, kbID string) ([]*Chunk, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrClosed
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, kb_id, doc_id, doc_name, position, content, embedding
		FROM chunks WHERE kb_id = ? ORDER BY doc_id, position`, kbID)
	if err != nil {
		return nil, qerrors.Wrap(qerrors.ErrCodeStoreIO, err)
	}
	defer rows.Close()

	var out []*Chunk
	for rows.Next() {
		var c Chunk
		var emb []byte
		if err := rows.Scan(&c.ID, &c.KBID, &c.DocID, &c.DocName, &c.Position, &c.Content, &emb); err != nil {
			return nil, qerrors.Wrap(qerrors.ErrCodeStoreIO, err)
		}
		c.Embedding = decodeVector(emb)
		out = append(out, &c)
	}
	return out, rows.Err()
}

// KBs lists the knowledge bases with at least one stored chunk.
func (s *ChunkStore) KBs(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrClosed
	}

	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT kb_id FROM chunks ORDER BY kb_id`)
	if err != nil {
		return nil, qerrors.Wrap(qerrors.ErrCodeStoreIO, err)
	}
	defer rows.Close()

	var kbs []string
	for rows.Next() {
		var kb string
		if err := rows.Scan(&kb); err != nil {
			return nil, qerrors.Wrap(qerrors.ErrCodeStoreIO, err)
		}
		kbs = append(kbs, kb)
	}
	return kbs, rows.Err()
}

// Delete removes chunks by ID.
func (s *ChunkStore) Delete(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}

	placeholders := strings.Repeat("?,", len(ids))
	placeholders = placeholders[:len(placeholders)-1]
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	_, err := s.db.ExecContext(ctx, `DELETE FROM chunks WHERE id IN (`+placeholders+`)`, args...)
	if err != nil {
		return qerrors.Wrap(qerrors.ErrCodeStoreIO, err)
	}
	return nil
}

// IDsByDoc returns the chunk IDs belonging to one document.
func (s *ChunkStore) IDsByDoc(ctx context.Context, kbID, docID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrClosed
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM chunks WHERE kb_id = ? AND doc_id = ? ORDER BY position`, kbID, docID)
	if err != nil {
		return nil, qerrors.Wrap(qerrors.ErrCodeStoreIO, err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, qerrors.Wrap(qerrors.ErrCodeStoreIO, err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// CountByKB returns the number of stored chunks for a knowledge base.
func (s *ChunkStore) CountByKB(ctx context.Context, kbID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return 0, ErrClosed
	}

	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM chunks WHERE kb_id = ?`, kbID).Scan(&n)
	if err != nil {
		return 0, qerrors.Wrap(qerrors.ErrCodeStoreIO, err)
	}
	return n, nil
}

// encodeVector packs a float32 vector as little-endian bytes. Nil
// vectors map to a NULL column.
func encodeVector(v []float32) []byte {
	if len(v) == 0 {
		return nil
	}
	buf := make([]byte, 4*len(v))
	for i, x := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(x))
	}
	return buf
}

func decodeVector(b []byte) []float32 {
	if len(b) < 4 {
		return nil
	}
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return v
}

// Close closes the database.
func (s *ChunkStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}
