package vectorstore

import (
	"context"
	"fmt"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"

	"crawshaw.io/sqlite"
	"golang.org/x/sync/singleflight"

	"github.com/olasunkanmi-SE/codebuddy-index/internal/errortypes"
	"github.com/olasunkanmi-SE/codebuddy-index/internal/telemetry"
	"github.com/olasunkanmi-SE/codebuddy-index/internal/vector"
)

const (
	// yieldEvery is how many scanned rows a search processes before giving
	// other goroutines a chance to run and checking for cancellation.
	yieldEvery = 500

	// minKeywordTokenLen drops noise tokens from keyword queries.
	minKeywordTokenLen = 3

	// DefaultFlushDebounce is the quiescence window before buffered writes
	// are committed when no explicit window is configured.
	DefaultFlushDebounce = 5 * time.Second
)

// SQLiteVectorStore is a VectorStore backed by a single SQLite database file.
//
// Mutations execute immediately inside a long-lived write transaction owned
// by the store; a debounced timer commits after a quiescence window so bursty
// indexing does not hit the disk on every call. SaveToDisk and Dispose commit
// synchronously. Batches nest in savepoints so a mid-batch failure rolls back
// only that batch.
//
// The database file is exclusively owned by one store instance per process.
type SQLiteVectorStore struct {
	mu          sync.Mutex
	conn        *sqlite.Conn
	dbPath      string
	initialized bool
	initGroup   singleflight.Group

	dirty      bool
	txOpen     bool
	flushTimer *time.Timer
	flushDelay time.Duration

	metrics *telemetry.MetricsCollector
}

// NewSQLiteVectorStore creates a new SQLiteVectorStore instance. A zero or
// negative flushDelay falls back to DefaultFlushDebounce.
func NewSQLiteVectorStore(flushDelay time.Duration, metrics *telemetry.MetricsCollector) *SQLiteVectorStore {
	if flushDelay <= 0 {
		flushDelay = DefaultFlushDebounce
	}
	if metrics == nil {
		metrics = telemetry.NewMetricsCollector()
	}
	return &SQLiteVectorStore{
		flushDelay: flushDelay,
		metrics:    metrics,
	}
}

var createStatements = []string{
	`CREATE TABLE IF NOT EXISTS chunks (
		id TEXT PRIMARY KEY,
		text TEXT NOT NULL,
		vector BLOB,
		file_path TEXT NOT NULL,
		start_line INTEGER NOT NULL,
		end_line INTEGER NOT NULL,
		chunk_type TEXT,
		language TEXT,
		indexed_at INTEGER NOT NULL
	);`,
	`CREATE INDEX IF NOT EXISTS idx_chunks_file_path ON chunks (file_path);`,
	`CREATE TABLE IF NOT EXISTS file_metadata (
		file_path TEXT PRIMARY KEY,
		file_hash TEXT NOT NULL,
		chunk_count INTEGER NOT NULL,
		indexed_at INTEGER NOT NULL
	);`,
}

// Initialize opens the SQLite database and creates the schema. Concurrent
// callers share one in-flight initialization; a failure is returned to every
// waiter and is not cached, so a later retry can re-attempt cleanly.
func (s *SQLiteVectorStore) Initialize(dbPath string) error {
	_, err, _ := s.initGroup.Do("initialize", func() (interface{}, error) {
		s.mu.Lock()
		defer s.mu.Unlock()

		if s.initialized {
			return nil, nil
		}

		conn, err := sqlite.OpenConn(dbPath, sqlite.SQLITE_OPEN_CREATE|sqlite.SQLITE_OPEN_READWRITE)
		if err != nil {
			return nil, errortypes.DatabaseError(err, "failed to open SQLite database").
				WithField("db_path", dbPath)
		}

		for _, stmt := range createStatements {
			if err := execOn(conn, stmt); err != nil {
				conn.Close()
				return nil, errortypes.DatabaseError(err, "failed to create schema")
			}
		}

		s.conn = conn
		s.dbPath = dbPath
		s.initialized = true
		return nil, nil
	})
	return err
}

// execOn prepares and steps a single statement with no bindings.
func execOn(conn *sqlite.Conn, sql string) error {
	stmt, err := conn.Prepare(sql)
	if err != nil {
		return fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer stmt.Reset()

	if _, err := stmt.Step(); err != nil {
		return fmt.Errorf("failed to execute statement: %w", err)
	}
	return nil
}

func (s *SQLiteVectorStore) execLocked(sql string) error {
	return execOn(s.conn, sql)
}

// beginTxLocked opens the store's long-lived write transaction if one is not
// already open.
func (s *SQLiteVectorStore) beginTxLocked() error {
	if s.txOpen {
		return nil
	}
	if err := s.execLocked("BEGIN IMMEDIATE;"); err != nil {
		return err
	}
	s.txOpen = true
	return nil
}

// scheduleFlushLocked marks the store dirty and (re)starts the single
// debounce timer. Each new mutation pushes the commit out to a full
// quiescence window.
func (s *SQLiteVectorStore) scheduleFlushLocked() {
	s.dirty = true
	if s.flushTimer != nil {
		s.flushTimer.Stop()
	}
	s.flushTimer = time.AfterFunc(s.flushDelay, func() {
		_ = s.SaveToDisk()
	})
}

// flushLocked commits the open transaction, if any, and clears the dirty
// flag and pending timer.
func (s *SQLiteVectorStore) flushLocked() error {
	if s.flushTimer != nil {
		s.flushTimer.Stop()
		s.flushTimer = nil
	}
	if !s.txOpen {
		s.dirty = false
		return nil
	}
	if err := s.execLocked("COMMIT;"); err != nil {
		return errortypes.DatabaseError(err, "failed to commit buffered writes")
	}
	s.txOpen = false
	s.dirty = false
	s.metrics.IncrementCounter(telemetry.MetricStoreFlushes, 1)
	return nil
}

// SaveToDisk synchronously commits any buffered writes.
func (s *SQLiteVectorStore) SaveToDisk() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.initialized {
		return nil
	}
	return s.flushLocked()
}

// IsFileChanged reports whether filePath is unseen or stored with a hash
// different from contentHash.
func (s *SQLiteVectorStore) IsFileChanged(filePath string, contentHash string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Before initialization every file counts as changed; the caller is
	// about to do the work that creates the store anyway.
	if !s.initialized {
		return true, nil
	}

	stmt, err := s.conn.Prepare(`SELECT file_hash FROM file_metadata WHERE file_path = ?;`)
	if err != nil {
		return false, errortypes.DatabaseError(err, "failed to prepare hash lookup")
	}
	defer stmt.Reset()
	stmt.BindText(1, filePath)

	hasRow, err := stmt.Step()
	if err != nil {
		return false, errortypes.DatabaseError(err, "failed to look up file hash").
			WithField("file_path", filePath)
	}
	if !hasRow {
		return true, nil
	}
	return stmt.ColumnText(0) != contentHash, nil
}

// AddDocument upserts one chunk record.
func (s *SQLiteVectorStore) AddDocument(ctx context.Context, doc Document) error {
	return s.AddDocuments(ctx, []Document{doc})
}

// AddDocuments upserts a batch of chunk records atomically: a failure on any
// record rolls the whole batch back and no partial state is visible.
func (s *SQLiteVectorStore) AddDocuments(ctx context.Context, docs []Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Writes before initialization are dropped rather than failed so callers
	// can index speculatively during startup races.
	if !s.initialized || len(docs) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	if err := s.beginTxLocked(); err != nil {
		return errortypes.DatabaseError(err, "failed to begin transaction")
	}
	if err := s.execLocked("SAVEPOINT add_documents;"); err != nil {
		return errortypes.DatabaseError(err, "failed to create savepoint")
	}

	for _, doc := range docs {
		if err := s.upsertLocked(doc); err != nil {
			// Unwind only this batch; earlier buffered writes survive.
			_ = s.execLocked("ROLLBACK TO add_documents;")
			_ = s.execLocked("RELEASE add_documents;")
			return err
		}
	}

	if err := s.execLocked("RELEASE add_documents;"); err != nil {
		return errortypes.DatabaseError(err, "failed to release savepoint")
	}

	s.scheduleFlushLocked()
	s.metrics.IncrementCounter(telemetry.MetricStoreDocumentsUpserted, int64(len(docs)))
	return nil
}

func (s *SQLiteVectorStore) upsertLocked(doc Document) error {
	if doc.ID == "" {
		return errortypes.ValidationError(fmt.Errorf("document has empty id"), "refusing to store document").
			WithField("file_path", doc.FilePath)
	}

	stmt, err := s.conn.Prepare(`
	INSERT OR REPLACE INTO chunks
		(id, text, vector, file_path, start_line, end_line, chunk_type, language, indexed_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?);`)
	if err != nil {
		return errortypes.DatabaseError(err, "failed to prepare upsert")
	}
	defer stmt.Reset()

	stmt.BindText(1, doc.ID)
	stmt.BindText(2, doc.Text)
	if len(doc.Vector) == 0 {
		stmt.BindNull(3)
	} else {
		stmt.BindBytes(3, vector.Float32SliceToBytes(doc.Vector))
	}
	stmt.BindText(4, doc.FilePath)
	stmt.BindInt64(5, int64(doc.StartLine))
	stmt.BindInt64(6, int64(doc.EndLine))
	stmt.BindText(7, doc.ChunkType)
	stmt.BindText(8, doc.Language)
	stmt.BindInt64(9, time.Now().Unix())

	if _, err := stmt.Step(); err != nil {
		return errortypes.DatabaseError(err, "failed to upsert chunk").
			WithField("id", doc.ID)
	}
	return nil
}

// RemoveFile deletes all chunk records and the metadata record for filePath.
// A file with no records is a no-op, not an error.
func (s *SQLiteVectorStore) RemoveFile(filePath string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.initialized {
		return nil
	}

	if err := s.beginTxLocked(); err != nil {
		return errortypes.DatabaseError(err, "failed to begin transaction")
	}

	for _, sql := range []string{
		`DELETE FROM chunks WHERE file_path = ?;`,
		`DELETE FROM file_metadata WHERE file_path = ?;`,
	} {
		stmt, err := s.conn.Prepare(sql)
		if err != nil {
			return errortypes.DatabaseError(err, "failed to prepare delete")
		}
		stmt.BindText(1, filePath)
		if _, err := stmt.Step(); err != nil {
			stmt.Reset()
			return errortypes.DatabaseError(err, "failed to delete file records").
				WithField("file_path", filePath)
		}
		stmt.Reset()
	}

	s.scheduleFlushLocked()
	s.metrics.IncrementCounter(telemetry.MetricStoreFilesRemoved, 1)
	return nil
}

// UpdateFileMetadata upserts the metadata row for filePath.
func (s *SQLiteVectorStore) UpdateFileMetadata(filePath string, fileHash string, chunkCount int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.initialized {
		return nil
	}

	if err := s.beginTxLocked(); err != nil {
		return errortypes.DatabaseError(err, "failed to begin transaction")
	}

	stmt, err := s.conn.Prepare(`
	INSERT OR REPLACE INTO file_metadata (file_path, file_hash, chunk_count, indexed_at)
	VALUES (?, ?, ?, ?);`)
	if err != nil {
		return errortypes.DatabaseError(err, "failed to prepare metadata upsert")
	}
	defer stmt.Reset()

	stmt.BindText(1, filePath)
	stmt.BindText(2, fileHash)
	stmt.BindInt64(3, int64(chunkCount))
	stmt.BindInt64(4, time.Now().Unix())

	if _, err := stmt.Step(); err != nil {
		return errortypes.DatabaseError(err, "failed to upsert file metadata").
			WithField("file_path", filePath)
	}

	s.scheduleFlushLocked()
	return nil
}

// Search scans every chunk that has a vector, ranks by cosine similarity
// against queryVector, drops results below threshold, and returns the top k.
// The scan yields every few hundred rows and honors ctx cancellation at
// those points.
func (s *SQLiteVectorStore) Search(ctx context.Context, queryVector []float32, k int, threshold float64) ([]SearchResult, error) {
	start := time.Now()
	defer func() {
		s.metrics.RecordTimer(telemetry.MetricStoreSearchTime, time.Since(start))
	}()

	s.mu.Lock()
	defer s.mu.Unlock()

	// Reads before initialization return empty rather than erroring so
	// callers can search speculatively during startup.
	if !s.initialized || k <= 0 {
		return []SearchResult{}, nil
	}
	s.metrics.IncrementCounter(telemetry.MetricStoreSearches, 1)

	stmt, err := s.conn.Prepare(`
	SELECT id, text, vector, file_path, start_line, end_line, chunk_type, language
	FROM chunks WHERE vector IS NOT NULL;`)
	if err != nil {
		return nil, errortypes.DatabaseError(err, "failed to prepare search scan")
	}
	defer stmt.Reset()

	var results []SearchResult
	scanned := 0
	for {
		hasRow, err := stmt.Step()
		if err != nil {
			return nil, errortypes.DatabaseError(err, "failed to scan chunks")
		}
		if !hasRow {
			break
		}

		scanned++
		if scanned%yieldEvery == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			runtime.Gosched()
		}

		doc, err := readDocumentRow(stmt)
		if err != nil {
			return nil, err
		}
		if len(doc.Vector) == 0 {
			continue
		}

		similarity, err := vector.CosineSimilarity(queryVector, doc.Vector)
		if err != nil {
			return nil, errortypes.ValidationError(err, "query vector does not match stored vectors").
				WithField("id", doc.ID)
		}
		if similarity >= threshold {
			results = append(results, SearchResult{Document: doc, Similarity: similarity})
		}
	}

	sort.Slice(results, func(i, j int) bool {
		return results[i].Similarity > results[j].Similarity
	})
	if len(results) > k {
		results = results[:k]
	}
	if results == nil {
		results = []SearchResult{}
	}
	return results, nil
}

// KeywordSearch tokenizes query on whitespace, drops tokens shorter than
// three characters, and scores each chunk by how many tokens appear as
// case-insensitive substrings of its text. Records scoring zero are
// excluded. The scoring is deliberately simple; see scoreKeywords to tune it.
func (s *SQLiteVectorStore) KeywordSearch(ctx context.Context, query string, k int) ([]KeywordResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.initialized || k <= 0 {
		return []KeywordResult{}, nil
	}
	s.metrics.IncrementCounter(telemetry.MetricStoreKeywordSearches, 1)

	var tokens []string
	for _, tok := range strings.Fields(strings.ToLower(query)) {
		if len(tok) >= minKeywordTokenLen {
			tokens = append(tokens, tok)
		}
	}
	if len(tokens) == 0 {
		return []KeywordResult{}, nil
	}

	stmt, err := s.conn.Prepare(`
	SELECT id, text, vector, file_path, start_line, end_line, chunk_type, language
	FROM chunks;`)
	if err != nil {
		return nil, errortypes.DatabaseError(err, "failed to prepare keyword scan")
	}
	defer stmt.Reset()

	var results []KeywordResult
	scanned := 0
	for {
		hasRow, err := stmt.Step()
		if err != nil {
			return nil, errortypes.DatabaseError(err, "failed to scan chunks")
		}
		if !hasRow {
			break
		}

		scanned++
		if scanned%yieldEvery == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			runtime.Gosched()
		}

		doc, err := readDocumentRow(stmt)
		if err != nil {
			return nil, err
		}

		if score := scoreKeywords(doc.Text, tokens); score > 0 {
			results = append(results, KeywordResult{Document: doc, Score: score})
		}
	}

	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Score > results[j].Score
	})
	if len(results) > k {
		results = results[:k]
	}
	if results == nil {
		results = []KeywordResult{}
	}
	return results, nil
}

// scoreKeywords counts how many tokens appear in text. Substring counting
// can favor long texts; it is a tunable, not a ranking guarantee.
func scoreKeywords(text string, tokens []string) int {
	lower := strings.ToLower(text)
	score := 0
	for _, tok := range tokens {
		if strings.Contains(lower, tok) {
			score++
		}
	}
	return score
}

// readDocumentRow decodes the current row of a chunk scan into a typed
// Document, rejecting malformed vector blobs.
func readDocumentRow(stmt *sqlite.Stmt) (Document, error) {
	doc := Document{
		ID:        stmt.ColumnText(0),
		Text:      stmt.ColumnText(1),
		FilePath:  stmt.ColumnText(3),
		StartLine: int(stmt.ColumnInt64(4)),
		EndLine:   int(stmt.ColumnInt64(5)),
		ChunkType: stmt.ColumnText(6),
		Language:  stmt.ColumnText(7),
	}

	if blobLen := stmt.ColumnLen(2); blobLen > 0 {
		blob := make([]byte, blobLen)
		stmt.ColumnBytes(2, blob)
		vec, err := vector.BytesToFloat32Slice(blob)
		if err != nil {
			return Document{}, errortypes.DatabaseError(err, "malformed vector blob").
				WithField("id", doc.ID)
		}
		doc.Vector = vec
	}
	return doc, nil
}

// GetStats returns counts describing the store contents.
func (s *SQLiteVectorStore) GetStats() (Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.initialized {
		return Stats{}, nil
	}

	stats := Stats{DBPath: s.dbPath}

	counts := []struct {
		sql  string
		dest *int
	}{
		{`SELECT COUNT(*) FROM chunks;`, &stats.TotalChunks},
		{`SELECT COUNT(*) FROM chunks WHERE vector IS NOT NULL;`, &stats.ChunksWithVectors},
		{`SELECT COUNT(*) FROM file_metadata;`, &stats.TotalFiles},
	}

	for _, c := range counts {
		stmt, err := s.conn.Prepare(c.sql)
		if err != nil {
			return Stats{}, errortypes.DatabaseError(err, "failed to prepare count")
		}
		hasRow, err := stmt.Step()
		if err != nil {
			stmt.Reset()
			return Stats{}, errortypes.DatabaseError(err, "failed to count records")
		}
		if hasRow {
			*c.dest = int(stmt.ColumnInt64(0))
		}
		stmt.Reset()
	}

	return stats, nil
}

// GetIndexedFiles lists the metadata of every indexed file.
func (s *SQLiteVectorStore) GetIndexedFiles() ([]FileMetadata, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.initialized {
		return []FileMetadata{}, nil
	}

	stmt, err := s.conn.Prepare(`
	SELECT file_path, file_hash, chunk_count, indexed_at
	FROM file_metadata ORDER BY file_path;`)
	if err != nil {
		return nil, errortypes.DatabaseError(err, "failed to prepare metadata scan")
	}
	defer stmt.Reset()

	files := []FileMetadata{}
	for {
		hasRow, err := stmt.Step()
		if err != nil {
			return nil, errortypes.DatabaseError(err, "failed to scan file metadata")
		}
		if !hasRow {
			break
		}

		files = append(files, FileMetadata{
			FilePath:   stmt.ColumnText(0),
			FileHash:   stmt.ColumnText(1),
			ChunkCount: int(stmt.ColumnInt64(2)),
			IndexedAt:  time.Unix(stmt.ColumnInt64(3), 0),
		})
	}
	return files, nil
}

// GetDocument fetches one chunk record by id.
func (s *SQLiteVectorStore) GetDocument(id string) (Document, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.initialized {
		return Document{}, false, nil
	}

	stmt, err := s.conn.Prepare(`
	SELECT id, text, vector, file_path, start_line, end_line, chunk_type, language
	FROM chunks WHERE id = ?;`)
	if err != nil {
		return Document{}, false, errortypes.DatabaseError(err, "failed to prepare lookup")
	}
	defer stmt.Reset()
	stmt.BindText(1, id)

	hasRow, err := stmt.Step()
	if err != nil {
		return Document{}, false, errortypes.DatabaseError(err, "failed to look up chunk").
			WithField("id", id)
	}
	if !hasRow {
		return Document{}, false, nil
	}

	doc, err := readDocumentRow(stmt)
	if err != nil {
		return Document{}, false, err
	}
	return doc, true, nil
}

// Clear removes every chunk and metadata record and commits immediately.
func (s *SQLiteVectorStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.initialized {
		return nil
	}

	if err := s.beginTxLocked(); err != nil {
		return errortypes.DatabaseError(err, "failed to begin transaction")
	}
	for _, sql := range []string{`DELETE FROM chunks;`, `DELETE FROM file_metadata;`} {
		if err := s.execLocked(sql); err != nil {
			return errortypes.DatabaseError(err, "failed to clear store")
		}
	}
	return s.flushLocked()
}

// Dispose flushes pending writes, cancels the debounce timer, and closes the
// database. The store reports uninitialized afterwards.
func (s *SQLiteVectorStore) Dispose() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.initialized {
		return nil
	}

	flushErr := s.flushLocked()

	err := s.conn.Close()
	s.conn = nil
	s.initialized = false
	if flushErr != nil {
		return flushErr
	}
	if err != nil {
		return errortypes.DatabaseError(err, "failed to close database")
	}
	return nil
}
