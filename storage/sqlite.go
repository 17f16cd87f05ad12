package storage

import (
	"context"
	"database/sql"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite" // SQLite driver

	"videoSearch/core"
	"videoSearch/utils"
)

// fixed width so that text order matches time order
const sqliteTimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// SQLiteStore implements Store on a single SQLite file (or ":memory:").
type SQLiteStore struct {
	db   *sql.DB
	path string
}

// NewSQLiteStore opens path, enables foreign keys and applies migrations.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if path != ":memory:" {
		if err := utils.EnsureDir(filepath.Dir(path)); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// 单连接：内存库只存在于该连接上，同时也串行化写入
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}
	if path != ":memory:" {
		if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set busy timeout: %w", err)
		}
	}
	if err := MigrateUp("sqlite", db); err != nil {
		db.Close()
		return nil, err
	}
	return &SQLiteStore{db: db, path: path}, nil
}

// DB exposes the underlying connection for tooling.
func (s *SQLiteStore) DB() *sql.DB { return s.db }

func (s *SQLiteStore) Close() error { return s.db.Close() }

const sqliteVideoColumns = `v.id, v.owner_id, v.title, v.description, v.file_path, v.duration, v.file_size,
	v.format, v.resolution, v.processing_status, v.failure_reason, v.metadata, v.created_at, v.updated_at`

const sqliteTranscriptColumns = `t.id, t.video_id, t.start_time, t.end_time, t.text, t.vector_id,
	t.confidence, t.segment_index, t.created_at`

type sqliteVideoRow struct {
	v         core.Video
	duration  sql.NullFloat64
	fileSize  sql.NullInt64
	status    string
	metadata  string
	createdAt string
	updatedAt string
}

func (r *sqliteVideoRow) dest() []any {
	return []any{&r.v.ID, &r.v.OwnerID, &r.v.Title, &r.v.Description, &r.v.FilePath, &r.duration, &r.fileSize,
		&r.v.Format, &r.v.Resolution, &r.status, &r.v.FailureReason, &r.metadata, &r.createdAt, &r.updatedAt}
}

func (r *sqliteVideoRow) video() (core.Video, error) {
	v := r.v
	if r.duration.Valid {
		d := r.duration.Float64
		v.Duration = &d
	}
	if r.fileSize.Valid {
		n := r.fileSize.Int64
		v.FileSize = &n
	}
	v.Status = core.ProcessingStatus(r.status)
	md, err := decodeMetadata([]byte(r.metadata))
	if err != nil {
		return v, err
	}
	v.Metadata = md
	if v.CreatedAt, err = time.Parse(sqliteTimeLayout, r.createdAt); err != nil {
		return v, fmt.Errorf("parse created_at: %w", err)
	}
	if v.UpdatedAt, err = time.Parse(sqliteTimeLayout, r.updatedAt); err != nil {
		return v, fmt.Errorf("parse updated_at: %w", err)
	}
	return v, nil
}

type sqliteTranscriptRow struct {
	t          core.Transcript
	vectorID   sql.NullString
	confidence sql.NullFloat64
	createdAt  string
}

func (r *sqliteTranscriptRow) dest() []any {
	return []any{&r.t.ID, &r.t.VideoID, &r.t.StartTime, &r.t.EndTime, &r.t.Text, &r.vectorID,
		&r.confidence, &r.t.SegmentIndex, &r.createdAt}
}

func (r *sqliteTranscriptRow) transcript() (core.Transcript, error) {
	t := r.t
	if r.vectorID.Valid {
		id := r.vectorID.String
		t.VectorID = &id
	}
	if r.confidence.Valid {
		c := r.confidence.Float64
		t.Confidence = &c
	}
	var err error
	if t.CreatedAt, err = time.Parse(sqliteTimeLayout, r.createdAt); err != nil {
		return t, fmt.Errorf("parse created_at: %w", err)
	}
	return t, nil
}

func (s *SQLiteStore) CreateVideo(ctx context.Context, v *core.Video) error {
	now := time.Now().UTC()
	if v.CreatedAt.IsZero() {
		v.CreatedAt = now
	}
	v.UpdatedAt = now
	if v.Status == "" {
		v.Status = core.StatusPending
	}
	md, err := encodeMetadata(v.Metadata)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO videos (id, owner_id, title, description, file_path, duration, file_size,
			format, resolution, processing_status, failure_reason, metadata, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		v.ID, v.OwnerID, v.Title, v.Description, v.FilePath, v.Duration, v.FileSize,
		v.Format, v.Resolution, string(v.Status), v.FailureReason, string(md),
		v.CreatedAt.UTC().Format(sqliteTimeLayout), v.UpdatedAt.Format(sqliteTimeLayout))
	if err != nil {
		return fmt.Errorf("insert video: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetVideo(ctx context.Context, id string) (*core.Video, error) {
	var row sqliteVideoRow
	err := s.db.QueryRowContext(ctx, `SELECT `+sqliteVideoColumns+` FROM videos v WHERE v.id = ?`, id).Scan(row.dest()...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get video: %w", err)
	}
	v, err := row.video()
	if err != nil {
		return nil, err
	}
	return &v, nil
}

func (s *SQLiteStore) ListVideos(ctx context.Context, ownerID string, skip, limit int) ([]core.Video, error) {
	skip, limit = clampPage(skip, limit)
	rows, err := s.db.QueryContext(ctx, `SELECT `+sqliteVideoColumns+` FROM videos v
		WHERE v.owner_id = ? ORDER BY v.created_at DESC, v.id LIMIT ? OFFSET ?`, ownerID, limit, skip)
	if err != nil {
		return nil, fmt.Errorf("list videos: %w", err)
	}
	defer rows.Close()

	videos := []core.Video{}
	for rows.Next() {
		var row sqliteVideoRow
		if err := rows.Scan(row.dest()...); err != nil {
			return nil, fmt.Errorf("scan video: %w", err)
		}
		v, err := row.video()
		if err != nil {
			return nil, err
		}
		videos = append(videos, v)
	}
	return videos, rows.Err()
}

func (s *SQLiteStore) ListUnfinished(ctx context.Context) ([]core.Video, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+sqliteVideoColumns+` FROM videos v
		WHERE v.processing_status IN (?, ?) ORDER BY v.created_at, v.id`,
		string(core.StatusPending), string(core.StatusProcessing))
	if err != nil {
		return nil, fmt.Errorf("list unfinished videos: %w", err)
	}
	defer rows.Close()

	videos := []core.Video{}
	for rows.Next() {
		var row sqliteVideoRow
		if err := rows.Scan(row.dest()...); err != nil {
			return nil, fmt.Errorf("scan video: %w", err)
		}
		v, err := row.video()
		if err != nil {
			return nil, err
		}
		videos = append(videos, v)
	}
	return videos, rows.Err()
}

func (s *SQLiteStore) DeleteVideo(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM videos WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete video: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) ListSegments(ctx context.Context, videoID string) ([]core.VideoSegment, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, video_id, start_time, end_time, segment_path, created_at
		FROM video_segments WHERE video_id = ? ORDER BY start_time, id`, videoID)
	if err != nil {
		return nil, fmt.Errorf("list segments: %w", err)
	}
	defer rows.Close()

	segments := []core.VideoSegment{}
	for rows.Next() {
		var (
			seg       core.VideoSegment
			createdAt string
		)
		if err := rows.Scan(&seg.ID, &seg.VideoID, &seg.StartTime, &seg.EndTime, &seg.SegmentPath, &createdAt); err != nil {
			return nil, fmt.Errorf("scan segment: %w", err)
		}
		if seg.CreatedAt, err = time.Parse(sqliteTimeLayout, createdAt); err != nil {
			return nil, fmt.Errorf("parse created_at: %w", err)
		}
		segments = append(segments, seg)
	}
	return segments, rows.Err()
}

func (s *SQLiteStore) ListTranscripts(ctx context.Context, videoID string, skip, limit int) ([]core.Transcript, error) {
	skip, limit = clampPage(skip, limit)
	rows, err := s.db.QueryContext(ctx, `SELECT `+sqliteTranscriptColumns+` FROM transcripts t
		WHERE t.video_id = ? ORDER BY t.start_time, t.segment_index LIMIT ? OFFSET ?`, videoID, limit, skip)
	if err != nil {
		return nil, fmt.Errorf("list transcripts: %w", err)
	}
	defer rows.Close()

	transcripts := []core.Transcript{}
	for rows.Next() {
		var row sqliteTranscriptRow
		if err := rows.Scan(row.dest()...); err != nil {
			return nil, fmt.Errorf("scan transcript: %w", err)
		}
		t, err := row.transcript()
		if err != nil {
			return nil, err
		}
		transcripts = append(transcripts, t)
	}
	return transcripts, rows.Err()
}

func (s *SQLiteStore) MarkProcessing(ctx context.Context, id string) error {
	return s.transition(ctx, id, []core.ProcessingStatus{core.StatusPending}, core.StatusProcessing, "")
}

func (s *SQLiteStore) MarkFailed(ctx context.Context, id, reason string) error {
	return s.transition(ctx, id, []core.ProcessingStatus{core.StatusPending, core.StatusProcessing}, core.StatusFailed, reason)
}

func (s *SQLiteStore) transition(ctx context.Context, id string, from []core.ProcessingStatus, to core.ProcessingStatus, reason string) error {
	args := []any{string(to), reason, time.Now().UTC().Format(sqliteTimeLayout), id}
	for _, f := range from {
		args = append(args, string(f))
	}
	res, err := s.db.ExecContext(ctx, `UPDATE videos SET processing_status = ?, failure_reason = ?, updated_at = ?
		WHERE id = ? AND processing_status IN (`+placeholders(len(from))+`)`, args...)
	if err != nil {
		return fmt.Errorf("update status to %s: %w", to, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return s.transitionError(ctx, id, to)
	}
	return nil
}

func (s *SQLiteStore) transitionError(ctx context.Context, id string, to core.ProcessingStatus) error {
	var current string
	err := s.db.QueryRowContext(ctx, `SELECT processing_status FROM videos WHERE id = ?`, id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("read status: %w", err)
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current, to)
}

func (s *SQLiteStore) CommitIngestion(ctx context.Context, res *core.IngestionResult) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	var (
		status   string
		existing string
	)
	err = tx.QueryRowContext(ctx, `SELECT processing_status, metadata FROM videos WHERE id = ?`, res.VideoID).Scan(&status, &existing)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("read video: %w", err)
	}
	if core.ProcessingStatus(status) != core.StatusProcessing {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, status, core.StatusCompleted)
	}
	prev, err := decodeMetadata([]byte(existing))
	if err != nil {
		return err
	}
	md, err := encodeMetadata(mergeProbe(prev, res))
	if err != nil {
		return err
	}

	now := time.Now().UTC().Format(sqliteTimeLayout)
	_, err = tx.ExecContext(ctx, `UPDATE videos SET duration = ?, file_size = ?, format = ?, resolution = ?,
		metadata = ?, processing_status = ?, failure_reason = '', updated_at = ? WHERE id = ?`,
		res.Probe.Duration, res.Probe.FileSize, res.Probe.Format, res.Probe.Resolution(),
		string(md), string(core.StatusCompleted), now, res.VideoID)
	if err != nil {
		return fmt.Errorf("update video: %w", err)
	}

	for _, seg := range res.Segments {
		_, err := tx.ExecContext(ctx, `INSERT INTO video_segments (id, video_id, start_time, end_time, segment_path, created_at)
			VALUES (?, ?, ?, ?, ?, ?)`, seg.ID, res.VideoID, seg.StartTime, seg.EndTime, seg.SegmentPath, now)
		if err != nil {
			return fmt.Errorf("insert segment %s: %w", seg.ID, err)
		}
	}
	for _, t := range res.Transcripts {
		var blob []byte
		if t.VectorID != nil {
			blob = encodeVector(t.Embedding)
		}
		_, err := tx.ExecContext(ctx, `INSERT INTO transcripts (id, video_id, start_time, end_time, text, vector_id,
			confidence, segment_index, embedding, created_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			t.ID, res.VideoID, t.StartTime, t.EndTime, t.Text, t.VectorID, t.Confidence, t.SegmentIndex, blob, now)
		if err != nil {
			return fmt.Errorf("insert transcript %d: %w", t.SegmentIndex, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (s *SQLiteStore) FindByVectorIDs(ctx context.Context, ownerID string, ids []string, minConfidence float64) ([]core.TranscriptMatch, error) {
	if len(ids) == 0 {
		return []core.TranscriptMatch{}, nil
	}
	args := make([]any, 0, len(ids)+3)
	for _, id := range ids {
		args = append(args, id)
	}
	args = append(args, ownerID, minConfidence, minConfidence)

	rows, err := s.db.QueryContext(ctx, `SELECT `+sqliteTranscriptColumns+`, `+sqliteVideoColumns+`
		FROM transcripts t JOIN videos v ON v.id = t.video_id
		WHERE t.vector_id IN (`+placeholders(len(ids))+`)
		  AND v.owner_id = ?
		  AND (t.confidence >= ? OR (? <= 0 AND t.confidence IS NULL))`, args...)
	if err != nil {
		return nil, fmt.Errorf("find transcripts: %w", err)
	}
	defer rows.Close()

	matches := []core.TranscriptMatch{}
	for rows.Next() {
		var (
			tr sqliteTranscriptRow
			vr sqliteVideoRow
		)
		if err := rows.Scan(append(tr.dest(), vr.dest()...)...); err != nil {
			return nil, fmt.Errorf("scan match: %w", err)
		}
		t, err := tr.transcript()
		if err != nil {
			return nil, err
		}
		v, err := vr.video()
		if err != nil {
			return nil, err
		}
		matches = append(matches, core.TranscriptMatch{Transcript: t, Video: v})
	}
	return matches, rows.Err()
}

func (s *SQLiteStore) IndexedEmbeddings(ctx context.Context) ([]string, [][]float32, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT t.vector_id, t.embedding
		FROM transcripts t JOIN videos v ON v.id = t.video_id
		WHERE v.processing_status = ? AND t.vector_id IS NOT NULL AND t.embedding IS NOT NULL
		ORDER BY v.created_at, v.id, t.segment_index`, string(core.StatusCompleted))
	if err != nil {
		return nil, nil, fmt.Errorf("load embeddings: %w", err)
	}
	defer rows.Close()

	var (
		ids  []string
		vecs [][]float32
	)
	for rows.Next() {
		var (
			id   string
			blob []byte
		)
		if err := rows.Scan(&id, &blob); err != nil {
			return nil, nil, fmt.Errorf("scan embedding: %w", err)
		}
		vec, err := decodeVector(blob)
		if err != nil {
			return nil, nil, fmt.Errorf("embedding for %s: %w", id, err)
		}
		ids = append(ids, id)
		vecs = append(vecs, vec)
	}
	return ids, vecs, rows.Err()
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

// encodeVector packs float32s little-endian for the BLOB column.
func encodeVector(vec []float32) []byte {
	if len(vec) == 0 {
		return nil
	}
	buf := make([]byte, 4*len(vec))
	for i, f := range vec {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(f))
	}
	return buf
}

func decodeVector(buf []byte) ([]float32, error) {
	if len(buf)%4 != 0 {
		return nil, fmt.Errorf("blob length %d is not a multiple of 4", len(buf))
	}
	vec := make([]float32, len(buf)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[4*i:]))
	}
	return vec, nil
}
