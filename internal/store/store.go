// Package store is the leader's persistent source of truth for jobs
// and chunks. It wraps modernc.org/sqlite (pure Go, no CGO) in WAL
// journal mode, grounded on the original implementation's
// DatabaseManager and on Tutu-Engine's sqlite.DB idiom for opening and
// migrating a WAL-mode connection.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	_ "modernc.org/sqlite"

	"github.com/cbkow/mid-render/internal/snapshot"
	"github.com/cbkow/mid-render/pkg/types"
)

// Store wraps one SQLite connection holding the jobs and chunks tables.
type Store struct {
	db   *sql.DB
	path string
}

// Open creates or opens the SQLite database at path in WAL journal
// mode and runs idempotent migrations.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create store dir: %w", err)
		}
	}

	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	// SQLite is single-writer; a pool of more than one connection just
	// serializes behind SQLITE_BUSY retries instead of helping.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db, path: path}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close shuts down the underlying connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Path returns the filesystem path this store was opened against.
func (s *Store) Path() string {
	return s.path
}

func (s *Store) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS jobs (
			job_id          TEXT PRIMARY KEY,
			manifest_blob   TEXT NOT NULL,
			current_state   TEXT NOT NULL,
			priority        INTEGER NOT NULL DEFAULT 0,
			submitted_at_ms INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS chunks (
			id               INTEGER PRIMARY KEY AUTOINCREMENT,
			job_id           TEXT NOT NULL REFERENCES jobs(job_id) ON DELETE CASCADE,
			frame_start      INTEGER NOT NULL,
			frame_end        INTEGER NOT NULL,
			state            TEXT NOT NULL,
			assigned_to      TEXT,
			assigned_at_ms   INTEGER,
			completed_at_ms  INTEGER,
			retry_count      INTEGER NOT NULL DEFAULT 0,
			completed_frames TEXT NOT NULL DEFAULT '[]',
			failed_on        TEXT NOT NULL DEFAULT '[]'
		)`,
		`CREATE INDEX IF NOT EXISTS idx_chunks_job_id ON chunks(job_id)`,
		`CREATE INDEX IF NOT EXISTS idx_chunks_state ON chunks(state)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("migration failed: %w\nSQL: %s", err, stmt)
		}
	}
	return nil
}

// InsertJob inserts one job row. Callers validate the manifest before
// calling this; a schema/manifest mismatch should be rejected earlier
// so nothing is written here on error.
func (s *Store) InsertJob(m types.JobManifest, priority int, submittedAtMs int64) error {
	blob, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal manifest: %w", err)
	}
	_, err = s.db.Exec(
		`INSERT INTO jobs (job_id, manifest_blob, current_state, priority, submitted_at_ms) VALUES (?, ?, ?, ?, ?)`,
		string(m.JobID), string(blob), string(types.JobActive), priority, submittedAtMs,
	)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

// InsertChunks transactionally inserts one chunk row per range.
func (s *Store) InsertChunks(jobID types.JobID, ranges []types.FrameRange) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(
		`INSERT INTO chunks (job_id, frame_start, frame_end, state, retry_count, completed_frames, failed_on)
		 VALUES (?, ?, ?, ?, 0, '[]', '[]')`,
	)
	if err != nil {
		return fmt.Errorf("prepare chunk insert: %w", err)
	}
	defer stmt.Close()

	for _, r := range ranges {
		if _, err := stmt.Exec(string(jobID), r.Start, r.End, string(types.ChunkPending)); err != nil {
			return fmt.Errorf("insert chunk: %w", err)
		}
	}
	return tx.Commit()
}

// DeleteJob deletes the job row and, via ON DELETE CASCADE, all its chunks.
func (s *Store) DeleteJob(id types.JobID) error {
	if _, err := s.db.Exec(`DELETE FROM jobs WHERE job_id = ?`, string(id)); err != nil {
		return fmt.Errorf("delete job: %w", err)
	}
	return nil
}

// GetJob returns the manifest, state, and priority for one job.
func (s *Store) GetJob(id types.JobID) (types.JobSummary, error) {
	row := s.db.QueryRow(
		`SELECT job_id, manifest_blob, current_state, priority, submitted_at_ms FROM jobs WHERE job_id = ?`,
		string(id),
	)
	summary, err := scanJobRow(row)
	if err != nil {
		return types.JobSummary{}, err
	}
	progress, err := s.jobProgress(id)
	if err != nil {
		return types.JobSummary{}, err
	}
	summary.Progress = progress
	return summary, nil
}

// GetAllJobsWithProgress returns every job paired with its derived
// chunk-count progress.
func (s *Store) GetAllJobsWithProgress() ([]types.JobSummary, error) {
	rows, err := s.db.Query(`SELECT job_id, manifest_blob, current_state, priority, submitted_at_ms FROM jobs`)
	if err != nil {
		return nil, fmt.Errorf("query jobs: %w", err)
	}
	defer rows.Close()

	var out []types.JobSummary
	for rows.Next() {
		summary, err := scanJobRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, summary)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// The pool holds a single connection, so progress is queried only
	// after the job rows have released it.
	rows.Close()
	for i := range out {
		progress, err := s.jobProgress(out[i].JobID)
		if err != nil {
			return nil, err
		}
		out[i].Progress = progress
	}
	return out, nil
}

func (s *Store) jobProgress(id types.JobID) (types.JobProgress, error) {
	rows, err := s.db.Query(`SELECT state, COUNT(*) FROM chunks WHERE job_id = ? GROUP BY state`, string(id))
	if err != nil {
		return types.JobProgress{}, fmt.Errorf("query progress: %w", err)
	}
	defer rows.Close()

	var p types.JobProgress
	for rows.Next() {
		var state string
		var count int
		if err := rows.Scan(&state, &count); err != nil {
			return types.JobProgress{}, err
		}
		p.Total += count
		switch types.ChunkState(state) {
		case types.ChunkCompleted:
			p.Completed = count
		case types.ChunkFailed:
			p.Failed = count
		case types.ChunkAssigned:
			p.Rendering = count
		case types.ChunkPending:
			p.Pending = count
		}
	}
	return p, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanJobRow(sc scanner) (types.JobSummary, error) {
	var jobID, blob, state string
	var priority int
	var submittedAt int64
	if err := sc.Scan(&jobID, &blob, &state, &priority, &submittedAt); err != nil {
		if err == sql.ErrNoRows {
			return types.JobSummary{}, fmt.Errorf("job not found")
		}
		return types.JobSummary{}, err
	}
	var manifest types.JobManifest
	if err := json.Unmarshal([]byte(blob), &manifest); err != nil {
		return types.JobSummary{}, fmt.Errorf("unmarshal manifest: %w", err)
	}
	return types.JobSummary{
		JobID:       types.JobID(jobID),
		State:       types.JobState(state),
		Priority:    priority,
		SubmittedAt: submittedAt,
		Manifest:    manifest,
	}, nil
}

// UpdateJobState sets a job's current_state column.
func (s *Store) UpdateJobState(id types.JobID, state types.JobState) error {
	res, err := s.db.Exec(`UPDATE jobs SET current_state = ? WHERE job_id = ?`, string(state), string(id))
	if err != nil {
		return fmt.Errorf("update job state: %w", err)
	}
	return rowsAffectedOrNotFound(res)
}

// UpdateJobPriority sets a job's priority column.
func (s *Store) UpdateJobPriority(id types.JobID, priority int) error {
	res, err := s.db.Exec(`UPDATE jobs SET priority = ? WHERE job_id = ?`, priority, string(id))
	if err != nil {
		return fmt.Errorf("update job priority: %w", err)
	}
	return rowsAffectedOrNotFound(res)
}

func rowsAffectedOrNotFound(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("no matching row")
	}
	return nil
}

// GetChunksForJob returns every chunk belonging to job, ordered by
// frame_start ascending.
func (s *Store) GetChunksForJob(id types.JobID) ([]types.Chunk, error) {
	rows, err := s.db.Query(
		`SELECT id, job_id, frame_start, frame_end, state, assigned_to, assigned_at_ms, completed_at_ms, retry_count, completed_frames, failed_on
		 FROM chunks WHERE job_id = ? ORDER BY frame_start ASC`,
		string(id),
	)
	if err != nil {
		return nil, fmt.Errorf("query chunks: %w", err)
	}
	defer rows.Close()

	var out []types.Chunk
	for rows.Next() {
		c, err := scanChunkRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func scanChunkRow(sc scanner) (types.Chunk, error) {
	var c types.Chunk
	var assignedTo sql.NullString
	var assignedAt, completedAt sql.NullInt64
	var completedFramesJSON, failedOnJSON string

	err := sc.Scan(&c.ID, &c.JobID, &c.Frames.Start, &c.Frames.End, &c.State,
		&assignedTo, &assignedAt, &completedAt, &c.RetryCount,
		&completedFramesJSON, &failedOnJSON)
	if err != nil {
		return types.Chunk{}, err
	}
	if assignedTo.Valid {
		c.AssignedTo = types.NodeID(assignedTo.String)
	}
	if assignedAt.Valid {
		c.AssignedAtMs = assignedAt.Int64
	}
	if completedAt.Valid {
		c.CompletedAtMs = completedAt.Int64
	}
	if err := json.Unmarshal([]byte(completedFramesJSON), &c.CompletedFrames); err != nil {
		c.CompletedFrames = nil
	}
	var failedOn []types.NodeID
	if err := json.Unmarshal([]byte(failedOnJSON), &failedOn); err == nil {
		c.FailedOn = failedOn
	}
	return c, nil
}

// FindNextPendingChunkForNode returns the first pending chunk of the
// highest-priority active job whose tags_required is a subset of tags
// and that node has not previously failed. Job order: priority
// ascending then submission timestamp ascending; chunk order within a
// job: frame_start ascending.
func (s *Store) FindNextPendingChunkForNode(tags []string, node types.NodeID) (types.Chunk, types.JobManifest, bool, error) {
	rows, err := s.db.Query(
		`SELECT job_id, manifest_blob, priority, submitted_at_ms FROM jobs
		 WHERE current_state = ? ORDER BY priority ASC, submitted_at_ms ASC`,
		string(types.JobActive),
	)
	if err != nil {
		return types.Chunk{}, types.JobManifest{}, false, fmt.Errorf("query active jobs: %w", err)
	}
	defer rows.Close()

	type jobRow struct {
		id       types.JobID
		manifest types.JobManifest
	}
	var jobs []jobRow
	for rows.Next() {
		var jobID, blob string
		var priority int
		var submittedAt int64
		if err := rows.Scan(&jobID, &blob, &priority, &submittedAt); err != nil {
			return types.Chunk{}, types.JobManifest{}, false, err
		}
		var m types.JobManifest
		if err := json.Unmarshal([]byte(blob), &m); err != nil {
			continue
		}
		jobs = append(jobs, jobRow{id: types.JobID(jobID), manifest: m})
	}
	if err := rows.Err(); err != nil {
		return types.Chunk{}, types.JobManifest{}, false, err
	}

	for _, j := range jobs {
		if !hasSubset(j.manifest.TagsRequired, tags) {
			continue
		}
		chunkRows, err := s.db.Query(
			`SELECT id, job_id, frame_start, frame_end, state, assigned_to, assigned_at_ms, completed_at_ms, retry_count, completed_frames, failed_on
			 FROM chunks WHERE job_id = ? AND state = ? ORDER BY frame_start ASC`,
			string(j.id), string(types.ChunkPending),
		)
		if err != nil {
			return types.Chunk{}, types.JobManifest{}, false, fmt.Errorf("query pending chunks: %w", err)
		}
		var found types.Chunk
		var ok bool
		for chunkRows.Next() {
			c, err := scanChunkRow(chunkRows)
			if err != nil {
				chunkRows.Close()
				return types.Chunk{}, types.JobManifest{}, false, err
			}
			if c.BlacklistContains(node) {
				continue
			}
			found = c
			ok = true
			break
		}
		chunkRows.Close()
		if ok {
			return found, j.manifest, true, nil
		}
	}
	return types.Chunk{}, types.JobManifest{}, false, nil
}

func hasSubset(required, have []string) bool {
	if len(required) == 0 {
		return true
	}
	haveSet := make(map[string]struct{}, len(have))
	for _, t := range have {
		haveSet[t] = struct{}{}
	}
	for _, r := range required {
		if _, ok := haveSet[r]; !ok {
			return false
		}
	}
	return true
}

// AssignChunk atomically transitions chunk chunkID from pending to
// assigned. Returns whether a row actually changed.
func (s *Store) AssignChunk(chunkID int64, node types.NodeID, nowMs int64) (bool, error) {
	res, err := s.db.Exec(
		`UPDATE chunks SET state = ?, assigned_to = ?, assigned_at_ms = ? WHERE id = ? AND state = ?`,
		string(types.ChunkAssigned), string(node), nowMs, chunkID, string(types.ChunkPending),
	)
	if err != nil {
		return false, fmt.Errorf("assign chunk: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// CompleteChunk atomically transitions the chunk covering
// [fs, fe] within job from assigned to completed. Calling it again on
// an already-completed chunk is a no-op (Property P2).
func (s *Store) CompleteChunk(job types.JobID, fs, fe int, nowMs int64) error {
	_, err := s.db.Exec(
		`UPDATE chunks SET state = ?, completed_at_ms = ? WHERE job_id = ? AND frame_start = ? AND frame_end = ? AND state = ?`,
		string(types.ChunkCompleted), nowMs, string(job), fs, fe, string(types.ChunkAssigned),
	)
	if err != nil {
		return fmt.Errorf("complete chunk: %w", err)
	}
	return nil
}

// FailChunk records a failure against the chunk covering [fs, fe]
// within job: appends failingNode to failed_on, increments
// retry_count, and either resets the chunk to pending (if the new
// retry count stays below maxRetries) or marks it terminally failed.
func (s *Store) FailChunk(job types.JobID, fs, fe int, maxRetries int, failingNode types.NodeID) error {
	row := s.db.QueryRow(
		`SELECT id, retry_count, failed_on FROM chunks WHERE job_id = ? AND frame_start = ? AND frame_end = ?`,
		string(job), fs, fe,
	)
	var id int64
	var retryCount int
	var failedOnJSON string
	if err := row.Scan(&id, &retryCount, &failedOnJSON); err != nil {
		return fmt.Errorf("find chunk to fail: %w", err)
	}

	var failedOn []types.NodeID
	_ = json.Unmarshal([]byte(failedOnJSON), &failedOn)
	if !containsNode(failedOn, failingNode) {
		failedOn = append(failedOn, failingNode)
	}
	newFailedOnJSON, err := json.Marshal(failedOn)
	if err != nil {
		return fmt.Errorf("marshal failed_on: %w", err)
	}

	newRetryCount := retryCount + 1
	if newRetryCount < maxRetries {
		_, err = s.db.Exec(
			`UPDATE chunks SET state = ?, assigned_to = NULL, assigned_at_ms = NULL, retry_count = ?, failed_on = ? WHERE id = ?`,
			string(types.ChunkPending), newRetryCount, string(newFailedOnJSON), id,
		)
	} else {
		_, err = s.db.Exec(
			`UPDATE chunks SET state = ?, retry_count = ?, failed_on = ? WHERE id = ?`,
			string(types.ChunkFailed), newRetryCount, string(newFailedOnJSON), id,
		)
	}
	if err != nil {
		return fmt.Errorf("update failed chunk: %w", err)
	}
	return nil
}

func containsNode(nodes []types.NodeID, n types.NodeID) bool {
	for _, x := range nodes {
		if x == n {
			return true
		}
	}
	return false
}

// ReassignDeadWorkerChunks reverts every chunk assigned to deadNode
// back to pending, clearing its assignment fields. This does not touch
// retry_count or failed_on — a transport failure is not a render
// failure (see DESIGN.md Open Question 1).
func (s *Store) ReassignDeadWorkerChunks(deadNode types.NodeID) (int64, error) {
	res, err := s.db.Exec(
		`UPDATE chunks SET state = ?, assigned_to = NULL, assigned_at_ms = NULL WHERE assigned_to = ? AND state = ?`,
		string(types.ChunkPending), string(deadNode), string(types.ChunkAssigned),
	)
	if err != nil {
		return 0, fmt.Errorf("reassign dead worker chunks: %w", err)
	}
	return res.RowsAffected()
}

// RevertChunkToPending resets one chunk to pending directly, used when
// a remote dispatch POST fails or returns 409 — the reset is applied
// without touching retry_count or failed_on, matching the "effectively
// infinite max-retries" carve-out in the dispatch engine's design.
func (s *Store) RevertChunkToPending(chunkID int64) error {
	_, err := s.db.Exec(
		`UPDATE chunks SET state = ?, assigned_to = NULL, assigned_at_ms = NULL WHERE id = ?`,
		string(types.ChunkPending), chunkID,
	)
	if err != nil {
		return fmt.Errorf("revert chunk: %w", err)
	}
	return nil
}

// IsJobComplete reports whether every chunk of job is in
// {completed, failed} and at least one is completed.
func (s *Store) IsJobComplete(id types.JobID) (bool, error) {
	p, err := s.jobProgress(id)
	if err != nil {
		return false, err
	}
	if p.Total == 0 {
		return false, nil
	}
	terminal := p.Completed + p.Failed
	return terminal == p.Total && p.Completed > 0, nil
}

// ResetAllChunks resets every chunk of job back to pending, clearing
// assignment, completion, retry, and blacklist state.
func (s *Store) ResetAllChunks(id types.JobID) error {
	_, err := s.db.Exec(
		`UPDATE chunks SET state = ?, assigned_to = NULL, assigned_at_ms = NULL, completed_at_ms = NULL,
		 retry_count = 0, completed_frames = '[]', failed_on = '[]' WHERE job_id = ?`,
		string(types.ChunkPending), string(id),
	)
	if err != nil {
		return fmt.Errorf("reset all chunks: %w", err)
	}
	return nil
}

// RetryFailedChunks resets only the failed chunks of job back to
// pending, clearing retry_count and the blacklist so the job can make
// progress again without re-running chunks that already completed.
func (s *Store) RetryFailedChunks(id types.JobID) error {
	_, err := s.db.Exec(
		`UPDATE chunks SET state = ?, retry_count = 0, failed_on = '[]' WHERE job_id = ? AND state = ?`,
		string(types.ChunkPending), string(id), string(types.ChunkFailed),
	)
	if err != nil {
		return fmt.Errorf("retry failed chunks: %w", err)
	}
	return nil
}

// AddCompletedFrames unions frame into the completed_frames set of the
// chunk whose range contains it.
func (s *Store) AddCompletedFrames(job types.JobID, frames []int) error {
	for _, f := range frames {
		if err := s.addCompletedFrame(job, f); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) addCompletedFrame(job types.JobID, frame int) error {
	row := s.db.QueryRow(
		`SELECT id, completed_frames FROM chunks WHERE job_id = ? AND frame_start <= ? AND frame_end >= ?`,
		string(job), frame, frame,
	)
	var id int64
	var completedFramesJSON string
	if err := row.Scan(&id, &completedFramesJSON); err != nil {
		if err == sql.ErrNoRows {
			return nil
		}
		return fmt.Errorf("find chunk for frame %d: %w", frame, err)
	}

	var frames []int
	_ = json.Unmarshal([]byte(completedFramesJSON), &frames)
	if !containsInt(frames, frame) {
		frames = append(frames, frame)
		sort.Ints(frames)
	}
	data, err := json.Marshal(frames)
	if err != nil {
		return fmt.Errorf("marshal completed_frames: %w", err)
	}
	if _, err := s.db.Exec(`UPDATE chunks SET completed_frames = ? WHERE id = ?`, string(data), id); err != nil {
		return fmt.Errorf("update completed_frames: %w", err)
	}
	return nil
}

func containsInt(xs []int, v int) bool {
	for _, x := range xs {
		if x == v {
			return true
		}
	}
	return false
}

// SnapshotTo copies the current database contents to destPath, used by
// the dispatch engine's periodic background snapshot task.
func (s *Store) SnapshotTo(destPath string) error {
	if dir := filepath.Dir(destPath); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create snapshot dir: %w", err)
		}
	}

	tmpPath := destPath + ".tmp"
	if _, err := s.db.Exec(`VACUUM INTO ?`, tmpPath); err != nil {
		return fmt.Errorf("vacuum into snapshot: %w", err)
	}
	return snapshot.RenameOrCopy(tmpPath, destPath)
}

// RestoreFrom copies the database at srcPath over destPath and opens
// destPath as the working database. Used when a newly-elected leader finds a
// prior snapshot on the shared filesystem.
func RestoreFrom(srcPath, destPath string) (*Store, error) {
	data, err := os.ReadFile(srcPath)
	if err != nil {
		return nil, fmt.Errorf("read snapshot: %w", err)
	}
	if dir := filepath.Dir(destPath); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create store dir: %w", err)
		}
	}
	if err := os.WriteFile(destPath, data, 0644); err != nil {
		return nil, fmt.Errorf("write restored db: %w", err)
	}
	return Open(destPath)
}
