package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	sqlite3 "github.com/mattn/go-sqlite3"
	"modernc.org/sqlite"

	"github.com/mediasync/statesync/internal/watchstate"
)

// sqliteConstraintPrimary is SQLITE_CONSTRAINT's primary result code. SQLite
// result codes are standardized across drivers: extended codes (e.g.
// SQLITE_CONSTRAINT_CHECK, SQLITE_CONSTRAINT_UNIQUE) encode this value in
// their low byte, which is how the modernc.org/sqlite branch below
// recognizes any constraint-family failure regardless of which specific
// constraint tripped.
const sqliteConstraintPrimary = 19

// Sentinel errors per §4.1 and §7's InvalidInput taxonomy.
var (
	ErrAlreadyPersisted = errors.New("storage: state already has an id")
	ErrNoPrimaryKey     = errors.New("storage: state has no id to update")
)

const stateColumns = "id, type, watched, updated, via, title, year, season, episode, guids, parent, metadata, extra"

// normalizeWatched enforces the invariant that a backend can never appear
// "played" while the canonical record is unplayed: when s.Watched is
// false, every per-backend watched flag is forced to false and its
// played_at is cleared (§4.1 insert/update normalization).
func normalizeWatched(s *watchstate.State) {
	if s.Watched || len(s.Metadata) == 0 {
		return
	}
	for backend, meta := range s.Metadata {
		meta.Watched = false
		meta.PlayedAt = nil
		s.Metadata[backend] = meta
	}
}

func marshalState(s *watchstate.State) (guids, parent, metadata, extra []byte, err error) {
	if guids, err = s.GUIDs.CanonicalJSON(); err != nil {
		return
	}
	if parent, err = s.Parent.CanonicalJSON(); err != nil {
		return
	}
	if metadata, err = s.Metadata.CanonicalJSON(); err != nil {
		return
	}
	if extra, err = s.Extra.CanonicalJSON(); err != nil {
		return
	}
	return
}

// Insert persists a new State. Fails with ErrAlreadyPersisted if s.ID is
// already set. On success s.ID is populated (§4.1).
func (s *Storage) Insert(ctx context.Context, st *watchstate.State) (*watchstate.State, error) {
	if st.ID != nil {
		return nil, ErrAlreadyPersisted
	}

	normalizeWatched(st)
	guids, parent, metadata, extra, err := marshalState(st)
	if err != nil {
		return nil, fmt.Errorf("storage: marshaling state: %w", err)
	}

	query := `INSERT INTO state (type, watched, updated, via, title, year, season, episode, guids, parent, metadata, extra)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	res, err := s.preparedRetry(ctx, query,
		string(st.Type), boolToInt(st.Watched), st.Updated, st.Via, st.Title, nullableInt(st.Year),
		nullableInt(st.Season), nullableInt(st.Episode), string(guids), string(parent), string(metadata), string(extra))
	if err != nil {
		return nil, fmt.Errorf("storage: inserting state: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("storage: reading last insert id: %w", err)
	}
	st.ID = &id
	return st, nil
}

// Update persists changes to an existing State. Fails with ErrNoPrimaryKey
// if s.ID is unset (§4.1).
func (s *Storage) Update(ctx context.Context, st *watchstate.State) (*watchstate.State, error) {
	if st.ID == nil {
		return nil, ErrNoPrimaryKey
	}

	normalizeWatched(st)
	guids, parent, metadata, extra, err := marshalState(st)
	if err != nil {
		return nil, fmt.Errorf("storage: marshaling state: %w", err)
	}

	query := `UPDATE state SET type = ?, watched = ?, updated = ?, via = ?, title = ?, year = ?,
		season = ?, episode = ?, guids = ?, parent = ?, metadata = ?, extra = ? WHERE id = ?`

	_, err = s.preparedRetry(ctx, query,
		string(st.Type), boolToInt(st.Watched), st.Updated, st.Via, st.Title, nullableInt(st.Year),
		nullableInt(st.Season), nullableInt(st.Episode), string(guids), string(parent), string(metadata), string(extra),
		*st.ID)
	if err != nil {
		return nil, fmt.Errorf("storage: updating state: %w", err)
	}
	return st, nil
}

// Get looks up a State: first by primary key if s.ID is set, else by
// findByExternalId. Returns (nil, nil) if no row matches (§4.1).
func (s *Storage) Get(ctx context.Context, st *watchstate.State) (*watchstate.State, error) {
	if st.ID != nil {
		return s.getByID(ctx, *st.ID)
	}
	return s.findByExternalId(ctx, st)
}

func (s *Storage) getByID(ctx context.Context, id int64) (*watchstate.State, error) {
	row := s.active().QueryRowContext(ctx, "SELECT "+stateColumns+" FROM state WHERE id = ?", id)
	return scanState(row)
}

// findByExternalId emits a single SQL statement combining a type filter, an
// optional season/episode filter for episodes, an OR-disjunction over each
// non-empty GUID namespace, the parent-GUID relative-pointer match (added
// for every episode, whether or not it carries its own GUIDs), and the
// backend-specific
// metadata[via].id lookup. Returns the first match or nil (§4.1).
func (s *Storage) findByExternalId(ctx context.Context, entity *watchstate.State) (*watchstate.State, error) {
	var where []string
	var args []any

	where = append(where, "type = ?")
	args = append(args, string(entity.Type))

	if entity.Type == watchstate.MediaTypeEpisode && (entity.Season != 0 || entity.Episode != 0) {
		where = append(where, "season = ?", "episode = ?")
		args = append(args, entity.Season, entity.Episode)
	}

	var orClauses []string
	var orArgs []any

	for ns, id := range entity.GUIDs {
		if id == "" {
			continue
		}
		orClauses = append(orClauses, s.dialect.JSONExtract("guids", "$."+ns)+" = ?")
		orArgs = append(orArgs, id)
	}

	if entity.Type == watchstate.MediaTypeEpisode {
		for ns, id := range entity.Parent {
			if id == "" {
				continue
			}
			orClauses = append(orClauses, s.dialect.JSONExtract("parent", "$."+ns)+" = ?")
			orArgs = append(orArgs, id)
		}
	}

	if entity.Via != "" {
		if meta, ok := entity.Metadata[entity.Via]; ok && meta.ID != "" {
			orClauses = append(orClauses, s.dialect.JSONExtract("metadata", "$."+entity.Via+".id")+" = ?")
			orArgs = append(orArgs, meta.ID)
		}
	}

	if len(orClauses) == 0 {
		return nil, nil
	}

	where = append(where, "("+strings.Join(orClauses, " OR ")+")")
	args = append(args, orArgs...)

	query := "SELECT " + stateColumns + " FROM state WHERE " + strings.Join(where, " AND ") + " ORDER BY id LIMIT 1"

	row := s.active().QueryRowContext(ctx, query, args...)
	return scanState(row)
}

// GetAll enumerates records changed after `since` (unix seconds), or all
// records if since is nil (§4.1).
func (s *Storage) GetAll(ctx context.Context, since *int64) ([]*watchstate.State, error) {
	query := "SELECT " + stateColumns + " FROM state"
	var args []any
	if since != nil {
		query += " WHERE updated > ?"
		args = append(args, *since)
	}
	query += " ORDER BY id"

	rows, err := s.active().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("storage: querying all states: %w", err)
	}
	defer rows.Close()

	var out []*watchstate.State
	for rows.Next() {
		st, err := scanStateRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

// Remove deletes a State by id, resolving via Get(s) first if s.ID is
// unset (§4.1).
func (s *Storage) Remove(ctx context.Context, st *watchstate.State) error {
	id := st.ID
	if id == nil {
		found, err := s.findByExternalId(ctx, st)
		if err != nil {
			return err
		}
		if found == nil {
			return nil
		}
		id = found.ID
	}

	_, err := s.execRetry(ctx, "DELETE FROM state WHERE id = ?", *id)
	if err != nil {
		return fmt.Errorf("storage: removing state: %w", err)
	}
	return nil
}

// ActionCounts tallies rows touched by Commit, per action.
type ActionCounts struct {
	Added   int
	Updated int
	Failed  int
}

// CommitResult breaks ActionCounts down per media type, matching §4.3's
// "{movie,episode} × {added,updated,failed}" counters.
type CommitResult map[watchstate.MediaType]*ActionCounts

func newCommitResult() CommitResult {
	return CommitResult{
		watchstate.MediaTypeMovie:   &ActionCounts{},
		watchstate.MediaTypeEpisode: &ActionCounts{},
	}
}

// Commit persists a batch of changed entities inside one transaction: each
// entity is inserted if it has no id, else updated. A row-level SQL error
// is counted as failed and does not abort the batch, except for the errors
// isTransactionalErr names (a finished transaction, a canceled or expired
// context, a constraint violation), which abort and roll the whole batch
// back, as does a failure of the commit itself (§4.1, §7).
func (s *Storage) Commit(ctx context.Context, entities []*watchstate.State) (CommitResult, error) {
	result := newCommitResult()

	err := s.Transactional(ctx, func(ctx context.Context) error {
		for _, entity := range entities {
			counts := result[entity.Type]
			if counts == nil {
				counts = &ActionCounts{}
				result[entity.Type] = counts
			}

			var opErr error
			if entity.ID == nil {
				_, opErr = s.Insert(ctx, entity)
				if opErr == nil {
					counts.Added++
				}
			} else {
				_, opErr = s.Update(ctx, entity)
				if opErr == nil {
					counts.Updated++
				}
			}

			if opErr != nil {
				if isTransactionalErr(opErr) {
					return opErr
				}
				counts.Failed++
			}
		}
		return nil
	})

	return result, err
}

// isTransactionalErr reports whether err indicates the underlying
// transaction itself is no longer usable, or the row that failed can never
// succeed on its own and must abort the whole batch rather than being
// counted as a recoverable per-row failure (§7's Fatal/Transient split).
// spec.md names a constraint violation mid-statement as the canonical
// example of the latter.
func isTransactionalErr(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, sql.ErrTxDone) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	return isConstraintViolation(err)
}

// isConstraintViolation reports whether err is a SQLite constraint failure
// (CHECK, UNIQUE, NOT NULL, ...) as surfaced by either registered driver:
// mattn/go-sqlite3's sqlite3.Error carries the primary code directly in
// Code; modernc.org/sqlite's *sqlite.Error carries the full extended code
// in Code(), whose low byte is the primary code.
func isConstraintViolation(err error) bool {
	var mattnErr sqlite3.Error
	if errors.As(err, &mattnErr) {
		return mattnErr.Code == sqlite3.ErrConstraint
	}

	var modernErr *sqlite.Error
	if errors.As(err, &modernErr) {
		return modernErr.Code()&0xff == sqliteConstraintPrimary
	}

	return false
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullableInt(v int) any {
	if v == 0 {
		return nil
	}
	return v
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanState(row rowScanner) (*watchstate.State, error) {
	st, err := scanStateRows(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return st, err
}

func scanStateRows(row rowScanner) (*watchstate.State, error) {
	var (
		id                           int64
		typ                          string
		watchedInt                   int
		updated                      int64
		via, title                   sql.NullString
		year, season, episode        sql.NullInt64
		guidsJSON, parentJSON        string
		metadataJSON, extraJSON      string
	)

	if err := row.Scan(&id, &typ, &watchedInt, &updated, &via, &title, &year, &season, &episode,
		&guidsJSON, &parentJSON, &metadataJSON, &extraJSON); err != nil {
		return nil, err
	}

	st := &watchstate.State{
		ID:      &id,
		Type:    watchstate.MediaType(typ),
		Watched: watchedInt != 0,
		Updated: updated,
		Via:     via.String,
		Title:   title.String,
		Year:    int(year.Int64),
		Season:  int(season.Int64),
		Episode: int(episode.Int64),
	}

	if err := json.Unmarshal([]byte(guidsJSON), &st.GUIDs); err != nil {
		return nil, fmt.Errorf("storage: decoding guids: %w", err)
	}
	if err := json.Unmarshal([]byte(parentJSON), &st.Parent); err != nil {
		return nil, fmt.Errorf("storage: decoding parent: %w", err)
	}
	if err := json.Unmarshal([]byte(metadataJSON), &st.Metadata); err != nil {
		return nil, fmt.Errorf("storage: decoding metadata: %w", err)
	}
	if err := json.Unmarshal([]byte(extraJSON), &st.Extra); err != nil {
		return nil, fmt.Errorf("storage: decoding extra: %w", err)
	}

	return st, nil
}
