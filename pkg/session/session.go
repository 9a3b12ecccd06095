package session

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/containerd/errdefs"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/kilnhq/kiln/pkg/config"
	"github.com/kilnhq/kiln/pkg/events"
	"github.com/kilnhq/kiln/pkg/kv"
	"github.com/kilnhq/kiln/pkg/log"
	"github.com/kilnhq/kiln/pkg/types"
)

const (
	indexKey      = "sessions:index"
	sessionPrefix = "session:"
	entityPrefix  = "sessions:entity:"
	execPrefix    = "exec:"
	execsSuffix   = ":execs"
	timeLayout    = time.RFC3339Nano
)

// Store persists sessions in the KV store. Sessions live in one hash per id
// plus two membership sets; multi-key writes go through the non-transactional
// pipeline so they work unchanged on sharded deployments.
type Store struct {
	kv     *kv.Client
	cfg    config.SessionConfig
	broker *events.Broker
	logger zerolog.Logger
}

func NewStore(kvc *kv.Client, cfg config.SessionConfig, broker *events.Broker) *Store {
	return &Store{
		kv:     kvc,
		cfg:    cfg,
		broker: broker,
		logger: log.WithComponent("session"),
	}
}

// CreateOptions are the caller-settable fields of a new session.
type CreateOptions struct {
	// ID is optional; a uuid is generated when empty.
	ID       string
	EntityID string
	Metadata map[string]string

	// TTL overrides the configured session ttl when positive.
	TTL time.Duration
}

func (s *Store) ttl() time.Duration {
	return time.Duration(s.cfg.TTLSec) * time.Second
}

func sessionKey(id string) string { return sessionPrefix + id }
func entityKey(eid string) string { return entityPrefix + eid }
func execKey(id string) string    { return execPrefix + id }
func execsKey(id string) string   { return sessionPrefix + id + execsSuffix }

// Create persists a new session. A caller-supplied id that already exists
// yields AlreadyExists.
func (s *Store) Create(ctx context.Context, opts CreateOptions) (*types.Session, error) {
	id := opts.ID
	if id == "" {
		id = uuid.NewString()
	}

	exists, err := s.kv.Exists(ctx, sessionKey(id))
	if err != nil {
		return nil, fmt.Errorf("create session %s: %w", id, err)
	}
	if exists {
		return nil, fmt.Errorf("session %s: %w", id, errdefs.ErrAlreadyExists)
	}

	ttl := s.ttl()
	if opts.TTL > 0 {
		ttl = opts.TTL
	}
	now := time.Now().UTC()
	sess := &types.Session{
		ID:           id,
		Status:       types.SessionStatusActive,
		CreatedAt:    now,
		LastActivity: now,
		ExpiresAt:    now.Add(ttl),
		WorkingDir:   types.DefaultWorkingDir,
		Metadata:     opts.Metadata,
		EntityID:     opts.EntityID,
	}

	if err := s.write(ctx, sess); err != nil {
		return nil, fmt.Errorf("create session %s: %w", id, err)
	}

	s.emit(events.EventSessionCreated, sess, "session created")
	s.logger.Debug().Str("session_id", id).Str("entity_id", opts.EntityID).Msg("Session created")
	return sess, nil
}

// Get loads a session. Missing and expired sessions both read as NotFound;
// the sweep owns physical removal of expired records.
func (s *Store) Get(ctx context.Context, id string) (*types.Session, error) {
	fields, err := s.kv.HGetAll(ctx, sessionKey(id))
	if err != nil {
		return nil, fmt.Errorf("get session %s: %w", id, err)
	}
	if len(fields) == 0 {
		return nil, fmt.Errorf("session %s: %w", id, errdefs.ErrNotFound)
	}
	sess, err := parseSession(id, fields)
	if err != nil {
		return nil, err
	}
	if sess.IsExpired(time.Now()) {
		return nil, fmt.Errorf("session %s expired: %w", id, errdefs.ErrNotFound)
	}
	return sess, nil
}

// Touch refreshes last-activity to now and pushes expiry out by the session
// ttl. Like every mutation it is monotonic on last-activity: a stale write
// never rolls a newer timestamp back.
func (s *Store) Touch(ctx context.Context, id string) (*types.Session, error) {
	return s.Update(ctx, id, func(sess *types.Session) error {
		sess.Status = types.SessionStatusActive
		sess.LastActivity = time.Now().UTC()
		return nil
	})
}

// Update applies fn to the stored session and writes it back. LastActivity
// only moves forward (larger timestamp wins) and expiry is recomputed from
// it, so concurrent updates converge on the most recent activity.
func (s *Store) Update(ctx context.Context, id string, fn func(*types.Session) error) (*types.Session, error) {
	sess, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	prevActivity := sess.LastActivity

	if err := fn(sess); err != nil {
		return nil, err
	}
	if sess.LastActivity.Before(prevActivity) {
		sess.LastActivity = prevActivity
	}
	sess.ExpiresAt = sess.LastActivity.Add(s.ttl())

	if err := s.write(ctx, sess); err != nil {
		return nil, fmt.Errorf("update session %s: %w", id, err)
	}
	return sess, nil
}

// write persists the session hash and re-asserts both index memberships in
// one pipeline. The hash ttl runs past expiry by two sweep intervals so the
// sweep normally observes expiry and cleans the indexes; the ttl is the
// backstop for a dead daemon.
func (s *Store) write(ctx context.Context, sess *types.Session) error {
	fields, err := sessionFields(sess)
	if err != nil {
		return err
	}

	grace := 2 * time.Duration(s.cfg.SweepIntervalSec) * time.Second
	ttl := time.Until(sess.ExpiresAt) + grace

	pipe := s.kv.Pipeline().
		HSet(ctx, sessionKey(sess.ID), fields).
		Expire(ctx, sessionKey(sess.ID), ttl).
		SAdd(ctx, indexKey, sess.ID)
	if sess.EntityID != "" {
		pipe.SAdd(ctx, entityKey(sess.EntityID), sess.ID)
	}
	return pipe.Exec(ctx)
}

// Delete removes a session and its execution history. The second delete of
// the same id returns false with a nil error.
func (s *Store) Delete(ctx context.Context, id string) (bool, error) {
	sess, err := s.Get(ctx, id)
	if err != nil {
		if errdefs.IsNotFound(err) {
			// Still prune a possibly orphaned index membership.
			_, _ = s.kv.SRem(ctx, indexKey, id)
			return false, nil
		}
		return false, err
	}

	pipe := s.kv.Pipeline().
		Del(ctx, sessionKey(id), execsKey(id)).
		SRem(ctx, indexKey, id)
	if sess.EntityID != "" {
		pipe.SRem(ctx, entityKey(sess.EntityID), id)
	}
	if err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("delete session %s: %w", id, err)
	}

	s.emit(events.EventSessionDeleted, sess, "session deleted")
	s.logger.Debug().Str("session_id", id).Msg("Session deleted")
	return true, nil
}

// List returns sessions ordered by creation time, newest first. Index
// members whose hash has already lapsed are skipped.
func (s *Store) List(ctx context.Context, limit, offset int) ([]*types.Session, error) {
	ids, err := s.kv.SMembers(ctx, indexKey)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}

	sessions := make([]*types.Session, 0, len(ids))
	for _, id := range ids {
		sess, err := s.Get(ctx, id)
		if err != nil {
			if errdefs.IsNotFound(err) {
				continue
			}
			return nil, err
		}
		sessions = append(sessions, sess)
	}

	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].CreatedAt.After(sessions[j].CreatedAt)
	})

	if offset >= len(sessions) {
		return nil, nil
	}
	sessions = sessions[offset:]
	if limit > 0 && len(sessions) > limit {
		sessions = sessions[:limit]
	}
	return sessions, nil
}

// ListByEntity returns the live sessions of one entity, newest first.
// Members whose session is gone are pruned from the entity set on the way.
func (s *Store) ListByEntity(ctx context.Context, entityID string, limit int) ([]*types.Session, error) {
	if entityID == "" {
		return nil, fmt.Errorf("entity id is required: %w", errdefs.ErrInvalidArgument)
	}
	ids, err := s.kv.SMembers(ctx, entityKey(entityID))
	if err != nil {
		return nil, fmt.Errorf("list sessions for entity %s: %w", entityID, err)
	}

	sessions := make([]*types.Session, 0, len(ids))
	for _, id := range ids {
		sess, err := s.Get(ctx, id)
		if err != nil {
			if errdefs.IsNotFound(err) {
				_, _ = s.kv.SRem(ctx, entityKey(entityID), id)
				continue
			}
			return nil, err
		}
		sessions = append(sessions, sess)
	}

	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].CreatedAt.After(sessions[j].CreatedAt)
	})
	if limit > 0 && len(sessions) > limit {
		sessions = sessions[:limit]
	}
	return sessions, nil
}

// SweepExpired removes every expired session and prunes index members whose
// hash already lapsed. Returns how many sessions were cleaned up.
func (s *Store) SweepExpired(ctx context.Context) (int, error) {
	ids, err := s.kv.SMembers(ctx, indexKey)
	if err != nil {
		return 0, fmt.Errorf("sweep sessions: %w", err)
	}

	now := time.Now()
	removed := 0
	for _, id := range ids {
		fields, err := s.kv.HGetAll(ctx, sessionKey(id))
		if err != nil {
			return removed, fmt.Errorf("sweep sessions: %w", err)
		}
		if len(fields) == 0 {
			// Hash ttl fired; drop the dangling membership.
			if _, err := s.kv.SRem(ctx, indexKey, id); err == nil {
				removed++
			}
			continue
		}
		sess, err := parseSession(id, fields)
		if err != nil {
			s.logger.Warn().Err(err).Str("session_id", id).Msg("Skipping corrupt session record")
			continue
		}
		if !sess.IsExpired(now) {
			continue
		}

		pipe := s.kv.Pipeline().
			Del(ctx, sessionKey(id), execsKey(id)).
			SRem(ctx, indexKey, id)
		if sess.EntityID != "" {
			pipe.SRem(ctx, entityKey(sess.EntityID), id)
		}
		if err := pipe.Exec(ctx); err != nil {
			s.logger.Warn().Err(err).Str("session_id", id).Msg("Failed to sweep session")
			continue
		}
		removed++
		s.emit(events.EventSessionExpired, sess, "session expired")
	}

	if removed > 0 {
		s.logger.Info().Int("removed", removed).Msg("Expired sessions swept")
	}
	return removed, nil
}

// RunSweeper sweeps on the configured interval until ctx is cancelled.
func (s *Store) RunSweeper(ctx context.Context) error {
	interval := time.Duration(s.cfg.SweepIntervalSec) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.logger.Info().Dur("interval", interval).Msg("Session sweeper started")
	for {
		select {
		case <-ticker.C:
			if _, err := s.SweepExpired(ctx); err != nil && ctx.Err() == nil {
				s.logger.Error().Err(err).Msg("Session sweep failed")
			}
		case <-ctx.Done():
			s.logger.Info().Msg("Session sweeper stopped")
			return ctx.Err()
		}
	}
}

// AddFile records a staged or produced file in the session's file index.
func (s *Store) AddFile(ctx context.Context, sessionID string, f types.FileInfo) error {
	if f.ID == "" || f.Filename == "" {
		return fmt.Errorf("file id and filename are required: %w", errdefs.ErrInvalidArgument)
	}
	_, err := s.Update(ctx, sessionID, func(sess *types.Session) error {
		if sess.Files == nil {
			sess.Files = make(map[string]types.FileInfo)
		}
		sess.Files[f.ID] = f
		return nil
	})
	return err
}

// GetFile returns one file index entry.
func (s *Store) GetFile(ctx context.Context, sessionID, fileID string) (types.FileInfo, error) {
	sess, err := s.Get(ctx, sessionID)
	if err != nil {
		return types.FileInfo{}, err
	}
	f, ok := sess.Files[fileID]
	if !ok {
		return types.FileInfo{}, fmt.Errorf("file %s in session %s: %w", fileID, sessionID, errdefs.ErrNotFound)
	}
	return f, nil
}

// ListFiles returns the session's file index sorted by creation time.
func (s *Store) ListFiles(ctx context.Context, sessionID string) ([]types.FileInfo, error) {
	sess, err := s.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	files := make([]types.FileInfo, 0, len(sess.Files))
	for _, f := range sess.Files {
		files = append(files, f)
	}
	sort.Slice(files, func(i, j int) bool {
		if files[i].CreatedAt.Equal(files[j].CreatedAt) {
			return files[i].ID < files[j].ID
		}
		return files[i].CreatedAt.Before(files[j].CreatedAt)
	})
	return files, nil
}

// RemoveFile drops a file index entry. The object itself is the caller's to
// delete.
func (s *Store) RemoveFile(ctx context.Context, sessionID, fileID string) error {
	_, err := s.Update(ctx, sessionID, func(sess *types.Session) error {
		if _, ok := sess.Files[fileID]; !ok {
			return fmt.Errorf("file %s in session %s: %w", fileID, sessionID, errdefs.ErrNotFound)
		}
		delete(sess.Files, fileID)
		return nil
	})
	return err
}

func (s *Store) emit(t events.EventType, sess *types.Session, msg string) {
	if s.broker == nil {
		return
	}
	meta := map[string]string{"session_id": sess.ID}
	if sess.EntityID != "" {
		meta["entity_id"] = sess.EntityID
	}
	s.broker.Emit(t, msg, meta)
}

func sessionFields(sess *types.Session) (map[string]interface{}, error) {
	files, err := json.Marshal(sess.Files)
	if err != nil {
		return nil, fmt.Errorf("encode session %s files: %w", sess.ID, err)
	}
	meta, err := json.Marshal(sess.Metadata)
	if err != nil {
		return nil, fmt.Errorf("encode session %s metadata: %w", sess.ID, err)
	}
	return map[string]interface{}{
		"id":                sess.ID,
		"status":            string(sess.Status),
		"created_at":        sess.CreatedAt.Format(timeLayout),
		"last_activity_at":  sess.LastActivity.Format(timeLayout),
		"expires_at":        sess.ExpiresAt.Format(timeLayout),
		"working_directory": sess.WorkingDir,
		"files":             string(files),
		"metadata":          string(meta),
		"entity_id":         sess.EntityID,
	}, nil
}

func parseSession(id string, fields map[string]string) (*types.Session, error) {
	sess := &types.Session{
		ID:         id,
		Status:     types.SessionStatus(fields["status"]),
		WorkingDir: fields["working_directory"],
		EntityID:   fields["entity_id"],
	}

	var err error
	if sess.CreatedAt, err = parseTime(fields["created_at"]); err != nil {
		return nil, corrupt(id, "created_at", err)
	}
	if sess.LastActivity, err = parseTime(fields["last_activity_at"]); err != nil {
		return nil, corrupt(id, "last_activity_at", err)
	}
	if sess.ExpiresAt, err = parseTime(fields["expires_at"]); err != nil {
		return nil, corrupt(id, "expires_at", err)
	}
	if raw := fields["files"]; raw != "" && raw != "null" {
		if err := json.Unmarshal([]byte(raw), &sess.Files); err != nil {
			return nil, corrupt(id, "files", err)
		}
	}
	if raw := fields["metadata"]; raw != "" && raw != "null" {
		if err := json.Unmarshal([]byte(raw), &sess.Metadata); err != nil {
			return nil, corrupt(id, "metadata", err)
		}
	}
	return sess, nil
}

func parseTime(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	return time.Parse(timeLayout, v)
}

func corrupt(id, field string, err error) error {
	return fmt.Errorf("session %s field %s corrupt: %v: %w", id, field, err, errdefs.ErrInternal)
}
