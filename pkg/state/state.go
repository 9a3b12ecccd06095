package state

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/containerd/errdefs"
	"github.com/rs/zerolog"

	"github.com/kilnhq/kiln/pkg/config"
	"github.com/kilnhq/kiln/pkg/events"
	"github.com/kilnhq/kiln/pkg/kv"
	"github.com/kilnhq/kiln/pkg/log"
	"github.com/kilnhq/kiln/pkg/objstore"
	"github.com/kilnhq/kiln/pkg/types"
)

const (
	statePrefix = "state:"
	infoPrefix  = "state:info:"
)

// Archive is the cold tier. *objstore.Client implements it.
type Archive interface {
	PutWithMetadata(ctx context.Context, key string, r io.Reader, size int64, contentType string, meta map[string]string) error
	GetBytes(ctx context.Context, key string) ([]byte, error)
	Stat(ctx context.Context, key string) (objstore.ObjectInfo, error)
	Delete(ctx context.Context, key string) error
}

// Service persists interpreter state across two tiers: a hot KV entry with
// the session's ttl and a cold object with none. Loads promote cold hits
// back to hot so an idle-then-resumed session pays the object-store round
// trip once.
type Service struct {
	kv     *kv.Client
	obj    Archive
	cfg    config.StateConfig
	hotTTL time.Duration
	broker *events.Broker
	logger zerolog.Logger
}

// NewService builds the state service. hotTTL is the session ttl; hot
// entries expire with the session that owns them.
func NewService(kvc *kv.Client, obj Archive, cfg config.StateConfig, hotTTL time.Duration, broker *events.Broker) *Service {
	return &Service{
		kv:     kvc,
		obj:    obj,
		cfg:    cfg,
		hotTTL: hotTTL,
		broker: broker,
		logger: log.WithComponent("state"),
	}
}

func stateKey(id string) string { return statePrefix + id }
func infoKey(id string) string  { return infoPrefix + id }

// Save decodes and persists a state blob to the hot tier. The size cap is
// enforced before anything is written; a blob exactly at the cap is
// accepted. Returns the stored size and content hash.
func (s *Service) Save(ctx context.Context, id, encoded string) (*types.StateInfo, error) {
	if id == "" {
		return nil, fmt.Errorf("state id is required: %w", errdefs.ErrInvalidArgument)
	}
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("state %s: invalid base64: %v: %w", id, err, errdefs.ErrInvalidArgument)
	}
	if s.cfg.MaxSizeBytes > 0 && int64(len(data)) > s.cfg.MaxSizeBytes {
		return nil, fmt.Errorf("state %s: %d bytes exceeds cap of %d: %w",
			id, len(data), s.cfg.MaxSizeBytes, errdefs.ErrResourceExhausted)
	}

	sum := sha256.Sum256(data)
	hash := hex.EncodeToString(sum[:])
	now := time.Now().UTC()

	err = s.kv.Pipeline().
		Set(ctx, stateKey(id), data, s.hotTTL).
		HSet(ctx, infoKey(id), map[string]interface{}{
			"size":       strconv.Itoa(len(data)),
			"hash":       hash,
			"created_at": now.Format(time.RFC3339Nano),
		}).
		Expire(ctx, infoKey(id), s.hotTTL).
		Exec(ctx)
	if err != nil {
		return nil, fmt.Errorf("save state %s: %w", id, err)
	}

	s.emit(events.EventStateSaved, id, len(data))
	s.logger.Debug().Str("session_id", id).Int("size", len(data)).Str("hash", hash).Msg("State saved")

	return &types.StateInfo{
		Exists:    true,
		Size:      int64(len(data)),
		Hash:      hash,
		CreatedAt: now,
		ExpiresAt: now.Add(s.hotTTL),
		Source:    types.StateTierHot,
	}, nil
}

// Load returns the raw state bytes, hot tier first. A cold hit is promoted
// back to hot best effort; promotion failure still returns the bytes.
func (s *Service) Load(ctx context.Context, id string) ([]byte, error) {
	data, err := s.kv.GetBytes(ctx, stateKey(id))
	if err == nil {
		return data, nil
	}
	if !errdefs.IsNotFound(err) {
		return nil, fmt.Errorf("load state %s: %w", id, err)
	}

	data, err = s.obj.GetBytes(ctx, objstore.StateKey(id))
	if err != nil {
		if errdefs.IsNotFound(err) {
			return nil, fmt.Errorf("state %s: %w", id, errdefs.ErrNotFound)
		}
		return nil, fmt.Errorf("load state %s: %w", id, err)
	}

	if err := s.promote(ctx, id, data); err != nil {
		s.logger.Warn().Err(err).Str("session_id", id).Msg("Failed to promote archived state")
	}
	return data, nil
}

// promote rewrites a cold blob into the hot tier with a fresh ttl.
func (s *Service) promote(ctx context.Context, id string, data []byte) error {
	sum := sha256.Sum256(data)
	return s.kv.Pipeline().
		Set(ctx, stateKey(id), data, s.hotTTL).
		HSet(ctx, infoKey(id), map[string]interface{}{
			"size":       strconv.Itoa(len(data)),
			"hash":       hex.EncodeToString(sum[:]),
			"created_at": time.Now().UTC().Format(time.RFC3339Nano),
		}).
		Expire(ctx, infoKey(id), s.hotTTL).
		Exec(ctx)
}

// Info describes the stored state without fetching the blob. A session with
// no state anywhere reports Exists false rather than an error.
func (s *Service) Info(ctx context.Context, id string) (*types.StateInfo, error) {
	fields, err := s.kv.HGetAll(ctx, infoKey(id))
	if err != nil {
		return nil, fmt.Errorf("state info %s: %w", id, err)
	}
	if len(fields) > 0 {
		ttl, err := s.kv.TTL(ctx, stateKey(id))
		if err != nil {
			return nil, fmt.Errorf("state info %s: %w", id, err)
		}
		// The info hash can outlive the value by a beat; fall through to
		// the archive when the value is already gone.
		if ttl != -2 {
			return hotInfo(id, fields, ttl)
		}
	}

	obj, err := s.obj.Stat(ctx, objstore.StateKey(id))
	if err != nil {
		if errdefs.IsNotFound(err) {
			return &types.StateInfo{Exists: false}, nil
		}
		return nil, fmt.Errorf("state info %s: %w", id, err)
	}

	info := &types.StateInfo{
		Exists:    true,
		Size:      obj.Size,
		Hash:      obj.Metadata["hash"],
		CreatedAt: obj.LastModified,
		Source:    types.StateTierArchive,
	}
	if raw := obj.Metadata["created_at"]; raw != "" {
		if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
			info.CreatedAt = t
		}
	}
	return info, nil
}

func hotInfo(id string, fields map[string]string, ttl time.Duration) (*types.StateInfo, error) {
	size, err := strconv.ParseInt(fields["size"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("state info %s corrupt size: %v: %w", id, err, errdefs.ErrInternal)
	}
	created, err := time.Parse(time.RFC3339Nano, fields["created_at"])
	if err != nil {
		return nil, fmt.Errorf("state info %s corrupt created_at: %v: %w", id, err, errdefs.ErrInternal)
	}
	info := &types.StateInfo{
		Exists:    true,
		Size:      size,
		Hash:      fields["hash"],
		CreatedAt: created,
		Source:    types.StateTierHot,
	}
	if ttl > 0 {
		info.ExpiresAt = time.Now().Add(ttl)
	}
	return info, nil
}

// Delete removes the state from both tiers. Idempotent.
func (s *Service) Delete(ctx context.Context, id string) error {
	if _, err := s.kv.Del(ctx, stateKey(id), infoKey(id)); err != nil {
		return fmt.Errorf("delete state %s: %w", id, err)
	}
	if err := s.obj.Delete(ctx, objstore.StateKey(id)); err != nil {
		return fmt.Errorf("delete state %s: %w", id, err)
	}
	return nil
}

// ArchiveSweep copies hot entries whose ttl has fallen below the threshold
// to the cold tier. The hot entry is left to lapse on its own; the next
// Load after that re-promotes from the archive. Entries already archived at
// the same content hash are skipped.
func (s *Service) ArchiveSweep(ctx context.Context) (int, error) {
	keys, err := s.kv.ScanKeys(ctx, infoPrefix+"*")
	if err != nil {
		return 0, fmt.Errorf("archive sweep: %w", err)
	}

	threshold := time.Duration(s.cfg.ArchiveThresholdSec) * time.Second
	archived := 0
	for _, key := range keys {
		id := key[len(infoPrefix):]

		ttl, err := s.kv.TTL(ctx, stateKey(id))
		if err != nil || ttl <= 0 || ttl >= threshold {
			continue
		}

		fields, err := s.kv.HGetAll(ctx, infoKey(id))
		if err != nil || len(fields) == 0 {
			continue
		}
		hash := fields["hash"]

		if obj, err := s.obj.Stat(ctx, objstore.StateKey(id)); err == nil && obj.Metadata["hash"] == hash {
			continue
		}

		data, err := s.kv.GetBytes(ctx, stateKey(id))
		if err != nil {
			// Lapsed between the ttl check and the read.
			continue
		}

		err = s.obj.PutWithMetadata(ctx, objstore.StateKey(id), bytes.NewReader(data), int64(len(data)),
			"application/octet-stream", map[string]string{
				"hash":       hash,
				"created_at": fields["created_at"],
			})
		if err != nil {
			s.logger.Warn().Err(err).Str("session_id", id).Msg("Failed to archive state")
			continue
		}

		archived++
		s.emit(events.EventStateArchived, id, len(data))
		s.logger.Debug().Str("session_id", id).Int("size", len(data)).Msg("State archived")
	}

	if archived > 0 {
		s.logger.Info().Int("archived", archived).Msg("Archive sweep done")
	}
	return archived, nil
}

// RunArchiver sweeps on the configured interval until ctx is cancelled.
func (s *Service) RunArchiver(ctx context.Context) error {
	interval := time.Duration(s.cfg.ArchiveIntervalSec) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.logger.Info().Dur("interval", interval).Msg("State archiver started")
	for {
		select {
		case <-ticker.C:
			if _, err := s.ArchiveSweep(ctx); err != nil && ctx.Err() == nil {
				s.logger.Error().Err(err).Msg("Archive sweep failed")
			}
		case <-ctx.Done():
			s.logger.Info().Msg("State archiver stopped")
			return ctx.Err()
		}
	}
}

func (s *Service) emit(t events.EventType, id string, size int) {
	if s.broker == nil {
		return
	}
	s.broker.Emit(t, fmt.Sprintf("%s %s", t, id), map[string]string{
		"session_id": id,
		"size":       strconv.Itoa(size),
	})
}
