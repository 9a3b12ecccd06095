package session

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/containerd/errdefs"

	"github.com/kilnhq/kiln/pkg/types"
)

// AppendExecution persists an execution record and links it into its
// session's history, newest first, trimmed to the configured bound. Records
// carry their own retention ttl; history entries whose record has lapsed
// are skipped on read.
func (s *Store) AppendExecution(ctx context.Context, exec *types.Execution) error {
	if exec == nil || exec.ID == "" {
		return fmt.Errorf("execution id is required: %w", errdefs.ErrInvalidArgument)
	}
	fields, err := execFields(exec)
	if err != nil {
		return err
	}

	retention := s.ttl() + 2*time.Duration(s.cfg.SweepIntervalSec)*time.Second
	pipe := s.kv.Pipeline().
		HSet(ctx, execKey(exec.ID), fields).
		Expire(ctx, execKey(exec.ID), retention)

	if exec.SessionID != "" {
		pipe.LPush(ctx, execsKey(exec.SessionID), exec.ID)
		if s.cfg.MaxHistory > 0 {
			pipe.LTrim(ctx, execsKey(exec.SessionID), 0, int64(s.cfg.MaxHistory)-1)
		}
		pipe.Expire(ctx, execsKey(exec.SessionID), retention)
	}

	if err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("append execution %s: %w", exec.ID, err)
	}
	return nil
}

// GetExecution loads one execution record.
func (s *Store) GetExecution(ctx context.Context, id string) (*types.Execution, error) {
	fields, err := s.kv.HGetAll(ctx, execKey(id))
	if err != nil {
		return nil, fmt.Errorf("get execution %s: %w", id, err)
	}
	if len(fields) == 0 {
		return nil, fmt.Errorf("execution %s: %w", id, errdefs.ErrNotFound)
	}
	return parseExecution(id, fields)
}

// ListExecutions returns a session's history, newest first. limit <= 0
// returns the whole retained history.
func (s *Store) ListExecutions(ctx context.Context, sessionID string, limit int) ([]*types.Execution, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit) - 1
	}
	ids, err := s.kv.LRange(ctx, execsKey(sessionID), 0, stop)
	if err != nil {
		return nil, fmt.Errorf("list executions for session %s: %w", sessionID, err)
	}

	execs := make([]*types.Execution, 0, len(ids))
	for _, id := range ids {
		exec, err := s.GetExecution(ctx, id)
		if err != nil {
			if errdefs.IsNotFound(err) {
				continue
			}
			return nil, err
		}
		execs = append(execs, exec)
	}
	return execs, nil
}

func execFields(exec *types.Execution) (map[string]interface{}, error) {
	outputs, err := json.Marshal(exec.Outputs)
	if err != nil {
		return nil, fmt.Errorf("encode execution %s outputs: %w", exec.ID, err)
	}
	return map[string]interface{}{
		"id":                exec.ID,
		"session_id":        exec.SessionID,
		"code":              exec.Code,
		"language":          exec.Language,
		"status":            string(exec.Status),
		"created_at":        fmtTime(exec.CreatedAt),
		"started_at":        fmtTime(exec.StartedAt),
		"completed_at":      fmtTime(exec.CompletedAt),
		"outputs":           string(outputs),
		"exit_code":         strconv.Itoa(exec.ExitCode),
		"error":             exec.Error,
		"execution_time_ms": strconv.FormatInt(exec.ExecutionTimeMS, 10),
		"peak_memory_mb":    strconv.FormatFloat(exec.PeakMemoryMB, 'f', -1, 64),
	}, nil
}

func parseExecution(id string, fields map[string]string) (*types.Execution, error) {
	exec := &types.Execution{
		ID:        id,
		SessionID: fields["session_id"],
		Code:      fields["code"],
		Language:  fields["language"],
		Status:    types.ExecutionStatus(fields["status"]),
		Error:     fields["error"],
	}

	var err error
	if exec.CreatedAt, err = parseTime(fields["created_at"]); err != nil {
		return nil, corruptExec(id, "created_at", err)
	}
	if exec.StartedAt, err = parseTime(fields["started_at"]); err != nil {
		return nil, corruptExec(id, "started_at", err)
	}
	if exec.CompletedAt, err = parseTime(fields["completed_at"]); err != nil {
		return nil, corruptExec(id, "completed_at", err)
	}
	if raw := fields["outputs"]; raw != "" && raw != "null" {
		if err := json.Unmarshal([]byte(raw), &exec.Outputs); err != nil {
			return nil, corruptExec(id, "outputs", err)
		}
	}
	if v := fields["exit_code"]; v != "" {
		if exec.ExitCode, err = strconv.Atoi(v); err != nil {
			return nil, corruptExec(id, "exit_code", err)
		}
	}
	if v := fields["execution_time_ms"]; v != "" {
		if exec.ExecutionTimeMS, err = strconv.ParseInt(v, 10, 64); err != nil {
			return nil, corruptExec(id, "execution_time_ms", err)
		}
	}
	if v := fields["peak_memory_mb"]; v != "" {
		if exec.PeakMemoryMB, err = strconv.ParseFloat(v, 64); err != nil {
			return nil, corruptExec(id, "peak_memory_mb", err)
		}
	}
	return exec, nil
}

func fmtTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(timeLayout)
}

func corruptExec(id, field string, err error) error {
	return fmt.Errorf("execution %s field %s corrupt: %v: %w", id, field, err, errdefs.ErrInternal)
}
