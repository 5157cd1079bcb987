package scylla

import (
	"context"
	"fmt"
	"time"

	"github.com/gocql/gocql"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"identity-service/internal/model"
	"identity-service/internal/util"
)

// SessionRepository records login sessions partitioned by identity.
type SessionRepository struct {
	client *ScyllaClient
}

func NewSessionRepository(client *ScyllaClient, logger *zap.Logger) *SessionRepository {
	return &SessionRepository{
		client: client,
	}
}

func (r *SessionRepository) CreateSession(ctx context.Context, session *model.SessionRecord) error {
	if session.SessionID == "" {
		session.SessionID = uuid.New().String()
	}
	if session.StartedAt.IsZero() {
		session.StartedAt = time.Now().UTC()
	}
	if session.State == "" {
		session.State = model.SessionStateActive
	}

	query := r.client.Prepared.CreateSession.WithContext(ctx).Bind(
		session.IdentityID, session.SessionID, session.AuthMethod, session.TokenHash,
		session.State, session.IPAddress, session.UserAgent, session.StartedAt, session.ClosedAt)

	if err := r.client.ExecuteWithRetry(query, 2); err != nil {
		util.Error("Failed to create session",
			zap.String("identity_id", session.IdentityID),
			zap.String("session_id", session.SessionID),
			zap.Error(err))
		return fmt.Errorf("failed to create session: %w", err)
	}

	util.Info("Session created",
		zap.String("identity_id", session.IdentityID),
		zap.String("session_id", session.SessionID),
		zap.String("auth_method", session.AuthMethod))

	return nil
}

func (r *SessionRepository) GetSession(ctx context.Context, identityID, sessionID string) (*model.SessionRecord, error) {
	session := &model.SessionRecord{}

	query := r.client.Prepared.GetSession.WithContext(ctx).Bind(identityID, sessionID)
	err := r.client.ScanWithRetry(query,
		&session.IdentityID, &session.SessionID, &session.AuthMethod,
		&session.TokenHash, &session.State, &session.IPAddress,
		&session.UserAgent, &session.StartedAt, &session.ClosedAt)

	if err != nil {
		if err == gocql.ErrNotFound {
			return nil, fmt.Errorf("session not found: %w", model.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get session: %w", err)
	}

	return session, nil
}

func (r *SessionRepository) ListActiveSessions(ctx context.Context, identityID string) ([]*model.SessionRecord, error) {
	iter := r.client.Session.Query(`
        SELECT identity_id, session_id, auth_method, token_hash, state,
            ip_address, user_agent, started_at, closed_at
        FROM sessions WHERE identity_id = ?`, identityID).WithContext(ctx).Iter()

	var sessions []*model.SessionRecord
	row := &model.SessionRecord{}
	for iter.Scan(&row.IdentityID, &row.SessionID, &row.AuthMethod, &row.TokenHash,
		&row.State, &row.IPAddress, &row.UserAgent, &row.StartedAt, &row.ClosedAt) {
		if row.State == model.SessionStateActive {
			copied := *row
			sessions = append(sessions, &copied)
		}
	}

	if err := iter.Close(); err != nil {
		util.Error("Failed to list sessions",
			zap.String("identity_id", identityID),
			zap.Error(err))
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}

	return sessions, nil
}

func (r *SessionRepository) CloseSession(ctx context.Context, identityID, sessionID string) error {
	query := r.client.Prepared.CloseSession.WithContext(ctx).Bind(
		model.SessionStateClosed, time.Now().UTC(), identityID, sessionID)

	if err := r.client.ExecuteWithRetry(query, 2); err != nil {
		util.Error("Failed to close session",
			zap.String("identity_id", identityID),
			zap.String("session_id", sessionID),
			zap.Error(err))
		return fmt.Errorf("failed to close session: %w", err)
	}

	util.Info("Session closed",
		zap.String("identity_id", identityID),
		zap.String("session_id", sessionID))

	return nil
}

// CloseAllSessions closes every active session for the identity in one
// unlogged batch.
func (r *SessionRepository) CloseAllSessions(ctx context.Context, identityID string) error {
	active, err := r.ListActiveSessions(ctx, identityID)
	if err != nil {
		return err
	}
	if len(active) == 0 {
		return nil
	}

	now := time.Now().UTC()
	batch := r.client.Batch(gocql.UnloggedBatch).WithContext(ctx)
	for _, session := range active {
		batch.Query(`UPDATE sessions SET state = ?, closed_at = ? WHERE identity_id = ? AND session_id = ?`,
			model.SessionStateClosed, now, identityID, session.SessionID)
	}

	if err := r.client.ExecuteBatch(batch); err != nil {
		util.Error("Failed to close all sessions",
			zap.String("identity_id", identityID),
			zap.Error(err))
		return fmt.Errorf("failed to close all sessions: %w", err)
	}

	util.Info("All sessions closed",
		zap.String("identity_id", identityID),
		zap.Int("count", len(active)))

	return nil
}
