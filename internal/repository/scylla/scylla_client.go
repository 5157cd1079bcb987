package scylla

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gocql/gocql"
	"go.uber.org/zap"

	"identity-service/internal/config"
	"identity-service/internal/util"
)

// PreparedStatements holds prepared statements that are actually used by the repositories
type PreparedStatements struct {
	CreateIdentity           *gocql.Query
	CreateEmailIndex         *gocql.Query
	CreatePhoneIndex         *gocql.Query
	GetIdentityByID          *gocql.Query
	GetEmailIndex            *gocql.Query
	GetPhoneIndex            *gocql.Query
	UpdateOAuthLink          *gocql.Query
	UpdateWebAuthnCredential *gocql.Query
	UpdateSignCount          *gocql.Query
	UpsertRefreshToken       *gocql.Query
	GetRefreshToken          *gocql.Query
	RevokeRefreshToken       *gocql.Query
	CreateSession            *gocql.Query
	GetSession               *gocql.Query
	CloseSession             *gocql.Query
	CreateOTP                *gocql.Query
	UpdateOTPState           *gocql.Query
}

type ScyllaClient struct {
	Session      *gocql.Session
	config       *config.ScyllaConfig
	Prepared     *PreparedStatements
	prepareMutex sync.RWMutex
	isPrepared   bool
}

func NewScyllaClient(cfg *config.Config, logger *zap.Logger) (*ScyllaClient, error) {
	scyllaConfig := cfg.Scylla

	cluster := gocql.NewCluster(scyllaConfig.Nodes...)
	cluster.Keyspace = scyllaConfig.Keyspace
	cluster.Consistency = gocql.LocalQuorum
	cluster.Timeout = 10 * time.Second
	cluster.ConnectTimeout = 10 * time.Second
	cluster.NumConns = 4
	cluster.SocketKeepalive = 30 * time.Second
	cluster.MaxPreparedStmts = 1000
	cluster.MaxRoutingKeyInfo = 1000
	cluster.PageSize = 1000
	cluster.RetryPolicy = &gocql.ExponentialBackoffRetryPolicy{
		Min:        time.Second,
		Max:        10 * time.Second,
		NumRetries: 3,
	}

	if !cfg.IsDevelopment() {
		cluster.SslOpts = &gocql.SslOptions{
			CaPath:                 "/root/certs/ca.pem",
			CertPath:               "/root/certs/server.pem",
			KeyPath:                "/root/certs/server.key",
			EnableHostVerification: true,
		}
	}

	if scyllaConfig.Username != "" && scyllaConfig.Password != "" {
		cluster.Authenticator = gocql.PasswordAuthenticator{
			Username: scyllaConfig.Username,
			Password: scyllaConfig.Password,
		}
	}

	session, err := cluster.CreateSession()
	if err != nil {
		return nil, fmt.Errorf("failed to create scylla session: %w", err)
	}

	client := &ScyllaClient{
		Session: session,
		config:  &scyllaConfig,
	}

	if err := client.prepareStatements(); err != nil {
		session.Close()
		return nil, fmt.Errorf("failed to prepare statements: %w", err)
	}

	util.Info("ScyllaDB client initialized with prepared statements",
		zap.Strings("nodes", scyllaConfig.Nodes),
		zap.String("keyspace", scyllaConfig.Keyspace))

	return client, nil
}

func (s *ScyllaClient) prepareStatements() error {
	s.prepareMutex.Lock()
	defer s.prepareMutex.Unlock()

	if s.isPrepared {
		return nil
	}

	prepared := &PreparedStatements{}

	prepared.CreateIdentity = s.Session.Query(`
    INSERT INTO identities (
        bucket, identity_id, email, phone, phone_encrypted,
        first_name, last_name, second_last_name, password_hash,
        auth_method, oauth_provider, oauth_subject,
        credential_id, public_key, sign_count, biometric_type,
        created_at, updated_at
    ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)

	prepared.CreateEmailIndex = s.Session.Query(`
        INSERT INTO identities_by_email (email, bucket, identity_id, created_at)
        VALUES (?, ?, ?, ?) IF NOT EXISTS`)

	prepared.CreatePhoneIndex = s.Session.Query(`
        INSERT INTO identities_by_phone (phone, bucket, identity_id, created_at)
        VALUES (?, ?, ?, ?) IF NOT EXISTS`)

	prepared.GetIdentityByID = s.Session.Query(`
        SELECT bucket, identity_id, email, phone, phone_encrypted,
            first_name, last_name, second_last_name, password_hash,
            auth_method, oauth_provider, oauth_subject,
            credential_id, public_key, sign_count, biometric_type,
            created_at, updated_at
        FROM identities WHERE bucket = ? AND identity_id = ?`)

	prepared.GetEmailIndex = s.Session.Query(`
        SELECT bucket, identity_id FROM identities_by_email WHERE email = ?`)

	prepared.GetPhoneIndex = s.Session.Query(`
        SELECT bucket, identity_id FROM identities_by_phone WHERE phone = ?`)

	prepared.UpdateOAuthLink = s.Session.Query(`
        UPDATE identities SET oauth_provider = ?, oauth_subject = ?, updated_at = ?
        WHERE bucket = ? AND identity_id = ?`)

	prepared.UpdateWebAuthnCredential = s.Session.Query(`
        UPDATE identities SET credential_id = ?, public_key = ?, sign_count = ?,
            biometric_type = ?, updated_at = ?
        WHERE bucket = ? AND identity_id = ?`)

	prepared.UpdateSignCount = s.Session.Query(`
        UPDATE identities SET sign_count = ?, updated_at = ?
        WHERE bucket = ? AND identity_id = ?`)

	prepared.UpsertRefreshToken = s.Session.Query(`
        INSERT INTO refresh_tokens (identity_id, token_hash, state, expires_at, issued_at)
        VALUES (?, ?, ?, ?, ?)`)

	prepared.GetRefreshToken = s.Session.Query(`
        SELECT identity_id, token_hash, state, expires_at, issued_at
        FROM refresh_tokens WHERE identity_id = ?`)

	prepared.RevokeRefreshToken = s.Session.Query(`
        UPDATE refresh_tokens SET state = ? WHERE identity_id = ?`)

	prepared.CreateSession = s.Session.Query(`
        INSERT INTO sessions (identity_id, session_id, auth_method, token_hash, state,
            ip_address, user_agent, started_at, closed_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)

	prepared.GetSession = s.Session.Query(`
        SELECT identity_id, session_id, auth_method, token_hash, state,
            ip_address, user_agent, started_at, closed_at
        FROM sessions WHERE identity_id = ? AND session_id = ?`)

	prepared.CloseSession = s.Session.Query(`
        UPDATE sessions SET state = ?, closed_at = ?
        WHERE identity_id = ? AND session_id = ?`)

	prepared.CreateOTP = s.Session.Query(`
        INSERT INTO otp_codes (identity_id, otp_id, code_hash, state,
            expires_at, created_at)
        VALUES (?, ?, ?, ?, ?, ?)`)

	prepared.UpdateOTPState = s.Session.Query(`
        UPDATE otp_codes SET state = ? WHERE identity_id = ? AND otp_id = ?`)

	s.Prepared = prepared
	s.isPrepared = true

	util.Info("ScyllaDB prepared statements created successfully")
	return nil
}

func (s *ScyllaClient) Close() {
	if s.Session != nil {
		s.Session.Close()
		util.Info("ScyllaDB client closed")
	}
}

func (s *ScyllaClient) Query(stmt string, values ...interface{}) *gocql.Query {
	return s.Session.Query(stmt, values...)
}

func (s *ScyllaClient) Batch(typ gocql.BatchType) *gocql.Batch {
	return s.Session.NewBatch(typ)
}

func (s *ScyllaClient) ExecuteBatch(batch *gocql.Batch) error {
	return s.Session.ExecuteBatch(batch)
}

func (s *ScyllaClient) HealthCheck() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var clusterName string
	err := s.Session.Query(`SELECT cluster_name FROM system.local`).WithContext(ctx).Scan(&clusterName)
	if err != nil {
		return fmt.Errorf("scylla health check failed: %w", err)
	}

	util.Debug("ScyllaDB health check passed", zap.String("cluster_name", clusterName))
	return nil
}

func (s *ScyllaClient) ExecuteWithRetry(query *gocql.Query, maxRetries int) error {
	var lastErr error
	for i := 0; i <= maxRetries; i++ {
		if err := query.Exec(); err != nil {
			lastErr = err
			if i < maxRetries {
				time.Sleep(time.Duration(i+1) * 100 * time.Millisecond)
				continue
			}
		} else {
			return nil
		}
	}
	return lastErr
}

func (s *ScyllaClient) ScanWithRetry(query *gocql.Query, dest ...interface{}) error {
	var lastErr error
	for i := 0; i < 3; i++ {
		if err := query.Scan(dest...); err != nil {
			lastErr = err
			if i < 2 {
				time.Sleep(time.Duration(i+1) * 100 * time.Millisecond)
				continue
			}
		} else {
			return nil
		}
	}
	return lastErr
}
