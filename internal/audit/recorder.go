package audit

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"identity-service/internal/bucketing"
	"identity-service/internal/client"
	"identity-service/internal/config"
	"identity-service/internal/model"
	"identity-service/internal/util"
)

// Event outcomes
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

// Event types
const (
	EventRegistration     = "identity.registered"
	EventLogin            = "identity.login"
	EventLoginFailed      = "identity.login_failed"
	EventLogout           = "identity.logout"
	EventTokenRefreshed   = "token.refreshed"
	EventTokenRevoked     = "token.revoked"
	EventOTPIssued        = "otp.issued"
	EventOTPVerified      = "otp.verified"
	EventOTPRejected      = "otp.rejected"
	EventCredentialAdded  = "webauthn.credential_added"
	EventWebAuthnFallback = "webauthn.fallback_decode"
	EventOAuthLinked      = "oauth.linked"
)

// Recorder fans security events out to the configured sinks. Delivery
// is best effort: a sink failure is logged and never surfaces to the
// login path that produced the event.
type Recorder struct {
	producer   *client.KafkaProducer
	clickhouse *client.ClickHouseClient
	es         *client.ESClient
	buckets    *bucketing.BucketingManager
	topic      string
	index      string
}

func NewRecorder(cfg *config.Config, producer *client.KafkaProducer, ch *client.ClickHouseClient, es *client.ESClient, buckets *bucketing.BucketingManager) *Recorder {
	return &Recorder{
		producer:   producer,
		clickhouse: ch,
		es:         es,
		buckets:    buckets,
		topic:      cfg.Kafka.EventsTopic,
		index:      cfg.Elasticsearch.Index,
	}
}

// Record publishes one security event to every configured sink.
func (r *Recorder) Record(ctx context.Context, event *model.SecurityEvent) {
	if event.EventID == "" {
		event.EventID = uuid.New().String()
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}
	event.Bucket = r.buckets.GetEventBucket(event.EventID)

	if r.producer != nil {
		r.publishKafka(ctx, event)
	}
	if r.clickhouse != nil {
		r.insertClickhouse(ctx, event)
	}
	if r.es != nil {
		r.indexElasticsearch(ctx, event)
	}

	util.Debug("Security event recorded",
		zap.String("event_id", event.EventID),
		zap.String("event_type", event.EventType),
		zap.String("outcome", event.Outcome))
}

func (r *Recorder) publishKafka(ctx context.Context, event *model.SecurityEvent) {
	payload, err := json.Marshal(event)
	if err != nil {
		util.Error("Failed to encode security event", zap.Error(err))
		return
	}

	err = r.producer.ProduceMessage(ctx, r.topic, []byte(event.IdentityID), payload, map[string]string{
		"event_type": event.EventType,
	})
	if err != nil {
		util.Warn("Failed to publish security event to Kafka",
			zap.String("event_id", event.EventID),
			zap.Error(err))
	}
}

func (r *Recorder) insertClickhouse(ctx context.Context, event *model.SecurityEvent) {
	err := r.clickhouse.Exec(ctx, `
        INSERT INTO security_events
            (event_id, identity_id, event_type, auth_method, outcome, ip_address, user_agent, detail, bucket, occurred_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		event.EventID, event.IdentityID, event.EventType, event.AuthMethod,
		event.Outcome, event.IPAddress, event.UserAgent, event.Detail, event.Bucket, event.OccurredAt)
	if err != nil {
		util.Warn("Failed to insert security event into ClickHouse",
			zap.String("event_id", event.EventID),
			zap.Error(err))
	}
}

func (r *Recorder) indexElasticsearch(ctx context.Context, event *model.SecurityEvent) {
	res, err := r.es.IndexDocument(ctx, r.index, event.EventID, event)
	if err != nil {
		util.Warn("Failed to index security event",
			zap.String("event_id", event.EventID),
			zap.Error(err))
		return
	}
	defer res.Body.Close()

	if res.IsError() {
		util.Warn("Elasticsearch rejected security event",
			zap.String("event_id", event.EventID),
			zap.String("status", res.Status()))
	}
}
