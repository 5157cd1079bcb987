package factory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"identity-service/internal/audit"
	"identity-service/internal/bucketing"
	"identity-service/internal/client"
	"identity-service/internal/config"
	"identity-service/internal/encryption"
	"identity-service/internal/fido"
	"identity-service/internal/hashing"
	"identity-service/internal/oauth"
	redisrepo "identity-service/internal/repository/redis"
	"identity-service/internal/repository/scylla"
	"identity-service/internal/service"
	"identity-service/internal/sms"
	"identity-service/internal/tls"
	"identity-service/internal/token"
	"identity-service/internal/util"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"
)

// Factory manages the lifecycle of all application dependencies
type Factory struct {
	config     *config.Config
	tlsManager *tls.TLSManager

	// Clients
	redisClient      *client.RedisClient
	scyllaClient     *scylla.ScyllaClient
	kafkaProducer    *client.KafkaProducer
	esClient         *client.ESClient
	clickhouseClient *client.ClickHouseClient

	// Managers
	hasher            *hashing.Hasher
	encryptionManager *encryption.EncryptionManager
	bucketingManager  *bucketing.BucketingManager
	issuer            *token.Issuer
	recorder          *audit.Recorder
	smsSender         sms.Sender
	verifier          fido.Verifier
	dispatcher        *oauth.Dispatcher

	// Repositories and caches
	identityRepository *scylla.IdentityRepository
	otpRepository      *scylla.OTPRepository
	refreshRepository  *scylla.RefreshTokenRepository
	sessionRepository  *scylla.SessionRepository
	attemptCache       *redisrepo.AttemptCache
	challengeCache     *redisrepo.ChallengeCache

	serviceFactory *service.ServiceFactory

	closeOnce sync.Once
	closed    chan struct{}
}

// NewFactory creates and initializes all application dependencies
func NewFactory() (*Factory, error) {
	cfg := config.LoadConfig()

	util.Init(cfg.Environment, cfg.Logging.Level, cfg.Logging.Format)

	factory := &Factory{
		config: cfg,
		closed: make(chan struct{}),
	}

	if cfg.Server.EnableTLS {
		tlsConfig := &tls.TLSConfig{
			EnableTLS:   cfg.Server.EnableTLS,
			AutoCert:    cfg.Server.AutoCert,
			Domain:      cfg.Server.Domain,
			CertFile:    cfg.Server.CertFile,
			KeyFile:     cfg.Server.KeyFile,
			AutoCertDir: cfg.Server.AutoCertDir,
			Email:       cfg.Server.Email,
			Environment: cfg.Environment,
		}
		factory.tlsManager = tls.NewTLSManager(tlsConfig)
	}

	if err := factory.initializeClients(); err != nil {
		return nil, fmt.Errorf("failed to initialize clients: %w", err)
	}

	if err := factory.initializeManagers(); err != nil {
		return nil, fmt.Errorf("failed to initialize managers: %w", err)
	}

	factory.initializeRepositories()

	util.Info("Factory initialized successfully",
		util.String("environment", cfg.Environment),
		util.Bool("tls_enabled", cfg.Server.EnableTLS),
		util.Bool("kms_enabled", cfg.KMS.Enabled),
	)

	return factory, nil
}

// initializeClients initializes all external service clients with health checks
func (f *Factory) initializeClients() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var initErrors []error

	// Redis
	if c, err := client.NewRedisClient(f.config, util.Get()); err != nil {
		initErrors = append(initErrors, fmt.Errorf("redis: %w", err))
	} else {
		f.redisClient = c
		if err := f.redisClient.HealthCheck(ctx); err != nil {
			initErrors = append(initErrors, fmt.Errorf("redis health check: %w", err))
		} else {
			util.Info("Redis client initialized and healthy")
		}
	}

	// ScyllaDB
	if c, err := scylla.NewScyllaClient(f.config, util.Get()); err != nil {
		initErrors = append(initErrors, fmt.Errorf("scylla: %w", err))
	} else {
		f.scyllaClient = c
		if err := f.scyllaClient.HealthCheck(); err != nil {
			initErrors = append(initErrors, fmt.Errorf("scylla health check: %w", err))
		} else {
			util.Info("ScyllaDB client initialized and healthy")
		}
	}

	// Kafka is best-effort: the audit trail degrades, nothing else does
	if producer, err := client.NewKafkaProducer(f.config, util.Get()); err != nil {
		util.Warn("Kafka producer initialization failed - proceeding without Kafka", util.ErrorField(err))
	} else {
		f.kafkaProducer = producer
		util.Info("Kafka producer initialized")
	}

	// Elasticsearch
	if c, err := client.NewElasticsearchClient(f.config, util.Get()); err != nil {
		initErrors = append(initErrors, fmt.Errorf("elasticsearch: %w", err))
	} else {
		f.esClient = c
		if err := f.esClient.HealthCheck(); err != nil {
			initErrors = append(initErrors, fmt.Errorf("elasticsearch health check: %w", err))
		} else {
			util.Info("Elasticsearch client initialized and healthy")
		}
	}

	// ClickHouse
	if c, err := client.NewClickHouseClient(f.config, util.Get()); err != nil {
		initErrors = append(initErrors, fmt.Errorf("clickhouse: %w", err))
	} else {
		f.clickhouseClient = c
		if err := f.clickhouseClient.HealthCheck(ctx); err != nil {
			initErrors = append(initErrors, fmt.Errorf("clickhouse health check: %w", err))
		} else {
			util.Info("ClickHouse client initialized and healthy")
		}
	}

	if len(initErrors) > 0 {
		if f.config.IsProduction() {
			return fmt.Errorf("critical service initialization failed: %v", initErrors)
		}
		for _, err := range initErrors {
			util.Warn("Service initialization warning", util.ErrorField(err))
		}
	}

	return nil
}

// initializeManagers initializes hashing, encryption, tokens, bucketing
// and the domain collaborators built on top of them
func (f *Factory) initializeManagers() error {
	f.hasher = hashing.NewHasher(f.config)

	var kmsClient *kms.Client
	if f.config.KMS.Enabled {
		awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(),
			awsconfig.WithRegion(f.config.KMS.Region))
		if err != nil {
			return fmt.Errorf("loading AWS config for KMS: %w", err)
		}
		kmsClient = kms.NewFromConfig(awsCfg)
	}

	f.encryptionManager = encryption.NewEncryptionManager(f.config, kmsClient)
	f.bucketingManager = bucketing.NewBucketingManager(f.config)
	f.issuer = token.NewIssuer([]byte(f.config.Token.Secret),
		f.config.Token.AccessTokenTTL, f.config.Token.RefreshTokenTTL)
	f.recorder = audit.NewRecorder(f.config, f.kafkaProducer, f.clickhouseClient, f.esClient, f.bucketingManager)
	f.smsSender = sms.NewSender(f.config)

	verifier, err := fido.NewLibraryVerifier(f.config)
	if err != nil {
		return fmt.Errorf("initializing webauthn verifier: %w", err)
	}
	f.verifier = verifier

	var strategies []oauth.Strategy
	if f.config.OAuth.Google.ClientID != "" {
		strategies = append(strategies, oauth.NewGoogleStrategy(f.config))
	}
	if f.config.OAuth.Facebook.ClientID != "" {
		strategies = append(strategies, oauth.NewFacebookStrategy(f.config))
	}
	f.dispatcher = oauth.NewDispatcher(strategies...)

	if f.config.IsProduction() {
		f.hasher.StartPepperRotation()
	}

	util.Info("Managers initialized successfully",
		util.Bool("kms_backed_encryption", kmsClient != nil),
		util.Int("oauth_providers", len(strategies)),
	)

	return nil
}

// initializeRepositories wires the persistence layer
func (f *Factory) initializeRepositories() {
	f.identityRepository = scylla.NewIdentityRepository(f.scyllaClient, f.bucketingManager, util.Get())
	f.otpRepository = scylla.NewOTPRepository(f.scyllaClient, util.Get())
	f.refreshRepository = scylla.NewRefreshTokenRepository(f.scyllaClient, util.Get())
	f.sessionRepository = scylla.NewSessionRepository(f.scyllaClient, util.Get())
	f.attemptCache = redisrepo.NewAttemptCache(f.redisClient)
	f.challengeCache = redisrepo.NewChallengeCache(f.redisClient)
}

// ServiceFactory returns the service factory wired with every dependency
func (f *Factory) ServiceFactory() *service.ServiceFactory {
	if f.serviceFactory == nil {
		f.serviceFactory = service.NewServiceFactory(service.Dependencies{
			Identities:    f.identityRepository,
			RefreshTokens: f.refreshRepository,
			Sessions:      f.sessionRepository,
			OTPs:          f.otpRepository,
			Attempts:      f.attemptCache,
			Challenges:    f.challengeCache,
			Hasher:        f.hasher,
			EncryptionMgr: f.encryptionManager,
			Issuer:        f.issuer,
			Recorder:      f.recorder,
			SMSSender:     f.smsSender,
			Verifier:      f.verifier,
			Dispatcher:    f.dispatcher,
			Config:        f.config,
		})
	}
	return f.serviceFactory
}

// HealthCheck reports the health of every backing client
func (f *Factory) HealthCheck(ctx context.Context) map[string]error {
	healthErrors := make(map[string]error)

	if f.redisClient != nil {
		if err := f.redisClient.HealthCheck(ctx); err != nil {
			healthErrors["redis"] = err
		}
	} else {
		healthErrors["redis"] = fmt.Errorf("redis client not initialized")
	}

	if f.scyllaClient != nil {
		if err := f.scyllaClient.HealthCheck(); err != nil {
			healthErrors["scylla"] = err
		}
	} else {
		healthErrors["scylla"] = fmt.Errorf("scylla client not initialized")
	}

	if f.esClient != nil {
		if err := f.esClient.HealthCheck(); err != nil {
			healthErrors["elasticsearch"] = err
		}
	} else {
		healthErrors["elasticsearch"] = fmt.Errorf("elasticsearch client not initialized")
	}

	if f.clickhouseClient != nil {
		if err := f.clickhouseClient.HealthCheck(ctx); err != nil {
			healthErrors["clickhouse"] = err
		}
	} else {
		healthErrors["clickhouse"] = fmt.Errorf("clickhouse client not initialized")
	}

	if f.kafkaProducer != nil {
		if err := f.kafkaProducer.HealthCheck(ctx); err != nil {
			healthErrors["kafka"] = err
		}
	}

	return healthErrors
}

// IsHealthy reports overall health; the audit pipeline is advisory
func (f *Factory) IsHealthy(ctx context.Context) bool {
	healthErrors := f.HealthCheck(ctx)
	delete(healthErrors, "kafka")
	return len(healthErrors) == 0
}

func (f *Factory) Close() error {
	f.closeOnce.Do(func() {
		close(f.closed)
		util.Info("Shutting down factory...")

		if f.clickhouseClient != nil {
			if err := f.clickhouseClient.Close(); err != nil {
				util.Error("Failed to close ClickHouse client", util.ErrorField(err))
			} else {
				util.Info("ClickHouse client closed")
			}
		}

		if f.esClient != nil {
			f.esClient.Close()
			util.Info("Elasticsearch client closed")
		}

		if f.kafkaProducer != nil {
			if err := f.kafkaProducer.Close(); err != nil {
				util.Error("Failed to close Kafka producer", util.ErrorField(err))
			} else {
				util.Info("Kafka producer closed")
			}
		}

		if f.scyllaClient != nil {
			f.scyllaClient.Close()
			util.Info("ScyllaDB client closed")
		}

		if f.redisClient != nil {
			if err := f.redisClient.Close(); err != nil {
				util.Error("Failed to close Redis client", util.ErrorField(err))
			} else {
				util.Info("Redis client closed")
			}
		}

		if f.encryptionManager != nil {
			f.encryptionManager.ClearCache()
			util.Info("Encryption manager cache cleared")
		}

		util.Sync()
		util.Info("Factory shutdown completed")
	})

	return nil
}

func (f *Factory) WaitForClose() {
	<-f.closed
}

func (f *Factory) Config() *config.Config {
	return f.config
}

func (f *Factory) TLSManager() *tls.TLSManager {
	return f.tlsManager
}

func (f *Factory) ScyllaClient() *scylla.ScyllaClient {
	return f.scyllaClient
}

func (f *Factory) Hasher() *hashing.Hasher {
	return f.hasher
}

func (f *Factory) EncryptionManager() *encryption.EncryptionManager {
	return f.encryptionManager
}

func (f *Factory) BucketingManager() *bucketing.BucketingManager {
	return f.bucketingManager
}
