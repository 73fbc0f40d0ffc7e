package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/redis/go-redis/v9"

	"github.com/mbd888/payguard/internal/anomaly"
	"github.com/mbd888/payguard/internal/chain"
	"github.com/mbd888/payguard/internal/circuitbreaker"
	"github.com/mbd888/payguard/internal/features"
	"github.com/mbd888/payguard/internal/health"
	"github.com/mbd888/payguard/internal/history"
	"github.com/mbd888/payguard/internal/intent"
	"github.com/mbd888/payguard/internal/ledger"
	"github.com/mbd888/payguard/internal/llm"
	"github.com/mbd888/payguard/internal/metrics"
	"github.com/mbd888/payguard/internal/policy"
	"github.com/mbd888/payguard/internal/retrain"
	"github.com/mbd888/payguard/internal/samples"
	"github.com/mbd888/payguard/migrations"
)

// -----------------------------------------------------------------------------
// Storage
// -----------------------------------------------------------------------------

func (s *Server) initStorage(ctx context.Context) error {
	var ledgerStore ledger.Store = ledger.NewMemoryStore()
	var historyStore history.Store = history.NewMemoryStore(0)
	s.sampleStore = samples.NewMemoryStore(0)

	if s.cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", s.cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("failed to open database: %w", err)
		}

		// Configure connection pool
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		if err := db.PingContext(ctx); err != nil {
			_ = db.Close()
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		if err := migrations.Up(ctx, db); err != nil {
			s.logger.Warn("failed to apply migrations", "error", err)
		}

		s.db = db
		ledgerStore = ledger.NewPostgresStore(db)
		historyStore = history.NewPostgresStore(db)
		s.sampleStore = samples.NewPostgresStore(db)
		s.health.Register("postgres", health.Ping(db))
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(s.cfg.DatabaseURL))
	} else {
		s.health.Register("storage", health.Static(true, "memory"))
		s.logger.Info("using in-memory storage (data will not persist)")
	}

	if s.cfg.RedisURL != "" {
		opts, err := redis.ParseURL(s.cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		client := redis.NewClient(opts)
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return fmt.Errorf("failed to connect to redis: %w", err)
		}
		s.redis = client
		ledgerStore = ledger.NewRedisStore(client, "", 0)
		s.health.Register("redis", health.Ping(redisPinger{client}))
		s.logger.Info("daily spend ledger on redis", "addr", opts.Addr)
	}

	wallet := s.cfg.WalletAddress
	if wallet == "" {
		wallet = ledger.DefaultWallet
	}
	s.ledger = ledger.ForWallet(ledgerStore, wallet)
	s.history = history.ForWallet(historyStore, wallet)
	return nil
}

type redisPinger struct{ c *redis.Client }

func (p redisPinger) PingContext(ctx context.Context) error { return p.c.Ping(ctx).Err() }

// maskDSN hides password in connection string for logging
func maskDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return "***"
	}
	if u.User != nil {
		u.User = url.UserPassword(u.User.Username(), "***")
	}
	return u.String()
}

// -----------------------------------------------------------------------------
// Freeze oracle
// -----------------------------------------------------------------------------

func (s *Server) initFreezeOracle(ctx context.Context) error {
	if s.freeze != nil {
		return nil // injected
	}
	if s.cfg.FreezeContract == "" {
		s.logger.Warn("FREEZE_CONTRACT not set, freeze gate disabled")
		return nil
	}

	reader, err := chain.Dial(ctx, s.cfg.RPCURL)
	if err != nil {
		return err
	}
	gw, err := chain.NewGateway(reader, s.cfg.FreezeContract, chain.WithLogger(s.logger))
	if err != nil {
		reader.Close()
		return err
	}
	s.eth = reader
	s.freeze = gw
	s.health.Register("freeze_oracle", func(ctx context.Context) health.Status {
		if _, err := gw.IsFrozen(ctx, gw.Contract()); err != nil {
			return health.Status{Healthy: false, Detail: err.Error()}
		}
		return health.Status{Healthy: true, Detail: gw.Contract()}
	})
	s.logger.Info("freeze oracle configured", "contract", gw.Contract(), "rpc", s.cfg.RPCURL)
	return nil
}

// -----------------------------------------------------------------------------
// AI
// -----------------------------------------------------------------------------

func (s *Server) initParser() error {
	if !s.cfg.EnableAI {
		return nil
	}

	opts := []intent.Option{
		intent.WithCompletionOptions(intent.CompletionOptions{
			Temperature: s.cfg.AITemperature,
			MaxTokens:   s.cfg.AIMaxTokens,
			Timeout:     s.cfg.AITimeout,
		}),
		intent.WithLogger(s.logger),
	}

	switch {
	case s.llmClient != nil:
		opts = append(opts, intent.WithLLM(s.llmClient, "injected"))
	default:
		sel, err := llm.Select(s.cfg.LLMSettings())
		if errors.Is(err, llm.ErrNoProvider) && s.cfg.AIProvider == "" {
			s.logger.Warn("no AI provider configured, rule-based assessment only")
			s.health.RegisterOptional("llm", health.Static(false, "no provider configured"))
			break
		}
		if err != nil {
			return err
		}
		breaker := circuitbreaker.New(5, 30*time.Second, circuitbreaker.WithTransitionHook(
			func(key string, from, to circuitbreaker.State) {
				s.logger.Warn("llm circuit breaker transition", "provider", key, "from", from.String(), "to", to.String())
			}))
		client, err := llm.New(sel, llm.WithBreaker(breaker), llm.WithLogger(s.logger))
		if err != nil {
			return err
		}
		opts = append(opts, intent.WithLLM(client, string(sel.Provider)))
		s.health.RegisterOptional("llm", func(context.Context) health.Status {
			st := breaker.State(string(sel.Provider))
			return health.Status{Healthy: st != circuitbreaker.StateOpen, Detail: string(sel.Provider) + " " + st.String()}
		})
		s.logger.Info("AI intent parsing enabled", "provider", sel.Provider, "model", sel.Model)
	}

	s.parser = intent.NewParser(opts...)
	return nil
}

// -----------------------------------------------------------------------------
// Features and anomaly detection
// -----------------------------------------------------------------------------

func (s *Server) initAnomaly() error {
	s.detector = anomaly.NewDetector(
		anomaly.WithThreshold(s.cfg.AnomalyThreshold),
		anomaly.WithLogger(s.logger),
	)
	if !s.cfg.EnableMLFeatures {
		return nil
	}
	s.features = features.NewEngine(features.WithLogger(s.logger))

	if path := s.cfg.AnomalyProfilePath; path != "" {
		loaded, err := retrain.LoadFile(path, s.detector)
		if err != nil {
			s.logger.Warn("anomaly profile not loaded, using heuristics", "path", path, "error", err)
		} else if loaded {
			s.logger.Info("anomaly profile loaded", "path", path, "samples", s.detector.Profile().Samples)
		}
		s.profileWatcher = retrain.NewWatcher(path, s.detector, s.logger)
		s.profileWatcher.OnReload(func() {
			if p := s.detector.Profile(); p != nil {
				s.hub.BroadcastProfileReloaded(p.Samples)
			}
		})
	}

	s.retrainer = retrain.NewRunner(s.sampleStore, s.detector,
		retrain.WithProfilePath(s.cfg.AnomalyProfilePath),
		retrain.WithLogger(s.logger),
	)
	s.retrainTimer = retrain.NewTimer(s.retrainer, s.cfg.RetrainInterval, s.logger)
	if p := s.detector.Profile(); p != nil {
		metrics.AnomalyProfileSamples.Set(float64(p.Samples))
	}
	return nil
}

// -----------------------------------------------------------------------------
// Engine
// -----------------------------------------------------------------------------

func (s *Server) initEngine() error {
	p, err := policy.FromConfig(s.cfg)
	if err != nil {
		return err
	}

	opts := []policy.Option{
		policy.WithLedger(s.ledger),
		policy.WithHistory(s.history),
		policy.WithTransferRecorder(s.history),
		policy.WithSink(s.hub),
		policy.WithSink(s.collector),
		policy.WithLogger(s.logger),
	}
	if s.freeze != nil {
		opts = append(opts, policy.WithFreezeOracle(s.freeze))
	}
	if s.parser != nil {
		opts = append(opts, policy.WithRiskParser(s.parser))
	}
	if s.features != nil {
		opts = append(opts, policy.WithFeatures(s.features), policy.WithScorer(s.detector))
	}

	engine, err := policy.NewEngine(p, opts...)
	if err != nil {
		return err
	}
	s.engine = engine
	s.logger.Info("policy engine ready",
		"allowlist", len(p.Allowlist),
		"max_amount", deref(p.MaxAmount),
		"daily_limit", deref(p.DailyLimit),
		"ai", engine.AIAvailable(),
		"ml_features", s.features != nil,
	)
	return nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return strings.TrimSpace(*s)
}
