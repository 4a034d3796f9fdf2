package main

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/banking-audit-ledger/anchor/internal/auditlog/store"
	"github.com/banking-audit-ledger/anchor/internal/chain"
	"github.com/banking-audit-ledger/anchor/internal/ledger"
)

// openStore selects the record store from database.driver. The pool is nil
// for SQLite.
func openStore(ctx context.Context, logger *zap.Logger) (store.Store, *pgxpool.Pool, error) {
	opts := store.Options{ClaimLease: viper.GetDuration("store.claim_lease")}

	switch driver := viper.GetString("database.driver"); driver {
	case "postgres":
		pool, err := pgxpool.New(ctx, viper.GetString("database.url"))
		if err != nil {
			return nil, nil, fmt.Errorf("connect to postgres: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("ping postgres: %w", err)
		}
		logger.Info("connected to postgres")
		return store.NewPostgresStore(pool, opts), pool, nil

	case "sqlite":
		path := viper.GetString("database.sqlite_path")
		st, err := store.OpenSQLite(path, opts)
		if err != nil {
			return nil, nil, err
		}
		logger.Info("using sqlite store", zap.String("path", path))
		return st, nil, nil

	default:
		return nil, nil, fmt.Errorf("unknown database.driver %q", driver)
	}
}

// openLedger builds the ledger adapter from ledger.mode. Query results are
// cached when ledger.cache_ttl is positive.
func openLedger(ctx context.Context, pool *pgxpool.Pool, logger *zap.Logger) (ledger.Ledger, error) {
	var l ledger.Ledger

	switch mode := viper.GetString("ledger.mode"); mode {
	case "local":
		c, err := openLocalChain(ctx, pool, logger)
		if err != nil {
			return nil, err
		}
		l = &localLedger{Local: ledger.NewLocal(c, viper.GetString("ledger.submitter")), chain: c}

	case "grpc":
		cfg := ledger.GRPCConfig{
			Target:        viper.GetString("ledger.addr"),
			Plaintext:     viper.GetBool("ledger.plaintext"),
			SubmitTimeout: viper.GetDuration("ledger.submit_timeout"),
			QueryTimeout:  viper.GetDuration("ledger.query_timeout"),
			Submitter:     viper.GetString("ledger.submitter"),
		}
		if secret := viper.GetString("ledger.auth_secret"); secret != "" {
			tokens, err := ledger.NewTokens([]byte(secret), 5*time.Minute)
			if err != nil {
				return nil, fmt.Errorf("ledger.auth_secret: %w", err)
			}
			cfg.Tokens = tokens
		}
		client, err := ledger.NewGRPCClient(cfg)
		if err != nil {
			return nil, err
		}
		logger.Info("ledger: remote node", zap.String("addr", cfg.Target), zap.Bool("auth", cfg.Tokens != nil))
		l = client

	default:
		return nil, fmt.Errorf("unknown ledger.mode %q", mode)
	}

	ttl := viper.GetDuration("ledger.cache_ttl")
	if ttl <= 0 {
		return l, nil
	}
	cached := ledger.NewCached(l, ttl, 0)
	go func() {
		ticker := time.NewTicker(ttl)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := cached.Evict(); n > 0 {
					logger.Debug("ledger cache evicted", zap.Int("entries", n))
				}
			}
		}
	}()
	return cached, nil
}

// openLocalChain hosts the ledger chain in-process: in Postgres next to the
// records when a pool is available, otherwise in memory with a journal.
func openLocalChain(ctx context.Context, pool *pgxpool.Pool, logger *zap.Logger) (chain.Chain, error) {
	var c chain.Chain
	if pool != nil {
		c = chain.NewPostgres(pool, logger)
	} else {
		path := viper.GetString("ledger.journal_path")
		mc, err := chain.OpenMemory(path)
		if err != nil {
			return nil, err
		}
		c = mc
	}

	if err := c.Verify(ctx); err != nil {
		logger.Warn("ledger chain integrity check FAILED", zap.Error(err))
	} else {
		n, _ := c.Len(ctx)
		root, _ := c.Root(ctx)
		logger.Info("ledger chain verified", zap.Int("entries", n), zap.String("root", root))
	}
	return c, nil
}

// localLedger closes the chain journal together with the adapter.
type localLedger struct {
	*ledger.Local
	chain chain.Chain
}

func (l *localLedger) Close() error {
	if closer, ok := l.chain.(interface{ Close() error }); ok {
		return closer.Close()
	}
	return nil
}
