package main

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/n3tuk/action-branch-deploy-lock/internal/command"
	"github.com/n3tuk/action-branch-deploy-lock/internal/config"
	"github.com/n3tuk/action-branch-deploy-lock/internal/health"
	"github.com/n3tuk/action-branch-deploy-lock/internal/lock"
	"github.com/n3tuk/action-branch-deploy-lock/internal/metrics"
	"github.com/n3tuk/action-branch-deploy-lock/internal/refstore"
	"github.com/n3tuk/action-branch-deploy-lock/internal/store"
)

// backend is an open lock ref store plus the health checks that go with
// it.
type backend struct {
	store        refstore.RefStore
	dependencies []health.Checker
	checkers     []health.Checker
	close        func(context.Context) error
}

// Close releases the backend's resources.
func (b *backend) Close(ctx context.Context) error {
	if b.close == nil {
		return nil
	}
	return b.close(ctx)
}

// openBackend opens the ref store selected by cfg.Lock.Backend. Store
// calls are instrumented when m is not nil.
func openBackend(ctx context.Context, cfg *config.Config, log *zap.Logger, m *metrics.Metrics) (*backend, error) {
	be := &backend{}
	var rs refstore.RefStore

	switch cfg.Lock.Backend {
	case config.BackendGitHub:
		gh, err := refstore.NewGitHub(refstore.GitHubConfig{
			Token:      cfg.GitHub.Token,
			Repository: cfg.GitHub.Repository,
			APIURL:     cfg.GitHub.APIURL,
		}, log.Named("github"))
		if err != nil {
			return nil, fmt.Errorf("failed to create GitHub ref store: %w", err)
		}
		rs = gh

	case config.BackendOlric:
		s, err := store.NewOlricStore(ctx, cfg.Olric, log.Named("olric"))
		if err != nil {
			return nil, fmt.Errorf("failed to start olric store: %w", err)
		}
		rs = refstore.NewOlric(s, log.Named("refstore"))
		be.close = s.Close
		if m != nil {
			m.Registry().MustRegister(store.NewStatsCollector(cfg.MetricsNamespace, s, cfg.Olric.RequestTimeout, log.Named("olric")))
		}
		be.checkers = []health.Checker{
			store.NewConnectionHealthChecker(log, s),
			store.NewClusterHealthChecker(log, s, cfg.Olric.MemberCountQuorum, cfg.Olric.IsSingleNode()),
			store.NewExclusivityHealthChecker(log, s),
		}

	case config.BackendMemory:
		log.Warn("Using the in-memory lock backend; locks are lost when the process exits")
		rs = refstore.NewMemory()

	default:
		return nil, fmt.Errorf("unknown lock backend %q", cfg.Lock.Backend)
	}

	be.store = refstore.Instrument(rs, m)
	if p, ok := be.store.(health.Pinger); ok {
		be.dependencies = []health.Checker{health.NewPingChecker("refstore", p, log)}
	}

	return be, nil
}

func newManager(cfg *config.Config, rs refstore.RefStore, log *zap.Logger, m *metrics.Metrics) *lock.Manager {
	parser := command.NewParser(command.Config{
		LockTrigger:   cfg.Lock.Trigger,
		UnlockTrigger: cfg.Lock.UnlockTrigger,
		InfoAlias:     cfg.Lock.InfoAlias,
		GlobalFlag:    cfg.Lock.GlobalFlag,
		Environments:  cfg.Lock.Environments,
	})

	return lock.NewManager(rs, lock.Config{
		LockFile:           cfg.Lock.File,
		DefaultEnvironment: cfg.Lock.DefaultEnvironment,
		Environments:       cfg.Lock.Environments,
		UnlockTrigger:      cfg.Lock.UnlockTrigger,
		GlobalFlag:         cfg.Lock.GlobalFlag,
		ServerURL:          cfg.GitHub.ServerURL,
		Repository:         cfg.GitHub.Repository,
	}, parser, log.Named("lock"), m)
}
