package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/Mindburn-Labs/foxiles/pkg/artifacts"
	"github.com/Mindburn-Labs/foxiles/pkg/config"
	"github.com/Mindburn-Labs/foxiles/pkg/custody"
	"github.com/Mindburn-Labs/foxiles/pkg/kms"
	"github.com/Mindburn-Labs/foxiles/pkg/ledger"
	"github.com/Mindburn-Labs/foxiles/pkg/ledger/solana"
	"github.com/Mindburn-Labs/foxiles/pkg/observability"
	"github.com/Mindburn-Labs/foxiles/pkg/release"
	"github.com/Mindburn-Labs/foxiles/pkg/tamper"
	"github.com/Mindburn-Labs/foxiles/pkg/watcher"
	"github.com/Mindburn-Labs/foxiles/pkg/watermark"
)

// deps holds everything built from a Config. Close releases it in reverse.
type deps struct {
	cfg       *config.Config
	logger    *slog.Logger
	db        *sql.DB
	keys      *kms.LocalKMS
	custody   custody.Store
	artifacts artifacts.Store
	oracle    ledger.Oracle
	devLedger *ledger.Memory // set in dev mode only
	claims    watcher.Claims
	policy    *tamper.Policy
	filter    watermark.Filter
	telemetry *observability.Provider

	closers []func()
}

func newLogger(cfg *config.Config, stderr io.Writer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(stderr, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
}

func openDeps(ctx context.Context, cfg *config.Config, logger *slog.Logger) (_ *deps, err error) {
	d := &deps{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			d.Close()
		}
	}()

	if err := os.MkdirAll(cfg.DataDir, 0o750); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	if d.telemetry, err = observability.New(ctx, cfg.Telemetry); err != nil {
		return nil, err
	}
	d.closers = append(d.closers, func() { _ = d.telemetry.Shutdown(context.Background()) })

	if d.keys, err = kms.NewLocalKMS(cfg.KeystorePath); err != nil {
		return nil, err
	}

	if err := d.openCustody(ctx); err != nil {
		return nil, err
	}

	if d.artifacts, err = artifacts.NewStore(ctx, cfg.Artifacts); err != nil {
		return nil, err
	}

	var oracle ledger.Oracle
	if cfg.Dev {
		logger.Warn("dev mode: using in-process ledger, pay purchases with POST /dev/transfers")
		d.devLedger = ledger.NewMemory()
		oracle = d.devLedger
	} else {
		oracle = solana.NewClient(solana.Config{
			Endpoint:       cfg.Ledger.RPCEndpoint,
			Commitment:     cfg.Ledger.Commitment,
			RequestsPerSec: cfg.Ledger.RequestsPerSec,
			Burst:          cfg.Ledger.Burst,
			Timeout:        cfg.Ledger.Timeout,
			Logger:         logger,
		})
	}
	d.oracle = ledger.Observe(oracle, func(ctx context.Context, err error) {
		d.telemetry.RecordLedgerError(ctx, errors.Is(err, ledger.ErrUnavailable))
	})

	if cfg.RedisAddr != "" {
		rc := watcher.NewRedisClaimsFromAddr(cfg.RedisAddr, os.Getenv("REDIS_PASSWORD"), 0, 0)
		d.closers = append(d.closers, func() { _ = rc.Close() })
		if err := rc.Ping(ctx); err != nil {
			return nil, fmt.Errorf("redis: %w", err)
		}
		d.claims = rc
	} else {
		d.claims = watcher.NewMemoryClaims()
	}

	if d.policy, err = buildPolicy(cfg, logger); err != nil {
		return nil, err
	}

	d.filter = watermark.Passthrough{}
	if cfg.Release.WatermarkModule != "" {
		f, err := watermark.LoadWASMFilter(ctx, cfg.Release.WatermarkModule, watermark.Config{
			MemoryLimitBytes: cfg.Release.WatermarkMemory,
			TimeLimit:        cfg.Release.WatermarkTimeout,
		})
		if err != nil {
			return nil, err
		}
		d.closers = append(d.closers, func() { _ = f.Close(context.Background()) })
		d.filter = f
	}
	return d, nil
}

func (d *deps) openCustody(ctx context.Context) error {
	if d.cfg.DatabaseURL == "" {
		path := filepath.Join(d.cfg.DataDir, "foxiles.db")
		db, err := sql.Open("sqlite", path)
		if err != nil {
			return fmt.Errorf("open sqlite: %w", err)
		}
		db.SetMaxOpenConns(1)
		d.db = db
		d.closers = append(d.closers, func() { _ = db.Close() })
		d.logger.Info("custody: sqlite", "path", path)
		d.custody, err = custody.NewSQLiteStore(db)
		return err
	}

	db, err := sql.Open("postgres", d.cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("open postgres: %w", err)
	}
	d.db = db
	d.closers = append(d.closers, func() { _ = db.Close() })
	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("postgres ping: %w", err)
	}
	store := custody.NewPostgresStore(db)
	if err := store.Migrate(ctx); err != nil {
		return err
	}
	d.logger.Info("custody: postgres connected")
	d.custody = store
	return nil
}

func buildPolicy(cfg *config.Config, logger *slog.Logger) (*tamper.Policy, error) {
	p := tamper.NewPolicy(logger)
	if len(cfg.Release.TransferServices) > 0 {
		p.Detectors[tamper.RuleExternalUpload] = tamper.NewExternalUploadDetector(cfg.Release.TransferServices)
	}
	for _, rule := range cfg.Release.Expressions {
		e, err := tamper.NewExpressionDetector(rule.Name, rule.Expression)
		if err != nil {
			return nil, err
		}
		p.Expressions = append(p.Expressions, e)
	}
	return p, nil
}

// watcher builds a Watcher whose outcomes are counted.
func (d *deps) watcher() *watcher.Watcher {
	return watcher.New(d.oracle, d.claims, watcher.Config{
		PollInterval: d.cfg.Purchase.PollInterval,
		Limit:        d.cfg.Purchase.ScanLimit,
		Logger:       d.logger,
		OnResolve: func(o watcher.Outcome) {
			d.telemetry.RecordWatchOutcome(context.Background(), o.State.String(), o.Reason)
		},
	})
}

func (d *deps) coordinator(w *watcher.Watcher, tickets *release.Tickets) (*release.Coordinator, error) {
	return release.New(release.Config{
		Keys:              d.keys,
		Custody:           d.custody,
		Artifacts:         d.artifacts,
		Watcher:           w,
		Policy:            d.policy,
		Tickets:           tickets,
		Filter:            d.filter,
		Telemetry:         d.telemetry,
		PurchaseDeadline:  d.cfg.Purchase.Deadline,
		PurchaseRetention: d.cfg.Purchase.Retention,
		Logger:            d.logger,
	})
}

func (d *deps) Close() {
	for i := len(d.closers) - 1; i >= 0; i-- {
		d.closers[i]()
	}
	d.closers = nil
}
