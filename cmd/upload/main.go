// Command upload runs the upload service: the ingest HTTP surface plus
// the newDataItem/plan/prepare/post/verify job pipeline and its side
// jobs. Grounded on cmd/payment/main.go's wiring style (load config,
// construct dependencies, start the listener, run background tickers as
// goroutines) generalized from a single-process RPC gateway into this
// service's worker-pool-per-label shape (spec §5).
package main

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/ethereum/go-ethereum/crypto"

	"github.com/ar-permaweb/turbo/internal/cachestore"
	"github.com/ar-permaweb/turbo/internal/clock"
	"github.com/ar-permaweb/turbo/internal/config"
	"github.com/ar-permaweb/turbo/internal/objectstore"
	"github.com/ar-permaweb/turbo/internal/queue"
	"github.com/ar-permaweb/turbo/internal/svcauth"
	"github.com/ar-permaweb/turbo/internal/upload/db"
	"github.com/ar-permaweb/turbo/internal/upload/duplicate"
	"github.com/ar-permaweb/turbo/internal/upload/ingest"
	"github.com/ar-permaweb/turbo/internal/upload/paymentclient"
	"github.com/ar-permaweb/turbo/internal/upload/pipeline"
	"github.com/ar-permaweb/turbo/internal/upload/storagenet"
)

func main() {
	logLevel := slog.LevelInfo
	if os.Getenv("LOG_LEVEL") == "debug" {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})))

	cfg, err := config.LoadUpload()
	if err != nil {
		slog.Error("config error", "err", err)
		os.Exit(2)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, err := db.Open(ctx, cfg.PostgresURL)
	if err != nil {
		slog.Error("db connect", "err", err)
		os.Exit(3)
	}
	defer pool.Close()

	raw, err := objectstore.NewS3Store(ctx, cfg.RawBucket, cfg.S3Region, cfg.S3Endpoint)
	if err != nil {
		slog.Error("raw object store", "err", err)
		os.Exit(3)
	}
	backup, err := objectstore.NewS3Store(ctx, cfg.BackupBucket, cfg.S3Region, cfg.S3Endpoint)
	if err != nil {
		slog.Error("backup object store", "err", err)
		os.Exit(3)
	}
	cache := cachestore.NewRedisStore(cfg.RedisAddr)

	q, err := queue.NewAMQPQueue(cfg.AMQPURL)
	if err != nil {
		slog.Error("queue connect", "err", err)
		os.Exit(3)
	}
	defer q.Close()

	issuer := svcauth.NewIssuer(cfg.ServiceTokenSecret, "upload", time.Hour)
	payment := paymentclient.New(cfg.PaymentBaseURL, issuer)
	guard := &duplicate.Guard{DB: pool, Cache: cache}
	realClock := clock.Real{}

	serviceKey, err := loadServiceKey()
	if err != nil {
		slog.Error("service key", "err", err)
		os.Exit(2)
	}

	// No teacher or pack repo talks to a content-addressed storage
	// network with resumable chunked upload, so storagenet has no real
	// implementation yet — Fake stands in until one is written, the same
	// scope note as internal/upload/storagenet's own package doc.
	storage := storagenet.NewFake()

	p := &pipeline.Pipeline{
		DB:                pool,
		Raw:               raw,
		Backup:            backup,
		Cache:             cache,
		Queue:             q,
		Payment:           payment,
		Storage:           storage,
		Clock:             realClock,
		ServiceKey:        serviceKey,
		MaxBundleBytes:    cfg.MaxBundleBytes,
		MaxItemsPerBundle: cfg.MaxItemsPerBundle,
		PlanCandidates:    75_000,
		MinConfirmations:  cfg.MinConfirmations,
		MaxPostAttempts:   10,
		VerifyDeadline:    int64(cfg.VerifyDeadline.Seconds()),
		RawRetention:      cfg.RawRetention,
		OpticalBridgeURLs: cfg.OpticalBridgeURLs,
		OpticalAdminToken: cfg.OpticalAdminToken,
		BytesPerCredit:    1024,
	}

	server := &ingest.Server{
		DB:                 pool,
		Raw:                raw,
		Cache:              cache,
		Queue:              q,
		Guard:              guard,
		Payment:            payment,
		Clock:              realClock,
		MaxItemBytes:       cfg.MaxItemBytes,
		CacheMaxItemBytes:  cfg.CacheMaxItemBytes,
		MinIngestBPS:       cfg.MinIngestBPS,
		PricingBufferPct:   cfg.PricingBufferPct,
		BytesPerCredit:     1024,
		X402Network:        cfg.X402Network,
		X402Asset:          cfg.X402Asset,
		X402PayTo:          cfg.X402PayTo,
		X402MaxTimeoutSecs: cfg.X402MaxTimeoutSecs,
	}

	startWorkers(ctx, q, p, cfg.WorkerConcurrency)
	go runPlanTicker(ctx, p, cfg.PlanIntervalSecs)

	addr := fmt.Sprintf(":%d", cfg.Port)
	slog.Info("upload service starting", "addr", addr)
	if err := http.ListenAndServe(addr, server.Router()); err != nil {
		slog.Error("server error", "err", err)
		os.Exit(1)
	}
}

// loadServiceKey reads the ecdsa signing key used for bundle envelope
// signatures (spec §4.6 step 3) from SERVICE_SIGNING_KEY (hex-encoded).
// A missing key disables signing rather than failing startup, since
// signing is an added-value integrity check and not itself part of the
// data path's correctness.
func loadServiceKey() (*ecdsa.PrivateKey, error) {
	hexKey := os.Getenv("SERVICE_SIGNING_KEY")
	if hexKey == "" {
		slog.Warn("SERVICE_SIGNING_KEY not set, bundle envelopes will be unsigned")
		return nil, nil
	}
	key, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		return nil, fmt.Errorf("parse SERVICE_SIGNING_KEY: %w", err)
	}
	return key, nil
}

// startWorkers launches one queue.Consume goroutine per job label, sized
// by cfg.WorkerConcurrency (spec §5: "parallelism bounded by a worker
// count"). A handler's error propagates back to the queue's own
// retry/backoff machinery (spec §7).
func startWorkers(ctx context.Context, q queue.Queue, p *pipeline.Pipeline, concurrency map[string]int) {
	workers := []struct {
		label   queue.Label
		key     string
		handler queue.Handler
	}{
		{queue.LabelNewDataItem, "newDataItem", func(ctx context.Context, job queue.Job) error {
			return p.NewDataItem(ctx, string(job.Body))
		}},
		{queue.LabelPlan, "plan", func(ctx context.Context, job queue.Job) error {
			return p.Plan(ctx)
		}},
		{queue.LabelPrepare, "prepare", func(ctx context.Context, job queue.Job) error {
			return p.Prepare(ctx, string(job.Body))
		}},
		{queue.LabelPost, "post", func(ctx context.Context, job queue.Job) error {
			return p.Post(ctx, string(job.Body), job.Attempt)
		}},
		{queue.LabelVerify, "verify", func(ctx context.Context, job queue.Job) error {
			return p.Verify(ctx, string(job.Body), job.Attempt)
		}},
		{queue.LabelOptical, "optical", func(ctx context.Context, job queue.Job) error {
			return p.OpticalPost(ctx, string(job.Body))
		}},
		{queue.LabelPutOffsets, "optical", func(ctx context.Context, job queue.Job) error {
			return p.PutOffsets(ctx, string(job.Body))
		}},
		{queue.LabelCleanupFs, "optical", func(ctx context.Context, job queue.Job) error {
			return p.CleanupFs(ctx, string(job.Body))
		}},
		{queue.LabelOversized, "oversized", func(ctx context.Context, job queue.Job) error {
			return p.OversizedItem(ctx, string(job.Body))
		}},
		{queue.LabelUnbundleBdi, "oversized", func(ctx context.Context, job queue.Job) error {
			return p.UnbundleBdi(ctx, string(job.Body))
		}},
	}

	for _, w := range workers {
		n := concurrency[w.key]
		if n <= 0 {
			n = 1
		}
		label, handler, n := w.label, w.handler, n
		go func() {
			if err := q.Consume(ctx, label, n, handler); err != nil {
				slog.Error("worker stopped", "label", label, "err", err)
			}
		}()
	}
}

// runPlanTicker invokes plan on a fixed interval in addition to its
// reactive trigger from newDataItem (spec §4.5 "either is sufficient;
// both are tolerated").
func runPlanTicker(ctx context.Context, p *pipeline.Pipeline, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.Plan(ctx); err != nil {
				slog.Error("periodic plan tick", "err", err)
			}
		}
	}
}
