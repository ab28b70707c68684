// Command payment runs the payment service: the credit ledger and the
// x402 settlement pipeline, exposed only on the private surface spec §6
// describes. Grounded on the teacher's main.go wiring style (load
// config, construct the facilitator by whichever knobs are set, start
// the listener) generalized from a single RPC gateway process into the
// payment service's own entrypoint.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/ar-permaweb/turbo/internal/apperr"
	"github.com/ar-permaweb/turbo/internal/clock"
	"github.com/ar-permaweb/turbo/internal/config"
	"github.com/ar-permaweb/turbo/internal/payment/db"
	"github.com/ar-permaweb/turbo/internal/payment/facilitator"
	"github.com/ar-permaweb/turbo/internal/payment/httpapi"
	"github.com/ar-permaweb/turbo/internal/payment/ledger"
	"github.com/ar-permaweb/turbo/internal/payment/priceoracle"
	"github.com/ar-permaweb/turbo/internal/payment/x402"
	"github.com/ar-permaweb/turbo/internal/payment/x402types"
	"github.com/ar-permaweb/turbo/internal/svcauth"
)

func main() {
	logLevel := slog.LevelInfo
	if os.Getenv("LOG_LEVEL") == "debug" {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})))

	cfg, err := config.LoadPayment()
	if err != nil {
		slog.Error("config error", "err", err)
		os.Exit(2)
	}

	ctx := context.Background()
	pool, err := db.Open(ctx, cfg.PostgresURL)
	if err != nil {
		slog.Error("db connect", "err", err)
		os.Exit(3)
	}
	defer pool.Close()

	oracle := priceoracle.NewStatic(1, 1_000_000)
	l := &ledger.Ledger{
		DB:             pool,
		Oracle:         oracle,
		Clock:          clock.Real{},
		BufferPct:      cfg.PricingBufferPct,
		ReservationTTL: cfg.ReservationTTL,
	}

	fac, err := buildFacilitator(cfg)
	if err != nil {
		slog.Error("facilitator init failed", "err", err)
		os.Exit(2)
	}

	networks := map[string]x402types.NetworkConfig{
		cfg.Network: {
			Network:       cfg.Network,
			ChainID:       chainIDFromNetwork(cfg.Network),
			USDCAddress:   cfg.USDCAddress,
			DomainName:    cfg.USDCDomainName,
			DomainVersion: cfg.USDCDomainVersion,
			PayToAddress:  cfg.GatewayPayTo,
			RPCURL:        cfg.SettlementRPCURL,
			Enabled:       true,
		},
	}

	svc := &x402.Service{
		DB:                   pool,
		Ledger:               l,
		Oracle:               oracle,
		Facilitator:          fac,
		Clock:                clock.Real{},
		Networks:             networks,
		FraudTolerancePct:    cfg.FraudTolerancePct,
		FraudWarningPct:      cfg.FraudWarningPct,
		FraudBanCount:        cfg.FraudBanCount,
		FraudBanDays:         cfg.FraudBanDays,
		OverpaymentThreshold: cfg.OverpaymentThreshold,
	}

	issuer := svcauth.NewIssuer(cfg.ServiceTokenSecret, "payment", time.Hour)
	server := &httpapi.Server{Ledger: l, X402: svc, Auth: issuer}

	go runExpirySweeper(ctx, l)

	addr := fmt.Sprintf(":%d", cfg.Port)
	slog.Info("payment service starting", "addr", addr, "network", cfg.Network)
	if err := http.ListenAndServe(addr, server.Router()); err != nil {
		slog.Error("server error", "err", err)
		os.Exit(1)
	}
}

// buildFacilitator mirrors the teacher's three-way switch: a remote
// facilitator URL wins, falling back to the local relayer if configured,
// with at most one fallback wired between them.
func buildFacilitator(cfg *config.PaymentConfig) (facilitator.Client, error) {
	var primary facilitator.Client
	var secondary facilitator.Client

	switch {
	case cfg.FacilitatorURL != "":
		primary = facilitator.NewRemote(cfg.FacilitatorURL)
	case cfg.GatewayPrivateKey != "":
		local, err := facilitator.NewLocal(cfg.GatewayPrivateKey)
		if err != nil {
			return nil, fmt.Errorf("local facilitator: %w", err)
		}
		primary = local
	default:
		return nil, fmt.Errorf("one of FACILITATOR_URL or GATEWAY_PRIVATE_KEY must be set")
	}

	if cfg.FallbackFacilitatorURL != "" {
		secondary = facilitator.NewRemote(cfg.FallbackFacilitatorURL)
	}
	if secondary == nil {
		return primary, nil
	}
	return &facilitator.WithFallback{Primary: primary, Secondary: secondary}, nil
}

func chainIDFromNetwork(network string) int64 {
	parts := strings.SplitN(network, ":", 2)
	if len(parts) != 2 {
		return 0
	}
	n := new(big.Int)
	if _, ok := n.SetString(parts[1], 10); !ok {
		return 0
	}
	return n.Int64()
}

// runExpirySweeper expires held reservations past their TTL every 60s
// (spec §4.2 expireReservations).
func runExpirySweeper(ctx context.Context, l *ledger.Ledger) {
	ticker := time.NewTicker(60 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := l.ExpireReservations(ctx)
			if err != nil && apperr.KindOf(err) != apperr.Unavailable {
				slog.Error("expire reservations", "err", err)
				continue
			}
			if n > 0 {
				slog.Info("expired reservations", "count", n)
			}
		}
	}
}
