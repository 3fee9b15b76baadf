package main

import (
	"context"
	"log"
	"net/http"

	"github.com/caarlos0/env/v11"

	"escrowflow/agreement"
	"escrowflow/arbitration"
	"escrowflow/attest"
	"escrowflow/db"
	"escrowflow/dispute"
	"escrowflow/funds"
	"escrowflow/identity"
	"escrowflow/registry"
)

type config struct {
	DatabaseURL    string `env:"DATABASE_URL,required"`
	ListenAddr     string `env:"LISTEN_ADDR" envDefault:":8080"`
	JWTSecret      string `env:"JWT_SECRET,required"`
	AttestURL      string `env:"ATTEST_SERVICE_URL,required"`
	ArbitrationURL string `env:"ARBITRATION_SERVICE_URL,required"`
	TreasuryURL    string `env:"TREASURY_SERVICE_URL,required"`
	RegistryURL    string `env:"REGISTRY_SERVICE_URL,required"`
	EscrowAccount  string `env:"ESCROW_ACCOUNT,required"`
	RevokeMode     string `env:"REVOKE_MODE" envDefault:"reset"`
}

func main() {
	ctx := context.Background()

	var cfg config
	if err := env.Parse(&cfg); err != nil {
		log.Fatalf("parse config: %v", err)
	}

	revokeMode := agreement.RevokeMode(cfg.RevokeMode)
	if !revokeMode.Valid() {
		log.Fatalf("invalid REVOKE_MODE %q", cfg.RevokeMode)
	}

	pool, err := db.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("bootstrap database pool: %v", err)
	}
	defer pool.Close()

	identityService := identity.NewService(identity.NewRepository(pool), cfg.JWTSecret)
	disputeRepo := dispute.NewRepository(pool)

	agreementService := agreement.NewService(pool, agreement.Deps{
		Disputes: disputeRepo,
		Attestor: attest.NewHTTPGateway(cfg.AttestURL),
		Arbiter:  arbitration.NewHTTPGateway(cfg.ArbitrationURL),
		Funds:    funds.NewHTTPTransferer(cfg.TreasuryURL, cfg.EscrowAccount),
		Registry: registry.NewHTTPClient(cfg.RegistryURL),
	}, agreement.Config{RevokeMode: revokeMode})

	server := &Server{
		agreementService: agreementService,
		rulingRouter:     dispute.NewRouter(identityService, agreementService),
		disputes:         disputeRepo,
		identityService:  identityService,
	}

	log.Printf("listening on %s", cfg.ListenAddr)
	if err := http.ListenAndServe(cfg.ListenAddr, server.routes()); err != nil {
		log.Fatalf("http server: %v", err)
	}
}
