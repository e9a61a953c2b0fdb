package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/ymcrcat/stellar-dark-pool/params"
	"github.com/ymcrcat/stellar-dark-pool/pkg/api"
	"github.com/ymcrcat/stellar-dark-pool/pkg/crypto"
	"github.com/ymcrcat/stellar-dark-pool/pkg/engine"
	"github.com/ymcrcat/stellar-dark-pool/pkg/settle"
	"github.com/ymcrcat/stellar-dark-pool/pkg/stellar"
	"github.com/ymcrcat/stellar-dark-pool/pkg/util"
)

func main() {
	cfg := params.LoadFromEnv("")

	var logger *zap.Logger
	var err error
	if logFile := os.Getenv("LOG_FILE"); logFile != "" {
		logger, err = util.NewLoggerWithFile(logFile)
	} else {
		logger, err = util.NewLogger()
	}
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()

	// The signing key is ephemeral by design: without one configured, a fresh
	// keypair is generated and its address printed so the contract admin can
	// authorise it via set_matching_engine.
	var signer *crypto.Signer
	if cfg.Stellar.SigningKey != "" {
		signer, err = crypto.NewSigner(cfg.Stellar.SigningKey)
	} else {
		signer, err = crypto.GenerateSigner()
	}
	if err != nil {
		logger.Fatal("signing key", zap.Error(err))
	}
	logger.Info("matching engine identity", zap.String("address", signer.Address()))

	client, err := stellar.NewClient(cfg.Stellar, signer.Keypair(), logger)
	if err != nil {
		logger.Fatal("stellar client", zap.Error(err))
	}
	driver := settle.NewDriver(client, cfg.Engine.SettlementTimeout, logger)

	initCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	eng, err := engine.New(initCtx, cfg.Engine, client, driver, util.RealClock{}, logger)
	cancel()
	if err != nil {
		logger.Fatal("engine init", zap.Error(err))
	}

	server := api.NewServer(eng, logger)
	addr := fmt.Sprintf(":%d", cfg.Server.RESTPort)

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start(addr) }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		logger.Fatal("server stopped", zap.Error(err))
	case sig := <-sigCh:
		logger.Info("shutting down", zap.String("signal", sig.String()))
	}
}
