package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"rentsign/audit"
	"rentsign/auth"
	"rentsign/contract"
	"rentsign/db"
	"rentsign/notify"
	"rentsign/signature"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	connString := os.Getenv("DATABASE_URL")
	pool, err := db.NewPool(ctx, connString)
	if err != nil {
		log.Fatalf("bootstrap database pool: %v", err)
	}
	defer pool.Close()

	providers := signature.NewProviderRegistry()
	if key := os.Getenv("TRUSTFACTORY_API_KEY"); key != "" {
		providers.Register(signature.NewTrustFactory(signature.TrustFactoryConfig{
			APIKey:        key,
			APISecret:     os.Getenv("TRUSTFACTORY_API_SECRET"),
			CertificateID: os.Getenv("TRUSTFACTORY_CERTIFICATE_ID"),
			BaseURL:       os.Getenv("TRUSTFACTORY_BASE_URL"),
		}))
	}
	if key := os.Getenv("FIRMAPRO_API_KEY"); key != "" {
		providers.Register(signature.NewFirmaPro(signature.FirmaProConfig{
			APIKey:        key,
			APISecret:     os.Getenv("FIRMAPRO_API_SECRET"),
			CertificateID: os.Getenv("FIRMAPRO_CERTIFICATE_ID"),
			BaseURL:       os.Getenv("FIRMAPRO_BASE_URL"),
		}))
	}
	if len(providers.Names()) == 0 {
		log.Printf("warning: no signature providers configured, send will fail")
	}

	auditWriter := audit.NewWriter()
	outbox := notify.NewOutbox()

	signatureService := signature.NewService(pool, signature.NewRepository(pool), providers, auditWriter, outbox)
	contractService := contract.NewService(pool, contract.NewRepository(), auditWriter)
	authService := auth.NewService(auth.NewRepository(pool), os.Getenv("JWT_SECRET"))

	// Outbox messages route through the contract activator first so a
	// completed signature activates its contract before notifications go out.
	sender := contract.NewActivator(contractService, notify.LogSender{})
	worker := notify.NewWorker(pool, sender)

	server := &Server{
		signatureService: signatureService,
		authService:      authService,
	}

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}
	httpServer := &http.Server{
		Addr:              ":" + port,
		Handler:           server.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return worker.Run(groupCtx)
	})
	group.Go(func() error {
		log.Printf("api listening on :%s", port)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("shutdown: %v", err)
	}
}
