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

	"github.com/joho/godotenv"
	"github.com/zhouzirui/assistant-harness/backend/internal/config"
	"github.com/zhouzirui/assistant-harness/backend/internal/handler"
	"github.com/zhouzirui/assistant-harness/backend/internal/service/assistant"
	"github.com/zhouzirui/assistant-harness/backend/internal/service/credential"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Load .env file
	if err := godotenv.Load(); err != nil {
		log.Printf("warning: failed to load .env file: %v", err)
		log.Println("continuing with system environment variables only")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	assistantSvc := assistant.NewService(assistant.Options{
		Greeting:   cfg.Assistant.Greeting,
		RenewEvery: cfg.Assistant.RenewEvery,
	})
	if cfg.Assistant.RenewEvery > 0 {
		log.Printf("mock assistant rotates sessions every %d user turns", cfg.Assistant.RenewEvery)
	}

	if cfg.Media.Salt == "" {
		log.Println("MEDIA_TOKEN_SALT 未配置，签发接口不可用，解密请求需自带 salt")
	}
	handshake := credential.NewHandshake(cfg.Media.Salt)

	router := handler.NewRouter(handler.Dependencies{
		Assistant:      assistantSvc,
		AssistantToken: cfg.Assistant.Token,
		Tokens:         handshake,
		CORSOrigins:    cfg.Server.CORSOrigins,
	})

	startServer(ctx, cfg.Server, router)
}

func startServer(ctx context.Context, serverCfg config.ServerConfig, router http.Handler) {
	addr := serverCfg.Addr
	srv := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	log.Printf("assistant harness backend listening on %s", addr)
	if err := runServer(ctx, srv); err != nil {
		log.Fatalf("server error: %v", err)
	}
}

func runServer(ctx context.Context, srv *http.Server) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		err := <-errCh
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
