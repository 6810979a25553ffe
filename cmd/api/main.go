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

	"github.com/zhouzirui/graymar/client/internal/config"
	"github.com/zhouzirui/graymar/client/internal/handler"
	"github.com/zhouzirui/graymar/client/internal/service/authority"
	"github.com/zhouzirui/graymar/client/internal/service/handle"
	"github.com/zhouzirui/graymar/client/internal/service/poller"
	"github.com/zhouzirui/graymar/client/internal/service/session"
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

	client := authority.NewClient(cfg.Authority)
	narrative := poller.NewScheduler(client, cfg.Poller)
	store := session.NewStore(client, narrative)

	handles, err := handle.Open(cfg.Handle.DBPath)
	if err != nil {
		log.Printf("warning: failed to open run handle store: %v", err)
		log.Println("continuing without local resume handles")
	} else {
		defer handles.Close()
		unsubscribe := store.Subscribe(handle.NewRecorder(handles, cfg.Authority.UserID).Observe)
		defer unsubscribe()
		log.Printf("recording run handles in %s", cfg.Handle.DBPath)
	}

	router := handler.NewRouter(store)

	startServer(ctx, cfg.Server, router)

	narrative.StopAll()
	narrative.Wait()
}

func startServer(ctx context.Context, serverCfg config.ServerConfig, router http.Handler) {
	addr := serverCfg.Addr
	srv := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	log.Printf("Graymar session bridge listening on %s", addr)
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
