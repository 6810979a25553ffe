package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/zhouzirui/graymar/client/internal/config"
	"github.com/zhouzirui/graymar/client/internal/service/devauthority"
	"github.com/zhouzirui/graymar/client/internal/service/narration"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	if err := godotenv.Load(); err != nil {
		log.Printf("[WARN] failed to load .env, using system environment: %v", err)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	addr := flag.String("addr", ":3000", "listen address")
	delay := flag.Duration("delay", cfg.AI.NarrationDelay, "how long narration stays pending")
	echo := flag.Bool("echo", false, "narrate with the mechanical summary even when a model is configured")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var narrator narration.Narrator = narration.Echo{}
	if cfg.AI.Enabled() && !*echo {
		svc, err := narration.NewService(ctx, cfg.AI)
		if err != nil {
			log.Printf("warning: failed to initialize narration model: %v", err)
			log.Println("continuing with summary narration")
		} else {
			narrator = svc
			log.Printf("narration model %s initialized", svc.Name())
		}
	} else {
		log.Println("ARK credentials not configured, narrating with summaries")
	}

	srv := devauthority.New(narrator, devauthority.WithNarrationDelay(*delay))
	httpSrv := &http.Server{
		Addr:              *addr,
		Handler:           srv.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	log.Printf("dev authority listening on %s (narration delay %s)", *addr, *delay)
	errCh := make(chan error, 1)
	go func() {
		errCh <- httpSrv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = httpSrv.Shutdown(shutdownCtx)
		srv.Wait()
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("server error: %v", err)
		}
	}
}
