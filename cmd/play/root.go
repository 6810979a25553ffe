package main

import (
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/zhouzirui/graymar/client/internal/config"
	"github.com/zhouzirui/graymar/client/internal/service/authority"
	"github.com/zhouzirui/graymar/client/internal/service/handle"
	"github.com/zhouzirui/graymar/client/internal/service/poller"
	"github.com/zhouzirui/graymar/client/internal/service/session"
)

var (
	verbose      bool
	baseURL      string
	userID       string
	dbPath       string
	pollInterval time.Duration

	cfg *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "graymar",
	Short: "Play Graymar from the terminal",
	Long: `A terminal client for Graymar runs.

Start a new run, resume the last one, or export a run's transcript.
The authority address and user come from the environment (AUTHORITY_BASE_URL,
AUTHORITY_USER_ID) or the flags below.

Quick Start:
  graymar new --preset desert      # start a run
  graymar resume                   # continue the active run
  graymar export --format yaml     # dump the transcript`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if verbose {
			log.SetOutput(cmd.ErrOrStderr())
		} else {
			log.SetOutput(io.Discard)
		}

		if err := godotenv.Load(); err != nil {
			log.Printf("[WARN] failed to load .env, using system environment: %v", err)
		}
		loaded, err := config.Load()
		if err != nil {
			return fmt.Errorf("failed to load configuration: %w", err)
		}
		if baseURL != "" {
			loaded.Authority.BaseURL = baseURL
		}
		if userID != "" {
			loaded.Authority.UserID = userID
		}
		if dbPath != "" {
			loaded.Handle.DBPath = dbPath
		}
		if pollInterval > 0 {
			loaded.Poller.Interval = pollInterval
		}
		cfg = loaded
		return nil
	},
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	rootCmd.PersistentFlags().StringVar(&baseURL, "base-url", "", "Authority base URL (overrides AUTHORITY_BASE_URL)")
	rootCmd.PersistentFlags().StringVar(&userID, "user", "", "User id sent to the authority (overrides AUTHORITY_USER_ID)")
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "", "Run handle database (overrides HANDLE_DB_PATH)")
	rootCmd.PersistentFlags().DurationVar(&pollInterval, "poll-interval", 0, "Narration poll interval (overrides NARRATIVE_POLL_INTERVAL_MS)")
}

// runtime is the wired client stack for one command.
type runtime struct {
	store     *session.Store
	narrative *poller.Scheduler
	handles   *handle.Store
	stopRec   func()
}

func newRuntime() *runtime {
	client := authority.NewClient(cfg.Authority)
	narrative := poller.NewScheduler(client, cfg.Poller)
	rt := &runtime{
		store:     session.NewStore(client, narrative),
		narrative: narrative,
		stopRec:   func() {},
	}

	handles, err := handle.Open(cfg.Handle.DBPath)
	if err != nil {
		log.Printf("[WARN] run handles disabled: %v", err)
		return rt
	}
	rt.handles = handles
	rt.stopRec = rt.store.Subscribe(handle.NewRecorder(handles, cfg.Authority.UserID).Observe)
	return rt
}

func (rt *runtime) Close() {
	rt.narrative.StopAll()
	rt.narrative.Wait()
	rt.stopRec()
	if rt.handles != nil {
		_ = rt.handles.Close()
	}
}

// narrationTimeout bounds how long the player waits for a narration poll.
func narrationTimeout() time.Duration {
	return cfg.Poller.Interval*time.Duration(cfg.Poller.MaxAttempts) + time.Second
}
