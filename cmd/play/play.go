package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/zhouzirui/graymar/client/internal/model/game"
	"github.com/zhouzirui/graymar/client/internal/service/authority"
	"github.com/zhouzirui/graymar/client/internal/service/handle"
	"github.com/zhouzirui/graymar/client/internal/service/session"
	"github.com/zhouzirui/graymar/client/internal/terminal"
)

var (
	presetID string
	variant  string
)

var newCmd = &cobra.Command{
	Use:   "new",
	Short: "Start a new run",
	RunE: func(cmd *cobra.Command, args []string) error {
		rt := newRuntime()
		defer rt.Close()

		ctx := cmd.Context()
		if err := rt.store.Start(ctx, presetID, variant); err != nil {
			return err
		}
		return playLoop(ctx, rt.store, cmd.InOrStdin(), cmd.OutOrStdout(), narrationTimeout())
	},
}

var resumeCmd = &cobra.Command{
	Use:   "resume [run-id]",
	Short: "Resume a run",
	Long: `Resume the given run, or the active one when no id is given.

The active run is looked up on the authority first and in the local
run handle database second.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rt := newRuntime()
		defer rt.Close()

		ctx := cmd.Context()
		runID, err := resolveRunID(ctx, rt, args)
		if err != nil {
			return err
		}
		if err := rt.store.Resume(ctx, runID); err != nil {
			return err
		}
		return playLoop(ctx, rt.store, cmd.InOrStdin(), cmd.OutOrStdout(), narrationTimeout())
	},
}

func init() {
	newCmd.Flags().StringVar(&presetID, "preset", "desert", "Character preset")
	newCmd.Flags().StringVar(&variant, "variant", "", "Cosmetic variant")
	rootCmd.AddCommand(newCmd, resumeCmd)
}

func resolveRunID(ctx context.Context, rt *runtime, args []string) (string, error) {
	if len(args) == 1 {
		return args[0], nil
	}
	active, err := rt.store.CheckActive(ctx)
	if err == nil {
		return active.RunID, nil
	}
	if !errors.Is(err, authority.ErrNoActiveRun) && !authority.IsTransport(err) {
		return "", err
	}
	if rt.handles != nil {
		latest, herr := rt.handles.Latest(ctx, cfg.Authority.UserID)
		if herr == nil {
			return latest.RunID, nil
		}
		if !errors.Is(herr, handle.ErrNotFound) {
			return "", herr
		}
	}
	return "", fmt.Errorf("no run to resume: %w", err)
}

// playLoop reads commands from in until the run ends, in closes or /quit.
// A number picks a live choice; anything else is a free-text action.
func playLoop(ctx context.Context, store *session.Store, in io.Reader, out io.Writer, timeout time.Duration) error {
	printer := terminal.NewPrinter(out)

	changed := make(chan struct{}, 1)
	unsubscribe := store.Subscribe(func(session.State) {
		select {
		case changed <- struct{}{}:
		default:
		}
	})
	defer unsubscribe()

	show := func() session.State {
		waitForNarration(ctx, store, changed, timeout)
		store.FlushDeferred()
		st := store.Snapshot()
		printer.Print(st)
		fmt.Fprintln(out, terminal.RenderHUD(st))
		return st
	}

	st := show()
	scanner := bufio.NewScanner(in)
	for st.Phase != game.PhaseEnded {
		fmt.Fprint(out, "> ")
		if !scanner.Scan() {
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())

		var err error
		switch {
		case line == "":
			continue
		case line == "/quit":
			return nil
		case line == "/hud":
			fmt.Fprintln(out, terminal.RenderHUD(store.Snapshot()))
			continue
		case line == "/retry":
			store.ClearFault()
		default:
			err = submitLine(ctx, store, line)
		}
		if err != nil {
			fmt.Fprintln(out, terminal.RenderFault(err))
		}
		st = show()
	}
	fmt.Fprintln(out, "The run has ended.")
	return nil
}

func submitLine(ctx context.Context, store *session.Store, line string) error {
	if n, err := strconv.Atoi(line); err == nil {
		choices := store.Snapshot().LiveChoices
		if n < 1 || n > len(choices) {
			return fmt.Errorf("pick a choice between 1 and %d", len(choices))
		}
		return store.SubmitChoice(ctx, choices[n-1].ID)
	}
	return store.SubmitAction(ctx, line)
}

// waitForNarration blocks until no narrator entry is loading or timeout passes.
func waitForNarration(ctx context.Context, store *session.Store, changed <-chan struct{}, timeout time.Duration) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		if !loading(store.Snapshot()) {
			return
		}
		select {
		case <-changed:
		case <-timer.C:
			return
		case <-ctx.Done():
			return
		}
	}
}

func loading(st session.State) bool {
	for _, m := range st.Transcript {
		if m.Kind == game.KindNarrator && m.Loading {
			return true
		}
	}
	return false
}
