package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ehrlich-b/replink/internal/bridge"
	"github.com/ehrlich-b/replink/internal/protocol"
	"github.com/ehrlich-b/replink/internal/registry"
	"github.com/ehrlich-b/replink/internal/session"
)

func openCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "open <ref>",
		Short: "Attach to a workspace's run output",
		Long:  "Opens a session to the workspace and attaches your terminal to its run output. <ref> is an id, @owner/slug, or a workspace URL. Ctrl-] detaches.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			run, _ := cmd.Flags().GetBool("run")
			return openWorkspace(cmd, args[0], run, false)
		},
	}
	cmd.Flags().Bool("run", false, "Run the workspace once attached")
	return cmd
}

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run <ref>",
		Short: "Run a workspace and stream its output until it stops",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return openWorkspace(cmd, args[0], true, true)
		},
	}
}

func shellCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "shell <ref>",
		Short: "Open an interactive shell in a workspace",
		Long:  "Starts a shell in the workspace. The shell survives network drops and is reattached on reconnect. Ctrl-] detaches.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd)
			if err != nil {
				return err
			}
			defer a.close()
			ctx, stop := signalContext(cmd)
			defer stop()

			e, err := a.connect(ctx, args[0])
			if err != nil {
				return err
			}
			if !e.Workspace.Interactive() {
				return fmt.Errorf("cannot open a shell: engine %q is not interactive", e.Workspace.Engine)
			}
			unwatch := a.watch(e)
			defer unwatch()

			sh := bridge.NewShell(e.Session)
			defer sh.Close()
			a.log.Debug("shell opened", "workspace", e.Workspace.ID, "name", sh.Name())
			return a.finish(e, a.attach(ctx, sh, nil))
		},
	}
}

// openWorkspace attaches to the output bridge. With run it sends RunMain;
// with exitOnStop it returns once a started run stops.
func openWorkspace(cmd *cobra.Command, ref string, run, exitOnStop bool) error {
	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer a.close()
	ctx, stop := signalContext(cmd)
	defer stop()

	e, err := a.connect(ctx, ref)
	if err != nil {
		return err
	}
	unwatch := a.watch(e)
	defer unwatch()

	if e.Output == nil {
		if run {
			return fmt.Errorf("cannot run: engine %q is not interactive", e.Workspace.Engine)
		}
		// Nothing to attach to; keep the session up for its status lines.
		select {
		case <-ctx.Done():
		case <-e.Session.Done():
		}
		return nil
	}

	stopped := make(chan struct{})
	started := false
	unState := e.Output.OnState(func(st protocol.RunState) {
		fmt.Fprint(a.out, a.render.RunState(st))
		switch {
		case st == protocol.Running:
			started = true
		case exitOnStop && started:
			started = false
			close(stopped)
		}
	})
	defer unState()

	if run {
		e.Output.Run()
	}
	return a.finish(e, a.attach(ctx, e.Output, stopped))
}

// finish maps a bridge close cause to the command result. When the whole
// session failed, the registry's OnTerminal reports it; finish waits for that
// to complete and keeps main from printing it again.
func (a *app) finish(e *registry.Entry, err error) error {
	if err == nil || errors.Is(err, session.ErrDestroyed) {
		return nil
	}
	if e.Session.Err() != nil {
		<-e.Session.Done()
		return errReported
	}
	return err
}

func signalContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
}
