package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/ehrlich-b/replink/internal/ui"
)

func lsCmd() *cobra.Command {
	var (
		countFlag  int
		remoteFlag bool
	)

	cmd := &cobra.Command{
		Use:   "ls",
		Short: "List recently opened workspaces",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd)
			if err != nil {
				return err
			}
			defer a.close()

			var items []ui.ListItem
			if remoteFlag {
				ds, err := a.lookup.Recent(cmd.Context(), countFlag)
				if err != nil {
					return fmt.Errorf("list remote workspaces: %w", err)
				}
				for _, d := range ds {
					items = append(items, ui.ListItem{Workspace: d})
				}
			} else {
				ws, err := a.db.RecentWorkspaces(countFlag)
				if err != nil {
					return fmt.Errorf("read workspace cache: %w", err)
				}
				for _, w := range ws {
					items = append(items, ui.ListItem{Workspace: w.Descriptor, OpenedAt: w.OpenedAt})
				}
			}
			fmt.Fprint(a.out, a.render.WorkspaceList(items, time.Now()))
			return nil
		},
	}

	cmd.Flags().IntVarP(&countFlag, "count", "n", 20, "number of workspaces to show")
	cmd.Flags().BoolVar(&remoteFlag, "remote", false, "ask the service instead of the local cache")

	return cmd
}
