package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/ehrlich-b/replink/internal/ui"
)

// errReported means the failure was already shown to the user.
var errReported = errors.New("already reported")

func main() {
	root := &cobra.Command{
		Use:           "replink",
		Short:         "Live terminal sessions for remote workspaces",
		Long:          "Connects to a remote workspace, keeps the session alive across network drops, and bridges its run output and shells to your terminal.",
		SilenceErrors: true,
		SilenceUsage:  true,
	}
	root.PersistentFlags().String("dir", "", "State directory (default ~/.replink, or $REPLINK_DIR)")
	root.PersistentFlags().String("log-level", "", "Log level: debug, info, warn, error")
	root.PersistentFlags().Bool("dev", false, "Use the local dev backend and resolve references locally")

	root.AddCommand(
		loginCmd(),
		logoutCmd(),
		verifyCmd(),
		openCmd(),
		runCmd(),
		shellCmd(),
		lsCmd(),
		devserverCmd(),
	)

	if err := root.Execute(); err != nil {
		reportError(os.Stderr, err)
		os.Exit(1)
	}
}

// reportError prints a command failure unless it was shown already.
func reportError(w io.Writer, err error) {
	if errors.Is(err, errReported) {
		return
	}
	fmt.Fprint(w, ui.NewRenderer(ui.DefaultTheme()).Error(err.Error()))
}
