package main

import (
	"fmt"
	"net/http"

	"github.com/spf13/cobra"

	"github.com/ehrlich-b/replink/internal/devserver"
)

func devserverCmd() *cobra.Command {
	var (
		addrFlag   string
		portFlag   uint32
		tokensFlag []string
	)

	cmd := &cobra.Command{
		Use:   "devserver",
		Short: "Run a local backend for --dev sessions",
		Long:  "Serves the connection metadata and transport endpoints locally with a real run command and pty shells. Point the client at it with --dev.",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd)
			if err != nil {
				return err
			}
			defer a.close()

			if addrFlag == "" {
				addrFlag = a.cfg.Dev.Addr
			}
			srv, err := devserver.New(devserver.Config{
				Cookie:              a.cfg.Dev.Cookie,
				RequireVerification: a.cfg.Dev.RequireCaptcha,
				RunCommand:          a.cfg.Dev.RunCommand,
				Shell:               a.cfg.Dev.Shell,
				RateLimit:           a.cfg.Dev.RateLimit,
				Burst:               a.cfg.Dev.Burst,
				Port:                portFlag,
				Logger:              a.log.With("component", "devserver"),
			})
			if err != nil {
				return err
			}
			defer srv.Close()
			for _, tok := range tokensFlag {
				srv.AddVerificationToken(tok)
			}

			httpSrv := &http.Server{
				Addr:    addrFlag,
				Handler: srv,
			}

			ctx, stop := signalContext(cmd)
			defer stop()

			errCh := make(chan error, 1)
			go func() {
				fmt.Fprint(a.out, a.render.Info("devserver listening on "+addrFlag))
				errCh <- httpSrv.ListenAndServe()
			}()

			select {
			case <-ctx.Done():
				fmt.Fprint(a.out, a.render.Info("shutting down..."))
				return httpSrv.Close()
			case err := <-errCh:
				return err
			}
		},
	}

	cmd.Flags().StringVar(&addrFlag, "addr", "", "listen address (default from config dev.addr)")
	cmd.Flags().Uint32Var(&portFlag, "port", 0, "port announced as open when a run starts")
	cmd.Flags().StringArrayVar(&tokensFlag, "token", nil, "single-use verification token to accept (repeatable)")

	return cmd
}
