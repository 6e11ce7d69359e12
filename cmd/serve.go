package cmd

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/psi-gfa/opsagent/core/toolserver"
)

var flagServeOnly string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the tool servers",
	Long: `Serves the logbook and wiki tools over SSE so agents can discover
and call them. By default both servers run; --only restricts to one.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if flagServeOnly != "" && flagServeOnly != "elog" && flagServeOnly != "wiki" {
			return fmt.Errorf("--only must be 'elog' or 'wiki', got %q", flagServeOnly)
		}

		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.close()

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		cfg := a.config.Get()
		errCh := make(chan error, 2)
		running := 0

		if flagServeOnly != "wiki" {
			svc, err := a.elogService()
			if err != nil {
				return err
			}
			srv := toolserver.NewELOGServer(svc).MCPServer()
			a.logger.Info("serving logbook tools", "addr", cfg.Serve.ELOGAddr)
			running++
			go func() {
				errCh <- toolserver.Serve(ctx, srv, cfg.Serve.ELOGAddr)
			}()
		}

		if flagServeOnly != "elog" {
			retriever, err := a.knowledgeRetriever(ctx)
			if err != nil {
				return err
			}
			defer retriever.Close()
			srv := toolserver.NewKnowledgeServer(retriever).MCPServer()
			a.logger.Info("serving wiki tools", "addr", cfg.Serve.WikiAddr)
			running++
			go func() {
				errCh <- toolserver.Serve(ctx, srv, cfg.Serve.WikiAddr)
			}()
		}

		for i := 0; i < running; i++ {
			if err := <-errCh; err != nil && ctx.Err() == nil {
				return err
			}
		}
		return nil
	},
}

func init() {
	serveCmd.Flags().StringVar(&flagServeOnly, "only", "", "serve only one backend: elog or wiki")
	rootCmd.AddCommand(serveCmd)
}
