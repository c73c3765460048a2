package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/codefionn/bizpilot/internal/consts"
	"github.com/codefionn/bizpilot/internal/server"
)

var serveAddr string

// serveCmd runs the HTTP API.
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the chat HTTP server",
	Long:  "Start the HTTP server exposing POST /chat, GET /chat/ws, GET /healthz and GET /tools.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openBackend(true)
		if err != nil {
			return err
		}
		defer a.Close()

		addr := a.cfg.ListenAddr
		if serveAddr != "" {
			addr = serveAddr
		}
		srv := server.New(a.ctrl, server.Options{
			Addr:       addr,
			MaxHistory: a.cfg.MaxHistory,
			Ping:       a.store.Ping,
			Log:        a.log,
		})

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		g, ctx := errgroup.WithContext(ctx)
		g.Go(srv.ListenAndServe)
		g.Go(func() error {
			<-ctx.Done()
			a.log.Info("shutting down")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), consts.Timeout10Seconds)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
		if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "Listen address (overrides listen_addr)")
}
