package commands

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/talkincode/waauth/internal/adminapi"
	"github.com/talkincode/waauth/internal/webserver"
	"github.com/talkincode/waauth/internal/whatsapp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the admin API and reconnect paired devices",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := startApp()
			if err != nil {
				return err
			}
			defer a.Release()

			svc, err := whatsapp.New(a)
			if err != nil {
				return err
			}
			adminapi.Init()
			server := webserver.NewAdminServer(a)

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			g, ctx := errgroup.WithContext(ctx)
			g.Go(server.Start)
			g.Go(func() error { return svc.Start(ctx) })
			g.Go(func() error {
				<-ctx.Done()
				zap.L().Info("shutting down admin server")
				return server.Shutdown(context.Background())
			})
			return g.Wait()
		},
	}
}
