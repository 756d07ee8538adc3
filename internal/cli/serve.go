package cli

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"octoedge/internal/swcache"
)

func newServeCmd(root *rootOptions) *cobra.Command {
	var activateTimeout time.Duration

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the caching proxy and the outbox",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := root.load()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			actCtx, cancelAct := context.WithTimeout(cmd.Context(), activateTimeout)
			svc, err := swcache.NewService(actCtx, cfg, swcache.ServiceOptions{})
			cancelAct()
			if err != nil {
				return fmt.Errorf("init service: %w", err)
			}
			defer svc.Close()

			addr := fmt.Sprintf(":%d", cfg.Server.Port)
			ln, err := net.Listen("tcp", addr)
			if err != nil {
				return fmt.Errorf("listen %s: %w", addr, err)
			}

			srv := &http.Server{
				Handler:           svc.Handler(),
				ReadHeaderTimeout: 10 * time.Second,
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			svc.Start()
			go func() {
				log.Printf("octoedge listening on %s, origin=%s, generation=%s", addr, cfg.Server.Origin, cfg.Cache.Version)
				err := srv.Serve(ln)
				if err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Printf("server error: %v", err)
					stop()
				}
			}()

			<-ctx.Done()

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	}
	cmd.Flags().DurationVar(&activateTimeout, "activate-timeout", 2*time.Minute, "Maximum time to precache the manifest before giving up")
	return cmd
}
