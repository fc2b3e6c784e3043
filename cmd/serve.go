package cmd

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/deemkeen/boardfed/util"
	"github.com/deemkeen/boardfed/web"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP server and the delivery worker",
	Long:  `Serve the inbox, actor and discovery endpoints, deliver queued activities and keep the domain policy fresh.`,
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return serve(ctx)
	},
}

func serve(ctx context.Context) error {
	log.Info().Str("version", util.GetNameAndVersion()).Str("domain", conf.Conf.SslDomain).Msg("Starting")
	log.Debug().Msg("Configuration:\n" + util.PrettyPrint(conf))

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	limiter := web.NewRateLimiter(rate.Limit(conf.Federation.InboxRateLimit), conf.Federation.InboxRateBurst)
	router := web.Router(conf, a.db, a.dispatcher(), limiter)
	worker := a.worker()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.policy.Run(ctx, conf.Federation.PolicyReloadInterval)
		return nil
	})
	g.Go(func() error {
		limiter.Run(ctx)
		return nil
	})
	g.Go(func() error {
		worker.Run(ctx)
		return nil
	})
	g.Go(func() error {
		addr := fmt.Sprintf("%s:%d", conf.Conf.Host, conf.Conf.HttpPort)
		if err := web.Serve(ctx, addr, router); err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	err = g.Wait()
	log.Info().Msg("Stopped")
	return err
}
