package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/example/guest-scheduler/internal/config"
	"github.com/example/guest-scheduler/internal/db"
	"github.com/example/guest-scheduler/internal/deliver"
	"github.com/example/guest-scheduler/internal/directmsg"
	"github.com/example/guest-scheduler/internal/enqueue"
	"github.com/example/guest-scheduler/internal/hostaway"
	"github.com/example/guest-scheduler/internal/intake"
	"github.com/example/guest-scheduler/internal/migrate"
	"github.com/example/guest-scheduler/internal/schedule"
	"github.com/example/guest-scheduler/internal/scheduler"
	"github.com/example/guest-scheduler/internal/store"
	"github.com/example/guest-scheduler/internal/template"
	"github.com/example/guest-scheduler/internal/tenant"
	"github.com/example/guest-scheduler/internal/web"
)

func newServerCmd() *cobra.Command {
	var migrateUp bool

	cmd := &cobra.Command{
		Use:   "server",
		Short: "Run the API, claim loop and optional queue intake",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.FromEnv()
			if err != nil {
				return err
			}
			config.InitLogger(cfg)

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			d, err := db.Open(ctx, cfg.DatabaseURL)
			if err != nil {
				return err
			}
			defer d.Close()

			if err := d.Ping(ctx); err != nil {
				return fmt.Errorf("db ping: %w", err)
			}

			if migrateUp {
				if err := migrate.Up(ctx, d); err != nil {
					return err
				}
			}

			cipher, err := tenant.NewCipher(cfg.EncryptionKey)
			if err != nil {
				return err
			}
			tenants := tenant.NewCachedProvider(tenant.NewStore(d, cipher), cfg.TenantCacheTTL)

			st := store.New(d)
			templates := template.NewRepo(d)
			pipeline := enqueue.NewService(st, schedule.Planner{FollowupDelay: cfg.FollowupDelay})

			api := hostaway.NewAPI(cfg.HostawayBaseURL)

			// claim loop
			exec := &deliver.Executor{
				Store:     st,
				Tenants:   tenants,
				Templates: templates,
				PMSForTenant: func(tn tenant.Tenant) deliver.PMS {
					return api.ForTenant(tn.HostawayAccountID, tn.HostawaySecret)
				},
				Direct:   directmsg.New(cfg.DirectMsgBaseURL),
				Listings: deliver.NewListingCache(cfg.ListingCacheTTL),
			}
			s := &scheduler.Scheduler{
				Claims:     st,
				Exec:       exec,
				Interval:   cfg.PollInterval,
				Lease:      cfg.ClaimLease,
				BatchSize:  cfg.BatchSize,
				MaxBatches: cfg.MaxBatches,
			}
			go func() { _ = s.Run(ctx) }()

			// queue intake
			if cfg.RabbitURL != "" {
				consumer := &intake.Consumer{
					URL:      cfg.RabbitURL,
					Queue:    cfg.RabbitQueue,
					Tenants:  tenants,
					Pipeline: pipeline,
				}
				go func() {
					if err := consumer.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
						log.Error().Err(err).Msg("queue intake stopped")
					}
				}()
			} else {
				log.Info().Msg("RABBITMQ_URL not set, queue intake disabled")
			}

			// web
			lister := func(tn tenant.Tenant) enqueue.ReservationLister {
				return api.ForTenant(tn.HostawayAccountID, tn.HostawaySecret)
			}
			ws := web.NewServer(tenants, pipeline, st, templates, lister)
			return web.Start(ctx, cfg.ListenAddr, ws.Handler())
		},
	}

	cmd.Flags().BoolVar(&migrateUp, "migrate", true, "run database migrations on startup")

	cmd.Flags().Lookup("migrate").NoOptDefVal = "true"
	return cmd
}
