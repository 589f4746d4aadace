package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/example/guest-scheduler/internal/config"
	"github.com/example/guest-scheduler/internal/db"
	"github.com/example/guest-scheduler/internal/enqueue"
	"github.com/example/guest-scheduler/internal/hostaway"
	"github.com/example/guest-scheduler/internal/schedule"
	"github.com/example/guest-scheduler/internal/store"
	"github.com/example/guest-scheduler/internal/tenant"
)

func newSyncCmd() *cobra.Command {
	var tenantID string

	c := &cobra.Command{
		Use:   "sync",
		Short: "Pull reservations from the PMS and schedule any missing messages",
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

			cipher, err := tenant.NewCipher(cfg.EncryptionKey)
			if err != nil {
				return err
			}
			tenantStore := tenant.NewStore(d, cipher)

			var tns []tenant.Tenant
			if tenantID != "" {
				tn, err := tenantStore.GetByID(ctx, tenantID)
				if err != nil {
					return fmt.Errorf("tenant %s: %w", tenantID, err)
				}
				tns = []tenant.Tenant{tn}
			} else {
				listed, err := tenantStore.List(ctx)
				if err != nil {
					return err
				}
				// List omits credentials, re-read each tenant in full
				for _, tn := range listed {
					full, err := tenantStore.GetByID(ctx, tn.ID)
					if err != nil {
						return fmt.Errorf("tenant %s: %w", tn.ID, err)
					}
					tns = append(tns, full)
				}
			}

			api := hostaway.NewAPI(cfg.HostawayBaseURL)
			pipeline := enqueue.NewService(store.New(d), schedule.Planner{FollowupDelay: cfg.FollowupDelay})

			failed := 0
			for _, tn := range tns {
				pms := api.ForTenant(tn.HostawayAccountID, tn.HostawaySecret)
				n, err := pipeline.SyncAll(ctx, tn, pms)
				if err != nil {
					failed++
					log.Error().Err(err).Str("tenant", tn.ID).Msg("sync failed")
					continue
				}
				fmt.Fprintf(os.Stdout, "tenant=%s reservations=%d\n", tn.ID, n)
			}
			if failed > 0 {
				return fmt.Errorf("sync failed for %d of %d tenants", failed, len(tns))
			}
			return nil
		},
	}

	c.Flags().StringVar(&tenantID, "tenant", "", "tenant id (default: all tenants)")
	return c
}
