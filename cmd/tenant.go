package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/example/guest-scheduler/internal/config"
	"github.com/example/guest-scheduler/internal/db"
	"github.com/example/guest-scheduler/internal/migrate"
	"github.com/example/guest-scheduler/internal/template"
	"github.com/example/guest-scheduler/internal/tenant"
)

func newTenantCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tenant",
		Short: "Manage tenants",
	}
	cmd.AddCommand(newTenantAddCmd())
	cmd.AddCommand(newTenantListCmd())
	return cmd
}

func newTenantAddCmd() *cobra.Command {
	var (
		name      string
		accountID string
		apiSecret string
		smsKey    string
		smsFrom   string
		aiReplies bool
	)

	c := &cobra.Command{
		Use:   "add",
		Short: "Provision a tenant and print its API token",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.FromEnv()
			if err != nil {
				return err
			}
			config.InitLogger(cfg)

			ctx := context.Background()
			d, err := db.Open(ctx, cfg.DatabaseURL)
			if err != nil {
				return err
			}
			defer d.Close()

			if err := migrate.Up(ctx, d); err != nil {
				return err
			}

			cipher, err := tenant.NewCipher(cfg.EncryptionKey)
			if err != nil {
				return err
			}
			store := tenant.NewStore(d, cipher)

			tn, err := store.Create(ctx, tenant.Tenant{
				Name:              name,
				HostawayAccountID: accountID,
				HostawaySecret:    apiSecret,
				SMSAPIKey:         smsKey,
				SMSFromNumber:     smsFrom,
				Flags:             map[string]bool{tenant.FlagAiReplies: aiReplies},
			})
			if err != nil {
				return err
			}

			if err := template.NewRepo(d).EnsureDefaults(ctx, tn.ID); err != nil {
				return err
			}

			// the token is only recoverable here, store it somewhere safe
			fmt.Fprintf(os.Stdout, "created tenant id=%s name=%q\n", tn.ID, tn.Name)
			fmt.Fprintf(os.Stdout, "api token: %s\n", tn.APIToken)
			return nil
		},
	}

	c.Flags().StringVar(&name, "name", "", "tenant display name")
	c.Flags().StringVar(&accountID, "hostaway-account-id", "", "Hostaway account id")
	c.Flags().StringVar(&apiSecret, "hostaway-secret", "", "Hostaway API secret (stored encrypted)")
	c.Flags().StringVar(&smsKey, "sms-api-key", "", "direct message gateway key (stored encrypted)")
	c.Flags().StringVar(&smsFrom, "sms-from", "", "SMS sender number")
	c.Flags().BoolVar(&aiReplies, "ai-replies", false, "allow queueing AI replies for this tenant")

	_ = c.MarkFlagRequired("name")
	_ = c.MarkFlagRequired("hostaway-account-id")
	_ = c.MarkFlagRequired("hostaway-secret")
	return c
}

func newTenantListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List tenants",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.FromEnv()
			if err != nil {
				return err
			}

			ctx := context.Background()
			d, err := db.Open(ctx, cfg.DatabaseURL)
			if err != nil {
				return err
			}
			defer d.Close()

			cipher, err := tenant.NewCipher(cfg.EncryptionKey)
			if err != nil {
				return err
			}
			tns, err := tenant.NewStore(d, cipher).List(ctx)
			if err != nil {
				return err
			}
			for _, tn := range tns {
				fmt.Fprintf(os.Stdout, "id=%s name=%q created=%s\n",
					tn.ID, tn.Name, tn.CreatedAt.Format(time.RFC3339))
			}
			return nil
		},
	}
}
