package main

import (
	"fmt"
	"os"

	"giftcard-service/config"
	"giftcard-service/internal/app"
	"giftcard-service/internal/notify"
	"giftcard-service/internal/util"

	"github.com/spf13/cobra"
)

var (
	cfg *config.Config
	svc *app.App
)

var rootCmd = &cobra.Command{
	Use:   "giftctl",
	Short: "Gift card service operator CLI",
	Long: `Operator tooling for the gift card service: expire stale intents,
relay stuck fulfillment events, inspect unmatched payments, check a
transaction and manage voucher inventory.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfg = config.Load()
		if err := util.InitLogger(cfg.Server.Env); err != nil {
			return fmt.Errorf("init logger: %w", err)
		}
		if cmd.Annotations["offline"] == "true" {
			return nil
		}
		a, err := app.New(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		svc = a
		// With Kafka disabled, events raised by a command are delivered in process.
		svc.NotificationWorker(notify.NewLogNotifier(util.GetLogger()))
		return nil
	},
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		util.SyncLogger()
		if svc != nil {
			return svc.Close()
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(sweepCmd, relayCmd, alertsCmd, verifyCmd, pollCmd, calldataCmd, inventoryCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
