package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"giftcard-service/internal/chain"
	"giftcard-service/internal/service"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
)

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Expire stale pending intents and time out unmined confirming ones",
	RunE: func(cmd *cobra.Command, args []string) error {
		n, err := svc.Intents.SweepExpired(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Printf("closed %d intent(s)\n", n)
		return nil
	},
}

var relayCmd = &cobra.Command{
	Use:   "relay",
	Short: "Publish fulfillment events whose inline publish failed",
	RunE: func(cmd *cobra.Command, args []string) error {
		n, err := svc.Intents.RelayOutbox(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Printf("relayed %d event(s)\n", n)
		return nil
	},
}

var alertsCmd = &cobra.Command{
	Use:   "alerts",
	Short: "List verified payments that could not be fulfilled",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		intents, err := svc.Intents.ListUnfulfilled(cmd.Context(), limit)
		if err != nil {
			return err
		}
		if len(intents) == 0 {
			fmt.Println("no unfulfilled payments")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "INTENT\tMERCHANT\tAMOUNT\tCURRENCY\tSINCE\tREASON")
		for _, i := range intents {
			reason := ""
			if i.FailureReason != nil {
				reason = *i.FailureReason
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
				i.ID, i.Merchant, i.Amount.String(), i.Currency, i.UpdatedAt.Format(time.RFC3339), reason)
		}
		return w.Flush()
	},
}

var verifyCmd = &cobra.Command{
	Use:   "verify <tx-hash>",
	Short: "Show verification progress for a transaction",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		q := service.ProgressQuery{TxHash: args[0]}
		q.IntentID, _ = cmd.Flags().GetString("intent")
		q.WalletAddress, _ = cmd.Flags().GetString("wallet")
		if raw, _ := cmd.Flags().GetString("amount"); raw != "" {
			amount, err := decimal.NewFromString(raw)
			if err != nil {
				return fmt.Errorf("invalid amount %q: %w", raw, err)
			}
			q.Amount = &amount
		}

		res, err := svc.Intents.VerifyProgress(cmd.Context(), q)
		if res != nil && res.Report != nil {
			fmt.Printf("verdict: %s (%s)\n", res.Report.Status, res.Report.Message)
			fmt.Printf("confirmations: %s\n", res.Report.Progress)
			if res.IntentStatus != "" {
				fmt.Printf("intent: %s\n", res.IntentStatus)
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			for _, s := range res.Report.Steps {
				mark := "no"
				switch {
				case s.Skipped:
					mark = "skip"
				case s.Satisfied:
					mark = "ok"
				}
				fmt.Fprintf(w, "  %s\t%s\t%s\n", s.Name, mark, s.Message)
			}
			if ferr := w.Flush(); ferr != nil && err == nil {
				err = ferr
			}
		}
		return err
	},
}

var pollCmd = &cobra.Command{
	Use:   "poll <intent-id>",
	Short: "Advance an intent as far as the chain allows",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		res, err := svc.Intents.PollVerification(cmd.Context(), args[0])
		if res == nil {
			return err
		}
		fmt.Printf("intent %s: %s\n", res.Intent.ID, res.Intent.Status)
		if res.InProgress {
			fmt.Println("another poller holds this intent, try again shortly")
		}
		if res.Report != nil {
			fmt.Printf("verification: %s (%s)\n", res.Report.Status, res.Report.Message)
		}
		if res.Unit != nil {
			fmt.Printf("bound unit: %s (%s %s)\n", res.Unit.ID, res.Unit.Merchant, res.Unit.Currency)
		}
		return err
	},
}

var calldataCmd = &cobra.Command{
	Use:   "calldata <intent-id> <amount>",
	Short: "Print the payment contract call input for an intent",
	Args:  cobra.ExactArgs(2),
	Annotations: map[string]string{
		"offline": "true",
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		amount, err := decimal.NewFromString(args[1])
		if err != nil {
			return fmt.Errorf("invalid amount %q: %w", args[1], err)
		}
		input, err := chain.EncodePaymentCall(args[0], chain.ToBaseUnits(amount, chain.TokenDecimals))
		if err != nil {
			return err
		}
		fmt.Println(hexutil.Encode(input))
		return nil
	},
}

func init() {
	alertsCmd.Flags().IntP("limit", "n", 50, "Maximum number of intents to list")

	verifyCmd.Flags().StringP("intent", "i", "", "Intent the transaction should pay")
	verifyCmd.Flags().StringP("wallet", "w", "", "Wallet expected to send the transaction")
	verifyCmd.Flags().StringP("amount", "a", "", "Expected token amount")
}
