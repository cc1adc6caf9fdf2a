package main

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"giftcard-service/internal/matching"
	"giftcard-service/internal/models"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
)

var inventoryCmd = &cobra.Command{
	Use:   "inventory",
	Short: "Manage voucher inventory",
}

var inventoryAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Add a voucher to inventory",
	RunE: func(cmd *cobra.Command, args []string) error {
		flags := cmd.Flags()
		merchant, _ := flags.GetString("merchant")
		name, _ := flags.GetString("name")
		currency, _ := flags.GetString("currency")
		face, _ := flags.GetString("face-value")
		reference, _ := flags.GetString("reference-value")
		code, _ := flags.GetString("code")
		pin, _ := flags.GetString("pin")
		validDays, _ := flags.GetInt("valid-days")

		currency = strings.ToUpper(strings.TrimSpace(currency))
		faceValue, err := decimal.NewFromString(face)
		if err != nil || !faceValue.IsPositive() {
			return fmt.Errorf("invalid face value %q", face)
		}
		if !matching.FitsMinorUnits(faceValue, currency) {
			return fmt.Errorf("face value %q is too large for %s", face, currency)
		}
		refValue := faceValue
		if reference != "" {
			if refValue, err = decimal.NewFromString(reference); err != nil {
				return fmt.Errorf("invalid reference value %q: %w", reference, err)
			}
		}

		now := time.Now().UTC()
		unit := &models.InventoryUnit{
			ID:             uuid.NewString(),
			Merchant:       matching.NormalizeMerchant(merchant),
			Name:           name,
			Currency:       currency,
			FaceValue:      matching.ToMinorUnits(faceValue, currency),
			ReferenceValue: refValue,
			ValidFrom:      &now,
			Stock:          1,
			Active:         true,
			RedemptionCode: code,
			Pin:            pin,
			CreatedAt:      now,
		}
		if validDays > 0 {
			until := now.AddDate(0, 0, validDays)
			unit.ValidUntil = &until
		}

		if err := svc.Store.CreateUnit(cmd.Context(), unit); err != nil {
			return err
		}
		fmt.Printf("added %s: %s %s %s\n", unit.ID, unit.Merchant, faceValue.String(), unit.Currency)
		return nil
	},
}

var inventoryListCmd = &cobra.Command{
	Use:   "list",
	Short: "List vouchers",
	RunE: func(cmd *cobra.Command, args []string) error {
		merchant, _ := cmd.Flags().GetString("merchant")
		available, _ := cmd.Flags().GetBool("available")
		if merchant != "" {
			merchant = matching.NormalizeMerchant(merchant)
		}

		units, err := svc.Store.ListUnits(cmd.Context(), merchant, available)
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tMERCHANT\tNAME\tFACE\tCURRENCY\tSTATE")
		for _, u := range units {
			state := "available"
			switch {
			case u.Reserved:
				state = "reserved"
			case !u.Available(time.Now()):
				state = "unavailable"
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
				u.ID, u.Merchant, u.Name, matching.FromMinorUnits(u.FaceValue, u.Currency).String(), u.Currency, state)
		}
		return w.Flush()
	},
}

func init() {
	inventoryCmd.AddCommand(inventoryAddCmd, inventoryListCmd)

	f := inventoryAddCmd.Flags()
	f.StringP("merchant", "m", "", "Merchant the voucher is redeemable at")
	f.String("name", "", "Display name")
	f.StringP("currency", "c", "", "ISO currency code")
	f.String("face-value", "", "Face value in major units, e.g. 1000")
	f.String("reference-value", "", "Value in the reference currency (defaults to face value)")
	f.String("code", "", "Redemption code")
	f.String("pin", "", "Redemption PIN")
	f.Int("valid-days", 365, "Days until the voucher expires; 0 for no expiry")
	_ = inventoryAddCmd.MarkFlagRequired("merchant")
	_ = inventoryAddCmd.MarkFlagRequired("currency")
	_ = inventoryAddCmd.MarkFlagRequired("face-value")
	_ = inventoryAddCmd.MarkFlagRequired("code")

	inventoryListCmd.Flags().StringP("merchant", "m", "", "Only this merchant")
	inventoryListCmd.Flags().Bool("available", false, "Only unreserved, active, in-stock vouchers")
}
