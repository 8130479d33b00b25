package cmd

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/merchantkit/merchantauth/internal/auth/merchant"
	"github.com/merchantkit/merchantauth/internal/config"
	"github.com/merchantkit/merchantauth/internal/merchantapi"
	log "github.com/sirupsen/logrus"
)

// newAPIClient returns a resource client authorized by the manager and the merchant id
// of the stored credential.
func newAPIClient(ctx context.Context, cfg *config.Config, opts ...merchant.Option) (*merchantapi.Client, string, error) {
	manager, err := newAuthManager(ctx, cfg, opts...)
	if err != nil {
		return nil, "", err
	}
	record := manager.Credential()
	if record == nil || record.MerchantID == "" {
		err = merchant.NewAuthenticationError(merchant.ErrUnauthenticated, nil)
		log.Error(merchant.GetUserFriendlyMessage(err))
		return nil, "", err
	}
	return merchantapi.NewClient(cfg.APIBaseURL, manager.APIClient()), record.MerchantID, nil
}

// DoShowMerchant prints the merchant profile.
func DoShowMerchant(ctx context.Context, cfg *config.Config, out io.Writer, opts ...merchant.Option) error {
	client, merchantID, err := newAPIClient(ctx, cfg, opts...)
	if err != nil {
		return err
	}
	profile, err := client.GetMerchant(ctx, merchantID)
	if err != nil {
		return reportAPIError(err)
	}
	_, _ = fmt.Fprintf(out, "ID:       %s\n", profile.ID)
	_, _ = fmt.Fprintf(out, "Name:     %s\n", profile.Name)
	if profile.Website != "" {
		_, _ = fmt.Fprintf(out, "Website:  %s\n", profile.Website)
	}
	return nil
}

// DoListItems prints one page of inventory items.
func DoListItems(ctx context.Context, cfg *config.Config, page merchantapi.Page, out io.Writer, opts ...merchant.Option) error {
	client, merchantID, err := newAPIClient(ctx, cfg, opts...)
	if err != nil {
		return err
	}
	items, err := client.ListItems(ctx, merchantID, page)
	if err != nil {
		return reportAPIError(err)
	}
	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "ID\tNAME\tPRICE\tSKU")
	for _, item := range items {
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", item.ID, item.Name, formatAmount(item.Price), item.SKU)
	}
	return tw.Flush()
}

// DoListOrders prints one page of orders.
func DoListOrders(ctx context.Context, cfg *config.Config, page merchantapi.Page, out io.Writer, opts ...merchant.Option) error {
	client, merchantID, err := newAPIClient(ctx, cfg, opts...)
	if err != nil {
		return err
	}
	orders, err := client.ListOrders(ctx, merchantID, page)
	if err != nil {
		return reportAPIError(err)
	}
	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "ID\tTOTAL\tCURRENCY\tSTATE")
	for _, order := range orders {
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", order.ID, formatAmount(order.Total), order.Currency, order.State)
	}
	return tw.Flush()
}

// formatAmount renders an amount in minor units.
func formatAmount(cents int64) string {
	sign := ""
	if cents < 0 {
		sign = "-"
		cents = -cents
	}
	return fmt.Sprintf("%s%d.%02d", sign, cents/100, cents%100)
}

func reportAPIError(err error) error {
	if merchant.IsAuthenticationError(err) || merchant.IsReauthRequired(err) {
		log.Error(merchant.GetUserFriendlyMessage(err))
	}
	return err
}
