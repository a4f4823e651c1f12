package main

import (
	"fmt"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
)

func tokenCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Manage the Home Assistant OAuth token",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "login",
		Short: "Print the authorization URL",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			auth, err := newAuth(cfg)
			if err != nil {
				return err
			}
			fmt.Println(auth.AuthorizeURL())
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "exchange <code>",
		Short: "Exchange an authorization code for tokens",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			auth, err := newAuth(cfg)
			if err != nil {
				return err
			}
			t, err := auth.Exchange(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			pterm.Success.Printfln("Token stored in %s (expires %s)", cfg.HA.TokenFile, t.ExpiresAt().Format(time.RFC3339))
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "refresh",
		Short: "Refresh the stored access token",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			auth, err := newAuth(cfg)
			if err != nil {
				return err
			}
			if _, err := auth.Refresh(cmd.Context()); err != nil {
				return err
			}
			if d, ok := auth.TimeToExpiry(); ok {
				pterm.Success.Printfln("Token refreshed, valid for %s", d.Round(time.Second))
			} else {
				pterm.Success.Println("Token refreshed")
			}
			return nil
		},
	})

	return cmd
}
