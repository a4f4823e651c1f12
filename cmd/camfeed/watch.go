package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"hadash/camfeed/internal/config"
	"hadash/camfeed/internal/hass"
)

func newAuth(cfg *config.Config) (*hass.Auth, error) {
	if cfg.HA.URL == "" {
		return nil, fmt.Errorf("HA_URL environment variable is required")
	}
	auth := hass.NewAuth(hass.AuthConfig{
		BaseURL:        cfg.HA.URL,
		ClientID:       cfg.HA.ClientID,
		RedirectURI:    cfg.HA.RedirectURI,
		LongLivedToken: cfg.HA.LongLivedToken,
	}, hass.FileStore{Path: cfg.HA.TokenFile})
	auth.OnExpired(func(loginURL string) {
		pterm.Warning.Printfln("Home Assistant session expired. Log in again at:\n  %s", loginURL)
	})
	return auth, nil
}

func watchCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "watch <entity_id>...",
		Short: "Log Home Assistant state changes for entities",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			auth, err := newAuth(cfg)
			if err != nil {
				return err
			}

			client := hass.NewClient(cfg.HA.WebSocketURL(), auth)
			if err := client.Connect(ctx); err != nil {
				return fmt.Errorf("connect to Home Assistant: %w", err)
			}
			defer client.Close()

			for _, id := range args {
				defer client.SubscribeEntity(id, func(s *hass.EntityState) {
					log.Info("state changed", "entity", s.EntityID, "state", s.State, "changed", s.LastChanged)
				})()
			}
			log.Info("watching", "entities", args)

			select {
			case <-ctx.Done():
				return nil
			case <-client.Done():
				return fmt.Errorf("home assistant connection closed")
			}
		},
	}
}
