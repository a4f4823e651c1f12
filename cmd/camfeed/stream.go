package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"hadash/camfeed/internal/domain"
	"hadash/camfeed/internal/negotiator"
	"hadash/camfeed/internal/session"
	"hadash/camfeed/internal/signaling"
	"hadash/camfeed/internal/status"
	"hadash/camfeed/internal/transport"
	"hadash/camfeed/internal/util"
	"hadash/camfeed/internal/webrtc"
)

var log = util.Named("main")

func streamCommand() *cobra.Command {
	var cameraName string
	cmd := &cobra.Command{
		Use:   "stream",
		Short: "Stream one camera to stdout",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStream(cmd.Context(), cameraName)
		},
	}
	cmd.Flags().StringVarP(&cameraName, "camera", "c", "", "Camera name from CAMFEED_CONFIG (default: first camera)")
	return cmd
}

func runStream(parent context.Context, cameraName string) error {
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	desc, err := cfg.Camera(cameraName)
	if err != nil {
		return err
	}

	// Step 1: Transports, with a fresh peer connection per WebRTC attempt
	factory := &transport.Factory{Options: transport.Options{
		Media:          desc.Media,
		SourceURL:      desc.URL,
		ConnectTimeout: cfg.ConnectTimeout,
		TCPOnly:        desc.TCPOnly,
		NewPeer:        webrtc.NewFactory(webrtc.Config{}),
	}}

	caps := negotiator.FullCapabilities()
	if cfg.ForceFallback {
		caps.PeerConnection = false
	}

	// Step 2: Session
	client := session.New(desc, session.Options{
		Dialer:       signaling.NewDialer(),
		Transports:   factory,
		Capabilities: caps,
		RetryDelay:   cfg.RetryDelay,
		MaxRetries:   cfg.MaxRetries,
	})
	defer client.Close()

	// Step 3: Optional MQTT status mirror
	if cfg.MQTT.Broker != "" {
		pub, err := status.Connect(status.Config{
			Broker:      cfg.MQTT.Broker,
			ClientID:    cfg.MQTT.ClientID + "-" + desc.Name,
			TopicPrefix: cfg.MQTT.TopicPrefix,
		})
		if err != nil {
			log.Warn("status publishing disabled", "error", err)
		} else {
			defer pub.Close()
			defer pub.Watch(desc.Name, client)()
		}
	}

	// Step 4: Media to stdout, re-attached after every reconnect
	handles := make(chan domain.MediaHandle, 1)
	client.Subscribe(func(s session.State) {
		log.Info("status", "camera", desc.Name, "state", s.String(), "retries", s.RetryCount)
		if s.Status == domain.StatusFailed {
			log.Error("giving up, send SIGHUP to retry", "camera", desc.Name, "error", s.Err)
		}
		if s.Status == domain.StatusLive {
			offerLatest(handles, s.Handle)
		}
	})
	go attachLoop(ctx, handles)

	// Step 5: SIGHUP is the manual retry
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	log.Info("starting", "camera", desc.Name, "src", desc.URL, "modes", desc.Modes)
	client.Start()

	for {
		select {
		case <-hup:
			log.Info("manual retry requested")
			client.Retry()
		case <-ctx.Done():
			log.Info("shutting down")
			return nil
		}
	}
}

// offerLatest replaces any handle still waiting in the one-slot ch with h.
// It must be called from a single goroutine.
func offerLatest(ch chan domain.MediaHandle, h domain.MediaHandle) {
	select {
	case <-ch:
	default:
	}
	ch <- h
}

// attachLoop copies each live handle to stdout until it is released.
func attachLoop(ctx context.Context, handles <-chan domain.MediaHandle) {
	for {
		select {
		case <-ctx.Done():
			return
		case h := <-handles:
			log.Info("attaching", "transport", string(h.Transport()), "url", h.URL())
			if err := h.Attach(ctx, os.Stdout); err != nil {
				log.Warn("attach ended", "error", err)
			}
		}
	}
}
