// space-client is a headless participant: it joins a space over the event
// channel, follows role and mute changes, and publishes silence while it
// is allowed to speak.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/dkeye/spaces/internal/adapters/rtc"
	"github.com/dkeye/spaces/internal/client"
	"github.com/dkeye/spaces/internal/config"
	"github.com/dkeye/spaces/internal/domain"
	"github.com/dkeye/spaces/internal/logging"
	"github.com/dkeye/spaces/internal/media"
	"github.com/dkeye/spaces/internal/protocol"
)

func main() {
	if err := run(); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	flagSet := pflag.NewFlagSet("space-client", pflag.ContinueOnError)
	configFile := flagSet.String("config", "config/config.dev.yaml", "config file")
	flagSet.String("server", "", "coordinator base url")
	flagSet.String("identity", "", "user id to act as")
	flagSet.String("space", "", "space to join")
	flagSet.Bool("speak", false, "raise a hand after joining")
	flagSet.Duration("join-timeout", 0, "ack timeout")
	create := flagSet.String("create", "", "create a space with this title, host it and go live")
	duration := flagSet.Duration("duration", 0, "leave after this long (0 waits for a signal)")
	flagSet.String("log-level", "", "log level")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		return err
	}

	v := config.New()
	for key, flag := range map[string]string{
		"client.server_url":   "server",
		"client.identity":     "identity",
		"client.space":        "space",
		"client.speak":        "speak",
		"client.join_timeout": "join-timeout",
		"log.level":           "log-level",
	} {
		if err := bindChanged(v, key, flagSet.Lookup(flag)); err != nil {
			return err
		}
	}
	cfg, err := config.LoadFile(v, *configFile)
	if err != nil {
		return err
	}
	logging.Init(cfg.Log)

	identity := domain.UserID(cfg.Client.Identity)
	if !identity.Valid() {
		return errors.New("--identity is required")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	if *duration > 0 {
		var stop context.CancelFunc
		ctx, stop = context.WithTimeout(ctx, *duration)
		defer stop()
	}

	opts := client.Options{
		ServerURL:      cfg.Client.ServerURL,
		Identity:       identity,
		RequestTimeout: cfg.Client.JoinTimeout,
	}
	api := client.NewAPI(opts)

	space := domain.SpaceID(cfg.Client.Space)
	if *create != "" {
		created, err := api.CreateSpace(ctx, client.CreateSpaceRequest{Title: *create})
		if err != nil {
			return fmt.Errorf("create space: %w", err)
		}
		space = created.ID
		fmt.Println(space)
	}
	if space == "" {
		return errors.New("--space or --create is required")
	}

	conn, err := client.Dial(ctx, opts)
	if err != nil {
		return err
	}
	defer conn.Close()

	ack, err := conn.Join(ctx, space)
	if err != nil {
		return fmt.Errorf("join: %w", err)
	}
	if *create != "" {
		if ack, err = conn.Start(ctx, space); err != nil {
			return fmt.Errorf("start: %w", err)
		}
	}
	self := domain.Participant{UserID: identity, Role: ack.MyRole}
	for _, p := range ack.Participants {
		if p.UserID == identity {
			self = p
		}
	}
	log.Info().Str("space", string(space)).Str("role", string(self.Role)).Int("participants", len(ack.Participants)).Msg("joined")

	player := rtc.NewMeterPlayer()
	transport := &rtc.ClientTransport{Config: rtc.ICEConfig(cfg.Media.ICEServers), Mic: rtc.SilenceMicrophone{}}
	rec := media.NewReconciler(space, identity, transport, api, player, media.Options{
		Backoff:  cfg.Media.ReconnectBackoff,
		Attempts: cfg.Media.ReconnectAttempts,
		OnError: func(err error) {
			log.Warn().Err(err).Str("space", string(space)).Msg("media")
		},
	})

	rec.Seed(ctx, self)
	go client.Watch(ctx, conn, space, ack.Version, rec, logEvent)
	go func() {
		if err := rec.Connect(ctx); err != nil {
			log.Warn().Err(err).Msg("continuing without audio")
		}
	}()

	if cfg.Client.Speak && !self.Role.CanPublish() {
		if err := conn.RequestToSpeak(space); err != nil {
			return err
		}
	}

	select {
	case <-ctx.Done():
	case <-conn.Done():
		log.Warn().Msg("event channel closed")
	}

	rec.Leave()
	leaveCtx, leaveCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer leaveCancel()
	if _, err := conn.Leave(leaveCtx, space); err != nil && !errors.Is(err, client.ErrClosed) {
		log.Debug().Err(err).Msg("leave")
	}
	for speaker, n := range player.Packets() {
		log.Info().Str("speaker", string(speaker)).Uint64("packets", n).Msg("received audio")
	}
	return nil
}

// bindChanged lets an explicitly set flag override file and environment.
func bindChanged(v *viper.Viper, key string, f *pflag.Flag) error {
	if f == nil || !f.Changed {
		return nil
	}
	return v.BindPFlag(key, f)
}

func logEvent(env protocol.Envelope) {
	switch env.Event {
	case protocol.EventParticipantsUpdate:
		return
	case protocol.EventSpaceEnded:
		log.Info().Msg("space ended")
	default:
		log.Info().Str("event", env.Event).RawJSON("data", env.Data).Msg("event")
	}
}
