package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/castlink/castlink/client"
	"github.com/castlink/castlink/media/pion"
	"github.com/castlink/castlink/model"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
)

func main() {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	fs := pflag.NewFlagSet("view", pflag.ContinueOnError)

	var (
		signalURL = fs.StringP("signal-url", "s", "ws://localhost:8888/signal", "relay signaling url")
		roomID    = fs.StringP("room", "r", "", "room to watch")
		userID    = fs.StringP("user-id", "u", "", "user id, generated when empty")
		logLevel  = fs.StringP("log-level", "l", "debug", "log level")
	)
	if err := fs.Parse(os.Args[1:]); err != nil {
		logger.Fatal().Err(err).Msg("failed to parse command line arguments")
	}

	lvl, err := zerolog.ParseLevel(*logLevel)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to parse loglevel")
	}
	logger = logger.Level(lvl)

	if *roomID == "" {
		logger.Fatal().Msg("room is required")
	}
	if *userID == "" {
		*userID = "viewer_" + uuid.NewString()[:8]
	}

	cl := client.New(client.Config{
		ServerURL: *signalURL,
		Logger:    &logger,
	})
	viewer := client.NewViewer(client.ViewerConfig{
		Client:       cl,
		NewTransport: pion.Factory(&logger),
		Logger:       &logger,
		OnMediaState: func(st client.MediaState) {
			logger.Info().Str("state", st.String()).Msg("media state changed")
		},
		OnRemoteStream: func(streamID string, added bool) {
			logger.Info().Str("streamID", streamID).Bool("added", added).Msg("remote stream")
		},
	})
	cl.SetHandler(viewer)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err = cl.Connect(ctx); err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to relay")
	}
	if err = cl.JoinRoom(*roomID, *userID, model.UserTypeViewer); err != nil {
		logger.Fatal().Err(err).Msg("failed to join room")
	}
	logger.Info().Str("roomID", *roomID).Str("userID", *userID).Msg("watching")

	<-ctx.Done()
	logger.Warn().Msg("interrupted")
	viewer.Close()
	cl.Disconnect()
}
