package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/castlink/castlink/client"
	"github.com/castlink/castlink/media/pion"
	"github.com/castlink/castlink/model"
	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/pion/webrtc/v4/pkg/media/ivfreader"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
)

func main() {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	fs := pflag.NewFlagSet("broadcast", pflag.ContinueOnError)

	var (
		signalURL = fs.StringP("signal-url", "s", "ws://localhost:8888/signal", "relay signaling url")
		apiURL    = fs.StringP("api-url", "a", "http://localhost:8080", "relay api url")
		roomID    = fs.StringP("room", "r", "", "room to share into, discovered via the api when empty")
		userID    = fs.StringP("user-id", "u", "", "user id, generated when empty")
		videoFile = fs.StringP("video-file", "f", "output.ivf", "ivf file streamed as the shared screen")
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

	if *userID == "" {
		*userID = "broadcaster_" + uuid.NewString()[:8]
	}

	cl := client.New(client.Config{
		ServerURL: *signalURL,
		Logger:    &logger,
	})
	bcast := client.NewBroadcaster(client.BroadcasterConfig{
		Client:       cl,
		Capture:      &fileCapture{path: *videoFile, logger: &logger},
		NewTransport: pion.Factory(&logger),
		Logger:       &logger,
		OnShareState: func(st client.ShareState) {
			logger.Info().Str("state", st.String()).Msg("share state changed")
		},
	})
	cl.SetHandler(bcast)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if *roomID == "" {
		if *roomID, err = bcast.FindAvailableRoom(ctx, *apiURL); err != nil {
			logger.Fatal().Err(err).Msg("failed to discover room")
		}
	}

	if err = cl.Connect(ctx); err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to relay")
	}
	if err = bcast.StartShare(ctx); err != nil {
		logger.Fatal().Err(err).Msg("failed to start sharing")
	}
	if err = cl.JoinRoom(*roomID, *userID, model.UserTypeBroadcaster); err != nil {
		logger.Fatal().Err(err).Msg("failed to join room")
	}
	logger.Info().Str("roomID", *roomID).Str("userID", *userID).Msg("broadcasting")

	<-ctx.Done()
	logger.Warn().Msg("interrupted")
	bcast.StopShare()
	cl.Disconnect()
}

// fileCapture streams an ivf file in a loop, standing in for screen
// capture. A missing file plays the role of a denied grant; a file
// that disappears after the grant means the permission expired and
// the user has to re-authorize.
type fileCapture struct {
	path   string
	logger *zerolog.Logger

	granted bool
}

func (f *fileCapture) RequestPermission(_ context.Context) error {
	if _, err := os.Stat(f.path); err != nil {
		return fmt.Errorf("%w: %s", client.ErrPermissionDenied, f.path)
	}
	f.granted = true
	return nil
}

func (f *fileCapture) Open(_ context.Context) (client.VideoSource, error) {
	if _, err := os.Stat(f.path); err != nil {
		if f.granted {
			return nil, fmt.Errorf("%w: %s", client.ErrPermissionExpired, f.path)
		}
		return nil, fmt.Errorf("%w: %s", client.ErrPermissionDenied, f.path)
	}
	static, err := pion.NewStaticSource(webrtc.MimeTypeVP8, "castlink-screen")
	if err != nil {
		return nil, err
	}
	src := &fileSource{
		StaticSource: static,
		done:         make(chan struct{}),
	}
	go src.stream(f.path, f.logger)
	return src, nil
}

type fileSource struct {
	*pion.StaticSource
	done chan struct{}
}

func (s *fileSource) Close() error {
	select {
	case <-s.done:
	default:
		close(s.done)
	}
	return s.StaticSource.Close()
}

func (s *fileSource) stream(path string, logger *zerolog.Logger) {
	file, err := os.Open(path)
	if err != nil {
		logger.Error().Err(err).Msg("failed to open video file")
		return
	}
	defer func() {
		_ = file.Close()
	}()

	ivf, header, err := ivfreader.NewWith(file)
	if err != nil {
		logger.Error().Err(err).Msg("failed to parse ivf header")
		return
	}

	frameDuration := time.Millisecond *
		time.Duration(float64(header.TimebaseNumerator)/float64(header.TimebaseDenominator)*1000)
	ticker := time.NewTicker(frameDuration)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
		}

		frame, _, err := ivf.ParseNextFrame()
		if errors.Is(err, io.EOF) {
			// loop the file
			if _, err = file.Seek(0, io.SeekStart); err != nil {
				logger.Error().Err(err).Msg("failed to rewind video file")
				return
			}
			if ivf, _, err = ivfreader.NewWith(file); err != nil {
				logger.Error().Err(err).Msg("failed to reparse ivf header")
				return
			}
			continue
		}
		if err != nil {
			logger.Error().Err(err).Msg("failed to read frame")
			return
		}
		if err = s.WriteSample(media.Sample{Data: frame, Duration: frameDuration}); err != nil {
			logger.Error().Err(err).Msg("failed to write sample")
			return
		}
	}
}
