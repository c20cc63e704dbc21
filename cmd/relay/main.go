package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	httpServer "github.com/castlink/castlink/server/http"
	websocketServer "github.com/castlink/castlink/server/websocket"
	"github.com/castlink/castlink/service"
	store "github.com/castlink/castlink/storage/memory"
	sw "github.com/castlink/castlink/switch"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
)

func main() {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	fs := pflag.NewFlagSet("relay", pflag.ContinueOnError)

	var (
		apiListenAddr = fs.StringP("api-listen-addr", "a", ":8080", "api listen address")
		wsListenAddr  = fs.StringP("ws-listen-addr", "w", ":8888", "websocket signaling listen address")
		logLevel      = fs.StringP("log-level", "l", "debug", "log level")
		roomCapacity  = fs.IntP("room-capacity", "c", store.DefaultMaxUsersPerRoom, "max users per room")
		roomMaxAge    = fs.Duration("room-max-age", store.DefaultRoomMaxAge, "age after which rooms are swept")
		sweepInterval = fs.Duration("sweep-interval", time.Hour, "expired room sweep period")
	)
	if err := fs.Parse(os.Args[1:]); err != nil {
		logger.Fatal().Err(err).Msg("failed to parse command line arguments")
	}

	lvl, err := zerolog.ParseLevel(*logLevel)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to parse loglevel")
	}
	logger = logger.Level(lvl)

	memStore := store.NewMemStore(*roomCapacity)
	svc := service.NewService(service.Config{
		Registry:  memStore,
		Connector: sw.NewSwitch(&logger),
		Logger:    &logger,
	})
	httpSrv := httpServer.NewServer(httpServer.Config{
		Logger:      &logger,
		RoomService: svc,
		ListenAddr:  *apiListenAddr,
	})
	wsSrv := websocketServer.NewServer(websocketServer.Config{
		Logger:           &logger,
		SignalingService: svc,
		ListenAddr:       *wsListenAddr,
	})

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var (
		wg   = &sync.WaitGroup{}
		errc = make(chan error, 2)
	)
	wg.Add(2)
	go httpSrv.Run(ctx, wg, errc)
	go wsSrv.Run(ctx, wg, errc)

	go sweepLoop(ctx, memStore, *sweepInterval, *roomMaxAge, &logger)

	select {
	case err = <-errc:
		logger.Error().Err(err).Msg("unexpected server error, shutting down")
	case <-ctx.Done():
		logger.Warn().Msg("interrupted")
	}
	cancel()
	wg.Wait()
}

func sweepLoop(ctx context.Context, memStore *store.MemStore, interval, maxAge time.Duration, logger *zerolog.Logger) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if removed := memStore.SweepExpired(maxAge); len(removed) > 0 {
				logger.Info().Strs("rooms", removed).Msg("swept expired rooms")
			}
		}
	}
}
