package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/adwski/lanmeet/backend/catalog"
	"github.com/adwski/lanmeet/backend/chat"
	"github.com/adwski/lanmeet/backend/conference"
	"github.com/adwski/lanmeet/backend/config"
	"github.com/adwski/lanmeet/backend/metrics"
	"github.com/adwski/lanmeet/backend/mixer"
	"github.com/adwski/lanmeet/backend/presenter"
	controlServer "github.com/adwski/lanmeet/backend/server/control"
	datagramServer "github.com/adwski/lanmeet/backend/server/datagram"
	fileServer "github.com/adwski/lanmeet/backend/server/file"
	screenServer "github.com/adwski/lanmeet/backend/server/screen"
	statusServer "github.com/adwski/lanmeet/backend/server/status"
	store "github.com/adwski/lanmeet/backend/storage/memory"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
)

type listener interface {
	Listen() error
}

func main() {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	fs := pflag.NewFlagSet("main", pflag.ContinueOnError)

	var (
		configPath = fs.StringP("config", "c", "", "path to yaml configuration file")
		bindAddr   = fs.StringP("bind-addr", "b", "", "bind address override")
		logLevel   = fs.StringP("log-level", "l", "", "log level override")
	)
	if err := fs.Parse(os.Args[1:]); err != nil {
		logger.Fatal().Err(err).Msg("failed to parse command line arguments")
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load configuration")
	}
	if *bindAddr != "" {
		cfg.BindAddr = *bindAddr
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}

	lvl, err := zerolog.ParseLevel(cfg.Logging.Level)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to parse loglevel")
	}
	logger = logger.Level(lvl)

	collector := metrics.NewPrometheusCollector()
	registry := store.NewStore(cfg.Limits.MaxUsers, cfg.Timing.EndpointGrace)
	arbiter := presenter.NewArbiter()
	files := catalog.New(cfg.Limits.MaxFileSize)
	mixr := mixer.New(mixer.Config{
		Logger:       &logger,
		ChunkBytes:   cfg.ChunkBytes(),
		Tick:         cfg.MixTick(),
		StaleHorizon: cfg.Timing.AudioStaleHorizon,
	})

	var conf *conference.Conference
	router := chat.NewRouter(chat.Config{
		Logger:         &logger,
		DeliverTimeout: cfg.Timing.DeliverTimeout,
		OnDead:         func(id uint32) { conf.Leave(id) },
	})
	conf = conference.New(conference.Config{
		Logger:         &logger,
		Registry:       registry,
		Router:         router,
		Mixer:          mixr,
		Arbiter:        arbiter,
		Catalog:        files,
		Metrics:        collector,
		MaxUsernameLen: cfg.Limits.MaxUsernameLen,
	})

	ctrlSrv := controlServer.NewServer(controlServer.Config{
		Logger:         &logger,
		Service:        conf,
		Metrics:        collector,
		ListenAddr:     cfg.ControlAddr(),
		RegisterWindow: cfg.Timing.RegisterWindow,
		WriteDeadline:  cfg.Timing.WriteDeadline,
	})
	scrSrv := screenServer.NewServer(screenServer.Config{
		Logger:        &logger,
		Service:       conf,
		ListenAddr:    cfg.ScreenControlAddr(),
		HelloWindow:   cfg.Timing.RegisterWindow,
		WriteDeadline: cfg.Timing.WriteDeadline,
	})
	dgramSrv := datagramServer.NewServer(datagramServer.Config{
		Logger:             &logger,
		Service:            conf,
		Metrics:            collector,
		VideoAddr:          cfg.VideoAddr(),
		AudioAddr:          cfg.AudioAddr(),
		ScreenAddr:         cfg.ScreenDataAddr(),
		MaxPacketSize:      cfg.Limits.MaxPacketSize,
		ScreenFrameCeiling: cfg.Limits.ScreenFrameCeiling,
	})
	flSrv := fileServer.NewServer(fileServer.Config{
		Logger:              &logger,
		Service:             conf,
		Metrics:             collector,
		ListenAddr:          cfg.FileAddr(),
		UploadIdleWindow:    cfg.Timing.UploadIdleWindow,
		DownloadReadyWindow: cfg.Timing.DownloadReadyWindow,
		DownloadWriteWindow: cfg.Timing.DownloadWriteWindow,
	})
	stSrv := statusServer.NewServer(statusServer.Config{
		Logger:     &logger,
		Service:    conf,
		Metrics:    collector.Handler(),
		ListenAddr: cfg.StatusAddr(),
	})

	// All six conference endpoints bind before anything serves; a single
	// failure unwinds the already bound ones.
	if err = bindAll(ctrlSrv, scrSrv, dgramSrv, flSrv); err != nil {
		logger.Fatal().Err(err).Msg("failed to bind endpoints")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var (
		wg   = &sync.WaitGroup{}
		errc = make(chan error, 6)
	)
	wg.Add(6)
	go ctrlSrv.Run(ctx, wg, errc)
	go scrSrv.Run(ctx, wg, errc)
	go dgramSrv.Run(ctx, wg, errc)
	go flSrv.Run(ctx, wg, errc)
	go stSrv.Run(ctx, wg, errc)
	go mixr.Run(ctx, wg, conf, dgramSrv.AudioSender())

	select {
	case err = <-errc:
		logger.Error().Err(err).Msg("unexpected server error, shutting down")
	case <-ctx.Done():
		logger.Warn().Msg("interrupted")
	}
	cancel()
	wg.Wait()
}

func bindAll(servers ...listener) error {
	var bound []interface{ Close() error }
	for _, srv := range servers {
		if err := srv.Listen(); err != nil {
			for _, c := range bound {
				_ = c.Close()
			}
			return err
		}
		if c, ok := srv.(interface{ Close() error }); ok {
			bound = append(bound, c)
		}
	}
	return nil
}
