package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"ppewatch/internal/analysis"
	"ppewatch/internal/api"
	"ppewatch/internal/app"
	"ppewatch/internal/auth"
	"ppewatch/internal/blob"
	"ppewatch/internal/caption"
	"ppewatch/internal/config"
	"ppewatch/internal/detection"
	"ppewatch/internal/ingest"
	"ppewatch/internal/logger"
	"ppewatch/internal/pipeline"
	"ppewatch/internal/store"
	"ppewatch/internal/telegram"
	"ppewatch/internal/violation"
	"ppewatch/internal/worker"
	"ppewatch/internal/ws"
)

func main() {
	var (
		configF = flag.String("config", "", "Path to the YAML configuration file")
		dbgF    = flag.Bool("debug", false, "Log request and response bodies")
	)
	flag.Parse()

	cfg, err := config.Load(*configF)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ppewatch: %v\n", err)
		os.Exit(1)
	}
	if *dbgF {
		cfg.Server.Debug = true
	}

	log, err := logger.New(logger.Config{Level: cfg.Log.Level, Format: cfg.Log.Format}, os.Stderr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ppewatch: %v\n", err)
		os.Exit(1)
	}

	if err := run(cfg, log); err != nil {
		log.Fatal().Err(err).Msg("ppewatch stopped")
	}
}

func run(cfg *config.Config, log zerolog.Logger) error {
	st, err := openStore(cfg.Store, log)
	if err != nil {
		return err
	}
	defer st.Close()

	secret := cfg.Blob.Secret
	if secret == "" {
		secret = randomSecret()
		log.Warn().Msg("blob.secret not set, signed urls will not survive a restart")
	}
	signer := blob.NewSigner(secret)
	blobs, err := blob.NewFileStorage(cfg.Blob.Dir, cfg.Server.PublicURL, signer)
	if err != nil {
		return err
	}

	rules := violation.DefaultRules()
	if cfg.Pipeline.RulesFile != "" {
		if rules, err = violation.LoadRules(cfg.Pipeline.RulesFile); err != nil {
			return err
		}
	}

	chain, closeChain, err := buildChain(cfg, log)
	if err != nil {
		return err
	}
	defer closeChain()

	var captioner caption.Captioner
	if cfg.Caption.Endpoint != "" {
		captioner = caption.NewHTTPCaptioner(caption.HTTPConfig{
			Endpoint: cfg.Caption.Endpoint,
			Prompt:   cfg.Caption.Prompt,
			Timeout:  cfg.Caption.Timeout,
		})
	} else {
		log.Info().Msg("captioning disabled, reports will rely on detections only")
	}

	// Initialize the pipeline shared by the ingestors, the worker and the API
	pl := app.New(app.Config{
		Cooldown:      cfg.Pipeline.Cooldown,
		QueueCapacity: cfg.Pipeline.QueueSize,
	}, worker.Deps{
		Captioner: captioner,
		Chain:     chain,
		Blobs:     blobs,
		Store:     st,
	}, worker.Config{
		CaptionTimeout: cfg.Pipeline.CaptionTimeout,
		StoreTimeout:   cfg.Pipeline.StoreTimeout,
	}, log)

	detector := detection.NewYOLODetector(detection.YOLOConfig{
		Endpoint:            cfg.Detector.Endpoint,
		ConfidenceThreshold: cfg.Detector.ConfidenceThreshold,
		ClassesFilter:       cfg.Detector.ClassesFilter,
		Timeout:             cfg.Detector.Timeout,
	})
	probeCtx, cancelProbe := context.WithTimeout(context.Background(), 5*time.Second)
	if !detector.IsHealthy(probeCtx) {
		log.Warn().Str("endpoint", cfg.Detector.Endpoint).Msg("detection service not ready, frames will fail until it is")
	}
	cancelProbe()

	ingestors := make([]*ingest.Ingestor, 0, len(cfg.Cameras))
	sources := make([]pipeline.FrameSource, 0, len(cfg.Cameras))
	for _, cam := range cfg.Cameras {
		src, err := openSource(cam, cfg.Detector.Timeout)
		if err != nil {
			return err
		}
		sources = append(sources, src)
		ingestors = append(ingestors, ingest.New(src, detector, pl, ingest.Config{Rules: rules}, log))
	}
	defer func() {
		for _, src := range sources {
			src.Close()
		}
	}()

	var authn *auth.Authenticator
	if cfg.Auth.Enabled {
		if authn, err = auth.NewAuthenticator(auth.Config{
			Enabled:     true,
			Username:    cfg.Auth.Username,
			Password:    cfg.Auth.Password,
			JWTSecret:   cfg.Auth.JWTSecret,
			TokenExpiry: cfg.Auth.TokenExpiry,
		}); err != nil {
			return err
		}
	}

	hub := ws.NewIncidentHub(log)
	statsSources := make([]api.IngestSource, 0, len(ingestors))
	for _, in := range ingestors {
		statsSources = append(statsSources, in)
	}
	server := api.New(api.Deps{
		Store:         st,
		Blobs:         blobs,
		Signer:        signer,
		Authenticator: authn,
		Pipeline:      pl,
		Ingestors:     statsSources,
		WS:            ws.NewHandler(hub),
	}, api.Config{
		SignedTTL:    cfg.Blob.SignedTTL,
		StoreTimeout: cfg.Pipeline.StoreTimeout,
		Debug:        cfg.Server.Debug,
	}, log)

	// Create channel used by both the signal handler and server goroutines
	// to notify the main goroutine when to stop the server.
	errc := make(chan error, 1)
	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
		errc <- fmt.Errorf("%s", <-c)
	}()

	var (
		wg       sync.WaitGroup
		workerWg sync.WaitGroup
		subWg    sync.WaitGroup
	)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Event subscribers outlive ctx so the terminal events of drained and
	// abandoned jobs still reach them.
	subCtx, cancelSubs := context.WithCancel(context.Background())
	defer cancelSubs()
	var unsubscribers []func()

	pl.Bus().Subscribe(pipeline.IncidentHandlerFunc(func(e *pipeline.IncidentEvent) {
		log.Info().Str("report_id", e.ReportID).Str("status", e.Status).Str("previous", e.Previous).
			Str("camera_id", e.CameraID).Str("severity", e.Severity).Msg("incident status changed")
	}))

	hubEvents, unsubscribeHub := pl.Bus().SubscribeChannel(64)
	unsubscribers = append(unsubscribers, unsubscribeHub)
	subWg.Add(1)
	go func() {
		defer subWg.Done()
		hub.Run(subCtx, hubEvents)
	}()

	if cfg.Telegram.Enabled {
		bot, err := telegram.NewBot(telegram.Config{
			BotToken: cfg.Telegram.BotToken,
			ChatID:   cfg.Telegram.ChatID,
			Cooldown: cfg.Telegram.Cooldown,
		}, log)
		if err != nil {
			return err
		}
		notifier := telegram.NewNotifier(bot, cfg.Telegram.Statuses)
		alerts, unsubscribeAlerts := pl.Bus().SubscribeChannel(64)
		unsubscribers = append(unsubscribers, unsubscribeAlerts)
		subWg.Add(1)
		go func() {
			defer subWg.Done()
			notifier.Run(subCtx, alerts)
		}()

		commands := telegram.NewCommandHandler(bot, pl, st)
		go func() {
			if err := commands.StartPolling(ctx); err != nil && ctx.Err() == nil {
				log.Error().Err(err).Msg("telegram polling stopped")
			}
		}()
	}

	// The worker outlives ctx so it can drain the queue after the
	// ingestors stop.
	workerCtx, stopWorker := context.WithCancel(context.Background())
	defer stopWorker()
	workerWg.Add(1)
	go func() {
		defer workerWg.Done()
		if err := pl.RunWorker(workerCtx); err != nil {
			log.Error().Err(err).Msg("report worker stopped")
		}
	}()

	for _, in := range ingestors {
		wg.Add(1)
		go func(in *ingest.Ingestor) {
			defer wg.Done()
			if err := in.Run(ctx); err != nil {
				log.Error().Err(err).Str("camera_id", in.Stats().CameraID).Msg("camera ingestion stopped")
			}
		}(in)
	}

	if cfg.Retention.MaxAge > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			runRetention(ctx, st, cfg.Retention, log)
		}()
	}

	handleHTTPServer(ctx, cfg.Server, server.Handler(), &wg, errc, log)

	// Wait for signal.
	log.Info().Msgf("exiting (%v)", <-errc)

	// Stop the ingestors first so nothing new is admitted, then let the
	// worker drain what is already queued.
	cancel()
	wg.Wait()
	pl.Close()

	drained := make(chan struct{})
	go func() {
		workerWg.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-time.After(cfg.Server.ShutdownTimeout):
		log.Warn().Int("queued", pl.Stats().QueueLen).Msg("shutdown timeout reached, abandoning queued incidents")
		stopWorker()
		<-drained
	}
	pl.Abandon(context.Background())

	// Closing the subscriptions lets the hub and the notifier flush what is
	// buffered and return.
	for _, unsubscribe := range unsubscribers {
		unsubscribe()
	}
	flushed := make(chan struct{})
	go func() {
		subWg.Wait()
		close(flushed)
	}()
	select {
	case <-flushed:
	case <-time.After(cfg.Server.ShutdownTimeout):
		log.Warn().Msg("shutdown timeout reached, dropping undelivered incident events")
	}
	cancelSubs()

	log.Info().Msg("exited")
	return nil
}

func openStore(cfg config.StoreConfig, log zerolog.Logger) (store.Store, error) {
	switch cfg.Driver {
	case "sqlite":
		return store.OpenSQLite(cfg.Path, log)
	case "postgres":
		return store.OpenPostgres(cfg.DSN, log)
	case "memory":
		return store.NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}

func openSource(cam config.CameraConfig, timeout time.Duration) (pipeline.FrameSource, error) {
	switch cam.Type {
	case "snapshot", "":
		return pipeline.NewSnapshotSource(cam.ID, cam.URL, cam.FPS, timeout), nil
	case "mjpeg":
		return pipeline.NewMJPEGSource(cam.ID, cam.URL, cam.FPS), nil
	case "directory":
		return pipeline.NewDirectorySource(cam.ID, cam.Dir, cam.FPS, cam.Loop)
	default:
		return nil, fmt.Errorf("camera %s: unknown source type %q", cam.ID, cam.Type)
	}
}

// buildChain creates the analysis backends in the configured fallback order
func buildChain(cfg *config.Config, log zerolog.Logger) (*analysis.Chain, func(), error) {
	var (
		entries []analysis.Entry
		closers []func() error
	)
	for _, name := range cfg.Analysis.Backends {
		switch name {
		case "local":
			lb, err := analysis.NewLocalBackend(analysis.LocalConfig{
				Endpoint:   cfg.Analysis.Local.Endpoint,
				Model:      cfg.Analysis.Local.Model,
				HealthAddr: cfg.Analysis.Local.HealthAddr,
				Timeout:    cfg.Analysis.Local.Timeout,
			})
			if err != nil {
				return nil, nil, err
			}
			closers = append(closers, lb.Close)
			entries = append(entries, analysis.Entry{Backend: lb, Timeout: cfg.Analysis.Local.Timeout})
		case "remote":
			key := cfg.RemoteAPIKey()
			if key == "" {
				log.Warn().Str("env", cfg.Analysis.Remote.APIKeyEnv).Msg("remote analysis backend has no api key, skipping")
				continue
			}
			entries = append(entries, analysis.Entry{
				Backend: analysis.NewRemoteBackend(analysis.RemoteConfig{
					BaseURL:          cfg.Analysis.Remote.BaseURL,
					APIKey:           key,
					Model:            cfg.Analysis.Remote.Model,
					Timeout:          cfg.Analysis.Remote.Timeout,
					MaxResponseBytes: cfg.Analysis.Remote.MaxResponseBytes,
				}),
				Timeout: cfg.Analysis.Remote.Timeout,
			})
		case "template":
			entries = append(entries, analysis.Entry{
				Backend:  analysis.NewTemplateBackend(),
				Fallback: cfg.Analysis.Template.Fallback,
			})
		default:
			return nil, nil, fmt.Errorf("unknown analysis backend %q", name)
		}
	}

	closeAll := func() {
		for _, c := range closers {
			if err := c(); err != nil {
				log.Warn().Err(err).Msg("failed to close analysis backend")
			}
		}
	}
	return analysis.NewChain(log, entries...), closeAll, nil
}

func runRetention(ctx context.Context, st store.Store, cfg config.RetentionConfig, log zerolog.Logger) {
	interval := cfg.Interval
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		cutoff := time.Now().Add(-cfg.MaxAge)
		n, err := st.DeleteBefore(ctx, cutoff)
		switch {
		case err != nil && ctx.Err() == nil:
			log.Error().Err(err).Msg("retention sweep failed")
		case n > 0:
			log.Info().Int64("deleted", n).Time("cutoff", cutoff).Msg("removed expired incidents")
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func randomSecret() string {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		panic(err)
	}
	return hex.EncodeToString(b)
}
