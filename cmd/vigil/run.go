package main

import (
	"context"
	"fmt"
	"image"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"vigil/internal/auth"
	"vigil/internal/camera"
	"vigil/internal/config"
	"vigil/internal/database"
	"vigil/internal/events"
	"vigil/internal/health"
	"vigil/internal/motion"
	"vigil/internal/notify"
	"vigil/internal/pipeline"
	"vigil/internal/recorder"
	"vigil/internal/rtp"
	"vigil/internal/rtsp"
	"vigil/internal/server"
	"vigil/internal/stream"
	"vigil/internal/supervisor"
	"vigil/internal/ws"
)

const teardownStepTimeout = 5 * time.Second

// app holds what survives pipeline restarts
type app struct {
	cfg       *config.Config
	db        *database.Database
	bus       *events.Bus
	eventHub  *ws.EventHub
	auth      *auth.Authenticator
	telegram  *notify.Telegram
	startedAt time.Time
}

// runGeneration builds one pipeline generation, runs it until ctx is done or a
// component fails, then tears it down camera first
func (a *app) runGeneration(ctx context.Context, restart func(reason string)) error {
	cfg := a.cfg
	logger := slog.With("component", "Pipeline")
	policy := supervisor.DefaultRetryPolicy()

	genCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	td := supervisor.NewTeardown()
	defer func() {
		cancel()
		if failed := td.Run(teardownStepTimeout); len(failed) > 0 {
			logger.Warn("teardown incomplete", "steps", failed)
		}
	}()

	hub := stream.NewHub()
	if a.telegram != nil {
		a.telegram.SetSnapshotSource(hub)
	}
	packetizer := rtp.NewPacketizer(cfg.Camera.FPS)

	source := a.newSource(packetizer)
	if err := supervisor.Retry(genCtx, policy, "open camera", source.Start); err != nil {
		return err
	}
	td.Add("camera", source.Close)

	var captureLoop sync.WaitGroup
	td.Add("capture loop", waitFunc(&captureLoop))

	rec, prebuffer, err := a.newRecorder()
	if err != nil {
		return err
	}
	var detector pipeline.MotionDetector
	if cfg.Motion.Enabled {
		detector = motion.NewDetector(motionConfig(cfg.Motion))
	}
	broadcaster := pipeline.NewBroadcaster(hub, pipeline.Options{
		Detector:  detector,
		Recorder:  rec,
		Prebuffer: prebuffer,
		Bus:       a.bus,
		Annotate:  cfg.Motion.Annotate,
	})
	td.Add("recorder", broadcaster.Close)

	monitor := health.NewMonitor(health.Config{
		MaxFrameAge:   cfg.Health.MaxFrameAge,
		CheckInterval: cfg.Health.CheckInterval,
		MaxFailures:   cfg.Health.MaxFailures,
	}, hub, restart, a.bus)

	var (
		servers sync.WaitGroup
		workers sync.WaitGroup
		errc    = make(chan error, 4)
	)
	td.Add("stream hub", func() error {
		hub.Close()
		return nil
	})
	td.Add("servers", waitFunc(&servers))
	td.Add("monitor", waitFunc(&workers))

	rtspSrv := rtsp.NewServer(net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.RTSPPort)), packetizer)

	httpAddr := net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.HTTPPort))
	httpSrv := server.New(server.Deps{
		Hub:       hub,
		Events:    a.db,
		Health:    monitor,
		Pipeline:  broadcaster,
		Recorder:  rec,
		RTSP:      rtspSrv,
		RTP:       packetizer,
		EventHub:  a.eventHub,
		Auth:      a.auth,
		RTSPURL:   a.rtspURL(),
		StartedAt: a.startedAt,
	})
	if err := handleHTTPServer(genCtx, httpAddr, httpSrv, policy, &servers, errc); err != nil {
		return err
	}

	if err := supervisor.Retry(genCtx, policy, "bind rtsp server", func(context.Context) error {
		if err := rtspSrv.Listen(); err != nil {
			return supervisor.Resource("bind rtsp server", err)
		}
		return nil
	}); err != nil {
		return err
	}
	servers.Add(1)
	go func() {
		defer servers.Done()
		if err := rtspSrv.Serve(genCtx); err != nil {
			errc <- err
		}
	}()

	workers.Add(2)
	go func() {
		defer workers.Done()
		broadcaster.RunMotion(genCtx)
	}()
	go func() {
		defer workers.Done()
		monitor.Run(genCtx)
	}()

	capture := pipeline.New(source, broadcaster)
	captureLoop.Add(1)
	go func() {
		defer captureLoop.Done()
		errc <- capture.Run(genCtx)
	}()

	select {
	case <-genCtx.Done():
		logger.Info("pipeline generation stopping", "frames", capture.FramesCaptured())
		return nil
	case err := <-errc:
		if err != nil {
			logger.Error("pipeline component failed", "error", err)
			return err
		}
		if genCtx.Err() != nil {
			return nil
		}
		logger.Info("frame source finished", "frames", capture.FramesCaptured())
		return nil
	}
}

func (a *app) newSource(packetizer *rtp.Packetizer) pipeline.FrameSource {
	c := a.cfg.Camera
	if c.Source == "test" {
		return camera.NewTestPattern(camera.PatternOptions{
			Width:       c.Width,
			Height:      c.Height,
			FPS:         c.FPS,
			MotionEvery: 30 * time.Second,
			MotionFor:   3 * time.Second,
		})
	}

	opts := camera.Options{
		Device:      c.Device,
		InputFormat: c.InputFormat,
		Width:       c.Width,
		Height:      c.Height,
		Format:      c.Format,
		FPS:         c.FPS,
	}
	if c.H264 {
		opts.H264 = packetizer
	}
	return camera.New(opts)
}

func (a *app) newRecorder() (*recorder.Recorder, *recorder.PreRollBuffer, error) {
	rc := a.cfg.Recording
	open, err := recorder.OpenerForCodec(rc.Codec)
	if err != nil {
		return nil, nil, err
	}
	rec := recorder.New(recorder.Config{
		FPS:             a.cfg.Camera.FPS,
		PostRollSeconds: rc.PostRollSeconds,
		OutputDir:       rc.OutputDir,
		Extension:       a.cfg.ClipExtension(),
	}, open, a.db, a.bus)
	return rec, recorder.NewPreRollBuffer(a.cfg.Camera.FPS, rc.PreRollSeconds), nil
}

func (a *app) rtspURL() string {
	host := a.cfg.Server.Host
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "localhost"
	}
	return fmt.Sprintf("rtsp://%s/stream", net.JoinHostPort(host, strconv.Itoa(a.cfg.Server.RTSPPort)))
}

func motionConfig(mc config.MotionConfig) motion.Config {
	cfg := motion.Config{
		Threshold:    mc.Threshold,
		MinArea:      mc.MinArea,
		LearningRate: mc.LearningRate,
	}
	for _, r := range mc.Exclusions {
		cfg.Exclusions = append(cfg.Exclusions, image.Rect(r.X, r.Y, r.X+r.Width, r.Y+r.Height))
	}
	return cfg
}

func waitFunc(wg *sync.WaitGroup) func() error {
	return func() error {
		wg.Wait()
		return nil
	}
}
