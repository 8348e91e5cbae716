package main

import (
	"context"
	"errors"
	"flag"
	"image"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"

	"udlblit/internal/blit"
	"udlblit/internal/capture"
	"udlblit/internal/config"
	"udlblit/internal/dlproto"
	"udlblit/internal/edid"
	appLog "udlblit/internal/log"
	"udlblit/internal/transport"
	"udlblit/internal/web"
)

type flagConfig struct {
	configPath string
	listen     string
	once       bool
}

func main() {
	appLog.Info("udlblit starting", "version", "0.1.0-dev")

	flags := parseFlags()

	conf, err := config.Load(flags.configPath)
	if err != nil {
		appLog.Error("failed to load config", err, "config_path", flags.configPath)
		os.Exit(1)
	}
	if flags.listen != "" {
		conf.Listen = flags.listen
	}
	appLog.SetLevel(appLog.ParseLevel(conf.LogLevel))

	appLog.Info("effective config",
		"listen", conf.Listen,
		"usb", conf.USB,
		"refresh", conf.RefreshCron,
		"capture_url", conf.Capture.URL,
		"once", flags.once,
	)

	// Root context with cancellation on SIGINT/SIGTERM.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		appLog.Info("signal received, shutting down", "signal", sig.String())
		cancel()
	}()

	sink, err := transport.OpenUSB(conf.USB.VendorID, conf.USB.ProductID)
	if err != nil {
		appLog.Error("failed to open display device", err)
		os.Exit(1)
	}
	defer sink.Close()

	session, err := attach(ctx, sink, conf)
	if err != nil {
		appLog.Error("failed to attach display", err)
		os.Exit(1)
	}
	defer session.Close()

	if flags.once {
		if err := refresh(ctx, session, conf); err != nil {
			appLog.Error("refresh failed", err)
			os.Exit(1)
		}
		appLog.Info("udlblit exiting")
		return
	}

	// Status/preview API.
	srv := &http.Server{Addr: conf.Listen, Handler: web.NewServer(session).Handler()}
	go func() {
		appLog.Info("http listening", "addr", conf.Listen)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			appLog.Error("http server failed", err)
			cancel()
		}
	}()

	// Scheduled capture-and-blit cycles.
	sched := cron.New()
	if _, err := sched.AddFunc(conf.RefreshCron, func() {
		if err := refresh(ctx, session, conf); err != nil {
			appLog.Error("refresh failed", err)
			if errors.Is(err, blit.ErrSessionClosed) {
				cancel()
			}
		}
	}); err != nil {
		appLog.Error("invalid refresh schedule", err, "refresh", conf.RefreshCron)
		os.Exit(1)
	}
	sched.Start()

	<-ctx.Done()

	stopCtx := sched.Stop()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer shutdownCancel()
	_ = srv.Shutdown(shutdownCtx)
	<-stopCtx.Done()

	appLog.Info("udlblit exiting")
}

// attach negotiates the display mode and primes the frame: select the
// standard channel, read the monitor's EDID (falling back to the
// configured mode), program the video registers and push an initial full
// frame.
func attach(ctx context.Context, sink *transport.USBSink, conf *config.Config) (*blit.Session, error) {
	if err := sink.SelectStdChannel(dlproto.StdChannel()); err != nil {
		return nil, err
	}

	timings := edid.Fallback()
	timings.XRes = conf.Display.Width
	timings.YRes = conf.Display.Height
	if raw, err := sink.ReadEDID(); err != nil {
		appLog.Error("EDID read failed, using configured mode", err)
	} else if t, err := edid.Parse(raw); err != nil {
		appLog.Error("EDID parse failed, using configured mode", err)
	} else {
		timings = t
	}
	appLog.Info("display mode", "xres", timings.XRes, "yres", timings.YRes)

	// 16bpp segment at 0, 8bpp segment right behind it.
	base8 := uint32(timings.XRes * timings.YRes * dlproto.BytesPerPixel)
	modeCtx, modeCancel := context.WithTimeout(ctx, conf.Display.SendTimeout())
	defer modeCancel()
	if err := sink.Send(modeCtx, dlproto.VideoModeStream(0, base8, timings)); err != nil {
		return nil, err
	}

	session, err := blit.NewSession(timings.XRes, timings.YRes, sink, &blit.Options{
		BufferSize:  conf.Display.BufferSize,
		Reserve:     conf.Display.Reserve,
		SendTimeout: conf.Display.SendTimeout(),
	})
	if err != nil {
		return nil, err
	}
	if err := session.FullRefresh(ctx); err != nil {
		session.Close()
		return nil, err
	}
	return session, nil
}

// refresh runs one capture-and-blit cycle. Without a capture URL it only
// re-sends whatever the frame already holds.
func refresh(ctx context.Context, session *blit.Session, conf *config.Config) error {
	bounds := session.Bounds()
	if conf.Capture.URL == "" {
		return session.Blit(ctx, bounds)
	}
	img, err := capture.Screenshot(ctx, capture.Options{
		URL:          conf.Capture.URL,
		Width:        bounds.Dx(),
		Height:       bounds.Dy(),
		WaitSelector: conf.Capture.WaitSelector,
		Timeout:      conf.Capture.CaptureTimeout(),
	})
	if err != nil {
		return err
	}
	if err := session.Draw(img, image.Point{}); err != nil {
		return err
	}
	return session.Blit(ctx, bounds)
}

func parseFlags() flagConfig {
	var cfg flagConfig

	flag.StringVar(&cfg.configPath, "config", "/etc/udlblit/config.yaml", "Path to config file")
	flag.StringVar(&cfg.listen, "listen", "", "HTTP listen address (overrides config if set)")
	flag.BoolVar(&cfg.once, "once", false, "Run one capture+blit cycle and exit")

	flag.Parse()

	return cfg
}
