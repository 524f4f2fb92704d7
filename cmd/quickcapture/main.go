package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/hayesraffle/QuickCapture/internal/config"
	"github.com/hayesraffle/QuickCapture/internal/debug"
	"github.com/hayesraffle/QuickCapture/internal/hw/camera"
	"github.com/hayesraffle/QuickCapture/internal/hw/gpio"
	"github.com/hayesraffle/QuickCapture/internal/hw/panel"
	"github.com/hayesraffle/QuickCapture/internal/logic/capture"
	"github.com/hayesraffle/QuickCapture/internal/session"
	"github.com/hayesraffle/QuickCapture/internal/store"
	"github.com/hayesraffle/QuickCapture/internal/telemetry"
	"github.com/hayesraffle/QuickCapture/internal/web"
)

const defaultWebPort = 8080

func main() {
	webPort := &webPortFlag{defaultPort: defaultWebPort}
	flags := pflag.NewFlagSet("quickcapture", pflag.ExitOnError)
	flags.Var(webPort, "web", "start the web remote on port; --web alone uses 8080")
	flags.Lookup("web").NoOptDefVal = strconv.Itoa(defaultWebPort)
	cfgPath := flags.String("config", filepath.Join("configs", "default.yaml"), "path to config file")
	debugLevel := flags.Int("debug", -1, "override debug level (0-4)")
	prefix := flags.String("prefix", "", "override the file name prefix")
	_ = flags.Parse(os.Args[1:])

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	cfg, err := loadConfig(*cfgPath)
	if err != nil {
		log.Fatalf("load config failed: %v", err)
	}
	if err := applyOverrides(cfg, *debugLevel, *prefix, webPort.port()); err != nil {
		log.Fatalf("invalid flag: %v", err)
	}

	if err := run(ctx, cfg); err != nil {
		log.Fatalf("quickcapture: %v", err)
	}
}

// loadConfig reads path, falling back to the built-in defaults when the
// file does not exist.
func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if errors.Is(err, os.ErrNotExist) {
		log.Printf("config %s not found, using defaults", path)
		return config.Default(), nil
	}
	return cfg, err
}

// applyOverrides applies command line values on top of cfg. A negative
// debug level, an empty prefix and a zero port leave cfg unchanged.
func applyOverrides(cfg *config.Config, debugLevel int, prefix string, port int) error {
	if debugLevel >= 0 {
		if debugLevel > 4 {
			return fmt.Errorf("debug level must be 0-4, got %d", debugLevel)
		}
		cfg.Defaults.DebugLevel = debugLevel
	}
	if prefix != "" {
		cfg.Output.Prefix = prefix
	}
	if port > 0 {
		cfg.Web.Port = port
	}
	return nil
}

func run(ctx context.Context, cfg *config.Config) error {
	debug.Init(cfg.Defaults.DebugLevel)
	debug.Section("Initialization")
	debug.Value("Camera type", cfg.Camera.Type)
	debug.Value("Mock GPIO", cfg.Defaults.MockGPIO)
	debug.Value("Save dir", cfg.Output.SaveDir)

	var broadcaster *web.StatusBroadcaster
	if cfg.Web.Port > 0 {
		broadcaster = web.NewStatusBroadcaster()
		debug.SetOutput(io.MultiWriter(os.Stdout, web.BroadcastWriter(broadcaster)))
	}

	mp, stopTelemetry, err := telemetry.Init(ctx, telemetry.Config{
		Endpoint:     cfg.Telemetry.OTLPEndpoint,
		ExportPeriod: cfg.ExportPeriod(),
		Insecure:     true,
	})
	if err != nil {
		return err
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := stopTelemetry(flushCtx); err != nil {
			log.Printf("telemetry: %v", err)
		}
	}()
	metrics, err := session.NewMetrics(mp)
	if err != nil {
		return fmt.Errorf("create metrics: %w", err)
	}

	st, err := store.New(cfg.Output.SaveDir)
	if err != nil {
		return err
	}
	saver := newFileSaver(st, broadcaster)
	defer saver.wait()

	gpioDriver, err := gpio.NewDriver(cfg.Defaults.MockGPIO)
	if err != nil {
		return fmt.Errorf("init GPIO failed: %w", err)
	}
	defer func() {
		if err := gpioDriver.Close(); err != nil {
			log.Printf("closing GPIO driver failed: %v", err)
		}
	}()

	connector, err := newConnectorFromConfig(cfg)
	if err != nil {
		return err
	}

	frames := web.NewFrameHub()
	settings := web.NewSettings(cfg.Output.Prefix)

	sess := session.New(cfg.SessionConfig(), connector, session.Callbacks{
		OnFrame: func(f session.Frame) { frames.Publish(f.Data) },
		OnStatus: func(msg string, persistent bool) {
			if broadcaster != nil {
				broadcaster.Status(msg, persistent)
			}
		},
		OnFileReceived: saver.save,
		OnDisconnected: func() {
			debug.Info("Camera disconnected")
			if broadcaster != nil {
				broadcaster.Status(session.MsgDisconnected, true)
			}
		},
		Prefix:   settings.Prefix,
		Rotation: settings.Rotation,
	}, session.WithMetrics(metrics))

	captureCfg := cfg.CaptureConfig()
	pedal, err := panel.New(gpioDriver, panel.Config{
		PedalPin:    cfg.Panel.PedalPin,
		LEDPin:      cfg.Panel.LEDPin,
		Debounce:    cfg.PanelDebounce(),
		Poll:        cfg.PanelPoll(),
		BlinkPeriod: cfg.BlinkPeriod(),
	}, func() {
		sess.Submit(capture.NewRelease(captureCfg, sess.DeliverRotated(settings.Rotation())))
	})
	if err != nil {
		return fmt.Errorf("init panel failed: %w", err)
	}
	sess.OnStateChange(pedal.StateChanged)

	g, gctx := errgroup.WithContext(ctx)
	if pedal.Enabled() {
		g.Go(func() error { return pedal.Run(gctx) })
	}
	if cfg.Web.Port > 0 {
		srv, err := web.NewServer(fmt.Sprintf(":%d", cfg.Web.Port), web.Deps{
			Broadcaster: broadcaster,
			Frames:      frames,
			Session:     sess,
			Settings:    settings,
			Capture:     captureCfg,
			Deliver:     sess.DeliverRotated,
			Remote: web.RemoteConfig{
				SaveDir:       st.Dir(),
				PreviewMaxFPS: cfg.Web.PreviewMaxFPS,
			},
		})
		if err != nil {
			return fmt.Errorf("create web server: %w", err)
		}
		g.Go(func() error { return srv.Run(gctx) })
	}

	debug.Section("Session")
	sess.Start()
	g.Go(func() error {
		<-gctx.Done()
		debug.Info("Shutting down")
		return sess.Shutdown()
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// newConnectorFromConfig selects a camera backend based on configuration.
func newConnectorFromConfig(cfg *config.Config) (camera.Connector, error) {
	switch cfg.Camera.Type {
	case "simulator":
		return camera.NewSimulator(cfg.SimulatorConfig()), nil
	default:
		return nil, fmt.Errorf("unsupported camera type: %s", cfg.Camera.Type)
	}
}

// fileSaver writes received files off the dispatcher goroutine.
type fileSaver struct {
	st          *store.Store
	broadcaster *web.StatusBroadcaster
	wg          sync.WaitGroup
}

func newFileSaver(st *store.Store, b *web.StatusBroadcaster) *fileSaver {
	return &fileSaver{st: st, broadcaster: b}
}

func (s *fileSaver) save(f session.SavedFile) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		path, err := s.st.Save(f)
		if err != nil {
			debug.Error(err)
			s.notify(fmt.Sprintf("Save failed: %v", err))
			return
		}
		debug.Info("Saved %s", path)
		s.notify("Saved " + filepath.Base(path))
	}()
}

func (s *fileSaver) notify(msg string) {
	if s.broadcaster != nil {
		s.broadcaster.Status(msg, false)
	}
}

// wait blocks until every queued write has finished.
func (s *fileSaver) wait() { s.wg.Wait() }

// webPortFlag implements pflag.Value for --web: 0 = disabled,
// --web or --web=8080 → 8080, --web=8980 → 8980.
type webPortFlag struct {
	val         int
	defaultPort int
}

func (w *webPortFlag) String() string {
	if w.val == 0 {
		return "0"
	}
	return strconv.Itoa(w.val)
}

func (w *webPortFlag) Set(s string) error {
	if s == "" {
		w.val = w.defaultPort
		return nil
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return err
	}
	if v <= 0 || v > 65535 {
		return fmt.Errorf("port must be 1-65535, got %d", v)
	}
	w.val = v
	return nil
}

func (w *webPortFlag) Type() string { return "port" }

func (w *webPortFlag) port() int { return w.val }
