// Command graspgate runs the perception-to-actuation core: it ingests
// detection frames from the event bus, classifies and arbitrates them, and
// answers grasp-target polls on the CAN control bus.
package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/halcyon-robotics/graspgate/internal/canbus"
	"github.com/halcyon-robotics/graspgate/internal/config"
	"github.com/halcyon-robotics/graspgate/internal/eventbus"
	"github.com/halcyon-robotics/graspgate/internal/monitor"
	"github.com/halcyon-robotics/graspgate/internal/monitoring"
	"github.com/halcyon-robotics/graspgate/internal/percept"
	"github.com/halcyon-robotics/graspgate/internal/percept/decision"
	"github.com/halcyon-robotics/graspgate/internal/percept/pipeline"
	"github.com/halcyon-robotics/graspgate/internal/store"
)

var (
	configPath = flag.String("config", "", "Path to JSON config file (defaults apply when empty)")
	listen     = flag.String("listen", "", "Listen address override for the status server")
	devMode    = flag.Bool("dev", false, "Use a mock CAN port instead of real hardware")
	verbose    = flag.Int("v", 1, "Log verbosity: 0 ops, 1 diag, 2 trace")
)

func logWriters(level int) monitoring.LogWriters {
	w := monitoring.LogWriters{Ops: os.Stderr}
	if level >= 1 {
		w.Diag = os.Stderr
	}
	if level >= 2 {
		w.Trace = os.Stderr
	}
	return w
}

func loadConfig() *config.Config {
	if *configPath == "" {
		return &config.Config{}
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	return cfg
}

func main() {
	flag.Parse()
	monitoring.SetLogWriters(logWriters(*verbose))

	cfg := loadConfig()
	if ids := cfg.DeviceIDs(); len(ids) > 0 {
		monitoring.Opsf("configured devices: %v", ids)
	}
	addr := cfg.GetListenAddr()
	if *listen != "" {
		addr = *listen
	}

	bus := eventbus.New()
	defer bus.Close()

	engine, err := decision.New(cfg.DecisionConfig(), func(w percept.ProximityWarning) {
		if err := bus.Publish(eventbus.EventProximityWarning, w, false); err != nil {
			monitoring.Opsf("failed to publish proximity warning: %v", err)
		}
	})
	if err != nil {
		log.Fatalf("failed to build decision engine: %v", err)
	}

	orchestrator, err := pipeline.New(cfg.PipelineConfig(), bus,
		pipeline.IdentityTransform{}, pipeline.PassthroughFilter{}, engine)
	if err != nil {
		log.Fatalf("failed to build pipeline: %v", err)
	}

	db, err := store.Open(cfg.GetDBPath())
	if err != nil {
		log.Fatalf("failed to open event database: %v", err)
	}
	defer db.Close()

	recorder := store.NewRecorder(db, bus)
	defer recorder.Close()

	var wg sync.WaitGroup
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Control bus responder. Disabled unless a serial port is configured or
	// dev mode substitutes a mock.
	var port canbus.Porter
	if *devMode {
		port = canbus.NewMockPort()
	} else if path := cfg.GetSerialPort(); path != "" {
		port, err = canbus.OpenPort(path, cfg.GetBaudRate())
		if err != nil {
			log.Fatalf("failed to open CAN port: %v", err)
		}
	}
	if port != nil {
		responder := canbus.NewResponder(cfg.ResponderConfig(), port, engine)
		bus.Subscribe(eventbus.EventProximityWarning, responder.HandleWarning)

		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := responder.Run(ctx); err != nil && err != context.Canceled {
				monitoring.Opsf("CAN responder stopped: %v", err)
			}
			monitoring.Opsf("CAN responder terminated")
		}()
		// A blocking port read only unblocks on close.
		go func() {
			<-ctx.Done()
			port.Close()
		}()
	}

	if !orchestrator.Start() {
		log.Fatal("failed to start pipeline worker")
	}
	defer orchestrator.Shutdown(5 * time.Second)

	// Status and admin HTTP server.
	wg.Add(1)
	go func() {
		defer wg.Done()
		server := &http.Server{
			Addr:    addr,
			Handler: monitor.NewServer(engine, orchestrator, bus, db, cfg.GetDBPath()).ServeMux(),
		}
		go func() {
			monitoring.Opsf("status server listening on %s", addr)
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Fatalf("failed to start status server: %v", err)
			}
		}()

		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			monitoring.Opsf("status server shutdown error: %v", err)
		}
		monitoring.Opsf("status server stopped")
	}()

	wg.Wait()
	monitoring.Opsf("graceful shutdown complete")
}
