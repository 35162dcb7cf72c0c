// Command groundstationd runs the ground station server: the SDR pipeline,
// the event channel for browser clients, satellite tracking, and the
// observation scheduler.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/cwsl/groundstation/internal/config"
	"github.com/cwsl/groundstation/internal/eventrouter"
	"github.com/cwsl/groundstation/internal/metrics"
	"github.com/cwsl/groundstation/internal/mqttpub"
	"github.com/cwsl/groundstation/internal/procman"
	"github.com/cwsl/groundstation/internal/scheduler"
	"github.com/cwsl/groundstation/internal/sdrworker"
	"github.com/cwsl/groundstation/internal/session"
	"github.com/cwsl/groundstation/internal/store"
	"github.com/cwsl/groundstation/internal/tracker"
	"github.com/cwsl/groundstation/internal/vfo"
)

func main() {
	var (
		configPath    = pflag.String("config", "", "Path to the YAML configuration file")
		host          = pflag.String("host", "", "Listen address (overrides config)")
		port          = pflag.Int("port", 0, "Listen port (overrides config)")
		dbPath        = pflag.String("db", "", "Path to the embedded database (overrides config)")
		logLevel      = pflag.String("log-level", "", "Log level: error, warn, info, debug")
		logConfig     = pflag.String("log-config", "", "Path to per-component log level overrides (YAML)")
		secretKey     = pflag.String("secret-key", "", "JWT signing key (overrides config)")
		trackInterval = pflag.Int("track-interval", 0, "Tracker poll interval in seconds")
		enableSoapy   = pflag.Bool("enable-soapy-discovery", false, "Probe configured SoapySDR network servers periodically")
		runonceSoapy  = pflag.Bool("runonce-soapy-discovery", false, "Probe configured SoapySDR network servers once, print, and exit")
	)
	pflag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("fatal: %v", err)
	}
	applyFlagOverrides(cfg, *host, *port, *dbPath, *logLevel, *secretKey, *trackInterval)
	logOverrides := *logConfig
	if logOverrides == "" {
		logOverrides = cfg.Logging.ConfigPath
	}
	if err := cfg.LoadLogOverrides(logOverrides); err != nil {
		log.Fatalf("fatal: %v", err)
	}

	logger := log.New(os.Stderr, "", log.LstdFlags)

	if *runonceSoapy {
		discoverSoapy(cfg, logger)
		return
	}

	if err := run(cfg, *enableSoapy, logger); err != nil {
		logger.Fatalf("fatal: %v", err)
	}
}

func applyFlagOverrides(cfg *config.Config, host string, port int, dbPath, logLevel, secretKey string, trackInterval int) {
	if host != "" {
		cfg.Server.Host = host
	}
	if port != 0 {
		cfg.Server.Port = port
	}
	if dbPath != "" {
		cfg.Database.Path = dbPath
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	if secretKey != "" {
		cfg.Server.SecretKey = secretKey
	}
	if trackInterval > 0 {
		cfg.Tracker.IntervalSeconds = trackInterval
	}
}

// discoverSoapy probes each configured SoapySDR network endpoint with a
// plain TCP dial and reports reachability.
func discoverSoapy(cfg *config.Config, logger *log.Logger) {
	if len(cfg.Soapy.Hosts) == 0 {
		logger.Println("soapy discovery: no hosts configured")
		return
	}
	for _, hostport := range cfg.Soapy.Hosts {
		conn, err := net.DialTimeout("tcp", hostport, 3*time.Second)
		if err != nil {
			logger.Printf("soapy discovery: %s unreachable: %v", hostport, err)
			continue
		}
		conn.Close()
		logger.Printf("soapy discovery: %s reachable", hostport)
	}
}

func run(cfg *config.Config, enableSoapy bool, logger *log.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for _, dir := range []string{cfg.Recording.IQDir, cfg.Recording.AudioDir, cfg.Tracker.DataDir} {
		if dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return fmt.Errorf("failed to create %s: %w", dir, err)
			}
		}
	}

	m := metrics.New()
	m.StartResourceLoop(ctx, 15*time.Second)

	geoip, err := session.NewGeoIP(cfg.GeoIP.DatabasePath)
	if err != nil {
		return err
	}
	defer geoip.Close()

	sessions, err := session.NewManager(geoip, logger)
	if err != nil {
		return err
	}
	vfos := vfo.NewManager()

	router := eventrouter.New(
		func(id string) bool { _, ok := sessions.Get(id); return ok },
		nil, logger)

	pm := procman.New(vfos, sessions, router, m, procman.Options{
		AudioQueueCapacity:   cfg.Audio.BufferSize,
		AudioSampleRateHz:    float64(cfg.Audio.SampleRate),
		DeemphasisTauSeconds: float64(cfg.Audio.DeemphasisUs) * 1e-6,
		PilotThreshold:       cfg.Audio.PilotThreshold,
		IQDir:                cfg.Recording.IQDir,
		AudioDir:             cfg.Recording.AudioDir,
	}, logger)
	pm.StartSnapshotLoop(ctx)
	pm.StartSystemInfoLoop(ctx, 10*time.Second)

	// The relational store holding locations/satellites/TLEs is an
	// external collaborator; the in-memory implementation backs a
	// single-process deployment.
	st := store.NewMemStore()
	logger.Printf("store: using in-memory store (db path %s reserved for the SQL layer)", cfg.Database.Path)

	var mqtt *mqttpub.Publisher
	if cfg.MQTT.Enabled {
		mqtt, err = mqttpub.New(mqttpub.Options{
			Broker:          cfg.MQTT.Broker,
			Username:        cfg.MQTT.Username,
			Password:        cfg.MQTT.Password,
			TopicPrefix:     cfg.MQTT.TopicPrefix,
			PublishInterval: time.Duration(cfg.MQTT.PublishInterval) * time.Second,
		}, m.Gatherer(), logger)
		if err != nil {
			return err
		}
		defer mqtt.Disconnect()
		mqtt.StartMetricsLoop(ctx)
	}

	startTracking(ctx, cfg, st, router, mqtt, logger)
	exec := startScheduler(ctx, cfg, st, pm, sessions, router, logger)
	registerHandlers(router, cfg, pm, vfos, sessions, st, exec)

	if enableSoapy {
		go func() {
			ticker := time.NewTicker(5 * time.Minute)
			defer ticker.Stop()
			for {
				discoverSoapy(cfg, logger)
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
				}
			}
		}()
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", router.ServeWS)
	mux.Handle("/metrics", m.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	mux.HandleFunc("/connection", func(w http.ResponseWriter, r *http.Request) {
		s := sessions.CreateUser(r.RemoteAddr, clientIP(r), r.Header.Get("User-Agent"))
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"session_id": s.ID})
	})

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	server := &http.Server{Addr: addr, Handler: mux}

	errCh := make(chan error, 1)
	go func() {
		logger.Printf("listening on %s", addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		logger.Printf("received %s, shutting down", sig)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Printf("http shutdown: %v", err)
	}
	cancel()
	return nil
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return fwd
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// startTracking launches the TLE refresh job and one tracker for the
// configured group, bridging fixes onto the event channel and MQTT.
func startTracking(ctx context.Context, cfg *config.Config, st store.Store, router *eventrouter.Router, mqtt *mqttpub.Publisher, logger *log.Logger) {
	tles := tracker.NewTLEStore(cfg.Tracker.TLEURL, cfg.Tracker.DataDir, cfg.Tracker.TLERefreshHours)
	go tles.RunPeriodicRefresh(ctx, st, func(err error) {
		logger.Printf("tracker: tle refresh: %v", err)
	})

	loc := tracker.Location{
		LatDeg: cfg.Tracker.LatitudeDeg,
		LonDeg: cfg.Tracker.LongitudeDeg,
		AltM:   cfg.Tracker.AltitudeM,
	}
	tr := tracker.New(st, loc, cfg.Tracker.GroupID,
		time.Duration(cfg.Tracker.IntervalSeconds)*time.Second,
		nil,
		func(ts store.TrackingState) {
			router.Broadcast(eventrouter.EventSatelliteTracking, ts)
			router.Broadcast(eventrouter.EventUITrackerState, map[string]any{
				"rotator_state": ts.RotatorState,
				"rig_state":     ts.RigState,
				"azimuth":       ts.AzimuthDeg,
				"elevation":     ts.ElevationDeg,
			})
			if mqtt != nil {
				mqtt.PublishTrackingState(ts)
			}
		})
	go tr.Run(ctx, func(err error) {
		logger.Printf("tracker: %v", err)
	})
}

// startScheduler launches pass generation and the observation executor.
// Returns nil when scheduling is disabled.
func startScheduler(ctx context.Context, cfg *config.Config, st store.Store, pm *procman.Manager, sessions *session.Manager, router *eventrouter.Router, logger *log.Logger) *scheduler.Executor {
	if !cfg.Scheduler.Enabled {
		return nil
	}

	sdrDefs := make(map[string]sdrworker.Config, len(cfg.SDRs))
	for _, dev := range cfg.SDRs {
		sdrDefs[dev.ID] = deviceConfig(dev)
	}

	exec := scheduler.NewExecutor(st, pm, sessions, router, scheduler.Options{
		Lead:    time.Duration(cfg.Scheduler.LeadSeconds) * time.Second,
		SDRDefs: sdrDefs,
	}, logger)
	go exec.Run(ctx)

	loc := tracker.Location{
		LatDeg: cfg.Tracker.LatitudeDeg,
		LonDeg: cfg.Tracker.LongitudeDeg,
		AltM:   cfg.Tracker.AltitudeM,
	}
	gen := scheduler.NewGenerator(st, loc,
		time.Duration(cfg.Scheduler.LookaheadHours)*time.Hour,
		cfg.Scheduler.MinElevationDeg,
		scheduler.ConflictStrategy(cfg.Scheduler.ConflictStrategy),
		logger)

	stop := make(chan struct{})
	go func() {
		<-ctx.Done()
		close(stop)
	}()
	go gen.RunPeriodic(stop, time.Duration(cfg.Scheduler.RegenerateHours)*time.Hour,
		func(noradID int) []store.SessionPlan {
			// A default plan records raw IQ on the first configured SDR;
			// richer per-satellite plans come from the data_submission bus.
			for _, dev := range cfg.SDRs {
				return []store.SessionPlan{{
					SDR:   store.SDRConfig{SDRID: dev.ID},
					Tasks: []store.Task{{Kind: "recorder"}},
				}}
			}
			return nil
		},
		func(created []store.ScheduledObservation) {
			router.Broadcast(eventrouter.EventScheduledObservationsChanged, struct{}{})
		})
	return exec
}

func deviceConfig(dev config.SDRDeviceConfig) sdrworker.Config {
	return sdrworker.Config{
		SDRID:         dev.ID,
		Driver:        sdrworker.DriverKind(dev.Driver),
		Host:          dev.Host,
		Port:          dev.Port,
		Serial:        dev.Serial,
		Antenna:       dev.Antenna,
		CenterFreqHz:  dev.CenterFreqHz,
		SampleRateHz:  dev.SampleRateHz,
		GainDb:        dev.GainDb,
		AGC:           dev.AGC,
		BiasT:         dev.BiasT,
		PPMError:      dev.PPMError,
		FFTHintSize:   dev.FFTHintSize,
		RecordingPath: dev.RecordingPath,
		LoopPlayback:  dev.LoopPlayback,
		OffsetFreqHz:  dev.OffsetFreqHz,
	}
}
