// Adslink - ADS/TwinCAT Gateway
//
// A headless bridge that connects to a Beckhoff TwinCAT PLC over
// ADS/AMS, mirrors typed variables as entities, and republishes them
// via MQTT (Home Assistant discovery), Valkey, Kafka, and a REST API.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"adslink/ads"
	"adslink/bridge"
	"adslink/config"
	"adslink/entity"
	"adslink/kafka"
	"adslink/logging"
	"adslink/mqtt"
	"adslink/transport"
	"adslink/valkey"
	"adslink/web"
)

// Version is set at build time via -ldflags
var Version = "dev"

// Command line flags
var (
	configPath  = flag.String("config", config.DefaultPath(), "Path to configuration file")
	showVersion = flag.Bool("version", false, "Show version and exit")
	httpPort    = flag.Int("p", 0, "HTTP listen port (overrides config)")
	httpHost    = flag.String("host", "", "HTTP bind address (overrides config)")
	apiToken    = flag.String("api-token", "", "Set the REST API bearer token (saves hash to config)")
	logDebug    = flag.String("log-debug", "", "Enable debug logging (subsystem filter, or 'all')")
)

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Printf("adslink %s\n", Version)
		os.Exit(0)
	}

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	// Handle --api-token: store the bcrypt hash and save
	if *apiToken != "" {
		if err := cfg.SetAPIToken(*apiToken); err != nil {
			fmt.Fprintf(os.Stderr, "Error hashing API token: %v\n", err)
			os.Exit(1)
		}
		if err := cfg.Save(*configPath); err != nil {
			fmt.Fprintf(os.Stderr, "Error saving config: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("API token updated")
	}

	// Ephemeral overrides
	if *httpHost != "" {
		cfg.Web.Host = *httpHost
	}
	if *httpPort != 0 {
		cfg.Web.Port = *httpPort
	}

	debugLogger := setupDebugLogging(cfg)
	if debugLogger != nil {
		defer debugLogger.Close()
	}

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid config: %v\n", err)
		os.Exit(1)
	}

	addr, err := cfg.Device.Address()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid device address: %v\n", err)
		os.Exit(1)
	}

	tr := &transport.AmsTransport{}
	if cfg.Device.SourceAmsNetID != "" {
		source, err := ads.ParseAmsNetId(cfg.Device.SourceAmsNetID)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Invalid source AMS net id: %v\n", err)
			os.Exit(1)
		}
		tr.SourceNetId = source
	}

	hub := bridge.NewHub(tr, addr, hubOptions(cfg)...)

	// Build entities from config
	registry := entity.NewRegistry()
	ehub := entity.WrapHub(hub)
	for i := range cfg.Entities {
		e, err := buildEntity(ehub, cfg, &cfg.Entities[i])
		if err != nil {
			fmt.Fprintf(os.Stderr, "Warning: skipping entity %q: %v\n", cfg.Entities[i].Name, err)
			continue
		}
		if err := registry.Add(e); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: skipping entity %q: %v\n", cfg.Entities[i].Name, err)
			e.Close()
		}
	}

	// Republishers
	var mqttBridge *mqtt.Bridge
	if cfg.MQTT.Enabled {
		mqttBridge = mqtt.NewBridge(&cfg.MQTT, registry)
		if err := mqttBridge.Start(); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: MQTT bridge failed to start: %v\n", err)
			mqttBridge = nil
		}
	}

	var valkeyCache *valkey.Cache
	if cfg.Valkey.Enabled {
		valkeyCache = valkey.NewCache(&cfg.Valkey, registry)
		if err := valkeyCache.Start(); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: Valkey cache failed to start: %v\n", err)
			valkeyCache = nil
		}
	}

	var kafkaEmitter *kafka.Emitter
	if cfg.Kafka.Enabled {
		kafkaEmitter = kafka.NewEmitter(kafka.NewProducer(&cfg.Kafka), registry)
		if err := kafkaEmitter.Start(); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: Kafka emitter failed to start: %v\n", err)
			kafkaEmitter = nil
		}
	}

	var webServer *web.Server
	if cfg.Web.Enabled {
		webServer = web.NewServer(cfg, *configPath, hub, registry)
		if err := webServer.Start(); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: Web server failed to start: %v\n", err)
			webServer = nil
		}
	}

	// Fan connection state out to the health surfaces
	removeState := hub.OnStateChange(func(state bridge.State) {
		lastErr := hub.LastError()
		if valkeyCache != nil {
			go valkeyCache.PublishHealth(state, lastErr)
		}
		if kafkaEmitter != nil {
			go kafkaEmitter.EmitHealth(state, lastErr)
		}
	})

	// Connect in the background, retrying until the device answers.
	stopConnect := make(chan struct{})
	go connectLoop(hub, stopConnect)

	var watchdog *bridge.Watchdog
	if cfg.Device.MonitorVar != "" {
		spec := ads.VariableSpec{Name: cfg.Device.MonitorVar, Type: ads.TypeBool}
		watchdog = bridge.NewWatchdog(hub, spec, cfg.Device.MonitorInterval)
		watchdog.Start()
	}

	fmt.Printf("adslink %s running (config %s). Press Ctrl+C to stop.\n", Version, *configPath)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	fmt.Printf("\nReceived %v, shutting down...\n", sig)

	// Graceful shutdown
	shutdownDone := make(chan struct{})
	go func() {
		close(stopConnect)
		removeState()
		if watchdog != nil {
			watchdog.Stop()
		}
		if webServer != nil {
			webServer.Stop()
		}
		if mqttBridge != nil {
			mqttBridge.Stop()
		}
		if kafkaEmitter != nil {
			kafkaEmitter.Stop()
		}
		if valkeyCache != nil {
			valkeyCache.Stop()
		}
		registry.Close()
		hub.Close()
		close(shutdownDone)
	}()

	select {
	case <-shutdownDone:
	case <-time.After(5 * time.Second):
	}

	fmt.Println("Stopped")
}

// setupDebugLogging installs the global debug logger from the flag or
// the config's debug block. The flag wins.
func setupDebugLogging(cfg *config.Config) *logging.DebugLogger {
	filter := *logDebug
	file := "debug.log"
	if filter == "" && cfg.Debug.Enabled {
		filter = cfg.Debug.Filter
		if filter == "" {
			filter = "all"
		}
		if cfg.Debug.File != "" {
			file = cfg.Debug.File
		}
	}
	if filter == "" {
		return nil
	}
	if filter == "all" || filter == "true" || filter == "1" {
		filter = ""
	}

	logger, err := logging.NewDebugLogger(file)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: Failed to open debug log: %v\n", err)
		return nil
	}
	logger.SetFilter(filter)
	logging.SetGlobalDebugLogger(logger)
	return logger
}

// hubOptions translates the device config into hub options.
func hubOptions(cfg *config.Config) []bridge.Option {
	var opts []bridge.Option
	if cfg.Device.ConnectTimeout > 0 {
		opts = append(opts, bridge.WithConnectTimeout(cfg.Device.ConnectTimeout))
	}
	if cfg.Device.RequestTimeout > 0 {
		opts = append(opts, bridge.WithRequestTimeout(cfg.Device.RequestTimeout))
	}
	if cfg.Device.MaxRetries > 0 {
		opts = append(opts, bridge.WithMaxRetries(cfg.Device.MaxRetries))
	}
	if cfg.PollRate > 0 {
		opts = append(opts, bridge.WithPollInterval(cfg.PollRate))
	}
	if cfg.Device.Notifications != nil {
		opts = append(opts, bridge.WithNotifications(*cfg.Device.Notifications))
	}
	return opts
}

// connectLoop drives the initial connection, retrying until it lands
// or shutdown starts. Once a session exists the hub's own reconnect
// machinery owns recovery.
func connectLoop(hub *bridge.Hub, stop <-chan struct{}) {
	for {
		err := hub.Connect()
		if err == nil {
			return
		}
		fmt.Fprintf(os.Stderr, "Connect failed: %v (retrying in 10s)\n", err)

		select {
		case <-stop:
			return
		case <-time.After(10 * time.Second):
		}
	}
}

// buildEntity constructs the configured entity kind over the hub.
func buildEntity(hub entity.Hub, cfg *config.Config, ec *config.EntityConfig) (entity.Entity, error) {
	t, err := ec.AdsType()
	if err != nil {
		return nil, err
	}
	// Boolean entity kinds default their primary variable to bool when
	// no adstype is declared.
	if ec.VarType == "" {
		switch ec.Kind() {
		case entity.KindBinarySensor, entity.KindSwitch, entity.KindLight, entity.KindValve:
			t = ads.TypeBool
		}
	}
	spec := ec.SpecFor(ec.Var, t)
	if spec.PollInterval == 0 {
		spec.PollInterval = cfg.PollRate
	}

	optional := func(name string, t ads.Type) *ads.VariableSpec {
		if name == "" {
			return nil
		}
		s := ec.SpecFor(name, t)
		if s.PollInterval == 0 {
			s.PollInterval = cfg.PollRate
		}
		return &s
	}

	switch ec.Kind() {
	case entity.KindSensor:
		return entity.NewSensor(hub, entity.SensorConfig{
			ID:     ec.ID,
			Name:   ec.Name,
			Var:    spec,
			Factor: ec.Factor,
			Unit:   ec.Unit,
		})

	case entity.KindBinarySensor:
		return entity.NewBinarySensor(hub, entity.BinarySensorConfig{
			ID:   ec.ID,
			Name: ec.Name,
			Var:  spec,
		})

	case entity.KindSwitch:
		return entity.NewSwitch(hub, entity.SwitchConfig{
			ID:   ec.ID,
			Name: ec.Name,
			Var:  spec,
		})

	case entity.KindLight:
		bt := ads.TypeByte
		if ec.BrightnessType != "" {
			t, ok := ads.ParseType(ec.BrightnessType)
			if !ok {
				return nil, fmt.Errorf("unknown brightness adstype %q", ec.BrightnessType)
			}
			bt = t
		}
		return entity.NewLight(hub, entity.LightConfig{
			ID:            ec.ID,
			Name:          ec.Name,
			EnableVar:     spec,
			BrightnessVar: optional(ec.BrightnessVar, bt),
		})

	case entity.KindCover:
		c := entity.CoverConfig{
			ID:             ec.ID,
			Name:           ec.Name,
			PositionVar:    optional(ec.PositionVar, ads.TypeInt),
			SetPositionVar: optional(ec.SetPositionVar, ads.TypeInt),
			OpenVar:        optional(ec.OpenVar, ads.TypeBool),
			CloseVar:       optional(ec.CloseVar, ads.TypeBool),
			StopVar:        optional(ec.StopVar, ads.TypeBool),
		}
		if ec.Var != "" {
			c.IsClosedVar = optional(ec.Var, ads.TypeBool)
		}
		return entity.NewCover(hub, c)

	case entity.KindValve:
		return entity.NewValve(hub, entity.ValveConfig{
			ID:   ec.ID,
			Name: ec.Name,
			Var:  spec,
		})

	case entity.KindSelect:
		return entity.NewSelect(hub, entity.SelectConfig{
			ID:      ec.ID,
			Name:    ec.Name,
			Var:     spec,
			Options: ec.Options,
		})
	}

	return nil, fmt.Errorf("unknown entity type %q", ec.Type)
}
