// Package agent wires the cooler session to schedules, scripts, and the
// telemetry outputs, and keeps the device connected.
package agent

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"kraken-controller/internal/config"
	"kraken-controller/internal/core"
	"kraken-controller/internal/hid"
	"kraken-controller/internal/kraken"
	"kraken-controller/internal/lua"
	"kraken-controller/internal/mqtt"
	"kraken-controller/internal/scheduler"
	"kraken-controller/internal/server"
)

type Agent struct {
	ctx    context.Context
	cancel context.CancelFunc
	config *config.Config
	wg     sync.WaitGroup

	state          *core.State
	eventBus       *core.EventBus
	commandChannel core.CommandChannel

	open       kraken.Opener
	deviceOpts []kraken.Option
	deviceType kraken.DeviceType

	pollInterval time.Duration
	retryDelay   time.Duration

	devMu  sync.RWMutex
	device *kraken.Device

	transportMu sync.Mutex
	transport   kraken.Transport

	disconnectChan chan struct{}

	luaEngine  *lua.Engine
	scheduler  *scheduler.Scheduler
	server     *server.Server
	mqttClient *mqtt.Client
}

// Option adjusts an Agent before it starts.
type Option func(*Agent)

// WithOpener replaces the USB HID transport.
func WithOpener(open kraken.Opener) Option {
	return func(a *Agent) { a.open = open }
}

func NewAgent(cfg *config.Config, opts ...Option) (*Agent, error) {
	dt, err := kraken.ParseDeviceType(cfg.Device.Type)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())

	a := &Agent{
		ctx:            ctx,
		cancel:         cancel,
		config:         cfg,
		state:          core.NewState(),
		eventBus:       core.NewEventBus(),
		commandChannel: make(core.CommandChannel, 20),
		open:           hidOpener(cfg.Device),
		deviceType:     dt,
		pollInterval:   config.Duration(cfg.Device.PollInterval),
		retryDelay:     config.Duration(cfg.Device.RetryDelay),
		disconnectChan: make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.pollInterval <= 0 {
		a.pollInterval = 2 * time.Second
	}

	layout := kraken.DefaultLayout
	if off := cfg.Device.PumpRPMOffset; off != nil {
		layout.PumpRPM = *off
	}
	if off := cfg.Device.FanRPMOffset; off != nil {
		layout.FanRPM = *off
	}
	a.deviceOpts = []kraken.Option{
		kraken.WithDeviceType(dt),
		kraken.WithOverrideInterval(config.Duration(cfg.Device.OverrideInterval)),
		kraken.WithFirmwareTimeout(config.Duration(cfg.Device.FirmwareTimeout)),
		kraken.WithLayout(layout),
		kraken.WithOverrideErrorHandler(a.onOverrideError),
	}

	// Startup settings become the first desired state; they are written on
	// every connect.
	a.state.SetConnection(false, dt.String(), "", "")
	a.state.SetPumpDuty(cfg.Startup.PumpSpeed)
	a.state.SetFanDuty(cfg.Startup.FanSpeed)
	for _, e := range cfg.Startup.Effects {
		ch, err := kraken.ParseChannel(e.Channel)
		if err != nil {
			cancel()
			return nil, fmt.Errorf("startup effect: %w", err)
		}
		a.state.SetEffect(ch.String(), core.EffectPayload{Mode: e.Mode, Speed: e.Speed, Colors: e.Colors})
	}

	a.luaEngine = lua.NewEngine(a, cfg.PatternsDir, a.eventBus)

	a.scheduler = scheduler.NewScheduler(a.commandChannel)
	for _, s := range cfg.Schedules {
		if _, err := a.scheduler.Add(s.Spec, s.Command); err != nil {
			a.luaEngine.Close()
			cancel()
			return nil, fmt.Errorf("schedule '%s' '%s': %w", s.Spec, s.Command, err)
		}
	}

	a.server = server.NewServer(
		server.Sources{
			State:     a.state.Clone,
			Patterns:  a.luaEngine.PatternList,
			Schedules: a.scheduler.GetAll,
		},
		cfg.Server.Port,
		cfg.Server.WebFilesDir,
		cfg.Server.AllowedOrigins,
	)

	a.mqttClient = mqtt.NewClient(cfg.MQTT, dt.String())

	return a, nil
}

// hidOpener opens the cooler over USB HID.
func hidOpener(cfg config.DeviceConfig) kraken.Opener {
	return func(ctx context.Context) (kraken.Transport, error) {
		d, err := hid.Open(ctx, hid.Options{
			VendorID:       cfg.VendorID,
			ProductID:      cfg.ProductID,
			Serial:         cfg.Serial,
			ReadTimeout:    config.Duration(cfg.ReadTimeout),
			WriteRateLimit: cfg.WriteRateLimit,
			WriteRateBurst: cfg.WriteRateBurst,
		})
		if err != nil {
			return nil, err
		}
		return d, nil
	}
}

// Run starts the agent orchestration loop. It returns after Shutdown.
func (a *Agent) Run() {
	go a.listenEvents()

	if a.mqttClient != nil {
		go func() {
			if err := a.mqttClient.Connect(); err != nil {
				log.Printf("[Agent] MQTT Setup Error: %v", err)
			}
		}()
		go a.mqttClient.Run(a.ctx, a.eventBus, a.state.Clone)
	}

	a.wg.Add(1)
	go a.runDevice()

	a.scheduler.Start()

	a.server.Start(a.ctx, a.eventBus)
	log.Printf("[Agent] Running on http://localhost:%s", a.config.Server.Port)
	go func() {
		if err := a.server.ListenAndServe(); err != nil {
			log.Printf("[Agent] Server error: %v", err)
		}
	}()

	log.Println("[Agent] Orchestrator ready.")
	for {
		select {
		case <-a.ctx.Done():
			log.Println("[Agent] Orchestrator shutting down...")
			return
		case cmd := <-a.commandChannel:
			a.handleCommand(cmd)
		}
	}
}

// listenEvents keeps the central state in step with the Lua engine.
func (a *Agent) listenEvents() {
	sub := a.eventBus.Subscribe(core.PatternChangedEvent)
	defer a.eventBus.Unsubscribe(sub, core.PatternChangedEvent)

	for {
		select {
		case <-a.ctx.Done():
			return
		case event := <-sub:
			if p, ok := event.Payload.(core.PatternPayload); ok {
				a.state.SetRunningPattern(p.Name)
			}
		}
	}
}

// State returns a snapshot of the agent's state.
func (a *Agent) State() core.State {
	return a.state.Clone()
}

func (a *Agent) Shutdown() {
	a.scheduler.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = a.server.Shutdown(shutdownCtx)

	a.luaEngine.Close()
	if a.mqttClient != nil {
		a.mqttClient.Disconnect()
	}
	a.cancel()
	a.wg.Wait()

	a.devMu.Lock()
	dev := a.device
	a.devMu.Unlock()
	if dev != nil {
		if err := dev.Close(); err != nil {
			log.Printf("[Agent] Device close error: %v", err)
		}
	}
}
