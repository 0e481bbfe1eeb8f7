package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/chaz8081/glassbridge/internal/api"
	"github.com/chaz8081/glassbridge/internal/audio"
	"github.com/chaz8081/glassbridge/internal/ble"
	"github.com/chaz8081/glassbridge/internal/clipboard"
	"github.com/chaz8081/glassbridge/internal/config"
	"github.com/chaz8081/glassbridge/internal/events"
	"github.com/chaz8081/glassbridge/internal/glasses"
	"github.com/chaz8081/glassbridge/internal/hotkey"
	"github.com/chaz8081/glassbridge/internal/update"
)

// decoder turns G1 microphone blocks into what the audio sinks receive. No
// LC3 decoder is bundled, so blocks arrive encoded.
var decoder glasses.Decoder = glasses.RawDecoder{}

func main() {
	// CLI flags
	configPath := flag.String("config", "", "path to config file (default: ~/.config/glassbridge/config.yaml)")
	initConfig := flag.Bool("init", false, "write the default config file and exit")
	forget := flag.Bool("forget", false, "forget the remembered glasses and pair again")
	noHotkeys := flag.Bool("no-hotkeys", false, "disable global hotkeys")
	flag.Parse()

	if *initConfig {
		path, err := config.WriteDefault()
		if err != nil {
			log.Fatalf("config: %v", err)
		}
		if path == "" {
			fmt.Println("Config already exists at", config.DefaultConfigPath())
		} else {
			fmt.Println("Wrote", path)
		}
		return
	}

	// Load configuration
	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	if err := cfg.Validate(); err != nil {
		log.Fatalf("config validation: %v", err)
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel(cfg.LogLevel)})))

	ids, err := config.LoadIdentities(cfg.Device.PairedFile)
	if err != nil {
		log.Fatalf("paired glasses: %v", err)
	}
	if *forget && ids.Last != "" {
		log.Printf("Forgetting glasses pair %s", ids.Last)
		ids.Forget(ids.Last)
		if err := ids.Save(cfg.Device.PairedFile); err != nil {
			log.Fatalf("paired glasses: %v", err)
		}
	}
	pairingID := cfg.Device.PairingID
	if pairingID == "" {
		pairingID = ids.Last
	}

	printBanner(cfg, pairingID)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Event sinks
	sinks := events.Multi{}
	if cfg.Events.Log {
		sinks = append(sinks, events.Log{})
	}
	if cfg.Events.Redis.Enabled {
		r := cfg.Events.Redis
		redisSink, err := events.NewRedisSink(ctx, r.Addr, r.Password, r.DB, r.Prefix)
		if err != nil {
			log.Fatalf("Failed to connect to redis: %v", err)
		}
		defer redisSink.Close()
		sinks = append(sinks, redisSink)
		log.Printf("Publishing events to redis %s (prefix %q)", r.Addr, r.Prefix)
	}

	pcm := glasses.EmitsPCM(decoder)
	var recorder *audio.Recorder
	if cfg.Audio.RecordDir != "" {
		if pcm {
			recorder = audio.NewRecorder(cfg.Audio.RecordDir, cfg.Audio.SampleRate, cfg.Audio.Channels)
			log.Printf("Recording microphone audio to %s", cfg.Audio.RecordDir)
		} else {
			recorder = audio.NewEncodedRecorder(cfg.Audio.RecordDir, "lc3")
			log.Printf("Recording LC3 microphone frames to %s", cfg.Audio.RecordDir)
		}
		defer recorder.Close()
		sinks = append(sinks, recorder)
	}
	if cfg.Audio.Monitor && !pcm {
		log.Println("Speaker monitor disabled: microphone audio is LC3 and no PCM decoder is configured")
	} else if cfg.Audio.Monitor {
		monitor, err := audio.NewMonitor(cfg.Audio.SampleRate, cfg.Audio.Channels)
		if err != nil {
			log.Fatalf("Failed to initialize audio monitor: %v", err)
		}
		if err := monitor.Start(); err != nil {
			monitor.Close()
			log.Fatalf("Failed to open speaker: %v", err)
		}
		defer monitor.Close()
		sinks = append(sinks, monitor)
		log.Println("Playing microphone audio on the speaker")
	}

	// BLE
	adapter := ble.NewTinyGoAdapter()
	var bonder ble.Bonder = ble.NopBonder{}
	if bz, err := ble.NewBlueZBonder(""); err == nil {
		defer bz.Close()
		bonder = bz
	} else {
		slog.Debug("[BLE] BlueZ bonding unavailable, relying on implicit bonds", "error", err)
	}

	g, err := glasses.New(glassesOptions(cfg, adapter, bonder, sinks, pairingID, ids))
	if err != nil {
		log.Fatalf("glasses: %v", err)
	}
	g.Connect(ctx)
	defer g.Disconnect()
	log.Printf("Looking for %s glasses...", cfg.Variant)

	// HTTP API
	if cfg.API.Enabled {
		server := api.NewServer(g)
		if err := server.Listen(cfg.API.Listen); err != nil {
			log.Fatalf("%v", err)
		}
		go func() {
			if err := server.Serve(); err != nil {
				slog.Error("[API] server stopped", "error", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			server.Shutdown(shutdownCtx)
		}()
		if cfg.API.MDNS {
			withdraw, err := api.Advertise(cfg.API.MDNSName, server.Port(), g.Variant())
			if err != nil {
				slog.Warn("[API] mdns unavailable", "error", err)
			} else {
				defer withdraw()
			}
		}
	}

	// Redis commands
	if r := cfg.Events.Redis; r.Enabled && r.Commands {
		cmds, err := api.NewRedisCommands(ctx, g, r.Addr, r.Password, r.DB, r.Prefix)
		if err != nil {
			log.Fatalf("Failed to subscribe to redis commands: %v", err)
		}
		go func() {
			if err := cmds.Run(ctx); err != nil {
				slog.Error("[API] redis commands stopped", "error", err)
			}
		}()
	}

	// Hotkeys
	var hotkeyEvents <-chan hotkey.Event
	if !*noHotkeys {
		listener := hotkey.NewListener(cfg.Hotkey.MicKeys, cfg.Hotkey.ClipboardKeys, cfg.Hotkey.Mode)
		go listener.Start()
		hotkeyEvents = listener.Events()
		log.Printf("Hotkeys ready (mic %s, %s mode; clipboard %s)",
			strings.Join(cfg.Hotkey.MicKeys, "+"), cfg.Hotkey.Mode, strings.Join(cfg.Hotkey.ClipboardKeys, "+"))
	}
	clip := clipboard.New()

	go func() {
		readyCtx, cancel := context.WithTimeout(ctx, 2*time.Minute)
		defer cancel()
		if err := g.WaitReady(readyCtx); err != nil {
			if ctx.Err() == nil {
				log.Printf("Glasses not ready yet (%v), still trying...", err)
			}
			return
		}
		log.Println("Ready! Glasses connected. Ctrl+C to quit.")
	}()

	// Main event loop
	for {
		select {
		case ev, ok := <-hotkeyEvents:
			if !ok {
				log.Println("Hotkey listener stopped")
				hotkeyEvents = nil
				continue
			}
			handleHotkey(ctx, g, recorder, clip, ev)

		case <-ctx.Done():
			log.Println("Shutting down...")
			if recorder != nil && recorder.IsRecording() {
				stopRecording(recorder)
			}
			g.Disconnect()
			log.Println("Goodbye!")
			// Exit directly to avoid gohook's C cleanup crash.
			// The OS reclaims the event hook on process exit.
			os.Exit(0)
		}
	}
}

func glassesOptions(cfg *config.Config, adapter ble.Adapter, bonder ble.Bonder, sink events.Sink, pairingID string, ids *config.Identities) glasses.Options {
	var apps []glasses.WhitelistApp
	for _, a := range cfg.Display.Whitelist {
		apps = append(apps, glasses.WhitelistApp{ID: a.ID, Name: a.Name})
	}

	upd := update.Options{
		Catalogue:   update.NewCatalogue(cfg.Update.CatalogueURL, cfg.Update.Token),
		MinBattery:  cfg.Update.MinBattery,
		BatteryWait: cfg.Update.BatteryWait,
		AckTimeout:  cfg.Update.AckTimeout,
		ConfigName:  cfg.Update.ConfigName,
	}
	if cfg.Update.CacheDir != "" {
		upd.Cache = &update.Cache{Dir: cfg.Update.CacheDir}
	}

	return glasses.Options{
		Variant:    glasses.Variant(cfg.Variant),
		Adapter:    adapter,
		Bonder:     bonder,
		Sink:       sink,
		NameFilter: cfg.Device.NameFilter,
		PairingID:  pairingID,
		OnPaired: func(id ble.PairedIdentity) {
			ids.Remember(id.PairingID, config.Pairing{
				Left:  config.PairedDevice{Name: id.Left.Name, Address: id.Left.MAC},
				Right: config.PairedDevice{Name: id.Right.Name, Address: id.Right.MAC},
			})
			if err := ids.Save(cfg.Device.PairedFile); err != nil {
				slog.Warn("[G1] saving paired glasses", "error", err)
				return
			}
			slog.Info("[G1] remembered glasses pair", "pairing_id", id.PairingID)
		},
		Link: glasses.LinkTiming{
			ScanTimeout:    cfg.Link.ScanTimeout,
			ConnectTimeout: cfg.Link.ConnectTimeout,
			ReconnectBase:  cfg.Link.ReconnectBase,
			ReconnectMax:   cfg.Link.ReconnectMax,
			Settle:         cfg.Link.Settle,
			FragmentDelay:  cfg.Link.FragmentDelay,
		},
		Decoder:           decoder,
		AggregateDebounce: cfg.Link.AggregateDebounce,
		HeartbeatInterval: cfg.Link.HeartbeatInterval,
		RequestTimeout:    cfg.Link.RequestTimeout,
		Brightness:        cfg.Display.Brightness,
		AutoBrightness:    cfg.Display.AutoBrightness,
		HeadUpAngle:       cfg.Display.HeadUpAngle,
		MicOnConnect:      cfg.Display.MicOnConnect,
		WhitelistApps:     apps,
		Update:            upd,
	}
}

func handleHotkey(ctx context.Context, g *glasses.Glasses, recorder *audio.Recorder, clip *clipboard.Clipboard, ev hotkey.Event) {
	cmdCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	switch ev.Type {
	case hotkey.EventMicOn:
		if err := g.SetMicEnabled(cmdCtx, true); err != nil {
			log.Printf("ERROR: failed to enable microphone: %v", err)
			return
		}
		if recorder != nil {
			if err := recorder.Start(); err != nil {
				log.Printf("ERROR: failed to start recording: %v", err)
			}
		}
		log.Println("Microphone on")

	case hotkey.EventMicOff:
		if err := g.SetMicEnabled(cmdCtx, false); err != nil && !errors.Is(err, glasses.ErrUnsupported) {
			log.Printf("ERROR: failed to disable microphone: %v", err)
		}
		if recorder != nil {
			stopRecording(recorder)
		}
		log.Println("Microphone off")

	case hotkey.EventClipboard:
		text, err := clip.Text()
		if errors.Is(err, clipboard.ErrEmpty) {
			log.Println("Clipboard is empty, nothing to show")
			return
		}
		if err != nil {
			log.Printf("ERROR: %v", err)
			return
		}
		if err := g.SendTextPage(cmdCtx, text); err != nil {
			log.Printf("ERROR: failed to show clipboard: %v", err)
			return
		}
		log.Printf("Showing clipboard (%d chars)", len([]rune(text)))
	}
}

func stopRecording(recorder *audio.Recorder) {
	path, d, err := recorder.Stop()
	if err != nil {
		log.Printf("ERROR: failed to save recording: %v", err)
		return
	}
	if path != "" {
		log.Printf("Saved %.1fs of audio to %s", d.Seconds(), path)
	}
}

// loadConfig loads the config from the specified path, or falls back to
// the default config path, or uses built-in defaults.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.Load(path)
	}

	// Try default config path
	defaultPath := config.DefaultConfigPath()
	if _, err := os.Stat(defaultPath); err == nil {
		cfg, err := config.Load(defaultPath)
		if err != nil {
			return nil, fmt.Errorf("loading %s: %w", defaultPath, err)
		}
		log.Printf("Config loaded from %s", defaultPath)
		return cfg, nil
	}

	// No config file, use defaults
	log.Println("No config file found, using defaults (run with -init to write one)")
	return config.Default(), nil
}

func logLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// printBanner displays the startup configuration summary.
func printBanner(cfg *config.Config, pairingID string) {
	pair := pairingID
	if pair == "" {
		pair = "any"
	}
	apiAddr := "off"
	if cfg.API.Enabled {
		apiAddr = cfg.API.Listen
	}
	fmt.Println("=== glassbridge ===")
	fmt.Printf("  Glasses: %s (pair %s)\n", cfg.Variant, pair)
	fmt.Printf("  Hotkey:  %s (%s mode)\n", strings.Join(cfg.Hotkey.MicKeys, "+"), cfg.Hotkey.Mode)
	fmt.Printf("  Audio:   %dHz, %dch\n", cfg.Audio.SampleRate, cfg.Audio.Channels)
	fmt.Printf("  API:     %s\n", apiAddr)
	fmt.Printf("  Log:     %s\n", cfg.LogLevel)
	fmt.Println("===================")
}
