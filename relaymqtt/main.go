package main

import (
	"flag"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"

	"usbrly08/pkg/config"
	"usbrly08/pkg/relay"
)

func main() {
	var (
		portFlag   = flag.String("p", "", "Serial port override (e.g., COM3 or /dev/ttyUSB0)")
		configFlag = flag.String("config", "config.yaml", "Configuration file path")
		mockFlag   = flag.Bool("mock", false, "Use a mocked relay board instead of a serial port")
	)
	flag.Parse()

	cfg, err := config.Load(*configFlag)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}
	logInit(cfg.Log.Level)

	// Override serial port if provided via command line
	if *portFlag != "" {
		cfg.Serial.Port = *portFlag
	}
	if cfg.Serial.Port == "" && !*mockFlag {
		log.Fatal().Msg("no serial port configured, set serial.port or pass -p")
	}

	var ctrl relay.Controller
	if *mockFlag {
		ctrl = relay.NewMock(&cfg.Mock)
	} else {
		ctrl = relay.New(cfg.Serial.ReadTimeout)
	}

	if _, err := ctrl.Connect(cfg.Serial.Port); err != nil {
		log.Fatal().Err(err).Str("port", cfg.Serial.Port).Msg("failed to connect to relay board")
	}
	defer ctrl.Close()

	bridge := NewBridge(cfg, ctrl)
	if err := bridge.Start(); err != nil {
		log.Fatal().Err(err).Msg("failed to start MQTT bridge")
	}

	if watcher := watchConfig(*configFlag, bridge); watcher != nil {
		defer watcher.Close()
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	log.Info().Msg("shutting down")
	bridge.Stop()
}

// watchConfig reloads the configuration file on change and hands the result
// to the bridge loop. The watch is best-effort; the bridge runs fine without it.
func watchConfig(path string, bridge *Bridge) *fsnotify.Watcher {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		log.Warn().Err(err).Msg("config watch unavailable")
		return nil
	}
	// Watch the directory, not the file: editors replace the file on save.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		log.Warn().Err(err).Str("path", path).Msg("config watch unavailable")
		watcher.Close()
		return nil
	}

	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != filepath.Clean(path) || !event.Has(fsnotify.Write|fsnotify.Create) {
					continue
				}
				cfg, err := config.Load(path)
				if err != nil {
					log.Warn().Err(err).Msg("ignoring unreadable config change")
					continue
				}
				log.Info().Str("path", path).Msg("configuration reloaded")
				bridge.Reload(cfg)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Warn().Err(err).Msg("config watch error")
			}
		}
	}()
	return watcher
}
