package main

import (
	"flag"

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

	var ctrl relay.Controller
	if *mockFlag {
		ctrl = relay.NewMock(&cfg.Mock)
	} else {
		ctrl = relay.New(cfg.Serial.ReadTimeout)
	}

	newShell(ctrl, cfg.Serial.Port).run(flag.Args()...)
}
