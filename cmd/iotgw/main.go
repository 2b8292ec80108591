package main

import (
	"bufio"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/rs/zerolog"

	"github.com/Burningfoam/IOT-Gateway-Server/internal/admin"
	"github.com/Burningfoam/IOT-Gateway-Server/internal/archive"
	"github.com/Burningfoam/IOT-Gateway-Server/internal/broker"
	"github.com/Burningfoam/IOT-Gateway-Server/internal/config"
	"github.com/Burningfoam/IOT-Gateway-Server/internal/events"
	"github.com/Burningfoam/IOT-Gateway-Server/internal/metrics"
)

func main() {
	// Set up logging
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
		With().Timestamp().Logger()

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}
	if level, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		log = log.Level(level)
	}

	met := metrics.New()
	var opts []broker.Option

	// Optional telemetry archive
	var arch *archive.Archive
	if cfg.DatabasePath != "" {
		arch, err = archive.Open(cfg.DatabasePath, log)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to open telemetry archive")
		}
		opts = append(opts, broker.WithArchiver(arch))
	}

	// Optional event publishing
	var pub *events.Publisher
	if cfg.NATSURL != "" {
		pub, err = events.Connect(cfg.NATSURL, log)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to nats")
		}
		opts = append(opts, broker.WithPublisher(pub))
	}

	// Optional admin server with live monitor feed
	var monitor *admin.Monitor
	if cfg.AdminAddr != "" {
		monitor = admin.NewMonitor(log)
		opts = append(opts, broker.WithMonitor(monitor))
	}

	b := broker.New(log, met, cfg.AckTimeout, opts...)

	srv := broker.NewServer(cfg.ListenAddr, b, log)
	if err := srv.Listen(); err != nil {
		log.Fatal().Err(err).Msg("failed to bind listener")
	}

	var shutdownOnce sync.Once
	shutdown := func() {
		shutdownOnce.Do(func() {
			srv.Shutdown()
			if pub != nil {
				pub.Close()
			}
			if arch != nil {
				if err := arch.Close(); err != nil {
					log.Debug().Err(err).Msg("archive close failed")
				}
			}
		})
	}

	go func() {
		if err := srv.Serve(); err != nil {
			log.Fatal().Err(err).Msg("server error")
		}
	}()

	if cfg.AdminAddr != "" {
		adminSrv := admin.New(cfg.AdminAddr, b, monitor, met.Handler(), log)
		go func() {
			if err := adminSrv.Run(); err != nil {
				log.Error().Err(err).Msg("admin server error")
			}
		}()
	}

	// Handle shutdown signals like a console "quit"
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		log.Info().Msg("shutting down...")
		shutdown()
		os.Exit(0)
	}()

	runConsole(b)
	log.Info().Msg("shutting down...")
	shutdown()
}

// runConsole reads administrative commands from stdin until "quit" or EOF.
func runConsole(b *broker.Broker) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		switch strings.TrimSpace(scanner.Text()) {
		case "quit":
			return

		case "clients":
			clients := b.Clients()
			fmt.Printf("Connected clients (%d):\n", len(clients))
			for _, c := range clients {
				fmt.Printf("  Conn: %s, Device ID: %s, Role: %s\n", c.ConnID, c.DeviceID, c.Role)
			}

		case "devices":
			devices := b.Devices()
			fmt.Printf("Registered devices (%d):\n", len(devices))
			for id, d := range devices {
				fmt.Printf("  Device ID: %s, Temp: %.1f, Moisture: %.1f, Watering: %t\n",
					id, d.Temperature, d.SoilMoisture, d.Watering)
			}

		case "":
			// ignore blank lines

		default:
			fmt.Println("Unknown command. Available commands: quit, clients, devices")
		}
	}
}
