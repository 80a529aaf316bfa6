package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	gateway "github.com/LairdCP/ig60-lwm2md"
)

const (
	firmwareVersion = "0.1.0"
	deviceModel     = "IG60-LTEA"
)

// Exit codes, spec §6: 0 success/restart, EINTR on Ctrl-C, ENONET no
// interfaces, ENOPKG after software install, EAGAIN other failure.
func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := gateway.ParseConfig(os.Args[1:])
	if err != nil {
		log.Error().Err(err).Msg("invalid configuration")
		return int(syscall.EAGAIN)
	}

	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if cfg.Debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	interrupted := false
	go func() {
		<-sigCh
		interrupted = true
		cancel()
	}()

	metrics, registry := gateway.NewMetrics()
	gateway.ServeMetrics(cfg.MetricsAddress, registry)

	serial, err := gateway.ReadMachineSerial()
	if err != nil {
		log.Warn().Err(err).Msg("could not read device serial, using placeholder")
		serial = "unknown"
	}

	netInfo := gateway.DefaultNetworkInfo()

	// sup is built after deps (it needs deps to build the object tree), but
	// deps.OnActivate must call sup.SignalActivate — this indirection lets
	// TreeDeps wire the callback before sup exists.
	var sup *gateway.Supervisor
	deps := gateway.TreeDeps{
		Model:             deviceModel,
		Serial:            serial,
		FirmwareVersion:   firmwareVersion,
		Clock:             gateway.SystemTimeSource(),
		Mem:               gateway.SystemMemorySource(),
		Reboot:            gateway.SystemReboot,
		Net:               netInfo,
		Cell:              nil,
		UpdateScript:      gateway.ExecUpdateScript("/usr/bin/ig60-fwupdate"),
		PackageName:       "ig60-lwm2md",
		PackageVersion:    firmwareVersion,
		OnActivate:        func() { sup.SignalActivate() },
		Wifi:              gateway.DefaultWifiProfileSink(),
		SyslogReader:      gateway.JournaldReader{},
		BearerPreferences: []string{"auto"},
	}

	sup = gateway.NewSupervisor(cfg, netInfo, metrics, deps)

	runErr := sup.Run(ctx)

	if interrupted {
		log.Info().Msg("interrupted, exiting")
		return int(syscall.EINTR)
	}
	if errors.Is(runErr, gateway.ErrSoftwareActivation) {
		log.Info().Msg("software activation requested, exiting for binary swap")
		return int(syscall.ENOPKG)
	}
	if errors.Is(runErr, gateway.ErrNoNetwork) {
		log.Error().Msg("no usable network interface found")
		return int(syscall.ENONET)
	}
	if runErr != nil {
		log.Error().Err(runErr).Msg("supervisor exited with an error")
		return int(syscall.EAGAIN)
	}
	return 0
}
