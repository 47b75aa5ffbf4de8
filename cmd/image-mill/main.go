package main

import (
	"context"
	"flag"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	imagemill "github.com/image-mill/image-mill"
)

var (
	// CLI flags
	configFilenameFlag string
	listenFlag         string
	dataDirFlag        string
	dbFilenameFlag     string
	verbosityTraceFlag bool
	logFilenameFlag    string

	// this is set by goreleaser
	version string
)

func init() {
	flag.StringVar(&configFilenameFlag, "config", "", "Path to config file")
	flag.StringVar(&listenFlag, "listen", "", "Address to listen on (overrides config)")
	flag.StringVar(&dataDirFlag, "data", "", "Storage root directory (overrides config)")
	flag.StringVar(&dbFilenameFlag, "db", "", "Index DB file name (use 'memory' for in-memory index)")
	flag.BoolVar(&verbosityTraceFlag, "vv", false, "Verbosity: trace logging")
	flag.StringVar(&logFilenameFlag, "log-file", "", "Log file to use (in addition to stdout)")

	if version == "" {
		version = "DEV"
	}
}

func main() {
	flag.Parse()

	// set log level
	logLevel := zerolog.DebugLevel
	if verbosityTraceFlag {
		logLevel = zerolog.TraceLevel
	}

	// set up log output to stdout
	// also output to logfile if specified
	logOutputs := make([]io.Writer, 0)
	logOutputs = append(logOutputs, zerolog.ConsoleWriter{Out: os.Stdout})
	if logFilenameFlag != "" {
		if logFileOutput, err := os.OpenFile(logFilenameFlag, os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0644); err != nil {
			log.Fatal().Err(err).Msg("Cannot open log file")
		} else {
			logOutputs = append(logOutputs, logFileOutput)
		}
	}
	multiWriter := zerolog.MultiLevelWriter(logOutputs...)
	log.Logger = log.Level(logLevel).Output(multiWriter).
		With().Str("version", version).Logger()

	config := imagemill.DefaultConfig()
	if configFilenameFlag != "" {
		loaded, err := imagemill.LoadConfig(configFilenameFlag)
		if err != nil {
			log.Fatal().Err(err).Msg("Cannot read config file")
		}
		config = loaded
	}
	if listenFlag != "" {
		config.Listen = listenFlag
	}
	if dataDirFlag != "" {
		config.StorageRoot = dataDirFlag
	}
	if dbFilenameFlag != "" {
		config.IndexDB = dbFilenameFlag
	}
	config.Logger = &log.Logger

	service, err := imagemill.New(config)
	if err != nil {
		log.Fatal().Err(err).Msg("Cannot start service")
	}

	server := &http.Server{
		Addr:    config.Listen,
		Handler: service.Routes(),
	}

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		log.Info().Msg("Shutting down")
		server.Shutdown(context.Background())
	}()

	log.Info().Msgf("Serving derivatives on %s from %s", config.Listen, config.StorageRoot)
	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		log.Fatal().Err(err).Msg("Server failed")
	}
	if err := service.Close(); err != nil {
		log.Error().Err(err).Msg("Shutdown incomplete")
	}
}
