package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/recbase-io/recbase/internal/api"
	"github.com/recbase-io/recbase/internal/config"
	"github.com/recbase-io/recbase/internal/db"
	"github.com/recbase-io/recbase/internal/filecleanup"
	"github.com/recbase-io/recbase/internal/jsonschema"
	"github.com/recbase-io/recbase/internal/migrations"
	"github.com/recbase-io/recbase/internal/records"
	"github.com/recbase-io/recbase/internal/schema"
	"github.com/recbase-io/recbase/internal/storage"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildDate = "unknown"

	showVersion    = flag.Bool("version", false, "Show version information")
	validateConfig = flag.Bool("validate", false, "Validate configuration and exit")
)

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Printf("Recbase %s\n", Version)
		fmt.Printf("Commit: %s\n", Commit)
		fmt.Printf("Build Date: %s\n", BuildDate)
		os.Exit(0)
	}

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	log.Info().
		Str("version", Version).
		Str("commit", Commit).
		Msg("Starting Recbase")

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}
	if *validateConfig {
		log.Info().Msg("Configuration is valid")
		os.Exit(0)
	}
	if cfg.Debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	conn, err := db.Open(cfg.Data.Path, db.Options{ReadPoolSize: cfg.Data.ReadPoolSize})
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.Data.Path).Msg("Failed to open database")
	}
	defer conn.Close()

	if err := migrations.Apply(conn.Read()); err != nil {
		log.Fatal().Err(err).Msg("Failed to apply system migrations")
	}

	schemaRegistry, err := jsonschema.NewRegistry()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize schema registry")
	}
	for _, named := range cfg.JSONSchemas {
		if err := schemaRegistry.Register(named.Name, named.Schema); err != nil {
			log.Fatal().Err(err).Str("schema", named.Name).Msg("Failed to register JSON schema")
		}
	}

	// Back the jsonschema()/jsonschema_matches() SQL functions with the
	// registry so CHECK constraints enforce on raw writes too.
	db.SetJSONSchemaValidator(func(nameOrPattern, value string, inline bool) bool {
		var doc any
		if err := json.Unmarshal([]byte(value), &doc); err != nil {
			return false
		}
		if inline {
			compiled, err := jsonschema.Compile(nameOrPattern)
			if err != nil {
				return false
			}
			return compiled.Validate(doc) == nil
		}
		return schemaRegistry.Validate(nameOrPattern, doc) == nil
	})

	ctx := context.Background()

	metadata, err := schema.NewCache(ctx, conn, append([]string{"main"}, cfg.Data.AttachedDatabases...))
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load schema metadata")
	}

	registry := records.NewRegistry()
	registry.Build(cfg.RecordAPIs, metadata.Snapshot(), schemaRegistry)

	store, err := storage.New(&cfg.Storage)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize object store")
	}

	engine, err := records.NewEngine(conn, registry, store, cfg.API)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize record engine")
	}

	subs := records.NewSubscriptionManager(conn, registry, metadata)

	cleaner, err := filecleanup.New(conn, store, cfg.Data.FileCleanupInterval)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize file cleanup")
	}
	cleaner.Start()
	defer cleaner.Stop()

	server := api.NewServer(cfg, engine, subs)

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil {
			log.Fatal().Err(err).Msg("HTTP server failed")
		}
	case sig := <-stop:
		log.Info().Str("signal", sig.String()).Msg("Shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("Graceful shutdown failed")
		}
	}
}
