package main

import (
	"mailstate/internal/config"
	"mailstate/internal/conversations"
	"mailstate/internal/docstore"
	"mailstate/internal/extraction"
	"mailstate/internal/mailer"
	"mailstate/internal/server"
)

func main() {
	// Load configuration
	cfg := config.Load()

	// Setup logger
	logger := cfg.SetupLogger()

	// Initialize the conversation store; fall back to the in-memory store
	// when no database is configured (local development)
	var store docstore.Store
	if cfg.DatabaseURL != "" {
		sqlStore, err := docstore.NewSQLStore(cfg.DatabaseURL, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("Failed to connect to conversation store")
		}
		store = sqlStore
		logger.Info().Msg("Conversation store connection established")
	} else {
		logger.Warn().Msg("No DATABASE_URL configured, using in-memory conversation store")
		store = docstore.NewMemoryStore()
	}

	// Conversation state manager
	manager, err := conversations.NewManager(cfg, store, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create conversation manager")
	}

	// Optional collaborators
	var extractor *extraction.Extractor
	if cfg.EnableExtraction && cfg.OpenAIKey != "" {
		extractor, err = extraction.New(cfg, logger)
		if err != nil {
			logger.Warn().Err(err).Msg("Extraction disabled")
		}
	}

	var sender *mailer.Mailer
	if cfg.SendGridAPIKey != "" {
		sender = mailer.New(cfg, logger)
	} else {
		logger.Info().Msg("No SENDGRID_API_KEY configured, outbound replies disabled")
	}

	// Create and initialize server
	srv := server.New(cfg, store, manager, extractor, sender, logger)
	srv.Initialize()

	// Start server
	if err := srv.Start(); err != nil {
		logger.Fatal().Err(err).Msg("Server failed to start")
	}
}
