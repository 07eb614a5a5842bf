package config

import (
	"log"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// Config holds all configuration for the application
type Config struct {
	Port                string
	DatabaseURL         string // Conversation store (MySQL or PostgreSQL); empty runs the in-memory store
	Version             string
	LogLevel            string
	APIKey              string // Shared key for /api routes; empty disables auth
	ConversationTTLDays int    // Rolling retention window, refreshed on every mutation
	AppendMaxRetries    int    // Optimistic retry budget for email appends
	OpenAIKey           string
	OpenAITimeout       int    // OpenAI API timeout in seconds
	EnableExtraction    bool   // Whether to run requirement extraction on inbound emails
	EnableAutoReply     bool   // Whether to send generated replies back out
	SendGridAPIKey      string
	SenderEmail         string // Address outbound replies are sent from
	SenderName          string
}

// Load initializes and returns application configuration
func Load() *Config {
	// Load environment variables from .env file
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables")
	}

	config := &Config{
		Port:                getEnv("PORT", "8080"),
		DatabaseURL:         os.Getenv("DATABASE_URL"),
		Version:             getEnv("VERSION", "1.0.0"),
		LogLevel:            getEnv("LOG_LEVEL", "info"),
		APIKey:              os.Getenv("API_KEY"),
		ConversationTTLDays: getEnvInt("CONVERSATION_TTL_DAYS", 30),
		AppendMaxRetries:    getEnvInt("APPEND_MAX_RETRIES", 3),
		OpenAIKey:           os.Getenv("OPENAI_API_KEY"),
		OpenAITimeout:       getEnvInt("OPENAI_TIMEOUT", 60),
		EnableExtraction:    getEnvBool("ENABLE_EXTRACTION", true),
		EnableAutoReply:     getEnvBool("ENABLE_AUTO_REPLY", false),
		SendGridAPIKey:      os.Getenv("SENDGRID_API_KEY"),
		SenderEmail:         getEnv("SENDER_EMAIL", "assistant@mailstate.local"),
		SenderName:          getEnv("SENDER_NAME", "Mailstate Assistant"),
	}

	return config
}

// getEnv gets an environment variable with a default fallback
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt gets an environment variable as integer with a default fallback
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// getEnvBool gets an environment variable as boolean with a default fallback
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

// SetupLogger configures zerolog with JSON output and single-line format
func (c *Config) SetupLogger() zerolog.Logger {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	logger := zerolog.New(os.Stdout).With().
		Timestamp().
		Str("service", "mailstate").
		Str("version", c.Version).
		Logger()

	level, err := zerolog.ParseLevel(strings.ToLower(c.LogLevel))
	if err != nil {
		level = zerolog.InfoLevel
	}
	logger = logger.Level(level)

	return logger
}
