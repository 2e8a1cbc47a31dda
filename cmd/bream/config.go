package main

import (
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config is the process configuration, loaded from the environment with an
// optional .env file.
type Config struct {
	ListenAddr string
	Domain     string
	SelfURL    string

	ClickHouseDSN string
	BatchSize     int
	FlushInterval time.Duration

	PolicyCommand string
	PolicyArgs    []string

	Eligibility string // "any" or "known"

	FirehoseRelays []string
	DefaultRelays  []string
}

func LoadConfig() Config {
	if err := godotenv.Load(".env"); err != nil && !os.IsNotExist(err) {
		log.Fatalf("failed to load .env: %v", err)
	}

	return Config{
		ListenAddr: getEnv("LISTEN_ADDR", "0.0.0.0:3334"),
		Domain:     getEnv("RELAY_DOMAIN", "localhost"),
		SelfURL:    getEnv("RELAY_URL", ""),

		ClickHouseDSN: getEnv("CLICKHOUSE_DSN", "clickhouse://localhost:9000/bream"),
		BatchSize:     getEnvInt("CLICKHOUSE_BATCH_SIZE", 1000),
		FlushInterval: getEnvDuration("CLICKHOUSE_FLUSH_INTERVAL", time.Second),

		PolicyCommand: getEnv("POLICY_COMMAND", ""),
		PolicyArgs:    getEnvList("POLICY_ARGS"),

		Eligibility: getEnv("ELIGIBILITY", "any"),

		FirehoseRelays: getEnvList("FIREHOSE_RELAYS"),
		DefaultRelays:  getEnvList("DEFAULT_RELAYS"),
	}
}

func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	value, exists := os.LookupEnv(key)
	if !exists {
		return fallback
	}

	n, err := strconv.Atoi(value)
	if err != nil {
		log.Fatalf("environment variable %s is not an integer: %v", key, err)
	}
	return n
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, exists := os.LookupEnv(key)
	if !exists {
		return fallback
	}

	d, err := time.ParseDuration(value)
	if err != nil {
		log.Fatalf("environment variable %s is not a duration: %v", key, err)
	}
	return d
}

func getEnvList(key string) []string {
	value, exists := os.LookupEnv(key)
	if !exists {
		return nil
	}

	var list []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			list = append(list, item)
		}
	}
	return list
}
