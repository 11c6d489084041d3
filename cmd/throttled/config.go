package main

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// settings are the process level knobs, read from the environment and an
// optional .env file. Rules live in the YAML file named by RulesFile.
type settings struct {
	HTTPAddr           string
	GRPCAddr           string
	RulesFile          string
	Upstream           string
	RedisAddr          string
	RedisPassword      string
	RedisDB            int
	LogLevel           string
	StoreTimeout       time.Duration
	SweepInterval      time.Duration
	FailOpen           bool
	ResetOnBlockExpiry bool
}

func loadSettings() (settings, error) {
	_ = godotenv.Load()

	s := settings{
		HTTPAddr:      getEnv("THROTTLE_HTTP_ADDR", ":8080"),
		GRPCAddr:      getEnv("THROTTLE_GRPC_ADDR", ":9090"),
		RulesFile:     getEnv("THROTTLE_RULES_FILE", "rules.yaml"),
		Upstream:      os.Getenv("THROTTLE_UPSTREAM"),
		RedisAddr:     os.Getenv("THROTTLE_REDIS_ADDR"),
		RedisPassword: os.Getenv("THROTTLE_REDIS_PASSWORD"),
		LogLevel:      getEnv("THROTTLE_LOG_LEVEL", "info"),
	}

	var err error
	if s.RedisDB, err = strconv.Atoi(getEnv("THROTTLE_REDIS_DB", "0")); err != nil {
		return settings{}, fmt.Errorf("invalid THROTTLE_REDIS_DB: %w", err)
	}
	if s.StoreTimeout, err = time.ParseDuration(getEnv("THROTTLE_STORE_TIMEOUT", "200ms")); err != nil {
		return settings{}, fmt.Errorf("invalid THROTTLE_STORE_TIMEOUT: %w", err)
	}
	if s.SweepInterval, err = time.ParseDuration(getEnv("THROTTLE_SWEEP_INTERVAL", "1h")); err != nil {
		return settings{}, fmt.Errorf("invalid THROTTLE_SWEEP_INTERVAL: %w", err)
	}
	if s.FailOpen, err = strconv.ParseBool(getEnv("THROTTLE_FAIL_OPEN", "false")); err != nil {
		return settings{}, fmt.Errorf("invalid THROTTLE_FAIL_OPEN: %w", err)
	}
	if s.ResetOnBlockExpiry, err = strconv.ParseBool(getEnv("THROTTLE_RESET_ON_BLOCK_EXPIRY", "false")); err != nil {
		return settings{}, fmt.Errorf("invalid THROTTLE_RESET_ON_BLOCK_EXPIRY: %w", err)
	}
	return s, nil
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}
