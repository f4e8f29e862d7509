package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is read from the environment at startup.
type Config struct {
	DatabaseURL        string
	Port               string
	CronSecret         string
	Location           *time.Location
	BirthdayHour       int
	CORSAllowedOrigins []string
	LogSkippedRules    bool
}

// LoadConfig reads Config from environment variables.
func LoadConfig() (Config, error) {
	cfg := Config{
		DatabaseURL:  os.Getenv("DATABASE_URL"),
		Port:         os.Getenv("PORT"),
		CronSecret:   os.Getenv("CRON_SECRET"),
		Location:     time.UTC,
		BirthdayHour: 9,
	}
	if cfg.DatabaseURL == "" {
		return cfg, fmt.Errorf("DATABASE_URL environment variable is required")
	}
	if cfg.Port == "" {
		cfg.Port = "8080"
	}

	if tz := os.Getenv("SCHEDULER_TIMEZONE"); tz != "" {
		loc, err := time.LoadLocation(tz)
		if err != nil {
			return cfg, fmt.Errorf("invalid SCHEDULER_TIMEZONE %q: %w", tz, err)
		}
		cfg.Location = loc
	}

	if h := os.Getenv("BIRTHDAY_HOUR"); h != "" {
		hour, err := strconv.Atoi(h)
		if err != nil || hour < 0 || hour > 23 {
			return cfg, fmt.Errorf("BIRTHDAY_HOUR must be an hour between 0 and 23, got %q", h)
		}
		cfg.BirthdayHour = hour
	}

	if origins := os.Getenv("CORS_ALLOWED_ORIGINS"); origins != "" {
		for _, o := range strings.Split(origins, ",") {
			if o = strings.TrimSpace(o); o != "" {
				cfg.CORSAllowedOrigins = append(cfg.CORSAllowedOrigins, o)
			}
		}
	}

	if v := os.Getenv("LOG_SKIPPED_RULES"); v != "" {
		skipped, err := strconv.ParseBool(v)
		if err != nil {
			return cfg, fmt.Errorf("invalid LOG_SKIPPED_RULES %q: %w", v, err)
		}
		cfg.LogSkippedRules = skipped
	}

	return cfg, nil
}
