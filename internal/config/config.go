package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all configuration for the node.
type Config struct {
	// Domain is the public domain this node federates under. Actor URLs and
	// activity ids are minted against it.
	Domain string

	// Port is the HTTP server port.
	Port int

	// DatabasePath is the SQLite database file.
	DatabasePath string

	// DeliveryTimeout is the overall wall-clock budget for one outbound
	// delivery, including its redirect chain.
	DeliveryTimeout time.Duration
}

// BaseURL returns the node's public base URL.
func (c *Config) BaseURL() string {
	return "https://" + c.Domain
}

// Load reads configuration from environment variables with sensible defaults.
func Load() (*Config, error) {
	port := 8080
	if p := os.Getenv("PORT"); p != "" {
		var err error
		port, err = strconv.Atoi(p)
		if err != nil {
			return nil, fmt.Errorf("invalid PORT: %w", err)
		}
	}

	nodeDomain := os.Getenv("FEDINODE_DOMAIN")
	if nodeDomain == "" {
		return nil, fmt.Errorf("FEDINODE_DOMAIN is required")
	}

	dbPath := os.Getenv("FEDINODE_DATABASE_PATH")
	if dbPath == "" {
		dbPath = "fedinode.db"
	}

	deliveryTimeout := 30 * time.Second
	if t := os.Getenv("FEDINODE_DELIVERY_TIMEOUT"); t != "" {
		var err error
		deliveryTimeout, err = time.ParseDuration(t)
		if err != nil {
			return nil, fmt.Errorf("invalid FEDINODE_DELIVERY_TIMEOUT: %w", err)
		}
	}

	return &Config{
		Domain:          nodeDomain,
		Port:            port,
		DatabasePath:    dbPath,
		DeliveryTimeout: deliveryTimeout,
	}, nil
}
