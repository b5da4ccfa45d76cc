// Package config loads the backend's deployment configuration from the
// environment. Unlike a live, DB-backed settings row, this configuration is
// fixed for the lifetime of a process: connection strings, secrets, and the
// bootstrap admin account.
package config

import (
	"fmt"
	"os"
)

// Config holds every environment-derived setting the backend needs at
// startup.
type Config struct {
	HTTPAddr string

	PostgresDSN string

	RabbitMQURL string

	S3AccessKeyID     string
	S3SecretAccessKey string
	S3Bucket          string
	S3EndpointURL     string

	JWTSecret []byte

	AdminUsername string
	AdminPassword string
}

// Load reads and validates the environment, returning an error naming every
// missing required variable at once rather than failing one at a time.
func Load() (*Config, error) {
	cfg := &Config{
		HTTPAddr:          env("HTTP_ADDR", ":8080"),
		PostgresDSN:       buildPostgresDSN(),
		RabbitMQURL:       buildRabbitMQURL(),
		S3AccessKeyID:     os.Getenv("S3_ACCESS_KEY_ID"),
		S3SecretAccessKey: os.Getenv("S3_SECRET_ACCESS_KEY"),
		S3Bucket:          os.Getenv("S3_BUCKET_NAME"),
		S3EndpointURL:     os.Getenv("S3_ENDPOINT_URL"),
		JWTSecret:         []byte(os.Getenv("JWT_SECRET")),
		AdminUsername:     env("ADMIN_USERNAME", "admin"),
		AdminPassword:     os.Getenv("ADMIN_PASSWORD"),
	}

	var missing []string
	if cfg.S3Bucket == "" {
		missing = append(missing, "S3_BUCKET_NAME")
	}
	if len(cfg.JWTSecret) == 0 {
		missing = append(missing, "JWT_SECRET")
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("missing required environment variables: %v", missing)
	}
	return cfg, nil
}

// buildPostgresDSN assembles a postgres:// DSN from discrete POSTGRES_*
// variables, matching the distributed-transcoder deployment's env contract.
func buildPostgresDSN() string {
	user := env("POSTGRES_USER", "transcoder")
	pass := os.Getenv("POSTGRES_PASSWORD")
	host := env("POSTGRES_HOST", "localhost")
	db := env("POSTGRES_DB", "transcoder")
	return fmt.Sprintf("postgres://%s:%s@%s:5432/%s?sslmode=disable", user, pass, host, db)
}

// buildRabbitMQURL assembles an amqp:// URL from discrete RMQ_* variables.
func buildRabbitMQURL() string {
	user := env("RMQ_USER", "guest")
	pass := env("RMQ_PASSWORD", "guest")
	host := env("RMQ_HOST", "localhost")
	port := env("RMQ_PORT", "5672")
	return fmt.Sprintf("amqp://%s:%s@%s:%s/", user, pass, host, port)
}

func env(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
