/*
SPDX-FileCopyrightText: Copyright (c) 2026 Tributary AI. All rights reserved.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.

SPDX-License-Identifier: Apache-2.0
*/

// Package postgres provides PostgreSQL connection management using pgxpool.
package postgres

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tributary-ai/tributary/utils"
)

// Config holds database connection configuration.
type Config struct {
	Host            string
	Port            int
	User            string
	Password        string
	Database        string
	SSLMode         string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Host:            "localhost",
		Port:            5432,
		User:            "tributary",
		Database:        "tributary",
		SSLMode:         "disable",
		MaxConns:        10,
		MinConns:        2,
		MaxConnLifetime: time.Hour,
		MaxConnIdleTime: 30 * time.Minute,
	}
}

// ConnectionString builds a PostgreSQL connection string from the config.
// User and password are URL-escaped so credentials with special characters
// (e.g. issued by a secret manager) parse correctly.
func (c Config) ConnectionString() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		url.PathEscape(c.User), url.PathEscape(c.Password),
		c.Host, c.Port,
		c.Database, c.SSLMode,
	)
}

// Client wraps pgxpool.Pool with logging and health checks.
type Client struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewClient creates a new PostgreSQL client with connection pooling.
// It validates the connection by pinging the database.
func NewClient(ctx context.Context, config Config, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}

	poolConfig, err := pgxpool.ParseConfig(config.ConnectionString())
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection config: %w", err)
	}

	poolConfig.MaxConns = config.MaxConns
	poolConfig.MinConns = config.MinConns
	poolConfig.MaxConnLifetime = config.MaxConnLifetime
	poolConfig.MaxConnIdleTime = config.MaxConnIdleTime

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	logger.Info("postgres client connected successfully",
		slog.String("host", config.Host),
		slog.Int("port", config.Port),
		slog.String("database", config.Database),
	)

	return &Client{
		pool:   pool,
		logger: logger,
	}, nil
}

// Close closes the database connection pool
func (c *Client) Close() {
	c.logger.Info("closing postgres client")
	c.pool.Close()
}

// Pool returns the underlying pgxpool.Pool for direct database access
func (c *Client) Pool() *pgxpool.Pool {
	return c.pool
}

// Ping verifies the database connection is still alive
func (c *Client) Ping(ctx context.Context) error {
	return c.pool.Ping(ctx)
}

// FlagPointers holds pointers to flag values for PostgreSQL configuration
type FlagPointers struct {
	host     *string
	port     *int
	user     *string
	password *string
	database *string
	sslMode  *string
	maxConns *int
	minConns *int
}

// RegisterFlags registers PostgreSQL-related command-line flags.
// Returns a FlagPointers that should be converted to Config
// after flag.Parse() is called
func RegisterFlags() *FlagPointers {
	defaults := DefaultConfig()
	return &FlagPointers{
		host: flag.String("postgres-host",
			utils.GetEnv("TRIBUTARY_POSTGRES_HOST", defaults.Host),
			"PostgreSQL host"),
		port: flag.Int("postgres-port",
			utils.GetEnvInt("TRIBUTARY_POSTGRES_PORT", defaults.Port),
			"PostgreSQL port"),
		user: flag.String("postgres-user",
			utils.GetEnv("TRIBUTARY_POSTGRES_USER", defaults.User),
			"PostgreSQL user"),
		password: flag.String("postgres-password",
			utils.GetEnvOrConfig("TRIBUTARY_POSTGRES_PASSWORD", "postgres_password", ""),
			"PostgreSQL password"),
		database: flag.String("postgres-database",
			utils.GetEnv("TRIBUTARY_POSTGRES_DATABASE", defaults.Database),
			"PostgreSQL database name"),
		sslMode: flag.String("postgres-ssl-mode",
			utils.GetEnv("TRIBUTARY_POSTGRES_SSL_MODE", defaults.SSLMode),
			"PostgreSQL SSL mode"),
		maxConns: flag.Int("postgres-max-conns",
			utils.GetEnvInt("TRIBUTARY_POSTGRES_MAX_CONNS", int(defaults.MaxConns)),
			"Maximum number of pooled connections"),
		minConns: flag.Int("postgres-min-conns",
			utils.GetEnvInt("TRIBUTARY_POSTGRES_MIN_CONNS", int(defaults.MinConns)),
			"Minimum number of pooled connections"),
	}
}

// ToConfig converts flag pointers to Config.
// This should be called after flag.Parse()
func (f *FlagPointers) ToConfig() Config {
	config := DefaultConfig()
	config.Host = *f.host
	config.Port = *f.port
	config.User = *f.user
	config.Password = *f.password
	config.Database = *f.database
	config.SSLMode = *f.sslMode
	config.MaxConns = int32(*f.maxConns)
	config.MinConns = int32(*f.minConns)
	return config
}
