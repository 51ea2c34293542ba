// Package db defines the document store contract and its SurrealDB implementation.
package db

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/surrealdb/surrealdb.go"
	"github.com/surrealdb/surrealdb.go/contrib/rews"
	"github.com/surrealdb/surrealdb.go/pkg/connection"
	"github.com/surrealdb/surrealdb.go/pkg/connection/gorillaws"
	"github.com/surrealdb/surrealdb.go/pkg/logger"
	"github.com/surrealdb/surrealdb.go/surrealcbor"
)

func init() {
	// WebSocket upgrades fail when TLS negotiates HTTP/2.
	gorillaws.DefaultDialer.TLSClientConfig = &tls.Config{
		NextProtos: []string{"http/1.1"},
	}
}

// Auth levels accepted in Config.AuthLevel.
const (
	AuthRoot     = "root"
	AuthDatabase = "database"
)

// Reconnect policy of the WebSocket connection.
const (
	dialTimeout           = 5 * time.Second
	reconnectInitialDelay = time.Second
	reconnectMaxDelay     = 30 * time.Second
	reconnectMaxRetries   = 10
)

// tables lists every table owned by the store, children first.
var tables = []string{"chunk", "ingest_job"}

// Config holds SurrealDB connection configuration.
type Config struct {
	URL       string
	Namespace string
	Database  string
	Username  string
	Password  string
	AuthLevel string // AuthRoot (default) or AuthDatabase
}

// endpoint returns the base URL gorillaws dials; it appends /rpc itself.
func (c Config) endpoint() (string, error) {
	base := strings.TrimSuffix(strings.TrimRight(c.URL, "/"), "/rpc")
	if !strings.HasPrefix(base, "ws://") && !strings.HasPrefix(base, "wss://") {
		return "", fmt.Errorf("surrealdb url %q: scheme must be ws or wss", c.URL)
	}
	return base, nil
}

func (c Config) auth() surrealdb.Auth {
	if c.AuthLevel == AuthDatabase {
		return surrealdb.Auth{
			Namespace: c.Namespace,
			Database:  c.Database,
			Username:  c.Username,
			Password:  c.Password,
		}
	}
	return surrealdb.Auth{Username: c.Username, Password: c.Password}
}

// Client is a Store backed by SurrealDB over an auto-reconnecting WebSocket.
type Client struct {
	conn   *rews.Connection[*gorillaws.Connection]
	db     *surrealdb.DB
	cfg    Config
	logger logger.Logger
}

var _ Store = (*Client)(nil)

// NewClient connects, signs in and selects the configured namespace and database.
func NewClient(ctx context.Context, cfg Config, log *slog.Logger) (*Client, error) {
	if log == nil {
		log = slog.Default()
	}
	sdkLogger := logger.New(log.Handler())

	base, err := cfg.endpoint()
	if err != nil {
		return nil, err
	}

	c := &Client{conn: dial(base, sdkLogger), cfg: cfg, logger: sdkLogger}
	sdkLogger.Info("connecting to surrealdb", "url", base)
	if err := c.conn.Connect(ctx); err != nil {
		return nil, fmt.Errorf("connect %s: %w", base, err)
	}
	if err := c.session(ctx); err != nil {
		_ = c.conn.Close(ctx)
		return nil, err
	}
	sdkLogger.Info("surrealdb session ready", "namespace", cfg.Namespace, "database", cfg.Database)
	return c, nil
}

// dial builds a connection that redials with exponential backoff when dropped.
func dial(base string, log logger.Logger) *rews.Connection[*gorillaws.Connection] {
	codec := surrealcbor.New()
	conn := rews.New(
		func(ctx context.Context) (*gorillaws.Connection, error) {
			return gorillaws.New(&connection.Config{
				BaseURL:     base,
				Marshaler:   codec,
				Unmarshaler: codec,
				Logger:      log,
			}), nil
		},
		dialTimeout,
		codec,
		log,
	)

	retryer := rews.NewExponentialBackoffRetryer()
	retryer.InitialDelay = reconnectInitialDelay
	retryer.MaxDelay = reconnectMaxDelay
	retryer.Multiplier = 2.0
	retryer.MaxRetries = reconnectMaxRetries
	conn.Retryer = retryer
	return conn
}

func (c *Client) session(ctx context.Context) error {
	sdb, err := surrealdb.FromConnection(ctx, c.conn)
	if err != nil {
		return fmt.Errorf("from connection: %w", err)
	}
	if _, err := sdb.SignIn(ctx, c.cfg.auth()); err != nil {
		return fmt.Errorf("signin as %s (%s): %w", c.cfg.Username, c.cfg.AuthLevel, err)
	}
	if err := sdb.Use(ctx, c.cfg.Namespace, c.cfg.Database); err != nil {
		return fmt.Errorf("use %s/%s: %w", c.cfg.Namespace, c.cfg.Database, err)
	}
	c.db = sdb
	return nil
}

// Close closes the SurrealDB connection.
func (c *Client) Close(ctx context.Context) error {
	c.logger.Info("closing surrealdb connection")
	return c.conn.Close(ctx)
}

// Ping checks the connection with a trivial query.
func (c *Client) Ping(ctx context.Context) error {
	if _, err := surrealdb.Query[any](ctx, c.db, "RETURN 1", nil); err != nil {
		return fmt.Errorf("ping surrealdb: %w", err)
	}
	return nil
}

// InitSchema defines the job and chunk tables. Safe to run on every start.
func (c *Client) InitSchema(ctx context.Context) error {
	if _, err := surrealdb.Query[any](ctx, c.db, SchemaSQL, nil); err != nil {
		return fmt.Errorf("init schema: %w", err)
	}
	c.logger.Info("schema ready", "tables", strings.Join(tables, ","))
	return nil
}

// WipeData deletes every job and chunk while keeping the schema.
// Use for testing only.
func (c *Client) WipeData(ctx context.Context) error {
	c.logger.Warn("wiping all data from database")
	for _, table := range tables {
		if _, err := surrealdb.Query[any](ctx, c.db, "DELETE type::table($table)", map[string]any{"table": table}); err != nil {
			return fmt.Errorf("delete %s: %w", table, err)
		}
	}
	return nil
}
