// Package config holds the connection settings of an event store and loads them from the environment.
//
// All variables carry the EVENTSTORE_ prefix, e.g.
//
//	EVENTSTORE_DIALECT=postgres
//	EVENTSTORE_URI=postgres://app:secret@db:5432/eventstore?sslmode=require
//	EVENTSTORE_DOCUMENT_MODE=true
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

const (
	DialectPostgres = "postgres"
	DialectSQLite   = "sqlite"
	DialectMongoDB  = "mongodb"

	SQLClientPGX   = "pgx"
	SQLClientSQLDB = "sqldb"
	SQLClientSQLX  = "sqlx"

	defaultPostgresPort = 5432
	defaultMongoDBPort  = 27017
	sqliteMemory        = ":memory:"
)

var (
	ErrUnsupportedDialect   = errors.New("unsupported dialect")
	ErrUnsupportedSQLClient = errors.New("unsupported sql client")
	ErrMissingHost          = errors.New("host or uri is required")
	ErrMissingDatabase      = errors.New("database is required")
	ErrEmptyTableName       = errors.New("table names must not be empty")
	ErrInvalidURI           = errors.New("uri is not valid")
	ErrReplicaNotSupported  = errors.New("a read replica needs the postgres dialect with the pgx client")
)

// Config describes which backend to use and how to reach it.
type Config struct {
	Dialect            string        `env:"EVENTSTORE_DIALECT"          envDefault:"postgres"`
	URI                string        `env:"EVENTSTORE_URI"`
	Host               string        `env:"EVENTSTORE_HOST"`
	Port               int           `env:"EVENTSTORE_PORT"`
	User               string        `env:"EVENTSTORE_USER"`
	Password           string        `env:"EVENTSTORE_PASSWORD"`
	Database           string        `env:"EVENTSTORE_DATABASE"`
	ServiceName        string        `env:"EVENTSTORE_SERVICE_NAME"`
	ConnectString      string        `env:"EVENTSTORE_CONNECT_STRING"`
	ReplicaDSN         string        `env:"EVENTSTORE_REPLICA_DSN"`
	SSL                bool          `env:"EVENTSTORE_SSL"`
	SQLClient          string        `env:"EVENTSTORE_SQL_CLIENT"       envDefault:"pgx"`
	DocumentMode       bool          `env:"EVENTSTORE_DOCUMENT_MODE"`
	EventsTableName    string        `env:"EVENTSTORE_EVENTS_TABLE"     envDefault:"events"`
	SnapshotsTableName string        `env:"EVENTSTORE_SNAPSHOTS_TABLE"  envDefault:"snapshots"`
	ConnectTimeout     time.Duration `env:"EVENTSTORE_CONNECT_TIMEOUT"  envDefault:"5s"`
}

// LoadDotEnv loads variables from the given .env files (default ".env") into the process environment.
// Variables that are already set win. Missing files are not an error.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}

	existing := make([]string, 0, len(paths))
	for _, path := range paths {
		if _, err := os.Stat(path); err == nil {
			existing = append(existing, path)
		}
	}

	if len(existing) == 0 {
		return nil
	}

	if err := godotenv.Load(existing...); err != nil {
		return fmt.Errorf("load dotenv: %w", err)
	}

	return nil
}

// LoadFromEnv parses the EVENTSTORE_* variables, applies the URI and validates the result.
func LoadFromEnv() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}

	if err := cfg.ApplyURI(); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// ApplyURI fills Host, Port, SSL and, when empty, User, Password and Database from URI.
// MongoDB keeps its URI as is; the driver understands more of it than this package.
func (c *Config) ApplyURI() error {
	if c.URI == "" || c.Dialect == DialectMongoDB || c.Dialect == DialectSQLite {
		return nil
	}

	parsed, err := url.Parse(c.URI)
	if err != nil {
		return errors.Join(ErrInvalidURI, err)
	}

	c.Host = parsed.Hostname()

	if port := parsed.Port(); port != "" {
		c.Port, err = strconv.Atoi(port)
		if err != nil {
			return errors.Join(ErrInvalidURI, err)
		}
	}

	query := parsed.Query()
	if query.Get("ssl") == "true" || query.Get("sslmode") == "require" || query.Get("sslmode") == "verify-full" {
		c.SSL = true
	}

	if c.User == "" && parsed.User != nil {
		c.User = parsed.User.Username()
		c.Password, _ = parsed.User.Password()
	}

	if c.Database == "" {
		c.Database = strings.TrimPrefix(parsed.Path, "/")
	}

	return nil
}

// Validate checks the dialect and the fields the dialect needs.
func (c Config) Validate() error {
	if c.EventsTableName == "" || c.SnapshotsTableName == "" {
		return ErrEmptyTableName
	}

	if c.ReplicaDSN != "" && (c.Dialect != DialectPostgres || c.SQLClient != SQLClientPGX) {
		return ErrReplicaNotSupported
	}

	switch c.Dialect {
	case DialectPostgres:
		switch c.SQLClient {
		case SQLClientPGX, SQLClientSQLDB, SQLClientSQLX:
		default:
			return fmt.Errorf("%w: %q", ErrUnsupportedSQLClient, c.SQLClient)
		}

		if c.ConnectString != "" {
			return nil
		}

		if c.Host == "" {
			return ErrMissingHost
		}

		if c.DatabaseName() == "" {
			return ErrMissingDatabase
		}
	case DialectMongoDB:
		if c.URI == "" && c.Host == "" {
			return ErrMissingHost
		}

		if c.DatabaseName() == "" {
			return ErrMissingDatabase
		}
	case DialectSQLite:
	default:
		return fmt.Errorf("%w: %q", ErrUnsupportedDialect, c.Dialect)
	}

	return nil
}

// DatabaseName is Database, or ServiceName when Database is empty.
func (c Config) DatabaseName() string {
	if c.Database != "" {
		return c.Database
	}

	return c.ServiceName
}

// Address is host:port with the dialect's default port.
func (c Config) Address() string {
	port := c.Port
	if port == 0 {
		switch c.Dialect {
		case DialectMongoDB:
			port = defaultMongoDBPort
		default:
			port = defaultPostgresPort
		}
	}

	return fmt.Sprintf("%s:%d", c.Host, port)
}

// ConnectionString returns ConnectString if set, otherwise "host:port/database".
func (c Config) ConnectionString() string {
	if c.ConnectString != "" {
		return c.ConnectString
	}

	return c.Address() + "/" + c.DatabaseName()
}

// PostgresDSN is the connection string handed to pgx or lib/pq.
// A ConnectString (keyword/value form) wins over everything else.
func (c Config) PostgresDSN() string {
	if c.ConnectString != "" {
		return c.ConnectString
	}

	sslMode := "disable"
	if c.SSL {
		sslMode = "require"
	}

	dsn := url.URL{
		Scheme:   "postgres",
		Host:     c.Address(),
		Path:     "/" + c.DatabaseName(),
		RawQuery: url.Values{"sslmode": []string{sslMode}}.Encode(),
	}

	if c.User != "" {
		dsn.User = url.UserPassword(c.User, c.Password)
	}

	return dsn.String()
}

// MongoDBURI is URI if set, otherwise it is built from host, port and credentials.
func (c Config) MongoDBURI() string {
	if c.URI != "" {
		return c.URI
	}

	uri := url.URL{Scheme: "mongodb", Host: c.Address(), Path: "/"}
	if c.User != "" {
		uri.User = url.UserPassword(c.User, c.Password)
	}

	if c.SSL {
		uri.RawQuery = url.Values{"ssl": []string{"true"}}.Encode()
	}

	return uri.String()
}

// SQLiteDSN points modernc.org/sqlite at the database file, in memory when no file is configured.
func (c Config) SQLiteDSN() string {
	name := c.DatabaseName()
	if name == "" && c.URI != "" {
		name = strings.TrimPrefix(c.URI, "file:")
	}

	if name == "" || name == sqliteMemory {
		return sqliteMemory
	}

	return "file:" + filepath.Clean(name) + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
}
