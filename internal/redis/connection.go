// Package redis holds the redigo connection pool shared by the redis job
// store and the redis statistics backend.
package redis

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net/url"
	"os"
	"time"

	"github.com/gomodule/redigo/redis"

	dutyErrors "github.com/oshribin/duty/errors"
)

var (
	// ErrInvalidScheme is returned when the Redis URI scheme is invalid
	ErrInvalidScheme = errors.New("invalid Redis database URI scheme")
)

// ConnectionOptions defines the interface for Redis connection options
type ConnectionOptions interface {
	GetURI() string
	GetMaxConnections() int
	GetMaxIdle() int
	GetIdleTimeout() time.Duration
	GetConnectTimeout() time.Duration
	GetReadTimeout() time.Duration
	GetWriteTimeout() time.Duration
	GetUseTLS() bool
	GetTLSSkipVerify() bool
	GetTLSCertPath() string
}

// Options is the connection part of every redis-backed component's options
type Options struct {
	// URI is the Redis connection URI
	URI string

	// MaxConnections is the maximum number of connections in the pool
	MaxConnections int

	// MaxIdle is the maximum number of idle connections
	MaxIdle int

	// IdleTimeout is the timeout for idle connections
	IdleTimeout time.Duration

	// ConnectTimeout, ReadTimeout and WriteTimeout bound each connection
	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration

	// TLS options
	UseTLS        bool
	TLSSkipVerify bool
	TLSCertPath   string
}

// ConnectionOptions interface implementation
func (o Options) GetURI() string                   { return o.URI }
func (o Options) GetMaxConnections() int           { return o.MaxConnections }
func (o Options) GetMaxIdle() int                  { return o.MaxIdle }
func (o Options) GetIdleTimeout() time.Duration    { return o.IdleTimeout }
func (o Options) GetConnectTimeout() time.Duration { return o.ConnectTimeout }
func (o Options) GetReadTimeout() time.Duration    { return o.ReadTimeout }
func (o Options) GetWriteTimeout() time.Duration   { return o.WriteTimeout }
func (o Options) GetUseTLS() bool                  { return o.UseTLS }
func (o Options) GetTLSSkipVerify() bool           { return o.TLSSkipVerify }
func (o Options) GetTLSCertPath() string           { return o.TLSCertPath }

// DefaultOptions returns default connection options
func DefaultOptions() Options {
	return Options{
		URI:            "redis://localhost:6379/",
		MaxConnections: 10,
		MaxIdle:        2,
		IdleTimeout:    240 * time.Second,
		ConnectTimeout: 10 * time.Second,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
	}
}

// CreatePool creates a Redis connection pool using the provided options
func CreatePool(options ConnectionOptions) (*redis.Pool, error) {
	if _, err := url.Parse(options.GetURI()); err != nil {
		return nil, dutyErrors.NewConnectionError(Redact(options.GetURI()),
			fmt.Errorf("invalid URI: %w", err))
	}

	return &redis.Pool{
		MaxActive:   options.GetMaxConnections(),
		MaxIdle:     options.GetMaxIdle(),
		IdleTimeout: options.GetIdleTimeout(),
		Dial: func() (redis.Conn, error) {
			return DialRedis(options)
		},
		TestOnBorrow: func(c redis.Conn, t time.Time) error {
			if time.Since(t) < time.Minute {
				return nil
			}
			_, err := c.Do("PING")
			return err
		},
	}, nil
}

// Ping borrows a connection from pool and pings the server
func Ping(ctx context.Context, pool *redis.Pool) error {
	conn, err := pool.GetContext(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	_, err = conn.Do("PING")
	return err
}

// DialRedis establishes a Redis connection using the provided options
func DialRedis(options ConnectionOptions) (redis.Conn, error) {
	redacted := Redact(options.GetURI())

	uri, err := url.Parse(options.GetURI())
	if err != nil {
		return nil, dutyErrors.NewConnectionError(redacted,
			fmt.Errorf("invalid URI: %w", err))
	}

	var network string
	var host string
	var password string
	var db string
	var dialOptions []redis.DialOption

	// Configure timeouts
	dialOptions = append(dialOptions,
		redis.DialConnectTimeout(options.GetConnectTimeout()),
		redis.DialReadTimeout(options.GetReadTimeout()),
		redis.DialWriteTimeout(options.GetWriteTimeout()),
	)

	switch uri.Scheme {
	case "redis", "rediss":
		network = "tcp"
		host = uri.Host
		if uri.User != nil {
			password, _ = uri.User.Password()
		}
		if len(uri.Path) > 1 {
			db = uri.Path[1:]
		}

		// Configure TLS for rediss or if explicitly enabled
		if uri.Scheme == "rediss" || options.GetUseTLS() {
			tlsConfig := &tls.Config{
				InsecureSkipVerify: options.GetTLSSkipVerify(),
			}

			if options.GetTLSCertPath() != "" {
				pool, err := LoadCertPool(options.GetTLSCertPath())
				if err != nil {
					return nil, err
				}
				tlsConfig.RootCAs = pool
			}

			dialOptions = append(dialOptions,
				redis.DialUseTLS(true),
				redis.DialTLSConfig(tlsConfig),
			)
		}
	case "unix":
		network = "unix"
		host = uri.Path
	default:
		return nil, dutyErrors.NewConnectionError(redacted, ErrInvalidScheme)
	}

	if password != "" {
		dialOptions = append(dialOptions, redis.DialPassword(password))
	}
	if db != "" {
		var n int
		if _, err := fmt.Sscanf(db, "%d", &n); err != nil {
			return nil, dutyErrors.NewConnectionError(redacted,
				fmt.Errorf("invalid database %q", db))
		}
		dialOptions = append(dialOptions, redis.DialDatabase(n))
	}

	conn, err := redis.Dial(network, host, dialOptions...)
	if err != nil {
		return nil, dutyErrors.NewConnectionError(redacted,
			fmt.Errorf("failed to connect: %w", err))
	}

	return conn, nil
}

// Redact hides the password of a connection URI so it can be logged
func Redact(uri string) string {
	u, err := url.Parse(uri)
	if err != nil || u.User == nil {
		return uri
	}
	if _, ok := u.User.Password(); ok {
		u.User = url.UserPassword(u.User.Username(), "xxxxx")
	}
	return u.String()
}

// LoadCertPool loads a certificate pool from a file
func LoadCertPool(certPath string) (*x509.CertPool, error) {
	rootCAs, _ := x509.SystemCertPool()
	if rootCAs == nil {
		rootCAs = x509.NewCertPool()
	}

	certs, err := os.ReadFile(certPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read cert file %q: %w", certPath, err)
	}

	if ok := rootCAs.AppendCertsFromPEM(certs); !ok {
		return nil, fmt.Errorf("failed to append certs from %q", certPath)
	}

	return rootCAs, nil
}
