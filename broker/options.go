package broker

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"log"
	"os"
	"time"
)

// Logger interface for injecting custom loggers
type Logger interface {
	Printf(format string, v ...any)
	Errorf(format string, v ...any)
	Debugf(format string, v ...any)
}

// defaultLogger implements Logger using the standard log package
type defaultLogger struct{}

func (l *defaultLogger) Printf(format string, v ...any) {
	log.Printf("[broker] "+format, v...)
}

func (l *defaultLogger) Errorf(format string, v ...any) {
	log.Printf("[broker] ERROR: "+format, v...)
}

func (l *defaultLogger) Debugf(_ string, _ ...any) {
	// Debug logging disabled by default
}

// Option configures the broker client.
type Option func(*Client)

// WithLogger sets a custom logger for the client
func WithLogger(logger Logger) Option {
	return func(c *Client) {
		if logger == nil {
			logger = &defaultLogger{}
		}
		c.logger = logger
	}
}

// WithCredentials sets username/password authentication.
func WithCredentials(username, password string) Option {
	return func(c *Client) {
		c.username = username
		c.password = password
	}
}

// WithKeepalive sets the MQTT keepalive interval.
func WithKeepalive(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.keepalive = d
		}
	}
}

// WithConnectTimeout bounds connect, publish and subscribe waits.
func WithConnectTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.connectTimeout = d
		}
	}
}

// WithTLS configures TLS from certificate files. caFile may be empty to
// use the system pool; cert/key may be empty for server-auth only.
func WithTLS(caFile, certFile, keyFile string) Option {
	return func(c *Client) {
		c.tlsCAFile = caFile
		c.tlsCertFile = certFile
		c.tlsKeyFile = keyFile
	}
}

// WithConnectionLostHandler registers a callback for ungraceful
// disconnects. The orchestrator uses it to trigger reconnect + rebirth.
func WithConnectionLostHandler(fn func(error)) Option {
	return func(c *Client) {
		c.onConnectionLost = fn
	}
}

// WithConnectHandler registers a callback invoked after each successful
// connect.
func WithConnectHandler(fn func()) Option {
	return func(c *Client) {
		c.onConnect = fn
	}
}

func loadTLSConfig(caFile, certFile, keyFile string) (*tls.Config, error) {
	cfg := &tls.Config{MinVersion: tls.VersionTLS12}

	if caFile != "" {
		pem, err := os.ReadFile(caFile)
		if err != nil {
			return nil, fmt.Errorf("read CA file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates parsed from %s", caFile)
		}
		cfg.RootCAs = pool
	}

	if certFile != "" {
		cert, err := tls.LoadX509KeyPair(certFile, keyFile)
		if err != nil {
			return nil, fmt.Errorf("load client keypair: %w", err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}

	return cfg, nil
}
