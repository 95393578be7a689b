// Package tlsconfig builds *tls.Config values for paxosd's admin surface
// (pkg/admin/httpjson, pkg/admin/grpc). It has nothing to do with the
// Paxos/handshake wire protocol between cluster members, which spec.md
// keeps as plaintext TCP with no peer authentication (§1 Non-goals) — this
// package only secures the operator-facing status channel.
package tlsconfig

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"os"
	"sync"
	"time"
)

// certReloadTTL bounds how long a loaded certificate is reused before the
// next handshake re-reads it from disk, so rotating a cert/key pair on disk
// takes effect without restarting the admin listener.
const certReloadTTL = 10 * time.Second

// Options configures the admin surface's TLS. The same struct serves both
// the httpjson and grpc backends.
type Options struct {
	Enable             bool
	CAFile             string
	CertFile           string
	KeyFile            string
	InsecureSkipVerify bool
	ServerName         string
}

// Server returns a tls.Config for the admin listener if enabled, otherwise
// nil (meaning: serve plaintext).
func (o Options) Server() (*tls.Config, error) {
	if !o.Enable {
		return nil, nil
	}
	if o.CertFile == "" || o.KeyFile == "" {
		return nil, errors.New("tlsconfig: admin server cert/key required when TLS enabled")
	}
	cert, err := tls.LoadX509KeyPair(o.CertFile, o.KeyFile)
	if err != nil {
		return nil, err
	}
	cfg := &tls.Config{Certificates: []tls.Certificate{cert}}
	if o.CAFile != "" {
		pool, err := loadCAPool(o.CAFile)
		if err != nil {
			return nil, err
		}
		cfg.ClientCAs = pool
		cfg.ClientAuth = tls.RequireAndVerifyClientCert
	}
	return cfg, nil
}

// Client returns a tls.Config for dialing the admin surface if enabled,
// otherwise nil.
func (o Options) Client() (*tls.Config, error) {
	if !o.Enable {
		return nil, nil
	}
	cfg := &tls.Config{InsecureSkipVerify: o.InsecureSkipVerify} //nolint:gosec
	if o.ServerName != "" {
		cfg.ServerName = o.ServerName
	}
	if o.CAFile != "" {
		pool, err := loadCAPool(o.CAFile)
		if err != nil {
			return nil, err
		}
		cfg.RootCAs = pool
	}
	if o.CertFile != "" && o.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(o.CertFile, o.KeyFile)
		if err != nil {
			return nil, err
		}
		cfg.Certificates = []tls.Certificate{cert}
	}
	return cfg, nil
}

// ServerHotReload is like Server but the returned config re-reads the
// certificate/key pair from disk (at most once per certReloadTTL) on each
// handshake, so an operator can rotate the admin surface's certificate by
// replacing the files on disk without restarting paxosd. The CA pool,
// which rotates far less often in practice, is loaded once up front.
func (o Options) ServerHotReload() (*tls.Config, error) {
	if !o.Enable {
		return nil, nil
	}
	if o.CertFile == "" || o.KeyFile == "" {
		return nil, errors.New("tlsconfig: admin server cert/key required when TLS enabled")
	}
	cfg := &tls.Config{}
	if o.CAFile != "" {
		pool, err := loadCAPool(o.CAFile)
		if err != nil {
			return nil, err
		}
		cfg.ClientCAs = pool
		cfg.ClientAuth = tls.RequireAndVerifyClientCert
	}
	reload := newCertCache(o.CertFile, o.KeyFile)
	cfg.GetCertificate = func(*tls.ClientHelloInfo) (*tls.Certificate, error) {
		return reload.get()
	}
	return cfg, nil
}

// ClientHotReload is like Client but reloads the client certificate from
// disk on demand, through the same certCache as ServerHotReload. CA roots
// are loaded once.
func (o Options) ClientHotReload() (*tls.Config, error) {
	if !o.Enable {
		return nil, nil
	}
	cfg := &tls.Config{InsecureSkipVerify: o.InsecureSkipVerify}
	if o.ServerName != "" {
		cfg.ServerName = o.ServerName
	}
	if o.CAFile != "" {
		pool, err := loadCAPool(o.CAFile)
		if err != nil {
			return nil, err
		}
		cfg.RootCAs = pool
	}
	if o.CertFile == "" || o.KeyFile == "" {
		return cfg, nil
	}
	reload := newCertCache(o.CertFile, o.KeyFile)
	cfg.GetClientCertificate = func(*tls.CertificateRequestInfo) (*tls.Certificate, error) {
		return reload.get()
	}
	return cfg, nil
}

func loadCAPool(path string) (*x509.CertPool, error) {
	pem, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	pool := x509.NewCertPool()
	pool.AppendCertsFromPEM(pem)
	return pool, nil
}

// certCache serves a certificate/key pair read from disk, caching it for
// certReloadTTL between reads so a busy admin listener doesn't re-parse the
// PEM files on every handshake.
type certCache struct {
	certFile, keyFile string

	mu       sync.RWMutex
	cached   *tls.Certificate
	loadedAt time.Time
}

func newCertCache(certFile, keyFile string) *certCache {
	return &certCache{certFile: certFile, keyFile: keyFile}
}

func (c *certCache) get() (*tls.Certificate, error) {
	c.mu.RLock()
	if c.cached != nil && time.Since(c.loadedAt) < certReloadTTL {
		cert := *c.cached
		c.mu.RUnlock()
		return &cert, nil
	}
	c.mu.RUnlock()

	cert, err := tls.LoadX509KeyPair(c.certFile, c.keyFile)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.cached = &cert
	c.loadedAt = time.Now()
	c.mu.Unlock()
	return &cert, nil
}
