// Package transport establishes the byte stream between client and daemon:
// plain TCP in insecure mode, otherwise TLS with the server certificate
// taken from a PKCS#12 bundle and peers validated against configured CA
// bundles on top of the system trust store.
package transport

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"net"
	"os"

	"golang.org/x/crypto/pkcs12"

	"github.com/jkaessens/qmanager/pkg/qerr"
)

// DefaultPort is the well-known qmanager port.
const DefaultPort = 1337

// ServerConfig selects the listener flavor for the daemon.
type ServerConfig struct {
	// Insecure serves plain TCP. Mutually exclusive with Certificate and
	// ClientCAs; the daemon validates that before it gets here.
	Insecure bool

	// Certificate is the server identity including its ascending chain.
	Certificate tls.Certificate

	// ClientCAs, when non-nil, turns on mutual trust: client certificates
	// are required and verified against this pool.
	ClientCAs *x509.CertPool
}

// Listen opens the daemon's listening socket on addr.
func Listen(addr string, cfg ServerConfig) (net.Listener, error) {
	if cfg.Insecure {
		return net.Listen("tcp", addr)
	}

	tlsCfg := &tls.Config{
		Certificates: []tls.Certificate{cfg.Certificate},
		MinVersion:   tls.VersionTLS12,
	}
	if cfg.ClientCAs != nil {
		tlsCfg.ClientCAs = cfg.ClientCAs
		tlsCfg.ClientAuth = tls.RequireAndVerifyClientCert
	}
	ln, err := tls.Listen("tcp", addr, tlsCfg)
	if err != nil {
		return nil, qerr.New(qerr.CodeTLSError, err)
	}
	return ln, nil
}

// ClientConfig selects the dialing flavor for clients.
type ClientConfig struct {
	Insecure bool

	// RootCAs validates the server. Nil means the system trust store.
	RootCAs *x509.CertPool

	// Certificates are presented when the server demands mutual trust.
	Certificates []tls.Certificate
}

// Dial connects to the daemon at addr.
func Dial(ctx context.Context, addr string, cfg ClientConfig) (net.Conn, error) {
	d := &net.Dialer{}
	if cfg.Insecure {
		return d.DialContext(ctx, "tcp", addr)
	}

	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, fmt.Errorf("invalid address %q: %w", addr, err)
	}
	tlsCfg := &tls.Config{
		RootCAs:      cfg.RootCAs,
		Certificates: cfg.Certificates,
		ServerName:   host,
		MinVersion:   tls.VersionTLS12,
	}
	td := &tls.Dialer{NetDialer: d, Config: tlsCfg}
	conn, err := td.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, qerr.New(qerr.CodeTLSError, err)
	}
	return conn, nil
}

// LoadPKCS12Certificate reads a PKCS#12 bundle holding the server key, its
// leaf certificate and the full ascending trust chain.
func LoadPKCS12Certificate(path, password string) (tls.Certificate, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return tls.Certificate{}, qerr.New(qerr.CodeTLSError, err)
	}
	blocks, err := pkcs12.ToPEM(data, password)
	if err != nil {
		return tls.Certificate{}, qerr.Newf(qerr.CodeTLSError, "decoding PKCS#12 bundle %s: %v", path, err)
	}

	var pemData []byte
	for _, b := range blocks {
		pemData = append(pemData, pem.EncodeToMemory(b)...)
	}
	cert, err := tls.X509KeyPair(pemData, pemData)
	if err != nil {
		return tls.Certificate{}, qerr.Newf(qerr.CodeTLSError, "assembling key pair from %s: %v", path, err)
	}
	return cert, nil
}

// CertPool builds a verification pool from the given PEM bundle paths.
// With includeSystem it starts from the system trust store, the default
// for client-side server validation.
func CertPool(paths []string, includeSystem bool) (*x509.CertPool, error) {
	var pool *x509.CertPool
	if includeSystem {
		sys, err := x509.SystemCertPool()
		if err != nil {
			return nil, qerr.New(qerr.CodeTLSError, err)
		}
		pool = sys
	} else {
		pool = x509.NewCertPool()
	}
	for _, p := range paths {
		pemData, err := os.ReadFile(p)
		if err != nil {
			return nil, qerr.New(qerr.CodeTLSError, err)
		}
		if !pool.AppendCertsFromPEM(pemData) {
			return nil, qerr.Newf(qerr.CodeTLSError, "no certificates found in %s", p)
		}
	}
	return pool, nil
}
