// Package tlsconfig builds mutual-TLS configurations for the gRPC links to
// drivers and the logical layer.
package tlsconfig

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
)

// Config names the PEM files of one side of an mTLS link. An empty CAFile
// disables TLS.
type Config struct {
	CAFile     string `yaml:"ca_file"`
	CertFile   string `yaml:"cert_file"`
	KeyFile    string `yaml:"key_file"`
	ServerName string `yaml:"server_name"`
}

// Enabled reports whether TLS is configured.
func (c Config) Enabled() bool { return c.CAFile != "" }

func load(c Config) (tls.Certificate, *x509.CertPool, error) {
	if c.CertFile == "" || c.KeyFile == "" {
		return tls.Certificate{}, nil, errors.New("tls: cert_file and key_file are required with ca_file")
	}
	cert, err := tls.LoadX509KeyPair(c.CertFile, c.KeyFile)
	if err != nil {
		return tls.Certificate{}, nil, fmt.Errorf("tls: load key pair: %w", err)
	}
	pem, err := os.ReadFile(c.CAFile)
	if err != nil {
		return tls.Certificate{}, nil, fmt.Errorf("tls: read CA: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return tls.Certificate{}, nil, fmt.Errorf("tls: no certificates in %s", c.CAFile)
	}
	return cert, pool, nil
}

// Client presents the client certificate and verifies the server against
// the CA.
func Client(c Config) (*tls.Config, error) {
	cert, pool, err := load(c)
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		RootCAs:      pool,
		ServerName:   c.ServerName,
		MinVersion:   tls.VersionTLS12,
	}, nil
}

// Server requires and verifies client certificates against the CA.
func Server(c Config) (*tls.Config, error) {
	cert, pool, err := load(c)
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		ClientAuth:   tls.RequireAndVerifyClientCert,
		ClientCAs:    pool,
		MinVersion:   tls.VersionTLS12,
	}, nil
}

// DialOption returns transport credentials for c, plaintext when TLS is not
// configured.
func DialOption(c Config) (grpc.DialOption, error) {
	if !c.Enabled() {
		return grpc.WithTransportCredentials(insecure.NewCredentials()), nil
	}
	tc, err := Client(c)
	if err != nil {
		return nil, err
	}
	return grpc.WithTransportCredentials(credentials.NewTLS(tc)), nil
}
