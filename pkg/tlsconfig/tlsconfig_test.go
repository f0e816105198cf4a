package tlsconfig

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type pki struct {
	dir    string
	caCert *x509.Certificate
	caKey  *ecdsa.PrivateKey
	serial int64
}

func newPKI(t *testing.T) *pki {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "physcoord test CA"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	ca, err := x509.ParseCertificate(der)
	require.NoError(t, err)

	p := &pki{dir: t.TempDir(), caCert: ca, caKey: key, serial: 1}
	p.write(t, "ca.crt", "CERTIFICATE", der)
	return p
}

func (p *pki) write(t *testing.T, name, kind string, der []byte) string {
	t.Helper()
	path := filepath.Join(p.dir, name)
	require.NoError(t, os.WriteFile(path, pem.EncodeToMemory(&pem.Block{Type: kind, Bytes: der}), 0o600))
	return path
}

// issue signs a leaf certificate and returns a Config pointing at it.
func (p *pki) issue(t *testing.T, name string, usage x509.ExtKeyUsage) Config {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	p.serial++
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(p.serial),
		Subject:      pkix.Name{CommonName: name},
		DNSNames:     []string{"localhost"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{usage},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, p.caCert, &key.PublicKey, p.caKey)
	require.NoError(t, err)
	keyDER, err := x509.MarshalECPrivateKey(key)
	require.NoError(t, err)
	return Config{
		CAFile:     filepath.Join(p.dir, "ca.crt"),
		CertFile:   p.write(t, name+".crt", "CERTIFICATE", der),
		KeyFile:    p.write(t, name+".key", "EC PRIVATE KEY", keyDER),
		ServerName: "localhost",
	}
}

func TestMutualTLSHandshake(t *testing.T) {
	p := newPKI(t)
	serverCfg, err := Server(p.issue(t, "driver", x509.ExtKeyUsageServerAuth))
	require.NoError(t, err)
	clientCfg, err := Client(p.issue(t, "coordinator", x509.ExtKeyUsageClientAuth))
	require.NoError(t, err)

	ln, err := tls.Listen("tcp", "127.0.0.1:0", serverCfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	done := make(chan error, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			done <- err
			return
		}
		defer conn.Close()
		done <- conn.(*tls.Conn).Handshake()
	}()

	conn, err := tls.Dial("tcp", ln.Addr().String(), clientCfg)
	require.NoError(t, err)
	require.NoError(t, conn.Handshake())
	_ = conn.Close()
	require.NoError(t, <-done)
}

func TestLoadErrors(t *testing.T) {
	p := newPKI(t)
	good := p.issue(t, "coordinator", x509.ExtKeyUsageClientAuth)

	missingKey := good
	missingKey.KeyFile = ""
	_, err := Client(missingKey)
	require.Error(t, err)

	badCA := good
	badCA.CAFile = good.KeyFile
	_, err = Server(badCA)
	require.ErrorContains(t, err, "no certificates")
}

func TestDialOption(t *testing.T) {
	opt, err := DialOption(Config{})
	require.NoError(t, err)
	require.NotNil(t, opt)

	p := newPKI(t)
	opt, err = DialOption(p.issue(t, "coordinator", x509.ExtKeyUsageClientAuth))
	require.NoError(t, err)
	require.NotNil(t, opt)

	_, err = DialOption(Config{CAFile: "/nonexistent/ca.crt", CertFile: "x", KeyFile: "y"})
	require.Error(t, err)
}
