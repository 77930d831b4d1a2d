package agent

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"net"
	"time"
)

// TLSServerName is the name agent certificates are issued for. Clients verify it instead of the dialed host.
const TLSServerName = "shellpipe-agent"

// Certs holds the PEM-encoded material for mutual TLS between an agent and its clients.
// The CA key never leaves GenerateCerts, so the CA cannot issue further certificates.
type Certs struct {
	CACertPEM []byte

	ServerCertPEM []byte
	ServerKeyPEM  []byte

	ClientCertPEM []byte
	ClientKeyPEM  []byte
}

// Environment variables that hand an agent process its TLS material, base64-encoded PEM.
const (
	EnvCACert = "SHELLPIPE_TLS_CA_CERT"
	EnvCert   = "SHELLPIPE_TLS_CERT"
	EnvKey    = "SHELLPIPE_TLS_KEY"
)

// ServerEnv returns the environment of an agent process that serves with the server certificate.
func (c *Certs) ServerEnv() []string {
	enc := base64.StdEncoding.EncodeToString
	return []string{
		EnvCACert + "=" + enc(c.CACertPEM),
		EnvCert + "=" + enc(c.ServerCertPEM),
		EnvKey + "=" + enc(c.ServerKeyPEM),
	}
}

// ServerTLSConfig builds the agent's TLS config from these certs.
func (c *Certs) ServerTLSConfig() (*tls.Config, error) {
	return ServerTLSConfig(c.CACertPEM, c.ServerCertPEM, c.ServerKeyPEM)
}

// ClientTLSConfig builds the TLS config of a client of an agent serving with these certs.
func (c *Certs) ClientTLSConfig() (*tls.Config, error) {
	return ClientTLSConfig(c.CACertPEM, c.ClientCertPEM, c.ClientKeyPEM)
}

// ServerTLSConfigFromEnv builds the agent's TLS config from base64-encoded PEM, as found in ServerEnv.
func ServerTLSConfigFromEnv(caCert, cert, key string) (*tls.Config, error) {
	var decoded [3][]byte
	for i, v := range []string{caCert, cert, key} {
		b, err := base64.StdEncoding.DecodeString(v)
		if err != nil {
			return nil, fmt.Errorf("decoding base64 PEM: %w", err)
		}
		decoded[i] = b
	}
	return ServerTLSConfig(decoded[0], decoded[1], decoded[2])
}

func certPool(caCertPEM []byte) (*x509.CertPool, error) {
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caCertPEM) {
		return nil, errors.New("no certificates found in CA PEM")
	}
	return pool, nil
}

// ClientTLSConfig builds the TLS config of a client, which authenticates with its own certificate.
func ClientTLSConfig(caCertPEM, certPEM, keyPEM []byte) (*tls.Config, error) {
	pool, err := certPool(caCertPEM)
	if err != nil {
		return nil, err
	}
	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, fmt.Errorf("parsing client key pair: %w", err)
	}
	return &tls.Config{
		MinVersion:   tls.VersionTLS13,
		RootCAs:      pool,
		ServerName:   TLSServerName,
		Certificates: []tls.Certificate{cert},
	}, nil
}

// ServerTLSConfig builds the TLS config of an agent, which only accepts clients with a certificate issued by the CA.
func ServerTLSConfig(caCertPEM, certPEM, keyPEM []byte) (*tls.Config, error) {
	pool, err := certPool(caCertPEM)
	if err != nil {
		return nil, err
	}
	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, fmt.Errorf("parsing server key pair: %w", err)
	}
	return &tls.Config{
		MinVersion:   tls.VersionTLS13,
		ClientCAs:    pool,
		ClientAuth:   tls.RequireAndVerifyClientCert,
		Certificates: []tls.Certificate{cert},
	}, nil
}

func serialNumber() (*big.Int, error) {
	limit := new(big.Int).Lsh(big.NewInt(1), 128)
	n, err := rand.Int(rand.Reader, limit)
	if err != nil {
		return nil, fmt.Errorf("getting random serial number: %w", err)
	}
	return n, nil
}

func encodeKey(key *ecdsa.PrivateKey) ([]byte, error) {
	b, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("marshaling pkcs8: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: b}), nil
}

func encodeCert(der []byte) []byte {
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
}

// issue creates a leaf certificate signed by the CA, returning its PEM-encoded cert and key.
func issue(ca *x509.Certificate, caKey *ecdsa.PrivateKey, cn string, validFor time.Duration) ([]byte, []byte, error) {
	serial, err := serialNumber()
	if err != nil {
		return nil, nil, err
	}
	tmpl := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: cn},
		DNSNames:     []string{TLSServerName, "localhost"},
		IPAddresses:  []net.IP{net.IPv4(127, 0, 0, 1), net.IPv6loopback},
		NotBefore:    time.Now().Add(-time.Minute),
		NotAfter:     time.Now().Add(validFor),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
	}
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("generating key: %w", err)
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, ca, &key.PublicKey, caKey)
	if err != nil {
		return nil, nil, fmt.Errorf("creating cert: %w", err)
	}
	keyPEM, err := encodeKey(key)
	if err != nil {
		return nil, nil, err
	}
	return encodeCert(der), keyPEM, nil
}

// GenerateCerts generates a throwaway CA and a server and client certificate issued by it.
func GenerateCerts(validFor time.Duration) (*Certs, error) {
	serial, err := serialNumber()
	if err != nil {
		return nil, err
	}
	caTmpl := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: "shellpipe CA"},
		NotBefore:             time.Now().Add(-time.Minute),
		NotAfter:              time.Now().Add(validFor),
		IsCA:                  true,
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		BasicConstraintsValid: true,
	}
	caKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generating CA key: %w", err)
	}
	caDER, err := x509.CreateCertificate(rand.Reader, caTmpl, caTmpl, &caKey.PublicKey, caKey)
	if err != nil {
		return nil, fmt.Errorf("creating CA cert: %w", err)
	}
	ca, err := x509.ParseCertificate(caDER)
	if err != nil {
		return nil, fmt.Errorf("parsing CA cert: %w", err)
	}

	certs := &Certs{CACertPEM: encodeCert(caDER)}
	certs.ServerCertPEM, certs.ServerKeyPEM, err = issue(ca, caKey, "shellpipe agent", validFor)
	if err != nil {
		return nil, fmt.Errorf("building server cert: %w", err)
	}
	certs.ClientCertPEM, certs.ClientKeyPEM, err = issue(ca, caKey, "shellpipe client", validFor)
	if err != nil {
		return nil, fmt.Errorf("building client cert: %w", err)
	}
	return certs, nil
}
