package flow

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"log/slog"
	"math/big"
	"net"
	"os"
	"testing"
	"time"

	"github.com/raskyld/comlink"
	"github.com/stretchr/testify/require"
)

func testLogHandler(emitter string) slog.Handler {
	return slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}).WithAttrs([]slog.Attr{
		{Key: "emitter", Value: slog.StringValue(emitter)},
	})
}

// newNode creates a `Communication` reaching peer through st.
func newNode(t *testing.T, id, peer string, st comlink.Target) *comlink.Communication {
	t.Helper()
	comm, err := comlink.New(
		comlink.NewLocalTarget(id),
		id,
		comlink.WithLog(testLogHandler(id)),
		comlink.WithConnectedEnvironments(comlink.ConnectedEnvironment{
			ID:                     peer,
			Host:                   st,
			RegisterMessageHandler: true,
		}),
	)
	require.NoError(t, err)
	return comm
}

var echoAPI = comlink.API{
	Methods: map[string]comlink.Method{
		"echo": func(_ context.Context, args []any) (any, error) {
			return args[0], nil
		},
		"whoami": func(_ context.Context, args []any) (any, error) {
			return args[0], nil
		},
	},
	Directives: map[string]comlink.Directive{
		"whoami": comlink.MultiTenant,
	},
}

func generateKeyPair(t *testing.T) *ecdsa.PrivateKey {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err, "failed to generate private key")
	return key
}

func generateCa(t *testing.T, pkey *ecdsa.PrivateKey) *x509.Certificate {
	t.Helper()
	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	require.NoError(t, err)

	tmpl := x509.Certificate{
		Subject: pkix.Name{
			CommonName: "self-signed",
		},
		SerialNumber:          serialNumber,
		NotBefore:             time.Now(),
		NotAfter:              time.Now().Add(1 * time.Hour),
		KeyUsage:              x509.KeyUsageCertSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}

	certDER, err := x509.CreateCertificate(rand.Reader, &tmpl, &tmpl, &pkey.PublicKey, pkey)
	require.NoError(t, err, "failed to generate CA")
	ca, err := x509.ParseCertificate(certDER)
	require.NoError(t, err)
	return ca
}

func generateTLSConfig(t *testing.T, ca *x509.Certificate, caKey *ecdsa.PrivateKey, cn string) *tls.Config {
	t.Helper()
	leafKey := generateKeyPair(t)
	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	require.NoError(t, err)

	tmpl := x509.Certificate{
		Subject: pkix.Name{
			CommonName: cn,
		},
		SerialNumber: serialNumber,
		NotBefore:    time.Now(),
		NotAfter:     time.Now().Add(1 * time.Hour),
		IPAddresses: []net.IP{
			{127, 0, 0, 1},
		},
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth, x509.ExtKeyUsageServerAuth},
	}

	leafDER, err := x509.CreateCertificate(rand.Reader, &tmpl, ca, &leafKey.PublicKey, caKey)
	require.NoError(t, err, "failed to generate leaf")
	leaf, err := x509.ParseCertificate(leafDER)
	require.NoError(t, err)

	pool := x509.NewCertPool()
	pool.AddCert(ca)
	return &tls.Config{
		Certificates: []tls.Certificate{
			{
				Certificate: [][]byte{leafDER},
				Leaf:        leaf,
				PrivateKey:  leafKey,
			},
		},
		ClientAuth: tls.RequireAndVerifyClientCert,
		ClientCAs:  pool,
		RootCAs:    pool,
	}
}
