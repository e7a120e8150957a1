package selfsignedcert

import (
	"crypto/x509"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateCertificate(t *testing.T) {
	cert, err := GenerateCertificate("127.0.0.1", "localhost")
	require.NoError(t, err)
	require.NotNil(t, cert.Leaf)

	assert.Equal(t, []string{"localhost"}, cert.Leaf.DNSNames)
	require.Len(t, cert.Leaf.IPAddresses, 1)
	assert.True(t, cert.Leaf.IPAddresses[0].Equal(net.ParseIP("127.0.0.1")))

	pool, err := CertPool(cert)
	require.NoError(t, err)

	_, err = cert.Leaf.Verify(x509.VerifyOptions{
		Roots:   pool,
		DNSName: "localhost",
	})
	assert.NoError(t, err)

	_, err = cert.Leaf.Verify(x509.VerifyOptions{
		Roots:   pool,
		DNSName: "elsewhere",
	})
	assert.Error(t, err)
}
