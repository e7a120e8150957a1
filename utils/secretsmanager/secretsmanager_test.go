package secretsmanager

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCredsFromSecret(t *testing.T) {
	user, pass, err := credsFromSecret("admin:s3cr:et\n")
	require.NoError(t, err)
	assert.Equal(t, "admin", user)
	assert.Equal(t, "s3cr:et", pass)

	_, _, err = credsFromSecret("no-separator")
	assert.Error(t, err)

	_, _, err = credsFromSecret(":password")
	assert.Error(t, err)
}

func TestFetchCredentialsValidation(t *testing.T) {
	ctx := context.Background()

	_, _, err := FetchCredentials(ctx, Source{})
	assert.ErrorIs(t, err, ErrNoSource)
	assert.True(t, Source{}.IsEmpty())

	_, _, err = FetchCredentials(ctx, Source{AwsId: "a", GcpId: "b"})
	assert.Error(t, err)

	_, _, err = FetchCredentials(ctx, Source{AwsId: "a"})
	assert.ErrorContains(t, err, "region")

	_, _, err = FetchCredentials(ctx, Source{AzureId: "a"})
	assert.ErrorContains(t, err, "key vault")

	_, _, err = FetchCredentials(ctx, Source{GcpId: "a"})
	assert.ErrorContains(t, err, "project")
}
