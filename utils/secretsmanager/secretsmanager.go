/*
Copyright 2024-Present Couchbase, Inc.

Use of this software is governed by the Business Source License included in
the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
file, in accordance with the Business Source License, use of this software will
be governed by the Apache License, Version 2.0, included in the file
licenses/APL2.txt.
*/

package secretsmanager

import (
	"context"
	"errors"
	"fmt"
	"strings"

	gcpsecretmanager "cloud.google.com/go/secretmanager/apiv1"
	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/keyvault/azsecrets"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
)

// Source names where the database credentials are stored.  At most one of the
// provider ids may be set.
type Source struct {
	AwsId          string
	AwsRegion      string
	AzureId        string
	AzureVaultName string
	GcpId          string
	GcpProjectId   string
}

func (s Source) IsEmpty() bool {
	return s.AwsId == "" && s.AzureId == "" && s.GcpId == ""
}

var ErrNoSource = errors.New("no secret provider specified")

// FetchCredentials fetches a `username:password` secret from whichever
// provider src names.
func FetchCredentials(ctx context.Context, src Source) (string, string, error) {
	numProviders := 0
	for _, id := range []string{src.AwsId, src.AzureId, src.GcpId} {
		if id != "" {
			numProviders++
		}
	}
	if numProviders == 0 {
		return "", "", ErrNoSource
	}
	if numProviders > 1 {
		return "", "", fmt.Errorf("only one secret provider may be specified, got %d", numProviders)
	}

	switch {
	case src.AwsId != "":
		if src.AwsRegion == "" {
			return "", "", fmt.Errorf("must specify region and id when fetching secrets from aws")
		}
		return FetchAWSSecret(ctx, src.AwsId, src.AwsRegion)
	case src.AzureId != "":
		if src.AzureVaultName == "" {
			return "", "", fmt.Errorf("must specify key vault name and id when fetching secrets from azure")
		}
		return FetchAzureSecret(ctx, src.AzureId, src.AzureVaultName)
	default:
		if src.GcpProjectId == "" {
			return "", "", fmt.Errorf("must specify project and secret ids when fetching secrets from gcp")
		}
		return FetchGcpSecret(ctx, src.GcpId, src.GcpProjectId)
	}
}

func FetchAWSSecret(ctx context.Context, secretId string, region string) (string, string, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return "", "", fmt.Errorf("failed to load default aws config: %w", err)
	}

	secrets := secretsmanager.NewFromConfig(cfg)
	res, err := secrets.GetSecretValue(
		ctx,
		&secretsmanager.GetSecretValueInput{SecretId: &secretId},
	)
	if err != nil {
		return "", "", fmt.Errorf("failed to get aws secret: %w", err)
	}
	if res.SecretString == nil {
		return "", "", fmt.Errorf("aws secret %s not a string", secretId)
	}

	return credsFromSecret(*res.SecretString)
}

func FetchAzureSecret(ctx context.Context, secretId string, keyVaultName string) (string, string, error) {
	vaultURI := fmt.Sprintf("https://%s.vault.azure.net/", keyVaultName)

	// Create a credential using the NewDefaultAzureCredential type.
	cred, err := azidentity.NewDefaultAzureCredential(nil)
	if err != nil {
		return "", "", fmt.Errorf("failed to obtain azure credential: %w", err)
	}

	client, err := azsecrets.NewClient(vaultURI, cred, nil)
	if err != nil {
		return "", "", fmt.Errorf("failed to create azure client: %w", err)
	}

	//  An empty string version gets the latest version of the secret.
	version := ""
	resp, err := client.GetSecret(ctx, secretId, version, nil)
	if err != nil {
		return "", "", fmt.Errorf("failed to get azure secret: %w", err)
	}

	if resp.Value == nil {
		return "", "", fmt.Errorf("azure secret %s has no value", secretId)
	}

	return credsFromSecret(*resp.Value)
}

func FetchGcpSecret(ctx context.Context, secretId string, projectId string) (string, string, error) {
	client, err := gcpsecretmanager.NewClient(ctx)
	if err != nil {
		return "", "", fmt.Errorf("failed to create gcp secretmanager client: %w", err)
	}
	defer client.Close()

	req := &secretmanagerpb.AccessSecretVersionRequest{
		Name: fmt.Sprintf("projects/%s/secrets/%s/versions/latest", projectId, secretId),
	}

	result, err := client.AccessSecretVersion(ctx, req)
	if err != nil {
		return "", "", fmt.Errorf("failed to get gcp secret: %w", err)
	}

	return credsFromSecret(string(result.Payload.Data[:]))
}

func credsFromSecret(secret string) (string, string, error) {
	creds := strings.SplitN(strings.TrimSpace(secret), ":", 2)
	if len(creds) != 2 || creds[0] == "" {
		return "", "", fmt.Errorf("database credentials secret must be formatted `username:password`")
	}

	username := creds[0]
	password := creds[1]
	return username, password, nil
}
