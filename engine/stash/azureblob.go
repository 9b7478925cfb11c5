// Copyright 2025 AxonFlow
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package stash

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/sas"
)

// AzureBlobConfig configures AzureBlobStorage. With an account key the
// reference URLs carry a read-only SAS; otherwise they are plain blob URLs.
type AzureBlobConfig struct {
	Container        string
	AccountName      string
	AccountKey       string
	ConnectionString string
	ServiceURL       string
}

// AzureBlobStorage stores objects in an Azure Blob container.
type AzureBlobStorage struct {
	client    *azblob.Client
	cred      *azblob.SharedKeyCredential
	container string
	now       func() time.Time
}

// NewAzureBlobStorage creates the client using the first available
// authentication method: account key, connection string, then
// DefaultAzureCredential.
func NewAzureBlobStorage(cfg AzureBlobConfig) (*AzureBlobStorage, error) {
	if cfg.Container == "" {
		return nil, fmt.Errorf("azureblob stash: container is required")
	}
	serviceURL := cfg.ServiceURL
	if serviceURL == "" && cfg.AccountName != "" {
		serviceURL = fmt.Sprintf("https://%s.blob.core.windows.net/", cfg.AccountName)
	}

	s := &AzureBlobStorage{container: cfg.Container, now: time.Now}
	var err error
	switch {
	case cfg.AccountName != "" && cfg.AccountKey != "":
		s.cred, err = azblob.NewSharedKeyCredential(cfg.AccountName, cfg.AccountKey)
		if err != nil {
			return nil, fmt.Errorf("azureblob stash: shared key: %w", err)
		}
		s.client, err = azblob.NewClientWithSharedKeyCredential(serviceURL, s.cred, nil)
	case cfg.ConnectionString != "":
		s.client, err = azblob.NewClientFromConnectionString(cfg.ConnectionString, nil)
	default:
		if serviceURL == "" {
			return nil, fmt.Errorf("azureblob stash: service_url or account_name is required")
		}
		cred, credErr := azidentity.NewDefaultAzureCredential(nil)
		if credErr != nil {
			return nil, fmt.Errorf("azureblob stash: default credential: %w", credErr)
		}
		s.client, err = azblob.NewClient(serviceURL, cred, nil)
	}
	if err != nil {
		return nil, fmt.Errorf("azureblob stash: create client: %w", err)
	}
	return s, nil
}

func (a *AzureBlobStorage) Name() string { return "azureblob" }

func (a *AzureBlobStorage) Put(ctx context.Context, key string, r io.Reader, _ int64, contentType string) error {
	_, err := a.client.UploadStream(ctx, a.container, key, r, &azblob.UploadStreamOptions{
		HTTPHeaders: &blob.HTTPHeaders{
			BlobContentType: &contentType,
		},
	})
	if err != nil {
		return fmt.Errorf("upload blob %s/%s: %w", a.container, key, err)
	}
	return nil
}

func (a *AzureBlobStorage) URL(_ context.Context, key string, expiry time.Duration) (string, error) {
	blobURL := a.client.ServiceClient().NewContainerClient(a.container).NewBlobClient(key).URL()
	if a.cred == nil {
		return blobURL, nil
	}

	now := a.now()
	signatureValues := sas.BlobSignatureValues{
		Protocol:      sas.ProtocolHTTPSandHTTP,
		StartTime:     now.Add(-10 * time.Minute),
		ExpiryTime:    now.Add(expiry),
		Permissions:   (&sas.BlobPermissions{Read: true}).String(),
		ContainerName: a.container,
		BlobName:      key,
	}
	params, err := signatureValues.SignWithSharedKey(a.cred)
	if err != nil {
		return "", fmt.Errorf("sign blob %s/%s: %w", a.container, key, err)
	}
	if strings.Contains(blobURL, "?") {
		return blobURL + "&" + params.Encode(), nil
	}
	return blobURL + "?" + params.Encode(), nil
}
