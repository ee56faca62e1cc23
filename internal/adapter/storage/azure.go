package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"

	"github.com/semmidev/pgswap/internal/config"
	"github.com/semmidev/pgswap/internal/domain"
	"github.com/semmidev/pgswap/internal/infrastructure/retry"
)

type AzureStorage struct {
	client    *azblob.Client
	endpoint  string
	container string
	policy    retry.Policy
}

// NewAzure authenticates with, in order: a SAS token, a service principal,
// then DefaultAzureCredential.
func NewAzure(cfg config.AzureConfig) (*AzureStorage, error) {
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = fmt.Sprintf("https://%s.blob.core.windows.net/", cfg.Account)
	}
	if !strings.HasSuffix(endpoint, "/") {
		endpoint += "/"
	}

	client, err := newAzureClient(endpoint, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create azure client: %w", err)
	}

	return &AzureStorage{
		client:    client,
		endpoint:  endpoint,
		container: cfg.Container,
		policy:    retry.Transfer(),
	}, nil
}

func newAzureClient(endpoint string, cfg config.AzureConfig) (*azblob.Client, error) {
	if sas := strings.TrimPrefix(strings.TrimSpace(cfg.SASToken), "?"); sas != "" {
		return azblob.NewClientWithNoCredential(endpoint+"?"+sas, nil)
	}

	if cfg.TenantID != "" && cfg.ClientID != "" && cfg.ClientSecret != "" {
		cred, err := azidentity.NewClientSecretCredential(cfg.TenantID, cfg.ClientID, cfg.ClientSecret, nil)
		if err != nil {
			return nil, err
		}
		return azblob.NewClient(endpoint, cred, nil)
	}

	cred, err := azidentity.NewDefaultAzureCredential(nil)
	if err != nil {
		return nil, err
	}
	return azblob.NewClient(endpoint, cred, nil)
}

func (a *AzureStorage) Name() string {
	return a.endpoint + a.container
}

func (a *AzureStorage) Put(ctx context.Context, localPath string, key string) error {
	err := retry.Do(ctx, a.policy, a.retryable(func() error {
		file, err := os.Open(localPath)
		if err != nil {
			return retry.Permanent(fmt.Errorf("failed to open file: %w", err))
		}
		defer file.Close()

		_, err = a.client.UploadFile(ctx, a.container, normalizeKey(key), file, nil)
		return err
	}), nil)
	if err != nil {
		return transferError("put", key, fmt.Errorf("failed to upload to azure: %w", err))
	}
	return nil
}

func (a *AzureStorage) Get(ctx context.Context, key string, localPath string) error {
	err := retry.Do(ctx, a.policy, a.retryable(func() error {
		return writeAtomically(localPath, func(f *os.File) error {
			if _, err := a.client.DownloadFile(ctx, a.container, normalizeKey(key), f, nil); err != nil {
				return err
			}
			return f.Sync()
		})
	}), nil)
	if err != nil {
		if bloberror.HasCode(err, bloberror.BlobNotFound) {
			err = domain.ErrObjectNotFound
		}
		return transferError("get", key, err)
	}
	return nil
}

func (a *AzureStorage) List(ctx context.Context, prefix string) ([]domain.ObjectInfo, error) {
	pager := a.client.NewListBlobsFlatPager(a.container, &azblob.ListBlobsFlatOptions{
		Prefix: to.Ptr(normalizeKey(prefix)),
	})

	var objects []domain.ObjectInfo
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			if bloberror.HasCode(err, bloberror.ContainerNotFound) {
				err = fmt.Errorf("container %q not found: %w", a.container, err)
			}
			return nil, transferError("list", prefix, err)
		}
		for _, item := range page.Segment.BlobItems {
			if item.Name == nil {
				continue
			}
			obj := domain.ObjectInfo{Key: *item.Name}
			if item.Properties != nil {
				if item.Properties.ContentLength != nil {
					obj.Size = *item.Properties.ContentLength
				}
				if item.Properties.LastModified != nil {
					obj.LastModified = *item.Properties.LastModified
				}
			}
			objects = append(objects, obj)
		}
	}
	return objects, nil
}

func (a *AzureStorage) Delete(ctx context.Context, key string) error {
	_, err := a.client.DeleteBlob(ctx, a.container, normalizeKey(key), nil)
	if err != nil {
		if bloberror.HasCode(err, bloberror.BlobNotFound) {
			err = domain.ErrObjectNotFound
		}
		return transferError("delete", key, err)
	}
	return nil
}

// retryable retries timeouts, throttling and 5xx; everything else is final.
func (a *AzureStorage) retryable(op func() error) func() error {
	return func() error {
		err := op()
		if err == nil {
			return nil
		}
		var re *azcore.ResponseError
		if errors.As(err, &re) {
			if re.StatusCode == 408 || re.StatusCode == 429 || re.StatusCode >= 500 {
				return err
			}
			return retry.Permanent(err)
		}
		if retry.IsTransient(err) {
			return err
		}
		return retry.Permanent(err)
	}
}
