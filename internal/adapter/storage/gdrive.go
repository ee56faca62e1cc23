package storage

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"google.golang.org/api/drive/v3"
	"google.golang.org/api/option"

	"github.com/semmidev/pgswap/internal/config"
	"github.com/semmidev/pgswap/internal/domain"
	"github.com/semmidev/pgswap/internal/infrastructure/retry"
)

// GDriveStorage stores each object as a file in one folder, named by its
// full key.
type GDriveStorage struct {
	service  *drive.Service
	folderID string
	policy   retry.Policy
}

func NewGDrive(ctx context.Context, cfg config.GDriveConfig, opts ...option.ClientOption) (*GDriveStorage, error) {
	if cfg.CredentialsFile != "" {
		opts = append([]option.ClientOption{option.WithCredentialsFile(cfg.CredentialsFile)}, opts...)
	}

	service, err := drive.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create drive service: %w", err)
	}

	return &GDriveStorage{
		service:  service,
		folderID: cfg.FolderID,
		policy:   retry.Transfer(),
	}, nil
}

func (g *GDriveStorage) Name() string {
	return "gdrive://" + g.folderID
}

func quoteQuery(s string) string {
	return strings.NewReplacer(`\`, `\\`, `'`, `\'`).Replace(s)
}

func (g *GDriveStorage) Put(ctx context.Context, localPath string, key string) error {
	err := retry.Do(ctx, g.policy, retry.Transient(func() error {
		file, err := os.Open(localPath)
		if err != nil {
			return retry.Permanent(fmt.Errorf("failed to open file: %w", err))
		}
		defer file.Close()

		_, err = g.service.Files.Create(&drive.File{
			Name:    normalizeKey(key),
			Parents: []string{g.folderID},
		}).Media(file).Context(ctx).Do()
		return err
	}), nil)
	if err != nil {
		return transferError("put", key, fmt.Errorf("failed to upload to gdrive: %w", err))
	}
	return nil
}

func (g *GDriveStorage) findID(ctx context.Context, key string) (string, error) {
	query := fmt.Sprintf("'%s' in parents and name='%s' and trashed=false", g.folderID, quoteQuery(normalizeKey(key)))

	fileList, err := g.service.Files.List().
		Q(query).
		Fields("files(id)").
		Context(ctx).
		Do()
	if err != nil {
		return "", fmt.Errorf("failed to find file: %w", err)
	}
	if len(fileList.Files) == 0 {
		return "", domain.ErrObjectNotFound
	}
	return fileList.Files[0].Id, nil
}

func (g *GDriveStorage) Get(ctx context.Context, key string, localPath string) error {
	id, err := g.findID(ctx, key)
	if err != nil {
		return transferError("get", key, err)
	}

	err = retry.Do(ctx, g.policy, retry.Transient(func() error {
		return writeAtomically(localPath, func(f *os.File) error {
			resp, err := g.service.Files.Get(id).Context(ctx).Download()
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			return copyInto(f, resp.Body)
		})
	}), nil)
	if err != nil {
		return transferError("get", key, fmt.Errorf("failed to download from gdrive: %w", err))
	}
	return nil
}

func (g *GDriveStorage) List(ctx context.Context, prefix string) ([]domain.ObjectInfo, error) {
	query := fmt.Sprintf("'%s' in parents and trashed=false", g.folderID)
	prefix = normalizeKey(prefix)

	var objects []domain.ObjectInfo
	err := g.service.Files.List().
		Q(query).
		Fields("nextPageToken, files(id, name, size, createdTime)").
		Context(ctx).
		Pages(ctx, func(page *drive.FileList) error {
			for _, file := range page.Files {
				if !strings.HasPrefix(file.Name, prefix) {
					continue
				}
				created, _ := time.Parse(time.RFC3339, file.CreatedTime)
				objects = append(objects, domain.ObjectInfo{Key: file.Name, Size: file.Size, LastModified: created})
			}
			return nil
		})
	if err != nil {
		return nil, transferError("list", prefix, fmt.Errorf("failed to list files: %w", err))
	}
	return objects, nil
}

func (g *GDriveStorage) Delete(ctx context.Context, key string) error {
	id, err := g.findID(ctx, key)
	if err != nil {
		return transferError("delete", key, err)
	}
	if err := g.service.Files.Delete(id).Context(ctx).Do(); err != nil {
		return transferError("delete", key, fmt.Errorf("failed to delete file: %w", err))
	}
	return nil
}
