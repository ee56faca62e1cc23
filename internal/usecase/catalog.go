package usecase

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/semmidev/pgswap/internal/domain"
)

// Catalog resolves operator input to stored backup artifacts.
type Catalog struct {
	storage domain.Storage
	prefix  string
	logger  domain.Logger
}

func NewCatalog(storage domain.Storage, prefix string, logger domain.Logger) *Catalog {
	return &Catalog{storage: storage, prefix: prefix, logger: logger}
}

// List returns every artifact under the prefix, oldest first.
func (c *Catalog) List(ctx context.Context) ([]domain.BackupArtifact, error) {
	artifacts, err := c.scan(ctx)
	if err != nil {
		return nil, err
	}

	sort.SliceStable(artifacts, func(i, j int) bool {
		if artifacts[i].CreatedAt.Equal(artifacts[j].CreatedAt) {
			return artifacts[i].Key < artifacts[j].Key
		}
		return artifacts[i].CreatedAt.Before(artifacts[j].CreatedAt)
	})
	return artifacts, nil
}

// scan keeps store order, which first-match selection depends on.
func (c *Catalog) scan(ctx context.Context) ([]domain.BackupArtifact, error) {
	objects, err := c.storage.List(ctx, c.prefix)
	if err != nil {
		return nil, &domain.TransferError{Op: "list", Key: c.prefix, Err: err}
	}

	artifacts := make([]domain.BackupArtifact, 0, len(objects))
	for _, obj := range objects {
		a, err := domain.ParseArtifact(obj.Key)
		if err != nil {
			c.logger.Warnf("Skipping %s: %v", obj.Key, err)
			continue
		}
		a.Size = obj.Size
		artifacts = append(artifacts, a)
	}
	return artifacts, nil
}

// FindByKey matches the full object key or its base name exactly.
func (c *Catalog) FindByKey(ctx context.Context, key string) (domain.BackupArtifact, error) {
	artifacts, err := c.scan(ctx)
	if err != nil {
		return domain.BackupArtifact{}, err
	}

	for _, a := range artifacts {
		if a.Key == key || a.Name == key {
			return a, nil
		}
	}
	return domain.BackupArtifact{}, &domain.NotFoundError{Token: key, Available: keys(artifacts)}
}

// FindByDate selects the artifact whose key contains token. A token such as
// 2024-01-15 also matches the compact timestamp 20240115 in the key. More
// than one match is an error unless firstMatch picks the first in store order.
func (c *Catalog) FindByDate(ctx context.Context, token string, firstMatch bool) (domain.BackupArtifact, error) {
	artifacts, err := c.scan(ctx)
	if err != nil {
		return domain.BackupArtifact{}, err
	}

	var matches []domain.BackupArtifact
	for _, a := range artifacts {
		if MatchesDate(a, token) {
			matches = append(matches, a)
		}
	}

	switch {
	case len(matches) == 0:
		return domain.BackupArtifact{}, &domain.NotFoundError{Token: token, Available: keys(artifacts)}
	case len(matches) == 1 || firstMatch:
		if len(matches) > 1 {
			c.logger.Warnf("%q matches %d backups, using the first: %s", token, len(matches), matches[0].Key)
		}
		return matches[0], nil
	default:
		return domain.BackupArtifact{}, &domain.AmbiguousArtifactError{Token: token, Candidates: keys(matches)}
	}
}

// Latest returns the newest artifact, restricted to database when non-empty.
func (c *Catalog) Latest(ctx context.Context, database string) (domain.BackupArtifact, error) {
	artifacts, err := c.List(ctx)
	if err != nil {
		return domain.BackupArtifact{}, err
	}

	for i := len(artifacts) - 1; i >= 0; i-- {
		if database == "" || artifacts[i].Database == database {
			return artifacts[i], nil
		}
	}
	return domain.BackupArtifact{}, &domain.NotFoundError{Token: "latest " + database, Available: keys(artifacts)}
}

var dateSeparators = strings.NewReplacer("-", "", ":", "", "T", "", " ", "", "_", "")

// MatchesDate reports whether token selects a.
func MatchesDate(a domain.BackupArtifact, token string) bool {
	if token == "" {
		return false
	}
	if strings.Contains(a.Key, token) {
		return true
	}
	digits := dateSeparators.Replace(token)
	if digits == "" || strings.TrimFunc(digits, isDigit) != "" {
		return false
	}
	return strings.Contains(a.Stamp(), digits)
}

func isDigit(r rune) bool { return r >= '0' && r <= '9' }

func keys(artifacts []domain.BackupArtifact) []string {
	out := make([]string, len(artifacts))
	for i, a := range artifacts {
		out[i] = a.Key
	}
	return out
}

func describe(a domain.BackupArtifact) string {
	return fmt.Sprintf("%s (%s)", a.Name, a.CreatedAt.Format("2006-01-02 15:04:05"))
}
