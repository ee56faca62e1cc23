package domain

import (
	"fmt"
	"path"
	"strings"
	"time"
)

const (
	ArtifactPrefix    = "backup-"
	ArtifactExtension = ".dump.gz"
	TimestampLayout   = "20060102-150405"
)

// BackupArtifact is one stored backup. Key is the full object key and never
// changes once written.
type BackupArtifact struct {
	Key       string
	Name      string
	Database  string
	CreatedAt time.Time
	Size      int64
}

// ArtifactName builds backup-<YYYYMMDD-HHMMSS>-<db>.dump.gz for t in UTC.
func ArtifactName(database string, t time.Time) string {
	return ArtifactPrefix + t.UTC().Format(TimestampLayout) + "-" + database + ArtifactExtension
}

// ArtifactKey joins the store prefix and an artifact name.
func ArtifactKey(prefix, name string) string {
	if prefix == "" {
		return name
	}
	return strings.TrimSuffix(prefix, "/") + "/" + name
}

// ParseArtifact reads the timestamp and database name encoded in key.
func ParseArtifact(key string) (BackupArtifact, error) {
	name := path.Base(key)
	if !strings.HasPrefix(name, ArtifactPrefix) || !strings.HasSuffix(name, ArtifactExtension) {
		return BackupArtifact{}, fmt.Errorf("artifact %q does not follow %s<timestamp>-<db>%s", key, ArtifactPrefix, ArtifactExtension)
	}

	rest := strings.TrimSuffix(strings.TrimPrefix(name, ArtifactPrefix), ArtifactExtension)
	if len(rest) < len(TimestampLayout)+2 || rest[len(TimestampLayout)] != '-' {
		return BackupArtifact{}, fmt.Errorf("artifact %q: missing timestamp or database name", key)
	}

	createdAt, err := time.Parse(TimestampLayout, rest[:len(TimestampLayout)])
	if err != nil {
		return BackupArtifact{}, fmt.Errorf("artifact %q: invalid timestamp: %w", key, err)
	}

	return BackupArtifact{
		Key:       key,
		Name:      name,
		Database:  rest[len(TimestampLayout)+1:],
		CreatedAt: createdAt,
	}, nil
}

// Stamp returns the artifact timestamp as bare digits, YYYYMMDDHHMMSS.
func (a BackupArtifact) Stamp() string {
	return a.CreatedAt.Format("20060102150405")
}
