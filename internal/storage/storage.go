// Package storage archives every successfully published newsletter issue
// to the local filesystem or S3.
package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ignite/newsletter/internal/config"
	"github.com/ignite/newsletter/internal/domain"
)

// ArchivedIssue is the document written for a published issue.
type ArchivedIssue struct {
	IssueID     string                 `json:"issue_id"`
	Issue       domain.NewsletterIssue `json:"issue"`
	PublishedBy domain.UserID          `json:"published_by"`
	PublishedAt time.Time              `json:"published_at"`
	Delivered   int                    `json:"delivered"`
	Skipped     int                    `json:"skipped"`
}

// Key returns the object path, partitioned by publish date.
func (a ArchivedIssue) Key() string {
	id := a.IssueID
	if id == "" {
		id = a.PublishedAt.UTC().Format("150405.000000000")
	}
	return fmt.Sprintf("%s/%s.json", a.PublishedAt.UTC().Format("2006/01/02"), filepath.Base(id))
}

// Archiver stores published issues.
type Archiver interface {
	Save(ctx context.Context, issue ArchivedIssue) error
}

// New builds the archiver selected by cfg.Type. "none" yields a nil
// Archiver, which callers treat as archiving disabled.
func New(ctx context.Context, cfg config.ArchiveConfig) (Archiver, error) {
	switch cfg.Type {
	case "", "none":
		return nil, nil
	case "local":
		a, err := NewLocalArchive(cfg.LocalPath)
		if err != nil {
			return nil, err
		}
		return a, nil
	case "s3":
		a, err := NewS3Archive(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return a, nil
	default:
		return nil, fmt.Errorf("storage: unknown archive type %q", cfg.Type)
	}
}

// LocalArchive writes one JSON file per issue under a root directory.
type LocalArchive struct {
	root string
}

// NewLocalArchive creates root if needed.
func NewLocalArchive(root string) (*LocalArchive, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("storage: create %s: %w", root, err)
	}
	return &LocalArchive{root: root}, nil
}

func (l *LocalArchive) Save(_ context.Context, issue ArchivedIssue) error {
	path := filepath.Join(l.root, filepath.FromSlash(issue.Key()))
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("storage: create dir: %w", err)
	}

	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("storage: create %s: %w", path, err)
	}
	defer file.Close()

	encoder := json.NewEncoder(file)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(issue); err != nil {
		return fmt.Errorf("storage: encode issue: %w", err)
	}
	return nil
}

func joinKey(prefix, key string) string {
	if prefix == "" {
		return key
	}
	return strings.TrimSuffix(prefix, "/") + "/" + key
}
