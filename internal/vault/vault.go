// Package vault is the default persistence sink: one JSON artifact per archived
// item, named by the item's dedup key so a rewrite lands on the same file.
package vault

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/agentworkforce/relayarchive/internal/jobs"
	"github.com/agentworkforce/relayarchive/internal/remote"
)

var unsafeSegment = regexp.MustCompile(`[^a-z0-9._-]+`)

type Artifact struct {
	DedupKey   string          `json:"dedupKey"`
	URL        string          `json:"url"`
	Platform   string          `json:"platform,omitempty"`
	ArchiveID  string          `json:"archiveId,omitempty"`
	JobID      string          `json:"jobId,omitempty"`
	Title      string          `json:"title,omitempty"`
	ArchivedAt time.Time       `json:"archivedAt"`
	Content    json.RawMessage `json:"content,omitempty"`
}

type Vault struct {
	root string
	now  func() time.Time
}

func New(root string, now func() time.Time) (*Vault, error) {
	root = strings.TrimSpace(root)
	if root == "" {
		return nil, errors.New("vault directory is required")
	}
	if now == nil {
		now = time.Now
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create vault directory: %w", err)
	}
	return &Vault{root: root, now: now}, nil
}

// Finalize writes the artifact for job and returns its path.
func (v *Vault) Finalize(ctx context.Context, job jobs.Job, result remote.Result) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	url := strings.TrimSpace(job.URL)
	if url == "" {
		url = strings.TrimSpace(result.URL)
	}
	platform := strings.TrimSpace(job.Platform)
	if platform == "" {
		platform = strings.TrimSpace(result.Platform)
	}
	if url == "" && result.ArchiveID == "" {
		return "", errors.New("artifact needs a url or an archive id")
	}
	key := job.DedupKey()
	if url == "" {
		key = "archive:" + result.ArchiveID
	} else if job.URL == "" {
		key = jobs.Job{URL: url, Platform: platform}.DedupKey()
	}
	artifact := Artifact{
		DedupKey:   key,
		URL:        url,
		Platform:   platform,
		ArchiveID:  result.ArchiveID,
		JobID:      job.Metadata.RemoteJobID,
		Title:      result.Title,
		ArchivedAt: v.now().UTC(),
		Content:    result.Content,
	}
	data, err := json.MarshalIndent(artifact, "", "  ")
	if err != nil {
		return "", err
	}
	path := v.PathFor(platform, key)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", err
	}
	if err := writeFileAtomic(path, data, 0o644); err != nil {
		return "", fmt.Errorf("write artifact %s: %w", path, err)
	}
	return path, nil
}

// PathFor returns where the artifact for a dedup key lives.
func (v *Vault) PathFor(platform, key string) string {
	dir := unsafeSegment.ReplaceAllString(strings.ToLower(strings.TrimSpace(platform)), "-")
	dir = strings.Trim(dir, "-.")
	if dir == "" {
		dir = "web"
	}
	sum := sha256.Sum256([]byte(key))
	return filepath.Join(v.root, dir, hex.EncodeToString(sum[:12])+".json")
}

func writeFileAtomic(path string, data []byte, mode os.FileMode) error {
	dir := filepath.Dir(path)
	tmpFile, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmpFile.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()
	if _, err := tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Chmod(mode); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}
	committed = true
	return nil
}
