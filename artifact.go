package turn

import (
	"context"
	"fmt"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"
)

// ArtifactKind classifies resolved artifact content.
type ArtifactKind string

const (
	ArtifactImage  ArtifactKind = "image"
	ArtifactText   ArtifactKind = "text"
	ArtifactBinary ArtifactKind = "binary"
	ArtifactError  ArtifactKind = "error"
)

// Artifact is out-of-band generated content referenced by an annotation.
type Artifact struct {
	ID          string       `json:"id"`
	FileID      string       `json:"file_id"`
	Filename    string       `json:"filename,omitempty"`
	ContainerID string       `json:"container_id,omitempty"`
	MimeType    string       `json:"mime_type,omitempty"`
	Kind        ArtifactKind `json:"kind"`
	Data        []byte       `json:"data,omitempty"`
	Text        string       `json:"text,omitempty"`
	ErrorText   string       `json:"error_text,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
}

type artifactKey struct {
	containerID string
	fileID      string
}

func (k artifactKey) String() string { return k.containerID + "/" + k.fileID }

// ArtifactCache is a process-wide cache of resolved artifacts. Concurrent
// annotations for the same (containerID, fileID) collapse into a single
// fetch; a bounded semaphore limits in-flight fetches across all sessions.
type ArtifactCache struct {
	mu      sync.RWMutex
	entries map[artifactKey]Artifact

	group singleflight.Group
	sem   *semaphore.Weighted
}

// NewArtifactCache creates a cache allowing up to maxConcurrent fetches.
func NewArtifactCache(maxConcurrent int64) *ArtifactCache {
	if maxConcurrent <= 0 {
		maxConcurrent = 4
	}
	return &ArtifactCache{
		entries: make(map[artifactKey]Artifact),
		sem:     semaphore.NewWeighted(maxConcurrent),
	}
}

// Get returns the cached artifact for the key, if resolved.
func (c *ArtifactCache) Get(containerID, fileID string) (Artifact, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	a, ok := c.entries[artifactKey{containerID, fileID}]
	return a, ok
}

// Resolve fetches, classifies and caches the referenced content. On fetch
// failure it returns an error-variant artifact, which is not cached so a
// later annotation can retry.
func (c *ArtifactCache) Resolve(ctx context.Context, fetcher ContentFetcher, containerID, fileID, filename string) Artifact {
	key := artifactKey{containerID, fileID}
	if a, ok := c.Get(containerID, fileID); ok {
		return a
	}

	v, err, _ := c.group.Do(key.String(), func() (any, error) {
		if a, ok := c.Get(containerID, fileID); ok {
			return a, nil
		}
		if err := c.sem.Acquire(ctx, 1); err != nil {
			return Artifact{}, err
		}
		defer c.sem.Release(1)

		data, err := fetchContent(ctx, fetcher, containerID, fileID)
		if err != nil {
			return Artifact{}, &ResourceFetchError{FileID: fileID, ContainerID: containerID, Err: err}
		}

		a := classifyArtifact(containerID, fileID, filename, data)
		c.mu.Lock()
		c.entries[key] = a
		c.mu.Unlock()
		return a, nil
	})
	if err != nil {
		return errorArtifact(containerID, fileID, filename, err)
	}
	return v.(Artifact)
}

// fetchContent routes by reference shape: container-scoped file ids go
// through the container endpoint, anything else through the generic one.
func fetchContent(ctx context.Context, fetcher ContentFetcher, containerID, fileID string) ([]byte, error) {
	if fetcher == nil {
		return nil, fmt.Errorf("no content fetcher configured")
	}
	if containerID != "" || strings.HasPrefix(fileID, "cfile_") {
		return fetcher.FetchContainerFile(ctx, containerID, fileID)
	}
	return fetcher.FetchFile(ctx, fileID)
}

func errorArtifact(containerID, fileID, filename string, err error) Artifact {
	return Artifact{
		ID:          uuid.New().String(),
		FileID:      fileID,
		Filename:    filename,
		ContainerID: containerID,
		Kind:        ArtifactError,
		ErrorText:   err.Error(),
		CreatedAt:   time.Now(),
	}
}

var imageExts = map[string]string{
	".png":  "image/png",
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".gif":  "image/gif",
	".webp": "image/webp",
	".svg":  "image/svg+xml",
}

var textExts = map[string]bool{
	".txt": true, ".md": true, ".csv": true, ".json": true, ".log": true,
	".py": true, ".go": true, ".js": true, ".ts": true, ".html": true,
	".xml": true, ".yaml": true, ".yml": true, ".sh": true,
}

func classifyArtifact(containerID, fileID, filename string, data []byte) Artifact {
	a := Artifact{
		ID:          uuid.New().String(),
		FileID:      fileID,
		Filename:    filename,
		ContainerID: containerID,
		CreatedAt:   time.Now(),
	}

	ext := strings.ToLower(path.Ext(filename))
	if mime, ok := imageExts[ext]; ok {
		a.Kind = ArtifactImage
		a.MimeType = mime
		a.Data = data
		return a
	}
	if textExts[ext] || isMostlyText(data) {
		a.Kind = ArtifactText
		a.Text = string(data)
		return a
	}
	a.Kind = ArtifactBinary
	a.Data = data
	return a
}

// isMostlyText is a cheap sniff for extensionless files.
func isMostlyText(data []byte) bool {
	if len(data) == 0 {
		return true
	}
	sample := data
	if len(sample) > 512 {
		sample = sample[:512]
	}
	printable := 0
	for _, b := range sample {
		if b == '\n' || b == '\r' || b == '\t' || (b >= 0x20 && b < 0x7f) {
			printable++
		}
	}
	return printable*10 >= len(sample)*9
}
