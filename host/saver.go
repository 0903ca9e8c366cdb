package host

import (
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/agentpay/agentpay/protocol"
)

// ArtifactSaver persists file parts returned by remote agents and hands
// back an id the caller can reference them by.
type ArtifactSaver interface {
	Save(sessionID string, file protocol.FileContent) (id string, err error)
}

// DirSaver writes artifacts under a base directory, one subdirectory per
// session.
type DirSaver struct {
	dir string
}

// NewDirSaver creates a DirSaver rooted at dir.
func NewDirSaver(dir string) (*DirSaver, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating artifact dir: %w", err)
	}
	return &DirSaver{dir: dir}, nil
}

// Save decodes the file's inline bytes and writes them to disk. Files
// that only carry a URI are not fetched; the URI itself is the reference.
func (s *DirSaver) Save(sessionID string, file protocol.FileContent) (string, error) {
	if file.Bytes == "" {
		if file.URI != "" {
			return file.URI, nil
		}
		return "", fmt.Errorf("file part %q carries no content", file.Name)
	}
	data, err := base64.StdEncoding.DecodeString(file.Bytes)
	if err != nil {
		return "", fmt.Errorf("decoding file part %q: %w", file.Name, err)
	}

	sessionDir := filepath.Join(s.dir, sessionID)
	if err := os.MkdirAll(sessionDir, 0o755); err != nil {
		return "", fmt.Errorf("creating session dir: %w", err)
	}
	id := uuid.NewString()
	name := file.Name
	if name == "" {
		name = "artifact"
	}
	path := filepath.Join(sessionDir, id+"-"+filepath.Base(name))
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("writing artifact: %w", err)
	}
	return id, nil
}
