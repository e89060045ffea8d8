package eventlog

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const (
	// ArtifactThreshold is the payload size at which content moves to a
	// sidecar file instead of being inlined in the event.
	ArtifactThreshold = 10 * 1024

	// ArtifactCeiling is the hard cap on sidecar content; anything beyond
	// is cut and marked.
	ArtifactCeiling = 10 * 1024 * 1024

	truncationMarker = "\n... [truncated at 10 MiB] ...\n"
)

// StoreArtifact writes an oversized payload to the artifacts sidecar and
// returns a reference to it. Payloads under the threshold return nil so the
// caller inlines the bytes instead. Content beyond the ceiling is truncated
// with a textual marker.
func (l *Log) StoreArtifact(content []byte, name string) (*ArtifactRef, error) {
	if len(content) < ArtifactThreshold {
		return nil, nil
	}

	if len(content) > ArtifactCeiling {
		// Appending in place would write the marker into the caller's
		// backing array; the caller still owns those bytes.
		truncated := make([]byte, 0, ArtifactCeiling+len(truncationMarker))
		truncated = append(truncated, content[:ArtifactCeiling]...)
		content = append(truncated, truncationMarker...)
	}

	sum := sha256.Sum256(content)
	hash := hex.EncodeToString(sum[:])

	artifactDir := filepath.Join(l.dir, "artifacts", l.sessionID)
	if err := os.MkdirAll(artifactDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create artifact directory: %w", err)
	}

	fileName := fmt.Sprintf("%s_%s.txt", sanitizeArtifactName(name), hash[:8])
	fullPath := filepath.Join(artifactDir, fileName)
	if err := os.WriteFile(fullPath, content, 0o644); err != nil {
		return nil, fmt.Errorf("failed to write artifact: %w", err)
	}

	relPath, err := filepath.Rel(l.dir, fullPath)
	if err != nil {
		relPath = fullPath
	}

	return &ArtifactRef{
		Path:   relPath,
		SHA256: hash,
		Size:   int64(len(content)),
	}, nil
}

// ReadArtifact resolves an artifact reference back to its content.
func (l *Log) ReadArtifact(ref *ArtifactRef) ([]byte, error) {
	if ref == nil {
		return nil, fmt.Errorf("nil artifact reference")
	}
	return os.ReadFile(filepath.Join(l.dir, ref.Path))
}

// sanitizeArtifactName keeps artifact filenames to a safe character set.
func sanitizeArtifactName(name string) string {
	if name == "" {
		return "artifact"
	}
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	out := b.String()
	if len(out) > 64 {
		out = out[:64]
	}
	return out
}
