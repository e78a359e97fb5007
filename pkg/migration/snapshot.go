package migration

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/crypto/blake2b"
)

// manifestName is the work-state manifest embedded in every snapshot.
const manifestName = ".flock-manifest.json"

// Manifest describes the snapshot's provenance and contents.
type Manifest struct {
	MigrationID string    `json:"migration_id"`
	AgentID     string    `json:"agent_id"`
	SourceNode  string    `json:"source_node"`
	CreatedAt   time.Time `json:"created_at"`
	FileCount   int       `json:"file_count"`
	TotalBytes  int64     `json:"total_bytes"`
}

// Snapshot is the portable archive of a home plus its content digest.
type Snapshot struct {
	Archive []byte
	Digest  string
	Size    int64
}

// Digest computes the hex-encoded BLAKE2b-256 digest of archive bytes.
func Digest(archive []byte) string {
	sum := blake2b.Sum256(archive)
	return hex.EncodeToString(sum[:])
}

// BuildSnapshot archives the portable subtree at portablePath as tar.gz
// with an embedded manifest, and computes the digest over the final bytes.
func BuildSnapshot(portablePath string, manifest Manifest) (*Snapshot, error) {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)

	fileCount := 0
	var totalBytes int64
	err := filepath.WalkDir(portablePath, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(portablePath, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return err
		}
		header, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		header.Name = filepath.ToSlash(rel)

		if err := tw.WriteHeader(header); err != nil {
			return fmt.Errorf("write header for %s: %w", rel, err)
		}
		if d.IsDir() {
			return nil
		}

		f, err := os.Open(path)
		if err != nil {
			return err
		}
		n, err := io.Copy(tw, f)
		_ = f.Close()
		if err != nil {
			return fmt.Errorf("archive %s: %w", rel, err)
		}
		fileCount++
		totalBytes += n
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk portable subtree: %w", err)
	}

	manifest.FileCount = fileCount
	manifest.TotalBytes = totalBytes
	if manifest.CreatedAt.IsZero() {
		manifest.CreatedAt = time.Now().UTC()
	}
	manifestBytes, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal manifest: %w", err)
	}
	if err := tw.WriteHeader(&tar.Header{
		Name: manifestName,
		Mode: 0o600,
		Size: int64(len(manifestBytes)),
	}); err != nil {
		return nil, fmt.Errorf("write manifest header: %w", err)
	}
	if _, err := tw.Write(manifestBytes); err != nil {
		return nil, fmt.Errorf("write manifest: %w", err)
	}

	if err := tw.Close(); err != nil {
		return nil, fmt.Errorf("close tar: %w", err)
	}
	if err := gz.Close(); err != nil {
		return nil, fmt.Errorf("close gzip: %w", err)
	}

	archive := buf.Bytes()
	return &Snapshot{
		Archive: archive,
		Digest:  Digest(archive),
		Size:    int64(len(archive)),
	}, nil
}

// Verify recomputes the digest over archive and checks it against expected
// and the size ceiling. A mismatch or oversize archive fails verification;
// authoritative ownership stays with the source.
func Verify(archive []byte, expectedDigest string, maxSize int64) error {
	if int64(len(archive)) > maxSize {
		return fmt.Errorf("%w: archive is %d bytes, ceiling is %d", ErrVerificationFailed, len(archive), maxSize)
	}
	actual := Digest(archive)
	if actual != expectedDigest {
		return fmt.Errorf("%w: digest mismatch (got %s, want %s)", ErrVerificationFailed, actual, expectedDigest)
	}
	return nil
}

// WorkStateTransformer rewrites file contents during rehydration, e.g.
// updating endpoint URLs that changed with the move. Returning the input
// unchanged is valid.
type WorkStateTransformer func(name string, data []byte) ([]byte, error)

// ExtractArchive unpacks a verified snapshot into targetPath, applying the
// optional transformer to each regular file. Paths escaping targetPath are
// rejected. Returns the embedded manifest.
func ExtractArchive(archive []byte, targetPath string, transform WorkStateTransformer) (*Manifest, error) {
	gz, err := gzip.NewReader(bytes.NewReader(archive))
	if err != nil {
		return nil, fmt.Errorf("open archive: %w", err)
	}
	defer func() { _ = gz.Close() }()

	var manifest *Manifest
	tr := tar.NewReader(gz)
	for {
		header, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read archive: %w", err)
		}

		name := filepath.FromSlash(header.Name)
		if strings.Contains(name, "..") {
			return nil, fmt.Errorf("archive entry %q escapes target", header.Name)
		}
		dest := filepath.Join(targetPath, name)

		switch header.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(dest, 0o700); err != nil {
				return nil, fmt.Errorf("create %s: %w", name, err)
			}
		case tar.TypeReg:
			data, err := io.ReadAll(tr)
			if err != nil {
				return nil, fmt.Errorf("read %s: %w", name, err)
			}

			if header.Name == manifestName {
				var m Manifest
				if err := json.Unmarshal(data, &m); err != nil {
					return nil, fmt.Errorf("decode manifest: %w", err)
				}
				manifest = &m
				continue
			}

			if transform != nil {
				data, err = transform(header.Name, data)
				if err != nil {
					return nil, fmt.Errorf("transform %s: %w", name, err)
				}
			}

			if err := os.MkdirAll(filepath.Dir(dest), 0o700); err != nil {
				return nil, fmt.Errorf("create parent of %s: %w", name, err)
			}
			mode := os.FileMode(header.Mode & 0o777)
			if mode == 0 {
				mode = 0o600
			}
			if err := os.WriteFile(dest, data, mode); err != nil {
				return nil, fmt.Errorf("write %s: %w", name, err)
			}
		}
	}

	if manifest == nil {
		return nil, fmt.Errorf("archive has no manifest")
	}
	return manifest, nil
}
