package backup

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"hash"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"golang.org/x/crypto/blake2b"

	"github.com/tis24dev/hostsave/internal/logging"
)

// ManifestFileName is the manifest's file name inside a backup destination
// directory.
const ManifestFileName = "backup-manifest.json"

// Supported manifest hash algorithms.
const (
	HashSHA256  = "sha256"
	HashBlake2b = "blake2b-256"
)

// Manifest records per-file content hashes for post-backup verification.
type Manifest struct {
	Algorithm  string                   `json:"algorithm"`
	CreatedAt  time.Time                `json:"created_at"`
	TotalFiles int                      `json:"total_files"`
	TotalBytes int64                    `json:"total_bytes"`
	Files      map[string]ManifestEntry `json:"files"`
}

// ManifestEntry is one hashed file.
type ManifestEntry struct {
	Hash string `json:"hash"`
	Size int64  `json:"size"`
}

// VerifyIssue is one discrepancy found during verification.
type VerifyIssue struct {
	Path   string `json:"path"`
	Kind   string `json:"kind"` // missing, size_mismatch, hash_mismatch
	Detail string `json:"detail,omitempty"`
}

// VerifyResult summarizes a manifest verification pass.
type VerifyResult struct {
	Valid        bool
	Errors       []VerifyIssue
	CheckedFiles int
	TotalBytes   int64
	CheckedBytes int64
}

// ProgressFunc reports hashing progress: files done, total files, current
// path.
type ProgressFunc func(done, total int, path string)

func newHasher(algorithm string) (hash.Hash, error) {
	switch algorithm {
	case HashSHA256, "":
		return sha256.New(), nil
	case HashBlake2b:
		return blake2b.New256(nil)
	default:
		return nil, fmt.Errorf("unsupported hash algorithm: %s", algorithm)
	}
}

// HashFile streams a file through the hash with a fixed 32KB buffer and
// returns the hex digest plus the byte count read.
func HashFile(ctx context.Context, path, algorithm string) (string, int64, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer file.Close()

	h, err := newHasher(algorithm)
	if err != nil {
		return "", 0, err
	}

	var total int64
	buf := make([]byte, 32*1024)
	for {
		select {
		case <-ctx.Done():
			return "", total, ctx.Err()
		default:
		}

		n, err := file.Read(buf)
		if n > 0 {
			total += int64(n)
			if _, werr := h.Write(buf[:n]); werr != nil {
				return "", total, werr
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", total, err
		}
	}
	return hex.EncodeToString(h.Sum(nil)), total, nil
}

// manifestSkipped reports whether a directory entry is excluded from
// hashing: the manifest itself and temporary artifacts.
func manifestSkipped(name string) bool {
	if name == ManifestFileName {
		return true
	}
	return strings.HasSuffix(name, ".tmp") || strings.HasSuffix(name, ".partial")
}

// GenerateManifest hashes every file under dir and persists the manifest
// beside the backed-up data.
func GenerateManifest(ctx context.Context, logger *logging.Logger, dir, algorithm string, onProgress ProgressFunc) (*Manifest, error) {
	if algorithm == "" {
		algorithm = HashSHA256
	}
	if _, err := newHasher(algorithm); err != nil {
		return nil, err
	}

	var paths []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || manifestSkipped(d.Name()) {
			return nil
		}
		paths = append(paths, path)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list files for manifest: %w", err)
	}
	sort.Strings(paths)

	manifest := &Manifest{
		Algorithm: algorithm,
		CreatedAt: time.Now().UTC(),
		Files:     make(map[string]ManifestEntry, len(paths)),
	}
	for i, path := range paths {
		digest, size, err := HashFile(ctx, path, algorithm)
		if err != nil {
			return nil, fmt.Errorf("hash %s: %w", path, err)
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return nil, err
		}
		rel = filepath.ToSlash(rel)
		manifest.Files[rel] = ManifestEntry{Hash: digest, Size: size}
		manifest.TotalFiles++
		manifest.TotalBytes += size
		if onProgress != nil {
			onProgress(i+1, len(paths), rel)
		}
	}

	data, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal manifest: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, ManifestFileName), data, 0644); err != nil {
		return nil, fmt.Errorf("write manifest: %w", err)
	}

	logger.Info("Manifest written: %d files, %d bytes (%s)", manifest.TotalFiles, manifest.TotalBytes, algorithm)
	return manifest, nil
}

// VerifyManifest re-hashes dir against its persisted manifest. A missing
// manifest file is reported as a verification error, not a crash.
func VerifyManifest(ctx context.Context, logger *logging.Logger, dir string) (*VerifyResult, error) {
	result := &VerifyResult{}

	data, err := os.ReadFile(filepath.Join(dir, ManifestFileName))
	if err != nil {
		result.Errors = append(result.Errors, VerifyIssue{
			Path: ManifestFileName, Kind: "missing", Detail: err.Error(),
		})
		return result, nil
	}

	var manifest Manifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		result.Errors = append(result.Errors, VerifyIssue{
			Path: ManifestFileName, Kind: "hash_mismatch", Detail: fmt.Sprintf("unreadable manifest: %v", err),
		})
		return result, nil
	}
	result.TotalBytes = manifest.TotalBytes

	rels := make([]string, 0, len(manifest.Files))
	for rel := range manifest.Files {
		rels = append(rels, rel)
	}
	sort.Strings(rels)

	for _, rel := range rels {
		entry := manifest.Files[rel]
		path := filepath.Join(dir, filepath.FromSlash(rel))

		info, err := os.Stat(path)
		if err != nil {
			result.Errors = append(result.Errors, VerifyIssue{Path: rel, Kind: "missing", Detail: err.Error()})
			continue
		}
		if info.Size() != entry.Size {
			result.Errors = append(result.Errors, VerifyIssue{
				Path: rel, Kind: "size_mismatch",
				Detail: fmt.Sprintf("expected %d bytes, found %d", entry.Size, info.Size()),
			})
			continue
		}

		digest, size, err := HashFile(ctx, path, manifest.Algorithm)
		if err != nil {
			return result, fmt.Errorf("hash %s: %w", path, err)
		}
		result.CheckedBytes += size
		if digest != entry.Hash {
			result.Errors = append(result.Errors, VerifyIssue{
				Path: rel, Kind: "hash_mismatch",
				Detail: fmt.Sprintf("expected %s, computed %s", entry.Hash, digest),
			})
			continue
		}
		result.CheckedFiles++
	}

	result.Valid = len(result.Errors) == 0
	if result.Valid {
		logger.Info("Manifest verification passed: %d files, %d bytes", result.CheckedFiles, result.CheckedBytes)
	} else {
		logger.Warning("Manifest verification found %d issue(s)", len(result.Errors))
	}
	return result, nil
}
