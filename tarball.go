package gateway

import (
	"archive/tar"
	"compress/gzip"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// extractTarGz unpacks a gzip-compressed tar archive into destDir, refusing
// any entry whose path would escape destDir. Replaces
// original_source/ig60_swmgmt.py's `tar xzf` shell-out with an in-process
// extraction so the verify step runs without depending on a tar binary.
func extractTarGz(archivePath, destDir string) error {
	f, err := os.Open(archivePath)
	if err != nil {
		return err
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return err
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}

		target := filepath.Join(destDir, filepath.Clean(hdr.Name))
		if !isWithinDir(destDir, target) {
			return fmt.Errorf("tar entry %q escapes destination", hdr.Name)
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return err
			}
			out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, os.FileMode(hdr.Mode&0o777))
			if err != nil {
				return err
			}
			if _, err := io.Copy(out, tr); err != nil {
				out.Close()
				return err
			}
			out.Close()
		}
	}
}

func isWithinDir(dir, target string) bool {
	rel, err := filepath.Rel(dir, target)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// verifyManifest checks every file named in manifestName (a JSON object
// mapping relative path to hex sha256) against its extracted contents under
// workDir. Replaces original_source/ig60_swmgmt.py's `sha256sum -c` shell-out
// with a direct crypto/sha256 comparison; a missing or mismatched entry is
// INTEGRITY_FAILED, matching spec §7/§4.9.
func verifyManifest(workDir, manifestName string) error {
	raw, err := os.ReadFile(filepath.Join(workDir, manifestName))
	if err != nil {
		return fmt.Errorf("%w: reading manifest: %v", ErrValidationFailed, err)
	}
	var manifest map[string]string
	if err := json.Unmarshal(raw, &manifest); err != nil {
		return fmt.Errorf("%w: parsing manifest: %v", ErrValidationFailed, err)
	}
	for name, wantSum := range manifest {
		path := filepath.Join(workDir, filepath.Clean(name))
		if !isWithinDir(workDir, path) {
			return fmt.Errorf("%w: manifest entry %q escapes work dir", ErrValidationFailed, name)
		}
		f, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrValidationFailed, err)
		}
		h := sha256.New()
		_, err = io.Copy(h, f)
		f.Close()
		if err != nil {
			return fmt.Errorf("%w: %v", ErrValidationFailed, err)
		}
		gotSum := hex.EncodeToString(h.Sum(nil))
		if gotSum != wantSum {
			return fmt.Errorf("%w: checksum mismatch for %s", ErrValidationFailed, name)
		}
	}
	return nil
}
