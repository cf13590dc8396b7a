// Package bundle packages an order's code directory plus its encrypted
// environment ciphertext into a single archive for upload to the artifact
// store, and unpacks that archive on the worker side. Grounded on the
// teacher's internal/artifact/types.Archive/Unarchive tar.gz codec, adapted
// to use klauspost/compress instead of the standard library's compress/gzip
// — already a transitive dependency via the Docker client, promoted here to
// direct use for the codec that runs on every order dispatch.
package bundle

import (
	"archive/tar"
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"
)

// EnvelopeFile is the name, within a bundle, of the encrypted environment
// payload produced by internal/admission/encrypt.go.
const EnvelopeFile = ".envelope.json"

// Build creates a tar.gz bundle at destPath containing every file under
// codeDir plus a top-level EnvelopeFile holding envelopeJSON.
func Build(destPath, codeDir string, envelopeJSON []byte) error {
	out, err := os.Create(destPath)
	if err != nil {
		return fmt.Errorf("create bundle: %w", err)
	}
	defer out.Close()

	gz, err := gzip.NewWriterLevel(out, gzip.BestSpeed)
	if err != nil {
		return fmt.Errorf("gzip writer: %w", err)
	}
	defer gz.Close()

	tw := tar.NewWriter(gz)
	defer tw.Close()

	if codeDir != "" {
		if err := addDir(tw, codeDir); err != nil {
			return err
		}
	}

	header := &tar.Header{Name: EnvelopeFile, Mode: 0o600, Size: int64(len(envelopeJSON))}
	if err := tw.WriteHeader(header); err != nil {
		return fmt.Errorf("write envelope header: %w", err)
	}
	if _, err := tw.Write(envelopeJSON); err != nil {
		return fmt.Errorf("write envelope: %w", err)
	}
	return nil
}

func addDir(tw *tar.Writer, srcDir string) error {
	return filepath.Walk(srcDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		relPath, err := filepath.Rel(srcDir, path)
		if err != nil {
			return err
		}
		if relPath == "." {
			return nil
		}
		relPath = filepath.ToSlash(relPath)

		if info.IsDir() {
			header, err := tar.FileInfoHeader(info, "")
			if err != nil {
				return err
			}
			header.Name = relPath + "/"
			return tw.WriteHeader(header)
		}

		file, err := os.Open(path)
		if err != nil {
			return err
		}
		defer file.Close()

		header, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		header.Name = relPath

		if err := tw.WriteHeader(header); err != nil {
			return err
		}
		_, err = io.Copy(tw, file)
		return err
	})
}

// Extract unpacks a tar.gz bundle from data into destDir, returning the raw
// envelope bytes it found (nil if none was present). Path-traversal
// protection mirrors the teacher's Unarchive: any entry cleaning to a path
// outside destDir is rejected.
func Extract(data []byte, destDir string) (envelopeJSON []byte, err error) {
	gz, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("gzip reader: %w", err)
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	for {
		header, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read tar header: %w", err)
		}

		cleanName := filepath.Clean(header.Name)
		if strings.HasPrefix(cleanName, "..") || filepath.IsAbs(cleanName) {
			return nil, fmt.Errorf("invalid path in bundle: %s", header.Name)
		}

		if cleanName == EnvelopeFile {
			buf, err := io.ReadAll(tr)
			if err != nil {
				return nil, fmt.Errorf("read envelope: %w", err)
			}
			envelopeJSON = buf
			continue
		}

		targetPath := filepath.Join(destDir, cleanName)
		switch header.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(targetPath, 0o755); err != nil {
				return nil, err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(targetPath), 0o755); err != nil {
				return nil, err
			}
			outFile, err := os.OpenFile(targetPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, os.FileMode(header.Mode))
			if err != nil {
				return nil, err
			}
			if _, err := io.Copy(outFile, tr); err != nil {
				outFile.Close()
				return nil, err
			}
			outFile.Close()
		}
	}
	return envelopeJSON, nil
}
