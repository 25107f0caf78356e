// Package installer turns a downloaded editor archive into a usable
// editor build: it verifies the archive's content type, extracts it
// into a version-scoped directory and imports the result into the
// editor registry.
package installer

import (
	"archive/zip"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/WangWindow/AvaGodots/processor/mimetype"
	"github.com/WangWindow/AvaGodots/registry"
)

// Installer extracts editor archives and registers the builds. Safe for
// concurrent use; the libmagic decoder is guarded by the per-call
// validator.
type Installer struct {
	// VersionsDir holds one subdirectory per installed build.
	VersionsDir string

	// Registry receives every successfully extracted build.
	Registry registry.Registry

	// MimePattern is the expected content type of incoming archives,
	// in mimetype pattern syntax. Empty disables the check.
	MimePattern string

	Log *log.Logger
}

// New returns an Installer rooted at versionsDir. The mime pattern is
// validated up front so a bad config fails at startup, not at the first
// install.
func New(versionsDir string, reg registry.Registry, mimePattern string, logger *log.Logger) (*Installer, error) {
	if versionsDir == "" {
		return nil, errors.New("Versions directory cannot be empty")
	}
	if reg == nil {
		return nil, errors.New("Registry cannot be nil")
	}
	if mimePattern != "" {
		if err := mimetype.ValidatePattern(mimePattern); err != nil {
			return nil, err
		}
	}
	if err := os.MkdirAll(versionsDir, os.FileMode(0755)); err != nil {
		return nil, err
	}

	return &Installer{
		VersionsDir: versionsDir,
		Registry:    reg,
		MimePattern: mimePattern,
		Log:         logger,
	}, nil
}

// Install extracts the archive at archivePath into a directory named
// after displayName under VersionsDir, registers the build and returns
// the install directory. The archive itself is left in place; the
// caller decides its fate.
//
// A pre-existing install directory for the same name is replaced.
func (i *Installer) Install(archivePath, displayName string) (string, error) {
	if displayName == "" {
		return "", errors.New("Display name cannot be empty")
	}

	if i.MimePattern != "" {
		if err := i.checkArchive(archivePath); err != nil {
			return "", err
		}
	}

	target := filepath.Join(i.VersionsDir, sanitizeName(displayName))

	// Replace any previous install of the same build wholesale;
	// extracting over stale files would leave the two mixed together.
	if err := os.RemoveAll(target); err != nil {
		return "", fmt.Errorf("Could not clear %q: %s", target, err)
	}

	if err := extractZip(archivePath, target); err != nil {
		os.RemoveAll(target)
		return "", err
	}

	if _, err := i.Registry.Import(target, displayName); err != nil {
		os.RemoveAll(target)
		return "", err
	}

	if i.Log != nil {
		i.Log.Printf("Installed %q to %s", displayName, target)
	}
	return target, nil
}

// checkArchive runs the configured mime type checks against the
// archive. The decoder is created per call; libmagic handles are not
// safe to share across goroutines.
func (i *Installer) checkArchive(path string) error {
	v, err := mimetype.New(i.MimePattern)
	if err != nil {
		return err
	}
	defer v.Close()
	return v.CheckFile(path)
}

// extractZip unpacks the archive at src into dir, preserving file modes
// and rejecting entries that would escape dir.
func extractZip(src, dir string) error {
	r, err := zip.OpenReader(src)
	if err != nil {
		return fmt.Errorf("Could not open archive %q: %s", src, err)
	}
	defer r.Close()

	if err := os.MkdirAll(dir, os.FileMode(0755)); err != nil {
		return err
	}

	for _, f := range r.File {
		if err := extractEntry(f, dir); err != nil {
			return err
		}
	}
	return nil
}

func extractEntry(f *zip.File, dir string) error {
	path, err := securePath(dir, f.Name)
	if err != nil {
		return err
	}

	if f.FileInfo().IsDir() {
		return os.MkdirAll(path, f.Mode().Perm()|0700)
	}

	if err := os.MkdirAll(filepath.Dir(path), os.FileMode(0755)); err != nil {
		return err
	}

	in, err := f.Open()
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, f.Mode().Perm()|0600)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// securePath joins name onto dir, refusing entries that would resolve
// outside of dir (zip slip).
func securePath(dir, name string) (string, error) {
	path := filepath.Join(dir, filepath.FromSlash(name))
	if path != dir && !strings.HasPrefix(path, dir+string(os.PathSeparator)) {
		return "", fmt.Errorf("Archive entry %q escapes the install directory", name)
	}
	return path, nil
}

// sanitizeName maps a display name to a directory name, dropping path
// separators.
func sanitizeName(name string) string {
	name = strings.ReplaceAll(name, "/", "-")
	name = strings.ReplaceAll(name, string(os.PathSeparator), "-")
	return name
}
