// Package registry keeps track of the editor builds installed on this
// machine. The installer imports every successfully extracted build
// here; the CLI lists the result.
package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Editor is one installed editor build.
type Editor struct {
	// Name is the display name the build was imported under. Unique
	// within the registry; re-importing a name replaces the entry.
	Name string `json:"name"`

	// Path is the version-scoped directory the build was extracted to.
	Path string `json:"path"`

	// ExecPath is the editor executable inside Path, when one was
	// found.
	ExecPath string `json:"exec_path,omitempty"`

	InstalledAt time.Time `json:"installed_at"`
}

// Registry is the editor registry collaborator invoked by the installer
// after extraction.
type Registry interface {
	// Import registers the extracted build at dir under displayName.
	Import(dir, displayName string) (*Editor, error)

	// List returns the registered editors, oldest first.
	List() ([]Editor, error)

	// Remove drops the named editor from the registry. The files on
	// disk are left alone.
	Remove(name string) error
}

const indexFile = "editors.json"

// FileRegistry persists the editor list as JSON inside the versions
// directory.
type FileRegistry struct {
	dir string

	mu sync.Mutex
}

// NewFileRegistry returns a registry rooted at the versions directory,
// creating it if needed.
func NewFileRegistry(versionsDir string) (*FileRegistry, error) {
	if err := os.MkdirAll(versionsDir, os.FileMode(0755)); err != nil {
		return nil, err
	}
	return &FileRegistry{dir: versionsDir}, nil
}

// Import registers the build extracted at dir. The directory must
// exist; an entry with the same name is replaced.
func (r *FileRegistry) Import(dir, displayName string) (*Editor, error) {
	if displayName == "" {
		return nil, errors.New("Display name cannot be empty")
	}
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("Could not import %q: %s", dir, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("Could not import %q: not a directory", dir)
	}

	ed := Editor{
		Name:        displayName,
		Path:        dir,
		ExecPath:    findExecutable(dir),
		InstalledAt: time.Now(),
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	editors, err := r.load()
	if err != nil {
		return nil, err
	}

	replaced := false
	for i := range editors {
		if editors[i].Name == ed.Name {
			editors[i] = ed
			replaced = true
			break
		}
	}
	if !replaced {
		editors = append(editors, ed)
	}

	if err := r.persist(editors); err != nil {
		return nil, err
	}
	return &ed, nil
}

// List returns the registered editors, oldest first.
func (r *FileRegistry) List() ([]Editor, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.load()
}

// Remove drops the named editor from the registry.
func (r *FileRegistry) Remove(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	editors, err := r.load()
	if err != nil {
		return err
	}
	for i := range editors {
		if editors[i].Name == name {
			editors = append(editors[:i], editors[i+1:]...)
			return r.persist(editors)
		}
	}
	return fmt.Errorf("No editor named %q", name)
}

func (r *FileRegistry) load() ([]Editor, error) {
	data, err := os.ReadFile(filepath.Join(r.dir, indexFile))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var editors []Editor
	if err := json.Unmarshal(data, &editors); err != nil {
		return nil, fmt.Errorf("Corrupt registry index: %s", err)
	}
	return editors, nil
}

func (r *FileRegistry) persist(editors []Editor) error {
	data, err := json.MarshalIndent(editors, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(r.dir, indexFile), data, os.FileMode(0644))
}

// findExecutable locates the most plausible editor binary in dir: the
// largest regular file with the executable bit set. Editor archives
// bundle exactly one big binary, so this heuristic holds in practice.
func findExecutable(dir string) string {
	var best string
	var bestSize int64

	filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		if info.Mode()&0111 == 0 && !strings.HasSuffix(path, ".exe") {
			return nil
		}
		if info.Size() > bestSize {
			best = path
			bestSize = info.Size()
		}
		return nil
	})
	return best
}
