package filestorage

import (
	"io"
	"os"
	"path"
	"path/filepath"
)

// FileSystem stores artifacts under a local root directory. This is the
// default backend; destpath is interpreted relative to RootDir.
type FileSystem struct {
	RootDir string
}

func NewFileSystem(rootdir string) *FileSystem {
	err := os.MkdirAll(rootdir, os.FileMode(0755))
	if err != nil {
		return nil
	}
	return &FileSystem{RootDir: rootdir}
}

// StoreFile moves srcpath into the storage root. Rename is attempted
// first; a cross-device source falls back to copy and remove.
func (fs FileSystem) StoreFile(srcpath string, destpath string) error {
	fulldestpath := path.Join(fs.RootDir, destpath)
	err := os.MkdirAll(filepath.Dir(fulldestpath), os.FileMode(0755))
	if err != nil {
		return err
	}

	err = os.Rename(srcpath, fulldestpath)
	if err != nil {
		fsrc, err := os.Open(srcpath)
		if err != nil {
			return err
		}
		defer fsrc.Close()

		fdest, err := os.Create(fulldestpath)
		if err != nil {
			return err
		}
		defer fdest.Close()

		_, err = io.Copy(fdest, fsrc)
		if err != nil {
			return err
		}
		os.Remove(srcpath)
	}

	return nil
}

// DeleteFile removes a file from the storage root
func (fs FileSystem) DeleteFile(destpath string) error {
	abspath := path.Join(fs.RootDir, destpath)
	err := os.Remove(abspath)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// FileExists returns true if the file exists, false otherwise
func (fs FileSystem) FileExists(destpath string) bool {
	abspath := path.Join(fs.RootDir, destpath)
	_, err := os.Stat(abspath)
	return err == nil
}
