// Package filestorage places completed artifacts into their final home.
package filestorage

// FileStorage is the interface implemented by artifact placement
// backends. The processor hands it a staged artifact once the download
// has fully succeeded; the backend owns the file from then on.
type FileStorage interface {
	// StoreFile moves the file at srcpath to destpath within the
	// backend, removing the source.
	StoreFile(srcpath string, destpath string) error

	// DeleteFile removes destpath from the backend. Deleting a missing
	// file is not an error.
	DeleteFile(destpath string) error

	// FileExists returns true if destpath exists in the backend.
	FileExists(destpath string) bool
}
