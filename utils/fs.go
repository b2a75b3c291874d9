package utils

import (
	"fmt"
	"os"
	"path/filepath"

	"hostfetch/internal"
)

// PartSuffix marks a download that has not finished yet
const PartSuffix = ".part"

// FileOperations provides file system utilities
type FileOperations struct{}

// NewFileOperations creates a new FileOperations instance
func NewFileOperations() *FileOperations {
	return &FileOperations{}
}

// OpenUpload opens a regular file for upload and returns it with its size
func (f *FileOperations) OpenUpload(path string) (*os.File, int64, error) {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, 0, internal.NewValidationErrorWithValue("file", "file does not exist", path)
		}
		return nil, 0, fmt.Errorf("cannot stat %s: %w", path, err)
	}
	if !info.Mode().IsRegular() {
		return nil, 0, internal.NewValidationErrorWithValue("file", "not a regular file", path)
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, 0, fmt.Errorf("cannot open %s: %w", path, err)
	}
	return file, info.Size(), nil
}

// ensureDir creates the parent directory of path if it doesn't exist
func (f *FileOperations) ensureDir(path string) error {
	return os.MkdirAll(filepath.Dir(path), 0755)
}

// FileExists checks if a file exists
func (f *FileOperations) FileExists(path string) bool {
	_, err := os.Stat(path)
	return !os.IsNotExist(err)
}

// DetectPartialDownload checks if a partial download exists and returns its size
func (f *FileOperations) DetectPartialDownload(outputPath string) (bool, int64, error) {
	info, err := os.Stat(outputPath + PartSuffix)
	if os.IsNotExist(err) {
		return false, 0, nil
	}
	if err != nil {
		return false, 0, err
	}
	return true, info.Size(), nil
}

// OpenPartial opens the partial file for outputPath. With resume the file
// is appended to, otherwise it is truncated.
func (f *FileOperations) OpenPartial(outputPath string, resume bool) (*os.File, error) {
	if err := f.ensureDir(outputPath); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}

	flags := os.O_CREATE | os.O_WRONLY
	if resume {
		flags |= os.O_APPEND
	} else {
		flags |= os.O_TRUNC
	}

	file, err := os.OpenFile(outputPath+PartSuffix, flags, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open partial file: %w", err)
	}
	return file, nil
}

// CompletePartial moves a finished partial file into place
func (f *FileOperations) CompletePartial(outputPath string) error {
	return os.Rename(outputPath+PartSuffix, outputPath)
}
