package tools

import (
	"os"

	"github.com/pkg/errors"
)

func CreateDirectoryIfDoesNotExist(directory string) error {
	if _, err := os.Stat(directory); os.IsNotExist(err) {
		if err := os.MkdirAll(directory, 0777); err != nil {
			return errors.Wrapf(err, "cannot create %s", directory)
		}
	}
	return nil
}

// IsDirectory reports whether path names an existing local directory.
func IsDirectory(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
