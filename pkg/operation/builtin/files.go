package builtin

import (
	"io"
	"os"

	"github.com/pkg/errors"
)

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// copyFile streams src over dst, creating or truncating dst. Config and
// firmware artifacts can be large, so the content is never held in
// memory whole.
func copyFile(src string, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return errors.Wrap(err, "opening source file")
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return errors.Wrap(err, "opening destination file")
	}

	_, err = io.Copy(out, in)
	if closeErr := out.Close(); err == nil {
		err = closeErr
	}
	return err
}
