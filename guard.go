package launcher

import (
	"log/slog"
	"os"
)

const binaryHint = "build it first: cargo build --release"

// CheckBinary confirms that path names an executable regular file.
func CheckBinary(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		slog.Debug("binary stat failed", "path", path, "err", err)
		return &GuardError{Kind: ErrBinaryMissing, Path: path, Hint: binaryHint}
	}
	if info.IsDir() {
		return &GuardError{Kind: ErrBinaryMissing, Path: path, Hint: "path is a directory; " + binaryHint}
	}
	if info.Mode().Perm()&0o111 == 0 {
		return &GuardError{Kind: ErrBinaryMissing, Path: path, Hint: "file is not executable; chmod +x it or " + binaryHint}
	}
	return nil
}
