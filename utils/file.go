package utils

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/pkg/errors"
	_ "github.com/rclone/rclone/backend/all"
	"github.com/rclone/rclone/fs"
	"github.com/rclone/rclone/fs/operations"
)

// MoveFile renames src to dst. When both sides live on different
// filesystems the data is copied into a temporary file next to dst,
// synced, and renamed into place, so dst never exists half written.
func MoveFile(src string, dst string) error {
	err := os.Rename(src, dst)
	if err == nil {
		return nil
	}
	var linkErr *os.LinkError
	if !errors.As(err, &linkErr) || !errors.Is(linkErr.Err, syscall.EXDEV) {
		return errors.Wrapf(err, "rename %s", src)
	}

	tmp := dst + ".part"
	if err := copyFileSync(src, tmp); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, dst); err != nil {
		_ = os.Remove(tmp)
		return errors.Wrapf(err, "rename %s", tmp)
	}
	return os.Remove(src)
}

func copyFileSync(src string, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return errors.Wrapf(err, "open %s", src)
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return errors.Wrapf(err, "create %s", dst)
	}
	if _, err = io.Copy(out, in); err != nil {
		out.Close()
		return errors.Wrapf(err, "copy %s", src)
	}
	if err = out.Sync(); err != nil {
		out.Close()
		return errors.Wrapf(err, "sync %s", dst)
	}
	return out.Close()
}

// MoveToRemote moves a local file into an rclone destination such as
// "gdrive:vods/channel". It returns the remote path of the object.
func MoveToRemote(ctx context.Context, src string, remoteDir string) (string, error) {
	fsrc, err := fs.NewFs(filepath.Dir(src))
	if err != nil {
		return "", errors.Wrapf(err, "open source fs for %s", src)
	}
	fdst, err := fs.NewFs(remoteDir)
	if err != nil {
		return "", errors.Wrapf(err, "open remote fs %s", remoteDir)
	}
	name := filepath.Base(src)
	if err := operations.MoveFile(ctx, fdst, fsrc, name, name); err != nil {
		return "", errors.Wrapf(err, "move %s to %s", src, remoteDir)
	}
	return strings.TrimSuffix(remoteDir, "/") + "/" + name, nil
}

// SetRcloneLogger routes rclone's own log lines through print.
func SetRcloneLogger(level string, print func(level string, text string)) {
	fs.Config.LogLevel = fs.LogLevelInfo
	switch level {
	case "debug":
		fs.Config.LogLevel = fs.LogLevelDebug
	case "warn":
		fs.Config.LogLevel = fs.LogLevelWarning
	case "error":
		fs.Config.LogLevel = fs.LogLevelError
	}
	fs.LogPrint = func(level fs.LogLevel, text string) {
		print(level.String(), text)
	}
}
