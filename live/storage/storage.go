package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/fzxiao233/Vod_Record/live/interfaces"
	"github.com/fzxiao233/Vod_Record/utils"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// Storage is the final home of captures: a local directory, optionally
// followed by an rclone remote.
type Storage struct {
	Path     string
	Template string
	Remote   string
	Logger   *log.Entry
}

func New(path string, template string, remote string, logger *log.Entry) (*Storage, error) {
	if template == "" {
		template = "{id}.ts"
	}
	if !strings.Contains(template, "{id}") {
		return nil, errors.Wrapf(interfaces.ErrConfiguration, "storage template %q has no {id}", template)
	}
	if err := os.MkdirAll(path, 0755); err != nil {
		return nil, errors.Wrapf(interfaces.ErrStorageWrite, "create %s: %v", path, err)
	}
	return &Storage{Path: path, Template: template, Remote: remote, Logger: logger}, nil
}

// FileName renders the template for vod. The result is relative to Path
// and may contain directories.
func (s *Storage) FileName(vod *interfaces.VodHandle) string {
	date := ""
	if !vod.CreatedAt.IsZero() {
		date = vod.CreatedAt.UTC().Format("2006-01-02")
	}
	r := strings.NewReplacer(
		"{id}", vod.VodID,
		"{channel}", utils.RemoveIllegalChar(vod.ChannelName),
		"{date}", date,
		"{title}", utils.RemoveIllegalChar(vod.Title),
	)
	return filepath.Clean(r.Replace(s.Template))
}

func freePath(path string) string {
	if !utils.IsFileExist(path) {
		return path
	}
	for i := 0; ; i++ {
		candidate := fmt.Sprintf("%s.%02d", path, i)
		if !utils.IsFileExist(candidate) {
			return candidate
		}
	}
}

// Put moves src into storage. The destination never holds a partial file:
// either the rename happens or the copy lands under a temporary name first.
func (s *Storage) Put(ctx context.Context, src string, vod *interfaces.VodHandle) (string, error) {
	name := s.FileName(vod)
	dst := freePath(filepath.Join(s.Path, name))
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return "", errors.Wrapf(interfaces.ErrStorageWrite, "create %s: %v", filepath.Dir(dst), err)
	}
	s.Logger.Infof("Moving %s to %s", src, dst)
	if err := utils.MoveFile(src, dst); err != nil {
		return "", errors.Wrap(interfaces.ErrStorageWrite, err.Error())
	}
	if err := os.Chmod(dst, 0644); err != nil {
		s.Logger.WithError(err).Warnf("Failed to chmod %s", dst)
	}
	if s.Remote == "" {
		return dst, nil
	}

	remoteDir := strings.TrimSuffix(s.Remote, "/")
	if rel := filepath.Dir(name); rel != "." {
		remoteDir += "/" + filepath.ToSlash(rel)
	}
	remotePath, err := utils.MoveToRemote(ctx, dst, remoteDir)
	if err != nil {
		// the local copy is complete, so the capture still counts as stored
		s.Logger.WithError(err).Warnf("Failed to move %s to %s, keeping the local copy", dst, remoteDir)
		return dst, nil
	}
	s.Logger.Infof("Uploaded %s to %s", dst, remotePath)
	return remotePath, nil
}
