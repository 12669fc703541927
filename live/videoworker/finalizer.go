package videoworker

import (
	"context"
	"os"
	"time"

	"github.com/fzxiao233/Vod_Record/live/interfaces"
	"github.com/fzxiao233/Vod_Record/live/videoworker/downloader/provgo"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// Storer moves a finished working file into durable storage and returns
// where it ended up.
type Storer interface {
	Put(ctx context.Context, src string, vod *interfaces.VodHandle) (string, error)
}

type Finalizer struct {
	Storage     Storer
	MinDuration time.Duration
	Logger      *log.Entry
}

func secondsToDuration(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

// Finalize hands a completed capture to storage. Captures shorter than
// MinDuration are deleted and reported with ErrCaptureDiscarded. When
// storage fails the working file is left in place.
func (f *Finalizer) Finalize(ctx context.Context, state *interfaces.CaptureState) (*interfaces.CapturedFile, error) {
	logger := f.Logger.WithField("vod", state.Vod)
	duration := secondsToDuration(state.CapturedDuration)
	if duration < f.MinDuration || state.BytesWritten == 0 {
		logger.Infof("Capture lasts %s, below %s, discarding", duration, f.MinDuration)
		if err := provgo.Discard(state.WorkingFilePath); err != nil {
			logger.WithError(err).Warnf("Failed to remove %s", state.WorkingFilePath)
		}
		return nil, errors.Wrapf(interfaces.ErrCaptureDiscarded, "captured %s of vod %s", duration, state.Vod.VodID)
	}

	stat, err := os.Stat(state.WorkingFilePath)
	if err != nil {
		return nil, errors.Wrapf(interfaces.ErrStorageWrite, "stat %s: %v", state.WorkingFilePath, err)
	}
	path, err := f.Storage.Put(ctx, state.WorkingFilePath, state.Vod)
	if err != nil {
		logger.WithError(err).Errorf("Failed to store %s, keeping it", state.WorkingFilePath)
		if errors.Is(err, interfaces.ErrStorageWrite) {
			return nil, err
		}
		return nil, errors.Wrap(interfaces.ErrStorageWrite, err.Error())
	}
	if err := os.Remove(provgo.JournalPath(state.WorkingFilePath)); err != nil && !os.IsNotExist(err) {
		logger.WithError(err).Warn("Failed to remove journal")
	}

	gaps := append([]int(nil), state.SkippedSeqs...)
	logger.Infof("Stored %s (%s, %d bytes, %d gaps)", path, duration, stat.Size(), len(gaps))
	return &interfaces.CapturedFile{
		Path:          path,
		VodID:         state.Vod.VodID,
		ChannelID:     state.Vod.ChannelID,
		TotalDuration: duration,
		ByteSize:      stat.Size(),
		Gaps:          gaps,
	}, nil
}
