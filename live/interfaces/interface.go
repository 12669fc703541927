package interfaces

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
)

// VodLogHook flattens a *VodHandle stored under the "vod" field, so every
// line logged during a capture carries the vod id and channel.
type VodLogHook struct {
}

func (h *VodLogHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

func (h *VodLogHook) Fire(entry *logrus.Entry) error {
	_ret, ok := entry.Data["vod"]
	if !ok {
		return nil
	}
	v, ok := _ret.(*VodHandle)
	if !ok {
		return nil
	}
	delete(entry.Data, "vod")
	entry.Data["vod_id"] = v.VodID
	entry.Data["channel"] = v.ChannelName
	entry.Data["channel_id"] = v.ChannelID
	return nil
}

// StreamSession is one observed live broadcast of a channel.
type StreamSession struct {
	ChannelID   string
	ChannelName string
	Title       string
	StartedAt   time.Time
}

// VodHandle identifies the archive video correlated with a StreamSession.
type VodHandle struct {
	VodID       string
	ChannelID   string
	ChannelName string
	Title       string
	CreatedAt   time.Time
}

type ChannelStatus struct {
	Live        bool
	ChannelID   string
	ChannelName string
	Title       string
	StartedAt   time.Time
}

// Vod is one entry of a channel's archive listing.
type Vod struct {
	ID          string
	ChannelID   string
	ChannelName string
	Title       string
	CreatedAt   time.Time
	Duration    time.Duration
}

func (v *Vod) Handle() *VodHandle {
	return &VodHandle{
		VodID:       v.ID,
		ChannelID:   v.ChannelID,
		ChannelName: v.ChannelName,
		Title:       v.Title,
		CreatedAt:   v.CreatedAt,
	}
}

type SegmentDescriptor struct {
	SeqNo    int
	URI      string
	Duration float64 // seconds
}

type MediaPlaylist struct {
	Segments       []SegmentDescriptor
	Ended          bool
	TargetDuration float64
}

// TotalDuration sums the durations of every segment in the playlist, in seconds.
func (p *MediaPlaylist) TotalDuration() float64 {
	total := 0.0
	for _, s := range p.Segments {
		total += s.Duration
	}
	return total
}

// CaptureState is owned by a single acquisition loop.
type CaptureState struct {
	Vod                  *VodHandle
	WrittenSeqs          map[int]struct{}
	SkippedSeqs          []int
	LastObservedDuration float64
	CapturedDuration     float64
	BytesWritten         int64
	WorkingFilePath      string
}

func NewCaptureState(vod *VodHandle, workingFilePath string) *CaptureState {
	return &CaptureState{
		Vod:             vod,
		WrittenSeqs:     make(map[int]struct{}),
		WorkingFilePath: workingFilePath,
	}
}

type CapturedFile struct {
	Path          string
	VodID         string
	ChannelID     string
	TotalDuration time.Duration
	ByteSize      int64
	Gaps          []int
}

// PlatformAPI is the slice of the platform client the pipeline relies on.
type PlatformAPI interface {
	GetChannelStatus(ctx context.Context, channel string) (*ChannelStatus, error)
	ListVods(ctx context.Context, channelID string, limit int) ([]Vod, error)
}

// CaptureObserver receives progress from the acquisition loop.
type CaptureObserver interface {
	PlaylistPolled(vod *VodHandle, segments int)
	SegmentWritten(vod *VodHandle, bytes int)
	SegmentSkipped(vod *VodHandle, seq int)
}

type NopObserver struct{}

func (NopObserver) PlaylistPolled(*VodHandle, int) {}
func (NopObserver) SegmentWritten(*VodHandle, int) {}
func (NopObserver) SegmentSkipped(*VodHandle, int) {}
