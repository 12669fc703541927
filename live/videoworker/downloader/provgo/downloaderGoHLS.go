package provgo

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/fzxiao233/Vod_Record/live/interfaces"
	"github.com/fzxiao233/Vod_Record/utils"
	"github.com/looplab/fsm"
	"github.com/patrickmn/go-cache"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"go.uber.org/ratelimit"
)

const (
	StateGrowing    = "growing"
	StateStallCheck = "stall_check"
	StateCompleted  = "completed"
	StateAbandoned  = "abandoned"
)

// ChannelStatusGetter lets the downloader notice a channel that went away
// before anything was captured.
type ChannelStatusGetter interface {
	GetChannelStatus(ctx context.Context, channel string) (*interfaces.ChannelStatus, error)
}

// resetter is implemented by fetchers that cache a resolved playlist url.
type resetter interface {
	Reset(vodID string)
}

func (f *HLSPlaylistFetcher) Reset(vodID string) {
	delete(f.mediaURL, vodID)
}

// HLSDownloader follows the playlist of a growing VOD and appends every
// new segment to the working file, until the playlist stops growing.
type HLSDownloader struct {
	Fetcher  PlaylistFetcher
	Client   *http.Client
	Status   ChannelStatusGetter
	Observer interfaces.CaptureObserver
	Logger   *log.Entry

	PollInterval        time.Duration
	StallPolls          int
	MaxPlaylistFailures int
	MaxConsecutiveSkips int
	TrustEndList        bool
	PlaylistRetry       utils.RetryPolicy
	SegmentRetry        utils.RetryPolicy

	FSM *fsm.FSM

	segRl       ratelimit.Limiter
	downloadErr *cache.Cache
}

func NewHLSDownloader(fetcher PlaylistFetcher, client *http.Client, segmentsPerSecond int, logger *log.Entry) *HLSDownloader {
	if segmentsPerSecond <= 0 {
		segmentsPerSecond = 10
	}
	return &HLSDownloader{
		Fetcher:             fetcher,
		Client:              client,
		Observer:            interfaces.NopObserver{},
		Logger:              logger,
		PollInterval:        60 * time.Second,
		StallPolls:          3,
		MaxPlaylistFailures: 10,
		MaxConsecutiveSkips: 30,
		segRl:               ratelimit.New(segmentsPerSecond),
		downloadErr:         cache.New(5*time.Minute, 10*time.Minute),
	}
}

// capture is the bookkeeping of one Run. The state machine owns the
// decisions: its guards count stalls and its enter callbacks finish the
// working file.
type capture struct {
	d      *HLSDownloader
	vod    *interfaces.VodHandle
	logger *log.Entry
	w      *SegmentWriter
	state  *interfaces.CaptureState
	fsm    *fsm.FSM

	skipped          map[int]struct{}
	prevSegs         []interfaces.SegmentDescriptor
	prevDuration     float64
	unchanged        int
	playlistFailures int
	consecutiveSkips int
	ended            bool

	reason error
	err    error
}

func (d *HLSDownloader) newCapture(vod *interfaces.VodHandle, w *SegmentWriter, state *interfaces.CaptureState, logger *log.Entry) *capture {
	c := &capture{
		d:            d,
		vod:          vod,
		logger:       logger,
		w:            w,
		state:        state,
		skipped:      make(map[int]struct{}),
		prevDuration: -1,
	}
	c.fsm = fsm.NewFSM(
		StateGrowing,
		fsm.Events{
			{Name: "grow", Src: []string{StateGrowing, StateStallCheck}, Dst: StateGrowing},
			{Name: "unchanged", Src: []string{StateGrowing, StateStallCheck}, Dst: StateStallCheck},
			{Name: "complete", Src: []string{StateGrowing, StateStallCheck}, Dst: StateCompleted},
			{Name: "abandon", Src: []string{StateGrowing, StateStallCheck}, Dst: StateAbandoned},
		},
		fsm.Callbacks{
			"after_grow": func(e *fsm.Event) {
				c.unchanged = 0
			},
			"after_unchanged": func(e *fsm.Event) {
				c.unchanged++
				c.logger.Debugf("Playlist unchanged (%d/%d)", c.unchanged, d.StallPolls)
			},
			"before_complete": func(e *fsm.Event) {
				if !c.ended && c.unchanged < d.StallPolls {
					e.Cancel()
				}
			},
			"enter_" + StateCompleted: c.onCompleted,
			"enter_" + StateAbandoned: c.onAbandoned,
			"after_event": func(e *fsm.Event) {
				if e.Src != e.Dst {
					c.logger.Debugf("vod %s: [%s -> %s] %s", vod.VodID, e.Src, e.Dst, e.Event)
				}
			},
		},
	)
	return c
}

func (c *capture) push(event string) {
	err := c.fsm.Event(event)
	switch err.(type) {
	case nil, fsm.NoTransitionError, fsm.CanceledError:
	default:
		c.logger.WithError(err).Warnf("capture state machine refused %s in %s", event, c.fsm.Current())
	}
}

func (c *capture) finished() bool {
	switch c.fsm.Current() {
	case StateCompleted, StateAbandoned:
		return true
	}
	return false
}

func (c *capture) abandon(reason error) {
	c.reason = reason
	c.push("abandon")
}

func (c *capture) onCompleted(e *fsm.Event) {
	if c.ended {
		c.logger.Infof("Playlist carries an end marker, capture complete")
	} else {
		c.logger.Infof("Playlist unchanged for %d polls, capture complete", c.unchanged)
	}
	if err := c.w.Close(); err != nil {
		c.err = errors.Wrapf(interfaces.ErrStorageWrite, "close working file: %v", err)
		return
	}
	c.logger.Infof("Captured %d segments, %.1fs, %d bytes, %d gaps", len(c.state.WrittenSeqs), c.state.CapturedDuration, c.state.BytesWritten, len(c.state.SkippedSeqs))
}

func (c *capture) onAbandoned(e *fsm.Event) {
	c.w.Close()
	if c.state.BytesWritten == 0 {
		if err := Discard(c.state.WorkingFilePath); err != nil {
			c.logger.WithError(err).Warnf("Failed to remove empty working file %s", c.state.WorkingFilePath)
		}
	} else {
		c.logger.Warnf("Keeping partial working file %s (%d bytes)", c.state.WorkingFilePath, c.state.BytesWritten)
	}
	c.err = errors.Wrap(interfaces.ErrCaptureAbandoned, c.reason.Error())
}

func (d *HLSDownloader) fetchPlaylist(ctx context.Context, vodID string, logger *log.Entry) (*interfaces.MediaPlaylist, error) {
	// too many errors in a short time usually means the playback token is gone
	d.downloadErr.DeleteExpired()
	if d.downloadErr.ItemCount() >= 5 {
		errs := make([]interface{}, 0, 10)
		for _, e := range d.downloadErr.Items() {
			errs = append(errs, e.Object)
		}
		d.downloadErr.Flush()
		logger.WithField("errors", errs).Warnf("Too many err occured fetching playlist of %s, refreshing url...", vodID)
		if r, ok := d.Fetcher.(resetter); ok {
			r.Reset(vodID)
		}
	}

	var pl *interfaces.MediaPlaylist
	err := d.PlaylistRetry.Do(ctx, logger, "playlist fetch", func(ctx context.Context) error {
		var err error
		pl, err = d.Fetcher.Fetch(ctx, vodID)
		if err != nil && ctx.Err() == nil {
			d.downloadErr.SetDefault(fmt.Sprint(time.Now().UnixNano()), err.Error())
		}
		return err
	})
	return pl, err
}

// downloadSegment fetches one segment and appends it. Every http failure
// spends the retry budget; only a refused write stops at once. The returned
// error wraps ErrStorageWrite when the working file refused the bytes.
func (d *HLSDownloader) downloadSegment(ctx context.Context, w *SegmentWriter, seg interfaces.SegmentDescriptor, logger *log.Entry) (int, error) {
	// rate limit the download speed...
	d.segRl.Take()
	var storeErr error
	var n int
	s := time.Now()
	err := d.SegmentRetry.Do(ctx, logger, fmt.Sprintf("segment %d", seg.SeqNo), func(ctx context.Context) error {
		err := utils.HttpDo(ctx, d.Client, http.MethodGet, seg.URI, nil, nil, func(body []byte) error {
			n = len(body)
			storeErr = w.Append(seg.SeqNo, body, seg.Duration)
			return storeErr
		})
		if storeErr != nil {
			return utils.Permanent(storeErr)
		}
		return err
	})
	if storeErr != nil {
		return 0, storeErr
	}
	if err != nil {
		return 0, errors.Wrapf(interfaces.ErrSegmentDownloadExhausted, "segment %d: %v", seg.SeqNo, err)
	}
	if usedTime := time.Since(s); usedTime > 15*time.Second {
		logger.Infof("Download %d used %s", seg.SeqNo, usedTime)
	}
	logger.Debugf("Downloaded segment %d: len %v", seg.SeqNo, n)
	return n, nil
}

func sameSegments(a []interfaces.SegmentDescriptor, b []interfaces.SegmentDescriptor) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].SeqNo != b[i].SeqNo || a[i].URI != b[i].URI {
			return false
		}
	}
	return true
}

// downloadNew appends every segment of pl not written or given up yet. It
// returns how many segments were attempted, or an error that ends the run.
func (c *capture) downloadNew(ctx context.Context, pl *interfaces.MediaPlaylist) (int, error) {
	d := c.d
	newSegs := 0
	for _, seg := range pl.Segments {
		if _, ok := c.skipped[seg.SeqNo]; ok || c.w.Has(seg.SeqNo) {
			continue
		}
		newSegs++
		n, err := d.downloadSegment(ctx, c.w, seg, c.logger)
		if ctx.Err() != nil {
			return newSegs, ctx.Err()
		}
		if errors.Is(err, interfaces.ErrStorageWrite) {
			return newSegs, err
		}
		if err != nil {
			c.logger.WithError(err).Warnf("Skipping segment %d", seg.SeqNo)
			c.skipped[seg.SeqNo] = struct{}{}
			c.state.SkippedSeqs = append(c.state.SkippedSeqs, seg.SeqNo)
			d.Observer.SegmentSkipped(c.vod, seg.SeqNo)
			c.consecutiveSkips++
			if d.MaxConsecutiveSkips > 0 && c.consecutiveSkips >= d.MaxConsecutiveSkips {
				c.abandon(errors.Errorf("%d segments in a row could not be downloaded", c.consecutiveSkips))
				return newSegs, nil
			}
			continue
		}
		c.consecutiveSkips = 0
		c.state.WrittenSeqs[seg.SeqNo] = struct{}{}
		c.state.BytesWritten = c.w.Size()
		c.state.CapturedDuration = c.w.Duration()
		d.Observer.SegmentWritten(c.vod, n)
	}
	return newSegs, nil
}

// poll runs one playlist cycle and feeds its outcome to the state machine.
func (c *capture) poll(ctx context.Context) error {
	d := c.d
	pl, err := d.fetchPlaylist(ctx, c.vod.VodID, c.logger)
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if err != nil {
		c.playlistFailures++
		c.logger.WithError(err).Warnf("Playlist poll failed (%d/%d)", c.playlistFailures, d.MaxPlaylistFailures)
		if d.MaxPlaylistFailures > 0 && c.playlistFailures >= d.MaxPlaylistFailures {
			c.abandon(errors.Wrapf(err, "%d playlist polls failed in a row", c.playlistFailures))
		}
		return nil
	}
	c.playlistFailures = 0
	d.Observer.PlaylistPolled(c.vod, len(pl.Segments))

	if len(pl.Segments) < len(c.prevSegs) {
		c.logger.Warnf("Playlist shrank from %d to %d segments, keeping what was written", len(c.prevSegs), len(pl.Segments))
	}

	newSegs, err := c.downloadNew(ctx, pl)
	if err != nil || c.finished() {
		return err
	}

	duration := pl.TotalDuration()
	if duration > c.state.LastObservedDuration {
		c.state.LastObservedDuration = duration
	}
	changed := newSegs > 0 || duration != c.prevDuration || !sameSegments(c.prevSegs, pl.Segments)
	c.prevSegs = pl.Segments
	c.prevDuration = duration
	c.ended = d.TrustEndList && pl.Ended && newSegs == 0

	if changed {
		c.push("grow")
	} else {
		c.push("unchanged")
	}

	if c.unchanged > 0 && c.state.BytesWritten == 0 && d.Status != nil {
		status, err := d.Status.GetChannelStatus(ctx, c.vod.ChannelName)
		if err == nil && !status.Live {
			c.abandon(interfaces.ErrChannelOffline)
			return nil
		}
	}
	c.push("complete")
	return nil
}

// Run captures vod into workingPath. A nil error means the playlist was
// judged complete; the caller decides what to do with the file. A working
// file left by an earlier run is resumed.
func (d *HLSDownloader) Run(ctx context.Context, vod *interfaces.VodHandle, workingPath string) (*interfaces.CaptureState, error) {
	logger := d.Logger.WithField("vod", vod)
	if d.Observer == nil {
		d.Observer = interfaces.NopObserver{}
	}

	state := interfaces.NewCaptureState(vod, workingPath)
	w, err := OpenSegmentWriter(workingPath)
	if err != nil {
		return state, err
	}
	w.Restore(state)
	if seqs := w.Seqs(); len(seqs) > 0 {
		logger.Infof("Resuming %s with %d segments (%d..%d, %d bytes) already written",
			workingPath, len(seqs), seqs[0], seqs[len(seqs)-1], state.BytesWritten)
	}

	c := d.newCapture(vod, w, state, logger)
	d.FSM = c.fsm
	for !c.finished() {
		if ctx.Err() == nil {
			err = c.poll(ctx)
		} else {
			err = ctx.Err()
		}
		if err != nil {
			w.Close()
			return state, err
		}
		if c.finished() {
			break
		}
		if err := utils.Sleep(ctx, d.PollInterval); err != nil {
			w.Close()
			return state, err
		}
	}
	return state, c.err
}
