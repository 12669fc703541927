package videoworker

import (
	"context"
	"net/http"
	"os"
	"path/filepath"

	"github.com/fzxiao233/Vod_Record/config"
	"github.com/fzxiao233/Vod_Record/live/interfaces"
	"github.com/fzxiao233/Vod_Record/live/monitor"
	"github.com/fzxiao233/Vod_Record/live/storage"
	"github.com/fzxiao233/Vod_Record/live/videoworker/downloader/provgo"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// Platform is everything a pipeline asks of the streaming platform.
type Platform interface {
	interfaces.PlatformAPI
	provgo.MasterURLResolver
	GetVod(ctx context.Context, vodID string) (*interfaces.Vod, error)
}

type CaptureIndex interface {
	Lookup(ctx context.Context, vodID string) (*storage.Entry, error)
	Record(ctx context.Context, file *interfaces.CapturedFile, vod *interfaces.VodHandle) error
}

type ConfigSource interface {
	Snapshot() *config.MainConfig
}

// ProcessVideo is the pipeline of one channel: wait for a broadcast, find
// its vod, capture it while it grows and store the result.
type ProcessVideo struct {
	Channel  string
	Config   ConfigSource
	Platform Platform
	Storage  Storer
	Index    CaptureIndex
	Plugins  *PluginManager
	Observer interfaces.CaptureObserver
	Client   *http.Client
	Logger   *log.Entry

	OnDegraded func(channel string, failures int, err error)

	correlator *Correlator
}

func (p *ProcessVideo) emit(ctx context.Context, ev *interfaces.Event) {
	if p.Plugins == nil {
		return
	}
	if ev.Channel == "" {
		ev.Channel = p.Channel
	}
	// shutdown must not swallow the last events
	p.Plugins.Emit(context.WithoutCancel(ctx), ev)
}

// Run monitors the channel until ctx is done.
func (p *ProcessVideo) Run(ctx context.Context) error {
	logger := p.Logger.WithField("channel", p.Channel)
	cfg := p.Config.Snapshot()
	mon := monitor.NewStreamMonitor(p.Platform, p.Channel, cfg.Monitor.Interval, cfg.Retry.Status.Policy(),
		cfg.Monitor.DegradedAfter, cfg.Monitor.DegradedWindow, p.Logger)
	mon.OnDegraded = p.OnDegraded

	for {
		session, err := mon.WaitLive(ctx)
		if err != nil {
			return err
		}
		cfg = p.Config.Snapshot()
		_, err = p.HandleSession(ctx, cfg, session)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			logger.WithError(err).Warnf("Live started at %s ended without a stored capture", session.StartedAt)
		}
		mon.LastStartedAt = session.StartedAt

		// polling settings follow the newest snapshot between runs
		cfg = p.Config.Snapshot()
		mon.Interval = cfg.Monitor.Interval
		mon.Retry = cfg.Retry.Status.Policy()
		mon.DegradedAfter = cfg.Monitor.DegradedAfter
	}
}

func (p *ProcessVideo) getCorrelator(cfg *config.MainConfig) *Correlator {
	if p.correlator == nil {
		p.correlator = NewCorrelator(p.Platform, p.Logger)
	}
	c := p.correlator
	c.Interval = cfg.Correlation.Interval
	c.Tolerance = cfg.Correlation.Tolerance
	c.Timeout = cfg.Correlation.Timeout
	c.Candidates = cfg.Correlation.Candidates
	c.Retry = cfg.Retry.Correlation.Policy()
	return c
}

// HandleSession correlates a live session and captures its vod with one
// configuration snapshot.
func (p *ProcessVideo) HandleSession(ctx context.Context, cfg *config.MainConfig, session *interfaces.StreamSession) (*interfaces.CapturedFile, error) {
	vod, err := p.getCorrelator(cfg).Correlate(ctx, session)
	if err != nil {
		if ctx.Err() == nil {
			p.emit(ctx, &interfaces.Event{
				Kind:    interfaces.CaptureAbandoned,
				Channel: session.ChannelName,
				Title:   session.Title,
				Reason:  err.Error(),
			})
		}
		return nil, err
	}
	return p.Capture(ctx, cfg, vod)
}

// CaptureVod captures a known vod without waiting for a broadcast.
func (p *ProcessVideo) CaptureVod(ctx context.Context, vodID string) (*interfaces.CapturedFile, error) {
	vod, err := p.Platform.GetVod(ctx, vodID)
	if err != nil {
		return nil, err
	}
	return p.Capture(ctx, p.Config.Snapshot(), vod.Handle())
}

func (p *ProcessVideo) newDownloader(cfg *config.MainConfig, logger *log.Entry) *provgo.HLSDownloader {
	fetcher := provgo.NewHLSPlaylistFetcher(p.Platform, p.Client, cfg.Quality, logger)
	d := provgo.NewHLSDownloader(fetcher, p.Client, cfg.Capture.SegmentsPerSecond, logger)
	d.Status = p.Platform
	if p.Observer != nil {
		d.Observer = p.Observer
	}
	d.PollInterval = cfg.Capture.PollInterval
	d.StallPolls = cfg.Capture.StallPolls
	d.MaxPlaylistFailures = cfg.Capture.MaxPlaylistFailures
	d.MaxConsecutiveSkips = cfg.Capture.MaxConsecutiveSkips
	d.TrustEndList = cfg.Capture.TrustEndList
	d.PlaylistRetry = cfg.Retry.Playlist.Policy()
	d.SegmentRetry = cfg.Retry.Segment.Policy()
	return d
}

// Capture runs the acquisition loop for vod and finalizes the result.
func (p *ProcessVideo) Capture(ctx context.Context, cfg *config.MainConfig, vod *interfaces.VodHandle) (*interfaces.CapturedFile, error) {
	logger := p.Logger.WithField("vod", vod)
	channel := vod.ChannelName
	if channel == "" {
		channel = p.Channel
	}

	if p.Index != nil {
		entry, err := p.Index.Lookup(ctx, vod.VodID)
		if err != nil {
			logger.WithError(err).Warn("Failed to query capture index")
		} else if entry != nil {
			logger.Infof("Vod %s was already captured to %s (%s, %d gaps %v), skipping",
				vod.VodID, entry.Path, entry.Duration, len(entry.Gaps), entry.Gaps)
			return nil, nil
		}
	}

	workingPath := filepath.Join(cfg.TempDir, vod.VodID+".ts")
	p.emit(ctx, &interfaces.Event{Kind: interfaces.CaptureStarted, Channel: channel, VodID: vod.VodID, Title: vod.Title, Path: workingPath})
	if err := os.MkdirAll(cfg.TempDir, 0755); err != nil {
		err = errors.Wrapf(interfaces.ErrStorageWrite, "create %s: %v", cfg.TempDir, err)
		p.emit(ctx, &interfaces.Event{Kind: interfaces.FatalError, Channel: channel, VodID: vod.VodID, Detail: err.Error()})
		return nil, err
	}

	state, err := p.newDownloader(cfg, logger).Run(ctx, vod, workingPath)
	if ctx.Err() != nil {
		logger.Infof("Stopped, %s is kept for the next run", workingPath)
		return nil, ctx.Err()
	}
	if err != nil {
		if errors.Is(err, interfaces.ErrCaptureAbandoned) {
			p.emit(ctx, &interfaces.Event{Kind: interfaces.CaptureAbandoned, Channel: channel, VodID: vod.VodID, Title: vod.Title, Reason: err.Error()})
		} else {
			p.emit(ctx, &interfaces.Event{Kind: interfaces.FatalError, Channel: channel, VodID: vod.VodID, Detail: err.Error()})
		}
		return nil, err
	}

	finalizer := &Finalizer{Storage: p.Storage, MinDuration: cfg.Capture.MinDuration, Logger: p.Logger}
	file, err := finalizer.Finalize(ctx, state)
	if errors.Is(err, interfaces.ErrCaptureDiscarded) {
		p.emit(ctx, &interfaces.Event{Kind: interfaces.CaptureAbandoned, Channel: channel, VodID: vod.VodID, Title: vod.Title, Reason: err.Error()})
		return nil, err
	}
	if err != nil {
		p.emit(ctx, &interfaces.Event{Kind: interfaces.FatalError, Channel: channel, VodID: vod.VodID, Detail: err.Error()})
		return nil, err
	}

	if p.Index != nil {
		if err := p.Index.Record(ctx, file, vod); err != nil {
			logger.WithError(err).Warn("Failed to record capture in index")
		}
	}
	p.emit(ctx, &interfaces.Event{
		Kind:     interfaces.CaptureFinished,
		Channel:  channel,
		VodID:    vod.VodID,
		Title:    vod.Title,
		Path:     file.Path,
		Duration: file.TotalDuration,
	})
	return file, nil
}
