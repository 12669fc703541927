package videoworker

import (
	"context"
	"time"

	"github.com/fzxiao233/Vod_Record/live/interfaces"
	"github.com/fzxiao233/Vod_Record/utils"
	lru "github.com/hashicorp/golang-lru"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

type VodLister interface {
	ListVods(ctx context.Context, channelID string, limit int) ([]interfaces.Vod, error)
}

// Correlator finds the archive video created for a live session.
type Correlator struct {
	API        VodLister
	Interval   time.Duration
	Tolerance  time.Duration
	Timeout    time.Duration
	Candidates int
	Retry      utils.RetryPolicy
	Logger     *log.Entry

	committed *lru.Cache
}

func NewCorrelator(api VodLister, logger *log.Entry) *Correlator {
	committed, _ := lru.New(128)
	return &Correlator{
		API:        api,
		Interval:   10 * time.Second,
		Tolerance:  time.Minute,
		Timeout:    30 * time.Minute,
		Candidates: 5,
		Logger:     logger,
		committed:  committed,
	}
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}

// MatchVod returns the candidate created closest to startedAt, provided it
// lies within tolerance.
func MatchVod(vods []interfaces.Vod, startedAt time.Time, tolerance time.Duration) *interfaces.Vod {
	var best *interfaces.Vod
	var bestOffset time.Duration
	for i := range vods {
		offset := absDuration(vods[i].CreatedAt.Sub(startedAt))
		if offset > tolerance {
			continue
		}
		if best == nil || offset < bestOffset {
			best = &vods[i]
			bestOffset = offset
		}
	}
	return best
}

func sessionKey(session *interfaces.StreamSession) string {
	return session.ChannelID + "|" + session.StartedAt.UTC().Format(time.RFC3339Nano)
}

// Correlate polls the channel's archive listing until a matching VOD shows
// up or Timeout passes. Once a session is matched, later calls return the
// same handle without asking the platform again.
func (c *Correlator) Correlate(ctx context.Context, session *interfaces.StreamSession) (*interfaces.VodHandle, error) {
	key := sessionKey(session)
	if v, ok := c.committed.Get(key); ok {
		return v.(*interfaces.VodHandle), nil
	}
	logger := c.Logger.WithField("channel", session.ChannelName)

	deadline := time.Now().Add(c.Timeout)
	for {
		var vods []interfaces.Vod
		err := c.Retry.Do(ctx, logger, "vod listing", func(ctx context.Context) error {
			var err error
			vods, err = c.API.ListVods(ctx, session.ChannelID, c.Candidates)
			return err
		})
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if err != nil {
			logger.WithError(err).Warn("Failed to list vods")
		} else if vod := MatchVod(vods, session.StartedAt, c.Tolerance); vod != nil {
			handle := vod.Handle()
			if handle.ChannelName == "" {
				handle.ChannelName = session.ChannelName
			}
			if handle.ChannelID == "" {
				handle.ChannelID = session.ChannelID
			}
			c.committed.Add(key, handle)
			logger.Infof("Live started at %s matched vod %s created at %s", session.StartedAt.Format(time.RFC3339), handle.VodID, handle.CreatedAt.Format(time.RFC3339))
			return handle, nil
		} else {
			logger.Debugf("No vod within %s of %s among %d candidates", c.Tolerance, session.StartedAt.Format(time.RFC3339), len(vods))
		}

		if !time.Now().Add(c.Interval).Before(deadline) {
			return nil, errors.Wrapf(interfaces.ErrCorrelationTimeout, "live started at %s", session.StartedAt.Format(time.RFC3339))
		}
		if err := utils.Sleep(ctx, c.Interval); err != nil {
			return nil, err
		}
	}
}
