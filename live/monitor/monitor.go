package monitor

import (
	"context"
	"fmt"
	"time"

	"github.com/fzxiao233/Vod_Record/live/interfaces"
	"github.com/fzxiao233/Vod_Record/utils"
	"github.com/patrickmn/go-cache"
	log "github.com/sirupsen/logrus"
)

type StatusGetter interface {
	GetChannelStatus(ctx context.Context, channel string) (*interfaces.ChannelStatus, error)
}

// StreamMonitor polls one channel and reports live transitions.
type StreamMonitor struct {
	API           StatusGetter
	Channel       string
	Interval      time.Duration
	Retry         utils.RetryPolicy
	DegradedAfter int
	Logger        *log.Entry

	// LastStartedAt is the start of the broadcast already handled; a live
	// status with the same start time is not reported again.
	LastStartedAt time.Time
	// OnDegraded is called once each time monitoring becomes degraded.
	OnDegraded func(channel string, failures int, err error)

	failures *cache.Cache
	degraded bool
}

func NewStreamMonitor(api StatusGetter, channel string, interval time.Duration, retry utils.RetryPolicy, degradedAfter int, window time.Duration, logger *log.Entry) *StreamMonitor {
	if window <= 0 {
		window = 10 * time.Minute
	}
	return &StreamMonitor{
		API:           api,
		Channel:       channel,
		Interval:      interval,
		Retry:         retry,
		DegradedAfter: degradedAfter,
		Logger:        logger.WithField("channel", channel),
		failures:      cache.New(window, window),
	}
}

// Poll asks the platform for the current status, retrying transient
// failures. Failures that survive the retries are counted towards the
// degraded condition.
func (m *StreamMonitor) Poll(ctx context.Context) (*interfaces.ChannelStatus, error) {
	var status *interfaces.ChannelStatus
	err := m.Retry.Do(ctx, m.Logger, "status poll", func(ctx context.Context) error {
		var err error
		status, err = m.API.GetChannelStatus(ctx, m.Channel)
		return err
	})
	if err != nil {
		if ctx.Err() == nil {
			m.recordFailure(err)
		}
		return nil, err
	}
	if m.failures.ItemCount() > 0 || m.degraded {
		if m.degraded {
			m.Logger.Info("Status polling recovered")
		}
		m.failures.Flush()
		m.degraded = false
	}
	return status, nil
}

func (m *StreamMonitor) recordFailure(err error) {
	m.failures.SetDefault(fmt.Sprint(time.Now().UnixNano()), err)
	m.failures.DeleteExpired()
	n := m.failures.ItemCount()
	m.Logger.WithError(err).Warnf("Status poll failed (%d recent failures)", n)
	if m.DegradedAfter > 0 && n >= m.DegradedAfter && !m.degraded {
		m.degraded = true
		m.Logger.WithError(err).Errorf("Monitoring degraded after %d failures, still polling", n)
		if m.OnDegraded != nil {
			m.OnDegraded(m.Channel, n, err)
		}
	}
}

func (m *StreamMonitor) Degraded() bool {
	return m.degraded
}

// WaitLive blocks until the channel is seen live with a broadcast that was
// not handled before, or ctx is done.
func (m *StreamMonitor) WaitLive(ctx context.Context) (*interfaces.StreamSession, error) {
	for {
		status, err := m.Poll(ctx)
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if err == nil && status.Live {
			if status.StartedAt.Equal(m.LastStartedAt) {
				m.Logger.Debugf("Broadcast started at %s already handled", status.StartedAt)
			} else {
				m.Logger.Infof("%s went live at %s: %s", m.Channel, status.StartedAt.Format(time.RFC3339), status.Title)
				channelName := status.ChannelName
				if channelName == "" {
					channelName = m.Channel
				}
				return &interfaces.StreamSession{
					ChannelID:   status.ChannelID,
					ChannelName: channelName,
					Title:       status.Title,
					StartedAt:   status.StartedAt,
				}, nil
			}
		} else if err == nil {
			m.Logger.Debugf("%s is not living", m.Channel)
		}
		if err := utils.Sleep(ctx, m.Interval); err != nil {
			return nil, err
		}
	}
}
