package videoworker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/fzxiao233/Vod_Record/live/interfaces"
	"github.com/fzxiao233/Vod_Record/utils"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

var liveStart = time.Date(2020, 6, 1, 12, 0, 0, 0, time.UTC)

func vodAt(id string, offset time.Duration) interfaces.Vod {
	return interfaces.Vod{ID: id, ChannelID: "1", ChannelName: "somebody", CreatedAt: liveStart.Add(offset)}
}

func TestMatchVod(t *testing.T) {
	tests := []struct {
		name      string
		vods      []interfaces.Vod
		tolerance time.Duration
		want      string
	}{
		{"created shortly after", []interfaces.Vod{vodAt("a", 5 * time.Second)}, 30 * time.Second, "a"},
		{"created before start", []interfaces.Vod{vodAt("a", -10 * time.Second)}, 30 * time.Second, "a"},
		{"on the edge", []interfaces.Vod{vodAt("a", 30 * time.Second)}, 30 * time.Second, "a"},
		{"too late", []interfaces.Vod{vodAt("a", 45 * time.Second)}, 30 * time.Second, ""},
		{"previous broadcast", []interfaces.Vod{vodAt("old", -5 * time.Hour)}, time.Minute, ""},
		{"smallest offset wins", []interfaces.Vod{vodAt("far", 20 * time.Second), vodAt("near", -3 * time.Second), vodAt("mid", 10 * time.Second)}, 30 * time.Second, "near"},
		{"empty listing", nil, time.Minute, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := MatchVod(tt.vods, liveStart, tt.tolerance)
			if tt.want == "" {
				require.Nil(t, got)
				return
			}
			require.NotNil(t, got)
			require.Equal(t, tt.want, got.ID)
			offset := got.CreatedAt.Sub(liveStart)
			require.LessOrEqual(t, absDuration(offset), tt.tolerance)
		})
	}
}

// listingAfter returns nothing for the first `empty` calls.
type listingAfter struct {
	mu    sync.Mutex
	empty int
	vods  []interfaces.Vod
	err   error
	calls int
}

func (l *listingAfter) ListVods(ctx context.Context, channelID string, limit int) ([]interfaces.Vod, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls++
	if l.err != nil {
		return nil, l.err
	}
	if l.calls <= l.empty {
		return nil, nil
	}
	return l.vods, nil
}

func createCorrelator(api VodLister) *Correlator {
	c := NewCorrelator(api, log.WithField("test", true))
	c.Interval = time.Millisecond
	c.Tolerance = 30 * time.Second
	c.Timeout = time.Second
	c.Retry = utils.RetryPolicy{MaxAttempts: 1}
	return c
}

var testSession = &interfaces.StreamSession{ChannelID: "1", ChannelName: "somebody", StartedAt: liveStart}

func TestCorrelateWaitsForVod(t *testing.T) {
	api := &listingAfter{empty: 2, vods: []interfaces.Vod{vodAt("42", 5 * time.Second)}}
	c := createCorrelator(api)

	vod, err := c.Correlate(context.Background(), testSession)
	require.NoError(t, err)
	require.Equal(t, "42", vod.VodID)
	require.Equal(t, 3, api.calls)
}

func TestCorrelateTimeout(t *testing.T) {
	api := &listingAfter{vods: []interfaces.Vod{vodAt("42", 2 * time.Minute)}}
	c := createCorrelator(api)
	c.Timeout = 20 * time.Millisecond

	_, err := c.Correlate(context.Background(), testSession)
	require.True(t, errors.Is(err, interfaces.ErrCorrelationTimeout))
}

func TestCorrelateSurvivesListingErrors(t *testing.T) {
	api := &listingAfter{err: errors.Wrap(interfaces.ErrTransientNetwork, "boom")}
	c := createCorrelator(api)
	c.Timeout = 20 * time.Millisecond

	_, err := c.Correlate(context.Background(), testSession)
	require.True(t, errors.Is(err, interfaces.ErrCorrelationTimeout))
	require.Greater(t, api.calls, 1)
}

func TestCorrelateCommitted(t *testing.T) {
	api := &listingAfter{vods: []interfaces.Vod{vodAt("42", 20 * time.Second)}}
	c := createCorrelator(api)

	first, err := c.Correlate(context.Background(), testSession)
	require.NoError(t, err)

	// a closer vod showing up later must not change the answer
	api.vods = []interfaces.Vod{vodAt("43", time.Second), vodAt("42", 20 * time.Second)}
	again, err := c.Correlate(context.Background(), testSession)
	require.NoError(t, err)
	require.Equal(t, first, again)
	require.Equal(t, 1, api.calls)
}

func TestCorrelateCanceled(t *testing.T) {
	api := &listingAfter{}
	c := createCorrelator(api)
	c.Timeout = time.Hour
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.Correlate(ctx, testSession)
	require.True(t, errors.Is(err, context.Canceled))
}
