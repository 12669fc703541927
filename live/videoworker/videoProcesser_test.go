package videoworker

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/fzxiao233/Vod_Record/config"
	"github.com/fzxiao233/Vod_Record/live/interfaces"
	"github.com/fzxiao233/Vod_Record/live/storage"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

// fakePlatform is always live and serves a three segment vod from srv.
type fakePlatform struct {
	srv  *httptest.Server
	vods []interfaces.Vod
}

func newFakePlatform() *fakePlatform {
	mux := http.NewServeMux()
	mux.HandleFunc("/vod/42/index-dvr.m3u8", func(w http.ResponseWriter, r *http.Request) {
		var b strings.Builder
		b.WriteString("#EXTM3U\n#EXT-X-VERSION:3\n#EXT-X-TARGETDURATION:10\n#EXT-X-MEDIA-SEQUENCE:0\n")
		for i := 0; i < 3; i++ {
			fmt.Fprintf(&b, "#EXTINF:10.000,\n%d.ts\n", i)
		}
		_, _ = w.Write([]byte(b.String()))
	})
	mux.HandleFunc("/vod/42/", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(filepath.Base(r.URL.Path) + ";"))
	})
	return &fakePlatform{
		srv:  httptest.NewServer(mux),
		vods: []interfaces.Vod{vodAt("42", 5*time.Second)},
	}
}

func (f *fakePlatform) GetChannelStatus(ctx context.Context, channel string) (*interfaces.ChannelStatus, error) {
	return &interfaces.ChannelStatus{Live: true, ChannelID: "1", ChannelName: channel, Title: "hello", StartedAt: liveStart}, nil
}

func (f *fakePlatform) ListVods(ctx context.Context, channelID string, limit int) ([]interfaces.Vod, error) {
	return f.vods, nil
}

func (f *fakePlatform) GetVod(ctx context.Context, vodID string) (*interfaces.Vod, error) {
	for _, v := range f.vods {
		if v.ID == vodID {
			v := v
			return &v, nil
		}
	}
	return nil, errors.New("not found")
}

func (f *fakePlatform) VodMasterPlaylistURL(ctx context.Context, vodID string) (string, error) {
	return f.srv.URL + "/vod/" + vodID + "/index-dvr.m3u8", nil
}

type memIndex struct {
	mu    sync.Mutex
	files map[string]*interfaces.CapturedFile
}

func (m *memIndex) Lookup(ctx context.Context, vodID string) (*storage.Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	file, ok := m.files[vodID]
	if !ok {
		return nil, nil
	}
	return &storage.Entry{VodID: vodID, Path: file.Path, Duration: file.TotalDuration, Size: file.ByteSize, Gaps: file.Gaps}, nil
}

func (m *memIndex) Record(ctx context.Context, file *interfaces.CapturedFile, vod *interfaces.VodHandle) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.files[vod.VodID] = file
	return nil
}

type recordingSink struct {
	mu     sync.Mutex
	events []*interfaces.Event
	onEv   func(ev *interfaces.Event)
}

func (r *recordingSink) Notify(ctx context.Context, ev *interfaces.Event) error {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
	if r.onEv != nil {
		r.onEv(ev)
	}
	return nil
}

func (r *recordingSink) Kinds() []interfaces.EventKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	var ret []interfaces.EventKind
	for _, ev := range r.events {
		ret = append(ret, ev.Kind)
	}
	return ret
}

type staticConfig struct {
	cfg *config.MainConfig
}

func (s staticConfig) Snapshot() *config.MainConfig {
	return s.cfg
}

func testConfig(t *testing.T) *config.MainConfig {
	cfg := &config.MainConfig{Channels: []string{"somebody"}, TempDir: t.TempDir(), Quality: "chunked"}
	cfg.Monitor.Interval = time.Millisecond
	cfg.Correlation = config.CorrelationConfig{Interval: time.Millisecond, Tolerance: 30 * time.Second, Timeout: time.Second, Candidates: 5}
	cfg.Capture = config.CaptureConfig{
		PollInterval: time.Millisecond, StallPolls: 2, MinDuration: 20 * time.Second,
		MaxPlaylistFailures: 3, MaxConsecutiveSkips: 3, SegmentsPerSecond: 1000,
	}
	for _, r := range []*config.RetryConfig{&cfg.Retry.Status, &cfg.Retry.Correlation, &cfg.Retry.Playlist, &cfg.Retry.Segment} {
		*r = config.RetryConfig{MaxAttempts: 2, BaseDelay: time.Millisecond}
	}
	cfg.Storage.Path = t.TempDir()
	return cfg
}

func createPipeline(t *testing.T, platform *fakePlatform, cfg *config.MainConfig) (*ProcessVideo, *recordingSink, *memIndex) {
	sink := &recordingSink{}
	index := &memIndex{files: make(map[string]*interfaces.CapturedFile)}
	plugins := &PluginManager{Logger: log.WithField("test", true)}
	plugins.AddPlugin(sink)
	return &ProcessVideo{
		Channel:  "somebody",
		Config:   staticConfig{cfg},
		Platform: platform,
		Storage:  &dirStorer{dir: cfg.Storage.Path},
		Index:    index,
		Plugins:  plugins,
		Client:   platform.srv.Client(),
		Logger:   log.WithField("test", true),
	}, sink, index
}

func TestHandleSessionStoresCapture(t *testing.T) {
	platform := newFakePlatform()
	defer platform.srv.Close()
	cfg := testConfig(t)
	p, sink, index := createPipeline(t, platform, cfg)

	file, err := p.HandleSession(context.Background(), cfg, testSession)
	require.NoError(t, err)
	require.Equal(t, filepath.Join(cfg.Storage.Path, "42.ts"), file.Path)
	require.Equal(t, 30*time.Second, file.TotalDuration)
	data, err := os.ReadFile(file.Path)
	require.NoError(t, err)
	require.Equal(t, "0.ts;1.ts;2.ts;", string(data))
	require.Equal(t, []interfaces.EventKind{interfaces.CaptureStarted, interfaces.CaptureFinished}, sink.Kinds())
	require.Contains(t, index.files, "42")

	// a stored vod is never captured again
	file, err = p.HandleSession(context.Background(), cfg, testSession)
	require.NoError(t, err)
	require.Nil(t, file)
	require.Len(t, sink.Kinds(), 2)
}

func TestHandleSessionDiscardsShortCapture(t *testing.T) {
	platform := newFakePlatform()
	defer platform.srv.Close()
	cfg := testConfig(t)
	cfg.Capture.MinDuration = time.Hour
	p, sink, index := createPipeline(t, platform, cfg)

	_, err := p.HandleSession(context.Background(), cfg, testSession)
	require.True(t, errors.Is(err, interfaces.ErrCaptureDiscarded))
	require.Equal(t, []interfaces.EventKind{interfaces.CaptureStarted, interfaces.CaptureAbandoned}, sink.Kinds())
	require.Empty(t, index.files)
	entries, _ := os.ReadDir(cfg.Storage.Path)
	require.Empty(t, entries)
}

func TestHandleSessionWithoutVod(t *testing.T) {
	platform := newFakePlatform()
	defer platform.srv.Close()
	platform.vods = []interfaces.Vod{vodAt("41", -3*time.Hour)}
	cfg := testConfig(t)
	cfg.Correlation.Timeout = 10 * time.Millisecond
	p, sink, _ := createPipeline(t, platform, cfg)

	_, err := p.HandleSession(context.Background(), cfg, testSession)
	require.True(t, errors.Is(err, interfaces.ErrCorrelationTimeout))
	require.Equal(t, []interfaces.EventKind{interfaces.CaptureAbandoned}, sink.Kinds())
}

func TestCaptureVod(t *testing.T) {
	platform := newFakePlatform()
	defer platform.srv.Close()
	cfg := testConfig(t)
	p, _, _ := createPipeline(t, platform, cfg)

	file, err := p.CaptureVod(context.Background(), "42")
	require.NoError(t, err)
	require.Equal(t, "42", file.VodID)
}

func TestRunCapturesOnceAndStops(t *testing.T) {
	platform := newFakePlatform()
	defer platform.srv.Close()
	cfg := testConfig(t)
	p, sink, _ := createPipeline(t, platform, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sink.onEv = func(ev *interfaces.Event) {
		if ev.Kind == interfaces.CaptureFinished {
			cancel()
		}
	}
	err := p.Run(ctx)
	require.True(t, errors.Is(err, context.Canceled))
	require.Equal(t, []interfaces.EventKind{interfaces.CaptureStarted, interfaces.CaptureFinished}, sink.Kinds())
}
