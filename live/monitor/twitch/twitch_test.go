package twitch

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fzxiao233/Vod_Record/live/interfaces"
	"github.com/fzxiao233/Vod_Record/live/monitor/base"
	"github.com/fzxiao233/Vod_Record/utils"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

const videosBody = `{"data":[
	{"id":"42","user_id":"7","user_login":"somebody","title":"today","created_at":"2020-06-01T12:00:20Z","duration":"1h2m3s","type":"archive"},
	{"id":"41","user_id":"7","user_login":"somebody","title":"bad","created_at":"yesterday","duration":"1m","type":"archive"},
	{"id":"40","user_id":"7","user_login":"somebody","title":"older","created_at":"2020-05-30T09:00:00Z","duration":"3h","type":"archive"}
]}`

type fakeTwitch struct {
	tokens    int32
	rejectOne int32
	srv       *httptest.Server
}

func newFakeTwitch(t *testing.T) *fakeTwitch {
	f := &fakeTwitch{}
	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "secret", r.URL.Query().Get("client_secret"))
		atomic.AddInt32(&f.tokens, 1)
		_, _ = w.Write([]byte(`{"access_token":"tok","expires_in":3600,"token_type":"bearer"}`))
	})
	mux.HandleFunc("/helix/streams", func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "cid", r.Header.Get("Client-Id"))
		require.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		if atomic.CompareAndSwapInt32(&f.rejectOne, 1, 0) {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		switch r.URL.Query().Get("user_login") {
		case "somebody":
			_, _ = w.Write([]byte(`{"data":[{"user_id":"7","user_login":"somebody","type":"live","title":"hello","started_at":"2020-06-01T12:00:00Z"}]}`))
		case "broken":
			w.WriteHeader(http.StatusBadGateway)
		case "nodata":
			_, _ = w.Write([]byte(`{}`))
		default:
			_, _ = w.Write([]byte(`{"data":[]}`))
		}
	})
	mux.HandleFunc("/helix/videos", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		switch {
		case q.Get("user_id") == "7":
			require.Equal(t, "archive", q.Get("type"))
			require.Equal(t, "5", q.Get("first"))
			_, _ = w.Write([]byte(videosBody))
		case q.Get("id") == "42":
			_, _ = w.Write([]byte(`{"data":[{"id":"42","user_id":"7","user_login":"somebody","title":"today","created_at":"2020-06-01T12:00:20Z","duration":"5m"}]}`))
		default:
			_, _ = w.Write([]byte(`{"data":[]}`))
		}
	})
	mux.HandleFunc("/gql", func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "gqlid", r.Header.Get("Client-Id"))
		body, _ := io.ReadAll(r.Body)
		var req gqlRequest
		require.NoError(t, json.Unmarshal(body, &req))
		require.Equal(t, "PlaybackAccessToken", req.OperationName)
		if req.Variables["vodID"] != "42" {
			_, _ = w.Write([]byte(`{"data":{"videoPlaybackAccessToken":null}}`))
			return
		}
		_, _ = w.Write([]byte(`{"data":{"videoPlaybackAccessToken":{"value":"{\"vod_id\":42}","signature":"abc"}}}`))
	})
	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeTwitch) client() *Twitch {
	tw := New(base.CreateMonitorCtx(6000, 4), "cid", "secret", "gqlid", log.WithField("test", true))
	tw.HelixURL = f.srv.URL + "/helix"
	tw.AuthURL = f.srv.URL + "/token"
	tw.GQLURL = f.srv.URL + "/gql"
	tw.UsherURL = "https://usher.example"
	return tw
}

func TestGetChannelStatus(t *testing.T) {
	f := newFakeTwitch(t)
	tw := f.client()
	ctx := context.Background()

	status, err := tw.GetChannelStatus(ctx, "somebody")
	require.NoError(t, err)
	require.Equal(t, &interfaces.ChannelStatus{
		Live:        true,
		ChannelID:   "7",
		ChannelName: "somebody",
		Title:       "hello",
		StartedAt:   time.Date(2020, 6, 1, 12, 0, 0, 0, time.UTC),
	}, status)

	status, err = tw.GetChannelStatus(ctx, "quiet")
	require.NoError(t, err)
	require.False(t, status.Live)
	require.Equal(t, "quiet", status.ChannelName)

	// the token is cached between requests
	require.Equal(t, int32(1), atomic.LoadInt32(&f.tokens))
}

func TestGetChannelStatusErrors(t *testing.T) {
	f := newFakeTwitch(t)
	tw := f.client()
	ctx := context.Background()

	_, err := tw.GetChannelStatus(ctx, "broken")
	require.True(t, errors.Is(err, interfaces.ErrTransientNetwork))
	require.False(t, utils.IsPermanent(err))

	_, err = tw.GetChannelStatus(ctx, "nodata")
	require.True(t, utils.IsPermanent(err))

	atomic.StoreInt32(&f.rejectOne, 1)
	_, err = tw.GetChannelStatus(ctx, "somebody")
	require.True(t, errors.Is(err, interfaces.ErrTransientNetwork))
	_, err = tw.GetChannelStatus(ctx, "somebody")
	require.NoError(t, err)
	require.Equal(t, int32(2), atomic.LoadInt32(&f.tokens))
}

func TestListVods(t *testing.T) {
	tw := newFakeTwitch(t).client()

	vods, err := tw.ListVods(context.Background(), "7", 5)
	require.NoError(t, err)
	// the entry with a broken timestamp is dropped
	require.Len(t, vods, 2)
	require.Equal(t, interfaces.Vod{
		ID:          "42",
		ChannelID:   "7",
		ChannelName: "somebody",
		Title:       "today",
		CreatedAt:   time.Date(2020, 6, 1, 12, 0, 20, 0, time.UTC),
		Duration:    time.Hour + 2*time.Minute + 3*time.Second,
	}, vods[0])
	require.Equal(t, "40", vods[1].ID)
	require.Equal(t, 3*time.Hour, vods[1].Duration)

	vods, err = tw.ListVods(context.Background(), "8", 5)
	require.NoError(t, err)
	require.Empty(t, vods)
}

func TestGetVod(t *testing.T) {
	tw := newFakeTwitch(t).client()

	vod, err := tw.GetVod(context.Background(), "42")
	require.NoError(t, err)
	require.Equal(t, "today", vod.Title)
	require.Equal(t, 5*time.Minute, vod.Duration)

	_, err = tw.GetVod(context.Background(), "99")
	require.True(t, utils.IsPermanent(err))
}

func TestVodMasterPlaylistURL(t *testing.T) {
	tw := newFakeTwitch(t).client()

	ret, err := tw.VodMasterPlaylistURL(context.Background(), "42")
	require.NoError(t, err)
	u, err := url.Parse(ret)
	require.NoError(t, err)
	require.Equal(t, "usher.example", u.Host)
	require.Equal(t, "/vod/42.m3u8", u.Path)
	require.Equal(t, "abc", u.Query().Get("sig"))
	require.Equal(t, `{"vod_id":42}`, u.Query().Get("token"))
	require.Equal(t, "true", u.Query().Get("allow_source"))

	_, err = tw.VodMasterPlaylistURL(context.Background(), "43")
	require.True(t, utils.IsPermanent(err))
}
