package twitch

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/bitly/go-simplejson"
	"github.com/fzxiao233/Vod_Record/live/interfaces"
	"github.com/fzxiao233/Vod_Record/live/monitor/base"
	"github.com/fzxiao233/Vod_Record/utils"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
)

const vodTokenHash = "0828119ded1c13477966434e15800ff57ddacf13ba1911c129dc2200705b0712"

type Twitch struct {
	Ctx          *base.MonitorCtx
	ClientID     string
	ClientSecret string
	GQLClientID  string

	HelixURL string
	AuthURL  string
	GQLURL   string
	UsherURL string

	Logger *log.Entry

	mu          sync.Mutex
	token       string
	tokenExpiry time.Time
}

func New(ctx *base.MonitorCtx, clientID string, clientSecret string, gqlClientID string, logger *log.Entry) *Twitch {
	return &Twitch{
		Ctx:          ctx,
		ClientID:     clientID,
		ClientSecret: clientSecret,
		GQLClientID:  gqlClientID,
		HelixURL:     "https://api.twitch.tv/helix",
		AuthURL:      "https://id.twitch.tv/oauth2/token",
		GQLURL:       "https://gql.twitch.tv/gql",
		UsherURL:     "https://usher.ttvnw.net",
		Logger:       logger,
	}
}

// classify turns an http error into either a transient error or one that
// retry policies must not repeat.
func classify(what string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if utils.IsTransientHTTP(err) {
		return errors.Wrapf(interfaces.ErrTransientNetwork, "%s: %v", what, err)
	}
	return utils.Permanent(errors.Wrap(err, what))
}

func (t *Twitch) appToken(ctx context.Context) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.token != "" && time.Now().Before(t.tokenExpiry) {
		return t.token, nil
	}
	q := url.Values{}
	q.Set("client_id", t.ClientID)
	q.Set("client_secret", t.ClientSecret)
	q.Set("grant_type", "client_credentials")
	ret, err := t.Ctx.HttpPost(ctx, t.AuthURL+"?"+q.Encode(), nil, []byte{})
	if err != nil {
		return "", classify("get app token", err)
	}
	js, err := simplejson.NewJson(ret)
	if err != nil {
		return "", utils.Permanent(errors.Wrap(err, "parse app token"))
	}
	token := js.Get("access_token").MustString()
	if token == "" {
		return "", utils.Permanent(errors.New("app token response carries no access_token"))
	}
	expiresIn := js.Get("expires_in").MustInt(3600)
	t.token = token
	// refresh a minute early so in-flight requests never carry a stale token
	t.tokenExpiry = time.Now().Add(time.Duration(expiresIn)*time.Second - time.Minute)
	return t.token, nil
}

func (t *Twitch) dropToken() {
	t.mu.Lock()
	t.token = ""
	t.mu.Unlock()
}

func (t *Twitch) helixGet(ctx context.Context, path string, query url.Values) ([]byte, error) {
	token, err := t.appToken(ctx)
	if err != nil {
		return nil, err
	}
	ret, err := t.Ctx.HttpGet(ctx, t.HelixURL+path+"?"+query.Encode(), map[string]string{
		"Client-Id":     t.ClientID,
		"Authorization": "Bearer " + token,
	})
	if err != nil {
		var se *utils.StatusError
		if errors.As(err, &se) && se.Code == 401 {
			t.dropToken()
			return nil, errors.Wrapf(interfaces.ErrTransientNetwork, "helix %s: token rejected", path)
		}
		return nil, classify("helix "+path, err)
	}
	return ret, nil
}

func parseTime(s string) (time.Time, error) {
	ts, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, errors.Wrapf(err, "bad timestamp %q", s)
	}
	return ts.UTC(), nil
}

// GetChannelStatus reports whether login is broadcasting and since when.
func (t *Twitch) GetChannelStatus(ctx context.Context, login string) (*interfaces.ChannelStatus, error) {
	q := url.Values{}
	q.Set("user_login", login)
	ret, err := t.helixGet(ctx, "/streams", q)
	if err != nil {
		return nil, err
	}
	status := &interfaces.ChannelStatus{ChannelName: login}
	data := gjson.GetBytes(ret, "data")
	if !data.Exists() {
		return nil, utils.Permanent(errors.New("helix streams response carries no data"))
	}
	for _, stream := range data.Array() {
		if stream.Get("type").String() != "live" {
			continue
		}
		startedAt, err := parseTime(stream.Get("started_at").String())
		if err != nil {
			return nil, utils.Permanent(err)
		}
		status.Live = true
		status.ChannelID = stream.Get("user_id").String()
		status.ChannelName = stream.Get("user_login").String()
		status.Title = stream.Get("title").String()
		status.StartedAt = startedAt
		break
	}
	return status, nil
}

// ListVods returns the newest archive videos of a channel, most recent first.
func (t *Twitch) ListVods(ctx context.Context, channelID string, limit int) ([]interfaces.Vod, error) {
	q := url.Values{}
	q.Set("user_id", channelID)
	q.Set("type", "archive")
	q.Set("sort", "time")
	q.Set("first", fmt.Sprint(limit))
	ret, err := t.helixGet(ctx, "/videos", q)
	if err != nil {
		return nil, err
	}
	return t.parseVideos(ret), nil
}

// GetVod looks up a single video by id.
func (t *Twitch) GetVod(ctx context.Context, vodID string) (*interfaces.Vod, error) {
	q := url.Values{}
	q.Set("id", vodID)
	ret, err := t.helixGet(ctx, "/videos", q)
	if err != nil {
		return nil, err
	}
	vods := t.parseVideos(ret)
	if len(vods) == 0 {
		return nil, utils.Permanent(errors.Errorf("vod %s not found", vodID))
	}
	return &vods[0], nil
}

func (t *Twitch) parseVideos(ret []byte) []interfaces.Vod {
	var vods []interfaces.Vod
	for _, video := range gjson.GetBytes(ret, "data").Array() {
		createdAt, err := parseTime(video.Get("created_at").String())
		if err != nil {
			t.Logger.WithError(err).Warnf("skipping video %s", video.Get("id").String())
			continue
		}
		duration, err := time.ParseDuration(video.Get("duration").String())
		if err != nil {
			duration = 0
		}
		vods = append(vods, interfaces.Vod{
			ID:          video.Get("id").String(),
			ChannelID:   video.Get("user_id").String(),
			ChannelName: video.Get("user_login").String(),
			Title:       video.Get("title").String(),
			CreatedAt:   createdAt,
			Duration:    duration,
		})
	}
	return vods
}

type gqlRequest struct {
	OperationName string                 `json:"operationName"`
	Extensions    map[string]interface{} `json:"extensions"`
	Variables     map[string]interface{} `json:"variables"`
}

// VodMasterPlaylistURL asks for a playback token and returns the usher
// url of the VOD's master playlist.
func (t *Twitch) VodMasterPlaylistURL(ctx context.Context, vodID string) (string, error) {
	body, _ := json.Marshal(&gqlRequest{
		OperationName: "PlaybackAccessToken",
		Extensions: map[string]interface{}{
			"persistedQuery": map[string]interface{}{"version": 1, "sha256Hash": vodTokenHash},
		},
		Variables: map[string]interface{}{
			"isLive": false, "login": "", "isVod": true, "vodID": vodID, "playerType": "embed",
		},
	})
	ret, err := t.Ctx.HttpPost(ctx, t.GQLURL, map[string]string{
		"Client-Id":    t.GQLClientID,
		"Content-Type": "application/json",
	}, body)
	if err != nil {
		return "", classify("gql playback token", err)
	}
	js, err := simplejson.NewJson(ret)
	if err != nil {
		return "", utils.Permanent(errors.Wrap(err, "parse gql playback token"))
	}
	tok := js.GetPath("data", "videoPlaybackAccessToken")
	value := tok.Get("value").MustString()
	sig := tok.Get("signature").MustString()
	if value == "" || sig == "" {
		return "", utils.Permanent(errors.Errorf("no playback token for vod %s", vodID))
	}
	q := url.Values{}
	q.Set("allow_source", "true")
	q.Set("player", "twitchweb")
	q.Set("playlist_include_framerate", "true")
	q.Set("sig", sig)
	q.Set("token", value)
	return fmt.Sprintf("%s/vod/%s.m3u8?%s", t.UsherURL, vodID, q.Encode()), nil
}
