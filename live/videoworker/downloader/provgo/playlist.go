package provgo

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/url"

	"github.com/fzxiao233/Vod_Record/live/interfaces"
	"github.com/fzxiao233/Vod_Record/utils"
	"github.com/grafov/m3u8"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// PlaylistFetcher returns the current media playlist of a VOD.
type PlaylistFetcher interface {
	Fetch(ctx context.Context, vodID string) (*interfaces.MediaPlaylist, error)
}

type MasterURLResolver interface {
	VodMasterPlaylistURL(ctx context.Context, vodID string) (string, error)
}

func resolveRef(base *url.URL, ref string) (string, error) {
	u, err := url.Parse(ref)
	if err != nil {
		return "", errors.Wrapf(err, "bad uri %q", ref)
	}
	if base == nil {
		return u.String(), nil
	}
	return base.ResolveReference(u).String(), nil
}

func decode(r io.Reader) (m3u8.Playlist, m3u8.ListType, error) {
	p, listType, err := m3u8.DecodeFrom(r, false)
	if err != nil {
		return nil, 0, errors.Wrap(err, "decode m3u8")
	}
	return p, listType, nil
}

func mediaFromDecoded(media *m3u8.MediaPlaylist, base *url.URL) (*interfaces.MediaPlaylist, error) {
	ret := &interfaces.MediaPlaylist{
		Ended:          media.Closed,
		TargetDuration: media.TargetDuration,
	}
	i := 0
	for _, seg := range media.Segments {
		// the segment ring is allocated ahead, unused slots are nil
		if seg == nil {
			continue
		}
		uri, err := resolveRef(base, seg.URI)
		if err != nil {
			return nil, err
		}
		ret.Segments = append(ret.Segments, interfaces.SegmentDescriptor{
			SeqNo:    int(media.SeqNo) + i,
			URI:      uri,
			Duration: seg.Duration,
		})
		i++
	}
	return ret, nil
}

// ParseMediaPlaylist parses a media playlist, resolving segment uris
// against base.
func ParseMediaPlaylist(r io.Reader, base *url.URL) (*interfaces.MediaPlaylist, error) {
	p, listType, err := decode(r)
	if err != nil {
		return nil, err
	}
	if listType != m3u8.MEDIA {
		return nil, errors.New("playlist is not a media playlist")
	}
	return mediaFromDecoded(p.(*m3u8.MediaPlaylist), base)
}

// SelectVariant picks the variant whose video group or rendition name is
// quality. An empty quality picks the first variant, which is the source
// rendition on the platform.
func SelectVariant(master *m3u8.MasterPlaylist, quality string, base *url.URL) (string, error) {
	var names []string
	for _, v := range master.Variants {
		if v == nil {
			continue
		}
		if quality == "" || v.Video == quality {
			return resolveRef(base, v.URI)
		}
		for _, alt := range v.Alternatives {
			if alt != nil && alt.GroupId == v.Video && alt.Name == quality {
				return resolveRef(base, v.URI)
			}
		}
		names = append(names, v.Video)
	}
	return "", utils.Permanent(errors.Errorf("got %q while expected one of %v", quality, names))
}

// HLSPlaylistFetcher resolves the VOD's media playlist once and refetches
// it on every call. The resolved url is dropped whenever the server
// refuses it, so the next call asks for a fresh token.
type HLSPlaylistFetcher struct {
	Resolver MasterURLResolver
	Client   *http.Client
	Quality  string
	Logger   *log.Entry

	mediaURL map[string]string
}

func NewHLSPlaylistFetcher(resolver MasterURLResolver, client *http.Client, quality string, logger *log.Entry) *HLSPlaylistFetcher {
	return &HLSPlaylistFetcher{
		Resolver: resolver,
		Client:   client,
		Quality:  quality,
		Logger:   logger,
		mediaURL: make(map[string]string),
	}
}

func (f *HLSPlaylistFetcher) get(ctx context.Context, u string) (m3u8.Playlist, m3u8.ListType, error) {
	var p m3u8.Playlist
	var listType m3u8.ListType
	err := utils.HttpDo(ctx, f.Client, http.MethodGet, u, nil, nil, func(body []byte) error {
		var err error
		p, listType, err = decode(bytes.NewReader(body))
		return err
	})
	return p, listType, err
}

func (f *HLSPlaylistFetcher) resolve(ctx context.Context, vodID string) (string, error) {
	masterURL, err := f.Resolver.VodMasterPlaylistURL(ctx, vodID)
	if err != nil {
		return "", err
	}
	base, err := url.Parse(masterURL)
	if err != nil {
		return "", utils.Permanent(errors.Wrap(err, "bad master url"))
	}
	p, listType, err := f.get(ctx, masterURL)
	if err != nil {
		return "", f.classify(err)
	}
	if listType == m3u8.MEDIA {
		return masterURL, nil
	}
	mediaURL, err := SelectVariant(p.(*m3u8.MasterPlaylist), f.Quality, base)
	if err != nil {
		return "", err
	}
	f.Logger.Debugf("Resolved %s playlist of vod %s: %s", f.Quality, vodID, mediaURL)
	return mediaURL, nil
}

func (f *HLSPlaylistFetcher) classify(err error) error {
	if utils.IsTransientHTTP(err) {
		return errors.Wrapf(interfaces.ErrTransientNetwork, "%v", err)
	}
	var se *utils.StatusError
	if errors.As(err, &se) && (se.Code == http.StatusForbidden || se.Code == http.StatusNotFound) {
		// playback tokens expire, a new one is worth a try
		return errors.Wrapf(interfaces.ErrTransientNetwork, "%v", err)
	}
	return err
}

func (f *HLSPlaylistFetcher) Fetch(ctx context.Context, vodID string) (*interfaces.MediaPlaylist, error) {
	mediaURL, ok := f.mediaURL[vodID]
	if !ok {
		var err error
		mediaURL, err = f.resolve(ctx, vodID)
		if err != nil {
			return nil, err
		}
		f.mediaURL[vodID] = mediaURL
	}
	base, _ := url.Parse(mediaURL)
	p, listType, err := f.get(ctx, mediaURL)
	if err != nil {
		delete(f.mediaURL, vodID)
		return nil, f.classify(err)
	}
	if listType != m3u8.MEDIA {
		delete(f.mediaURL, vodID)
		return nil, errors.Wrap(interfaces.ErrTransientNetwork, "media url answered with a master playlist")
	}
	return mediaFromDecoded(p.(*m3u8.MediaPlaylist), base)
}
