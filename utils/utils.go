package utils

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"unicode"

	"github.com/pkg/errors"
	"github.com/valyala/bytebufferpool"
)

const userAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/75.0.3770.142 Safari/537.36"

var bufPool bytebufferpool.Pool

// StatusError is returned when the server answers with an unexpected status code.
type StatusError struct {
	Code int
	URL  string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("HttpGet status error %d for %s", e.Code, e.URL)
}

// Transient reports whether the request is worth retrying.
func (e *StatusError) Transient() bool {
	return e.Code >= 500 || e.Code == http.StatusTooManyRequests || e.Code == http.StatusRequestTimeout
}

// ErrTruncated means the body was shorter than the announced Content-Length.
var ErrTruncated = errors.New("truncated body")

// IsTransientHTTP classifies an error returned by HttpDo.
func IsTransientHTTP(err error) bool {
	if err == nil {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Transient()
	}
	if errors.Is(err, ErrTruncated) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	// a canceled request is not transient, the caller is going away
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	// connection resets, dns failures, timeouts
	return true
}

// HttpDo performs the request and hands the pooled body buffer to consume.
// The buffer is returned to the pool afterwards, so consume must copy
// whatever it keeps.
func HttpDo(ctx context.Context, client *http.Client, meth string, url string, header map[string]string, data []byte, consume func(body []byte) error) error {
	if client == nil {
		client = http.DefaultClient
	}
	var dataReader io.Reader
	if data != nil {
		dataReader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, meth, url, dataReader)
	if err != nil {
		return errors.Wrap(err, "build request")
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept-Language", "en-US,en;q=0.8")
	for k, v := range header {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		return errors.Wrap(err, "HttpGet error")
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK && res.StatusCode != http.StatusPartialContent {
		return &StatusError{Code: res.StatusCode, URL: url}
	}

	buf := bufPool.Get()
	defer bufPool.Put(buf)
	n, err := buf.ReadFrom(res.Body)
	if err != nil {
		return errors.Wrap(err, "read body")
	}
	if res.ContentLength >= 0 && n != res.ContentLength {
		return errors.Wrapf(ErrTruncated, "expected %d bytes, got %d", res.ContentLength, n)
	}
	if consume == nil {
		return nil
	}
	return consume(buf.B)
}

func HttpGet(ctx context.Context, client *http.Client, url string, header map[string]string) ([]byte, error) {
	var ret []byte
	err := HttpDo(ctx, client, http.MethodGet, url, header, nil, func(body []byte) error {
		ret = append([]byte(nil), body...)
		return nil
	})
	return ret, err
}

func HttpPost(ctx context.Context, client *http.Client, url string, header map[string]string, data []byte) ([]byte, error) {
	var ret []byte
	err := HttpDo(ctx, client, http.MethodPost, url, header, data, func(body []byte) error {
		ret = append([]byte(nil), body...)
		return nil
	})
	return ret, err
}

func IsFileExist(aFilepath string) bool {
	_, err := os.Stat(aFilepath)
	return err == nil
}

// isEmoji reports pictographs, dingbats, flags and the joiners and
// modifiers that glue them into sequences.
func isEmoji(r rune) bool {
	switch {
	case r == 0x200D, r == 0x20E3:
		return true
	case r >= 0xFE00 && r <= 0xFE0F:
		return true
	case r >= 0x1F000 && r <= 0x1FAFF:
		return true
	case r >= 0xE0020 && r <= 0xE007F:
		return true
	case r >= 0x2190 && r <= 0x2BFF:
		return unicode.Is(unicode.So, r)
	}
	return false
}

func RemoveIllegalChar(Title string) string {
	illegalChars := []string{"|", "/", "\\", ":", "?", "*", "<", ">", "\""}
	Title = strings.Map(func(r rune) rune {
		if isEmoji(r) {
			return -1
		}
		return r
	}, Title)
	for _, char := range illegalChars {
		Title = strings.ReplaceAll(Title, char, "#")
	}
	return strings.TrimSpace(Title)
}

func RPartition(s string, sep string) (string, string, string) {
	parts := strings.SplitAfter(s, sep)
	if len(parts) == 1 {
		return "", "", parts[0]
	}
	return strings.Join(parts[0:len(parts)-1], ""), sep, parts[len(parts)-1]
}
