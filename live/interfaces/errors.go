package interfaces

import "github.com/pkg/errors"

var (
	ErrTransientNetwork         = errors.New("transient network error")
	ErrCorrelationTimeout       = errors.New("no matching vod before correlation timeout")
	ErrSegmentDownloadExhausted = errors.New("segment download retries exhausted")
	ErrStorageWrite             = errors.New("storage write failed")
	ErrConfiguration            = errors.New("invalid configuration")
	ErrCaptureAbandoned         = errors.New("capture abandoned")
	ErrCaptureDiscarded         = errors.New("capture below minimum duration")
	ErrChannelOffline           = errors.New("channel went offline")
)
