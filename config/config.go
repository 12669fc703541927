package config

import (
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/fzxiao233/Vod_Record/live/interfaces"
	"github.com/fzxiao233/Vod_Record/utils"
	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

type RetryConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Jitter      float64
}

func (r RetryConfig) Policy() utils.RetryPolicy {
	return utils.RetryPolicy{
		MaxAttempts: r.MaxAttempts,
		BaseDelay:   r.BaseDelay,
		MaxDelay:    r.MaxDelay,
		Jitter:      r.Jitter,
	}
}

type TwitchConfig struct {
	ClientID          string
	ClientSecret      string
	GQLClientID       string
	RequestsPerMinute int
}

type MonitorConfig struct {
	Interval       time.Duration
	DegradedAfter  int
	DegradedWindow time.Duration
}

type CorrelationConfig struct {
	Interval   time.Duration
	Tolerance  time.Duration
	Timeout    time.Duration
	Candidates int
}

type CaptureConfig struct {
	PollInterval        time.Duration
	StallPolls          int
	MinDuration         time.Duration
	MaxPlaylistFailures int
	MaxConsecutiveSkips int
	SegmentsPerSecond   int
	TrustEndList        bool
}

type RetriesConfig struct {
	Status      RetryConfig
	Correlation RetryConfig
	Playlist    RetryConfig
	Segment     RetryConfig
}

type StorageConfig struct {
	Path      string
	Template  string
	Remote    string
	IndexFile string
}

type NotifyConfig struct {
	RedisHost      string
	RedisPassword  string
	RedisChannel   string
	TelegramToken  string
	TelegramChatID string
	TelegramAPI    string
}

// MainConfig is an immutable snapshot; components copy the parts they need
// at construction and never look at a newer one mid-run.
type MainConfig struct {
	Channels    []string
	Quality     string
	TempDir     string
	Twitch      TwitchConfig
	Monitor     MonitorConfig
	Correlation CorrelationConfig
	Capture     CaptureConfig
	Retry       RetriesConfig
	Storage     StorageConfig
	Notify      NotifyConfig

	LogFile            string
	LogFileSize        int
	LogLevel           string
	RLogLevel          string
	LogFormat          string
	StackdriverLogName string
	PprofHost          string
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("Quality", "chunked")
	v.SetDefault("TempDir", "./tmp")
	v.SetDefault("Twitch.GQLClientID", "kimne78kx3ncx6brgo4mv6wki5h1ko")
	v.SetDefault("Twitch.RequestsPerMinute", 600)

	v.SetDefault("Monitor.Interval", "60s")
	v.SetDefault("Monitor.DegradedAfter", 5)
	v.SetDefault("Monitor.DegradedWindow", "10m")

	v.SetDefault("Correlation.Interval", "10s")
	v.SetDefault("Correlation.Tolerance", "1m")
	v.SetDefault("Correlation.Timeout", "30m")
	v.SetDefault("Correlation.Candidates", 5)

	v.SetDefault("Capture.PollInterval", "60s")
	v.SetDefault("Capture.StallPolls", 3)
	v.SetDefault("Capture.MinDuration", "3m")
	v.SetDefault("Capture.MaxPlaylistFailures", 10)
	v.SetDefault("Capture.MaxConsecutiveSkips", 30)
	v.SetDefault("Capture.SegmentsPerSecond", 10)
	v.SetDefault("Capture.TrustEndList", false)

	for _, name := range []string{"Status", "Correlation", "Playlist"} {
		v.SetDefault("Retry."+name+".MaxAttempts", 5)
		v.SetDefault("Retry."+name+".BaseDelay", "2s")
		v.SetDefault("Retry."+name+".MaxDelay", "1m")
		v.SetDefault("Retry."+name+".Jitter", 0.2)
	}
	v.SetDefault("Retry.Segment.MaxAttempts", 3)
	v.SetDefault("Retry.Segment.BaseDelay", "1s")
	v.SetDefault("Retry.Segment.MaxDelay", "30s")
	v.SetDefault("Retry.Segment.Jitter", 0.2)

	v.SetDefault("Storage.Template", "{id}.ts")
	v.SetDefault("Notify.RedisChannel", "vod_record")
	v.SetDefault("Notify.TelegramAPI", "https://api.telegram.org")

	v.SetDefault("LogFile", "vod_record.log")
	v.SetDefault("LogFileSize", 50)
	v.SetDefault("LogLevel", "info")
	v.SetDefault("RLogLevel", "info")
	v.SetDefault("LogFormat", "json")
}

// Validate reports every problem that makes the snapshot unusable.
func (c *MainConfig) Validate() error {
	var problems []string
	if len(c.Channels) == 0 {
		problems = append(problems, "Channels must list at least one channel")
	}
	if c.Twitch.ClientID == "" || c.Twitch.ClientSecret == "" {
		problems = append(problems, "Twitch.ClientID and Twitch.ClientSecret are required")
	}
	if c.Storage.Path == "" {
		problems = append(problems, "Storage.Path is required")
	}
	if !strings.Contains(c.Storage.Template, "{id}") {
		problems = append(problems, "Storage.Template must contain {id}")
	}
	if c.Monitor.Interval <= 0 || c.Correlation.Interval <= 0 || c.Capture.PollInterval <= 0 {
		problems = append(problems, "poll intervals must be positive")
	}
	if c.Correlation.Tolerance <= 0 {
		problems = append(problems, "Correlation.Tolerance must be positive")
	}
	if c.Correlation.Timeout < c.Correlation.Interval {
		problems = append(problems, "Correlation.Timeout must be at least Correlation.Interval")
	}
	if c.Capture.StallPolls < 1 {
		problems = append(problems, "Capture.StallPolls must be at least 1")
	}
	if c.Capture.MinDuration < 0 {
		problems = append(problems, "Capture.MinDuration must not be negative")
	}
	for name, r := range map[string]RetryConfig{
		"Status": c.Retry.Status, "Correlation": c.Retry.Correlation,
		"Playlist": c.Retry.Playlist, "Segment": c.Retry.Segment,
	} {
		if r.MaxAttempts < 1 {
			problems = append(problems, "Retry."+name+".MaxAttempts must be at least 1")
		}
		if r.Jitter < 0 || r.Jitter > 1 {
			problems = append(problems, "Retry."+name+".Jitter must be within 0..1")
		}
	}
	if len(problems) > 0 {
		return errors.Wrap(interfaces.ErrConfiguration, strings.Join(problems, "; "))
	}
	return nil
}

// Loader owns the viper instance and hands out the latest valid snapshot.
type Loader struct {
	v       *viper.Viper
	current atomic.Value
	changed int32
	mu      sync.Mutex
	// OnReload is told about every reload attempt after the first load.
	OnReload func(cfg *MainConfig, err error)
}

func NewLoader(path string) (*Loader, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("VODREC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	l := &Loader{v: v}
	cfg, err := l.read()
	if err != nil {
		return nil, err
	}
	l.current.Store(cfg)
	return l, nil
}

// Watch enables hot reload; changes are picked up by the next Snapshot call.
func (l *Loader) Watch() {
	l.v.OnConfigChange(func(in fsnotify.Event) {
		atomic.StoreInt32(&l.changed, 1)
	})
	l.v.WatchConfig()
}

func (l *Loader) read() (*MainConfig, error) {
	if err := l.v.ReadInConfig(); err != nil {
		return nil, errors.Wrapf(interfaces.ErrConfiguration, "read %s: %s", l.v.ConfigFileUsed(), err)
	}
	cfg := &MainConfig{}
	err := l.v.Unmarshal(cfg, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	)))
	if err != nil {
		return nil, errors.Wrapf(interfaces.ErrConfiguration, "decode: %s", err)
	}
	if cfg.Storage.IndexFile == "" && cfg.Storage.Path != "" {
		cfg.Storage.IndexFile = filepath.Join(cfg.Storage.Path, "captures.db")
	}
	for i, ch := range cfg.Channels {
		cfg.Channels[i] = strings.ToLower(strings.TrimSpace(ch))
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Snapshot returns the newest valid configuration. A pending change is
// loaded first; if it fails to validate the previous snapshot is kept.
func (l *Loader) Snapshot() *MainConfig {
	if atomic.CompareAndSwapInt32(&l.changed, 1, 0) {
		l.mu.Lock()
		cfg, err := l.read()
		if err == nil {
			l.current.Store(cfg)
		}
		l.mu.Unlock()
		if l.OnReload != nil {
			l.OnReload(cfg, err)
		}
	}
	return l.current.Load().(*MainConfig)
}
