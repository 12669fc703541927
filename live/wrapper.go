package live

import (
	"net/http"
	"time"

	"github.com/fzxiao233/Vod_Record/config"
	"github.com/fzxiao233/Vod_Record/live/monitor/base"
	"github.com/fzxiao233/Vod_Record/live/monitor/twitch"
	"github.com/fzxiao233/Vod_Record/live/plugins"
	"github.com/fzxiao233/Vod_Record/live/storage"
	"github.com/fzxiao233/Vod_Record/live/videoworker"
	"github.com/fzxiao233/Vod_Record/utils"
	log "github.com/sirupsen/logrus"
)

// Deps are the collaborators shared by every channel pipeline.
type Deps struct {
	Platform *twitch.Twitch
	Storage  *storage.Storage
	Index    *storage.Index
	Plugins  *videoworker.PluginManager
	Metrics  *plugins.Metrics
	Client   *http.Client
}

// NewDeps builds the shared collaborators from the startup snapshot.
func NewDeps(cfg *config.MainConfig, logger *log.Entry) (*Deps, error) {
	monCtx := base.CreateMonitorCtx(cfg.Twitch.RequestsPerMinute, 4)
	platform := twitch.New(monCtx, cfg.Twitch.ClientID, cfg.Twitch.ClientSecret, cfg.Twitch.GQLClientID, logger.WithField("prov", "twitch"))

	store, err := storage.New(cfg.Storage.Path, cfg.Storage.Template, cfg.Storage.Remote, logger.WithField("module", "storage"))
	if err != nil {
		return nil, err
	}
	index, err := storage.OpenIndex(cfg.Storage.IndexFile)
	if err != nil {
		return nil, err
	}

	metrics := plugins.NewMetrics()
	pm := &videoworker.PluginManager{Logger: logger.WithField("module", "plugins")}
	pm.AddPlugin(&plugins.PluginLog{Logger: logger.WithField("module", "events")})
	pm.AddPlugin(metrics)
	if cfg.Notify.RedisHost != "" {
		pm.AddPlugin(&plugins.PluginRedis{
			Client:  utils.NewRedisClient(cfg.Notify.RedisHost, cfg.Notify.RedisPassword),
			Channel: cfg.Notify.RedisChannel,
			Logger:  logger.WithField("module", "redis"),
		})
	}
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		pm.AddPlugin(&plugins.PluginTelegram{
			API:    cfg.Notify.TelegramAPI,
			Token:  cfg.Notify.TelegramToken,
			ChatID: cfg.Notify.TelegramChatID,
			Client: &http.Client{Timeout: 30 * time.Second},
			Logger: logger.WithField("module", "telegram"),
		})
	}

	return &Deps{
		Platform: platform,
		Storage:  store,
		Index:    index,
		Plugins:  pm,
		Metrics:  metrics,
		Client: &http.Client{
			Timeout: 60 * time.Second,
		},
	}, nil
}

func (d *Deps) Close() error {
	return d.Index.Close()
}

// NewProcess creates the pipeline of one channel.
func NewProcess(channel string, source videoworker.ConfigSource, deps *Deps, logger *log.Entry) *videoworker.ProcessVideo {
	return &videoworker.ProcessVideo{
		Channel:    channel,
		Config:     source,
		Platform:   deps.Platform,
		Storage:    deps.Storage,
		Index:      deps.Index,
		Plugins:    deps.Plugins,
		Observer:   deps.Metrics,
		Client:     deps.Client,
		Logger:     logger,
		OnDegraded: deps.Metrics.Degraded,
	}
}
