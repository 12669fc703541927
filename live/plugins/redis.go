package plugins

import (
	"context"
	"encoding/json"

	"github.com/fzxiao233/Vod_Record/live/interfaces"
	"github.com/fzxiao233/Vod_Record/utils"
	"github.com/go-redis/redis"
	log "github.com/sirupsen/logrus"
)

// UploadDict is the message published for each event, so that uploaders
// subscribed to the channel can pick up finished captures.
type UploadDict struct {
	Kind     string `json:"kind"`
	User     string `json:"user"`
	VodID    string `json:"vod_id"`
	Title    string `json:"title"`
	Path     string `json:"path,omitempty"`
	Date     string `json:"date"`
	Duration int64  `json:"duration_sec,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

func NewUploadDict(ev *interfaces.Event) *UploadDict {
	reason := ev.Reason
	if reason == "" {
		reason = ev.Detail
	}
	return &UploadDict{
		Kind:     string(ev.Kind),
		User:     ev.Channel,
		VodID:    ev.VodID,
		Title:    ev.Title,
		Path:     ev.Path,
		Date:     ev.Time.UTC().Format("2006-01-02 15:04:05"),
		Duration: int64(ev.Duration.Seconds()),
		Reason:   reason,
	}
}

type PluginRedis struct {
	Client  *redis.Client
	Channel string
	Logger  *log.Entry
}

func (p *PluginRedis) Notify(ctx context.Context, ev *interfaces.Event) error {
	data, err := json.Marshal(NewUploadDict(ev))
	if err != nil {
		return err
	}
	p.Logger.Debug(string(data))
	return utils.Publish(p.Client, p.Channel, data)
}
