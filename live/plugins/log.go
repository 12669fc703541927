package plugins

import (
	"context"

	"github.com/fzxiao233/Vod_Record/live/interfaces"
	log "github.com/sirupsen/logrus"
)

// PluginLog writes every event to the process log.
type PluginLog struct {
	Logger *log.Entry
}

func (p *PluginLog) Notify(ctx context.Context, ev *interfaces.Event) error {
	logger := p.Logger.WithFields(log.Fields{"channel": ev.Channel, "event": ev.Kind})
	if ev.VodID != "" {
		logger = logger.WithField("vod_id", ev.VodID)
	}
	switch ev.Kind {
	case interfaces.CaptureStarted:
		logger.Infof("Capture started: %s", ev.Title)
	case interfaces.CaptureFinished:
		logger.Infof("Capture finished: %s (%s)", ev.Path, ev.Duration)
	case interfaces.CaptureAbandoned:
		logger.Warnf("Capture abandoned: %s", ev.Reason)
	case interfaces.FatalError:
		logger.Errorf("Capture failed: %s", ev.Detail)
	default:
		logger.Infof("%+v", ev)
	}
	return nil
}
