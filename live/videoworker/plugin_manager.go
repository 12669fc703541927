package videoworker

import (
	"context"
	"sync"
	"time"

	"github.com/fzxiao233/Vod_Record/live/interfaces"
	log "github.com/sirupsen/logrus"
)

type PluginManager struct {
	plugins []interfaces.NotificationSink
	Logger  *log.Entry
}

func (p *PluginManager) AddPlugin(plug interfaces.NotificationSink) {
	p.plugins = append(p.plugins, plug)
}

// Emit delivers ev to every sink at once and waits for all of them. A
// failing sink is logged and never affects the capture.
func (p *PluginManager) Emit(ctx context.Context, ev *interfaces.Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	var wg sync.WaitGroup
	wg.Add(len(p.plugins))
	for _, plug := range p.plugins {
		plug := plug
		go func() {
			defer wg.Done()
			err := plug.Notify(ctx, ev)
			if err != nil && p.Logger != nil {
				p.Logger.WithError(err).Warnf("Failed to deliver %s of %s", ev.Kind, ev.Channel)
			}
		}()
	}
	wg.Wait()
}
