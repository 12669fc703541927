package plugins

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/fzxiao233/Vod_Record/live/interfaces"
	"github.com/fzxiao233/Vod_Record/utils"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
)

type TelegramMsg struct {
	ChatID string `json:"chat_id"`
	Text   string `json:"text"`
}

// PluginTelegram sends events to a chat through the bot api. The same
// message is never sent twice.
type PluginTelegram struct {
	API    string
	Token  string
	ChatID string
	Client *http.Client
	Logger *log.Entry

	mu      sync.Mutex
	sentMsg map[string]struct{}
}

func CreateEventMsg(ev *interfaces.Event) string {
	switch ev.Kind {
	case interfaces.CaptureStarted:
		return fmt.Sprintf("[%s] recording vod %s: %s", ev.Channel, ev.VodID, ev.Title)
	case interfaces.CaptureFinished:
		return fmt.Sprintf("[%s] vod %s saved to %s (%s)", ev.Channel, ev.VodID, ev.Path, ev.Duration)
	case interfaces.CaptureAbandoned:
		return fmt.Sprintf("[%s] vod %s abandoned: %s", ev.Channel, ev.VodID, ev.Reason)
	default:
		return fmt.Sprintf("[%s] error on vod %s: %s", ev.Channel, ev.VodID, ev.Detail)
	}
}

func (p *PluginTelegram) sendMsg(ctx context.Context, msg *TelegramMsg) error {
	data, _ := json.Marshal(msg)
	url := fmt.Sprintf("%s/bot%s/sendMessage", strings.TrimSuffix(p.API, "/"), p.Token)
	ret, err := utils.HttpPost(ctx, p.Client, url, map[string]string{"Content-Type": "application/json"}, data)
	if err != nil {
		return errors.Wrap(err, "telegram sendMessage")
	}
	if !gjson.GetBytes(ret, "ok").Bool() {
		return errors.Errorf("telegram sendMessage refused: %s", gjson.GetBytes(ret, "description").String())
	}
	return nil
}

func (p *PluginTelegram) Notify(ctx context.Context, ev *interfaces.Event) error {
	msg := CreateEventMsg(ev)
	p.mu.Lock()
	if p.sentMsg == nil {
		p.sentMsg = make(map[string]struct{})
	}
	if _, ok := p.sentMsg[msg]; ok {
		p.mu.Unlock()
		p.Logger.Infof("%s cancel to send msg: %s", ev.Channel, msg)
		return nil
	}
	p.sentMsg[msg] = struct{}{}
	p.mu.Unlock()

	if err := p.sendMsg(ctx, &TelegramMsg{ChatID: p.ChatID, Text: msg}); err != nil {
		p.mu.Lock()
		delete(p.sentMsg, msg)
		p.mu.Unlock()
		return err
	}
	p.Logger.Infof("%s send notice to %s", ev.Channel, p.ChatID)
	return nil
}
