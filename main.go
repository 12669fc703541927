package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fzxiao233/Vod_Record/config"
	"github.com/fzxiao233/Vod_Record/live"
	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

type pipeline struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// pipelineSet keeps one running pipeline per wanted channel. A stopped
// channel is not started again until its previous pipeline has returned,
// so two pipelines never share a working file.
type pipelineSet struct {
	ctx     context.Context
	run     func(ctx context.Context, channel string) error
	logger  *log.Entry
	g       errgroup.Group
	running map[string]*pipeline
}

func newPipelineSet(ctx context.Context, run func(ctx context.Context, channel string) error, logger *log.Entry) *pipelineSet {
	return &pipelineSet{ctx: ctx, run: run, logger: logger, running: make(map[string]*pipeline)}
}

func (s *pipelineSet) start(channel string) {
	chCtx, cancel := context.WithCancel(s.ctx)
	p := &pipeline{cancel: cancel, done: make(chan struct{})}
	s.running[channel] = p
	s.logger.Infof("%s is up", channel)
	s.g.Go(func() error {
		defer close(p.done)
		err := s.run(chCtx, channel)
		if err != nil && !errors.Is(err, context.Canceled) {
			s.logger.WithError(err).Errorf("%s pipeline stopped", channel)
		}
		return nil
	})
}

// Sync starts the wanted channels and cancels the others.
func (s *pipelineSet) Sync(channels []string) {
	wanted := make(map[string]bool)
	for _, channel := range channels {
		wanted[channel] = true
	}
	for channel, p := range s.running {
		select {
		case <-p.done:
			delete(s.running, channel)
			continue
		default:
		}
		if !wanted[channel] && p.cancel != nil {
			s.logger.Infof("%s removed from config, stopping", channel)
			p.cancel()
			p.cancel = nil
		}
	}
	for channel := range wanted {
		p, ok := s.running[channel]
		if !ok {
			s.start(channel)
		} else if p.cancel == nil {
			s.logger.Debugf("%s is still stopping, starting it later", channel)
		}
	}
}

func (s *pipelineSet) Wait() error {
	return s.g.Wait()
}

// arrangeTask keeps one pipeline per configured channel. Channels added by
// a config reload are started on the next tick, removed ones are stopped.
func arrangeTask(ctx context.Context, loader *config.Loader, deps *live.Deps, logger *log.Entry) error {
	set := newPipelineSet(ctx, func(ctx context.Context, channel string) error {
		return live.NewProcess(channel, loader, deps, logger).Run(ctx)
	}, logger)

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		set.Sync(loader.Snapshot().Channels)
		select {
		case <-ctx.Done():
			logger.Info("Shutting down, waiting for pipelines...")
			return set.Wait()
		case <-ticker.C:
		}
	}
}

func main() {
	configPath := flag.String("config", "config.yaml", "path of the config file")
	vodID := flag.String("vod", "", "capture this vod id once and exit")
	flag.Parse()

	_ = godotenv.Load()
	loader, err := config.NewLoader(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	cfg := loader.Snapshot()

	logger, err := config.NewLogger(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	entry := log.NewEntry(logger)
	loader.OnReload = func(c *config.MainConfig, err error) {
		if err != nil {
			entry.WithError(err).Warn("Config changed but loading failed, keeping the old one")
			return
		}
		entry.Infof("Config changed! Watching %v", c.Channels)
	}
	loader.Watch()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	deps, err := live.NewDeps(cfg, entry)
	if err != nil {
		entry.WithError(err).Fatal("Failed to prepare storage")
	}
	defer deps.Close()

	if cfg.PprofHost != "" {
		if err := config.StartProfServer(ctx, cfg.PprofHost, deps.Metrics.Handler(), entry); err != nil {
			entry.WithError(err).Warn("Failed to start prof server")
		}
	}

	if *vodID != "" {
		proc := live.NewProcess("", loader, deps, entry)
		file, err := proc.CaptureVod(ctx, *vodID)
		if err != nil {
			entry.WithError(err).Errorf("Failed to capture vod %s", *vodID)
			deps.Close()
			os.Exit(1)
		}
		if file != nil {
			entry.Infof("Vod %s stored at %s", *vodID, file.Path)
		}
		return
	}

	if err := arrangeTask(ctx, loader, deps, entry); err != nil {
		entry.WithError(err).Error("Pipelines failed")
	}
}
