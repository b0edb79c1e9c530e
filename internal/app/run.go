package app

import (
	"context"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/Amalgamate/bistrolparkHMS-sub000/internal/bridge"
	"github.com/Amalgamate/bistrolparkHMS-sub000/internal/config"
	"github.com/Amalgamate/bistrolparkHMS-sub000/internal/transport"
)

func applyLogLevel(level string) {
	if level == "" {
		return
	}
	lvl, err := logging.LevelFromString(level)
	if err != nil {
		log.Warnf("bad log level %q: %v", level, err)
		return
	}
	logging.SetAllLoggers(lvl)
}

func secondsOr(sec, fallback int) time.Duration {
	if sec <= 0 {
		sec = fallback
	}
	return time.Duration(sec) * time.Second
}

// RunHub serves the fan-out hub and the bridge webhook routes until ctx is
// cancelled. Config file changes are picked up where they can be (log level).
func RunHub(ctx context.Context, cfgPath string, cfg config.Config) error {
	applyLogLevel(cfg.Log.Level)

	hub := transport.NewHub()
	bridge.Mount(hub.App(), cfg.Bridge.Source, cfg.Bridge.WebhookSecret, hub)

	if cfgPath != "" {
		go func() {
			err := config.Watch(ctx, cfgPath, func(fresh config.Config) {
				applyLogLevel(fresh.Log.Level)
			})
			if err != nil {
				log.Warnf("config watch: %v", err)
			}
		}()
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- hub.Listen(cfg.Hub.ListenAddr)
	}()

	select {
	case <-ctx.Done():
		log.Infof("shutting down hub")
		return hub.Shutdown()
	case err := <-errCh:
		return err
	}
}

// RunClient connects a session and keeps it alive until ctx is cancelled.
func RunClient(ctx context.Context, cfgPath string, cfg config.Config) error {
	s, err := NewSession(ctx, cfg, SessionOptions{})
	if err != nil {
		return err
	}
	defer s.Close()

	if cfgPath != "" {
		go func() {
			err := config.Watch(ctx, cfgPath, func(fresh config.Config) {
				applyLogLevel(fresh.Log.Level)
			})
			if err != nil {
				log.Warnf("config watch: %v", err)
			}
		}()
	}

	<-ctx.Done()
	log.Infof("shutting down session")
	return nil
}
