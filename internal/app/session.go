// Package app wires the communication core together: transport, roster,
// notification router, chat store, peer connections, call machine and bridge,
// all explicitly constructed with process-scoped lifetime. Two run modes
// exist: the hub (server, webhook host) and the client session.
package app

import (
	"context"
	"fmt"

	logging "github.com/ipfs/go-log/v2"

	"github.com/Amalgamate/bistrolparkHMS-sub000/internal/bridge"
	"github.com/Amalgamate/bistrolparkHMS-sub000/internal/call"
	"github.com/Amalgamate/bistrolparkHMS-sub000/internal/chat"
	"github.com/Amalgamate/bistrolparkHMS-sub000/internal/config"
	"github.com/Amalgamate/bistrolparkHMS-sub000/internal/notify"
	"github.com/Amalgamate/bistrolparkHMS-sub000/internal/perm"
	"github.com/Amalgamate/bistrolparkHMS-sub000/internal/proto"
	"github.com/Amalgamate/bistrolparkHMS-sub000/internal/roster"
	"github.com/Amalgamate/bistrolparkHMS-sub000/internal/rtc"
	"github.com/Amalgamate/bistrolparkHMS-sub000/internal/storage"
	"github.com/Amalgamate/bistrolparkHMS-sub000/internal/transport"
)

var log = logging.Logger("app")

// Session is one client's communication core. Everything hangs off the
// transport link; Close tears the pieces down in reverse construction order.
type Session struct {
	cfg config.Config

	Link   transport.Link
	DB     *storage.DB
	Roster *roster.Roster
	Router *notify.Router
	Chat   *chat.Store
	RTC    *rtc.Manager
	Calls  *call.Manager

	client *transport.Client
}

// SessionOptions tweaks construction. Zero value is fine.
type SessionOptions struct {
	// Link overrides the websocket client, e.g. a transport.MemoryLink for
	// in-process integration tests.
	Link transport.Link
	// Perms defaults to allow-all when nil.
	Perms perm.Oracle
	// Bridge overrides the HTTP adapter (nil builds one from cfg when
	// bridge.base_url is set).
	Bridge chat.Bridge
}

// NewSession builds and connects a client session from config.
func NewSession(ctx context.Context, cfg config.Config, opts SessionOptions) (*Session, error) {
	if cfg.Identity.UserID == "" {
		return nil, fmt.Errorf("identity.user_id is required")
	}
	applyLogLevel(cfg.Log.Level)

	s := &Session{cfg: cfg}
	id := proto.Identity{
		UserID: cfg.Identity.UserID,
		Role:   cfg.Identity.Role,
		Branch: cfg.Identity.Branch,
	}

	if opts.Link != nil {
		s.Link = opts.Link
	} else {
		s.client = transport.NewClient(transport.ClientOptions{
			URL:         cfg.Transport.URL,
			Identity:    id,
			Name:        cfg.Identity.Name,
			MaxAttempts: cfg.Transport.MaxReconnectAttempts,
			Backoff:     secondsOr(cfg.Transport.ReconnectBackoffSec, 2),
		})
		if err := s.client.Connect(ctx); err != nil {
			return nil, err
		}
		s.Link = s.client
	}

	db, err := storage.Open(cfg.Storage.Dir)
	if err != nil {
		s.closePartial()
		return nil, err
	}
	s.DB = db

	s.Roster = roster.New()
	s.Router = notify.New(s.Link, s.Roster)

	br := opts.Bridge
	if br == nil && cfg.Bridge.BaseURL != "" {
		br = bridge.NewAdapter(cfg.Bridge.Source, cfg.Bridge.BaseURL, cfg.Bridge.WebhookSecret)
	}

	s.Chat, err = chat.New(chat.Options{
		Self:     id,
		SelfName: cfg.Identity.Name,
		Router:   s.Router,
		Perms:    opts.Perms,
		DB:       db,
		Bridge:   br,
		Roster:   s.Roster,
	})
	if err != nil {
		s.closePartial()
		return nil, err
	}

	s.RTC = rtc.New(s.Link, cfg.Call.ICEServers, rtc.Callbacks{})

	s.Calls, err = call.New(call.Options{
		Self:        id,
		SelfName:    cfg.Identity.Name,
		Router:      s.Router,
		Directory:   s.Chat,
		Peers:       s.RTC,
		Perms:       opts.Perms,
		DB:          db,
		RingTimeout: secondsOr(cfg.Call.RingTimeoutSec, 45),
	})
	if err != nil {
		s.closePartial()
		return nil, err
	}

	log.Infof("session up for %s (%s/%s)", id.UserID, id.Role, id.Branch)
	return s, nil
}

// Close tears the session down.
func (s *Session) Close() {
	if s.Calls != nil {
		s.Calls.Close()
	}
	if s.RTC != nil {
		s.RTC.Close()
	}
	if s.Chat != nil {
		s.Chat.Close()
	}
	if s.Router != nil {
		s.Router.Close()
	}
	s.closePartial()
}

func (s *Session) closePartial() {
	if s.Link != nil {
		if err := s.Link.Close(); err != nil {
			log.Warnf("close link: %v", err)
		}
	}
	if s.DB != nil {
		if err := s.DB.Close(); err != nil {
			log.Warnf("close db: %v", err)
		}
	}
}
