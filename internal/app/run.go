package app

import (
	"context"
	"io"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/petervdpas/callcore/internal/call"
	"github.com/petervdpas/callcore/internal/config"
	"github.com/petervdpas/callcore/internal/metrics"
	"github.com/petervdpas/callcore/internal/signaling"
	"github.com/petervdpas/callcore/internal/storage"
	"github.com/petervdpas/callcore/internal/util"
	"github.com/petervdpas/callcore/internal/viewer"
)

type Options struct {
	Dir     string
	CfgPath string
	Cfg     config.Config
}

// Run starts an agent: one signaling channel, one call controller and the
// local viewer API. It blocks until ctx is done.
func Run(ctx context.Context, opt Options) error {
	cfg := opt.Cfg

	logBuf := viewer.NewLogBuffer(800)
	setupLogging(logBuf, cfg.Viewer.Debug)
	logBanner("agent", opt.Dir, opt.CfgPath)

	m, metricsHandler := newMetrics(cfg)

	// ── Call log
	var db *storage.DB
	if cfg.Storage.DBPath != "" {
		var err error
		db, err = storage.Open(util.ResolvePath(opt.Dir, cfg.Storage.DBPath))
		if err != nil {
			return err
		}
		defer db.Close()
		log.Printf("STORAGE: call log at %s", db.Path())
	}

	// ── Signaling
	ch := signaling.NewChannel(signaling.Options{
		URL:          cfg.Signaling.URL,
		PingInterval: cfg.Signaling.PingInterval(),
		Reconnect:    cfg.Signaling.Reconnect,
		BackoffMin:   time.Duration(cfg.Signaling.BackoffMinMs) * time.Millisecond,
		BackoffMax:   time.Duration(cfg.Signaling.BackoffMaxMs) * time.Millisecond,
		Metrics:      m,
	})
	defer ch.Close()

	// ── Media + peer connections
	devices, err := call.NewPionDevices(call.MediaConfig{
		Width:        cfg.Media.Width,
		Height:       cfg.Media.Height,
		VideoBitrate: cfg.Media.VideoBitrate,
		AudioBitrate: cfg.Media.AudioBitrate,
	})
	if err != nil {
		return err
	}
	peers, err := call.NewPionPeers(devices, call.PeerConfig{
		ICEDisconnected: time.Duration(cfg.Call.ICEDisconnectedSec) * time.Second,
		ICEFailed:       time.Duration(cfg.Call.ICEFailedSec) * time.Second,
		ICEKeepalive:    time.Duration(cfg.Call.ICEKeepaliveSec) * time.Second,
		LoggerFactory:   call.NewLoggerFactory(cfg.Log.PionLevel),
	})
	if err != nil {
		return err
	}

	// ── Controller
	deps := call.Deps{
		Signaler: ch,
		Devices:  devices,
		Peers:    peers,
		Metrics:  m,
		SelfID:   ch.UserID,
	}
	if db != nil {
		deps.CallLog = db
	}
	ctl := call.New(deps, callOptions(cfg))
	// Runs before ch.Close so the hangup still reaches the server.
	defer ctl.Close()

	ch.OnMessage(ctl.HandleMessage)
	ch.OnStatus(func(s signaling.Status) { ctl.SetConnectionStatus(string(s)) })
	ctl.OnIncomingCall(func(s call.CallSession) {
		log.Printf("CALL [%s]: ringing: %s call from %s", s.CallID, s.CallType, s.OtherUserID)
	})

	if id := cfg.Identity.UserID; id != "" {
		if err := ch.Connect(ctx, id); err != nil {
			// Not fatal: the viewer can connect later.
			log.Printf("SIGNAL: %v", err)
		}
	} else {
		log.Printf("SIGNAL: no identity.user_id configured; connect via POST /api/signal/connect")
	}

	go watchConfig(ctx, opt.CfgPath, ch, ctl)

	// ── Viewer
	v := viewer.Viewer{Calls: ctl, Signal: ch, Logs: logBuf, Metrics: metricsHandler}
	if db != nil {
		v.History = db
	}
	if err := serveViewer(ctx, cfg.Viewer.HTTPAddr, v); err != nil {
		return err
	}

	log.Println("AGENT: shutting down")
	return nil
}

func callOptions(cfg config.Config) call.Options {
	o := call.Options{RingTimeout: cfg.Call.RingTimeout()}
	for _, s := range cfg.Call.ICEServers {
		o.ICEServers = append(o.ICEServers, call.ICEServer{
			URLs:       s.URLs,
			Username:   s.Username,
			Credential: s.Credential,
		})
	}
	return o
}

// watchConfig applies config edits: call options take effect on the next
// call, a new identity reconnects the channel.
func watchConfig(ctx context.Context, path string, ch *signaling.Channel, ctl *call.Controller) {
	err := config.Watch(ctx, path, func(c config.Config) {
		ctl.SetOptions(callOptions(c))
		if id := c.Identity.UserID; id != "" && id != ch.UserID() {
			if err := ch.Connect(ctx, id); err != nil {
				log.Printf("SIGNAL: %v", err)
			}
		}
	})
	if err != nil {
		log.Printf("CONFIG: watch disabled: %v", err)
	}
}

func newMetrics(cfg config.Config) (metrics.Collector, http.Handler) {
	if !cfg.Viewer.Metrics {
		return metrics.Nop{}, nil
	}
	pc := metrics.NewPrometheusCollector()
	return pc, pc.Handler()
}

func setupLogging(buf *viewer.LogBuffer, debug bool) {
	log.SetOutput(io.MultiWriter(os.Stderr, buf))
	if debug {
		log.SetFlags(log.LstdFlags | log.Lmicroseconds | log.Lshortfile)
	}
}

// serveViewer runs the viewer until ctx is done. An empty addr disables it.
func serveViewer(ctx context.Context, addr string, v viewer.Viewer) error {
	if addr == "" {
		<-ctx.Done()
		return nil
	}
	listen, url := NormalizeLocalViewer(addr)
	log.Printf("📋 Viewer: %s", url)
	return viewer.Start(ctx, listen, v)
}
