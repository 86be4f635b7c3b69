package daemon

import (
	"context"
	"time"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/courier-chat/courier/internal/bus"
	"github.com/courier-chat/courier/internal/cache"
	"github.com/courier-chat/courier/internal/clientid"
	"github.com/courier-chat/courier/internal/config"
	"github.com/courier-chat/courier/internal/fallback"
	"github.com/courier-chat/courier/internal/identity"
	"github.com/courier-chat/courier/internal/lock"
	"github.com/courier-chat/courier/internal/logging"
	"github.com/courier-chat/courier/internal/pending"
	"github.com/courier-chat/courier/internal/presence"
	"github.com/courier-chat/courier/internal/push"
	"github.com/courier-chat/courier/internal/reconcile"
	"github.com/courier-chat/courier/internal/rtstore"
	"github.com/courier-chat/courier/internal/send"
	"github.com/courier-chat/courier/internal/session"
	"github.com/courier-chat/courier/internal/status"
	"github.com/courier-chat/courier/internal/store"
	"github.com/courier-chat/courier/internal/typing"
)

// connectTimeout bounds the initial dial of the push and realtime
// channels; a server that is down must not stall startup, the engine
// boots degraded and reconnects behind the scenes.
const connectTimeout = 10 * time.Second

// reconnectInterval is how often a degraded engine retries the push dial.
const reconnectInterval = 15 * time.Second

// Params holds the resolved profile configuration passed to the fx module.
type Params struct {
	Profile string
	Config  *config.Config // optional override for testing; nil = load from disk
}

// Module returns the fx module for the engine daemon, composing all
// providers and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideConfig,
			provideIdentity,
			provideLogger,
			provideBus,
			provideStateMachine,
			provideLock,
			provideStore,
			provideCache,
			providePending,
			provideGenerator,
			providePush,
			provideFallback,
			provideRealtime,
			provideReconciler,
			provideSender,
			provideTyping,
			providePresence,
			NewEngine,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideConfig(p Params) (*config.Config, error) {
	if p.Config != nil {
		return p.Config, nil
	}
	return config.Load(session.ConfigPath())
}

func provideIdentity(cfg *config.Config) identity.Identity {
	return identity.Identity{UserID: cfg.UserID, DisplayName: cfg.DisplayName}
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(session.LogPath(p.Profile), p.Profile)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideStateMachine(b *bus.Bus) *status.Machine {
	return status.NewMachine(b)
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := session.EnsureDir(p.Profile); err != nil {
		return nil, err
	}
	logger.Info("acquiring profile lock", zap.String("profile", p.Profile))
	l, err := lock.Acquire(session.Dir(p.Profile))
	if err != nil {
		return nil, err
	}
	logger.Info("profile lock acquired")
	return l, nil
}

func provideStore(p Params, logger *zap.Logger) (*store.DB, error) {
	dbPath := session.DBPath(p.Profile)
	db, err := store.Open(dbPath)
	if err != nil {
		return nil, err
	}
	result, err := db.Migrate()
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if result.Changed {
		logger.Info("migrations applied", zap.Uint("version", result.Version))
	} else {
		logger.Info("migrations up to date", zap.Uint("version", result.Version))
	}
	logger.Info("store initialized", zap.String("path", dbPath))
	return db, nil
}

func provideCache() *cache.Cache {
	return cache.New()
}

func providePending(logger *zap.Logger) *pending.Store {
	return pending.NewStore(logger)
}

func provideGenerator() *clientid.Generator {
	return clientid.NewGenerator()
}

func providePush(cfg *config.Config, b *bus.Bus, logger *zap.Logger) *push.Client {
	return push.NewClient(cfg.PushURL, b, logger)
}

func provideFallback(cfg *config.Config) *fallback.Client {
	return fallback.NewClient(cfg.APIURL)
}

func provideRealtime(cfg *config.Config, logger *zap.Logger) (*rtstore.WS, rtstore.Store) {
	w := rtstore.NewWS(cfg.RTURL, logger)
	return w, w
}

func provideReconciler(p *pending.Store, c *cache.Cache, db *store.DB, b *bus.Bus, logger *zap.Logger) *reconcile.Reconciler {
	return reconcile.New(p, c, db, b, logger)
}

func provideSender(
	gen *clientid.Generator,
	p *pending.Store,
	c *cache.Cache,
	r *reconcile.Reconciler,
	pc *push.Client,
	fc *fallback.Client,
	b *bus.Bus,
	self identity.Identity,
	cfg *config.Config,
	logger *zap.Logger,
) *send.Sender {
	return send.NewSender(gen, p, c, r, pc, fc, b, self, cfg.AckTimeout.Duration, logger)
}

func provideTyping(rt rtstore.Store, b *bus.Bus, self identity.Identity, cfg *config.Config, logger *zap.Logger) *typing.Controller {
	return typing.NewController(rt, b, self, typing.Options{
		Debounce:    cfg.TypingDebounce.Duration,
		IdleTimeout: cfg.TypingIdleTimeout.Duration,
		StaleAfter:  cfg.TypingStaleAfter.Duration,
	}, logger)
}

func providePresence(rt rtstore.Store, b *bus.Bus, self identity.Identity, logger *zap.Logger) *presence.Tracker {
	return presence.NewTracker(rt, b, self, logger)
}

func registerLifecycle(
	lc fx.Lifecycle,
	lk *lock.Lock,
	db *store.DB,
	pc *push.Client,
	rt *rtstore.WS,
	r *reconcile.Reconciler,
	tc *typing.Controller,
	pt *presence.Tracker,
	machine *status.Machine,
	b *bus.Bus,
	logger *zap.Logger,
) {
	watchCtx, cancelWatch := context.WithCancel(context.Background())

	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			// Reconciler first, so acks arriving during connect are not lost.
			r.Start(context.Background())

			go watchPushState(watchCtx, b, pc, machine, logger)

			// Connecting in the background keeps startup responsive; the
			// engine serves sends through the fallback until push is up.
			go func() {
				_ = machine.Transition(status.Connecting)

				ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
				defer cancel()

				if err := rt.Connect(ctx); err != nil {
					logger.Warn("realtime store unavailable", zap.Error(err))
				} else if err := pt.Start(ctx); err != nil {
					logger.Warn("presence publish failed", zap.Error(err))
				}

				if err := pc.Connect(ctx); err != nil {
					logger.Warn("push channel unavailable, running on fallback", zap.Error(err))
					_ = machine.Transition(status.Degraded)
				}
				// On success the connected event moves the machine online.
			}()

			return nil
		},
		OnStop: func(ctx context.Context) error {
			cancelWatch()
			tc.StopTyping()
			if err := pt.Stop(ctx); err != nil {
				logger.Warn("offline status write failed", zap.Error(err))
			}
			r.Stop()
			pc.Disconnect()
			rt.Disconnect()
			if err := db.Close(); err != nil {
				logger.Warn("error closing store", zap.Error(err))
			}
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("engine stopped")
			return nil
		},
	})
}

// watchPushState mirrors push connectivity into the state machine and
// retries the dial while degraded.
func watchPushState(ctx context.Context, b *bus.Bus, pc *push.Client, machine *status.Machine, logger *zap.Logger) {
	events, cancel := b.Subscribe("push.", 16)
	defer cancel()

	ticker := time.NewTicker(reconnectInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case evt := <-events:
			switch evt.Kind {
			case bus.KindPushConnected:
				_ = machine.Transition(status.Online)
			case bus.KindPushDisconnected:
				if machine.Current() == status.Online {
					_ = machine.Transition(status.Degraded)
				}
			}
		case <-ticker.C:
			if pc.IsConnected() || machine.Current() != status.Degraded {
				continue
			}
			_ = machine.Transition(status.Reconnecting)
			dialCtx, cancelDial := context.WithTimeout(ctx, connectTimeout)
			err := pc.Connect(dialCtx)
			cancelDial()
			if err != nil {
				logger.Debug("push reconnect failed", zap.Error(err))
				_ = machine.Transition(status.Degraded)
			}
		}
	}
}
