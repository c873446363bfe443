package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/dmitrijs2005/gophmarket/internal/buildinfo"
	"github.com/dmitrijs2005/gophmarket/internal/client/accounts"
	"github.com/dmitrijs2005/gophmarket/internal/client/activity"
	"github.com/dmitrijs2005/gophmarket/internal/client/analytics"
	"github.com/dmitrijs2005/gophmarket/internal/client/avatars"
	"github.com/dmitrijs2005/gophmarket/internal/client/backend"
	"github.com/dmitrijs2005/gophmarket/internal/client/cache"
	"github.com/dmitrijs2005/gophmarket/internal/client/cart"
	"github.com/dmitrijs2005/gophmarket/internal/client/collection"
	"github.com/dmitrijs2005/gophmarket/internal/client/config"
	"github.com/dmitrijs2005/gophmarket/internal/client/favorites"
	"github.com/dmitrijs2005/gophmarket/internal/client/session"
	"github.com/dmitrijs2005/gophmarket/internal/client/storage"
	"github.com/dmitrijs2005/gophmarket/internal/client/vault"
	"github.com/dmitrijs2005/gophmarket/internal/cryptox"
	"github.com/dmitrijs2005/gophmarket/internal/filex"
	"github.com/dmitrijs2005/gophmarket/internal/logging"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
)

const (
	vaultKeyName  = "vault.master"
	vaultPurpose  = "credentials"
	redisPrefix   = "gophmarket:"
	activityQueue = 16
)

// components are the backend and storage adapters an App runs on.
type components struct {
	auth      backend.Auth
	tables    backend.Tables
	realtime  backend.Realtime
	kv        storage.KV
	cookies   storage.Cookies
	ephemeral storage.Ephemeral
	avatars   session.AvatarUploader
}

type App struct {
	cfg       *config.Config
	log       logging.Logger
	manager   *session.Manager
	cart      *cart.Cart
	favorites *favorites.Favorites
	preload   *preloader
	metrics   *prometheus.Registry

	activity chan activity.Kind
	reader   *bufio.Reader
	out      io.Writer
	now      func() time.Time

	mu        sync.Mutex
	lastInput time.Time

	stops   []func()
	closers []func() error
}

// NewApp opens local storage, connects to the backend and wires the session
// manager with the cart and favorites collections.
func NewApp(ctx context.Context, cfg *config.Config) (*App, error) {
	log := logging.New(os.Stderr, cfg.LogLevel, cfg.LogFormat)

	var closers []func() error
	fail := func(err error) (*App, error) {
		_ = closeAll(closers)
		return nil, err
	}

	if err := filex.EnsureParentDir(cfg.DataFile); err != nil {
		return nil, err
	}
	db, err := storage.InitDatabase(ctx, storage.DSN(cfg.DataFile))
	if err != nil {
		return nil, fmt.Errorf("error initializing database: %w", err)
	}
	closers = append(closers, db.Close)

	c := components{
		kv:        storage.NewSQLiteKV(db),
		cookies:   storage.NewSQLiteCookies(db),
		ephemeral: storage.NewMemoryEphemeral(),
	}

	if cfg.RedisAddr != "" {
		r, err := storage.NewRedisEphemeral(ctx, storage.RedisOptions{
			Addr:   cfg.RedisAddr,
			Prefix: redisPrefix,
			TTL:    cfg.SessionTTL,
		})
		if err != nil {
			return fail(err)
		}
		c.ephemeral = r
		closers = append(closers, r.Close)
	}

	client, err := backend.NewGRPCClient(ctx, cfg.BackendAddr,
		backend.WithSessionStore(c.kv),
		backend.WithLogger(log),
		backend.WithClientVersion(buildinfo.Version),
	)
	if err != nil {
		return fail(err)
	}
	closers = append(closers, client.Close)
	c.auth = client
	c.tables = client

	switch {
	case cfg.DatabaseURL != "":
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return fail(fmt.Errorf("connect database: %w", err))
		}
		closers = append(closers, func() error { pool.Close(); return nil })
		rt := backend.NewPGRealtime(pool, backend.DefaultNotifyChannel, log)
		closers = append(closers, rt.Close)
		c.tables = backend.NewPGTables(pool)
		c.realtime = rt
	case cfg.RealtimeURL != "":
		ws := backend.NewWSRealtime(cfg.RealtimeURL,
			backend.WithTokenSource(client.AccessToken),
			backend.WithWSLogger(log),
		)
		closers = append(closers, ws.Close)
		c.realtime = ws
	}

	up, err := avatars.NewUploader(ctx, avatars.Config{
		Endpoint:  cfg.S3Endpoint,
		Bucket:    cfg.S3Bucket,
		Region:    cfg.S3Region,
		AccessKey: cfg.S3AccessKey,
		SecretKey: cfg.S3SecretKey,
		PublicURL: cfg.S3PublicURL,
	})
	switch {
	case err == nil:
		c.avatars = up
	case errors.Is(err, avatars.ErrNotConfigured):
		log.Debug(ctx, "avatar uploads disabled")
	default:
		return fail(err)
	}

	a := assemble(cfg, log, c)
	a.closers = append(closers, a.closers...)
	return a, nil
}

func assemble(cfg *config.Config, log logging.Logger, c components) *App {
	a := &App{
		cfg:      cfg,
		log:      log,
		metrics:  prometheus.NewRegistry(),
		activity: make(chan activity.Kind, activityQueue),
		reader:   bufio.NewReader(os.Stdin),
		out:      os.Stdout,
		now:      time.Now,
	}

	sink := analytics.Multi{analytics.NewLogSink(log)}
	if ps, err := analytics.NewPrometheusSink(a.metrics); err != nil {
		log.Warn(context.Background(), "metrics disabled", "error", err)
	} else {
		sink = append(sink, ps)
	}

	cipher := cryptox.NewCipher(c.ephemeral, vaultKeyName, vaultPurpose)
	ch := cache.New(cache.WithPersistence(c.kv), cache.WithLogger(log))

	deps := collection.Deps{Tables: c.tables, Realtime: c.realtime, Cache: ch, Log: log}
	a.cart = cart.New(deps)
	a.favorites = favorites.New(deps)
	a.preload = &preloader{
		tables:    c.tables,
		cache:     ch,
		cart:      a.cart,
		favorites: a.favorites,
	}

	a.manager = session.NewManager(session.Deps{
		Auth:      c.auth,
		Tables:    c.tables,
		Vault:     vault.New(c.kv, cipher, log),
		Accounts:  accounts.NewRegistry(c.kv, log),
		Activity:  activity.NewTracker(c.kv, c.cookies, log),
		Store:     c.kv,
		Cookies:   c.cookies,
		Ephemeral: c.ephemeral,
		Cache:     ch,
		Analytics: sink,
		Preloader: a.preload,
		Avatars:   c.avatars,
		Log:       log,
	}, optionsFrom(cfg))

	return a
}

func optionsFrom(cfg *config.Config) session.Options {
	return session.Options{
		SafetyTimeout:       cfg.SafetyTimeout,
		RefreshInterval:     cfg.RefreshInterval,
		ActivityThreshold:   cfg.ActivityThreshold,
		ProfileAttempts:     cfg.ProfileAttempts,
		ProfileRetryDelay:   cfg.ProfileRetryDelay,
		SwitchSettleTimeout: cfg.SwitchSettleTimeout,
		SwitchSettleDelay:   cfg.SwitchSettleDelay,
		RememberEmail:       cfg.RememberEmail,
	}
}

// Start restores the previous session and binds the collections to the
// signed-in user. It blocks until the first session check finished.
func (a *App) Start(ctx context.Context) error {
	if err := a.manager.Init(ctx, activity.ChanSource(a.activity)); err != nil {
		return err
	}
	a.stops = append(a.stops,
		a.cart.FollowIdentity(a.manager),
		a.favorites.FollowIdentity(a.manager),
	)

	select {
	case <-a.manager.Ready():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run starts the app and serves the REPL on stdin until the user exits.
func (a *App) Run(ctx context.Context) error {
	defer func() {
		if err := a.Close(); err != nil {
			a.log.Warn(ctx, "shutdown", "error", err)
		}
	}()

	if err := a.Start(ctx); err != nil {
		return err
	}
	runREPL(ctx, a, a.status, a.reader)
	return nil
}

// Close stops background work and releases connections.
func (a *App) Close() error {
	for _, stop := range a.stops {
		stop()
	}
	a.stops = nil
	a.manager.Close()
	a.cart.Shutdown()
	a.favorites.Shutdown()

	err := closeAll(a.closers)
	a.closers = nil
	return err
}

func (a *App) isSignedIn() bool {
	return a.manager.State().SignedIn()
}

// Touch records a user interaction. Input after a long pause counts as the
// client becoming visible again.
func (a *App) Touch() {
	select {
	case a.activity <- activity.KindCommand:
	default:
	}

	now := a.now()
	a.mu.Lock()
	idle := !a.lastInput.IsZero() && now.Sub(a.lastInput) >= a.cfg.RefreshInterval
	a.lastInput = now
	a.mu.Unlock()

	if idle && a.cfg.RefreshInterval > 0 {
		a.manager.NotifyVisible()
	}
}

func (a *App) status() string {
	st := a.manager.State()
	switch {
	case st.Loading:
		return "(loading)"
	case !st.SignedIn():
		return ""
	}
	name := st.Identity.Email
	if st.Profile != nil && st.Profile.FullName != "" {
		name = st.Profile.FullName
	}
	if n := a.cart.TotalItems(); n > 0 {
		return fmt.Sprintf("(%s, cart: %d)", name, n)
	}
	return fmt.Sprintf("(%s)", name)
}

func closeAll(closers []func() error) error {
	var errs []error
	for i := len(closers) - 1; i >= 0; i-- {
		if err := closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
