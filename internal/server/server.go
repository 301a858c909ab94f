package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/hotelkey/keyservice/internal/config"
	"github.com/hotelkey/keyservice/internal/email"
	"github.com/hotelkey/keyservice/internal/handler"
	"github.com/hotelkey/keyservice/internal/keys"
	"github.com/hotelkey/keyservice/internal/metrics"
	"github.com/hotelkey/keyservice/internal/middleware"
	"github.com/hotelkey/keyservice/internal/model"
	"github.com/hotelkey/keyservice/internal/pass"
	"github.com/hotelkey/keyservice/internal/passupdate"
	"github.com/hotelkey/keyservice/internal/propagate"
	"github.com/hotelkey/keyservice/internal/push"
	"github.com/hotelkey/keyservice/internal/runlock"
	"github.com/hotelkey/keyservice/internal/store"
	"github.com/hotelkey/keyservice/internal/tasks"
	"github.com/hotelkey/keyservice/internal/verify"
	ws "github.com/hotelkey/keyservice/internal/websocket"
)

const (
	taskQueueSize   = 256
	taskTimeout     = 2 * time.Minute
	verifyRateLimit = 120
	walletRateLimit = 60
)

var ecosystems = []model.Ecosystem{model.EcosystemApple, model.EcosystemGoogle}

type Server struct {
	db          *sql.DB
	hub         *ws.Hub
	metrics     *metrics.Metrics
	engine      *keys.Engine
	queue       *tasks.Queue
	propagator  *propagate.Service
	sweeper     *keys.Sweeper
	redis       *runlock.Redis
	staffTokens *store.StaffTokenStore
	rateLimiter *middleware.RateLimiter
	proxies     middleware.Proxies

	keyH      *handler.KeyHandler
	verifyH   *handler.VerifyHandler
	walletH   *handler.WalletHandler
	artifactH *handler.ArtifactHandler
	staffH    *handler.StaffHandler

	cancel  context.CancelFunc
	drained chan struct{}
	logger  *slog.Logger
}

// New wires every component from cfg. Missing signing material does not stop
// the server; every flow that reaches artifact generation then fails with a
// SigningConfigurationError and says so in the audit log.
func New(cfg config.Config, db *sql.DB, logger *slog.Logger) (*Server, error) {
	var m *metrics.Metrics
	if cfg.MetricsEnabled {
		m = metrics.New()
	}
	hub := ws.NewHub(logger.With("component", "websocket"))

	keyStore := store.NewKeyStore(db)
	eventStore := store.NewEventStore(db)
	regStore := store.NewRegistrationStore(db)

	gen, files, err := newGenerator(cfg, m, logger)
	if err != nil {
		return nil, err
	}
	gateways, err := newGateways(cfg)
	if err != nil {
		return nil, err
	}

	dispatcher := push.NewDispatcher(regStore, eventStore, gateways, gen.TypeIDs(), logger.With("component", "dispatcher"),
		push.WithConcurrency(cfg.PushConcurrency),
		push.WithTimeout(cfg.PushTimeout),
		push.WithMetrics(m),
		push.WithEventPublisher(hub),
	)

	queue := tasks.New(taskQueueSize, cfg.TaskWorkers, taskTimeout, logger.With("component", "tasks"))
	engine := keys.New(db, logger.With("component", "keys"), keys.WithPublisher(hub), keys.WithMetrics(m))
	propagator := propagate.New(keyStore, eventStore, gen, dispatcher, queue, logger.With("component", "propagate"),
		propagate.WithMailer(email.NewClient(cfg.Email.PostmarkToken, cfg.Email.From)),
		propagate.WithEventPublisher(hub),
		propagate.WithMetrics(m),
	)
	engine.SetUpdater(propagator)

	proxies, err := middleware.ParseProxies(cfg.TrustedProxies)
	if err != nil {
		return nil, err
	}

	var (
		locker runlock.Locker = runlock.NewSQLite(db)
		rdb    *runlock.Redis
	)
	if cfg.RedisURL != "" {
		rdb, err = runlock.NewRedis(cfg.RedisURL)
		if err != nil {
			return nil, err
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := rdb.Ping(ctx); err != nil {
			rdb.Close()
			return nil, fmt.Errorf("ping redis: %w", err)
		}
		locker = rdb
	}

	registry := push.NewRegistry(keyStore, regStore, gen.TypeIDs(), logger.With("component", "registry"))
	verifier := verify.New(db, logger.With("component", "verify"), verify.WithMetrics(m), verify.WithEventPublisher(hub))
	updates := passupdate.New(registry, keyStore, gen, logger.With("component", "passupdate"))
	staffTokens := store.NewStaffTokenStore(db)

	return &Server{
		db:          db,
		hub:         hub,
		metrics:     m,
		engine:      engine,
		queue:       queue,
		propagator:  propagator,
		sweeper:     keys.NewSweeper(engine, locker, cfg.SweepInterval, logger.With("component", "sweeper")),
		redis:       rdb,
		staffTokens: staffTokens,
		rateLimiter: middleware.NewRateLimiter(time.Minute, proxies),
		proxies:     proxies,
		keyH:        handler.NewKeyHandler(engine, keyStore, eventStore, propagator, logger.With("component", "keys_handler")),
		verifyH:     handler.NewVerifyHandler(verifier, logger.With("component", "verify_handler")),
		walletH:     handler.NewWalletHandler(registry, updates, logger.With("component", "wallet")),
		artifactH:   handler.NewArtifactHandler(files, logger.With("component", "artifacts")),
		staffH:      handler.NewStaffHandler(staffTokens, logger.With("component", "staff")),
		logger:      logger,
	}, nil
}

func newGenerator(cfg config.Config, m *metrics.Metrics, logger *slog.Logger) (*pass.Generator, *pass.FilePublisher, error) {
	var signer pass.Signer
	if cfg.SigningConfigured() {
		s, err := pass.LoadSigner(pass.SigningPaths{
			KeyPath:        cfg.Signing.KeyPath,
			CertPath:       cfg.Signing.CertPath,
			ChainPath:      cfg.Signing.ChainPath,
			PKCS12Path:     cfg.Signing.PKCS12Path,
			PKCS12Password: cfg.Signing.PKCS12Secret,
		})
		if err != nil {
			return nil, nil, err
		}
		signer = s
	} else {
		logger.Warn("signing material not configured, artifact generation disabled")
		signer = pass.UnavailableSigner(errors.New("signing material not configured"))
	}

	assets, err := pass.LoadAssets(cfg.AssetDir, cfg.Pass.BackgroundColor)
	if err != nil {
		return nil, nil, fmt.Errorf("load pass assets: %w", err)
	}

	files := pass.NewFilePublisher(cfg.ArtifactDir)
	var publisher pass.Publisher = files
	if cfg.S3Enabled() {
		publisher = pass.NewMirrored(files, pass.NewS3Publisher(pass.S3Config{
			Endpoint:  cfg.S3.Endpoint,
			Bucket:    cfg.S3.Bucket,
			Region:    cfg.S3.Region,
			AccessKey: cfg.S3.AccessKey,
			SecretKey: cfg.S3.SecretKey,
			Prefix:    cfg.S3.Prefix,
		}), logger.With("component", "s3"))
	}

	public := strings.TrimRight(cfg.PublicURL, "/")
	gen := pass.NewGenerator(pass.Config{
		BaseURL:       strings.TrimRight(cfg.BaseURL, "/"),
		WebServiceURL: public,
		TypeIDs: pass.TypeIDs{
			model.EcosystemApple:  cfg.Pass.AppleTypeID,
			model.EcosystemGoogle: cfg.Pass.GoogleTypeID,
		},
		Branding: pass.Branding{
			TeamID:           cfg.Pass.TeamID,
			OrganizationName: cfg.Pass.OrganizationName,
			Description:      cfg.Pass.Description,
			LogoText:         cfg.Pass.LogoText,
			ForegroundColor:  cfg.Pass.ForegroundColor,
			BackgroundColor:  cfg.Pass.BackgroundColor,
			LabelColor:       cfg.Pass.LabelColor,
		},
	}, signer, assets, publisher, m, logger.With("component", "generator"))
	return gen, files, nil
}

// newGateways returns a gateway per configured ecosystem. Devices of an
// ecosystem without one get audited notification failures.
func newGateways(cfg config.Config) (map[model.Ecosystem]push.Gateway, error) {
	gateways := make(map[model.Ecosystem]push.Gateway)
	if cfg.APNs.KeyPath != "" {
		apns, err := push.NewAPNsGateway(push.APNsConfig{
			KeyPath:    cfg.APNs.KeyPath,
			KeyID:      cfg.APNs.KeyID,
			TeamID:     cfg.APNs.TeamID,
			Production: cfg.APNs.Production,
			Timeout:    cfg.PushTimeout,
		})
		if err != nil {
			return nil, err
		}
		gateways[model.EcosystemApple] = apns
	}
	if cfg.WebPush.PublicKey != "" && cfg.WebPush.PrivateKey != "" {
		gateways[model.EcosystemGoogle] = push.NewWebPushGateway(push.WebPushConfig{
			PublicKey:  cfg.WebPush.PublicKey,
			PrivateKey: cfg.WebPush.PrivateKey,
			Subscriber: cfg.WebPush.Subscriber,
			Timeout:    cfg.PushTimeout,
		})
	}
	return gateways, nil
}

// Start runs the background workers: the task queue with its audit drain,
// and the expiry sweeper.
func (s *Server) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.startQueue(ctx)
	s.sweeper.Start(ctx)
}

// Stop waits for queued updates and their audit records, then releases
// external resources.
func (s *Server) Stop() {
	s.sweeper.Stop()
	s.stopQueue()
	if s.cancel != nil {
		s.cancel()
	}
	if s.redis != nil {
		s.redis.Close()
	}
}

// SweepOnce runs a single expiry sweep and waits for the pass updates it
// triggered. It reports false when another sweep holds the run-lock.
func (s *Server) SweepOnce(ctx context.Context) (int, bool) {
	s.startQueue(ctx)
	n, ran := s.sweeper.RunOnce(ctx)
	s.stopQueue()
	if s.redis != nil {
		s.redis.Close()
	}
	return n, ran
}

func (s *Server) startQueue(ctx context.Context) {
	s.queue.Start(ctx)
	s.drained = make(chan struct{})
	go func() {
		defer close(s.drained)
		s.propagator.DrainErrors(context.WithoutCancel(ctx))
	}()
}

func (s *Server) stopQueue() {
	s.queue.Stop()
	if s.drained != nil {
		<-s.drained
	}
}

func (s *Server) Router() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.healthHandler)
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics.Handler())
	}

	// Door locks and wallet apps
	mux.HandleFunc("POST /verify/key", s.rateLimited(s.verifyH.Verify, "verify", verifyRateLimit))
	mux.HandleFunc("GET /passes/{ecosystem}/{filename}", s.artifactH.Download)
	for _, eco := range ecosystems {
		// Wallet apps append /v1 to the web service URL.
		for _, base := range []string{"/" + string(eco), "/" + string(eco) + "/v1"} {
			s.registerWalletRoutes(mux, base, eco)
		}
	}

	// Staff routes
	staff := http.NewServeMux()
	s.registerStaffRoutes(staff)
	requireStaff := middleware.RequireStaff(s.staffTokens)
	mux.Handle("/keys", requireStaff(staff))
	mux.Handle("/keys/", requireStaff(staff))
	mux.Handle("/staff/", requireStaff(staff))
	mux.Handle("GET /ws/events", requireStaff(ws.HandleWebSocket(s.hub, nil, s.logger.With("component", "websocket"))))

	return middleware.RequestLogger(s.logger.With("component", "http"), s.metrics, s.proxies)(mux)
}

func (s *Server) registerWalletRoutes(mux *http.ServeMux, base string, eco model.Ecosystem) {
	wallet := func(h http.HandlerFunc) http.HandlerFunc { return s.rateLimited(h, "wallet", walletRateLimit) }

	mux.HandleFunc("POST "+base+"/devices/{device_id}/registrations/{type_id}/{serial}", wallet(s.walletH.Register(eco)))
	mux.HandleFunc("DELETE "+base+"/devices/{device_id}/registrations/{type_id}/{serial}", wallet(s.walletH.Unregister(eco)))
	mux.HandleFunc("GET "+base+"/devices/{device_id}/registrations/{type_id}", wallet(s.walletH.DeviceSerials(eco)))
	mux.HandleFunc("GET "+base+"/passes/{type_id}/{serial}", wallet(s.walletH.Latest(eco)))
	mux.HandleFunc("GET "+base+"/passes/{type_id}", wallet(s.walletH.ChangedSince(eco)))
	mux.HandleFunc("POST "+base+"/log", wallet(s.walletH.Log(eco)))
}

func (s *Server) registerStaffRoutes(mux *http.ServeMux) {
	mutate := func(h http.HandlerFunc) http.Handler { return middleware.RequireMutate(h) }
	admin := func(h http.HandlerFunc) http.Handler { return middleware.RequireAdmin(h) }

	mux.Handle("POST /keys", mutate(s.keyH.Issue))
	mux.HandleFunc("GET /keys", s.keyH.List)
	mux.HandleFunc("GET /keys/{id}", s.keyH.Get)
	mux.HandleFunc("GET /keys/{id}/events", s.keyH.Events)
	mux.Handle("PATCH /keys/{id}/activate", mutate(s.keyH.Activate))
	mux.Handle("PATCH /keys/{id}/deactivate", mutate(s.keyH.Deactivate))
	mux.Handle("PATCH /keys/{id}/suspend", mutate(s.keyH.Suspend))
	mux.Handle("PATCH /keys/{id}/resume", mutate(s.keyH.Resume))
	mux.Handle("PATCH /keys/{id}/extend", mutate(s.keyH.Extend))
	mux.Handle("POST /keys/{id}/regenerate", mutate(s.keyH.Regenerate))
	mux.Handle("POST /keys/{id}/rotate-token", mutate(s.keyH.RotateToken))

	mux.Handle("GET /staff/tokens", admin(s.staffH.List))
	mux.Handle("DELETE /staff/tokens/{id}", admin(s.staffH.Revoke))
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	status, code := "ok", http.StatusOK
	if err := s.db.PingContext(r.Context()); err != nil {
		s.logger.Error("health check", "error", err)
		status, code = "unavailable", http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"status": status})
}

// rateLimited limits h per client IP. Each bucket counts separately.
func (s *Server) rateLimited(h http.HandlerFunc, bucket string, limit int) http.HandlerFunc {
	return middleware.RateLimit(s.rateLimiter, bucket, limit)(h).ServeHTTP
}
