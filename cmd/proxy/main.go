package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"net/http/httputil"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/redis/go-redis/v9"

	"github.com/objectum/objectum-proxy/pkg/audit"
	"github.com/objectum/objectum-proxy/pkg/events"
	"github.com/objectum/objectum-proxy/pkg/hardening"
	"github.com/objectum/objectum-proxy/pkg/httpx"
	"github.com/objectum/objectum-proxy/pkg/metrics"
	"github.com/objectum/objectum-proxy/pkg/objstore"
	"github.com/objectum/objectum-proxy/pkg/office"
	"github.com/objectum/objectum-proxy/pkg/proxy"
	"github.com/objectum/objectum-proxy/pkg/ratelimit"
	"github.com/objectum/objectum-proxy/pkg/store"
	"github.com/objectum/objectum-proxy/pkg/telemetry"
	"github.com/objectum/objectum-proxy/pkg/upload"
)

func env(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func envBool(key string) bool {
	return strings.EqualFold(strings.TrimSpace(os.Getenv(key)), "true")
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	code := env("PROJECT_CODE", "objectum")
	backendURL := env("BACKEND_URL", "http://localhost:8200/api")
	addr := ":" + env("PORT", "8100")
	adminUsername := env("ADMIN_USERNAME", "admin")
	uploadDir := env("UPLOAD_DIR", "files")
	buildDir := env("BUILD_DIR", "")
	environment := env("ENVIRONMENT", "dev")
	corsOrigins := env("CORS_ALLOWED_ORIGINS", "*")
	officeEnabled := envBool("OFFICE_ENABLED")

	if err := hardening.ValidateProduction(hardening.Options{
		Environment:           environment,
		OfficeSecret:          os.Getenv("OFFICE_SECRET"),
		OfficeEnabled:         officeEnabled,
		SMTPHost:              os.Getenv("SMTP_HOST"),
		SMTPPassword:          os.Getenv("SMTP_PASSWORD"),
		DisableRecaptchaCheck: envBool("DISABLE_RECAPTCHA_CHECK"),
		CORSAllowedOrigins:    corsOrigins,
		StrictProdSecurity:    os.Getenv("STRICT_PROD_SECURITY"),
	}); err != nil {
		log.Fatalf("config: %v", err)
	}

	shutdownTracing, err := telemetry.Init(ctx, env("OTEL_SERVICE_NAME", "objectum-proxy"))
	if err != nil {
		log.Fatalf("telemetry: %v", err)
	}
	defer func() {
		shCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracing(shCtx)
	}()

	client := telemetry.InstrumentClient(&http.Client{
		Timeout: time.Duration(envInt("BACKEND_TIMEOUT_MS", 30000)) * time.Millisecond,
	})

	var redisClient *redis.Client
	if envBool("REDIS_ENABLED") {
		redisClient, err = store.NewRedis(ctx)
		if err != nil {
			log.Printf("redis disabled: %v", err)
			redisClient = nil
		}
	}
	var mirror store.Cache
	if redisClient != nil {
		mirror = store.NewCache(ctx, redisClient)
	}

	var auditWriter *audit.Writer
	if envBool("AUDIT_ENABLED") {
		pool, err := store.NewPostgresPool(ctx)
		if err != nil {
			log.Fatalf("audit db: %v", err)
		}
		defer pool.Close()
		auditWriter = &audit.Writer{DB: pool}
	}

	hub := events.NewHub()
	if brokers := env("KAFKA_BROKERS", ""); brokers != "" {
		publisher, err := events.NewKafkaPublisher(events.KafkaConfig{
			Brokers: strings.Split(brokers, ","),
			Topic:   env("KAFKA_TOPIC", "objproxy.events"),
		})
		if err != nil {
			log.Fatalf("kafka: %v", err)
		}
		defer publisher.Close()
		go publisher.Pump(ctx, hub)
	}

	registry := objstore.NewRegistry()
	if officeEnabled {
		officeCfg := office.Config{
			SMTP: office.SMTP{
				Host:        env("SMTP_HOST", ""),
				Port:        envInt("SMTP_PORT", 587),
				Username:    env("SMTP_USERNAME", ""),
				Password:    os.Getenv("SMTP_PASSWORD"),
				Sender:      env("SMTP_SENDER", ""),
				ForceSender: envBool("SMTP_FORCE_SENDER"),
			},
			UserModel:             env("OFFICE_USER_MODEL", ""),
			RoleModel:             env("OFFICE_ROLE_MODEL", ""),
			Role:                  env("OFFICE_ROLE", "user"),
			Secret:                os.Getenv("OFFICE_SECRET"),
			RecaptchaSecretKey:    os.Getenv("RECAPTCHA_SECRET_KEY"),
			DisableRecaptchaCheck: envBool("DISABLE_RECAPTCHA_CHECK"),
		}
		var mailer office.Mailer
		if officeCfg.SMTP.Host != "" {
			mailer = office.NewSMTPMailer(officeCfg.SMTP)
		}
		// The flows run under the administrator handle: their callers are
		// anonymous and the account mutations need privileged access.
		office.New(officeCfg, mailer).RegisterStatics(registry, "admin")
	}

	sessionTTL := time.Duration(envInt("SESSION_TTL_SEC", 86400)) * time.Second
	pool := proxy.NewPool(backendURL, client, registry, mirror, sessionTTL)
	go pool.StartJanitor(ctx, time.Minute)

	reg := metrics.NewRegistry()
	tracker := proxy.NewTracker(hub)
	access := &proxy.AccessEngine{Registry: registry, AdminUsername: adminUsername}
	gateway := &proxy.Gateway{
		Pool:       pool,
		Tracker:    tracker,
		Filters:    &proxy.FilterBuilder{Registry: registry},
		Access:     access,
		Dispatcher: proxy.NewDispatcher(pool, tracker, registry),
		Metrics:    reg,
		Audit:      auditWriter,
		Hub:        hub,
		BackendURL: backendURL,
		Client:     client,
	}
	pipeline := &upload.Pipeline{
		Pool:     pool,
		Metrics:  reg,
		Hub:      hub,
		Dir:      uploadDir,
		MaxBytes: int64(envInt("MAX_UPLOAD_BYTES", 64<<20)),
	}

	backend, err := url.Parse(backendURL)
	if err != nil {
		log.Fatalf("backend url: %v", err)
	}
	publicProxy := newPublicProxy(backend, code)

	var limiter ratelimit.Limiter
	limit := envInt("RATE_LIMIT_PER_MINUTE", 600)
	if limit > 0 {
		if redisClient != nil {
			limiter = ratelimit.NewRedis(redisClient, time.Minute)
		} else {
			limiter = ratelimit.NewInMemory(time.Minute)
		}
	}

	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(telemetry.HTTPMiddleware(env("OTEL_SERVICE_NAME", "objectum-proxy")))
	r.Use(httpx.SecurityHeadersMiddleware)
	r.Use(httpx.CORSMiddleware(corsOrigins))
	r.Use(httpx.LimitBodyMiddleware(int64(envInt("MAX_BODY_BYTES", 8<<20))))
	r.Use(observeMiddleware(reg))
	if limiter != nil {
		r.Use(rateLimitMiddleware(limiter, limit))
	}

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		sessions, handles := pool.Stats()
		reg.SetGauge("sessions", float64(sessions))
		reg.SetGauge("handles", float64(handles))
		reg.SetGauge("progress", float64(tracker.Count()))
		httpx.WriteJSON(w, http.StatusOK, map[string]interface{}{
			"status":   "ok",
			"sessions": sessions,
			"handles":  handles,
		})
	})
	r.Get("/metrics", reg.Handler())
	r.Get("/metrics/prometheus", reg.PrometheusHandler())

	r.Route("/"+code, func(r chi.Router) {
		r.Post("/", gateway.ServeHTTP)
		r.Post("/upload", pipeline.ServeHTTP)
		r.Get("/progress", progressFeed(hub))
		r.Handle("/public/*", publicProxy)
		r.Handle("/files/*", http.StripPrefix("/"+code+"/files/", http.FileServer(http.Dir(uploadDir))))
		if buildDir != "" {
			r.Handle("/*", http.StripPrefix("/"+code+"/", http.FileServer(http.Dir(buildDir))))
		}
	})

	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shCtx)
	}()

	log.Printf("objectum-proxy listening on %s, project=%s backend=%s", addr, code, backendURL)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("server: %v", err)
	}
}

// newPublicProxy forwards /{code}/public/* to the backend host with the
// project prefix stripped.
func newPublicProxy(backend *url.URL, code string) http.Handler {
	rp := &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.Out.URL.Scheme = backend.Scheme
			pr.Out.URL.Host = backend.Host
			pr.Out.URL.Path = strings.TrimPrefix(pr.In.URL.Path, "/"+code)
			pr.Out.Host = backend.Host
		},
	}
	return rp
}

// progressFeed streams hub events over a websocket, optionally filtered to
// one sid.
func progressFeed(hub *events.Hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "")

		sid := r.URL.Query().Get("sid")
		ch := hub.Subscribe(64)
		defer hub.Unsubscribe(ch)

		ctx := r.Context()
		for {
			select {
			case <-ctx.Done():
				return
			case evt, ok := <-ch:
				if !ok {
					return
				}
				if sid != "" && evt.SID != sid {
					continue
				}
				if err := wsjson.Write(ctx, conn, evt); err != nil {
					return
				}
			}
		}
	}
}

func observeMiddleware(reg *metrics.Registry) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			started := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			reg.Observe(r.Method+" "+r.URL.Path, ww.Status(), time.Since(started))
		})
	}
}

func rateLimitMiddleware(limiter ratelimit.Limiter, limit int) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.URL.Query().Get("sid")
			if key == "" {
				key = r.RemoteAddr
			}
			decision := limiter.Allow(key, limit)
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(decision.Remaining))
			if !decision.Allowed {
				w.Header().Set("Retry-After", strconv.FormatInt(int64(time.Until(decision.ResetAt).Seconds())+1, 10))
				http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
