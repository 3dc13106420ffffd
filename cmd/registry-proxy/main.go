// registry-proxy: authenticating, multi-tenant reverse proxy in front
// of a single upstream OCI/Docker Registry v2 endpoint.
package main

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/apolo-dev/registry-proxy/internal/authorizer"
	"github.com/apolo-dev/registry-proxy/internal/challenge"
	"github.com/apolo-dev/registry-proxy/internal/config"
	"github.com/apolo-dev/registry-proxy/internal/permcheck"
	"github.com/apolo-dev/registry-proxy/internal/projectdeleter"
	"github.com/apolo-dev/registry-proxy/internal/proxyhandler"
	"github.com/apolo-dev/registry-proxy/internal/upstreamauth"
)

var version = "dev"

func main() {
	logger, _ := zap.NewProduction()
	defer func() { _ = logger.Sync() }()
	log := logger.Sugar()

	log.Infow("starting registry-proxy", "version", version)

	configPath := os.Getenv("REGISTRY_PROXY_CONFIG")
	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalw("loading config", "path", configPath, "error", err)
	}

	upstreamBaseURL, err := url.Parse(cfg.Upstream.URL)
	if err != nil {
		log.Fatalw("parsing upstream.url", "error", err)
	}

	broker, err := newBroker(context.Background(), cfg)
	if err != nil {
		log.Fatalw("building upstream credential broker", "type", cfg.Upstream.Type, "error", err)
	}

	checker := permcheck.NewHTTPChecker(permcheck.HTTPCheckerParams{
		BaseURL:      cfg.Auth.URL,
		ServiceToken: cfg.Auth.Token,
	})

	authz := authorizer.New(cfg.ClusterName, cfg.Upstream.Project, checker)
	if cfg.Upstream.CatalogScope != "" {
		authz.CatalogScope = challenge.ParseScope(cfg.Upstream.CatalogScope)
	}
	if len(cfg.Upstream.RepositoryScopeActions) > 0 {
		authz.ScopeActions = scopeActionsFromConfig(cfg.Upstream.RepositoryScopeActions)
	}

	handler := proxyhandler.New(proxyhandler.Params{
		Cluster:           cfg.ClusterName,
		UpstreamPrefix:    cfg.Upstream.Project,
		UpstreamBaseURL:   upstreamBaseURL,
		ProxyAuthority:    os.Getenv("REGISTRY_PROXY_AUTHORITY"),
		MaxCatalogEntries: cfg.Upstream.MaxCatalogEntries,
		Authorizer:        authz,
		Broker:            broker,
		Client:            &http.Client{Timeout: 60 * time.Second},
		Log:               log,
	})

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.Handle("/v2/", withCORS(cfg.CORS.Origins, handler))

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: mux,
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	go func() {
		log.Infow("listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Errorw("server error", "error", err)
		}
	}()

	if cfg.ProjectDeleter.Enabled {
		deleter := projectdeleter.New(projectdeleter.Params{
			Source: projectdeleter.NewHTTPEventSource(projectdeleter.HTTPEventSourceParams{
				BaseURL:      cfg.ProjectDeleter.EventsURL,
				PollInterval: time.Duration(cfg.ProjectDeleter.PollIntervalSeconds) * time.Second,
			}),
			Broker:          broker,
			UpstreamBaseURL: cfg.Upstream.URL,
			UpstreamPrefix:  cfg.Upstream.Project,
			Log:             log,
		})
		go func() {
			if err := deleter.Run(ctx); err != nil && ctx.Err() == nil {
				log.Errorw("project deleter stopped", "error", err)
			}
		}()
	}

	<-ctx.Done()
	log.Info("shutting down")
	shutdownCtx, c := context.WithTimeout(context.Background(), 10*time.Second)
	defer c()
	_ = srv.Shutdown(shutdownCtx)
}

func newBroker(ctx context.Context, cfg *config.Config) (upstreamauth.Broker, error) {
	switch cfg.Upstream.Type {
	case "basic":
		return upstreamauth.NewBasicBroker(cfg.Upstream.BasicUsername, cfg.Upstream.BasicPassword), nil
	case "oauth":
		return upstreamauth.NewOAuthBroker(upstreamauth.OAuthBrokerParams{
			TokenURL: cfg.Upstream.TokenURL,
			Service:  cfg.Upstream.Service,
			Username: cfg.Upstream.Username,
			Password: cfg.Upstream.Password,
		}), nil
	case "aws_ecr":
		return upstreamauth.NewAWSECRBroker(ctx, upstreamauth.AWSECRBrokerParams{
			Region:                cfg.Upstream.Region,
			StaticAccessKeyID:     cfg.Upstream.Username,
			StaticSecretAccessKey: cfg.Upstream.Password,
		})
	default:
		return nil, fmt.Errorf("unknown upstream type %q", cfg.Upstream.Type)
	}
}

// scopeActionsFromConfig overrides the default Distribution token
// action strings from upstream.repository_scope_actions, a map with
// up to three keys: "pull", "push", "all".
func scopeActionsFromConfig(m map[string]string) authorizer.ScopeActions {
	actions := authorizer.DefaultScopeActions()
	if v, ok := m["pull"]; ok {
		actions.Pull = v
	}
	if v, ok := m["push"]; ok {
		actions.Push = v
	}
	if v, ok := m["all"]; ok {
		actions.All = v
	}
	return actions
}

func withCORS(origins []string, h http.Handler) http.Handler {
	if len(origins) == 0 {
		return h
	}
	allowed := make(map[string]bool, len(origins))
	for _, o := range origins {
		allowed[o] = true
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if allowed[origin] || allowed["*"] {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, HEAD, POST, PUT, PATCH, DELETE")
			w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		h.ServeHTTP(w, r)
	})
}
