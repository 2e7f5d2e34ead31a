package api

import (
	_ "embed"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"os"

	"github.com/go-chi/chi/v5"
	"github.com/go-openapi/runtime/middleware"
	"github.com/go-webauthn/webauthn/webauthn"

	"github.com/skyfold/skywallet/identity"
	"github.com/skyfold/skywallet/internal/util"
	"github.com/skyfold/skywallet/mail"
	"github.com/skyfold/skywallet/oauth"
	"github.com/skyfold/skywallet/storage"
	"github.com/skyfold/skywallet/wallet"
)

// API holds the dependencies needed by the REST handlers.
type API struct {
	repo     storage.Repository
	oauth    *oauth.Client
	resolver *identity.Resolver
	sessions *sessionStore
	csrf     *csrfGuard
	limiter  *rateLimiter
	audit    *auditLogger
	spend    *spendTracker

	walletClient *wallet.Client
	mailer       mail.Sender
	webAuthn     *webauthn.WebAuthn

	homePDSURL      string
	dailySpendLimit int64
}

//go:embed openapi.yaml
var openapiSpec []byte

// Option configures the API instance.
type Option func(*API)

// WithLogger sets the structured logger for audit events.
// If not set, a default JSON logger writing to stderr is used.
func WithLogger(logger *slog.Logger) Option {
	return func(a *API) {
		a.audit = newAuditLogger(logger)
	}
}

// WithResolver overrides the identity resolver, mainly for tests.
func WithResolver(resolver *identity.Resolver) Option {
	return func(a *API) {
		a.resolver = resolver
	}
}

// WithWalletClient enables the wallet proxy endpoints. A nil client
// leaves them responding 503.
func WithWalletClient(client *wallet.Client) Option {
	return func(a *API) {
		a.walletClient = client
	}
}

// WithMailer sets the sender used for email one-time codes.
func WithMailer(sender mail.Sender) Option {
	return func(a *API) {
		a.mailer = sender
	}
}

// WithWebAuthn enables passkey registration and verification.
func WithWebAuthn(wa *webauthn.WebAuthn) Option {
	return func(a *API) {
		a.webAuthn = wa
	}
}

// WithHomePDS sets the PDS used for email-based login hints. Defaults
// to bsky.social.
func WithHomePDS(url string) Option {
	return func(a *API) {
		a.homePDSURL = url
	}
}

// WithDailySpendLimit overrides the per-DID daily transaction cap.
func WithDailySpendLimit(limit int64) Option {
	return func(a *API) {
		a.dailySpendLimit = limit
	}
}

// New creates a new API instance. The master secret must be at least
// 32 bytes; the session-signing and CSRF keys are derived from it so
// neither is ever stored directly.
func New(repo storage.Repository, oauthClient *oauth.Client, masterSecret []byte, opts ...Option) (*API, error) {
	if len(masterSecret) < 32 {
		return nil, errors.New("master secret must be at least 32 bytes")
	}
	signingKey, err := util.HKDF(masterSecret, nil, []byte("skywallet/session-signing/v1"))
	if err != nil {
		return nil, err
	}
	csrfKey, err := util.HKDF(masterSecret, nil, []byte("skywallet/csrf/v1"))
	if err != nil {
		return nil, err
	}

	a := &API{
		repo:            repo,
		oauth:           oauthClient,
		sessions:        newSessionStore(signingKey),
		csrf:            newCSRFGuard(csrfKey),
		limiter:         newRateLimiter(),
		spend:           newSpendTracker(),
		homePDSURL:      "https://bsky.social",
		dailySpendLimit: defaultDailySpendLimit,
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.audit == nil {
		a.audit = newAuditLogger(slog.New(slog.NewJSONHandler(os.Stderr, nil)))
	}
	if a.resolver == nil {
		a.resolver = identity.NewResolver()
	}
	if a.mailer == nil {
		a.mailer = &mail.LogSender{}
	}
	return a, nil
}

// Close stops the background sweepers.
func (a *API) Close() {
	a.sessions.Close()
	a.limiter.Close()
}

// Router returns a chi.Router with all API routes mounted.
func (a *API) Router() chi.Router {
	r := chi.NewRouter()

	r.Get("/openapi.yaml", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/yaml")
		w.Write(openapiSpec)
	})

	r.Handle("/docs*", middleware.SwaggerUI(middleware.SwaggerUIOpts{
		SpecURL: "/api/v1/openapi.yaml",
		Path:    "api/v1/docs",
	}, nil))

	r.Handle("/redoc*", middleware.Redoc(middleware.RedocOpts{
		SpecURL: "/api/v1/openapi.yaml",
		Path:    "api/v1/redoc",
	}, nil))

	r.Post("/oauth/login", a.StartLogin)
	r.Get("/oauth/callback", a.Callback)
	r.Get("/auth/session", a.SessionInfo)
	r.With(a.requireCSRF).Post("/auth/logout", a.Logout)

	// Everything behind a session, verified or not. The login gate
	// endpoints live here so an unverified session can complete its
	// second factor.
	r.Route("/auth/2fa", func(r chi.Router) {
		r.Use(a.AuthMiddleware)
		r.Use(a.requireCSRF)
		r.Get("/", a.TwoFactorStatus)
		r.Post("/verify", a.VerifyTwoFactor)
		r.Post("/send-code", a.SendLoginCode)
		r.Post("/passkey/login/begin", a.BeginPasskeyLogin)
		r.Post("/passkey/login/finish", a.FinishPasskeyLogin)

		// Managing methods requires a fully verified session.
		r.Group(func(r chi.Router) {
			r.Use(a.RequireVerified)
			r.Post("/totp/setup", a.SetupTOTP)
			r.Post("/totp/enable", a.EnableTOTP)
			r.Post("/email/setup", a.SetupEmail)
			r.Post("/email/enable", a.EnableEmail)
			r.Post("/passkey/register/begin", a.BeginPasskeyRegistration)
			r.Post("/passkey/register/finish", a.FinishPasskeyRegistration)
			r.Post("/disable", a.DisableTwoFactor)
			r.Post("/default", a.SetDefaultMethod)
		})
	})

	r.With(a.AuthMiddleware).Get("/auth/csrf", a.CSRFToken)

	r.Route("/wallet", func(r chi.Router) {
		r.Use(a.AuthMiddleware)
		r.Use(a.RequireVerified)
		r.Use(a.requireCSRF)
		r.Get("/balance", a.WalletBalance)
		r.Post("/transactions", a.SubmitTransaction)
	})

	return r
}

// loginRedirect sends the browser back to the login page with an error
// message. Upstream failures during the flow are user-visible, not 500s.
func loginRedirect(w http.ResponseWriter, r *http.Request, msg string) {
	http.Redirect(w, r, "/login?error="+url.QueryEscape(msg), http.StatusSeeOther)
}
