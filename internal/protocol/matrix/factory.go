// ABOUTME: Protocol Factory backed by a Matrix homeserver via mautrix
// ABOUTME: Fresh sessions pair through an SSO login URL; stored sessions resume with their access token

package matrix

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/id"

	"github.com/2389/courier-gateway/internal/protocol"
)

const (
	defaultDeviceLabel       = "courier-gateway"
	defaultConnectTimeout    = 20 * time.Second
	defaultKeepAliveInterval = 30 * time.Second

	// SessionPlaceholder in PairingRedirectURL is replaced with the session id.
	SessionPlaceholder = "{session}"
)

// Config configures the Matrix backend.
type Config struct {
	Homeserver         string
	DeviceLabel        string
	ConnectTimeout     time.Duration
	KeepAliveInterval  time.Duration
	PairingRedirectURL string

	// HTTPClient is optional; one with ConnectTimeout is built when nil.
	HTTPClient *http.Client
}

// Factory creates Matrix clients.
type Factory struct {
	cfg    Config
	logger *slog.Logger
}

// NewFactory validates cfg and returns a Factory.
func NewFactory(cfg Config, logger *slog.Logger) (*Factory, error) {
	if cfg.Homeserver == "" {
		return nil, errors.New("matrix homeserver is required")
	}
	u, err := url.Parse(cfg.Homeserver)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("invalid matrix homeserver %q", cfg.Homeserver)
	}
	if cfg.DeviceLabel == "" {
		cfg.DeviceLabel = defaultDeviceLabel
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = defaultConnectTimeout
	}
	if cfg.KeepAliveInterval <= 0 {
		cfg.KeepAliveInterval = defaultKeepAliveInterval
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: cfg.ConnectTimeout}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Factory{
		cfg:    cfg,
		logger: logger.With("component", "matrix"),
	}, nil
}

// Create implements protocol.Factory. It never blocks on the network.
func (f *Factory) Create(_ context.Context, params protocol.Params, sink protocol.EventSink) (protocol.Client, error) {
	var creds *material
	if params.Credentials != nil {
		m, err := decodeMaterial(params.Credentials)
		if err != nil {
			return nil, err
		}
		creds = &m
	}

	homeserver := f.cfg.Homeserver
	var (
		userID id.UserID
		token  string
	)
	if creds != nil {
		if creds.Homeserver != "" {
			homeserver = creds.Homeserver
		}
		userID = id.UserID(creds.UserID)
		token = creds.AccessToken
	}

	api, err := mautrix.NewClient(homeserver, userID, token)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", protocol.ErrClientCreation, err)
	}
	api.Client = f.cfg.HTTPClient
	if creds != nil {
		api.DeviceID = id.DeviceID(creds.DeviceID)
	}

	c := newClient(f, api, homeserver, params.SessionID, sink)
	if creds == nil {
		sink(protocol.Challenge(f.loginURL(homeserver, params.SessionID)))
	} else {
		go c.resume()
	}
	return c, nil
}

// loginURL returns the SSO redirect the operator opens to pair the session.
func (f *Factory) loginURL(homeserver, sessionID string) string {
	u := strings.TrimRight(homeserver, "/") + "/_matrix/client/v3/login/sso/redirect"
	if f.cfg.PairingRedirectURL == "" {
		return u
	}
	redirect := strings.ReplaceAll(f.cfg.PairingRedirectURL, SessionPlaceholder, url.PathEscape(sessionID))
	return u + "?" + url.Values{"redirectUrl": {redirect}}.Encode()
}
