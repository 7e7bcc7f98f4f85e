package stalker

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/macrelay/macrelay/internal/config"
	"github.com/macrelay/macrelay/internal/httpclient"
	"github.com/macrelay/macrelay/internal/observability"
)

// localhostMarker in a channel command means the portal must mint a session
// link via create_link; the command itself is not playable.
const localhostMarker = "http://localhost/"

// Client issues requests against Stalker middleware portals.
// It is safe for concurrent use; underlying HTTP clients are cached per
// proxy so portals sharing a proxy share a connection pool.
type Client struct {
	cfg    config.StalkerConfig
	logger *slog.Logger

	mu      sync.Mutex
	clients map[string]*httpclient.Client // keyed by proxy URL
}

// NewClient creates a portal client with the given configuration.
func NewClient(cfg config.StalkerConfig, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		cfg:     cfg,
		logger:  observability.WithComponent(logger, "stalker"),
		clients: make(map[string]*httpclient.Client),
	}
}

// httpFor returns the cached HTTP client for a proxy, creating it on first use.
func (c *Client) httpFor(proxy string) (*httpclient.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if hc, ok := c.clients[proxy]; ok {
		return hc, nil
	}

	hcCfg := httpclient.DefaultConfig()
	hcCfg.Proxy = proxy
	hcCfg.UserAgent = c.cfg.UserAgent
	hcCfg.Logger = c.logger
	hc, err := httpclient.New(hcCfg)
	if err != nil {
		return nil, fmt.Errorf("creating portal HTTP client: %w", err)
	}
	c.clients[proxy] = hc
	return hc, nil
}

// request performs a portal GET with STB cookies and optional bearer token,
// decoding the {"js": ...} envelope into out. Non-2xx statuses and malformed
// JSON are returned as errors; callers treat them as soft failures.
func (c *Client) request(ctx context.Context, portalURL, proxy, mac, token, query string, out any) error {
	hc, err := c.httpFor(proxy)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, portalURL+query, nil)
	if err != nil {
		return fmt.Errorf("creating portal request: %w", err)
	}
	req.AddCookie(&http.Cookie{Name: "mac", Value: mac})
	req.AddCookie(&http.Cookie{Name: "stb_lang", Value: "en"})
	req.AddCookie(&http.Cookie{Name: "timezone", Value: c.cfg.Timezone})
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := hc.Do(req)
	if err != nil {
		return fmt.Errorf("portal request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("portal returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return fmt.Errorf("reading portal response: %w", err)
	}

	envelope := struct {
		JS json.RawMessage `json:"js"`
	}{}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return fmt.Errorf("decoding portal response: %w", err)
	}
	if len(envelope.JS) == 0 {
		return fmt.Errorf("portal response missing js payload")
	}
	if err := json.Unmarshal(envelope.JS, out); err != nil {
		return fmt.Errorf("decoding portal payload: %w", err)
	}
	return nil
}

// Handshake performs the STB handshake and returns a session token.
func (c *Client) Handshake(ctx context.Context, portalURL, proxy, mac string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.HandshakeTimeout)
	defer cancel()

	var payload struct {
		Token string `json:"token"`
	}
	err := c.request(ctx, portalURL, proxy, mac, "",
		"?type=stb&action=handshake&JsHttpRequest=1-xml", &payload)
	if err == nil && payload.Token == "" {
		err = fmt.Errorf("portal returned empty token")
	}
	if err != nil {
		return "", &AuthError{Portal: portalURL, MAC: mac, Err: err}
	}

	c.logger.Debug("handshake succeeded",
		slog.String("portal", portalURL),
		slog.String("mac", mac),
	)
	return payload.Token, nil
}

// GetProfile fetches the STB profile. Portals require this call after the
// handshake before they will serve channel links.
func (c *Client) GetProfile(ctx context.Context, portalURL, proxy, mac, token string) (Profile, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.ProfileTimeout)
	defer cancel()

	var profile Profile
	err := c.request(ctx, portalURL, proxy, mac, token,
		"?type=stb&action=get_profile&JsHttpRequest=1-xml", &profile)
	if err != nil {
		return nil, &AuthError{Portal: portalURL, MAC: mac, Err: err}
	}
	return profile, nil
}

// GetExpires returns the account expiry string for a MAC.
func (c *Client) GetExpires(ctx context.Context, portalURL, proxy, mac, token string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.AccountTimeout)
	defer cancel()

	var payload struct {
		Phone string `json:"phone"`
	}
	err := c.request(ctx, portalURL, proxy, mac, token,
		"?type=account_info&action=get_main_info&JsHttpRequest=1-xml", &payload)
	if err != nil {
		return "", &UpstreamError{Portal: portalURL, Op: "account info", Err: err}
	}
	return payload.Phone, nil
}

// GetAllChannels fetches the portal's full channel listing.
func (c *Client) GetAllChannels(ctx context.Context, portalURL, proxy, mac, token string) ([]Channel, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.ChannelsTimeout)
	defer cancel()

	var payload struct {
		Data []Channel `json:"data"`
	}
	err := c.request(ctx, portalURL, proxy, mac, token,
		"?type=itv&action=get_all_channels&force_ch_link_check=&JsHttpRequest=1-xml", &payload)
	if err != nil {
		return nil, &UpstreamError{Portal: portalURL, Op: "channel listing", Err: err}
	}
	if len(payload.Data) == 0 {
		return nil, &UpstreamError{Portal: portalURL, Op: "channel listing",
			Err: fmt.Errorf("portal returned no channels")}
	}

	c.logger.Debug("fetched channel listing",
		slog.String("portal", portalURL),
		slog.Int("channels", len(payload.Data)),
	)
	return payload.Data, nil
}

// GetGenres fetches the portal's genre listing.
func (c *Client) GetGenres(ctx context.Context, portalURL, proxy, mac, token string) ([]Genre, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.GenresTimeout)
	defer cancel()

	var genres []Genre
	err := c.request(ctx, portalURL, proxy, mac, token,
		"?action=get_genres&type=itv&JsHttpRequest=1-xml", &genres)
	if err != nil {
		return nil, &UpstreamError{Portal: portalURL, Op: "genre listing", Err: err}
	}
	return genres, nil
}

// GetGenreNames fetches genres as an ID to title map.
func (c *Client) GetGenreNames(ctx context.Context, portalURL, proxy, mac, token string) (map[string]string, error) {
	genres, err := c.GetGenres(ctx, portalURL, proxy, mac, token)
	if err != nil {
		return nil, err
	}
	names := make(map[string]string, len(genres))
	for _, g := range genres {
		names[g.ID.String()] = g.Title
	}
	return names, nil
}

// CreateLink asks the portal to mint a playable link for a channel command.
// The link is the last whitespace-delimited token of the returned cmd.
func (c *Client) CreateLink(ctx context.Context, portalURL, proxy, mac, token, cmd string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.LinkTimeout)
	defer cancel()

	query := "?type=itv&action=create_link&cmd=" + url.QueryEscape(cmd) +
		"&series=0&forced_storage=false&disable_ad=false&download=false&force_ch_link_check=false&JsHttpRequest=1-xml"

	var payload struct {
		Cmd string `json:"cmd"`
	}
	err := c.request(ctx, portalURL, proxy, mac, token, query, &payload)
	if err != nil {
		return "", &UpstreamError{Portal: portalURL, Op: "link creation", Err: err}
	}

	fields := strings.Fields(payload.Cmd)
	if len(fields) == 0 {
		return "", &UpstreamError{Portal: portalURL, Op: "link creation",
			Err: fmt.Errorf("portal returned empty cmd")}
	}
	return fields[len(fields)-1], nil
}

// GetEPG fetches programme data for the given period in hours, keyed by
// portal channel ID.
func (c *Client) GetEPG(ctx context.Context, portalURL, proxy, mac, token string, periodHours int) (map[string][]Programme, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.EPGTimeout)
	defer cancel()

	var payload struct {
		Data map[string][]Programme `json:"data"`
	}
	err := c.request(ctx, portalURL, proxy, mac, token,
		fmt.Sprintf("?type=itv&action=get_epg_info&period=%d&JsHttpRequest=1-xml", periodHours), &payload)
	if err != nil {
		return nil, &UpstreamError{Portal: portalURL, Op: "EPG fetch", Err: err}
	}
	return payload.Data, nil
}

// NeedsCreateLink reports whether a channel command requires a create_link
// round trip before it is playable.
func NeedsCreateLink(cmd string) bool {
	return strings.Contains(cmd, localhostMarker)
}

// DirectLink extracts the playable URL from a channel command that does not
// need link creation: the second whitespace-delimited token, or the whole
// command when it has no prefix token.
func DirectLink(cmd string) (string, error) {
	fields := strings.Fields(cmd)
	switch {
	case len(fields) >= 2:
		return fields[1], nil
	case len(fields) == 1:
		return fields[0], nil
	default:
		return "", fmt.Errorf("empty channel command")
	}
}

// ResolveLink turns a channel command into a playable URL, performing the
// create_link round trip when the command requires it.
func (c *Client) ResolveLink(ctx context.Context, portalURL, proxy, mac, token, cmd string) (string, error) {
	if NeedsCreateLink(cmd) {
		return c.CreateLink(ctx, portalURL, proxy, mac, token, cmd)
	}
	return DirectLink(cmd)
}
