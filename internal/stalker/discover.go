package stalker

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// endpointCandidates are the well-known locations of xpcom.common.js on
// Stalker portals. The script embeds the URL pattern the STB firmware uses
// to locate the API endpoint.
var endpointCandidates = []string{
	"/c/xpcom.common.js",
	"/client/xpcom.common.js",
	"/c_/xpcom.common.js",
	"/stalker_portal/c/xpcom.common.js",
	"/stalker_portal/c_/xpcom.common.js",
}

const discoverTimeout = 10 * time.Second

var (
	patternRe  = regexp.MustCompile(`varpattern.*?/(\(http.*)/;`)
	protocolRe = regexp.MustCompile(`this\.portal_protocol.*?(\d).*?;`)
	ipRe       = regexp.MustCompile(`this\.portal_ip.*?(\d).*?;`)
	pathRe     = regexp.MustCompile(`this\.portal_path.*?(\d).*?;`)
	loaderRe   = regexp.MustCompile(`this\.ajax_loader=(.*?\.php);`)
)

// DiscoverEndpoint resolves a bare portal URL to its API endpoint
// (portal.php or load.php) by fetching the portal's xpcom.common.js and
// evaluating the embedded URL pattern. Some portals reject proxied requests
// for static files, so if every proxied attempt fails the candidates are
// retried without the proxy.
func (c *Client) DiscoverEndpoint(ctx context.Context, portalURL, proxy string) (string, error) {
	base, err := url.Parse(portalURL)
	if err != nil {
		return "", fmt.Errorf("parsing portal URL: %w", err)
	}
	origin := base.Scheme + "://" + base.Host

	proxies := []string{proxy}
	if proxy != "" {
		proxies = append(proxies, "")
	}

	var lastErr error
	for _, p := range proxies {
		for _, candidate := range endpointCandidates {
			endpoint, err := c.tryDiscover(ctx, origin+candidate, p)
			if err != nil {
				lastErr = err
				continue
			}
			return endpoint, nil
		}
	}

	if lastErr == nil {
		lastErr = fmt.Errorf("no endpoint candidates reachable")
	}
	return "", fmt.Errorf("discovering portal endpoint for %s: %w", origin, lastErr)
}

func (c *Client) tryDiscover(ctx context.Context, scriptURL, proxy string) (string, error) {
	hc, err := c.httpFor(proxy)
	if err != nil {
		return "", err
	}

	ctx, cancel := context.WithTimeout(ctx, discoverTimeout)
	defer cancel()

	resp, err := hc.Get(ctx, scriptURL)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("status %d fetching %s", resp.StatusCode, scriptURL)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return "", fmt.Errorf("reading script: %w", err)
	}

	return parsePortalScript(scriptURL, string(body))
}

// parsePortalScript extracts the API endpoint from xpcom.common.js. The
// script defines a URL-matching pattern plus capture-group indices for
// protocol, host, and path, and an ajax_loader template that composes them
// into the endpoint.
func parsePortalScript(scriptURL, script string) (string, error) {
	// The firmware concatenates these with string ops; normalizing away
	// whitespace, quotes, and '+' leaves plain key=value statements.
	js := strings.NewReplacer(" ", "", "'", "", "+", "").Replace(script)

	patternMatch := patternRe.FindStringSubmatch(js)
	if patternMatch == nil {
		return "", fmt.Errorf("no URL pattern in portal script")
	}
	urlPattern, err := regexp.Compile(patternMatch[1])
	if err != nil {
		return "", fmt.Errorf("compiling portal URL pattern: %w", err)
	}
	groups := urlPattern.FindStringSubmatch(scriptURL)
	if groups == nil {
		return "", fmt.Errorf("portal URL pattern did not match %s", scriptURL)
	}

	idx := func(re *regexp.Regexp, name string) (int, error) {
		m := re.FindStringSubmatch(js)
		if m == nil {
			return 0, fmt.Errorf("no %s index in portal script", name)
		}
		return strconv.Atoi(m[1])
	}

	protoIdx, err := idx(protocolRe, "protocol")
	if err != nil {
		return "", err
	}
	ipIdx, err := idx(ipRe, "ip")
	if err != nil {
		return "", err
	}
	pathIdx, err := idx(pathRe, "path")
	if err != nil {
		return "", err
	}
	if max(protoIdx, ipIdx, pathIdx) >= len(groups) {
		return "", fmt.Errorf("portal URL pattern has too few capture groups")
	}

	loaderMatch := loaderRe.FindStringSubmatch(js)
	if loaderMatch == nil {
		return "", fmt.Errorf("no ajax_loader in portal script")
	}

	endpoint := strings.NewReplacer(
		"this.portal_protocol", groups[protoIdx],
		"this.portal_ip", groups[ipIdx],
		"this.portal_path", groups[pathIdx],
	).Replace(loaderMatch[1])

	return endpoint, nil
}
