package stalker

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// portalScript mimics the relevant fragment of a portal's xpcom.common.js:
// a URL pattern, capture-group indices, and the ajax_loader template.
const portalScript = `
function ajaxLoader() {
    var pattern = /(http[s]?):\/\/([^\/]*)\/(.*)c\/xpcom\.common\.js/;
    this.portal_protocol = pattern.exec(document.URL)[1];
    this.portal_ip = pattern.exec(document.URL)[2];
    this.portal_path = pattern.exec(document.URL)[3];
    this.ajax_loader = this.portal_protocol + '://' + this.portal_ip + '/' + this.portal_path + 'server/load.php';
}
`

func TestParsePortalScript(t *testing.T) {
	endpoint, err := parsePortalScript("http://portal.example.com/c/xpcom.common.js", portalScript)
	require.NoError(t, err)
	assert.Equal(t, "http://portal.example.com/server/load.php", endpoint)
}

func TestParsePortalScript_SubPath(t *testing.T) {
	endpoint, err := parsePortalScript("http://portal.example.com/stalker_portal/c/xpcom.common.js", portalScript)
	require.NoError(t, err)
	assert.Equal(t, "http://portal.example.com/stalker_portal/server/load.php", endpoint)
}

func TestParsePortalScript_NoPattern(t *testing.T) {
	_, err := parsePortalScript("http://portal.example.com/c/xpcom.common.js", "var unrelated = 1;")
	assert.Error(t, err)
}

func TestParsePortalScript_PatternMismatch(t *testing.T) {
	// The embedded pattern only matches https URLs, so an http script URL
	// cannot be decomposed.
	script := `
    var pattern = /(https):\/\/([^\/]*)\/(.*)c\/xpcom\.common\.js/;
    this.portal_protocol = pattern.exec(document.URL)[1];
    this.portal_ip = pattern.exec(document.URL)[2];
    this.portal_path = pattern.exec(document.URL)[3];
    this.ajax_loader = this.portal_protocol + '://' + this.portal_ip + '/' + this.portal_path + 'server/load.php';
`
	_, err := parsePortalScript("http://portal.example.com/c/xpcom.common.js", script)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "did not match")
}

func TestParsePortalScript_IndexOutOfRange(t *testing.T) {
	script := `
    var pattern = /(http[s]?):\/\/([^\/]*)\/(.*)c\/xpcom\.common\.js/;
    this.portal_protocol = pattern.exec(document.URL)[1];
    this.portal_ip = pattern.exec(document.URL)[2];
    this.portal_path = pattern.exec(document.URL)[7];
    this.ajax_loader = this.portal_protocol + '://' + this.portal_ip + '/' + this.portal_path + 'server/load.php';
`
	_, err := parsePortalScript("http://portal.example.com/c/xpcom.common.js", script)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "too few capture groups")
}

func TestDiscoverEndpoint_FallsThroughCandidates(t *testing.T) {
	var paths []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		paths = append(paths, r.URL.Path)
		// The portal only serves the script from its stalker_portal prefix.
		if r.URL.Path != "/stalker_portal/c/xpcom.common.js" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte(portalScript))
	}))
	defer srv.Close()

	c := NewClient(testStalkerConfig(), nil)
	endpoint, err := c.DiscoverEndpoint(context.Background(), srv.URL, "")
	require.NoError(t, err)
	assert.Equal(t, srv.URL+"/stalker_portal/server/load.php", endpoint)

	require.GreaterOrEqual(t, len(paths), 4)
	assert.Equal(t, "/c/xpcom.common.js", paths[0])
	assert.Equal(t, "/stalker_portal/c/xpcom.common.js", paths[3])
}

func TestDiscoverEndpoint_NoCandidates(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	c := NewClient(testStalkerConfig(), nil)
	_, err := c.DiscoverEndpoint(context.Background(), srv.URL, "")
	assert.Error(t, err)
}
