package azure

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"net/url"
	"strconv"
	"sync"
	"time"
)

const (
	sasValidity = time.Hour
	// sasRenewBefore regenerates a cached signature this long before it lapses.
	sasRenewBefore = 5 * time.Minute
)

type sasEntry struct {
	header  string
	expires time.Time
}

// credentials holds a connection's authorization state: the WRAP header, or
// one SAS header per resource path.
type credentials struct {
	cfg Config
	now func() time.Time

	mu    sync.Mutex
	token string
	sas   map[string]sasEntry
}

func newCredentials(cfg Config, now func() time.Time) *credentials {
	return &credentials{cfg: cfg, now: now, sas: map[string]sasEntry{}}
}

func (c *credentials) wrap() bool { return c.cfg.SharedAccess == nil }

// needsToken reports whether a WRAP token must be fetched before the next request.
func (c *credentials) needsToken() bool {
	if !c.wrap() {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token == ""
}

func (c *credentials) setToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = `WRAP access_token="` + token + `"`
}

// reset drops everything cached. The next request re-authorizes.
func (c *credentials) reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = ""
	clear(c.sas)
}

// authorization returns the Authorization header value for path.
func (c *credentials) authorization(path string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.wrap() {
		return c.token
	}
	now := c.now()
	if e, ok := c.sas[path]; ok && now.Before(e.expires.Add(-sasRenewBefore)) {
		return e.header
	}
	expires := now.Add(sasValidity)
	e := sasEntry{
		header:  sharedAccessSignature(c.cfg.BaseURL()+path, c.cfg.SharedAccess.KeyName, c.cfg.SharedAccess.Key, expires),
		expires: expires,
	}
	c.sas[path] = e
	return e.header
}

// sharedAccessSignature signs uri with key:
//
//	sig = base64(hmac-sha256(key, urlencode(uri) + "\n" + expiry))
func sharedAccessSignature(uri, keyName, key string, expires time.Time) string {
	encoded := url.QueryEscape(uri)
	expiry := strconv.FormatInt(expires.Unix(), 10)

	mac := hmac.New(sha256.New, []byte(key))
	mac.Write([]byte(encoded + "\n" + expiry))
	sig := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	return fmt.Sprintf("SharedAccessSignature sig=%s&se=%s&skn=%s&sr=%s",
		url.QueryEscape(sig), expiry, keyName, encoded)
}

// tokenForm is the WRAP token request body.
func tokenForm(cfg Config) url.Values {
	form := url.Values{}
	if cfg.AccessControl != nil {
		form.Set("wrap_name", cfg.AccessControl.Owner)
		form.Set("wrap_password", cfg.AccessControl.Key)
	}
	form.Set("wrap_scope", cfg.Scope())
	return form
}

// parseToken extracts wrap_access_token from a form-encoded token response.
func parseToken(body []byte) (string, bool) {
	form, err := url.ParseQuery(string(body))
	if err != nil {
		return "", false
	}
	token := form.Get("wrap_access_token")
	return token, token != ""
}
