package ptz

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Use the debug function from device.go (they share the same package)

const (
	ptzPath        = "/axis-cgi/com/ptz.cgi"
	defaultTimeout = 500 * time.Millisecond
)

// AxisController drives an Axis camera through the VAPIX ptz.cgi endpoint
type AxisController struct {
	host   string
	user   string
	pass   string
	client *http.Client

	// digest challenge reused across requests until the camera rejects it
	authMutex sync.Mutex
	realm     string
	nonce     string
	opaque    string
	nc        int
	basic     bool

	limitsMutex sync.Mutex
	limits      *Limits
}

// NewAxisController creates a controller. host may include a port.
// A zero timeout selects the 500ms default.
func NewAxisController(host, user, pass string, timeout time.Duration) *AxisController {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &AxisController{
		host: host,
		user: user,
		pass: pass,
		client: &http.Client{
			Timeout: timeout,
		},
	}
}

// Ping verifies the camera answers position queries with these credentials
func (c *AxisController) Ping() (Position, bool) {
	pos, ok := c.Position()
	if ok {
		debugMsg("PTZ", fmt.Sprintf("PTZ connected: %s", pos))
	}
	return pos, ok
}

func (c *AxisController) MoveAbsolute(pan, tilt float64, zoom, speed int) bool {
	params := url.Values{}
	params.Set("pan", strconv.FormatFloat(pan, 'f', 1, 64))
	params.Set("tilt", strconv.FormatFloat(tilt, 'f', 1, 64))
	params.Set("zoom", strconv.Itoa(zoom))
	params.Set("speed", strconv.Itoa(speed))
	return c.command(params, "absolute")
}

func (c *AxisController) MoveContinuous(panSpeed, tiltSpeed int) bool {
	params := url.Values{}
	params.Set("continuouspantiltmove", fmt.Sprintf("%d,%d", ClampSpeed(panSpeed), ClampSpeed(tiltSpeed)))
	return c.command(params, "continuous")
}

func (c *AxisController) SetZoom(zoom int) bool {
	params := url.Values{}
	params.Set("zoom", strconv.Itoa(zoom))
	return c.command(params, "zoom")
}

// RelativeZoom zooms in for positive amounts and out for negative ones
func (c *AxisController) RelativeZoom(amount int) bool {
	params := url.Values{}
	params.Set("rzoom", strconv.Itoa(amount))
	return c.command(params, "rzoom")
}

func (c *AxisController) Stop() bool {
	return c.MoveContinuous(0, 0)
}

func (c *AxisController) Position() (Position, bool) {
	body, err := c.get("query=position")
	if err != nil {
		debugMsg("PTZ_WARN", fmt.Sprintf("Position query failed: %v", err))
		return Position{}, false
	}
	pos, err := parsePosition(body)
	if err != nil {
		debugMsg("PTZ_WARN", fmt.Sprintf("Position parse failed: %v", err))
		return Position{}, false
	}
	return pos, true
}

func (c *AxisController) Limits() (Limits, bool) {
	c.limitsMutex.Lock()
	defer c.limitsMutex.Unlock()

	if c.limits != nil {
		return *c.limits, true
	}
	body, err := c.get("query=limits")
	if err != nil {
		debugMsg("PTZ_WARN", fmt.Sprintf("Limits query failed: %v", err))
		return Limits{}, false
	}
	limits, err := parseLimits(body)
	if err != nil {
		debugMsg("PTZ_WARN", fmt.Sprintf("Limits parse failed: %v", err))
		return Limits{}, false
	}
	c.limits = &limits
	debugMsg("PTZ", fmt.Sprintf("Camera limits - Pan: %.1f..%.1f, Tilt: %.1f..%.1f, Zoom: %d..%d",
		limits.MinPan, limits.MaxPan, limits.MinTilt, limits.MaxTilt, limits.MinZoom, limits.MaxZoom))
	return limits, true
}

// command sends a fire-and-forget request. There are no retries: the
// control loop sends a fresh command on the next tick anyway.
func (c *AxisController) command(params url.Values, kind string) bool {
	if _, err := c.get(params.Encode()); err != nil {
		debugMsg("PTZ_WARN", fmt.Sprintf("%s command failed: %v", kind, err))
		return false
	}
	debugMsgVerbose("PTZ_DEBUG", fmt.Sprintf("%s command sent: %s", kind, params.Encode()))
	return true
}

// get issues a GET against ptz.cgi, answering a 401 challenge once
func (c *AxisController) get(query string) (string, error) {
	uri := ptzPath
	if query != "" {
		uri += "?" + query
	}
	fullURL := fmt.Sprintf("http://%s%s", c.host, uri)

	resp, err := c.do(fullURL, uri)
	if err != nil {
		return "", err
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		if err := c.handleChallenge(resp.Header.Get("WWW-Authenticate")); err != nil {
			return "", err
		}
		resp, err = c.do(fullURL, uri)
		if err != nil {
			return "", err
		}
		body, _ = io.ReadAll(resp.Body)
		resp.Body.Close()
	}

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return "", fmt.Errorf("unexpected status code: %d, body: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return string(body), nil
}

func (c *AxisController) do(fullURL, uri string) (*http.Response, error) {
	req, err := http.NewRequest(http.MethodGet, fullURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", "gatecam/1.0")
	if auth := c.authorization(http.MethodGet, uri); auth != "" {
		req.Header.Set("Authorization", auth)
	} else if c.usesBasic() {
		req.SetBasicAuth(c.user, c.pass)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	return resp, nil
}

func (c *AxisController) usesBasic() bool {
	c.authMutex.Lock()
	defer c.authMutex.Unlock()
	return c.basic
}

// handleChallenge records the scheme and parameters from a WWW-Authenticate header
func (c *AxisController) handleChallenge(header string) error {
	if header == "" {
		return fmt.Errorf("no WWW-Authenticate header in response")
	}

	c.authMutex.Lock()
	defer c.authMutex.Unlock()

	if strings.HasPrefix(strings.ToLower(header), "basic") {
		c.basic = true
		c.realm, c.nonce = "", ""
		return nil
	}

	var realm, nonce, opaque string
	for _, part := range strings.Split(strings.TrimPrefix(header, "Digest "), ",") {
		part = strings.TrimSpace(part)
		key, val, ok := strings.Cut(part, "=")
		if !ok {
			continue
		}
		val = strings.Trim(val, "\"")
		switch key {
		case "realm":
			realm = val
		case "nonce":
			nonce = val
		case "opaque":
			opaque = val
		}
	}
	if realm == "" || nonce == "" {
		return fmt.Errorf("invalid WWW-Authenticate header: %s", header)
	}
	c.basic = false
	c.realm, c.nonce, c.opaque = realm, nonce, opaque
	c.nc = 0
	return nil
}

// authorization builds a digest header from the cached challenge, or "" when
// no digest challenge has been seen yet
func (c *AxisController) authorization(method, uri string) string {
	c.authMutex.Lock()
	defer c.authMutex.Unlock()

	if c.nonce == "" {
		return ""
	}
	c.nc++
	nc := fmt.Sprintf("%08x", c.nc)
	cnonceSum := md5.Sum([]byte(time.Now().String()))
	cnonce := hex.EncodeToString(cnonceSum[:8])

	ha1 := md5Hex(fmt.Sprintf("%s:%s:%s", c.user, c.realm, c.pass))
	ha2 := md5Hex(fmt.Sprintf("%s:%s", method, uri))
	response := md5Hex(fmt.Sprintf("%s:%s:%s:%s:auth:%s", ha1, c.nonce, nc, cnonce, ha2))

	header := fmt.Sprintf(`Digest username="%s", realm="%s", nonce="%s", uri="%s", cnonce="%s", nc=%s, qop=auth, response="%s"`,
		c.user, c.realm, c.nonce, uri, cnonce, nc, response)
	if c.opaque != "" {
		header += fmt.Sprintf(`, opaque="%s"`, c.opaque)
	}
	return header
}

func md5Hex(s string) string {
	sum := md5.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}
