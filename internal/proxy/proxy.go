package proxy

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// ErrNoRotationURL is returned by ParseRotationURL for an empty link
var ErrNoRotationURL = eris.New("proxy: rotation url not configured")

// Identity is one set of proxy credentials
type Identity struct {
	Login    string
	Password string
	HostPort string
}

// URL returns the proxy URL in http form
func (i *Identity) URL() *url.URL {
	u := &url.URL{Scheme: "http", Host: i.HostPort}
	if i.Login != "" {
		u.User = url.UserPassword(i.Login, i.Password)
	}
	return u
}

// String hides the password
func (i *Identity) String() string {
	if i.Login == "" {
		return i.HostPort
	}
	return i.Login + ":***@" + i.HostPort
}

// ParseIdentity accepts "login:pass@ip:port" or "login:pass:ip:port", optionally with a scheme prefix
func ParseIdentity(raw string) (*Identity, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return nil, eris.New("proxy: empty proxy string")
	}
	if idx := strings.Index(s, "://"); idx >= 0 {
		s = s[idx+3:]
	}

	if at := strings.LastIndex(s, "@"); at >= 0 {
		auth, hostPort := s[:at], s[at+1:]
		login, password, ok := strings.Cut(auth, ":")
		if !ok || hostPort == "" {
			return nil, eris.Errorf("proxy: invalid credentials in %q", raw)
		}
		return &Identity{Login: login, Password: password, HostPort: hostPort}, nil
	}

	parts := strings.Split(s, ":")
	switch len(parts) {
	case 4:
		return &Identity{Login: parts[0], Password: parts[1], HostPort: parts[2] + ":" + parts[3]}, nil
	case 2:
		return &Identity{HostPort: s}, nil
	default:
		return nil, eris.Errorf("proxy: invalid proxy format %q", raw)
	}
}

// Pool tracks the single egress identity and rotates its exit address
// through the provider's change-IP link
type Pool struct {
	identity    *Identity
	rotationURL string
	client      *http.Client
	logger      *zap.Logger
}

// NewPool creates a pool. Both arguments may be empty: no proxy means direct
// connections and Rotate always reports false.
func NewPool(proxyString, rotationURL string, timeout time.Duration) (*Pool, error) {
	p := &Pool{
		rotationURL: strings.TrimSpace(rotationURL),
		client:      &http.Client{Timeout: timeout},
		logger:      zap.L().With(zap.String("component", "proxy")),
	}
	if strings.TrimSpace(proxyString) != "" {
		id, err := ParseIdentity(proxyString)
		if err != nil {
			return nil, err
		}
		p.identity = id
	}
	return p, nil
}

// CurrentIdentity returns the configured credentials, if any
func (p *Pool) CurrentIdentity() (*Identity, bool) {
	if p == nil || p.identity == nil {
		return nil, false
	}
	return p.identity, true
}

type rotationResponse struct {
	NewIP string `json:"new_ip"`
}

// Rotate asks the proxy provider for a new exit address.
// It reports success on HTTP 200; the new address is logged when the body carries one.
func (p *Pool) Rotate(ctx context.Context) bool {
	if p == nil {
		return false
	}
	link, err := ParseRotationURL(p.rotationURL)
	if err != nil {
		p.logger.Warn("rotation skipped", zap.Error(err))
		return false
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, link, nil)
	if err != nil {
		p.logger.Error("failed to create rotation request", zap.Error(err))
		return false
	}

	resp, err := p.client.Do(req)
	if err != nil {
		p.logger.Error("rotation request failed", zap.Error(err))
		return false
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		p.logger.Error("rotation rejected", zap.Int("status", resp.StatusCode))
		return false
	}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var parsed rotationResponse
	if err := json.Unmarshal(body, &parsed); err == nil && parsed.NewIP != "" {
		p.logger.Info("identity rotated", zap.String("new_ip", parsed.NewIP))
	} else {
		p.logger.Info("identity rotated")
	}
	return true
}

// ParseRotationURL appends format=json to the change-IP link unless present
func ParseRotationURL(link string) (string, error) {
	if link == "" {
		return "", ErrNoRotationURL
	}
	u, err := url.Parse(link)
	if err != nil {
		return "", eris.Wrap(err, "proxy: invalid rotation url")
	}
	q := u.Query()
	if q.Get("format") == "" {
		q.Set("format", "json")
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}
