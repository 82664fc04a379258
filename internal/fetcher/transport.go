package fetcher

import (
	"bufio"
	"context"
	"encoding/base64"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/rotisserie/eris"
	utls "github.com/refraction-networking/utls"

	"listing-engine/internal/proxy"
)

// NewTransport builds a transport whose TLS handshake mimics Chrome when
// fingerprint is set. With an identity every connection is tunnelled through
// the proxy with CONNECT, so the custom handshake also applies to proxied hosts.
func NewTransport(identity *proxy.Identity, fingerprint bool) *http.Transport {
	dialer := &net.Dialer{Timeout: 15 * time.Second, KeepAlive: 30 * time.Second}

	dial := func(ctx context.Context, network, addr string) (net.Conn, error) {
		if identity == nil {
			return dialer.DialContext(ctx, network, addr)
		}
		return dialTunnel(ctx, dialer, identity, addr)
	}

	t := &http.Transport{
		DialContext:           dial,
		MaxIdleConns:          10,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: time.Second,
	}
	if fingerprint {
		t.DialTLSContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
			conn, err := dial(ctx, network, addr)
			if err != nil {
				return nil, err
			}
			host, _, err := net.SplitHostPort(addr)
			if err != nil {
				conn.Close()
				return nil, eris.Wrapf(err, "fetcher: bad address %q", addr)
			}
			return chromeHandshake(ctx, conn, host)
		}
	}
	return t
}

// chromeHandshake runs a Chrome 120 ClientHello with ALPN limited to http/1.1,
// since net/http cannot speak h2 over a custom TLS connection
func chromeHandshake(ctx context.Context, conn net.Conn, host string) (net.Conn, error) {
	spec, err := utls.UTLSIdToSpec(utls.HelloChrome_120)
	if err != nil {
		conn.Close()
		return nil, eris.Wrap(err, "fetcher: chrome hello spec")
	}
	for _, ext := range spec.Extensions {
		if alpn, ok := ext.(*utls.ALPNExtension); ok {
			alpn.AlpnProtocols = []string{"http/1.1"}
		}
	}

	uconn := utls.UClient(conn, &utls.Config{ServerName: host}, utls.HelloCustom)
	if err := uconn.ApplyPreset(&spec); err != nil {
		conn.Close()
		return nil, eris.Wrap(err, "fetcher: apply chrome hello")
	}
	if err := uconn.HandshakeContext(ctx); err != nil {
		conn.Close()
		return nil, eris.Wrapf(err, "fetcher: tls handshake with %s", host)
	}
	return uconn, nil
}

// dialTunnel opens a CONNECT tunnel to addr through the proxy identity
func dialTunnel(ctx context.Context, dialer *net.Dialer, id *proxy.Identity, addr string) (net.Conn, error) {
	conn, err := dialer.DialContext(ctx, "tcp", id.HostPort)
	if err != nil {
		return nil, eris.Wrapf(err, "fetcher: dial proxy %s", id.HostPort)
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	req := &http.Request{
		Method: http.MethodConnect,
		URL:    &url.URL{Opaque: addr},
		Host:   addr,
		Header: make(http.Header),
	}
	if id.Login != "" {
		cred := base64.StdEncoding.EncodeToString([]byte(id.Login + ":" + id.Password))
		req.Header.Set("Proxy-Authorization", "Basic "+cred)
	}
	if err := req.Write(conn); err != nil {
		conn.Close()
		return nil, eris.Wrap(err, "fetcher: write CONNECT")
	}

	resp, err := http.ReadResponse(bufio.NewReader(conn), req)
	if err != nil {
		conn.Close()
		return nil, eris.Wrap(err, "fetcher: read CONNECT response")
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		conn.Close()
		return nil, eris.Errorf("fetcher: proxy refused tunnel to %s: %s", addr, resp.Status)
	}

	_ = conn.SetDeadline(time.Time{})
	return conn, nil
}
