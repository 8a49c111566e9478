package daemon

import (
	"bytes"
	"context"
	"crypto/x509"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/efisign/efisign/pkg/errdefs"
)

// Client talks to a running signing daemon over its unix socket.
type Client struct {
	socketPath string
	http       *http.Client
}

// NewClient returns a client for the daemon behind socketPath. No connection
// is made until the first request.
func NewClient(socketPath string) *Client {
	return &Client{
		socketPath: socketPath,
		http: &http.Client{
			Transport: &http.Transport{
				DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
					var d net.Dialer
					return d.DialContext(ctx, "unix", socketPath)
				},
			},
			Timeout: 30 * time.Second,
		},
	}
}

// Ping checks that the daemon is up.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://daemon"+routeHealth, nil)
	if err != nil {
		return errdefs.IOf("building request: %v", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return errdefs.IOf("reaching daemon at %q: %v", c.socketPath, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return errdefs.IOf("daemon health check returned %s", resp.Status)
	}
	return nil
}

// Sign submits prepared signed attributes and returns the raw signature
// value with the signer's certificate chain.
func (c *Client) Sign(ctx context.Context, req *SignRequest) (*SignResponse, error) {
	var resp SignResponse
	if err := c.post(ctx, routeSign, req, &resp); err != nil {
		return nil, err
	}
	if len(resp.Signature) == 0 {
		return nil, errdefs.Formatf("daemon returned an empty signature")
	}
	return &resp, nil
}

// FindCertificate resolves a nickname to its certificate chain.
func (c *Client) FindCertificate(ctx context.Context, nickname, token string) (*x509.Certificate, []*x509.Certificate, error) {
	var resp FindCertificateResponse
	req := &FindCertificateRequest{Nickname: nickname, Token: token}
	if err := c.post(ctx, routeFindCertificate, req, &resp); err != nil {
		return nil, nil, err
	}

	cert, err := x509.ParseCertificate(resp.Certificate)
	if err != nil {
		return nil, nil, errdefs.Formatf("parsing daemon certificate response: %v", err)
	}
	var chain []*x509.Certificate
	for _, raw := range resp.Chain {
		c, err := x509.ParseCertificate(raw)
		if err != nil {
			return nil, nil, errdefs.Formatf("parsing daemon certificate response: %v", err)
		}
		chain = append(chain, c)
	}
	return cert, chain, nil
}

// Shutdown asks the daemon to exit.
func (c *Client) Shutdown(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://daemon"+routeShutdown, nil)
	if err != nil {
		return errdefs.IOf("building request: %v", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return errdefs.IOf("reaching daemon at %q: %v", c.socketPath, err)
	}
	resp.Body.Close()
	return nil
}

func (c *Client) post(ctx context.Context, route string, in, out interface{}) error {
	body, err := json.Marshal(in)
	if err != nil {
		return errdefs.IOf("encoding request: %v", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "http://daemon"+route, bytes.NewReader(body))
	if err != nil {
		return errdefs.IOf("building request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return errdefs.IOf("reaching daemon at %q: %v", c.socketPath, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return decodeError(resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errdefs.Formatf("decoding daemon response: %v", err)
	}
	return nil
}

func decodeError(resp *http.Response) error {
	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err != nil {
		return errdefs.IOf("reading daemon error response: %v", err)
	}
	var e errorResponse
	if err := json.Unmarshal(data, &e); err != nil || e.Kind == "" {
		return errdefs.IOf("daemon returned %s: %s", resp.Status, bytes.TrimSpace(data))
	}
	return errdefs.FromKind(e.Kind, e.Message)
}
