package connreq

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"acs/pkg/models"

	"github.com/google/uuid"
)

// Waker sends the out-of-band connection request: an HTTP GET to the device,
// answering a 401 challenge with Digest or Basic credentials.
type Waker struct {
	client  *http.Client
	timeout time.Duration
}

func NewWaker(timeout time.Duration) *Waker {
	return &Waker{client: &http.Client{Timeout: timeout}, timeout: timeout}
}

// Wake returns nil once the device acknowledged the request.
func (w *Waker) Wake(ctx context.Context, req models.ConnReqRequest) error {
	client, err := w.clientFor(req.Proxy)
	if err != nil {
		return err
	}

	resp, err := w.get(ctx, client, req.URL, "")
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusUnauthorized {
		return checkStatus(resp.StatusCode)
	}

	password := req.Password
	if password == "" {
		password = req.Username
	}
	authz, err := authorization(resp.Header.Get("WWW-Authenticate"), req.URL, req.Username, password)
	if err != nil {
		return err
	}

	resp, err = w.get(ctx, client, req.URL, authz)
	if err != nil {
		return err
	}
	if resp.StatusCode == http.StatusUnauthorized {
		return fmt.Errorf("device rejected connection request credentials")
	}
	return checkStatus(resp.StatusCode)
}

func (w *Waker) clientFor(proxy string) (*http.Client, error) {
	if proxy == "" {
		return w.client, nil
	}
	proxyURL, err := url.Parse(proxy)
	if err != nil || proxyURL.Host == "" {
		return nil, fmt.Errorf("malformed proxy URL %q", proxy)
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.Proxy = http.ProxyURL(proxyURL)
	return &http.Client{Transport: transport, Timeout: w.timeout}, nil
}

func (w *Waker) get(ctx context.Context, client *http.Client, target, authz string) (*http.Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("malformed URL: %w", err)
	}
	if authz != "" {
		httpReq.Header.Set("Authorization", authz)
	}
	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("connection request to %s failed: %w", target, err)
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	resp.Body.Close()
	return resp, nil
}

func checkStatus(code int) error {
	if code >= 200 && code <= 299 {
		return nil
	}
	return fmt.Errorf("device answered connection request with status %d", code)
}

// authorization builds the Authorization header for a challenge.
func authorization(challenge, target, username, password string) (string, error) {
	scheme, params, _ := strings.Cut(strings.TrimSpace(challenge), " ")
	switch strings.ToLower(scheme) {
	case "digest":
		return digest(parseChallenge(params), target, username, password)
	case "basic", "":
		req := &http.Request{Header: http.Header{}}
		req.SetBasicAuth(username, password)
		return req.Header.Get("Authorization"), nil
	}
	return "", fmt.Errorf("unsupported authentication scheme %q", scheme)
}

func parseChallenge(params string) map[string]string {
	out := make(map[string]string)
	for _, part := range splitParams(params) {
		k, v, ok := strings.Cut(part, "=")
		if !ok {
			continue
		}
		out[strings.ToLower(strings.TrimSpace(k))] = strings.Trim(strings.TrimSpace(v), `"`)
	}
	return out
}

// splitParams splits on commas outside quoted strings.
func splitParams(s string) []string {
	var parts []string
	var b strings.Builder
	quoted := false
	for _, r := range s {
		switch {
		case r == '"':
			quoted = !quoted
			b.WriteRune(r)
		case r == ',' && !quoted:
			parts = append(parts, b.String())
			b.Reset()
		default:
			b.WriteRune(r)
		}
	}
	if b.Len() > 0 {
		parts = append(parts, b.String())
	}
	return parts
}

func digest(ch map[string]string, target, username, password string) (string, error) {
	if alg := ch["algorithm"]; alg != "" && !strings.EqualFold(alg, "MD5") {
		return "", fmt.Errorf("unsupported digest algorithm %q", alg)
	}
	u, err := url.Parse(target)
	if err != nil {
		return "", fmt.Errorf("malformed URL: %w", err)
	}
	uri := u.RequestURI()

	realm, nonce := ch["realm"], ch["nonce"]
	ha1 := md5hex(username + ":" + realm + ":" + password)
	ha2 := md5hex(http.MethodGet + ":" + uri)

	var b strings.Builder
	fmt.Fprintf(&b, `Digest username="%s", realm="%s", nonce="%s", uri="%s", algorithm=MD5`, username, realm, nonce, uri)

	if qopOffered(ch["qop"], "auth") {
		const nc = "00000001"
		cnonce := strings.ReplaceAll(uuid.NewString(), "-", "")
		response := md5hex(ha1 + ":" + nonce + ":" + nc + ":" + cnonce + ":auth:" + ha2)
		fmt.Fprintf(&b, `, response="%s", qop=auth, nc=%s, cnonce="%s"`, response, nc, cnonce)
	} else {
		fmt.Fprintf(&b, `, response="%s"`, md5hex(ha1+":"+nonce+":"+ha2))
	}
	if opaque := ch["opaque"]; opaque != "" {
		fmt.Fprintf(&b, `, opaque="%s"`, opaque)
	}
	return b.String(), nil
}

func qopOffered(qop, want string) bool {
	for _, q := range strings.Split(qop, ",") {
		if strings.TrimSpace(q) == want {
			return true
		}
	}
	return false
}

func md5hex(s string) string {
	sum := md5.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}
