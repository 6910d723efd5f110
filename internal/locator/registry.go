package locator

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	http3 "github.com/quic-go/quic-go/http3"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/zelig-tools/mdimport/internal/loader"
	"github.com/zelig-tools/mdimport/internal/metadata"
	"github.com/zelig-tools/mdimport/internal/version"
)

// maxImageSize bounds a registry download.
const maxImageSize = 256 << 20

// RegistryOptions configures a RegistryResolver.
type RegistryOptions struct {
	// HTTP3 selects a QUIC transport instead of HTTP/1.1 and HTTP/2.
	HTTP3     bool
	TLSConfig *tls.Config
	Timeout   time.Duration
	// Token is sent as a Bearer token when set.
	Token  string
	Load   loader.Options
	Logger logrus.FieldLogger
}

// RegistryResolver downloads referenced assemblies from
// GET {base}/assemblies/{name}/{version}. A 404 means not found.
type RegistryResolver struct {
	base   string
	client *http.Client
	token  string
	load   loader.Options
	log    logrus.FieldLogger

	sf    singleflight.Group
	mu    sync.Mutex
	cache map[string]*metadata.Graph
}

// NewRegistryResolver creates a client for the registry at baseURL.
func NewRegistryResolver(baseURL string, opts RegistryOptions) *RegistryResolver {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	var tr http.RoundTripper
	if opts.HTTP3 {
		tlsCfg := opts.TLSConfig
		if tlsCfg == nil {
			tlsCfg = &tls.Config{MinVersion: tls.VersionTLS12}
		}
		tr = &http3.Transport{TLSClientConfig: tlsCfg}
	} else {
		tr = &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			DialContext:           (&net.Dialer{Timeout: 5 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
			ForceAttemptHTTP2:     true,
			MaxIdleConns:          64,
			MaxIdleConnsPerHost:   16,
			IdleConnTimeout:       120 * time.Second,
			TLSHandshakeTimeout:   5 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
			TLSClientConfig:       opts.TLSConfig,
		}
	}

	log := opts.Logger
	if log == nil {
		log = discard()
	}

	return &RegistryResolver{
		base:   strings.TrimRight(baseURL, "/"),
		client: &http.Client{Transport: tr, Timeout: timeout},
		token:  strings.TrimSpace(opts.Token),
		load:   opts.Load,
		log:    log.WithField("locator", "registry"),
		cache:  map[string]*metadata.Graph{},
	}
}

// ResolveReference implements resolver.ReferenceResolver.
func (r *RegistryResolver) ResolveReference(ref metadata.AssemblyReference, policy version.Policy) (*metadata.Graph, error) {
	return r.Fetch(context.Background(), ref, policy)
}

// Fetch is ResolveReference with a caller supplied context. Concurrent
// requests for the same assembly share one download.
func (r *RegistryResolver) Fetch(ctx context.Context, ref metadata.AssemblyReference, policy version.Policy) (*metadata.Graph, error) {
	key := strings.ToLower(ref.Name) + "/" + ref.Version.String()

	r.mu.Lock()
	g, ok := r.cache[key]
	r.mu.Unlock()

	if !ok {
		v, err, _ := r.sf.Do(key, func() (any, error) {
			r.mu.Lock()
			g, ok := r.cache[key]
			r.mu.Unlock()
			if ok {
				return g, nil
			}

			g, err := r.download(ctx, ref)
			if err != nil {
				return nil, err
			}

			r.mu.Lock()
			r.cache[key] = g
			r.mu.Unlock()

			return g, nil
		})
		if err != nil {
			return nil, err
		}
		g, _ = v.(*metadata.Graph)
	}

	if g == nil {
		return nil, nil
	}
	if !accepts(g, ref, policy) {
		r.log.WithFields(logrus.Fields{"found": g.Identity.String(), "wanted": ref.String()}).Debug("registry offered an incompatible assembly")
		return nil, nil
	}
	return g, nil
}

// download returns nil without error when the registry does not know ref.
func (r *RegistryResolver) download(ctx context.Context, ref metadata.AssemblyReference) (*metadata.Graph, error) {
	u := r.base + "/assemblies/" + url.PathEscape(ref.Name) + "/" + url.PathEscape(ref.Version.String())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, http.NoBody)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/octet-stream")

	if r.token != "" {
		req.Header.Set("Authorization", "Bearer "+r.token)
	}

	resp, err := r.doWithRetry(req)
	if err != nil {
		return nil, err
	}

	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		r.log.WithField("assembly", ref.String()).Debug("not in registry")
		return nil, nil
	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("registry %s: %s: %s", u, resp.Status, strings.TrimSpace(string(body)))
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxImageSize+1))
	if err != nil {
		return nil, fmt.Errorf("registry %s: %w", u, err)
	}
	if len(data) > maxImageSize {
		return nil, fmt.Errorf("registry %s: image larger than %d bytes", u, maxImageSize)
	}

	g, err := loader.Load(data, ref.Name+".dll", r.load)
	if err != nil {
		return nil, err
	}
	r.log.WithFields(logrus.Fields{"assembly": g.Identity.String(), "bytes": len(data)}).Debug("downloaded")
	return g, nil
}

func (r *RegistryResolver) doWithRetry(req *http.Request) (*http.Response, error) {
	var lastErr error

	for attempt := 0; attempt < 3; attempt++ {
		resp, err := r.client.Do(req)
		if err == nil {
			return resp, nil
		}

		lastErr = err
		if req.Context().Err() != nil {
			break
		}
		// backoff: 100ms, 200ms, 400ms.
		time.Sleep(time.Duration(100*(1<<attempt)) * time.Millisecond)
	}

	return nil, lastErr
}

// Close releases idle connections, and the QUIC transport when used.
func (r *RegistryResolver) Close() error {
	switch tr := r.client.Transport.(type) {
	case *http3.Transport:
		return tr.Close()
	case *http.Transport:
		tr.CloseIdleConnections()
	}
	return nil
}
