// Package fetch installs globalThis.fetch plus Request/Response/
// Headers/AbortController, grounded directly on the teacher's
// fetch.go: the SSRF-safe dialer (isPrivateHostname pre-check,
// ssrfSafeDialContext resolving DNS and re-validating at connect time
// to prevent rebinding, the forbiddenFetchHeaders blocklist) is ported
// essentially verbatim, since it is exactly the kind of security-
// critical logic this exercise is meant to carry forward rather than
// reinvent. What changes is the bridging: the teacher resolves a
// v8.PromiseResolver directly from the fetch goroutine's result
// channel via the request-scoped eventLoop; here the same goroutine/
// channel/non-blocking-drain shape is kept, but delivery goes through
// ModuleContext's generic NewGuestPromise/SettleGuestPromise and
// OnTick, since Cage has no notion of "the request's event loop" —
// only "this RunCode invocation's pump loop".
package fetch

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	cage "github.com/faradaycage/cage"
	"github.com/faradaycage/cage/internal/engine"
	"github.com/google/uuid"
)

// forbiddenFetchHeaders is the blocklist of headers a guest script
// cannot set directly, ported verbatim from the teacher's fetch.go.
var forbiddenFetchHeaders = map[string]bool{
	"host":                true,
	"transfer-encoding":   true,
	"connection":          true,
	"keep-alive":          true,
	"upgrade":             true,
	"proxy-authorization": true,
	"proxy-connection":    true,
	"te":                  true,
	"trailer":             true,
	"x-forwarded-for":     true,
	"x-forwarded-host":    true,
	"x-forwarded-proto":   true,
	"x-real-ip":           true,
}

// privateRanges is parsed once at init time, ported verbatim from the
// teacher's fetch.go.
var privateRanges []*net.IPNet

func init() {
	for _, cidr := range []string{
		"0.0.0.0/8", "10.0.0.0/8", "100.64.0.0/10", "127.0.0.0/8",
		"169.254.0.0/16", "172.16.0.0/12", "192.0.0.0/24", "192.0.2.0/24",
		"192.168.0.0/16", "198.18.0.0/15", "198.51.100.0/24", "203.0.113.0/24",
		"240.0.0.0/4",
		"::1/128", "fc00::/7", "fe80::/10",
	} {
		_, n, err := net.ParseCIDR(cidr)
		if err != nil {
			panic("invalid CIDR: " + cidr)
		}
		privateRanges = append(privateRanges, n)
	}
}

func isPrivateIP(ip net.IP) bool {
	for _, n := range privateRanges {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

// isPrivateHostname performs a fast, non-resolving pre-check for
// obviously private hostnames and literal IP addresses. It does NOT
// resolve DNS; the actual SSRF protection happens in
// ssrfSafeDialContext at connect time.
func isPrivateHostname(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return true
	}
	hostname := u.Hostname()
	if hostname == "" {
		return true
	}
	lower := strings.ToLower(hostname)
	if lower == "localhost" || strings.HasSuffix(lower, ".localhost") {
		return true
	}
	if ip := net.ParseIP(hostname); ip != nil {
		return isPrivateIP(ip)
	}
	return false
}

// ssrfSafeDialContext resolves DNS and validates the resolved IP
// against private ranges at actual connect time, preventing DNS
// rebinding / TOCTOU attacks.
func ssrfSafeDialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, fmt.Errorf("invalid address %q: %w", addr, err)
	}
	ips, err := net.DefaultResolver.LookupIPAddr(ctx, host)
	if err != nil {
		return nil, fmt.Errorf("DNS lookup failed for %s: %w", host, err)
	}
	var safeIP net.IPAddr
	found := false
	for _, ip := range ips {
		if !isPrivateIP(ip.IP) {
			safeIP = ip
			found = true
			break
		}
	}
	if !found {
		return nil, fmt.Errorf("fetch to private IP addresses is not allowed")
	}
	dialer := &net.Dialer{}
	return dialer.DialContext(ctx, network, net.JoinHostPort(safeIP.IP.String(), port))
}

type pendingFetch struct {
	id       string
	resultCh chan fetchResult
	cancel   context.CancelFunc
}

type fetchResult struct {
	status     int
	statusText string
	headers    http.Header
	body       []byte
	url        string
	err        error
}

// Module installs fetch/Request/Response/Headers/AbortController. One
// Module instance owns the in-flight request count and cancel
// registry for a single RunCode invocation.
type Module struct {
	cfg cage.EngineConfig

	mu      sync.Mutex
	sent    int
	pending map[string]*pendingFetch
}

// New returns a fetch Module honoring cfg's MaxFetchRequests/
// FetchTimeoutSec/MaxResponseBytes limits.
func New(cfg cage.EngineConfig) *Module {
	return &Module{cfg: cfg, pending: make(map[string]*pendingFetch)}
}

func (m *Module) Name() string { return "fetch" }

func (m *Module) Def(mc *cage.ModuleContext) error {
	ctx := mc.Engine()

	if err := mc.DefineSandboxFunctionRaw("__fetchStart", func(this engine.Handle, args []engine.Handle) (engine.Handle, error) {
		if len(args) < 1 {
			return nil, fmt.Errorf("fetch requires a URL")
		}
		reqURL, _ := ctx.ToString(args[0])
		method := "GET"
		var headers http.Header = make(http.Header)
		var body []byte

		if len(args) > 1 {
			if m0, err := ctx.GetProp(args[1], "method"); err == nil {
				if s, ok := ctx.ToString(m0); ok && s != "" && s != "undefined" {
					method = strings.ToUpper(s)
				}
				m0.Dispose()
			}
			if h0, err := ctx.GetProp(args[1], "headersJSON"); err == nil {
				if s, ok := ctx.ToString(h0); ok {
					parseHeaderPairs(s, headers)
				}
				h0.Dispose()
			}
			if b0, err := ctx.GetProp(args[1], "body"); err == nil {
				if b, ok := ctx.ArrayBufferBytes(b0); ok {
					body = b
				}
				b0.Dispose()
			}
		}

		for h := range headers {
			if forbiddenFetchHeaders[strings.ToLower(h)] {
				return nil, fmt.Errorf("fetch: header %q is forbidden", h)
			}
		}

		m.mu.Lock()
		if m.cfg.MaxFetchRequests > 0 && m.sent >= m.cfg.MaxFetchRequests {
			m.mu.Unlock()
			return nil, fmt.Errorf("fetch: exceeded MaxFetchRequests (%d)", m.cfg.MaxFetchRequests)
		}
		m.sent++
		m.mu.Unlock()

		if isPrivateHostname(reqURL) {
			return nil, fmt.Errorf("fetch to private IP addresses is not allowed")
		}

		timeout := time.Duration(m.cfg.FetchTimeoutSec) * time.Second
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		maxBytes := int64(m.cfg.MaxResponseBytes)
		if maxBytes <= 0 {
			maxBytes = 25 * 1024 * 1024
		}

		fetchCtx, cancel := context.WithTimeout(context.Background(), timeout)

		httpReq, err := http.NewRequestWithContext(fetchCtx, method, reqURL, bytesReader(body))
		if err != nil {
			cancel()
			return nil, fmt.Errorf("fetch: building request: %w", err)
		}
		httpReq.Header = headers

		client := &http.Client{
			Transport: &http.Transport{DialContext: ssrfSafeDialContext},
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if isPrivateHostname(req.URL.String()) {
					return fmt.Errorf("redirect to private IP address is not allowed")
				}
				return nil
			},
		}

		id := uuid.NewString()
		resultCh := make(chan fetchResult, 1)
		m.mu.Lock()
		m.pending[id] = &pendingFetch{id: id, resultCh: resultCh, cancel: cancel}
		m.mu.Unlock()

		go func() {
			defer cancel()
			resp, err := client.Do(httpReq)
			if err != nil {
				resultCh <- fetchResult{err: err}
				return
			}
			defer resp.Body.Close()
			limited := io.LimitReader(resp.Body, maxBytes+1)
			data, err := io.ReadAll(limited)
			if err != nil {
				resultCh <- fetchResult{err: fmt.Errorf("reading response body: %w", err)}
				return
			}
			if int64(len(data)) > maxBytes {
				resultCh <- fetchResult{err: fmt.Errorf("response exceeds MaxResponseBytes (%d)", maxBytes)}
				return
			}
			resultCh <- fetchResult{
				status:     resp.StatusCode,
				statusText: http.StatusText(resp.StatusCode),
				headers:    resp.Header,
				body:       data,
				url:        resp.Request.URL.String(),
			}
		}()

		promise, err := mc.NewGuestPromise(id)
		if err != nil {
			return nil, fmt.Errorf("fetch: %w", err)
		}
		idHandle := ctx.NewString(id)
		if err := ctx.SetProp(promise, "__cageFetchID", idHandle); err != nil {
			idHandle.Dispose()
			promise.Dispose()
			return nil, fmt.Errorf("fetch: tagging promise with request id: %w", err)
		}
		idHandle.Dispose()
		if err := mc.KeepAlive(promise); err != nil {
			promise.Dispose()
			return nil, fmt.Errorf("fetch: %w", err)
		}
		return promise, nil
	}); err != nil {
		return fmt.Errorf("fetch: %w", err)
	}

	if err := mc.DefineSandboxFunctionRaw("__fetchAbort", func(this engine.Handle, args []engine.Handle) (engine.Handle, error) {
		if len(args) == 0 {
			return ctx.NewUndefined(), nil
		}
		id, _ := ctx.ToString(args[0])
		m.mu.Lock()
		pf, ok := m.pending[id]
		m.mu.Unlock()
		if ok {
			pf.cancel()
		}
		return ctx.NewUndefined(), nil
	}); err != nil {
		return fmt.Errorf("fetch: %w", err)
	}

	mc.OnTick(func(mc *cage.ModuleContext) error {
		m.mu.Lock()
		for id, pf := range m.pending {
			select {
			case r := <-pf.resultCh:
				delete(m.pending, id)
				m.settleOne(mc, id, r)
			default:
			}
		}
		m.mu.Unlock()
		return nil
	})

	if _, err := ctx.EvalModule(fetchPolyfillJS, "cage:fetch-polyfill"); err != nil {
		return fmt.Errorf("fetch: installing polyfill: %w", err)
	}
	return nil
}

// settleOne resolves or rejects the guest promise for a completed
// fetch. Called with m.mu held, from the pump-loop thread only (OnTick
// hooks always run there), so it's safe to touch the guest here.
func (m *Module) settleOne(mc *cage.ModuleContext, id string, r fetchResult) {
	if r.err != nil {
		_ = mc.SettleGuestPromise(id, false, r.err.Error())
		return
	}
	headerPairs := make([]any, 0, len(r.headers))
	for k, vs := range r.headers {
		headerPairs = append(headerPairs, map[string]any{"name": k, "value": strings.Join(vs, ", ")})
	}
	_ = mc.SettleGuestPromise(id, true, map[string]any{
		"status":     float64(r.status),
		"statusText": r.statusText,
		"url":        r.url,
		"headers":    headerPairs,
		"body":       r.body,
	})
}

func bytesReader(b []byte) io.Reader {
	if len(b) == 0 {
		return nil
	}
	return bytes.NewReader(b)
}

func parseHeaderPairs(json string, out http.Header) {
	// headersJSON is produced by the polyfill as "k1:v1\nk2:v2\n...";
	// a hand-rolled line format avoids pulling in a JSON dependency for
	// what is, at this boundary, a flat list of header pairs.
	for _, line := range strings.Split(json, "\n") {
		if line == "" {
			continue
		}
		parts := strings.SplitN(line, ":", 2)
		if len(parts) != 2 {
			continue
		}
		out.Add(parts[0], parts[1])
	}
}

// fetchPolyfillJS installs fetch()/Request/Response/Headers/
// AbortController over the Go-backed __fetchStart/__fetchAbort
// primitives. Matches the teacher's split: Go does the network I/O and
// SSRF checks, JS builds the object model expected by guest code.
const fetchPolyfillJS = `
(function() {
	function Headers(init) {
		this._map = new Map();
		if (init instanceof Headers) {
			for (const [k, v] of init._map) this._map.set(k, v);
		} else if (Array.isArray(init)) {
			init.forEach((pair) => this.append(pair[0], pair[1]));
		} else if (init && typeof init === 'object') {
			Object.keys(init).forEach((k) => this.append(k, init[k]));
		}
	}
	Headers.prototype.append = function(name, value) {
		name = String(name).toLowerCase();
		const existing = this._map.get(name);
		this._map.set(name, existing ? existing + ', ' + value : String(value));
	};
	Headers.prototype.set = function(name, value) { this._map.set(String(name).toLowerCase(), String(value)); };
	Headers.prototype.get = function(name) { return this._map.has(String(name).toLowerCase()) ? this._map.get(String(name).toLowerCase()) : null; };
	Headers.prototype.has = function(name) { return this._map.has(String(name).toLowerCase()); };
	Headers.prototype.delete = function(name) { this._map.delete(String(name).toLowerCase()); };
	Headers.prototype.forEach = function(cb, thisArg) { this._map.forEach((v, k) => cb.call(thisArg, v, k, this)); };
	Headers.prototype.entries = function* () { for (const e of this._map) yield e; };
	Headers.prototype[Symbol.iterator] = Headers.prototype.entries;
	Headers.prototype._toLineFormat = function() {
		let out = '';
		this._map.forEach((v, k) => { out += k + ':' + v + '\n'; });
		return out;
	};
	globalThis.Headers = Headers;

	function AbortSignal() {
		this.aborted = false;
		this._listeners = [];
	}
	AbortSignal.prototype.addEventListener = function(type, fn) {
		if (type === 'abort') this._listeners.push(fn);
	};
	AbortSignal.prototype._fire = function() {
		this.aborted = true;
		this._listeners.forEach((fn) => fn());
	};
	function AbortController() {
		this.signal = new AbortSignal();
	}
	AbortController.prototype.abort = function() {
		this.signal._fire();
	};
	globalThis.AbortController = AbortController;

	function Request(input, init) {
		init = init || {};
		this.url = input instanceof Request ? input.url : String(input);
		this.method = (init.method || (input instanceof Request ? input.method : 'GET')).toUpperCase();
		this.headers = init.headers instanceof Headers ? init.headers : new Headers(init.headers);
		this._body = init.body !== undefined ? init.body : (input instanceof Request ? input._body : undefined);
		this.signal = init.signal;
	}
	globalThis.Request = Request;

	function Response(body, init) {
		init = init || {};
		this._body = body !== undefined && body !== null ? body : null;
		this.status = init.status === undefined ? 200 : init.status;
		this.statusText = init.statusText || '';
		this.headers = init.headers instanceof Headers ? init.headers : new Headers(init.headers);
		this.ok = this.status >= 200 && this.status < 300;
		this.url = init.url || '';
		this.redirected = !!init.redirected;
	}
	Response.prototype.arrayBuffer = async function() {
		if (this._body instanceof ArrayBuffer) return this._body;
		if (typeof this._body === 'string') return new TextEncoder().encode(this._body).buffer;
		return new ArrayBuffer(0);
	};
	Response.prototype.text = async function() {
		const buf = await this.arrayBuffer();
		return new TextDecoder().decode(buf);
	};
	Response.prototype.json = async function() {
		return JSON.parse(await this.text());
	};
	Response.prototype.clone = function() {
		return new Response(this._body, { status: this.status, statusText: this.statusText, headers: this.headers, url: this.url });
	};
	globalThis.Response = Response;

	function bodyToBuffer(body) {
		if (body === undefined || body === null) return undefined;
		if (body instanceof ArrayBuffer) return body;
		if (body.buffer instanceof ArrayBuffer) return body.buffer;
		if (typeof Blob !== 'undefined' && body instanceof Blob) return body._buffer;
		return new TextEncoder().encode(String(body)).buffer;
	}

	globalThis.fetch = function(input, init) {
		const req = input instanceof Request ? input : new Request(input, init);
		const extra = init || {};
		const headersObj = req.headers;
		const signal = extra.signal || req.signal;
		const bodyBuf = bodyToBuffer(req._body);

		const promise = __fetchStart(req.url, {
			method: req.method,
			headersJSON: headersObj._toLineFormat(),
			body: bodyBuf,
		});

		if (signal) {
			if (signal.aborted) {
				// Already aborted before fetch() was called: cancel the
				// request __fetchStart has just started.
				if (promise.__cageFetchID) __fetchAbort(promise.__cageFetchID);
			} else {
				signal.addEventListener('abort', function() {
					if (promise.__cageFetchID) __fetchAbort(promise.__cageFetchID);
				});
			}
		}

		return promise.then(function(result) {
			const bodyArr = result.body;
			const headers = new Headers();
			(result.headers || []).forEach((h) => headers.append(h.name, h.value));
			return new Response(bodyArr instanceof ArrayBuffer ? bodyArr : new ArrayBuffer(0), {
				status: result.status,
				statusText: result.statusText,
				headers: headers,
				url: result.url,
			});
		});
	};
})();
`
