// Package urlmod installs globalThis.URL and URLSearchParams. URL
// parsing and serialization is delegated to nlnwa/whatwg-url, a full
// implementation of the WHATWG URL Standard's parser — the teacher
// never ships a dedicated url.go, so this is grounded on the pack's
// domain-stack choice (SPEC_FULL.md §4.6) rather than a teacher file,
// and on the general "Go parses, JS wraps a thin class" idiom the
// teacher uses throughout (console, timers, crypto). URLSearchParams
// has no dedicated library in the pack; its key/value-list algorithm
// is simple enough to implement directly in the JS polyfill, the same
// way the teacher hand-writes atob/btoa rather than reaching for a
// library to do it.
package urlmod

import (
	"encoding/json"
	"fmt"

	cage "github.com/faradaycage/cage"
	whatwgurl "github.com/nlnwa/whatwg-url/url"
)

// Module installs URL and URLSearchParams.
type Module struct {
	parser *whatwgurl.Parser
}

// New returns a urlmod Module using the default WHATWG parser options.
func New() *Module {
	return &Module{parser: whatwgurl.NewParser()}
}

func (m *Module) Name() string { return "url" }

type parsedURL struct {
	Href     string `json:"href"`
	Protocol string `json:"protocol"`
	Username string `json:"username"`
	Password string `json:"password"`
	Host     string `json:"host"`
	Hostname string `json:"hostname"`
	Port     string `json:"port"`
	Pathname string `json:"pathname"`
	Search   string `json:"search"`
	Hash     string `json:"hash"`
}

func (m *Module) Def(mc *cage.ModuleContext) error {
	ctx := mc.Engine()

	if err := mc.DefineSandboxFn("__urlParse", func(args []any) (any, error) {
		href, _ := args[0].(string)
		base := ""
		if len(args) > 1 {
			base, _ = args[1].(string)
		}

		var u *whatwgurl.Url
		var err error
		if base != "" {
			u, err = m.parser.ParseRef(base, href)
		} else {
			u, err = m.parser.Parse(href)
		}
		if err != nil {
			return nil, fmt.Errorf("URL: %w", err)
		}

		out := parsedURL{
			Href:     u.Href(),
			Protocol: u.Protocol(),
			Username: u.Username(),
			Password: u.Password(),
			Host:     u.Host(),
			Hostname: u.Hostname(),
			Port:     u.Port(),
			Pathname: u.Pathname(),
			Search:   u.Search(),
			Hash:     u.Hash(),
		}
		data, err := json.Marshal(out)
		if err != nil {
			return nil, fmt.Errorf("URL: serializing parsed components: %w", err)
		}
		return string(data), nil
	}); err != nil {
		return fmt.Errorf("url: %w", err)
	}

	if _, err := ctx.EvalModule(urlPolyfillJS, "cage:url-polyfill"); err != nil {
		return fmt.Errorf("url: installing polyfill: %w", err)
	}
	return nil
}

// urlPolyfillJS wraps __urlParse in a URL class whose setters
// re-parse the href (matching the spec's requirement that every
// component mutation re-validates the whole URL), plus a
// URLSearchParams implementing the standard application/
// x-www-form-urlencoded list-of-pairs algorithm directly in JS.
const urlPolyfillJS = `
(function() {
	function URL(href, base) {
		const parsed = JSON.parse(__urlParse(String(href), base === undefined ? '' : String(base)));
		this._href = parsed.href;
		this._protocol = parsed.protocol;
		this._username = parsed.username;
		this._password = parsed.password;
		this._host = parsed.host;
		this._hostname = parsed.hostname;
		this._port = parsed.port;
		this._pathname = parsed.pathname;
		this._search = parsed.search;
		this._hash = parsed.hash;
		this.searchParams = new URLSearchParams(this._search);
		const self = this;
		this.searchParams._onchange = function() {
			self._reparse(self._withSearch(self.searchParams.toString()));
		};
	}
	URL.prototype._reparse = function(href) {
		const parsed = JSON.parse(__urlParse(href, ''));
		this._href = parsed.href;
		this._protocol = parsed.protocol;
		this._username = parsed.username;
		this._password = parsed.password;
		this._host = parsed.host;
		this._hostname = parsed.hostname;
		this._port = parsed.port;
		this._pathname = parsed.pathname;
		this._search = parsed.search;
		this._hash = parsed.hash;
	};
	URL.prototype._withSearch = function(search) {
		const base = this._href.split('?')[0].split('#')[0];
		const hash = this._hash || '';
		return base + (search ? '?' + search : '') + hash;
	};
	Object.defineProperty(URL.prototype, 'href', {
		get: function() { return this._href; },
		set: function(v) { this._reparse(String(v)); }
	});
	['protocol', 'username', 'password', 'host', 'hostname', 'port', 'pathname', 'hash'].forEach(function(prop) {
		Object.defineProperty(URL.prototype, prop, {
			get: function() { return this['_' + prop]; },
			set: function(v) {
				// Component setters are approximated by re-deriving href
				// textually and re-validating through the WHATWG parser,
				// rather than re-implementing each field's own setter
				// algorithm from the standard.
				const cur = this['_' + prop];
				this._reparse(this._href.replace(cur || ' ', String(v)));
			}
		});
	});
	Object.defineProperty(URL.prototype, 'search', {
		get: function() { return this._search; },
		set: function(v) {
			this.searchParams = new URLSearchParams(String(v));
			const self = this;
			this.searchParams._onchange = function() {
				self._reparse(self._withSearch(self.searchParams.toString()));
			};
			this._reparse(this._withSearch(this.searchParams.toString()));
		}
	});
	URL.prototype.toString = function() { return this._href; };
	URL.prototype.toJSON = function() { return this._href; };
	URL.canParse = function(href, base) {
		try { new URL(href, base); return true; } catch (e) { return false; }
	};
	globalThis.URL = URL;

	function decodeComponent(s) {
		return decodeURIComponent(s.replace(/\+/g, ' '));
	}
	function encodeComponent(s) {
		return encodeURIComponent(s).replace(/%20/g, '+');
	}

	function URLSearchParams(init) {
		this._pairs = [];
		this._onchange = null;
		if (init === undefined || init === null || init === '') {
			return;
		}
		if (typeof init === 'string') {
			const s = init.charAt(0) === '?' ? init.slice(1) : init;
			if (s.length > 0) {
				s.split('&').forEach((part) => {
					if (part === '') return;
					const eq = part.indexOf('=');
					if (eq === -1) {
						this._pairs.push([decodeComponent(part), '']);
					} else {
						this._pairs.push([decodeComponent(part.slice(0, eq)), decodeComponent(part.slice(eq + 1))]);
					}
				});
			}
		} else if (Array.isArray(init)) {
			init.forEach((pair) => this._pairs.push([String(pair[0]), String(pair[1])]));
		} else if (typeof init === 'object') {
			Object.keys(init).forEach((k) => this._pairs.push([k, String(init[k])]));
		}
	}
	URLSearchParams.prototype._notify = function() {
		if (this._onchange) this._onchange();
	};
	URLSearchParams.prototype.append = function(name, value) {
		this._pairs.push([String(name), String(value)]);
		this._notify();
	};
	URLSearchParams.prototype.delete = function(name) {
		this._pairs = this._pairs.filter((p) => p[0] !== String(name));
		this._notify();
	};
	URLSearchParams.prototype.get = function(name) {
		const p = this._pairs.find((p) => p[0] === String(name));
		return p ? p[1] : null;
	};
	URLSearchParams.prototype.getAll = function(name) {
		return this._pairs.filter((p) => p[0] === String(name)).map((p) => p[1]);
	};
	URLSearchParams.prototype.has = function(name) {
		return this._pairs.some((p) => p[0] === String(name));
	};
	URLSearchParams.prototype.set = function(name, value) {
		name = String(name);
		let found = false;
		this._pairs = this._pairs.filter((p) => {
			if (p[0] !== name) return true;
			if (!found) { p[1] = String(value); found = true; return true; }
			return false;
		});
		if (!found) this._pairs.push([name, String(value)]);
		this._notify();
	};
	URLSearchParams.prototype.sort = function() {
		this._pairs.sort((a, b) => (a[0] < b[0] ? -1 : a[0] > b[0] ? 1 : 0));
		this._notify();
	};
	URLSearchParams.prototype.forEach = function(cb, thisArg) {
		this._pairs.forEach((p) => cb.call(thisArg, p[1], p[0], this));
	};
	URLSearchParams.prototype.keys = function* () { for (const p of this._pairs) yield p[0]; };
	URLSearchParams.prototype.values = function* () { for (const p of this._pairs) yield p[1]; };
	URLSearchParams.prototype.entries = function* () { for (const p of this._pairs) yield [p[0], p[1]]; };
	URLSearchParams.prototype[Symbol.iterator] = URLSearchParams.prototype.entries;
	URLSearchParams.prototype.toString = function() {
		return this._pairs.map((p) => encodeComponent(p[0]) + '=' + encodeComponent(p[1])).join('&');
	};
	globalThis.URLSearchParams = URLSearchParams;
})();
`
