package httpd

import (
	"strings"

	"github.com/espat-drv/espat/config"
)

// Param is one decoded query-string (name, value) pair.
type Param struct {
	Name  string
	Value string
}

// CGIHandler resolves a matched CGI path to a new URI to open: its
// return value is a new URI string for the server to open and serve in
// place of the CGI path itself.
type CGIHandler func(path string, params []Param) string

// Router holds registered CGI handlers, matched by exact path first and
// then by first-path-segment prefix.
type Router struct {
	exact  map[string]CGIHandler
	prefix map[string]CGIHandler
}

// NewRouter builds an empty Router.
func NewRouter() *Router {
	return &Router{exact: map[string]CGIHandler{}, prefix: map[string]CGIHandler{}}
}

// Handle registers a CGI handler for an exact path, e.g. "/cgi/reset".
func (r *Router) Handle(path string, h CGIHandler) { r.exact[path] = h }

// HandlePrefix registers a CGI handler for the first path segment, e.g.
// "/cgi" matches "/cgi/anything".
func (r *Router) HandlePrefix(segment string, h CGIHandler) { r.prefix[segment] = h }

func (r *Router) lookup(path string) (CGIHandler, bool) {
	if h, ok := r.exact[path]; ok {
		return h, true
	}
	seg := firstSegment(path)
	if h, ok := r.prefix[seg]; ok {
		return h, true
	}
	return nil, false
}

func firstSegment(path string) string {
	trimmed := strings.TrimPrefix(path, "/")
	if i := strings.IndexByte(trimmed, '/'); i >= 0 {
		return "/" + trimmed[:i]
	}
	return "/" + trimmed
}

// splitQuery splits a raw URI into its path and parsed query parameters.
// maxParams <= 0 means unlimited.
func splitQuery(uri string, maxParams int) (path string, params []Param) {
	idx := strings.IndexByte(uri, '?')
	if idx < 0 {
		return uri, nil
	}
	path = uri[:idx]
	query := uri[idx+1:]
	for _, pair := range strings.Split(query, "&") {
		if pair == "" {
			continue
		}
		if maxParams > 0 && len(params) >= maxParams {
			break
		}
		eq := strings.IndexByte(pair, '=')
		if eq < 0 {
			params = append(params, Param{Name: pair})
			continue
		}
		params = append(params, Param{Name: pair[:eq], Value: pair[eq+1:]})
	}
	return path, params
}

func isIndexRequest(uri string) bool {
	return uri == "/" || strings.HasPrefix(uri, "/?")
}

func hasSSIExtension(path string, extensions []string) bool {
	lower := strings.ToLower(path)
	for _, ext := range extensions {
		if strings.HasSuffix(lower, strings.ToLower(ext)) {
			return true
		}
	}
	return false
}

// resolved describes the outcome of URI resolution: the file ultimately
// opened (or nil if none resolved, i.e. a 404 with no 404 file installed
// either) plus whether SSI substitution applies.
type resolved struct {
	path     string
	file     File
	isSSI    bool
	notFound bool
}

// resolve runs the URI resolution order: index probing, query/CGI
// dispatch, 404 fallback probing, SSI suffix classification.
func resolve(uri string, cfg config.HTTPConfig, provider FileProvider, router *Router) resolved {
	if isIndexRequest(uri) {
		for _, candidate := range cfg.IndexFiles {
			if f, ok := provider.Open(candidate); ok {
				return resolved{path: candidate, file: f, isSSI: hasSSIExtension(candidate, cfg.SSIExtensions)}
			}
		}
	} else {
		path, params := splitQuery(uri, cfg.MaxParams)
		if router != nil {
			if handler, ok := router.lookup(path); ok {
				path = handler(path, params)
			}
		}
		if f, ok := provider.Open(path); ok {
			return resolved{path: path, file: f, isSSI: hasSSIExtension(path, cfg.SSIExtensions)}
		}
	}

	for _, candidate := range cfg.NotFoundFiles {
		if f, ok := provider.Open(candidate); ok {
			return resolved{path: candidate, file: f, isSSI: hasSSIExtension(candidate, cfg.SSIExtensions), notFound: true}
		}
	}
	return resolved{notFound: true}
}
