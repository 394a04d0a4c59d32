package routing

import (
	"net/http"
	"path"
	"strings"
)

// pathLogger is the narrow logging surface NormalizedServeMux needs;
// satisfied by logging.Logger (and any logrus.FieldLogger) without this
// package importing it, so routing stays free of a dependency back onto
// the gateway's own packages.
type pathLogger interface {
	Debugf(format string, args ...any)
}

// NormalizedServeMux collapses doubled slashes in the request path before
// dispatch, so a malformed client-constructed proxy path (e.g. a stray
// "//v1/chat/completions") still reaches the catch-all handler instead of
// 404ing against the raw mux.
type NormalizedServeMux struct {
	*http.ServeMux
	log pathLogger
}

func NewNormalizedServeMux(log pathLogger) *NormalizedServeMux {
	return &NormalizedServeMux{ServeMux: http.NewServeMux(), log: log}
}

func (nm *NormalizedServeMux) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if strings.Contains(r.URL.Path, "//") {
		normalized := path.Clean(r.URL.Path)
		if nm.log != nil {
			nm.log.Debugf("routing: normalized path %q to %q", r.URL.Path, normalized)
		}
		r.URL.Path = normalized
	}

	nm.ServeMux.ServeHTTP(w, r)
}
