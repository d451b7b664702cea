package delivery

import (
	"sort"
	"strings"
)

// Route overrides DNS for a destination domain. The domain "*" matches any
// domain without a more specific route (a smarthost).
type Route struct {
	Domain   string `toml:"domain" json:"domain"`
	Host     string `toml:"host" json:"host"`
	Port     int    `toml:"port" json:"port"`
	Priority int    `toml:"priority" json:"priority"`
}

// Router holds static route overrides, keyed by domain.
type Router struct {
	routes map[string][]Endpoint
}

// NewRouter builds a router from route overrides.
func NewRouter(routes []Route) *Router {
	r := &Router{routes: make(map[string][]Endpoint)}
	for _, rt := range routes {
		r.AddRoute(rt)
	}
	return r
}

// AddRoute adds an endpoint for a domain.
func (r *Router) AddRoute(rt Route) {
	domain := strings.ToLower(strings.TrimSuffix(rt.Domain, "."))
	eps := append(r.routes[domain], Endpoint{Host: rt.Host, Port: rt.Port, Priority: rt.Priority})
	sort.SliceStable(eps, func(i, j int) bool { return eps[i].Priority < eps[j].Priority })
	r.routes[domain] = eps
}

// Lookup returns the endpoints configured for a domain, if any.
func (r *Router) Lookup(domain string) ([]Endpoint, bool) {
	if r == nil {
		return nil, false
	}
	eps, ok := r.routes[domain]
	if !ok {
		eps, ok = r.routes["*"]
	}
	if !ok || len(eps) == 0 {
		return nil, false
	}
	return append([]Endpoint(nil), eps...), true
}
