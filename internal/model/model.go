// Package model defines the internal, wire-agnostic representation of
// clusters and routes. The xds package projects these into Envoy's
// protobuf resource types; nothing in this package knows about xDS.
package model

import (
	"fmt"
	"regexp"
)

// LBPolicy is the load-balancing policy assigned to a Cluster.
type LBPolicy string

const (
	LBRoundRobin   LBPolicy = "ROUND_ROBIN"
	LBLeastRequest LBPolicy = "LEAST_REQUEST"
	LBRandom       LBPolicy = "RANDOM"
	LBRingHash     LBPolicy = "RING_HASH"
)

// DefaultLBPolicy is used when a Cluster omits lb_policy.
const DefaultLBPolicy = LBRoundRobin

var validLBPolicies = map[LBPolicy]bool{
	LBRoundRobin:   true,
	LBLeastRequest: true,
	LBRandom:       true,
	LBRingHash:     true,
}

// HTTPMethod is one of the methods a Route may restrict itself to.
type HTTPMethod string

// AllHTTPMethods is the full set of methods recognized by default; a
// config-supplied allow-list (http_methods.supported_methods) narrows it.
var AllHTTPMethods = []HTTPMethod{
	"GET", "POST", "PUT", "DELETE", "PATCH", "HEAD", "OPTIONS", "TRACE", "CONNECT",
}

// Endpoint is a single upstream target inside a Cluster. Endpoints have no
// identity of their own — they are value objects owned by their Cluster.
type Endpoint struct {
	Host       string `json:"host"`
	Port       uint32 `json:"port"`
	TLSEnabled bool   `json:"tls_enabled,omitempty"`
}

// Cluster is a named pool of endpoints sharing a load-balancing policy.
type Cluster struct {
	Name      string     `json:"name"`
	Endpoints []Endpoint `json:"endpoints"`
	LBPolicy  LBPolicy   `json:"lb_policy,omitempty"`
}

// Route is a single HTTP prefix-match forwarding rule.
type Route struct {
	ID            string   `json:"id"`
	Path          string   `json:"path"`
	ClusterName   string   `json:"cluster_name"`
	PrefixRewrite string   `json:"prefix_rewrite,omitempty"`
	HTTPMethods   []string `json:"http_methods,omitempty"`
}

var (
	clusterNameRE = regexp.MustCompile(`^[A-Za-z0-9_.-]{1,50}$`)
	hostRE        = regexp.MustCompile(`^[A-Za-z0-9.-]{1,255}$`)
	pathRE        = regexp.MustCompile(`^/[A-Za-z0-9/_.\-~%]*$`)
)

// ValidationError reports a single field-level validation failure. Admin
// handlers map it to HTTP 400 with the message verbatim.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func invalid(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// ValidateEndpoint checks a single Endpoint's host and port.
func ValidateEndpoint(e Endpoint) error {
	if e.Host == "" {
		return invalid("host", "must not be empty")
	}
	if len(e.Host) > 255 {
		return invalid("host", "must be at most 255 characters")
	}
	if !hostRE.MatchString(e.Host) {
		return invalid("host", "must match [A-Za-z0-9.-]+")
	}
	if e.Port < 1 || e.Port > 65535 {
		return invalid("port", "must be between 1 and 65535")
	}
	return nil
}

// ValidateCluster checks a Cluster's name, endpoints, and lb_policy,
// applying the default lb_policy when omitted. availablePolicies, when
// non-nil, narrows the accepted lb_policy values to the configured
// allow-list.
func ValidateCluster(c *Cluster, availablePolicies map[LBPolicy]bool) error {
	if c.Name == "" {
		return invalid("name", "must not be empty")
	}
	if !clusterNameRE.MatchString(c.Name) {
		return invalid("name", "must match [A-Za-z0-9_.-]+ and be at most 50 characters")
	}
	if len(c.Endpoints) == 0 {
		return invalid("endpoints", "must contain at least one endpoint")
	}
	for i, ep := range c.Endpoints {
		if err := ValidateEndpoint(ep); err != nil {
			return fmt.Errorf("endpoints[%d].%w", i, err)
		}
	}
	if c.LBPolicy == "" {
		c.LBPolicy = DefaultLBPolicy
	} else if !validLBPolicies[c.LBPolicy] {
		return invalid("lb_policy", "must be one of ROUND_ROBIN, LEAST_REQUEST, RANDOM, RING_HASH")
	}
	if availablePolicies != nil && !availablePolicies[c.LBPolicy] {
		return invalid("lb_policy", "%q is not in the configured available_policies", c.LBPolicy)
	}
	// Mixed TLS within one cluster is rejected at validation time: the
	// projector needs a single answer for whether the cluster as a whole
	// carries a transport_socket.
	tlsSeen, plainSeen := false, false
	for _, ep := range c.Endpoints {
		if ep.TLSEnabled {
			tlsSeen = true
		} else {
			plainSeen = true
		}
	}
	if tlsSeen && plainSeen {
		return invalid("endpoints", "tls_enabled must be consistent across all endpoints in a cluster")
	}
	return nil
}

// ValidateRoute checks a Route's path, cluster name, prefix rewrite, and
// http_methods. supportedMethods, when non-nil, narrows http_methods to the
// configured allow-list.
func ValidateRoute(r *Route, supportedMethods map[string]bool) error {
	if r.Path == "" || r.Path[0] != '/' {
		return invalid("path", "must start with /")
	}
	if len(r.Path) > 200 {
		return invalid("path", "must be at most 200 characters")
	}
	if !pathRE.MatchString(r.Path) {
		return invalid("path", "contains characters outside the safe URL set")
	}
	if containsDotDot(r.Path) || containsDoubleSlash(r.Path) {
		return invalid("path", "must not contain .. or //")
	}
	if r.ClusterName == "" {
		return invalid("cluster_name", "must not be empty")
	}
	if !clusterNameRE.MatchString(r.ClusterName) {
		return invalid("cluster_name", "must match [A-Za-z0-9_.-]+ and be at most 50 characters")
	}
	if r.PrefixRewrite != "" && len(r.PrefixRewrite) > 100 {
		return invalid("prefix_rewrite", "must be at most 100 characters")
	}
	if len(r.HTTPMethods) > 10 {
		return invalid("http_methods", "must contain at most 10 entries")
	}
	for _, m := range r.HTTPMethods {
		if supportedMethods != nil && !supportedMethods[m] {
			return invalid("http_methods", "%q is not a supported method", m)
		}
		if supportedMethods == nil {
			known := false
			for _, am := range AllHTTPMethods {
				if HTTPMethod(m) == am {
					known = true
					break
				}
			}
			if !known {
				return invalid("http_methods", "%q is not a supported method", m)
			}
		}
	}
	return nil
}

func containsDotDot(path string) bool {
	for i := 0; i+1 < len(path); i++ {
		if path[i] == '.' && path[i+1] == '.' {
			return true
		}
	}
	return false
}

func containsDoubleSlash(path string) bool {
	for i := 0; i+1 < len(path); i++ {
		if path[i] == '/' && path[i+1] == '/' {
			return true
		}
	}
	return false
}
