// Package xds hand-rolls the aggregated-discovery-service protocol: the
// protobuf projection layer, the per-stream state machine, and the gRPC
// transport. Rather than delegating bookkeeping to go-control-plane's
// cachev3.SnapshotCache, this package keeps only the generated wire types
// and builds the version/nonce/ACK-NACK state machine itself, so that
// bookkeeping stays an explicit, inspectable part of the control plane.
package xds

import (
	"fmt"
	"strings"
	"time"

	cluster "github.com/envoyproxy/go-control-plane/envoy/config/cluster/v3"
	core "github.com/envoyproxy/go-control-plane/envoy/config/core/v3"
	endpoint "github.com/envoyproxy/go-control-plane/envoy/config/endpoint/v3"
	route "github.com/envoyproxy/go-control-plane/envoy/config/route/v3"
	tlstransport "github.com/envoyproxy/go-control-plane/envoy/extensions/transport_sockets/tls/v3"
	matcher "github.com/envoyproxy/go-control-plane/envoy/type/matcher/v3"
	"google.golang.org/protobuf/types/known/anypb"
	"google.golang.org/protobuf/types/known/durationpb"

	"github.com/xdscp/xdscp/internal/model"
	"github.com/xdscp/xdscp/internal/store"
)

// Type URLs must be bit-exact — Envoy keys its resource caches on these
// strings, any deviation is a silent protocol break.
const (
	ClusterTypeURL = "type.googleapis.com/envoy.config.cluster.v3.Cluster"
	CLATypeURL     = "type.googleapis.com/envoy.config.endpoint.v3.ClusterLoadAssignment"
	RouteTypeURL   = "type.googleapis.com/envoy.config.route.v3.RouteConfiguration"
)

// ProjectorConfig carries the envoy_generation.* settings that feed into
// every projected resource.
type ProjectorConfig struct {
	ConnectTimeoutSeconds int
	RouteConfigName       string // default "local_route"
	VirtualHostName       string // default "local_service"
}

// Projector deterministically converts Store snapshots into Envoy's wire
// resource types. It holds no mutable state of its own.
type Projector struct {
	cfg ProjectorConfig
}

func NewProjector(cfg ProjectorConfig) *Projector {
	if cfg.RouteConfigName == "" {
		cfg.RouteConfigName = "local_route"
	}
	if cfg.VirtualHostName == "" {
		cfg.VirtualHostName = "local_service"
	}
	if cfg.ConnectTimeoutSeconds <= 0 {
		cfg.ConnectTimeoutSeconds = 5
	}
	return &Projector{cfg: cfg}
}

// ProjectClusters builds one Cluster resource per stored model.Cluster, each
// wrapped in its type-URL Any envelope.
func (p *Projector) ProjectClusters(snap store.Snapshot) ([]*anypb.Any, error) {
	out := make([]*anypb.Any, 0, len(snap.Clusters))
	for _, c := range snap.Clusters {
		wire, err := p.projectCluster(*c)
		if err != nil {
			return nil, fmt.Errorf("projecting cluster %q: %w", c.Name, err)
		}
		a, err := anypb.New(wire)
		if err != nil {
			return nil, fmt.Errorf("marshaling cluster %q: %w", c.Name, err)
		}
		out = append(out, a)
	}
	return out, nil
}

// ProjectClusterLoadAssignments builds one CLA per stored cluster, wrapped
// in its type-URL Any envelope.
func (p *Projector) ProjectClusterLoadAssignments(snap store.Snapshot) ([]*anypb.Any, error) {
	out := make([]*anypb.Any, 0, len(snap.Clusters))
	for _, c := range snap.Clusters {
		wire := p.projectCLA(*c)
		a, err := anypb.New(wire)
		if err != nil {
			return nil, fmt.Errorf("marshaling CLA %q: %w", c.Name, err)
		}
		out = append(out, a)
	}
	return out, nil
}

// ProjectRouteConfiguration builds the single RouteConfiguration resource,
// containing one virtual host, wrapped in its type-URL Any envelope.
func (p *Projector) ProjectRouteConfiguration(snap store.Snapshot) ([]*anypb.Any, error) {
	wire := p.projectRouteConfig(snap.Routes)
	a, err := anypb.New(wire)
	if err != nil {
		return nil, fmt.Errorf("marshaling route configuration: %w", err)
	}
	return []*anypb.Any{a}, nil
}

func (p *Projector) projectCluster(c model.Cluster) (*cluster.Cluster, error) {
	wire := &cluster.Cluster{
		Name: c.Name,
		ClusterDiscoveryType: &cluster.Cluster_Type{
			Type: cluster.Cluster_STRICT_DNS,
		},
		LbPolicy:       lbPolicyToWire(c.LBPolicy),
		ConnectTimeout: durationpb.New(time.Duration(p.cfg.ConnectTimeoutSeconds) * time.Second),
		LoadAssignment: p.projectCLA(c),
	}

	if len(c.Endpoints) > 0 && c.Endpoints[0].TLSEnabled {
		tlsCtx := &tlstransport.UpstreamTlsContext{
			CommonTlsContext: &tlstransport.CommonTlsContext{},
			Sni:              c.Endpoints[0].Host,
		}
		tlsAny, err := anypb.New(tlsCtx)
		if err != nil {
			return nil, fmt.Errorf("marshaling upstream TLS context: %w", err)
		}
		wire.TransportSocket = &core.TransportSocket{
			Name: "envoy.transport_sockets.tls",
			ConfigType: &core.TransportSocket_TypedConfig{
				TypedConfig: tlsAny,
			},
		}
	}

	return wire, nil
}

func (p *Projector) projectCLA(c model.Cluster) *endpoint.ClusterLoadAssignment {
	lbEndpoints := make([]*endpoint.LbEndpoint, 0, len(c.Endpoints))
	for _, ep := range c.Endpoints {
		lbEndpoints = append(lbEndpoints, &endpoint.LbEndpoint{
			HostIdentifier: &endpoint.LbEndpoint_Endpoint{
				Endpoint: &endpoint.Endpoint{
					Address: socketAddress(ep.Host, ep.Port),
				},
			},
		})
	}
	return &endpoint.ClusterLoadAssignment{
		ClusterName: c.Name,
		Endpoints: []*endpoint.LocalityLbEndpoints{
			{LbEndpoints: lbEndpoints},
		},
	}
}

func (p *Projector) projectRouteConfig(routes []*model.Route) *route.RouteConfiguration {
	wireRoutes := make([]*route.Route, 0, len(routes))
	for _, r := range routes {
		wireRoutes = append(wireRoutes, p.projectRoute(*r))
	}
	return &route.RouteConfiguration{
		Name: p.cfg.RouteConfigName,
		VirtualHosts: []*route.VirtualHost{
			{
				Name:    p.cfg.VirtualHostName,
				Domains: []string{"*"},
				Routes:  wireRoutes,
			},
		},
	}
}

func (p *Projector) projectRoute(r model.Route) *route.Route {
	match := &route.RouteMatch{
		PathSpecifier: &route.RouteMatch_Prefix{Prefix: r.Path},
	}
	if len(r.HTTPMethods) > 0 {
		match.Headers = []*route.HeaderMatcher{methodHeaderMatcher(r.HTTPMethods)}
	}

	action := &route.RouteAction{
		ClusterSpecifier: &route.RouteAction_Cluster{Cluster: r.ClusterName},
	}
	if r.PrefixRewrite != "" {
		action.PrefixRewrite = r.PrefixRewrite
	}

	return &route.Route{
		Match:  match,
		Action: &route.Route_Route{Route: action},
	}
}

// methodHeaderMatcher encodes http_methods as a single :method header
// matcher over a safe_regex alternation — one route entry per stored
// route, equivalent proxy behavior to emitting one route per method.
func methodHeaderMatcher(methods []string) *route.HeaderMatcher {
	alternation := "^(" + strings.Join(methods, "|") + ")$"
	return &route.HeaderMatcher{
		Name: ":method",
		HeaderMatchSpecifier: &route.HeaderMatcher_StringMatch{
			StringMatch: &matcher.StringMatcher{
				MatchPattern: &matcher.StringMatcher_SafeRegex{
					SafeRegex: &matcher.RegexMatcher{Regex: alternation},
				},
			},
		},
	}
}

func socketAddress(host string, port uint32) *core.Address {
	return &core.Address{
		Address: &core.Address_SocketAddress{
			SocketAddress: &core.SocketAddress{
				Protocol: core.SocketAddress_TCP,
				Address:  host,
				PortSpecifier: &core.SocketAddress_PortValue{
					PortValue: port,
				},
			},
		},
	}
}

func lbPolicyToWire(p model.LBPolicy) cluster.Cluster_LbPolicy {
	switch p {
	case model.LBLeastRequest:
		return cluster.Cluster_LEAST_REQUEST
	case model.LBRandom:
		return cluster.Cluster_RANDOM
	case model.LBRingHash:
		return cluster.Cluster_RING_HASH
	default:
		return cluster.Cluster_ROUND_ROBIN
	}
}
