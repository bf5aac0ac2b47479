// Package bootstrap renders the static bootstrap document a proxy needs to
// find this control plane and subscribe to CDS/RDS over ADS. It is a pure
// function of configuration — no Store state is involved.
package bootstrap

import (
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/xdscp/xdscp/internal/config"
)

// Generator builds bootstrap YAML documents from the envoy_generation.*
// configuration.
type Generator struct {
	cfg     config.EnvoyGenerationConfig
	xdsHost string
	xdsPort int
}

func NewGenerator(cfg config.EnvoyGenerationConfig, xdsHost string, xdsPort int) *Generator {
	return &Generator{cfg: cfg, xdsHost: xdsHost, xdsPort: xdsPort}
}

// document mirrors the subset of Envoy's bootstrap schema this control
// plane needs to emit: a static cluster dialing us, ADS pointed at that
// cluster, CDS/RDS deferred to ADS, and the ingress listener.
type document struct {
	Node           node           `yaml:"node"`
	StaticResources staticResources `yaml:"static_resources"`
	DynamicResources dynamicResources `yaml:"dynamic_resources"`
	Admin          admin          `yaml:"admin"`
}

type node struct {
	ID      string `yaml:"id"`
	Cluster string `yaml:"cluster"`
}

type admin struct {
	AccessLogPath string  `yaml:"access_log_path"`
	Address       address `yaml:"address"`
}

type address struct {
	SocketAddress socketAddress `yaml:"socket_address"`
}

type socketAddress struct {
	Address   string `yaml:"address"`
	PortValue int    `yaml:"port_value"`
}

type staticResources struct {
	Listeners []staticListener `yaml:"listeners,omitempty"`
	Clusters  []staticCluster  `yaml:"clusters"`
}

type staticListener struct {
	Name         string        `yaml:"name"`
	Address      address       `yaml:"address"`
	FilterChains []filterChain `yaml:"filter_chains"`
}

type filterChain struct {
	Filters []filter `yaml:"filters"`
}

type filter struct {
	Name       string         `yaml:"name"`
	TypedConfig map[string]any `yaml:"typed_config"`
}

type staticCluster struct {
	Name                 string         `yaml:"name"`
	ConnectTimeout       string         `yaml:"connect_timeout"`
	Type                 string         `yaml:"type"`
	TypedExtensionProto  map[string]any `yaml:"typed_extension_protocol_options,omitempty"`
	LoadAssignment       loadAssignment `yaml:"load_assignment"`
}

type loadAssignment struct {
	ClusterName string     `yaml:"cluster_name"`
	Endpoints   []locality `yaml:"endpoints"`
}

type locality struct {
	LBEndpoints []lbEndpoint `yaml:"lb_endpoints"`
}

type lbEndpoint struct {
	Endpoint endpointAddr `yaml:"endpoint"`
}

type endpointAddr struct {
	Address address `yaml:"address"`
}

type dynamicResources struct {
	CDSConfig configSource `yaml:"cds_config"`
	ADSConfig configSource `yaml:"ads_config,omitempty"`
}

type configSource struct {
	ADS                *struct{} `yaml:"ads,omitempty"`
	ApiType            string    `yaml:"api_type,omitempty"`
	TransportApiVersion string   `yaml:"transport_api_version,omitempty"`
	GrpcServices       []grpcSvc `yaml:"grpc_services,omitempty"`
}

type grpcSvc struct {
	EnvoyGrpc envoyGrpc `yaml:"envoy_grpc"`
}

type envoyGrpc struct {
	ClusterName string `yaml:"cluster_name"`
}

// Generate renders the bootstrap document for a proxy named proxyName,
// listening on proxyPort for ingress traffic, subscribing to this control
// plane's xDS address via ADS.
func (g *Generator) Generate(proxyName string, proxyPort int) (string, error) {
	nodeID := g.cfg.BootstrapNodeID
	if proxyName != "" {
		nodeID = proxyName
	}

	doc := document{
		Node: node{ID: nodeID, Cluster: g.cfg.BootstrapClusterName},
		Admin: admin{
			AccessLogPath: "/dev/stdout",
			Address: address{SocketAddress: socketAddress{
				Address:   g.cfg.AdminAddress,
				PortValue: g.cfg.AdminPort,
			}},
		},
		StaticResources: staticResources{
			Listeners: g.listeners(proxyPort),
			Clusters: []staticCluster{{
				Name:           "xds_cluster",
				ConnectTimeout: fmt.Sprintf("%ds", g.cfg.ConnectTimeoutSeconds),
				Type:           "STRICT_DNS",
				LoadAssignment: loadAssignment{
					ClusterName: "xds_cluster",
					Endpoints: []locality{{
						LBEndpoints: []lbEndpoint{{
							Endpoint: endpointAddr{Address: address{SocketAddress: socketAddress{
								Address:   g.xdsHost,
								PortValue: g.xdsPort,
							}}},
						}},
					}},
				},
			}},
		},
		DynamicResources: dynamicResources{
			CDSConfig: configSource{ADS: &struct{}{}, ApiType: "GRPC", TransportApiVersion: "V3"},
			ADSConfig: configSource{
				ApiType:             "GRPC",
				TransportApiVersion: "V3",
				GrpcServices: []grpcSvc{{
					EnvoyGrpc: envoyGrpc{ClusterName: "xds_cluster"},
				}},
			},
		},
	}

	out, err := yaml.Marshal(&doc)
	if err != nil {
		return "", fmt.Errorf("marshaling bootstrap document: %w", err)
	}
	return string(out), nil
}

// listeners builds the ingress listener on port (falling back to the
// configured default), with its HTTP connection manager deferring routing
// to RDS over the same ADS cluster.
func (g *Generator) listeners(port int) []staticListener {
	if port <= 0 {
		port = g.cfg.ListenerPort
	}
	return []staticListener{{
		Name: "ingress_listener",
		Address: address{SocketAddress: socketAddress{
			Address:   "0.0.0.0",
			PortValue: port,
		}},
		FilterChains: []filterChain{{
			Filters: []filter{{
				Name: "envoy.filters.network.http_connection_manager",
				TypedConfig: map[string]any{
					"@type":       "type.googleapis.com/envoy.extensions.filters.network.http_connection_manager.v3.HttpConnectionManager",
					"stat_prefix": g.cfg.HCMStatPrefix,
					"rds": map[string]any{
						"route_config_name": g.cfg.RouteConfigName,
						"config_source":     map[string]any{"ads": map[string]any{}},
					},
					"http_filters": []map[string]any{{
						"name": g.cfg.HCMFilterName,
						"typed_config": map[string]any{
							"@type": "type.googleapis.com/envoy.extensions.filters.http.router.v3.Router",
						},
					}},
				},
			}},
		}},
	}}
}
