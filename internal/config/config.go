// Package config loads and validates the control plane configuration from a
// single YAML document, with environment variable overrides and sane
// defaults so the binary still runs out of the box for local development
// without a config file.
package config

import (
	"fmt"
	"net"
	"strings"

	"github.com/spf13/viper"

	"github.com/xdscp/xdscp/internal/model"
)

type ServerConfig struct {
	RestPort      int    `mapstructure:"rest_port"`
	XDSPort       int    `mapstructure:"xds_port"`
	Host          string `mapstructure:"host"`
	CascadeOnDelete string `mapstructure:"cascade_on_delete"`
}

type LoggingConfig struct {
	Level string `mapstructure:"level"`
}

type LoadBalancingConfig struct {
	AvailablePolicies []string `mapstructure:"available_policies"`
	DefaultPolicy     string   `mapstructure:"default_policy"`
}

type HTTPMethodsConfig struct {
	SupportedMethods []string `mapstructure:"supported_methods"`
}

type EnvoyGenerationConfig struct {
	AdminAddress          string `mapstructure:"admin_address"`
	AdminPort             int    `mapstructure:"admin_port"`
	ListenerPort          int    `mapstructure:"listener_port"`
	ConnectTimeoutSeconds int    `mapstructure:"connect_timeout_seconds"`
	DiscoveryType         string `mapstructure:"discovery_type"`
	DNSLookupFamily       string `mapstructure:"dns_lookup_family"`
	DefaultProtocol       string `mapstructure:"default_protocol"`
	RouteConfigName       string `mapstructure:"route_config_name"`
	VirtualHostName       string `mapstructure:"virtual_host_name"`
	BootstrapNodeID       string `mapstructure:"bootstrap_node_id"`
	BootstrapClusterName  string `mapstructure:"bootstrap_cluster_name"`
	HCMStatPrefix         string `mapstructure:"hcm_stat_prefix"`
	HCMFilterName         string `mapstructure:"hcm_filter_name"`
}

type TLSConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	CertPath string `mapstructure:"cert_path"`
	KeyPath  string `mapstructure:"key_path"`
}

// Config holds all runtime configuration for the control plane. Values are
// loaded once at startup via Load and then treated as immutable.
type Config struct {
	Server          ServerConfig          `mapstructure:"server"`
	Logging         LoggingConfig         `mapstructure:"logging"`
	LoadBalancing   LoadBalancingConfig   `mapstructure:"load_balancing"`
	HTTPMethods     HTTPMethodsConfig     `mapstructure:"http_methods"`
	EnvoyGeneration EnvoyGenerationConfig `mapstructure:"envoy_generation"`
	TLS             TLSConfig             `mapstructure:"tls"`
}

// RestAddr / XDSAddr are the bind addresses the two servers listen on.
func (c *Config) RestAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.RestPort)
}

func (c *Config) XDSAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.XDSPort)
}

// AvailablePoliciesSet/SupportedMethodsSet adapt the config's string lists
// into the lookup sets the model and store packages validate against.
func (c *Config) AvailablePoliciesSet() map[model.LBPolicy]bool {
	out := make(map[model.LBPolicy]bool, len(c.LoadBalancing.AvailablePolicies))
	for _, p := range c.LoadBalancing.AvailablePolicies {
		out[model.LBPolicy(p)] = true
	}
	return out
}

func (c *Config) SupportedMethodsSet() map[string]bool {
	out := make(map[string]bool, len(c.HTTPMethods.SupportedMethods))
	for _, m := range c.HTTPMethods.SupportedMethods {
		out[m] = true
	}
	return out
}

// Load reads the config document (defaults, overlaid by the file at
// configPath if it is non-empty, then by environment overrides prefixed
// XDSCP_, e.g. XDSCP_SERVER_REST_PORT) and validates the result. Validation failure is
// fail-fast: the caller should log and os.Exit(1).
func Load(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	setDefaults(v)

	v.SetEnvPrefix("XDSCP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config %q: %w", configPath, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.rest_port", 8080)
	v.SetDefault("server.xds_port", 9090)
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.cascade_on_delete", "allow")

	v.SetDefault("logging.level", "info")

	v.SetDefault("load_balancing.available_policies", []string{"ROUND_ROBIN", "LEAST_REQUEST", "RANDOM", "RING_HASH"})
	v.SetDefault("load_balancing.default_policy", "ROUND_ROBIN")

	v.SetDefault("http_methods.supported_methods", []string{
		"GET", "POST", "PUT", "DELETE", "PATCH", "HEAD", "OPTIONS", "TRACE", "CONNECT",
	})

	v.SetDefault("envoy_generation.admin_address", "127.0.0.1")
	v.SetDefault("envoy_generation.admin_port", 9901)
	v.SetDefault("envoy_generation.listener_port", 10000)
	v.SetDefault("envoy_generation.connect_timeout_seconds", 5)
	v.SetDefault("envoy_generation.discovery_type", "STRICT_DNS")
	v.SetDefault("envoy_generation.dns_lookup_family", "V4_ONLY")
	v.SetDefault("envoy_generation.default_protocol", "HTTP1")
	v.SetDefault("envoy_generation.route_config_name", "local_route")
	v.SetDefault("envoy_generation.virtual_host_name", "local_service")
	v.SetDefault("envoy_generation.bootstrap_node_id", "xdscp-proxy")
	v.SetDefault("envoy_generation.bootstrap_cluster_name", "xdscp_xds_cluster")
	v.SetDefault("envoy_generation.hcm_stat_prefix", "ingress_http")
	v.SetDefault("envoy_generation.hcm_filter_name", "envoy.filters.http.router")

	v.SetDefault("tls.enabled", false)
}

func validate(c *Config) error {
	if err := validPort(c.Server.RestPort, "server.rest_port"); err != nil {
		return err
	}
	if err := validPort(c.Server.XDSPort, "server.xds_port"); err != nil {
		return err
	}
	if c.Server.RestPort == c.Server.XDSPort {
		return fmt.Errorf("server.rest_port and server.xds_port must be distinct, both %d", c.Server.RestPort)
	}
	if !hostParseable(c.Server.Host) {
		return fmt.Errorf("server.host %q is not a parseable IPv4 address or hostname", c.Server.Host)
	}
	switch c.Server.CascadeOnDelete {
	case "reject", "drop_routes", "allow":
	default:
		return fmt.Errorf("server.cascade_on_delete must be one of reject, drop_routes, allow, got %q", c.Server.CascadeOnDelete)
	}

	switch c.Logging.Level {
	case "error", "warn", "info", "debug", "trace":
	default:
		return fmt.Errorf("logging.level must be one of error, warn, info, debug, trace, got %q", c.Logging.Level)
	}

	available := make(map[string]bool, len(c.LoadBalancing.AvailablePolicies))
	for _, p := range c.LoadBalancing.AvailablePolicies {
		available[p] = true
	}
	if !available[c.LoadBalancing.DefaultPolicy] {
		return fmt.Errorf("load_balancing.default_policy %q must be a member of available_policies %v", c.LoadBalancing.DefaultPolicy, c.LoadBalancing.AvailablePolicies)
	}

	if c.EnvoyGeneration.ConnectTimeoutSeconds < 1 || c.EnvoyGeneration.ConnectTimeoutSeconds > 300 {
		return fmt.Errorf("envoy_generation.connect_timeout_seconds must be between 1 and 300, got %d", c.EnvoyGeneration.ConnectTimeoutSeconds)
	}
	if err := validPort(c.EnvoyGeneration.ListenerPort, "envoy_generation.listener_port"); err != nil {
		return err
	}
	if err := validPort(c.EnvoyGeneration.AdminPort, "envoy_generation.admin_port"); err != nil {
		return err
	}

	if c.TLS.Enabled {
		if c.TLS.CertPath == "" || c.TLS.KeyPath == "" {
			return fmt.Errorf("tls.cert_path and tls.key_path are required when tls.enabled is true")
		}
	}

	return nil
}

func validPort(p int, field string) error {
	if p < 1 || p > 65535 {
		return fmt.Errorf("%s must be between 1 and 65535, got %d", field, p)
	}
	return nil
}

func hostParseable(host string) bool {
	if host == "" {
		return false
	}
	if ip := net.ParseIP(host); ip != nil {
		return true
	}
	// Not an IP literal: accept it as a hostname if it round-trips through
	// the same validation the model package applies to endpoint hosts.
	if len(host) > 255 {
		return false
	}
	for _, r := range host {
		if !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || r == '.' || r == '-') {
			return false
		}
	}
	return true
}
