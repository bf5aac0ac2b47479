package bootstrap

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/xdscp/xdscp/internal/config"
)

func testConfig() config.EnvoyGenerationConfig {
	return config.EnvoyGenerationConfig{
		AdminAddress:          "127.0.0.1",
		AdminPort:             9901,
		ListenerPort:          10000,
		ConnectTimeoutSeconds: 5,
		RouteConfigName:       "local_route",
		VirtualHostName:       "local_service",
		BootstrapNodeID:       "xdscp-proxy",
		BootstrapClusterName:  "xdscp_xds_cluster",
		HCMStatPrefix:         "ingress_http",
		HCMFilterName:         "envoy.filters.http.router",
	}
}

func TestGenerate_ProducesValidYAML(t *testing.T) {
	g := NewGenerator(testConfig(), "control-plane.internal", 9090)
	out, err := g.Generate("", 0)
	require.NoError(t, err)

	var doc map[string]any
	require.NoError(t, yaml.Unmarshal([]byte(out), &doc))
	assert.Contains(t, doc, "node")
	assert.Contains(t, doc, "static_resources")
	assert.Contains(t, doc, "dynamic_resources")
}

func TestGenerate_UsesProxyNameAsNodeID(t *testing.T) {
	g := NewGenerator(testConfig(), "control-plane.internal", 9090)
	out, err := g.Generate("edge-1", 8443)
	require.NoError(t, err)

	var doc struct {
		Node struct {
			ID string `yaml:"id"`
		} `yaml:"node"`
	}
	require.NoError(t, yaml.Unmarshal([]byte(out), &doc))
	assert.Equal(t, "edge-1", doc.Node.ID)
}

func TestGenerate_ListenerPortFallsBackToConfig(t *testing.T) {
	g := NewGenerator(testConfig(), "control-plane.internal", 9090)
	out, err := g.Generate("edge-1", 0)
	require.NoError(t, err)

	var doc struct {
		StaticResources struct {
			Listeners []struct {
				Address struct {
					SocketAddress struct {
						PortValue int `yaml:"port_value"`
					} `yaml:"socket_address"`
				} `yaml:"address"`
			} `yaml:"listeners"`
		} `yaml:"static_resources"`
	}
	require.NoError(t, yaml.Unmarshal([]byte(out), &doc))
	require.Len(t, doc.StaticResources.Listeners, 1)
	assert.Equal(t, 10000, doc.StaticResources.Listeners[0].Address.SocketAddress.PortValue)
}

func TestGenerate_XDSClusterPointsAtControlPlane(t *testing.T) {
	g := NewGenerator(testConfig(), "control-plane.internal", 9090)
	out, err := g.Generate("edge-1", 8443)
	require.NoError(t, err)
	assert.Contains(t, out, "control-plane.internal")
	assert.Contains(t, out, "xdscp_xds_cluster")
}
