package docker

import (
	"testing"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/network"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClusterNameFrom_PrefersExplicitLabel(t *testing.T) {
	labels := map[string]string{labelCluster: "payments", labelComposeSvc: "web"}
	assert.Equal(t, "payments", clusterNameFrom(labels))
}

func TestClusterNameFrom_FallsBackToComposeService(t *testing.T) {
	labels := map[string]string{labelComposeSvc: "web"}
	assert.Equal(t, "web", clusterNameFrom(labels))
}

func TestClusterNameFrom_EmptyWhenNeitherSet(t *testing.T) {
	assert.Equal(t, "", clusterNameFrom(map[string]string{}))
}

func TestContainerIP_PrefersMeshNetwork(t *testing.T) {
	info := types.ContainerJSON{
		NetworkSettings: &types.NetworkSettings{
			Networks: map[string]*network.EndpointSettings{
				"compose_default": {IPAddress: "172.18.0.2"},
				"xdscp_mesh":      {IPAddress: "10.1.0.5"},
			},
		},
	}
	ip, err := containerIP(info)
	require.NoError(t, err)
	assert.Equal(t, "10.1.0.5", ip)
}

func TestContainerIP_FallsBackToFirstAvailable(t *testing.T) {
	info := types.ContainerJSON{
		NetworkSettings: &types.NetworkSettings{
			Networks: map[string]*network.EndpointSettings{
				"compose_default": {IPAddress: "172.18.0.2"},
			},
		},
	}
	ip, err := containerIP(info)
	require.NoError(t, err)
	assert.Equal(t, "172.18.0.2", ip)
}

func TestContainerIP_ErrorsWithoutNetworks(t *testing.T) {
	info := types.ContainerJSON{
		NetworkSettings: &types.NetworkSettings{Networks: map[string]*network.EndpointSettings{}},
	}
	_, err := containerIP(info)
	require.Error(t, err)
}

func TestShortID(t *testing.T) {
	assert.Equal(t, "abcdefabcdef", shortID("abcdefabcdef1234567890"))
	assert.Equal(t, "short", shortID("short"))
}
