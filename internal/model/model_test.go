package model

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateEndpoint(t *testing.T) {
	cases := []struct {
		name    string
		ep      Endpoint
		wantErr string
	}{
		{"valid", Endpoint{Host: "10.0.0.1", Port: 8080}, ""},
		{"empty host", Endpoint{Host: "", Port: 8080}, "host"},
		{"bad host chars", Endpoint{Host: "host/with/slash", Port: 8080}, "host"},
		{"port zero", Endpoint{Host: "a", Port: 0}, "port"},
		{"port too big", Endpoint{Host: "a", Port: 70000}, "port"},
		{"host too long", Endpoint{Host: strings.Repeat("a", 256), Port: 80}, "host"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := ValidateEndpoint(tc.ep)
			if tc.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tc.wantErr, verr.Field)
		})
	}
}

func TestValidateCluster_DefaultsLBPolicy(t *testing.T) {
	c := Cluster{Name: "payments", Endpoints: []Endpoint{{Host: "10.0.0.1", Port: 80}}}
	require.NoError(t, ValidateCluster(&c, nil))
	assert.Equal(t, DefaultLBPolicy, c.LBPolicy)
}

func TestValidateCluster_RejectsUnknownPolicy(t *testing.T) {
	c := Cluster{
		Name:      "payments",
		Endpoints: []Endpoint{{Host: "10.0.0.1", Port: 80}},
		LBPolicy:  "MAGLEV",
	}
	err := ValidateCluster(&c, nil)
	require.Error(t, err)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "lb_policy", verr.Field)
}

func TestValidateCluster_RejectsPolicyOutsideAvailableSet(t *testing.T) {
	c := Cluster{
		Name:      "payments",
		Endpoints: []Endpoint{{Host: "10.0.0.1", Port: 80}},
		LBPolicy:  LBRingHash,
	}
	err := ValidateCluster(&c, map[LBPolicy]bool{LBRoundRobin: true})
	require.Error(t, err)
}

func TestValidateCluster_RequiresAtLeastOneEndpoint(t *testing.T) {
	c := Cluster{Name: "empty"}
	err := ValidateCluster(&c, nil)
	require.Error(t, err)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "endpoints", verr.Field)
}

func TestValidateCluster_RejectsMixedTLS(t *testing.T) {
	c := Cluster{
		Name: "mixed",
		Endpoints: []Endpoint{
			{Host: "a", Port: 443, TLSEnabled: true},
			{Host: "b", Port: 80, TLSEnabled: false},
		},
	}
	err := ValidateCluster(&c, nil)
	require.Error(t, err)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "endpoints", verr.Field)
}

func TestValidateCluster_RejectsBadName(t *testing.T) {
	c := Cluster{Name: "has a space", Endpoints: []Endpoint{{Host: "a", Port: 80}}}
	err := ValidateCluster(&c, nil)
	require.Error(t, err)
}

func TestValidateRoute_Valid(t *testing.T) {
	r := Route{Path: "/api/v1/widgets", ClusterName: "widgets"}
	assert.NoError(t, ValidateRoute(&r, nil))
}

func TestValidateRoute_RejectsMissingLeadingSlash(t *testing.T) {
	r := Route{Path: "api", ClusterName: "widgets"}
	err := ValidateRoute(&r, nil)
	require.Error(t, err)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "path", verr.Field)
}

func TestValidateRoute_RejectsDotDot(t *testing.T) {
	r := Route{Path: "/api/../etc", ClusterName: "widgets"}
	err := ValidateRoute(&r, nil)
	require.Error(t, err)
}

func TestValidateRoute_RejectsDoubleSlash(t *testing.T) {
	r := Route{Path: "/api//widgets", ClusterName: "widgets"}
	err := ValidateRoute(&r, nil)
	require.Error(t, err)
}

func TestValidateRoute_RejectsBadClusterName(t *testing.T) {
	r := Route{Path: "/api", ClusterName: "bad name!"}
	err := ValidateRoute(&r, nil)
	require.Error(t, err)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "cluster_name", verr.Field)
}

func TestValidateRoute_RejectsUnsupportedMethod(t *testing.T) {
	r := Route{Path: "/api", ClusterName: "widgets", HTTPMethods: []string{"FROTZ"}}
	err := ValidateRoute(&r, map[string]bool{"GET": true, "POST": true})
	require.Error(t, err)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "http_methods", verr.Field)
}

func TestValidateRoute_RejectsTooManyMethods(t *testing.T) {
	methods := make([]string, 11)
	for i := range methods {
		methods[i] = "GET"
	}
	r := Route{Path: "/api", ClusterName: "widgets", HTTPMethods: methods}
	err := ValidateRoute(&r, nil)
	require.Error(t, err)
}

func TestValidateRoute_RejectsOversizedPrefixRewrite(t *testing.T) {
	r := Route{Path: "/api", ClusterName: "widgets", PrefixRewrite: strings.Repeat("a", 101)}
	err := ValidateRoute(&r, nil)
	require.Error(t, err)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "prefix_rewrite", verr.Field)
}
