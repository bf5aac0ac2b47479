// Package docker implements automatic cluster discovery via the Docker
// socket, supplementing the admin API's explicit CRUD with label-driven
// registration: containers opt in with a few well-known labels instead of
// a client calling the REST API directly.
//
// The Watcher subscribes to the Docker event stream and translates
// container lifecycle events into Store mutations: a labeled container
// becomes an Endpoint inside a named Cluster, created on demand, through
// the exact same Store.PutCluster/PatchCluster path the admin API uses —
// so a discovered container and an operator-entered cluster are
// indistinguishable to the xDS projector.
//
// Label reference (add to any docker-compose.yml service):
//
//	xdscp.enable:    "true"       # required — opt this container in
//	xdscp.cluster:   "payments"   # optional — cluster to join; defaults to the Compose service name, then the container name
//	xdscp.port:      "8080"       # required — port the app listens on
//	xdscp.lb_policy: "ROUND_ROBIN" # optional — cluster-level, first writer wins
package docker

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/events"
	"github.com/docker/docker/api/types/filters"
	dockerclient "github.com/docker/docker/client"

	"github.com/xdscp/xdscp/internal/model"
	"github.com/xdscp/xdscp/internal/store"
)

// Label keys the watcher looks for on containers.
const (
	labelEnable   = "xdscp.enable"
	labelCluster  = "xdscp.cluster"
	labelPort     = "xdscp.port"
	labelLBPolicy = "xdscp.lb_policy"

	// Docker Compose sets this automatically on every container it manages.
	// Used as a fallback cluster name when xdscp.cluster is absent.
	labelComposeSvc = "com.docker.compose.service"
)

// Watcher watches the Docker socket and keeps the Store's clusters in sync
// with running containers that carry the appropriate labels.
type Watcher struct {
	client *dockerclient.Client
	store  *store.Store
	log    *slog.Logger
}

// NewWatcher creates a Watcher connected to the local Docker daemon.
// Reads DOCKER_HOST / DOCKER_CERT_PATH / DOCKER_TLS_VERIFY from the
// environment, with automatic API version negotiation so it works across
// daemon versions.
func NewWatcher(st *store.Store, log *slog.Logger) (*Watcher, error) {
	cli, err := dockerclient.NewClientWithOpts(
		dockerclient.FromEnv,
		dockerclient.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to Docker daemon: %w", err)
	}
	return &Watcher{client: cli, store: st, log: log}, nil
}

// Run starts the watcher. It first syncs already-running containers, then
// listens for new events until ctx is canceled.
//
// Call this in a goroutine alongside the xDS and admin HTTP servers.
func (w *Watcher) Run(ctx context.Context) error {
	w.log.Info("docker watcher starting")

	// Sync containers that were already running when we started. Handles
	// control plane restarts: existing containers are re-registered
	// without waiting for a container start event.
	if err := w.syncExisting(ctx); err != nil {
		w.log.Warn("initial container sync failed", "error", err)
	}

	f := filters.NewArgs()
	f.Add("type", string(events.ContainerEventType))

	eventCh, errCh := w.client.Events(ctx, events.ListOptions{Filters: f})

	for {
		select {
		case <-ctx.Done():
			w.log.Info("docker watcher stopped")
			return nil
		case err := <-errCh:
			if ctx.Err() != nil {
				return nil // normal shutdown
			}
			return fmt.Errorf("docker event stream: %w", err)
		case event := <-eventCh:
			w.handleEvent(ctx, event)
		}
	}
}

// syncExisting registers all currently running containers with xdscp labels.
func (w *Watcher) syncExisting(ctx context.Context) error {
	containers, err := w.client.ContainerList(ctx, container.ListOptions{})
	if err != nil {
		return fmt.Errorf("listing containers: %w", err)
	}

	registered := 0
	for _, c := range containers {
		if c.Labels[labelEnable] != "true" {
			continue
		}
		if err := w.registerByID(ctx, c.ID); err != nil {
			w.log.Warn("skipping container during sync",
				"id", shortID(c.ID),
				"error", err,
			)
			continue
		}
		registered++
	}

	w.log.Info("initial sync complete",
		"scanned", len(containers),
		"registered", registered,
	)
	return nil
}

// handleEvent processes a single Docker container event.
func (w *Watcher) handleEvent(ctx context.Context, event events.Message) {
	switch event.Action {
	case events.ActionStart:
		if err := w.registerByID(ctx, event.Actor.ID); err != nil {
			w.log.Warn("failed to register container on start",
				"id", shortID(event.Actor.ID),
				"error", err,
			)
		}

	case events.ActionStop, events.ActionDie, events.ActionKill:
		// The container may already be gone by the time we handle this
		// event, so we use the event actor attributes (set at event time,
		// always available) rather than inspecting the possibly-gone
		// container.
		attrs := event.Actor.Attributes
		if attrs[labelEnable] != "true" {
			return
		}
		clusterName := clusterNameFrom(attrs)
		portStr := attrs[labelPort]
		if clusterName == "" || portStr == "" {
			return
		}
		if err := w.unregister(clusterName, portStr); err != nil {
			w.log.Debug("container endpoint not in store on stop", "cluster", clusterName)
		} else {
			w.log.Info("docker: endpoint removed", "cluster", clusterName, "action", string(event.Action))
		}
	}
}

// registerByID inspects a container by ID, validates its labels, resolves
// its IP address, and upserts it as an Endpoint of the named Cluster.
func (w *Watcher) registerByID(ctx context.Context, id string) error {
	info, err := w.client.ContainerInspect(ctx, id)
	if err != nil {
		return fmt.Errorf("inspecting %s: %w", shortID(id), err)
	}

	labels := info.Config.Labels
	if labels[labelEnable] != "true" {
		return nil // not opted in
	}

	clusterName := clusterNameFrom(labels)
	if clusterName == "" {
		clusterName = strings.TrimPrefix(info.Name, "/")
	}

	portStr := labels[labelPort]
	if portStr == "" {
		return fmt.Errorf("missing required label %q", labelPort)
	}
	port, err := strconv.ParseUint(portStr, 10, 32)
	if err != nil {
		return fmt.Errorf("invalid label %q=%q: %w", labelPort, portStr, err)
	}

	// The actual container IP is used rather than the Docker DNS name
	// because IPs are unambiguous across compose projects with identical
	// service names, and STRICT_DNS clusters resolve names at a different
	// layer than this control plane's own bookkeeping.
	ip, err := containerIP(info)
	if err != nil {
		return fmt.Errorf("resolving IP for %s: %w", shortID(id), err)
	}

	endpoint := model.Endpoint{Host: ip, Port: uint32(port)}

	if err := w.upsertEndpoint(clusterName, endpoint, labels[labelLBPolicy]); err != nil {
		return fmt.Errorf("registering %q into cluster %q: %w", shortID(id), clusterName, err)
	}
	w.log.Info("docker: endpoint registered", "cluster", clusterName, "endpoint", endpoint.Host, "port", endpoint.Port)
	return nil
}

// upsertEndpoint adds endpoint to the named cluster, creating the cluster
// if it doesn't exist yet, via the same Store paths the admin API uses.
func (w *Watcher) upsertEndpoint(clusterName string, endpoint model.Endpoint, lbPolicy string) error {
	existing, err := w.store.GetCluster(clusterName)
	if err != nil {
		c := model.Cluster{
			Name:      clusterName,
			Endpoints: []model.Endpoint{endpoint},
		}
		if lbPolicy != "" {
			c.LBPolicy = model.LBPolicy(lbPolicy)
		}
		return w.store.PutCluster(c, false)
	}

	for _, e := range existing.Endpoints {
		if e.Host == endpoint.Host && e.Port == endpoint.Port {
			return nil // already registered
		}
	}
	endpoints := append(append([]model.Endpoint{}, existing.Endpoints...), endpoint)
	_, err = w.store.PatchCluster(clusterName, store.ClusterPatch{Endpoints: &endpoints})
	return err
}

// unregister removes the endpoint matching portStr from the named
// cluster. The IP is not known at stop time without a live inspect, so
// every endpoint on that port is removed — sufficient for the
// one-container-per-service-per-host topology this watcher targets.
func (w *Watcher) unregister(clusterName, portStr string) error {
	port, err := strconv.ParseUint(portStr, 10, 32)
	if err != nil {
		return fmt.Errorf("invalid label %q=%q: %w", labelPort, portStr, err)
	}

	existing, err := w.store.GetCluster(clusterName)
	if err != nil {
		return err
	}

	remaining := make([]model.Endpoint, 0, len(existing.Endpoints))
	for _, e := range existing.Endpoints {
		if e.Port != uint32(port) {
			remaining = append(remaining, e)
		}
	}
	if len(remaining) == len(existing.Endpoints) {
		return store.ErrNotFound
	}
	if len(remaining) == 0 {
		return w.store.DeleteCluster(clusterName)
	}
	_, err = w.store.PatchCluster(clusterName, store.ClusterPatch{Endpoints: &remaining})
	return err
}

// containerIP returns the IP address of a container, choosing the best
// network.
//
// Selection order:
//  1. Any network whose name contains "xdscp" (the dedicated mesh network).
//  2. The first network with a non-empty IP address (compose project network).
func containerIP(info types.ContainerJSON) (string, error) {
	networks := info.NetworkSettings.Networks
	if len(networks) == 0 {
		return "", fmt.Errorf("container has no attached networks")
	}

	for name, net := range networks {
		if strings.Contains(strings.ToLower(name), "xdscp") && net.IPAddress != "" {
			return net.IPAddress, nil
		}
	}

	for _, net := range networks {
		if net.IPAddress != "" {
			return net.IPAddress, nil
		}
	}

	return "", fmt.Errorf("no IP address found in any attached network")
}

// clusterNameFrom derives a stable cluster name from a label map.
//
//  1. xdscp.cluster (explicit user override — highest priority)
//  2. com.docker.compose.service (auto-set by Compose on every container)
//  3. Empty string — caller falls back to container name
func clusterNameFrom(labels map[string]string) string {
	if v := labels[labelCluster]; v != "" {
		return v
	}
	if v := labels[labelComposeSvc]; v != "" {
		return v
	}
	return ""
}

// shortID returns the first 12 characters of a Docker container ID,
// matching the format used by docker ps and docker logs.
func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
