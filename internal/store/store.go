// Package store is the authoritative, thread-safe home of clusters and
// routes. It maintains a monotonic global version and publishes a
// coalescing change notification on every mutation.
package store

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/xdscp/xdscp/internal/model"
)

// ErrNotFound is returned by get/delete/patch operations on a missing key.
var ErrNotFound = errors.New("not found")

// ErrConflict is returned by PutCluster when called in create-only mode
// (the admin POST handler) against an existing name.
var ErrConflict = errors.New("already exists")

// CascadePolicy governs what happens to routes referencing a cluster being
// deleted.
type CascadePolicy string

const (
	CascadeAllow      CascadePolicy = "allow"       // delete the cluster, leave dangling routes (default)
	CascadeDropRoutes CascadePolicy = "drop_routes"
	CascadeReject     CascadePolicy = "reject"
)

// state is an immutable snapshot of the store's content. Mutations build a
// new state and atomically swap the pointer — readers never observe a
// partially-applied write. clusterOrder/routeOrder travel inside state
// itself (not as separate Store fields) so that a reader taking a snapshot
// never pairs one state's clusters/routes/version with another state's
// ordering.
type state struct {
	clusters map[string]*model.Cluster
	routes   map[string]*model.Route
	version  uint64

	clusterOrder []string
	routeOrder   []string
}

func emptyState() *state {
	return &state{
		clusters: make(map[string]*model.Cluster),
		routes:   make(map[string]*model.Route),
		version:  0,
	}
}

// Snapshot is a consistent, read-only view of the store at a point in time.
type Snapshot struct {
	Clusters []*model.Cluster
	Routes   []*model.Route
	Version  uint64
}

// Store holds clusters and routes behind a copy-on-write pointer, plus the
// set of active subscribers to notify on change.
type Store struct {
	ptr atomic.Pointer[state]

	writeMu sync.Mutex // serializes writers; never held across a suspension point

	cascade CascadePolicy

	availablePolicies map[model.LBPolicy]bool
	supportedMethods  map[string]bool

	subMu sync.Mutex
	subs  map[*Watch]struct{}
}

// New creates an empty Store. availablePolicies/supportedMethods may be nil
// to accept any value recognized by the model package.
func New(cascade CascadePolicy, availablePolicies map[model.LBPolicy]bool, supportedMethods map[string]bool) *Store {
	s := &Store{
		cascade:           cascade,
		availablePolicies: availablePolicies,
		supportedMethods:  supportedMethods,
		subs:              make(map[*Watch]struct{}),
	}
	s.ptr.Store(emptyState())
	return s
}

func (s *Store) load() *state {
	return s.ptr.Load()
}

// clone produces a shallow copy of the current state's maps plus the
// ordering slices, ready for a single mutation and a version bump. The
// ordering slices are copied into fresh backing arrays so that appending to
// the clone's order never aliases the array a concurrent reader of the
// still-published state might be iterating.
func (st *state) clone() *state {
	clusters := make(map[string]*model.Cluster, len(st.clusters))
	for k, v := range st.clusters {
		clusters[k] = v
	}
	routes := make(map[string]*model.Route, len(st.routes))
	for k, v := range st.routes {
		routes[k] = v
	}
	clusterOrder := make([]string, len(st.clusterOrder))
	copy(clusterOrder, st.clusterOrder)
	routeOrder := make([]string, len(st.routeOrder))
	copy(routeOrder, st.routeOrder)
	return &state{
		clusters:     clusters,
		routes:       routes,
		version:      st.version,
		clusterOrder: clusterOrder,
		routeOrder:   routeOrder,
	}
}

// commit installs next as the current state, bumps its version, and
// publishes the change to all subscribers. Must be called while holding
// writeMu.
func (s *Store) commit(next *state) uint64 {
	next.version = s.load().version + 1
	s.ptr.Store(next)
	s.publish(next.version)
	return next.version
}

// --- Clusters ---

// PutCluster inserts or replaces a cluster by name. If createOnly is true
// (the REST POST path) an existing name is a conflict, not a replace.
func (s *Store) PutCluster(c model.Cluster, createOnly bool) error {
	if err := model.ValidateCluster(&c, s.availablePolicies); err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	cur := s.load()
	if createOnly {
		if _, exists := cur.clusters[c.Name]; exists {
			return fmt.Errorf("cluster %q: %w", c.Name, ErrConflict)
		}
	}

	next := cur.clone()
	if _, exists := next.clusters[c.Name]; !exists {
		next.clusterOrder = append(next.clusterOrder, c.Name)
	}
	stored := c
	next.clusters[c.Name] = &stored
	s.commit(next)
	return nil
}

// ClusterPatch applies a partial update to an existing cluster via the REST
// PUT /clusters/{name} path. Only non-nil fields are overwritten.
type ClusterPatch struct {
	Endpoints *[]model.Endpoint
	LBPolicy  *model.LBPolicy
}

// PatchCluster applies patch to the named cluster and re-validates the
// result as a whole.
func (s *Store) PatchCluster(name string, patch ClusterPatch) (model.Cluster, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	cur := s.load()
	existing, ok := cur.clusters[name]
	if !ok {
		return model.Cluster{}, fmt.Errorf("cluster %q: %w", name, ErrNotFound)
	}

	updated := *existing
	if patch.Endpoints != nil {
		updated.Endpoints = *patch.Endpoints
	}
	if patch.LBPolicy != nil {
		updated.LBPolicy = *patch.LBPolicy
	}

	if err := model.ValidateCluster(&updated, s.availablePolicies); err != nil {
		return model.Cluster{}, err
	}

	next := cur.clone()
	next.clusters[name] = &updated
	s.commit(next)
	return updated, nil
}

// GetCluster returns a copy of the named cluster.
func (s *Store) GetCluster(name string) (model.Cluster, error) {
	cur := s.load()
	c, ok := cur.clusters[name]
	if !ok {
		return model.Cluster{}, fmt.Errorf("cluster %q: %w", name, ErrNotFound)
	}
	return *c, nil
}

// ListClusters returns all clusters in insertion order.
func (s *Store) ListClusters() []model.Cluster {
	cur := s.load()
	out := make([]model.Cluster, 0, len(cur.clusters))
	for _, name := range cur.clusterOrder {
		if c, ok := cur.clusters[name]; ok {
			out = append(out, *c)
		}
	}
	return out
}

// DeleteCluster removes a cluster by name. Routes referencing it are left
// in place, dropped, or the delete is rejected, per the store's configured
// CascadePolicy.
func (s *Store) DeleteCluster(name string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	cur := s.load()
	if _, ok := cur.clusters[name]; !ok {
		return fmt.Errorf("cluster %q: %w", name, ErrNotFound)
	}

	if s.cascade == CascadeReject {
		for _, r := range cur.routes {
			if r.ClusterName == name {
				return fmt.Errorf("cluster %q: %w: route %q still references it", name, ErrConflict, r.ID)
			}
		}
	}

	next := cur.clone()
	delete(next.clusters, name)
	next.clusterOrder = removeString(next.clusterOrder, name)

	if s.cascade == CascadeDropRoutes {
		for id, r := range next.routes {
			if r.ClusterName == name {
				delete(next.routes, id)
				next.routeOrder = removeString(next.routeOrder, id)
			}
		}
	}

	s.commit(next)
	return nil
}

// --- Routes ---

// CreateRoute assigns a fresh ID and inserts the route.
func (s *Store) CreateRoute(r model.Route) (model.Route, error) {
	r.ID = uuid.NewString()
	if err := s.PutRoute(r); err != nil {
		return model.Route{}, err
	}
	return r, nil
}

// PutRoute inserts or replaces a route by ID (ID must already be set).
func (s *Store) PutRoute(r model.Route) error {
	if r.ID == "" {
		return &model.ValidationError{Field: "id", Message: "must not be empty"}
	}
	if err := model.ValidateRoute(&r, s.supportedMethods); err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	next := s.load().clone()
	if _, exists := next.routes[r.ID]; !exists {
		next.routeOrder = append(next.routeOrder, r.ID)
	}
	stored := r
	next.routes[r.ID] = &stored
	s.commit(next)
	return nil
}

// RoutePatch is a partial update that PatchRoute applies to an existing
// route. Only non-nil fields are overwritten.
type RoutePatch struct {
	Path          *string
	ClusterName   *string
	PrefixRewrite *string
	HTTPMethods   *[]string
}

func (s *Store) PatchRoute(id string, patch RoutePatch) (model.Route, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	cur := s.load()
	existing, ok := cur.routes[id]
	if !ok {
		return model.Route{}, fmt.Errorf("route %q: %w", id, ErrNotFound)
	}

	updated := *existing
	if patch.Path != nil {
		updated.Path = *patch.Path
	}
	if patch.ClusterName != nil {
		updated.ClusterName = *patch.ClusterName
	}
	if patch.PrefixRewrite != nil {
		updated.PrefixRewrite = *patch.PrefixRewrite
	}
	if patch.HTTPMethods != nil {
		updated.HTTPMethods = *patch.HTTPMethods
	}

	if err := model.ValidateRoute(&updated, s.supportedMethods); err != nil {
		return model.Route{}, err
	}

	next := cur.clone()
	next.routes[id] = &updated
	s.commit(next)
	return updated, nil
}

// GetRoute returns a copy of the route by ID.
func (s *Store) GetRoute(id string) (model.Route, error) {
	cur := s.load()
	r, ok := cur.routes[id]
	if !ok {
		return model.Route{}, fmt.Errorf("route %q: %w", id, ErrNotFound)
	}
	return *r, nil
}

// ListRoutes returns all routes in insertion order.
func (s *Store) ListRoutes() []model.Route {
	cur := s.load()
	out := make([]model.Route, 0, len(cur.routes))
	for _, id := range cur.routeOrder {
		if r, ok := cur.routes[id]; ok {
			out = append(out, *r)
		}
	}
	return out
}

// DeleteRoute removes a route by ID.
func (s *Store) DeleteRoute(id string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	cur := s.load()
	if _, ok := cur.routes[id]; !ok {
		return fmt.Errorf("route %q: %w", id, ErrNotFound)
	}

	next := cur.clone()
	delete(next.routes, id)
	next.routeOrder = removeString(next.routeOrder, id)
	s.commit(next)
	return nil
}

// --- Snapshot & subscription ---

// TakeSnapshot returns a consistent view of all clusters and routes, paired
// with the version at which it was read. cur is one atomically-loaded
// state — clusters, routes, version, and the two ordering slices all come
// from the same pointer load, so the result always corresponds to exactly
// one committed write, never a mix of two.
func (s *Store) TakeSnapshot() Snapshot {
	cur := s.load()
	clusters := make([]*model.Cluster, 0, len(cur.clusters))
	for _, name := range cur.clusterOrder {
		if c, ok := cur.clusters[name]; ok {
			cc := *c
			clusters = append(clusters, &cc)
		}
	}
	routes := make([]*model.Route, 0, len(cur.routes))
	for _, id := range cur.routeOrder {
		if r, ok := cur.routes[id]; ok {
			rr := *r
			routes = append(routes, &rr)
		}
	}
	return Snapshot{Clusters: clusters, Routes: routes, Version: cur.version}
}

// Watch is a single-slot, overwrite-on-full notification channel: a slow
// subscriber only ever observes the latest version, never a backlog of
// every intermediate mutation.
type Watch struct {
	ch chan uint64
}

// C returns the channel to select on. Each receive yields the current
// global version at the time of the most recent mutation the subscriber
// hadn't yet observed.
func (w *Watch) C() <-chan uint64 {
	return w.ch
}

// Subscribe registers a new Watch. Call Unsubscribe when the caller (a
// stream session) is done to release the slot.
func (s *Store) Subscribe() *Watch {
	w := &Watch{ch: make(chan uint64, 1)}
	s.subMu.Lock()
	s.subs[w] = struct{}{}
	s.subMu.Unlock()
	return w
}

// Unsubscribe removes a Watch. Safe to call more than once.
func (s *Store) Unsubscribe(w *Watch) {
	s.subMu.Lock()
	delete(s.subs, w)
	s.subMu.Unlock()
}

// publish notifies every active subscriber of the new version, overwriting
// any version that subscriber had not yet consumed. Never blocks.
func (s *Store) publish(version uint64) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for w := range s.subs {
		select {
		case w.ch <- version:
		default:
			// Drain the stale value and replace it — the subscriber only
			// ever needs the latest version (coalescing).
			select {
			case <-w.ch:
			default:
			}
			select {
			case w.ch <- version:
			default:
			}
		}
	}
}

func removeString(ss []string, target string) []string {
	out := ss[:0]
	for _, s := range ss {
		if s != target {
			out = append(out, s)
		}
	}
	return out
}
