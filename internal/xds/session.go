package xds

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"

	discovery "github.com/envoyproxy/go-control-plane/envoy/service/discovery/v3"
	"github.com/google/uuid"
	"google.golang.org/protobuf/types/known/anypb"

	"github.com/xdscp/xdscp/internal/store"
)

// sessionState is the state of the per-(session, type_url) state machine
// that typeState tracks for ACK/NACK and push bookkeeping.
type sessionState int

const (
	unsubscribed sessionState = iota
	initialPending
	inSync
	updatePending
)

type typeState struct {
	state                sessionState
	lastSentVersion      string
	lastOutstandingNonce string
	subscribed           bool
}

// pushOrder is fixed: Clusters, then CLAs, then RouteConfiguration, so that
// a proxy never NACKs a route for a cluster it hasn't learned about yet.
var pushOrder = []string{ClusterTypeURL, CLATypeURL, RouteTypeURL}

// grpcStream is the minimal surface the Session needs from a bidirectional
// xDS stream — satisfied by both the aggregated and single-type service
// stream types go-control-plane generates, so a single-type stream can
// reuse the same session logic restricted to one resource type.
type grpcStream interface {
	Context() context.Context
	Send(*discovery.DiscoveryResponse) error
	Recv() (*discovery.DiscoveryRequest, error)
}

// Session implements the xDS state-of-the-world protocol for one connected
// proxy. watchedTypes restricts it to a subset of pushOrder — an aggregated
// stream watches all three, a single-type CDS/RDS stream watches one.
type Session struct {
	id           uint64
	store        *store.Store
	projector    *Projector
	log          *slog.Logger
	watchedTypes map[string]bool

	mu     sync.Mutex
	types  map[string]*typeState
	closed bool
}

// NewSession creates a Session restricted to watchedTypes.
func NewSession(id uint64, st *store.Store, projector *Projector, log *slog.Logger, watchedTypes []string) *Session {
	watched := make(map[string]bool, len(watchedTypes))
	types := make(map[string]*typeState, len(watchedTypes))
	for _, t := range watchedTypes {
		watched[t] = true
		types[t] = &typeState{state: unsubscribed}
	}
	return &Session{
		id:           id,
		store:        st,
		projector:    projector,
		log:          log.With("session", id),
		watchedTypes: watched,
		types:        types,
	}
}

// Run drives stream until the proxy disconnects, the server shuts down, or
// a send fails. It owns exactly one goroutine that calls stream.Send; the
// request-reader and the store-watcher only decide what to send and hand
// it to that goroutine.
func (s *Session) Run(ctx context.Context, stream grpcStream) error {
	watch := s.store.Subscribe()
	defer s.store.Unsubscribe(watch)

	outCh := make(chan *discovery.DiscoveryResponse, len(s.watchedTypes)+1)
	errCh := make(chan error, 2)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)

	// Reader: classify incoming requests, decide on initial/ACK/NACK pushes.
	// It is not waited for: it may be blocked in stream.Recv, which only
	// returns once the stream is torn down after Run has returned.
	go func() {
		for {
			req, err := stream.Recv()
			if err != nil {
				select {
				case errCh <- err:
				default:
				}
				cancel()
				return
			}
			for _, resp := range s.handleRequest(req) {
				select {
				case outCh <- resp:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	// Watcher: react to store mutations, push every type now owed a push.
	go func() {
		defer wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case <-watch.C():
				for _, resp := range s.handleStoreChange() {
					select {
					case outCh <- resp:
					case <-ctx.Done():
						return
					}
				}
			}
		}
	}()

	// Writer: the only goroutine that calls stream.Send.
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for {
			select {
			case resp := <-outCh:
				if err := stream.Send(resp); err != nil {
					select {
					case errCh <- err:
					default:
					}
					cancel()
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	wg.Wait()
	<-writerDone

	select {
	case err := <-errCh:
		return err
	default:
		return ctx.Err()
	}
}

// handleRequest classifies one incoming DiscoveryRequest — initial
// subscription, stale nonce, NACK, or ACK — and returns the responses it
// causes, in push order. Most rules produce at most one; the initial-request
// rule can produce several if other types are already subscribed and owed
// their first push too.
func (s *Session) handleRequest(req *discovery.DiscoveryRequest) []*discovery.DiscoveryResponse {
	typeURL := req.GetTypeUrl()
	if !s.watchedTypes[typeURL] {
		s.log.Info("ignoring request for unwatched/unknown type_url", "type_url", typeURL)
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	ts := s.types[typeURL]

	switch {
	case req.GetResponseNonce() == "":
		// Rule 1: initial request. Always (re)subscribe, even if the store
		// is currently empty, then flush every type now owed its first push
		// in fixed push order — not just typeURL — since an aggregated
		// stream's initial requests for Clusters/CLAs/RouteConfiguration can
		// arrive in any order the proxy happens to send them.
		ts.subscribed = true
		ts.state = initialPending
		return s.buildInitialPushes()

	case req.GetResponseNonce() != ts.lastOutstandingNonce:
		// Rule 2: stale nonce, a superseded push. Ignore silently.
		s.log.Debug("stale nonce, ignoring", "type_url", typeURL, "nonce", req.GetResponseNonce())
		return nil

	case req.GetErrorDetail() != nil:
		// Rule 3: NACK. The proxy stays on whatever was in effect before
		// this push; we do not retransmit the rejected bytes. Log and wait
		// for the next store change to attempt a newer version.
		s.log.Info("xDS NACK",
			"type_url", typeURL,
			"nonce", req.GetResponseNonce(),
			"error", req.GetErrorDetail().GetMessage(),
		)
		ts.lastOutstandingNonce = ""
		ts.state = inSync
		if resp := s.maybeBuildPush(typeURL, ts); resp != nil {
			return []*discovery.DiscoveryResponse{resp}
		}
		return nil

	default:
		// Rule 4: ACK.
		ts.lastOutstandingNonce = ""
		ts.state = inSync
		if resp := s.maybeBuildPush(typeURL, ts); resp != nil {
			return []*discovery.DiscoveryResponse{resp}
		}
		return nil
	}
}

// buildInitialPushes walks pushOrder and returns a response for every
// watched type that has been subscribed (its own initial request has
// already arrived) and hasn't been pushed yet. It stops at the first
// watched type that has not yet been subscribed, so a type earlier in
// pushOrder can never be jumped over by one whose initial request simply
// happened to arrive first. Must be called with s.mu held.
func (s *Session) buildInitialPushes() []*discovery.DiscoveryResponse {
	var out []*discovery.DiscoveryResponse
	for _, typeURL := range pushOrder {
		ts, ok := s.types[typeURL]
		if !ok || !s.watchedTypes[typeURL] {
			continue
		}
		if !ts.subscribed {
			break
		}
		if ts.state != initialPending || ts.lastOutstandingNonce != "" {
			continue
		}
		out = append(out, s.buildPush(typeURL, ts))
	}
	return out
}

// handleStoreChange is invoked when the store's broadcast wakes this
// session. It returns, in push order, a response for every watched type
// that is IN_SYNC against a stale version. Types with an outstanding nonce
// are left alone — the change is coalesced and handled once the pending
// ACK/NACK resolves.
func (s *Session) handleStoreChange() []*discovery.DiscoveryResponse {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*discovery.DiscoveryResponse
	for _, typeURL := range pushOrder {
		ts, ok := s.types[typeURL]
		if !ok || !s.watchedTypes[typeURL] {
			continue
		}
		if resp := s.maybeBuildPush(typeURL, ts); resp != nil {
			out = append(out, resp)
		}
	}
	return out
}

// maybeBuildPush pushes typeURL if it is owed one right now: IN_SYNC and
// the store's current version differs from what was last sent. Must be
// called with s.mu held.
func (s *Session) maybeBuildPush(typeURL string, ts *typeState) *discovery.DiscoveryResponse {
	if ts.state != inSync {
		return nil // UNSUBSCRIBED (never requested) or a push already outstanding
	}
	currentVersion := strconv.FormatUint(s.store.TakeSnapshot().Version, 10)
	if currentVersion == ts.lastSentVersion {
		return nil
	}
	ts.state = updatePending
	return s.buildPush(typeURL, ts)
}

// buildPush takes a fresh snapshot, projects typeURL's resources, and
// records the tentative version/nonce. Must be called with s.mu held.
func (s *Session) buildPush(typeURL string, ts *typeState) *discovery.DiscoveryResponse {
	snap := s.store.TakeSnapshot()

	var (
		resources []*anypb.Any
		err       error
	)
	switch typeURL {
	case ClusterTypeURL:
		resources, err = s.projector.ProjectClusters(snap)
	case CLATypeURL:
		resources, err = s.projector.ProjectClusterLoadAssignments(snap)
	case RouteTypeURL:
		resources, err = s.projector.ProjectRouteConfiguration(snap)
	default:
		err = fmt.Errorf("unsupported type_url %q", typeURL)
	}
	if err != nil {
		s.log.Error("projection failed", "type_url", typeURL, "error", err)
		return nil
	}

	versionInfo := strconv.FormatUint(snap.Version, 10)
	nonce := uuid.NewString()

	ts.lastSentVersion = versionInfo
	ts.lastOutstandingNonce = nonce

	return &discovery.DiscoveryResponse{
		VersionInfo: versionInfo,
		Resources:   resources,
		TypeUrl:     typeURL,
		Nonce:       nonce,
	}
}
