package xds

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	discovery "github.com/envoyproxy/go-control-plane/envoy/service/discovery/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/genproto/googleapis/rpc/status"

	"github.com/xdscp/xdscp/internal/model"
	"github.com/xdscp/xdscp/internal/store"
)

// fakeStream is a minimal grpcStream double driven entirely through
// channels, standing in for the generated gRPC stream types.
type fakeStream struct {
	ctx    context.Context
	recvCh chan *discovery.DiscoveryRequest
	sendCh chan *discovery.DiscoveryResponse
}

func newFakeStream(ctx context.Context) *fakeStream {
	return &fakeStream{ctx: ctx, recvCh: make(chan *discovery.DiscoveryRequest), sendCh: make(chan *discovery.DiscoveryResponse, 16)}
}

func (f *fakeStream) Context() context.Context { return f.ctx }

func (f *fakeStream) Send(resp *discovery.DiscoveryResponse) error {
	f.sendCh <- resp
	return nil
}

func (f *fakeStream) Recv() (*discovery.DiscoveryRequest, error) {
	req, ok := <-f.recvCh
	if !ok {
		return nil, io.EOF
	}
	return req, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func noPushWithin(t *testing.T, stream *fakeStream, d time.Duration) {
	t.Helper()
	select {
	case resp := <-stream.sendCh:
		t.Fatalf("unexpected push: %+v", resp)
	case <-time.After(d):
	}
}

func expectPush(t *testing.T, stream *fakeStream) *discovery.DiscoveryResponse {
	t.Helper()
	select {
	case resp := <-stream.sendCh:
		return resp
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for push")
		return nil
	}
}

func TestSession_InitialRequestAlwaysPushes(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st := store.New(store.CascadeAllow, nil, nil)
	sess := NewSession(1, st, NewProjector(ProjectorConfig{}), testLogger(), []string{ClusterTypeURL})
	stream := newFakeStream(ctx)

	done := make(chan error, 1)
	go func() { done <- sess.Run(ctx, stream) }()

	stream.recvCh <- &discovery.DiscoveryRequest{TypeUrl: ClusterTypeURL}
	resp := expectPush(t, stream)
	assert.Equal(t, ClusterTypeURL, resp.TypeUrl)
	assert.Equal(t, "0", resp.VersionInfo)
	assert.NotEmpty(t, resp.Nonce)

	cancel()
	<-done
}

func TestSession_ACKThenNoChangeProducesNoPush(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st := store.New(store.CascadeAllow, nil, nil)
	sess := NewSession(1, st, NewProjector(ProjectorConfig{}), testLogger(), []string{ClusterTypeURL})
	stream := newFakeStream(ctx)

	done := make(chan error, 1)
	go func() { done <- sess.Run(ctx, stream) }()

	stream.recvCh <- &discovery.DiscoveryRequest{TypeUrl: ClusterTypeURL}
	resp := expectPush(t, stream)

	stream.recvCh <- &discovery.DiscoveryRequest{
		TypeUrl:       ClusterTypeURL,
		VersionInfo:   resp.VersionInfo,
		ResponseNonce: resp.Nonce,
	}
	noPushWithin(t, stream, 200*time.Millisecond)

	cancel()
	<-done
}

func TestSession_StoreChangeAfterACKTriggersNewPush(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st := store.New(store.CascadeAllow, nil, nil)
	sess := NewSession(1, st, NewProjector(ProjectorConfig{}), testLogger(), []string{ClusterTypeURL})
	stream := newFakeStream(ctx)

	done := make(chan error, 1)
	go func() { done <- sess.Run(ctx, stream) }()

	stream.recvCh <- &discovery.DiscoveryRequest{TypeUrl: ClusterTypeURL}
	initial := expectPush(t, stream)

	stream.recvCh <- &discovery.DiscoveryRequest{
		TypeUrl:       ClusterTypeURL,
		VersionInfo:   initial.VersionInfo,
		ResponseNonce: initial.Nonce,
	}
	noPushWithin(t, stream, 100*time.Millisecond)

	require.NoError(t, st.PutCluster(model.Cluster{Name: "a", Endpoints: []model.Endpoint{{Host: "h", Port: 80}}}, true))

	updated := expectPush(t, stream)
	assert.Equal(t, "1", updated.VersionInfo)
	assert.NotEqual(t, initial.Nonce, updated.Nonce)

	cancel()
	<-done
}

func TestSession_NACKDoesNotResendThenRecoversOnNextChange(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st := store.New(store.CascadeAllow, nil, nil)
	sess := NewSession(1, st, NewProjector(ProjectorConfig{}), testLogger(), []string{ClusterTypeURL})
	stream := newFakeStream(ctx)

	done := make(chan error, 1)
	go func() { done <- sess.Run(ctx, stream) }()

	stream.recvCh <- &discovery.DiscoveryRequest{TypeUrl: ClusterTypeURL}
	initial := expectPush(t, stream)

	stream.recvCh <- &discovery.DiscoveryRequest{
		TypeUrl:       ClusterTypeURL,
		VersionInfo:   initial.VersionInfo,
		ResponseNonce: initial.Nonce,
		ErrorDetail:   &status.Status{Message: "bad resource"},
	}
	// A NACK settles the session back to in-sync at the same version; since
	// the store hasn't changed, nothing is owed yet.
	noPushWithin(t, stream, 200*time.Millisecond)

	require.NoError(t, st.PutCluster(model.Cluster{Name: "a", Endpoints: []model.Endpoint{{Host: "h", Port: 80}}}, true))
	retried := expectPush(t, stream)
	assert.Equal(t, "1", retried.VersionInfo)

	cancel()
	<-done
}

func TestSession_StaleNonceIsIgnored(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st := store.New(store.CascadeAllow, nil, nil)
	sess := NewSession(1, st, NewProjector(ProjectorConfig{}), testLogger(), []string{ClusterTypeURL})
	stream := newFakeStream(ctx)

	done := make(chan error, 1)
	go func() { done <- sess.Run(ctx, stream) }()

	stream.recvCh <- &discovery.DiscoveryRequest{TypeUrl: ClusterTypeURL}
	expectPush(t, stream)

	stream.recvCh <- &discovery.DiscoveryRequest{
		TypeUrl:       ClusterTypeURL,
		VersionInfo:   "0",
		ResponseNonce: "not-the-real-nonce",
	}
	noPushWithin(t, stream, 200*time.Millisecond)

	cancel()
	<-done
}

func TestSession_InitialRequestsOutOfArrivalOrderStillPushInPushOrder(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st := store.New(store.CascadeAllow, nil, nil)
	sess := NewSession(1, st, NewProjector(ProjectorConfig{}), testLogger(), []string{ClusterTypeURL, CLATypeURL, RouteTypeURL})
	stream := newFakeStream(ctx)

	done := make(chan error, 1)
	go func() { done <- sess.Run(ctx, stream) }()

	// The proxy's initial request for RouteConfiguration arrives first, well
	// before Clusters. Nothing should be pushed yet — Clusters must go out
	// first once it's subscribed.
	stream.recvCh <- &discovery.DiscoveryRequest{TypeUrl: RouteTypeURL}
	noPushWithin(t, stream, 200*time.Millisecond)

	stream.recvCh <- &discovery.DiscoveryRequest{TypeUrl: CLATypeURL}
	noPushWithin(t, stream, 200*time.Millisecond)

	// Now Clusters subscribes. All three are owed a first push, and they
	// must land on the wire in fixed push order regardless of request
	// arrival order.
	stream.recvCh <- &discovery.DiscoveryRequest{TypeUrl: ClusterTypeURL}

	first := expectPush(t, stream)
	second := expectPush(t, stream)
	third := expectPush(t, stream)

	assert.Equal(t, ClusterTypeURL, first.TypeUrl)
	assert.Equal(t, CLATypeURL, second.TypeUrl)
	assert.Equal(t, RouteTypeURL, third.TypeUrl)

	cancel()
	<-done
}

func TestSession_UnwatchedTypeIsIgnored(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st := store.New(store.CascadeAllow, nil, nil)
	sess := NewSession(1, st, NewProjector(ProjectorConfig{}), testLogger(), []string{ClusterTypeURL})
	stream := newFakeStream(ctx)

	done := make(chan error, 1)
	go func() { done <- sess.Run(ctx, stream) }()

	stream.recvCh <- &discovery.DiscoveryRequest{TypeUrl: RouteTypeURL}
	noPushWithin(t, stream, 200*time.Millisecond)

	cancel()
	<-done
}
