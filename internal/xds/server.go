package xds

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"sync/atomic"

	clusterservice "github.com/envoyproxy/go-control-plane/envoy/service/cluster/v3"
	discoverygrpc "github.com/envoyproxy/go-control-plane/envoy/service/discovery/v3"
	routeservice "github.com/envoyproxy/go-control-plane/envoy/service/route/v3"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"

	"github.com/xdscp/xdscp/internal/store"
)

// allTypes is what an aggregated-discovery stream watches; cdsTypes/rdsTypes
// restrict the single-type CDS/RDS services to their own resource, reusing
// the same session logic restricted to one type.
var (
	allTypes = []string{ClusterTypeURL, CLATypeURL, RouteTypeURL}
	cdsTypes = []string{ClusterTypeURL}
	rdsTypes = []string{RouteTypeURL}
)

// TLSConfig carries the discovery listener's optional TLS materials: when
// enabled, the discovery RPC is served over TLS.
type TLSConfig struct {
	Enabled  bool
	CertPath string
	KeyPath  string
}

// Server is the xDS Discovery Server: it owns the gRPC listener, hands
// each accepted stream to a fresh Session, and advertises ADS/CDS/RDS for
// compatibility.
type Server struct {
	store     *store.Store
	projector *Projector
	log       *slog.Logger
	tlsCfg    TLSConfig

	nextSessionID atomic.Uint64
}

func NewServer(st *store.Store, projector *Projector, log *slog.Logger, tlsCfg TLSConfig) *Server {
	return &Server{store: st, projector: projector, log: log, tlsCfg: tlsCfg}
}

// Serve blocks, accepting xDS streams, until ctx is canceled.
func (s *Server) Serve(ctx context.Context, addr string) error {
	var opts []grpc.ServerOption
	if s.tlsCfg.Enabled {
		cert, err := tls.LoadX509KeyPair(s.tlsCfg.CertPath, s.tlsCfg.KeyPath)
		if err != nil {
			return fmt.Errorf("loading xDS TLS materials: %w", err)
		}
		opts = append(opts, grpc.Creds(credentials.NewTLS(&tls.Config{Certificates: []tls.Certificate{cert}})))
	}

	grpcServer := grpc.NewServer(opts...)
	discoverygrpc.RegisterAggregatedDiscoveryServiceServer(grpcServer, &adsService{s})
	clusterservice.RegisterClusterDiscoveryServiceServer(grpcServer, &cdsService{s})
	routeservice.RegisterRouteDiscoveryServiceServer(grpcServer, &rdsService{s})

	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}

	s.log.Info("xDS server listening", "addr", addr, "tls", s.tlsCfg.Enabled)

	go func() {
		<-ctx.Done()
		s.log.Info("shutting down xDS server")
		grpcServer.GracefulStop()
	}()

	if err := grpcServer.Serve(lis); err != nil {
		return fmt.Errorf("serving xDS: %w", err)
	}
	return nil
}

// run is shared by every service's Stream* RPC method: create a Session
// scoped to watchedTypes and drive it to completion.
func (s *Server) run(stream grpcStream, watchedTypes []string) error {
	id := s.nextSessionID.Add(1)
	sess := NewSession(id, s.store, s.projector, s.log, watchedTypes)
	err := sess.Run(stream.Context(), stream)
	if err != nil {
		s.log.Info("xDS stream closed", "session", id, "error", err)
	} else {
		s.log.Info("xDS stream closed", "session", id)
	}
	return err
}

// adsService implements the aggregated discovery service: one stream
// carrying all three watched resource types.
type adsService struct{ s *Server }

func (a *adsService) StreamAggregatedResources(stream discoverygrpc.AggregatedDiscoveryService_StreamAggregatedResourcesServer) error {
	return a.s.run(stream, allTypes)
}

func (a *adsService) DeltaAggregatedResources(discoverygrpc.AggregatedDiscoveryService_DeltaAggregatedResourcesServer) error {
	return fmt.Errorf("delta xDS is not supported")
}

// cdsService implements single-type Cluster Discovery, for proxies that
// don't speak ADS.
type cdsService struct{ s *Server }

func (c *cdsService) StreamClusters(stream clusterservice.ClusterDiscoveryService_StreamClustersServer) error {
	return c.s.run(stream, cdsTypes)
}

func (c *cdsService) DeltaClusters(clusterservice.ClusterDiscoveryService_DeltaClustersServer) error {
	return fmt.Errorf("delta xDS is not supported")
}

func (c *cdsService) FetchClusters(context.Context, *discoverygrpc.DiscoveryRequest) (*discoverygrpc.DiscoveryResponse, error) {
	return nil, fmt.Errorf("fetch xDS is not supported")
}

// rdsService implements single-type Route Discovery.
type rdsService struct{ s *Server }

func (r *rdsService) StreamRoutes(stream routeservice.RouteDiscoveryService_StreamRoutesServer) error {
	return r.s.run(stream, rdsTypes)
}

func (r *rdsService) DeltaRoutes(routeservice.RouteDiscoveryService_DeltaRoutesServer) error {
	return fmt.Errorf("delta xDS is not supported")
}

func (r *rdsService) FetchRoutes(context.Context, *discoverygrpc.DiscoveryRequest) (*discoverygrpc.DiscoveryResponse, error) {
	return nil, fmt.Errorf("fetch xDS is not supported")
}
