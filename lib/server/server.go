package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/ValentinKolb/dState/lib/common"
	"github.com/ValentinKolb/dState/lib/correlation"
	"github.com/ValentinKolb/dState/lib/db"
	"github.com/ValentinKolb/dState/lib/db/engines/maple"
	"github.com/ValentinKolb/dState/lib/db/engines/pebble"
	"github.com/ValentinKolb/dState/lib/journal"
	"github.com/ValentinKolb/dState/lib/partition"
	"github.com/ValentinKolb/dState/lib/partition/dpartition"
	"github.com/ValentinKolb/dState/lib/partition/lpartition"
	"github.com/ValentinKolb/dState/lib/status"
	"github.com/ValentinKolb/dState/lib/store"
	"github.com/ValentinKolb/dState/lib/util"
	"github.com/VictoriaMetrics/metrics"
	"github.com/lni/dragonboat/v4"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/puzpuzpuz/xsync/v3"
)

var log = logger.GetLogger("server")

// ErrUnknownPartition is returned for a partition the server does not serve.
var ErrUnknownPartition = status.NewError(status.CodeNotFound, "partition not served")

// servedPartition is one partition of the server: the submitter commands go
// through, the scanner keeping its deadlines moving and the function that
// releases it.
type servedPartition struct {
	id        uint64
	submitter partition.Submitter
	scanner   *partition.Scanner
	close     func() error
}

// Server runs the partitions listed in its configuration, a deadline scanner
// per partition and the metrics endpoint.
//
// Usage:
//
//	s := server.NewServer(config)
//	if err := s.Serve(ctx); err != nil {
//		panic(err)
//	}
type Server struct {
	config     common.ServerConfig
	nodeHost   *dragonboat.NodeHost
	registry   *dpartition.Registry
	partitions *xsync.MapOf[uint64, *servedPartition]

	metricsServer *http.Server
	metricsAddr   net.Addr

	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.Mutex
	closed bool
}

// NewServer creates a server for config. Nothing is started before Start.
func NewServer(config common.ServerConfig) *Server {
	return &Server{
		config:     config,
		registry:   dpartition.NewRegistry(),
		partitions: xsync.NewMapOf[uint64, *servedPartition](),
	}
}

// --------------------------------------------------------------------------
// Setup
// --------------------------------------------------------------------------

// dbFactory returns the factory of the state engine of partitionID.
func (s *Server) dbFactory(partitionID uint64) store.DBFactory {
	if s.config.Engine == common.EnginePebble {
		dir := filepath.Join(s.config.DataDir, "state", strconv.FormatUint(partitionID, 10))
		if s.config.Mode == common.ModeRaft {
			dir = filepath.Join(dir, strconv.FormatUint(s.config.ReplicaID, 10))
		}
		return func() (db.KVDB, error) {
			return pebble.NewPebbleDB(&pebble.DBOptions{Dir: dir, Sync: s.config.SyncWrites})
		}
	}
	return func() (db.KVDB, error) { return maple.NewMapleDB(nil), nil }
}

func (s *Server) scannerOptions() partition.ScannerOptions {
	return partition.ScannerOptions{
		Interval:     s.config.ScanInterval(),
		RetryTimeout: s.config.RetryTimeout(),
		BatchSize:    s.config.ScanBatchSize,
	}
}

func (s *Server) openLocal(id uint64) (*servedPartition, error) {
	p, err := lpartition.Open(id, filepath.Join(s.config.PartitionDir(id), "journal"), s.dbFactory(id), &lpartition.Options{
		Journal: &journal.Options{
			MaxSegmentSize: s.config.MaxSegmentSize,
			SyncWrites:     s.config.SyncWrites,
		},
	})
	if err != nil {
		return nil, err
	}
	return &servedPartition{
		id:        id,
		submitter: p,
		scanner:   partition.NewScanner(p.State().Subscriptions, p, s.scannerOptions()),
		close:     p.Close,
	}, nil
}

func (s *Server) openRaft(id uint64) (*servedPartition, error) {
	factory := dpartition.CreateStateMachineFactory(s.dbFactory(id), s.registry)
	if err := s.nodeHost.StartConcurrentReplica(s.config.ClusterMembers, false, factory, s.config.ToDragonboatConfig(id)); err != nil {
		return nil, fmt.Errorf("failed to start partition %d: %w", id, err)
	}
	p := dpartition.NewPartition(s.nodeHost, id, s.config.ReplicaID, s.config.Timeout())
	return &servedPartition{
		id:        id,
		submitter: p,
		scanner:   partition.NewScanner(s.registry.Subscriptions(id), p, s.scannerOptions()),
		close: func() error {
			return s.nodeHost.StopShard(id)
		},
	}, nil
}

// Start opens all partitions, starts their scanners and the metrics endpoint.
// Partitions opened before a failure are closed again.
func (s *Server) Start(ctx context.Context) error {
	if err := s.config.Validate(); err != nil {
		return err
	}

	log.Infof("starting dState server")
	log.Infof("%s", s.config.String())

	if s.config.Mode == common.ModeRaft {
		nh, err := dragonboat.NewNodeHost(s.config.ToNodeHostConfig())
		if err != nil {
			return fmt.Errorf("failed to create node host: %w", err)
		}
		s.nodeHost = nh
	}

	for _, id := range s.config.Partitions {
		var (
			p   *servedPartition
			err error
		)
		if s.config.Mode == common.ModeRaft {
			p, err = s.openRaft(id)
		} else {
			p, err = s.openLocal(id)
		}
		if err != nil {
			_ = s.Close()
			return err
		}
		s.partitions.Store(id, p)
		log.Infof("serving partition %d (%s)", id, s.config.Mode)
	}

	if s.config.MetricsEndpoint != "" {
		if err := s.startMetrics(); err != nil {
			_ = s.Close()
			return err
		}
	}

	ctx, s.cancel = context.WithCancel(ctx)
	s.partitions.Range(func(id uint64, p *servedPartition) bool {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := p.scanner.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Errorf("scanner of partition %d stopped: %v", id, err)
			}
		}()
		return true
	})

	log.Infof("dState setup completed successfully")
	return nil
}

func (s *Server) startMetrics() error {
	mux := http.NewServeMux()
	mux.HandleFunc("/metrics", func(w http.ResponseWriter, _ *http.Request) {
		metrics.WritePrometheus(w, true)
	})

	ln, err := net.Listen("tcp", s.config.MetricsEndpoint)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.MetricsEndpoint, err)
	}
	s.metricsAddr = ln.Addr()
	s.metricsServer = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := s.metricsServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Errorf("metrics endpoint stopped: %v", err)
		}
	}()
	log.Infof("serving metrics on http://%s/metrics", s.metricsAddr)
	return nil
}

// Serve starts the server and blocks until ctx is done, then closes it.
func (s *Server) Serve(ctx context.Context) error {
	if err := s.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	log.Infof("shutting down")
	return s.Close()
}

// --------------------------------------------------------------------------
// Public API
// --------------------------------------------------------------------------

// Submit submits commands to the partition partitionID.
func (s *Server) Submit(ctx context.Context, partitionID uint64, commands ...partition.Command) ([]partition.Result, error) {
	p, ok := s.partitions.Load(partitionID)
	if !ok {
		return nil, ErrUnknownPartition
	}
	return p.submitter.Submit(ctx, commands...)
}

// PartitionFor returns the partition that owns correlationKey. Every node
// with the same partition list routes a key to the same partition.
func (s *Server) PartitionFor(correlationKey string) uint64 {
	return s.config.Partitions[util.PartitionFor(correlationKey, len(s.config.Partitions))-1]
}

// Partition returns the submitter of partitionID.
func (s *Server) Partition(partitionID uint64) (partition.Submitter, bool) {
	p, ok := s.partitions.Load(partitionID)
	if !ok {
		return nil, false
	}
	return p.submitter, true
}

// Subscriptions returns the deadline cache of the local replica of partitionID.
func (s *Server) Subscriptions(partitionID uint64) (correlation.TransientState, bool) {
	p, ok := s.partitions.Load(partitionID)
	if !ok {
		return nil, false
	}
	if lp, isLocal := p.submitter.(*lpartition.Partition); isLocal {
		return lp.State().Subscriptions, true
	}
	return s.registry.Subscriptions(partitionID), true
}

// MetricsAddr returns the address of the metrics endpoint, nil if it is not running.
func (s *Server) MetricsAddr() net.Addr {
	return s.metricsAddr
}

// Close stops the scanners, the partitions, the node host and the metrics endpoint.
func (s *Server) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true

	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()

	var errs []error
	s.partitions.Range(func(id uint64, p *servedPartition) bool {
		if err := p.close(); err != nil {
			errs = append(errs, fmt.Errorf("partition %d: %w", id, err))
		}
		s.partitions.Delete(id)
		return true
	})
	if s.nodeHost != nil {
		s.nodeHost.Close()
	}
	if s.metricsServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.metricsServer.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
