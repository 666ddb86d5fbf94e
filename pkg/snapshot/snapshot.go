package snapshot

import (
	"context"
	"os"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"

	"github.com/grid-x/txn-snapshot/pkg/datastore"
	"github.com/grid-x/txn-snapshot/pkg/snapper"
)

var (
	preSnapshotRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "txn_snapshot_pre_snapshot_requests_total",
		Help: "Total number of create pre snapshot requests",
	}, []string{"result"})
	postSnapshotRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "txn_snapshot_post_snapshot_requests_total",
		Help: "Total number of create post snapshot requests",
	}, []string{"result"})
	postSnapshotSkipped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "txn_snapshot_post_snapshot_skipped_total",
		Help: "Total number of post snapshots skipped because the pre snapshot is missing",
	})
	daemonConnectFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "txn_snapshot_daemon_connect_failures_total",
		Help: "Total number of failed connection attempts to the snapshot daemon",
	})
)

func init() {
	prometheus.MustRegister(preSnapshotRequests)
	prometheus.MustRegister(postSnapshotRequests)
	prometheus.MustRegister(postSnapshotSkipped)
	prometheus.MustRegister(daemonConnectFailures)
}

// Transaction is the package manager's unit of work as seen by the
// coordinator
type Transaction interface {
	// Pending reports whether the transaction has operations to apply
	Pending() bool
}

// Daemon is the snapshot daemon the coordinator delegates to
type Daemon interface {
	CreatePreSnapshot(ctx context.Context, config, description string) (uint32, error)
	CreatePostSnapshot(ctx context.Context, config string, pre uint32, description string) (uint32, error)
	Close() error
}

// Connector opens a connection to the snapshot daemon
type Connector func(ctx context.Context) (Daemon, error)

// ConnectSnapper connects to snapperd on the system bus
func ConnectSnapper(ctx context.Context) (Daemon, error) {
	client, err := snapper.Connect(ctx)
	if err != nil {
		return nil, err
	}
	return client, nil
}

// Coordinator requests a pre snapshot for every configured snapper config
// before a transaction applies and the matching post snapshot afterwards.
// Daemon failures only ever cost snapshots, they are never returned.
type Coordinator struct {
	description string
	targets     []string
	numbers     map[string]uint32 // config -> pre snapshot number, absent if none

	connect Connector
	daemon  Daemon
	store   datastore.Datastore
	labels  datastore.SnapshotLabels
	now     func() time.Time

	logger log.FieldLogger
}

// Opt is the type for Options of the Coordinator
type Opt func(*Coordinator)

// WithConnector sets how the daemon is reached
func WithConnector(c Connector) Opt {
	return func(co *Coordinator) {
		co.connect = c
	}
}

// WithDescription overrides the description attached to the snapshots
func WithDescription(d string) Opt {
	return func(co *Coordinator) {
		co.description = d
	}
}

// WithDatastore journals every snapshot pair into ds
func WithDatastore(ds datastore.Datastore) Opt {
	return func(co *Coordinator) {
		co.store = ds
	}
}

// WithLabels sets labels recorded along with every journaled pair
func WithLabels(l datastore.SnapshotLabels) Opt {
	return func(co *Coordinator) {
		co.labels = l
	}
}

// WithLogger sets the logger
func WithLogger(l log.FieldLogger) Opt {
	return func(co *Coordinator) {
		co.logger = l.WithField("component", "snapshot-coordinator")
	}
}

// WithClock sets the time source used for journaled pairs
func WithClock(now func() time.Time) Opt {
	return func(co *Coordinator) {
		co.now = now
	}
}

// NewCoordinator creates a Coordinator. The description defaults to the
// invoking command line.
func NewCoordinator(opts ...Opt) *Coordinator {
	co := &Coordinator{
		description: strings.Join(os.Args, " "),
		numbers:     map[string]uint32{},
		connect:     ConnectSnapper,
		now:         time.Now,

		logger: log.New().WithFields(
			log.Fields{
				"component": "snapshot-coordinator",
			}),
	}

	for _, o := range opts {
		o(co)
	}

	return co
}

// Description returns the description attached to the snapshots
func (co *Coordinator) Description() string {
	return co.description
}

// Targets returns the configured snapper configs in configuration order
func (co *Coordinator) Targets() []string {
	return append([]string(nil), co.targets...)
}

// PreNumber returns the pre snapshot number recorded for config
func (co *Coordinator) PreNumber(config string) (uint32, bool) {
	n, ok := co.numbers[config]
	return n, ok
}

// Configure sets the snapper configs to snapshot. Every config starts without
// a pre snapshot. Repeated names are kept once.
func (co *Coordinator) Configure(targets []string) {
	co.targets = nil
	co.numbers = map[string]uint32{}

	seen := map[string]bool{}
	for _, t := range targets {
		if seen[t] {
			continue
		}
		seen[t] = true
		co.targets = append(co.targets, t)
	}

	co.logger.Debugf("configs: %v", co.targets)
}

func pending(txn Transaction) bool {
	return txn != nil && txn.Pending()
}

// BeginTransaction creates a pre snapshot for every configured config. It does
// nothing unless txn is pending.
func (co *Coordinator) BeginTransaction(ctx context.Context, txn Transaction) []Result {
	if !pending(txn) || len(co.targets) == 0 {
		return nil
	}

	daemon, err := co.connect(ctx)
	if err != nil {
		daemonConnectFailures.Inc()
		co.logger.Errorf("connect to snapperd failed: %v", err)
		results := make([]Result, 0, len(co.targets))
		for _, config := range co.targets {
			results = append(results, Result{Config: config, Phase: PhasePre, Err: err})
		}
		return results
	}
	co.daemon = daemon

	results := make([]Result, 0, len(co.targets))
	for _, config := range co.targets {
		res := co.createPre(ctx, config)
		if res.OK() {
			co.numbers[config] = res.Number
		}
		results = append(results, res)
	}
	return results
}

func (co *Coordinator) createPre(ctx context.Context, config string) Result {
	logger := co.logger.WithField("config", config)
	logger.Debugf("creating pre_snapshot for %s", config)

	number, err := co.daemon.CreatePreSnapshot(ctx, config, co.description)
	if err != nil {
		preSnapshotRequests.WithLabelValues("failure").Inc()
		logger.Errorf("creating pre_snapshot failed: %v", err)
		return Result{Config: config, Phase: PhasePre, Err: err}
	}
	preSnapshotRequests.WithLabelValues("success").Inc()
	logger.WithField("pre-number", number).Infof("created pre_snapshot %d", number)
	return Result{Config: config, Phase: PhasePre, Number: number}
}

// CompleteTransaction creates the post snapshot for every config that got a
// pre snapshot and closes the daemon connection. It does nothing unless txn
// is pending.
func (co *Coordinator) CompleteTransaction(ctx context.Context, txn Transaction) []Result {
	if !pending(txn) {
		return nil
	}
	defer co.closeDaemon()

	var results []Result
	for _, config := range co.targets {
		pre, ok := co.numbers[config]
		if !ok || co.daemon == nil {
			postSnapshotSkipped.Inc()
			co.logger.WithField("config", config).
				Debugf("skipping post_snapshot for %s because creation of pre_snapshot failed", config)
			results = append(results, Result{Config: config, Phase: PhasePost, Skipped: true})
			continue
		}

		res := co.createPost(ctx, config, pre)
		co.journal(config, pre, res)
		results = append(results, res)
	}
	return results
}

func (co *Coordinator) createPost(ctx context.Context, config string, pre uint32) Result {
	logger := co.logger.WithFields(log.Fields{
		"config":     config,
		"pre-number": pre,
	})
	logger.Debugf("creating post_snapshot for %s", config)

	number, err := co.daemon.CreatePostSnapshot(ctx, config, pre, co.description)
	if err != nil {
		postSnapshotRequests.WithLabelValues("failure").Inc()
		logger.Errorf("creating post_snapshot failed: %v", err)
		return Result{Config: config, Phase: PhasePost, Err: err}
	}
	postSnapshotRequests.WithLabelValues("success").Inc()
	logger.WithField("post-number", number).Infof("created post_snapshot %d", number)
	return Result{Config: config, Phase: PhasePost, Number: number}
}

func (co *Coordinator) journal(config string, pre uint32, res Result) {
	if co.store == nil {
		return
	}
	pair := &datastore.SnapshotPair{
		Config:      datastore.SnapshotConfig(config),
		PreNumber:   datastore.SnapshotNumber(pre),
		PostNumber:  datastore.SnapshotNumber(res.Number),
		Description: co.description,
		CreatedAt:   co.now(),
		Labels:      co.labels,
	}
	if err := co.store.StoreSnapshotPair(pair); err != nil {
		co.logger.WithField("config", config).Errorf("journaling snapshot pair failed: %v", err)
	}
}

func (co *Coordinator) closeDaemon() {
	if co.daemon == nil {
		return
	}
	if err := co.daemon.Close(); err != nil {
		co.logger.Warnf("closing snapperd connection: %v", err)
	}
	co.daemon = nil
}
