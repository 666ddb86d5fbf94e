package snapshot_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	log "github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"

	"github.com/grid-x/txn-snapshot/pkg/datastore"
	"github.com/grid-x/txn-snapshot/pkg/snapshot"
)

const description = "dnf install vim"

type txn bool

func (t txn) Pending() bool { return bool(t) }

type call struct {
	Method      string
	Config      string
	Pre         uint32
	Description string
}

type fakeDaemon struct {
	calls  []call
	pre    map[string]uint32
	post   map[string]uint32
	fail   map[string]bool
	closed int
}

func (d *fakeDaemon) CreatePreSnapshot(ctx context.Context, config, desc string) (uint32, error) {
	d.calls = append(d.calls, call{Method: "CreatePreSnapshot", Config: config, Description: desc})
	if d.fail["pre:"+config] {
		return 0, errors.New("Unknown config")
	}
	return d.pre[config], nil
}

func (d *fakeDaemon) CreatePostSnapshot(ctx context.Context, config string, pre uint32, desc string) (uint32, error) {
	d.calls = append(d.calls, call{Method: "CreatePostSnapshot", Config: config, Pre: pre, Description: desc})
	if d.fail["post:"+config] {
		return 0, errors.New("Illegal snapshot")
	}
	return d.post[config], nil
}

func (d *fakeDaemon) Close() error {
	d.closed++
	return nil
}

type fakeStore struct {
	pairs []*datastore.SnapshotPair
	err   error
}

func (s *fakeStore) StoreSnapshotPair(p *datastore.SnapshotPair) error {
	if s.err != nil {
		return s.err
	}
	s.pairs = append(s.pairs, p)
	return nil
}

func (s *fakeStore) GetLatestSnapshotPair(datastore.SnapshotConfig) (*datastore.SnapshotPair, error) {
	return nil, datastore.ErrNotFound
}

func newCoordinator(t *testing.T, d *fakeDaemon, opts ...snapshot.Opt) (*snapshot.Coordinator, *test.Hook, *int) {
	t.Helper()
	logger, hook := test.NewNullLogger()
	logger.SetLevel(log.DebugLevel)

	connects := 0
	connector := func(ctx context.Context) (snapshot.Daemon, error) {
		connects++
		return d, nil
	}
	opts = append([]snapshot.Opt{
		snapshot.WithLogger(logger),
		snapshot.WithDescription(description),
		snapshot.WithConnector(connector),
	}, opts...)
	return snapshot.NewCoordinator(opts...), hook, &connects
}

func errorEntries(hook *test.Hook) []string {
	var msgs []string
	for _, e := range hook.AllEntries() {
		if e.Level <= log.ErrorLevel {
			msgs = append(msgs, e.Message)
		}
	}
	return msgs
}

// debugEntries returns the debug-level messages, and fails the test if a
// message containing substr was logged at any other level
func debugEntries(t *testing.T, hook *test.Hook, substr string) []string {
	t.Helper()
	var msgs []string
	for _, e := range hook.AllEntries() {
		if !strings.Contains(e.Message, substr) {
			continue
		}
		if e.Level != log.DebugLevel {
			t.Errorf("expected %q at debug level, got %s", e.Message, e.Level)
			continue
		}
		msgs = append(msgs, e.Message)
	}
	return msgs
}

var ignoreErr = cmpopts.IgnoreFields(snapshot.Result{}, "Err")

func Test_EndToEnd(t *testing.T) {
	d := &fakeDaemon{
		pre:  map[string]uint32{"root": 7},
		post: map[string]uint32{"root": 8},
	}
	co, hook, _ := newCoordinator(t, d)

	co.Configure([]string{"root"})
	pre := co.BeginTransaction(context.Background(), txn(true))
	post := co.CompleteTransaction(context.Background(), txn(true))

	wantCalls := []call{
		{Method: "CreatePreSnapshot", Config: "root", Description: description},
		{Method: "CreatePostSnapshot", Config: "root", Pre: 7, Description: description},
	}
	if !cmp.Equal(wantCalls, d.calls) {
		t.Errorf("unexpected daemon calls: %s", cmp.Diff(wantCalls, d.calls))
	}

	wantPre := []snapshot.Result{{Config: "root", Phase: snapshot.PhasePre, Number: 7}}
	if !cmp.Equal(wantPre, pre, ignoreErr) {
		t.Errorf("unexpected pre results: %s", cmp.Diff(wantPre, pre, ignoreErr))
	}
	wantPost := []snapshot.Result{{Config: "root", Phase: snapshot.PhasePost, Number: 8}}
	if !cmp.Equal(wantPost, post, ignoreErr) {
		t.Errorf("unexpected post results: %s", cmp.Diff(wantPost, post, ignoreErr))
	}

	if msgs := errorEntries(hook); len(msgs) != 0 {
		t.Errorf("expected no errors logged, got %v", msgs)
	}
	if d.closed != 1 {
		t.Errorf("expected daemon connection to be closed once, got %d", d.closed)
	}
}

func Test_Configure(t *testing.T) {
	co, _, _ := newCoordinator(t, &fakeDaemon{})

	co.Configure([]string{"a", "b", "c", "b"})

	want := []string{"a", "b", "c"}
	if got := co.Targets(); !cmp.Equal(want, got) {
		t.Errorf("unexpected targets: %s", cmp.Diff(want, got))
	}
	for _, config := range want {
		if _, ok := co.PreNumber(config); ok {
			t.Errorf("expected no pre number for %s", config)
		}
	}
}

func Test_NoTransactionPending(t *testing.T) {
	testcases := []struct {
		name string
		txn  snapshot.Transaction
	}{
		{name: "nil transaction", txn: nil},
		{name: "empty transaction", txn: txn(false)},
	}

	for _, tc := range testcases {
		t.Run(tc.name, func(t *testing.T) {
			d := &fakeDaemon{pre: map[string]uint32{"root": 1}}
			co, _, connects := newCoordinator(t, d)
			co.Configure([]string{"root"})

			if res := co.BeginTransaction(context.Background(), tc.txn); res != nil {
				t.Errorf("expected no results, got %v", res)
			}
			if res := co.CompleteTransaction(context.Background(), tc.txn); res != nil {
				t.Errorf("expected no results, got %v", res)
			}
			if *connects != 0 || len(d.calls) != 0 {
				t.Errorf("expected no daemon interaction, got %d connects and calls %v", *connects, d.calls)
			}
			if _, ok := co.PreNumber("root"); ok {
				t.Errorf("expected state to be unchanged")
			}
		})
	}
}

func Test_NoTargets(t *testing.T) {
	d := &fakeDaemon{}
	co, _, connects := newCoordinator(t, d)
	co.Configure(nil)

	co.BeginTransaction(context.Background(), txn(true))
	co.CompleteTransaction(context.Background(), txn(true))

	if *connects != 0 || len(d.calls) != 0 {
		t.Errorf("expected no daemon interaction, got %d connects and calls %v", *connects, d.calls)
	}
}

func Test_ConnectFailure(t *testing.T) {
	logger, hook := test.NewNullLogger()
	connectErr := errors.New("org.freedesktop.DBus.Error.ServiceUnknown")
	co := snapshot.NewCoordinator(
		snapshot.WithLogger(logger),
		snapshot.WithDescription(description),
		snapshot.WithConnector(func(ctx context.Context) (snapshot.Daemon, error) {
			return nil, connectErr
		}),
	)
	co.Configure([]string{"root", "home"})

	pre := co.BeginTransaction(context.Background(), txn(true))
	for _, res := range pre {
		if res.OK() || !errors.Is(res.Err, connectErr) {
			t.Errorf("expected connect error for %s, got %+v", res.Config, res)
		}
	}
	for _, config := range []string{"root", "home"} {
		if _, ok := co.PreNumber(config); ok {
			t.Errorf("expected no pre number for %s", config)
		}
	}

	post := co.CompleteTransaction(context.Background(), txn(true))
	want := []snapshot.Result{
		{Config: "root", Phase: snapshot.PhasePost, Skipped: true},
		{Config: "home", Phase: snapshot.PhasePost, Skipped: true},
	}
	if !cmp.Equal(want, post, ignoreErr) {
		t.Errorf("unexpected post results: %s", cmp.Diff(want, post, ignoreErr))
	}

	if msgs := errorEntries(hook); len(msgs) != 1 {
		t.Errorf("expected exactly one error logged, got %v", msgs)
	}
}

func Test_ServiceNotResolved(t *testing.T) {
	logger, hook := test.NewNullLogger()
	logger.SetLevel(log.DebugLevel)

	d := &fakeDaemon{pre: map[string]uint32{"root": 1, "home": 2, "var": 3}}
	resolveErr := errors.New("The name org.opensuse.Snapper was not provided by any .service files")
	co := snapshot.NewCoordinator(
		snapshot.WithLogger(logger),
		snapshot.WithDescription(description),
		snapshot.WithConnector(func(ctx context.Context) (snapshot.Daemon, error) {
			return nil, fmt.Errorf("resolve org.opensuse.Snapper: %w", resolveErr)
		}),
	)
	co.Configure([]string{"root", "home", "var"})

	pre := co.BeginTransaction(context.Background(), txn(true))
	if len(pre) != 3 {
		t.Fatalf("expected a result per config, got %+v", pre)
	}
	for _, res := range pre {
		if !errors.Is(res.Err, resolveErr) {
			t.Errorf("expected resolve error for %s, got %+v", res.Config, res)
		}
	}
	co.CompleteTransaction(context.Background(), txn(true))

	if len(d.calls) != 0 {
		t.Errorf("expected no daemon calls, got %v", d.calls)
	}
	if msgs := errorEntries(hook); len(msgs) != 1 {
		t.Errorf("expected exactly one error logged, got %v", msgs)
	}
	wantSkips := []string{
		"skipping post_snapshot for root because creation of pre_snapshot failed",
		"skipping post_snapshot for home because creation of pre_snapshot failed",
		"skipping post_snapshot for var because creation of pre_snapshot failed",
	}
	if got := debugEntries(t, hook, "skipping post_snapshot"); !cmp.Equal(wantSkips, got) {
		t.Errorf("unexpected skip notices: %s", cmp.Diff(wantSkips, got))
	}
}

func Test_PartialFailures(t *testing.T) {
	d := &fakeDaemon{
		pre:  map[string]uint32{"x": 1, "y": 42, "z": 50},
		post: map[string]uint32{"y": 43, "z": 51},
		fail: map[string]bool{"pre:x": true, "post:y": true},
	}
	co, hook, _ := newCoordinator(t, d)
	co.Configure([]string{"x", "y", "z"})

	co.BeginTransaction(context.Background(), txn(true))
	if _, ok := co.PreNumber("x"); ok {
		t.Errorf("expected no pre number for x")
	}
	if n, ok := co.PreNumber("y"); !ok || n != 42 {
		t.Errorf("expected pre number 42 for y, got %d (%t)", n, ok)
	}

	post := co.CompleteTransaction(context.Background(), txn(true))

	wantCalls := []call{
		{Method: "CreatePreSnapshot", Config: "x", Description: description},
		{Method: "CreatePreSnapshot", Config: "y", Description: description},
		{Method: "CreatePreSnapshot", Config: "z", Description: description},
		{Method: "CreatePostSnapshot", Config: "y", Pre: 42, Description: description},
		{Method: "CreatePostSnapshot", Config: "z", Pre: 50, Description: description},
	}
	if !cmp.Equal(wantCalls, d.calls) {
		t.Errorf("unexpected daemon calls: %s", cmp.Diff(wantCalls, d.calls))
	}

	wantPost := []snapshot.Result{
		{Config: "x", Phase: snapshot.PhasePost, Skipped: true},
		{Config: "y", Phase: snapshot.PhasePost},
		{Config: "z", Phase: snapshot.PhasePost, Number: 51},
	}
	if !cmp.Equal(wantPost, post, ignoreErr) {
		t.Errorf("unexpected post results: %s", cmp.Diff(wantPost, post, ignoreErr))
	}
	if post[1].Err == nil {
		t.Errorf("expected post error for y")
	}

	if msgs := errorEntries(hook); len(msgs) != 2 {
		t.Errorf("expected two errors logged, got %v", msgs)
	}

	wantSkips := []string{"skipping post_snapshot for x because creation of pre_snapshot failed"}
	if got := debugEntries(t, hook, "skipping post_snapshot"); !cmp.Equal(wantSkips, got) {
		t.Errorf("unexpected skip notices: %s", cmp.Diff(wantSkips, got))
	}
}

func Test_Journal(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	d := &fakeDaemon{
		pre:  map[string]uint32{"root": 7, "home": 3},
		post: map[string]uint32{"root": 8},
		fail: map[string]bool{"post:home": true},
	}
	store := &fakeStore{}
	labels := datastore.SnapshotLabels{"host": "build-01"}
	co, _, _ := newCoordinator(t, d,
		snapshot.WithDatastore(store),
		snapshot.WithLabels(labels),
		snapshot.WithClock(func() time.Time { return now }),
	)
	co.Configure([]string{"root", "home"})

	co.BeginTransaction(context.Background(), txn(true))
	co.CompleteTransaction(context.Background(), txn(true))

	want := []*datastore.SnapshotPair{
		{Config: "root", PreNumber: 7, PostNumber: 8, Description: description, CreatedAt: now, Labels: labels},
		{Config: "home", PreNumber: 3, PostNumber: 0, Description: description, CreatedAt: now, Labels: labels},
	}
	if !cmp.Equal(want, store.pairs) {
		t.Errorf("unexpected journal: %s", cmp.Diff(want, store.pairs))
	}
}

func Test_JournalFailureIsLogged(t *testing.T) {
	d := &fakeDaemon{
		pre:  map[string]uint32{"root": 7},
		post: map[string]uint32{"root": 8},
	}
	co, hook, _ := newCoordinator(t, d, snapshot.WithDatastore(&fakeStore{err: errors.New("disk full")}))
	co.Configure([]string{"root"})

	co.BeginTransaction(context.Background(), txn(true))
	post := co.CompleteTransaction(context.Background(), txn(true))

	if len(post) != 1 || !post[0].OK() {
		t.Errorf("expected successful post snapshot, got %+v", post)
	}
	if msgs := errorEntries(hook); len(msgs) != 1 {
		t.Errorf("expected journal error logged, got %v", msgs)
	}
}

func Test_DefaultDescription(t *testing.T) {
	co := snapshot.NewCoordinator()
	if co.Description() == "" {
		t.Errorf("expected description from command line")
	}
}

func Test_PhaseString(t *testing.T) {
	if got := snapshot.PhasePre.String(); got != "pre" {
		t.Errorf("expected pre, got %s", got)
	}
	if got := snapshot.PhasePost.String(); got != "post" {
		t.Errorf("expected post, got %s", got)
	}
}
