package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"
	log "github.com/sirupsen/logrus"
	"gopkg.in/alecthomas/kingpin.v2"

	"github.com/grid-x/txn-snapshot/pkg/config"
	"github.com/grid-x/txn-snapshot/pkg/datastore"
	"github.com/grid-x/txn-snapshot/pkg/datastore/bolt"
	"github.com/grid-x/txn-snapshot/pkg/plugin"
	"github.com/grid-x/txn-snapshot/pkg/snapshot"
)

var (
	completionTime = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "txn_snapshot_last_completion_timestamp_seconds",
		Help: "The timestamp of the last completed transaction snapshot run",
	})
)

func init() {
	prometheus.MustRegister(completionTime)
}

// cli holds the parsed command line
type cli struct {
	app *kingpin.Application

	logLevel       *string
	logFormat      *string
	configPath     *string
	pushgatewayURL *string

	journal            *string
	dynamodbTable      *string
	dynamodbAssumeRole *string
	region             *string
	awsAccessKeyID     *string
	awsSecretAccessKey *string

	runCmd      *kingpin.CmdClause
	description *string
	labels      *map[string]string
	runArgs     *[]string

	historyCmd    *kingpin.CmdClause
	historyConfig *string

	configsCmd *kingpin.CmdClause
}

func newCLI() *cli {
	app := kingpin.New("txn-snapshot", "Snapper snapshots around package manager transactions")
	// everything after the wrapped command's name belongs to that command
	app.Interspersed(false)

	c := &cli{app: app}
	c.logLevel = app.Flag("log-level", "Log level").Envar("TXN_SNAPSHOT_LOG_LEVEL").Default("info").Enum("debug", "info", "warn", "error")
	c.logFormat = app.Flag("log-format", "Log format").Envar("TXN_SNAPSHOT_LOG_FORMAT").Default("text").Enum("text", "json")
	c.configPath = app.Flag("config", "Path of the snapper plugin config").Envar("TXN_SNAPSHOT_CONFIG").Default(config.DefaultPath).String()
	c.pushgatewayURL = app.Flag("pushgateway-url", "URL of Prometheus' pushgateway").Envar("TXN_SNAPSHOT_PUSHGATEWAY_URL").String()

	c.journal = app.Flag("journal", "Local file snapshot pairs are journaled to (empty disables)").Envar("TXN_SNAPSHOT_JOURNAL").Default(bolt.DefaultPath).String()
	c.dynamodbTable = app.Flag("dynamodb-table", "DynamoDB table snapshot pairs are journaled to instead of the local file").Envar("TXN_SNAPSHOT_DYNAMODB_TABLE").String()
	c.dynamodbAssumeRole = app.Flag("dynamodb-assume-role", "ARN of the role to assume for accessing the DynamoDB table").Envar("TXN_SNAPSHOT_DYNAMODB_ASSUME_ROLE").String()
	c.region = app.Flag("region", "AWS region to use").Envar("TXN_SNAPSHOT_REGION").Default("eu-central-1").String()
	c.awsAccessKeyID = app.Flag("aws-access-key-id", "AWS Access Key ID to use").Envar("TXN_SNAPSHOT_AWS_ACCESS_KEY_ID").String()
	c.awsSecretAccessKey = app.Flag("aws-secret-access-key", "AWS Secret Access Key to use").Envar("TXN_SNAPSHOT_AWS_SECRET_ACCESS_KEY").String()

	c.runCmd = app.Command("run", "Run a package manager command between a pre and a post snapshot, e.g. 'run dnf upgrade -y'. Flags of run go before the command; '--' also ends them.")
	c.description = c.runCmd.Flag("description", "Snapshot description (default: the wrapped command line)").String()
	c.labels = c.runCmd.Flag("label", "Label recorded with every journaled snapshot pair").StringMap()
	c.runArgs = c.runCmd.Arg("command", "Package manager command to wrap, including its own flags").Strings()

	c.historyCmd = app.Command("history", "Show the latest journaled snapshot pair of a snapper config")
	c.historyConfig = c.historyCmd.Arg("config", "Snapper config").Required().String()

	c.configsCmd = app.Command("configs", "List the configured snapper configs")
	return c
}

func (c *cli) stores() storeFlags {
	return storeFlags{
		journal:            *c.journal,
		dynamodbTable:      *c.dynamodbTable,
		dynamodbAssumeRole: *c.dynamodbAssumeRole,
		region:             *c.region,
		awsAccessKeyID:     *c.awsAccessKeyID,
		awsSecretAccessKey: *c.awsSecretAccessKey,
	}
}

func main() {

	var (
		logger = log.New()
		c      = newCLI()
	)
	cmd := kingpin.MustParse(c.app.Parse(os.Args[1:]))

	level, err := log.ParseLevel(*c.logLevel)
	if err != nil {
		logger.Fatal(err)
	}
	logger.SetLevel(level)
	logger.Out = os.Stderr
	if *c.logFormat == "json" {
		logger.SetFormatter(&log.JSONFormatter{})
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	switch cmd {
	case c.runCmd.FullCommand():
		code := run(ctx, logger, runOptions{
			configPath:  *c.configPath,
			args:        *c.runArgs,
			description: *c.description,
			labels:      *c.labels,
			stores:      c.stores(),
		})
		pushMetrics(logger, *c.pushgatewayURL)
		cancel()
		os.Exit(code)
	case c.historyCmd.FullCommand():
		if err := history(os.Stdout, logger, c.stores(), *c.historyConfig); err != nil {
			logger.Fatalf("history: %+v", err)
		}
	case c.configsCmd.FullCommand():
		f, err := config.Load(*c.configPath)
		if err != nil {
			logger.Fatalf("config: %+v", err)
		}
		for _, name := range config.Targets(f) {
			fmt.Println(name)
		}
	default:
		logger.Fatalf("Invalid command %q", cmd)
	}
}

type runOptions struct {
	configPath  string
	args        []string
	description string
	labels      map[string]string
	stores      storeFlags
}

// run hosts the snapper plugin around the wrapped command and returns the
// command's exit code. Nothing the plugin does changes that code.
func run(ctx context.Context, logger *log.Logger, o runOptions) int {
	txn := &commandTransaction{args: o.args}

	desc := o.description
	if desc == "" {
		desc = txn.String()
	}
	opts := []snapshot.Opt{
		snapshot.WithLogger(logger),
		snapshot.WithDescription(desc),
		snapshot.WithLabels(datastore.SnapshotLabels(o.labels)),
	}

	ds, closer, err := openDatastore(logger, o.stores)
	if err != nil {
		logger.Warnf("snapshot pairs will not be journaled: %v", err)
	} else {
		defer closer.Close()
		if ds != nil {
			opts = append(opts, snapshot.WithDatastore(ds))
		}
	}

	host := &commandHost{configPath: o.configPath, txn: txn, logger: logger}
	p := plugin.New(ctx, host, snapshot.NewCoordinator(opts...), logger)

	p.Configure()
	p.PreTransaction()

	code := 0
	if txn.Pending() {
		code, err = txn.Run(ctx)
		if err != nil {
			logger.Errorf("running %q: %v", txn.String(), err)
		}
	}

	p.Transaction()
	completionTime.SetToCurrentTime()
	return code
}

func history(w io.Writer, logger *log.Logger, stores storeFlags, configName string) error {
	ds, closer, err := openDatastore(logger, stores)
	if err != nil {
		return err
	}
	defer closer.Close()
	if ds == nil {
		return fmt.Errorf("no journal configured")
	}

	pair, err := ds.GetLatestSnapshotPair(datastore.SnapshotConfig(configName))
	if err != nil {
		return err
	}
	printPair(w, pair)
	return nil
}

func printPair(w io.Writer, pair *datastore.SnapshotPair) {
	keys := make([]string, 0, len(pair.Labels))
	for k := range pair.Labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	labels := make([]string, 0, len(keys))
	for _, k := range keys {
		labels = append(labels, k+"="+pair.Labels[k])
	}

	fmt.Fprintf(w, "config:      %s\n", pair.Config)
	fmt.Fprintf(w, "pre:         %d\n", pair.PreNumber)
	if pair.Complete() {
		fmt.Fprintf(w, "post:        %d\n", pair.PostNumber)
	} else {
		fmt.Fprintf(w, "post:        (failed)\n")
	}
	fmt.Fprintf(w, "created at:  %s\n", pair.CreatedAt.Format("2006-01-02 15:04:05"))
	fmt.Fprintf(w, "description: %s\n", pair.Description)
	if len(labels) > 0 {
		fmt.Fprintf(w, "labels:      %s\n", strings.Join(labels, ", "))
	}
}

func pushMetrics(logger log.FieldLogger, url string) {
	if url == "" {
		return
	}
	if err := push.New(url, "txn_snapshot").
		Gatherer(prometheus.DefaultGatherer).
		Add(); err != nil {
		logger.Errorf("cannot push metrics to pushgateway at %s: %+v", url, err)
	}
}
