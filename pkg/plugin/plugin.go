package plugin

import (
	"context"

	log "github.com/sirupsen/logrus"
	"gopkg.in/ini.v1"

	"github.com/grid-x/txn-snapshot/pkg/config"
	"github.com/grid-x/txn-snapshot/pkg/snapshot"
)

// Name is the plugin name the host looks its config up by
const Name = "snapper"

// Base is the package manager hosting the plugin
type Base interface {
	// Transaction returns the current transaction, nil if there is none
	Transaction() snapshot.Transaction
	// ReadConfig returns the plugin's config file
	ReadConfig(name string) (*ini.File, error)
}

// Plugin adapts the snapshot coordinator to the host's lifecycle callbacks,
// which the host invokes in order: Configure, PreTransaction, Transaction.
// None of them report errors back to the host.
type Plugin struct {
	base  Base
	coord *snapshot.Coordinator
	ctx   context.Context

	logger log.FieldLogger
}

// New creates the plugin for the given host
func New(ctx context.Context, base Base, coord *snapshot.Coordinator, logger log.FieldLogger) *Plugin {
	return &Plugin{
		base:   base,
		coord:  coord,
		ctx:    ctx,
		logger: logger.WithField("plugin", Name),
	}
}

// Configure reads the snapper configs to use
func (p *Plugin) Configure() {
	f, err := p.base.ReadConfig(Name)
	if err != nil {
		p.logger.Errorf("reading plugin config failed: %v", err)
		p.coord.Configure(nil)
		return
	}
	if !config.Enabled(f) {
		p.logger.Debug("plugin disabled")
		p.coord.Configure(nil)
		return
	}
	p.coord.Configure(config.Targets(f))
}

// PreTransaction runs right before the transaction applies
func (p *Plugin) PreTransaction() {
	p.coord.BeginTransaction(p.ctx, p.base.Transaction())
}

// Transaction runs right after the transaction completed
func (p *Plugin) Transaction() {
	p.coord.CompleteTransaction(p.ctx, p.base.Transaction())
}
