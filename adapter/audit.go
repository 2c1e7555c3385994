package adapter

import (
	"go.uber.org/zap"

	"github.com/srediag/rtcore/internal/logging"
	"github.com/srediag/rtcore/pkg/rtapi"
)

// Audit records context and module lifecycle events on a dedicated logger.
type Audit struct {
	log *zap.Logger
}

// NewAudit returns an audit log writing to log.
func NewAudit(log *zap.Logger) *Audit {
	return &Audit{log: logging.OrNop(log).Named("audit")}
}

// ContextOpened records a new context.
func (a *Audit) ContextOpened(c *rtapi.Context) {
	a.log.Info("context opened",
		zap.Stringer("context", c.ID()),
		zap.String("backend", string(c.Backend())),
		zap.String("store", c.Segments.Kind()),
		zap.Duration("base_period", c.Scheduler.BasePeriod()))
}

// ContextClosed records the teardown of c and its outcome.
func (a *Audit) ContextClosed(c *rtapi.Context, err error) {
	fields := []zap.Field{zap.Stringer("context", c.ID())}
	if err != nil {
		a.log.Warn("context closed with errors", append(fields, zap.Error(err))...)
		return
	}
	a.log.Info("context closed", fields...)
}

// ModuleInit records a module initialisation attempt.
func (a *Audit) ModuleInit(c *rtapi.Context, name string, err error) {
	fields := []zap.Field{zap.Stringer("context", c.ID()), zap.String("module", name)}
	if err != nil {
		a.log.Warn("module init failed", append(fields, zap.Error(err))...)
		return
	}
	a.log.Info("module initialised", fields...)
}

// ModuleExit records a module exit.
func (a *Audit) ModuleExit(m *rtapi.Module, err error) {
	fields := []zap.Field{zap.Stringer("context", m.Context().ID()), zap.String("module", m.Name())}
	if err != nil {
		a.log.Warn("module exited with errors", append(fields, zap.Error(err))...)
		return
	}
	a.log.Info("module exited", fields...)
}
