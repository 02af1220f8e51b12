// Package trigger installs the datastore-side notification function and
// triggers that feed the LISTEN/NOTIFY relay.
package trigger

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/wandererhq/connector/config"
	"github.com/wandererhq/connector/errs"
	"github.com/wandererhq/connector/internal/store"
)

const (
	notifyFunctionSQL = `
CREATE OR REPLACE FUNCTION %s() RETURNS trigger AS $$
BEGIN
    PERFORM pg_notify(%s, row_to_json(NEW)::text);
    RETURN NEW;
END;
$$ LANGUAGE plpgsql;
`
	notifyTriggerSQL = `
CREATE OR REPLACE TRIGGER %s
AFTER INSERT ON %s
FOR EACH ROW EXECUTE FUNCTION %s();
`
)

// Registrar installs one notify function and insert trigger per watched table.
type Registrar struct {
	watches []config.Watch
	logger  *log.Logger
}

// NewRegistrar constructs a registrar for the configured watches.
func NewRegistrar(watches []config.Watch, logger *log.Logger) (*Registrar, error) {
	if len(watches) == 0 {
		return nil, errs.New("trigger/registrar", errs.CodeConfiguration, errs.WithMessage("at least one watch required"))
	}
	for _, w := range watches {
		if strings.TrimSpace(w.Table) == "" || strings.TrimSpace(w.Channel) == "" {
			return nil, errs.New("trigger/registrar", errs.CodeConfiguration, errs.WithMessage("watch entries need table and channel"))
		}
	}
	return &Registrar{watches: append([]config.Watch(nil), watches...), logger: logger}, nil
}

// EnsureInstalled idempotently installs the notify function and trigger for
// every watched table. Safe to run on every startup; failure here is fatal
// because the relay cannot function without the triggers.
func (r *Registrar) EnsureInstalled(ctx context.Context, conn store.Conn) error {
	if conn == nil {
		return errs.New("trigger/install", errs.CodeInternal, errs.WithMessage("connection required"))
	}
	for _, w := range r.watches {
		if err := r.install(ctx, conn, w); err != nil {
			return errs.New("trigger/install", errs.CodeFatal,
				errs.WithMessage(fmt.Sprintf("table %s channel %s", w.Table, w.Channel)),
				errs.WithCause(err))
		}
		if r.logger != nil {
			r.logger.Printf("trigger registrar: insert notifications installed table=%s channel=%s", w.Table, w.Channel)
		}
	}
	return nil
}

func (r *Registrar) install(ctx context.Context, conn store.Conn, w config.Watch) error {
	function := functionName(w)
	functionDDL := fmt.Sprintf(notifyFunctionSQL,
		pgx.Identifier{function}.Sanitize(),
		quoteLiteral(w.Channel))
	if _, err := conn.Exec(ctx, functionDDL); err != nil {
		return fmt.Errorf("create notify function: %w", err)
	}

	triggerDDL := fmt.Sprintf(notifyTriggerSQL,
		pgx.Identifier{triggerName(w)}.Sanitize(),
		pgx.Identifier{w.Table}.Sanitize(),
		pgx.Identifier{function}.Sanitize())
	if _, err := conn.Exec(ctx, triggerDDL); err != nil {
		return fmt.Errorf("create notify trigger: %w", err)
	}
	return nil
}

func functionName(w config.Watch) string {
	return w.Table + "_insert_notify"
}

func triggerName(w config.Watch) string {
	return w.Table + "_insert"
}

// quoteLiteral encodes a channel name as a single-quoted SQL string literal.
func quoteLiteral(value string) string {
	return "'" + strings.ReplaceAll(value, "'", "''") + "'"
}
