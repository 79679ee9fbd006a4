package pgx

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/edgeflare/pgrelay/pkg/realtime/change"
	"github.com/jackc/pgx/v5"
)

// Notify sends payload on channel with pg_notify, so channel names need no quoting.
func Notify(ctx context.Context, conn Conn, channel, payload string) error {
	if _, err := conn.Exec(ctx, "SELECT pg_notify($1, $2)", channel, payload); err != nil {
		return fmt.Errorf("notify %s: %w", channel, err)
	}
	return nil
}

var ErrNoTables = errors.New("no tables given")

// TriggerOptions controls the notify trigger installed on tables.
type TriggerOptions struct {
	// Schema holding the trigger function, defaults to public.
	Schema string
	// Function name, defaults to tg__pgrelay_notify.
	Function string
	// Trigger name created on every table, defaults to pgrelay_notify.
	Trigger string
	// BroadcastChannel additionally receives every change, defaults to store:all.
	BroadcastChannel string
}

func (o TriggerOptions) withDefaults() TriggerOptions {
	o.Schema = cmp.Or(o.Schema, "public")
	o.Function = cmp.Or(o.Function, "tg__pgrelay_notify")
	o.Trigger = cmp.Or(o.Trigger, "pgrelay_notify")
	o.BroadcastChannel = cmp.Or(o.BroadcastChannel, change.BroadcastChannel)
	return o
}

// maxNotifyPayload is one byte under PostgreSQL's 8000 byte NOTIFY limit.
const maxNotifyPayload = 7999

// triggerFunctionSQL creates the function emitting
// {event, table, schema, data, timestamp} on table:<table>:change and the broadcast channel.
// Rows too large for NOTIFY are sent with only their id and "truncated": true.
func triggerFunctionSQL(o TriggerOptions) string {
	return fmt.Sprintf(`CREATE OR REPLACE FUNCTION %s() RETURNS trigger
LANGUAGE plpgsql AS $fn$
DECLARE
  rec record;
  payload jsonb;
BEGIN
  IF TG_OP = 'DELETE' THEN
    rec := OLD;
  ELSE
    rec := NEW;
  END IF;

  payload := jsonb_build_object(
    'event', CASE TG_OP WHEN 'INSERT' THEN 'create' ELSE lower(TG_OP) END,
    'table', TG_TABLE_NAME,
    'schema', TG_TABLE_SCHEMA,
    'data', to_jsonb(rec),
    'timestamp', now()
  );
  IF octet_length(payload::text) > %d THEN
    payload := payload || jsonb_build_object(
      'data', jsonb_build_object('id', to_jsonb(rec)->'id'),
      'truncated', true
    );
  END IF;

  PERFORM pg_notify('table:' || TG_TABLE_NAME || ':change', payload::text);
  PERFORM pg_notify(%s, payload::text);
  RETURN rec;
END;
$fn$`, o.functionIdent(), maxNotifyPayload, quoteLiteral(o.BroadcastChannel))
}

func createTriggerSQL(table pgx.Identifier, o TriggerOptions) string {
	return fmt.Sprintf("CREATE TRIGGER %s AFTER INSERT OR UPDATE OR DELETE ON %s FOR EACH ROW EXECUTE FUNCTION %s()",
		pgx.Identifier{o.Trigger}.Sanitize(), table.Sanitize(), o.functionIdent())
}

func dropTriggerSQL(table pgx.Identifier, o TriggerOptions) string {
	return fmt.Sprintf("DROP TRIGGER IF EXISTS %s ON %s", pgx.Identifier{o.Trigger}.Sanitize(), table.Sanitize())
}

func (o TriggerOptions) functionIdent() string {
	return pgx.Identifier{o.Schema, o.Function}.Sanitize()
}

// ParseTableName splits "schema.table" into an identifier. A bare name stays unqualified.
func ParseTableName(name string) (pgx.Identifier, error) {
	parts := strings.Split(strings.TrimSpace(name), ".")
	if len(parts) > 2 {
		return nil, fmt.Errorf("invalid table name %q", name)
	}
	for _, p := range parts {
		if p == "" {
			return nil, fmt.Errorf("invalid table name %q", name)
		}
	}
	return pgx.Identifier(parts), nil
}

// InstallTriggers creates the notify function and (re)creates its trigger on every table
// in a single transaction.
func InstallTriggers(ctx context.Context, conn Conn, tables []string, opts TriggerOptions) error {
	opts = opts.withDefaults()
	idents, err := parseTables(tables)
	if err != nil {
		return err
	}

	stmts := []string{triggerFunctionSQL(opts)}
	for _, t := range idents {
		stmts = append(stmts, dropTriggerSQL(t, opts), createTriggerSQL(t, opts))
	}
	return execTx(ctx, conn, stmts)
}

// DropTriggers removes the notify trigger from every table. The function is dropped too
// when dropFunction is set and no other trigger uses it.
func DropTriggers(ctx context.Context, conn Conn, tables []string, opts TriggerOptions, dropFunction bool) error {
	opts = opts.withDefaults()
	idents, err := parseTables(tables)
	if err != nil {
		return err
	}

	var stmts []string
	for _, t := range idents {
		stmts = append(stmts, dropTriggerSQL(t, opts))
	}
	if dropFunction {
		stmts = append(stmts, fmt.Sprintf("DROP FUNCTION IF EXISTS %s() RESTRICT", opts.functionIdent()))
	}
	return execTx(ctx, conn, stmts)
}

func parseTables(tables []string) ([]pgx.Identifier, error) {
	if len(tables) == 0 {
		return nil, ErrNoTables
	}
	idents := make([]pgx.Identifier, 0, len(tables))
	for _, name := range tables {
		ident, err := ParseTableName(name)
		if err != nil {
			return nil, err
		}
		idents = append(idents, ident)
	}
	return idents, nil
}

func execTx(ctx context.Context, conn Conn, stmts []string) error {
	tx, err := conn.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, stmt := range stmts {
		if _, err := tx.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("exec %q: %w", firstLine(stmt), err)
		}
	}
	return tx.Commit(ctx)
}

func quoteLiteral(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
