package pgrelay

import (
	"context"
	"errors"
	"io"
	"strings"

	"github.com/edgeflare/pgrelay/pkg/pgx"
	"github.com/edgeflare/pgrelay/pkg/realtime/change"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	errNoChannel   = errors.New("a channel or --table is required")
	errTooManyArgs = errors.New("too many arguments")
)

var notifyCmd = &cobra.Command{
	Use:   "notify <channel> [payload]",
	Short: "Send a notification through PostgreSQL",
	Long: `Sends payload on channel with pg_notify. The payload is read from stdin when omitted.
A --table shorthand targets table:<table>:change.

  pgrelay notify --table orders '{"event":"update","data":{"id":1,"status":"paid"}}'`,
	Args: cobra.RangeArgs(0, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		table, _ := cmd.Flags().GetString("table")
		channel, payload, err := notifyArgs(cmd.InOrStdin(), table, args)
		if err != nil {
			return err
		}
		return withPool(cmd.Context(), func(ctx context.Context, pool *pgxpool.Pool) error {
			if err := pgx.Notify(ctx, pool, channel, payload); err != nil {
				return err
			}
			logger.Info("notification sent", zap.String("channel", channel), zap.Int("bytes", len(payload)))
			return nil
		})
	},
}

func init() {
	notifyCmd.Flags().String("table", "", "send on the change channel of this table")
	rootCmd.AddCommand(notifyCmd)
}

func notifyArgs(stdin io.Reader, table string, args []string) (channel, payload string, err error) {
	if table != "" {
		channel = change.TableChannel(table)
	} else if len(args) > 0 {
		channel, args = args[0], args[1:]
	}
	if strings.TrimSpace(channel) == "" {
		return "", "", errNoChannel
	}

	switch len(args) {
	case 0:
		b, err := io.ReadAll(stdin)
		if err != nil {
			return "", "", err
		}
		payload = strings.TrimSpace(string(b))
	case 1:
		payload = args[0]
	default:
		return "", "", errTooManyArgs
	}
	return channel, payload, nil
}
