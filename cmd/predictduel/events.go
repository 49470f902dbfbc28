package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"predict-duel/internal/custody"
	"predict-duel/internal/domain"
	"predict-duel/internal/events"
	chstore "predict-duel/internal/storage/clickhouse"
)

//nolint:gochecknoglobals // Cobra boilerplate
var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Read settlement events",
}

//nolint:gochecknoglobals // Cobra boilerplate
var eventsTailCmd = &cobra.Command{
	Use:   "tail",
	Short: "Follow live settlement events from Redis",
	Long: `Prints committed settlement events as JSON lines until interrupted.
With --since, events logged after that stream entry ID are printed first.
Requires redis.addr.`,
	RunE: runEventsTail,
}

//nolint:gochecknoglobals // Cobra boilerplate
var eventsHistoryCmd = &cobra.Command{
	Use:   "history",
	Short: "Query recorded settlement events from ClickHouse",
	Long: `Prints the recorded events of one market (--creator and --index) or of
a time range (--from and --to, unix seconds) as JSON lines. Requires
clickhouse.dsn.`,
	RunE: runEventsHistory,
}

//nolint:gochecknoinits // Cobra boilerplate
func init() {
	rootCmd.AddCommand(eventsCmd)
	eventsCmd.AddCommand(eventsTailCmd, eventsHistoryCmd)

	eventsTailCmd.Flags().String("since", "", "Stream entry ID to resume after (\"0\" for the whole log)")
	eventsTailCmd.Flags().String("market", "", "Only print events of this market (base58)")

	eventsHistoryCmd.Flags().String("creator", "", "Market creator (base58)")
	eventsHistoryCmd.Flags().Uint64("index", 0, "Per-creator market index")
	eventsHistoryCmd.Flags().Int64("from", 0, "Range start, unix seconds")
	eventsHistoryCmd.Flags().Int64("to", 0, "Range end, unix seconds")
}

func runEventsTail(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	defer func() {
		_ = logger.Sync()
	}()

	if cfg.Redis.Addr == "" {
		return errors.New("redis.addr is not configured")
	}
	since, _ := cmd.Flags().GetString("since")
	if since != "" && !events.ValidStreamID(since) {
		return fmt.Errorf("since: invalid stream entry ID %q", since)
	}
	var filter *domain.Address
	if s, _ := cmd.Flags().GetString("market"); s != "" {
		a, err := domain.ParseAddress(s)
		if err != nil {
			return fmt.Errorf("market: %w", err)
		}
		filter = &a
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pub, err := openRedis(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer pub.Close()

	live, err := pub.Subscribe(ctx)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	seen := make(map[string]struct{})
	for cursor := since; cursor != ""; {
		entries, next, err := pub.Replay(ctx, cursor, 100)
		if err != nil {
			return err
		}
		for _, e := range entries {
			seen[e.Event.EventID] = struct{}{}
			if filter != nil && e.Event.Market != *filter {
				continue
			}
			msg := events.NewMessage(e.Event)
			msg.Cursor = e.ID
			if err := enc.Encode(msg); err != nil {
				return err
			}
		}
		if next == cursor {
			break
		}
		cursor = next
	}

	for ev := range live {
		if _, dup := seen[ev.EventID]; dup {
			continue
		}
		if filter != nil && ev.Market != *filter {
			continue
		}
		if err := enc.Encode(events.NewMessage(ev)); err != nil {
			return err
		}
	}
	return nil
}

func runEventsHistory(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	defer func() {
		_ = logger.Sync()
	}()

	if cfg.Clickhouse.DSN == "" {
		return errors.New("clickhouse.dsn is not configured")
	}

	flags := cmd.Flags()
	byMarket := flags.Changed("creator")
	byRange := flags.Changed("from") || flags.Changed("to")
	if byMarket == byRange {
		return errors.New("pass either --creator/--index or --from/--to")
	}

	ctx := cmd.Context()
	conn, err := chstore.NewConn(ctx, cfg.Clickhouse.DSN)
	if err != nil {
		return fmt.Errorf("connect to clickhouse: %w", err)
	}
	defer conn.Close()
	store := chstore.NewEventStore(conn)

	var evs []*domain.SettlementEvent
	if byMarket {
		programID, err := cfg.ProgramID()
		if err != nil {
			return err
		}
		creatorStr, _ := flags.GetString("creator")
		creator, err := domain.ParseAddress(creatorStr)
		if err != nil {
			return fmt.Errorf("creator: %w", err)
		}
		index, _ := flags.GetUint64("index")
		addrs, err := custody.DeriveMarket(programID, creator, index)
		if err != nil {
			return err
		}
		evs, err = store.GetByMarket(ctx, addrs.Market)
		if err != nil {
			return err
		}
	} else {
		from, _ := flags.GetInt64("from")
		to, _ := flags.GetInt64("to")
		if to < from {
			return fmt.Errorf("--to %d is before --from %d", to, from)
		}
		evs, err = store.GetByTimeRange(ctx, from, to)
		if err != nil {
			return err
		}
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	for _, ev := range evs {
		if err := enc.Encode(events.NewMessage(ev)); err != nil {
			return err
		}
	}
	return nil
}
