package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/zulandar/leadline/internal/convo"
	"github.com/zulandar/leadline/internal/timeline"
)

func newHistoryCmd() *cobra.Command {
	var (
		configPath string
		limit      int
		asJSON     bool
	)

	cmd := &cobra.Command{
		Use:   "history <room-id>",
		Short: "Print a room's recent messages",
		Long:  "Fetches the newest page of a room's history over REST, oldest first.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHistory(cmd, configPath, args[0], limit, asJSON)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to leadline config file")
	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "page size (defaults to timeline.page_size)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON even on a terminal")
	return cmd
}

func runHistory(cmd *cobra.Command, configPath, roomID string, limit int, asJSON bool) error {
	cfg, logger, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if limit <= 0 {
		limit = cfg.Timeline.PageSize
	}
	gw, err := newGateway(cfg, nil, logger)
	if err != nil {
		return err
	}
	tl, err := timeline.New(timeline.Opts{
		RoomID:    roomID,
		Fetcher:   gw,
		PageSize:  limit,
		Tolerance: cfg.Timeline.MatchTolerance,
		Logger:    logger,
	})
	if err != nil {
		return err
	}
	more, err := tl.LoadHistory(cmd.Context(), limit)
	if err != nil {
		return err
	}
	return printMessages(cmd, tl.Messages(), more, asJSON)
}

func printMessages(cmd *cobra.Command, msgs []convo.Message, more, asJSON bool) error {
	out := cmd.OutOrStdout()
	if asJSON || !useTable(out) {
		wire := make([]convo.WireMessage, 0, len(msgs))
		for _, m := range msgs {
			wire = append(wire, convo.FromMessage(m))
		}
		return printJSON(out, wire)
	}
	if len(msgs) == 0 {
		fmt.Fprintln(out, "No messages.")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tFROM\tSTATE\tMESSAGE")
	for _, m := range msgs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
			m.CreatedAt.Local().Format("Jan 02 15:04"), m.SenderKind, m.DeliveryState,
			truncate(m.Content.Preview(), 60))
	}
	if err := w.Flush(); err != nil {
		return err
	}
	if more {
		fmt.Fprintln(out, "(older messages available)")
	}
	return nil
}
