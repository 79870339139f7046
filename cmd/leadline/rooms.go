package main

import (
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/zulandar/leadline/internal/convo"
	"github.com/zulandar/leadline/internal/directory"
)

func newRoomsCmd() *cobra.Command {
	var (
		configPath string
		asJSON     bool
	)

	cmd := &cobra.Command{
		Use:   "rooms",
		Short: "List the viewer's rooms",
		Long:  "Fetches the room list over REST and prints the rooms the configured viewer can see, newest activity first.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRooms(cmd, configPath, asJSON)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to leadline config file")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON even on a terminal")
	return cmd
}

func runRooms(cmd *cobra.Command, configPath string, asJSON bool) error {
	cfg, logger, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	gw, err := newGateway(cfg, nil, logger)
	if err != nil {
		return err
	}
	dir, err := directory.New(directory.Opts{Fetcher: gw, Viewer: cfg.ViewerIdentity(), Logger: logger})
	if err != nil {
		return err
	}
	if err := dir.LoadRooms(cmd.Context(), cfg.ViewerIdentity()); err != nil {
		return err
	}
	return printRooms(cmd, dir.Rooms(), asJSON, time.Now())
}

func printRooms(cmd *cobra.Command, rooms []convo.Room, asJSON bool, now time.Time) error {
	out := cmd.OutOrStdout()
	if asJSON || !useTable(out) {
		wire := make([]convo.WireRoom, 0, len(rooms))
		for _, r := range rooms {
			wire = append(wire, convo.FromRoom(r))
		}
		return printJSON(out, wire)
	}
	if len(rooms) == 0 {
		fmt.Fprintln(out, "No rooms found.")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTITLE\tPHONE\tUNREAD\tAGE\tAGENTS\tLAST MESSAGE")
	for _, r := range rooms {
		agents := strings.Join(r.AssignedAgentIDs, ",")
		if agents == "" {
			agents = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\t%s\n",
			r.RoomID, truncate(r.DisplayTitle, 24), r.PhoneKey, r.UnreadCount,
			formatAge(r.LastActivityAt, now), agents, truncate(r.LastPreviewText, 40))
	}
	return w.Flush()
}
