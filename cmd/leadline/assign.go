package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newAssignCmd() *cobra.Command {
	var (
		configPath string
		remove     bool
	)

	cmd := &cobra.Command{
		Use:   "assign <room-id> <agent-id>",
		Short: "Assign an agent to a room",
		Long: `Assigns an agent to a room, or removes the assignment with --remove.
The push channel announces the change to every connected inbox.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAssign(cmd, configPath, args[0], args[1], remove)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to leadline config file")
	cmd.Flags().BoolVar(&remove, "remove", false, "unassign the agent instead")
	return cmd
}

func runAssign(cmd *cobra.Command, configPath, roomID, agentID string, remove bool) error {
	cfg, logger, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	gw, err := newGateway(cfg, nil, logger)
	if err != nil {
		return err
	}
	if remove {
		if err := gw.Unassign(cmd.Context(), roomID, agentID); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Unassigned agent %s from room %s\n", agentID, roomID)
		return nil
	}
	if err := gw.Assign(cmd.Context(), roomID, agentID); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Assigned agent %s to room %s\n", agentID, roomID)
	return nil
}
