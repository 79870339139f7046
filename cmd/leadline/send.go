package main

import (
	"errors"
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/zulandar/leadline/internal/directory"
	"github.com/zulandar/leadline/internal/gateway"
)

func newSendCmd() *cobra.Command {
	var (
		configPath string
		file       string
	)

	cmd := &cobra.Command{
		Use:   "send <room-id> [text]",
		Short: "Send a message to a room",
		Long: `Sends a text message, or a file with --file and the text as its caption.
The room's phone number is looked up from the viewer's room list.`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			text := ""
			if len(args) == 2 {
				text = args[1]
			}
			return runSend(cmd, configPath, args[0], text, file)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to leadline config file")
	cmd.Flags().StringVarP(&file, "file", "f", "", "file to send as media")
	return cmd
}

func runSend(cmd *cobra.Command, configPath, roomID, text, file string) error {
	if file == "" && strings.TrimSpace(text) == "" {
		return errors.New("text or --file is required")
	}
	cfg, logger, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	gw, err := newGateway(cfg, nil, logger)
	if err != nil {
		return err
	}
	viewer := cfg.ViewerIdentity()
	dir, err := directory.New(directory.Opts{Fetcher: gw, Viewer: viewer, Logger: logger})
	if err != nil {
		return err
	}
	if err := dir.LoadRooms(cmd.Context(), viewer); err != nil {
		return err
	}
	room, ok := dir.Room(roomID)
	if !ok {
		return fmt.Errorf("room %s not found for viewer %s", roomID, viewer.ID)
	}
	to := room.PhoneKey
	if to == "" {
		to = room.RoomID
	}

	localID := uuid.NewString()
	var ack gateway.Ack
	if file != "" {
		data, rerr := os.ReadFile(file)
		if rerr != nil {
			return fmt.Errorf("read %s: %w", file, rerr)
		}
		ack, err = gw.SendMedia(cmd.Context(), gateway.MediaRequest{
			To:       to,
			Caption:  text,
			SenderID: viewer.ID,
			LocalID:  localID,
			Filename: filepath.Base(file),
			MimeType: mimeTypeFor(file),
			Data:     data,
		})
	} else {
		ack, err = gw.SendText(cmd.Context(), gateway.SendRequest{
			To:       to,
			Text:     text,
			SenderID: viewer.ID,
			LocalID:  localID,
		})
	}
	if err != nil {
		return err
	}

	id := ack.ExternalID
	if id == "" {
		id = ack.ServerID
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Sent to %s (%s): %s\n", room.DisplayTitle, to, id)
	return nil
}

func mimeTypeFor(path string) string {
	if t := mime.TypeByExtension(filepath.Ext(path)); t != "" {
		return t
	}
	return "application/octet-stream"
}
