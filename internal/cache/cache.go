// Package cache persists confirmed messages and room summaries so a
// restarted client can render before its first fetch returns.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"

	"github.com/zulandar/leadline/internal/convo"
	"github.com/zulandar/leadline/internal/models"
	"github.com/zulandar/leadline/internal/policy"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// DefaultMaxPerRoom bounds the messages kept per room.
const DefaultMaxPerRoom = 200

// Opts holds parameters for creating a Store.
type Opts struct {
	DB         *gorm.DB
	MaxPerRoom int // defaults to DefaultMaxPerRoom
	Logger     *slog.Logger
}

// Store reads and writes the cache tables.
type Store struct {
	db         *gorm.DB
	maxPerRoom int
	logger     *slog.Logger
}

// New creates a Store. The tables must already exist (see db.AutoMigrate).
func New(opts Opts) (*Store, error) {
	if opts.DB == nil {
		return nil, fmt.Errorf("cache: db is required")
	}
	max := opts.MaxPerRoom
	if max <= 0 {
		max = DefaultMaxPerRoom
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{db: opts.DB, maxPerRoom: max, logger: logger}, nil
}

// SaveMessages replaces the cached window of roomID with the newest
// confirmed entries of msgs. Optimistic entries are never cached.
func (s *Store) SaveMessages(ctx context.Context, roomID string, msgs []convo.Message) error {
	rows := make([]models.CachedMessage, 0, len(msgs))
	for _, m := range msgs {
		if m.RoomID != roomID || (m.ServerID == "" && m.ExternalID == "") {
			continue
		}
		payload, err := json.Marshal(convo.FromMessage(m))
		if err != nil {
			return fmt.Errorf("cache: encode message %s: %w", policy.DedupKey(m), err)
		}
		rows = append(rows, models.CachedMessage{
			RoomID:        roomID,
			MessageKey:    policy.DedupKey(m),
			ServerID:      m.ServerID,
			ExternalID:    m.ExternalID,
			SenderKind:    string(m.SenderKind),
			DeliveryState: string(m.DeliveryState),
			Payload:       string(payload),
			SentAt:        m.CreatedAt,
		})
	}
	if len(rows) > s.maxPerRoom {
		rows = rows[len(rows)-s.maxPerRoom:]
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("room_id = ?", roomID).Delete(&models.CachedMessage{}).Error; err != nil {
			return err
		}
		if len(rows) == 0 {
			return nil
		}
		return tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&rows).Error
	})
	if err != nil {
		return fmt.Errorf("cache: save messages for room %s: %w", roomID, err)
	}
	return nil
}

// LoadMessages returns the cached messages of roomID, oldest first.
// Undecodable rows are skipped.
func (s *Store) LoadMessages(ctx context.Context, roomID string) ([]convo.Message, error) {
	var rows []models.CachedMessage
	err := s.db.WithContext(ctx).
		Where("room_id = ?", roomID).
		Order("sent_at ASC").Order("id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("cache: load messages for room %s: %w", roomID, err)
	}
	out := make([]convo.Message, 0, len(rows))
	for _, row := range rows {
		var w convo.WireMessage
		if err := json.Unmarshal([]byte(row.Payload), &w); err != nil {
			s.logger.Warn("cache: skipping undecodable message", "room", roomID, "key", row.MessageKey, "error", err)
			continue
		}
		m, err := w.ToMessage()
		if err != nil {
			s.logger.Warn("cache: skipping invalid message", "room", roomID, "key", row.MessageKey, "error", err)
			continue
		}
		out = append(out, m)
	}
	return out, nil
}

// SaveRooms upserts room summaries.
func (s *Store) SaveRooms(ctx context.Context, rooms []convo.Room) error {
	if len(rooms) == 0 {
		return nil
	}
	rows := make([]models.CachedRoom, 0, len(rooms))
	for _, r := range rooms {
		agents, err := json.Marshal(r.AssignedAgentIDs)
		if err != nil {
			return fmt.Errorf("cache: encode agents for room %s: %w", r.RoomID, err)
		}
		rows = append(rows, models.CachedRoom{
			RoomID:         r.RoomID,
			DisplayTitle:   r.DisplayTitle,
			PhoneKey:       r.PhoneKey,
			LinkedLeadID:   r.LinkedLeadID,
			LastPreview:    r.LastPreviewText,
			LastActivityAt: r.LastActivityAt,
			UnreadCount:    r.UnreadCount,
			AssignedAgents: string(agents),
		})
	}
	result := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "room_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"display_title", "phone_key", "linked_lead_id", "last_preview",
			"last_activity_at", "unread_count", "assigned_agents", "updated_at",
		}),
	}).Create(&rows)
	if result.Error != nil {
		return fmt.Errorf("cache: save rooms: %w", result.Error)
	}
	return nil
}

// LoadRooms returns every cached room, newest activity first.
func (s *Store) LoadRooms(ctx context.Context) ([]convo.Room, error) {
	var rows []models.CachedRoom
	if err := s.db.WithContext(ctx).Order("last_activity_at DESC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("cache: load rooms: %w", err)
	}
	out := make([]convo.Room, 0, len(rows))
	for _, row := range rows {
		var agents []string
		if row.AssignedAgents != "" {
			if err := json.Unmarshal([]byte(row.AssignedAgents), &agents); err != nil {
				s.logger.Warn("cache: bad agent set", "room", row.RoomID, "error", err)
			}
		}
		out = append(out, convo.Room{
			RoomID:           row.RoomID,
			DisplayTitle:     row.DisplayTitle,
			PhoneKey:         row.PhoneKey,
			LinkedLeadID:     row.LinkedLeadID,
			LastPreviewText:  row.LastPreview,
			LastActivityAt:   row.LastActivityAt,
			UnreadCount:      row.UnreadCount,
			AssignedAgentIDs: convo.NormalizeAgents(agents),
		})
	}
	policy.SortRooms(out)
	return out, nil
}

// RoomIDs returns the ids of rooms with cached messages.
func (s *Store) RoomIDs(ctx context.Context) ([]string, error) {
	var ids []string
	err := s.db.WithContext(ctx).Model(&models.CachedMessage{}).
		Distinct("room_id").Pluck("room_id", &ids).Error
	if err != nil {
		return nil, fmt.Errorf("cache: list rooms: %w", err)
	}
	slices.Sort(ids)
	return ids, nil
}
