package store

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"alamor/internal/model"
	"alamor/internal/panel"

	"github.com/zeebo/xxh3"
	"gorm.io/gorm/clause"
)

// UpsertResult classifies the rows of one upsert batch.
type UpsertResult struct {
	Inserted  int
	Updated   int
	Unchanged int
}

func (r UpsertResult) Changed() int { return r.Inserted + r.Updated }

// Checksum fingerprints the payload columns of a synced inbound.
func Checksum(in panel.Inbound) string {
	payload := strings.Join([]string{in.Remark, strconv.Itoa(in.Port), in.Protocol, in.Settings, in.StreamSettings}, "\x00")
	return strconv.FormatUint(xxh3.HashString(payload), 16)
}

// UpsertSyncedConfigs writes the batch with a single
// INSERT ... ON CONFLICT(server_id, inbound_id) DO UPDATE statement whose
// update only fires when the checksum differs, so re-syncing an unchanged
// panel rewrites nothing.
func (s *Store) UpsertSyncedConfigs(ctx context.Context, inbounds []panel.Inbound) (UpsertResult, error) {
	var res UpsertResult
	if len(inbounds) == 0 {
		return res, nil
	}

	rows := make([]model.SyncedConfig, 0, len(inbounds))
	for _, in := range inbounds {
		rows = append(rows, model.SyncedConfig{
			ServerID:       in.ServerID,
			InboundID:      in.InboundID,
			Remark:         in.Remark,
			Port:           in.Port,
			Protocol:       in.Protocol,
			Settings:       in.Settings,
			StreamSettings: in.StreamSettings,
			Checksum:       Checksum(in),
		})
	}

	// Classification only feeds the report; the write itself stays atomic.
	existing, err := s.checksums(ctx, rows)
	if err != nil {
		return res, err
	}
	for _, r := range rows {
		sum, ok := existing[syncedKey{r.ServerID, r.InboundID}]
		switch {
		case !ok:
			res.Inserted++
		case sum != r.Checksum:
			res.Updated++
		default:
			res.Unchanged++
		}
	}

	err = s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "server_id"}, {Name: "inbound_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"remark", "port", "protocol", "settings", "stream_settings", "checksum", "updated_at",
		}),
		Where: clause.Where{Exprs: []clause.Expression{
			clause.Expr{SQL: "synced_configs.checksum <> excluded.checksum"},
		}},
	}).Create(&rows).Error
	if err != nil {
		return UpsertResult{}, fmt.Errorf("failed to upsert synced configs: %w", err)
	}
	return res, nil
}

type syncedKey struct {
	serverID  uint
	inboundID int
}

func (s *Store) checksums(ctx context.Context, rows []model.SyncedConfig) (map[syncedKey]string, error) {
	servers := map[uint]bool{}
	var ids []uint
	for _, r := range rows {
		if !servers[r.ServerID] {
			servers[r.ServerID] = true
			ids = append(ids, r.ServerID)
		}
	}

	var current []model.SyncedConfig
	err := s.db.WithContext(ctx).
		Select("server_id", "inbound_id", "checksum").
		Where("server_id IN ?", ids).
		Find(&current).Error
	if err != nil {
		return nil, err
	}

	out := make(map[syncedKey]string, len(current))
	for _, c := range current {
		out[syncedKey{c.ServerID, c.InboundID}] = c.Checksum
	}
	return out, nil
}

func (s *Store) SyncedConfig(ctx context.Context, serverID uint, inboundID int) (*model.SyncedConfig, error) {
	var row model.SyncedConfig
	err := s.db.WithContext(ctx).
		Where("server_id = ? AND inbound_id = ?", serverID, inboundID).
		First(&row).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &row, nil
}

func (s *Store) SyncedConfigs(ctx context.Context, serverID uint) ([]model.SyncedConfig, error) {
	var rows []model.SyncedConfig
	err := s.db.WithContext(ctx).Where("server_id = ?", serverID).Order("inbound_id").Find(&rows).Error
	return rows, err
}
