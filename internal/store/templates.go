package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"alamor/internal/model"

	"gorm.io/gorm/clause"
)

// Template is a captured sample link: the flat decoded map plus the raw text.
type Template struct {
	Params     map[string]string
	Raw        string
	CapturedAt *time.Time
}

// CaptureServerInboundTemplate stores the sample for a (server, inbound)
// pair, replacing any earlier capture.
func (s *Store) CaptureServerInboundTemplate(ctx context.Context, serverID uint, inboundID int, params map[string]string, raw string) error {
	encoded, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("failed to encode template params: %w", err)
	}
	now := time.Now()
	row := model.ServerInbound{
		ServerID:     serverID,
		InboundID:    inboundID,
		IsActive:     true,
		ConfigParams: string(encoded),
		RawTemplate:  raw,
		CapturedAt:   &now,
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "server_id"}, {Name: "inbound_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"config_params", "raw_template", "captured_at"}),
	}).Create(&row).Error
}

// CaptureProfileInboundTemplate stores the sample for one inbound of a profile.
func (s *Store) CaptureProfileInboundTemplate(ctx context.Context, profileID, serverID uint, inboundID int, params map[string]string, raw string) error {
	encoded, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("failed to encode template params: %w", err)
	}
	now := time.Now()
	row := model.ProfileInbound{
		ProfileID:    profileID,
		ServerID:     serverID,
		InboundID:    inboundID,
		ConfigParams: string(encoded),
		RawTemplate:  raw,
		CapturedAt:   &now,
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "profile_id"}, {Name: "server_id"}, {Name: "inbound_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"config_params", "raw_template", "captured_at"}),
	}).Create(&row).Error
}

func (s *Store) ServerInboundTemplate(ctx context.Context, serverID uint, inboundID int) (*Template, error) {
	var row model.ServerInbound
	err := s.db.WithContext(ctx).
		Where("server_id = ? AND inbound_id = ?", serverID, inboundID).
		First(&row).Error
	if err != nil {
		return nil, notFound(err)
	}
	if !row.HasTemplate() {
		return nil, ErrNotFound
	}
	return decodeTemplate(row.ConfigParams, row.RawTemplate, row.CapturedAt)
}

func (s *Store) ProfileInboundTemplate(ctx context.Context, profileID, serverID uint, inboundID int) (*Template, error) {
	var row model.ProfileInbound
	err := s.db.WithContext(ctx).
		Where("profile_id = ? AND server_id = ? AND inbound_id = ?", profileID, serverID, inboundID).
		First(&row).Error
	if err != nil {
		return nil, notFound(err)
	}
	if !row.HasTemplate() {
		return nil, ErrNotFound
	}
	return decodeTemplate(row.ConfigParams, row.RawTemplate, row.CapturedAt)
}

// decodeTemplate keeps the raw text usable even when the stored params
// cannot be read back; callers fall back to it.
func decodeTemplate(params, raw string, capturedAt *time.Time) (*Template, error) {
	t := &Template{Raw: raw, CapturedAt: capturedAt}
	if err := json.Unmarshal([]byte(params), &t.Params); err != nil {
		return t, fmt.Errorf("stored template params are corrupt: %w", err)
	}
	return t, nil
}

// ServerInbounds returns the inbounds enabled for sale on a server.
func (s *Store) ServerInbounds(ctx context.Context, serverID uint) ([]model.ServerInbound, error) {
	var rows []model.ServerInbound
	err := s.db.WithContext(ctx).
		Where("server_id = ? AND is_active = ?", serverID, true).
		Order("inbound_id").
		Find(&rows).Error
	return rows, err
}

// TemplateCoverage counts captured templates against enabled inbounds.
type TemplateCoverage struct {
	ServerInbounds  int64
	ServerCaptured  int64
	ProfileInbounds int64
	ProfileCaptured int64
}

func (s *Store) TemplateCoverage(ctx context.Context) (TemplateCoverage, error) {
	var c TemplateCoverage
	db := s.db.WithContext(ctx)
	captured := "config_params <> '' AND raw_template <> ''"

	if err := db.Model(&model.ServerInbound{}).Where("is_active = ?", true).Count(&c.ServerInbounds).Error; err != nil {
		return c, err
	}
	if err := db.Model(&model.ServerInbound{}).Where("is_active = ?", true).Where(captured).Count(&c.ServerCaptured).Error; err != nil {
		return c, err
	}
	if err := db.Model(&model.ProfileInbound{}).Count(&c.ProfileInbounds).Error; err != nil {
		return c, err
	}
	if err := db.Model(&model.ProfileInbound{}).Where(captured).Count(&c.ProfileCaptured).Error; err != nil {
		return c, err
	}
	return c, nil
}
