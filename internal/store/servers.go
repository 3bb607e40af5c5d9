package store

import (
	"context"
	"fmt"
	"time"

	"alamor/internal/config"
	"alamor/internal/logger"
	"alamor/internal/model"
	"alamor/internal/secret"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// SeedServers mirrors the configured servers into the database. Passwords
// are stored sealed with box; inbounds listed for a server are enabled,
// the others disabled. Captured templates are never touched.
func (s *Store) SeedServers(ctx context.Context, servers []config.ServerConfig, box *secret.Box) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, sc := range servers {
			sealed, err := box.Encrypt(sc.Password)
			if err != nil {
				return fmt.Errorf("server %s: %w", sc.Name, err)
			}
			row := model.Server{
				Name:                sc.Name,
				PanelType:           sc.PanelType,
				PanelURL:            sc.PanelURL,
				SubscriptionBaseURL: sc.SubscriptionBaseURL,
				Username:            sc.Username,
				EncryptedPassword:   sealed,
				IsActive:            sc.IsActive(),
			}
			err = tx.Clauses(clause.OnConflict{
				Columns: []clause.Column{{Name: "name"}},
				DoUpdates: clause.AssignmentColumns([]string{
					"panel_type", "panel_url", "subscription_base_url",
					"username", "encrypted_password", "is_active",
				}),
			}).Create(&row).Error
			if err != nil {
				return fmt.Errorf("failed to seed server %s: %w", sc.Name, err)
			}

			var saved model.Server
			if err := tx.Where("name = ?", sc.Name).First(&saved).Error; err != nil {
				return err
			}
			if err := seedServerInbounds(tx, saved.ID, sc.Inbounds); err != nil {
				return fmt.Errorf("server %s: %w", sc.Name, err)
			}
		}
		return nil
	})
}

func seedServerInbounds(tx *gorm.DB, serverID uint, inbounds []int) error {
	for _, id := range inbounds {
		row := model.ServerInbound{ServerID: serverID, InboundID: id, IsActive: true}
		err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "server_id"}, {Name: "inbound_id"}},
			DoUpdates: clause.Assignments(map[string]interface{}{"is_active": true}),
		}).Create(&row).Error
		if err != nil {
			return err
		}
	}

	q := tx.Model(&model.ServerInbound{}).Where("server_id = ?", serverID)
	if len(inbounds) > 0 {
		q = q.Where("inbound_id NOT IN ?", inbounds)
	}
	return q.Update("is_active", false).Error
}

// SeedProfiles mirrors configured profiles. Inbound references are resolved
// by server name; positions follow the configured order.
func (s *Store) SeedProfiles(ctx context.Context, profiles []config.ProfileConfig) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, pc := range profiles {
			row := model.Profile{Name: pc.Name, IsActive: true}
			err := tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "name"}},
				DoUpdates: clause.Assignments(map[string]interface{}{"is_active": true}),
			}).Create(&row).Error
			if err != nil {
				return fmt.Errorf("failed to seed profile %s: %w", pc.Name, err)
			}

			var profile model.Profile
			if err := tx.Where("name = ?", pc.Name).First(&profile).Error; err != nil {
				return err
			}

			keep := make([]uint, 0, len(pc.Inbounds))
			for pos, ref := range pc.Inbounds {
				var server model.Server
				if err := tx.Where("name = ?", ref.Server).First(&server).Error; err != nil {
					return fmt.Errorf("profile %s references unknown server %s", pc.Name, ref.Server)
				}
				pi := model.ProfileInbound{ProfileID: profile.ID, ServerID: server.ID, InboundID: ref.InboundID, Position: pos}
				err := tx.Clauses(clause.OnConflict{
					Columns:   []clause.Column{{Name: "profile_id"}, {Name: "server_id"}, {Name: "inbound_id"}},
					DoUpdates: clause.Assignments(map[string]interface{}{"position": pos}),
				}).Create(&pi).Error
				if err != nil {
					return err
				}

				var saved model.ProfileInbound
				if err := tx.Where("profile_id = ? AND server_id = ? AND inbound_id = ?", profile.ID, server.ID, ref.InboundID).
					First(&saved).Error; err != nil {
					return err
				}
				keep = append(keep, saved.ID)
			}

			q := tx.Where("profile_id = ?", profile.ID)
			if len(keep) > 0 {
				q = q.Where("id NOT IN ?", keep)
			}
			if err := q.Delete(&model.ProfileInbound{}).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) Server(ctx context.Context, id uint) (*model.Server, error) {
	var server model.Server
	if err := s.db.WithContext(ctx).First(&server, id).Error; err != nil {
		return nil, notFound(err)
	}
	return &server, nil
}

func (s *Store) ServerByName(ctx context.Context, name string) (*model.Server, error) {
	var server model.Server
	if err := s.db.WithContext(ctx).Where("name = ?", name).First(&server).Error; err != nil {
		return nil, notFound(err)
	}
	return &server, nil
}

// ActiveServers lists active servers, optionally restricted to names.
func (s *Store) ActiveServers(ctx context.Context, names ...string) ([]model.Server, error) {
	q := s.db.WithContext(ctx).Where("is_active = ?", true)
	if len(names) > 0 {
		q = q.Where("name IN ?", names)
	}
	var servers []model.Server
	err := q.Order("id").Find(&servers).Error
	return servers, err
}

func (s *Store) Servers(ctx context.Context) ([]model.Server, error) {
	var servers []model.Server
	err := s.db.WithContext(ctx).Order("id").Find(&servers).Error
	return servers, err
}

// MarkServerStatus records the outcome of the last panel contact.
func (s *Store) MarkServerStatus(ctx context.Context, id uint, online bool, at time.Time) error {
	return s.db.WithContext(ctx).Model(&model.Server{}).Where("id = ?", id).
		Updates(map[string]interface{}{"is_online": online, "last_checked": at}).Error
}

func (s *Store) SetServerLocation(ctx context.Context, id uint, ip, country string) error {
	return s.db.WithContext(ctx).Model(&model.Server{}).Where("id = ?", id).
		Updates(map[string]interface{}{"entry_ip": ip, "country": country}).Error
}

// ServerPassword opens the sealed panel password of a server.
func ServerPassword(box *secret.Box, server *model.Server) (string, error) {
	plain, err := box.Decrypt(server.EncryptedPassword)
	if err != nil {
		logger.Log.Errorf("Cannot decrypt panel password of %s: %v", server.Name, err)
		return "", fmt.Errorf("server %s: %w", server.Name, err)
	}
	return plain, nil
}

func (s *Store) Profile(ctx context.Context, id uint) (*model.Profile, error) {
	var profile model.Profile
	err := s.db.WithContext(ctx).
		Preload("Inbounds", func(db *gorm.DB) *gorm.DB { return db.Order("position") }).
		First(&profile, id).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &profile, nil
}

func (s *Store) ProfileByName(ctx context.Context, name string) (*model.Profile, error) {
	var profile model.Profile
	err := s.db.WithContext(ctx).
		Preload("Inbounds", func(db *gorm.DB) *gorm.DB { return db.Order("position") }).
		Where("name = ?", name).
		First(&profile).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &profile, nil
}
