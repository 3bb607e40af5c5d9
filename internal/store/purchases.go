package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"alamor/internal/model"

	"gorm.io/gorm"
)

func preloadClients(db *gorm.DB) *gorm.DB {
	return db.Order("position")
}

// CreatePurchase inserts the purchase together with its clients.
func (s *Store) CreatePurchase(ctx context.Context, p *model.Purchase) error {
	if err := s.db.WithContext(ctx).Create(p).Error; err != nil {
		return fmt.Errorf("failed to create purchase: %w", err)
	}
	return nil
}

func (s *Store) Purchase(ctx context.Context, id uint) (*model.Purchase, error) {
	var p model.Purchase
	if err := s.db.WithContext(ctx).Preload("Clients", preloadClients).First(&p, id).Error; err != nil {
		return nil, notFound(err)
	}
	return &p, nil
}

func (s *Store) PurchaseBySubID(ctx context.Context, subID string) (*model.Purchase, error) {
	subID = strings.TrimSpace(subID)
	if subID == "" {
		return nil, ErrNotFound
	}
	var p model.Purchase
	err := s.db.WithContext(ctx).Preload("Clients", preloadClients).
		Where("sub_id = ? AND is_active = ?", subID, true).
		First(&p).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &p, nil
}

func (s *Store) ActivePurchases(ctx context.Context) ([]model.Purchase, error) {
	var out []model.Purchase
	err := s.db.WithContext(ctx).Preload("Clients", preloadClients).
		Where("is_active = ?", true).
		Order("id").
		Find(&out).Error
	return out, err
}

// PurchasesWithoutSubID finds active purchases that never got a sub_id.
func (s *Store) PurchasesWithoutSubID(ctx context.Context) ([]model.Purchase, error) {
	var out []model.Purchase
	err := s.db.WithContext(ctx).
		Where("is_active = ? AND (sub_id = '' OR sub_id IS NULL)", true).
		Order("id").
		Find(&out).Error
	return out, err
}

func (s *Store) SetSubID(ctx context.Context, purchaseID uint, subID string) error {
	return s.db.WithContext(ctx).Model(&model.Purchase{}).Where("id = ?", purchaseID).
		Update("sub_id", subID).Error
}

// SaveConfigs persists the rendered link list onto the purchase.
func (s *Store) SaveConfigs(ctx context.Context, purchaseID uint, links []string) error {
	encoded, err := json.Marshal(links)
	if err != nil {
		return err
	}
	return s.db.WithContext(ctx).Model(&model.Purchase{}).Where("id = ?", purchaseID).
		Update("configs_json", string(encoded)).Error
}

// ClearConfigs drops the rendered cache so the next delivery rebuilds it.
func (s *Store) ClearConfigs(ctx context.Context, purchaseID uint) error {
	return s.db.WithContext(ctx).Model(&model.Purchase{}).Where("id = ?", purchaseID).
		Update("configs_json", "").Error
}

// Configs decodes the rendered cache; ok is false when nothing usable is stored.
func Configs(p *model.Purchase) (links []string, ok bool) {
	if strings.TrimSpace(p.ConfigsJSON) == "" {
		return nil, false
	}
	if err := json.Unmarshal([]byte(p.ConfigsJSON), &links); err != nil || len(links) == 0 {
		return nil, false
	}
	return links, true
}

// DeletePurchase removes the purchase and its client rows.
func (s *Store) DeletePurchase(ctx context.Context, id uint) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("purchase_id = ?", id).Delete(&model.PurchaseClient{}).Error; err != nil {
			return err
		}
		res := tx.Delete(&model.Purchase{}, id)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}
		return nil
	})
}
