package model

import (
	"time"
)

type Server struct {
	ID        uint   `gorm:"primaryKey"`
	Name      string `gorm:"uniqueIndex"`
	PanelType string // x-ui, 3x-ui, alireza
	PanelURL  string

	// Public base the links point at; falls back to PanelURL.
	SubscriptionBaseURL string

	Username          string
	EncryptedPassword string

	IsActive    bool
	IsOnline    bool
	LastChecked *time.Time

	// Entry metadata resolved from the panel host
	EntryIP string
	Country string

	CreatedAt time.Time
}

// ServerInbound is an inbound enabled for sale plus its captured template.
type ServerInbound struct {
	ID        uint `gorm:"primaryKey"`
	ServerID  uint `gorm:"uniqueIndex:idx_server_inbound"`
	InboundID int  `gorm:"uniqueIndex:idx_server_inbound"`

	IsActive bool

	// Flat decoded sample (JSON object) and the raw link it came from.
	ConfigParams string
	RawTemplate  string

	CapturedAt *time.Time
}

func (s ServerInbound) HasTemplate() bool {
	return s.ConfigParams != "" && s.RawTemplate != ""
}

type Profile struct {
	ID       uint   `gorm:"primaryKey"`
	Name     string `gorm:"uniqueIndex"`
	IsActive bool

	Inbounds []ProfileInbound `gorm:"foreignKey:ProfileID"`
}

type ProfileInbound struct {
	ID        uint `gorm:"primaryKey"`
	ProfileID uint `gorm:"uniqueIndex:idx_profile_server_inbound"`
	ServerID  uint `gorm:"uniqueIndex:idx_profile_server_inbound"`
	InboundID int  `gorm:"uniqueIndex:idx_profile_server_inbound"`

	// Position inside the profile; subscriptions list inbounds in this order.
	Position int

	ConfigParams string
	RawTemplate  string
	CapturedAt   *time.Time
}

func (p ProfileInbound) HasTemplate() bool {
	return p.ConfigParams != "" && p.RawTemplate != ""
}

// SyncedConfig is the local mirror of a panel inbound.
type SyncedConfig struct {
	ID             uint   `gorm:"primaryKey"`
	ServerID       uint   `gorm:"uniqueIndex:idx_synced_server_inbound"`
	InboundID      int    `gorm:"uniqueIndex:idx_synced_server_inbound"`
	Remark         string
	Port           int
	Protocol       string
	Settings       string
	StreamSettings string

	// xxh3 over the payload columns, used to skip no-op rewrites.
	Checksum string

	UpdatedAt time.Time
}

type Purchase struct {
	ID        uint   `gorm:"primaryKey"`
	UserID    int64  `gorm:"index"`
	SubID     string `gorm:"index"`
	ServerID  uint
	InboundID int
	ProfileID *uint

	ClientRemark string
	IsActive     bool

	// JSON list of rendered links; empty means "not rendered yet".
	ConfigsJSON string

	ExpiresAt *time.Time
	CreatedAt time.Time
	UpdatedAt time.Time

	Clients []PurchaseClient `gorm:"foreignKey:PurchaseID;constraint:OnDelete:CASCADE"`
}

func (p Purchase) IsProfile() bool {
	return p.ProfileID != nil
}

// PurchaseClient is the panel-side client created for one inbound of a purchase.
type PurchaseClient struct {
	ID         uint `gorm:"primaryKey"`
	PurchaseID uint `gorm:"index"`
	ServerID   uint
	InboundID  int
	Position   int

	UUID     string
	Email    string
	Name     string
	Flow     string
	Password string
}
