package entities

import (
	"time"

	"github.com/shopspring/decimal"
)

// Model is the persisted canonical model identity. PublicID is the stable
// routing id (e.g. "gpt-4o"); rows are soft-disabled, never deleted.
type Model struct {
	ID          uint      `gorm:"primaryKey"`
	PublicID    string    `gorm:"type:varchar(128);uniqueIndex;not null"`
	DisplayName string    `gorm:"type:varchar(128);not null"`
	Description string    `gorm:"type:text"`
	Active      bool      `gorm:"not null;default:true"`
	CreatedAt   time.Time `gorm:"autoCreateTime"`
	UpdatedAt   time.Time `gorm:"autoUpdateTime"`
}

func (Model) TableName() string {
	return "models"
}

// ModelAlias maps an alternate identifier to exactly one canonical model.
type ModelAlias struct {
	ID            uint      `gorm:"primaryKey"`
	Alias         string    `gorm:"type:varchar(128);uniqueIndex;not null"`
	ModelPublicID string    `gorm:"type:varchar(128);index;not null"`
	CreatedAt     time.Time `gorm:"autoCreateTime"`
}

func (ModelAlias) TableName() string {
	return "model_aliases"
}

// ModelBinding is one provider's implementation of a canonical model.
// Capabilities is a JSON-encoded string array.
type ModelBinding struct {
	ID                 uint            `gorm:"primaryKey"`
	PublicID           string          `gorm:"type:varchar(64);uniqueIndex;not null"`
	ModelPublicID      string          `gorm:"type:varchar(128);index:idx_binding_model_provider,unique;not null"`
	ProviderPublicID   string          `gorm:"type:varchar(64);index:idx_binding_model_provider,unique;not null"`
	ProviderModelID    string          `gorm:"type:varchar(128);index:idx_binding_model_provider,unique;not null"`
	Capabilities       string          `gorm:"type:text"`
	Priority           int             `gorm:"not null;default:100"`
	InputCostPerToken  decimal.Decimal `gorm:"type:numeric(20,12)"`
	OutputCostPerToken decimal.Decimal `gorm:"type:numeric(20,12)"`
	Enabled            bool            `gorm:"not null;default:false"`
	CreatedAt          time.Time       `gorm:"autoCreateTime"`
	UpdatedAt          time.Time       `gorm:"autoUpdateTime"`
}

func (ModelBinding) TableName() string {
	return "model_bindings"
}
