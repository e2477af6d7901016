package entities

import "time"

// Provider is the persisted upstream provider record. The API key is stored
// encrypted; decryption happens in memory at client construction time.
type Provider struct {
	ID              uint      `gorm:"primaryKey"`
	PublicID        string    `gorm:"type:varchar(64);uniqueIndex;not null"`
	DisplayName     string    `gorm:"type:varchar(128);not null"`
	Kind            string    `gorm:"type:varchar(32);not null"`
	BaseURL         string    `gorm:"type:varchar(255);not null"`
	EncryptedAPIKey string    `gorm:"type:text"`
	Active          bool      `gorm:"not null;default:true"`
	CreatedAt       time.Time `gorm:"autoCreateTime"`
	UpdatedAt       time.Time `gorm:"autoUpdateTime"`
}

func (Provider) TableName() string {
	return "providers"
}
