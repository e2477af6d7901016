package catalogrepo

import (
	"context"
	"encoding/json"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"jan-server/services/model-gateway/internal/domain/catalog"
	"jan-server/services/model-gateway/internal/infrastructure/database/entities"
	"jan-server/services/model-gateway/internal/utils/idgen"
)

// GormRepository persists the canonical catalog with GORM.
type GormRepository struct {
	db *gorm.DB
}

var _ catalog.Repository = (*GormRepository)(nil)

func NewGormRepository(db *gorm.DB) *GormRepository {
	return &GormRepository{db: db}
}

// ListModels loads every model with its aliases and bindings assembled.
func (repo *GormRepository) ListModels(ctx context.Context) ([]*catalog.CanonicalModel, error) {
	var models []entities.Model
	if err := repo.db.WithContext(ctx).Order("public_id asc").Find(&models).Error; err != nil {
		return nil, fmt.Errorf("list models: %w", err)
	}

	var aliases []entities.ModelAlias
	if err := repo.db.WithContext(ctx).Find(&aliases).Error; err != nil {
		return nil, fmt.Errorf("list aliases: %w", err)
	}
	aliasesByModel := make(map[string][]string)
	for _, a := range aliases {
		aliasesByModel[a.ModelPublicID] = append(aliasesByModel[a.ModelPublicID], a.Alias)
	}

	var bindings []entities.ModelBinding
	if err := repo.db.WithContext(ctx).Order("priority asc").Find(&bindings).Error; err != nil {
		return nil, fmt.Errorf("list bindings: %w", err)
	}
	bindingsByModel := make(map[string][]catalog.ProviderBinding)
	for i := range bindings {
		domain, err := bindingToDomain(&bindings[i])
		if err != nil {
			return nil, err
		}
		bindingsByModel[bindings[i].ModelPublicID] = append(bindingsByModel[bindings[i].ModelPublicID], *domain)
	}

	out := make([]*catalog.CanonicalModel, 0, len(models))
	for i := range models {
		m := &models[i]
		out = append(out, &catalog.CanonicalModel{
			ID:          m.PublicID,
			DisplayName: m.DisplayName,
			Description: m.Description,
			Aliases:     aliasesByModel[m.PublicID],
			Bindings:    bindingsByModel[m.PublicID],
			Active:      m.Active,
			CreatedAt:   m.CreatedAt,
			UpdatedAt:   m.UpdatedAt,
		})
	}
	return out, nil
}

// UpsertModel inserts or updates a model keyed on its canonical public id.
func (repo *GormRepository) UpsertModel(ctx context.Context, model *catalog.CanonicalModel) error {
	row := entities.Model{
		PublicID:    model.ID,
		DisplayName: model.DisplayName,
		Description: model.Description,
		Active:      model.Active,
	}
	err := repo.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "public_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"display_name", "description", "active", "updated_at"}),
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("upsert model %s: %w", model.ID, err)
	}
	return nil
}

// UpsertBinding inserts or updates a binding keyed on
// (model, provider, provider model). A missing public id is generated.
func (repo *GormRepository) UpsertBinding(ctx context.Context, modelID string, binding *catalog.ProviderBinding) error {
	if binding.PublicID == "" {
		publicID, err := idgen.GenerateSecureID("bind", 16)
		if err != nil {
			return fmt.Errorf("generate binding id: %w", err)
		}
		binding.PublicID = publicID
	}

	capabilities, err := json.Marshal(binding.Capabilities)
	if err != nil {
		return fmt.Errorf("encode capabilities: %w", err)
	}

	row := entities.ModelBinding{
		PublicID:           binding.PublicID,
		ModelPublicID:      modelID,
		ProviderPublicID:   binding.Provider,
		ProviderModelID:    binding.ProviderModelID,
		Capabilities:       string(capabilities),
		Priority:           binding.Priority,
		InputCostPerToken:  binding.InputCostPerToken,
		OutputCostPerToken: binding.OutputCostPerToken,
		Enabled:            binding.Enabled,
	}
	err = repo.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{
			{Name: "model_public_id"},
			{Name: "provider_public_id"},
			{Name: "provider_model_id"},
		},
		DoUpdates: clause.AssignmentColumns([]string{"capabilities", "priority", "input_cost_per_token", "output_cost_per_token", "enabled", "updated_at"}),
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("upsert binding %s/%s: %w", modelID, binding.Provider, err)
	}
	return nil
}

// SetBindingEnabled flips a binding's enabled flag.
func (repo *GormRepository) SetBindingEnabled(ctx context.Context, bindingPublicID string, enabled bool) error {
	result := repo.db.WithContext(ctx).
		Model(&entities.ModelBinding{}).
		Where("public_id = ?", bindingPublicID).
		Update("enabled", enabled)
	if result.Error != nil {
		return fmt.Errorf("set binding %s enabled: %w", bindingPublicID, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("binding %s: %w", bindingPublicID, catalog.ErrModelNotFound)
	}
	return nil
}

// AddAlias records an alias mapping. Re-adding an existing mapping is a no-op;
// conflict detection happens in the registry against the current snapshot.
func (repo *GormRepository) AddAlias(ctx context.Context, alias, modelID string) error {
	row := entities.ModelAlias{
		Alias:         alias,
		ModelPublicID: modelID,
	}
	err := repo.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "alias"}},
		DoNothing: true,
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("add alias %s -> %s: %w", alias, modelID, err)
	}
	return nil
}

// ListProviders returns every provider record.
func (repo *GormRepository) ListProviders(ctx context.Context) ([]*catalog.Provider, error) {
	var rows []entities.Provider
	if err := repo.db.WithContext(ctx).Order("public_id asc").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list providers: %w", err)
	}
	out := make([]*catalog.Provider, 0, len(rows))
	for i := range rows {
		out = append(out, providerToDomain(&rows[i]))
	}
	return out, nil
}

// UpsertProvider inserts or updates a provider keyed on its public id.
func (repo *GormRepository) UpsertProvider(ctx context.Context, provider *catalog.Provider) error {
	if provider.PublicID == "" {
		publicID, err := idgen.GenerateSecureID("prov", 16)
		if err != nil {
			return fmt.Errorf("generate provider id: %w", err)
		}
		provider.PublicID = publicID
	}

	row := entities.Provider{
		PublicID:        provider.PublicID,
		DisplayName:     provider.DisplayName,
		Kind:            string(provider.Kind),
		BaseURL:         provider.BaseURL,
		EncryptedAPIKey: provider.EncryptedAPIKey,
		Active:          provider.Active,
	}
	err := repo.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "public_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"display_name", "kind", "base_url", "encrypted_api_key", "active", "updated_at"}),
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("upsert provider %s: %w", provider.PublicID, err)
	}
	return nil
}

func providerToDomain(row *entities.Provider) *catalog.Provider {
	return &catalog.Provider{
		ID:              row.ID,
		PublicID:        row.PublicID,
		DisplayName:     row.DisplayName,
		Kind:            catalog.ProviderKind(row.Kind),
		BaseURL:         row.BaseURL,
		EncryptedAPIKey: row.EncryptedAPIKey,
		Active:          row.Active,
		CreatedAt:       row.CreatedAt,
		UpdatedAt:       row.UpdatedAt,
	}
}

func bindingToDomain(row *entities.ModelBinding) (*catalog.ProviderBinding, error) {
	var capabilities []catalog.Feature
	if row.Capabilities != "" {
		if err := json.Unmarshal([]byte(row.Capabilities), &capabilities); err != nil {
			return nil, fmt.Errorf("decode capabilities for binding %s: %w", row.PublicID, err)
		}
	}
	return &catalog.ProviderBinding{
		ID:                 row.ID,
		PublicID:           row.PublicID,
		ModelID:            row.ModelPublicID,
		Provider:           row.ProviderPublicID,
		ProviderModelID:    row.ProviderModelID,
		Capabilities:       capabilities,
		Priority:           row.Priority,
		InputCostPerToken:  row.InputCostPerToken,
		OutputCostPerToken: row.OutputCostPerToken,
		Enabled:            row.Enabled,
		CreatedAt:          row.CreatedAt,
		UpdatedAt:          row.UpdatedAt,
	}, nil
}
