// -----------------------------------------------------------------------
// Zabbix Instances - Configured Zabbix endpoints in a Redis hash
// -----------------------------------------------------------------------

package zabbix

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/toolbox/internal/storage"
)

// Instance is one configured Zabbix environment. The API token never
// leaves the server; list and show endpoints return the public view.
type Instance struct {
	ID          string    `json:"id"`
	Name        string    `json:"name" validate:"required,min=1,max=120"`
	BaseURL     string    `json:"base_url" validate:"required,url"`
	Token       string    `json:"token" validate:"required,min=1"`
	VerifyTLS   bool      `json:"verify_tls"`
	Description string    `json:"description,omitempty" validate:"max=500"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// InstanceCreate is the creation payload for a Zabbix instance.
type InstanceCreate struct {
	Name        string `json:"name" validate:"required,min=1,max=120"`
	BaseURL     string `json:"base_url" validate:"required,url"`
	Token       string `json:"token" validate:"required,min=1"`
	VerifyTLS   *bool  `json:"verify_tls"`
	Description string `json:"description" validate:"max=500"`
}

// InstanceUpdate carries partial changes; nil fields stay untouched.
type InstanceUpdate struct {
	Name        *string `json:"name" validate:"omitempty,min=1,max=120"`
	BaseURL     *string `json:"base_url" validate:"omitempty,url"`
	Token       *string `json:"token" validate:"omitempty,min=1"`
	VerifyTLS   *bool   `json:"verify_tls"`
	Description *string `json:"description" validate:"omitempty,max=500"`
}

// InstancePublic is the instance without its token.
type InstancePublic struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	BaseURL     string    `json:"base_url"`
	VerifyTLS   bool      `json:"verify_tls"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
	HasToken    bool      `json:"has_token"`
}

// Public strips the token, keeping only a flag that one is stored.
func (i *Instance) Public() InstancePublic {
	return InstancePublic{
		ID:          i.ID,
		Name:        i.Name,
		BaseURL:     i.BaseURL,
		VerifyTLS:   i.VerifyTLS,
		Description: i.Description,
		CreatedAt:   i.CreatedAt,
		UpdatedAt:   i.UpdatedAt,
		HasToken:    i.Token != "",
	}
}

// InstanceStore keeps instances in a Redis hash keyed by id.
type InstanceStore struct {
	kv     *storage.KV
	logger arbor.ILogger
}

// NewInstanceStore creates a store on the shared KV namespace.
func NewInstanceStore(kv *storage.KV, logger arbor.ILogger) *InstanceStore {
	return &InstanceStore{kv: kv, logger: logger}
}

func (s *InstanceStore) instancesKey() string {
	return s.kv.Key("toolkits", "zabbix", "instances")
}

func (s *InstanceStore) persist(ctx context.Context, instance *Instance) error {
	raw, err := json.Marshal(instance)
	if err != nil {
		return fmt.Errorf("failed to encode zabbix instance %s: %w", instance.ID, err)
	}
	if err := s.kv.Client().HSet(ctx, s.instancesKey(), instance.ID, raw).Err(); err != nil {
		return fmt.Errorf("failed to persist zabbix instance %s: %w", instance.ID, err)
	}
	return nil
}

// Create stores a new instance from a validated payload.
func (s *InstanceStore) Create(ctx context.Context, payload InstanceCreate) (*Instance, error) {
	now := time.Now().UTC()
	verify := true
	if payload.VerifyTLS != nil {
		verify = *payload.VerifyTLS
	}
	instance := &Instance{
		ID:          uuid.New().String(),
		Name:        payload.Name,
		BaseURL:     payload.BaseURL,
		Token:       payload.Token,
		VerifyTLS:   verify,
		Description: payload.Description,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.persist(ctx, instance); err != nil {
		return nil, err
	}

	s.logger.Debug().Str("instance_id", instance.ID).Str("name", instance.Name).Msg("Zabbix instance created")
	return instance, nil
}

// Get returns the instance or nil when no record exists.
func (s *InstanceStore) Get(ctx context.Context, instanceID string) (*Instance, error) {
	raw, err := s.kv.Client().HGet(ctx, s.instancesKey(), instanceID).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load zabbix instance %s: %w", instanceID, err)
	}

	var instance Instance
	if err := json.Unmarshal([]byte(raw), &instance); err != nil {
		return nil, fmt.Errorf("failed to decode zabbix instance %s: %w", instanceID, err)
	}
	return &instance, nil
}

// List returns every instance sorted by name then creation time.
func (s *InstanceStore) List(ctx context.Context) ([]*Instance, error) {
	records, err := s.kv.Client().HVals(ctx, s.instancesKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list zabbix instances: %w", err)
	}

	instances := make([]*Instance, 0, len(records))
	for _, raw := range records {
		var instance Instance
		if err := json.Unmarshal([]byte(raw), &instance); err != nil {
			s.logger.Warn().Err(err).Msg("Skipping undecodable zabbix instance record")
			continue
		}
		instances = append(instances, &instance)
	}

	sort.Slice(instances, func(i, j int) bool {
		left, right := strings.ToLower(instances[i].Name), strings.ToLower(instances[j].Name)
		if left != right {
			return left < right
		}
		return instances[i].CreatedAt.Before(instances[j].CreatedAt)
	})
	return instances, nil
}

// Update applies the non-nil fields and returns the stored instance, nil
// when the id is unknown.
func (s *InstanceStore) Update(ctx context.Context, instanceID string, payload InstanceUpdate) (*Instance, error) {
	instance, err := s.Get(ctx, instanceID)
	if err != nil || instance == nil {
		return instance, err
	}

	if payload.Name != nil {
		instance.Name = *payload.Name
	}
	if payload.BaseURL != nil {
		instance.BaseURL = *payload.BaseURL
	}
	if payload.Token != nil {
		instance.Token = *payload.Token
	}
	if payload.VerifyTLS != nil {
		instance.VerifyTLS = *payload.VerifyTLS
	}
	if payload.Description != nil {
		instance.Description = *payload.Description
	}
	instance.UpdatedAt = time.Now().UTC()

	if err := s.persist(ctx, instance); err != nil {
		return nil, err
	}
	return instance, nil
}

// Delete removes the instance, reporting whether a record existed.
func (s *InstanceStore) Delete(ctx context.Context, instanceID string) (bool, error) {
	removed, err := s.kv.Client().HDel(ctx, s.instancesKey(), instanceID).Result()
	if err != nil {
		return false, fmt.Errorf("failed to delete zabbix instance %s: %w", instanceID, err)
	}
	return removed > 0, nil
}
