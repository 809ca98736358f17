package zabbix

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/toolbox/internal/storage"
)

func newTestInstances(t *testing.T) (*InstanceStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	kv := storage.NewKVWithClient(client, "sretoolbox")
	return NewInstanceStore(kv, arbor.NewLogger()), mr
}

func productionPayload() InstanceCreate {
	return InstanceCreate{
		Name:    "Production",
		BaseURL: "https://zabbix.example.com",
		Token:   "zbx-token-1",
	}
}

func TestInstanceCreateDefaults(t *testing.T) {
	store, mr := newTestInstances(t)
	ctx := context.Background()

	instance, err := store.Create(ctx, productionPayload())
	require.NoError(t, err)

	assert.NotEmpty(t, instance.ID)
	assert.True(t, instance.VerifyTLS, "TLS verification defaults on")
	assert.False(t, instance.CreatedAt.IsZero())
	assert.Equal(t, instance.CreatedAt, instance.UpdatedAt)

	raw := mr.HGet("sretoolbox:toolkits:zabbix:instances", instance.ID)
	assert.Contains(t, raw, "Production")
}

func TestInstanceListSortedByName(t *testing.T) {
	store, _ := newTestInstances(t)
	ctx := context.Background()

	for _, name := range []string{"staging", "Alpha", "production"} {
		payload := productionPayload()
		payload.Name = name
		_, err := store.Create(ctx, payload)
		require.NoError(t, err)
	}

	instances, err := store.List(ctx)
	require.NoError(t, err)
	require.Len(t, instances, 3)
	assert.Equal(t, "Alpha", instances[0].Name)
	assert.Equal(t, "production", instances[1].Name)
	assert.Equal(t, "staging", instances[2].Name)
}

func TestInstanceUpdateAppliesOnlyProvidedFields(t *testing.T) {
	store, _ := newTestInstances(t)
	ctx := context.Background()

	instance, err := store.Create(ctx, productionPayload())
	require.NoError(t, err)

	token := "zbx-token-2"
	verify := false
	updated, err := store.Update(ctx, instance.ID, InstanceUpdate{Token: &token, VerifyTLS: &verify})
	require.NoError(t, err)
	require.NotNil(t, updated)

	assert.Equal(t, "Production", updated.Name)
	assert.Equal(t, "zbx-token-2", updated.Token)
	assert.False(t, updated.VerifyTLS)

	missing, err := store.Update(ctx, "no-such-id", InstanceUpdate{Token: &token})
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestInstanceDelete(t *testing.T) {
	store, _ := newTestInstances(t)
	ctx := context.Background()

	instance, err := store.Create(ctx, productionPayload())
	require.NoError(t, err)

	deleted, err := store.Delete(ctx, instance.ID)
	require.NoError(t, err)
	assert.True(t, deleted)

	again, err := store.Delete(ctx, instance.ID)
	require.NoError(t, err)
	assert.False(t, again)

	loaded, err := store.Get(ctx, instance.ID)
	require.NoError(t, err)
	assert.Nil(t, loaded)
}

func TestInstancePublicHidesToken(t *testing.T) {
	instance := &Instance{ID: "i-1", Name: "Production", BaseURL: "https://zbx", Token: "secret"}

	view := instance.Public()
	assert.True(t, view.HasToken)

	raw, err := json.Marshal(view)
	require.NoError(t, err)

	var fields map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &fields))
	_, exposed := fields["token"]
	assert.False(t, exposed, "public view must not carry the token")
	assert.Equal(t, true, fields["has_token"])
}
