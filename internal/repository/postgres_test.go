package repository

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

func TestRepositoryOptions(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		r := NewPostgresRepository(nil)
		if r.notifyChannel != defaultNotifyChannel {
			t.Fatalf("notifyChannel = %q, want %q", r.notifyChannel, defaultNotifyChannel)
		}
		if r.maxEventBatchSize != defaultMaxEventBatchSize {
			t.Fatalf("maxEventBatchSize = %d, want %d", r.maxEventBatchSize, defaultMaxEventBatchSize)
		}
	})

	t.Run("custom channel trimmed", func(t *testing.T) {
		r := NewPostgresRepository(nil, WithNotifyChannel("  custom_events  "))
		if r.notifyChannel != "custom_events" {
			t.Fatalf("notifyChannel = %q, want %q", r.notifyChannel, "custom_events")
		}
	})

	t.Run("blank channel keeps default", func(t *testing.T) {
		r := NewPostgresRepository(nil, WithNotifyChannel("   "))
		if r.notifyChannel != defaultNotifyChannel {
			t.Fatalf("notifyChannel = %q, want %q", r.notifyChannel, defaultNotifyChannel)
		}
	})

	t.Run("non-positive batch size keeps default", func(t *testing.T) {
		r := NewPostgresRepository(nil, WithEventBatchSize(0), WithEventBatchSize(-5))
		if r.maxEventBatchSize != defaultMaxEventBatchSize {
			t.Fatalf("maxEventBatchSize = %d, want %d", r.maxEventBatchSize, defaultMaxEventBatchSize)
		}
	})

	t.Run("custom batch size", func(t *testing.T) {
		r := NewPostgresRepository(nil, WithEventBatchSize(25))
		if r.maxEventBatchSize != 25 {
			t.Fatalf("maxEventBatchSize = %d, want 25", r.maxEventBatchSize)
		}
	})
}

func TestEnsureJSON(t *testing.T) {
	if got := string(ensureJSON(nil, "{}")); got != "{}" {
		t.Fatalf("ensureJSON(nil) = %q, want %q", got, "{}")
	}

	if got := string(ensureJSON(json.RawMessage(`{"a":1}`), "{}")); got != `{"a":1}` {
		t.Fatalf("ensureJSON(non-empty) = %q, want %q", got, `{"a":1}`)
	}
}

func TestNotifyPayloadRoundTrip(t *testing.T) {
	payload, err := marshalNotifyPayload(FlagEvent{
		EventID:       7,
		EnvironmentID: "env-123",
		FlagKey:       "new-ui",
		EventType:     "flag_state.updated",
		Payload:       json.RawMessage(`{"enabled":true}`),
	})
	if err != nil {
		t.Fatalf("marshalNotifyPayload() error = %v", err)
	}

	var message struct {
		EnvironmentID string `json:"environment_id"`
		FlagKey       string `json:"flag_key"`
		EventType     string `json:"event_type"`
	}
	if err := json.Unmarshal([]byte(payload), &message); err != nil {
		t.Fatalf("unmarshal notify payload: %v", err)
	}
	if message.EnvironmentID != "env-123" || message.FlagKey != "new-ui" || message.EventType != "flag_state.updated" {
		t.Fatalf("unexpected notify payload envelope: %+v", message)
	}

	invalidation := parseNotifyPayload(payload)
	if invalidation.EnvironmentID != "env-123" {
		t.Fatalf("parseNotifyPayload() environment = %q, want %q", invalidation.EnvironmentID, "env-123")
	}
}

func TestParseNotifyPayloadMalformed(t *testing.T) {
	if got := parseNotifyPayload("not json"); got.EnvironmentID != "" {
		t.Fatalf("parseNotifyPayload(garbage) = %+v, want empty invalidation", got)
	}
}

func TestListenStatement(t *testing.T) {
	if got := listenStatement("flag_events"); got != `LISTEN "flag_events"` {
		t.Fatalf("listenStatement() = %q, want %q", got, `LISTEN "flag_events"`)
	}
}

func TestNoRowsAffected(t *testing.T) {
	if err := noRowsAffected(pgconn.NewCommandTag("DELETE 1"), "delete flag"); err != nil {
		t.Fatalf("noRowsAffected(delete 1) error = %v, want nil", err)
	}

	err := noRowsAffected(pgconn.NewCommandTag("DELETE 0"), "delete flag")
	if !errors.Is(err, pgx.ErrNoRows) {
		t.Fatalf("noRowsAffected(delete 0) error = %v, want %v", err, pgx.ErrNoRows)
	}
	if !strings.Contains(err.Error(), "delete flag") {
		t.Fatalf("noRowsAffected error %q should mention the operation", err)
	}
}

func TestSDKKeyPrefixes(t *testing.T) {
	clientKey, err := newClientKey()
	if err != nil {
		t.Fatalf("newClientKey() error = %v", err)
	}
	if !strings.HasPrefix(clientKey, clientKeyPrefix) {
		t.Fatalf("client key %q should start with %q", clientKey, clientKeyPrefix)
	}
	if len(clientKey) != len(clientKeyPrefix)+40 {
		t.Fatalf("client key length = %d, want %d", len(clientKey), len(clientKeyPrefix)+40)
	}

	serverKey, err := newServerKey()
	if err != nil {
		t.Fatalf("newServerKey() error = %v", err)
	}
	if !strings.HasPrefix(serverKey, serverKeyPrefix) {
		t.Fatalf("server key %q should start with %q", serverKey, serverKeyPrefix)
	}

	other, err := newClientKey()
	if err != nil {
		t.Fatalf("newClientKey() error = %v", err)
	}
	if other == clientKey {
		t.Fatal("consecutive client keys should differ")
	}
}
