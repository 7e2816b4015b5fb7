package middleware

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/saiset-co/sai-gate/types"
)

type publishedEvent struct {
	event   string
	payload map[string]interface{}
}

type captureBroker struct {
	published []publishedEvent
	fail      bool
}

func (b *captureBroker) Start() error    { return nil }
func (b *captureBroker) Stop() error     { return nil }
func (b *captureBroker) IsRunning() bool { return true }

func (b *captureBroker) Publish(event string, payload interface{}) error {
	if b.fail {
		return errors.New("broker unavailable")
	}
	b.published = append(b.published, publishedEvent{
		event:   event,
		payload: payload.(map[string]interface{}),
	})
	return nil
}

func (b *captureBroker) Subscribe(event string, handler types.EventHandler) error { return nil }
func (b *captureBroker) Unsubscribe(event string) error                           { return nil }

func TestAuditPublishesOutcome(t *testing.T) {
	broker := &captureBroker{}
	unit := NewAuditUnit(testLogger(), broker, AuditParams{Event: "request.audit"})

	ctx := newCtx("GET", "/api/items")
	ctx.SetActor("alice")
	ctx.SetRequestID("req-1")

	response := map[string]string{"say": "Hello"}
	called := false
	result, halt := unit.After(ctx, response, afterNext(response, &called))
	require.Nil(t, halt)
	assert.True(t, called)
	assert.Equal(t, response, result, "audit observes, never rewrites")

	require.Len(t, broker.published, 1)
	record := broker.published[0]
	assert.Equal(t, "request.audit", record.event)
	assert.Equal(t, "GET", record.payload["method"])
	assert.Equal(t, "/api/items", record.payload["path"])
	assert.Equal(t, "alice", record.payload["actor"])
	assert.Equal(t, "req-1", record.payload["request_id"])
	assert.NotContains(t, record.payload, "halt_code")
}

func TestAuditRecordsHaltedOutcome(t *testing.T) {
	broker := &captureBroker{}
	unit := NewAuditUnit(testLogger(), broker, AuditParams{Event: "request.audit"})

	ctx := newCtx("POST", "/api/items")

	fault := types.HandlerFault()
	called := false
	result, halt := unit.After(ctx, fault, afterNext(fault, &called))
	require.Nil(t, halt)
	assert.Equal(t, fault, result)

	require.Len(t, broker.published, 1)
	record := broker.published[0]
	assert.Equal(t, types.CodeHandlerFault, record.payload["halt_code"])
	assert.Equal(t, 500, record.payload["status"])
}

func TestAuditBrokerFailureNeverStopsTheChain(t *testing.T) {
	unit := NewAuditUnit(testLogger(), &captureBroker{fail: true}, AuditParams{Event: "request.audit"})

	ctx := newCtx("GET", "/api/items")

	called := false
	_, halt := unit.After(ctx, "ok", afterNext("ok", &called))
	assert.Nil(t, halt)
	assert.True(t, called)
}

func TestAuditWithoutBrokerIsLogOnly(t *testing.T) {
	unit := NewAuditUnit(testLogger(), nil, AuditParams{Event: "request.audit"})

	ctx := newCtx("GET", "/api/items")

	called := false
	_, halt := unit.After(ctx, "ok", afterNext("ok", &called))
	assert.Nil(t, halt)
	assert.True(t, called)
}
