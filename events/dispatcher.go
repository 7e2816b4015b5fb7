package events

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/saiset-co/sai-gate/types"
)

// Dispatcher fans published events out to in-process subscribers,
// configured webhook targets and an optional remote broker. Handlers
// registered here also receive messages arriving from the broker.
type Dispatcher struct {
	ctx      context.Context
	logger   types.Logger
	metrics  types.MetricsManager
	source   string
	broker   types.EventBroker
	notifier *WebhookNotifier
	handlers map[string][]types.EventHandler
	mu       sync.RWMutex
	running  int32
}

func NewDispatcher(ctx context.Context, config types.ConfigManager, logger types.Logger, metrics types.MetricsManager) (types.EventBroker, error) {
	cfg := config.GetConfig()
	eventsConfig := cfg.Events

	if eventsConfig == nil || !eventsConfig.Enabled {
		return nil, types.ErrEventsIsDisabled
	}

	dispatcher := &Dispatcher{
		ctx:      ctx,
		logger:   logger,
		metrics:  metrics,
		source:   cfg.Name,
		handlers: make(map[string][]types.EventHandler),
	}

	if eventsConfig.Webhook {
		notifier, err := NewWebhookNotifier(ctx, logger, metrics, eventsConfig.Webhooks)
		if err != nil {
			return nil, types.WrapError(err, "failed to create webhook notifier")
		}
		dispatcher.notifier = notifier
	}

	if eventsConfig.Type != "" {
		var broker types.EventBroker
		var err error

		switch eventsConfig.Type {
		case "websocket":
			broker, err = NewWebSocketBroker(ctx, logger, eventsConfig, metrics)
		default:
			if creator, exists := customEventCreators[eventsConfig.Type]; exists {
				broker, err = creator(eventsConfig.Config)
			} else {
				return nil, types.Errorf(types.ErrEventsTypeUnknown, "type: %s", eventsConfig.Type)
			}
		}

		if err != nil {
			return nil, types.WrapError(err, "failed to create event broker")
		}

		dispatcher.broker = broker
	}

	if metrics == nil {
		return dispatcher, nil
	}

	return newInstrumentedDispatcher(logger, metrics, dispatcher), nil
}

func (d *Dispatcher) Publish(event string, payload interface{}) error {
	if !d.IsRunning() {
		return types.ErrEventsNotInitialized
	}

	d.logger.Debug("Publishing event", zap.String("event", event))

	message := &types.EventMessage{
		Event:     event,
		Payload:   payload,
		Timestamp: time.Now(),
		Source:    d.source,
		MessageID: uuid.NewString(),
	}

	d.mu.RLock()
	handlers := make([]types.EventHandler, len(d.handlers[event]))
	copy(handlers, d.handlers[event])
	d.mu.RUnlock()

	var wg sync.WaitGroup
	var failures []error
	var failuresMu sync.Mutex

	if len(handlers) > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := d.dispatchLocal(message, handlers); err != nil {
				failuresMu.Lock()
				failures = append(failures, err)
				failuresMu.Unlock()
			}
		}()
	}

	if d.broker != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := d.broker.Publish(event, payload); err != nil {
				failuresMu.Lock()
				failures = append(failures, types.WrapError(err, "broker failed"))
				failuresMu.Unlock()
				d.logger.Error("Broker publish failed",
					zap.String("event", event),
					zap.Error(err))
			}
		}()
	}

	if d.notifier != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := d.notifier.NotifyWebhooks(event, payload); err != nil {
				failuresMu.Lock()
				failures = append(failures, types.WrapError(err, "webhooks failed"))
				failuresMu.Unlock()
				d.logger.Error("Webhook notification failed",
					zap.String("event", event),
					zap.Error(err))
			}
		}()
	}

	wg.Wait()

	if len(failures) > 0 {
		d.logger.Warn("Some event deliveries failed",
			zap.String("event", event),
			zap.String("message_id", message.MessageID),
			zap.Int("failed_count", len(failures)))
	}

	return nil
}

func (d *Dispatcher) Subscribe(event string, handler types.EventHandler) error {
	if event == "" || handler == nil {
		return types.ErrEventsConfigInvalid
	}

	d.mu.Lock()
	d.handlers[event] = append(d.handlers[event], handler)
	total := len(d.handlers[event])
	d.mu.Unlock()

	d.logger.Debug("Subscribed to event",
		zap.String("event", event),
		zap.Int("total_handlers", total))

	if d.broker != nil {
		return d.broker.Subscribe(event, handler)
	}

	return nil
}

func (d *Dispatcher) Unsubscribe(event string) error {
	d.mu.Lock()
	removed := len(d.handlers[event])
	delete(d.handlers, event)
	d.mu.Unlock()

	d.logger.Debug("Unsubscribed from event",
		zap.String("event", event),
		zap.Int("removed_handlers", removed))

	if d.broker != nil {
		return d.broker.Unsubscribe(event)
	}

	return nil
}

func (d *Dispatcher) Start() error {
	if !atomic.CompareAndSwapInt32(&d.running, 0, 1) {
		return types.ErrServerAlreadyRunning
	}

	if d.notifier != nil {
		if err := d.notifier.Start(); err != nil {
			atomic.StoreInt32(&d.running, 0)
			return types.WrapError(err, "failed to start webhook notifier")
		}
	}

	if d.broker != nil {
		if err := d.broker.Start(); err != nil {
			d.logger.Error("Failed to start event broker", zap.Error(err))
		} else {
			d.logger.Info("Event broker started")
		}
	}

	d.logger.Info("Event dispatcher started")
	return nil
}

func (d *Dispatcher) Stop() error {
	if !atomic.CompareAndSwapInt32(&d.running, 1, 0) {
		return types.ErrServerNotRunning
	}

	if d.notifier != nil {
		if err := d.notifier.Stop(); err != nil {
			d.logger.Error("Failed to stop webhook notifier", zap.Error(err))
		}
	}

	if d.broker != nil {
		if err := d.broker.Stop(); err != nil {
			d.logger.Error("Failed to stop event broker", zap.Error(err))
		}
	}

	d.logger.Info("Event dispatcher stopped")
	return nil
}

func (d *Dispatcher) IsRunning() bool {
	return atomic.LoadInt32(&d.running) == 1
}

func (d *Dispatcher) dispatchLocal(message *types.EventMessage, handlers []types.EventHandler) error {
	var failed int

	for _, handler := range handlers {
		if err := d.invokeHandler(message, handler); err != nil {
			failed++
		}
	}

	if failed > 0 {
		return types.Errorf(types.ErrEventsPublishFailed, "%d of %d handlers failed", failed, len(handlers))
	}

	return nil
}

func (d *Dispatcher) invokeHandler(message *types.EventMessage, handler types.EventHandler) (err error) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("Event handler panicked",
				zap.String("event", message.Event),
				zap.String("message_id", message.MessageID),
				zap.Any("panic", r))
			err = types.Errorf(types.ErrEventsPublishFailed, "handler panic: %v", r)
		}
	}()

	if err := handler(message); err != nil {
		d.logger.Error("Event handler failed",
			zap.String("event", message.Event),
			zap.String("message_id", message.MessageID),
			zap.Error(err))
		return err
	}

	return nil
}

type instrumentedDispatcher struct {
	impl    *Dispatcher
	logger  types.Logger
	metrics types.MetricsManager
}

func newInstrumentedDispatcher(logger types.Logger, metrics types.MetricsManager, impl *Dispatcher) types.EventBroker {
	return &instrumentedDispatcher{
		impl:    impl,
		logger:  logger,
		metrics: metrics,
	}
}

func (id *instrumentedDispatcher) Publish(event string, payload interface{}) error {
	start := time.Now()
	err := id.impl.Publish(event, payload)
	id.recordMetric("publish", resultLabel(err), event, time.Since(start))
	return err
}

func (id *instrumentedDispatcher) Subscribe(event string, handler types.EventHandler) error {
	start := time.Now()
	err := id.impl.Subscribe(event, id.wrapHandler(event, handler))
	id.recordMetric("subscribe", resultLabel(err), event, time.Since(start))
	return err
}

func (id *instrumentedDispatcher) Unsubscribe(event string) error {
	start := time.Now()
	err := id.impl.Unsubscribe(event)
	id.recordMetric("unsubscribe", resultLabel(err), event, time.Since(start))
	return err
}

func (id *instrumentedDispatcher) Start() error {
	return id.impl.Start()
}

func (id *instrumentedDispatcher) Stop() error {
	return id.impl.Stop()
}

func (id *instrumentedDispatcher) IsRunning() bool {
	return id.impl.IsRunning()
}

func (id *instrumentedDispatcher) wrapHandler(event string, handler types.EventHandler) types.EventHandler {
	return func(message *types.EventMessage) error {
		start := time.Now()
		err := handler(message)
		id.recordMetric("handle", resultLabel(err), event, time.Since(start))
		return err
	}
}

func (id *instrumentedDispatcher) recordMetric(operation, result, event string, duration time.Duration) {
	counter := id.metrics.Counter("event_operations_total", map[string]string{
		"operation": operation,
		"result":    result,
		"event":     event,
	})
	counter.Inc()

	histogram := id.metrics.Histogram("event_operation_duration_seconds",
		[]float64{0.001, 0.01, 0.1, 1.0, 5.0},
		map[string]string{"operation": operation, "event": event},
	)
	histogram.Observe(duration.Seconds())
}

func resultLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}
