package events

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/saiset-co/sai-gate/types"
	"github.com/saiset-co/sai-gate/utils"
)

type BrokerState int32

const (
	BrokerStateStopped BrokerState = iota
	BrokerStateStarting
	BrokerStateRunning
	BrokerStateStopping
	BrokerStateReconnecting
)

type WebSocketConfig struct {
	URL            string        `json:"url"`
	ReconnectDelay time.Duration `json:"reconnect_delay"`
	MaxRetries     int           `json:"max_retries"`
	PingInterval   time.Duration `json:"ping_interval"`
	PongWait       time.Duration `json:"pong_wait"`
	WriteWait      time.Duration `json:"write_wait"`
}

// WebSocketBroker relays events over a persistent websocket connection
// and dispatches incoming messages to local subscribers. A broken
// connection is re-dialed up to MaxRetries times with a fixed delay.
type WebSocketBroker struct {
	ctx               context.Context
	cancel            context.CancelFunc
	logger            types.Logger
	metrics           types.MetricsManager
	config            *WebSocketConfig
	conn              *websocket.Conn
	connMu            sync.RWMutex
	subscriptions     map[string][]types.EventHandler
	subsMu            sync.RWMutex
	send              chan *types.EventMessage
	reconnectCh       chan struct{}
	state             atomic.Value
	shutdownTimeout   time.Duration
	reconnectAttempts int32
}

func NewWebSocketBroker(ctx context.Context, logger types.Logger, config *types.EventsConfig, metrics types.MetricsManager) (types.EventBroker, error) {
	wsConfig := &WebSocketConfig{
		URL:            "ws://localhost:8081/ws",
		ReconnectDelay: 5 * time.Second,
		MaxRetries:     10,
		PingInterval:   54 * time.Second,
		PongWait:       60 * time.Second,
		WriteWait:      10 * time.Second,
	}

	if config.Config != nil {
		if err := utils.UnmarshalConfig(config.Config, wsConfig); err != nil {
			return nil, types.WrapError(err, "failed to unmarshal websocket config")
		}
	}

	brokerCtx, cancel := context.WithCancel(ctx)

	broker := &WebSocketBroker{
		ctx:             brokerCtx,
		cancel:          cancel,
		logger:          logger,
		metrics:         metrics,
		config:          wsConfig,
		subscriptions:   make(map[string][]types.EventHandler),
		send:            make(chan *types.EventMessage, 256),
		reconnectCh:     make(chan struct{}, 1),
		shutdownTimeout: 10 * time.Second,
	}

	broker.state.Store(BrokerStateStopped)

	logger.Info("WebSocket broker initialized",
		zap.String("url", wsConfig.URL),
		zap.Duration("reconnect_delay", wsConfig.ReconnectDelay),
		zap.Int("max_retries", wsConfig.MaxRetries))

	return broker, nil
}

func (w *WebSocketBroker) Publish(event string, payload interface{}) error {
	if !w.IsRunning() {
		return types.ErrEventsNotInitialized
	}

	start := time.Now()

	message := &types.EventMessage{
		Event:     event,
		Payload:   payload,
		Timestamp: time.Now(),
		Source:    "websocket-broker",
		MessageID: uuid.NewString(),
	}

	select {
	case w.send <- message:
		w.logger.Debug("Message queued for publishing",
			zap.String("event", event),
			zap.String("message_id", message.MessageID))
		w.recordMetric("publish", "success", event, time.Since(start))
		return nil
	case <-w.ctx.Done():
		w.recordMetric("publish", "canceled", event, time.Since(start))
		return types.ErrEventsNotInitialized
	default:
		w.logger.Error("Send channel is full, dropping message",
			zap.String("event", event),
			zap.String("message_id", message.MessageID))
		w.recordMetric("publish", "dropped", event, time.Since(start))
		return types.ErrEventsPublishFailed
	}
}

func (w *WebSocketBroker) Subscribe(event string, handler types.EventHandler) error {
	if event == "" || handler == nil {
		return types.ErrEventsConfigInvalid
	}

	start := time.Now()
	defer func() {
		w.recordMetric("subscribe", "success", event, time.Since(start))
	}()

	w.subsMu.Lock()
	defer w.subsMu.Unlock()

	wrappedHandler := w.wrapHandler(event, handler)
	w.subscriptions[event] = append(w.subscriptions[event], wrappedHandler)

	w.logger.Debug("Subscribed to event",
		zap.String("event", event),
		zap.Int("total_handlers", len(w.subscriptions[event])))

	return nil
}

func (w *WebSocketBroker) Unsubscribe(event string) error {
	start := time.Now()
	defer func() {
		w.recordMetric("unsubscribe", "success", event, time.Since(start))
	}()

	w.subsMu.Lock()
	defer w.subsMu.Unlock()

	handlersCount := len(w.subscriptions[event])
	delete(w.subscriptions, event)

	w.logger.Debug("Unsubscribed from event",
		zap.String("event", event),
		zap.Int("removed_handlers", handlersCount))

	return nil
}

func (w *WebSocketBroker) Start() error {
	if !w.transitionState(BrokerStateStopped, BrokerStateStarting) {
		return types.ErrServerAlreadyRunning
	}

	if err := w.connect(); err != nil {
		w.setState(BrokerStateStopped)
		w.logger.Error("Failed to establish initial connection", zap.Error(err))
		return types.WrapError(err, "failed to establish initial connection")
	}

	w.setState(BrokerStateRunning)

	go w.readPump()
	go w.writePump()
	go w.reconnectLoop()

	w.logger.Info("WebSocket broker started")
	return nil
}

func (w *WebSocketBroker) Stop() error {
	if !w.transitionState(BrokerStateRunning, BrokerStateStopping) &&
		!w.transitionState(BrokerStateReconnecting, BrokerStateStopping) {
		return types.ErrServerNotRunning
	}

	defer func() {
		w.setState(BrokerStateStopped)
	}()

	// Pumps exit on context cancellation; the send and reconnect
	// channels stay open so concurrent Publish calls cannot hit a
	// closed channel.
	w.cancel()

	ctx, cancel := context.WithTimeout(context.Background(), w.shutdownTimeout)
	defer cancel()

	g, _ := errgroup.WithContext(ctx)

	g.Go(func() error {
		w.connMu.Lock()
		defer w.connMu.Unlock()

		if w.conn != nil {
			if err := w.conn.Close(); err != nil {
				w.logger.Error("Failed to close connection", zap.Error(err))
				return err
			}
			w.conn = nil
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		select {
		case <-ctx.Done():
			w.logger.Warn("WebSocket broker stop timeout, connection may not have closed gracefully")
		default:
			w.logger.Error("Error during broker shutdown", zap.Error(err))
		}
	} else {
		w.logger.Info("WebSocket broker stopped gracefully")
	}

	return nil
}

func (w *WebSocketBroker) IsRunning() bool {
	state := w.getState()
	return state == BrokerStateRunning || state == BrokerStateReconnecting
}

func (w *WebSocketBroker) getState() BrokerState {
	return w.state.Load().(BrokerState)
}

func (w *WebSocketBroker) setState(newState BrokerState) bool {
	currentState := w.getState()
	return w.state.CompareAndSwap(currentState, newState)
}

func (w *WebSocketBroker) transitionState(from, to BrokerState) bool {
	return w.state.CompareAndSwap(from, to)
}

func (w *WebSocketBroker) connect() error {
	w.logger.Debug("Connecting to WebSocket server", zap.String("url", w.config.URL))

	dialCtx, cancel := context.WithTimeout(w.ctx, 10*time.Second)
	defer cancel()

	dialer := websocket.DefaultDialer
	conn, _, err := dialer.DialContext(dialCtx, w.config.URL, nil)
	if err != nil {
		return types.WrapError(err, "failed to dial WebSocket server")
	}

	w.connMu.Lock()
	if w.conn != nil {
		_ = w.conn.Close()
	}
	w.conn = conn
	w.connMu.Unlock()

	_ = conn.SetReadDeadline(time.Now().Add(w.config.PongWait))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(w.config.PongWait))
		return nil
	})

	atomic.StoreInt32(&w.reconnectAttempts, 0)

	w.logger.Info("Connected to WebSocket server")
	return nil
}

func (w *WebSocketBroker) reconnectLoop() {
	defer w.logger.Debug("Reconnect loop stopped")

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-w.reconnectCh:
			if !w.IsRunning() {
				return
			}

			if w.getState() == BrokerStateRunning {
				w.setState(BrokerStateReconnecting)
			}

			retryCount := atomic.LoadInt32(&w.reconnectAttempts)

			w.logger.Info("Starting reconnection attempt",
				zap.Int32("attempt", retryCount+1),
				zap.Int("max_retries", w.config.MaxRetries))

			if int(retryCount) >= w.config.MaxRetries {
				w.logger.Error("Max reconnection attempts reached, stopping broker")

				if w.transitionState(BrokerStateReconnecting, BrokerStateStopping) {
					w.cancel()
				}
				return
			}

			select {
			case <-time.After(w.config.ReconnectDelay):
			case <-w.ctx.Done():
				return
			}

			atomic.AddInt32(&w.reconnectAttempts, 1)

			if err := w.connect(); err != nil {
				w.logger.Error("Reconnection attempt failed",
					zap.Int32("attempt", atomic.LoadInt32(&w.reconnectAttempts)),
					zap.Error(err))

				w.safeReconnectTrigger()
				continue
			}

			w.setState(BrokerStateRunning)
			w.logger.Info("Reconnected to WebSocket server")

			go w.readPump()
			go w.writePump()
		}
	}
}

func (w *WebSocketBroker) safeReconnectTrigger() {
	select {
	case w.reconnectCh <- struct{}{}:
	case <-w.ctx.Done():
	default:
	}
}

func (w *WebSocketBroker) readPump() {
	defer w.logger.Debug("Read pump stopped")

	for {
		select {
		case <-w.ctx.Done():
			return
		default:
			if !w.IsRunning() {
				return
			}

			success := w.withConnection(func(conn *websocket.Conn) error {
				_ = conn.SetReadDeadline(time.Now().Add(w.config.PongWait))

				_, messageData, err := conn.ReadMessage()
				if err != nil {
					if websocket.IsCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
						w.logger.Debug("WebSocket connection closed", zap.Error(err))
					}
					return err
				}

				var message types.EventMessage
				if err := utils.Unmarshal(messageData, &message); err != nil {
					w.logger.Error("Failed to unmarshal message", zap.Error(err))
					return nil
				}

				w.handleIncomingMessage(&message)
				return nil
			})

			if !success && w.IsRunning() {
				w.safeReconnectTrigger()
				return
			}
		}
	}
}

func (w *WebSocketBroker) writePump() {
	ticker := time.NewTicker(w.config.PingInterval)
	defer func() {
		ticker.Stop()
		w.logger.Debug("Write pump stopped")
	}()

	for {
		select {
		case <-w.ctx.Done():
			return
		case message := <-w.send:
			if !w.IsRunning() {
				w.logger.Debug("Dropping message, broker stopping",
					zap.String("event", message.Event))
				return
			}

			success := w.withConnection(func(conn *websocket.Conn) error {
				_ = conn.SetWriteDeadline(time.Now().Add(w.config.WriteWait))

				data, err := utils.Marshal(message)
				if err != nil {
					w.logger.Error("Failed to marshal outgoing message",
						zap.Error(err),
						zap.String("event", message.Event))
					return nil
				}

				if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
					return err
				}

				w.logger.Debug("Message sent",
					zap.String("event", message.Event),
					zap.String("message_id", message.MessageID))
				return nil
			})

			if !success && w.IsRunning() {
				w.safeReconnectTrigger()
				return
			}

		case <-ticker.C:
			if !w.IsRunning() {
				return
			}

			success := w.withConnection(func(conn *websocket.Conn) error {
				_ = conn.SetWriteDeadline(time.Now().Add(w.config.WriteWait))
				return conn.WriteMessage(websocket.PingMessage, nil)
			})

			if !success && w.IsRunning() {
				w.safeReconnectTrigger()
				return
			}
		}
	}
}

func (w *WebSocketBroker) withConnection(fn func(*websocket.Conn) error) bool {
	w.connMu.RLock()
	defer w.connMu.RUnlock()

	if w.conn == nil {
		return false
	}

	if err := fn(w.conn); err != nil {
		w.logger.Error("WebSocket operation failed", zap.Error(err))
		return false
	}

	return true
}

func (w *WebSocketBroker) handleIncomingMessage(message *types.EventMessage) {
	start := time.Now()

	w.subsMu.RLock()
	handlers := make([]types.EventHandler, len(w.subscriptions[message.Event]))
	copy(handlers, w.subscriptions[message.Event])
	w.subsMu.RUnlock()

	if len(handlers) == 0 {
		w.logger.Debug("No handlers found for event",
			zap.String("event", message.Event),
			zap.String("message_id", message.MessageID))
		w.recordMetric("handle", "no_handlers", message.Event, time.Since(start))
		return
	}

	ctx, cancel := context.WithTimeout(w.ctx, 30*time.Second)
	defer cancel()

	g, gCtx := errgroup.WithContext(ctx)

	for i, handler := range handlers {
		h := handler
		handlerIndex := i

		g.Go(func() error {
			select {
			case <-gCtx.Done():
				return gCtx.Err()
			default:
				if err := h(message); err != nil {
					w.logger.Error("Event handler failed",
						zap.String("event", message.Event),
						zap.String("message_id", message.MessageID),
						zap.Int("handler_index", handlerIndex),
						zap.Error(err))
					return err
				}
				return nil
			}
		})
	}

	if err := g.Wait(); err != nil {
		w.recordMetric("handle", "error", message.Event, time.Since(start))
	} else {
		w.recordMetric("handle", "success", message.Event, time.Since(start))
	}
}

func (w *WebSocketBroker) wrapHandler(event string, handler types.EventHandler) types.EventHandler {
	return func(message *types.EventMessage) error {
		start := time.Now()

		defer func() {
			if r := recover(); r != nil {
				w.logger.Error("Handler panicked",
					zap.String("event", event),
					zap.Any("panic", r))
				w.recordMetric("handle", "panic", event, time.Since(start))
			}
		}()

		err := handler(message)

		result := "success"
		if err != nil {
			result = "error"
		}

		w.recordMetric("handle", result, event, time.Since(start))
		return err
	}
}

func (w *WebSocketBroker) recordMetric(operation, result, event string, duration time.Duration) {
	if w.metrics == nil {
		return
	}

	counter := w.metrics.Counter("websocket_operations_total", map[string]string{
		"operation": operation,
		"result":    result,
		"event":     event,
	})
	counter.Inc()

	histogram := w.metrics.Histogram("websocket_operation_duration_seconds",
		[]float64{0.001, 0.01, 0.1, 1.0, 5.0, 10.0, 30.0},
		map[string]string{"operation": operation, "event": event},
	)
	histogram.Observe(duration.Seconds())
}
