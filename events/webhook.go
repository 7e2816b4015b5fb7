package events

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/saiset-co/sai-gate/types"
	"github.com/saiset-co/sai-gate/utils"
)

type WebhookState int32

const (
	WebhookStateStopped WebhookState = iota
	WebhookStateStarting
	WebhookStateRunning
	WebhookStateStopping
)

// WebhookNotifier posts published events to the HTTP targets declared
// in the events config. Targets are static for the process lifetime;
// deliveries for one event run in parallel and are signed with the
// target secret when one is set.
type WebhookNotifier struct {
	ctx             context.Context
	cancel          context.CancelFunc
	logger          types.Logger
	metrics         types.MetricsManager
	client          *fasthttp.Client
	targets         map[string][]*types.WebhookTargetConfig
	targetCount     int
	state           atomic.Value
	deliveryTimeout time.Duration
	requestTimeout  time.Duration
}

func NewWebhookNotifier(ctx context.Context, logger types.Logger, metrics types.MetricsManager, targets []types.WebhookTargetConfig) (*WebhookNotifier, error) {
	notifierCtx, cancel := context.WithCancel(ctx)

	wn := &WebhookNotifier{
		ctx:     notifierCtx,
		cancel:  cancel,
		logger:  logger,
		metrics: metrics,
		client: &fasthttp.Client{
			Name:         "sai-gate-webhook/1.0",
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 5 * time.Second,
		},
		targets:         make(map[string][]*types.WebhookTargetConfig),
		deliveryTimeout: 30 * time.Second,
		requestTimeout:  5 * time.Second,
	}

	wn.state.Store(WebhookStateStopped)

	for i := range targets {
		target := &targets[i]
		if target.Event == "" || target.URL == "" {
			cancel()
			return nil, types.Errorf(types.ErrEventsConfigInvalid, "webhook target %d: event and url are required", i)
		}
		wn.targets[target.Event] = append(wn.targets[target.Event], target)
		wn.targetCount++
	}

	return wn, nil
}

func (wn *WebhookNotifier) Start() error {
	if !wn.transitionState(WebhookStateStopped, WebhookStateStarting) {
		return types.ErrServerAlreadyRunning
	}

	defer func() {
		if wn.getState() == WebhookStateStarting {
			wn.setState(WebhookStateRunning)
		}
	}()

	wn.logger.Info("Webhook notifier started",
		zap.Int("targets", wn.targetCount),
		zap.Int("events", len(wn.targets)))
	return nil
}

func (wn *WebhookNotifier) Stop() error {
	if !wn.transitionState(WebhookStateRunning, WebhookStateStopping) {
		return types.ErrServerNotRunning
	}

	defer func() {
		wn.setState(WebhookStateStopped)
		wn.cancel()
	}()

	wn.client.CloseIdleConnections()

	wn.logger.Info("Webhook notifier stopped")
	return nil
}

func (wn *WebhookNotifier) IsRunning() bool {
	return wn.getState() == WebhookStateRunning
}

func (wn *WebhookNotifier) getState() WebhookState {
	return wn.state.Load().(WebhookState)
}

func (wn *WebhookNotifier) setState(newState WebhookState) bool {
	currentState := wn.getState()
	return wn.state.CompareAndSwap(currentState, newState)
}

func (wn *WebhookNotifier) transitionState(from, to WebhookState) bool {
	return wn.state.CompareAndSwap(from, to)
}

func (wn *WebhookNotifier) NotifyWebhooks(event string, payload interface{}) error {
	if !wn.IsRunning() {
		return types.ErrEventsNotInitialized
	}

	start := time.Now()

	targets := wn.targets[event]
	if len(targets) == 0 {
		wn.logger.Debug("No webhook targets for event", zap.String("event", event))
		wn.recordMetric("notify", "no_targets", event, time.Since(start))
		return nil
	}

	wn.logger.Debug("Notifying webhooks",
		zap.String("event", event),
		zap.Int("target_count", len(targets)))

	notifyCtx, cancel := context.WithTimeout(wn.ctx, wn.deliveryTimeout)
	defer cancel()

	g, gCtx := errgroup.WithContext(notifyCtx)

	var successCount int32
	var errorCount int32

	for _, target := range targets {
		t := target
		g.Go(func() error {
			select {
			case <-gCtx.Done():
				return gCtx.Err()
			default:
				if err := wn.deliverWebhook(t, event, payload); err != nil {
					atomic.AddInt32(&errorCount, 1)
					wn.logger.Error("Webhook delivery failed",
						zap.String("event", event),
						zap.String("url", t.URL),
						zap.Error(err))
					return err
				}
				atomic.AddInt32(&successCount, 1)
				wn.logger.Debug("Webhook delivered",
					zap.String("event", event),
					zap.String("url", t.URL))
				return nil
			}
		})
	}

	if err := g.Wait(); err != nil {
		select {
		case <-notifyCtx.Done():
			wn.recordMetric("notify", "timeout", event, time.Since(start))
			return types.NewErrorf("webhook notification timeout for event: %s", event)
		default:
			if atomic.LoadInt32(&successCount) > 0 {
				wn.logger.Warn("Some webhook deliveries failed",
					zap.String("event", event),
					zap.Int32("success_count", atomic.LoadInt32(&successCount)),
					zap.Int32("error_count", atomic.LoadInt32(&errorCount)),
					zap.Error(err))
				wn.recordMetric("notify", "partial_success", event, time.Since(start))
				return nil
			}
			wn.recordMetric("notify", "error", event, time.Since(start))
			return types.WrapError(err, "all webhook deliveries failed")
		}
	}

	wn.recordMetric("notify", "success", event, time.Since(start))
	return nil
}

func (wn *WebhookNotifier) deliverWebhook(target *types.WebhookTargetConfig, event string, payload interface{}) error {
	start := time.Now()

	webhookPayload := map[string]interface{}{
		"event":     event,
		"timestamp": time.Now().Unix(),
		"data":      payload,
	}

	jsonData, err := utils.Marshal(webhookPayload)
	if err != nil {
		wn.recordMetric("delivery", "marshal_error", event, time.Since(start))
		return types.WrapError(err, "failed to marshal webhook payload")
	}

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(target.URL)
	req.Header.SetMethod(fasthttp.MethodPost)
	req.Header.SetContentType("application/json")
	req.SetBody(jsonData)

	for key, value := range target.Headers {
		req.Header.Set(key, value)
	}

	if target.Secret != "" {
		signature := wn.generateHMACSignature(target.Secret, jsonData)
		req.Header.Set("X-Signature", "sha256="+signature)
	}

	if err := wn.client.DoTimeout(req, resp, wn.requestTimeout); err != nil {
		if errors.Is(err, fasthttp.ErrTimeout) {
			wn.recordMetric("delivery", "timeout", event, time.Since(start))
			return types.NewErrorf("webhook delivery timeout for %s", target.URL)
		}
		wn.recordMetric("delivery", "http_error", event, time.Since(start))
		return types.WrapError(err, "HTTP request failed")
	}

	if statusCode := resp.StatusCode(); statusCode >= 400 {
		wn.recordMetric("delivery", "http_error", event, time.Since(start))
		return fmt.Errorf("webhook returned error status: %d", statusCode)
	}

	wn.recordMetric("delivery", "success", event, time.Since(start))
	return nil
}

func (wn *WebhookNotifier) generateHMACSignature(secret string, payload []byte) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

func (wn *WebhookNotifier) recordMetric(operation, result, event string, duration time.Duration) {
	if wn.metrics == nil {
		return
	}

	counter := wn.metrics.Counter("webhook_operations_total", map[string]string{
		"operation": operation,
		"result":    result,
		"event":     event,
	})
	counter.Inc()

	histogram := wn.metrics.Histogram("webhook_operation_duration_seconds",
		[]float64{0.001, 0.01, 0.1, 1.0, 5.0, 10.0, 30.0},
		map[string]string{"operation": operation, "event": event},
	)
	histogram.Observe(duration.Seconds())
}
