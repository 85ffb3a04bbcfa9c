package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/pili2026/talos/internal/obs/log"
)

// Notifier delivers one alert transition to an external sink.
type Notifier interface {
	Name() string
	Notify(ctx context.Context, rec Record, reasonText string) error
}

// RoutingMode selects how a severity's configured notifiers are invoked.
type RoutingMode string

const (
	ModeBroadcast RoutingMode = "broadcast"
	ModeFallback  RoutingMode = "fallback"
	ModeSingle    RoutingMode = "single"
)

// Route is the routing rule for one severity, loaded from notifier_config.yml.
type Route struct {
	Mode       RoutingMode `yaml:"mode"`
	Notifiers  []string    `yaml:"notifiers"`
	MinSuccess int         `yaml:"min_success"`
}

// RetryPolicy configures the exponential backoff applied per notifier.
type RetryPolicy struct {
	Base        time.Duration
	Mult        float64
	MaxAttempts int
}

// Router dispatches alert notifications per the configured Route for the
// alert's severity, retrying each notifier with exponential backoff.
type Router struct {
	notifiers map[string]Notifier
	routes    map[Severity]Route
	retry     RetryPolicy
}

// NewRouter builds a Router from named notifiers and per-severity routes.
func NewRouter(notifiers map[string]Notifier, routes map[Severity]Route, retry RetryPolicy) *Router {
	return &Router{notifiers: notifiers, routes: routes, retry: retry}
}

// Dispatch sends rec through the route configured for its severity.
func (r *Router) Dispatch(ctx context.Context, rec Record, reasonText string) error {
	route, ok := r.routes[rec.Severity]
	if !ok {
		return fmt.Errorf("no notifier route configured for severity %s", rec.Severity)
	}

	switch route.Mode {
	case ModeSingle:
		for _, name := range route.Notifiers {
			n, ok := r.notifiers[name]
			if !ok {
				continue
			}
			return r.sendWithRetry(ctx, n, rec, reasonText)
		}
		return fmt.Errorf("no enabled notifier for severity %s", rec.Severity)

	case ModeFallback:
		var lastErr error
		for _, name := range route.Notifiers {
			n, ok := r.notifiers[name]
			if !ok {
				continue
			}
			if err := r.sendWithRetry(ctx, n, rec, reasonText); err != nil {
				lastErr = err
				continue
			}
			return nil
		}
		return fmt.Errorf("all fallback notifiers failed: %w", lastErr)

	case ModeBroadcast:
		successes := 0
		type result struct{ err error }
		results := make(chan result, len(route.Notifiers))
		for _, name := range route.Notifiers {
			n, ok := r.notifiers[name]
			if !ok {
				results <- result{fmt.Errorf("unknown notifier %q", name)}
				continue
			}
			go func(n Notifier) {
				results <- result{r.sendWithRetry(ctx, n, rec, reasonText)}
			}(n)
		}
		for range route.Notifiers {
			res := <-results
			if res.err == nil {
				successes++
			}
		}
		if successes < route.MinSuccess {
			return fmt.Errorf("broadcast succeeded %d/%d, wanted %d", successes, len(route.Notifiers), route.MinSuccess)
		}
		return nil

	default:
		return fmt.Errorf("unknown routing mode %q", route.Mode)
	}
}

func (r *Router) sendWithRetry(ctx context.Context, n Notifier, rec Record, reasonText string) error {
	var lastErr error
	attempts := r.retry.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(float64(r.retry.Base) * pow(r.retry.Mult, float64(attempt)))
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if err := n.Notify(ctx, rec, reasonText); err != nil {
			lastErr = err
			log.WithField("notifier", n.Name()).WithField("attempt", attempt).Warn("notifier attempt failed")
			continue
		}
		return nil
	}
	return lastErr
}

func pow(base, exp float64) float64 {
	result := 1.0
	for i := 0; i < int(exp); i++ {
		result *= base
	}
	return result
}

// LogNotifier writes the alert to the structured logger. Always enabled as
// a last-resort sink.
type LogNotifier struct{}

func (LogNotifier) Name() string { return "log" }

func (LogNotifier) Notify(ctx context.Context, rec Record, reasonText string) error {
	log.WithFields(map[string]interface{}{
		"device_id": rec.DeviceID,
		"code":      rec.Code,
		"severity":  rec.Severity,
		"state":     rec.State,
		"value":     rec.LastValue,
		"reason":    reasonText,
	}).Info("alert notification")
	return nil
}

// WebhookNotifier posts the alert as JSON to a configured URL. Post is
// injected so tests can substitute a fake transport without a real HTTP
// round trip.
type WebhookNotifier struct {
	URL  string
	Post func(ctx context.Context, url string, body []byte) error
}

// NewWebhookNotifier returns a WebhookNotifier that posts via net/http.
func NewWebhookNotifier(url string, client *http.Client) *WebhookNotifier {
	if client == nil {
		client = http.DefaultClient
	}
	return &WebhookNotifier{
		URL: url,
		Post: func(ctx context.Context, url string, body []byte) error {
			req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
			if err != nil {
				return err
			}
			req.Header.Set("Content-Type", "application/json")
			resp, err := client.Do(req)
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			if resp.StatusCode >= 300 {
				return fmt.Errorf("webhook %s returned status %d", url, resp.StatusCode)
			}
			return nil
		},
	}
}

func (w *WebhookNotifier) Name() string { return "webhook:" + w.URL }

func (w *WebhookNotifier) Notify(ctx context.Context, rec Record, reasonText string) error {
	body, err := json.Marshal(map[string]interface{}{
		"device_id": rec.DeviceID,
		"code":      rec.Code,
		"severity":  rec.Severity,
		"state":     rec.State,
		"value":     rec.LastValue,
		"reason":    reasonText,
	})
	if err != nil {
		return err
	}
	if w.Post == nil {
		return fmt.Errorf("webhook notifier %s has no post function configured", w.URL)
	}
	return w.Post(ctx, w.URL, body)
}

// RedisNotifier PUBLISHes alert transition events to a Redis channel, so a
// site's local dashboard or historian can subscribe without polling the
// gateway's HTTP surface. Constructed the same way the teacher's
// ConfigDBClient builds a go-redis client.
type RedisNotifier struct {
	client  *redis.Client
	channel string
}

// NewRedisNotifier connects to addr and returns a notifier publishing on channel.
func NewRedisNotifier(addr, password string, db int, channel string) *RedisNotifier {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return &RedisNotifier{client: client, channel: channel}
}

func (r *RedisNotifier) Name() string { return "redis:" + r.channel }

func (r *RedisNotifier) Notify(ctx context.Context, rec Record, reasonText string) error {
	payload, err := json.Marshal(map[string]interface{}{
		"device_id": rec.DeviceID,
		"code":      rec.Code,
		"severity":  rec.Severity,
		"state":     rec.State,
		"value":     rec.LastValue,
		"reason":    reasonText,
	})
	if err != nil {
		return err
	}
	return r.client.Publish(ctx, r.channel, payload).Err()
}

// Close releases the underlying Redis connection.
func (r *RedisNotifier) Close() error {
	return r.client.Close()
}
