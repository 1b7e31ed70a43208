// Package mqttpub fans engine events out to an MQTT broker so
// out-of-process consumers (analytics sidecars, regional read replicas)
// can tail the same stream the in-process subscription hub delivers.
// It also doubles as the engine's optional hot cache: the latest fix
// per tourist is published as a retained message, so any process — this
// one included, at startup — can read the live-position projection by
// subscribing to the live topic tree.
//
// Every publish is best-effort behind a circuit breaker: a broker
// outage degrades fan-out and the hot cache but never fails ingestion.
package mqttpub

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/touristsafety/trackengine/internal/config"
	"github.com/touristsafety/trackengine/internal/domain"
)

// Topic layout. Live topics carry retained messages; the rest are
// fire-and-forget event streams.
const (
	TopicAlerts         = "tracking/alerts"
	TopicLocationPrefix = "tracking/location/" // + tourist id
	TopicStatusPrefix   = "tracking/status/"   // + tourist id
	TopicLivePrefix     = "tracking/live/"     // + tourist id, retained
)

// Connection retry policy, applied before giving up on the broker at
// startup. After startup the health check keeps retrying forever.
const (
	maxRetryAttempts     = 3
	retryBackoffInterval = 5 * time.Second
)

// Publisher wraps the paho client with metrics, a circuit breaker, and
// the engine's topic conventions.
type Publisher struct {
	client  mqtt.Client
	cfg     config.MQTTConfig
	logger  *zap.Logger
	breaker *gobreaker.CircuitBreaker
	metrics *prometheus.CounterVec

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// New builds a Publisher and registers its message counters on the
// given registry. Connect must be called before publishing.
func New(cfg config.MQTTConfig, logger *zap.Logger, registry prometheus.Registerer) *Publisher {
	if logger == nil {
		logger = zap.NewNop()
	}

	metrics := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mqtt_message_counts",
			Help: "Number of MQTT messages published and received, by direction and topic class.",
		},
		[]string{"direction", "topic"},
	)
	if registry != nil {
		registry.MustRegister(metrics)
	}

	opts := mqtt.NewClientOptions()
	brokerURI := fmt.Sprintf("tcp://%s:%d", cfg.Host, cfg.Port)
	if cfg.TLSEnabled {
		brokerURI = fmt.Sprintf("ssl://%s:%d", cfg.Host, cfg.Port)
	}
	opts.AddBroker(brokerURI)
	opts.SetClientID(fmt.Sprintf("trackengine-%d", time.Now().UnixNano()))
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
	}
	if cfg.Password != "" {
		opts.SetPassword(cfg.Password)
	}
	opts.SetKeepAlive(cfg.KeepAlive)
	opts.SetConnectTimeout(cfg.ConnectionTimeout)
	// Reconnection is handled by the health check so backoff stays under
	// our control.
	opts.SetAutoReconnect(false)

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "MQTTPublishBreaker",
		MaxRequests: 3,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state changed",
				zap.String("name", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})

	return &Publisher{
		client:  mqtt.NewClient(opts),
		cfg:     cfg,
		logger:  logger,
		breaker: breaker,
		metrics: metrics,
		stopCh:  make(chan struct{}),
	}
}

// Connect establishes the broker connection with bounded retries and
// starts the health-check loop that reconnects after later drops.
func (p *Publisher) Connect() error {
	var err error
	for attempt := 1; attempt <= maxRetryAttempts; attempt++ {
		token := p.client.Connect()
		token.Wait()
		if token.Error() == nil {
			err = nil
			break
		}
		err = token.Error()
		p.logger.Warn("MQTT connection attempt failed",
			zap.Int("attempt", attempt), zap.Error(err))
		time.Sleep(retryBackoffInterval * time.Duration(attempt))
	}
	if err != nil {
		return fmt.Errorf("connect to MQTT broker after %d attempts: %w", maxRetryAttempts, err)
	}

	p.logger.Info("connected to MQTT broker",
		zap.String("host", p.cfg.Host), zap.Int("port", p.cfg.Port))

	p.wg.Add(1)
	go p.healthCheck()
	return nil
}

func (p *Publisher) healthCheck() {
	defer p.wg.Done()
	ticker := time.NewTicker(p.cfg.RetryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			if p.client.IsConnected() {
				continue
			}
			p.logger.Warn("MQTT disconnected, attempting reconnect")
			token := p.client.Connect()
			token.Wait()
			if token.Error() != nil {
				p.logger.Warn("MQTT reconnect failed", zap.Error(token.Error()))
			}
		}
	}
}

// Disconnect stops the health check and closes the broker connection,
// allowing in-flight publishes a short grace period.
func (p *Publisher) Disconnect() {
	p.stopOnce.Do(func() { close(p.stopCh) })
	p.wg.Wait()
	if p.client.IsConnected() {
		p.client.Disconnect(250)
	}
}

// Healthy reports whether the broker connection is up and the publish
// breaker closed.
func (p *Publisher) Healthy() bool {
	return p.client.IsConnected() && p.breaker.State() == gobreaker.StateClosed
}

// publish marshals payload and publishes it through the breaker.
func (p *Publisher) publish(topic string, payload interface{}, retained bool) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal MQTT payload: %w", err)
	}
	_, err = p.breaker.Execute(func() (interface{}, error) {
		token := p.client.Publish(topic, byte(p.cfg.QoS), retained, data)
		token.Wait()
		return nil, token.Error()
	})
	if err != nil {
		return err
	}
	p.metrics.WithLabelValues("published", topicClass(topic)).Inc()
	return nil
}

// PublishAlert mirrors an alert onto the broker. Best-effort.
func (p *Publisher) PublishAlert(a domain.Alert) {
	if err := p.publish(TopicAlerts, a, false); err != nil {
		p.logger.Warn("MQTT alert publish failed", zap.Error(err), zap.String("alertId", a.ID))
	}
}

// PublishLocationChanged mirrors a location change onto the broker.
// Best-effort.
func (p *Publisher) PublishLocationChanged(touristID string, f domain.Fix, touristName string) {
	payload := map[string]interface{}{
		"touristId": touristID,
		"name":      touristName,
		"lat":       f.Latitude,
		"lon":       f.Longitude,
		"accuracy":  f.Accuracy,
		"timestamp": f.ClientTimestamp,
	}
	if err := p.publish(TopicLocationPrefix+touristID, payload, false); err != nil {
		p.logger.Warn("MQTT location publish failed", zap.Error(err), zap.String("touristId", touristID))
	}
}

// PublishZoneStatus mirrors a tourist's zone status onto the broker.
// Best-effort.
func (p *Publisher) PublishZoneStatus(touristID string, status domain.Status, zones []domain.Zone) {
	ids := make([]string, 0, len(zones))
	for _, z := range zones {
		ids = append(ids, z.ID)
	}
	payload := map[string]interface{}{
		"touristId": touristID,
		"status":    status,
		"zoneIds":   ids,
	}
	if err := p.publish(TopicStatusPrefix+touristID, payload, false); err != nil {
		p.logger.Warn("MQTT zone status publish failed", zap.Error(err), zap.String("touristId", touristID))
	}
}

// SetLatest implements the hot-cache interface: the latest fix per
// tourist is a retained message, so the live tree always holds exactly
// the current projection.
func (p *Publisher) SetLatest(ctx context.Context, touristID string, f domain.Fix) error {
	return p.publish(TopicLivePrefix+touristID, f, true)
}

// WarmLatest reads the retained live tree for up to wait and hands each
// tourist's latest fix to apply. Used once at startup to warm the
// in-memory state after a restart; a broker without retained messages
// simply yields nothing.
func (p *Publisher) WarmLatest(wait time.Duration, apply func(touristID string, f domain.Fix)) error {
	topic := TopicLivePrefix + "+"
	token := p.client.Subscribe(topic, byte(p.cfg.QoS), func(_ mqtt.Client, msg mqtt.Message) {
		p.metrics.WithLabelValues("received", topicClass(msg.Topic())).Inc()
		var f domain.Fix
		if err := json.Unmarshal(msg.Payload(), &f); err != nil {
			p.logger.Warn("malformed retained live position", zap.String("topic", msg.Topic()), zap.Error(err))
			return
		}
		id := strings.TrimPrefix(msg.Topic(), TopicLivePrefix)
		apply(id, f)
	})
	token.Wait()
	if token.Error() != nil {
		return fmt.Errorf("subscribe to live tree: %w", token.Error())
	}

	// Retained messages arrive immediately after subscribe; give the
	// broker a beat, then drop the subscription.
	time.Sleep(wait)
	unsub := p.client.Unsubscribe(topic)
	unsub.Wait()
	return unsub.Error()
}

// topicClass collapses per-tourist topics into their prefix so the
// metric's label cardinality stays bounded.
func topicClass(topic string) string {
	for _, prefix := range []string{TopicLocationPrefix, TopicStatusPrefix, TopicLivePrefix} {
		if strings.HasPrefix(topic, prefix) {
			return prefix + "+"
		}
	}
	return topic
}
