// Package mqttpub publishes pipeline output to an MQTT broker: decoded
// telemetry frames, tracking-state changes, and a periodic gather of the
// process's Prometheus metrics.
package mqttpub

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/cwsl/groundstation/internal/decoder"
	"github.com/cwsl/groundstation/internal/store"
)

// Options configures the publisher.
type Options struct {
	Broker          string
	Username        string
	Password        string
	TopicPrefix     string        // default "groundstation"
	PublishInterval time.Duration // metrics cadence, default 60s
}

// Publisher manages the MQTT connection and topic layout.
type Publisher struct {
	client   mqtt.Client
	opts     Options
	gatherer prometheus.Gatherer
	log      *log.Logger
}

// MetricPayload is the JSON shape of one metrics message.
type MetricPayload struct {
	Timestamp int64              `json:"timestamp"`
	Metrics   map[string]float64 `json:"metrics"`
	Labels    map[string]string  `json:"labels,omitempty"`
}

// FramePayload is the JSON shape of one decoded-frame message.
type FramePayload struct {
	Timestamp   int64           `json:"timestamp"`
	DecoderType string          `json:"decoder_type"`
	NoradID     int             `json:"norad_id,omitempty"`
	Payload     string          `json:"payload_base64"`
	Metadata    json.RawMessage `json:"metadata,omitempty"`
}

// generateClientID creates a random client ID for the MQTT connection.
func generateClientID() string {
	b := make([]byte, 8)
	rand.Read(b)
	return "groundstation_" + hex.EncodeToString(b)
}

// New connects to the broker. gatherer may be nil (metrics publishing
// disabled).
func New(opts Options, gatherer prometheus.Gatherer, logger *log.Logger) (*Publisher, error) {
	if logger == nil {
		logger = log.Default()
	}
	if opts.TopicPrefix == "" {
		opts.TopicPrefix = "groundstation"
	}
	if opts.PublishInterval <= 0 {
		opts.PublishInterval = 60 * time.Second
	}

	copts := mqtt.NewClientOptions()
	copts.AddBroker(opts.Broker)
	copts.SetClientID(generateClientID())
	if opts.Username != "" {
		copts.SetUsername(opts.Username)
	}
	if opts.Password != "" {
		copts.SetPassword(opts.Password)
	}
	copts.SetAutoReconnect(true)
	copts.SetConnectRetry(true)
	copts.SetConnectRetryInterval(10 * time.Second)
	copts.SetKeepAlive(60 * time.Second)
	copts.SetPingTimeout(10 * time.Second)
	copts.SetOnConnectHandler(func(mqtt.Client) {
		logger.Println("mqtt: connected to broker")
	})
	copts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		logger.Printf("mqtt: connection lost: %v", err)
	})

	client := mqtt.NewClient(copts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("failed to connect to MQTT broker: %w", token.Error())
	}
	logger.Printf("mqtt: connected to %s", opts.Broker)

	return &Publisher{client: client, opts: opts, gatherer: gatherer, log: logger}, nil
}

func (p *Publisher) publishJSON(topic string, v any) {
	raw, err := json.Marshal(v)
	if err != nil {
		p.log.Printf("mqtt: marshal for %s failed: %v", topic, err)
		return
	}
	token := p.client.Publish(topic, 0, false, raw)
	go func() {
		if token.Wait() && token.Error() != nil {
			p.log.Printf("mqtt: publish to %s failed: %v", topic, token.Error())
		}
	}()
}

// PublishFrame publishes one decoded telemetry frame under
// <prefix>/frames/<decoder_type>.
func (p *Publisher) PublishFrame(decoderType string, noradID int, frame decoder.Frame) {
	p.publishJSON(fmt.Sprintf("%s/frames/%s", p.opts.TopicPrefix, decoderType), FramePayload{
		Timestamp:   time.Now().Unix(),
		DecoderType: decoderType,
		NoradID:     noradID,
		Payload:     frame.PayloadBase64,
		Metadata:    frame.Metadata,
	})
}

// PublishTrackingState publishes a tracking-state change under
// <prefix>/tracking/<group_id>.
func (p *Publisher) PublishTrackingState(ts store.TrackingState) {
	p.publishJSON(fmt.Sprintf("%s/tracking/%s", p.opts.TopicPrefix, ts.GroupID), map[string]any{
		"timestamp":        time.Now().Unix(),
		"norad_id":         ts.NoradID,
		"rotator_state":    ts.RotatorState,
		"rig_state":        ts.RigState,
		"azimuth_deg":      ts.AzimuthDeg,
		"elevation_deg":    ts.ElevationDeg,
		"range_km":         ts.RangeKm,
		"range_rate_km_s":  ts.RangeRateKmS,
		"observed_freq_hz": ts.ObservedFreqHz,
	})
}

// StartMetricsLoop gathers the Prometheus registry every interval and
// publishes one message per metric family under <prefix>/metrics/<name>.
func (p *Publisher) StartMetricsLoop(ctx context.Context) {
	if p.gatherer == nil {
		return
	}
	go func() {
		ticker := time.NewTicker(p.opts.PublishInterval)
		defer ticker.Stop()

		p.publishMetrics()
		for {
			select {
			case <-ctx.Done():
				p.log.Println("mqtt: metrics publisher stopped")
				return
			case <-ticker.C:
				p.publishMetrics()
			}
		}
	}()
}

func (p *Publisher) publishMetrics() {
	families, err := p.gatherer.Gather()
	if err != nil {
		p.log.Printf("mqtt: failed to gather metrics: %v", err)
		return
	}

	timestamp := time.Now().Unix()
	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			value := extractMetricValue(m)
			if value == nil {
				continue
			}
			labels := make(map[string]string)
			for _, label := range m.GetLabel() {
				labels[label.GetName()] = label.GetValue()
			}
			p.publishJSON(fmt.Sprintf("%s/metrics/%s", p.opts.TopicPrefix, mf.GetName()), MetricPayload{
				Timestamp: timestamp,
				Metrics:   map[string]float64{mf.GetName(): *value},
				Labels:    labels,
			})
		}
	}
}

// extractMetricValue pulls the scalar out of a gauge/counter/untyped
// metric; histograms and summaries are skipped.
func extractMetricValue(m *dto.Metric) *float64 {
	switch {
	case m.GetGauge() != nil:
		v := m.GetGauge().GetValue()
		return &v
	case m.GetCounter() != nil:
		v := m.GetCounter().GetValue()
		return &v
	case m.GetUntyped() != nil:
		v := m.GetUntyped().GetValue()
		return &v
	default:
		return nil
	}
}

// Disconnect flushes and closes the connection.
func (p *Publisher) Disconnect() {
	p.client.Disconnect(250)
}
