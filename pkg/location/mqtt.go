package location

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	MQTT "github.com/eclipse/paho.mqtt.golang"

	"github.com/stationwake/stationwake/pkg"
	"github.com/stationwake/stationwake/pkg/config"
	"github.com/stationwake/stationwake/pkg/logx"
	"github.com/stationwake/stationwake/pkg/notify"
)

// MQTTProvider receives positioning fixes pushed by the device over MQTT and
// implements pkg.LocationProvider. The device publishes JSON LocationSample
// payloads on <prefix>/fixes; the daemon publishes the recommended polling
// profile back on <prefix>/profile so the device can throttle its GPS use.
type MQTTProvider struct {
	mu     sync.RWMutex
	client *notify.Client
	config *config.MQTTConfig
	logger *logx.Logger

	latest   *pkg.LocationSample
	callback func(*pkg.LocationSample)
}

// NewMQTTProvider creates the MQTT-fed location provider.
func NewMQTTProvider(client *notify.Client, cfg *config.MQTTConfig, logger *logx.Logger) *MQTTProvider {
	return &MQTTProvider{
		client: client,
		config: cfg,
		logger: logger,
	}
}

// SetFixCallback registers a callback invoked for every received fix.
func (p *MQTTProvider) SetFixCallback(callback func(*pkg.LocationSample)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.callback = callback
}

// Start subscribes to the fix topic.
func (p *MQTTProvider) Start() error {
	topic := fmt.Sprintf("%s/fixes", p.config.TopicPrefix)
	return p.client.Subscribe(topic, p.onFix)
}

func (p *MQTTProvider) onFix(client MQTT.Client, msg MQTT.Message) {
	var sample pkg.LocationSample
	if err := json.Unmarshal(msg.Payload(), &sample); err != nil {
		p.logger.Warn("Dropping malformed fix payload", "error", err)
		return
	}

	p.mu.Lock()
	p.latest = &sample
	callback := p.callback
	p.mu.Unlock()

	if callback != nil {
		callback(&sample)
	}
}

// Authorization reports the provider's permission state. Over MQTT there is
// no OS permission to query: disabled transport counts as restricted, a live
// connection as granted.
func (p *MQTTProvider) Authorization() pkg.AuthStatus {
	if !p.config.Enabled {
		return pkg.AuthRestricted
	}
	if p.client.IsConnected() {
		return pkg.AuthGranted
	}
	return pkg.AuthUnknown
}

// Latest returns the most recent fix.
func (p *MQTTProvider) Latest(ctx context.Context) (*pkg.LocationSample, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.latest == nil {
		return nil, fmt.Errorf("no fix received yet")
	}
	return p.latest, nil
}

// PublishProfile broadcasts the recommended polling profile to the device.
func (p *MQTTProvider) PublishProfile(profile pkg.UpdateProfile) error {
	if !p.config.Enabled || !p.client.IsConnected() {
		return nil
	}

	topic := fmt.Sprintf("%s/profile", p.config.TopicPrefix)
	payload := map[string]interface{}{
		"interval_ms": profile.Interval.Milliseconds(),
		"power_mode":  profile.Power.String(),
	}
	return p.client.PublishJSON(topic, payload)
}
