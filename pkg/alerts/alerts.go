package alerts

import (
	"bytes"
	"encoding/json"
	"net/http"
	"time"

	"github.com/nolus-protocol/nodes-manager-sub000/pkg/log"
	"github.com/nolus-protocol/nodes-manager-sub000/pkg/metrics"
	"github.com/nolus-protocol/nodes-manager-sub000/pkg/types"
)

// Payload is the webhook wire format.
type Payload struct {
	Timestamp  time.Time       `json:"timestamp"`
	AlarmType  string          `json:"alarm_type"`
	Severity   types.Severity  `json:"severity"`
	NodeName   string          `json:"node_name"`
	Message    string          `json:"message"`
	ServerHost string          `json:"server_host"`
	Details    json.RawMessage `json:"details,omitempty"`
}

// Service dispatches alerts to a webhook. An empty webhook URL disables
// dispatch entirely (silent mode for development). Send never returns an
// error: webhook failures are logged and swallowed so alerting can never
// block an operation.
type Service struct {
	webhookURL string
	client     *http.Client
	state      *progressiveState
}

// NewService creates an alert service posting to webhookURL.
func NewService(webhookURL string) *Service {
	return &Service{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: 15 * time.Second},
		state:      newProgressiveState(),
	}
}

// Send posts one alert. Details may be nil.
func (s *Service) Send(alarmType string, severity types.Severity, target, server, message string, details json.RawMessage) {
	if s.webhookURL == "" {
		return
	}

	payload := Payload{
		Timestamp:  time.Now().UTC(),
		AlarmType:  alarmType,
		Severity:   severity,
		NodeName:   target,
		Message:    message,
		ServerHost: server,
		Details:    details,
	}

	body, err := json.Marshal(payload)
	if err != nil {
		log.WithComponent("alerts").Error().Err(err).Msg("failed to encode alert payload")
		return
	}

	resp, err := s.client.Post(s.webhookURL, "application/json", bytes.NewReader(body))
	if err != nil {
		log.WithComponent("alerts").Error().
			Err(err).
			Str("alarm_type", alarmType).
			Str("target", target).
			Msg("webhook dispatch failed")
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		log.WithComponent("alerts").Error().
			Int("status", resp.StatusCode).
			Str("alarm_type", alarmType).
			Str("target", target).
			Msg("webhook returned non-success status")
		return
	}

	metrics.AlertsSentTotal.WithLabelValues(string(severity)).Inc()
	log.WithComponent("alerts").Debug().
		Str("alarm_type", alarmType).
		Str("severity", string(severity)).
		Str("target", target).
		Msg("alert sent")
}

// ShouldSendProgressive reports whether a persistent-failure alarm for the
// target is due under the escalating schedule, without mutating state.
func (s *Service) ShouldSendProgressive(target string) bool {
	return s.state.shouldSend(target, time.Now())
}

// MarkAlarmSent records that an alarm was sent for target now.
func (s *Service) MarkAlarmSent(target string) {
	s.state.markSent(target, time.Now())
}

// ClearAlarms resets the progressive state for target and reports whether
// any alarm had been sent during the episode.
func (s *Service) ClearAlarms(target string) bool {
	return s.state.clear(target)
}

// AlarmCount returns the number of alarms sent for target in the current
// episode.
func (s *Service) AlarmCount(target string) int {
	return s.state.count(target)
}
