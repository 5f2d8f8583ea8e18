package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	AlertProvidersOffline   = "providers_offline"
	AlertProvidersRecovered = "providers_recovered"

	maxAlertHistory = 50
)

// AlertHistoryStore persists fired alerts.
type AlertHistoryStore interface {
	InsertAlertHistory(ctx context.Context, record AlertRecord) error
}

// AlertService raises one alert when every provider has been offline for the
// extended-offline threshold and one more when a provider comes back.
type AlertService struct {
	status   *NetworkStatusTracker
	notifier AlertNotifier
	store    AlertHistoryStore
	logger   *zap.Logger

	mu      sync.Mutex
	alerted bool
	history []AlertRecord
}

func NewAlertService(status *NetworkStatusTracker, notifier AlertNotifier, store AlertHistoryStore, logger *zap.Logger) *AlertService {
	return &AlertService{
		status:   status,
		notifier: notifier,
		store:    store,
		logger:   logger,
		history:  make([]AlertRecord, 0),
	}
}

// Evaluate checks the network status and fires alerts on transitions.
func (as *AlertService) Evaluate(ctx context.Context) {
	st := as.status.GetStatus()

	as.mu.Lock()
	var record *AlertRecord
	switch {
	case st.ExtendedOffline && !as.alerted:
		as.alerted = true
		minutes := int64(0)
		if st.OfflineDurationMinutes != nil {
			minutes = *st.OfflineDurationMinutes
		}
		record = &AlertRecord{
			Kind:    AlertProvidersOffline,
			Message: fmt.Sprintf("No price provider has been reachable for %d minutes. Serving cached prices.", minutes),
		}
	case as.alerted && st.OfflineDurationMinutes == nil:
		as.alerted = false
		record = &AlertRecord{
			Kind:    AlertProvidersRecovered,
			Message: fmt.Sprintf("%d provider(s) active again.", len(st.ActiveProviders)),
		}
	}
	as.mu.Unlock()

	if record == nil {
		return
	}
	as.fire(ctx, *record, st.ConnectedPeers)
}

func (as *AlertService) fire(ctx context.Context, record AlertRecord, peers int) {
	record.Timestamp = time.Now().UTC()

	if as.notifier != nil && as.notifier.Enabled() {
		color := colorCritical
		title := "All price providers offline"
		if record.Kind == AlertProvidersRecovered {
			color = colorResolved
			title = "Price providers recovered"
		}
		fields := map[string]string{"Connected peers": fmt.Sprintf("%d", peers)}
		if err := as.notifier.Notify(title, record.Message, color, fields); err != nil {
			as.logger.Warn("failed to deliver alert", zap.String("kind", record.Kind), zap.Error(err))
		} else {
			record.Delivered = true
		}
	}

	as.logger.Warn("alert raised", zap.String("kind", record.Kind), zap.String("message", record.Message))

	as.mu.Lock()
	as.history = append(as.history, record)
	if len(as.history) > maxAlertHistory {
		as.history = as.history[len(as.history)-maxAlertHistory:]
	}
	as.mu.Unlock()

	if as.store != nil {
		sctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := as.store.InsertAlertHistory(sctx, record); err != nil {
			as.logger.Warn("failed to persist alert", zap.Error(err))
		}
	}
}

// History returns the most recent alerts, newest last.
func (as *AlertService) History() []AlertRecord {
	as.mu.Lock()
	defer as.mu.Unlock()
	out := make([]AlertRecord, len(as.history))
	copy(out, as.history)
	return out
}
