package logging

import (
	"context"
	"errors"
	"testing"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name        string
		serviceName string
	}{
		{"with service name", "test-service"},
		{"with empty service name", ""},
		{"with versioned service name", "webhookd-worker-v2.1.3"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger := New(tt.serviceName)
			if logger == nil {
				t.Fatal("New() returned nil logger")
			}
			if logger.service != tt.serviceName {
				t.Errorf("New() service = %q, want %q", logger.service, tt.serviceName)
			}
		})
	}
}

func TestWithContextBuildsEntry(t *testing.T) {
	logger := New("test-service")
	entry := logger.WithContext(context.Background())

	if entry == nil {
		t.Fatal("WithContext() returned nil entry")
	}
	if entry.Service != "test-service" {
		t.Errorf("entry.Service = %q, want test-service", entry.Service)
	}
	if entry.Time.IsZero() {
		t.Error("entry.Time not set")
	}
}

func TestFluentFields(t *testing.T) {
	entry := New("test").Plain().
		WithTenant("tn_1").
		WithEvent("ev_1").
		WithDelivery("d_1").
		WithSubscription("sub_1").
		WithWorker("w_1").
		WithField("key", "value").
		WithError(errors.New("boom"))

	if entry.TenantID != "tn_1" {
		t.Errorf("TenantID = %q", entry.TenantID)
	}
	if entry.EventID != "ev_1" {
		t.Errorf("EventID = %q", entry.EventID)
	}
	if entry.DeliveryID != "d_1" {
		t.Errorf("DeliveryID = %q", entry.DeliveryID)
	}
	if entry.SubscriptionID != "sub_1" {
		t.Errorf("SubscriptionID = %q", entry.SubscriptionID)
	}
	if entry.WorkerID != "w_1" {
		t.Errorf("WorkerID = %q", entry.WorkerID)
	}
	if entry.Fields["key"] != "value" {
		t.Errorf("Fields[key] = %v", entry.Fields["key"])
	}
	if entry.Fields["error"] != "boom" {
		t.Errorf("Fields[error] = %v", entry.Fields["error"])
	}
}

func TestWithErrorNilIsNoop(t *testing.T) {
	entry := New("test").Plain().WithError(nil)
	if _, ok := entry.Fields["error"]; ok {
		t.Error("nil error recorded a field")
	}
}
