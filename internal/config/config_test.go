package config

import (
	"strings"
	"testing"
	"time"
)

func TestParseDefaults(t *testing.T) {
	cfg, err := Parse()
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	if cfg.Port != 8080 || cfg.StoreBackend != "postgres" || cfg.EventSource != "none" {
		t.Errorf("unexpected defaults: %+v", cfg)
	}
	if cfg.MaxAttempts != 3 || cfg.FailFastUnavailable {
		t.Errorf("retry defaults = %d/%v", cfg.MaxAttempts, cfg.FailFastUnavailable)
	}
	if cfg.NotificationHorizon != 90*24*time.Hour || cfg.QueueHorizon != 30*24*time.Hour {
		t.Errorf("retention defaults = %s/%s", cfg.NotificationHorizon, cfg.QueueHorizon)
	}
	if cfg.ClaimLease != 10*time.Minute {
		t.Errorf("claim lease = %s", cfg.ClaimLease)
	}
	if cfg.SQSRegion != cfg.AWSRegion || cfg.SNSRegion != cfg.AWSRegion {
		t.Errorf("regions should default to AWS_REGION: %s/%s", cfg.SQSRegion, cfg.SNSRegion)
	}
}

func TestParseOverrides(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("STORE_BACKEND", "memory")
	t.Setenv("FAIL_FAST_UNAVAILABLE", "true")
	t.Setenv("WORKER_POLL_INTERVAL", "250ms")
	t.Setenv("AWS_REGION", "eu-west-1")
	t.Setenv("SNS_REGION", "us-east-1")
	t.Setenv("ANALYTICS_TIMEZONE", "Europe/Berlin")

	cfg, err := Parse()
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	if cfg.Port != 9090 || cfg.StoreBackend != "memory" || !cfg.FailFastUnavailable {
		t.Errorf("overrides not applied: %+v", cfg)
	}
	if cfg.WorkerPollInterval != 250*time.Millisecond {
		t.Errorf("poll interval = %s", cfg.WorkerPollInterval)
	}
	if cfg.SQSRegion != "eu-west-1" || cfg.SNSRegion != "us-east-1" {
		t.Errorf("regions = %s/%s", cfg.SQSRegion, cfg.SNSRegion)
	}
	if cfg.Location().String() != "Europe/Berlin" {
		t.Errorf("location = %s", cfg.Location())
	}
}

func TestParseInvalid(t *testing.T) {
	tests := []struct {
		name    string
		env     map[string]string
		wantErr string
	}{
		{"bad_port", map[string]string{"PORT": "eighty"}, "eighty"},
		{"bad_backend", map[string]string{"STORE_BACKEND": "mongo"}, "STORE_BACKEND"},
		{"sqs_without_url", map[string]string{"EVENT_SOURCE": "sqs"}, "SQS_QUEUE_URL"},
		{"amqp_without_url", map[string]string{"EVENT_SOURCE": "amqp"}, "AMQP_URL"},
		{"unknown_source", map[string]string{"EVENT_SOURCE": "kafka"}, "EVENT_SOURCE"},
		{"zero_attempts", map[string]string{"MAX_ATTEMPTS": "0"}, "MAX_ATTEMPTS"},
		{"bad_timezone", map[string]string{"ANALYTICS_TIMEZONE": "Mars/Olympus"}, "ANALYTICS_TIMEZONE"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}

			_, err := Parse()
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %q, want mention of %s", err, tt.wantErr)
			}
		})
	}
}
