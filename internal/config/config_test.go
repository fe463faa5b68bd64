package config

import (
	"os"
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestLoad_DefaultsAndEnv(t *testing.T) {
	os.Setenv("HTTP_ADDRESS", "")
	os.Setenv("RESPONSE_TIMEOUT", "")
	os.Setenv("LLM_MODEL_ID", "")
	cfg := Load(zap.NewNop())
	if cfg.HTTPAddress == "" {
		t.Fatalf("expected default http address")
	}
	if cfg.ResponseTimeout != 15*time.Second {
		t.Fatalf("expected default response timeout, got %v", cfg.ResponseTimeout)
	}
	if cfg.LLMModel == "" {
		t.Fatalf("expected default llm model id")
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	os.Setenv("RESPONSE_TIMEOUT", "7s")
	os.Setenv("MAX_STEP_RETRIES", "5")
	os.Setenv("INTENT_CONFIDENCE_THRESHOLD", "0.8")
	defer func() {
		os.Unsetenv("RESPONSE_TIMEOUT")
		os.Unsetenv("MAX_STEP_RETRIES")
		os.Unsetenv("INTENT_CONFIDENCE_THRESHOLD")
	}()
	cfg := Load(zap.NewNop())
	if cfg.ResponseTimeout != 7*time.Second {
		t.Fatalf("expected 7s timeout, got %v", cfg.ResponseTimeout)
	}
	if cfg.MaxStepRetries != 5 {
		t.Fatalf("expected 5 retries, got %d", cfg.MaxStepRetries)
	}
	if cfg.IntentThreshold != 0.8 {
		t.Fatalf("expected 0.8 threshold, got %v", cfg.IntentThreshold)
	}
}
