package main

import (
	"os"
	"testing"
	"time"
)

func TestGetenv(t *testing.T) {
	// Test case 1: Variable not set (default value)
	key := "TEST_ENV_VAR_ROOM"
	def := "default_value"
	val := getenv(key, def)
	if val != def {
		t.Errorf("expected %q, got %q", def, val)
	}

	// Test case 2: Variable set
	expected := "set_value"
	os.Setenv(key, expected)
	defer os.Unsetenv(key)

	val = getenv(key, def)
	if val != expected {
		t.Errorf("expected %q, got %q", expected, val)
	}
}

func TestGetenvFloat(t *testing.T) {
	key := "TEST_ENV_FLOAT_ROOM"
	if got := getenvFloat(key, 1.5); got != 1.5 {
		t.Errorf("expected default 1.5, got %v", got)
	}

	os.Setenv(key, "2.25")
	defer os.Unsetenv(key)
	if got := getenvFloat(key, 1.5); got != 2.25 {
		t.Errorf("expected 2.25, got %v", got)
	}

	os.Setenv(key, "not-a-number")
	if got := getenvFloat(key, 1.5); got != 1.5 {
		t.Errorf("expected fallback on garbage, got %v", got)
	}
}

func TestGetenvDuration(t *testing.T) {
	key := "TEST_ENV_DURATION_ROOM"
	def := 300 * time.Millisecond
	if got := getenvDuration(key, def); got != def {
		t.Errorf("expected default %v, got %v", def, got)
	}

	os.Setenv(key, "1s")
	defer os.Unsetenv(key)
	if got := getenvDuration(key, def); got != time.Second {
		t.Errorf("expected 1s, got %v", got)
	}

	os.Setenv(key, "-5s")
	if got := getenvDuration(key, def); got != def {
		t.Errorf("expected fallback on negative, got %v", got)
	}
}
