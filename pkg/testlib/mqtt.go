// Package testlib holds helpers shared by integration tests.
package testlib

import (
	"os"
	"testing"
)

// MqttURL returns the broker url set in BACKUPD_TEST_MQTT_URL, or "" when the
// test should start its own broker.
func MqttURL() string {
	return os.Getenv("BACKUPD_TEST_MQTT_URL")
}

// RequireMQTT skips t when MQTT integration tests are disabled with EXCLUDE_MQTT.
func RequireMQTT(t testing.TB) {
	t.Helper()
	if os.Getenv("EXCLUDE_MQTT") != "" {
		t.Skip("EXCLUDE_MQTT is set")
	}
}
