package identity

import "testing"

func TestResolveWithClientID(t *testing.T) {
	info := Resolve("10.0.0.5", "sensor-1")
	if info.ClientID != "sensor-1" {
		t.Errorf("ClientID = %q, want sensor-1", info.ClientID)
	}
	if info.IP != "10.0.0.5" {
		t.Errorf("IP = %q, want 10.0.0.5", info.IP)
	}
}

func TestResolveAnonymousFallback(t *testing.T) {
	info := Resolve("10.0.0.5", "")
	if info.ClientID != "anonymous_10.0.0.5" {
		t.Errorf("ClientID = %q, want anonymous_10.0.0.5", info.ClientID)
	}
}

func TestFingerprintPrefersClientID(t *testing.T) {
	if fp := Fingerprint("10.0.0.5", "sensor-1"); fp != "sensor-1" {
		t.Errorf("Fingerprint = %q, want sensor-1", fp)
	}
}

func TestFingerprintFallsBackToIP(t *testing.T) {
	if fp := Fingerprint("10.0.0.5", ""); fp != "10.0.0.5" {
		t.Errorf("Fingerprint = %q, want 10.0.0.5", fp)
	}
}
