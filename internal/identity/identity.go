// Package identity resolves a stable client identity from a peer IP and a
// parsed MQTT Client Identifier.
package identity

// Info is the (ip, client_id) tuple surfaced to the forwarder for logging
// and metrics. ClientID is "anonymous_<ip>" when no Client-ID was parsed.
type Info struct {
	IP       string
	ClientID string
}

// Resolve builds an Info from a peer IP and the Client-ID parsed from the
// CONNECT packet (possibly empty if parsing failed or the packet carried
// no Client-ID).
func Resolve(peerIP, parsedClientID string) Info {
	if parsedClientID != "" {
		return Info{IP: peerIP, ClientID: parsedClientID}
	}
	return Info{IP: peerIP, ClientID: "anonymous_" + peerIP}
}

// Fingerprint returns the rate-limiter lookup key for a peer IP and parsed
// Client-ID: the Client-ID when non-empty, else the IP. The Info's display
// "anonymous_" prefix is never used as a limiter key.
func Fingerprint(peerIP, parsedClientID string) string {
	if parsedClientID != "" {
		return parsedClientID
	}
	return peerIP
}
