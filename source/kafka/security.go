package kafka

import "crypto/tls"

// tlsConfig is nil unless TLS is enabled.
func (c Config) tlsConfig() *tls.Config {
	if !c.TLSEnabled {
		return nil
	}
	return &tls.Config{MinVersion: tls.VersionTLS12}
}

func (c Config) saslEnabled() bool { return c.SASLUser != "" }
