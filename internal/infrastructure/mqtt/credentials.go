package mqtt

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"net/url"
	"os"
	"strings"
)

// defaultCloudPort is the MQTT-over-TLS port used when the host carries none.
const defaultCloudPort = "8883"

// Credentials are the resolved cloud broker credentials produced by
// provisioning. They are read-only once loaded.
type Credentials struct {
	// Host is the broker host name, host:port, or a full ssl:// / tls:// URL.
	Host string

	// CertificateAuthorityPath is the PEM file with the broker's root CA.
	CertificateAuthorityPath string

	// ClientCertificatePath is the PEM file with this client's certificate.
	ClientCertificatePath string

	// ClientKeyPath is the PEM file with this client's private key.
	ClientKeyPath string

	// TopicPrefix is the per-consumer channel prefix. When empty it is
	// derived from the path of Host if Host is a URL.
	TopicPrefix string
}

// Validate reports whether the credential set is usable.
//
// Returns:
//   - ErrNotConfigured when every field is empty (provisioning has not run)
//   - ErrInvalidCredentials when only some of the connection fields are set
//   - nil otherwise
func (c Credentials) Validate() error {
	fields := map[string]string{
		"host":        c.Host,
		"ca":          c.CertificateAuthorityPath,
		"certificate": c.ClientCertificatePath,
		"key":         c.ClientKeyPath,
	}

	var missing []string
	for _, name := range []string{"host", "ca", "certificate", "key"} {
		if strings.TrimSpace(fields[name]) == "" {
			missing = append(missing, name)
		}
	}

	switch len(missing) {
	case 0:
		return nil
	case len(fields):
		return ErrNotConfigured
	default:
		return fmt.Errorf("%w: missing %s", ErrInvalidCredentials, strings.Join(missing, ", "))
	}
}

// BrokerURL returns the ssl:// URL paho should dial.
//
// Accepted host forms:
//
//	a1b2c3.iot.eu-west-1.amazonaws.com          -> ssl://a1b2c3...:8883
//	broker.example.com:443                      -> ssl://broker.example.com:443
//	tls://broker.example.com/things/consumer-1  -> ssl://broker.example.com:8883
func (c Credentials) BrokerURL() (string, error) {
	host := strings.TrimSpace(c.Host)
	if host == "" {
		return "", ErrNotConfigured
	}

	if strings.Contains(host, "://") {
		u, err := url.Parse(host)
		if err != nil {
			return "", fmt.Errorf("%w: parsing broker url: %w", ErrInvalidCredentials, err)
		}
		switch strings.ToLower(u.Scheme) {
		case "ssl", "tls", "mqtts", "tcps":
		default:
			return "", fmt.Errorf("%w: unsupported broker scheme %q", ErrInvalidCredentials, u.Scheme)
		}
		if u.Hostname() == "" {
			return "", fmt.Errorf("%w: broker url has no host", ErrInvalidCredentials)
		}
		port := u.Port()
		if port == "" {
			port = defaultCloudPort
		}
		return "ssl://" + net.JoinHostPort(u.Hostname(), port), nil
	}

	if h, p, err := net.SplitHostPort(host); err == nil {
		return "ssl://" + net.JoinHostPort(h, p), nil
	}
	return "ssl://" + net.JoinHostPort(host, defaultCloudPort), nil
}

// Prefix returns the configured topic prefix, falling back to the path of a
// URL-form Host.
func (c Credentials) Prefix() string {
	if c.TopicPrefix != "" {
		return trimPrefix(c.TopicPrefix)
	}
	if strings.Contains(c.Host, "://") {
		return PrefixFromURL(c.Host)
	}
	return ""
}

// TLSConfig loads the three PEM files and builds a mutual-TLS client config.
//
// Any unreadable or unparsable file is reported as ErrConnectionFailed so the
// caller treats it like any other failure to reach the broker.
func (c Credentials) TLSConfig() (*tls.Config, error) {
	caPEM, err := os.ReadFile(c.CertificateAuthorityPath)
	if err != nil {
		return nil, fmt.Errorf("%w: reading CA file: %w", ErrConnectionFailed, err)
	}

	rootCAs := x509.NewCertPool()
	if !rootCAs.AppendCertsFromPEM(caPEM) {
		return nil, fmt.Errorf("%w: no certificates found in CA file %s", ErrConnectionFailed, c.CertificateAuthorityPath)
	}

	cert, err := tls.LoadX509KeyPair(c.ClientCertificatePath, c.ClientKeyPath)
	if err != nil {
		return nil, fmt.Errorf("%w: loading client certificate: %w", ErrConnectionFailed, err)
	}

	return &tls.Config{
		MinVersion:   tlsMinVersion,
		RootCAs:      rootCAs,
		Certificates: []tls.Certificate{cert},
	}, nil
}
