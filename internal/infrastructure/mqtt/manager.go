package mqtt

import (
	"context"
	"crypto/tls"
	"sync"

	"golang.org/x/sync/singleflight"
)

// dialFunc opens a cloud session. Replaced in tests.
type dialFunc func(ctx context.Context, brokerURL, clientID string, tlsConfig *tls.Config) (*Client, error)

// ManagerOptions configures a Manager.
type ManagerOptions struct {
	// Credentials are the provisioned cloud credentials.
	Credentials Credentials

	// ClientID is the MQTT client identifier presented to the cloud broker.
	ClientID string

	// Logger receives handler errors from the cloud Client. Optional.
	Logger Logger
}

// Manager owns the single cloud broker session.
//
// Get lazily establishes the session on first use; concurrent first callers
// share one attempt. A successful Client is cached and returned to every
// later caller until Close. Failures are not cached, and the Manager never
// retries by itself.
//
// Thread Safety:
//   - All methods are safe for concurrent use.
type Manager struct {
	creds    Credentials
	clientID string
	logger   Logger
	dial     dialFunc

	group singleflight.Group

	mu     sync.Mutex
	client *Client
	closed bool
}

// NewManager creates a Manager. No connection is attempted until Get.
func NewManager(opts ManagerOptions) *Manager {
	return &Manager{
		creds:    opts.Credentials,
		clientID: opts.ClientID,
		logger:   opts.Logger,
		dial:     ConnectTLS,
	}
}

// Credentials returns the credentials the manager connects with.
func (m *Manager) Credentials() Credentials {
	return m.creds
}

// Get returns the cloud session, connecting if necessary.
//
// Returns:
//   - ErrNotConfigured / ErrInvalidCredentials when the credentials are unusable
//   - an error wrapping ErrConnectionFailed when the PEM files cannot be loaded
//     or the broker cannot be reached
//   - ErrManagerClosed after Close
func (m *Manager) Get(ctx context.Context) (*Client, error) {
	if c, err := m.cached(); c != nil || err != nil {
		return c, err
	}

	v, err, _ := m.group.Do("connect", func() (any, error) {
		if c, err := m.cached(); c != nil || err != nil {
			return c, err
		}
		c, err := m.connect(ctx)
		if err != nil {
			return nil, err
		}

		m.mu.Lock()
		defer m.mu.Unlock()
		if m.closed {
			_ = c.Close()
			return nil, ErrManagerClosed
		}
		m.client = c
		return c, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Client), nil
}

// cached returns the current client, or ErrManagerClosed after Close.
func (m *Manager) cached() (*Client, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrManagerClosed
	}
	return m.client, nil
}

// connect validates credentials, loads TLS material and dials the broker.
func (m *Manager) connect(ctx context.Context) (*Client, error) {
	if err := m.creds.Validate(); err != nil {
		return nil, err
	}

	brokerURL, err := m.creds.BrokerURL()
	if err != nil {
		return nil, err
	}

	tlsConfig, err := m.creds.TLSConfig()
	if err != nil {
		return nil, err
	}

	c, err := m.dial(ctx, brokerURL, m.clientID, tlsConfig)
	if err != nil {
		return nil, err
	}
	if m.logger != nil {
		c.SetLogger(m.logger)
	}
	return c, nil
}

// Close disconnects the cached session. Get fails with ErrManagerClosed
// afterwards. Calling Close more than once is safe.
func (m *Manager) Close() error {
	m.mu.Lock()
	c := m.client
	m.client = nil
	m.closed = true
	m.mu.Unlock()

	if c == nil {
		return nil
	}
	return c.Close()
}
