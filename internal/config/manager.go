package config

import (
	"os"
	"sync"

	"gopkg.in/yaml.v2"
)

// TenantOverrides are the per-tenant tunables an operator may set in the
// overrides file. Secrets never live here.
type TenantOverrides struct {
	SpamThreshold     float64 `yaml:"spam_threshold"`
	MailRatePerMinute int     `yaml:"mail_rate_per_minute"`
	MaxRetries        int     `yaml:"max_retries"`
}

type overridesFile struct {
	Tenants map[string]TenantOverrides `yaml:"tenants"`
}

// Manager resolves the effective tunables for a tenant by layering the
// overrides file on top of the process config.
type Manager struct {
	base      *Config
	overrides map[string]TenantOverrides
	mu        sync.RWMutex
}

// NewManager loads tenant overrides from path. A missing file is not an
// error; every tenant then gets the base config.
func NewManager(base *Config, path string) (*Manager, error) {
	m := &Manager{base: base, overrides: make(map[string]TenantOverrides)}

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return m, nil
		}
		return nil, err
	}
	defer f.Close()

	var of overridesFile
	if err := yaml.NewDecoder(f).Decode(&of); err != nil {
		return nil, err
	}
	if of.Tenants != nil {
		m.overrides = of.Tenants
	}
	return m, nil
}

// Tunables holds the per-tenant effective values.
type Tunables struct {
	SpamThreshold     float64
	MailRatePerMinute int
	MaxRetries        int
}

// Get returns the effective tunables for a tenant.
func (m *Manager) Get(tenantID string) Tunables {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t := Tunables{
		SpamThreshold:     m.base.SpamThreshold,
		MailRatePerMinute: m.base.MailRatePerMinute,
		MaxRetries:        5,
	}
	if o, ok := m.overrides[tenantID]; ok {
		if o.SpamThreshold != 0 {
			t.SpamThreshold = o.SpamThreshold
		}
		if o.MailRatePerMinute != 0 {
			t.MailRatePerMinute = o.MailRatePerMinute
		}
		if o.MaxRetries != 0 {
			t.MaxRetries = o.MaxRetries
		}
	}
	return t
}
