//go:build !consul

package experiment

import "context"

// ConsulEnabled returns false when the consul build tag is not present.
func ConsulEnabled() bool { return false }

// Consul is a no-op without the consul tag.
type Consul struct{}

// NewConsul returns ErrNoConsul without the consul tag.
func NewConsul(_ context.Context, _, _, _ string) (*Consul, error) { return nil, ErrNoConsul }

func (*Consul) Enabled(string) bool { return false }
