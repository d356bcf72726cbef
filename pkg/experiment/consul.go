//go:build consul

package experiment

import (
	"context"
	"strings"
	"sync"
	"time"

	consulapi "github.com/hashicorp/consul/api"
)

// ConsulEnabled returns true when the consul tag is on.
func ConsulEnabled() bool { return true }

// Consul mirrors the keys under prefix in Consul KV. A key whose value is
// "1", "true" or "on" enables the experiment of the same name.
type Consul struct {
	mu      sync.RWMutex
	enabled map[string]bool
}

// NewConsul connects to addr and keeps the experiment set current with a
// blocking query until ctx is done.
func NewConsul(ctx context.Context, addr, token, prefix string) (*Consul, error) {
	cfg := consulapi.DefaultConfig()
	if addr != "" {
		cfg.Address = addr
	}
	if token != "" {
		cfg.Token = token
	}
	cli, err := consulapi.NewClient(cfg)
	if err != nil {
		return nil, err
	}
	prefix = strings.TrimSuffix(prefix, "/") + "/"
	c := &Consul{enabled: map[string]bool{}}
	go func() {
		q := (&consulapi.QueryOptions{WaitTime: time.Minute}).WithContext(ctx)
		for {
			select {
			case <-ctx.Done():
				return
			default:
			}
			pairs, meta, err := cli.KV().List(prefix, q)
			if err != nil {
				time.Sleep(time.Second)
				continue
			}
			c.replace(pairs, prefix)
			q.WaitIndex = meta.LastIndex
		}
	}()
	return c, nil
}

func (c *Consul) replace(pairs consulapi.KVPairs, prefix string) {
	next := map[string]bool{}
	for _, kv := range pairs {
		name := strings.TrimPrefix(kv.Key, prefix)
		switch strings.ToLower(strings.TrimSpace(string(kv.Value))) {
		case "1", "true", "on":
			next[name] = true
		}
	}
	c.mu.Lock()
	c.enabled = next
	c.mu.Unlock()
}

func (c *Consul) Enabled(name string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.enabled[name]
}
