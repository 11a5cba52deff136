package secrets

import (
	"context"
	"fmt"
	"time"
)

// StaticProvider serves credentials from a fixed in-memory map. It exists
// for tests and local development; production always goes through Vault.
type StaticProvider struct {
	keys map[string]string
}

func NewStaticProvider(keys map[string]string) *StaticProvider {
	return &StaticProvider{keys: keys}
}

func (p *StaticProvider) Get(ctx context.Context, path string) (*Credential, error) {
	key, ok := p.keys[path]
	if !ok {
		return nil, fmt.Errorf("no secret at %s", path)
	}
	return &Credential{key: []byte(key), fetchedAt: time.Now()}, nil
}
