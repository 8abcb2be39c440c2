package compressors

import (
	"errors"
	"sync"

	"github.com/INLOpen/rawbatch/core"
)

var (
	errEncoderUnavailable = errors.New("encoder unavailable")
	errDecoderUnavailable = errors.New("decoder unavailable")
)

// Provider resolves a compression tag to its Compressor. Lookups are safe for
// concurrent use; registration is expected to happen before use.
type Provider struct {
	mu          sync.RWMutex
	compressors map[core.CompressionType]core.Compressor
}

// NewProvider returns a provider holding exactly the given compressors.
func NewProvider(compressors ...core.Compressor) *Provider {
	p := &Provider{compressors: make(map[core.CompressionType]core.Compressor, len(compressors))}
	for _, c := range compressors {
		p.compressors[c.Type()] = c
	}
	return p
}

// NewStandardProvider returns a provider with every built-in codec registered.
func NewStandardProvider() *Provider {
	return NewProvider(
		NewNoCompressionCompressor(),
		NewLz4Compressor(),
		NewZlibCompressor(),
		NewZstdCompressor(),
		NewSnappyCompressor(),
	)
}

var (
	defaultProvider     *Provider
	defaultProviderOnce sync.Once
)

// Default returns the shared standard provider.
func Default() *Provider {
	defaultProviderOnce.Do(func() {
		defaultProvider = NewStandardProvider()
	})
	return defaultProvider
}

// Register adds or replaces the compressor for c.Type().
func (p *Provider) Register(c core.Compressor) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.compressors[c.Type()] = c
}

// Get returns the compressor for ct, or an *core.UnknownCompressionError.
func (p *Provider) Get(ct core.CompressionType) (core.Compressor, error) {
	p.mu.RLock()
	c, ok := p.compressors[ct]
	p.mu.RUnlock()
	if !ok {
		return nil, &core.UnknownCompressionError{Type: ct}
	}
	return c, nil
}
