package archive

import (
	"io"
	"sync"

	"github.com/klauspost/compress/zstd"
)

// decompressPool manages reusable zstd decoders.
type decompressPool struct {
	pool      sync.Pool
	maxMemory uint64
	lowmem    bool
}

// newDecompressPool creates a decoder pool. A maxMemory of 0 disables the
// decoder memory limit.
func newDecompressPool(maxMemory uint64, lowmem bool) *decompressPool {
	return &decompressPool{maxMemory: maxMemory, lowmem: lowmem}
}

// Get returns a decoder reading from r and a release func returning it to
// the pool. No release func needs to be called when an error is returned.
func (p *decompressPool) Get(r io.Reader) (*zstd.Decoder, func(), error) {
	if dec, ok := p.pool.Get().(*zstd.Decoder); ok {
		if err := dec.Reset(r); err == nil {
			return dec, func() {
				_ = dec.Reset(nil) //nolint:errcheck // clearing state before pool return
				p.pool.Put(dec)
			}, nil
		}
		dec.Close()
	}

	dec, err := p.newDecoder(r)
	if err != nil {
		return nil, nil, err
	}
	return dec, func() {
		_ = dec.Reset(nil) //nolint:errcheck // clearing state before pool return
		p.pool.Put(dec)
	}, nil
}

func (p *decompressPool) newDecoder(r io.Reader) (*zstd.Decoder, error) {
	opts := []zstd.DOption{
		zstd.WithDecoderConcurrency(1),
		zstd.WithDecoderLowmem(p.lowmem),
	}
	if p.maxMemory != 0 {
		opts = append(opts, zstd.WithDecoderMaxMemory(p.maxMemory))
	}
	return zstd.NewReader(r, opts...)
}
