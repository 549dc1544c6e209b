package media

import (
	"context"

	"github.com/segscribe/segscribe/internal/segment"
)

// BoundEncoder is an Encoder fixed to one Timeline, turning planned segments
// into encoded bytes. It is the production pipeline.Encoder.
type BoundEncoder struct {
	enc *Encoder
	t   *Timeline
}

// Bind fixes the encoder to one decoded upload.
func (e *Encoder) Bind(t *Timeline) *BoundEncoder {
	return &BoundEncoder{enc: e, t: t}
}

// Encode renders the segment's time range out of the bound timeline.
func (b *BoundEncoder) Encode(ctx context.Context, seg segment.Segment) ([]byte, error) {
	return b.enc.Encode(ctx, b.t, seg.StartMS, seg.EndMS)
}

// Ext returns the artifact extension for the configured output format.
func (b *BoundEncoder) Ext() string {
	return b.enc.Format().Ext()
}
