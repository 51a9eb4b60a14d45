//go:build noebiten

package planecomp

import (
	"context"

	"github.com/opd-ai/planecomp/internal/config"
)

// startPreview is a no-op in noebiten builds.
func (c *compositorImpl) startPreview(ctx context.Context, cfg *config.Config, cancel context.CancelFunc) {
	c.log.Warn("preview not available in this build")
}
