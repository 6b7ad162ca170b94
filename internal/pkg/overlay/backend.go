package overlay

import (
	"os"

	"github.com/flatimage/flatimage/internal/pkg/container"
	"github.com/flatimage/flatimage/internal/pkg/env"
	"github.com/flatimage/flatimage/pkg/sylog"
)

// Select implements §4.5's precedence: FIM_OVERLAY env var, then the
// reserved-region byte, then the stacking default. Casefold combined with
// stacking is invalid and is downgraded to union-fs with a warning.
func Select(reservedKind container.OverlayKind, casefold bool) container.OverlayKind {
	kind := reservedKind
	if v, ok := os.LookupEnv(env.Overlay); ok {
		if k, err := container.ParseOverlayKind(v); err == nil {
			kind = k
		} else {
			sylog.Warningf("ignoring invalid %s=%q: %s", env.Overlay, v, err)
		}
	}
	if kind == container.OverlayNone {
		kind = container.OverlayStack
	}

	if casefold && kind == container.OverlayStack {
		sylog.Warningf("casefold is incompatible with the stacking overlay backend, downgrading to union-fs")
		kind = container.OverlayUnionFS
	}

	return kind
}
