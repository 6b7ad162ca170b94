// Package applet names the hidden re-exec entry points the core spawns on
// itself: the janitor and the host portal daemon are not reachable from
// the public CLI surface, only from internal exec.Command calls that pass
// one of these as argv[1]. The guest portal daemon has no marker here: it
// is launched by a positional "<pid> guest" form baked into
// sandbox.Run's in-sandbox launcher script instead (see
// cli.RunGuestPortalApplet).
package applet

const (
	Janitor      = "__fim_janitor"
	PortalHost   = "__fim_portal_host"
	PortalWorker = "__fim_portal_worker"
)
