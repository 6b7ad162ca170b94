// Package desktop implements the desktop entry / MIME / icon integration
// tool described in spec.md §4.10's `fim-desktop` sub-command: a thin CLI
// over freedesktop.org file-system conventions, writing under
// $XDG_DATA_HOME/{applications,mime/packages,icons/hicolor}.
package desktop

import (
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/flatimage/flatimage/internal/pkg/container"
	"github.com/flatimage/flatimage/pkg/sylog"
)

const (
	dirIconAppsTemplate     = "icons/hicolor/%dx%d/apps"
	dirIconMimeTemplate     = "icons/hicolor/%dx%d/mimetypes"
	dirIconAppsScalable     = "icons/hicolor/scalable/apps"
	dirIconMimeScalable     = "icons/hicolor/scalable/mimetypes"
	fileIconFlatimageScalable = "application-flatimage.svg"
)

var iconSizes = []int{16, 22, 24, 32, 48, 64, 96, 128, 256}

// flatimageIconSVG is the fallback icon used for the "flatimage" mimetype
// itself (as opposed to a per-application icon), written once to
// $XDG_DATA_HOME the first time any image integrates its desktop entry.
const flatimageIconSVG = `<svg xmlns="http://www.w3.org/2000/svg" viewBox="0 0 64 64">` +
	`<rect width="64" height="64" rx="8" fill="#2b2b2b"/>` +
	`<text x="32" y="40" font-size="28" text-anchor="middle" fill="#eee">FI</text>` +
	`</svg>`

// IntegrationItem names one of the three optional integration steps.
type IntegrationItem string

const (
	ItemEntry    IntegrationItem = "entry"
	ItemMimetype IntegrationItem = "mimetype"
	ItemIcon     IntegrationItem = "icon"
)

func xdgDataHome() (string, error) {
	if v := os.Getenv("XDG_DATA_HOME"); v != "" {
		return v, nil
	}
	home := os.Getenv("HOME")
	if home == "" {
		return "", fmt.Errorf("neither XDG_DATA_HOME nor HOME is set")
	}
	return filepath.Join(home, ".local", "share"), nil
}

func appName(meta container.DesktopMeta) string {
	return meta.Name
}

func pathIconPNG(dataHome, dirTemplate, name string, size int) string {
	dir := fmt.Sprintf(dirTemplate, size, size)
	return filepath.Join(dataHome, dir, fmt.Sprintf("application-flatimage_%s.png", name))
}

func pathIconSVG(dataHome, dir, name string) string {
	if name == "" {
		return filepath.Join(dataHome, dir, fileIconFlatimageScalable)
	}
	return filepath.Join(dataHome, dir, fmt.Sprintf("application-flatimage_%s.svg", name))
}

// setupSource is the shape of the JSON document `fim-desktop setup` takes
// on its input: the name, categories, enabled integrations and the path
// (on the host, before commit) of the source icon image.
type setupSource struct {
	Name         string   `json:"name"`
	Icon         string   `json:"icon"`
	Integrations []string `json:"integrations"`
	Categories   []string `json:"categories"`
}

// Setup reads srcJSONPath, validates and embeds the named icon image, and
// writes the resulting desktop metadata (icon path stripped, per §4.8-
// adjacent "the region only ever stores what it needs") into binaryPath's
// reserved region. Returns the metadata actually written.
func Setup(binaryPath, srcJSONPath string) (container.DesktopMeta, error) {
	raw, err := os.ReadFile(srcJSONPath)
	if err != nil {
		return container.DesktopMeta{}, fmt.Errorf("opening %s: %w", srcJSONPath, err)
	}
	var src setupSource
	if err := json.Unmarshal(raw, &src); err != nil {
		return container.DesktopMeta{}, fmt.Errorf("parsing %s: %w", srcJSONPath, err)
	}

	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(src.Icon), "."))
	switch ext {
	case "jpeg":
		ext = "jpg"
	case "svg", "png", "jpg":
	default:
		return container.DesktopMeta{}, fmt.Errorf("icon extension %q is not supported", filepath.Ext(src.Icon))
	}

	data, err := os.ReadFile(src.Icon)
	if err != nil {
		return container.DesktopMeta{}, fmt.Errorf("reading icon %s: %w", src.Icon, err)
	}

	region := container.OpenRegion(binaryPath)
	if err := region.WriteIcon(container.Icon{Ext: ext, Data: data}); err != nil {
		return container.DesktopMeta{}, fmt.Errorf("writing icon: %w", err)
	}

	meta := container.DesktopMeta{Name: src.Name, Categories: src.Categories}
	for _, item := range src.Integrations {
		switch IntegrationItem(item) {
		case ItemEntry:
			meta.EnableEntry = true
		case ItemMimetype:
			meta.EnableMime = true
		case ItemIcon:
			meta.EnableIcon = true
		default:
			sylog.Warningf("ignoring unknown integration item %q", item)
		}
	}

	if err := region.WriteDesktopMeta(meta); err != nil {
		return container.DesktopMeta{}, fmt.Errorf("writing desktop metadata: %w", err)
	}
	return meta, nil
}

// Enable overwrites the set of enabled integration items, leaving name,
// categories, and the embedded icon untouched.
func Enable(binaryPath string, items []IntegrationItem) error {
	region := container.OpenRegion(binaryPath)
	meta, err := region.ReadDesktopMeta()
	if err != nil {
		return fmt.Errorf("reading desktop metadata: %w", err)
	}
	meta.EnableEntry, meta.EnableMime, meta.EnableIcon = false, false, false
	for _, item := range items {
		switch item {
		case ItemEntry:
			meta.EnableEntry = true
		case ItemMimetype:
			meta.EnableMime = true
		case ItemIcon:
			meta.EnableIcon = true
		}
	}
	return region.WriteDesktopMeta(meta)
}

// Dump returns the desktop metadata currently stored in binaryPath's
// reserved region, serialized as JSON (mirroring `println(db.dump())` in
// the teacher's own `setup`/`enable`).
func Dump(binaryPath string) (string, error) {
	region := container.OpenRegion(binaryPath)
	meta, err := region.ReadDesktopMeta()
	if err != nil {
		return "", fmt.Errorf("reading desktop metadata: %w", err)
	}
	buf, err := json.Marshal(meta)
	if err != nil {
		return "", err
	}
	return string(buf), nil
}

// Integrate writes every enabled integration item's output files under
// $XDG_DATA_HOME (entry, mime database, icons) and shows a start
// notification if the reserved notify flag is set. It is invoked once,
// at boot, on the host side of the portal.
func Integrate(binaryPath string) error {
	region := container.OpenRegion(binaryPath)
	meta, err := region.ReadDesktopMeta()
	if err != nil {
		return fmt.Errorf("reading desktop metadata: %w", err)
	}

	home := os.Getenv("HOME")
	if home != "" {
		if shell := os.Getenv("SHELL"); strings.HasSuffix(shell, "bash") {
			integrateBash(home)
		} else if shell != "" {
			sylog.Errorf("unsupported shell %q for desktop integration", shell)
		}
	}

	dataHome, err := xdgDataHome()
	if err != nil {
		return err
	}

	if meta.EnableEntry {
		if err := integrateEntry(dataHome, meta, binaryPath); err != nil {
			sylog.Errorf("integrating desktop entry: %s", err)
		}
	}
	if meta.EnableMime {
		if err := integrateMime(dataHome, meta, binaryPath); err != nil {
			sylog.Errorf("integrating mime database: %s", err)
		}
	}
	if meta.EnableIcon {
		if err := integrateIcons(dataHome, region, meta); err != nil {
			sylog.Errorf("integrating icons: %s", err)
		}
	}

	notify, err := region.ReadNotify()
	if err != nil {
		return fmt.Errorf("reading notify flag: %w", err)
	}
	if notify {
		notifyStart(dataHome, meta)
	}
	return nil
}

func integrateEntry(dataHome string, meta container.DesktopMeta, binaryPath string) error {
	path := filepath.Join(dataHome, "applications", fmt.Sprintf("flatimage-%s.desktop", appName(meta)))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	var b strings.Builder
	fmt.Fprintln(&b, "[Desktop Entry]")
	fmt.Fprintf(&b, "Name=%s\n", meta.Name)
	fmt.Fprintln(&b, "Type=Application")
	fmt.Fprintf(&b, "Comment=FlatImage distribution of %q\n", meta.Name)
	fmt.Fprintf(&b, "TryExec=%s\n", binaryPath)
	fmt.Fprintf(&b, "Exec=%q %%F\n", binaryPath)
	fmt.Fprintf(&b, "Icon=application-flatimage_%s\n", meta.Name)
	fmt.Fprintf(&b, "MimeType=application/flatimage_%s\n", meta.Name)
	fmt.Fprintf(&b, "Categories=%s;\n", strings.Join(meta.Categories, ";"))
	return os.WriteFile(path, []byte(b.String()), 0o644)
}

func integrateMime(dataHome string, meta container.DesktopMeta, binaryPath string) error {
	pkgDir := filepath.Join(dataHome, "mime", "packages")
	if err := os.MkdirAll(pkgDir, 0o755); err != nil {
		return err
	}

	appMime := filepath.Join(pkgDir, fmt.Sprintf("flatimage-%s.xml", meta.Name))
	if shouldUpdateMime(appMime) {
		var b strings.Builder
		fmt.Fprintln(&b, `<?xml version="1.0" encoding="UTF-8"?>`)
		fmt.Fprintln(&b, `<mime-info xmlns="http://www.freedesktop.org/standards/shared-mime-info">`)
		fmt.Fprintf(&b, "  <mime-type type=\"application/flatimage_%s\">\n", meta.Name)
		fmt.Fprintln(&b, "    <comment>FlatImage Application</comment>")
		fmt.Fprintf(&b, "    <glob weight=\"100\" pattern=\"%s\"/>\n", filepath.Base(binaryPath))
		fmt.Fprintln(&b, `    <sub-class-of type="application/x-executable"/>`)
		fmt.Fprintln(&b, `    <generic-icon name="application-x-executable"/>`)
		fmt.Fprintln(&b, "  </mime-type>")
		fmt.Fprintln(&b, "</mime-info>")
		if err := os.WriteFile(appMime, []byte(b.String()), 0o644); err != nil {
			return err
		}
	}

	flatimageMime := filepath.Join(pkgDir, "flatimage.xml")
	var b strings.Builder
	fmt.Fprintln(&b, `<?xml version="1.0" encoding="UTF-8"?>`)
	fmt.Fprintln(&b, `<mime-info xmlns="http://www.freedesktop.org/standards/shared-mime-info">`)
	fmt.Fprintln(&b, `  <mime-type type="application/flatimage">`)
	fmt.Fprintln(&b, "    <comment>FlatImage Application</comment>")
	fmt.Fprintln(&b, "    <magic>")
	fmt.Fprintln(&b, `      <match value="ELF" type="string" offset="1">`)
	fmt.Fprintln(&b, `        <match value="0x46" type="byte" offset="8">`)
	fmt.Fprintln(&b, `          <match value="0x49" type="byte" offset="9">`)
	fmt.Fprintln(&b, `            <match value="0x01" type="byte" offset="10"/>`)
	fmt.Fprintln(&b, "          </match>")
	fmt.Fprintln(&b, "        </match>")
	fmt.Fprintln(&b, "      </match>")
	fmt.Fprintln(&b, "    </magic>")
	fmt.Fprintln(&b, `    <glob weight="50" pattern="*.flatimage"/>`)
	fmt.Fprintln(&b, `    <sub-class-of type="application/x-executable"/>`)
	fmt.Fprintln(&b, `    <generic-icon name="application-x-executable"/>`)
	fmt.Fprintln(&b, "  </mime-type>")
	fmt.Fprintln(&b, "</mime-info>")
	if err := os.WriteFile(flatimageMime, []byte(b.String()), 0o644); err != nil {
		return err
	}

	updater, err := exec.LookPath("update-mime-database")
	if err != nil {
		return fmt.Errorf("update-mime-database not found in PATH: %w", err)
	}
	cmd := exec.Command(updater, filepath.Join(dataHome, "mime"))
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("update-mime-database: %w: %s", err, out)
	}
	return nil
}

// shouldUpdateMime reports whether the application mimetype file needs
// (re)writing: it does unless it already exists and is readable.
func shouldUpdateMime(path string) bool {
	_, err := os.ReadFile(path)
	return err != nil
}

func integrateIcons(dataHome string, region *container.Region, meta container.DesktopMeta) error {
	existingPNG := pathIconPNG(dataHome, dirIconAppsTemplate, meta.Name, 64)
	existingSVG := pathIconSVG(dataHome, dirIconAppsScalable, meta.Name)
	if fileExists(existingPNG) || fileExists(existingSVG) {
		return fmt.Errorf("icons already integrated for %s", meta.Name)
	}

	icon, err := region.ReadIcon()
	if err != nil {
		return fmt.Errorf("reading embedded icon: %w", err)
	}

	tmp, err := os.CreateTemp("", "fim-icon-*."+icon.Ext)
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(icon.Data); err != nil {
		tmp.Close()
		return err
	}
	tmp.Close()

	if icon.Ext == "svg" {
		integrateIconsSVG(dataHome, meta.Name, tmp.Name())
	} else {
		integrateIconsPNG(dataHome, meta.Name, tmp.Name())
	}
	integrateIconFlatimage(dataHome)
	return nil
}

func integrateIconsSVG(dataHome, name, srcPath string) {
	mime := pathIconSVG(dataHome, dirIconMimeScalable, name)
	app := pathIconSVG(dataHome, dirIconAppsScalable, name)
	for _, dst := range []string{mime, app} {
		if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
			sylog.Errorf("creating icon directory for %s: %s", dst, err)
			continue
		}
		if err := copySkipExisting(srcPath, dst); err != nil {
			sylog.Errorf("copying svg icon to %s: %s", dst, err)
		}
	}
}

func integrateIconsPNG(dataHome, name, srcPath string) {
	for _, size := range iconSizes {
		mime := pathIconPNG(dataHome, dirIconMimeTemplate, name, size)
		app := pathIconPNG(dataHome, dirIconAppsTemplate, name, size)
		if err := os.MkdirAll(filepath.Dir(mime), 0o755); err != nil {
			sylog.Errorf("creating icon directory for %s: %s", mime, err)
			continue
		}
		if err := os.MkdirAll(filepath.Dir(app), 0o755); err != nil {
			sylog.Errorf("creating icon directory for %s: %s", app, err)
			continue
		}
		if !fileExists(mime) {
			if err := resizePNG(srcPath, mime, size); err != nil {
				sylog.Warningf("resizing icon to %dx%d: %s", size, size, err)
				continue
			}
		}
		if err := copySkipExisting(mime, app); err != nil {
			sylog.Errorf("copying icon to %s: %s", app, err)
		}
	}
}

// resizePNG shells out to ImageMagick's convert, the same external-tool
// pattern the compression/mime steps use for the one operation the Go
// standard library has no business re-implementing (arbitrary image
// resizing with format conversion).
func resizePNG(src, dst string, size int) error {
	convert, err := exec.LookPath("convert")
	if err != nil {
		return fmt.Errorf("convert not found in PATH: %w", err)
	}
	cmd := exec.Command(convert, src, "-resize", fmt.Sprintf("%dx%d", size, size), dst)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("convert: %w: %s", err, out)
	}
	return nil
}

func integrateIconFlatimage(dataHome string) {
	for _, dst := range []string{
		pathIconSVG(dataHome, dirIconMimeScalable, ""),
		pathIconSVG(dataHome, dirIconAppsScalable, ""),
	} {
		if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
			continue
		}
		if _, err := os.Stat(dst); err == nil {
			continue
		}
		if err := os.WriteFile(dst, []byte(flatimageIconSVG), 0o644); err != nil {
			sylog.Errorf("writing flatimage icon to %s: %s", dst, err)
		}
	}
}

func integrateBash(home string) {
	bashrc := filepath.Join(home, ".bashrc")
	backup := filepath.Join(home, ".bashrc.flatimage.bak")
	if fileExists(backup) {
		return
	}

	dataDir := filepath.Join(home, ".local", "share")
	if v := os.Getenv("XDG_DATA_HOME"); v != "" && filepath.Clean(v) == dataDir {
		return
	}
	if v := os.Getenv("XDG_DATA_DIRS"); v != "" {
		for _, p := range strings.Split(v, ":") {
			if resolved, err := filepath.EvalSymlinks(p); err == nil && resolved == dataDir {
				return
			}
		}
	}

	if fileExists(bashrc) {
		if err := copyFile(bashrc, backup); err != nil {
			sylog.Errorf("backing up .bashrc: %s", err)
			return
		}
		sylog.Infof("saved a backup of ~/.bashrc in %s", backup)
	}

	f, err := os.OpenFile(bashrc, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		sylog.Errorf("opening .bashrc: %s", err)
		return
	}
	defer f.Close()
	fmt.Fprintln(f, `export XDG_DATA_DIRS="$HOME/.local/share:$XDG_DATA_DIRS"`)
	sylog.Infof("modified XDG_DATA_DIRS in ~/.bashrc")
}

func notifyStart(dataHome string, meta container.DesktopMeta) {
	bash, err := exec.LookPath("bash")
	if err != nil {
		sylog.Errorf("bash not found in PATH for notify-send")
		return
	}
	icon := pathIconPNG(dataHome, dirIconAppsTemplate, meta.Name, 64)
	if !fileExists(icon) {
		icon = pathIconSVG(dataHome, dirIconAppsScalable, meta.Name)
	}
	cmd := exec.Command(bash, "-c", fmt.Sprintf("notify-send -i %q \"Started '%s' flatimage\"", icon, meta.Name))
	if err := cmd.Run(); err != nil {
		sylog.Debugf("notify-send failed: %s", err)
	}
}

// Clean removes every file Integrate may have written for the current
// image's desktop name, undoing the integration.
func Clean(binaryPath string) error {
	region := container.OpenRegion(binaryPath)
	meta, err := region.ReadDesktopMeta()
	if err != nil {
		return fmt.Errorf("reading desktop metadata: %w", err)
	}
	dataHome, err := xdgDataHome()
	if err != nil {
		return err
	}

	paths := []string{
		filepath.Join(dataHome, "applications", fmt.Sprintf("flatimage-%s.desktop", meta.Name)),
		filepath.Join(dataHome, "mime", "packages", fmt.Sprintf("flatimage-%s.xml", meta.Name)),
		pathIconSVG(dataHome, dirIconAppsScalable, meta.Name),
		pathIconSVG(dataHome, dirIconMimeScalable, meta.Name),
	}
	for _, size := range iconSizes {
		paths = append(paths,
			pathIconPNG(dataHome, dirIconAppsTemplate, meta.Name, size),
			pathIconPNG(dataHome, dirIconMimeTemplate, meta.Name, size),
		)
	}

	var firstErr error
	for _, p := range paths {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func copySkipExisting(src, dst string) error {
	if fileExists(dst) {
		return nil
	}
	return copyFile(src, dst)
}

func copyFile(src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, data, 0o644)
}
