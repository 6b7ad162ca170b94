// Package recipe implements fim-recipe: downloading, caching and installing
// distribution-specific package bundles (spec.md §"Recipe fetch / distro
// install"). A recipe is a small JSON document naming a description, a list
// of distribution packages, an optional list of dependency recipes, and an
// optional embedded desktop-integration block (see
// internal/pkg/container's DesktopMeta for the shape installers reuse).
package recipe

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/flatimage/flatimage/pkg/sylog"
)

// Recipe mirrors the original's ns_db::ns_recipe::Recipe.
type Recipe struct {
	Description  string          `json:"description"`
	Packages     []string        `json:"packages"`
	Dependencies []string        `json:"dependencies,omitempty"`
	Desktop      json.RawMessage `json:"desktop,omitempty"`
}

// Deserialize parses raw into a Recipe, requiring "description" and
// "packages" the way the original's deserialize() does.
func Deserialize(raw []byte) (Recipe, error) {
	if len(raw) == 0 {
		return Recipe{}, fmt.Errorf("empty json data")
	}
	var r Recipe
	if err := json.Unmarshal(raw, &r); err != nil {
		return Recipe{}, fmt.Errorf("parsing recipe json: %w", err)
	}
	if r.Description == "" {
		return Recipe{}, fmt.Errorf("missing 'description' field")
	}
	if r.Packages == nil {
		return Recipe{}, fmt.Errorf("missing 'packages' field")
	}
	return r, nil
}

// Serialize renders a Recipe back to JSON, omitting dependencies/desktop
// when empty the same way the original's serialize() skips absent fields.
func Serialize(r Recipe) ([]byte, error) {
	return json.MarshalIndent(r, "", "  ")
}

// pathRecipe builds <downloadDir>/recipes/<dist-lower>/latest/<recipe>.json,
// matching get_path_recipe in the original's parser/cmd/recipe.hpp.
func pathRecipe(downloadDir, dist, name string) string {
	return filepath.Join(downloadDir, "recipes", strings.ToLower(dist), "latest", name+".json")
}

// Load reads a recipe from the local cache, failing with a "fetch first"
// hint when it has never been downloaded.
func Load(downloadDir, dist, name string) (Recipe, error) {
	path := pathRecipe(downloadDir, dist, name)
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Recipe{}, fmt.Errorf("recipe %q not found locally, use 'fim-recipe fetch %s' first", name, name)
		}
		return Recipe{}, fmt.Errorf("opening recipe file %q: %w", path, err)
	}
	if len(raw) == 0 {
		return Recipe{}, fmt.Errorf("empty json file %q", path)
	}
	return Deserialize(raw)
}

// httpClient mirrors the teacher's busybox conveyor: a relaxed TLS
// handshake timeout, since recipe mirrors can be slow to respond.
var httpClient = &http.Client{
	Transport: func() *http.Transport {
		t := http.DefaultTransport.(*http.Transport).Clone()
		t.TLSHandshakeTimeout = 60 * time.Second
		return t
	}(),
}

// download fetches url and writes it atomically to dest.
func download(url, dest string) error {
	resp, err := httpClient.Get(url)
	if err != nil {
		return fmt.Errorf("requesting %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("requesting %s: unexpected status %s", url, resp.Status)
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("creating %s: %w", filepath.Dir(dest), err)
	}

	tmp := dest + ".part"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	defer os.Remove(tmp)

	n, err := io.Copy(f, resp.Body)
	if err != nil {
		f.Close()
		return fmt.Errorf("downloading %s: %w", url, err)
	}
	if err := f.Close(); err != nil {
		return err
	}
	if resp.ContentLength >= 0 && n != resp.ContentLength {
		return fmt.Errorf("%s: received %d bytes, expected %d", url, n, resp.ContentLength)
	}

	return os.Rename(tmp, dest)
}

// Fetch downloads recipe and every dependency it transitively names,
// returning the full set of recipe names pulled in (including recipe
// itself). useExisting lets an already-cached recipe satisfy the fetch
// without re-downloading, following fetch()/fetch_impl() in the original.
func Fetch(remote, downloadDir, dist, recipe string, useExisting bool) ([]string, error) {
	seen := map[string]bool{}
	if err := fetchImpl(remote, downloadDir, dist, recipe, useExisting, seen); err != nil {
		return nil, err
	}
	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	return names, nil
}

func fetchImpl(remote, downloadDir, dist, name string, useExisting bool, seen map[string]bool) error {
	if seen[name] {
		return fmt.Errorf("cyclic dependency for recipe %q", name)
	}
	seen[name] = true

	outPath := pathRecipe(downloadDir, dist, name)

	var raw []byte
	if useExisting {
		if b, err := os.ReadFile(outPath); err == nil {
			sylog.Infof("using existing recipe from %s", outPath)
			raw = b
		}
	}

	if raw == nil {
		url := strings.TrimSuffix(remote, "/") + "/" + strings.ToLower(dist) + "/latest/" + name + ".json"
		sylog.Infof("downloading recipe from %s", url)
		if err := download(url, outPath); err != nil {
			return err
		}
		sylog.Infof("saved recipe %q to %s", name, outPath)
		b, err := os.ReadFile(outPath)
		if err != nil {
			return fmt.Errorf("reading downloaded recipe %q: %w", outPath, err)
		}
		raw = b
	}

	r, err := Deserialize(raw)
	if err != nil {
		return fmt.Errorf("recipe %q: %w", name, err)
	}

	for _, dep := range r.Dependencies {
		if err := fetchImpl(remote, downloadDir, dist, dep, useExisting, seen); err != nil {
			return err
		}
	}
	return nil
}

// Info prints a locally cached recipe's metadata to stdout.
func Info(downloadDir, dist, name string) error {
	r, err := Load(downloadDir, dist, name)
	if err != nil {
		return err
	}
	fmt.Printf("Recipe: %s\n", name)
	fmt.Printf("Location: %s\n", pathRecipe(downloadDir, dist, name))
	fmt.Printf("Description: %s\n", r.Description)
	fmt.Printf("Package count: %d\n", len(r.Packages))
	fmt.Println("Packages:")
	for _, pkg := range r.Packages {
		fmt.Printf("  - %s\n", pkg)
	}
	if len(r.Dependencies) > 0 {
		fmt.Printf("Dependencies: %d\n", len(r.Dependencies))
		for _, dep := range r.Dependencies {
			fmt.Printf("  - %s\n", dep)
		}
	} else {
		fmt.Println("Dependencies: 0")
	}
	return nil
}

// packageManager resolves a distribution to its package manager invocation,
// matching the switch in the original's install().
func packageManager(dist string) (program string, args []string, err error) {
	switch strings.ToLower(dist) {
	case "alpine":
		return "apk", []string{"add", "--no-cache", "--update-cache", "--no-progress"}, nil
	case "arch":
		return "pacman", []string{"-Syu", "--noconfirm", "--needed"}, nil
	case "blueprint":
		return "", nil, fmt.Errorf("blueprint does not support recipes")
	default:
		return "", nil, fmt.Errorf("unsupported distribution %q for recipe installation", dist)
	}
}

// Install loads every named recipe, pools their packages, and invokes the
// distribution's package manager once over the union.
func Install(downloadDir, dist string, recipes []string) error {
	var packages []string
	for _, name := range recipes {
		r, err := Load(downloadDir, dist, name)
		if err != nil {
			return fmt.Errorf("loading recipe %q: %w", name, err)
		}
		packages = append(packages, r.Packages...)
	}

	program, args, err := packageManager(dist)
	if err != nil {
		return err
	}
	args = append(args, packages...)

	bin, err := exec.LookPath(program)
	if err != nil {
		bin = program
	}
	cmd := exec.Command(bin, args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Stdin = os.Stdin
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("running %s: %w", program, err)
	}
	return nil
}
