package profile

import (
	"fmt"
	"os"
	"path/filepath"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/load"
	"golang.org/x/text/cases"

	"github.com/subzero-app/subzero/internal/shield"
)

// Library holds compiled profiles indexed by case-folded service name.
type Library struct {
	byService map[string]*Profile
	folder    cases.Caser
}

// NewLibrary builds a Library from compiled profiles. A duplicate service
// (after case folding) is a configuration error.
func NewLibrary(profiles []*Profile) (*Library, error) {
	lib := &Library{
		byService: make(map[string]*Profile, len(profiles)),
		folder:    cases.Fold(),
	}
	for _, p := range profiles {
		key := lib.folder.String(p.Service)
		if existing, ok := lib.byService[key]; ok {
			return nil, fmt.Errorf("duplicate profile for service %q (conflicts with %q)", p.Service, existing.Service)
		}
		lib.byService[key] = p
	}
	return lib, nil
}

// Lookup returns the profile for a service, matching case-insensitively.
func (l *Library) Lookup(service string) (*Profile, bool) {
	p, ok := l.byService[l.folder.String(service)]
	return p, ok
}

// MarkersFor returns the Shield markers for a service: the profile's
// phrases merged over the built-in defaults. Unknown services get the
// defaults alone.
func (l *Library) MarkersFor(service string) shield.Markers {
	if p, ok := l.Lookup(service); ok {
		return p.Markers.Merge(shield.DefaultMarkers())
	}
	return shield.DefaultMarkers()
}

// Len returns the number of loaded profiles.
func (l *Library) Len() int {
	return len(l.byService)
}

// Services returns the canonical service names of all loaded profiles.
func (l *Library) Services() []string {
	names := make([]string, 0, len(l.byService))
	for _, p := range l.byService {
		names = append(names, p.Service)
	}
	return names
}

// LoadDir loads and compiles all profiles from a directory of CUE files.
// Profiles live under the top-level "profile" struct; files in the
// directory are unified as one CUE instance.
func LoadDir(dir string) (*Library, error) {
	info, err := os.Stat(dir)
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("profiles directory not found: %s", dir)
	}
	if err != nil {
		return nil, fmt.Errorf("accessing profiles directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("not a directory: %s", dir)
	}

	cueFiles, err := findCUEFiles(dir)
	if err != nil {
		return nil, fmt.Errorf("scanning profiles directory: %w", err)
	}
	if len(cueFiles) == 0 {
		return nil, fmt.Errorf("no CUE files found in %s", dir)
	}

	ctx := cuecontext.New()
	cfg := &load.Config{Dir: dir}
	instances := load.Instances([]string{"."}, cfg)
	if len(instances) == 0 {
		return nil, fmt.Errorf("no CUE instances loaded from %s", dir)
	}

	inst := instances[0]
	if inst.Err != nil {
		return nil, fmt.Errorf("loading CUE files: %w", formatCUEError(inst.Err))
	}

	value := ctx.BuildInstance(inst)
	if err := value.Err(); err != nil {
		return nil, fmt.Errorf("building CUE value: %w", formatCUEError(err))
	}

	return CompileLibrary(value)
}

// CompileLibrary extracts every profile under the top-level "profile"
// struct of a CUE value.
func CompileLibrary(value cue.Value) (*Library, error) {
	profilesVal := value.LookupPath(cue.ParsePath("profile"))
	if !profilesVal.Exists() {
		return nil, fmt.Errorf("no top-level profile struct found")
	}

	iter, err := profilesVal.Fields()
	if err != nil {
		return nil, formatCUEError(err)
	}

	var profiles []*Profile
	for iter.Next() {
		p, err := CompileProfile(iter.Value())
		if err != nil {
			return nil, fmt.Errorf("profile.%s: %w", iter.Label(), err)
		}
		profiles = append(profiles, p)
	}

	if len(profiles) == 0 {
		return nil, fmt.Errorf("no profiles found")
	}
	return NewLibrary(profiles)
}

// findCUEFiles walks the directory and returns all .cue file paths.
func findCUEFiles(dir string) ([]string, error) {
	var files []string
	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() && filepath.Ext(path) == ".cue" {
			files = append(files, path)
		}
		return nil
	})
	return files, err
}
