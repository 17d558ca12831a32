package policy

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// Policy source identifiers recorded per generation.
const (
	SourceExternal = "external"
	SourceDefaults = "defaults"
)

// policyFileName is the document name looked up during directory discovery.
const policyFileName = "ratelimit.yaml"

// manifestFileName indexes logical config names to files in the config root.
const manifestFileName = "manifest.yaml"

// documentLimit is one (operation → limit) tuple in the policy document.
type documentLimit struct {
	RPM             uint   `yaml:"rpm"`
	RPH             uint   `yaml:"rph"`
	Burst           uint   `yaml:"burst"`
	EmergencyBypass bool   `yaml:"emergency_bypass"`
	Description     string `yaml:"description"`
}

// document is the external declarative policy schema.
type document struct {
	Version any                                 `yaml:"version"`
	Roles   map[string]map[string]documentLimit `yaml:"roles"`
}

// pairKey identifies one (role, operation) table entry.
type pairKey struct {
	role Role
	op   Operation
}

// table is one immutable policy generation. It is total: every known
// (role, operation) pair has an entry after merge.
type table struct {
	limits  map[pairKey]Limit
	version string
	source  string
	path    string
}

// discoverPath resolves the policy document location.
// Precedence: explicit override, manifest lookup, directory search.
// An empty return means no document was found and defaults apply.
func discoverPath(explicit, root string) string {
	if p := strings.TrimSpace(explicit); p != "" {
		return p
	}
	if p := manifestLookup(root); p != "" {
		return p
	}
	return searchDir(root)
}

// manifestLookup reads manifest.yaml in the config root and returns the
// path registered under the "ratelimit" entry, if any.
func manifestLookup(root string) string {
	data, errRead := os.ReadFile(filepath.Join(root, manifestFileName))
	if errRead != nil {
		return ""
	}
	var manifest map[string]string
	if errUnmarshal := yaml.Unmarshal(data, &manifest); errUnmarshal != nil {
		log.WithError(errUnmarshal).Warn("policy: malformed manifest, skipping")
		return ""
	}
	entry := strings.TrimSpace(manifest["ratelimit"])
	if entry == "" {
		return ""
	}
	if filepath.IsAbs(entry) {
		return entry
	}
	return filepath.Join(root, entry)
}

// searchDir walks the config root for the first ratelimit.yaml.
func searchDir(root string) string {
	var found string
	_ = filepath.WalkDir(root, func(path string, d fs.DirEntry, errWalk error) error {
		if errWalk != nil {
			return nil
		}
		if found != "" {
			return fs.SkipAll
		}
		if !d.IsDir() && d.Name() == policyFileName {
			found = path
			return fs.SkipAll
		}
		return nil
	})
	return found
}

// loadTable builds a policy generation from the document at path, merged over
// the built-in defaults and scaled. An empty path or any load failure yields
// the defaults table; loading never fails the request path.
func loadTable(path string, scale float64) *table {
	if path == "" {
		return defaultsTable(scale)
	}
	data, errRead := os.ReadFile(path)
	if errRead != nil {
		log.WithError(errRead).WithField("path", path).Warn("policy: read failed, using defaults")
		return defaultsTable(scale)
	}
	var doc document
	if errUnmarshal := yaml.Unmarshal(data, &doc); errUnmarshal != nil {
		log.WithError(errUnmarshal).WithField("path", path).Warn("policy: malformed document, using defaults")
		return defaultsTable(scale)
	}
	t := mergeTable(&doc, scale)
	t.path = path
	return t
}

// defaultsTable builds a generation from the built-in table alone.
func defaultsTable(scale float64) *table {
	t := &table{
		limits:  make(map[pairKey]Limit, len(Roles)*len(Operations)),
		version: "builtin",
		source:  SourceDefaults,
	}
	for _, role := range Roles {
		for _, op := range Operations {
			t.limits[pairKey{role, op}] = scaleLimit(defaultLimit(role, op), scale)
		}
	}
	return t
}

// mergeTable overlays document entries on the built-in defaults.
// Invalid entries are skipped with a logged reason; the table stays total.
func mergeTable(doc *document, scale float64) *table {
	t := defaultsTable(scale)
	t.version = formatVersion(doc.Version)
	t.source = SourceExternal

	for rawRole, ops := range doc.Roles {
		role := Role(strings.TrimSpace(rawRole))
		if !knownRole(role) {
			log.WithField("role", rawRole).Warn("policy: unknown role, entry skipped")
			continue
		}
		for rawOp, entry := range ops {
			op := Operation(strings.TrimSpace(rawOp))
			if !knownOperation(op) {
				log.WithFields(log.Fields{"role": rawRole, "operation": rawOp}).Warn("policy: unknown operation, entry skipped")
				continue
			}
			limit, errValidate := entry.toLimit()
			if errValidate != nil {
				log.WithError(errValidate).WithFields(log.Fields{"role": rawRole, "operation": rawOp}).Warn("policy: invalid entry skipped")
				continue
			}
			t.limits[pairKey{role, op}] = scaleLimit(limit, scale)
		}
	}
	return t
}

// toLimit validates a document entry and converts it to a Limit.
func (d documentLimit) toLimit() (Limit, error) {
	if d.RPM == 0 {
		return Limit{}, fmt.Errorf("rpm must be positive")
	}
	if d.RPH == 0 {
		return Limit{}, fmt.Errorf("rph must be positive")
	}
	if d.Burst == 0 {
		return Limit{}, fmt.Errorf("burst must be positive")
	}
	return Limit{
		RequestsPerMinute: d.RPM,
		RequestsPerHour:   d.RPH,
		Burst:             d.Burst,
		EmergencyBypass:   d.EmergencyBypass,
		Description:       strings.TrimSpace(d.Description),
	}, nil
}

func knownRole(role Role) bool {
	for _, r := range Roles {
		if r == role {
			return true
		}
	}
	return false
}

func knownOperation(op Operation) bool {
	for _, o := range Operations {
		if o == op {
			return true
		}
	}
	return false
}

// formatVersion normalizes the document version field, which may be a string
// or a bare number in YAML.
func formatVersion(v any) string {
	if v == nil {
		return "unversioned"
	}
	formatted := strings.TrimSpace(fmt.Sprint(v))
	if formatted == "" {
		return "unversioned"
	}
	return formatted
}
