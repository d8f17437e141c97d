/*Package resourcetype models the declared schema of a resource family:
its type name, URL path and an ordered list of versioned prototypes.

The latest version defines the allowed shape of stored resources, the
sub-resources reachable below an instance, and which sub-paths carry
binary file payloads. Older versions are kept only to be served back as
part of the type description.

Specifications are YAML mappings; LoadSpecsDir reads a directory of
them, checking each against a meta-schema before accepting it.
*/
package resourcetype

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/xeipuuv/gojsonschema"
	"gopkg.in/yaml.v2"

	"github.com/qvarnlabs/qvarn/core/objstore"
)

// Version is one prototype revision of a resource type.
type Version struct {
	Version   string
	Prototype objstore.Object
	Subpaths  map[string]objstore.Object
	Files     []string
}

// ResourceType describes one resource family.
type ResourceType struct {
	typeName string
	path     string
	versions []Version
}

// InvalidSpecError reports a malformed resource-type specification.
type InvalidSpecError struct {
	Reason string
}

func (e InvalidSpecError) Error() string {
	return "invalid resource type specification: " + e.Reason
}

// New builds a resource type directly from its parts. Used by the
// built-in types; user types come in through FromSpec.
func New(typeName, path string, versions ...Version) *ResourceType {
	return &ResourceType{typeName: typeName, path: path, versions: versions}
}

// Type returns the type name.
func (rt *ResourceType) Type() string {
	return rt.typeName
}

// Path returns the URL path of the collection, like "/subjects".
func (rt *ResourceType) Path() string {
	return rt.path
}

func (rt *ResourceType) latest() Version {
	return rt.versions[len(rt.versions)-1]
}

// LatestVersion returns the version tag of the newest prototype.
func (rt *ResourceType) LatestVersion() string {
	return rt.latest().Version
}

// LatestPrototype returns the newest prototype, which defines the
// allowed shape of resources of this type.
func (rt *ResourceType) LatestPrototype() objstore.Object {
	return rt.latest().Prototype
}

// Subpaths returns the sub-path prototypes of the latest version.
func (rt *ResourceType) Subpaths() map[string]objstore.Object {
	return rt.latest().Subpaths
}

// Files returns the sub-path names that carry binary payloads.
func (rt *ResourceType) Files() []string {
	return rt.latest().Files
}

// HasFile reports whether subpath is declared as a file sub-path.
func (rt *ResourceType) HasFile(subpath string) bool {
	for _, name := range rt.latest().Files {
		if name == subpath {
			return true
		}
	}
	return false
}

// AllVersions returns all version tags, oldest first.
func (rt *ResourceType) AllVersions() []string {
	var tags []string
	for _, version := range rt.versions {
		tags = append(tags, version.Version)
	}
	return tags
}

// SearchableFields returns the union of the field names of the base
// prototype and all sub-path prototypes. Search criteria may target any
// of them.
func (rt *ResourceType) SearchableFields() map[string]bool {
	fields := map[string]bool{}
	addNames(fields, rt.LatestPrototype())
	for _, proto := range rt.Subpaths() {
		addNames(fields, proto)
	}
	return fields
}

func addNames(fields map[string]bool, proto objstore.Object) {
	for _, entry := range Schema(proto) {
		for _, segment := range entry.Path {
			fields[segment] = true
		}
	}
}

// FromSpec parses a specification mapping with type, path and versions.
func FromSpec(spec objstore.Object) (*ResourceType, error) {
	typeName, ok := spec["type"].(string)
	if !ok || typeName == "" {
		return nil, InvalidSpecError{Reason: "missing type"}
	}
	path, ok := spec["path"].(string)
	if !ok || !strings.HasPrefix(path, "/") {
		return nil, InvalidSpecError{Reason: "missing or relative path"}
	}
	rawVersions, ok := spec["versions"].([]interface{})
	if !ok || len(rawVersions) == 0 {
		return nil, InvalidSpecError{Reason: "no versions"}
	}
	rt := &ResourceType{typeName: typeName, path: path}
	for _, raw := range rawVersions {
		versionSpec, ok := raw.(map[string]interface{})
		if !ok {
			return nil, InvalidSpecError{Reason: "version is not a mapping"}
		}
		version, err := versionFromSpec(versionSpec)
		if err != nil {
			return nil, err
		}
		rt.versions = append(rt.versions, version)
	}
	return rt, nil
}

func versionFromSpec(spec map[string]interface{}) (Version, error) {
	tag, ok := spec["version"].(string)
	if !ok || tag == "" {
		return Version{}, InvalidSpecError{Reason: "version without tag"}
	}
	prototype, ok := spec["prototype"].(map[string]interface{})
	if !ok {
		return Version{}, InvalidSpecError{Reason: "version " + tag + " without prototype"}
	}
	version := Version{Version: tag, Prototype: objstore.Object(prototype)}
	if rawSubpaths, ok := spec["subpaths"].(map[string]interface{}); ok {
		version.Subpaths = map[string]objstore.Object{}
		for name, rawSubpath := range rawSubpaths {
			subpathSpec, ok := rawSubpath.(map[string]interface{})
			if !ok {
				return Version{}, InvalidSpecError{Reason: "subpath " + name + " is not a mapping"}
			}
			proto, ok := subpathSpec["prototype"].(map[string]interface{})
			if !ok {
				return Version{}, InvalidSpecError{Reason: "subpath " + name + " without prototype"}
			}
			version.Subpaths[name] = objstore.Object(proto)
		}
	}
	if rawFiles, ok := spec["files"].([]interface{}); ok {
		for _, rawFile := range rawFiles {
			name, ok := rawFile.(string)
			if !ok {
				return Version{}, InvalidSpecError{Reason: "file name is not a string"}
			}
			if _, declared := version.Subpaths[name]; !declared {
				return Version{}, InvalidSpecError{Reason: "file " + name + " has no subpath prototype"}
			}
			version.Files = append(version.Files, name)
		}
	}
	return version, nil
}

// AsSpec renders the type back into its specification mapping.
func (rt *ResourceType) AsSpec() objstore.Object {
	var versions []interface{}
	for _, version := range rt.versions {
		versionSpec := map[string]interface{}{
			"version":   version.Version,
			"prototype": map[string]interface{}(version.Prototype),
		}
		if len(version.Subpaths) > 0 {
			subpaths := map[string]interface{}{}
			for name, proto := range version.Subpaths {
				subpaths[name] = map[string]interface{}{
					"prototype": map[string]interface{}(proto),
				}
			}
			versionSpec["subpaths"] = subpaths
		}
		if len(version.Files) > 0 {
			var files []interface{}
			for _, name := range version.Files {
				files = append(files, name)
			}
			versionSpec["files"] = files
		}
		versions = append(versions, versionSpec)
	}
	return objstore.Object{
		"type":     rt.typeName,
		"path":     rt.path,
		"versions": versions,
	}
}

// metaSchema rejects structurally broken specifications before FromSpec
// interprets them. Prototypes are free-form mappings; their field trees
// are checked by the validator, not here.
const metaSchema = `{
	"type": "object",
	"required": ["type", "path", "versions"],
	"properties": {
		"type": {"type": "string", "minLength": 1},
		"path": {"type": "string", "pattern": "^/"},
		"versions": {
			"type": "array",
			"minItems": 1,
			"items": {
				"type": "object",
				"required": ["version", "prototype"],
				"properties": {
					"version": {"type": "string", "minLength": 1},
					"prototype": {"type": "object"},
					"subpaths": {
						"type": "object",
						"additionalProperties": {
							"type": "object",
							"required": ["prototype"],
							"properties": {"prototype": {"type": "object"}}
						}
					},
					"files": {"type": "array", "items": {"type": "string"}}
				}
			}
		}
	}
}`

// LoadSpecsDir reads every .yaml file in dir into a resource type.
// Files are processed in name order so startup is deterministic.
func LoadSpecsDir(dir string) ([]*ResourceType, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := filepath.Ext(entry.Name())
		if ext == ".yaml" || ext == ".yml" {
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)

	schemaLoader := gojsonschema.NewStringLoader(metaSchema)
	var types []*ResourceType
	for _, name := range names {
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, err
		}
		var raw interface{}
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		spec, ok := normalize(raw).(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("%s: %w", name, InvalidSpecError{Reason: "not a mapping"})
		}
		result, err := gojsonschema.Validate(schemaLoader, gojsonschema.NewGoLoader(spec))
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		if !result.Valid() {
			return nil, fmt.Errorf("%s: %w", name, InvalidSpecError{Reason: result.Errors()[0].String()})
		}
		rt, err := FromSpec(spec)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		types = append(types, rt)
	}
	return types, nil
}

// normalize rewrites the map[interface{}]interface{} values produced by
// the YAML decoder into the map[string]interface{} form the rest of the
// system works with.
func normalize(value interface{}) interface{} {
	switch v := value.(type) {
	case map[interface{}]interface{}:
		normalized := map[string]interface{}{}
		for key, element := range v {
			normalized[fmt.Sprint(key)] = normalize(element)
		}
		return normalized
	case []interface{}:
		normalized := make([]interface{}, len(v))
		for i, element := range v {
			normalized[i] = normalize(element)
		}
		return normalized
	default:
		return v
	}
}
