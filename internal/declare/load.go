package declare

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// ValidExtensions are the recognized declaration file extensions
var ValidExtensions = []string{
	".yaml",
	".yml",
	".toml",
}

// IsDeclarationFile returns true if the file has a declaration extension
func IsDeclarationFile(path string) bool {
	ext := filepath.Ext(path)
	for _, valid := range ValidExtensions {
		if ext == valid {
			return true
		}
	}
	return false
}

// Discover finds all declaration files below dir in lexical order.
// Hidden files and directories (names starting with ".") are skipped.
func Discover(dir string) ([]string, error) {
	var files []string

	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}

		// Skip hidden files and directories (e.g. .git)
		if path != dir && strings.HasPrefix(info.Name(), ".") {
			if info.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		if !info.IsDir() && IsDeclarationFile(path) {
			files = append(files, path)
		}
		return nil
	})

	if err != nil {
		return nil, err
	}

	return files, nil
}

// LoadAll loads a single declaration file or every declaration below a
// directory. Two files declaring the same tag are rejected.
func LoadAll(path string) ([]*Declaration, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat declarations: %w", err)
	}

	files := []string{path}
	if info.IsDir() {
		files, err = Discover(path)
		if err != nil {
			return nil, fmt.Errorf("failed to discover declarations: %w", err)
		}
	}

	decls := make([]*Declaration, 0, len(files))
	byTag := make(map[string]string)
	for _, file := range files {
		d, err := Load(file)
		if err != nil {
			return nil, err
		}
		if prev, dup := byTag[d.Tag]; dup {
			return nil, fmt.Errorf("tag %s declared in both %s and %s", d.Tag, prev, file)
		}
		byTag[d.Tag] = file
		decls = append(decls, d)
	}

	return decls, nil
}

// Load reads and validates one declaration file
func Load(path string) (*Declaration, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read declaration: %w", err)
	}

	var d *Declaration
	switch filepath.Ext(path) {
	case ".toml":
		d, err = ParseTOML(data)
	default:
		d, err = ParseYAML(data)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse declaration %s: %w", path, err)
	}

	d.Source = path
	if err := d.Validate(); err != nil {
		return nil, fmt.Errorf("invalid declaration %s: %w", path, err)
	}

	return d, nil
}

// ParseYAML decodes a YAML declaration, rejecting unknown top-level fields
func ParseYAML(data []byte) (*Declaration, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var d Declaration
	if err := dec.Decode(&d); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("declaration is empty")
		}
		return nil, err
	}
	return &d, nil
}

// ParseTOML decodes a TOML declaration. Owners keep their document order.
func ParseTOML(data []byte) (*Declaration, error) {
	var raw struct {
		Tag      string           `toml:"tag"`
		Packages map[string][]any `toml:"packages"`
	}
	md, err := toml.Decode(string(data), &raw)
	if err != nil {
		return nil, err
	}
	for _, key := range md.Undecoded() {
		if key[0] != "packages" {
			return nil, fmt.Errorf("unknown field %s", key)
		}
	}

	d := &Declaration{Tag: raw.Tag}
	for _, key := range md.Keys() {
		if len(key) != 2 || key[0] != "packages" {
			continue
		}
		owner := key[1]
		entries := make([]Entry, 0, len(raw.Packages[owner]))
		for _, item := range raw.Packages[owner] {
			entry, err := entryFromTOML(item)
			if err != nil {
				return nil, fmt.Errorf("owner %s: %w", owner, err)
			}
			entries = append(entries, entry)
		}
		d.Packages = append(d.Packages, Owner{Name: owner, Entries: entries})
	}

	return d, nil
}

func entryFromTOML(item any) (Entry, error) {
	switch v := item.(type) {
	case string:
		return Entry{Name: v}, nil

	case map[string]any:
		if len(v) != 1 {
			return Entry{}, fmt.Errorf("package entry must have exactly one name, got %d", len(v))
		}
		for name, raw := range v {
			values, ok := raw.(map[string]any)
			if !ok {
				return Entry{}, fmt.Errorf("options for package %s must be a table", name)
			}
			opts := &Options{}
			for key, value := range values {
				if key != "blocked" {
					return Entry{}, fmt.Errorf("unknown option %q for package %s", key, name)
				}
				blocked, ok := value.(bool)
				if !ok {
					return Entry{}, fmt.Errorf("option blocked for package %s must be a boolean", name)
				}
				opts.Blocked = blocked
			}
			return Entry{Name: name, Options: opts}, nil
		}
	}

	return Entry{}, fmt.Errorf("package entry must be a name or a single-key table, got %T", item)
}
