// Package declare parses desired tag package lists.
//
// A declaration maps owners to ordered package entries. Each entry is
// either a bare package name or a single-key mapping from the package name
// to its options:
//
//	tag: f40-build
//	packages:
//	  someuser:
//	    - foo
//	    - bar: {blocked: true}
//
// Declarations are flattened into Package values before diffing.
package declare

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// Options holds the per-package settings that can be declared
type Options struct {
	Blocked bool `yaml:"blocked" toml:"blocked"`
}

// Entry is one package declaration: a bare name (Options == nil) or a
// name with explicit options.
type Entry struct {
	Name    string
	Options *Options
}

// Blocked reports the declared blocked state; bare names are unblocked
func (e Entry) Blocked() bool {
	return e.Options != nil && e.Options.Blocked
}

// Owner is the ordered list of entries declared under one owner
type Owner struct {
	Name    string
	Entries []Entry
}

// Packages preserves owner order as written in the declaration
type Packages []Owner

// Package is a fully resolved desired package
type Package struct {
	Name    string
	Owner   string
	Blocked bool
}

// Declaration is the desired package list of one tag
type Declaration struct {
	Tag      string   `yaml:"tag"`
	Packages Packages `yaml:"packages"`

	// Source is the file the declaration was read from, if any
	Source string `yaml:"-"`
}

// ConflictError reports a package declared more than once in a tag
type ConflictError struct {
	Tag         string
	Package     string
	FirstOwner  string
	SecondOwner string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("tag %s: package %s declared under owner %s and again under owner %s",
		e.Tag, e.Package, e.FirstOwner, e.SecondOwner)
}

// Validate checks the declaration for structural errors and conflicts
func (d *Declaration) Validate() error {
	if d.Tag == "" {
		return fmt.Errorf("tag is required")
	}
	_, err := d.Flatten()
	return err
}

// Flatten resolves the declaration into packages in declaration order:
// owners as written, entries within an owner as written. A package name
// that appears more than once is rejected with a *ConflictError.
func (d *Declaration) Flatten() ([]Package, error) {
	var pkgs []Package
	seen := make(map[string]string)

	for _, owner := range d.Packages {
		if owner.Name == "" {
			return nil, fmt.Errorf("tag %s: owner name must not be empty", d.Tag)
		}
		for _, entry := range owner.Entries {
			if entry.Name == "" {
				return nil, fmt.Errorf("tag %s: owner %s has an entry without a package name", d.Tag, owner.Name)
			}
			if first, dup := seen[entry.Name]; dup {
				return nil, &ConflictError{
					Tag:         d.Tag,
					Package:     entry.Name,
					FirstOwner:  first,
					SecondOwner: owner.Name,
				}
			}
			seen[entry.Name] = owner.Name
			pkgs = append(pkgs, Package{
				Name:    entry.Name,
				Owner:   owner.Name,
				Blocked: entry.Blocked(),
			})
		}
	}

	return pkgs, nil
}

// UnmarshalYAML decodes a bare name or a single-key name-to-options mapping
func (e *Entry) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		e.Name = node.Value
		if node.Tag == "!!null" {
			e.Name = ""
		}
		e.Options = nil
		return nil

	case yaml.MappingNode:
		if len(node.Content) != 2 {
			return fmt.Errorf("line %d: package entry must have exactly one name, got %d", node.Line, len(node.Content)/2)
		}
		key, value := node.Content[0], node.Content[1]
		if key.Kind != yaml.ScalarNode {
			return fmt.Errorf("line %d: package name must be a string", key.Line)
		}

		opts := &Options{}
		switch {
		case value.Kind == yaml.ScalarNode && value.Tag == "!!null":
			// "- foo:" declares foo with default options
		case value.Kind == yaml.MappingNode:
			for i := 0; i < len(value.Content); i += 2 {
				if name := value.Content[i].Value; name != "blocked" {
					return fmt.Errorf("line %d: unknown option %q for package %s", value.Content[i].Line, name, key.Value)
				}
			}
			if err := value.Decode(opts); err != nil {
				return fmt.Errorf("line %d: invalid options for package %s: %w", value.Line, key.Value, err)
			}
		default:
			return fmt.Errorf("line %d: options for package %s must be a mapping", value.Line, key.Value)
		}

		e.Name = key.Value
		e.Options = opts
		return nil

	default:
		return fmt.Errorf("line %d: package entry must be a name or a single-key mapping", node.Line)
	}
}

// UnmarshalYAML decodes the owner mapping while keeping document order
func (p *Packages) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("line %d: packages must be a mapping of owner to package list", node.Line)
	}

	owners := make(Packages, 0, len(node.Content)/2)
	seen := make(map[string]bool)
	for i := 0; i < len(node.Content); i += 2 {
		key, value := node.Content[i], node.Content[i+1]
		if seen[key.Value] {
			return fmt.Errorf("line %d: owner %s declared twice", key.Line, key.Value)
		}
		seen[key.Value] = true

		var entries []Entry
		if err := value.Decode(&entries); err != nil {
			return fmt.Errorf("owner %s: %w", key.Value, err)
		}
		owners = append(owners, Owner{Name: key.Value, Entries: entries})
	}

	*p = owners
	return nil
}
