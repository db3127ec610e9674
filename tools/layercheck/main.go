// Command layercheck enforces the package layering of the governor.
//
// It parses the imports of every non-test Go file under pkg/ and reports
// any import a layer rule forbids. Domain packages must not reach up into
// the HTTP surface, and leaf packages must not import the rest of the
// module.
//
// Usage:
//
//	go run ./tools/layercheck [-root <project-root>]
package main

import (
	"flag"
	"fmt"
	"go/parser"
	"go/token"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

const modulePath = "github.com/sirschrockalot/goat-sales-app-sub004"

// Rule forbids imports matching Forbidden from packages under Dir.
// Packages listed in Except are exempt.
type Rule struct {
	Name      string
	Dir       string
	Forbidden []string
	Except    []string
}

// Violation is one forbidden import.
type Violation struct {
	File   string
	Line   int
	Import string
	Rule   string
}

func (v Violation) String() string {
	return fmt.Sprintf("%s:%d imports %q (%s)", v.File, v.Line, v.Import, v.Rule)
}

// leafPackages may import nothing else from the module.
var leafPackages = []string{"contracts", "config", "artifacts", "observability", "gates"}

// DefaultRules returns the layering enforced on this repository.
func DefaultRules() []Rule {
	rules := []Rule{
		{
			Name:      "pkg must not depend on binaries",
			Dir:       "pkg",
			Forbidden: []string{modulePath + "/cmd/", modulePath + "/examples/"},
		},
		{
			Name:      "only the client may depend on the HTTP surface",
			Dir:       "pkg",
			Forbidden: []string{modulePath + "/pkg/api"},
			Except:    []string{"pkg/api", "pkg/client"},
		},
		{
			Name:      "nothing in pkg depends on the client",
			Dir:       "pkg",
			Forbidden: []string{modulePath + "/pkg/client"},
			Except:    []string{"pkg/client"},
		},
		{
			Name:      "routing stays in the api package",
			Dir:       "pkg",
			Forbidden: []string{"github.com/go-chi/chi"},
			Except:    []string{"pkg/api"},
		},
	}
	for _, leaf := range leafPackages {
		rules = append(rules, Rule{
			Name:      "leaf package " + leaf,
			Dir:       filepath.Join("pkg", leaf),
			Forbidden: []string{modulePath + "/"},
		})
	}
	return rules
}

// Check walks root and returns every violation of rules.
func Check(root string, rules []Rule) ([]Violation, error) {
	var out []Violation
	fset := token.NewFileSet()
	for _, rule := range rules {
		dir := filepath.Join(root, rule.Dir)
		if _, err := os.Stat(dir); err != nil {
			return nil, fmt.Errorf("rule %q: %w", rule.Name, err)
		}
		err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				if d.Name() == "testdata" || d.Name() == "vendor" {
					return filepath.SkipDir
				}
				return nil
			}
			if !strings.HasSuffix(path, ".go") || strings.HasSuffix(path, "_test.go") {
				return nil
			}
			rel, err := filepath.Rel(root, path)
			if err != nil {
				return err
			}
			if exempt(filepath.ToSlash(filepath.Dir(rel)), rule.Except) {
				return nil
			}

			f, err := parser.ParseFile(fset, path, nil, parser.ImportsOnly)
			if err != nil {
				return fmt.Errorf("parse %s: %w", rel, err)
			}
			for _, imp := range f.Imports {
				importPath := strings.Trim(imp.Path.Value, `"`)
				for _, frag := range rule.Forbidden {
					if strings.HasPrefix(importPath, frag) {
						out = append(out, Violation{
							File:   filepath.ToSlash(rel),
							Line:   fset.Position(imp.Pos()).Line,
							Import: importPath,
							Rule:   rule.Name,
						})
					}
				}
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

func exempt(dir string, except []string) bool {
	for _, e := range except {
		if dir == e || strings.HasPrefix(dir, e+"/") {
			return true
		}
	}
	return false
}

func main() {
	root := flag.String("root", ".", "project root directory")
	flag.Parse()

	violations, err := Check(*root, DefaultRules())
	if err != nil {
		fmt.Fprintf(os.Stderr, "layercheck: %v\n", err)
		os.Exit(1)
	}
	for _, v := range violations {
		fmt.Println("LAYER VIOLATION:", v)
	}
	if len(violations) > 0 {
		fmt.Printf("\n%d layer violation(s) found\n", len(violations))
		os.Exit(1)
	}
	fmt.Println("layer check passed")
}
