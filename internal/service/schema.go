package service

import (
	"encoding/json"
	"os"
	"reflect"
	"slices"

	"github.com/invopop/jsonschema"
	"github.com/spf13/cobra"
)

// Schemas collects named JSON Schemas for gen-schema.
type Schemas map[string]*jsonschema.Schema

var reflector = &jsonschema.Reflector{
	// Most messages mark optional fields with omitempty and nothing else.
	RequiredFromJSONSchemaTags: false,
	AllowAdditionalProperties:  true,
}

// Add records the schema of v's type under name.
func (s Schemas) Add(name string, v any) {
	s[name] = reflector.Reflect(v)
}

// AddType records the schema of t under name. A nil t is skipped.
func (s Schemas) AddType(name string, t reflect.Type) {
	if t == nil {
		return
	}
	s[name] = reflector.ReflectFromType(t)
}

// Generate returns the schema document of s: one entry per public message, sorted by
// name when encoded.
func Generate(s Spec) ([]byte, error) {
	out := Schemas{}
	names := make([]string, 0, len(s.Messages))
	for name := range s.Messages {
		names = append(names, name)
	}
	slices.Sort(names)
	for _, name := range names {
		out.Add(name, s.Messages[name])
	}
	if s.Schema != nil {
		s.Schema(out)
	}
	// encoding/json sorts map keys.
	return json.MarshalIndent(map[string]any{
		"service":  s.ID,
		"messages": out,
	}, "", "  ")
}

func schemaCommand(s Spec) *cobra.Command {
	var path string
	cmd := &cobra.Command{
		Use:   "gen-schema",
		Short: "Write the JSON Schema of this service's public messages",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			doc, err := Generate(s)
			if err != nil {
				return err
			}
			if path == "" || path == "-" {
				_, err := cmd.OutOrStdout().Write(append(doc, '\n'))
				return err
			}
			return os.WriteFile(path, append(doc, '\n'), 0o644)
		},
	}
	cmd.Flags().StringVar(&path, "schema-file", "", `file to write ("-" or empty for stdout)`)
	return cmd
}
