package turbo

import (
	"fmt"

	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/turboql/turboql/internal/config"
)

// seedDocument is the on-disk shape of a seed file: a list of registrations
// operators maintain alongside the deployment.
type seedDocument struct {
	Queries []seedQuery `koanf:"queries"`
}

type seedQuery struct {
	OperationName     string            `koanf:"operation_name"`
	GraphQL           string            `koanf:"graphql"`
	SQLTemplate       string            `koanf:"sql_template"`
	ViewName          string            `koanf:"view_name"`
	ParamMapping      map[string]string `koanf:"param_mapping"`
	RequiredVariables []string          `koanf:"required_variables"`
	OptionalVariables []string          `koanf:"optional_variables"`
}

// LoadSeed parses a seed file (yaml, json, or toml by extension) into
// registrations ready for Registry.Register. Entries without a GraphQL
// document or SQL template are rejected rather than silently skipped, since
// a broken seed file should fail loudly at load time.
func LoadSeed(path string) ([]*Query, error) {
	parser, err := config.ParserFor(path)
	if err != nil {
		return nil, fmt.Errorf("turbo: seed file: %w", err)
	}

	k := koanf.New(".")
	if err := k.Load(file.Provider(path), parser); err != nil {
		return nil, fmt.Errorf("turbo: load seed file %s: %w", path, err)
	}

	var doc seedDocument
	if err := k.Unmarshal("", &doc); err != nil {
		return nil, fmt.Errorf("turbo: decode seed file %s: %w", path, err)
	}

	out := make([]*Query, 0, len(doc.Queries))
	for i, entry := range doc.Queries {
		if entry.GraphQL == "" {
			return nil, fmt.Errorf("turbo: seed entry %d (%s) has no graphql document", i, entry.OperationName)
		}
		if entry.SQLTemplate == "" {
			return nil, fmt.Errorf("turbo: seed entry %d (%s) has no sql template", i, entry.OperationName)
		}
		out = append(out, &Query{
			GraphQL:           entry.GraphQL,
			SQLTemplate:       entry.SQLTemplate,
			ParamMapping:      entry.ParamMapping,
			RequiredVariables: entry.RequiredVariables,
			OptionalVariables: entry.OptionalVariables,
			OperationName:     entry.OperationName,
			ViewName:          entry.ViewName,
			UseFastPath:       true,
			CreatedBy:         "seed",
		})
	}
	return out, nil
}
