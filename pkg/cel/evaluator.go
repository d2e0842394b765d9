package cel

import (
	"context"
	"fmt"
	"sort"

	"github.com/google/cel-go/cel"
)

// DefaultLookupMapping extracts the lookup fields from a places-style JSON
// response. Every expression sees `body` (the decoded response) and `query`
// (the name and context the search was issued with).
var DefaultLookupMapping = map[string]string{
	"name":        `body.name`,
	"rating":      `double(body.rating)`,
	"hours":       `body.opening_hours`,
	"closed":      `has(body.business_status) && body.business_status == "CLOSED_PERMANENTLY"`,
	"photo_ref":   `body.photos[0].reference`,
	"external_id": `body.place_id`,
}

func newEnv() (*cel.Env, error) {
	env, err := cel.NewEnv(
		cel.Variable("body", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("query", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}
	return env, nil
}

// Mapper evaluates a fixed set of named expressions. Programs are compiled
// once at construction and are safe for concurrent use.
type Mapper struct {
	fields   []string
	programs map[string]cel.Program
}

func NewMapper(expressions map[string]string) (*Mapper, error) {
	env, err := newEnv()
	if err != nil {
		return nil, err
	}

	m := &Mapper{programs: make(map[string]cel.Program, len(expressions))}
	for field, expr := range expressions {
		ast, issues := env.Compile(expr)
		if issues != nil && issues.Err() != nil {
			return nil, fmt.Errorf("failed to compile mapping for %q: %w", field, issues.Err())
		}
		program, err := env.Program(ast)
		if err != nil {
			return nil, fmt.Errorf("failed to create CEL program for %q: %w", field, err)
		}
		m.programs[field] = program
		m.fields = append(m.fields, field)
	}
	sort.Strings(m.fields)

	return m, nil
}

// Map evaluates every expression against body and query. A field whose
// expression fails (missing key, wrong type) is left out of the result and
// reported in skipped.
func (m *Mapper) Map(ctx context.Context, body, query map[string]interface{}) (out map[string]interface{}, skipped []string, err error) {
	vars := map[string]interface{}{
		"body":  body,
		"query": query,
	}

	out = make(map[string]interface{}, len(m.fields))
	for _, field := range m.fields {
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}
		result, _, evalErr := m.programs[field].ContextEval(ctx, vars)
		if evalErr != nil {
			skipped = append(skipped, field)
			continue
		}
		out[field] = result.Value()
	}
	return out, skipped, nil
}

func (m *Mapper) Fields() []string {
	return append([]string(nil), m.fields...)
}

func ValidateExpression(expression string) error {
	env, err := newEnv()
	if err != nil {
		return err
	}
	if _, issues := env.Compile(expression); issues != nil && issues.Err() != nil {
		return fmt.Errorf("CEL expression validation failed: %w", issues.Err())
	}
	return nil
}
