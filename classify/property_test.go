package classify

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// anyParams turns generated string pairs into the open params mapping the
// classifier sees after JSON decoding.
func anyParams(m map[string]string) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func TestClassifyProperties(t *testing.T) {
	c := mustClassifier(t, DefaultRules())

	properties := gopter.NewProperties(nil)

	properties.Property("every call classifies to a valid tier", prop.ForAll(
		func(tool string, params map[string]string) bool {
			got := c.Classify(tool, anyParams(params))
			return got.Tier.Valid() && got.Rule != ""
		},
		gen.AlphaString(),
		gen.MapOf(gen.AlphaString(), gen.AlphaString()),
	))

	properties.Property("classification is deterministic", prop.ForAll(
		func(tool string, params map[string]string) bool {
			p := anyParams(params)
			a := c.Classify(tool, p)
			b := c.Classify(tool, p)
			return a == b
		},
		gen.AlphaString(),
		gen.MapOf(gen.AlphaString(), gen.AlphaString()),
	))

	properties.TestingRun(t)
}

func TestResolveTemplateProperties(t *testing.T) {
	properties := gopter.NewProperties(nil)

	properties.Property("expansion never panics and is deterministic", prop.ForAll(
		func(template, tool string, params map[string]string) bool {
			p := anyParams(params)
			return ResolveTemplate(template, tool, p) == ResolveTemplate(template, tool, p)
		},
		gen.AnyString(),
		gen.AlphaString(),
		gen.MapOf(gen.AlphaString(), gen.AlphaString()),
	))

	properties.Property("templates without braces pass through", prop.ForAll(
		func(tool string, params map[string]string) bool {
			const template = "plain-literal-key"
			return ResolveTemplate(template, tool, anyParams(params)) == template
		},
		gen.AlphaString(),
		gen.MapOf(gen.AlphaString(), gen.AlphaString()),
	))

	properties.TestingRun(t)
}
