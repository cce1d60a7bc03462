package config

import (
	"bytes"
	"os"
	"strings"
	"text/template"
)

// ExpandEnv substitutes {{.VAR}} references in raw config bytes with
// values from the process environment. Template syntax keeps literal $
// usable inside plan content and credentials; a reference to an unset
// variable becomes the empty string, left for validation to flag.
func ExpandEnv(data []byte) []byte {
	tmpl, err := template.New("conductor.yaml").Option("missingkey=zero").Parse(string(data))
	if err != nil {
		// Not a template. Plain YAML passes through untouched.
		return data
	}

	env := make(map[string]string)
	for _, kv := range os.Environ() {
		if k, v, ok := strings.Cut(kv, "="); ok {
			env[k] = v
		}
	}

	var out bytes.Buffer
	if err := tmpl.Execute(&out, env); err != nil {
		return data
	}
	return out.Bytes()
}
