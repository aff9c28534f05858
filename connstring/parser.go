// Package connstring parses connection strings of the form
// "Url=http://db1:8080;Database=orders;ApiKey=abc/123;FailoverUrl=http://db2:8080".
//
//nolint:govet
package connstring

import (
	"fmt"
	"strings"

	"github.com/alecthomas/participle/v2"
	"github.com/alecthomas/participle/v2/lexer/stateful"

	"github.com/squareup/corax/errors"
)

var (
	// Values run to the next semicolon so keys and URLs containing '=' do
	// not need quoting; the lexer switches modes after each '='.
	lex = stateful.Must(stateful.Rules{
		"Root": {
			{Name: `Key`, Pattern: `[A-Za-z][A-Za-z0-9]*`, Action: nil},
			{Name: `Eq`, Pattern: `=`, Action: stateful.Push("Value")},
			{Name: `Whitespace`, Pattern: `\s+`, Action: nil},
		},
		"Value": {
			{Name: `Value`, Pattern: `[^;]+`, Action: nil},
			{Name: `Semi`, Pattern: `;`, Action: stateful.Pop()},
		},
	})
	parser = participle.MustBuild(&connectionStringAST{},
		participle.Lexer(lex),
		participle.Elide("Whitespace"),
	)
)

type connectionStringAST struct {
	Entries []*entry `parser:"@@+"`
}

type entry struct {
	Key   string `parser:"@Key \"=\""`
	Value string `parser:"@Value \";\"?"`
}

// ConnectionString is the recognized content of a connection string.
type ConnectionString struct {
	URL          string
	Database     string
	APIKey       string
	FailoverURLs []string
}

// Parse parses a connection string. Keys are case-insensitive. Unknown and
// duplicate keys are rejected rather than ignored, so typos do not silently
// drop options; FailoverUrl is the exception and may repeat.
func Parse(cs string) (*ConnectionString, error) {
	ast := &connectionStringAST{}
	if err := parser.ParseString("", cs, ast); err != nil {
		return nil, errors.NewInvalidConnectionStringError(err.Error())
	}
	parsed := &ConnectionString{}
	seen := map[string]bool{}
	for _, e := range ast.Entries {
		key := strings.TrimSpace(e.Key)
		value := strings.TrimSpace(e.Value)
		if value == "" {
			return nil, errors.NewInvalidConnectionStringError(fmt.Sprintf("empty value for option '%s'", key))
		}
		canonical := strings.ToLower(key)
		if canonical == "defaultdatabase" {
			canonical = "database"
		}
		if canonical != "failoverurl" && seen[canonical] {
			return nil, errors.NewInvalidConnectionStringError(fmt.Sprintf("duplicate option '%s'", key))
		}
		seen[canonical] = true
		switch canonical {
		case "url":
			parsed.URL = value
		case "database":
			parsed.Database = value
		case "apikey":
			parsed.APIKey = value
		case "failoverurl":
			parsed.FailoverURLs = append(parsed.FailoverURLs, value)
		default:
			return nil, errors.NewInvalidConnectionStringError(fmt.Sprintf("unrecognized option '%s'", key))
		}
	}
	if parsed.URL == "" {
		return nil, errors.NewInvalidConnectionStringError("Url is required")
	}
	return parsed, nil
}
