package config

import (
	"bytes"
	"fmt"
	"strconv"
	"time"
)

// Generator renders a Config as keg.lua source.
type Generator struct {
	indent string
}

// NewGenerator creates a new Lua config generator.
func NewGenerator() *Generator {
	return &Generator{indent: "  "}
}

// Generate returns Lua code that parses back to cfg.
func (g *Generator) Generate(cfg *Config) (string, error) {
	if cfg == nil {
		return "", fmt.Errorf("config is nil")
	}

	var buf bytes.Buffer
	buf.WriteString("-- keg configuration\n")
	buf.WriteString("-- Generated: ")
	buf.WriteString(time.Now().UTC().Format(time.RFC3339))
	buf.WriteString("\n\n")
	buf.WriteString(luaGlobalKeg + " = {\n")

	g.field(&buf, 1, luaFieldPrefix, g.quote(cfg.Prefix))
	g.field(&buf, 1, luaFieldState, g.quote(cfg.StateDir))
	g.field(&buf, 1, luaFieldCache, g.quote(cfg.CacheDir))
	g.field(&buf, 1, luaFieldJobs, strconv.Itoa(cfg.Jobs))
	g.field(&buf, 1, luaFieldTime, g.quote(cfg.Timeout.String()))
	if cfg.Insecure {
		g.field(&buf, 1, luaFieldUnsafe, "true")
	}

	buf.WriteString(g.indent + luaFieldFetch + " = {\n")
	g.field(&buf, 2, luaFieldRetry, strconv.Itoa(cfg.Fetch.Retries))
	g.field(&buf, 2, luaFieldAgent, g.quote(cfg.Fetch.UserAgent))
	g.field(&buf, 2, luaFieldTime, g.quote(cfg.Fetch.Timeout.String()))
	buf.WriteString(g.indent + "},\n")

	buf.WriteString("}\n")
	return buf.String(), nil
}

func (g *Generator) field(buf *bytes.Buffer, depth int, name, value string) {
	for i := 0; i < depth; i++ {
		buf.WriteString(g.indent)
	}
	buf.WriteString(name)
	buf.WriteString(" = ")
	buf.WriteString(value)
	buf.WriteString(",\n")
}

// quote returns a Lua string literal. strconv.Quote escapes are a subset
// of Lua 5.1's for the characters paths and agents contain.
func (g *Generator) quote(s string) string {
	return strconv.Quote(s)
}
