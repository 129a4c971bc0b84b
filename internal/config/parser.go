package config

import (
	"context"
	"fmt"
	"maps"
	"os"
	"strings"
	"time"

	lua "github.com/yuin/gopher-lua"

	"github.com/luminolmc/goclip/internal/platform"
)

// Parser evaluates Lua config files with platform detection.
type Parser struct {
	detector platform.Detector
}

// NewParser creates a parser. A nil detector leaves the platform global unset.
func NewParser(detector platform.Detector) *Parser {
	return &Parser{detector: detector}
}

// ParseFile reads and evaluates the Lua file at path on top of base.
func (p *Parser) ParseFile(ctx context.Context, path string, base *Config) (*Config, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if info.Size() > MaxConfigSize {
		return nil, &ParseError{
			Message: "config file too large",
			Detail:  fmt.Sprintf("%s is %d bytes, maximum is %d", path, info.Size(), MaxConfigSize),
		}
	}
	code, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return p.ParseString(ctx, string(code), base)
}

// ParseString evaluates luaCode and applies the goclip table onto a copy of
// base. base is not modified.
func (p *Parser) ParseString(ctx context.Context, luaCode string, base *Config) (*Config, error) {
	L := newSandboxedVM()
	defer L.Close()
	L.SetContext(ctx)

	if p.detector != nil {
		info, err := p.detector.Detect(ctx)
		if err != nil {
			return nil, fmt.Errorf("platform detection failed: %w", err)
		}
		platform.InjectPlatformTable(L, info)
	}

	if err := L.DoString(luaCode); err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("config evaluation aborted: %w", ctx.Err())
		}
		return nil, &ParseError{Message: "Lua error", Detail: err.Error()}
	}

	cfg := *base
	cfg.Mirrors = append([]string(nil), base.Mirrors...)
	cfg.CountryEndpoints = append([]string(nil), base.CountryEndpoints...)
	cfg.CountryContexts = maps.Clone(base.CountryContexts)
	if err := extractConfig(L, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ParseError represents a config parsing error with friendly message.
type ParseError struct {
	Message string // User-friendly message
	Detail  string // Technical details
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("%s: %s", e.Message, e.Detail)
}

// extractConfig copies the fields of the global goclip table into cfg. A
// config file that does not define the table changes nothing.
func extractConfig(L *lua.LState, cfg *Config) error {
	global := L.GetGlobal(luaGlobal)
	if global.Type() == lua.LTNil {
		return nil
	}
	table, ok := global.(*lua.LTable)
	if !ok {
		return &ParseError{
			Message: "invalid 'goclip' table",
			Detail:  fmt.Sprintf("expected table, got %s", global.Type()),
		}
	}

	var firstErr error
	table.ForEach(func(key, value lua.LValue) {
		if firstErr != nil || value.Type() == lua.LTNil {
			return
		}
		if key.Type() != lua.LTString {
			firstErr = fieldError(key.String(), "keys must be strings")
			return
		}
		firstErr = setField(cfg, key.String(), value)
	})
	return firstErr
}

func setField(cfg *Config, name string, v lua.LValue) error {
	var err error
	switch name {
	case luaFieldCacheDir:
		cfg.CacheDir, err = luaString(name, v)
	case luaFieldBundleDir:
		cfg.BundleDir, err = luaString(name, v)
	case luaFieldTimeout:
		cfg.Timeout, err = luaDuration(name, v)
	case luaFieldBackoff:
		cfg.InitialBackoff, err = luaDuration(name, v)
	case luaFieldMaxBackoff:
		cfg.MaxBackoff, err = luaDuration(name, v)
	case luaFieldRetries:
		cfg.Retries, err = luaInt(name, v)
	case luaFieldChunks:
		cfg.Chunks, err = luaInt(name, v)
	case luaFieldMinChunkSize:
		var n int
		n, err = luaInt(name, v)
		cfg.MinChunkSize = int64(n)
	case luaFieldMirrors:
		cfg.Mirrors, err = luaStrings(name, v)
	case luaFieldContext:
		cfg.DownloadContext, err = luaString(name, v)
	case luaFieldCountryURLs:
		cfg.CountryEndpoints, err = luaStrings(name, v)
	case luaFieldCountryCtx:
		cfg.CountryContexts, err = luaStringMap(name, v)
	case luaFieldLaunchMode:
		var s string
		s, err = luaString(name, v)
		cfg.LaunchMode = LaunchMode(s)
	case luaFieldEntryPoint:
		cfg.EntryPoint, err = luaString(name, v)
	case luaFieldPatchOnly:
		b, ok := v.(lua.LBool)
		if !ok {
			return fieldError(name, fmt.Sprintf("expected boolean, got %s", v.Type()))
		}
		cfg.PatchOnly = bool(b)
	case luaFieldLogLevel:
		cfg.LogLevel, err = luaString(name, v)
	default:
		return fieldError(name, "unknown field")
	}
	return err
}

func fieldError(name, msg string) error {
	return &ParseError{Message: "invalid field goclip." + name, Detail: msg}
}

func luaString(name string, v lua.LValue) (string, error) {
	s, ok := v.(lua.LString)
	if !ok {
		return "", fieldError(name, fmt.Sprintf("expected string, got %s", v.Type()))
	}
	return string(s), nil
}

func luaInt(name string, v lua.LValue) (int, error) {
	n, ok := v.(lua.LNumber)
	if !ok {
		return 0, fieldError(name, fmt.Sprintf("expected number, got %s", v.Type()))
	}
	if float64(n) != float64(int(n)) {
		return 0, fieldError(name, fmt.Sprintf("expected integer, got %v", n))
	}
	return int(n), nil
}

// luaDuration accepts a Go duration string or a number of seconds.
func luaDuration(name string, v lua.LValue) (time.Duration, error) {
	switch x := v.(type) {
	case lua.LNumber:
		return time.Duration(float64(x) * float64(time.Second)), nil
	case lua.LString:
		d, err := time.ParseDuration(strings.TrimSpace(string(x)))
		if err != nil {
			return 0, fieldError(name, err.Error())
		}
		return d, nil
	default:
		return 0, fieldError(name, fmt.Sprintf("expected duration string or seconds, got %s", v.Type()))
	}
}

// luaStrings reads an array of strings, skipping nils left by platform
// conditionals.
func luaStrings(name string, v lua.LValue) ([]string, error) {
	t, ok := v.(*lua.LTable)
	if !ok {
		return nil, fieldError(name, fmt.Sprintf("expected array of strings, got %s", v.Type()))
	}
	var out []string
	for i := 1; i <= t.MaxN(); i++ {
		item := t.RawGetInt(i)
		switch item.Type() {
		case lua.LTNil:
			continue
		case lua.LTString:
			out = append(out, item.String())
		default:
			return nil, fieldError(fmt.Sprintf("%s[%d]", name, i), fmt.Sprintf("expected string, got %s", item.Type()))
		}
	}
	return out, nil
}

// luaStringMap reads a table of string keys to string values.
func luaStringMap(name string, v lua.LValue) (map[string]string, error) {
	t, ok := v.(*lua.LTable)
	if !ok {
		return nil, fieldError(name, fmt.Sprintf("expected table of strings, got %s", v.Type()))
	}
	out := map[string]string{}
	var err error
	t.ForEach(func(k, item lua.LValue) {
		if err != nil {
			return
		}
		ks, kok := k.(lua.LString)
		vs, vok := item.(lua.LString)
		if !kok || !vok {
			err = fieldError(name, fmt.Sprintf("expected string = string, got %s = %s", k.Type(), item.Type()))
			return
		}
		out[string(ks)] = string(vs)
	})
	return out, err
}

// FormatError formats err for user display. Without verbose, Lua stack
// tracebacks are cut.
func FormatError(err error, verbose bool) string {
	if parseErr, ok := err.(*ParseError); ok {
		if verbose {
			return fmt.Sprintf("%s\n\nDetails:\n%s", parseErr.Message, parseErr.Detail)
		}
		detail := parseErr.Detail
		if idx := strings.Index(detail, "stack traceback"); idx > 0 {
			detail = strings.TrimSpace(detail[:idx])
		}
		return fmt.Sprintf("%s: %s", parseErr.Message, detail)
	}
	return err.Error()
}
