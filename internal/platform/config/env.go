package config

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// layers resolves a key from the explicit map, then the process environment, then the .env
// file.
type layers struct {
	explicit map[string]string
	system   bool
	dotenv   map[string]string
}

func newLayers(o loaderOptions) (layers, error) {
	dotenv, err := readDotEnv(o.envFile)
	if err != nil {
		return layers{}, err
	}
	return layers{explicit: o.envMap, system: o.useSystemEnv, dotenv: dotenv}, nil
}

func (l layers) lookup(key string) (string, bool) {
	if v, ok := l.explicit[key]; ok {
		return v, true
	}
	if l.system {
		if v, ok := os.LookupEnv(key); ok {
			return v, true
		}
	}
	v, ok := l.dotenv[key]
	return v, ok
}

// flatten merges every layer into one map with the same precedence as lookup.
func (l layers) flatten() map[string]string {
	out := make(map[string]string, len(l.dotenv)+len(l.explicit))
	for k, v := range l.dotenv {
		out[k] = v
	}
	if l.system {
		for _, entry := range os.Environ() {
			if k, v, ok := strings.Cut(entry, "="); ok && strings.TrimSpace(k) != "" {
				out[k] = v
			}
		}
	}
	for k, v := range l.explicit {
		out[k] = v
	}
	return out
}

// reader parses typed values. Unset or blank keys yield the default; values that are set but
// unparsable are remembered and reported by Load as invalid.
type reader struct {
	lookup  func(string) (string, bool)
	invalid []string
}

func (r *reader) raw(key string) (string, bool) {
	v, ok := r.lookup(key)
	v = strings.TrimSpace(v)
	return v, ok && v != ""
}

func (r *reader) bad(key string) {
	if !slices.Contains(r.invalid, key) {
		r.invalid = append(r.invalid, key)
	}
}

func (r *reader) str(key, def string) string {
	if v, ok := r.raw(key); ok {
		return v
	}
	return def
}

func (r *reader) lower(key, def string) string {
	return strings.ToLower(r.str(key, def))
}

func (r *reader) dur(key string, def time.Duration) time.Duration {
	v, ok := r.raw(key)
	if !ok {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		r.bad(key)
		return def
	}
	return d
}

func (r *reader) integer(key string, def int) int {
	v, ok := r.raw(key)
	if !ok {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		r.bad(key)
		return def
	}
	return n
}

func (r *reader) flag(key string, def bool) bool {
	v, ok := r.raw(key)
	if !ok {
		return def
	}
	switch strings.ToLower(v) {
	case "true", "1", "yes", "on":
		return true
	case "false", "0", "no", "off":
		return false
	}
	r.bad(key)
	return def
}

func (r *reader) list(key string, def ...string) []string {
	v, ok := r.raw(key)
	if !ok {
		return append([]string(nil), def...)
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func (r *reader) upperList(key string) []string {
	out := r.list(key)
	for i := range out {
		out[i] = strings.ToUpper(out[i])
	}
	return out
}

func (r *reader) dec(key string, def decimal.Decimal) decimal.Decimal {
	v, ok := r.raw(key)
	if !ok {
		return def
	}
	d, err := decimal.NewFromString(v)
	if err != nil {
		r.bad(key)
		return def
	}
	return d
}

// rates parses "DE=19,FR=20" into upper-cased country codes.
func (r *reader) rates(key string) map[string]decimal.Decimal {
	out := map[string]decimal.Decimal{}
	for _, entry := range r.list(key) {
		name, value, ok := strings.Cut(entry, "=")
		name = strings.ToUpper(strings.TrimSpace(name))
		rate, err := decimal.NewFromString(strings.TrimSpace(value))
		if !ok || name == "" || err != nil {
			r.bad(key)
			continue
		}
		out[name] = rate
	}
	return out
}

// readDotEnv parses KEY=VALUE lines, tolerating comments, blank lines, an "export " prefix and
// quoted values. A missing file is not an error.
func readDotEnv(path string) (map[string]string, error) {
	if path == "" {
		return nil, nil
	}
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("config: open %s: %w", path, err)
	}
	defer f.Close()

	values := map[string]string{}
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || line[0] == '#' {
			continue
		}
		line = strings.TrimSpace(strings.TrimPrefix(line, "export "))
		key, value, ok := strings.Cut(line, "=")
		if key = strings.TrimSpace(key); !ok || key == "" {
			continue
		}
		values[key] = strings.Trim(strings.TrimSpace(value), `"'`)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return values, nil
}
