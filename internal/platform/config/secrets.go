package config

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"slices"
	"strings"
)

// SecretResolver turns a secret://name reference into its value.
type SecretResolver interface {
	ResolveSecret(ctx context.Context, ref string) (string, error)
}

// SecretResolverFunc adapts a function to SecretResolver.
type SecretResolverFunc func(context.Context, string) (string, error)

func (f SecretResolverFunc) ResolveSecret(ctx context.Context, ref string) (string, error) {
	return f(ctx, ref)
}

var errSecretResolverNotConfigured = errors.New("secret resolver not configured")

// SecretError wraps a failed resolution of Ref.
type SecretError struct {
	Ref string
	Err error
}

func (e *SecretError) Error() string {
	return fmt.Sprintf("config: resolve %s: %v", e.Ref, e.Err)
}

func (e *SecretError) Unwrap() error { return e.Err }

// MissingSecretsError lists required secret fields that resolved to nothing. Error and
// RedactedNames only expose hashes so the message is safe to log.
type MissingSecretsError struct {
	names []string
}

func (e *MissingSecretsError) Error() string {
	return "config: missing required secrets [" + strings.Join(e.RedactedNames(), ", ") + "]"
}

// Names returns the config field names, sorted.
func (e *MissingSecretsError) Names() []string {
	return slices.Clone(e.names)
}

// RedactedNames returns a short hash per missing field, sorted.
func (e *MissingSecretsError) RedactedNames() []string {
	out := make([]string, len(e.names))
	for i, name := range e.names {
		out[i] = redactSecretName(name)
	}
	slices.Sort(out)
	return out
}

func redactSecretName(name string) string {
	sum := sha256.Sum256([]byte(name))
	return hex.EncodeToString(sum[:8])
}

// secretField is a config string that may hold a secret reference.
type secretField struct {
	name  string
	value *string
}

// resolveSecrets replaces every secret reference in fields with its value and returns the
// resolved values keyed by field name.
func resolveSecrets(ctx context.Context, resolver SecretResolver, fields []secretField) (map[string]string, error) {
	resolved := make(map[string]string, len(fields))
	for _, f := range fields {
		ref, ok := secretReference(*f.value)
		if ok {
			if resolver == nil {
				return nil, &SecretError{Ref: ref, Err: errSecretResolverNotConfigured}
			}
			value, err := resolver.ResolveSecret(ctx, ref)
			if err != nil {
				return nil, &SecretError{Ref: ref, Err: err}
			}
			*f.value = value
		}
		resolved[f.name] = strings.TrimSpace(*f.value)
	}
	return resolved, nil
}

// secretReference normalises secret:// and legacy sm:// values to secret://.
func secretReference(value string) (string, bool) {
	value = strings.TrimSpace(value)
	if rest, ok := strings.CutPrefix(value, "sm://"); ok {
		return "secret://" + rest, true
	}
	return value, strings.HasPrefix(value, "secret://")
}

func missingSecrets(required []string, resolved map[string]string) *MissingSecretsError {
	var names []string
	for _, name := range required {
		name = strings.TrimSpace(name)
		if name == "" || resolved[name] != "" || slices.Contains(names, name) {
			continue
		}
		names = append(names, name)
	}
	if len(names) == 0 {
		return nil
	}
	slices.Sort(names)
	return &MissingSecretsError{names: names}
}
