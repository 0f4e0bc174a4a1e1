package secrets

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

const latestVersion = "latest"

// Reference is a parsed secret://name?version=N&project=P pointer.
type Reference struct {
	Name    string
	Version string
	Project string
}

// Canonical returns the reference without version or project, used as the pin and fallback key.
func (r Reference) Canonical() string {
	return "secret://" + r.Name
}

// ParseReference accepts secret:// and the legacy sm:// scheme.
func ParseReference(raw string) (Reference, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Reference{}, errors.New("secrets: empty reference")
	}
	if rest, ok := strings.CutPrefix(raw, "sm://"); ok {
		raw = "secret://" + rest
	}
	u, err := url.Parse(raw)
	if err != nil {
		return Reference{}, fmt.Errorf("secrets: invalid reference %q: %w", raw, err)
	}
	if u.Scheme != "secret" {
		return Reference{}, fmt.Errorf("secrets: unsupported scheme %q", u.Scheme)
	}
	name := strings.Trim(u.Host+u.Path, "/")
	if name == "" {
		return Reference{}, fmt.Errorf("secrets: missing secret name in %q", raw)
	}
	query := u.Query()
	return Reference{
		Name:    name,
		Version: strings.TrimSpace(query.Get("version")),
		Project: strings.TrimSpace(query.Get("project")),
	}, nil
}

// resourceName maps a reference onto the Secret Manager resource path. Slashes in the name
// become underscores since secret IDs are flat.
func resourceName(project string, ref Reference, version string) string {
	id := strings.ReplaceAll(ref.Name, "/", "_")
	return fmt.Sprintf("projects/%s/secrets/%s/versions/%s", project, id, version)
}
