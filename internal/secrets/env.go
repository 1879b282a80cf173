// Package secrets resolves credential references at use time. The rest of
// the system only ever holds opaque secret references; the material itself
// lives outside the database and is fetched when a connection is made.
package secrets

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/hnplabs/fabric-sync/internal/errors"
	"github.com/hnplabs/fabric-sync/internal/gitrepo"
)

// EnvProvider resolves secret references from environment variables. A
// reference "gitlab-token" maps to FABRIC_SYNC_SECRET_GITLAB_TOKEN, with
// an optional FABRIC_SYNC_SECRET_GITLAB_TOKEN_USER for basic auth.
type EnvProvider struct {
	Prefix string
}

func NewEnvProvider() *EnvProvider {
	return &EnvProvider{Prefix: "FABRIC_SYNC_SECRET_"}
}

func (p *EnvProvider) envName(secretRef, suffix string) string {
	name := strings.ToUpper(secretRef)
	name = strings.Map(func(r rune) rune {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			return r
		}
		return '_'
	}, name)
	return p.Prefix + name + suffix
}

// lookup fetches the secret value. The error code is supplied by the caller
// so a missing Git secret and a missing cluster secret land in their own
// taxonomy buckets.
func (p *EnvProvider) lookup(secretRef string, code errors.ErrorCode) (string, error) {
	value, ok := os.LookupEnv(p.envName(secretRef, ""))
	if !ok || value == "" {
		return "", errors.New(code,
			fmt.Sprintf("secret reference %q is not configured", secretRef)).
			WithDetail("env", p.envName(secretRef, ""))
	}
	return value, nil
}

// Resolve returns Git credentials for a secret reference. The same value
// serves as token, password, or SSH key depending on the repository's
// configured auth kind.
func (p *EnvProvider) Resolve(_ context.Context, secretRef string) (gitrepo.Credentials, error) {
	value, err := p.lookup(secretRef, errors.ErrGitAuthFailed)
	if err != nil {
		return gitrepo.Credentials{}, err
	}
	return gitrepo.Credentials{
		Username:  os.Getenv(p.envName(secretRef, "_USER")),
		Password:  value,
		Token:     value,
		SSHKeyPEM: []byte(value),
	}, nil
}

// BearerToken returns a Kubernetes bearer token for a secret reference.
func (p *EnvProvider) BearerToken(_ context.Context, secretRef string) (string, error) {
	return p.lookup(secretRef, errors.ErrClusterAuth)
}
