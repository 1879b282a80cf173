package gitrepo

import (
	"context"

	gitssh "github.com/go-git/go-git/v5/plumbing/transport/ssh"

	"github.com/go-git/go-git/v5/plumbing/transport"
	githttp "github.com/go-git/go-git/v5/plumbing/transport/http"

	"github.com/hnplabs/fabric-sync/internal/errors"
	"github.com/hnplabs/fabric-sync/internal/fabric"
)

// Credentials is already-decrypted secret material for one repository.
// The core never derives or decrypts keys itself; the owning application
// supplies a CredentialProvider.
type Credentials struct {
	Username string
	Password string
	Token    string
	// SSHKeyPEM is a private key in PEM form for AuthSSH repositories.
	SSHKeyPEM []byte
}

// CredentialProvider resolves a secret reference into credentials at use
// time. Implementations must never log or persist the resolved material.
type CredentialProvider interface {
	Resolve(ctx context.Context, secretRef string) (Credentials, error)
}

// StaticCredentials is a CredentialProvider backed by a fixed map, used in
// tests and single-binary deployments where secrets come from the
// environment.
type StaticCredentials map[string]Credentials

func (s StaticCredentials) Resolve(_ context.Context, secretRef string) (Credentials, error) {
	creds, ok := s[secretRef]
	if !ok {
		return Credentials{}, errors.New(errors.ErrGitAuthFailed, "no credentials for secret reference").
			WithDetail("secretRef", secretRef)
	}
	return creds, nil
}

// authMethod converts a repository profile plus resolved credentials into a
// go-git transport auth method. Returns nil for AuthNone.
func authMethod(repo fabric.GitRepository, creds Credentials) (transport.AuthMethod, error) {
	switch repo.AuthKind {
	case fabric.AuthNone, "":
		return nil, nil
	case fabric.AuthToken:
		// Personal-access-token auth over smart HTTP. The username is
		// ignored by most providers but must be non-empty.
		return &githttp.BasicAuth{Username: "token", Password: creds.Token}, nil
	case fabric.AuthBasic:
		return &githttp.BasicAuth{Username: creds.Username, Password: creds.Password}, nil
	case fabric.AuthSSH:
		keys, err := gitssh.NewPublicKeys("git", creds.SSHKeyPEM, "")
		if err != nil {
			return nil, errors.Wrap(errors.ErrGitAuthFailed, "invalid SSH key material", err)
		}
		return keys, nil
	default:
		return nil, errors.New(errors.ErrGitAuthFailed, "unsupported auth kind").
			WithDetail("authKind", string(repo.AuthKind))
	}
}
