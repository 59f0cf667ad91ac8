package keypackage

import (
	"context"
	"e2e_group/internal/model"
	"fmt"
)

// IdentityResolver maps installation keys to inbox ids.
type IdentityResolver interface {
	InboxForInstallation(ctx context.Context, installation model.InstallationID, credential Credential) (model.InboxID, error)
}

// CredentialResolver trusts the inbox id carried in a validated credential
// after checking it names the same installation key.
type CredentialResolver struct{}

func (CredentialResolver) InboxForInstallation(_ context.Context, installation model.InstallationID, c Credential) (model.InboxID, error) {
	if err := c.Validate(); err != nil {
		return "", err
	}
	if !installation.Equal(c.InstallationKey) {
		return "", fmt.Errorf("%w: credential is for installation %s", ErrInvalidCredential, model.InstallationID(c.InstallationKey))
	}
	return c.InboxID, nil
}
