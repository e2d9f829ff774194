package services

import (
	"younote/internal/crypto"
	"younote/internal/models"
)

// EncryptionService applies at-rest encryption to account rows: the upstream
// credential and email go through AES-GCM, the email additionally gets a
// blind index so accounts stay searchable by address.
type EncryptionService struct {
	crypto *crypto.Service
}

func NewEncryptionService(encryptionKey, blindIndexKey []byte) (*EncryptionService, error) {
	svc, err := crypto.New(encryptionKey, blindIndexKey)
	if err != nil {
		return nil, err
	}
	return &EncryptionService{crypto: svc}, nil
}

// EncryptAccount seals the credential and email in place, before storing.
func (s *EncryptionService) EncryptAccount(a *models.Account) error {
	sealed, err := s.crypto.Seal(a.AuthToken)
	if err != nil {
		return err
	}
	a.AuthToken = sealed

	if a.Email != "" {
		sealedEmail, blindIndex, err := s.crypto.SealIndexed(a.Email)
		if err != nil {
			return err
		}
		a.Email = sealedEmail
		a.EmailBlindIndex = blindIndex
	}
	return nil
}

// DecryptAccount opens the credential and email in place, after loading.
func (s *EncryptionService) DecryptAccount(a *models.Account) error {
	token, err := s.crypto.Open(a.AuthToken)
	if err != nil {
		return err
	}
	a.AuthToken = token

	if a.Email != "" {
		email, err := s.crypto.Open(a.Email)
		if err != nil {
			return err
		}
		a.Email = email
	}
	return nil
}

// GenerateEmailBlindIndex derives the lookup tag for an email address.
func (s *EncryptionService) GenerateEmailBlindIndex(email string) string {
	return s.crypto.BlindIndex(email)
}
