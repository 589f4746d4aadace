// Package tenant holds the customer accounts every operation is scoped by,
// including their provider credentials and feature flags.
package tenant

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"time"

	"github.com/google/uuid"

	"github.com/example/guest-scheduler/internal/db"
)

const (
	// FlagAiReplies allows automated replies to be queued for a tenant.
	FlagAiReplies = "aiRepliesEnabled"
)

type Tenant struct {
	ID                string
	Name              string
	APIToken          string
	HostawayAccountID string
	HostawaySecret    string
	SMSAPIKey         string
	SMSFromNumber     string
	Flags             map[string]bool
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

func (t Tenant) Flag(name string) bool { return t.Flags[name] }

// Provider resolves tenants for the web layer (by API token) and for the
// delivery path (by id). Implementations return decrypted credentials.
type Provider interface {
	GetByID(ctx context.Context, id string) (Tenant, error)
	GetByToken(ctx context.Context, token string) (Tenant, error)
}

type Store struct {
	db     *db.DB
	cipher *Cipher
}

func NewStore(d *db.DB, cipher *Cipher) *Store {
	return &Store{db: d, cipher: cipher}
}

// Create provisions a tenant: generates id and API token, encrypts the
// provider secrets, returns the stored tenant with the plaintext token so
// it can be handed to the operator once.
func (s *Store) Create(ctx context.Context, t Tenant) (Tenant, error) {
	t.ID = uuid.NewString()

	token, err := newAPIToken()
	if err != nil {
		return Tenant{}, err
	}
	t.APIToken = token

	encSecret, err := s.cipher.Encrypt(t.HostawaySecret)
	if err != nil {
		return Tenant{}, err
	}
	encSMSKey, err := s.cipher.Encrypt(t.SMSAPIKey)
	if err != nil {
		return Tenant{}, err
	}
	if t.Flags == nil {
		t.Flags = map[string]bool{}
	}

	err = s.db.QueryRow(ctx, `
INSERT INTO tenants(id, name, api_token, hostaway_account_id, hostaway_api_secret, sms_api_key, sms_from_number, flags)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
RETURNING created_at, updated_at`,
		t.ID, t.Name, t.APIToken, t.HostawayAccountID, encSecret, encSMSKey, t.SMSFromNumber, t.Flags,
	).Scan(&t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return Tenant{}, db.WrapNotFound(err)
	}
	return t, nil
}

func (s *Store) GetByID(ctx context.Context, id string) (Tenant, error) {
	return s.get(ctx, `WHERE id=$1`, id)
}

func (s *Store) GetByToken(ctx context.Context, token string) (Tenant, error) {
	return s.get(ctx, `WHERE api_token=$1`, token)
}

func (s *Store) get(ctx context.Context, where string, arg any) (Tenant, error) {
	var t Tenant
	var encSecret, encSMSKey string
	err := s.db.QueryRow(ctx, `
SELECT id, name, api_token, hostaway_account_id, hostaway_api_secret, sms_api_key, sms_from_number, flags, created_at, updated_at
FROM tenants `+where, arg,
	).Scan(&t.ID, &t.Name, &t.APIToken, &t.HostawayAccountID, &encSecret, &encSMSKey, &t.SMSFromNumber, &t.Flags, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return Tenant{}, db.WrapNotFound(err)
	}

	if t.HostawaySecret, err = s.cipher.Decrypt(encSecret); err != nil {
		return Tenant{}, err
	}
	if t.SMSAPIKey, err = s.cipher.Decrypt(encSMSKey); err != nil {
		return Tenant{}, err
	}
	return t, nil
}

func (s *Store) List(ctx context.Context) ([]Tenant, error) {
	rows, err := s.db.Query(ctx, `
SELECT id, name, created_at FROM tenants ORDER BY created_at ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Tenant
	for rows.Next() {
		var t Tenant
		if err := rows.Scan(&t.ID, &t.Name, &t.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func newAPIToken() (string, error) {
	b := make([]byte, 24)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
