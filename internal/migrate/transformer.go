package migrate

import (
	"strings"

	"github.com/google/uuid"
)

// Canonical vocabularies for the target schema. Unknown or blank source
// values collapse to the explicit defaults rather than being carried over.
var (
	genderMap = map[string]string{
		"m": "MALE", "male": "MALE", "man": "MALE",
		"f": "FEMALE", "female": "FEMALE", "woman": "FEMALE",
	}
	providerMap = map[string]string{
		"local": "LOCAL", "email": "LOCAL", "password": "LOCAL",
		"google": "GOOGLE", "goog": "GOOGLE",
		"facebook": "FACEBOOK", "fb": "FACEBOOK",
		"apple": "APPLE",
	}
	statusMap = map[string]string{
		"active": "ACTIVE", "enabled": "ACTIVE", "normal": "ACTIVE", "y": "ACTIVE",
		"inactive": "INACTIVE", "disabled": "INACTIVE", "dormant": "INACTIVE",
		"suspended": "SUSPENDED", "banned": "SUSPENDED",
		"withdrawn": "WITHDRAWN", "deleted": "WITHDRAWN", "closed": "WITHDRAWN",
	}
)

const (
	defaultGender   = "UNKNOWN"
	defaultProvider = "LOCAL"
	defaultStatus   = "ACTIVE"
)

// Transformer converts a legacy row into a target member. It is pure: no
// storage access, no shared state. The surrogate key is regenerated on every
// attempt; de-duplication happens downstream on the legacy natural key.
type Transformer struct{}

func NewTransformer() *Transformer {
	return &Transformer{}
}

func (t *Transformer) Transform(u *LegacyUser) (*Member, error) {
	email := strings.ToLower(strings.TrimSpace(u.Email))
	if email == "" {
		return nil, &TransformError{LegacyID: u.ID, Field: "email", Reason: "blank after normalization"}
	}
	if !strings.Contains(email, "@") {
		return nil, &TransformError{LegacyID: u.ID, Field: "email", Reason: "not an address"}
	}

	id, err := uuid.NewV7()
	if err != nil {
		return nil, &TransformError{LegacyID: u.ID, Field: "id", Reason: err.Error()}
	}

	return &Member{
		ID:           id.String(),
		LegacyUserID: u.ID,
		Email:        email,
		Phone:        digitsOnly(u.Phone),
		Name:         strings.TrimSpace(u.Name),
		Gender:       canonical(genderMap, u.Gender, defaultGender),
		Provider:     canonical(providerMap, u.Provider, defaultProvider),
		Status:       canonical(statusMap, u.Status, defaultStatus),
		CreatedAt:    u.CreatedAt,
		UpdatedAt:    u.UpdatedAt,
	}, nil
}

func canonical(vocab map[string]string, raw, fallback string) string {
	v, ok := vocab[strings.ToLower(strings.TrimSpace(raw))]
	if !ok {
		return fallback
	}
	return v
}

func digitsOnly(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
