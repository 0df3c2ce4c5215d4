package domain

// Contact is the shape returned by the external CRM for a matching
// contact. Optional fields are empty strings when the CRM has no value.
type Contact struct {
	ID                 string `json:"id"`
	FullName           string `json:"full_name"`
	Email              string `json:"email,omitempty"`
	Phone              string `json:"phone,omitempty"`
	InternationalPhone string `json:"international_phone,omitempty"`
	ReferralCode       string `json:"referral_code,omitempty"`
}

// BestPhone returns the international phone when present, falling back
// to the local one. WhatsApp sends require the international form but
// older CRM records only carry the local number.
func (c Contact) BestPhone() string {
	if c.InternationalPhone != "" {
		return c.InternationalPhone
	}
	return c.Phone
}

// ToRecipient maps a CRM contact to the denormalized recipient shape
// embedded in batches.
func (c Contact) ToRecipient() Recipient {
	r := Recipient{
		ID:    c.ID,
		Email: c.Email,
		Phone: c.BestPhone(),
		Name:  c.FullName,
	}
	if c.ReferralCode != "" {
		r.Variables = map[string]string{"referral_code": c.ReferralCode}
	}
	return r
}
