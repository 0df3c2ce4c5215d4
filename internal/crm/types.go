package crm

// contactSearchRequest is the body posted to the CRM contact search
// endpoint. Filter carries the caller's filter descriptor verbatim;
// Cursor is the opaque continuation token from the previous page.
type contactSearchRequest struct {
	Filter   interface{} `json:"filter"`
	PageSize int         `json:"page_size"`
	Cursor   string      `json:"cursor,omitempty"`
}

type contactSearchResponse struct {
	Contacts []contactRecord `json:"contacts"`
	Cursor   string          `json:"cursor"`
	HasMore  bool            `json:"has_more"`
}

type contactRecord struct {
	ID                 string `json:"id"`
	FullName           string `json:"full_name"`
	Email              string `json:"email"`
	Phone              string `json:"phone"`
	InternationalPhone string `json:"international_phone"`
	ReferralCode       string `json:"referral_code"`
}

// ActivityEntry mirrors a delivered message into the CRM contact
// timeline. Best-effort only; failures are logged and dropped.
type ActivityEntry struct {
	ContactID   string `json:"contact_id"`
	Channel     string `json:"channel"`
	Subject     string `json:"subject,omitempty"`
	Description string `json:"description,omitempty"`
	CampaignID  string `json:"campaign_id"`
}
