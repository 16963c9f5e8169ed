package models

type PlanType string

const (
	PlanFull               PlanType = "full"
	PlanDepositInstallment PlanType = "deposit_installment"
)

func (p PlanType) Valid() bool {
	return p == PlanFull || p == PlanDepositInstallment
}

// Selection is everything a shopper picked before paying. It is owned by its Reservation
// until the booking is materialized.
type Selection struct {
	Packages     []PackageLine     `json:"packages"`
	AddOns       []AddOnLine       `json:"addons,omitempty"`
	Participants []ParticipantInfo `json:"participants,omitempty"`
	Buyer        BuyerInfo         `json:"buyer"`
	DiscountCode string            `json:"discount_code,omitempty"`
}

func (s Selection) PassengerCount() int {
	n := 0
	for _, p := range s.Packages {
		n += p.Quantity
	}
	return n
}

type PackageLine struct {
	PackageID int64    `json:"package_id"`
	Quantity  int      `json:"quantity"`
	PlanType  PlanType `json:"payment_plan_type"`
}

// AddOnLine attaches to the participant at ParticipantIndex, or to the first participant when nil.
type AddOnLine struct {
	AddOnID          int64 `json:"addon_id"`
	Quantity         int   `json:"quantity"`
	ParticipantIndex *int  `json:"participant_index,omitempty"`
}

type ParticipantInfo struct {
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Email     string `json:"email,omitempty"`
	Phone     string `json:"phone,omitempty"`
}

type BuyerInfo struct {
	FirstName                    string            `bun:"first_name" json:"first_name"`
	LastName                     string            `bun:"last_name" json:"last_name"`
	Email                        string            `bun:"email" json:"email"`
	Phone                        string            `bun:"phone" json:"phone,omitempty"`
	Address                      string            `bun:"address" json:"address,omitempty"`
	City                         string            `bun:"city" json:"city,omitempty"`
	State                        string            `bun:"state" json:"state,omitempty"`
	ZipCode                      string            `bun:"zip_code" json:"zip_code,omitempty"`
	Country                      string            `bun:"country" json:"country,omitempty"`
	EmergencyContactName         string            `bun:"emergency_contact_name" json:"emergency_contact_name,omitempty"`
	EmergencyContactPhone        string            `bun:"emergency_contact_phone" json:"emergency_contact_phone,omitempty"`
	EmergencyContactEmail        string            `bun:"emergency_contact_email" json:"emergency_contact_email,omitempty"`
	EmergencyContactRelationship string            `bun:"emergency_contact_relationship" json:"emergency_contact_relationship,omitempty"`
	CustomInfo                   map[string]string `bun:"custom_info" json:"custom_info,omitempty"`
}
