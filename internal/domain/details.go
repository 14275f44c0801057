package domain

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"
)

// Details holds the fields owned by a single kind.
type Details interface {
	Kind() Kind
}

type IncidentDetails struct {
	Category    string `json:"category,omitempty"`
	Description string `json:"description,omitempty"`
}

type ConstructionDetails struct {
	Contractor  string          `json:"contractor,omitempty"`
	Budget      decimal.Decimal `json:"budget"`
	ExpectedEnd string          `json:"expected_end,omitempty"`
}

type LandPlotDetails struct {
	ParcelCode string  `json:"parcel_code,omitempty"`
	AreaM2     float64 `json:"area_m2,omitempty"`
	Owner      string  `json:"owner,omitempty"`
}

type ATMDetails struct {
	Bank     string `json:"bank,omitempty"`
	Operator string `json:"operator,omitempty"`
}

type FuelStationDetails struct {
	Brand        string   `json:"brand,omitempty"`
	FuelsOffered []string `json:"fuels_offered,omitempty"`
}

// MaintenanceDetails carries the recorded parts snapshot and cost totals of an order.
type MaintenanceDetails struct {
	MaintenanceID string          `json:"maintenance_id,omitempty"`
	PartsConsumed []PartUsage     `json:"parts_consumed,omitempty"`
	Cost          decimal.Decimal `json:"cost"`
	PartsCost     decimal.Decimal `json:"parts_cost"`
	LaborCost     decimal.Decimal `json:"labor_cost"`
}

type CroquiDetails struct {
	Title      string `json:"title,omitempty"`
	AuthorNote string `json:"author_note,omitempty"`
}

type GreenAreaDetails struct {
	Name    string   `json:"name,omitempty"`
	Species []string `json:"species,omitempty"`
}

type BikeLaneDetails struct {
	Name    string  `json:"name,omitempty"`
	LengthM float64 `json:"length_m,omitempty"`
}

type LicensingDetails struct {
	LicenseType string `json:"license_type"`
	Applicant   string `json:"applicant,omitempty"`
}

func (IncidentDetails) Kind() Kind     { return KindIncident }
func (ConstructionDetails) Kind() Kind { return KindConstruction }
func (LandPlotDetails) Kind() Kind     { return KindLandPlot }
func (ATMDetails) Kind() Kind          { return KindATM }
func (FuelStationDetails) Kind() Kind  { return KindFuelStation }
func (MaintenanceDetails) Kind() Kind  { return KindMaintenanceOrder }
func (CroquiDetails) Kind() Kind       { return KindCroqui }
func (GreenAreaDetails) Kind() Kind    { return KindGreenArea }
func (BikeLaneDetails) Kind() Kind     { return KindBikeLane }
func (LicensingDetails) Kind() Kind    { return KindLicensing }

// EmptyDetails returns the zero variant for a kind.
func EmptyDetails(kind Kind) (Details, error) {
	switch kind {
	case KindIncident:
		return IncidentDetails{}, nil
	case KindConstruction:
		return ConstructionDetails{}, nil
	case KindLandPlot:
		return LandPlotDetails{}, nil
	case KindATM:
		return ATMDetails{}, nil
	case KindFuelStation:
		return FuelStationDetails{}, nil
	case KindMaintenanceOrder:
		return MaintenanceDetails{}, nil
	case KindCroqui:
		return CroquiDetails{}, nil
	case KindGreenArea:
		return GreenAreaDetails{}, nil
	case KindBikeLane:
		return BikeLaneDetails{}, nil
	case KindLicensing:
		return LicensingDetails{}, nil
	}
	return nil, ValidationError{Field: "kind", Reason: fmt.Sprintf("unknown kind %q", kind)}
}

// DecodeDetails decodes raw JSON into the variant owned by kind.
// Fields that belong to other kinds are rejected.
func DecodeDetails(kind Kind, raw []byte) (Details, error) {
	if len(bytes.TrimSpace(raw)) == 0 || string(bytes.TrimSpace(raw)) == "null" {
		return EmptyDetails(kind)
	}
	switch kind {
	case KindIncident:
		return decodeInto[IncidentDetails](raw)
	case KindConstruction:
		return decodeInto[ConstructionDetails](raw)
	case KindLandPlot:
		return decodeInto[LandPlotDetails](raw)
	case KindATM:
		return decodeInto[ATMDetails](raw)
	case KindFuelStation:
		return decodeInto[FuelStationDetails](raw)
	case KindMaintenanceOrder:
		return decodeInto[MaintenanceDetails](raw)
	case KindCroqui:
		return decodeInto[CroquiDetails](raw)
	case KindGreenArea:
		return decodeInto[GreenAreaDetails](raw)
	case KindBikeLane:
		return decodeInto[BikeLaneDetails](raw)
	case KindLicensing:
		return decodeInto[LicensingDetails](raw)
	}
	return nil, ValidationError{Field: "kind", Reason: fmt.Sprintf("unknown kind %q", kind)}
}

func decodeInto[T Details](raw []byte) (Details, error) {
	var d T
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&d); err != nil {
		return nil, ValidationError{Field: "details", Reason: err.Error()}
	}
	return d, nil
}

// EncodeDetails marshals a variant, falling back to the kind's zero value.
func EncodeDetails(kind Kind, d Details) ([]byte, error) {
	if d == nil {
		var err error
		if d, err = EmptyDetails(kind); err != nil {
			return nil, err
		}
	}
	if d.Kind() != kind {
		return nil, ValidationError{Field: "details", Reason: fmt.Sprintf("%s details supplied for %s", d.Kind(), kind)}
	}
	return json.Marshal(d)
}

// UnmarshalJSON resolves the details variant from the kind field.
func (p *POI) UnmarshalJSON(data []byte) error {
	type plain POI
	var aux struct {
		*plain
		Details json.RawMessage `json:"details"`
	}
	aux.plain = (*plain)(p)
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	d, err := DecodeDetails(p.Kind, aux.Details)
	if err != nil {
		return err
	}
	p.Details = d
	return nil
}

// Maintenance returns the maintenance details of p, or the zero value.
func (p POI) Maintenance() MaintenanceDetails {
	if d, ok := p.Details.(MaintenanceDetails); ok {
		return d
	}
	return MaintenanceDetails{}
}

// Licensing returns the licensing details of p, or the zero value.
func (p POI) Licensing() LicensingDetails {
	if d, ok := p.Details.(LicensingDetails); ok {
		return d
	}
	return LicensingDetails{}
}
