// Package catalog holds the reference lists of truck bodies and cargo classes
// that clients offer when registering trucks and publishing orders.
package catalog

// TruckType describes a truck body. Dimensions are in metres.
type TruckType struct {
	Code        string  `json:"code"`
	Name        string  `json:"name"`
	Axles       int     `json:"axles"`
	LengthM     float64 `json:"length_m"`
	HeightM     float64 `json:"height_m"`
	Description string  `json:"description"`
}

// CargoType describes a class of goods and what it demands of the truck.
type CargoType struct {
	Code        string `json:"code"`
	Name        string `json:"name"`
	NeedsReefer bool   `json:"needs_reefer"`
	NeedsADR    bool   `json:"needs_adr"`
	ADRClass    string `json:"adr_class,omitempty"`
	Description string `json:"description"`
}

var truckTypes = []TruckType{
	{Code: "rigid", Name: "Rigid truck", Axles: 2, LengthM: 7.5, HeightM: 3.5, Description: "Single-chassis truck for urban and regional loads"},
	{Code: "tractor", Name: "Tractor unit", Axles: 3, LengthM: 16.5, HeightM: 4.0, Description: "Tractor hauling a semi-trailer"},
	{Code: "trailer", Name: "Trailer", Axles: 4, LengthM: 13.6, HeightM: 4.0, Description: "Standard semi-trailer"},
	{Code: "mega", Name: "Mega trailer", Axles: 5, LengthM: 16.5, HeightM: 4.5, Description: "High-volume trailer"},
}

var cargoTypes = []CargoType{
	{Code: "frozen", Name: "Frozen", NeedsReefer: true, Description: "Kept below -18 C"},
	{Code: "refrigerated", Name: "Refrigerated", NeedsReefer: true, Description: "Kept between 0 and 8 C"},
	{Code: "dry", Name: "Dry", Description: "General goods with no temperature control"},
	{Code: "hazardous", Name: "Hazardous", NeedsADR: true, ADRClass: "UN1234", Description: "Dangerous goods under ADR"},
	{Code: "fresh", Name: "Fresh food", NeedsReefer: true, Description: "Perishable produce"},
}

// TruckTypes returns a copy of the truck body list.
func TruckTypes() []TruckType {
	return append([]TruckType(nil), truckTypes...)
}

// CargoTypes returns a copy of the cargo class list.
func CargoTypes() []CargoType {
	return append([]CargoType(nil), cargoTypes...)
}

// LookupCargo finds a cargo class by code.
func LookupCargo(code string) (CargoType, bool) {
	for _, c := range cargoTypes {
		if c.Code == code {
			return c, true
		}
	}
	return CargoType{}, false
}
