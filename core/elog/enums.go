package elog

// Filter vocabularies of the SwissFEL commissioning logbook. The server
// matches these case-sensitively, so validation happens client-side
// before any request goes out.

// Categories lists every valid Category attribute value.
var Categories = []string{
	"Info",
	"Problem",
	"Pikett",
	"Access",
	"Measurement summary",
	"Shift summary",
	"Tipps & Tricks",
	"Überbrückung",
	"Schicht-Auftrag",
	"RC exchange minutes",
	"Weekly reference settings",
	"Schicht-Übergabe",
	"DCM minutes",
	"Laser- & Gun-Performance Routine",
	"Seed laser operation",
}

// Systems lists every valid System attribute value.
var Systems = []string{
	"Beamdynamics",
	"Controls",
	"Diagnostics",
	"Electric supply",
	"Feedbacks",
	"Insertion-devices",
	"Laser",
	"Magnet Power Supplies",
	"Operation",
	"Photonics",
	"PLC",
	"RF",
	"Safety",
	"Timing & Sync",
	"Vacuum",
	"Water cooling & Ventilation",
	"Other",
	"Unknown",
}

// Domains lists every valid Domain attribute value.
var Domains = []string{
	"Injector",
	"Linac1",
	"Linac2",
	"Linac3",
	"Aramis",
	"Aramis Beamlines",
	"Athos",
	"Athos Beamlines",
	"Global",
}

func contains(values []string, v string) bool {
	for _, candidate := range values {
		if candidate == v {
			return true
		}
	}
	return false
}

// ValidCategory reports whether v is an exact known category.
func ValidCategory(v string) bool { return contains(Categories, v) }

// ValidSystem reports whether v is an exact known system.
func ValidSystem(v string) bool { return contains(Systems, v) }

// ValidDomain reports whether v is an exact known domain.
func ValidDomain(v string) bool { return contains(Domains, v) }
