package terminology

import "strings"

// CoreSystemURI constants for FHIR core code systems validated locally.
const (
	SystemAdministrativeGender = "http://hl7.org/fhir/administrative-gender"
	SystemObservationStatus    = "http://hl7.org/fhir/observation-status"
	SystemConditionClinical    = "http://terminology.hl7.org/CodeSystem/condition-clinical"
	SystemConditionVerStatus   = "http://terminology.hl7.org/CodeSystem/condition-ver-status"
	SystemAllergyClinical      = "http://terminology.hl7.org/CodeSystem/allergyintolerance-clinical"
	SystemEncounterStatus      = "http://hl7.org/fhir/encounter-status"
	SystemRequestStatus        = "http://hl7.org/fhir/request-status"
	SystemRequestIntent        = "http://hl7.org/fhir/request-intent"
	SystemPublicationStatus    = "http://hl7.org/fhir/publication-status"
	SystemNarrativeStatus      = "http://hl7.org/fhir/narrative-status"
	SystemMaritalStatus        = "http://terminology.hl7.org/CodeSystem/v3-MaritalStatus"
	SystemNameUse              = "http://hl7.org/fhir/name-use"
	SystemContactPointSystem   = "http://hl7.org/fhir/contact-point-system"
	SystemAddressUse           = "http://hl7.org/fhir/address-use"
	SystemIdentifierUse        = "http://hl7.org/fhir/identifier-use"
	SystemUCUM                 = "http://unitsofmeasure.org"
	SystemISO3166              = "urn:iso:std:iso:3166"
	SystemISO6391              = "urn:ietf:bcp:47"
	SystemMIME                 = "urn:ietf:bcp:13"
	SystemIANATimezone         = "http://hl7.org/fhir/CodeSystem/iana-timezones"
)

// coreTables maps a code system URI to its code -> display table. The
// direct client consults these before any network call; a hit never
// leaves the process.
var coreTables = map[string]map[string]string{
	SystemAdministrativeGender: {
		"male":    "Male",
		"female":  "Female",
		"other":   "Other",
		"unknown": "Unknown",
	},
	SystemObservationStatus: {
		"registered":       "Registered",
		"preliminary":      "Preliminary",
		"final":            "Final",
		"amended":          "Amended",
		"corrected":        "Corrected",
		"cancelled":        "Cancelled",
		"entered-in-error": "Entered in Error",
		"unknown":          "Unknown",
	},
	SystemConditionClinical: {
		"active":     "Active",
		"recurrence": "Recurrence",
		"relapse":    "Relapse",
		"inactive":   "Inactive",
		"remission":  "Remission",
		"resolved":   "Resolved",
	},
	SystemConditionVerStatus: {
		"unconfirmed":      "Unconfirmed",
		"provisional":      "Provisional",
		"differential":     "Differential",
		"confirmed":        "Confirmed",
		"refuted":          "Refuted",
		"entered-in-error": "Entered in Error",
	},
	SystemAllergyClinical: {
		"active":   "Active",
		"inactive": "Inactive",
		"resolved": "Resolved",
	},
	SystemEncounterStatus: {
		"planned":          "Planned",
		"arrived":          "Arrived",
		"triaged":          "Triaged",
		"in-progress":      "In Progress",
		"onleave":          "On Leave",
		"finished":         "Finished",
		"cancelled":        "Cancelled",
		"entered-in-error": "Entered in Error",
		"unknown":          "Unknown",
	},
	SystemRequestStatus: {
		"draft":            "Draft",
		"active":           "Active",
		"on-hold":          "On Hold",
		"revoked":          "Revoked",
		"completed":        "Completed",
		"entered-in-error": "Entered in Error",
		"unknown":          "Unknown",
	},
	SystemRequestIntent: {
		"proposal":       "Proposal",
		"plan":           "Plan",
		"directive":      "Directive",
		"order":          "Order",
		"original-order": "Original Order",
		"reflex-order":   "Reflex Order",
		"filler-order":   "Filler Order",
		"instance-order": "Instance Order",
		"option":         "Option",
	},
	SystemPublicationStatus: {
		"draft":   "Draft",
		"active":  "Active",
		"retired": "Retired",
		"unknown": "Unknown",
	},
	SystemNarrativeStatus: {
		"generated":  "Generated",
		"extensions": "Extensions",
		"additional": "Additional",
		"empty":      "Empty",
	},
	SystemMaritalStatus: {
		"A":   "Annulled",
		"D":   "Divorced",
		"I":   "Interlocutory",
		"L":   "Legally Separated",
		"M":   "Married",
		"P":   "Polygamous",
		"S":   "Never Married",
		"T":   "Domestic partner",
		"U":   "Unmarried",
		"W":   "Widowed",
		"UNK": "Unknown",
	},
	SystemNameUse: {
		"usual":     "Usual",
		"official":  "Official",
		"temp":      "Temp",
		"nickname":  "Nickname",
		"anonymous": "Anonymous",
		"old":       "Old",
		"maiden":    "Name changed for Marriage",
	},
	SystemContactPointSystem: {
		"phone": "Phone",
		"fax":   "Fax",
		"email": "Email",
		"pager": "Pager",
		"url":   "URL",
		"sms":   "SMS",
		"other": "Other",
	},
	SystemAddressUse: {
		"home":    "Home",
		"work":    "Work",
		"temp":    "Temporary",
		"old":     "Old / Incorrect",
		"billing": "Billing",
	},
	SystemIdentifierUse: {
		"usual":     "Usual",
		"official":  "Official",
		"temp":      "Temp",
		"secondary": "Secondary",
		"old":       "Old",
	},
	SystemUCUM: {
		"kg":      "kilogram",
		"g":       "gram",
		"mg":      "milligram",
		"ug":      "microgram",
		"L":       "liter",
		"mL":      "milliliter",
		"dL":      "deciliter",
		"cm":      "centimeter",
		"m":       "meter",
		"mm":      "millimeter",
		"mm[Hg]":  "millimeter of mercury",
		"Cel":     "degree Celsius",
		"[degF]":  "degree Fahrenheit",
		"%":       "percent",
		"/min":    "per minute",
		"beats/min": "beats per minute",
		"mmol/L":  "millimole per liter",
		"mg/dL":   "milligram per deciliter",
		"g/dL":    "gram per deciliter",
		"U/L":     "unit per liter",
		"a":       "year",
		"mo":      "month",
		"wk":      "week",
		"d":       "day",
		"h":       "hour",
		"min":     "minute",
		"s":       "second",
	},
	SystemISO3166: {
		"US": "United States of America",
		"DE": "Germany",
		"GB": "United Kingdom",
		"FR": "France",
		"ES": "Spain",
		"IT": "Italy",
		"NL": "Netherlands",
		"CH": "Switzerland",
		"AT": "Austria",
		"BE": "Belgium",
		"DK": "Denmark",
		"SE": "Sweden",
		"NO": "Norway",
		"FI": "Finland",
		"PL": "Poland",
		"PT": "Portugal",
		"IE": "Ireland",
		"CA": "Canada",
		"MX": "Mexico",
		"BR": "Brazil",
		"AR": "Argentina",
		"CL": "Chile",
		"AU": "Australia",
		"NZ": "New Zealand",
		"JP": "Japan",
		"CN": "China",
		"IN": "India",
		"KR": "Republic of Korea",
		"ZA": "South Africa",
	},
	SystemISO6391: {
		"en":    "English",
		"en-US": "English (United States)",
		"en-GB": "English (Great Britain)",
		"de":    "German",
		"de-DE": "German (Germany)",
		"fr":    "French",
		"es":    "Spanish",
		"it":    "Italian",
		"nl":    "Dutch",
		"pt":    "Portuguese",
		"pl":    "Polish",
		"da":    "Danish",
		"sv":    "Swedish",
		"no":    "Norwegian",
		"fi":    "Finnish",
		"ja":    "Japanese",
		"zh":    "Chinese",
		"ko":    "Korean",
		"hi":    "Hindi",
		"ar":    "Arabic",
		"ru":    "Russian",
	},
	SystemMIME: {
		"application/fhir+json": "FHIR JSON",
		"application/fhir+xml":  "FHIR XML",
		"application/json":      "JSON",
		"application/xml":       "XML",
		"application/pdf":       "PDF",
		"text/plain":            "Plain text",
		"text/html":             "HTML",
		"text/csv":              "CSV",
		"image/jpeg":            "JPEG image",
		"image/png":             "PNG image",
		"image/gif":             "GIF image",
		"image/tiff":            "TIFF image",
		"audio/mpeg":            "MP3 audio",
		"video/mp4":             "MP4 video",
	},
	SystemIANATimezone: {
		"UTC":                  "UTC",
		"America/New_York":     "America/New_York",
		"America/Chicago":      "America/Chicago",
		"America/Denver":       "America/Denver",
		"America/Los_Angeles":  "America/Los_Angeles",
		"Europe/London":        "Europe/London",
		"Europe/Berlin":        "Europe/Berlin",
		"Europe/Paris":         "Europe/Paris",
		"Europe/Madrid":        "Europe/Madrid",
		"Europe/Rome":          "Europe/Rome",
		"Europe/Amsterdam":     "Europe/Amsterdam",
		"Europe/Zurich":        "Europe/Zurich",
		"Asia/Tokyo":           "Asia/Tokyo",
		"Asia/Shanghai":        "Asia/Shanghai",
		"Asia/Kolkata":         "Asia/Kolkata",
		"Australia/Sydney":     "Australia/Sydney",
		"Pacific/Auckland":     "Pacific/Auckland",
	},
}

// externalSystemPrefixes lists URL prefixes of code systems that public
// terminology servers cannot validate authoritatively. Codes from these
// systems degrade gracefully instead of failing validation. The predicate
// is data so the list can grow without code changes.
var externalSystemPrefixes = []string{
	"urn:iso:std:iso:",
	"urn:ietf:bcp:",
	"urn:ietf:rfc:",
	"http://unitsofmeasure.org",
	"http://hl7.org/fhir/CodeSystem/iana-timezones",
	"urn:oid:",
	"http://www.ama-assn.org/go/cpt",
	"http://hl7.org/fhir/sid/ndc",
}

// CoreLookup is the answer from the in-process code tables.
type CoreLookup struct {
	Found   bool
	Valid   bool
	Display string
}

// LookupCore checks the static code tables. Found reports whether the
// system itself is covered; Valid whether the code exists in it.
func LookupCore(system, code string) CoreLookup {
	table, ok := coreTables[system]
	if !ok {
		return CoreLookup{}
	}
	display, valid := table[code]
	return CoreLookup{Found: true, Valid: valid, Display: display}
}

// IsCoreSystem reports whether the system is covered by the static tables.
func IsCoreSystem(system string) bool {
	_, ok := coreTables[system]
	return ok
}

// IsExternalSystem reports whether codes from the system should degrade
// gracefully because terminology servers cannot validate them.
func IsExternalSystem(system string) bool {
	for _, prefix := range externalSystemPrefixes {
		if strings.HasPrefix(system, prefix) {
			return true
		}
	}
	return false
}

// CoreSystems returns the URIs of all locally validated code systems.
func CoreSystems() []string {
	systems := make([]string, 0, len(coreTables))
	for uri := range coreTables {
		systems = append(systems, uri)
	}
	return systems
}
