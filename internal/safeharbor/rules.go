package safeharbor

import "regexp"

func fieldRule(name string, cat Category, pattern string, policy Policy, priority int, conf float64) Rule {
	return Rule{
		Name:       name,
		Category:   cat,
		Kind:       MatchField,
		Pattern:    regexp.MustCompile(pattern),
		Policy:     policy,
		Priority:   priority,
		Confidence: conf,
	}
}

func valueRule(name string, cat Category, pattern string, policy Policy, priority int, conf float64) Rule {
	return Rule{
		Name:       name,
		Category:   cat,
		Kind:       MatchValue,
		Pattern:    regexp.MustCompile(pattern),
		Policy:     policy,
		Priority:   priority,
		Confidence: conf,
	}
}

// DefaultRules returns the built-in detection catalog. Field rules carry
// higher priority than value rules for the same category, so an explicit
// field name wins over a coincidental pattern hit on the value.
func DefaultRules() []Rule {
	return []Rule{
		// (A) Names. Value-level name detection needs NER, which rule
		// matching cannot provide, so names are caught by field shape.
		fieldRule("name-field", CategoryName,
			`(?i)((^|_)(name|surname)$|^(first|last|given|family|middle|maiden|preferred)(_?name)?$|^(patient|subject|person|member|full|legal)_?name$)`,
			PolicyRemove, 100, 0.95),
		fieldRule("kin-name-field", CategoryName,
			`(?i)(guardian|next_of_kin|emergency_contact)`,
			PolicyRemove, 90, 0.9),

		// (B) Geographic subdivisions smaller than a state.
		fieldRule("zip-field", CategoryGeographic,
			`(?i)^(zip|zip_?code|postal_?code|postcode)$`,
			PolicyTruncate, 95, 0.95),
		fieldRule("address-field", CategoryGeographic,
			`(?i)(address|street|city|county|district|precinct|^line_?[12]$)`,
			PolicyRemove, 90, 0.9),
		valueRule("zip-value", CategoryGeographic,
			`^\d{5}(-\d{4})?$`,
			PolicyTruncate, 30, 0.45),

		// (C) Dates and ages over the generalization threshold.
		fieldRule("dob-field", CategoryDate,
			`(?i)(birth_?date|date_of_birth|^dob$|birth_?day)`,
			PolicyDateShift, 100, 0.98),
		fieldRule("age-field", CategoryDate,
			`(?i)^(age|age_years|patient_age|age_at_[a-z_]+)$`,
			PolicyGeneralize, 95, 0.95),
		fieldRule("date-field", CategoryDate,
			`(?i)(date|_at$|_time$|timestamp)`,
			PolicyDateShift, 80, 0.85),
		valueRule("iso-date-value", CategoryDate,
			`^\d{4}-\d{2}-\d{2}([T ]\d{2}:\d{2}(:\d{2})?(\.\d+)?(Z|[+-]\d{2}:?\d{2})?)?$`,
			PolicyDateShift, 40, 0.8),
		valueRule("us-date-value", CategoryDate,
			`^\d{1,2}/\d{1,2}/\d{4}$`,
			PolicyDateShift, 40, 0.75),

		// (D) Telephone numbers.
		fieldRule("phone-field", CategoryPhone,
			`(?i)(phone|mobile|cell|telephone|^tel$)`,
			PolicyRemove, 90, 0.95),
		valueRule("phone-value", CategoryPhone,
			`^(\+?1[-.\s]?)?(\(\d{3}\)|\d{3})[-.\s]?\d{3}[-.\s]?\d{4}$`,
			PolicyRemove, 50, 0.8),

		// (E) Fax numbers. Values look exactly like phone numbers, so
		// only the field name can attribute the category.
		fieldRule("fax-field", CategoryFax,
			`(?i)fax`,
			PolicyRemove, 95, 0.95),

		// (F) Email addresses.
		fieldRule("email-field", CategoryEmail,
			`(?i)(^|_)e?mail`,
			PolicyRemove, 90, 0.95),
		valueRule("email-value", CategoryEmail,
			`^[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}$`,
			PolicyRemove, 60, 0.95),

		// (G) Social Security numbers.
		fieldRule("ssn-field", CategorySSN,
			`(?i)(^|_)(ssn|social_security)`,
			PolicyRemove, 100, 0.99),
		valueRule("ssn-value", CategorySSN,
			`^\d{3}-\d{2}-\d{4}$`,
			PolicyRemove, 70, 0.9),

		// (H) Medical record numbers. Hashed, not removed, so records
		// for one patient remain joinable after de-identification.
		fieldRule("mrn-field", CategoryMRN,
			`(?i)(^|_)(mrn|medical_record)`,
			PolicyHash, 100, 0.98),
		valueRule("mrn-value", CategoryMRN,
			`(?i)^MRN[-: ]?\d{5,10}$`,
			PolicyHash, 60, 0.85),

		// (I) Health plan beneficiary numbers.
		fieldRule("health-plan-field", CategoryHealthPlan,
			`(?i)(beneficiary|member_?id|plan_?id|policy_?number|insurance_?id|medicaid|medicare)`,
			PolicyHash, 85, 0.9),

		// (J) Account numbers.
		fieldRule("account-field", CategoryAccount,
			`(?i)account_?(number|no|num|id)`,
			PolicyHash, 85, 0.9),

		// (K) Certificate and license numbers, including NPI and DEA.
		fieldRule("license-field", CategoryLicense,
			`(?i)(licen[sc]e|certificate|^npi$|_npi$|^dea$|dea_?number)`,
			PolicyRemove, 85, 0.9),

		// (L) Vehicle identifiers and serial numbers.
		fieldRule("vehicle-field", CategoryVehicle,
			`(?i)(^vin$|_vin$|vehicle|license_plate|plate_?number)`,
			PolicyRemove, 85, 0.9),
		valueRule("vin-value", CategoryVehicle,
			`^[A-HJ-NPR-Z0-9]{17}$`,
			PolicyRemove, 45, 0.7),

		// (M) Device identifiers and serial numbers.
		fieldRule("device-field", CategoryDevice,
			`(?i)(device_?(id|identifier)|serial_?(number|no|num)|^udi$|implant_?id)`,
			PolicyRemove, 85, 0.9),

		// (N) Web URLs.
		fieldRule("url-field", CategoryURL,
			`(?i)(^|_)(url|website|web_?site|homepage)`,
			PolicyRemove, 80, 0.9),
		valueRule("url-value", CategoryURL,
			`(?i)^https?://\S+$`,
			PolicyRemove, 60, 0.9),

		// (O) IP addresses.
		fieldRule("ip-field", CategoryIP,
			`(?i)(^|_)ip_?(address|addr)?$`,
			PolicyRemove, 80, 0.9),
		valueRule("ipv4-value", CategoryIP,
			`^((25[0-5]|2[0-4]\d|1\d\d|[1-9]?\d)\.){3}(25[0-5]|2[0-4]\d|1\d\d|[1-9]?\d)$`,
			PolicyRemove, 65, 0.9),
		valueRule("ipv6-value", CategoryIP,
			`^([0-9a-fA-F]{1,4}:){7}[0-9a-fA-F]{1,4}$`,
			PolicyRemove, 65, 0.85),

		// (P) Biometric identifiers.
		fieldRule("biometric-field", CategoryBiometric,
			`(?i)(fingerprint|biometric|voice_?print|retina|iris_?scan|dna_?profile)`,
			PolicyRemove, 85, 0.9),

		// (Q) Full-face photographs and comparable images.
		fieldRule("photo-field", CategoryPhoto,
			`(?i)(photo|photograph|headshot|face_?image|picture|avatar)`,
			PolicyRemove, 85, 0.9),

		// (R) Any other unique identifying number or code.
		fieldRule("patient-id-field", CategoryOther,
			`(?i)^(patient_?id|pat_?id|subject_?id)$`,
			PolicyHash, 95, 0.95),
		fieldRule("unique-code-field", CategoryOther,
			`(?i)(study_?id|participant_?id|tattoo|unique_?(id|code|identifier))`,
			PolicyHash, 70, 0.8),
	}
}
