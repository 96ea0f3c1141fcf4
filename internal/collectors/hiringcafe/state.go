package hiringcafe

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/a2bit/jobtracker/internal/collector"
)

// defaultState mirrors the filter object the hiring.cafe web app sends.
func defaultState() map[string]any {
	empty := func() []any { return []any{} }
	anyOption := func() map[string]any { return map[string]any{"label": "Any", "value": nil} }

	state := map[string]any{
		"locations":                            empty(),
		"workplaceTypes":                       []any{"Remote", "Hybrid", "Onsite"},
		"defaultToUserLocation":                true,
		"commitmentTypes":                      []any{"Full-time", "Part-time", "Contract", "Internship", "Temporary", "Volunteer"},
		"jobTitleQuery":                        "",
		"jobDescriptionQuery":                  "",
		"dateFetchedPastNDays":                 121,
		"currency":                             anyOption(),
		"frequency":                            anyOption(),
		"minCompensationLowEnd":                nil,
		"minCompensationHighEnd":               nil,
		"maxCompensationLowEnd":                nil,
		"maxCompensationHighEnd":               nil,
		"restrictJobsToTransparentSalaries":    false,
		"calcFrequency":                        "Yearly",
		"roleYoeRange":                         []any{0, 20},
		"excludeIfRoleYoeIsNotSpecified":       false,
		"managementYoeRange":                   []any{0, 20},
		"excludeIfManagementYoeIsNotSpecified": false,
		"licensesAndCertifications":            empty(),
		"excludedLicensesAndCertifications":    empty(),
		"excludeAllLicensesAndCertifications":  false,
		"departments":                          empty(),
		"excludedDepartments":                  empty(),
		"industries":                           empty(),
		"excludedIndustries":                   empty(),
		"companyKeywords":                      empty(),
		"excludedCompanyKeywords":              empty(),
		"hideJobTypes":                         empty(),
		"applicationFormEase":                  empty(),
		"languageRequirements":                 empty(),
		"excludedLanguageRequirements":         empty(),
		"languageRequirementsOperator":         "OR",
		"benefitsAndPerks":                     empty(),
	}
	state["excludeJobsWithAdditionalLanguageRequirements"] = false
	for _, degree := range []string{"associates", "bachelors", "masters", "doctorate"} {
		capitalized := strings.ToUpper(degree[:1]) + degree[1:]
		state[degree+"DegreeFieldsOfStudy"] = empty()
		state["excluded"+capitalized+"DegreeFieldsOfStudy"] = empty()
		state[degree+"DegreeRequirements"] = empty()
	}
	return state
}

// buildState applies the query and the config's explicit overrides to the
// default search state.
func buildState(cfg collector.HiringCafeConfig) map[string]any {
	state := defaultState()
	if q := cfg.Query(); q != "" {
		state["jobTitleQuery"] = q
	}
	for key, raw := range cfg.Overrides() {
		state[key] = raw
	}
	return state
}

// encodeState produces the s= parameter: JSON, then encodeURIComponent, then
// standard base64.
func encodeState(state map[string]any) (string, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(state); err != nil {
		return "", fmt.Errorf("encode search state: %w", err)
	}
	payload := strings.TrimSuffix(buf.String(), "\n")
	return base64.StdEncoding.EncodeToString([]byte(encodeURIComponent(payload))), nil
}

// encodeURIComponent matches the JavaScript function of the same name.
func encodeURIComponent(s string) string {
	const hex = "0123456789ABCDEF"
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if isUnreserved(c) {
			b.WriteByte(c)
			continue
		}
		b.WriteByte('%')
		b.WriteByte(hex[c>>4])
		b.WriteByte(hex[c&0x0F])
	}
	return b.String()
}

func isUnreserved(c byte) bool {
	switch {
	case 'a' <= c && c <= 'z', 'A' <= c && c <= 'Z', '0' <= c && c <= '9':
		return true
	}
	return strings.IndexByte("-_.!~*'()", c) >= 0
}
