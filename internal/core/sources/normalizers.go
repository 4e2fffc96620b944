package sources

import (
	"regexp"
	"strings"
)

// sexCodes maps the spellings seen in extracts to the administrative gender
// codes used in the output model.
var sexCodes = map[string]string{
	"m":             "M",
	"male":          "M",
	"1":             "M",
	"f":             "F",
	"female":        "F",
	"2":             "F",
	"i":             "I",
	"indeterminate": "I",
	"9":             "I",
	"u":             "U",
	"unknown":       "U",
	"0":             "U",
}

// NormalizeSex converts a sex value to M, F, I or U. Unrecognised values
// become U.
func NormalizeSex(s string) string {
	if code, ok := sexCodes[strings.ToLower(strings.TrimSpace(s))]; ok {
		return code
	}
	return "U"
}

var postcodePattern = regexp.MustCompile(`^([A-Z]{1,2}[0-9][A-Z0-9]?)([0-9][A-Z]{2})$`)

// NormalizePostcode upper-cases a UK postcode and puts a single space before
// the inward code. Values that are not postcodes are returned trimmed.
func NormalizePostcode(s string) string {
	compact := strings.ToUpper(strings.Join(strings.Fields(s), ""))
	m := postcodePattern.FindStringSubmatch(compact)
	if m == nil {
		return strings.TrimSpace(s)
	}
	return m[1] + " " + m[2]
}

// NormalizeNHSNumber strips spaces and dashes. It returns false when the
// result is not ten digits or fails the modulus 11 check.
func NormalizeNHSNumber(s string) (string, bool) {
	digits := strings.Map(func(r rune) rune {
		if r == ' ' || r == '-' {
			return -1
		}
		return r
	}, s)
	if len(digits) != 10 {
		return digits, false
	}

	sum := 0
	for i := 0; i < 9; i++ {
		d := digits[i]
		if d < '0' || d > '9' {
			return digits, false
		}
		sum += int(d-'0') * (10 - i)
	}
	check := 11 - sum%11
	if check == 11 {
		check = 0
	}
	last := digits[9]
	if check == 10 || last < '0' || last > '9' || int(last-'0') != check {
		return digits, false
	}
	return digits, true
}
