package partition

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// ErrInvalidCaseNumber is returned when no court region can be read from a case number
var ErrInvalidCaseNumber = errors.New("invalid case number")

var (
	// NNNNNNN-DD.AAAA.J.TR.OOOO, J is the justice segment and TR the court region
	regionPattern = regexp.MustCompile(`\.(\d)\.(\d{1,2})\.`)
	digitsPattern = regexp.MustCompile(`^(\d{7})(\d{2})(\d{4})(\d)(\d{2})(\d{4})$`)
	nonDigits     = regexp.MustCompile(`\D`)
)

// NormalizeCaseNumber formats a 20-digit case number with the CNJ separators.
// Numbers already formatted, or with any other length, are returned trimmed.
func NormalizeCaseNumber(number string) string {
	number = strings.TrimSpace(number)
	digits := nonDigits.ReplaceAllString(number, "")
	if m := digitsPattern.FindStringSubmatch(digits); m != nil && !regionPattern.MatchString(number) {
		return fmt.Sprintf("%s-%s.%s.%s.%s.%s", m[1], m[2], m[3], m[4], m[5], m[6])
	}
	return number
}

// Region returns the court region of a case number without its leading zero ("05" -> "5")
func Region(number string) (string, error) {
	m := regionPattern.FindStringSubmatch(NormalizeCaseNumber(number))
	if m == nil {
		return "", fmt.Errorf("%w: %q", ErrInvalidCaseNumber, number)
	}
	region := strings.TrimLeft(m[2], "0")
	if region == "" {
		return "", fmt.Errorf("%w: %q", ErrInvalidCaseNumber, number)
	}
	return region, nil
}
