package obd

import (
	"encoding/hex"
	"regexp"
	"strings"

	"elm327-telemetry/common"
)

var troubleCodePattern = regexp.MustCompile(`^[PCBU][0-9A-F]{3,4}$`)

// NormalizeTroubleCode uppercases the category letter of code and validates
// the result. The digits are left as received.
func NormalizeTroubleCode(code string) (common.TroubleCode, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return "", decodeErr(ReadDTC, code, ErrMalformed, "empty trouble code")
	}
	normalized := strings.ToUpper(code[:1]) + code[1:]
	if !troubleCodePattern.MatchString(normalized) {
		return "", decodeErr(ReadDTC, code, ErrMalformed, "invalid trouble code %q", code)
	}
	return common.TroubleCode(normalized), nil
}

// DecodeTroubleCode turns the two bytes of a mode 03 entry into a code.
// Bits 7-6 of a select the system, bits 5-4 the first digit.
// A zero pair is padding and yields "".
func DecodeTroubleCode(a, b byte) common.TroubleCode {
	if a == 0 && b == 0 {
		return ""
	}
	const systems = "PCBU"
	const digits = "0123456789ABCDEF"

	code := []byte{
		systems[(a>>6)&0x03],
		digits[(a>>4)&0x03],
		digits[a&0x0F],
		digits[(b>>4)&0x0F],
		digits[b&0x0F],
	}
	return common.TroubleCode(code)
}

// ParseTroubleCodes decodes a mode 03 response. Each line beginning with 43
// carries up to three codes; CAN adapters prefix the codes with a count byte.
func ParseTroubleCodes(response string) ([]common.TroubleCode, error) {
	codes := []common.TroubleCode{}
	lines := strings.FieldsFunc(response, func(r rune) bool { return r == '\r' || r == '\n' })

	seen, nonEmpty := false, false
	for _, line := range lines {
		clean := cleanResponse(line)
		if clean == "" {
			continue
		}
		nonEmpty = true
		if err := checkAdapterReply(ReadDTC, response, clean); err != nil {
			return nil, err
		}
		if !strings.HasPrefix(clean, "43") {
			continue
		}
		seen = true

		payload := clean[2:]
		if !isHex(payload) || len(payload)%2 != 0 {
			return nil, decodeErr(ReadDTC, response, ErrMalformed, "non-hex payload %q", payload)
		}
		data, err := hex.DecodeString(payload)
		if err != nil {
			return nil, decodeErr(ReadDTC, response, ErrMalformed, "%v", err)
		}
		if len(data)%2 == 1 {
			data = data[1:]
		}
		for i := 0; i+1 < len(data); i += 2 {
			if code := DecodeTroubleCode(data[i], data[i+1]); code != "" {
				codes = append(codes, code)
			}
		}
	}

	if !seen {
		if !nonEmpty {
			return nil, decodeErr(ReadDTC, response, ErrTruncated, "empty response")
		}
		return nil, decodeErr(ReadDTC, response, ErrMalformed, "expected 43 response")
	}
	return codes, nil
}
