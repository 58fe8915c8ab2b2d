package filter

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseRulesRoundTrip(t *testing.T) {
	rules, err := ParseRules("0x03,-1,-1,-1,0|0x08,0x1234,-1,-1,1", ",", "|")
	require.NoError(t, err)
	require.Len(t, rules, 2)
	require.Equal(t, Rule{Class: 0x03, Vendor: Wildcard, Product: Wildcard, BCDDevice: Wildcard, Allow: false}, rules[0])
	require.Equal(t, Rule{Class: 0x08, Vendor: 0x1234, Product: Wildcard, BCDDevice: Wildcard, Allow: true}, rules[1])

	back := RulesToString(rules, ",", "|")
	require.Equal(t, "3,-1,-1,-1,0|8,4660,-1,-1,1", back)
}

func TestParseRulesCanonicalizesSeparatorRuns(t *testing.T) {
	rules, err := ParseRules("||0x03,-1,-1,-1,0||", ",", "|")
	require.NoError(t, err)
	require.Len(t, rules, 1)
}

func TestParseRulesRejectsEmptySeparator(t *testing.T) {
	_, err := ParseRules("0x03,-1,-1,-1,0", "", "|")
	require.Error(t, err)
}

func TestVerifyRejectsOutOfRange(t *testing.T) {
	_, err := ParseRules("256,-1,-1,-1,0", ",", "|")
	require.Error(t, err)

	_, err = ParseRules("-1,65536,-1,-1,0", ",", "|")
	require.Error(t, err)
}

// TestFilterClassMatch covers S3: rule "0x03,-1,-1,-1,0" with device class
// 0x03 vendor 0x1234 product 0x5678 denied; class 0x08 falls through to
// the default.
func TestFilterClassMatch(t *testing.T) {
	rules, err := ParseRules("0x03,-1,-1,-1,0", ",", "|")
	require.NoError(t, err)

	denied := Evaluate(rules, DeviceInfo{Class: 0x03, Vendor: 0x1234, Product: 0x5678}, true)
	require.False(t, denied)

	allowedByDefault := Evaluate(rules, DeviceInfo{Class: 0x08}, true)
	require.True(t, allowedByDefault)

	deniedByDefault := Evaluate(rules, DeviceInfo{Class: 0x08}, false)
	require.False(t, deniedByDefault)
}

func TestEvaluateFallsThroughToInterfaces(t *testing.T) {
	rules, err := ParseRules("0xff,0x1234,0x5678,-1,1", ",", "|")
	require.NoError(t, err)

	dev := DeviceInfo{
		Class:   classSeeInterface,
		Vendor:  0x1234,
		Product: 0x5678,
		Interfaces: []InterfaceInfo{
			{Class: 0xff},
		},
	}
	require.True(t, Evaluate(rules, dev, false))
}

func TestEvaluateSkipsNonBootHIDAmongMultipleInterfaces(t *testing.T) {
	rules, err := ParseRules("0x09,-1,-1,-1,1", ",", "|")
	require.NoError(t, err)

	dev := DeviceInfo{
		Class: classSeeInterface,
		Interfaces: []InterfaceInfo{
			{Class: hidClass, Subclass: 0, Protocol: 0}, // non-boot HID, skipped
			{Class: 0x09},
		},
	}
	require.True(t, Evaluate(rules, dev, false))
}

func TestEvaluateForcesNonBootHIDWhenAllSkipped(t *testing.T) {
	rules, err := ParseRules("0x03,-1,-1,-1,1", ",", "|")
	require.NoError(t, err)

	dev := DeviceInfo{
		Class: classSeeInterface,
		Interfaces: []InterfaceInfo{
			{Class: hidClass, Subclass: 0, Protocol: 0},
			{Class: hidClass, Subclass: 0, Protocol: 0},
		},
	}
	// Every interface looks like non-boot HID; the re-run forces them back in
	// so the rule (matching class 0x03 == hidClass) still applies instead
	// of silently falling through to the default.
	require.True(t, Evaluate(rules, dev, false))
}
