package testconfig

import "regexp"

// Identifier syntax shared across all databases. The database ID doubles as
// the YAML basename and the PVS ID prefix.
var (
	regexDatabaseID = regexp.MustCompile(`^P2(S|L)(TR|PT|IT|VL|XM)[\d]{2,3}$`)
	regexQLID       = regexp.MustCompile(`^Q[\d]+$`)
	regexCodingID   = regexp.MustCompile(`^(A|V)C[\d]+$`)
	regexSrcID      = regexp.MustCompile(`^SRC[\d]{3,5}$`)
	regexHrcID      = regexp.MustCompile(`^HRC[\d]{3,4}$`)
	regexPvsID      = regexp.MustCompile(`^P2(S|L)(TR|PT|IT|VL|XM)[\d]{2,3}_SRC[\d]{3,5}_HRC[\d]{3,4}$`)

	srcIDInPvs = regexp.MustCompile(`SRC\d+`)
	hrcIDInPvs = regexp.MustCompile(`HRC\d+`)
)

// requiredSyntaxVersion is the minimum syntaxVersion a test configuration
// file must declare.
const requiredSyntaxVersion = 6

// SrcIDOf extracts the SRC ID embedded in a PVS ID.
func SrcIDOf(pvsID string) string {
	return srcIDInPvs.FindString(pvsID)
}

// HrcIDOf extracts the HRC ID embedded in a PVS ID.
func HrcIDOf(pvsID string) string {
	return hrcIDInPvs.FindString(pvsID)
}
