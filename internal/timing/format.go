package timing

import "strconv"

// trimFloat renders v in plain decimal notation (never scientific), which
// is what "decimal representation" means for the fake-timing sentinel check.
func trimFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
