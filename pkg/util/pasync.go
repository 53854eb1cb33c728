package util

// PASyncTimeout converts a periodic advertising interval (1.25 ms units) into
// a sync timeout (10 ms units) covering ratio missed intervals
func PASyncTimeout(interval uint16, ratio int) uint16 {
	if interval == 0 {
		return paSyncTimeoutMax
	}
	if ratio <= 0 {
		ratio = DefaultPASyncRatio
	}
	us := uint64(interval) * 1250
	timeout := us / 10000 * uint64(ratio)
	if timeout < paSyncTimeoutMin {
		return paSyncTimeoutMin
	}
	if timeout > paSyncTimeoutMax {
		return paSyncTimeoutMax
	}
	return uint16(timeout)
}
