package transport

const (
	reportSize     = 64
	reportCapacity = reportSize - 2

	// reportOut is the report ID of host-to-device data reports.
	reportOut byte = 0x04
	// reportSwitch is the feature report that toggles the composite
	// interface between keyboard wedge and POS delivery.
	reportSwitch byte = 0xFE
)

// splitReports frames p as a sequence of 64-byte output reports:
// [0x04][length <= 62][payload][zero padding].
func splitReports(p []byte) [][]byte {
	var reports [][]byte
	for len(p) > 0 {
		n := min(len(p), reportCapacity)
		r := make([]byte, reportSize)
		r[0] = reportOut
		r[1] = byte(n)
		copy(r[2:], p[:n])
		reports = append(reports, r)
		p = p[n:]
	}
	return reports
}

// switchReport is the feature report enabling (or disabling) POS delivery
// on a composite interface.
func switchReport(enable bool) []byte {
	r := []byte{reportSwitch, 0}
	if enable {
		r[1] = 1
	}
	return r
}
