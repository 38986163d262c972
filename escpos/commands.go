package escpos

// Control bytes
const (
	ESC = 0x1B
	GS  = 0x1D
	DLE = 0x10
	EOT = 0x04
	LF  = 0x0A
)

// Command sequences
var (
	cmdInit        = []byte{ESC, '@'}       // ESC @
	cmdFeedLines   = []byte{ESC, 'd'}       // ESC d n
	cmdCutFull     = []byte{GS, 'V', 0x00}  // GS V 0
	cmdCutPartial  = []byte{GS, 'V', 0x01}  // GS V 1
	cmdCodeTable   = []byte{ESC, 't'}       // ESC t n
	cmdRasterImage = []byte{GS, 'v', '0', 0} // GS v 0 m, normal density
)

// Real-time status requests, DLE EOT n
const (
	StatusPrinter = 1
	StatusOffline = 2
	StatusError   = 3
	StatusPaper   = 4
)

// StatusRequest returns the DLE EOT n request for the given status group
func StatusRequest(n byte) []byte {
	return []byte{DLE, EOT, n}
}

// Every status byte has bit 1 and bit 4 set, bit 0 and bit 7 clear
const (
	statusFixedMask  = 0x93
	statusFixedValue = 0x12
)

// Printer status (n=1)
const (
	printerOffline = 1 << 3
)

// Offline cause (n=2)
const (
	offlineCoverOpen = 1 << 2
	offlinePaperStop = 1 << 5
	offlineError     = 1 << 6
)

// Paper roll sensor (n=4), both paper-end bits
const paperEnd = 0x60

// ValidStatusByte reports whether b carries the fixed bits of a DLE EOT response
func ValidStatusByte(b byte) bool {
	return b&statusFixedMask == statusFixedValue
}
