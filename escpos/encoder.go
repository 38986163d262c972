// Package escpos composes print jobs into ESC/POS command buffers and speaks
// the real-time status protocol.
package escpos

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"image"
	"sync"

	"github.com/nixxel-company-limited/escpos-cloud-printer/printer"
	"golang.org/x/text/encoding/charmap"
)

// DefaultMaxDots is the printable width of a 58mm printer head
const DefaultMaxDots = 384

// Encoder accumulates print primitives into a single command buffer.
// The protocol has no begin-job marker: call Clear before composing a new job.
type Encoder struct {
	mu sync.Mutex

	buf       bytes.Buffer
	maxDots   int
	dither    Dither
	codePage  *CodePage
	textReady bool
}

// Option configures an Encoder
type Option func(*Encoder)

// WithMaxDots sets the widest image the device accepts, in dots
func WithMaxDots(dots int) Option {
	return func(e *Encoder) {
		if dots > 0 {
			e.maxDots = dots
		}
	}
}

// WithDither sets how images are quantised to one bit per dot
func WithDither(d Dither) Option {
	return func(e *Encoder) {
		e.dither = d
	}
}

// WithCodePage sets the code page used for text
func WithCodePage(cp *CodePage) Option {
	return func(e *Encoder) {
		if cp != nil {
			e.codePage = cp
		}
	}
}

// NewEncoder creates an empty encoder
func NewEncoder(opts ...Option) *Encoder {
	e := &Encoder{
		maxDots:  DefaultMaxDots,
		dither:   DitherFloydSteinberg,
		codePage: CodePage437,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// MaxDots returns the widest image accepted, in dots
func (e *Encoder) MaxDots() int {
	return e.maxDots
}

// Clear drops everything accumulated so far
func (e *Encoder) Clear() {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.buf.Reset()
	e.textReady = false
}

// Initialize appends ESC @, resetting the printer's modes. The printer falls
// back to its default code table, so the next text selects it again.
func (e *Encoder) Initialize() {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.buf.Write(cmdInit)
	e.textReady = false
}

// AddRaw appends bytes verbatim
func (e *Encoder) AddRaw(data []byte) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.buf.Write(data)
	if bytes.Contains(data, cmdInit) || bytes.Contains(data, cmdCodeTable) {
		e.textReady = false
	}
}

// LineFeed feeds n lines
func (e *Encoder) LineFeed(n int) error {
	if n < 0 {
		return printer.NewError(printer.CodeInvalidArgument, "line feed", fmt.Sprintf("negative line count %d", n), nil)
	}

	var out []byte
	for n > 0 {
		step := min(n, 255)
		out = append(out, cmdFeedLines...)
		out = append(out, byte(step))
		n -= step
	}
	e.append(out)
	return nil
}

// AddCut cuts the paper; partial leaves one point uncut
func (e *Encoder) AddCut(partial bool) {
	if partial {
		e.append(cmdCutPartial)
		return
	}
	e.append(cmdCutFull)
}

// AddText appends text encoded in the configured code page.
// The code table is selected once per job, before the first text.
func (e *Encoder) AddText(s string) error {
	encoded := e.codePage.Encode(s)

	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.textReady {
		e.buf.Write(cmdCodeTable)
		e.buf.WriteByte(e.codePage.Table)
		e.textReady = true
	}
	e.buf.Write(encoded)
	return nil
}

// AddImage rasterises img at its own size. Images wider than the device fail
// with ImageTooWide and leave the buffer unchanged.
func (e *Encoder) AddImage(img image.Image) error {
	if img == nil {
		return printer.NewError(printer.CodeInvalidArgument, "add image", "nil image", nil)
	}

	size := img.Bounds().Size()
	if err := e.checkSize(size.X, size.Y); err != nil {
		return err
	}

	e.append(rasterCommands(quantize(img, e.dither)))
	return nil
}

// AddImageData decodes an encoded image (PNG, JPEG, GIF or BMP) and prints it
// at width x height dots, resizing when the decoded size differs.
// A zero width or height keeps the decoded size.
func (e *Encoder) AddImageData(data []byte, width, height int) error {
	if width > e.maxDots {
		return e.tooWide(width)
	}

	img, err := decodeImage(data, width, height)
	if err != nil {
		return err
	}
	return e.AddImage(img)
}

// AddImageBase64 is AddImageData for base64 encoded image bytes
func (e *Encoder) AddImageBase64(s string, width, height int) error {
	data, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return printer.NewError(printer.CodeInvalidArgument, "add image", "invalid base64 image", err)
	}
	return e.AddImageData(data, width, height)
}

// Bytes returns a copy of the accumulated buffer
func (e *Encoder) Bytes() []byte {
	e.mu.Lock()
	defer e.mu.Unlock()
	return bytes.Clone(e.buf.Bytes())
}

// Len returns the size of the accumulated buffer
func (e *Encoder) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.buf.Len()
}

func (e *Encoder) append(b []byte) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.buf.Write(b)
}

func (e *Encoder) checkSize(width, height int) error {
	if width > e.maxDots {
		return e.tooWide(width)
	}
	if width <= 0 || height <= 0 {
		return printer.NewError(printer.CodeInvalidArgument, "add image", fmt.Sprintf("empty image %dx%d", width, height), nil)
	}
	if width > 0xFFFF*8 {
		return e.tooWide(width)
	}
	return nil
}

func (e *Encoder) tooWide(width int) error {
	return printer.NewError(printer.CodeImageTooWide, "add image",
		fmt.Sprintf("image is %d dots wide, printer accepts at most %d", width, e.maxDots), nil)
}

// CodePage maps text to a printer character table
type CodePage struct {
	Name  string
	Table byte
	cm    *charmap.Charmap
}

// Supported code pages and their ESC t table numbers
var (
	CodePage437  = &CodePage{Name: "cp437", Table: 0, cm: charmap.CodePage437}
	CodePage850  = &CodePage{Name: "cp850", Table: 2, cm: charmap.CodePage850}
	CodePage1252 = &CodePage{Name: "cp1252", Table: 16, cm: charmap.Windows1252}
	CodePage866  = &CodePage{Name: "cp866", Table: 17, cm: charmap.CodePage866}
	CodePage858  = &CodePage{Name: "cp858", Table: 19, cm: charmap.CodePage858}
)

var codePages = map[string]*CodePage{
	CodePage437.Name:  CodePage437,
	CodePage850.Name:  CodePage850,
	CodePage1252.Name: CodePage1252,
	CodePage866.Name:  CodePage866,
	CodePage858.Name:  CodePage858,
}

// LookupCodePage finds a code page by name, e.g. "cp437"
func LookupCodePage(name string) (*CodePage, error) {
	cp, ok := codePages[name]
	if !ok {
		return nil, printer.NewError(printer.CodeInvalidArgument, "code page", fmt.Sprintf("unsupported code page %q", name), nil)
	}
	return cp, nil
}

// Encode converts s to the code page, replacing characters it cannot represent with '?'
func (cp *CodePage) Encode(s string) []byte {
	out := make([]byte, 0, len(s))
	for _, r := range s {
		b, ok := cp.cm.EncodeRune(r)
		if !ok {
			b = '?'
		}
		out = append(out, b)
	}
	return out
}
