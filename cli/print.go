package cli

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/disintegration/imaging"
	"github.com/nixxel-company-limited/escpos-cloud-printer/escpos"
	"github.com/nixxel-company-limited/escpos-cloud-printer/printer"
	"github.com/nixxel-company-limited/escpos-cloud-printer/session"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

type printOptions struct {
	image   string
	fit     bool
	text    string
	feed    int
	cut     bool
	partial bool
}

func (o printOptions) empty() bool {
	return o.image == "" && o.text == "" && o.feed == 0 && !o.cut
}

func printCmd(a *app) *cobra.Command {
	var (
		t    target
		opts printOptions
	)

	cmd := &cobra.Command{
		Use:   "print",
		Short: "Connect to a printer and print an image and/or text",
		Example: `  cloudprint print --ip 192.168.1.50 --image receipt.png --cut
  cloudprint print --usb "EPSON TM-T20" --text "hello" --feed 3
  cloudprint print --bt 00:11:22:33:44:55 --image logo.jpg --fit`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.empty() {
				return fmt.Errorf("nothing to print: give --image, --text, --feed or --cut")
			}
			dev, err := t.device()
			if err != nil {
				return err
			}

			rt, err := a.newComponents()
			if err != nil {
				return err
			}
			defer rt.Close()

			ctx := cmd.Context()
			if err := rt.manager.Connect(ctx, dev, t.options()); err != nil {
				return err
			}

			if err := compose(rt.session, opts); err != nil {
				return err
			}
			res, err := a.send(ctx, rt, rt.session)
			if err != nil {
				return err
			}
			a.printf("printed job %s: %d bytes to %s, printer %s (%s)\n",
				res.ID, res.Bytes, res.Device, res.Status, res.Duration.Round(time.Millisecond))
			return nil
		},
	}

	t.register(cmd, true)
	flags := cmd.Flags()
	flags.StringVar(&opts.image, "image", "", "image file (png, jpeg, gif or bmp)")
	flags.BoolVar(&opts.fit, "fit", false, "scale a wide image down to the printer width")
	flags.StringVar(&opts.text, "text", "", `text to print, "\n" starts a new line`)
	flags.IntVar(&opts.feed, "feed", 3, "lines to feed after printing")
	flags.BoolVar(&opts.cut, "cut", true, "cut the paper at the end")
	flags.BoolVar(&opts.partial, "partial", false, "partial cut")
	flags.Int("max-dots", escpos.DefaultMaxDots, "printable width in dots")
	flags.String("code-page", "cp437", "text code page")
	flags.String("dither", string(escpos.DitherFloydSteinberg), "dithering: floyd-steinberg, bayer or threshold")
	a.bind(flags, "printer.max_dots", "max-dots")
	a.bind(flags, "printer.code_page", "code-page")
	a.bind(flags, "printer.dither", "dither")

	return cmd
}

// compose fills the session buffer
func compose(s *session.Session, o printOptions) error {
	s.ClearBuffer()
	s.Initialize()

	if o.image != "" {
		if o.fit {
			img, err := imaging.Open(o.image, imaging.AutoOrientation(true))
			if err != nil {
				return fmt.Errorf("open image: %w", err)
			}
			if err := s.AddImage(escpos.FitWidth(img, s.MaxDots())); err != nil {
				return err
			}
		} else {
			data, err := os.ReadFile(o.image)
			if err != nil {
				return fmt.Errorf("read image: %w", err)
			}
			if err := s.AddImageData(data, 0, 0); err != nil {
				return err
			}
		}
	}
	if o.text != "" {
		text := strings.ReplaceAll(o.text, `\n`, "\n")
		if !strings.HasSuffix(text, "\n") {
			text += "\n"
		}
		if err := s.AddText(text); err != nil {
			return err
		}
	}
	if o.feed > 0 {
		if err := s.LineFeed(o.feed); err != nil {
			return err
		}
	}
	if o.cut {
		s.AddCut(o.partial)
	}
	return nil
}

// send delivers the buffer and drops the connection when the send fails
func (a *app) send(ctx context.Context, rt *components, s *session.Session) (session.Result, error) {
	res, err := s.SendData(ctx)
	if err != nil && res.State == session.SendFailed {
		a.logger.Warn("send failed, disconnecting", zap.Error(err))
		rt.manager.Disconnect()
	}
	if err != nil && printer.CodeOf(err) == printer.CodeFaultStatus {
		return res, fmt.Errorf("printer reports %s: %w", res.Status, err)
	}
	return res, err
}
