// Package caption renders final segments as SRT or WebVTT cues and delivers
// them to the client, an optional append-only file and an optional UDP
// listener such as a broadcast caption inserter.
package caption

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/MrWong99/echopanel/pkg/provider/asr"
)

// Formats.
const (
	SRT = "srt"
	VTT = "vtt"
)

// ErrFormat is returned for a format other than [SRT] or [VTT].
var ErrFormat = errors.New("caption: unsupported format")

// Config selects the format and outputs of a [Writer].
type Config struct {
	Format     string
	FileOutput string
	UDPHost    string
	UDPPort    int
}

// Writer numbers and renders cues. It is safe for concurrent use.
type Writer struct {
	format string

	mu    sync.Mutex
	index int
	file  io.WriteCloser
	udp   net.Conn
}

// New opens the configured outputs. A VTT file that is empty gets the
// WEBVTT header.
func New(cfg Config) (*Writer, error) {
	format := strings.ToLower(cfg.Format)
	if format == "" {
		format = SRT
	}
	if format != SRT && format != VTT {
		return nil, fmt.Errorf("%w: %q", ErrFormat, cfg.Format)
	}
	w := &Writer{format: format}

	if cfg.FileOutput != "" {
		f, err := os.OpenFile(cfg.FileOutput, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, fmt.Errorf("caption: open %s: %w", cfg.FileOutput, err)
		}
		if format == VTT {
			if st, err := f.Stat(); err == nil && st.Size() == 0 {
				if _, err := io.WriteString(f, "WEBVTT\n\n"); err != nil {
					_ = f.Close()
					return nil, fmt.Errorf("caption: write header: %w", err)
				}
			}
		}
		w.file = f
	}

	if cfg.UDPHost != "" {
		conn, err := net.Dial("udp", net.JoinHostPort(cfg.UDPHost, strconv.Itoa(cfg.UDPPort)))
		if err != nil {
			if w.file != nil {
				_ = w.file.Close()
			}
			return nil, fmt.Errorf("caption: dial udp: %w", err)
		}
		w.udp = conn
	}
	return w, nil
}

// Format returns the cue format.
func (w *Writer) Format() string { return w.format }

// Cue renders seg as the next cue and writes it to the file and UDP outputs.
// The rendered text is returned even when an output fails.
func (w *Writer) Cue(seg asr.Segment) (string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.index++
	cue := Render(w.format, w.index, seg)

	var errs []error
	if w.file != nil {
		if _, err := io.WriteString(w.file, cue); err != nil {
			errs = append(errs, fmt.Errorf("caption: file: %w", err))
		}
	}
	if w.udp != nil {
		if _, err := w.udp.Write([]byte(cue)); err != nil {
			errs = append(errs, fmt.Errorf("caption: udp: %w", err))
		}
	}
	return cue, errors.Join(errs...)
}

// Close closes the outputs.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	var errs []error
	if w.file != nil {
		errs = append(errs, w.file.Close())
		w.file = nil
	}
	if w.udp != nil {
		errs = append(errs, w.udp.Close())
		w.udp = nil
	}
	if err := errors.Join(errs...); err != nil {
		slog.Warn("caption: close outputs", "err", err)
		return err
	}
	return nil
}

// Render formats one cue. SRT cues carry their index; VTT cues carry the
// speaker as a voice span when known.
func Render(format string, index int, seg asr.Segment) string {
	text := strings.TrimSpace(seg.Text)
	var b strings.Builder
	switch format {
	case VTT:
		fmt.Fprintf(&b, "%s --> %s\n", Timestamp(seg.T0, '.'), Timestamp(seg.T1, '.'))
		if seg.Speaker != "" {
			fmt.Fprintf(&b, "<v %s>%s\n\n", seg.Speaker, text)
		} else {
			fmt.Fprintf(&b, "%s\n\n", text)
		}
	default:
		fmt.Fprintf(&b, "%d\n%s --> %s\n", index, Timestamp(seg.T0, ','), Timestamp(seg.T1, ','))
		if seg.Speaker != "" {
			fmt.Fprintf(&b, "%s: %s\n\n", seg.Speaker, text)
		} else {
			fmt.Fprintf(&b, "%s\n\n", text)
		}
	}
	return b.String()
}

// Timestamp formats secs as hh:mm:ss followed by sep and milliseconds.
func Timestamp(secs float64, sep byte) string {
	ms := int64(math.Round(max(secs, 0) * 1000))
	h := ms / 3_600_000
	m := ms / 60_000 % 60
	s := ms / 1000 % 60
	return fmt.Sprintf("%02d:%02d:%02d%c%03d", h, m, s, sep, ms%1000)
}
