package streaming

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"
)

// readyTokens are printed by supported engines once the model is resident.
var readyTokens = []string{"Model loaded.", "Metal:", "BLAS", "Ready"}

// line is one parsed transcription line.
type line struct {
	text  string
	t0    float64
	t1    float64
	timed bool
}

// process is one running child engine.
type process struct {
	cmd   *exec.Cmd
	stdin io.WriteCloser

	ready     chan struct{}
	readyOnce sync.Once

	// results receives parsed lines; it is closed when stdout reaches EOF.
	results chan line

	// done is closed after the child has exited and been reaped.
	done chan struct{}

	stdinOnce sync.Once
	startedAt time.Time
}

// spawn starts the child and waits for a readiness token, the child's exit,
// timeout or ctx cancellation, whichever comes first.
func spawn(ctx context.Context, binary string, args []string, queue int, timeout time.Duration) (*process, error) {
	cmd := exec.Command(binary, args...)
	// Use a process group so the whole tree can be killed on stop.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", binary, err)
	}

	p := &process{
		cmd:       cmd,
		stdin:     stdin,
		ready:     make(chan struct{}),
		results:   make(chan line, queue),
		done:      make(chan struct{}),
		startedAt: time.Now(),
	}

	var readers sync.WaitGroup
	readers.Add(2)
	go func() {
		defer readers.Done()
		defer close(p.results)
		p.scan(stdout, true)
	}()
	go func() {
		defer readers.Done()
		p.scan(stderr, false)
	}()
	go func() {
		readers.Wait()
		_ = cmd.Wait()
		close(p.done)
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-p.ready:
		return p, nil
	case <-p.done:
		return nil, errors.New("engine exited before becoming ready")
	case <-timer.C:
		p.kill()
		return nil, fmt.Errorf("engine not ready after %s", timeout)
	case <-ctx.Done():
		p.kill()
		return nil, ctx.Err()
	}
}

// scan reads lines from r. Readiness tokens are accepted on both streams;
// transcription lines only on stdout once ready.
func (p *process) scan(r io.Reader, transcripts bool) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		raw := sc.Text()
		if !p.isReady() {
			for _, tok := range readyTokens {
				if strings.Contains(raw, tok) {
					p.readyOnce.Do(func() { close(p.ready) })
					break
				}
			}
			continue
		}
		if !transcripts {
			slog.Debug("streaming: engine stderr", "line", raw)
			continue
		}
		l, ok := parseLine(raw)
		if !ok {
			continue
		}
		p.push(l)
	}
}

// push enqueues l, dropping the oldest queued line when the queue is full.
func (p *process) push(l line) {
	select {
	case p.results <- l:
		return
	default:
	}
	select {
	case <-p.results:
		slog.Warn("streaming: result queue full, dropping oldest line")
	default:
	}
	select {
	case p.results <- l:
	default:
	}
}

func (p *process) isReady() bool {
	select {
	case <-p.ready:
		return true
	default:
		return false
	}
}

func (p *process) write(pcm []byte) error {
	_, err := p.stdin.Write(pcm)
	return err
}

func (p *process) closeStdin() {
	p.stdinOnce.Do(func() { _ = p.stdin.Close() })
}

// kill terminates the whole process group.
func (p *process) kill() {
	if p.cmd.Process != nil {
		_ = syscall.Kill(-p.cmd.Process.Pid, syscall.SIGKILL)
	}
}

func (p *process) exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// stop closes stdin and waits up to timeout for the child to exit before
// killing it.
func (p *process) stop(timeout time.Duration) {
	p.closeStdin()
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-p.done:
		return
	case <-timer.C:
		slog.Warn("streaming: engine did not exit, killing", "pid", p.cmd.Process.Pid)
		p.kill()
	}
	<-p.done
}

var (
	ansiRE      = regexp.MustCompile(`\x1b\[[0-9;]*[A-Za-z]`)
	timestampRE = regexp.MustCompile(`^\[(\d+):(\d+):(\d+(?:\.\d+)?)\s*-->\s*(\d+):(\d+):(\d+(?:\.\d+)?)\]\s*(.*)$`)
	noiseRE     = regexp.MustCompile(`^[\[(][^\])]*[\])]$`)
)

// parseLine turns one line of engine output into a transcription line.
// Lines of the form "[hh:mm:ss.mmm --> hh:mm:ss.mmm] text" carry their own
// timing; anything else is plain text. Blank lines and bracketed noise
// markers such as "[BLANK_AUDIO]" are skipped.
func parseLine(raw string) (line, bool) {
	s := strings.TrimSpace(ansiRE.ReplaceAllString(raw, ""))
	if s == "" {
		return line{}, false
	}
	if m := timestampRE.FindStringSubmatch(s); m != nil {
		text := strings.TrimSpace(m[7])
		if text == "" || noiseRE.MatchString(text) {
			return line{}, false
		}
		return line{
			text:  text,
			t0:    hms(m[1], m[2], m[3]),
			t1:    hms(m[4], m[5], m[6]),
			timed: true,
		}, true
	}
	if noiseRE.MatchString(s) {
		return line{}, false
	}
	return line{text: s}, true
}

func hms(h, m, s string) float64 {
	hh, _ := strconv.Atoi(h)
	mm, _ := strconv.Atoi(m)
	ss, _ := strconv.ParseFloat(s, 64)
	return float64(hh*3600+mm*60) + ss
}
