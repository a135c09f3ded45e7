package relay

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strconv"

	"github.com/shirou/gopsutil/v3/process"
)

// DecoderSpec is everything a decoder needs to serve one channel.
type DecoderSpec struct {
	SourceURL string
	Width     int
	Height    int
	Network   string // "udp" or "tcp"
	Port      int
}

// Process is a running decoder.
type Process interface {
	Pid() int
	// Wait blocks until the process exits.
	Wait() error
	// Kill terminates the process. Killing an exited process is not an error.
	Kill() error
}

// Launcher spawns decoder processes.
type Launcher interface {
	Launch(spec DecoderSpec) (Process, error)
}

// FFmpegLauncher runs ffmpeg to transcode an RTSP source into an MPEG-TS
// stream pushed to the channel's loopback socket.
type FFmpegLauncher struct {
	Binary        string
	RTSPTransport string
	Bitrate       string
	FrameRate     int
	Logger        *slog.Logger
}

// Args returns the ffmpeg command line for spec.
func (l *FFmpegLauncher) Args(spec DecoderSpec) []string {
	return []string{
		"-re",
		"-rtsp_transport", l.RTSPTransport,
		"-timeout", "-1",
		"-i", spec.SourceURL,
		"-video_size", fmt.Sprintf("%dx%d", spec.Width, spec.Height),
		"-f", "mpegts",
		"-codec:v", "mpeg1video",
		"-bf", "0",
		"-codec:a", "mp2",
		"-b:v", l.Bitrate,
		"-r", strconv.Itoa(l.FrameRate),
		fmt.Sprintf("%s://127.0.0.1:%d", spec.Network, spec.Port),
	}
}

// Launch starts ffmpeg. Its stderr is forwarded to the logger at debug level.
func (l *FFmpegLauncher) Launch(spec DecoderSpec) (Process, error) {
	log := l.Logger
	if log == nil {
		log = slog.Default()
	}

	cmd := exec.Command(l.Binary, l.Args(spec)...)
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to get stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", l.Binary, err)
	}

	p := &ffmpegProcess{cmd: cmd, stderrDone: make(chan struct{})}
	go func() {
		defer close(p.stderrDone)
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			log.Debug("ffmpeg", "pid", cmd.Process.Pid, "line", scanner.Text())
		}
		_, _ = io.Copy(io.Discard, stderr)
	}()

	return p, nil
}

type ffmpegProcess struct {
	cmd        *exec.Cmd
	stderrDone chan struct{}
}

func (p *ffmpegProcess) Pid() int {
	return p.cmd.Process.Pid
}

func (p *ffmpegProcess) Wait() error {
	// all reads from the pipe must finish before Wait closes it
	<-p.stderrDone
	return p.cmd.Wait()
}

func (p *ffmpegProcess) Kill() error {
	if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return err
	}
	return nil
}

// processUsage reports CPU percent and resident memory of pid. Zero values
// are returned when the process cannot be inspected.
func processUsage(pid int) (cpu float64, rss uint64) {
	if pid <= 0 {
		return 0, 0
	}
	p, err := process.NewProcess(int32(pid))
	if err != nil {
		return 0, 0
	}
	if v, err := p.CPUPercent(); err == nil {
		cpu = v
	}
	if mem, err := p.MemoryInfo(); err == nil && mem != nil {
		rss = mem.RSS
	}
	return cpu, rss
}
