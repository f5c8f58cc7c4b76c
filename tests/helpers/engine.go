package helpers

import (
	"fmt"
	"image/color"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/disintegration/imaging"
	"github.com/stretchr/testify/require"
)

type (
	// FakeEngineOptions controls the behaviour of the shell scripts
	// which stand in for ffmpeg/ffprobe during tests.
	FakeEngineOptions struct {
		// ProbeJSON is printed to stdout by the fake ffprobe.
		ProbeJSON string
		// ProbeExitCode is the exit code of the fake ffprobe.
		ProbeExitCode int
		// FormatsExitCode is the exit code of 'ffmpeg -formats', used by
		// the availability check.
		FormatsExitCode int
		// FailOn causes any ffmpeg job whose arguments contain this
		// substring to print to stderr and exit 1. Empty never fails.
		FailOn string
		// SleepSeconds causes every ffmpeg job to sleep instead of running.
		SleepSeconds int
		// PCMBytes is the number of bytes written for s16le jobs.
		PCMBytes int
	}

	// FakeEngine holds the paths to a pair of fake binaries.
	FakeEngine struct {
		FfmpegPath  string
		FfprobePath string
		callLog     string
	}
)

const fakeFfmpegScript = `#!/bin/sh
echo "$@" >> "%[1]s"
for arg in "$@"; do
  case "$arg" in -formats) exit %[2]d ;; esac
done
if [ %[3]d -gt 0 ]; then
  exec sleep %[3]d
fi
case "$*" in
  %[4]s) echo "fake ffmpeg: simulated failure" >&2; echo "progress=continue"; exit 1 ;;
esac
out=""; frames=""; fmt=""; prev=""
for arg in "$@"; do
  case "$prev" in
    -frames:v) frames="$arg" ;;
    -f) fmt="$arg" ;;
  esac
  prev="$arg"; out="$arg"
done
if [ -n "$frames" ]; then
  i=1
  while [ "$i" -le "$frames" ]; do
    cp "%[5]s" "$(printf "$out" "$i")"
    i=$((i+1))
  done
elif [ "$fmt" = "s16le" ]; then
  head -c %[6]d /dev/zero | tr '\000' '\100' > "$out"
else
  echo "fake output" > "$out"
fi
echo "frame=1"
echo "out_time_us=500000"
echo "progress=continue"
echo "progress=end"
exit 0
`

const fakeFfprobeScript = `#!/bin/sh
echo "$@" >> "%[1]s"
cat "%[2]s"
exit %[3]d
`

// NewFakeEngine writes fake ffmpeg/ffprobe scripts in to a temporary directory.
// Tests using it are skipped on platforms without /bin/sh.
func NewFakeEngine(t *testing.T, opts FakeEngineOptions) *FakeEngine {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("fake transcoding engine requires /bin/sh")
	}

	dir := t.TempDir()
	callLog := filepath.Join(dir, "calls.log")
	probeOutput := filepath.Join(dir, "probe.json")
	thumbnail := filepath.Join(dir, "frame.jpg")

	require.NoError(t, os.WriteFile(callLog, nil, 0o644))
	require.NoError(t, os.WriteFile(probeOutput, []byte(opts.ProbeJSON), 0o644))
	require.NoError(t, imaging.Save(imaging.New(64, 36, color.NRGBA{R: 200, G: 40, B: 40, A: 255}), thumbnail))

	failOn := "__never_matches__"
	if opts.FailOn != "" {
		failOn = opts.FailOn
	}

	ffmpegPath := filepath.Join(dir, "ffmpeg")
	ffprobePath := filepath.Join(dir, "ffprobe")
	ffmpeg := fmt.Sprintf(fakeFfmpegScript, callLog, opts.FormatsExitCode, opts.SleepSeconds, "*"+failOn+"*", thumbnail, opts.PCMBytes)
	ffprobe := fmt.Sprintf(fakeFfprobeScript, callLog, probeOutput, opts.ProbeExitCode)

	require.NoError(t, os.WriteFile(ffmpegPath, []byte(ffmpeg), 0o755))
	require.NoError(t, os.WriteFile(ffprobePath, []byte(ffprobe), 0o755))

	return &FakeEngine{FfmpegPath: ffmpegPath, FfprobePath: ffprobePath, callLog: callLog}
}

// Calls returns each invocation of either fake binary, one line of
// space-separated arguments per call.
func (engine *FakeEngine) Calls(t *testing.T) []string {
	contents, err := os.ReadFile(engine.callLog)
	require.NoError(t, err)

	trimmed := strings.TrimSpace(string(contents))
	if trimmed == "" {
		return []string{}
	}

	return strings.Split(trimmed, "\n")
}

// VideoProbeJSON returns ffprobe output for a file with one video stream and
// one mono audio stream.
func VideoProbeJSON(duration float64, width, height int, frameRate string, sampleRate int) string {
	return fmt.Sprintf(`{
  "streams": [
    {"index": 0, "codec_type": "video", "codec_name": "h264", "width": %d, "height": %d, "avg_frame_rate": "%s", "r_frame_rate": "%s"},
    {"index": 1, "codec_type": "audio", "codec_name": "aac", "channels": 1, "sample_rate": "%d"}
  ],
  "format": {"duration": "%f"}
}`, width, height, frameRate, frameRate, sampleRate, duration)
}

// AudioProbeJSON returns ffprobe output for an audio-only file.
func AudioProbeJSON(duration float64, sampleRate int) string {
	return fmt.Sprintf(`{
  "streams": [
    {"index": 0, "codec_type": "audio", "codec_name": "mp3", "channels": 2, "sample_rate": "%d"}
  ],
  "format": {"duration": "%f"}
}`, sampleRate, duration)
}
