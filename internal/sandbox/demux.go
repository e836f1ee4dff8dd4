package sandbox

import (
	"encoding/binary"
	"io"
	"strings"
)

// The combined log stream interleaves stdout and stderr as frames.
// Each frame starts with an 8-byte header: one stream-selector byte
// (1 stdout, 2 stderr), three reserved bytes, and a big-endian uint32
// payload length, followed by exactly that many payload bytes.

// maxFramePayload bounds a single frame. Lengths outside (0, 10 MiB]
// are treated as stream corruption and the claimed payload is skipped
// without buffering it.
const maxFramePayload = 10 << 20

// demuxLogs splits a combined log stream into its stdout and stderr
// parts. Reads loop until the exact byte count is obtained, so a
// fragmented stream never truncates a frame. A short or missing header
// ends parsing cleanly; a stream that ends mid-payload keeps the bytes
// that arrived. Each frame's single trailing newline is stripped and
// per-stream frames are joined with newlines. demuxLogs never fails;
// partial logs are acceptable.
func demuxLogs(r io.Reader) (stdout, stderr string) {
	var outFrames, errFrames []string
	header := make([]byte, 8)
	for {
		if _, err := io.ReadFull(r, header); err != nil {
			break
		}
		stream := header[0]
		size := int64(binary.BigEndian.Uint32(header[4:8]))
		if size <= 0 || size > maxFramePayload {
			if size > 0 {
				if _, err := io.CopyN(io.Discard, r, size); err != nil {
					break
				}
			}
			continue
		}

		payload := make([]byte, size)
		n, err := io.ReadFull(r, payload)
		frame := strings.TrimSuffix(string(payload[:n]), "\n")
		switch stream {
		case 1:
			outFrames = append(outFrames, frame)
		case 2:
			errFrames = append(errFrames, frame)
		}
		if err != nil {
			break
		}
	}
	return strings.Join(outFrames, "\n"), strings.Join(errFrames, "\n")
}

// capStream truncates s to limit bytes, reporting whether truncation
// happened.
func capStream(s string, limit int) (string, bool) {
	if limit > 0 && len(s) > limit {
		return s[:limit], true
	}
	return s, false
}
