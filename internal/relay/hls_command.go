package relay

import (
	"strconv"
	"strings"

	"github.com/macrelay/macrelay/internal/config"
)

// Segment output filenames inside a stream's scratch directory. Playlists
// are served by name, so these are part of the client-facing contract.
const (
	MasterPlaylistName = "master.m3u8"
	MediaPlaylistName  = "index.m3u8"
	InitSegmentName    = "init.mp4"
)

// BuildHLSArgs constructs the ffmpeg argument list for segmented delivery.
//
// The flag set is a compatibility contract with strict HLS consumers (Plex
// in particular): video is always copied, never transcoded or retagged, and
// mpegts-only flags must not leak into fmp4 output. The master playlist is
// written by ffmpeg itself so its codec strings always match the stream.
func BuildHLSArgs(link, proxy string, timeoutSec int, cfg config.HLSConfig) []string {
	args := []string{"-loglevel", "error"}

	// Input side.
	if proxy != "" {
		args = append(args, "-http_proxy", proxy)
	}
	if timeoutSec > 0 {
		args = append(args, "-timeout", strconv.Itoa(timeoutSec*1_000_000))
	}
	args = append(args,
		"-reconnect", "1",
		"-reconnect_at_eof", "1",
		"-reconnect_streamed", "1",
		"-reconnect_delay_max", "15",
		"-i", link,
	)

	// Video is copied unconditionally. Codec tags and bitstream filters are
	// codec-specific; applying them blindly breaks whichever codec the
	// stream is not.
	args = append(args, "-c:v", "copy")

	fmp4 := cfg.SegmentType == "fmp4"
	if fmp4 {
		// The MP4 container cannot carry the raw audio formats common in
		// TS sources, so audio is normalized to stereo AAC.
		args = append(args, "-c:a", "aac", "-ac", "2")
	} else {
		args = append(args, "-c:a", "copy")
	}

	// Timestamp correction. Live TS sources routinely produce
	// non-monotonous DTS which strict players refuse.
	args = append(args,
		"-fflags", "+genpts+igndts",
		"-avoid_negative_ts", "make_zero",
	)

	hlsFlags := []string{"independent_segments", "delete_segments", "omit_endlist"}

	args = append(args,
		"-f", "hls",
		"-hls_time", strconv.Itoa(cfg.SegmentDuration),
		"-hls_list_size", strconv.Itoa(cfg.PlaylistSize),
		"-start_number", "0",
		"-hls_segment_type", cfg.SegmentType,
		"-master_pl_name", MasterPlaylistName,
	)

	if fmp4 {
		args = append(args,
			"-hls_fmp4_init_filename", InitSegmentName,
			"-hls_segment_filename", "seg_%03d.m4s",
		)
	} else {
		hlsFlags = append(hlsFlags, "program_date_time")
		args = append(args,
			"-mpegts_copyts", "1",
			"-mpegts_flags", "pat_pmt_at_frames",
			"-pcr_period", "20",
			"-hls_segment_filename", "seg_%03d.ts",
		)
	}

	args = append(args, "-hls_flags", strings.Join(hlsFlags, ","))
	args = append(args, MediaPlaylistName)

	return args
}
