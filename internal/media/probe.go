package media

import (
	"context"
	"encoding/json"
	"sort"
	"strconv"

	"github.com/pkg/errors"

	"github.com/pnats2avhd/processing-chain/internal/testconfig"
)

// Prober extracts stream information via ffprobe. One JSON call per file
// replaces a fan of separate text-mode invocations.
type Prober struct {
	runner *Runner
}

func NewProber(runner *Runner) *Prober {
	return &Prober{runner: runner}
}

type ffprobeStream struct {
	CodecType   string `json:"codec_type"`
	CodecName   string `json:"codec_name"`
	Width       int    `json:"width"`
	Height      int    `json:"height"`
	CodedWidth  int    `json:"coded_width"`
	CodedHeight int    `json:"coded_height"`
	PixFmt      string `json:"pix_fmt"`
	RFrameRate  string `json:"r_frame_rate"`
	Duration    string `json:"duration"`
	BitRate     string `json:"bit_rate"`
	SampleRate  string `json:"sample_rate"`
}

type ffprobeFormat struct {
	Duration string `json:"duration"`
	BitRate  string `json:"bit_rate"`
}

type ffprobePacket struct {
	CodecType    string `json:"codec_type"`
	PTSTime      string `json:"pts_time"`
	DTSTime      string `json:"dts_time"`
	DurationTime string `json:"duration_time"`
	Size         string `json:"size"`
	Flags        string `json:"flags"`
}

type ffprobeOutput struct {
	Streams []ffprobeStream `json:"streams"`
	Format  ffprobeFormat   `json:"format"`
	Packets []ffprobePacket `json:"packets"`
}

func (p *Prober) probe(ctx context.Context, path string, extra ...string) (*ffprobeOutput, error) {
	args := append([]string{"-loglevel", "error", "-of", "json"}, extra...)
	args = append(args, path)
	out, err := p.runner.Output(ctx, Command{
		Name:    "ffprobe " + path,
		Program: "ffprobe",
		Args:    args,
	})
	if err != nil {
		return nil, err
	}
	var parsed ffprobeOutput
	if err := json.Unmarshal(out, &parsed); err != nil {
		return nil, errors.Wrapf(err, "parsing ffprobe output for %s", path)
	}
	return &parsed, nil
}

// SrcInfo probes a source clip's primary video stream.
func (p *Prober) SrcInfo(path string) (*testconfig.StreamInfo, error) {
	out, err := p.probe(context.Background(), path,
		"-select_streams", "v:0", "-show_streams", "-show_format")
	if err != nil {
		return nil, err
	}
	if len(out.Streams) == 0 {
		return nil, errors.Errorf("no video stream found in %s", path)
	}
	s := out.Streams[0]
	info := &testconfig.StreamInfo{
		Width:       s.Width,
		Height:      s.Height,
		CodedWidth:  s.CodedWidth,
		CodedHeight: s.CodedHeight,
		PixFmt:      s.PixFmt,
		FrameRate:   s.RFrameRate,
	}
	if info.CodedWidth == 0 {
		info.CodedWidth = s.Width
	}
	if info.CodedHeight == 0 {
		info.CodedHeight = s.Height
	}
	info.Duration = atof(s.Duration)
	if info.Duration == 0 {
		info.Duration = atof(out.Format.Duration)
	}
	return info, nil
}

// SegmentInfo summarizes the coded streams of one encoded segment.
type SegmentInfo struct {
	SegmentFilename string  `json:"segment_filename"`
	VideoCodec      string  `json:"video_codec"`
	Width           int     `json:"width"`
	Height          int     `json:"height"`
	VideoDuration   float64 `json:"video_duration"`
	// VideoBitrate is in kbit/s.
	VideoBitrate  float64 `json:"video_bitrate"`
	FPS           float64 `json:"video_frame_rate"`
	AudioCodec    string  `json:"audio_codec"`
	AudioDuration float64 `json:"audio_duration"`
	AudioBitrate  float64 `json:"audio_bitrate"`
}

// SegmentInfo probes one encoded segment file.
func (p *Prober) SegmentInfo(ctx context.Context, path string) (*SegmentInfo, error) {
	out, err := p.probe(ctx, path, "-show_streams", "-show_format")
	if err != nil {
		return nil, err
	}
	info := &SegmentInfo{}
	for _, s := range out.Streams {
		switch s.CodecType {
		case "video":
			info.VideoCodec = s.CodecName
			info.Width = s.Width
			info.Height = s.Height
			info.VideoDuration = atof(s.Duration)
			info.VideoBitrate = atof(s.BitRate) / 1000
			if num, den, ok := splitFraction(s.RFrameRate); ok && den != 0 {
				info.FPS = num / den
			}
		case "audio":
			info.AudioCodec = s.CodecName
			info.AudioDuration = atof(s.Duration)
			info.AudioBitrate = atof(s.BitRate) / 1000
		}
	}
	if info.VideoDuration == 0 {
		info.VideoDuration = atof(out.Format.Duration)
	}
	if info.VideoCodec == "" {
		return nil, errors.Errorf("no video stream found in %s", path)
	}
	return info, nil
}

// FrameInfo is one coded packet of a stream, in presentation order.
type FrameInfo struct {
	PTS      float64 `json:"pts"`
	DTS      float64 `json:"dts"`
	Duration float64 `json:"duration"`
	Size     int64   `json:"size"`
	Keyframe bool    `json:"keyframe"`
}

// VideoFrameInfo returns per-packet video frame info in presentation order.
func (p *Prober) VideoFrameInfo(ctx context.Context, path string) ([]FrameInfo, error) {
	return p.frameInfo(ctx, path, "v:0")
}

// AudioFrameInfo returns per-packet audio sample info in presentation order.
func (p *Prober) AudioFrameInfo(ctx context.Context, path string) ([]FrameInfo, error) {
	return p.frameInfo(ctx, path, "a:0")
}

func (p *Prober) frameInfo(ctx context.Context, path, stream string) ([]FrameInfo, error) {
	out, err := p.probe(ctx, path, "-select_streams", stream, "-show_packets")
	if err != nil {
		return nil, err
	}
	frames := make([]FrameInfo, 0, len(out.Packets))
	for _, pkt := range out.Packets {
		size, _ := strconv.ParseInt(pkt.Size, 10, 64)
		frames = append(frames, FrameInfo{
			PTS:      atof(pkt.PTSTime),
			DTS:      atof(pkt.DTSTime),
			Duration: atof(pkt.DurationTime),
			Size:     size,
			Keyframe: len(pkt.Flags) > 0 && pkt.Flags[0] == 'K',
		})
	}
	// presentation order
	sort.SliceStable(frames, func(i, j int) bool { return frames[i].PTS < frames[j].PTS })
	fixDurations(frames)
	return frames, nil
}

// fixDurations fills in missing packet durations from presentation-time
// deltas; the last packet inherits its predecessor's duration.
func fixDurations(frames []FrameInfo) {
	for i := range frames {
		if frames[i].Duration > 0 {
			continue
		}
		switch {
		case i+1 < len(frames):
			frames[i].Duration = frames[i+1].PTS - frames[i].PTS
		case i > 0:
			frames[i].Duration = frames[i-1].Duration
		}
	}
}

func atof(s string) float64 {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return v
}

func splitFraction(s string) (num, den float64, ok bool) {
	for i := 0; i < len(s); i++ {
		if s[i] == '/' {
			return atof(s[:i]), atof(s[i+1:]), true
		}
	}
	return atof(s), 1, true
}
