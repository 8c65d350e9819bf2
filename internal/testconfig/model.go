package testconfig

import (
	"fmt"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

// DatabaseType distinguishes single-segment "short" databases from
// multi-segment "long" ones with audio and stalling events.
type DatabaseType string

const (
	DatabaseShort DatabaseType = "short"
	DatabaseLong  DatabaseType = "long"
)

// StreamInfo carries the probed properties of a source clip.
type StreamInfo struct {
	Width       int
	Height      int
	CodedWidth  int
	CodedHeight int
	PixFmt      string
	// FrameRate is ffprobe's r_frame_rate fraction, e.g. "30000/1001".
	FrameRate string
	Duration  float64
}

// FPS returns the frame rate as a float. Zero when the fraction is invalid.
func (si *StreamInfo) FPS() float64 {
	num, den, ok := strings.Cut(si.FrameRate, "/")
	n, err := strconv.ParseFloat(num, 64)
	if err != nil {
		return 0
	}
	if !ok {
		return n
	}
	d, err := strconv.ParseFloat(den, 64)
	if err != nil || d == 0 {
		return 0
	}
	return n / d
}

// Uses10Bit reports whether the source uses a 10-bit pixel format.
func (si *StreamInfo) Uses10Bit() bool {
	return strings.Contains(si.PixFmt, "10") && si.PixFmt != "yuv410p"
}

// Src is one raw input clip. Immutable once loaded.
type Src struct {
	ID       string
	Filename string
	FilePath string
	Info     *StreamInfo
}

func (s *Src) String() string {
	return "<" + s.ID + ", File: " + s.Filename + ">"
}

// QualityLevel is a reusable encoding target referenced by HRC events.
type QualityLevel struct {
	ID         string
	Index      int    `validate:"gte=0"`
	VideoCodec string `validate:"required,oneof=h264 h265 vp9 av1"`
	// VideoBitrate is in kbit/s; "low/high" alternatives may be given as
	// slash-separated values for complexity-dependent selection.
	VideoBitrate string
	VideoCRF     int
	HasCRF       bool
	Width        int     `validate:"required,gt=0"`
	Height       int     `validate:"required,gt=0"`
	FPS          float64 `validate:"required,gt=0"`
	AudioCodec   string
	AudioBitrate int
}

// Bitrates returns the sorted bitrate alternatives declared for this level.
func (q *QualityLevel) Bitrates() ([]float64, error) {
	if q.VideoBitrate == "" {
		return nil, nil
	}
	parts := strings.Split(q.VideoBitrate, "/")
	out := make([]float64, 0, len(parts))
	for _, p := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return nil, fmt.Errorf("quality level %s: bad bitrate %q", q.ID, p)
		}
		out = append(out, v)
	}
	sort.Float64s(out)
	return out, nil
}

func (q *QualityLevel) String() string {
	return "<QualityLevel " + q.ID + ", Index " + strconv.Itoa(q.Index) + ">"
}

// CodingType tags a Coding as audio or video.
type CodingType string

const (
	CodingVideo CodingType = "video"
	CodingAudio CodingType = "audio"
)

// onlineEncoders are encoding services that run outside the local chain.
var onlineEncoders = map[string]bool{
	"youtube":  true,
	"bitmovin": true,
	"vimeo":    true,
}

// Coding is a reusable encoder recipe referenced by HRCs. Video codings
// either run a number of passes or use constant-quality (CRF) encoding.
type Coding struct {
	ID   string
	Type CodingType

	Encoder  string
	IsOnline bool

	Passes int
	CRF    int
	HasCRF bool

	IFrameInterval int
	BFrames        int
	HasBFrames     bool
	Scenecut       bool
	Preset         string
	Speed          int
	Quality        string

	MinrateFactor float64
	MaxrateFactor float64
	BufsizeFactor float64
	Minrate       float64
	Maxrate       float64
	Bufsize       float64

	ForcedPixFmt string
}

func (c *Coding) String() string {
	return "<Coding " + c.ID + ">"
}

// EventType is the playout event variant inside an HRC.
type EventType string

const (
	EventQualityLevel EventType = "quality_level"
	EventStall        EventType = "stall"
	EventFreeze       EventType = "freeze"
)

// Event is one entry of an HRC event list: a quality-level playout of a
// given duration, or a stall/freeze of a given duration.
type Event struct {
	Type         EventType
	QualityLevel *QualityLevel
	// Duration is in seconds. FromSrc means it is taken from the SRC length.
	Duration float64
	FromSrc  bool
}

func (e Event) String() string {
	ql := "-"
	if e.QualityLevel != nil {
		ql = e.QualityLevel.ID
	}
	if e.FromSrc {
		return fmt.Sprintf("<Event %s, %s, src_duration>", e.Type, ql)
	}
	return fmt.Sprintf("<Event %s, %s, %gs>", e.Type, ql, e.Duration)
}

// BuffEvent is a stall with its media-time offset, or a freeze duration.
type BuffEvent struct {
	Offset   float64
	Duration float64
}

// Hrc is a named processing recipe: codings plus an ordered event list.
type Hrc struct {
	ID          string
	VideoCoding *Coding
	AudioCoding *Coding
	Events      []Event

	// SegmentDuration is the per-segment length in seconds; SegmentFromSrc
	// means one segment spanning the whole SRC.
	SegmentDuration float64
	SegmentFromSrc  bool

	QualityLevels map[string]*QualityLevel
}

func (h *Hrc) String() string {
	return "<" + h.ID + ">"
}

// HasBuffering reports whether any stall or freeze event is present.
func (h *Hrc) HasBuffering() bool {
	for _, e := range h.Events {
		if e.Type == EventStall || e.Type == EventFreeze {
			return true
		}
	}
	return false
}

func (h *Hrc) HasFramefreeze() bool {
	for _, e := range h.Events {
		if e.Type == EventFreeze {
			return true
		}
	}
	return false
}

// BuffEventsMediaTime returns stall events with their media-time offsets,
// or freeze durations sorted ascending (offsets zero).
func (h *Hrc) BuffEventsMediaTime() []BuffEvent {
	var out []BuffEvent
	if h.HasFramefreeze() {
		for _, e := range h.Events {
			if e.Type == EventFreeze {
				out = append(out, BuffEvent{Duration: e.Duration})
			}
		}
		sort.Slice(out, func(i, j int) bool { return out[i].Duration < out[j].Duration })
		return out
	}
	var mediaTime float64
	for _, e := range h.Events {
		if e.Type == EventStall {
			out = append(out, BuffEvent{Offset: mediaTime, Duration: e.Duration})
		} else {
			mediaTime += e.Duration
		}
	}
	return out
}

// BuffEventsWallclock returns stall events offset by wallclock time, i.e.
// including the duration of preceding stalls.
func (h *Hrc) BuffEventsWallclock() []BuffEvent {
	var out []BuffEvent
	var total float64
	for _, e := range h.Events {
		if e.Type == EventStall {
			out = append(out, BuffEvent{Offset: total, Duration: e.Duration})
		}
		total += e.Duration
	}
	return out
}

// MaxRes returns the maximum (width, height) over the HRC's quality levels.
func (h *Hrc) MaxRes() (int, int) {
	var w, ht int
	for _, e := range h.Events {
		if e.Type != EventQualityLevel {
			continue
		}
		if e.QualityLevel.Width > w {
			w = e.QualityLevel.Width
		}
		if e.QualityLevel.Height > ht {
			ht = e.QualityLevel.Height
		}
	}
	return w, ht
}

// LongDuration is the total playout duration over all events, in seconds.
func (h *Hrc) LongDuration() float64 {
	var total float64
	for _, e := range h.Events {
		total += e.Duration
	}
	return total
}

// Segment is one timed encode unit of a PVS: a slice of the SRC encoded at
// one quality level. Segments are shared between PVSes that request the
// same SRC slice with the same codings.
type Segment struct {
	Index        int
	Src          *Src
	QualityLevel *QualityLevel
	VideoCoding  *Coding
	AudioCoding  *Coding
	StartTime    float64
	Duration     float64

	// OwnerPvs is the ID of the first PVS referencing this segment; that
	// PVS's segment job encodes it, all other PVSes only read the file.
	OwnerPvs string
}

func (s *Segment) EndTime() float64 {
	return s.StartTime + s.Duration
}

// Key identifies a segment independent of the PVS using it.
func (s *Segment) Key() string {
	audio := "-"
	if s.AudioCoding != nil {
		audio = s.AudioCoding.ID
	}
	return fmt.Sprintf("%s|%s|%s|%s|%g|%g", s.Src.ID, s.QualityLevel.ID, s.VideoCoding.ID, audio, s.StartTime, s.Duration)
}

func (s *Segment) String() string {
	return fmt.Sprintf("<Segment %04d of %s, %g-%g, %s>", s.Index, s.Src.ID, s.StartTime, s.EndTime(), s.QualityLevel.ID)
}

// Pvs pairs one SRC with one HRC under a globally unique ID.
type Pvs struct {
	ID       string
	Src      *Src
	Hrc      *Hrc
	Segments []*Segment

	db *TestConfig
}

func (p *Pvs) String() string {
	return "<PVS " + p.ID + ">"
}

// IsOnline reports whether any segment of this PVS comes from an online
// encoding service.
func (p *Pvs) IsOnline() bool {
	for _, s := range p.Segments {
		if s.VideoCoding.IsOnline {
			return true
		}
	}
	return false
}

func (p *Pvs) HasBuffering() bool   { return p.Hrc.HasBuffering() }
func (p *Pvs) HasFramefreeze() bool { return p.Hrc.HasFramefreeze() }

// AvpvsFilePath is the final pixel-domain sequence for this PVS.
func (p *Pvs) AvpvsFilePath() string {
	return filepath.Join(p.db.Paths.AVPVS, p.ID+".avi")
}

// AvpvsWoBufferPath is the AVPVS before stalling is rendered in.
func (p *Pvs) AvpvsWoBufferPath() string {
	return filepath.Join(p.db.Paths.AVPVS, p.ID+"_concat_wo_buffer.avi")
}

// AvpvsWoAudioPath is the concatenated AVPVS before audio muxing.
func (p *Pvs) AvpvsWoAudioPath() string {
	return filepath.Join(p.db.Paths.AVPVS, p.ID+"_concat_wo_audio.avi")
}

// AvpvsFileListPath is the concat-demuxer list of decoded segments.
func (p *Pvs) AvpvsFileListPath() string {
	return filepath.Join(p.db.Paths.AVPVS, p.ID+"_tmp_filelist.txt")
}

// SegmentTmpPath is the decoded intermediate for one segment of this PVS.
// The PVS ID is part of the name because segments shared between PVSes
// would otherwise decode to the same file under parallel AVPVS jobs.
func (p *Pvs) SegmentTmpPath(plan SegmentName) string {
	return filepath.Join(p.db.Paths.AVPVS, "tmp_"+p.ID+"_"+string(plan)+".avi")
}

// CpvsFilePath returns the viewing-context output path. Raw PC output uses
// MKV, regular PC output AVI, all other contexts MP4.
func (p *Pvs) CpvsFilePath(context string, rawvideo bool) string {
	var ext string
	if context == "pc" {
		if rawvideo {
			ext = ".mkv"
		} else {
			ext = ".avi"
		}
	} else {
		ext = ".mp4"
	}
	name := p.ID + "_" + strings.ToUpper(context[0:2]) + ext
	return filepath.Join(p.db.Paths.CPVS, name)
}

// PreviewFilePath is the lightweight preview encode for this PVS.
func (p *Pvs) PreviewFilePath() string {
	return filepath.Join(p.db.Paths.CPVS, p.ID+"_preview.mov")
}

// LogfilePath is the per-PVS processing log sidecar.
func (p *Pvs) LogfilePath() string {
	return filepath.Join(p.db.Paths.Logs, p.ID+".log")
}

// Database returns the owning test configuration.
func (p *Pvs) Database() *TestConfig {
	return p.db
}

// SegmentName is a resolved segment file basename without extension.
type SegmentName string

// PostProcessing describes one viewing context for CPVS generation.
type PostProcessing struct {
	Type             string `validate:"required,oneof=pc tablet mobile hd-pc-home uhd-pc-home"`
	DisplayWidth     int    `validate:"required,gt=0"`
	DisplayHeight    int    `validate:"required,gt=0"`
	CodingWidth      int    `validate:"required,gt=0"`
	CodingHeight     int    `validate:"required,gt=0"`
	DisplayFrameRate float64
}

func (pp PostProcessing) String() string {
	return "<PostProcessing " + strings.ToUpper(pp.Type) + ">"
}
