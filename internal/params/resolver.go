// Package params merges a source and a circuit definition into one fully
// resolved, stage-independent parameter record per PVS.
package params

import (
	"fmt"
	"strings"

	"github.com/pnats2avhd/processing-chain/internal/testconfig"
)

// ResolutionError reports an inconsistent parameter merge. It is fatal for
// the affected PVS only; sibling PVSes keep processing.
type ResolutionError struct {
	PVS string
	Msg string
}

func (e *ResolutionError) Error() string {
	return "resolving " + e.PVS + ": " + e.Msg
}

func resolutionErrorf(pvs, format string, args ...interface{}) error {
	return &ResolutionError{PVS: pvs, Msg: fmt.Sprintf(format, args...)}
}

// Video carries the merged video-encoder settings of one PVS.
type Video struct {
	Encoder  string
	IsOnline bool
	Passes   int
	CRF      int
	HasCRF   bool

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
}

// Audio carries the merged audio-encoder settings; nil for short databases.
type Audio struct {
	Encoder string
	Bitrate int
}

// FPSPlan describes the frame-rate conversion for one segment. SelectExpr
// is the ffmpeg select filter expression dropping frames for non-integer
// rate ratios; empty when a plain fps filter suffices.
type FPSPlan struct {
	Source     float64
	Target     float64
	Convert    bool
	SelectExpr string
}

// SegmentPlan is the resolved encode plan for one segment of a PVS.
type SegmentPlan struct {
	Index        int
	QualityLevel string
	Width        int
	Height       int
	StartTime    float64
	Duration     float64

	// TargetBitrate is in kbit/s; zero when CRF encoding is used.
	TargetBitrate float64
	VideoCRF      int
	HasVideoCRF   bool

	PixFmt    string
	Extension string
	// Filename is the segment file basename including extension.
	Filename string
	// Owned reports whether this PVS's segment job produces the file, or
	// whether another PVS sharing the segment does.
	Owned bool

	FPS FPSPlan
	// Filters is the accumulated video filter chain, in order.
	Filters []string
}

// BaseName is the filename without extension, used for sidecar files.
func (sp *SegmentPlan) BaseName() string {
	return strings.TrimSuffix(sp.Filename, "."+sp.Extension)
}

// Resolved is the full parameter record of one PVS: a pure function of its
// (SRC, HRC) pair. Resolving the same pair twice yields identical records.
type Resolved struct {
	PVSID string
	// PixFmt is the unified target pixel format of all segments, and hence
	// of the decoded AVPVS.
	PixFmt   string
	Video    Video
	Audio    *Audio
	Segments []SegmentPlan
}

// selectExprs maps the integer percentage of target/source frame rate to
// the frame-dropping select expression that realizes it. Conversions not
// listed here are unsupported.
var selectExprs = map[int]string{
	50: "mod(n+1,2)",
	40: "not(mod(n,5))+not(mod(n-3,5))",
	33: "not(mod(n,3))",
	25: "not(mod(n,4))",
	80: "mod(n+1,5)",
	30: "not(mod(n,10)) + not(mod(n-3,10)) + not(mod(n-7,10))",
	60: "not(mod(n,5))+not(mod(n-3,5))+not(mod(n-2,5))",
	// 24 -> 15 fps
	62: "not(mod(n,8))+not(mod(n-3,8))+not(mod(n-2,8))+not(mod(n-5,8))+not(mod(n-6,8))",
}

// Resolve merges the SRC and HRC of a PVS into one Resolved record.
func Resolve(pvs *testconfig.Pvs) (*Resolved, error) {
	src := pvs.Src
	hrc := pvs.Hrc
	db := pvs.Database()

	r := &Resolved{
		PVSID: pvs.ID,
		Video: mergeVideo(hrc.VideoCoding),
	}
	if db.IsLong() && hrc.AudioCoding != nil {
		r.Audio = &Audio{Encoder: hrc.AudioCoding.Encoder}
	}

	for _, seg := range pvs.Segments {
		plan, err := resolveSegment(pvs, src, seg)
		if err != nil {
			return nil, err
		}
		if r.Audio != nil && seg.QualityLevel.AudioBitrate > 0 {
			r.Audio.Bitrate = seg.QualityLevel.AudioBitrate
		}
		r.Segments = append(r.Segments, plan)
	}

	// all segments of one PVS must agree on the pixel format, otherwise the
	// decoded sequence cannot be concatenated
	for i, sp := range r.Segments {
		if i == 0 {
			r.PixFmt = sp.PixFmt
			continue
		}
		if sp.PixFmt != r.PixFmt {
			return nil, resolutionErrorf(pvs.ID, "segments use different target pixel formats (%s vs %s)", r.PixFmt, sp.PixFmt)
		}
	}
	return r, nil
}

// mergeVideo copies the coding template settings into the record. Scalar
// fields already carry "last wins" semantics from config loading; explicit
// coding values override the template defaults set there.
func mergeVideo(c *testconfig.Coding) Video {
	return Video{
		Encoder:        c.Encoder,
		IsOnline:       c.IsOnline,
		Passes:         c.Passes,
		CRF:            c.CRF,
		HasCRF:         c.HasCRF,
		IFrameInterval: c.IFrameInterval,
		BFrames:        c.BFrames,
		HasBFrames:     c.HasBFrames,
		Scenecut:       c.Scenecut,
		Preset:         c.Preset,
		Speed:          c.Speed,
		Quality:        c.Quality,
		MinrateFactor:  c.MinrateFactor,
		MaxrateFactor:  c.MaxrateFactor,
		BufsizeFactor:  c.BufsizeFactor,
		Minrate:        c.Minrate,
		Maxrate:        c.Maxrate,
		Bufsize:        c.Bufsize,
	}
}

func resolveSegment(pvs *testconfig.Pvs, src *testconfig.Src, seg *testconfig.Segment) (SegmentPlan, error) {
	ql := seg.QualityLevel

	plan := SegmentPlan{
		Index:        seg.Index,
		QualityLevel: ql.ID,
		Width:        ql.Width,
		Height:       ql.Height,
		StartTime:    seg.StartTime,
		Duration:     seg.Duration,
		Owned:        seg.OwnerPvs == pvs.ID,
	}

	pixFmt, err := targetPixFmt(pvs.ID, src, seg.VideoCoding)
	if err != nil {
		return plan, err
	}
	plan.PixFmt = pixFmt

	ext, err := extensionFor(pvs.ID, ql, seg.VideoCoding)
	if err != nil {
		return plan, err
	}
	plan.Extension = ext
	plan.Filename = segmentFilename(pvs.Database().DatabaseID, src.ID, seg, ext)

	if ql.HasCRF {
		plan.VideoCRF = ql.VideoCRF
		plan.HasVideoCRF = true
	} else {
		rates, err := ql.Bitrates()
		if err != nil {
			return plan, resolutionErrorf(pvs.ID, "%v", err)
		}
		if len(rates) > 0 {
			plan.TargetBitrate = rates[0]
		}
	}

	fpsPlan, err := resolveFPS(pvs.ID, src.Info.FPS(), ql.FPS)
	if err != nil {
		return plan, err
	}
	plan.FPS = fpsPlan

	// filter chain: scaling first, then frame dropping, then rate stamping
	plan.Filters = append(plan.Filters, fmt.Sprintf("scale=%d:-2:flags=bicubic", ql.Width))
	if fpsPlan.Convert {
		if fpsPlan.SelectExpr != "" {
			plan.Filters = append(plan.Filters, "select='"+fpsPlan.SelectExpr+"'")
		}
		plan.Filters = append(plan.Filters, fmt.Sprintf("fps=fps=%g", fpsPlan.Target))
	} else {
		plan.Filters = append(plan.Filters, fmt.Sprintf("fps=fps=%g", fpsPlan.Source))
	}
	return plan, nil
}

// targetPixFmt harmonizes the source pixel format to the chain's supported
// set: 4:4:4 and RGB inputs become yuv422p, 4:2:0 stays yuv420p, with a
// 10-bit suffix for 10-bit sources. A forced coding pixFmt wins.
func targetPixFmt(pvsID string, src *testconfig.Src, coding *testconfig.Coding) (string, error) {
	if coding.ForcedPixFmt != "" {
		return coding.ForcedPixFmt, nil
	}
	if coding.IsOnline {
		return "yuv420p", nil
	}
	srcPixFmt := src.Info.PixFmt
	var target string
	switch {
	case strings.Contains(srcPixFmt, "444"),
		strings.Contains(srcPixFmt, "422"),
		strings.Contains(srcPixFmt, "rgb"):
		target = "yuv422p"
	case strings.Contains(srcPixFmt, "420"):
		target = "yuv420p"
	default:
		return "", resolutionErrorf(pvsID, "unknown SRC pixel format %q", srcPixFmt)
	}
	if src.Info.Uses10Bit() {
		target += "10le"
	}
	return target, nil
}

func extensionFor(pvsID string, ql *testconfig.QualityLevel, coding *testconfig.Coding) (string, error) {
	encoder := strings.ToLower(coding.Encoder)
	switch {
	case ql.VideoCodec == "h264" || ql.VideoCodec == "h265":
		return "mp4", nil
	case encoder == "youtube" && ql.VideoCodec == "vp9":
		return "webm", nil
	case encoder == "bitmovin" && ql.VideoCodec == "vp9":
		return "mkv", nil
	case ql.VideoCodec == "vp9" || ql.VideoCodec == "av1":
		return "mp4", nil
	}
	return "", resolutionErrorf(pvsID, "wrong video codec %q for quality level %s", ql.VideoCodec, ql.ID)
}

// segmentFilename follows the convention
// <db>_<src>_<quality-level>_<index>_<start>-<end>.<ext>, timestamps
// truncated to whole seconds.
func segmentFilename(dbID, srcID string, seg *testconfig.Segment, ext string) string {
	return fmt.Sprintf("%s_%s_%s_%04d_%d-%d.%s",
		dbID, srcID, seg.QualityLevel.ID, seg.Index,
		int(seg.StartTime), int(seg.EndTime()), ext)
}

// resolveFPS works out the frame-rate conversion from source to target
// rate. Only the conversion ratios with a known select expression are
// supported; anything else is a resolution error.
func resolveFPS(pvsID string, srcFPS, targetFPS float64) (FPSPlan, error) {
	plan := FPSPlan{Source: srcFPS, Target: targetFPS}
	if targetFPS == 0 || srcFPS == 0 || targetFPS == srcFPS {
		return plan, nil
	}
	plan.Convert = true
	perc := 100 * targetFPS / srcFPS
	if int(perc) == 100 {
		return plan, nil
	}
	expr, ok := selectExprs[int(perc)]
	if !ok {
		return plan, resolutionErrorf(pvsID, "frame rate conversion from %g to %g is not supported", srcFPS, targetFPS)
	}
	plan.SelectExpr = expr
	return plan, nil
}
