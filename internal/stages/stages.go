// Package stages implements the four pipeline stages as scheduler drivers:
// segment encoding, metadata extraction, AVPVS aggregation and CPVS
// post-processing.
package stages

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pnats2avhd/processing-chain/internal/graph"
	"github.com/pnats2avhd/processing-chain/internal/media"
	"github.com/pnats2avhd/processing-chain/internal/params"
	"github.com/pnats2avhd/processing-chain/internal/scheduler"
	"github.com/pnats2avhd/processing-chain/internal/testconfig"
	"github.com/pnats2avhd/processing-chain/pkg/logger"
)

// OnlineService produces segments through an external encoding service
// instead of the local encoder.
type OnlineService interface {
	FetchSegment(ctx context.Context, pvs *testconfig.Pvs, plan *params.SegmentPlan, dest string) error
}

// Options are the stage-level switches from the command line.
type Options struct {
	SkipOnlineServices bool
	SpinnerPath        string

	// AvpvsSrcFPS keeps the source frame rate in the AVPVS instead of
	// resampling to 60 fps.
	AvpvsSrcFPS bool
	Force60FPS  bool

	RawVideo           bool
	LightweightPreview bool
	NonRawCRF          int

	ChainVersion string
}

// Env bundles what every driver needs.
type Env struct {
	TC     *testconfig.TestConfig
	Runner *media.Runner
	Prober *media.Prober
	Log    logger.Logger
	Online OnlineService
	Opts   Options
}

// Drivers returns the driver set for the scheduler, one per stage.
func Drivers(env *Env) map[graph.Stage]scheduler.Driver {
	return map[graph.Stage]scheduler.Driver{
		graph.StageSegments: &SegmentsDriver{env},
		graph.StageMetadata: &MetadataDriver{env},
		graph.StageAVPVS:    &AvpvsDriver{env},
		graph.StageCPVS:     &CpvsDriver{env},
	}
}

// skipOnline reports whether a whole PVS is excluded from this run because
// it uses an online encoding service and those are being skipped.
func (e *Env) skipOnline(job *graph.Job) bool {
	return e.Opts.SkipOnlineServices && job.PVS.IsOnline()
}

// avpvsFrameRate is the frame rate of the intermediate pixel-domain
// sequence: 60 fps unless the source rate is explicitly kept.
func (e *Env) avpvsFrameRate(pvs *testconfig.Pvs) float64 {
	if e.Opts.AvpvsSrcFPS && !e.Opts.Force60FPS {
		return pvs.Src.Info.FPS()
	}
	return 60.0
}

// avpvsDims returns the width and height of the AVPVS. Smaller-than-source
// coding resolutions (mobile contexts) keep the coding width and derive
// the height from the source aspect ratio; otherwise the source height is
// kept.
func avpvsDims(src *testconfig.StreamInfo, codingWidth, codingHeight int) (int, int) {
	if src.CodedWidth == codingWidth && src.CodedHeight == codingHeight {
		return codingWidth, codingHeight
	}
	srcAspect := float64(src.CodedWidth) / float64(src.CodedHeight)
	codingAspect := float64(codingWidth) / float64(codingHeight)
	if codingWidth < src.CodedWidth {
		if srcAspect != codingAspect {
			h := int(float64(codingWidth) / srcAspect)
			if h%2 == 1 {
				h++
			}
			return codingWidth, h
		}
		return codingWidth, codingHeight
	}
	return codingWidth, src.CodedHeight
}

// segmentPath is the full path of one encoded segment file.
func (e *Env) segmentPath(plan *params.SegmentPlan) string {
	return filepath.Join(e.TC.Paths.VideoSegments, plan.Filename)
}

// writeLogfile records the commands that produced an artifact, with
// machine-local path prefixes stripped so logfiles compare across hosts.
func (e *Env) writeLogfile(path, subject string, cmds []media.Command) error {
	if e.Runner.DryRun() {
		return nil
	}
	var b strings.Builder
	b.WriteString("segmentFilename: " + subject + "\n")
	b.WriteString("processingChain: " + e.Opts.ChainVersion + "\n")
	for _, cmd := range cmds {
		line := cmd.String()
		line = strings.ReplaceAll(line, e.TC.Paths.VideoSegments+string(os.PathSeparator), "")
		line = strings.ReplaceAll(line, e.TC.Paths.Logs+string(os.PathSeparator), "")
		line = strings.ReplaceAll(line, e.TC.Paths.SrcVid+string(os.PathSeparator), "")
		b.WriteString("ffmpegCommand: " + line + "\n")
	}
	return os.WriteFile(path, []byte(b.String()), 0o644)
}

// ftoa formats a float the way ffmpeg arguments expect, without trailing
// zeros.
func ftoa(f float64) string {
	return strconv.FormatFloat(f, 'g', -1, 64)
}

func itoa(i int) string {
	return strconv.Itoa(i)
}

func kbit(f float64) string {
	return fmt.Sprintf("%dk", int(f))
}
