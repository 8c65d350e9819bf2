package stages

import (
	"context"
	"os"
	"strings"

	"github.com/pkg/errors"

	"github.com/pnats2avhd/processing-chain/internal/graph"
	"github.com/pnats2avhd/processing-chain/internal/media"
	"github.com/pnats2avhd/processing-chain/internal/testconfig"
)

// AvpvsDriver decodes a PVS's segments into one lossless pixel-domain
// sequence (FFV1 video, FLAC/PCM audio). Long databases decode each
// segment over a fixed-size canvas, concatenate them and mux in the
// source audio; stalling events are rendered in afterwards with a spinner
// overlay.
type AvpvsDriver struct {
	env *Env
}

func (d *AvpvsDriver) Inputs(job *graph.Job) []string {
	if d.env.skipOnline(job) {
		return nil
	}
	var in []string
	for i := range job.Params.Segments {
		in = append(in, d.env.segmentPath(&job.Params.Segments[i]))
	}
	if d.env.TC.IsLong() {
		in = append(in, job.PVS.Src.FilePath)
	}
	return in
}

func (d *AvpvsDriver) Outputs(job *graph.Job) []string {
	if d.env.skipOnline(job) {
		return nil
	}
	return []string{job.PVS.AvpvsFilePath()}
}

// Intermediates is the pre-stalling sequence, only kept while the final
// AVPVS still has to be produced.
func (d *AvpvsDriver) Intermediates(job *graph.Job) []string {
	if job.PVS.HasBuffering() {
		return []string{job.PVS.AvpvsWoBufferPath()}
	}
	return nil
}

func (d *AvpvsDriver) Run(ctx context.Context, job *graph.Job) error {
	env := d.env
	if env.skipOnline(job) {
		env.Log.Warnf("skipping %s because it is an online service", job.PVS)
		return nil
	}

	var cmds []media.Command
	var err error
	if env.TC.IsLong() {
		cmds, err = d.runLong(ctx, job)
	} else {
		cmds, err = d.runShort(ctx, job)
	}
	if err != nil {
		return err
	}

	if err := env.writeLogfile(job.PVS.LogfilePath(), job.PVS.ID, cmds); err != nil {
		return errors.Wrapf(err, "writing %s", job.PVS.LogfilePath())
	}
	return nil
}

// runShort decodes the single segment of a short-database PVS directly
// into the AVPVS.
func (d *AvpvsDriver) runShort(ctx context.Context, job *graph.Job) ([]media.Command, error) {
	env := d.env
	pvs := job.PVS

	out := pvs.AvpvsFilePath()
	if pvs.HasBuffering() {
		out = pvs.AvpvsWoBufferPath()
	}

	pp := env.TC.PostProcessings[0]
	w, h := avpvsDims(pvs.Src.Info, pp.CodingWidth, pp.CodingHeight)
	rate := env.avpvsFrameRate(pvs)

	input := env.segmentPath(&job.Params.Segments[0])
	cmd := media.Command{
		Name:    "create AVPVS for " + pvs.ID,
		Program: "ffmpeg",
		Args: []string{"-nostdin", "-y",
			"-i", input,
			"-filter:v", "scale=" + itoa(w) + ":" + itoa(h) + ":flags=bicubic,fps=" + ftoa(rate) + ",setsar=1/1",
			"-c:v", "ffv1", "-threads", "4", "-level", "3", "-coder", "1", "-context", "1", "-slicecrc", "1",
			"-pix_fmt", job.Params.PixFmt,
			"-c:a", "flac",
			out,
		},
	}
	if err := env.Runner.Run(ctx, cmd); err != nil {
		return nil, err
	}
	cmds := []media.Command{cmd}

	if pvs.HasBuffering() {
		buffCmd, err := d.renderStalling(ctx, job, out)
		if err != nil {
			return nil, err
		}
		cmds = append(cmds, buffCmd)
	}
	return cmds, nil
}

// runLong decodes every segment onto a fixed canvas, concatenates the
// decodes, muxes in the source audio and renders stalling if present.
// Per-segment decodes and the concat list are removed right after the
// concatenation; they are only ever needed within this one job.
func (d *AvpvsDriver) runLong(ctx context.Context, job *graph.Job) ([]media.Command, error) {
	env := d.env
	pvs := job.PVS

	pp := env.TC.PostProcessings[0]
	w, h := avpvsDims(pvs.Src.Info, pp.CodingWidth, pp.CodingHeight)
	rate := env.avpvsFrameRate(pvs)

	var cmds []media.Command
	var tmpFiles []string

	for i := range job.Params.Segments {
		plan := &job.Params.Segments[i]
		tmp := pvs.SegmentTmpPath(testconfig.SegmentName(plan.BaseName()))
		tmpFiles = append(tmpFiles, tmp)

		cmd := media.Command{
			Name:    "decode segment " + plan.Filename + " for " + pvs.ID,
			Program: "ffmpeg",
			Args: []string{"-nostdin", "-y",
				"-i", env.segmentPath(plan),
				"-f", "lavfi",
				"-i", "nullsrc=s=" + itoa(w) + "x" + itoa(h) + ":d=" + ftoa(plan.Duration) + ":r=" + ftoa(rate),
				"-filter_complex",
				"[0:v]scale=" + itoa(w) + ":" + itoa(h) + ":flags=bicubic,fps=" + ftoa(rate) + ",setsar=1/1[ol_0];[1:v][ol_0]overlay[vout]",
				"-map", "[vout]",
				"-t", ftoa(plan.Duration),
				"-c:v", "ffv1", "-threads", "4", "-level", "3", "-coder", "1", "-context", "1", "-slicecrc", "1",
				"-pix_fmt", job.Params.PixFmt,
				tmp,
			},
		}
		if err := env.Runner.Run(ctx, cmd); err != nil {
			return nil, err
		}
		cmds = append(cmds, cmd)
	}

	// concat list for the demuxer
	fileList := pvs.AvpvsFileListPath()
	if !env.Runner.DryRun() {
		var b strings.Builder
		for _, tmp := range tmpFiles {
			b.WriteString("file " + tmp + "\n")
		}
		if err := os.WriteFile(fileList, []byte(b.String()), 0o644); err != nil {
			return nil, errors.Wrapf(err, "writing %s", fileList)
		}
	}

	var total int
	for i := range job.Params.Segments {
		total += int(job.Params.Segments[i].Duration)
	}

	woAudio := pvs.AvpvsWoAudioPath()
	concat := media.Command{
		Name:    "concatenate AVPVS for " + pvs.ID,
		Program: "ffmpeg",
		Args: []string{"-nostdin", "-y",
			"-f", "concat", "-safe", "0",
			"-i", fileList,
			"-c:v", "copy", "-t", itoa(total),
			woAudio,
		},
	}
	if err := env.Runner.Run(ctx, concat); err != nil {
		return nil, err
	}
	cmds = append(cmds, concat)

	muxOut := pvs.AvpvsFilePath()
	if pvs.HasBuffering() {
		muxOut = pvs.AvpvsWoBufferPath()
	}
	mux := media.Command{
		Name:    "mux audio for " + pvs.ID,
		Program: "ffmpeg",
		Args: []string{"-nostdin", "-y",
			"-i", woAudio,
			"-i", pvs.Src.FilePath,
			"-c:v", "copy", "-ac", "2", "-c:a", "pcm_s16le",
			"-map", "0:v", "-map", "1:a",
			muxOut,
		},
	}
	if err := env.Runner.Run(ctx, mux); err != nil {
		return nil, err
	}
	cmds = append(cmds, mux)

	if !env.Runner.DryRun() {
		env.Log.Infof("removing %d decoded segments for %s", len(tmpFiles), pvs.ID)
		os.Remove(fileList)
		os.Remove(woAudio)
		for _, tmp := range tmpFiles {
			os.Remove(tmp)
		}
	}

	if pvs.HasBuffering() {
		buffCmd, err := d.renderStalling(ctx, job, muxOut)
		if err != nil {
			return nil, err
		}
		cmds = append(cmds, buffCmd)
	}
	return cmds, nil
}

// renderStalling overlays the loading spinner during each stalling event.
func (d *AvpvsDriver) renderStalling(ctx context.Context, job *graph.Job, input string) (media.Command, error) {
	env := d.env
	pvs := job.PVS

	var parts []string
	for _, ev := range pvs.Hrc.BuffEventsMediaTime() {
		parts = append(parts, "["+ftoa(ev.Offset)+","+ftoa(ev.Duration)+"]")
	}
	buffString := "[" + strings.Join(parts, ",") + "]"

	cmd := media.Command{
		Name:    "render stalling for " + pvs.ID,
		Program: "bufferer",
		Args: []string{
			"-i", input,
			"-o", pvs.AvpvsFilePath(),
			"-b", buffString,
			"--force-framerate", "--black-frame",
			"-v", "ffv1",
			"-a", "pcm_s16le",
			"-x", job.Params.PixFmt,
			"-s", env.Opts.SpinnerPath,
			"-f",
		},
	}
	if err := env.Runner.Run(ctx, cmd); err != nil {
		return media.Command{}, err
	}
	return cmd, nil
}
