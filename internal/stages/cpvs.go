package stages

import (
	"context"
	"strings"

	"github.com/pkg/errors"

	"github.com/pnats2avhd/processing-chain/internal/graph"
	"github.com/pnats2avhd/processing-chain/internal/media"
	"github.com/pnats2avhd/processing-chain/internal/testconfig"
)

// CpvsDriver converts the AVPVS into one playable file per viewing
// context: near-lossless AVI for PC contexts, padded H.264 MP4 for mobile
// and tablet, plus an optional ProRes preview. Long databases get their
// audio normalized afterwards.
type CpvsDriver struct {
	env *Env
}

func (d *CpvsDriver) Inputs(job *graph.Job) []string {
	if d.env.skipOnline(job) {
		return nil
	}
	return []string{job.PVS.AvpvsFilePath()}
}

func (d *CpvsDriver) Outputs(job *graph.Job) []string {
	if d.env.skipOnline(job) {
		return nil
	}
	var out []string
	for _, pp := range d.env.TC.PostProcessings {
		out = append(out, job.PVS.CpvsFilePath(pp.Type, d.env.Opts.RawVideo))
	}
	if d.env.Opts.LightweightPreview {
		out = append(out, job.PVS.PreviewFilePath())
	}
	return out
}

func (d *CpvsDriver) Intermediates(job *graph.Job) []string {
	return nil
}

func (d *CpvsDriver) Run(ctx context.Context, job *graph.Job) error {
	env := d.env
	if env.skipOnline(job) {
		env.Log.Warnf("skipping %s because it is an online service", job.PVS)
		return nil
	}

	for _, pp := range env.TC.PostProcessings {
		cmds, err := buildCpvsCommands(env, job, pp)
		if err != nil {
			return err
		}
		for _, cmd := range cmds {
			if err := env.Runner.Run(ctx, cmd); err != nil {
				return err
			}
		}
	}

	if env.Opts.LightweightPreview {
		cmd := buildPreviewCommand(env, job)
		if err := env.Runner.Run(ctx, cmd); err != nil {
			return err
		}
	}
	return nil
}

// buildCpvsCommands returns the conversion for one viewing context, plus
// the audio normalization pass for long databases.
func buildCpvsCommands(env *Env, job *graph.Job, pp testconfig.PostProcessing) ([]media.Command, error) {
	pvs := job.PVS
	input := pvs.AvpvsFilePath()
	output := pvs.CpvsFilePath(pp.Type, env.Opts.RawVideo)

	_, avpvsHeight := avpvsDims(pvs.Src.Info, pp.CodingWidth, pp.CodingHeight)

	var args []string
	var normalizeAudio string

	if isPCContext(pp.Type) {
		vcodec, pixFmt, err := cpvsVideoFormat(job.Params.PixFmt, env.Opts.RawVideo)
		if err != nil {
			return nil, errors.Wrapf(err, "converting %s for %s", pvs.ID, pp.Type)
		}

		vf := "fps=fps=" + ftoa(pp.DisplayFrameRate)
		// smaller sequences are padded with black bars to the display size
		if avpvsHeight < pp.CodingHeight {
			vf += ",pad=width=" + itoa(pp.DisplayWidth) + ":height=" + itoa(pp.DisplayHeight) + ":x=(ow-iw)/2:y=(oh-ih)/2"
		}

		args = []string{"-nostdin", "-y",
			"-i", input,
			"-af", "aresample=48000",
			"-filter:v", vf,
			"-c:v", vcodec, "-pix_fmt", pixFmt,
		}
		if env.TC.IsShort() {
			args = append(args, "-an")
		} else {
			args = append(args,
				"-ac", "2", "-c:a", "pcm_s16le",
				"-t", ftoa(pvs.Hrc.LongDuration()))
		}
	} else {
		vf := "fps=fps=" + ftoa(pp.DisplayFrameRate)
		if pp.DisplayHeight != pp.CodingHeight || avpvsHeight < pp.CodingHeight {
			vf += ",pad=width=" + itoa(pp.DisplayWidth) + ":height=" + itoa(pp.DisplayHeight) + ":x=(ow-iw)/2:y=(oh-ih)/2"
		}

		args = []string{"-nostdin", "-y",
			"-i", input,
			"-filter:v", vf,
			"-c:v", "libx264", "-preset", "fast",
			"-pix_fmt", "yuv420p",
			"-crf", itoa(env.Opts.NonRawCRF),
			"-profile:v", "high",
			"-movflags", "faststart",
		}
		if env.TC.IsShort() {
			args = append(args, "-an")
		} else {
			normalizeAudio = "aac"
			args = append(args,
				"-c:a", "aac", "-b:a", "512k",
				"-t", ftoa(pvs.Hrc.LongDuration()))
		}
	}
	args = append(args, output)

	cmds := []media.Command{{
		Name:    "create CPVS " + strings.ToUpper(pp.Type[0:2]) + " for " + pvs.ID,
		Program: "ffmpeg",
		Args:    args,
	}}

	// normalize audio to -23 dBFS RMS in place
	if env.TC.IsLong() {
		norm := []string{output, "-o", output, "-f", "-nt", "rms"}
		if normalizeAudio != "" {
			norm = append(norm, "-c:a", "aac", "-b:a", "512k")
		}
		cmds = append(cmds, media.Command{
			Name:    "normalize audio of CPVS " + strings.ToUpper(pp.Type[0:2]) + " for " + pvs.ID,
			Program: "ffmpeg-normalize",
			Args:    norm,
		})
	}
	return cmds, nil
}

func buildPreviewCommand(env *Env, job *graph.Job) media.Command {
	pvs := job.PVS
	return media.Command{
		Name:    "create preview for " + pvs.ID,
		Program: "ffmpeg",
		Args: []string{"-nostdin", "-y",
			"-i", pvs.AvpvsFilePath(),
			"-c:v", "prores",
			"-c:a", "aac",
			pvs.PreviewFilePath(),
		},
	}
}

func isPCContext(t string) bool {
	return t == "pc" || t == "tv" || strings.HasSuffix(t, "-pc-home")
}

// cpvsVideoFormat maps the AVPVS pixel format to the codec and pixel
// format of the PC-context CPVS. Raw output keeps the AVPVS format as-is;
// otherwise 8-bit sequences become uyvy422 rawvideo and 10-bit ones v210.
func cpvsVideoFormat(avpvsPixFmt string, rawvideo bool) (vcodec, pixFmt string, err error) {
	if rawvideo {
		return "rawvideo", avpvsPixFmt, nil
	}
	switch avpvsPixFmt {
	case "yuv420p", "yuv422p":
		return "rawvideo", "uyvy422", nil
	case "yuv420p10le", "yuv422p10le":
		return "v210", "yuv422p10le", nil
	}
	return "", "", errors.Errorf("cannot use input pixel format %s for CPVS", avpvsPixFmt)
}
