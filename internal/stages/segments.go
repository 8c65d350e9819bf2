package stages

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"

	"github.com/pnats2avhd/processing-chain/internal/graph"
	"github.com/pnats2avhd/processing-chain/internal/media"
	"github.com/pnats2avhd/processing-chain/internal/params"
)

// SegmentsDriver encodes the deduplicated segments of a PVS. Segments
// shared with an earlier PVS are produced by that PVS's job; this job only
// encodes the ones it owns.
type SegmentsDriver struct {
	env *Env
}

func (d *SegmentsDriver) Inputs(job *graph.Job) []string {
	if d.env.skipOnline(job) {
		return nil
	}
	return []string{job.PVS.Src.FilePath}
}

func (d *SegmentsDriver) Outputs(job *graph.Job) []string {
	var out []string
	for i := range job.Params.Segments {
		plan := &job.Params.Segments[i]
		if !plan.Owned {
			continue
		}
		if job.Params.Video.IsOnline && d.env.Opts.SkipOnlineServices {
			continue
		}
		out = append(out, d.env.segmentPath(plan))
	}
	return out
}

func (d *SegmentsDriver) Intermediates(job *graph.Job) []string {
	return nil
}

func (d *SegmentsDriver) Run(ctx context.Context, job *graph.Job) error {
	env := d.env
	for i := range job.Params.Segments {
		plan := &job.Params.Segments[i]
		if !plan.Owned {
			continue
		}
		dest := env.segmentPath(plan)

		if job.Params.Video.IsOnline {
			if env.Opts.SkipOnlineServices {
				env.Log.Debugf("skipping %s because online services are disabled", plan.Filename)
				continue
			}
			if env.Online == nil {
				return errors.Errorf("segment %s needs online service %q but none is configured",
					plan.Filename, job.Params.Video.Encoder)
			}
			if env.Runner.DryRun() {
				env.Log.Infof("would fetch %s from %s", plan.Filename, job.Params.Video.Encoder)
				continue
			}
			if err := env.Online.FetchSegment(ctx, job.PVS, plan, dest); err != nil {
				return errors.Wrapf(err, "fetching %s", plan.Filename)
			}
			continue
		}

		cmds := buildSegmentCommands(env, job, plan)
		for _, cmd := range cmds {
			if err := env.Runner.Run(ctx, cmd); err != nil {
				return err
			}
		}
		logfile := filepath.Join(env.TC.Paths.Logs, plan.BaseName()+".log")
		if err := env.writeLogfile(logfile, plan.Filename, cmds); err != nil {
			return errors.Wrapf(err, "writing %s", logfile)
		}
	}
	return nil
}

// buildSegmentCommands returns the encode invocations for one segment:
// one command for single-pass or CRF encoding, two for two-pass.
func buildSegmentCommands(env *Env, job *graph.Job, plan *params.SegmentPlan) []media.Command {
	video := job.Params.Video
	dest := env.segmentPath(plan)

	common := []string{"-nostdin", "-y",
		"-ss", ftoa(plan.StartTime),
		"-i", job.PVS.Src.FilePath,
	}
	// AV1 encoders manage their own threading
	if !strings.Contains(video.Encoder, "aom") {
		common = append(common, "-threads", "1")
	}
	common = append(common,
		"-t", ftoa(plan.Duration),
		"-video_track_timescale", "90000",
		"-filter:v", strings.Join(plan.Filters, ","),
	)
	var audio []string
	if job.Params.Audio != nil {
		audio = []string{"-c:a", job.Params.Audio.Encoder, "-b:a", itoa(job.Params.Audio.Bitrate) + "k"}
	}

	if video.Passes == 2 {
		passlog := filepath.Join(env.TC.Paths.Logs, "passlogfile_"+plan.BaseName())
		format := containerFormat(plan.Extension)

		pass1 := append([]string{}, common...)
		pass1 = append(pass1, audio...)
		pass1 = append(pass1, encoderArgs(video, plan, 1, 2, passlog)...)
		pass1 = append(pass1, "-f", format, os.DevNull)

		pass2 := append([]string{}, common...)
		pass2 = append(pass2, audio...)
		pass2 = append(pass2, encoderArgs(video, plan, 2, 2, passlog)...)
		pass2 = append(pass2, dest)

		return []media.Command{
			{Name: "encode " + plan.Filename + " (pass 1)", Program: "ffmpeg", Args: pass1},
			{Name: "encode " + plan.Filename + " (pass 2)", Program: "ffmpeg", Args: pass2},
		}
	}

	args := append([]string{}, common...)
	args = append(args, encoderArgs(video, plan, 1, 1, "")...)
	args = append(args, audio...)
	args = append(args, dest)
	return []media.Command{
		{Name: "encode " + plan.Filename, Program: "ffmpeg", Args: args},
	}
}

func containerFormat(ext string) string {
	switch ext {
	case "mkv":
		return "matroska"
	case "webm":
		return "webm"
	default:
		return "mp4"
	}
}

// encoderArgs builds the encoder-specific part of a segment command. The
// rate control, keyframe and tuning options differ per encoder family.
func encoderArgs(video params.Video, plan *params.SegmentPlan, currentPass, totalPasses int, passlog string) []string {
	targetFPS := plan.FPS.Source
	if plan.FPS.Convert {
		targetFPS = plan.FPS.Target
	}
	keyint := 0
	if video.IFrameInterval > 0 {
		keyint = int(targetFPS * float64(video.IFrameInterval))
	}

	args := []string{"-c:v", video.Encoder}

	switch video.Encoder {
	case "libx264", "h264_nvenc":
		if plan.HasVideoCRF {
			args = append(args, "-crf", itoa(plan.VideoCRF))
		} else {
			args = append(args, "-b:v", kbit(plan.TargetBitrate))
		}
		if video.MaxrateFactor > 0 {
			args = append(args, "-maxrate", kbit(video.MaxrateFactor*plan.TargetBitrate))
		}
		if video.BufsizeFactor > 0 {
			args = append(args, "-bufsize", kbit(video.BufsizeFactor*plan.TargetBitrate))
		}
		if video.MinrateFactor > 0 {
			args = append(args, "-minrate", kbit(video.MinrateFactor*plan.TargetBitrate))
		}
		if keyint > 0 {
			args = append(args, "-g", itoa(keyint), "-keyint_min", itoa(keyint))
		}
		var x264 []string
		if !video.Scenecut {
			x264 = append(x264, "scenecut=-1")
		}
		if video.HasBFrames {
			x264 = append(x264, "bframes="+itoa(video.BFrames))
		}
		if len(x264) > 0 && video.Encoder == "libx264" {
			args = append(args, "-x264-params", strings.Join(x264, ":"))
		}
		args = append(args, presetArgs(video)...)
		args = append(args, "-pix_fmt", plan.PixFmt)
		args = append(args, passArgs(currentPass, totalPasses, passlog)...)

	case "libx265", "hevc_nvenc":
		if plan.HasVideoCRF {
			args = append(args, "-crf", itoa(plan.VideoCRF))
		} else {
			args = append(args, "-b:v", kbit(plan.TargetBitrate))
		}
		var x265 []string
		if video.MaxrateFactor > 0 {
			if video.Encoder == "libx265" {
				x265 = append(x265, "vbv-maxrate="+itoa(int(video.MaxrateFactor*plan.TargetBitrate)))
			} else {
				args = append(args, "-maxrate", kbit(video.MaxrateFactor*plan.TargetBitrate))
			}
		}
		if video.BufsizeFactor > 0 {
			if video.Encoder == "libx265" {
				x265 = append(x265, "vbv-bufsize="+itoa(int(video.BufsizeFactor*plan.TargetBitrate)))
			} else {
				args = append(args, "-bufsize", kbit(video.BufsizeFactor*plan.TargetBitrate))
			}
		}
		if video.MinrateFactor > 0 {
			args = append(args, "-minrate", kbit(video.MinrateFactor*plan.TargetBitrate))
		}
		if keyint > 0 {
			if video.Encoder == "libx265" {
				x265 = append(x265, "keyint="+itoa(keyint), "min-keyint="+itoa(keyint))
			} else {
				args = append(args, "-g", itoa(keyint))
			}
		}
		if !video.Scenecut {
			x265 = append(x265, "scenecut=0")
		}
		if video.HasBFrames {
			x265 = append(x265, "bframes="+itoa(video.BFrames))
		}
		if totalPasses == 2 {
			x265 = append(x265, "pass="+itoa(currentPass), "stats="+passlog)
		}
		if len(x265) > 0 && video.Encoder == "libx265" {
			args = append(args, "-x265-params", strings.Join(x265, ":"))
		}
		args = append(args, presetArgs(video)...)
		args = append(args, "-pix_fmt", plan.PixFmt)

	case "libvpx-vp9":
		if plan.HasVideoCRF {
			args = append(args, "-b:v", "0", "-crf", itoa(plan.VideoCRF))
		} else {
			args = append(args, "-b:v", kbit(plan.TargetBitrate))
		}
		if video.MaxrateFactor > 0 {
			args = append(args, "-maxrate", kbit(video.MaxrateFactor*plan.TargetBitrate))
		}
		if video.BufsizeFactor > 0 {
			args = append(args, "-bufsize", kbit(video.BufsizeFactor*plan.TargetBitrate))
		}
		if video.MinrateFactor > 0 {
			args = append(args, "-minrate", kbit(video.MinrateFactor*plan.TargetBitrate))
		}
		if keyint > 0 {
			args = append(args, "-g", itoa(keyint), "-keyint_min", itoa(keyint))
		}
		speed := video.Speed
		// the first of two passes always runs at maximum speed
		if totalPasses == 2 && currentPass == 1 {
			speed = 4
		}
		args = append(args, "-strict", "-2",
			"-quality", video.Quality,
			"-speed", itoa(speed),
			"-pix_fmt", plan.PixFmt)
		args = append(args, passArgs(currentPass, totalPasses, passlog)...)

	case "libaom-av1":
		if plan.HasVideoCRF {
			args = append(args, "-b:v", "0", "-crf", itoa(plan.VideoCRF))
		} else {
			args = append(args, "-b:v", kbit(plan.TargetBitrate))
		}
		if video.MaxrateFactor > 0 {
			args = append(args, "-maxrate", kbit(video.MaxrateFactor*plan.TargetBitrate))
		}
		if video.MinrateFactor > 0 {
			args = append(args, "-minrate", kbit(video.MinrateFactor*plan.TargetBitrate))
		}
		if keyint > 0 {
			args = append(args, "-g", itoa(keyint), "-keyint_min", itoa(keyint))
		}
		if !video.Scenecut {
			args = append(args, "-sc_threshold", "0")
		}
		args = append(args, "-strict", "-2",
			"-tile-columns", "1", "-tile-rows", "0",
			"-threads", "4", "-cpu-used", "6", "-row-mt", "1",
			"-usage", "1",
			"-enable-global-motion", "0", "-enable-intrabc", "0", "-enable-restoration", "0",
			"-pix_fmt", plan.PixFmt)
		args = append(args, passArgs(currentPass, totalPasses, passlog)...)
	}

	return args
}

func presetArgs(video params.Video) []string {
	if video.Preset == "" {
		return nil
	}
	return []string{"-preset", video.Preset}
}

func passArgs(currentPass, totalPasses int, passlog string) []string {
	if totalPasses != 2 {
		return nil
	}
	return []string{"-pass", itoa(currentPass), "-passlogfile", passlog}
}
