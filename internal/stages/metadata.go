package stages

import (
	"context"
	"encoding/csv"
	"os"
	"path/filepath"
	"strconv"

	"github.com/pkg/errors"

	"github.com/pnats2avhd/processing-chain/internal/graph"
	"github.com/pnats2avhd/processing-chain/internal/media"
)

// MetadataDriver extracts side information from the encoded segments of a
// PVS: quality-change records (.qchanges), stalling events (.buff) and
// per-frame video/audio packet tables (.vfi/.afi).
type MetadataDriver struct {
	env *Env
}

func (d *MetadataDriver) Inputs(job *graph.Job) []string {
	if d.env.skipOnline(job) {
		return nil
	}
	var in []string
	for i := range job.Params.Segments {
		in = append(in, d.env.segmentPath(&job.Params.Segments[i]))
	}
	return in
}

func (d *MetadataDriver) Outputs(job *graph.Job) []string {
	if d.env.skipOnline(job) {
		return nil
	}
	paths := d.env.TC.Paths
	out := []string{
		filepath.Join(paths.QualityChangeEventFiles, job.PVS.ID+".qchanges"),
		filepath.Join(paths.VideoFrameInformation, job.PVS.ID+".vfi"),
		filepath.Join(paths.AudioFrameInformation, job.PVS.ID+".afi"),
	}
	if job.PVS.HasBuffering() {
		out = append(out, filepath.Join(paths.BuffEventFiles, job.PVS.ID+".buff"))
	}
	return out
}

func (d *MetadataDriver) Intermediates(job *graph.Job) []string {
	return nil
}

func (d *MetadataDriver) Run(ctx context.Context, job *graph.Job) error {
	env := d.env
	if env.skipOnline(job) {
		env.Log.Warnf("skipping %s because it is an online service", job.PVS)
		return nil
	}
	if env.Runner.DryRun() {
		for _, p := range d.Outputs(job) {
			env.Log.Infof("would write %s", p)
		}
		return nil
	}

	var qchanges []*media.SegmentInfo
	var vfi, afi []media.FrameInfo

	for i := range job.Params.Segments {
		plan := &job.Params.Segments[i]
		path := env.segmentPath(plan)

		info, err := env.Prober.SegmentInfo(ctx, path)
		if err != nil {
			return errors.Wrapf(err, "probing %s", plan.Filename)
		}
		info.SegmentFilename = plan.Filename
		qchanges = append(qchanges, info)

		v, err := env.Prober.VideoFrameInfo(ctx, path)
		if err != nil {
			return errors.Wrapf(err, "reading video frame info of %s", plan.Filename)
		}
		vfi = append(vfi, v...)

		a, err := env.Prober.AudioFrameInfo(ctx, path)
		if err != nil {
			return errors.Wrapf(err, "reading audio frame info of %s", plan.Filename)
		}
		afi = append(afi, a...)
	}

	paths := env.TC.Paths
	if err := writeQchanges(filepath.Join(paths.QualityChangeEventFiles, job.PVS.ID+".qchanges"), job, qchanges); err != nil {
		return err
	}
	if err := writeFrameInfo(filepath.Join(paths.VideoFrameInformation, job.PVS.ID+".vfi"), vfi); err != nil {
		return err
	}
	if err := writeFrameInfo(filepath.Join(paths.AudioFrameInformation, job.PVS.ID+".afi"), afi); err != nil {
		return err
	}

	if job.PVS.HasBuffering() {
		buffFile := filepath.Join(paths.BuffEventFiles, job.PVS.ID+".buff")
		if err := writeBuffEvents(buffFile, job); err != nil {
			return err
		}
		env.Log.Infof("wrote buff events to %s", buffFile)
	}
	return nil
}

func writeQchanges(path string, job *graph.Job, infos []*media.SegmentInfo) error {
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "creating %s", path)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	header := []string{
		"segment_filename", "video_duration", "video_frame_rate",
		"video_bitrate", "video_target_bitrate", "video_width", "video_height",
		"video_codec", "audio_duration", "audio_codec", "audio_bitrate",
	}
	if err := w.Write(header); err != nil {
		return errors.Wrapf(err, "writing %s", path)
	}
	for i, info := range infos {
		plan := &job.Params.Segments[i]
		rec := []string{
			info.SegmentFilename,
			ftoa(info.VideoDuration),
			ftoa(info.FPS),
			ftoa(info.VideoBitrate),
			ftoa(plan.TargetBitrate),
			strconv.Itoa(info.Width),
			strconv.Itoa(info.Height),
			info.VideoCodec,
			ftoa(info.AudioDuration),
			info.AudioCodec,
			ftoa(info.AudioBitrate),
		}
		if err := w.Write(rec); err != nil {
			return errors.Wrapf(err, "writing %s", path)
		}
	}
	w.Flush()
	return errors.Wrapf(w.Error(), "writing %s", path)
}

func writeFrameInfo(path string, frames []media.FrameInfo) error {
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "creating %s", path)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if err := w.Write([]string{"pts", "dts", "duration", "size", "keyframe"}); err != nil {
		return errors.Wrapf(err, "writing %s", path)
	}
	for _, fr := range frames {
		key := "0"
		if fr.Keyframe {
			key = "1"
		}
		rec := []string{
			ftoa(fr.PTS), ftoa(fr.DTS), ftoa(fr.Duration),
			strconv.FormatInt(fr.Size, 10), key,
		}
		if err := w.Write(rec); err != nil {
			return errors.Wrapf(err, "writing %s", path)
		}
	}
	w.Flush()
	return errors.Wrapf(w.Error(), "writing %s", path)
}

// writeBuffEvents writes one "offset,duration" line per stalling event, in
// media time.
func writeBuffEvents(path string, job *graph.Job) error {
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "creating %s", path)
	}
	defer f.Close()

	for _, ev := range job.PVS.Hrc.BuffEventsMediaTime() {
		if _, err := f.WriteString(ftoa(ev.Offset) + "," + ftoa(ev.Duration) + "\n"); err != nil {
			return errors.Wrapf(err, "writing %s", path)
		}
	}
	return nil
}
