package stages

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pnats2avhd/processing-chain/internal/graph"
	"github.com/pnats2avhd/processing-chain/internal/params"
	"github.com/pnats2avhd/processing-chain/internal/testconfig"
	"github.com/pnats2avhd/processing-chain/pkg/logger"
)

type fakeProber struct{}

func (f *fakeProber) SrcInfo(path string) (*testconfig.StreamInfo, error) {
	return &testconfig.StreamInfo{
		Width: 1920, Height: 1080, CodedWidth: 1920, CodedHeight: 1080,
		PixFmt: "yuv420p", FrameRate: "24/1", Duration: 8,
	}, nil
}

const shortDatabase = `
databaseId: P2STR41
syntaxVersion: 6
type: short
qualityLevelList:
  Q1:
    index: 1
    videoCodec: h264
    videoBitrate: 1500
    width: 1920
    height: 1080
    fps: 24
codingList:
  VC01:
    type: video
    encoder: libx264
    passes: %d
    iFrameInterval: 2
    maxrateFactor: 1.2
    bufsizeFactor: 1.5
srcList:
  SRC001: clip1.avi
hrcList:
  HRC001:
    videoCodingId: VC01
    eventList:
      - [Q1, 8]
postProcessingList:
  - type: pc
    displayWidth: 1920
    displayHeight: 1080
    codingWidth: 1920
    codingHeight: 1080
`

const longDatabase = `
databaseId: P2LTR41
syntaxVersion: 6
type: long
segmentDuration: 4
qualityLevelList:
  Q1:
    index: 1
    videoCodec: h264
    videoBitrate: 1500
    width: 1920
    height: 1080
    fps: 24
    audioCodec: aac
    audioBitrate: 128
codingList:
  VC01:
    type: video
    encoder: libx264
    passes: 1
    iFrameInterval: 2
    maxrateFactor: 1.2
    bufsizeFactor: 1.5
  AC01:
    type: audio
    encoder: aac
srcList:
  SRC001: clip1.avi
hrcList:
  HRC001:
    videoCodingId: VC01
    audioCodingId: AC01
    eventList:
      - [Q1, 8]
postProcessingList:
  - type: pc
    displayWidth: 1920
    displayHeight: 1080
    codingWidth: 1920
    codingHeight: 1080
`

func loadDatabase(t *testing.T, dbID, content string) *testconfig.TestConfig {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, dbID+".yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	srcDir := filepath.Join(dir, "srcVid")
	require.NoError(t, os.MkdirAll(srcDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(srcDir, "clip1.avi"), []byte("x"), 0o644))

	tc, err := testconfig.Load(path, testconfig.Options{
		Prober: &fakeProber{},
		Log:    logger.NewNopLogger(),
	})
	require.NoError(t, err)
	return tc
}

// newEnv loads a database and returns the stage environment plus the first
// job of the given stage.
func newEnv(t *testing.T, dbID, content string, stage graph.Stage) (*Env, *graph.Job) {
	t.Helper()
	tc := loadDatabase(t, dbID, content)
	g := graph.Build(tc, graph.AllStages(), graph.NewFilters("", "", ""))
	jobs := g.StageJobs(stage)
	require.NotEmpty(t, jobs)
	require.NotNil(t, jobs[0].Params, "parameter resolution must succeed")

	env := &Env{
		TC:   tc,
		Log:  logger.NewNopLogger(),
		Opts: Options{NonRawCRF: 17, ChainVersion: "test"},
	}
	return env, jobs[0]
}

func TestBuildSegmentCommandsTwoPass(t *testing.T) {
	env, job := newEnv(t, "P2STR41", fmt.Sprintf(shortDatabase, 2), graph.StageSegments)

	plan := &job.Params.Segments[0]
	cmds := buildSegmentCommands(env, job, plan)
	require.Len(t, cmds, 2)

	passlog := filepath.Join(env.TC.Paths.Logs, "passlogfile_P2STR41_SRC001_Q1_0000_0-8")
	dest := filepath.Join(env.TC.Paths.VideoSegments, "P2STR41_SRC001_Q1_0000_0-8.mp4")

	want1 := []string{
		"-nostdin", "-y",
		"-ss", "0",
		"-i", job.PVS.Src.FilePath,
		"-threads", "1",
		"-t", "8",
		"-video_track_timescale", "90000",
		"-filter:v", "scale=1920:-2:flags=bicubic,fps=fps=24",
		"-c:v", "libx264",
		"-b:v", "1500k",
		"-maxrate", "1800k",
		"-bufsize", "2250k",
		"-g", "48", "-keyint_min", "48",
		"-pix_fmt", "yuv420p",
		"-pass", "1", "-passlogfile", passlog,
		"-f", "mp4", os.DevNull,
	}
	assert.Equal(t, "ffmpeg", cmds[0].Program)
	assert.Equal(t, want1, cmds[0].Args)

	// second pass only differs in pass number and destination
	assert.Equal(t, "2", cmds[1].Args[len(cmds[1].Args)-3])
	assert.Equal(t, dest, cmds[1].Args[len(cmds[1].Args)-1])
	assert.NotContains(t, cmds[1].Args, "-f")
}

func TestBuildSegmentCommandsSinglePass(t *testing.T) {
	env, job := newEnv(t, "P2STR41", fmt.Sprintf(shortDatabase, 1), graph.StageSegments)

	plan := &job.Params.Segments[0]
	cmds := buildSegmentCommands(env, job, plan)
	require.Len(t, cmds, 1)

	args := cmds[0].Args
	assert.NotContains(t, args, "-pass")
	assert.NotContains(t, args, os.DevNull)
	assert.Equal(t, filepath.Join(env.TC.Paths.VideoSegments, "P2STR41_SRC001_Q1_0000_0-8.mp4"),
		args[len(args)-1])
}

func TestBuildSegmentCommandsLongIncludesAudio(t *testing.T) {
	env, job := newEnv(t, "P2LTR41", longDatabase, graph.StageSegments)

	plan := &job.Params.Segments[0]
	cmds := buildSegmentCommands(env, job, plan)
	require.Len(t, cmds, 1)
	assert.Contains(t, cmds[0].Args, "-c:a")
	assert.Contains(t, cmds[0].Args, "aac")
	assert.Contains(t, cmds[0].Args, "128k")
}

func TestSegmentsDriverOutputsOwnedOnly(t *testing.T) {
	env, job := newEnv(t, "P2STR41", fmt.Sprintf(shortDatabase, 2), graph.StageSegments)
	d := &SegmentsDriver{env}

	out := d.Outputs(job)
	require.Len(t, out, 1)
	assert.Equal(t, filepath.Join(env.TC.Paths.VideoSegments, "P2STR41_SRC001_Q1_0000_0-8.mp4"), out[0])
	assert.Equal(t, []string{job.PVS.Src.FilePath}, d.Inputs(job))
}

func TestContainerFormat(t *testing.T) {
	assert.Equal(t, "mp4", containerFormat("mp4"))
	assert.Equal(t, "matroska", containerFormat("mkv"))
	assert.Equal(t, "webm", containerFormat("webm"))
}

func TestEncoderArgsX265(t *testing.T) {
	video := params.Video{
		Encoder:        "libx265",
		MaxrateFactor:  1.2,
		BufsizeFactor:  1.5,
		IFrameInterval: 2,
		Scenecut:       false,
	}
	plan := &params.SegmentPlan{
		TargetBitrate: 1000,
		PixFmt:        "yuv420p",
		FPS:           params.FPSPlan{Source: 24},
	}

	args := encoderArgs(video, plan, 1, 2, "/logs/pass")
	assert.Equal(t, []string{
		"-c:v", "libx265",
		"-b:v", "1000k",
		"-x265-params", "vbv-maxrate=1200:vbv-bufsize=1500:keyint=48:min-keyint=48:scenecut=0:pass=1:stats=/logs/pass",
		"-pix_fmt", "yuv420p",
	}, args)
}

func TestEncoderArgsVP9SpeedOverride(t *testing.T) {
	video := params.Video{
		Encoder: "libvpx-vp9",
		Quality: "good",
		Speed:   1,
	}
	plan := &params.SegmentPlan{
		TargetBitrate: 1000,
		PixFmt:        "yuv420p",
		FPS:           params.FPSPlan{Source: 24},
	}

	// first of two passes always runs at maximum speed
	pass1 := encoderArgs(video, plan, 1, 2, "/logs/pass")
	idx := indexOf(pass1, "-speed")
	require.GreaterOrEqual(t, idx, 0)
	assert.Equal(t, "4", pass1[idx+1])

	pass2 := encoderArgs(video, plan, 2, 2, "/logs/pass")
	idx = indexOf(pass2, "-speed")
	require.GreaterOrEqual(t, idx, 0)
	assert.Equal(t, "1", pass2[idx+1])
}

func TestEncoderArgsVP9CRF(t *testing.T) {
	video := params.Video{Encoder: "libvpx-vp9", Quality: "good", Speed: 2}
	plan := &params.SegmentPlan{
		VideoCRF:    31,
		HasVideoCRF: true,
		PixFmt:      "yuv420p",
		FPS:         params.FPSPlan{Source: 24},
	}

	args := encoderArgs(video, plan, 1, 1, "")
	i := indexOf(args, "-b:v")
	require.GreaterOrEqual(t, i, 0)
	assert.Equal(t, "0", args[i+1])
	i = indexOf(args, "-crf")
	require.GreaterOrEqual(t, i, 0)
	assert.Equal(t, "31", args[i+1])
}

func TestEncoderArgsAV1(t *testing.T) {
	video := params.Video{Encoder: "libaom-av1", Scenecut: false}
	plan := &params.SegmentPlan{
		TargetBitrate: 1000,
		PixFmt:        "yuv420p",
		FPS:           params.FPSPlan{Source: 24},
	}

	args := encoderArgs(video, plan, 1, 1, "")
	assert.Contains(t, args, "-sc_threshold")
	assert.Contains(t, args, "-cpu-used")
	assert.Contains(t, args, "-row-mt")
}

func indexOf(args []string, flag string) int {
	for i, a := range args {
		if a == flag {
			return i
		}
	}
	return -1
}

func TestAvpvsDims(t *testing.T) {
	src := &testconfig.StreamInfo{CodedWidth: 1920, CodedHeight: 1080}

	w, h := avpvsDims(src, 1920, 1080)
	assert.Equal(t, [2]int{1920, 1080}, [2]int{w, h})

	// smaller coding width with different aspect: derive height from source
	w, h = avpvsDims(src, 640, 480)
	assert.Equal(t, [2]int{640, 360}, [2]int{w, h})

	// smaller coding width with matching aspect
	w, h = avpvsDims(src, 1280, 720)
	assert.Equal(t, [2]int{1280, 720}, [2]int{w, h})

	// larger display than source: keep source height
	w, h = avpvsDims(src, 3840, 2160)
	assert.Equal(t, [2]int{3840, 1080}, [2]int{w, h})
}

func TestIsPCContext(t *testing.T) {
	assert.True(t, isPCContext("pc"))
	assert.True(t, isPCContext("hd-pc-home"))
	assert.True(t, isPCContext("uhd-pc-home"))
	assert.False(t, isPCContext("mobile"))
	assert.False(t, isPCContext("tablet"))
}

func TestCpvsVideoFormat(t *testing.T) {
	vcodec, pixFmt, err := cpvsVideoFormat("yuv420p", false)
	require.NoError(t, err)
	assert.Equal(t, "rawvideo", vcodec)
	assert.Equal(t, "uyvy422", pixFmt)

	vcodec, pixFmt, err = cpvsVideoFormat("yuv422p10le", false)
	require.NoError(t, err)
	assert.Equal(t, "v210", vcodec)
	assert.Equal(t, "yuv422p10le", pixFmt)

	vcodec, pixFmt, err = cpvsVideoFormat("yuv422p10le", true)
	require.NoError(t, err)
	assert.Equal(t, "rawvideo", vcodec)
	assert.Equal(t, "yuv422p10le", pixFmt)

	_, _, err = cpvsVideoFormat("rgb24", false)
	assert.Error(t, err)
}

func TestBuildCpvsCommandsShortPC(t *testing.T) {
	env, job := newEnv(t, "P2STR41", fmt.Sprintf(shortDatabase, 2), graph.StageCPVS)

	pp := env.TC.PostProcessings[0]
	cmds, err := buildCpvsCommands(env, job, pp)
	require.NoError(t, err)
	require.Len(t, cmds, 1)

	args := cmds[0].Args
	assert.Contains(t, args, "-an")
	assert.Contains(t, args, "rawvideo")
	assert.Contains(t, args, "uyvy422")
	assert.Contains(t, args, "aresample=48000")
	assert.Equal(t, job.PVS.CpvsFilePath("pc", false), args[len(args)-1])
	assert.Equal(t, ".avi", filepath.Ext(args[len(args)-1]))
}

func TestBuildCpvsCommandsRawVideo(t *testing.T) {
	env, job := newEnv(t, "P2STR41", fmt.Sprintf(shortDatabase, 2), graph.StageCPVS)
	env.Opts.RawVideo = true

	pp := env.TC.PostProcessings[0]
	cmds, err := buildCpvsCommands(env, job, pp)
	require.NoError(t, err)
	args := cmds[0].Args
	assert.Contains(t, args, "rawvideo")
	assert.Contains(t, args, "yuv420p")
	assert.Equal(t, ".mkv", filepath.Ext(args[len(args)-1]))
}

func TestBuildCpvsCommandsMobile(t *testing.T) {
	env, job := newEnv(t, "P2STR41", fmt.Sprintf(shortDatabase, 2), graph.StageCPVS)

	pp := testconfig.PostProcessing{
		Type:             "mobile",
		DisplayWidth:     1920,
		DisplayHeight:    1080,
		CodingWidth:      1920,
		CodingHeight:     720,
		DisplayFrameRate: 60,
	}
	cmds, err := buildCpvsCommands(env, job, pp)
	require.NoError(t, err)
	require.Len(t, cmds, 1)

	args := cmds[0].Args
	assert.Contains(t, args, "libx264")
	assert.Contains(t, args, "faststart")
	i := indexOf(args, "-crf")
	require.GreaterOrEqual(t, i, 0)
	assert.Equal(t, "17", args[i+1])
	// smaller coding height: pad to display size
	i = indexOf(args, "-filter:v")
	require.GreaterOrEqual(t, i, 0)
	assert.Contains(t, args[i+1], "pad=width=1920:height=1080")
	assert.Equal(t, ".mp4", filepath.Ext(args[len(args)-1]))
}

func TestBuildCpvsCommandsLongNormalizes(t *testing.T) {
	env, job := newEnv(t, "P2LTR41", longDatabase, graph.StageCPVS)

	pp := env.TC.PostProcessings[0]
	cmds, err := buildCpvsCommands(env, job, pp)
	require.NoError(t, err)
	require.Len(t, cmds, 2)

	// PC context muxes PCM audio trimmed to the playout duration
	args := cmds[0].Args
	assert.Contains(t, args, "pcm_s16le")
	assert.Contains(t, args, "-t")
	assert.NotContains(t, args, "-an")

	norm := cmds[1]
	assert.Equal(t, "ffmpeg-normalize", norm.Program)
	output := job.PVS.CpvsFilePath("pc", false)
	assert.Equal(t, []string{output, "-o", output, "-f", "-nt", "rms"}, norm.Args)
}

func TestCpvsDriverOutputs(t *testing.T) {
	env, job := newEnv(t, "P2STR41", fmt.Sprintf(shortDatabase, 2), graph.StageCPVS)
	d := &CpvsDriver{env}

	out := d.Outputs(job)
	require.Len(t, out, 1)
	assert.Equal(t, job.PVS.CpvsFilePath("pc", false), out[0])

	env.Opts.LightweightPreview = true
	out = d.Outputs(job)
	require.Len(t, out, 2)
	assert.Equal(t, job.PVS.PreviewFilePath(), out[1])
}

func TestAvpvsFrameRate(t *testing.T) {
	env, job := newEnv(t, "P2STR41", fmt.Sprintf(shortDatabase, 2), graph.StageAVPVS)

	assert.InDelta(t, 60, env.avpvsFrameRate(job.PVS), 1e-9)

	env.Opts.AvpvsSrcFPS = true
	assert.InDelta(t, 24, env.avpvsFrameRate(job.PVS), 1e-9)

	env.Opts.Force60FPS = true
	assert.InDelta(t, 60, env.avpvsFrameRate(job.PVS), 1e-9)
}
