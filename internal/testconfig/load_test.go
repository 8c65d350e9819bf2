package testconfig

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pnats2avhd/processing-chain/pkg/logger"
)

type fakeProber struct {
	info StreamInfo
}

func (f *fakeProber) SrcInfo(path string) (*StreamInfo, error) {
	info := f.info
	return &info, nil
}

func defaultFakeProber() *fakeProber {
	return &fakeProber{info: StreamInfo{
		Width:       1920,
		Height:      1080,
		CodedWidth:  1920,
		CodedHeight: 1080,
		PixFmt:      "yuv420p",
		FrameRate:   "24/1",
		Duration:    10,
	}}
}

const shortConfig = `
databaseId: P2STR01
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
  Q2:
    index: 2
    videoCodec: h264
    videoBitrate: 750
    width: 1280
    height: 720
    fps: 24
codingList:
  VC01:
    type: video
    encoder: libx264
    passes: 2
    iFrameInterval: 2
    maxrateFactor: 1.2
    bufsizeFactor: 1.5
srcList:
  SRC001: clip1.avi
  SRC002: clip2.avi
hrcList:
  HRC001:
    videoCodingId: VC01
    eventList:
      - [Q1, 10]
  HRC002:
    videoCodingId: VC01
    eventList:
      - [Q2, 10]
postProcessingList:
  - type: pc
    displayWidth: 1920
    displayHeight: 1080
    codingWidth: 1920
    codingHeight: 1080
`

// writeDatabase places a config file named after its database ID in a
// fresh directory, with dummy source clips in the local srcVid folder.
func writeDatabase(t *testing.T, dbID, content string, srcFiles ...string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, dbID+".yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	srcDir := filepath.Join(dir, "srcVid")
	require.NoError(t, os.MkdirAll(srcDir, 0o755))
	for _, f := range srcFiles {
		require.NoError(t, os.WriteFile(filepath.Join(srcDir, f), []byte("x"), 0o644))
	}
	return path
}

func loadShort(t *testing.T) *TestConfig {
	t.Helper()
	path := writeDatabase(t, "P2STR01", shortConfig, "clip1.avi", "clip2.avi")
	tc, err := Load(path, Options{Prober: defaultFakeProber(), Log: logger.NewNopLogger()})
	require.NoError(t, err)
	return tc
}

func TestLoadShortDatabase(t *testing.T) {
	tc := loadShort(t)

	assert.Equal(t, "P2STR01", tc.DatabaseID)
	assert.True(t, tc.IsShort())
	assert.Len(t, tc.QualityLevels, 2)
	assert.Len(t, tc.Srcs, 2)
	assert.Len(t, tc.Hrcs, 2)

	// no explicit pvsList: full cross product in sorted order
	assert.Len(t, tc.Pvses, 4)
	assert.Equal(t, []string{
		"P2STR01_SRC001_HRC001",
		"P2STR01_SRC001_HRC002",
		"P2STR01_SRC002_HRC001",
		"P2STR01_SRC002_HRC002",
	}, tc.PvsOrder)

	// one segment per PVS on a short database
	for _, pvs := range tc.Pvses {
		assert.Len(t, pvs.Segments, 1)
	}
	assert.Len(t, tc.Segments, 4)
}

func TestVideoCodingDefaults(t *testing.T) {
	tc := loadShort(t)

	c := tc.Codings["VC01"]
	require.NotNil(t, c)
	assert.Equal(t, 2, c.Passes)
	assert.Equal(t, 1, c.Speed)
	assert.Equal(t, "good", c.Quality)
	assert.True(t, c.Scenecut)
	assert.Equal(t, 2, c.IFrameInterval)
	assert.InDelta(t, 1.2, c.MaxrateFactor, 1e-9)
}

func TestSegmentDerivedFromFirstEvent(t *testing.T) {
	// no segmentDuration anywhere: the first event's length is used
	tc := loadShort(t)
	hrc := tc.Hrcs["HRC001"]
	assert.InDelta(t, 10, hrc.SegmentDuration, 1e-9)
	assert.False(t, hrc.SegmentFromSrc)
}

func TestSegmentOwnership(t *testing.T) {
	tc := loadShort(t)

	// HRC001 and HRC002 use different quality levels, so SRC001 produces
	// two distinct segments; the owner is always the declaring PVS
	a := tc.Pvses["P2STR01_SRC001_HRC001"].Segments[0]
	b := tc.Pvses["P2STR01_SRC001_HRC002"].Segments[0]
	assert.NotEqual(t, a.Key(), b.Key())
	assert.Equal(t, "P2STR01_SRC001_HRC001", a.OwnerPvs)
	assert.Equal(t, "P2STR01_SRC001_HRC002", b.OwnerPvs)
}

func TestSegmentDedupAcrossPvses(t *testing.T) {
	// HRC003 requests the exact same SRC slice and codings as HRC001, so
	// both PVSes must reference one shared segment
	content := strings.Replace(shortConfig, "databaseId: P2STR01", "databaseId: P2STR02", 1)
	content = strings.Replace(content, "hrcList:\n", `hrcList:
  HRC003:
    videoCodingId: VC01
    eventList:
      - [Q1, 10]
`, 1)
	content += `
pvsList:
  - P2STR02_SRC001_HRC001
  - P2STR02_SRC001_HRC003
`
	path := writeDatabase(t, "P2STR02", content, "clip1.avi", "clip2.avi")
	tc, err := Load(path, Options{Prober: defaultFakeProber(), Log: logger.NewNopLogger()})
	require.NoError(t, err)

	require.Len(t, tc.Segments, 1)
	pvsA := tc.Pvses["P2STR02_SRC001_HRC001"]
	pvsB := tc.Pvses["P2STR02_SRC001_HRC003"]
	a := pvsA.Segments[0]
	b := pvsB.Segments[0]
	assert.Same(t, a, b)
	assert.Equal(t, "P2STR02_SRC001_HRC001", a.OwnerPvs)

	// both PVSes decode the shared segment for their AVPVS; those decodes
	// run in parallel and must not collide on one tmp file
	name := SegmentName("P2STR02_SRC001_Q1_0000_0-10")
	assert.NotEqual(t, pvsA.SegmentTmpPath(name), pvsB.SegmentTmpPath(name))
}

func TestLoadRejectsBrokenConfigs(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(string) string
		errPart string
	}{
		{
			name:    "syntax version too old",
			mutate:  func(s string) string { return strings.Replace(s, "syntaxVersion: 6", "syntaxVersion: 5", 1) },
			errPart: "outdated",
		},
		{
			name:    "bad database type",
			mutate:  func(s string) string { return strings.Replace(s, "type: short", "type: medium", 1) },
			errPart: "must be 'short' or 'long'",
		},
		{
			name:    "odd quality level width",
			mutate:  func(s string) string { return strings.Replace(s, "width: 1280", "width: 1281", 1) },
			errPart: "divisible by 2",
		},
		{
			name:    "undefined video coding",
			mutate:  func(s string) string { return strings.Replace(s, "videoCodingId: VC01", "videoCodingId: VC99", 1) },
			errPart: "undefined video coding",
		},
		{
			name: "codec encoder mismatch",
			mutate: func(s string) string {
				return strings.Replace(s, "encoder: libx264", "encoder: libx265", 1)
			},
			errPart: "different codecs",
		},
		{
			name: "non-integer event duration",
			mutate: func(s string) string {
				return strings.Replace(s, "- [Q1, 10]", "- [Q1, 9.5]", 1)
			},
			errPart: "integer duration",
		},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			content := strings.Replace(shortConfig, "databaseId: P2STR01", "databaseId: P2STR03", 1)
			content = c.mutate(content)
			path := writeDatabase(t, "P2STR03", content, "clip1.avi", "clip2.avi")
			_, err := Load(path, Options{Prober: defaultFakeProber(), Log: logger.NewNopLogger()})
			require.Error(t, err)
			var cfgErr *ConfigError
			require.ErrorAs(t, err, &cfgErr)
			assert.Contains(t, err.Error(), c.errPart)
		})
	}
}

func TestLoadRejectsFilenameMismatch(t *testing.T) {
	// database ID says P2STR01 but the file is named differently
	path := writeDatabase(t, "P2STR09", shortConfig, "clip1.avi", "clip2.avi")
	_, err := Load(path, Options{Prober: defaultFakeProber(), Log: logger.NewNopLogger()})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "do not match")
}

func TestLoadRejectsMissingSrc(t *testing.T) {
	path := writeDatabase(t, "P2STR01", shortConfig, "clip1.avi") // clip2.avi absent
	_, err := Load(path, Options{Prober: defaultFakeProber(), Log: logger.NewNopLogger()})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "does not exist")
}

func TestLoadRejectsUpscaling(t *testing.T) {
	prober := defaultFakeProber()
	prober.info.Width = 1280
	path := writeDatabase(t, "P2STR01", shortConfig, "clip1.avi", "clip2.avi")
	_, err := Load(path, Options{Prober: prober, Log: logger.NewNopLogger()})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "upscaled")
}

const longConfig = `
databaseId: P2LTR01
syntaxVersion: 6
type: long
segmentDuration: 5
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
      - [Q1, 10]
      - [stall, 2.5]
      - [Q1, 10]
postProcessingList:
  - type: pc
    displayWidth: 1920
    displayHeight: 1080
    codingWidth: 1920
    codingHeight: 1080
`

func loadLong(t *testing.T) *TestConfig {
	t.Helper()
	prober := defaultFakeProber()
	prober.info.Duration = 20
	path := writeDatabase(t, "P2LTR01", longConfig, "clip1.avi")
	tc, err := Load(path, Options{Prober: prober, Log: logger.NewNopLogger()})
	require.NoError(t, err)
	return tc
}

func TestLoadLongDatabase(t *testing.T) {
	tc := loadLong(t)

	require.Len(t, tc.Pvses, 1)
	pvs := tc.Pvses["P2LTR01_SRC001_HRC001"]
	require.NotNil(t, pvs)
	require.NotNil(t, pvs.Hrc.AudioCoding)
	assert.Equal(t, "aac", pvs.Hrc.AudioCoding.Encoder)

	// 2x 10s playout at 5s segments: four segments
	assert.Len(t, pvs.Segments, 4)
	assert.True(t, pvs.HasBuffering())

	events := pvs.Hrc.BuffEventsMediaTime()
	require.Len(t, events, 1)
	assert.InDelta(t, 10, events[0].Offset, 1e-9)
	assert.InDelta(t, 2.5, events[0].Duration, 1e-9)

	assert.InDelta(t, 22.5, pvs.Hrc.LongDuration(), 1e-9)
}

func TestLongRequiresSegmentDuration(t *testing.T) {
	content := strings.Replace(longConfig, "segmentDuration: 5\n", "", 1)
	path := writeDatabase(t, "P2LTR01", content, "clip1.avi")
	_, err := Load(path, Options{Prober: defaultFakeProber(), Log: logger.NewNopLogger()})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "segmentDuration")
}

func TestEventNotDivisibleBySegmentDuration(t *testing.T) {
	content := strings.Replace(longConfig, "segmentDuration: 5", "segmentDuration: 4", 1)
	prober := defaultFakeProber()
	prober.info.Duration = 20
	path := writeDatabase(t, "P2LTR01", content, "clip1.avi")
	_, err := Load(path, Options{Prober: prober, Log: logger.NewNopLogger()})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "segment duration")
}

func TestSrcDurationSegments(t *testing.T) {
	content := strings.Replace(shortConfig, "databaseId: P2STR01", "databaseId: P2STR04", 1)
	content = strings.Replace(content, "- [Q1, 10]", "- [Q1, src_duration]", 1)
	prober := defaultFakeProber()
	prober.info.Duration = 7.5
	path := writeDatabase(t, "P2STR04", content, "clip1.avi", "clip2.avi")
	tc, err := Load(path, Options{Prober: prober, Log: logger.NewNopLogger()})
	require.NoError(t, err)

	seg := tc.Pvses["P2STR04_SRC001_HRC001"].Segments[0]
	assert.InDelta(t, 7.5, seg.Duration, 1e-9)
	assert.Zero(t, seg.StartTime)
}

func TestBuffEventsForFreeze(t *testing.T) {
	content := strings.Replace(longConfig, "- [stall, 2.5]", "- [freeze, 2.5]", 1)
	prober := defaultFakeProber()
	prober.info.Duration = 20
	path := writeDatabase(t, "P2LTR01", content, "clip1.avi")
	tc, err := Load(path, Options{Prober: prober, Log: logger.NewNopLogger()})
	require.NoError(t, err)

	hrc := tc.Hrcs["HRC001"]
	assert.True(t, hrc.HasFramefreeze())
	events := hrc.BuffEventsMediaTime()
	require.Len(t, events, 1)
	assert.Zero(t, events[0].Offset)
	assert.InDelta(t, 2.5, events[0].Duration, 1e-9)
}

func TestStreamInfoFPS(t *testing.T) {
	si := StreamInfo{FrameRate: "30000/1001"}
	assert.InDelta(t, 29.97, si.FPS(), 0.01)

	si.FrameRate = "24/1"
	assert.InDelta(t, 24, si.FPS(), 1e-9)

	si.FrameRate = "garbage"
	assert.Zero(t, si.FPS())
}

func TestQualityLevelBitrates(t *testing.T) {
	ql := &QualityLevel{ID: "Q1", VideoBitrate: "1500/750"}
	rates, err := ql.Bitrates()
	require.NoError(t, err)
	assert.Equal(t, []float64{750, 1500}, rates)
}
