package testconfig

import (
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/pnats2avhd/processing-chain/internal/config"
	"github.com/pnats2avhd/processing-chain/pkg/logger"
)

// Prober supplies stream properties for source clips. The real
// implementation shells out to ffprobe; tests inject a fake.
type Prober interface {
	SrcInfo(path string) (*StreamInfo, error)
}

// TestConfig is the typed representation of one database configuration:
// quality levels and codings (the reusable step templates), sources, HRCs,
// the PVS set and the segments required to produce it.
type TestConfig struct {
	DatabaseID string
	Type       DatabaseType

	// DefaultSegmentDuration applies to HRCs without their own override.
	DefaultSegmentDuration float64
	DefaultSegmentFromSrc  bool

	QualityLevels   map[string]*QualityLevel
	Codings         map[string]*Coding
	Srcs            map[string]*Src
	Hrcs            map[string]*Hrc
	Pvses           map[string]*Pvs
	PostProcessings []PostProcessing

	// PvsOrder preserves the declaration order of the PVS list.
	PvsOrder []string

	// Segments holds all deduplicated segments, sorted for stable output.
	Segments []*Segment

	Paths Paths
}

func (tc *TestConfig) IsShort() bool { return tc.Type == DatabaseShort }
func (tc *TestConfig) IsLong() bool  { return tc.Type == DatabaseLong }

// Options configures Load.
type Options struct {
	PathOverrides config.PathOverrides
	Prober        Prober
	Log           logger.Logger
}

// scalar accepts any YAML scalar and keeps its string form, so fields like
// videoBitrate may be written as numbers or strings ("1500" vs "750/1500").
type scalar string

func (s *scalar) UnmarshalYAML(n *yaml.Node) error {
	*s = scalar(n.Value)
	return nil
}

type rawQualityLevel struct {
	Index        int     `yaml:"index"`
	VideoCodec   string  `yaml:"videoCodec"`
	VideoBitrate scalar  `yaml:"videoBitrate"`
	VideoCRF     *int    `yaml:"videoCrf"`
	Width        int     `yaml:"width"`
	Height       int     `yaml:"height"`
	FPS          float64 `yaml:"fps"`
	AudioCodec   string  `yaml:"audioCodec"`
	AudioBitrate int     `yaml:"audioBitrate"`
}

type rawCoding struct {
	Type           string   `yaml:"type"`
	Encoder        string   `yaml:"encoder"`
	Passes         *int     `yaml:"passes"`
	CRF            *int     `yaml:"crf"`
	IFrameInterval *int     `yaml:"iFrameInterval"`
	BFrames        *int     `yaml:"bframes"`
	Scenecut       *bool    `yaml:"scenecut"`
	Preset         string   `yaml:"preset"`
	Speed          *int     `yaml:"speed"`
	Quality        string   `yaml:"quality"`
	MinrateFactor  *float64 `yaml:"minrateFactor"`
	MaxrateFactor  *float64 `yaml:"maxrateFactor"`
	BufsizeFactor  *float64 `yaml:"bufsizeFactor"`
	Minrate        *float64 `yaml:"minrate"`
	Maxrate        *float64 `yaml:"maxrate"`
	Bufsize        *float64 `yaml:"bufsize"`
	PixFmt         string   `yaml:"pixFmt"`
}

type rawHrc struct {
	VideoCodingID   string     `yaml:"videoCodingId"`
	AudioCodingID   string     `yaml:"audioCodingId"`
	SegmentDuration scalar     `yaml:"segmentDuration"`
	EventList       [][]scalar `yaml:"eventList"`
}

type rawPostProcessing struct {
	Type             string  `yaml:"type"`
	DisplayWidth     int     `yaml:"displayWidth"`
	DisplayHeight    int     `yaml:"displayHeight"`
	CodingWidth      int     `yaml:"codingWidth"`
	CodingHeight     int     `yaml:"codingHeight"`
	DisplayFrameRate float64 `yaml:"displayFrameRate"`
}

type rawConfig struct {
	DatabaseID         string              `yaml:"databaseId"`
	SyntaxVersion      int                 `yaml:"syntaxVersion"`
	Type               string              `yaml:"type"`
	SegmentDuration    scalar              `yaml:"segmentDuration"`
	QualityLevelList   yaml.Node           `yaml:"qualityLevelList"`
	CodingList         yaml.Node           `yaml:"codingList"`
	SrcList            yaml.Node           `yaml:"srcList"`
	HrcList            yaml.Node           `yaml:"hrcList"`
	PvsList            []string            `yaml:"pvsList"`
	PostProcessingList []rawPostProcessing `yaml:"postProcessingList"`
}

// orderedEntry is one key/value pair of a YAML mapping in file order.
type orderedEntry struct {
	key  string
	node *yaml.Node
}

// orderedMap flattens a mapping node and rejects duplicate keys, which the
// plain map decoding would silently collapse.
func orderedMap(section string, n yaml.Node) ([]orderedEntry, error) {
	if n.Kind == 0 {
		return nil, configErrorf("required section %q is missing", section)
	}
	if n.Kind != yaml.MappingNode {
		return nil, configErrorf("section %q must be a mapping", section)
	}
	seen := make(map[string]bool)
	out := make([]orderedEntry, 0, len(n.Content)/2)
	for i := 0; i+1 < len(n.Content); i += 2 {
		key := n.Content[i].Value
		if seen[key] {
			return nil, configErrorf("duplicate ID %q in %s", key, section)
		}
		seen[key] = true
		out = append(out, orderedEntry{key: key, node: n.Content[i+1]})
	}
	return out, nil
}

// parseSegmentDuration interprets a segmentDuration scalar. An empty value
// yields (0, false, nil).
func parseSegmentDuration(s scalar) (float64, bool, error) {
	if s == "" {
		return 0, false, nil
	}
	if s == "src_duration" {
		return 0, true, nil
	}
	v, err := strconv.ParseFloat(string(s), 64)
	if err != nil || v <= 0 {
		return 0, false, configErrorf("invalid segment duration %q", s)
	}
	return v, false, nil
}

// Load reads and validates one test configuration file.
func Load(yamlPath string, opts Options) (*TestConfig, error) {
	log := opts.Log

	raw, err := os.ReadFile(yamlPath)
	if err != nil {
		return nil, configErrorf("cannot read %s: %v", yamlPath, err)
	}

	var rc rawConfig
	if err := yaml.Unmarshal(raw, &rc); err != nil {
		return nil, configErrorf("cannot parse %s: %v", yamlPath, err)
	}

	if rc.DatabaseID == "" || rc.Type == "" {
		return nil, configErrorf("databaseId and type are required in %s", yamlPath)
	}
	if !regexDatabaseID.MatchString(rc.DatabaseID) {
		return nil, configErrorf("database ID %q does not match syntax %s", rc.DatabaseID, regexDatabaseID)
	}
	base := strings.TrimSuffix(filepath.Base(yamlPath), filepath.Ext(yamlPath))
	if base != rc.DatabaseID {
		return nil, configErrorf("database ID %q and YAML filename %q do not match", rc.DatabaseID, base)
	}
	if rc.SyntaxVersion == 0 {
		log.Warnf("%s does not specify a syntaxVersion, things might break", yamlPath)
	} else if rc.SyntaxVersion < requiredSyntaxVersion {
		return nil, configErrorf("syntaxVersion %d is outdated, need at least %d", rc.SyntaxVersion, requiredSyntaxVersion)
	}

	tc := &TestConfig{
		DatabaseID:    rc.DatabaseID,
		Type:          DatabaseType(rc.Type),
		QualityLevels: make(map[string]*QualityLevel),
		Codings:       make(map[string]*Coding),
		Srcs:          make(map[string]*Src),
		Hrcs:          make(map[string]*Hrc),
		Pvses:         make(map[string]*Pvs),
	}
	if tc.Type != DatabaseShort && tc.Type != DatabaseLong {
		return nil, configErrorf("database type must be 'short' or 'long', got %q", rc.Type)
	}

	tc.DefaultSegmentDuration, tc.DefaultSegmentFromSrc, err = parseSegmentDuration(rc.SegmentDuration)
	if err != nil {
		return nil, err
	}
	if tc.IsLong() && tc.DefaultSegmentDuration == 0 && !tc.DefaultSegmentFromSrc {
		return nil, configErrorf("long databases require a default segmentDuration")
	}

	tc.Paths = defaultPaths(filepath.Dir(yamlPath))
	tc.Paths.applyOverrides(opts.PathOverrides)

	validate := validator.New()

	if err := tc.loadQualityLevels(rc, validate); err != nil {
		return nil, err
	}
	if err := tc.loadCodings(rc); err != nil {
		return nil, err
	}
	if err := tc.loadSrcs(rc); err != nil {
		return nil, err
	}
	if err := tc.loadHrcs(rc, log); err != nil {
		return nil, err
	}
	if err := tc.loadPostProcessings(rc, validate, log); err != nil {
		return nil, err
	}
	if err := tc.loadPvses(rc, opts.Prober, log); err != nil {
		return nil, err
	}
	if err := tc.createRequiredSegments(log); err != nil {
		return nil, err
	}
	return tc, nil
}

func (tc *TestConfig) loadQualityLevels(rc rawConfig, validate *validator.Validate) error {
	entries, err := orderedMap("qualityLevelList", rc.QualityLevelList)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if !regexQLID.MatchString(e.key) {
			return configErrorf("quality level ID %q does not match syntax %s", e.key, regexQLID)
		}
		var r rawQualityLevel
		if err := e.node.Decode(&r); err != nil {
			return configErrorf("quality level %s: %v", e.key, err)
		}
		ql := &QualityLevel{
			ID:           e.key,
			Index:        r.Index,
			VideoCodec:   r.VideoCodec,
			VideoBitrate: string(r.VideoBitrate),
			Width:        r.Width,
			Height:       r.Height,
			FPS:          r.FPS,
			AudioCodec:   r.AudioCodec,
			AudioBitrate: r.AudioBitrate,
		}
		if r.VideoCRF != nil {
			ql.VideoCRF = *r.VideoCRF
			ql.HasCRF = true
		}
		if err := validate.Struct(ql); err != nil {
			return configErrorf("quality level %s: %v", e.key, err)
		}
		if ql.Width%2 != 0 || ql.Height%2 != 0 {
			return configErrorf("width and height in quality level %s must be divisible by 2", e.key)
		}
		tc.QualityLevels[e.key] = ql
	}
	if len(tc.QualityLevels) == 0 {
		return configErrorf("qualityLevelList must not be empty")
	}
	return nil
}

func (tc *TestConfig) loadCodings(rc rawConfig) error {
	entries, err := orderedMap("codingList", rc.CodingList)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if !regexCodingID.MatchString(e.key) {
			return configErrorf("coding ID %q does not match syntax %s", e.key, regexCodingID)
		}
		var r rawCoding
		if err := e.node.Decode(&r); err != nil {
			return configErrorf("coding %s: %v", e.key, err)
		}
		c := &Coding{ID: e.key, Type: CodingType(r.Type)}
		switch c.Type {
		case CodingAudio:
			c.Encoder = r.Encoder
		case CodingVideo:
			if err := fillVideoCoding(c, r); err != nil {
				return err
			}
		default:
			return configErrorf("coding %s: type must be audio or video, got %q", e.key, r.Type)
		}
		tc.Codings[e.key] = c
	}
	if len(tc.Codings) == 0 {
		return configErrorf("codingList must not be empty")
	}
	return nil
}

func fillVideoCoding(c *Coding, r rawCoding) error {
	c.Encoder = r.Encoder
	if c.Encoder == "" {
		return configErrorf("coding %s: video codings require an encoder", c.ID)
	}
	c.IsOnline = onlineEncoders[strings.ToLower(c.Encoder)]
	if c.IsOnline {
		return nil
	}

	switch {
	case r.Passes != nil:
		if *r.Passes != 1 && *r.Passes != 2 {
			return configErrorf("coding %s: only 1-pass or 2-pass encoding allowed", c.ID)
		}
		c.Passes = *r.Passes
	case r.CRF != nil:
		c.CRF = *r.CRF
		c.HasCRF = true
	default:
		c.Passes = 2
	}

	// optional with defaults
	c.Speed = 1
	c.Quality = "good"
	c.Scenecut = true

	if r.IFrameInterval != nil {
		c.IFrameInterval = *r.IFrameInterval
	}
	if r.PixFmt != "" {
		c.ForcedPixFmt = r.PixFmt
	}
	if r.BFrames != nil {
		if c.Encoder == "libvpx-vp9" {
			// VP9 has no B-frames, ignore
		} else {
			if *r.BFrames < 0 {
				return configErrorf("coding %s: bframes must be >= 0", c.ID)
			}
			c.BFrames = *r.BFrames
			c.HasBFrames = true
		}
	}
	if r.Scenecut != nil {
		c.Scenecut = *r.Scenecut
	}
	if r.Preset != "" {
		c.Preset = r.Preset
	}
	if r.Speed != nil {
		if *r.Speed < 0 || *r.Speed > 4 {
			return configErrorf("coding %s: speed must be between 0 and 4", c.ID)
		}
		c.Speed = *r.Speed
	}
	if r.Quality != "" {
		if r.Quality != "good" && r.Quality != "best" {
			return configErrorf("coding %s: quality must be 'good' or 'best'", c.ID)
		}
		c.Quality = r.Quality
	}
	if r.MinrateFactor != nil {
		c.MinrateFactor = *r.MinrateFactor
	}
	if r.MaxrateFactor != nil {
		c.MaxrateFactor = *r.MaxrateFactor
	}
	if r.BufsizeFactor != nil {
		c.BufsizeFactor = *r.BufsizeFactor
	}
	if r.Minrate != nil {
		c.Minrate = *r.Minrate
	}
	if r.Maxrate != nil {
		c.Maxrate = *r.Maxrate
	}
	if r.Bufsize != nil {
		c.Bufsize = *r.Bufsize
	}
	if c.Encoder != "libvpx-vp9" && ((c.MaxrateFactor != 0) != (c.BufsizeFactor != 0)) {
		return configErrorf("coding %s: if either maxrateFactor or bufsizeFactor is set, both must be", c.ID)
	}
	return nil
}

func (tc *TestConfig) loadSrcs(rc rawConfig) error {
	entries, err := orderedMap("srcList", rc.SrcList)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if !regexSrcID.MatchString(e.key) {
			return configErrorf("SRC ID %q does not match syntax %s", e.key, regexSrcID)
		}
		var filename string
		switch e.node.Kind {
		case yaml.ScalarNode:
			filename = e.node.Value
		case yaml.MappingNode:
			var m struct {
				SrcFile string `yaml:"srcFile"`
			}
			if err := e.node.Decode(&m); err != nil || m.SrcFile == "" {
				return configErrorf("SRC %s: srcFile is required", e.key)
			}
			filename = m.SrcFile
		default:
			return configErrorf("SRC %s: entry must be a filename or a mapping", e.key)
		}
		tc.Srcs[e.key] = &Src{ID: e.key, Filename: filename}
	}
	if len(tc.Srcs) == 0 {
		return configErrorf("srcList must not be empty")
	}
	return nil
}

func (tc *TestConfig) loadHrcs(rc rawConfig, log logger.Logger) error {
	entries, err := orderedMap("hrcList", rc.HrcList)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if !regexHrcID.MatchString(e.key) {
			return configErrorf("HRC ID %q does not match syntax %s", e.key, regexHrcID)
		}
		var r rawHrc
		if err := e.node.Decode(&r); err != nil {
			return configErrorf("HRC %s: %v", e.key, err)
		}
		hrc, err := tc.buildHrc(e.key, r, log)
		if err != nil {
			return err
		}
		tc.Hrcs[e.key] = hrc
	}
	if len(tc.Hrcs) == 0 {
		return configErrorf("hrcList must not be empty")
	}
	return nil
}

func (tc *TestConfig) buildHrc(id string, r rawHrc, log logger.Logger) (*Hrc, error) {
	videoCoding, ok := tc.Codings[r.VideoCodingID]
	if !ok {
		return nil, configErrorf("HRC %s references undefined video coding %q", id, r.VideoCodingID)
	}
	var audioCoding *Coding
	if tc.IsLong() {
		audioCoding, ok = tc.Codings[r.AudioCodingID]
		if !ok {
			return nil, configErrorf("HRC %s references undefined audio coding %q", id, r.AudioCodingID)
		}
	}

	hrc := &Hrc{
		ID:            id,
		VideoCoding:   videoCoding,
		AudioCoding:   audioCoding,
		QualityLevels: make(map[string]*QualityLevel),
	}

	hasOwnSegDur := r.SegmentDuration != ""
	segDur, segFromSrc, err := parseSegmentDuration(r.SegmentDuration)
	if err != nil {
		return nil, err
	}
	if !hasOwnSegDur {
		segDur = tc.DefaultSegmentDuration
		segFromSrc = tc.DefaultSegmentFromSrc
	}

	for _, ev := range r.EventList {
		if len(ev) != 2 {
			return nil, configErrorf("HRC %s: event data must consist of two elements: %v", id, ev)
		}
		kind, durStr := string(ev[0]), string(ev[1])

		event := Event{}
		switch {
		case strings.HasPrefix(kind, "Q"):
			ql, ok := tc.QualityLevels[kind]
			if !ok {
				return nil, configErrorf("HRC %s references undefined quality level %q", id, kind)
			}
			event.Type = EventQualityLevel
			event.QualityLevel = ql
			hrc.QualityLevels[kind] = ql
			if ql.VideoCodec != "" {
				if err := checkCodecEncoder(id, ql, videoCoding); err != nil {
					return nil, err
				}
			}
		case strings.Contains(kind, "stall"):
			event.Type = EventStall
		case strings.Contains(kind, "freeze"):
			event.Type = EventFreeze
		default:
			return nil, configErrorf("HRC %s: wrong event type %q, must be quality level ID, 'stall' or 'freeze'", id, kind)
		}

		if durStr == "src_duration" {
			if hasOwnSegDur {
				return nil, configErrorf("HRC %s: cannot specify both segmentDuration and src_duration event lengths", id)
			}
			event.FromSrc = true
			segFromSrc = true
			segDur = 0
		} else {
			d, err := strconv.ParseFloat(durStr, 64)
			if err != nil {
				return nil, configErrorf("HRC %s: invalid event duration %q", id, durStr)
			}
			if event.Type == EventQualityLevel && d != float64(int64(d)) {
				return nil, configErrorf("HRC %s: all non-stalling events must have an integer duration, got %v", id, d)
			}
			event.Duration = d
		}
		hrc.Events = append(hrc.Events, event)
	}

	if len(hrc.Events) == 0 {
		return nil, configErrorf("HRC %s has no events", id)
	}

	// no explicit segment duration anywhere: take it from the first event
	if segDur == 0 && !segFromSrc {
		first := hrc.Events[0]
		if first.Type != EventQualityLevel {
			return nil, configErrorf("HRC %s: cannot derive the segment duration from a stalling/freezing event; specify a default segmentDuration", id)
		}
		segDur = first.Duration
	}
	hrc.SegmentDuration = segDur
	hrc.SegmentFromSrc = segFromSrc

	if hrc.IFrameIntervalUnset() && !videoCoding.IsOnline {
		log.Warnf("constant iFrame-Interval not set in coding %s used by HRC %s, this is not recommended", videoCoding.ID, id)
	}
	return hrc, nil
}

// IFrameIntervalUnset reports whether the video coding leaves the GOP
// length to the encoder.
func (h *Hrc) IFrameIntervalUnset() bool {
	return h.VideoCoding.Type == CodingVideo && h.VideoCoding.IFrameInterval == 0
}

// checkCodecEncoder rejects quality level / coding combinations that name
// different codecs.
func checkCodecEncoder(hrcID string, ql *QualityLevel, coding *Coding) error {
	if coding.IsOnline {
		return nil
	}
	ok := true
	switch ql.VideoCodec {
	case "h264":
		ok = coding.Encoder == "libx264" || coding.Encoder == "h264_nvenc"
	case "h265":
		ok = coding.Encoder == "libx265" || coding.Encoder == "hevc_nvenc"
	case "vp9":
		ok = coding.Encoder == "libvpx-vp9"
	case "av1":
		ok = coding.Encoder == "libaom-av1"
	}
	if !ok {
		return configErrorf("in HRC %s, quality level %s and video coding %s specify different codecs", hrcID, ql.ID, coding.ID)
	}
	return nil
}

func (tc *TestConfig) loadPostProcessings(rc rawConfig, validate *validator.Validate, log logger.Logger) error {
	if len(rc.PostProcessingList) == 0 {
		return configErrorf("required section %q is missing", "postProcessingList")
	}
	for _, r := range rc.PostProcessingList {
		pp := PostProcessing{
			Type:             r.Type,
			DisplayWidth:     r.DisplayWidth,
			DisplayHeight:    r.DisplayHeight,
			CodingWidth:      r.CodingWidth,
			CodingHeight:     r.CodingHeight,
			DisplayFrameRate: r.DisplayFrameRate,
		}
		if pp.DisplayFrameRate == 0 {
			pp.DisplayFrameRate = 60
		}
		if err := validate.Struct(pp); err != nil {
			return configErrorf("post processing: %v", err)
		}
		if pp.DisplayWidth != pp.CodingWidth {
			return configErrorf("post processing must have same coding and display width")
		}
		if pp.Type == "pc" && pp.DisplayHeight != pp.CodingHeight {
			return configErrorf("PC post processing must have same coding and display width/height")
		}
		tc.PostProcessings = append(tc.PostProcessings, pp)
	}
	if len(tc.PostProcessings) > 1 {
		log.Warnf("more than one post processing is not really supported")
	}
	return nil
}

func (tc *TestConfig) loadPvses(rc rawConfig, prober Prober, log logger.Logger) error {
	pvsIDs := rc.PvsList
	if len(pvsIDs) == 0 {
		// cross product of all sources and circuits
		for _, srcID := range sortedKeys(tc.Srcs) {
			for _, hrcID := range sortedKeys(tc.Hrcs) {
				pvsIDs = append(pvsIDs, tc.DatabaseID+"_"+srcID+"_"+hrcID)
			}
		}
	}

	for _, pvsID := range pvsIDs {
		if !regexPvsID.MatchString(pvsID) {
			return configErrorf("PVS ID %q does not match syntax %s", pvsID, regexPvsID)
		}
		if _, dup := tc.Pvses[pvsID]; dup {
			return configErrorf("duplicate PVS ID %q", pvsID)
		}
		srcID := SrcIDOf(pvsID)
		hrcID := HrcIDOf(pvsID)

		src, ok := tc.Srcs[srcID]
		if !ok {
			return configErrorf("PVS %s specifies SRC %s but it is not defined in the srcList", pvsID, srcID)
		}
		hrc, ok := tc.Hrcs[hrcID]
		if !ok {
			return configErrorf("PVS %s specifies HRC %s but it is not defined in the hrcList", pvsID, hrcID)
		}

		if src.Info == nil {
			if err := tc.locateAndProbeSrc(src, prober, log); err != nil {
				return err
			}
		}

		maxWidth, _ := hrc.MaxRes()
		if src.Info.Width < maxWidth {
			return configErrorf(
				"PVS %s uses %s, which specifies a quality level with maximum width %d, but %s is only %d wide and would have to be upscaled",
				pvsID, hrcID, maxWidth, srcID, src.Info.Width)
		}

		pvs := &Pvs{ID: pvsID, Src: src, Hrc: hrc, db: tc}
		tc.Pvses[pvsID] = pvs
		tc.PvsOrder = append(tc.PvsOrder, pvsID)
	}
	return nil
}

func (tc *TestConfig) locateAndProbeSrc(src *Src, prober Prober, log logger.Logger) error {
	src.FilePath = filepath.Join(tc.Paths.SrcVid, src.Filename)
	if _, err := os.Stat(src.FilePath); err != nil {
		local := filepath.Join(tc.Paths.SrcVidLocal, src.Filename)
		if _, err := os.Stat(local); err != nil {
			return configErrorf("SRC %s does not exist, neither in %s nor %s", src.Filename, tc.Paths.SrcVidLocal, tc.Paths.SrcVid)
		}
		log.Debugf("SRC %s not found in %s, falling back to local folder", src.Filename, tc.Paths.SrcVid)
		src.FilePath = local
	}
	info, err := prober.SrcInfo(src.FilePath)
	if err != nil {
		return errors.Wrapf(err, "probing SRC %s", src.ID)
	}
	src.Info = info
	return nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
