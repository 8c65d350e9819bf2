package testconfig

import (
	"os"
	"path/filepath"

	"github.com/pkg/errors"

	"github.com/pnats2avhd/processing-chain/internal/config"
)

// Paths is the directory layout of one database. All output folders must be
// stable across runs so existence checks keep working.
type Paths struct {
	DatabaseDir string

	// SrcVid is the joint source folder shared between databases;
	// SrcVidLocal the per-database fallback.
	SrcVid      string
	SrcVidLocal string

	VideoSegments           string
	AVPVS                   string
	CPVS                    string
	BuffEventFiles          string
	QualityChangeEventFiles string
	VideoFrameInformation   string
	AudioFrameInformation   string
	SideInformation         string
	Logs                    string
}

func defaultPaths(databaseDir string) Paths {
	abs, err := filepath.Abs(databaseDir)
	if err == nil {
		databaseDir = abs
	}
	return Paths{
		DatabaseDir:             databaseDir,
		SrcVid:                  filepath.Join(databaseDir, "..", "srcVid"),
		SrcVidLocal:             filepath.Join(databaseDir, "srcVid"),
		VideoSegments:           filepath.Join(databaseDir, "videoSegments"),
		AVPVS:                   filepath.Join(databaseDir, "avpvs"),
		CPVS:                    filepath.Join(databaseDir, "cpvs"),
		BuffEventFiles:          filepath.Join(databaseDir, "buffEventFiles"),
		QualityChangeEventFiles: filepath.Join(databaseDir, "qualityChangeEventFiles"),
		VideoFrameInformation:   filepath.Join(databaseDir, "videoFrameInformation"),
		AudioFrameInformation:   filepath.Join(databaseDir, "audioFrameInformation"),
		SideInformation:         filepath.Join(databaseDir, "sideInformation"),
		Logs:                    filepath.Join(databaseDir, "logs"),
	}
}

func (p *Paths) applyOverrides(o config.PathOverrides) {
	set := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	set(&p.SrcVid, o.SrcVid)
	set(&p.VideoSegments, o.VideoSegments)
	set(&p.AVPVS, o.AVPVS)
	set(&p.CPVS, o.CPVS)
	set(&p.BuffEventFiles, o.BuffEventFiles)
	set(&p.QualityChangeEventFiles, o.QualityChange)
	set(&p.VideoFrameInformation, o.VideoFrameInfo)
	set(&p.AudioFrameInformation, o.AudioFrameInfo)
	set(&p.SideInformation, o.SideInformation)
	set(&p.Logs, o.Logs)
}

// EnsureDirs creates all output folders. The joint source folder is left
// alone: missing sources are a configuration error, not something to mask
// with an empty directory.
func (p *Paths) EnsureDirs() error {
	// fall back to the local source folder when the joint one is absent
	if _, err := os.Stat(p.SrcVid); err != nil {
		p.SrcVid = p.SrcVidLocal
	}
	for _, dir := range []string{
		p.VideoSegments, p.AVPVS, p.CPVS,
		p.BuffEventFiles, p.QualityChangeEventFiles,
		p.VideoFrameInformation, p.AudioFrameInformation,
		p.SideInformation, p.Logs,
	} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return errors.Wrapf(err, "creating output folder %s", dir)
		}
	}
	return nil
}
