/* Apache v2 license
*  Copyright (C) <2024> WasteAnt
*
*  SPDX-License-Identifier: Apache-2.0
 */

package assets

import (
	"path/filepath"
	"sort"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/wasteant/delivery-state-service/app/delivery"
)

const (
	datetimeFormat = "2006-01-02 15:04:05"

	// filename stem layout produced by the recording service,
	// e.g. 2024-03-01_08-30-00.jpg
	fileStampFormat = "2006-01-02_15-04-05"

	placeholderURL  = "/alarms/delivery/documentation-in-progress.jpg"
	placeholderName = "Dokumentation in der Erstellung"
)

// Entry is one media file exposed to the dashboard.
type Entry struct {
	URL  string `json:"url"`
	Name string `json:"name"`
	Time string `json:"time"`
}

// Section groups entries of one media kind.
type Section struct {
	Title        string  `json:"title"`
	Type         string  `json:"type"`
	SnapshotsDir string  `json:"snapshots_dir,omitempty"`
	Data         []Entry `json:"data"`
}

// Listing is the full media inventory of one delivery.
type Listing struct {
	Title string             `json:"title"`
	Items map[string]Section `json:"items"`
}

// Resolver locates a delivery's media files on disk. Recording services
// write absolute paths into meta_info from their own mount namespace, so
// every path is rebased onto MediaRoot before touching the filesystem.
type Resolver struct {
	MediaRoot     string
	DisplayOffset time.Duration

	now func() time.Time
}

// NewResolver creates a Resolver rooted at mediaRoot.
func NewResolver(mediaRoot string, displayOffset time.Duration) *Resolver {
	return &Resolver{MediaRoot: mediaRoot, DisplayOffset: displayOffset, now: time.Now}
}

// Resolve lists the snapshots and videos recorded for the delivery. A
// delivery with no snapshots yet gets a placeholder entry so the dashboard
// always has something to render. Video sections appear only when files
// exist.
func (r *Resolver) Resolve(d *delivery.Delivery) Listing {
	snapshotsDir := r.rebase(metaPath(d.MetaInfo, "snapshots"))
	videosDir := r.rebase(metaPath(d.MetaInfo, "videos"))

	snapshots := r.snapshotEntries(snapshotsDir)
	if len(snapshots) == 0 {
		snapshots = []Entry{{
			URL:  placeholderURL,
			Name: placeholderName,
			Time: r.now().Add(r.DisplayOffset).Format(datetimeFormat),
		}}
	}

	listing := Listing{
		Title: "Nachschau",
		Items: map[string]Section{
			"snapshots": {
				Title:        "Aktivität",
				Type:         "image",
				SnapshotsDir: snapshotsDir,
				Data:         snapshots,
			},
		},
	}

	if videos := videoEntries(videosDir); len(videos) > 0 {
		listing.Items["videos"] = Section{
			Title: "Zeitrafferaufnahme",
			Type:  "video",
			Data:  videos,
		}
	}
	if flagged := videoEntries(filepath.Join(videosDir, "stoerstoff")); len(flagged) > 0 {
		listing.Items["videos_with_bbx"] = Section{
			Title: "Störstoffdetektion",
			Type:  "video",
			Data:  flagged,
		}
	}

	return listing
}

// metaPath reads a directory path recorded in meta_info.
func metaPath(meta delivery.MetaInfo, key string) string {
	if meta == nil {
		return ""
	}
	value, ok := meta[key].(string)
	if !ok {
		return ""
	}
	return value
}

// rebase maps a recorded absolute path onto the local media root, keyed on
// the shared "delivery" path segment. Unrecognized paths resolve to a
// directory that cannot exist, which yields an empty listing.
func (r *Resolver) rebase(path string) string {
	idx := strings.Index(path, "delivery")
	if idx < 0 {
		return filepath.Join(r.MediaRoot, "do-not-exist")
	}
	return r.MediaRoot + path[idx+len("delivery"):]
}

func (r *Resolver) snapshotEntries(dir string) []Entry {
	files, err := filepath.Glob(filepath.Join(dir, "*.jpg"))
	if err != nil {
		log.WithFields(log.Fields{
			"Method": "assets.snapshotEntries",
			"Action": "globbing " + dir,
		}).Error(err)
		return nil
	}
	sort.Strings(files)

	entries := make([]Entry, 0, len(files))
	for _, file := range files {
		stamp := r.displayStamp(file)
		entries = append(entries, Entry{
			URL:  urlPath(file),
			Name: stamp,
			Time: stamp,
		})
	}
	return entries
}

func videoEntries(dir string) []Entry {
	var files []string
	for _, pattern := range []string{"*.avi", "*.mp4"} {
		matches, err := filepath.Glob(filepath.Join(dir, pattern))
		if err != nil {
			log.WithFields(log.Fields{
				"Method": "assets.videoEntries",
				"Action": "globbing " + dir,
			}).Error(err)
			continue
		}
		files = append(files, matches...)
	}

	entries := make([]Entry, 0, len(files))
	for _, file := range files {
		stem := fileStem(file)
		entries = append(entries, Entry{
			URL:  urlPath(file),
			Name: stem,
			Time: stem,
		})
	}
	return entries
}

// displayStamp parses the capture time out of a snapshot filename and
// shifts it into display time. Falls back to the raw stem when the name
// does not carry a timestamp.
func (r *Resolver) displayStamp(file string) string {
	stem := fileStem(file)
	captured, err := time.Parse(fileStampFormat, stem)
	if err != nil {
		return stem
	}
	return captured.Add(r.DisplayOffset).Format(datetimeFormat)
}

// urlPath strips everything up to the media mount so the dashboard gets a
// URL it can serve relative to its own media host.
func urlPath(file string) string {
	idx := strings.Index(file, "media")
	if idx < 0 {
		return file
	}
	return file[idx+len("media"):]
}

func fileStem(file string) string {
	base := filepath.Base(file)
	return strings.TrimSuffix(base, filepath.Ext(base))
}
