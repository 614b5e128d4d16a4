package monitor

import (
	"bytes"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/pfpintranet/zkteco-listener/internal/fileutils"
)

const journalDayFormat = "2006-01-02"

// journal persists the delivery keys already forwarded for the current day,
// one file per device, so a restart does not re-send today's events.
type journal struct {
	path string
}

type journalFile struct {
	Day  string   `toml:"day"`
	Keys []string `toml:"keys"`
}

func newJournal(dir, ip string) *journal {
	return &journal{path: filepath.Join(dir, ip+".toml")}
}

// load returns the keys forwarded on the given day. A missing file and
// entries from another day yield no keys.
func (j *journal) load(now time.Time) ([]string, error) {
	var f journalFile
	if _, err := toml.DecodeFile(j.path, &f); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	if f.Day != now.Format(journalDayFormat) {
		return nil, nil
	}
	return f.Keys, nil
}

// save atomically replaces the journal with the given keys for the given day.
func (j *journal) save(now time.Time, keys map[string]struct{}) error {
	f := journalFile{Day: now.Format(journalDayFormat)}
	f.Keys = make([]string, 0, len(keys))
	for k := range keys {
		f.Keys = append(f.Keys, k)
	}
	slices.Sort(f.Keys)

	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(f); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(j.path), 0750); err != nil {
		return err
	}
	return fileutils.AtomicWrite(j.path, buf.Bytes())
}
