package gateway

import (
	"os"
	"os/exec"

	"github.com/rs/zerolog/log"
)

const syslogDumpFile = "/tmp/syslog.txt"
const syslogCursorFile = "/tmp/lwm2m-cursor"

// SyslogReader is the journald collaborator contract (spec §4.7, §6
// "syslog reader"). Deliberately out of scope: the journald binding itself;
// this package only calls ReadAll/ReadIncremental and streams whatever file
// they produce.
type SyslogReader interface {
	// ReadAll dumps the entire log to a file and returns its path.
	ReadAll() (path string, err error)
	// ReadIncremental resumes from the saved cursor and returns the path to
	// a file containing only new records. If the cursor is stale (the
	// journal was rotated or truncated), it falls back to a full dump.
	ReadIncremental() (path string, err error)
}

// JournaldReader shells out to journalctl, grounded on
// original_source/ig60_syslog.py. Per spec §9 open question (b): a cursor
// seek failure (journal rotated or truncated) is treated as the journal
// having restarted from scratch, so ReadIncremental re-emits from the
// beginning rather than silently dropping the gap — journalctl itself
// reports ENOENT-style "Failed to seek to cursor" on stderr in that case,
// which this reader treats as "start fresh" instead of a fatal error.
type JournaldReader struct{}

func (JournaldReader) ReadAll() (string, error) {
	return runJournalctl("journalctl")
}

func (JournaldReader) ReadIncremental() (string, error) {
	path, err := runJournalctl("journalctl", "--cursor-file="+syslogCursorFile)
	if err != nil {
		log.Warn().Str("component", "syslog").Err(err).Msg("cursor read failed, falling back to full dump")
		return runJournalctl("journalctl")
	}
	return path, nil
}

func runJournalctl(name string, args ...string) (string, error) {
	f, err := os.Create(syslogDumpFile)
	if err != nil {
		return "", err
	}
	defer f.Close()

	cmd := exec.Command(name, args...)
	cmd.Stdout = f
	if err := cmd.Run(); err != nil {
		return "", err
	}
	return syslogDumpFile, nil
}

// syslogState holds the reader the Block2 sources call when a download is
// opened; each source's Close hook does the end-of-transfer cleanup
// (deleting the temp file per ig60_syslog.py's end_payload) once per Block2
// download.
type syslogState struct {
	reader SyslogReader
}

// BuildSystemLogObject constructs Object 10259: a name resource plus two
// Executable "read" resources (1: full dump, 2: incremental dump). Executing
// them does nothing; a Block2 GET on either path runs the matching reader
// when the download opens and streams the resulting file. spec §4.9's
// SPEC_FULL supplement.
func BuildSystemLogObject(engine *BlockEngine, reader SyslogReader) *BaseObject {
	st := &syslogState{reader: reader}

	readAll := ResourcePath(10259, 0, 1)
	readIncr := ResourcePath(10259, 0, 2)

	engine.RegisterSource(&BlockSource{
		Path: readAll,
		Open: func() (*os.File, error) {
			path, err := st.reader.ReadAll()
			if err != nil {
				return nil, err
			}
			return os.Open(path)
		},
		Close: func(f *os.File) error {
			f.Close()
			return os.Remove(syslogDumpFile)
		},
	})
	engine.RegisterSource(&BlockSource{
		Path: readIncr,
		Open: func() (*os.File, error) {
			path, err := st.reader.ReadIncremental()
			if err != nil {
				return nil, err
			}
			return os.Open(path)
		},
		Close: func(f *os.File) error {
			f.Close()
			return os.Remove(syslogDumpFile)
		},
	})

	resources := map[ResourceID]*Resource{
		0: NewSingleResource(KindString, StringValue("journald"), OpRead),
		1: NewExecutableResource(func() error { return nil }),
		2: NewExecutableResource(func() error { return nil }),
	}
	inst := NewObjectInstance(resources)
	return NewBaseObject(10259, false, map[InstanceID]*ObjectInstance{0: inst})
}
