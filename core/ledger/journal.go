package ledger

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"

	"bountyboard-backend/core/bounty"
)

type journalOp uint8

const (
	opEvent   journalOp = 1
	opMint    journalOp = 2
	opApprove journalOp = 3
)

// journalRecord is one append-only entry of the ledger journal. Replaying the
// records in order against an empty token rebuilds the full ledger state.
type journalRecord struct {
	Op      journalOp      `cbor:"1,keyasint"`
	Event   *bounty.Event  `cbor:"2,keyasint,omitempty"`
	Owner   bounty.Address `cbor:"3,keyasint,omitempty"`
	Amount  int64          `cbor:"4,keyasint,omitempty"`
	Counter uint64         `cbor:"5,keyasint,omitempty"`
	At      time.Time      `cbor:"6,keyasint"`
}

var (
	journalEnc cbor.EncMode
	journalDec cbor.DecMode
)

func init() {
	var err error
	encOptions := cbor.CoreDetEncOptions()
	encOptions.Time = cbor.TimeRFC3339Nano
	journalEnc, err = encOptions.EncMode()
	if err != nil {
		panic("ledger: CBOR encoder initialization failed: " + err.Error())
	}
	journalDec, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("ledger: CBOR decoder initialization failed: " + err.Error())
	}
}

// Journal is the durable, append-only backing file of the ledger. Every record
// is fsynced before the operation that produced it becomes visible.
type Journal struct {
	mu   sync.Mutex
	path string
	file *os.File
}

// OpenJournal reads every complete record from path and opens it for
// appending. A torn record at the tail (crash mid-write) is truncated away.
func OpenJournal(path string) (*Journal, []journalRecord, error) {
	data, err := os.ReadFile(path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, nil, fmt.Errorf("read journal: %w", err)
	}

	records, good, err := decodeJournal(data)
	if err != nil {
		return nil, nil, err
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, nil, fmt.Errorf("open journal: %w", err)
	}
	if good < len(data) {
		log.Printf("ledger journal %s: truncating %d trailing bytes of a partial record", path, len(data)-good)
		if err := f.Truncate(int64(good)); err != nil {
			f.Close()
			return nil, nil, fmt.Errorf("truncate journal: %w", err)
		}
	}
	if _, err := f.Seek(0, io.SeekEnd); err != nil {
		f.Close()
		return nil, nil, fmt.Errorf("seek journal: %w", err)
	}
	return &Journal{path: path, file: f}, records, nil
}

// decodeJournal returns the complete records in data and the byte offset just
// past the last one.
func decodeJournal(data []byte) ([]journalRecord, int, error) {
	var records []journalRecord
	dec := journalDec.NewDecoder(bytes.NewReader(data))
	good := 0
	for good < len(data) {
		var rec journalRecord
		if err := dec.Decode(&rec); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				break
			}
			return nil, 0, fmt.Errorf("decode journal at offset %d: %w", good, err)
		}
		records = append(records, rec)
		good = dec.NumBytesRead()
	}
	return records, good, nil
}

func (j *Journal) append(rec journalRecord) error {
	b, err := journalEnc.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode journal record: %w", err)
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	if _, err := j.file.Write(b); err != nil {
		return fmt.Errorf("write journal: %w", err)
	}
	if err := j.file.Sync(); err != nil {
		return fmt.Errorf("sync journal: %w", err)
	}
	return nil
}

// Path is the journal file location.
func (j *Journal) Path() string { return j.path }

// Close flushes and closes the journal file.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.file.Close()
}
