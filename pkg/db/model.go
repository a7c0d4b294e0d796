package db

import (
	"os"
	"time"
)

const (
	GenerationBuilding = "building"
	GenerationActive   = "active"
	GenerationRetired  = "retired"
)

type Generation struct {
	ID        int64
	BlockSize int
	Algorithm string
	Created   time.Time
	State     string
}

type FileRecord struct {
	ID           int64
	GenerationID int64
	Path         string
	Size         int64
	ModTime      time.Time
	FullHash     []byte
	Updated      time.Time
	// Blocks are the accepted hashes, OriginalBlocks the hashes when the
	// generation was built. Either may be shorter than the other.
	Blocks         [][]byte
	OriginalBlocks [][]byte
}

// BlockMeta indexes one encrypted block payload in the backup area.
type BlockMeta struct {
	ID   int64
	Hash []byte
	Name []byte
	Size int
}

type Incident struct {
	ID          string
	OpenedAt    time.Time
	WindowStart time.Time
	Status      string
	Paths       []string
	Updated     time.Time
}

type QuarantineEntry struct {
	ID             string
	OriginalPath   string
	QuarantinePath string
	RestorePath    string
	IncidentID     string
	ExpectedHash   []byte
	Size           int64
	FileMode       os.FileMode
	State          string
	Blocks         [][]byte
	Created        time.Time
	Updated        time.Time
}

type Stats struct {
	Files      int
	Blocks     int
	TotalBytes int64
	BackupRefs int
}
