package db

import "errors"

var ErrNotFound = errors.New("not found")

type DB interface {
	Init() error
	Close() error
	IntegrityCheck() (string, error)

	BeginGeneration(blockSize int, algorithm string) (int64, error)
	ActivateGeneration(id int64) error
	AbortGeneration(id int64) error
	ActiveGeneration() (*Generation, error)
	PurgeBuildingGenerations() (int64, error)

	GetFile(generation int64, path string) (*FileRecord, error)
	PutFile(file *FileRecord) error
	UpdateFileBlocks(file *FileRecord, changed map[int][]byte) error
	DeleteFile(generation int64, path string) (bool, error)
	ListFiles(generation int64) ([]string, error)
	Stats(generation int64) (*Stats, error)

	AddBlockToIndex(block *BlockMeta) error
	GetBlockMeta(hash []byte) (*BlockMeta, error)

	SaveIncident(incident *Incident) error
	ListIncidents() ([]*Incident, error)

	SaveQuarantineEntry(entry *QuarantineEntry) error
	GetQuarantineEntry(id string) (*QuarantineEntry, error)
	ListQuarantineEntries() ([]*QuarantineEntry, error)
}
