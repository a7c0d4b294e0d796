package baseline

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"fmt"

	"github.com/gentoomaniac/fsguard/pkg/crypt/aes256"
	"github.com/gentoomaniac/fsguard/pkg/db"
	"github.com/gentoomaniac/fsguard/pkg/output/local"
	"github.com/rs/zerolog/log"
)

// blockName derives the on-disk name of a block from its content hash. The
// keyed hash keeps plain content hashes out of the backup area.
func (s *Store) blockName(hash []byte) []byte {
	mac := hmac.New(sha256.New, s.key)
	mac.Write(hash)
	return mac.Sum(nil)
}

// storeBlock writes data into the backup area unless a block with the same
// hash is already indexed and present.
func (s *Store) storeBlock(hash []byte, data []byte) error {
	meta, err := s.db.GetBlockMeta(hash)
	if err != nil {
		return err
	}
	if meta != nil && local.Exists(meta, s.backupDir) {
		return nil
	}

	blockMetadata := &db.BlockMeta{
		Hash: hash,
		Name: s.blockName(hash),
		Size: len(data),
	}
	encryptedData, err := aes256.Seal(data, s.key, hash)
	if err != nil {
		return err
	}
	if _, err := local.Write(encryptedData, blockMetadata, s.backupDir); err != nil {
		return err
	}
	if meta == nil {
		return s.db.AddBlockToIndex(blockMetadata)
	}
	return nil
}

// readBlock returns the plain payload for hash and verifies it against the hash.
func (s *Store) readBlock(hash []byte, sum func([]byte) []byte) ([]byte, error) {
	meta, err := s.db.GetBlockMeta(hash)
	if err != nil {
		return nil, err
	}
	if meta == nil {
		return nil, fmt.Errorf("%w: %x", ErrBlockMissing, hash)
	}
	encryptedData, err := local.Read(meta, s.backupDir)
	if err != nil {
		return nil, fmt.Errorf("%w: %x: %v", ErrBlockMissing, hash, err)
	}
	data, err := aes256.Open(encryptedData, s.key, hash)
	if err != nil {
		return nil, fmt.Errorf("block %x failed to decrypt: %w", hash, err)
	}
	if !bytes.Equal(sum(data), hash) {
		log.Error().Str("block_hash", fmt.Sprintf("%x", hash)).Msg("backup block content does not match its hash")
		return nil, fmt.Errorf("%w: %x: content mismatch", ErrBlockMissing, hash)
	}
	return data, nil
}
