package local

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gentoomaniac/fsguard/pkg/db"
	"github.com/rs/zerolog/log"
)

func blockPath(metadata *db.BlockMeta, basepath string) (string, error) {
	if len(metadata.Name) < 2 {
		return "", fmt.Errorf("block name too short: %x", metadata.Name)
	}
	return filepath.Join(basepath, hex.EncodeToString(metadata.Name[0:1]), hex.EncodeToString(metadata.Name[1:2]), hex.EncodeToString(metadata.Name)), nil
}

// Write stores data for metadata below basepath. The file is written to a temp
// name and renamed so a crash never leaves a truncated block behind.
func Write(data []byte, metadata *db.BlockMeta, basepath string) (int, error) {
	log.Debug().
		Str("block_hash", fmt.Sprintf("%x", metadata.Hash)).
		Str("block_name", hex.EncodeToString(metadata.Name)).
		Int("block_size", metadata.Size).
		Msg("writing block")

	target, err := blockPath(metadata, basepath)
	if err != nil {
		return 0, err
	}
	if err := os.MkdirAll(filepath.Dir(target), 0700); err != nil {
		return 0, err
	}

	blockfile, err := os.CreateTemp(filepath.Dir(target), ".block-*")
	if err != nil {
		log.Error().Err(err).Str("path", target).Msg("failed creating block file")
		return 0, err
	}

	bytes, err := blockfile.Write(data)
	if err == nil {
		err = blockfile.Sync()
	}
	if closeErr := blockfile.Close(); err == nil {
		err = closeErr
	}
	if err == nil {
		err = os.Chmod(blockfile.Name(), 0600)
	}
	if err == nil {
		err = os.Rename(blockfile.Name(), target)
	}
	if err != nil {
		os.Remove(blockfile.Name())
		return 0, err
	}
	return bytes, nil
}

func Read(metadata *db.BlockMeta, basepath string) ([]byte, error) {
	target, err := blockPath(metadata, basepath)
	if err != nil {
		return nil, err
	}
	return os.ReadFile(target)
}

func Exists(metadata *db.BlockMeta, basepath string) bool {
	target, err := blockPath(metadata, basepath)
	if err != nil {
		return false
	}
	_, err = os.Stat(target)
	return err == nil
}
